package billing

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PayFox/app/models"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	// ApplySubscriptionEvent runs apply under a row lock on the subscription
	// and persists the resulting state and effects in one transaction.
	ApplySubscriptionEvent(ctx context.Context, ev PaymentEvent, apply func(cur *models.BillingSubscription) Transition) (Transition, error)
	ApplyOrderEvent(ctx context.Context, ev PaymentEvent, apply func(cur *models.BillingOrder) Transition) (Transition, error)
	RecordEventEffects(ctx context.Context, provider Provider, eventID string, effects []Effect) error

	FindSubscription(ctx context.Context, provider Provider, providerSubscriptionID string) (*models.BillingSubscription, error)
	FindOrder(ctx context.Context, provider Provider, providerOrderID string) (*models.BillingOrder, error)
	ListSubscriptionsNeedingReconciliation(ctx context.Context, limit int) ([]models.BillingSubscription, error)
	ListOrdersNeedingReconciliation(ctx context.Context, limit int) ([]models.BillingOrder, error)

	FindActivePlanMapping(ctx context.Context, provider Provider, providerPlanRef string) (*models.BillingPlanMapping, error)
	UpsertEntitlement(ctx context.Context, ent *models.BillingEntitlement) error
	ListActiveEntitlements(ctx context.Context, userID string) ([]models.BillingEntitlement, error)

	ClaimEmailDelivery(ctx context.Context, delivery *models.BillingEmailDelivery) (alreadySent bool, err error)
	MarkEmailSent(ctx context.Context, provider Provider, dedupeKey string, template TemplateKind) error
	InsertPayment(ctx context.Context, payment *models.BillingPayment) error

	UpsertEffectFailure(ctx context.Context, failure *models.BillingEffectFailure) error
	SaveEffectFailure(ctx context.Context, failure *models.BillingEffectFailure) error
	GetEffectFailure(ctx context.Context, id uint) (*models.BillingEffectFailure, error)
	ListEffectFailures(ctx context.Context, status string, limit int) ([]models.BillingEffectFailure, error)
	DueEffectFailureIDs(ctx context.Context, now time.Time, limit int) ([]uint, error)

	GetWebhookEvent(ctx context.Context, id uint) (*models.BillingWebhookEvent, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) ApplySubscriptionEvent(ctx context.Context, ev PaymentEvent, apply func(cur *models.BillingSubscription) Transition) (Transition, error) {
	var out Transition
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Reserve the row first so that concurrent first events for the same
		// subscription serialize on the lock below instead of racing inserts.
		seed := models.BillingSubscription{Provider: string(ev.Provider), ProviderSubscriptionID: ev.SubjectID}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_subscription_id"}},
			DoNothing: true,
		}).Create(&seed).Error; err != nil {
			return err
		}

		var cur models.BillingSubscription
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("provider = ? AND provider_subscription_id = ?", ev.Provider, ev.SubjectID).
			First(&cur).Error; err != nil {
			return err
		}

		out = apply(&cur)
		if out.Subscription != nil {
			if err := tx.Save(out.Subscription).Error; err != nil {
				return err
			}
		}
		return markStateApplied(tx, ev.Provider, ev.ProviderEventID, out.Effects)
	})
	if err != nil {
		return Transition{}, fmt.Errorf("apply %s to subscription %s/%s: %w", ev.Kind, ev.Provider, ev.SubjectID, err)
	}
	return out, nil
}

func (r *gormRepository) ApplyOrderEvent(ctx context.Context, ev PaymentEvent, apply func(cur *models.BillingOrder) Transition) (Transition, error) {
	var out Transition
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := models.BillingOrder{Provider: string(ev.Provider), ProviderOrderID: ev.SubjectID}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_order_id"}},
			DoNothing: true,
		}).Create(&seed).Error; err != nil {
			return err
		}

		var cur models.BillingOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("provider = ? AND provider_order_id = ?", ev.Provider, ev.SubjectID).
			First(&cur).Error; err != nil {
			return err
		}

		out = apply(&cur)
		if out.Order != nil {
			if err := tx.Save(out.Order).Error; err != nil {
				return err
			}
		}
		return markStateApplied(tx, ev.Provider, ev.ProviderEventID, out.Effects)
	})
	if err != nil {
		return Transition{}, fmt.Errorf("apply %s to order %s/%s: %w", ev.Kind, ev.Provider, ev.SubjectID, err)
	}
	return out, nil
}

func (r *gormRepository) RecordEventEffects(ctx context.Context, provider Provider, eventID string, effects []Effect) error {
	return markStateApplied(r.db.WithContext(ctx), provider, eventID, effects)
}

func markStateApplied(tx *gorm.DB, provider Provider, eventID string, effects []Effect) error {
	data, err := encodeEffects(effects)
	if err != nil {
		return err
	}
	return tx.Model(&models.BillingWebhookEvent{}).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		Updates(map[string]interface{}{
			"effects_json":     datatypes.JSON(data),
			"state_applied_at": time.Now().UTC(),
		}).Error
}

func (r *gormRepository) FindSubscription(ctx context.Context, provider Provider, providerSubscriptionID string) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindOrder(ctx context.Context, provider Provider, providerOrderID string) (*models.BillingOrder, error) {
	var order models.BillingOrder
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_order_id = ?", provider, providerOrderID).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *gormRepository) ListSubscriptionsNeedingReconciliation(ctx context.Context, limit int) ([]models.BillingSubscription, error) {
	var subs []models.BillingSubscription
	err := r.db.WithContext(ctx).
		Where("needs_reconciliation = ? AND status <> ''", true).
		Order("updated_at DESC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) ListOrdersNeedingReconciliation(ctx context.Context, limit int) ([]models.BillingOrder, error) {
	var orders []models.BillingOrder
	err := r.db.WithContext(ctx).
		Where("needs_reconciliation = ? AND status <> ''", true).
		Order("updated_at DESC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *gormRepository) FindActivePlanMapping(ctx context.Context, provider Provider, providerPlanRef string) (*models.BillingPlanMapping, error) {
	var m models.BillingPlanMapping
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_plan_ref = ? AND is_active = ?", provider, providerPlanRef, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) UpsertEntitlement(ctx context.Context, ent *models.BillingEntitlement) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "subject_type"},
			{Name: "subject_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"plan_ref",
			"internal_plan",
			"active",
			"updated_at",
		}),
	}).Create(ent).Error
}

func (r *gormRepository) ListActiveEntitlements(ctx context.Context, userID string) ([]models.BillingEntitlement, error) {
	var ents []models.BillingEntitlement
	err := r.db.WithContext(ctx).Where("user_id = ? AND active = ?", userID, true).Find(&ents).Error
	return ents, err
}

func (r *gormRepository) ClaimEmailDelivery(ctx context.Context, delivery *models.BillingEmailDelivery) (bool, error) {
	row := *delivery
	row.Status = models.EmailDeliveryPending
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "dedupe_key"}, {Name: "template"}},
		DoNothing: true,
	}).Create(&row).Error; err != nil {
		return false, err
	}

	var stored models.BillingEmailDelivery
	if err := r.db.WithContext(ctx).
		Where("provider = ? AND dedupe_key = ? AND template = ?", delivery.Provider, delivery.DedupeKey, delivery.Template).
		First(&stored).Error; err != nil {
		return false, err
	}
	return stored.Status == models.EmailDeliverySent, nil
}

func (r *gormRepository) MarkEmailSent(ctx context.Context, provider Provider, dedupeKey string, template TemplateKind) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&models.BillingEmailDelivery{}).
		Where("provider = ? AND dedupe_key = ? AND template = ?", provider, dedupeKey, template).
		Updates(map[string]interface{}{
			"status":  models.EmailDeliverySent,
			"sent_at": now,
		}).Error
}

func (r *gormRepository) InsertPayment(ctx context.Context, payment *models.BillingPayment) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "dedupe_key"}},
		DoNothing: true,
	}).Create(payment).Error
}

func (r *gormRepository) UpsertEffectFailure(ctx context.Context, failure *models.BillingEffectFailure) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "effect_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"effect_json",
			"status",
			"attempts",
			"last_error",
			"next_attempt_at",
			"updated_at",
		}),
	}).Create(failure).Error
}

func (r *gormRepository) SaveEffectFailure(ctx context.Context, failure *models.BillingEffectFailure) error {
	return r.db.WithContext(ctx).Save(failure).Error
}

func (r *gormRepository) GetEffectFailure(ctx context.Context, id uint) (*models.BillingEffectFailure, error) {
	var f models.BillingEffectFailure
	if err := r.db.WithContext(ctx).First(&f, id).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *gormRepository) ListEffectFailures(ctx context.Context, status string, limit int) ([]models.BillingEffectFailure, error) {
	var failures []models.BillingEffectFailure
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&failures).Error
	return failures, err
}

func (r *gormRepository) DueEffectFailureIDs(ctx context.Context, now time.Time, limit int) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.BillingEffectFailure{}).
		Where("status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", models.EffectFailurePending, now).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *gormRepository) GetWebhookEvent(ctx context.Context, id uint) (*models.BillingWebhookEvent, error) {
	var ev models.BillingWebhookEvent
	if err := r.db.WithContext(ctx).First(&ev, id).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}
