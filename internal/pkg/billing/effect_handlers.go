package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
)

// Mailer delivers a transactional email. Template markup is owned by the
// implementation; params carry the values to render.
type Mailer interface {
	Send(ctx context.Context, template TemplateKind, recipient string, params map[string]string) error
}

// UserDirectory resolves user ids to email addresses.
type UserDirectory interface {
	Email(ctx context.Context, userID string) (string, error)
}

// PlanCache keeps the effective plan per user close to the readers.
type PlanCache interface {
	GetPlan(ctx context.Context, userID string) (entitlements.Plan, bool, error)
	SetPlan(ctx context.Context, userID string, plan entitlements.Plan) error
	Invalidate(ctx context.Context, userID string) error
}

type gormUserDirectory struct {
	db *gorm.DB
}

// NewUserDirectory looks users up in the users table.
func NewUserDirectory(db *gorm.DB) UserDirectory {
	return &gormUserDirectory{db: db}
}

func (d *gormUserDirectory) Email(ctx context.Context, userID string) (string, error) {
	u, err := models.FindUserByID(d.db.WithContext(ctx), userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", Permanent(fmt.Errorf("%w: user %q not found", ErrUnresolvedSubject, userID))
		}
		return "", err
	}
	if strings.TrimSpace(u.Email) == "" {
		return "", Permanent(fmt.Errorf("%w: user %q has no email", ErrUnresolvedSubject, userID))
	}
	return u.Email, nil
}

// HandlerDeps are the collaborators of the default effect handlers.
type HandlerDeps struct {
	Repo          Repository
	Mailer        Mailer
	Users         UserDirectory
	PlanCache     PlanCache
	OperatorEmail string
}

// NewEffectHandlers wires the default handler for every effect kind.
func NewEffectHandlers(deps HandlerDeps) map[EffectKind]EffectHandler {
	access := &accessHandler{repo: deps.Repo, cache: deps.PlanCache}
	return map[EffectKind]EffectHandler{
		EffectGrantAccess:   access,
		EffectRevokeAccess:  access,
		EffectSendEmail:     &emailHandler{repo: deps.Repo, mailer: deps.Mailer, users: deps.Users, operator: deps.OperatorEmail},
		EffectRecordPayment: &paymentHandler{repo: deps.Repo},
	}
}

// accessHandler writes the subject's entitlement row. It projects the access
// flag persisted on the subject rather than the effect kind, so effects that
// are retried or replayed late cannot undo a newer state.
type accessHandler struct {
	repo  Repository
	cache PlanCache
}

func (h *accessHandler) Handle(ctx context.Context, e Effect) error {
	if e.UserID == "" {
		return Permanent(fmt.Errorf("%w: %s without user", ErrUnresolvedSubject, e))
	}
	active, planRef, err := h.subjectAccess(ctx, e)
	if err != nil {
		return fmt.Errorf("%w: load %s %s: %v", ErrTransientEffect, e.SubjectType, e.SubjectID, err)
	}

	plan, err := ResolveMappedPlan(ctx, h.repo, e.Provider, planRef)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: resolve plan %q: %v", ErrTransientEffect, planRef, err)
		}
		if active {
			log.Warnf("[Billing] No plan mapping for %s ref %q, granting %s", e.Provider, planRef, plan)
		}
	}

	ent := &models.BillingEntitlement{
		UserID:       e.UserID,
		Provider:     string(e.Provider),
		SubjectType:  string(e.SubjectType),
		SubjectID:    e.SubjectID,
		PlanRef:      planRef,
		InternalPlan: string(plan),
		Active:       active,
	}
	if err := h.repo.UpsertEntitlement(ctx, ent); err != nil {
		return fmt.Errorf("%w: upsert entitlement: %v", ErrTransientEffect, err)
	}

	ents, err := h.repo.ListActiveEntitlements(ctx, e.UserID)
	if err != nil {
		return fmt.Errorf("%w: list entitlements: %v", ErrTransientEffect, err)
	}
	effective := effectivePlan(ents)
	log.Infof("[Billing] %s %s/%s for user %s, effective plan %s", e.Kind, e.SubjectType, e.SubjectID, e.UserID, effective)
	if h.cache != nil {
		if err := h.cache.SetPlan(ctx, e.UserID, effective); err != nil {
			log.Warnf("[Billing] Could not cache plan for user %s: %v", e.UserID, err)
		}
	}
	return nil
}

func (h *accessHandler) subjectAccess(ctx context.Context, e Effect) (bool, string, error) {
	fallback := e.Kind == EffectGrantAccess
	switch e.SubjectType {
	case SubjectSubscription:
		sub, err := h.repo.FindSubscription(ctx, e.Provider, e.SubjectID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fallback, e.PlanRef, nil
		}
		if err != nil {
			return false, "", err
		}
		return sub.AccessGranted, firstNonEmpty(sub.ProviderPlanRef, e.PlanRef), nil
	case SubjectOrder:
		order, err := h.repo.FindOrder(ctx, e.Provider, e.SubjectID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fallback, e.PlanRef, nil
		}
		if err != nil {
			return false, "", err
		}
		return order.AccessGranted, e.PlanRef, nil
	default:
		return fallback, e.PlanRef, nil
	}
}

// emailHandler sends each (event, template) at most once. The delivery row
// stays pending when sending fails so that a retry sends again.
type emailHandler struct {
	repo     Repository
	mailer   Mailer
	users    UserDirectory
	operator string
}

func (h *emailHandler) Handle(ctx context.Context, e Effect) error {
	if h.mailer == nil {
		return Permanent(fmt.Errorf("%w: no mailer", ErrConfiguration))
	}
	recipient, err := h.recipient(ctx, e)
	if err != nil {
		return err
	}

	sent, err := h.repo.ClaimEmailDelivery(ctx, &models.BillingEmailDelivery{
		Provider:        string(e.Provider),
		DedupeKey:       e.DedupeKey(),
		Template:        string(e.Template),
		ProviderEventID: e.EventID,
		Recipient:       recipient,
	})
	if err != nil {
		return fmt.Errorf("%w: claim email delivery: %v", ErrTransientEffect, err)
	}
	if sent {
		return nil
	}
	if err := h.mailer.Send(ctx, e.Template, recipient, e.Params); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrTransientEffect, e.Template, err)
	}
	if err := h.repo.MarkEmailSent(ctx, e.Provider, e.DedupeKey(), e.Template); err != nil {
		// The mail is out; a retry would send it twice.
		log.Errorf("[Billing] Sent %s for %s/%s but could not record it: %v", e.Template, e.Provider, e.EventID, err)
	}
	return nil
}

func (h *emailHandler) recipient(ctx context.Context, e Effect) (string, error) {
	if e.Audience == AudienceOperator {
		if h.operator == "" {
			return "", Permanent(fmt.Errorf("%w: no operator email", ErrConfiguration))
		}
		return h.operator, nil
	}
	if e.Recipient != "" {
		return e.Recipient, nil
	}
	if e.UserID == "" || h.users == nil {
		return "", Permanent(fmt.Errorf("%w: no recipient for %s", ErrUnresolvedSubject, e))
	}
	email, err := h.users.Email(ctx, e.UserID)
	if err != nil {
		if IsPermanent(err) {
			return "", err
		}
		return "", fmt.Errorf("%w: look up user %s: %v", ErrTransientEffect, e.UserID, err)
	}
	return email, nil
}

type paymentHandler struct {
	repo Repository
}

func (h *paymentHandler) Handle(ctx context.Context, e Effect) error {
	if e.Amount <= 0 {
		return Permanent(fmt.Errorf("%w: payment without amount", ErrMalformedPayload))
	}
	p := &models.BillingPayment{
		Provider:        string(e.Provider),
		DedupeKey:       e.DedupeKey(),
		ProviderEventID: e.EventID,
		UserID:          e.UserID,
		SubjectType:     string(e.SubjectType),
		SubjectID:       e.SubjectID,
		Direction:       e.Direction,
		Amount:          e.Amount,
		Currency:        e.Currency,
		OccurredAt:      e.OccurredAt,
	}
	if err := h.repo.InsertPayment(ctx, p); err != nil {
		return fmt.Errorf("%w: insert payment: %v", ErrTransientEffect, err)
	}
	return nil
}
