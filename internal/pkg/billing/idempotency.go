package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PayFox/app/models"
)

// DefaultLease is how long a claimed event stays reserved for its handler.
const DefaultLease = 2 * time.Minute

// ErrClaimLost is returned by Commit when the lease expired and another
// delivery took the event over.
var ErrClaimLost = errors.New("idempotency claim lost")

// EventMeta is stored alongside a claim for auditing and replay.
type EventMeta struct {
	EventType   string
	Kind        EventKind
	SubjectType SubjectType
	SubjectID   string
	OccurredAt  time.Time
	Payload     []byte
}

func metaFromEvent(ev PaymentEvent) EventMeta {
	return EventMeta{
		EventType:   ev.ProviderEventType,
		Kind:        ev.Kind,
		SubjectType: ev.SubjectType,
		SubjectID:   ev.SubjectID,
		OccurredAt:  ev.OccurredAt,
		Payload:     ev.Raw,
	}
}

// Claim is the result of TryBegin. Only a Fresh claim may be committed.
type Claim struct {
	Provider Provider
	EventID  string
	Fresh    bool
	// Status is the stored status seen by a duplicate delivery.
	Status   string
	Attempts int
	// Effects holds the effects persisted with the subject state by an
	// earlier attempt, if that attempt got that far.
	Effects      []Effect
	StateApplied bool
	// Note is stored with the committed record, e.g. why the subject
	// needs reconciliation.
	Note string
}

// Store guards event processing so that one provider event id is applied
// at most once, even with concurrent duplicate deliveries.
type Store interface {
	TryBegin(ctx context.Context, provider Provider, eventID string, meta EventMeta) (*Claim, error)
	Commit(ctx context.Context, claim *Claim) error
	Release(ctx context.Context, claim *Claim, cause error) error
}

// GormStore keeps claims in billing_webhook_events. The unique
// (provider, provider_event_id) index makes the insert the only arbiter.
type GormStore struct {
	db    *gorm.DB
	lease time.Duration
	now   func() time.Time
}

func NewGormStore(db *gorm.DB, lease time.Duration) *GormStore {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &GormStore{db: db, lease: lease, now: func() time.Time { return time.Now().UTC() }}
}

func (s *GormStore) TryBegin(ctx context.Context, provider Provider, eventID string, meta EventMeta) (*Claim, error) {
	now := s.now()
	leaseUntil := now.Add(s.lease)
	occurred := meta.OccurredAt
	row := models.BillingWebhookEvent{
		Provider:        string(provider),
		ProviderEventID: eventID,
		EventType:       meta.EventType,
		Kind:            string(meta.Kind),
		SubjectType:     string(meta.SubjectType),
		SubjectID:       meta.SubjectID,
		PayloadJSON:     string(meta.Payload),
		Status:          models.WebhookEventProcessing,
		Attempts:        1,
		LeaseUntil:      &leaseUntil,
		OccurredAt:      &occurred,
	}

	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
		DoNothing: true,
	}).Create(&row)
	if tx.Error != nil {
		return nil, fmt.Errorf("claim %s/%s: %w", provider, eventID, tx.Error)
	}
	if tx.RowsAffected == 1 {
		return &Claim{Provider: provider, EventID: eventID, Fresh: true, Status: models.WebhookEventProcessing, Attempts: 1}, nil
	}

	// Take over a released claim or one whose handler died.
	res := s.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).
		Where("provider = ? AND provider_event_id = ? AND status <> ?", provider, eventID, models.WebhookEventApplied).
		Where("(status = ? OR lease_until IS NULL OR lease_until < ?)", models.WebhookEventReleased, now).
		Updates(map[string]interface{}{
			"status":      models.WebhookEventProcessing,
			"lease_until": leaseUntil,
			"attempts":    gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("take over claim %s/%s: %w", provider, eventID, res.Error)
	}

	var stored models.BillingWebhookEvent
	if err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		First(&stored).Error; err != nil {
		return nil, fmt.Errorf("load claim %s/%s: %w", provider, eventID, err)
	}

	claim := &Claim{
		Provider:     provider,
		EventID:      eventID,
		Fresh:        res.RowsAffected == 1,
		Status:       stored.Status,
		Attempts:     stored.Attempts,
		StateApplied: stored.StateAppliedAt != nil,
	}
	if claim.Fresh && claim.StateApplied {
		effects, err := decodeEffects(stored.EffectsJSON)
		if err != nil {
			return nil, fmt.Errorf("decode stored effects %s/%s: %w", provider, eventID, err)
		}
		claim.Effects = effects
	}
	return claim, nil
}

func (s *GormStore) Commit(ctx context.Context, claim *Claim) error {
	if claim == nil || !claim.Fresh {
		return fmt.Errorf("commit without a fresh claim")
	}
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).
		Where("provider = ? AND provider_event_id = ? AND status = ? AND attempts = ? AND applied_at IS NULL",
			claim.Provider, claim.EventID, models.WebhookEventProcessing, claim.Attempts).
		Updates(map[string]interface{}{
			"status":           models.WebhookEventApplied,
			"applied_at":       now,
			"lease_until":      nil,
			"processing_error": claim.Note,
		})
	if res.Error != nil {
		return fmt.Errorf("commit %s/%s: %w", claim.Provider, claim.EventID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("commit %s/%s: %w", claim.Provider, claim.EventID, ErrClaimLost)
	}
	claim.Status = models.WebhookEventApplied
	return nil
}

func (s *GormStore) Release(ctx context.Context, claim *Claim, cause error) error {
	if claim == nil || !claim.Fresh {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res := s.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).
		Where("provider = ? AND provider_event_id = ? AND status = ? AND attempts = ?",
			claim.Provider, claim.EventID, models.WebhookEventProcessing, claim.Attempts).
		Updates(map[string]interface{}{
			"status":           models.WebhookEventReleased,
			"lease_until":      nil,
			"processing_error": msg,
		})
	if res.Error != nil {
		return fmt.Errorf("release %s/%s: %w", claim.Provider, claim.EventID, res.Error)
	}
	claim.Status = models.WebhookEventReleased
	return nil
}

// MemoryStore is an in-process Store for tests and single-instance tools.
// It does not persist effects across restarts.
type MemoryStore struct {
	mu      sync.Mutex
	lease   time.Duration
	now     func() time.Time
	records map[string]*memoryRecord
}

type memoryRecord struct {
	status     string
	attempts   int
	leaseUntil time.Time
	appliedAt  time.Time
	note       string
}

func NewMemoryStore(lease time.Duration) *MemoryStore {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &MemoryStore{
		lease:   lease,
		now:     time.Now,
		records: make(map[string]*memoryRecord),
	}
}

func memoryKey(provider Provider, eventID string) string {
	return string(provider) + "\x00" + eventID
}

func (s *MemoryStore) TryBegin(_ context.Context, provider Provider, eventID string, _ EventMeta) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := memoryKey(provider, eventID)
	rec, ok := s.records[key]
	if !ok {
		s.records[key] = &memoryRecord{status: models.WebhookEventProcessing, attempts: 1, leaseUntil: now.Add(s.lease)}
		return &Claim{Provider: provider, EventID: eventID, Fresh: true, Status: models.WebhookEventProcessing, Attempts: 1}, nil
	}
	takeover := rec.status == models.WebhookEventReleased ||
		(rec.status == models.WebhookEventProcessing && now.After(rec.leaseUntil))
	if !takeover {
		return &Claim{Provider: provider, EventID: eventID, Status: rec.status, Attempts: rec.attempts}, nil
	}
	rec.status = models.WebhookEventProcessing
	rec.attempts++
	rec.leaseUntil = now.Add(s.lease)
	return &Claim{Provider: provider, EventID: eventID, Fresh: true, Status: rec.status, Attempts: rec.attempts}, nil
}

func (s *MemoryStore) Commit(_ context.Context, claim *Claim) error {
	if claim == nil || !claim.Fresh {
		return fmt.Errorf("commit without a fresh claim")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[memoryKey(claim.Provider, claim.EventID)]
	if !ok || rec.status != models.WebhookEventProcessing || rec.attempts != claim.Attempts {
		return fmt.Errorf("commit %s/%s: %w", claim.Provider, claim.EventID, ErrClaimLost)
	}
	rec.status = models.WebhookEventApplied
	rec.appliedAt = s.now()
	rec.note = claim.Note
	claim.Status = rec.status
	return nil
}

func (s *MemoryStore) Release(_ context.Context, claim *Claim, cause error) error {
	if claim == nil || !claim.Fresh {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[memoryKey(claim.Provider, claim.EventID)]
	if !ok || rec.status != models.WebhookEventProcessing || rec.attempts != claim.Attempts {
		return nil
	}
	rec.status = models.WebhookEventReleased
	if cause != nil {
		rec.note = cause.Error()
	}
	claim.Status = rec.status
	return nil
}

// Applied reports whether the event was committed.
func (s *MemoryStore) Applied(provider Provider, eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[memoryKey(provider, eventID)]
	return ok && rec.status == models.WebhookEventApplied
}
