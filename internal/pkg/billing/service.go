package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/config"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
)

// Outcome is reported back to the provider in the acknowledgment body.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Outcome labels beyond the acknowledged ones, used for counters only.
const (
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

const (
	defaultReplayBackoff = time.Minute
	maxReplayBackoff     = time.Hour
	releaseTimeout       = 5 * time.Second
)

// OutcomeRecorder counts webhook outcomes per provider.
type OutcomeRecorder interface {
	Record(ctx context.Context, provider Provider, outcome string)
}

// PayloadArchive keeps a copy of every verified payload.
type PayloadArchive interface {
	Put(ctx context.Context, provider Provider, eventID string, occurredAt time.Time, raw []byte) error
}

// Options holds the collaborators of a Service. Repo, Store, Normalizer and
// Dispatcher are required.
type Options struct {
	Secrets    map[Provider]string
	Verifiers  map[Provider]Verifier
	Normalizer *Normalizer
	Store      Store
	Repo       Repository
	Dispatcher *Dispatcher
	PlanCache  PlanCache
	Archive    PayloadArchive
	Recorder   OutcomeRecorder
	// ReplayMaxAttempts bounds dispatch rounds of a dead-lettered effect,
	// counting the round that failed during ingestion.
	ReplayMaxAttempts int
	ReplayBackoff     time.Duration
}

// Service ingests provider webhooks and applies them exactly once.
type Service struct {
	secrets    map[Provider]string
	verifiers  map[Provider]Verifier
	normalizer *Normalizer
	store      Store
	repo       Repository
	dispatcher *Dispatcher
	planCache  PlanCache
	archive    PayloadArchive
	recorder   OutcomeRecorder

	replayMaxAttempts int
	replayBackoff     time.Duration
	now               func() time.Time
}

// NewService creates a billing service from explicit collaborators.
func NewService(opts Options) *Service {
	if opts.Verifiers == nil {
		opts.Verifiers = map[Provider]Verifier{
			ProviderStripe:       StripeVerifier{},
			ProviderLemonSqueezy: LemonSqueezyVerifier{},
		}
	}
	if opts.ReplayMaxAttempts <= 0 {
		opts.ReplayMaxAttempts = 8
	}
	if opts.ReplayBackoff <= 0 {
		opts.ReplayBackoff = defaultReplayBackoff
	}
	return &Service{
		secrets:           opts.Secrets,
		verifiers:         opts.Verifiers,
		normalizer:        opts.Normalizer,
		store:             opts.Store,
		repo:              opts.Repo,
		dispatcher:        opts.Dispatcher,
		planCache:         opts.PlanCache,
		archive:           opts.Archive,
		recorder:          opts.Recorder,
		replayMaxAttempts: opts.ReplayMaxAttempts,
		replayBackoff:     opts.ReplayBackoff,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// NewServiceFromConfig wires the production service on top of a GORM handle.
func NewServiceFromConfig(db *gorm.DB, cfg *config.Config, mailer Mailer, planCache PlanCache, archive PayloadArchive, recorder OutcomeRecorder) *Service {
	repo := NewRepository(db)
	handlers := NewEffectHandlers(HandlerDeps{
		Repo:          repo,
		Mailer:        mailer,
		Users:         NewUserDirectory(db),
		PlanCache:     planCache,
		OperatorEmail: cfg.OperatorEmail,
	})
	return NewService(Options{
		Secrets: map[Provider]string{
			ProviderStripe:       cfg.Webhooks.StripeSecret,
			ProviderLemonSqueezy: cfg.Webhooks.LemonSqueezySecret,
		},
		Normalizer: NewNormalizer(
			StripeNormalizer{FinalPaymentAttempt: cfg.FinalPaymentAttempt},
			LemonSqueezyNormalizer{},
		),
		Store:             NewGormStore(db, cfg.IdempotencyLease),
		Repo:              repo,
		Dispatcher:        NewDispatcher(cfg.Dispatch, handlers),
		PlanCache:         planCache,
		Archive:           archive,
		Recorder:          recorder,
		ReplayMaxAttempts: cfg.Replay.MaxAttempts,
	})
}

// HandleWebhook verifies a raw provider request and processes it.
func (s *Service) HandleWebhook(ctx context.Context, provider Provider, raw []byte, signature string) (Outcome, error) {
	v, ok := s.verifiers[provider]
	if !ok {
		return "", fmt.Errorf("%w: no verifier for provider %q", ErrConfiguration, provider)
	}
	if err := v.Verify(raw, signature, s.secrets[provider]); err != nil {
		s.record(ctx, provider, outcomeRejected)
		return "", err
	}
	return s.Process(ctx, provider, raw)
}

// Process applies an already verified payload.
func (s *Service) Process(ctx context.Context, provider Provider, raw []byte) (Outcome, error) {
	ev, err := s.normalizer.Normalize(provider, raw)
	if errors.Is(err, ErrUnrecognizedEvent) {
		log.Debugf("[Billing] Ignoring %s event: %v", provider, err)
		s.record(ctx, provider, string(OutcomeIgnored))
		return OutcomeIgnored, nil
	}
	if err != nil {
		s.record(ctx, provider, outcomeRejected)
		return "", err
	}

	out, err := s.apply(ctx, ev)
	if err != nil {
		s.record(ctx, provider, outcomeFailed)
		return "", err
	}
	s.record(ctx, provider, string(out))
	return out, nil
}

func (s *Service) apply(ctx context.Context, ev PaymentEvent) (_ Outcome, err error) {
	claim, err := s.store.TryBegin(ctx, ev.Provider, ev.ProviderEventID, metaFromEvent(ev))
	if err != nil {
		return "", err
	}
	if !claim.Fresh {
		log.Infof("[Billing] Duplicate %s event %s (%s)", ev.Provider, ev.ProviderEventID, claim.Status)
		return OutcomeDuplicate, nil
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := s.store.Release(rctx, claim, err); rerr != nil {
			log.Errorf("[Billing] Could not release %s event %s: %v", ev.Provider, ev.ProviderEventID, rerr)
		}
	}()

	if claim.Attempts == 1 {
		s.archivePayload(ctx, ev)
	}

	effects := claim.Effects
	if !claim.StateApplied {
		t, err := s.applyState(ctx, ev)
		if err != nil {
			return "", err
		}
		effects = t.Effects
		if t.Unresolved {
			claim.Note = fmt.Sprintf("%v: %s %s needs reconciliation", ErrUnresolvedSubject, ev.SubjectType, ev.SubjectID)
			log.Warnf("[Billing] %s event %s: %s", ev.Provider, ev.ProviderEventID, claim.Note)
		}
		if t.Stale {
			log.Infof("[Billing] %s event %s is older than the state of %s %s", ev.Provider, ev.ProviderEventID, ev.SubjectType, ev.SubjectID)
		}
	} else {
		log.Infof("[Billing] Re-dispatching %d stored effect(s) of %s event %s", len(effects), ev.Provider, ev.ProviderEventID)
	}

	results := s.dispatcher.Dispatch(ctx, effects)
	if err := s.deadLetter(ctx, results); err != nil {
		return "", err
	}
	if err := s.store.Commit(ctx, claim); err != nil {
		return "", err
	}
	committed = true
	log.Infof("[Billing] Applied %s event %s (%s, %d effect(s))", ev.Provider, ev.ProviderEventID, ev.Kind, len(effects))
	return OutcomeProcessed, nil
}

func (s *Service) applyState(ctx context.Context, ev PaymentEvent) (Transition, error) {
	switch ev.SubjectType {
	case SubjectSubscription:
		return s.repo.ApplySubscriptionEvent(ctx, ev, func(cur *models.BillingSubscription) Transition {
			return Reconcile(ev, cur, nil)
		})
	case SubjectOrder, SubjectCharge:
		return s.repo.ApplyOrderEvent(ctx, ev, func(cur *models.BillingOrder) Transition {
			return Reconcile(ev, nil, cur)
		})
	default:
		t := Reconcile(ev, nil, nil)
		if err := s.repo.RecordEventEffects(ctx, ev.Provider, ev.ProviderEventID, t.Effects); err != nil {
			return Transition{}, err
		}
		return t, nil
	}
}

// deadLetter stores every effect that still failed after its retries.
func (s *Service) deadLetter(ctx context.Context, results []EffectResult) error {
	for _, res := range results {
		if res.Err == nil {
			continue
		}
		data, err := json.Marshal(res.Effect)
		if err != nil {
			return err
		}
		f := &models.BillingEffectFailure{
			EffectKey:       res.Effect.Key(),
			Provider:        string(res.Effect.Provider),
			ProviderEventID: res.Effect.EventID,
			EffectKind:      string(res.Effect.Kind),
			EffectJSON:      datatypes.JSON(data),
			Attempts:        1,
			LastError:       res.Err.Error(),
		}
		s.scheduleReplay(f, res.Err)
		if err := s.repo.UpsertEffectFailure(ctx, f); err != nil {
			return fmt.Errorf("record failed effect %s: %w", res.Effect.Key(), err)
		}
	}
	return nil
}

// scheduleReplay sets status and next attempt after a failed round.
func (s *Service) scheduleReplay(f *models.BillingEffectFailure, cause error) {
	if IsPermanent(cause) || f.Attempts >= s.replayMaxAttempts {
		f.Status = models.EffectFailureAbandoned
		f.NextAttemptAt = nil
		return
	}
	wait := s.replayBackoff
	for i := 1; i < f.Attempts && wait < maxReplayBackoff; i++ {
		wait *= 2
	}
	if wait > maxReplayBackoff {
		wait = maxReplayBackoff
	}
	next := s.now().Add(wait)
	f.Status = models.EffectFailurePending
	f.NextAttemptAt = &next
}

// ReplayFailure dispatches a dead-lettered effect once more.
func (s *Service) ReplayFailure(ctx context.Context, id uint) error {
	f, err := s.repo.GetEffectFailure(ctx, id)
	if err != nil {
		return err
	}
	if f.Status == models.EffectFailureResolved {
		return nil
	}
	var e Effect
	if err := json.Unmarshal(f.EffectJSON, &e); err != nil {
		f.Status = models.EffectFailureAbandoned
		f.LastError = fmt.Sprintf("decode effect: %v", err)
		f.NextAttemptAt = nil
		if serr := s.repo.SaveEffectFailure(ctx, f); serr != nil {
			return serr
		}
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	res := s.dispatcher.Dispatch(ctx, []Effect{e})[0]
	f.Attempts++
	if res.Err == nil {
		now := s.now()
		f.Status = models.EffectFailureResolved
		f.ResolvedAt = &now
		f.NextAttemptAt = nil
		f.LastError = ""
		log.Infof("[Replay] Resolved %s after %d round(s)", f.EffectKey, f.Attempts)
	} else {
		f.LastError = res.Err.Error()
		s.scheduleReplay(f, res.Err)
		if f.Status == models.EffectFailureAbandoned {
			log.Warnf("[Replay] Giving up on %s after %d round(s): %v", f.EffectKey, f.Attempts, res.Err)
		}
	}
	if err := s.repo.SaveEffectFailure(ctx, f); err != nil {
		return err
	}
	return res.Err
}

// DueFailureIDs lists pending dead-letter entries whose next attempt is due.
func (s *Service) DueFailureIDs(ctx context.Context, limit int) ([]uint, error) {
	return s.repo.DueEffectFailureIDs(ctx, s.now(), limit)
}

func (s *Service) ListFailures(ctx context.Context, status string, limit int) ([]models.BillingEffectFailure, error) {
	return s.repo.ListEffectFailures(ctx, status, limit)
}

// ReconciliationQueue lists subjects an operator has to attribute or check.
type ReconciliationQueue struct {
	Subscriptions []models.BillingSubscription `json:"subscriptions"`
	Orders        []models.BillingOrder        `json:"orders"`
}

func (s *Service) ListNeedsReconciliation(ctx context.Context, limit int) (*ReconciliationQueue, error) {
	subs, err := s.repo.ListSubscriptionsNeedingReconciliation(ctx, limit)
	if err != nil {
		return nil, err
	}
	orders, err := s.repo.ListOrdersNeedingReconciliation(ctx, limit)
	if err != nil {
		return nil, err
	}
	return &ReconciliationQueue{Subscriptions: subs, Orders: orders}, nil
}

// ReplayEvent reprocesses a stored event that was released without being
// applied. The payload was verified when it was first received.
func (s *Service) ReplayEvent(ctx context.Context, id uint) (Outcome, error) {
	stored, err := s.repo.GetWebhookEvent(ctx, id)
	if err != nil {
		return "", err
	}
	if stored.Status == models.WebhookEventApplied {
		return OutcomeDuplicate, nil
	}
	provider, err := ParseProvider(stored.Provider)
	if err != nil {
		return "", err
	}
	return s.Process(ctx, provider, []byte(stored.PayloadJSON))
}

// EffectivePlan returns the best plan among the user's active entitlements.
func (s *Service) EffectivePlan(ctx context.Context, userID string) (entitlements.Plan, error) {
	if userID == "" {
		return entitlements.PlanFree, errors.New("user id is required")
	}
	if s.planCache != nil {
		if plan, ok, err := s.planCache.GetPlan(ctx, userID); err == nil && ok {
			return plan, nil
		}
	}
	ents, err := s.repo.ListActiveEntitlements(ctx, userID)
	if err != nil {
		return entitlements.PlanFree, err
	}
	plan := effectivePlan(ents)
	if s.planCache != nil {
		if err := s.planCache.SetPlan(ctx, userID, plan); err != nil {
			log.Warnf("[Billing] Could not cache plan for user %s: %v", userID, err)
		}
	}
	return plan, nil
}

// RefreshPlan drops the cached plan of a user and reads it again.
func (s *Service) RefreshPlan(ctx context.Context, userID string) (entitlements.Plan, error) {
	if s.planCache != nil && userID != "" {
		if err := s.planCache.Invalidate(ctx, userID); err != nil {
			return entitlements.PlanFree, err
		}
	}
	return s.EffectivePlan(ctx, userID)
}

func (s *Service) archivePayload(ctx context.Context, ev PaymentEvent) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Put(ctx, ev.Provider, ev.ProviderEventID, ev.OccurredAt, ev.Raw); err != nil {
		log.Warnf("[Billing] Could not archive %s event %s: %v", ev.Provider, ev.ProviderEventID, err)
	}
}

func (s *Service) record(ctx context.Context, provider Provider, outcome string) {
	if s.recorder != nil {
		s.recorder.Record(ctx, provider, outcome)
	}
}
