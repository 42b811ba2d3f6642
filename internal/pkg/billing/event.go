package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Provider string

const (
	ProviderStripe       Provider = "stripe"
	ProviderLemonSqueezy Provider = "lemonsqueezy"
)

// ParseProvider accepts the provider names used in routes and stored rows.
func ParseProvider(s string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderStripe:
		return ProviderStripe, nil
	case ProviderLemonSqueezy:
		return ProviderLemonSqueezy, nil
	default:
		return "", fmt.Errorf("%w: unknown provider %q", ErrConfiguration, s)
	}
}

// EventKind is the business meaning of a provider event.
type EventKind string

const (
	KindOrderCreated          EventKind = "order_created"
	KindOrderPaid             EventKind = "order_paid"
	KindSubscriptionCreated   EventKind = "subscription_created"
	KindSubscriptionUpdated   EventKind = "subscription_updated"
	KindSubscriptionCanceled  EventKind = "subscription_canceled"
	KindSubscriptionExpired   EventKind = "subscription_expired"
	KindPaymentFailed         EventKind = "payment_failed"
	KindPaymentRecovered      EventKind = "payment_recovered"
	KindPaymentSucceeded      EventKind = "payment_succeeded"
	KindPaymentActionRequired EventKind = "payment_action_required"
	KindRefund                EventKind = "refund"
	KindDispute               EventKind = "dispute"
	KindTrialEnding           EventKind = "trial_ending"
	KindPaymentMethodChanged  EventKind = "payment_method_changed"
)

type SubjectType string

const (
	SubjectOrder         SubjectType = "order"
	SubjectSubscription  SubjectType = "subscription"
	SubjectCharge        SubjectType = "charge"
	SubjectPaymentMethod SubjectType = "payment_method"
)

// PaymentEvent is one provider delivery in provider-neutral form. Values are
// immutable once produced by the Normalizer.
type PaymentEvent struct {
	ProviderEventID   string      `json:"provider_event_id" validate:"required,max=191"`
	Provider          Provider    `json:"provider" validate:"required,oneof=stripe lemonsqueezy"`
	ProviderEventType string      `json:"provider_event_type" validate:"max=100"`
	Kind              EventKind   `json:"kind" validate:"required"`
	SubjectType       SubjectType `json:"subject_type" validate:"required,oneof=order subscription charge payment_method"`
	SubjectID         string      `json:"subject_id" validate:"required,max=191"`
	UserID            string      `json:"user_id,omitempty" validate:"max=191"`
	CustomerEmail     string      `json:"customer_email,omitempty" validate:"max=200"`
	Amount            *int64      `json:"amount,omitempty"`
	Currency          string      `json:"currency,omitempty" validate:"max=8"`
	StatusBefore      string      `json:"status_before,omitempty"`
	StatusAfter       string      `json:"status_after,omitempty"`
	PlanRef           string      `json:"plan_ref,omitempty" validate:"max=191"`
	PlanChanged       bool        `json:"plan_changed,omitempty"`
	CancelAtPeriodEnd *bool       `json:"cancel_at_period_end,omitempty"`
	CurrentPeriodEnd  *time.Time  `json:"current_period_end,omitempty"`
	AttemptCount      int         `json:"attempt_count,omitempty" validate:"gte=0"`
	FinalAttempt      bool        `json:"final_attempt,omitempty"`
	// Params carries provider details worth passing on to email templates,
	// such as hosted invoice links or dispute reasons.
	Params     map[string]string `json:"params,omitempty"`
	OccurredAt time.Time         `json:"occurred_at" validate:"required"`
	Raw        []byte            `json:"-"`
}

var validate = validator.New()

// Validate checks the structural invariants every normalizer must uphold.
func (e PaymentEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if e.Amount != nil && *e.Amount < 0 {
		return fmt.Errorf("%w: negative amount", ErrMalformedPayload)
	}
	return nil
}

// AmountValue returns the amount or zero when the provider sent none.
func (e PaymentEvent) AmountValue() int64 {
	if e.Amount == nil {
		return 0
	}
	return *e.Amount
}

// TemplateKind names a transactional email. Markup lives with the Mailer.
type TemplateKind string

const (
	TemplateWelcome               TemplateKind = "welcome"
	TemplatePaymentFailed         TemplateKind = "payment_failed"
	TemplatePaymentRecovered      TemplateKind = "payment_recovered"
	TemplateFinalNotice           TemplateKind = "final_notice"
	TemplateCancellationScheduled TemplateKind = "cancellation_scheduled"
	TemplateCancellationConfirmed TemplateKind = "cancellation_confirmed"
	TemplatePlanChanged           TemplateKind = "plan_changed"
	TemplateSubscriptionPaused    TemplateKind = "subscription_paused"
	TemplateSubscriptionResumed   TemplateKind = "subscription_resumed"
	TemplateTrialEnding           TemplateKind = "trial_ending"
	TemplatePaymentReceipt        TemplateKind = "payment_receipt"
	TemplatePurchaseReceipt       TemplateKind = "purchase_receipt"
	TemplateRefundConfirmation    TemplateKind = "refund_confirmation"
	TemplatePaymentActionRequired TemplateKind = "payment_action_required"
	TemplatePaymentMethodUpdated  TemplateKind = "payment_method_updated"
	TemplateDisputeOpened         TemplateKind = "dispute_opened"
)

// AllTemplates lists every template the engine can emit.
func AllTemplates() []TemplateKind {
	return []TemplateKind{
		TemplateWelcome, TemplatePaymentFailed, TemplatePaymentRecovered, TemplateFinalNotice,
		TemplateCancellationScheduled, TemplateCancellationConfirmed, TemplatePlanChanged,
		TemplateSubscriptionPaused, TemplateSubscriptionResumed, TemplateTrialEnding,
		TemplatePaymentReceipt, TemplatePurchaseReceipt, TemplateRefundConfirmation,
		TemplatePaymentActionRequired, TemplatePaymentMethodUpdated, TemplateDisputeOpened,
	}
}
