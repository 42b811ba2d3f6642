package billing

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
)

// LemonSqueezyNormalizer maps LemonSqueezy webhook bodies onto PaymentEvent.
// LemonSqueezy sends no delivery id, so the event id is a digest of the body.
type LemonSqueezyNormalizer struct{}

func (LemonSqueezyNormalizer) Provider() Provider { return ProviderLemonSqueezy }

type lemonEnvelope struct {
	Meta struct {
		EventName  string         `json:"event_name"`
		CustomData map[string]any `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		Type       string          `json:"type"`
		ID         flexID          `json:"id"`
		Attributes json.RawMessage `json:"attributes"`
	} `json:"data"`
}

type lemonOrder struct {
	Status         string `json:"status"`
	Total          int64  `json:"total"`
	Currency       string `json:"currency"`
	UserEmail      string `json:"user_email"`
	Refunded       bool   `json:"refunded"`
	RefundedAmount int64  `json:"refunded_amount"`
	OrderNumber    flexID `json:"order_number"`
	FirstOrderItem struct {
		VariantID flexID `json:"variant_id"`
	} `json:"first_order_item"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type lemonSubscription struct {
	Status      string `json:"status"`
	VariantID   flexID `json:"variant_id"`
	UserEmail   string `json:"user_email"`
	Cancelled   bool   `json:"cancelled"`
	RenewsAt    string `json:"renews_at"`
	EndsAt      string `json:"ends_at"`
	TrialEndsAt string `json:"trial_ends_at"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	Urls        struct {
		UpdatePaymentMethod string `json:"update_payment_method"`
	} `json:"urls"`
}

type lemonSubscriptionInvoice struct {
	SubscriptionID flexID `json:"subscription_id"`
	Status         string `json:"status"`
	BillingReason  string `json:"billing_reason"`
	Total          int64  `json:"total"`
	Currency       string `json:"currency"`
	UserEmail      string `json:"user_email"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func (n LemonSqueezyNormalizer) Normalize(raw []byte) (PaymentEvent, error) {
	var env lemonEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return PaymentEvent{}, malformed("lemonsqueezy envelope: %v", err)
	}
	name := strings.TrimSpace(env.Meta.EventName)
	if name == "" {
		return PaymentEvent{}, malformed("lemonsqueezy envelope without meta.event_name")
	}

	ev := PaymentEvent{
		ProviderEventID:   payloadHash(raw),
		ProviderEventType: name,
		UserID:            metadataString(env.Meta.CustomData, "user_id", "userId"),
	}

	var err error
	switch name {
	case "order_created":
		err = n.order(&ev, env, "")
	case "order_paid":
		err = n.order(&ev, env, KindOrderPaid)
	case "order_refunded":
		err = n.order(&ev, env, KindRefund)
	case "subscription_created":
		err = n.subscription(&ev, env, KindSubscriptionCreated, nil)
	case "subscription_updated", "subscription_unpaused", "subscription_paused":
		err = n.subscription(&ev, env, KindSubscriptionUpdated, nil)
	case "subscription_cancelled":
		err = n.subscription(&ev, env, KindSubscriptionUpdated, boolPtr(true))
	case "subscription_resumed":
		err = n.subscription(&ev, env, KindSubscriptionUpdated, boolPtr(false))
	case "subscription_expired":
		err = n.subscription(&ev, env, KindSubscriptionExpired, nil)
	case "subscription_payment_success":
		err = n.invoice(&ev, env, KindPaymentSucceeded)
	case "subscription_payment_failed":
		err = n.invoice(&ev, env, KindPaymentFailed)
	case "subscription_payment_recovered":
		err = n.invoice(&ev, env, KindPaymentRecovered)
	default:
		// Reminders, license keys and affiliate events carry no billing state.
		return PaymentEvent{}, unrecognized(name)
	}
	if err != nil {
		return PaymentEvent{}, err
	}
	return ev, nil
}

func (n LemonSqueezyNormalizer) order(ev *PaymentEvent, env lemonEnvelope, kind EventKind) error {
	if env.Data.Type != "orders" {
		return malformed("%s carries %q data", ev.ProviderEventType, env.Data.Type)
	}
	var o lemonOrder
	if err := json.Unmarshal(env.Data.Attributes, &o); err != nil {
		return malformed("order attributes: %v", err)
	}
	occurred, err := lemonTimestamp(o.UpdatedAt, o.CreatedAt)
	if err != nil {
		return err
	}
	if kind == "" {
		kind = KindOrderCreated
		if o.Status == "paid" {
			kind = KindOrderPaid
		}
	}
	ev.Kind = kind
	ev.SubjectType = SubjectOrder
	ev.SubjectID = env.Data.ID.String()
	ev.OccurredAt = occurred
	ev.CustomerEmail = o.UserEmail
	ev.Currency = strings.ToLower(o.Currency)
	ev.PlanRef = o.FirstOrderItem.VariantID.String()
	ev.Params = map[string]string{"order_number": o.OrderNumber.String()}

	if kind == KindRefund {
		ev.Amount = int64Ptr(o.RefundedAmount)
		if o.Refunded || o.Status == "refunded" {
			ev.StatusAfter = models.BillingOrderRefunded
		} else {
			ev.StatusAfter = refundPartial
		}
	} else {
		ev.Amount = int64Ptr(o.Total)
	}
	return nil
}

func (n LemonSqueezyNormalizer) subscription(ev *PaymentEvent, env lemonEnvelope, kind EventKind, cancel *bool) error {
	if env.Data.Type != "subscriptions" {
		return malformed("%s carries %q data", ev.ProviderEventType, env.Data.Type)
	}
	var s lemonSubscription
	if err := json.Unmarshal(env.Data.Attributes, &s); err != nil {
		return malformed("subscription attributes: %v", err)
	}
	occurred, err := lemonTimestamp(s.UpdatedAt, s.CreatedAt)
	if err != nil {
		return err
	}
	ev.Kind = kind
	ev.SubjectType = SubjectSubscription
	ev.SubjectID = env.Data.ID.String()
	ev.OccurredAt = occurred
	ev.CustomerEmail = s.UserEmail
	ev.PlanRef = s.VariantID.String()
	ev.StatusAfter = lemonSubscriptionStatus(s.Status)

	switch {
	case cancel != nil:
		ev.CancelAtPeriodEnd = cancel
	case s.Status == "cancelled" || s.Cancelled:
		ev.CancelAtPeriodEnd = boolPtr(true)
	default:
		ev.CancelAtPeriodEnd = boolPtr(false)
	}

	end := s.RenewsAt
	if s.Status == "cancelled" && s.EndsAt != "" {
		end = s.EndsAt
	}
	if t, err := time.Parse(time.RFC3339Nano, end); err == nil {
		t = t.UTC()
		ev.CurrentPeriodEnd = &t
	}
	if s.Urls.UpdatePaymentMethod != "" {
		ev.Params = map[string]string{"update_payment_method_url": s.Urls.UpdatePaymentMethod}
	}
	return nil
}

func (n LemonSqueezyNormalizer) invoice(ev *PaymentEvent, env lemonEnvelope, kind EventKind) error {
	if env.Data.Type != "subscription-invoices" {
		return malformed("%s carries %q data", ev.ProviderEventType, env.Data.Type)
	}
	var inv lemonSubscriptionInvoice
	if err := json.Unmarshal(env.Data.Attributes, &inv); err != nil {
		return malformed("subscription invoice attributes: %v", err)
	}
	if inv.SubscriptionID == "" {
		return malformed("subscription invoice %s without subscription_id", env.Data.ID)
	}
	occurred, err := lemonTimestamp(inv.UpdatedAt, inv.CreatedAt)
	if err != nil {
		return err
	}
	ev.Kind = kind
	ev.SubjectType = SubjectSubscription
	ev.SubjectID = inv.SubscriptionID.String()
	ev.OccurredAt = occurred
	ev.CustomerEmail = inv.UserEmail
	ev.Amount = int64Ptr(inv.Total)
	ev.Currency = strings.ToLower(inv.Currency)
	ev.Params = map[string]string{"invoice_id": env.Data.ID.String()}
	return nil
}

// lemonSubscriptionStatus maps LemonSqueezy statuses onto the local set.
// "cancelled" still runs until the period ends, so it reports no status of
// its own and the cancellation is carried by CancelAtPeriodEnd.
func lemonSubscriptionStatus(status string) string {
	switch status {
	case "on_trial":
		return models.BillingStatusTrialing
	case "active":
		return models.BillingStatusActive
	case "past_due":
		return models.BillingStatusPastDue
	case "unpaid":
		return models.BillingStatusUnpaid
	case "paused":
		return models.BillingStatusPaused
	case "expired":
		return models.BillingStatusExpired
	default:
		return ""
	}
}

func lemonTimestamp(values ...string) (time.Time, error) {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, malformed("timestamp %q: %v", v, err)
		}
		return t.UTC(), nil
	}
	return time.Time{}, malformed("missing updated_at")
}
