package billing

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/ManuelReschke/PayFox/app/models"
)

// DefaultFinalPaymentAttempt matches Stripe's default smart retry schedule.
const DefaultFinalPaymentAttempt = 4

// StripeNormalizer maps Stripe event envelopes onto PaymentEvent.
type StripeNormalizer struct {
	// FinalPaymentAttempt is the attempt count from which a failed invoice
	// is treated as the last try even if Stripe still schedules another.
	FinalPaymentAttempt int
}

func (StripeNormalizer) Provider() Provider { return ProviderStripe }

type stripeCheckoutSession struct {
	ID                flexID         `json:"id"`
	Mode              string         `json:"mode"`
	PaymentStatus     string         `json:"payment_status"`
	PaymentIntent     flexID         `json:"payment_intent"`
	Subscription      flexID         `json:"subscription"`
	ClientReferenceID string         `json:"client_reference_id"`
	Metadata          map[string]any `json:"metadata"`
	AmountTotal       int64          `json:"amount_total"`
	Currency          string         `json:"currency"`
	CustomerEmail     string         `json:"customer_email"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

type stripeSubscriptionItem struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Price            struct {
		ID flexID `json:"id"`
	} `json:"price"`
}

type stripeSubscription struct {
	ID                flexID         `json:"id"`
	Status            string         `json:"status"`
	Metadata          map[string]any `json:"metadata"`
	CancelAtPeriodEnd bool           `json:"cancel_at_period_end"`
	CancelAt          int64          `json:"cancel_at"`
	CurrentPeriodEnd  int64          `json:"current_period_end"`
	TrialEnd          int64          `json:"trial_end"`
	Items             struct {
		Data []stripeSubscriptionItem `json:"data"`
	} `json:"items"`
}

func (s stripeSubscription) planRef() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID.String()
}

func (s stripeSubscription) periodEnd() *time.Time {
	end := s.CurrentPeriodEnd
	if end == 0 && len(s.Items.Data) > 0 {
		end = s.Items.Data[0].CurrentPeriodEnd
	}
	return unixTime(end)
}

type stripeInvoice struct {
	ID                 flexID         `json:"id"`
	Subscription       flexID         `json:"subscription"`
	Metadata           map[string]any `json:"metadata"`
	AttemptCount       int            `json:"attempt_count"`
	NextPaymentAttempt *int64         `json:"next_payment_attempt"`
	AmountPaid         int64          `json:"amount_paid"`
	AmountDue          int64          `json:"amount_due"`
	Currency           string         `json:"currency"`
	CustomerEmail      string         `json:"customer_email"`
	BillingReason      string         `json:"billing_reason"`
	HostedInvoiceURL   string         `json:"hosted_invoice_url"`
	// Older API versions carry subscription details at the top level, newer
	// ones under parent.
	SubscriptionDetails struct {
		Metadata map[string]any `json:"metadata"`
	} `json:"subscription_details"`
	Parent struct {
		SubscriptionDetails struct {
			Subscription flexID         `json:"subscription"`
			Metadata     map[string]any `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (inv stripeInvoice) subscriptionID() string {
	return firstNonEmpty(inv.Subscription.String(), inv.Parent.SubscriptionDetails.Subscription.String())
}

func (inv stripeInvoice) userID() string {
	return firstNonEmpty(
		metadataString(inv.Parent.SubscriptionDetails.Metadata, "user_id", "userId"),
		metadataString(inv.SubscriptionDetails.Metadata, "user_id", "userId"),
		metadataString(inv.Metadata, "user_id", "userId"),
	)
}

type stripeCharge struct {
	ID             flexID         `json:"id"`
	PaymentIntent  flexID         `json:"payment_intent"`
	Amount         int64          `json:"amount"`
	AmountRefunded int64          `json:"amount_refunded"`
	Currency       string         `json:"currency"`
	Refunded       bool           `json:"refunded"`
	Metadata       map[string]any `json:"metadata"`
	ReceiptEmail   string         `json:"receipt_email"`
	BillingDetails struct {
		Email string `json:"email"`
	} `json:"billing_details"`
}

type stripeDispute struct {
	ID            flexID         `json:"id"`
	Charge        flexID         `json:"charge"`
	PaymentIntent flexID         `json:"payment_intent"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	Reason        string         `json:"reason"`
	Metadata      map[string]any `json:"metadata"`
}

type stripePaymentMethod struct {
	ID       flexID         `json:"id"`
	Type     string         `json:"type"`
	Customer flexID         `json:"customer"`
	Metadata map[string]any `json:"metadata"`
}

func (n StripeNormalizer) Normalize(raw []byte) (PaymentEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return PaymentEvent{}, malformed("stripe envelope: %v", err)
	}
	if strings.TrimSpace(event.ID) == "" || event.Type == "" || event.Data == nil || len(event.Data.Raw) == 0 {
		return PaymentEvent{}, malformed("stripe envelope is missing id, type or data")
	}

	ev := PaymentEvent{
		ProviderEventID:   event.ID,
		ProviderEventType: string(event.Type),
		OccurredAt:        time.Unix(event.Created, 0).UTC(),
	}
	if event.Created == 0 {
		return PaymentEvent{}, malformed("stripe event %s has no created timestamp", event.ID)
	}

	var err error
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		err = n.checkoutSession(&ev, event.Data.Raw)
	case stripe.EventTypeCustomerSubscriptionCreated:
		err = n.subscription(&ev, event.Data, KindSubscriptionCreated)
	case stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionPaused,
		stripe.EventTypeCustomerSubscriptionResumed:
		err = n.subscription(&ev, event.Data, KindSubscriptionUpdated)
	case stripe.EventTypeCustomerSubscriptionDeleted:
		err = n.subscription(&ev, event.Data, KindSubscriptionCanceled)
	case stripe.EventTypeCustomerSubscriptionTrialWillEnd:
		err = n.subscription(&ev, event.Data, KindTrialEnding)
	case "customer.subscription.payment_failed":
		err = n.subscription(&ev, event.Data, KindPaymentFailed)
	case stripe.EventTypeInvoicePaid, stripe.EventTypeInvoicePaymentSucceeded:
		err = n.invoice(&ev, event.Data.Raw, KindPaymentSucceeded)
	case stripe.EventTypeInvoicePaymentFailed:
		err = n.invoice(&ev, event.Data.Raw, KindPaymentFailed)
	case stripe.EventTypeInvoicePaymentActionRequired:
		err = n.invoice(&ev, event.Data.Raw, KindPaymentActionRequired)
	case stripe.EventTypeChargeRefunded:
		err = n.charge(&ev, event.Data)
	case stripe.EventTypeChargeDisputeCreated:
		err = n.dispute(&ev, event.Data.Raw)
	case stripe.EventTypePaymentMethodAttached, stripe.EventTypePaymentMethodDetached:
		err = n.paymentMethod(&ev, event.Data)
	default:
		return PaymentEvent{}, unrecognized(string(event.Type))
	}
	if err != nil {
		return PaymentEvent{}, err
	}
	return ev, nil
}

func (n StripeNormalizer) checkoutSession(ev *PaymentEvent, raw json.RawMessage) error {
	var s stripeCheckoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return malformed("checkout session: %v", err)
	}
	ev.UserID = firstNonEmpty(metadataString(s.Metadata, "user_id", "userId"), s.ClientReferenceID)
	ev.CustomerEmail = firstNonEmpty(s.CustomerDetails.Email, s.CustomerEmail)
	ev.PlanRef = metadataString(s.Metadata, "plan", "price_id", "priceId")

	switch s.Mode {
	case "subscription":
		ev.Kind = KindSubscriptionCreated
		ev.SubjectType = SubjectSubscription
		ev.SubjectID = s.Subscription.String()
	case "payment":
		ev.SubjectType = SubjectOrder
		ev.SubjectID = firstNonEmpty(s.PaymentIntent.String(), s.ID.String())
		ev.Amount = int64Ptr(s.AmountTotal)
		ev.Currency = strings.ToLower(s.Currency)
		if s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required" {
			ev.Kind = KindOrderPaid
		} else {
			ev.Kind = KindOrderCreated
		}
	default:
		return unrecognized(ev.ProviderEventType + " mode=" + s.Mode)
	}
	if ev.SubjectID == "" {
		return malformed("checkout session %s has no subject id", s.ID)
	}
	return nil
}

func (n StripeNormalizer) subscription(ev *PaymentEvent, data *stripe.EventData, kind EventKind) error {
	var s stripeSubscription
	if err := json.Unmarshal(data.Raw, &s); err != nil {
		return malformed("subscription: %v", err)
	}
	if s.ID == "" {
		return malformed("subscription without id")
	}
	ev.Kind = kind
	ev.SubjectType = SubjectSubscription
	ev.SubjectID = s.ID.String()
	ev.UserID = metadataString(s.Metadata, "user_id", "userId")
	ev.PlanRef = s.planRef()
	ev.CurrentPeriodEnd = s.periodEnd()
	ev.StatusAfter = stripeSubscriptionStatus(s.Status)
	ev.CancelAtPeriodEnd = boolPtr(s.CancelAtPeriodEnd || s.CancelAt > 0)

	if prev := data.PreviousAttributes; prev != nil {
		if status, ok := prev["status"].(string); ok {
			ev.StatusBefore = stripeSubscriptionStatus(status)
		}
		if items, ok := prev["items"]; ok {
			ev.PlanChanged = previousPriceID(items) != "" && previousPriceID(items) != ev.PlanRef
		}
	}
	if kind == KindTrialEnding {
		if end := unixTime(s.TrialEnd); end != nil {
			ev.Params = map[string]string{"trial_end": end.Format(time.DateOnly)}
		}
	}
	return nil
}

func (n StripeNormalizer) invoice(ev *PaymentEvent, raw json.RawMessage, kind EventKind) error {
	var inv stripeInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return malformed("invoice: %v", err)
	}
	subID := inv.subscriptionID()
	if subID == "" {
		// One-off invoices are not tied to subscription state.
		return unrecognized(ev.ProviderEventType + " without subscription")
	}
	ev.Kind = kind
	ev.SubjectType = SubjectSubscription
	ev.SubjectID = subID
	ev.UserID = inv.userID()
	ev.CustomerEmail = inv.CustomerEmail
	ev.Currency = strings.ToLower(inv.Currency)
	ev.AttemptCount = inv.AttemptCount
	ev.Params = map[string]string{"invoice_id": inv.ID.String()}
	if inv.HostedInvoiceURL != "" {
		ev.Params["invoice_url"] = inv.HostedInvoiceURL
	}

	switch kind {
	case KindPaymentSucceeded:
		ev.Amount = int64Ptr(inv.AmountPaid)
	case KindPaymentFailed:
		ev.Amount = int64Ptr(inv.AmountDue)
		final := n.FinalPaymentAttempt
		if final <= 0 {
			final = DefaultFinalPaymentAttempt
		}
		ev.FinalAttempt = inv.NextPaymentAttempt == nil || inv.AttemptCount >= final
		ev.Params["attempt"] = strconv.Itoa(inv.AttemptCount)
	case KindPaymentActionRequired:
		ev.Amount = int64Ptr(inv.AmountDue)
	}
	return nil
}

func (n StripeNormalizer) charge(ev *PaymentEvent, data *stripe.EventData) error {
	var c stripeCharge
	if err := json.Unmarshal(data.Raw, &c); err != nil {
		return malformed("charge: %v", err)
	}
	if c.ID == "" {
		return malformed("charge without id")
	}
	refunded := c.AmountRefunded
	if prev, ok := data.PreviousAttributes["amount_refunded"].(float64); ok && int64(prev) <= refunded {
		refunded -= int64(prev)
	}
	ev.Kind = KindRefund
	ev.SubjectType = SubjectCharge
	ev.SubjectID = firstNonEmpty(c.PaymentIntent.String(), c.ID.String())
	ev.UserID = metadataString(c.Metadata, "user_id", "userId")
	ev.CustomerEmail = firstNonEmpty(c.ReceiptEmail, c.BillingDetails.Email)
	ev.Amount = int64Ptr(refunded)
	ev.Currency = strings.ToLower(c.Currency)
	if c.Refunded {
		ev.StatusAfter = models.BillingOrderRefunded
	} else {
		ev.StatusAfter = refundPartial
	}
	ev.Params = map[string]string{"charge_id": c.ID.String()}
	return nil
}

func (n StripeNormalizer) dispute(ev *PaymentEvent, raw json.RawMessage) error {
	var d stripeDispute
	if err := json.Unmarshal(raw, &d); err != nil {
		return malformed("dispute: %v", err)
	}
	ev.Kind = KindDispute
	ev.SubjectType = SubjectCharge
	ev.SubjectID = firstNonEmpty(d.PaymentIntent.String(), d.Charge.String())
	if ev.SubjectID == "" {
		return malformed("dispute %s without charge", d.ID)
	}
	ev.UserID = metadataString(d.Metadata, "user_id", "userId")
	ev.Amount = int64Ptr(d.Amount)
	ev.Currency = strings.ToLower(d.Currency)
	ev.Params = map[string]string{"dispute_id": d.ID.String(), "reason": d.Reason}
	return nil
}

func (n StripeNormalizer) paymentMethod(ev *PaymentEvent, data *stripe.EventData) error {
	var pm stripePaymentMethod
	if err := json.Unmarshal(data.Raw, &pm); err != nil {
		return malformed("payment method: %v", err)
	}
	if pm.ID == "" {
		return malformed("payment method without id")
	}
	ev.Kind = KindPaymentMethodChanged
	ev.SubjectType = SubjectPaymentMethod
	ev.SubjectID = pm.ID.String()
	ev.UserID = metadataString(pm.Metadata, "user_id", "userId")
	ev.Params = map[string]string{"payment_method_type": pm.Type}
	if ev.ProviderEventType == string(stripe.EventTypePaymentMethodDetached) {
		ev.Params["change"] = "removed"
	} else {
		ev.Params["change"] = "added"
	}
	return nil
}

// stripeSubscriptionStatus maps Stripe's statuses onto the local set.
// Incomplete subscriptions have not been paid yet and hold no access.
func stripeSubscriptionStatus(status string) string {
	switch stripe.SubscriptionStatus(status) {
	case stripe.SubscriptionStatusTrialing:
		return models.BillingStatusTrialing
	case stripe.SubscriptionStatusActive:
		return models.BillingStatusActive
	case stripe.SubscriptionStatusPastDue:
		return models.BillingStatusPastDue
	case stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncomplete:
		return models.BillingStatusUnpaid
	case stripe.SubscriptionStatusCanceled:
		return models.BillingStatusCanceled
	case stripe.SubscriptionStatusIncompleteExpired:
		return models.BillingStatusExpired
	case stripe.SubscriptionStatusPaused:
		return models.BillingStatusPaused
	default:
		return ""
	}
}

func previousPriceID(items any) string {
	m, ok := items.(map[string]any)
	if !ok {
		return ""
	}
	data, ok := m["data"].([]any)
	if !ok || len(data) == 0 {
		return ""
	}
	item, ok := data[0].(map[string]any)
	if !ok {
		return ""
	}
	price, ok := item["price"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := price["id"].(string)
	return id
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
