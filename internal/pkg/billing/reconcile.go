package billing

import (
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
)

// refundPartial is the StatusAfter hint for refunds that leave the order paid.
const refundPartial = "partial_refund"

// Transition is the result of applying one event to one subject.
type Transition struct {
	Subscription *models.BillingSubscription
	Order        *models.BillingOrder
	Effects      []Effect
	// Stale is set when the event is older than the last applied one.
	// Stale events only fill missing identity fields and record payments.
	Stale bool
	// Unresolved is set when the subject was unknown or no user could be
	// attributed to it.
	Unresolved bool
}

// Reconcile computes the next subject state and the effects of an event.
// It performs no I/O. sub and order are the current state as loaded under
// the subject lock; a row without status (see Exists) counts as no state.
// Only the one matching ev.SubjectType is consulted.
//
// Subscription status is last-writer-wins by OccurredAt among events that
// declare a status, and canceled or expired subscriptions never return to a
// live status. Orders only move forward:
// pending, paid, refunded. Access effects follow the resulting state, and
// status emails follow the (previous, next) status pair, so one transition
// reported twice by the provider notifies once.
func Reconcile(ev PaymentEvent, sub *models.BillingSubscription, order *models.BillingOrder) Transition {
	switch ev.SubjectType {
	case SubjectSubscription:
		return reconcileSubscription(ev, sub)
	case SubjectOrder, SubjectCharge:
		return reconcileOrder(ev, order)
	default:
		return reconcileStateless(ev)
	}
}

func reconcileSubscription(ev PaymentEvent, cur *models.BillingSubscription) Transition {
	next := models.BillingSubscription{
		Provider:               string(ev.Provider),
		ProviderSubscriptionID: ev.SubjectID,
	}
	if cur != nil {
		next = *cur
	}
	existed := cur.Exists()
	prev := ""
	if existed {
		prev = cur.Status
	}
	planBefore := next.ProviderPlanRef
	cancelBefore := next.CancelAtPeriodEnd
	wasWelcomed := next.Welcomed

	if next.UserID == "" {
		next.UserID = ev.UserID
	}
	if next.ProviderPlanRef == "" {
		next.ProviderPlanRef = ev.PlanRef
	}
	if next.CurrentPeriodEnd == nil {
		next.CurrentPeriodEnd = ev.CurrentPeriodEnd
	}

	// Non-status fields follow the newest event. The status follows the newest
	// event that declares one, so events without a status cannot shadow it.
	older := existed && olderThan(ev, next.LastEventAt, next.LastEventID)
	status, declared := declaredStatus(ev)
	statusWins := declared && (!existed || statusSupersedes(ev, status, &next))
	stale := older && !statusWins
	planChanged := false

	if statusWins {
		occurred := ev.OccurredAt
		next.Status = status
		next.StatusEventAt = &occurred
		next.StatusEventID = ev.ProviderEventID
	}
	if next.Status == "" {
		next.Status = models.BillingStatusActive
	}
	if !older && !models.IsTerminalSubscriptionStatus(prev) {
		if ev.CancelAtPeriodEnd != nil {
			next.CancelAtPeriodEnd = *ev.CancelAtPeriodEnd
		}
		if ev.PlanRef != "" {
			next.ProviderPlanRef = ev.PlanRef
		}
		if ev.CurrentPeriodEnd != nil {
			next.CurrentPeriodEnd = ev.CurrentPeriodEnd
		}
		planChanged = existed && ev.PlanRef != "" &&
			((planBefore != "" && ev.PlanRef != planBefore) || (planBefore == "" && ev.PlanChanged))
	}
	if !older {
		occurred := ev.OccurredAt
		next.LastEventAt = &occurred
		next.LastEventID = ev.ProviderEventID
	}

	switch {
	case next.UserID == "":
		next.NeedsReconciliation = true
	case ev.Kind == KindSubscriptionCreated:
		next.NeedsReconciliation = false
	case !existed:
		next.NeedsReconciliation = true
	}

	b := newEffectSet(ev, next.UserID)
	if ev.Kind == KindPaymentSucceeded || ev.Kind == KindPaymentRecovered {
		b.ref = invoiceRef(ev)
	}
	params := subscriptionParams(ev, &next)

	want := next.UserID != "" && models.IsEntitlingSubscriptionStatus(next.Status)
	switch {
	case want && (!next.AccessGranted || planChanged):
		b.access(EffectGrantAccess, SubjectSubscription, next.ProviderPlanRef)
		next.AccessGranted = true
	case !want && next.AccessGranted:
		b.access(EffectRevokeAccess, SubjectSubscription, next.ProviderPlanRef)
		next.AccessGranted = false
	}

	if !stale {
		if want && !next.Welcomed {
			b.email(TemplateWelcome, params)
			next.Welcomed = true
		}
		subscriptionStatusEmails(b, prev, &next, wasWelcomed, params)

		if !next.IsTerminal() {
			switch {
			case !cancelBefore && next.CancelAtPeriodEnd:
				b.email(TemplateCancellationScheduled, params)
			case cancelBefore && !next.CancelAtPeriodEnd && existed:
				b.email(TemplateSubscriptionResumed, params)
			}
			if planChanged {
				b.email(TemplatePlanChanged, withParam(params, "previous_plan_ref", planBefore))
			}
			switch ev.Kind {
			case KindTrialEnding:
				b.email(TemplateTrialEnding, params)
			case KindPaymentActionRequired:
				b.email(TemplatePaymentActionRequired, params)
			}
		}
		if (ev.Kind == KindPaymentSucceeded || ev.Kind == KindPaymentRecovered) && ev.AmountValue() > 0 {
			b.email(TemplatePaymentReceipt, params)
		}
	}

	if (ev.Kind == KindPaymentSucceeded || ev.Kind == KindPaymentRecovered) && ev.AmountValue() > 0 {
		b.payment(DirectionCharge, SubjectSubscription, ev.AmountValue(), ev.Currency)
	}

	return Transition{
		Subscription: &next,
		Effects:      b.effects,
		Stale:        stale,
		Unresolved:   next.NeedsReconciliation,
	}
}

// olderThan orders events by OccurredAt, then by provider event id, so that
// events reported within the same second still have one winner.
func olderThan(ev PaymentEvent, lastAt *time.Time, lastID string) bool {
	if lastAt == nil {
		return false
	}
	if ev.OccurredAt.Equal(*lastAt) {
		return ev.ProviderEventID < lastID
	}
	return ev.OccurredAt.Before(*lastAt)
}

// declaredStatus is the status an event reports on its own. It never looks
// at stored state, so the newest declaring event decides the status no matter
// in which order events arrive.
func declaredStatus(ev PaymentEvent) (string, bool) {
	switch ev.Kind {
	case KindSubscriptionCanceled:
		return models.BillingStatusCanceled, true
	case KindSubscriptionExpired:
		return models.BillingStatusExpired, true
	case KindPaymentFailed:
		if ev.FinalAttempt || ev.StatusAfter == models.BillingStatusUnpaid {
			return models.BillingStatusUnpaid, true
		}
		return models.BillingStatusPastDue, true
	case KindPaymentSucceeded, KindPaymentRecovered:
		if isSubscriptionStatus(ev.StatusAfter) {
			return ev.StatusAfter, true
		}
		// Zero-amount invoices are issued for trials and say nothing about
		// the subscription's standing.
		if ev.AmountValue() > 0 {
			return models.BillingStatusActive, true
		}
		return "", false
	}
	if isSubscriptionStatus(ev.StatusAfter) {
		return ev.StatusAfter, true
	}
	return "", false
}

// statusSupersedes decides whether a declared status replaces the current one.
// Termination wins regardless of age and is never undone. Between two
// statuses of the same class the newer declaring event wins.
func statusSupersedes(ev PaymentEvent, status string, cur *models.BillingSubscription) bool {
	curTerminal := cur.IsTerminal()
	switch {
	case curTerminal && !models.IsTerminalSubscriptionStatus(status):
		return false
	case !curTerminal && models.IsTerminalSubscriptionStatus(status):
		return true
	}
	return !olderThan(ev, cur.StatusEventAt, cur.StatusEventID)
}

func subscriptionStatusEmails(b *effectSet, prev string, next *models.BillingSubscription, wasWelcomed bool, params map[string]string) {
	if prev == next.Status {
		return
	}
	// canceled and expired both already confirmed the end.
	if models.IsTerminalSubscriptionStatus(prev) {
		return
	}
	switch next.Status {
	case models.BillingStatusPastDue:
		if prev == models.BillingStatusActive || prev == models.BillingStatusTrialing {
			b.email(TemplatePaymentFailed, params)
		}
	case models.BillingStatusUnpaid:
		if models.IsEntitlingSubscriptionStatus(prev) {
			b.email(TemplateFinalNotice, params)
		}
	case models.BillingStatusActive, models.BillingStatusTrialing:
		switch prev {
		case models.BillingStatusPastDue, models.BillingStatusUnpaid:
			if wasWelcomed {
				b.email(TemplatePaymentRecovered, params)
			}
		case models.BillingStatusPaused:
			b.email(TemplateSubscriptionResumed, params)
		}
	case models.BillingStatusCanceled, models.BillingStatusExpired:
		b.email(TemplateCancellationConfirmed, params)
	case models.BillingStatusPaused:
		if prev != "" {
			b.email(TemplateSubscriptionPaused, params)
		}
	}
}

func reconcileOrder(ev PaymentEvent, cur *models.BillingOrder) Transition {
	next := models.BillingOrder{
		Provider:        string(ev.Provider),
		ProviderOrderID: ev.SubjectID,
	}
	if cur != nil {
		next = *cur
	}
	existed := cur.Exists()
	prev := ""
	if existed {
		prev = cur.Status
	}
	wasDisputed := next.Disputed

	if next.UserID == "" {
		next.UserID = ev.UserID
	}
	if next.Currency == "" {
		next.Currency = ev.Currency
	}

	target := ""
	switch ev.Kind {
	case KindOrderCreated:
		target = models.BillingOrderPending
	case KindOrderPaid, KindPaymentSucceeded:
		target = models.BillingOrderPaid
	case KindRefund:
		if ev.StatusAfter != refundPartial {
			target = models.BillingOrderRefunded
		}
	case KindDispute:
		next.Disputed = true
	}

	// Refunds and disputes for an order never seen imply it was paid, but
	// the purchase itself was missed and needs an operator.
	placeholder := !existed && ev.Kind != KindOrderCreated && ev.Kind != KindOrderPaid && ev.Kind != KindPaymentSucceeded
	if placeholder {
		next.Status = models.BillingOrderPaid
	}
	if target != "" && models.OrderStatusRank(target) > models.OrderStatusRank(next.Status) {
		next.Status = target
	}
	if next.Amount == 0 && ev.Kind != KindRefund && ev.Kind != KindDispute {
		next.Amount = ev.AmountValue()
	}

	stale := existed && olderThan(ev, next.LastEventAt, next.LastEventID)
	if !stale {
		occurred := ev.OccurredAt
		next.LastEventAt = &occurred
		next.LastEventID = ev.ProviderEventID
	}
	switch {
	case next.UserID == "", placeholder:
		next.NeedsReconciliation = true
	case ev.Kind == KindOrderCreated, ev.Kind == KindOrderPaid:
		next.NeedsReconciliation = false
	}

	b := newEffectSet(ev, next.UserID)
	params := orderParams(ev, &next)

	want := next.Status == models.BillingOrderPaid && next.UserID != "" && !next.Disputed && !next.NeedsReconciliation
	switch {
	case want && !next.AccessGranted:
		b.access(EffectGrantAccess, SubjectOrder, ev.PlanRef)
		next.AccessGranted = true
	case !want && next.AccessGranted:
		b.access(EffectRevokeAccess, SubjectOrder, ev.PlanRef)
		next.AccessGranted = false
	}

	if next.Status == models.BillingOrderPaid && models.OrderStatusRank(prev) < models.OrderStatusRank(models.BillingOrderPaid) && !placeholder {
		b.email(TemplatePurchaseReceipt, params)
		if next.Amount > 0 {
			b.payment(DirectionCharge, SubjectOrder, next.Amount, next.Currency)
		}
	}
	if ev.Kind == KindRefund {
		if (next.Status == models.BillingOrderRefunded && prev != models.BillingOrderRefunded) || ev.StatusAfter == refundPartial {
			b.email(TemplateRefundConfirmation, params)
		}
		if ev.AmountValue() > 0 {
			b.payment(DirectionRefund, SubjectOrder, ev.AmountValue(), firstNonEmpty(ev.Currency, next.Currency))
		}
	}
	if ev.Kind == KindDispute && !wasDisputed {
		b.operatorEmail(TemplateDisputeOpened, params)
	}

	return Transition{
		Order:      &next,
		Effects:    b.effects,
		Stale:      stale,
		Unresolved: next.NeedsReconciliation,
	}
}

func reconcileStateless(ev PaymentEvent) Transition {
	b := newEffectSet(ev, ev.UserID)
	if ev.Kind == KindPaymentMethodChanged {
		b.email(TemplatePaymentMethodUpdated, withParam(ev.Params, "payment_method_id", ev.SubjectID))
	}
	return Transition{Effects: b.effects, Unresolved: ev.UserID == ""}
}

// effectSet collects effects for one event, dropping repeated templates and
// user-directed effects when no user is known.
type effectSet struct {
	ev      PaymentEvent
	userID  string
	ref     string
	effects []Effect
	sent    map[TemplateKind]struct{}
}

func newEffectSet(ev PaymentEvent, userID string) *effectSet {
	return &effectSet{ev: ev, userID: userID, sent: map[TemplateKind]struct{}{}}
}

func (b *effectSet) base(kind EffectKind) Effect {
	return Effect{
		Kind:        kind,
		Provider:    b.ev.Provider,
		EventID:     b.ev.ProviderEventID,
		SubjectType: b.ev.SubjectType,
		SubjectID:   b.ev.SubjectID,
		UserID:      b.userID,
		OccurredAt:  b.ev.OccurredAt,
	}
}

func (b *effectSet) access(kind EffectKind, subject SubjectType, planRef string) {
	if b.userID == "" {
		return
	}
	e := b.base(kind)
	e.SubjectType = subject
	e.PlanRef = planRef
	b.effects = append(b.effects, e)
}

func (b *effectSet) email(t TemplateKind, params map[string]string) {
	if b.userID == "" {
		return
	}
	b.addEmail(t, AudienceCustomer, params)
}

func (b *effectSet) operatorEmail(t TemplateKind, params map[string]string) {
	b.addEmail(t, AudienceOperator, params)
}

func (b *effectSet) addEmail(t TemplateKind, audience Audience, params map[string]string) {
	if _, ok := b.sent[t]; ok {
		return
	}
	b.sent[t] = struct{}{}
	e := b.base(EffectSendEmail)
	e.Ref = b.ref
	e.Template = t
	e.Audience = audience
	if audience == AudienceCustomer {
		e.Recipient = b.ev.CustomerEmail
	}
	e.Params = params
	b.effects = append(b.effects, e)
}

func (b *effectSet) payment(direction string, subject SubjectType, amount int64, currency string) {
	e := b.base(EffectRecordPayment)
	e.Ref = b.ref
	e.SubjectType = subject
	e.Direction = direction
	e.Amount = amount
	e.Currency = currency
	b.effects = append(b.effects, e)
}

// invoiceRef keys receipts and ledger rows by invoice, since Stripe reports
// one paid invoice as both invoice.paid and invoice.payment_succeeded.
func invoiceRef(ev PaymentEvent) string {
	if id := ev.Params["invoice_id"]; id != "" {
		return "invoice:" + id
	}
	return ""
}

func subscriptionParams(ev PaymentEvent, sub *models.BillingSubscription) map[string]string {
	p := copyParams(ev.Params)
	p["subscription_id"] = sub.ProviderSubscriptionID
	p["status"] = sub.Status
	if sub.ProviderPlanRef != "" {
		p["plan_ref"] = sub.ProviderPlanRef
	}
	if sub.CurrentPeriodEnd != nil {
		p["period_end"] = sub.CurrentPeriodEnd.UTC().Format(time.DateOnly)
	}
	if ev.Amount != nil {
		p["amount"] = formatAmount(*ev.Amount, ev.Currency)
	}
	return p
}

func orderParams(ev PaymentEvent, order *models.BillingOrder) map[string]string {
	p := copyParams(ev.Params)
	p["order_id"] = order.ProviderOrderID
	p["status"] = order.Status
	amount := order.Amount
	if ev.Kind == KindRefund || ev.Kind == KindDispute {
		amount = ev.AmountValue()
	}
	p["amount"] = formatAmount(amount, firstNonEmpty(ev.Currency, order.Currency))
	return p
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func withParam(params map[string]string, key, value string) map[string]string {
	out := copyParams(params)
	if value != "" {
		out[key] = value
	}
	return out
}

func isSubscriptionStatus(status string) bool {
	switch status {
	case models.BillingStatusTrialing, models.BillingStatusActive, models.BillingStatusPastDue,
		models.BillingStatusUnpaid, models.BillingStatusCanceled, models.BillingStatusExpired,
		models.BillingStatusPaused:
		return true
	default:
		return false
	}
}
