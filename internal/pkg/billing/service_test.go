package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
)

func stripeEvent(id, eventType string, minute int, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"data":{"object":%s}}`,
		id, eventType, at(minute).Unix(), object))
}

const checkoutSubscription = `{"id":"cs_1","mode":"subscription","subscription":"sub_1",
	"customer_details":{"email":"ada@example.com"},"metadata":{"user_id":"user-1","plan":"price_pro"}}`

func (e *testEnv) deliverStripe(t *testing.T, body []byte) (Outcome, error) {
	t.Helper()
	return e.svc.HandleWebhook(context.Background(), ProviderStripe, body, signStripe(body, stripeSecret))
}

func (e *testEnv) subscription(t *testing.T, id string) *models.BillingSubscription {
	t.Helper()
	sub, err := e.repo.FindSubscription(context.Background(), ProviderStripe, id)
	require.NoError(t, err)
	return sub
}

func TestServiceSubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.mapPlan(t, ProviderStripe, "price_pro", string(entitlements.PlanPremiumMax))
	ctx := context.Background()

	out, err := env.deliverStripe(t, stripeEvent("evt_1", "checkout.session.completed", 0, checkoutSubscription))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out)

	sub := env.subscription(t, "sub_1")
	assert.Equal(t, models.BillingStatusActive, sub.Status)
	assert.True(t, sub.AccessGranted)
	assert.Equal(t, []TemplateKind{TemplateWelcome}, env.mailer.templates())
	assert.Equal(t, "ada@example.com", env.mailer.sent[0].Recipient)

	plan, err := env.svc.EffectivePlan(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanPremiumMax, plan)

	failed := `{"id":"in_1","subscription":"sub_1","attempt_count":1,"next_payment_attempt":1999999999,"amount_due":900,"currency":"usd","customer_email":"ada@example.com"}`
	_, err = env.deliverStripe(t, stripeEvent("evt_2", "invoice.payment_failed", 5, failed))
	require.NoError(t, err)
	assert.Equal(t, models.BillingStatusPastDue, env.subscription(t, "sub_1").Status)
	plan, err = env.svc.EffectivePlan(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanPremiumMax, plan, "access is retained while past due")

	final := `{"id":"in_1","subscription":"sub_1","attempt_count":4,"next_payment_attempt":null,"amount_due":900,"currency":"usd","customer_email":"ada@example.com"}`
	_, err = env.deliverStripe(t, stripeEvent("evt_3", "invoice.payment_failed", 10, final))
	require.NoError(t, err)
	sub = env.subscription(t, "sub_1")
	assert.Equal(t, models.BillingStatusUnpaid, sub.Status)
	assert.False(t, sub.AccessGranted)
	plan, err = env.svc.EffectivePlan(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanFree, plan)

	assert.Equal(t, []TemplateKind{TemplateWelcome, TemplatePaymentFailed, TemplateFinalNotice}, env.mailer.templates())
}

func TestServiceDuplicateDeliveriesApplyOnce(t *testing.T) {
	env := newTestEnv(t)
	body := stripeEvent("evt_1", "checkout.session.completed", 0, checkoutSubscription)

	const n = 8
	outcomes := make([]Outcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = env.deliverStripe(t, body)
		}(i)
	}
	wg.Wait()

	processed := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if outcomes[i] == OutcomeProcessed {
			processed++
		} else {
			assert.Equal(t, OutcomeDuplicate, outcomes[i])
		}
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, env.mailer.count(TemplateWelcome))

	var ents int64
	require.NoError(t, env.db.Model(&models.BillingEntitlement{}).Count(&ents).Error)
	assert.Equal(t, int64(1), ents)
}

func TestServiceOrderPaidTwice(t *testing.T) {
	env := newTestEnv(t)
	session := `{"id":"cs_9","mode":"payment","payment_status":"paid","payment_intent":"pi_9","amount_total":4900,
		"currency":"eur","customer_details":{"email":"ada@example.com"},"metadata":{"user_id":"user-1"}}`
	body := stripeEvent("evt_paid", "checkout.session.completed", 0, session)

	for i := 0; i < 2; i++ {
		_, err := env.deliverStripe(t, body)
		require.NoError(t, err)
	}

	order, err := env.repo.FindOrder(context.Background(), ProviderStripe, "pi_9")
	require.NoError(t, err)
	assert.Equal(t, models.BillingOrderPaid, order.Status)
	assert.Equal(t, 1, env.mailer.count(TemplatePurchaseReceipt))

	var payments []models.BillingPayment
	require.NoError(t, env.db.Find(&payments).Error)
	require.Len(t, payments, 1)
	assert.Equal(t, int64(4900), payments[0].Amount)
	assert.Equal(t, models.BillingPaymentCharge, payments[0].Direction)
}

func TestServiceInvoiceReportedTwiceRecordsOnePayment(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.deliverStripe(t, stripeEvent("evt_1", "checkout.session.completed", 0, checkoutSubscription))
	require.NoError(t, err)

	invoice := `{"id":"in_2","subscription":"sub_1","amount_paid":900,"currency":"usd","customer_email":"ada@example.com"}`
	out, err := env.deliverStripe(t, stripeEvent("evt_2", "invoice.payment_succeeded", 30, invoice))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out)
	out, err = env.deliverStripe(t, stripeEvent("evt_3", "invoice.paid", 30, invoice))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out)

	assert.Equal(t, 1, env.mailer.count(TemplatePaymentReceipt))
	var payments []models.BillingPayment
	require.NoError(t, env.db.Find(&payments).Error)
	require.Len(t, payments, 1)
	assert.Equal(t, "invoice:in_2", payments[0].DedupeKey)
	assert.Equal(t, "evt_2", payments[0].ProviderEventID)
	assert.Equal(t, int64(900), payments[0].Amount)
}

func TestServiceOutOfOrderCancellation(t *testing.T) {
	env := newTestEnv(t)
	deleted := `{"id":"sub_1","status":"canceled","metadata":{"user_id":"user-1"},"items":{"data":[{"price":{"id":"price_pro"}}]}}`

	_, err := env.deliverStripe(t, stripeEvent("evt_2", "customer.subscription.deleted", 10, deleted))
	require.NoError(t, err)
	_, err = env.deliverStripe(t, stripeEvent("evt_1", "checkout.session.completed", 0, checkoutSubscription))
	require.NoError(t, err)

	sub := env.subscription(t, "sub_1")
	assert.Equal(t, models.BillingStatusCanceled, sub.Status)
	assert.False(t, sub.AccessGranted)
	assert.Equal(t, 0, env.mailer.count(TemplateWelcome))
}

func TestServiceEffectFailureIsDeadLettered(t *testing.T) {
	env := newTestEnv(t)
	env.mailer.failures = 3
	ctx := context.Background()

	out, err := env.deliverStripe(t, stripeEvent("evt_1", "checkout.session.completed", 0, checkoutSubscription))
	require.NoError(t, err, "exhausted effects must not fail the webhook")
	assert.Equal(t, OutcomeProcessed, out)
	assert.Empty(t, env.mailer.templates())
	assert.True(t, env.subscription(t, "sub_1").AccessGranted)

	failures, err := env.svc.ListFailures(ctx, models.EffectFailurePending, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, string(EffectSendEmail), failures[0].EffectKind)
	assert.NotNil(t, failures[0].NextAttemptAt)

	due, err := env.svc.DueFailureIDs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "replay waits for the backoff")

	env.svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	due, err = env.svc.DueFailureIDs(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []uint{failures[0].ID}, due)

	require.NoError(t, env.svc.ReplayFailure(ctx, due[0]))
	assert.Equal(t, []TemplateKind{TemplateWelcome}, env.mailer.templates())

	f, err := env.repo.GetEffectFailure(ctx, due[0])
	require.NoError(t, err)
	assert.Equal(t, models.EffectFailureResolved, f.Status)

	// Replaying a resolved entry is a no-op.
	require.NoError(t, env.svc.ReplayFailure(ctx, due[0]))
	assert.Equal(t, 1, env.mailer.count(TemplateWelcome))
}

func TestServiceReplayGivesUp(t *testing.T) {
	env := newTestEnv(t)
	env.svc.replayMaxAttempts = 2
	env.mailer.failures = 100
	ctx := context.Background()

	_, err := env.deliverStripe(t, stripeEvent("evt_1", "checkout.session.completed", 0, checkoutSubscription))
	require.NoError(t, err)
	failures, err := env.svc.ListFailures(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)

	assert.Error(t, env.svc.ReplayFailure(ctx, failures[0].ID))
	f, err := env.repo.GetEffectFailure(ctx, failures[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.EffectFailureAbandoned, f.Status)
	assert.Nil(t, f.NextAttemptAt)
}

func TestServiceRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	body := stripeEvent("evt_1", "checkout.session.completed", 0, checkoutSubscription)

	_, err := env.svc.HandleWebhook(context.Background(), ProviderStripe, body, "t=1,v1=deadbeef")
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	signed := []byte(`{"id":`)
	_, err = env.deliverStripe(t, signed)
	assert.True(t, errors.Is(err, ErrMalformedPayload))

	env.svc.secrets[ProviderStripe] = ""
	_, err = env.deliverStripe(t, body)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Equal(t, 500, HTTPStatus(err))

	var events int64
	require.NoError(t, env.db.Model(&models.BillingWebhookEvent{}).Count(&events).Error)
	assert.Zero(t, events, "nothing unverified or unparsable is recorded")
}

func TestServiceIgnoresUnrecognizedEvents(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.deliverStripe(t, stripeEvent("evt_1", "customer.created", 0, `{"id":"cus_1"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
}

func TestServiceReplayEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	body := stripeEvent("evt_1", "checkout.session.completed", 0, checkoutSubscription)

	stored := models.BillingWebhookEvent{
		Provider:        string(ProviderStripe),
		ProviderEventID: "evt_1",
		EventType:       "checkout.session.completed",
		PayloadJSON:     string(body),
		Status:          models.WebhookEventReleased,
		Attempts:        1,
		ProcessingError: "database is locked",
	}
	require.NoError(t, env.db.Create(&stored).Error)

	out, err := env.svc.ReplayEvent(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out)
	assert.Equal(t, 1, env.mailer.count(TemplateWelcome))

	out, err = env.svc.ReplayEvent(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)
}

func TestServiceRetryRedispatchesStoredEffects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	body := stripeEvent("evt_1", "checkout.session.completed", 0, checkoutSubscription)

	// An earlier attempt wrote the subject state and then died.
	_, err := env.deliverStripe(t, body)
	require.NoError(t, err)
	require.NoError(t, env.db.Model(&models.BillingWebhookEvent{}).
		Where("provider_event_id = ?", "evt_1").
		Updates(map[string]interface{}{"status": models.WebhookEventReleased, "applied_at": nil}).Error)
	require.NoError(t, env.db.Where("1 = 1").Delete(&models.BillingEmailDelivery{}).Error)

	out, err := env.deliverStripe(t, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out)
	assert.Equal(t, 2, env.mailer.count(TemplateWelcome), "stored effects are dispatched again")

	sub, err := env.repo.FindSubscription(ctx, ProviderStripe, "sub_1")
	require.NoError(t, err)
	assert.True(t, sub.Welcomed)
}

func TestServiceLemonSqueezyOrder(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "user-3", "grace@example.com")
	env.mapPlan(t, ProviderLemonSqueezy, "555", string(entitlements.PlanPremiumMax))
	ctx := context.Background()

	body := lemonBody("order_created", "orders", "1001",
		`{"status":"paid","total":2500,"currency":"USD","first_order_item":{"variant_id":555},"updated_at":"2024-03-01T12:00:00Z"}`)
	out, err := env.svc.HandleWebhook(ctx, ProviderLemonSqueezy, body, SignLemonSqueezy(body, lemonSecret))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out)

	require.Len(t, env.mailer.sent, 1)
	assert.Equal(t, TemplatePurchaseReceipt, env.mailer.sent[0].Template)
	assert.Equal(t, "grace@example.com", env.mailer.sent[0].Recipient)
	assert.Equal(t, "25.00 USD", env.mailer.sent[0].Params["amount"])

	plan, err := env.svc.EffectivePlan(ctx, "user-3")
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanPremiumMax, plan)

	// Providers resend identical bytes, which hash to the same event id.
	out, err = env.svc.HandleWebhook(ctx, ProviderLemonSqueezy, body, SignLemonSqueezy(body, lemonSecret))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)
}

func TestServiceUnattributedOrderNeedsReconciliation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	refund := `{"id":"ch_1","payment_intent":"pi_404","amount":4900,"amount_refunded":4900,"refunded":true,"currency":"eur"}`

	_, err := env.deliverStripe(t, stripeEvent("evt_r", "charge.refunded", 0, refund))
	require.NoError(t, err)

	queue, err := env.svc.ListNeedsReconciliation(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queue.Orders, 1)
	assert.Equal(t, "pi_404", queue.Orders[0].ProviderOrderID)
	assert.Empty(t, env.mailer.templates(), "nobody to notify without a user")

	var stored models.BillingWebhookEvent
	require.NoError(t, env.db.Where("provider_event_id = ?", "evt_r").First(&stored).Error)
	assert.Equal(t, models.WebhookEventApplied, stored.Status)
	assert.Contains(t, stored.ProcessingError, "needs reconciliation")
}
