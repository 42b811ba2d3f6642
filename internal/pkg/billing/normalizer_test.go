package billing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/app/models"
)

func testNormalizer() *Normalizer {
	return NewNormalizer(StripeNormalizer{FinalPaymentAttempt: 4}, LemonSqueezyNormalizer{})
}

func TestStripeCheckoutSession(t *testing.T) {
	raw := []byte(`{
		"id": "evt_checkout",
		"type": "checkout.session.completed",
		"created": 1709294400,
		"data": {"object": {
			"id": "cs_1",
			"mode": "payment",
			"payment_status": "paid",
			"payment_intent": "pi_1",
			"client_reference_id": "user-7",
			"amount_total": 4900,
			"currency": "EUR",
			"customer_details": {"email": "ada@example.com"},
			"metadata": {"plan": "price_lifetime"}
		}}
	}`)

	ev, err := testNormalizer().Normalize(ProviderStripe, raw)
	require.NoError(t, err)
	assert.Equal(t, "evt_checkout", ev.ProviderEventID)
	assert.Equal(t, KindOrderPaid, ev.Kind)
	assert.Equal(t, SubjectOrder, ev.SubjectType)
	assert.Equal(t, "pi_1", ev.SubjectID)
	assert.Equal(t, "user-7", ev.UserID)
	assert.Equal(t, "ada@example.com", ev.CustomerEmail)
	assert.Equal(t, int64(4900), ev.AmountValue())
	assert.Equal(t, "eur", ev.Currency)
	assert.Equal(t, "price_lifetime", ev.PlanRef)
	assert.Equal(t, int64(1709294400), ev.OccurredAt.Unix())
	assert.Equal(t, raw, ev.Raw)
}

func TestStripeCheckoutSubscriptionMode(t *testing.T) {
	raw := []byte(`{"id":"evt_cs","type":"checkout.session.completed","created":1709294400,
		"data":{"object":{"id":"cs_2","mode":"subscription","subscription":"sub_9","metadata":{"user_id":"user-9"}}}}`)

	ev, err := testNormalizer().Normalize(ProviderStripe, raw)
	require.NoError(t, err)
	assert.Equal(t, KindSubscriptionCreated, ev.Kind)
	assert.Equal(t, "sub_9", ev.SubjectID)
	assert.Equal(t, "user-9", ev.UserID)
}

func TestStripeSubscriptionUpdated(t *testing.T) {
	raw := []byte(`{
		"id": "evt_upd",
		"type": "customer.subscription.updated",
		"created": 1709294400,
		"data": {
			"object": {
				"id": "sub_1",
				"status": "active",
				"cancel_at_period_end": true,
				"metadata": {"user_id": 42},
				"items": {"data": [{"current_period_end": 1711972800, "price": {"id": "price_pro"}}]}
			},
			"previous_attributes": {
				"status": "trialing",
				"items": {"data": [{"price": {"id": "price_basic"}}]}
			}
		}
	}`)

	ev, err := testNormalizer().Normalize(ProviderStripe, raw)
	require.NoError(t, err)
	assert.Equal(t, KindSubscriptionUpdated, ev.Kind)
	assert.Equal(t, "42", ev.UserID)
	assert.Equal(t, models.BillingStatusActive, ev.StatusAfter)
	assert.Equal(t, models.BillingStatusTrialing, ev.StatusBefore)
	assert.Equal(t, "price_pro", ev.PlanRef)
	assert.True(t, ev.PlanChanged)
	require.NotNil(t, ev.CancelAtPeriodEnd)
	assert.True(t, *ev.CancelAtPeriodEnd)
	require.NotNil(t, ev.CurrentPeriodEnd)
	assert.Equal(t, int64(1711972800), ev.CurrentPeriodEnd.Unix())
}

func TestStripeSubscriptionStatuses(t *testing.T) {
	tests := map[string]string{
		"trialing":           models.BillingStatusTrialing,
		"active":             models.BillingStatusActive,
		"past_due":           models.BillingStatusPastDue,
		"unpaid":             models.BillingStatusUnpaid,
		"incomplete":         models.BillingStatusUnpaid,
		"canceled":           models.BillingStatusCanceled,
		"incomplete_expired": models.BillingStatusExpired,
		"paused":             models.BillingStatusPaused,
		"something_new":      "",
	}
	for in, want := range tests {
		assert.Equal(t, want, stripeSubscriptionStatus(in), in)
	}
}

func TestStripeInvoicePaymentFailed(t *testing.T) {
	tests := []struct {
		name      string
		object    string
		wantFinal bool
	}{
		{
			name:      "first attempt",
			object:    `{"id":"in_1","subscription":"sub_1","attempt_count":1,"next_payment_attempt":1710000000,"amount_due":900,"currency":"usd"}`,
			wantFinal: false,
		},
		{
			name:      "attempt limit reached",
			object:    `{"id":"in_1","subscription":"sub_1","attempt_count":4,"next_payment_attempt":1710000000,"amount_due":900,"currency":"usd"}`,
			wantFinal: true,
		},
		{
			name:      "no further attempt scheduled",
			object:    `{"id":"in_1","subscription":"sub_1","attempt_count":2,"next_payment_attempt":null,"amount_due":900,"currency":"usd"}`,
			wantFinal: true,
		},
		{
			name:      "subscription under parent",
			object:    `{"id":"in_1","parent":{"subscription_details":{"subscription":"sub_1","metadata":{"user_id":"u1"}}},"attempt_count":1,"next_payment_attempt":1710000000,"amount_due":900,"currency":"usd"}`,
			wantFinal: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := []byte(`{"id":"evt_f","type":"invoice.payment_failed","created":1709294400,"data":{"object":` + tt.object + `}}`)
			ev, err := testNormalizer().Normalize(ProviderStripe, raw)
			require.NoError(t, err)
			assert.Equal(t, KindPaymentFailed, ev.Kind)
			assert.Equal(t, SubjectSubscription, ev.SubjectType)
			assert.Equal(t, "sub_1", ev.SubjectID)
			assert.Equal(t, tt.wantFinal, ev.FinalAttempt)
			assert.Equal(t, int64(900), ev.AmountValue())
		})
	}
}

func TestStripeChargeRefunded(t *testing.T) {
	raw := []byte(`{"id":"evt_r","type":"charge.refunded","created":1709294400,"data":{
		"object":{"id":"ch_1","payment_intent":"pi_1","amount":4900,"amount_refunded":3000,"refunded":false,"currency":"eur"},
		"previous_attributes":{"amount_refunded":1000}}}`)

	ev, err := testNormalizer().Normalize(ProviderStripe, raw)
	require.NoError(t, err)
	assert.Equal(t, KindRefund, ev.Kind)
	assert.Equal(t, SubjectCharge, ev.SubjectType)
	assert.Equal(t, "pi_1", ev.SubjectID)
	assert.Equal(t, int64(2000), ev.AmountValue())
	assert.Equal(t, refundPartial, ev.StatusAfter)
}

func TestStripeUnrecognized(t *testing.T) {
	for _, eventType := range []string{"customer.created", "invoice.finalized", "product.updated"} {
		raw := []byte(`{"id":"evt_x","type":"` + eventType + `","created":1709294400,"data":{"object":{"id":"x"}}}`)
		_, err := testNormalizer().Normalize(ProviderStripe, raw)
		assert.True(t, errors.Is(err, ErrUnrecognizedEvent), "%s: %v", eventType, err)
	}

	oneOff := []byte(`{"id":"evt_x","type":"invoice.paid","created":1709294400,"data":{"object":{"id":"in_1"}}}`)
	_, err := testNormalizer().Normalize(ProviderStripe, oneOff)
	assert.True(t, errors.Is(err, ErrUnrecognizedEvent), "one-off invoice: %v", err)
}

func TestStripePaidInvoiceEvents(t *testing.T) {
	object := `{"id":"in_7","subscription":"sub_1","amount_paid":900,"currency":"USD","customer_email":"ada@example.com"}`
	for _, eventType := range []string{"invoice.paid", "invoice.payment_succeeded"} {
		raw := []byte(`{"id":"evt_` + eventType + `","type":"` + eventType + `","created":1709294400,"data":{"object":` + object + `}}`)
		ev, err := testNormalizer().Normalize(ProviderStripe, raw)
		require.NoError(t, err, eventType)
		assert.Equal(t, KindPaymentSucceeded, ev.Kind, eventType)
		assert.Equal(t, "sub_1", ev.SubjectID, eventType)
		assert.Equal(t, int64(900), ev.AmountValue(), eventType)
		assert.Equal(t, "in_7", ev.Params["invoice_id"], eventType)
	}
}

func TestStripeMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":                `{"id":`,
		"missing id":              `{"type":"invoice.paid","created":1,"data":{"object":{}}}`,
		"missing created":         `{"id":"evt_1","type":"invoice.paid","data":{"object":{"subscription":"sub_1"}}}`,
		"subscription without id": `{"id":"evt_1","type":"customer.subscription.updated","created":1,"data":{"object":{"status":"active"}}}`,
	}
	for name, body := range tests {
		_, err := testNormalizer().Normalize(ProviderStripe, []byte(body))
		assert.True(t, errors.Is(err, ErrMalformedPayload), "%s: %v", name, err)
	}
}

func TestStripeNormalizeIsDeterministic(t *testing.T) {
	raw := []byte(`{"id":"evt_d","type":"invoice.paid","created":1709294400,"data":{"object":{"id":"in_1","subscription":"sub_1","amount_paid":900,"currency":"usd"}}}`)
	a, err := testNormalizer().Normalize(ProviderStripe, raw)
	require.NoError(t, err)
	b, err := testNormalizer().Normalize(ProviderStripe, raw)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func lemonBody(event, dataType, id, attributes string) []byte {
	return []byte(`{"meta":{"event_name":"` + event + `","custom_data":{"user_id":"user-3"}},` +
		`"data":{"type":"` + dataType + `","id":"` + id + `","attributes":` + attributes + `}}`)
}

func TestLemonSqueezyOrder(t *testing.T) {
	raw := lemonBody("order_created", "orders", "1001",
		`{"status":"paid","total":2500,"currency":"USD","user_email":"ada@example.com","order_number":77,
		  "first_order_item":{"variant_id":555},"created_at":"2024-03-01T12:00:00.000000Z","updated_at":"2024-03-01T12:00:05.000000Z"}`)

	ev, err := testNormalizer().Normalize(ProviderLemonSqueezy, raw)
	require.NoError(t, err)
	assert.Equal(t, payloadHash(raw), ev.ProviderEventID)
	assert.Equal(t, KindOrderPaid, ev.Kind)
	assert.Equal(t, SubjectOrder, ev.SubjectType)
	assert.Equal(t, "1001", ev.SubjectID)
	assert.Equal(t, "user-3", ev.UserID)
	assert.Equal(t, "555", ev.PlanRef)
	assert.Equal(t, "usd", ev.Currency)
	assert.Equal(t, int64(2500), ev.AmountValue())
	assert.Equal(t, "77", ev.Params["order_number"])
	assert.Equal(t, 5, ev.OccurredAt.Second())
}

func TestLemonSqueezyRefund(t *testing.T) {
	raw := lemonBody("order_refunded", "orders", "1001",
		`{"status":"refunded","total":2500,"refunded":true,"refunded_amount":2500,"currency":"USD","updated_at":"2024-03-02T12:00:00Z"}`)

	ev, err := testNormalizer().Normalize(ProviderLemonSqueezy, raw)
	require.NoError(t, err)
	assert.Equal(t, KindRefund, ev.Kind)
	assert.Equal(t, models.BillingOrderRefunded, ev.StatusAfter)
	assert.Equal(t, int64(2500), ev.AmountValue())
}

func TestLemonSqueezySubscriptionCancelled(t *testing.T) {
	raw := lemonBody("subscription_cancelled", "subscriptions", "8",
		`{"status":"cancelled","variant_id":555,"cancelled":true,"renews_at":"2024-04-01T00:00:00Z","ends_at":"2024-04-01T00:00:00Z",
		  "updated_at":"2024-03-10T00:00:00Z","urls":{"update_payment_method":"https://pay.example.com/update"}}`)

	ev, err := testNormalizer().Normalize(ProviderLemonSqueezy, raw)
	require.NoError(t, err)
	assert.Equal(t, KindSubscriptionUpdated, ev.Kind)
	assert.Equal(t, "", ev.StatusAfter)
	require.NotNil(t, ev.CancelAtPeriodEnd)
	assert.True(t, *ev.CancelAtPeriodEnd)
	require.NotNil(t, ev.CurrentPeriodEnd)
	assert.Equal(t, 4, int(ev.CurrentPeriodEnd.Month()))
	assert.Equal(t, "https://pay.example.com/update", ev.Params["update_payment_method_url"])
}

func TestLemonSqueezyInvoice(t *testing.T) {
	raw := lemonBody("subscription_payment_failed", "subscription-invoices", "77",
		`{"subscription_id":8,"status":"failed","total":900,"currency":"EUR","user_email":"ada@example.com","updated_at":"2024-03-10T00:00:00Z"}`)

	ev, err := testNormalizer().Normalize(ProviderLemonSqueezy, raw)
	require.NoError(t, err)
	assert.Equal(t, KindPaymentFailed, ev.Kind)
	assert.Equal(t, SubjectSubscription, ev.SubjectType)
	assert.Equal(t, "8", ev.SubjectID)
	assert.Equal(t, "77", ev.Params["invoice_id"])
}

func TestLemonSqueezyRejects(t *testing.T) {
	_, err := testNormalizer().Normalize(ProviderLemonSqueezy, lemonBody("license_key_created", "license-keys", "1", `{}`))
	assert.True(t, errors.Is(err, ErrUnrecognizedEvent), "%v", err)

	_, err = testNormalizer().Normalize(ProviderLemonSqueezy, lemonBody("order_created", "subscriptions", "1", `{}`))
	assert.True(t, errors.Is(err, ErrMalformedPayload), "%v", err)

	_, err = testNormalizer().Normalize(ProviderLemonSqueezy, lemonBody("subscription_updated", "subscriptions", "1", `{"status":"active"}`))
	assert.True(t, errors.Is(err, ErrMalformedPayload), "missing timestamps: %v", err)

	_, err = testNormalizer().Normalize(ProviderLemonSqueezy, []byte(`{"data":{}}`))
	assert.True(t, errors.Is(err, ErrMalformedPayload), "%v", err)
}

func TestNormalizeUnknownProvider(t *testing.T) {
	_, err := testNormalizer().Normalize(Provider("paddle"), []byte(`{}`))
	assert.True(t, errors.Is(err, ErrConfiguration))
}
