package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
)

// WebhookHandler processes one verified-or-rejected provider request.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, provider billing.Provider, raw []byte, signature string) (billing.Outcome, error)
}

// BillingController serves the provider webhook endpoints.
type BillingController struct {
	svc     WebhookHandler
	timeout time.Duration
}

func NewBillingController(svc WebhookHandler, timeout time.Duration) *BillingController {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &BillingController{svc: svc, timeout: timeout}
}

// HandleStripeWebhook handles POST /webhooks/stripe.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	return bc.handle(c, billing.ProviderStripe, "Stripe-Signature")
}

// HandleLemonSqueezyWebhook handles POST /webhooks/lemonsqueezy.
func (bc *BillingController) HandleLemonSqueezyWebhook(c *fiber.Ctx) error {
	return bc.handle(c, billing.ProviderLemonSqueezy, "X-Signature")
}

func (bc *BillingController) handle(c *fiber.Ctx, provider billing.Provider, signatureHeader string) error {
	// The signature covers the exact bytes; fasthttp reuses the body buffer.
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get(signatureHeader)

	ctx, cancel := context.WithTimeout(c.UserContext(), bc.timeout)
	defer cancel()

	outcome, err := bc.svc.HandleWebhook(ctx, provider, rawBody, signature)
	if err != nil {
		status := billing.HTTPStatus(err)
		if status >= fiber.StatusInternalServerError {
			log.Errorf("[Billing] %s webhook failed: %v", provider, err)
		} else {
			log.Warnf("[Billing] %s webhook rejected: %v", provider, err)
		}
		return c.Status(status).JSON(fiber.Map{"error": billing.ErrorCode(err)})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "outcome": outcome, string(outcome): true})
}
