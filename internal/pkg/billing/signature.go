package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82/webhook"
)

// Verifier authenticates a raw webhook body against the provider's signature
// header. Implementations must hash the exact received bytes.
type Verifier interface {
	Verify(rawBody []byte, signatureHeader, secret string) error
}

// StripeVerifier checks the Stripe-Signature header (t=...,v1=... scheme)
// including the default timestamp tolerance.
type StripeVerifier struct{}

func (StripeVerifier) Verify(rawBody []byte, signatureHeader, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("%w: stripe webhook secret is not set", ErrConfiguration)
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return fmt.Errorf("%w: missing Stripe-Signature header", ErrInvalidSignature)
	}
	if err := webhook.ValidatePayload(rawBody, signatureHeader, strings.TrimSpace(secret)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// LemonSqueezyVerifier checks the X-Signature header, the lowercase hex
// encoded HMAC-SHA256 of the body. The header must match the digest exactly.
type LemonSqueezyVerifier struct{}

func (LemonSqueezyVerifier) Verify(rawBody []byte, signatureHeader, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return fmt.Errorf("%w: lemonsqueezy webhook secret is not set", ErrConfiguration)
	}
	if signatureHeader == "" {
		return fmt.Errorf("%w: missing X-Signature header", ErrInvalidSignature)
	}
	expected := SignLemonSqueezy(rawBody, secret)
	if !hmac.Equal([]byte(signatureHeader), []byte(expected)) {
		return fmt.Errorf("%w: digest mismatch", ErrInvalidSignature)
	}
	return nil
}

// SignLemonSqueezy produces the X-Signature value for a body.
func SignLemonSqueezy(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
