package billing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ProviderNormalizer maps one provider's payloads onto PaymentEvent.
// Implementations must be pure: the same bytes always yield the same event.
type ProviderNormalizer interface {
	Provider() Provider
	Normalize(raw []byte) (PaymentEvent, error)
}

// Normalizer dispatches to the registered provider normalizers.
type Normalizer struct {
	byProvider map[Provider]ProviderNormalizer
}

func NewNormalizer(normalizers ...ProviderNormalizer) *Normalizer {
	n := &Normalizer{byProvider: make(map[Provider]ProviderNormalizer, len(normalizers))}
	for _, pn := range normalizers {
		n.byProvider[pn.Provider()] = pn
	}
	return n
}

// Normalize returns ErrUnrecognizedEvent for event types that are
// deliberately not mapped and ErrMalformedPayload for anything unparsable.
func (n *Normalizer) Normalize(provider Provider, raw []byte) (PaymentEvent, error) {
	pn, ok := n.byProvider[provider]
	if !ok {
		return PaymentEvent{}, fmt.Errorf("%w: no normalizer for provider %q", ErrConfiguration, provider)
	}
	ev, err := pn.Normalize(raw)
	if err != nil {
		return PaymentEvent{}, err
	}
	ev.Provider = provider
	ev.Raw = raw
	if err := ev.Validate(); err != nil {
		return PaymentEvent{}, err
	}
	return ev, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func unrecognized(eventType string) error {
	return fmt.Errorf("%w: %s", ErrUnrecognizedEvent, eventType)
}

// payloadHash is the fallback event id for providers without delivery ids.
// Retries resend identical bytes, so the digest is stable across them.
func payloadHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "hash:" + hex.EncodeToString(sum[:])
}

// flexID accepts ids sent either as JSON strings or numbers, and expandable
// objects carrying an "id" field.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
	case '{':
		var obj struct {
			ID flexID `json:"id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*f = obj.ID
	default:
		var num json.Number
		if err := json.Unmarshal(data, &num); err != nil {
			return err
		}
		*f = flexID(num.String())
	}
	return nil
}

func (f flexID) String() string { return string(f) }

// metadataString returns the first non-empty value among keys. Metadata
// values may arrive as strings or numbers.
func metadataString(meta map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := meta[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case json.Number:
			return t.String()
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func boolPtr(b bool) *bool { return &b }

func int64Ptr(v int64) *int64 { return &v }

func formatAmount(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, strings.ToUpper(currency))
}
