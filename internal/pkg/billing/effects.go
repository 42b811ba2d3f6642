package billing

import (
	"encoding/json"
	"fmt"
	"time"
)

type EffectKind string

const (
	EffectGrantAccess   EffectKind = "grant_access"
	EffectRevokeAccess  EffectKind = "revoke_access"
	EffectSendEmail     EffectKind = "send_email"
	EffectRecordPayment EffectKind = "record_payment"
)

type Audience string

const (
	AudienceCustomer Audience = "customer"
	AudienceOperator Audience = "operator"
)

// Payment directions recorded in the ledger.
const (
	DirectionCharge = "charge"
	DirectionRefund = "refund"
)

// Effect is a side effect computed by Reconcile. It is a flat tagged value
// (Kind selects which fields matter) so it can be stored and replayed.
type Effect struct {
	Kind        EffectKind        `json:"kind"`
	Provider    Provider          `json:"provider"`
	EventID     string            `json:"event_id"`
	// Ref names the payment an email or ledger entry belongs to when the
	// provider reports one payment through several events.
	Ref         string            `json:"ref,omitempty"`
	SubjectType SubjectType       `json:"subject_type"`
	SubjectID   string            `json:"subject_id"`
	UserID      string            `json:"user_id,omitempty"`
	PlanRef     string            `json:"plan_ref,omitempty"`
	Template    TemplateKind      `json:"template,omitempty"`
	Audience    Audience          `json:"audience,omitempty"`
	Recipient   string            `json:"recipient,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Direction   string            `json:"direction,omitempty"`
	Amount      int64             `json:"amount,omitempty"`
	Currency    string            `json:"currency,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// DedupeKey is what emails and ledger rows are deduplicated on.
func (e Effect) DedupeKey() string {
	if e.Ref != "" {
		return e.Ref
	}
	return e.EventID
}

// Key identifies an effect across retries and replays.
func (e Effect) Key() string {
	switch e.Kind {
	case EffectSendEmail:
		return fmt.Sprintf("%s:%s:%s:%s", e.Provider, e.DedupeKey(), e.Kind, e.Template)
	case EffectRecordPayment:
		return fmt.Sprintf("%s:%s:%s:%s", e.Provider, e.DedupeKey(), e.Kind, e.Direction)
	default:
		return fmt.Sprintf("%s:%s:%s:%s:%s", e.Provider, e.EventID, e.Kind, e.SubjectType, e.SubjectID)
	}
}

func (e Effect) String() string {
	if e.Kind == EffectSendEmail {
		return fmt.Sprintf("%s(%s)", e.Kind, e.Template)
	}
	return string(e.Kind)
}

func encodeEffects(effects []Effect) ([]byte, error) {
	if effects == nil {
		effects = []Effect{}
	}
	return json.Marshal(effects)
}

func decodeEffects(data []byte) ([]Effect, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var effects []Effect
	if err := json.Unmarshal(data, &effects); err != nil {
		return nil, err
	}
	return effects, nil
}
