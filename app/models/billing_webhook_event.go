package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	WebhookEventProcessing = "processing"
	WebhookEventReleased   = "released"
	WebhookEventApplied    = "applied"
)

// BillingWebhookEvent is the idempotency record of one provider delivery.
// The row is claimed (processing) before reconciliation, released again when
// processing fails so a provider retry can take it over, and marked applied
// exactly once. EffectsJSON keeps the effects computed when the subject state
// was written, so a retry after a failed dispatch does not recompute them.
type BillingWebhookEvent struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Provider        string         `gorm:"type:varchar(20);not null;index:ux_billing_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID string         `gorm:"type:varchar(191);not null;index:ux_billing_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string         `gorm:"type:varchar(100);not null;default:'';index" json:"event_type"`
	Kind            string         `gorm:"type:varchar(50);not null;default:''" json:"kind"`
	SubjectType     string         `gorm:"type:varchar(20);not null;default:''" json:"subject_type"`
	SubjectID       string         `gorm:"type:varchar(191);not null;default:''" json:"subject_id"`
	PayloadJSON     string         `gorm:"type:longtext" json:"payload_json"`
	Status          string         `gorm:"type:varchar(20);not null;default:'processing';index" json:"status"`
	Attempts        int            `gorm:"default:0" json:"attempts"`
	LeaseUntil      *time.Time     `gorm:"default:null" json:"lease_until,omitempty"`
	AppliedAt       *time.Time     `gorm:"default:null" json:"applied_at,omitempty"`
	ProcessingError string         `gorm:"type:text" json:"processing_error"`
	EffectsJSON     datatypes.JSON `json:"effects,omitempty"`
	StateAppliedAt  *time.Time     `gorm:"default:null" json:"state_applied_at,omitempty"`
	OccurredAt      *time.Time     `gorm:"default:null" json:"occurred_at,omitempty"`
	CreatedAt       time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
