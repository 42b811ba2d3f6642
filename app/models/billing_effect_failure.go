package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	EffectFailurePending   = "pending"
	EffectFailureResolved  = "resolved"
	EffectFailureAbandoned = "abandoned"
)

// BillingEffectFailure is the dead-letter entry of a side effect that still
// failed after the dispatcher exhausted its retries.
type BillingEffectFailure struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	EffectKey       string         `gorm:"type:varchar(255);not null;uniqueIndex" json:"effect_key"`
	Provider        string         `gorm:"type:varchar(20);not null;index" json:"provider"`
	ProviderEventID string         `gorm:"type:varchar(191);not null;index" json:"provider_event_id"`
	EffectKind      string         `gorm:"type:varchar(32);not null" json:"effect_kind"`
	EffectJSON      datatypes.JSON `json:"effect"`
	Status          string         `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Attempts        int            `gorm:"default:0" json:"attempts"`
	LastError       string         `gorm:"type:text" json:"last_error"`
	NextAttemptAt   *time.Time     `gorm:"default:null;index" json:"next_attempt_at,omitempty"`
	ResolvedAt      *time.Time     `gorm:"default:null" json:"resolved_at,omitempty"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
