package models

import "time"

const (
	EmailDeliveryPending = "pending"
	EmailDeliverySent    = "sent"
)

// BillingEmailDelivery deduplicates transactional emails per dedupe key and
// template so that retries never send twice. The key is the provider event
// id, or the invoice reference for receipts.
type BillingEmailDelivery struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_billing_email_deliveries_key,unique,priority:1" json:"provider"`
	DedupeKey       string     `gorm:"type:varchar(191);not null;index:ux_billing_email_deliveries_key,unique,priority:2" json:"dedupe_key"`
	Template        string     `gorm:"type:varchar(64);not null;index:ux_billing_email_deliveries_key,unique,priority:3" json:"template"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;index" json:"provider_event_id"`
	Recipient       string     `gorm:"type:varchar(200);not null;default:''" json:"recipient"`
	Status          string     `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`
	SentAt          *time.Time `gorm:"default:null" json:"sent_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
