package models

import "time"

const (
	BillingPaymentCharge = "charge"
	BillingPaymentRefund = "refund"
)

// BillingPayment is an append-only ledger of money movements reported by
// providers. DedupeKey is the invoice reference when the provider reports one
// payment through several events, the provider event id otherwise.
type BillingPayment struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Provider        string    `gorm:"type:varchar(20);not null;index:ux_billing_payments_key,unique,priority:1" json:"provider"`
	DedupeKey       string    `gorm:"type:varchar(191);not null;index:ux_billing_payments_key,unique,priority:2" json:"dedupe_key"`
	ProviderEventID string    `gorm:"type:varchar(191);not null;index" json:"provider_event_id"`
	UserID          string    `gorm:"type:varchar(191);not null;default:'';index" json:"user_id"`
	SubjectType     string    `gorm:"type:varchar(20);not null" json:"subject_type"`
	SubjectID       string    `gorm:"type:varchar(191);not null;index" json:"subject_id"`
	Direction       string    `gorm:"type:varchar(16);not null;default:'charge'" json:"direction"`
	Amount          int64     `gorm:"default:0" json:"amount"`
	Currency        string    `gorm:"type:varchar(8);not null;default:''" json:"currency"`
	OccurredAt      time.Time `json:"occurred_at"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}
