package models

import "time"

// BillingEntitlement records whether a user currently holds access through a
// given subject. Grant and revoke are upserts on (provider, subject_type, subject_id).
type BillingEntitlement struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       string    `gorm:"type:varchar(191);not null;index" json:"user_id"`
	Provider     string    `gorm:"type:varchar(20);not null;index:ux_billing_entitlements_subject,unique,priority:1" json:"provider"`
	SubjectType  string    `gorm:"type:varchar(20);not null;index:ux_billing_entitlements_subject,unique,priority:2" json:"subject_type"`
	SubjectID    string    `gorm:"type:varchar(191);not null;index:ux_billing_entitlements_subject,unique,priority:3" json:"subject_id"`
	PlanRef      string    `gorm:"type:varchar(191);not null;default:''" json:"plan_ref"`
	InternalPlan string    `gorm:"type:varchar(50);not null;default:'free'" json:"internal_plan"`
	Active       bool      `gorm:"default:false;index" json:"active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
