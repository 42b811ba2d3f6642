package models

import "time"

// Subscription statuses. Canceled and expired are terminal.
const (
	BillingStatusTrialing = "trialing"
	BillingStatusActive   = "active"
	BillingStatusPastDue  = "past_due"
	BillingStatusUnpaid   = "unpaid"
	BillingStatusCanceled = "canceled"
	BillingStatusExpired  = "expired"
	BillingStatusPaused   = "paused"
)

// BillingSubscription is the locally reconciled state of a provider
// subscription. Rows are only written by the reconciliation engine.
type BillingSubscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 string     `gorm:"type:varchar(191);not null;default:'';index" json:"user_id"`
	Provider               string     `gorm:"type:varchar(20);not null;index:ux_billing_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index:ux_billing_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'';index" json:"status"`
	ProviderPlanRef        string     `gorm:"type:varchar(191);not null;default:''" json:"provider_plan_ref"`
	CurrentPeriodEnd       *time.Time `gorm:"default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	AccessGranted          bool       `gorm:"default:false" json:"access_granted"`
	Welcomed               bool       `gorm:"default:false" json:"welcomed"`
	NeedsReconciliation    bool       `gorm:"default:false;index" json:"needs_reconciliation"`
	LastEventID            string     `gorm:"type:varchar(191);not null;default:''" json:"last_event_id"`
	LastEventAt            *time.Time `gorm:"default:null" json:"last_event_at,omitempty"`
	// StatusEventID and StatusEventAt name the event whose status is current.
	// They lag LastEventID when newer events carried no status.
	StatusEventID          string     `gorm:"type:varchar(191);not null;default:''" json:"status_event_id"`
	StatusEventAt          *time.Time `gorm:"default:null" json:"status_event_at,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Exists reports whether the row holds reconciled state rather than a freshly
// reserved lock row.
func (s *BillingSubscription) Exists() bool {
	return s != nil && s.Status != ""
}

// IsTerminal reports whether no further status transitions are allowed.
func (s *BillingSubscription) IsTerminal() bool {
	return s != nil && IsTerminalSubscriptionStatus(s.Status)
}

func IsTerminalSubscriptionStatus(status string) bool {
	return status == BillingStatusCanceled || status == BillingStatusExpired
}

// IsEntitlingSubscriptionStatus reports whether a subscriber keeps access in
// the given status. past_due keeps access during the provider's retry window.
func IsEntitlingSubscriptionStatus(status string) bool {
	switch status {
	case BillingStatusTrialing, BillingStatusActive, BillingStatusPastDue:
		return true
	default:
		return false
	}
}
