package models

import "time"

const (
	BillingOrderPending  = "pending"
	BillingOrderPaid     = "paid"
	BillingOrderRefunded = "refunded"
)

// BillingOrder is a one-time purchase. Status only moves forward:
// pending -> paid -> refunded.
type BillingOrder struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	UserID              string     `gorm:"type:varchar(191);not null;default:'';index" json:"user_id"`
	Provider            string     `gorm:"type:varchar(20);not null;index:ux_billing_orders_provider_order,unique,priority:1" json:"provider"`
	ProviderOrderID     string     `gorm:"type:varchar(191);not null;index:ux_billing_orders_provider_order,unique,priority:2" json:"provider_order_id"`
	Status              string     `gorm:"type:varchar(32);not null;default:'';index" json:"status"`
	Amount              int64      `gorm:"default:0" json:"amount"`
	Currency            string     `gorm:"type:varchar(8);not null;default:''" json:"currency"`
	AccessGranted       bool       `gorm:"default:false" json:"access_granted"`
	Disputed            bool       `gorm:"default:false" json:"disputed"`
	NeedsReconciliation bool       `gorm:"default:false;index" json:"needs_reconciliation"`
	LastEventID         string     `gorm:"type:varchar(191);not null;default:''" json:"last_event_id"`
	LastEventAt         *time.Time `gorm:"default:null" json:"last_event_at,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (o *BillingOrder) Exists() bool {
	return o != nil && o.Status != ""
}

// OrderStatusRank orders statuses so that transitions never move backwards.
func OrderStatusRank(status string) int {
	switch status {
	case BillingOrderPending:
		return 1
	case BillingOrderPaid:
		return 2
	case BillingOrderRefunded:
		return 3
	default:
		return 0
	}
}
