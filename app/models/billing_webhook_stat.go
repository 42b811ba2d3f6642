package models

import "time"

// BillingWebhookStat is the daily number of webhook deliveries per provider
// and outcome, flushed from the Redis counters.
type BillingWebhookStat struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Day       time.Time `gorm:"type:date;not null;index:ux_billing_webhook_stats_key,unique,priority:1" json:"day"`
	Provider  string    `gorm:"type:varchar(20);not null;index:ux_billing_webhook_stats_key,unique,priority:2" json:"provider"`
	Outcome   string    `gorm:"type:varchar(20);not null;index:ux_billing_webhook_stats_key,unique,priority:3" json:"outcome"`
	Total     int64     `gorm:"default:0" json:"total"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
