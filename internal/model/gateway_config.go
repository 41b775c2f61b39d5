// internal/model/gateway_config.go
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// GatewayConfig is one configured provider integration. Credentials stay an
// opaque map here; the gateway package decodes them per vendor.
type GatewayConfig struct {
	ID             int             `db:"id" json:"id"`
	Name           string          `db:"name" json:"name"`
	ChannelType    ChannelType     `db:"channel_type" json:"channel_type"`
	Vendor         string          `db:"vendor" json:"vendor"`
	Credentials    JSONMap         `db:"credentials" json:"-"`
	IsActive       bool            `db:"is_active" json:"is_active"`
	IsDefault      bool            `db:"is_default" json:"is_default"`
	Priority       int             `db:"priority" json:"priority"`
	DailyLimit     int             `db:"daily_limit" json:"daily_limit"`
	DailySent      int             `db:"daily_sent" json:"daily_sent"`
	TotalSent      int             `db:"total_sent" json:"total_sent"`
	TotalFailed    int             `db:"total_failed" json:"total_failed"`
	CostPerMessage decimal.Decimal `db:"cost_per_message" json:"cost_per_message"`
	LastUsedAt     *time.Time      `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// HasCapacity reports whether the daily quota still allows a send.
// A zero DailyLimit means unlimited.
func (g *GatewayConfig) HasCapacity() bool {
	return g.DailyLimit == 0 || g.DailySent < g.DailyLimit
}
