// internal/gateway/selection.go
package gateway

import (
	"sort"

	"github.com/unclebandit/eduops-messaging/internal/model"
)

// Rank returns the gateways that can take traffic now, best first: the
// default gateway, then higher priority, then the least used, then lowest id.
func Rank(gateways []*model.GatewayConfig) []*model.GatewayConfig {
	out := make([]*model.GatewayConfig, 0, len(gateways))
	for _, g := range gateways {
		if g != nil && g.IsActive && g.HasCapacity() {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsDefault != b.IsDefault {
			return a.IsDefault
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.TotalSent != b.TotalSent {
			return a.TotalSent < b.TotalSent
		}
		return a.ID < b.ID
	})
	return out
}

// Best is the head of Rank, or nil when nothing has capacity.
func Best(gateways []*model.GatewayConfig) *model.GatewayConfig {
	ranked := Rank(gateways)
	if len(ranked) == 0 {
		return nil
	}
	return ranked[0]
}
