package position

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
)

// Exit reasons written by the automatic stops.
const (
	ReasonSoftStop = "soft_stop"
	ReasonTimeStop = "time_stop"
)

// StopRules close open trades without an operator. A zero field disables
// its rule.
type StopRules struct {
	// SoftStopAdverseMove is the absolute price move against the trade
	// that forces an exit.
	SoftStopAdverseMove float64
	// TimeStop is the maximum age of an open trade.
	TimeStop time.Duration
}

func (r StopRules) enabled() bool {
	return r.SoftStopAdverseMove > 0 || r.TimeStop > 0
}

// Check reports which rule, if any, fires for t at mark.
func (r StopRules) Check(t domain.Trade, mark float64, now time.Time) (string, bool) {
	if r.SoftStopAdverseMove > 0 && t.EntryPrice > 0 {
		adverse := t.EntryPrice - mark
		if t.Side == domain.SideDown {
			adverse = mark - t.EntryPrice
		}
		if adverse >= r.SoftStopAdverseMove {
			return ReasonSoftStop, true
		}
	}
	if r.TimeStop > 0 && now.Sub(t.CreatedAt) >= r.TimeStop {
		return ReasonTimeStop, true
	}
	return "", false
}

// ApplyStops evaluates rules against every open trade and exits the ones
// that trip, returning how many it closed. markOf prices the rule check;
// exitOf supplies the exit price, and a trade without one stays open until
// the next pass.
func (m *Manager) ApplyStops(ctx context.Context, rules StopRules, markOf, exitOf func(tokenID string) (float64, bool)) int {
	if !rules.enabled() {
		return 0
	}
	now := m.now()
	closed := 0
	for _, t := range m.ActiveTrades() {
		if t.Closing {
			continue
		}
		mark, ok := markOf(t.TokenID)
		if !ok {
			continue
		}
		reason, fire := rules.Check(t, mark, now)
		if !fire {
			continue
		}
		exitPrice, ok := exitOf(t.TokenID)
		if !ok {
			m.logger.Warn("stop triggered without exit price",
				slog.String("trade_id", t.ID),
				slog.String("reason", reason),
			)
			continue
		}
		reqID := fmt.Sprintf("%s_%s_%d", reason, t.ID, now.UnixMilli())
		res := m.ExitTrade(ctx, t.ID, exitPrice, reason, reqID)
		if res.OK && !res.AlreadyHandled {
			closed++
		}
	}
	return closed
}
