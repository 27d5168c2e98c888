package risk

import (
	"sync"

	"github.com/alanyoungcy/probebot/internal/domain"
)

// OpenTrades lists the trades that count against exposure.
type OpenTrades interface {
	ActiveTrades() []domain.Trade
}

// Exposure limits total open notional to a share of equity and allows one
// direction at a time.
type Exposure struct {
	trades OpenTrades
	pct    float64

	mu     sync.RWMutex
	equity float64
}

func NewExposure(trades OpenTrades, equity, maxPct float64) *Exposure {
	return &Exposure{trades: trades, equity: equity, pct: maxPct}
}

// UpdateEquity adds realized PnL to the equity the limit is computed from.
func (e *Exposure) UpdateEquity(realizedPnL float64) {
	e.mu.Lock()
	e.equity += realizedPnL
	e.mu.Unlock()
}

// OnTradeEvent books the realized PnL of every exit.
func (e *Exposure) OnTradeEvent(ev domain.TradeEvent) {
	if ev.Type == domain.TradeExited {
		e.UpdateEquity(ev.Trade.RealizedPnL)
	}
}

func (e *Exposure) Equity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.equity
}

// Limit is the maximum open notional.
func (e *Exposure) Limit() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.equity * e.pct
}

// Open is the notional currently held, entry price times size.
func (e *Exposure) Open() float64 {
	var total float64
	for _, t := range e.trades.ActiveTrades() {
		total += t.EntryPrice * t.TotalSize
	}
	return total
}

// CheckExposure rejects an entry whose notional would push open exposure past
// the limit.
func (e *Exposure) CheckExposure(notional float64) Decision {
	limit := e.Limit()
	open := e.Open()
	if limit > 0 && open+notional > limit {
		return reject("max_exposure", map[string]any{
			"open":     open,
			"notional": notional,
			"limit":    limit,
		})
	}
	return allow()
}

// CheckDirection rejects an entry on side when an open trade already holds
// that side.
func (e *Exposure) CheckDirection(side domain.Side) Decision {
	for _, t := range e.trades.ActiveTrades() {
		if t.Side == side {
			return reject("existing_"+string(side)+"_position", map[string]any{"trade_id": t.ID})
		}
	}
	return allow()
}
