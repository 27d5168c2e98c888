package domain

import (
	"strings"
	"time"
)

// Side is the direction of a probe position on a binary up/down market.
type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
)

// ParseSide normalizes s and reports whether it names a side. BULL and BEAR
// are accepted as alert-source aliases.
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UP", "BULL", "LONG":
		return SideUp, true
	case "DOWN", "BEAR", "SHORT":
		return SideDown, true
	}
	return "", false
}

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	StatusPending TradeStatus = "PENDING"
	StatusAdded   TradeStatus = "ADDED"
	StatusHedged  TradeStatus = "HEDGED"
	StatusExited  TradeStatus = "EXITED"
	StatusTimeout TradeStatus = "TIMEOUT"
	StatusFailed  TradeStatus = "FAILED"
)

// IsTerminal reports whether no further transition is possible.
func (s TradeStatus) IsTerminal() bool {
	return s == StatusExited || s == StatusTimeout || s == StatusFailed
}

// Action is a confirmation action applied to an open trade.
type Action string

const (
	ActionAdd   Action = "ADD"
	ActionHedge Action = "HEDGE"
	ActionExit  Action = "EXIT"
)

// ParseAction normalizes s; CLOSE is an alias for EXIT.
func ParseAction(s string) (Action, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ADD":
		return ActionAdd, true
	case "HEDGE":
		return ActionHedge, true
	case "EXIT", "CLOSE":
		return ActionExit, true
	}
	return "", false
}

// Allows reports whether action a is legal from status s.
func (s TradeStatus) Allows(a Action) bool {
	switch a {
	case ActionAdd:
		return s == StatusPending || s == StatusAdded
	case ActionHedge:
		return s == StatusPending || s == StatusAdded || s == StatusHedged
	case ActionExit:
		return !s.IsTerminal()
	}
	return false
}

// Trade is a probe position owned by the position manager.
type Trade struct {
	ID            string               `json:"id"`
	MarketID      string               `json:"market_id"`
	TokenID       string               `json:"token_id"`
	Side          Side                 `json:"side"`
	Leg1Size      float64              `json:"leg1_size"`
	Leg1Price     float64              `json:"leg1_price"`
	TotalSize     float64              `json:"total_size"`
	EntryPrice    float64              `json:"entry_price"`
	Status        TradeStatus          `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
	Timeout       time.Duration        `json:"timeout"`
	Processed     map[string]time.Time `json:"processed_actions,omitempty"`
	UnrealizedPnL float64              `json:"unrealized_pnl"`
	RealizedPnL   float64              `json:"realized_pnl"`
	MAE           float64              `json:"mae"`
	MFE           float64              `json:"mfe"`
	ExitPrice     *float64             `json:"exit_price,omitempty"`
	ExitReason    string               `json:"exit_reason,omitempty"`
	ExitedAt      *time.Time           `json:"exited_at,omitempty"`
	Closing       bool                 `json:"closing"`
	Source        string               `json:"source,omitempty"`
}

// Clone returns a copy that shares no mutable state with t.
func (t Trade) Clone() Trade {
	out := t
	if t.Processed != nil {
		out.Processed = make(map[string]time.Time, len(t.Processed))
		for k, v := range t.Processed {
			out.Processed[k] = v
		}
	}
	out.ExitPrice = copyFloat(t.ExitPrice)
	if t.ExitedAt != nil {
		ts := *t.ExitedAt
		out.ExitedAt = &ts
	}
	return out
}

// DirectionalPnL returns the PnL of size units entered at entry and marked at
// mark for the given side.
func DirectionalPnL(side Side, entry, mark, size float64) float64 {
	if side == SideDown {
		return (entry - mark) * size
	}
	return (mark - entry) * size
}

// ConfirmResult is the structured outcome of a confirmation action.
type ConfirmResult struct {
	OK             bool        `json:"ok"`
	Status         TradeStatus `json:"status,omitempty"`
	AlreadyHandled bool        `json:"already_handled"`
	Message        string      `json:"message"`
	Reason         string      `json:"reason,omitempty"`
}

// ExitResult is the structured outcome of an exit request.
type ExitResult struct {
	OK             bool        `json:"ok"`
	Status         TradeStatus `json:"status,omitempty"`
	AlreadyHandled bool        `json:"already_handled"`
	Message        string      `json:"message"`
	RealizedPnL    float64     `json:"realized_pnl"`
}

// TradeEventType names a trade lifecycle transition published to mirrors.
type TradeEventType string

const (
	TradeOpened    TradeEventType = "trade_opened"
	TradeConfirmed TradeEventType = "trade_confirmed"
	TradeExited    TradeEventType = "trade_exited"
	TradeTimedOut  TradeEventType = "trade_timeout"
	TradeFailed    TradeEventType = "trade_failed"
)

// TradeEvent is a lifecycle transition with the trade state after it.
type TradeEvent struct {
	Type   TradeEventType `json:"type"`
	Action Action         `json:"action,omitempty"`
	Trade  Trade          `json:"trade"`
	At     time.Time      `json:"at"`
}

// TradeStats summarizes the manager's book of trades.
type TradeStats struct {
	Total         int     `json:"total"`
	Pending       int     `json:"pending"`
	Confirmed     int     `json:"confirmed"`
	Exited        int     `json:"exited"`
	TimedOut      int     `json:"timed_out"`
	Failed        int     `json:"failed"`
	LockedMarkets int     `json:"locked_markets"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}
