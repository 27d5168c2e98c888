package domain

import "time"

// KillSwitchState is the persisted entry-suspension record. A zero Until
// means no cooldown is active.
type KillSwitchState struct {
	Until       float64 `json:"kill_switch_until_ts"`
	Reason      string  `json:"kill_switch_reason"`
	LastTrigger float64 `json:"kill_switch_last_trigger_ts"`
}

// Active reports whether the cooldown extends past now.
func (s KillSwitchState) Active(now time.Time) bool {
	return s.Until > 0 && unixSeconds(now) < s.Until
}

// UntilTime converts the cooldown deadline to a time.Time.
func (s KillSwitchState) UntilTime() time.Time {
	if s.Until <= 0 {
		return time.Time{}
	}
	sec := int64(s.Until)
	nsec := int64((s.Until - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// UnixSeconds returns t as fractional unix seconds, the unit used in
// persisted state files.
func UnixSeconds(t time.Time) float64 { return unixSeconds(t) }

// LedgerEvent distinguishes the two record kinds in the trade ledger.
type LedgerEvent string

const (
	LedgerOpen  LedgerEvent = "open"
	LedgerClose LedgerEvent = "close"
)

// LedgerRecord is one line of the append-only trade ledger. Every close
// record carries the trade id of an earlier open record.
type LedgerRecord struct {
	Event        LedgerEvent `json:"event"`
	TradeID      string      `json:"trade_id"`
	MarketID     string      `json:"market_id,omitempty"`
	TokenID      string      `json:"token_id,omitempty"`
	Side         Side        `json:"side,omitempty"`
	Size         float64     `json:"size,omitempty"`
	EntryPrice   float64     `json:"entry_price,omitempty"`
	ExitPrice    *float64    `json:"exit_price,omitempty"`
	RealizedPnL  *float64    `json:"realized_pnl,omitempty"`
	ExitReason   string      `json:"exit_reason,omitempty"`
	Status       TradeStatus `json:"status,omitempty"`
	EntryTimeUTC string      `json:"entry_time_utc,omitempty"`
	ExitTimeUTC  string      `json:"exit_time_utc,omitempty"`
}

// ClosedTrade is the performance view of a close record used by the kill switch.
type ClosedTrade struct {
	TradeID     string    `json:"trade_id"`
	RealizedPnL float64   `json:"realized_pnl"`
	ExitTime    time.Time `json:"exit_time"`
}
