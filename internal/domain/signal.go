package domain

import "time"

// DislocationSignal is emitted when a price moves far and fast enough inside
// the detection window.
type DislocationSignal struct {
	TokenID     string        `json:"token_id"`
	Side        Side          `json:"side"`
	DropPct     float64       `json:"drop_pct"`
	SpeedRatio  float64       `json:"speed_ratio"`
	Elapsed     time.Duration `json:"elapsed"`
	BaselineMid float64       `json:"baseline_mid"`
	CurrentMid  float64       `json:"current_mid"`
	Price       float64       `json:"price"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// EntryRequest is an upstream alert asking the bot to open a probe position.
type EntryRequest struct {
	SignalID      string   `json:"signal_id,omitempty"`
	TokenID       string   `json:"token_id"`
	MarketID      string   `json:"market_id,omitempty"`
	Side          string   `json:"side"`
	Confidence    float64  `json:"confidence"`
	RawConfidence *float64 `json:"raw_confidence,omitempty"`
	Session       string   `json:"session,omitempty"`
	Dislocation   bool     `json:"dislocation,omitempty"`
	Size          float64  `json:"size,omitempty"`
	Price         *float64 `json:"price,omitempty"`
	QualityOK     *bool    `json:"quality_ok,omitempty"`
}

// EntryResult is the structured answer to an EntryRequest.
type EntryResult struct {
	OK      bool           `json:"ok"`
	Reason  string         `json:"reason,omitempty"`
	TradeID string         `json:"trade_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}
