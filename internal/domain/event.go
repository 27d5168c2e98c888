package domain

import (
	"encoding/json"
	"time"
)

// EventKind classifies a normalized market event.
type EventKind string

const (
	EventBook  EventKind = "book"
	EventQuote EventKind = "quote"
	EventTrade EventKind = "trade"
)

// MarketEvent is the provider-neutral envelope every transport emits.
type MarketEvent struct {
	Timestamp time.Time          `json:"timestamp"`
	Kind      EventKind          `json:"kind"`
	TokenID   string             `json:"token_id"`
	BestBid   *float64           `json:"best_bid,omitempty"`
	BestAsk   *float64           `json:"best_ask,omitempty"`
	SpreadPct *float64           `json:"spread_pct,omitempty"`
	Price     *float64           `json:"price,omitempty"`
	Book      *OrderBookSnapshot `json:"book,omitempty"`
	Source    string             `json:"source"`
	Raw       json.RawMessage    `json:"raw,omitempty"`
}

// BookEvent wraps a snapshot into an event of the given kind, copying the
// top-of-book fields onto the envelope.
func BookEvent(kind EventKind, snap OrderBookSnapshot, raw json.RawMessage) MarketEvent {
	return MarketEvent{
		Timestamp: snap.Timestamp,
		Kind:      kind,
		TokenID:   snap.TokenID,
		BestBid:   snap.BestBid,
		BestAsk:   snap.BestAsk,
		SpreadPct: snap.SpreadPct,
		Book:      &snap,
		Source:    snap.Source,
		Raw:       raw,
	}
}
