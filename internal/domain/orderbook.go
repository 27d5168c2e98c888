package domain

import (
	"sort"
	"time"
)

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// TopOfBook carries explicit best-level fields reported by a venue. They take
// precedence over values derived from the level lists.
type TopOfBook struct {
	BestBid     *float64
	BestAsk     *float64
	BestBidSize *float64
	BestAskSize *float64
}

// OrderBookSnapshot is the last known book for one instrument. Snapshots are
// replaced wholesale on every update, never merged.
type OrderBookSnapshot struct {
	TokenID     string       `json:"token_id"`
	BestBid     *float64     `json:"best_bid,omitempty"`
	BestAsk     *float64     `json:"best_ask,omitempty"`
	BestBidSize *float64     `json:"best_bid_size,omitempty"`
	BestAskSize *float64     `json:"best_ask_size,omitempty"`
	Bids        []PriceLevel `json:"bids"`
	Asks        []PriceLevel `json:"asks"`
	Spread      *float64     `json:"spread,omitempty"`
	SpreadPct   *float64     `json:"spread_pct,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	Source      string       `json:"source"`
}

// NewOrderBookSnapshot builds a snapshot from raw levels. Bids are sorted
// descending and asks ascending; best levels come from top when set and from
// the sorted levels otherwise. Spread fields are only filled when both sides
// exist and the book is not crossed.
func NewOrderBookSnapshot(tokenID string, bids, asks []PriceLevel, top TopOfBook, ts time.Time, source string) OrderBookSnapshot {
	b := append([]PriceLevel(nil), bids...)
	a := append([]PriceLevel(nil), asks...)
	sort.SliceStable(b, func(i, j int) bool { return b[i].Price > b[j].Price })
	sort.SliceStable(a, func(i, j int) bool { return a[i].Price < a[j].Price })

	snap := OrderBookSnapshot{
		TokenID:     tokenID,
		Bids:        b,
		Asks:        a,
		BestBid:     top.BestBid,
		BestAsk:     top.BestAsk,
		BestBidSize: top.BestBidSize,
		BestAskSize: top.BestAskSize,
		Timestamp:   ts,
		Source:      source,
	}
	if snap.BestBid == nil && len(b) > 0 {
		snap.BestBid = Float(b[0].Price)
		if snap.BestBidSize == nil {
			snap.BestBidSize = Float(b[0].Size)
		}
	}
	if snap.BestAsk == nil && len(a) > 0 {
		snap.BestAsk = Float(a[0].Price)
		if snap.BestAskSize == nil {
			snap.BestAskSize = Float(a[0].Size)
		}
	}
	if snap.BestBid != nil && snap.BestAsk != nil && *snap.BestBid <= *snap.BestAsk && *snap.BestAsk > 0 {
		spread := *snap.BestAsk - *snap.BestBid
		snap.Spread = Float(spread)
		snap.SpreadPct = Float(spread / *snap.BestAsk)
	}
	return snap
}

// Mid returns the midpoint of the best levels, falling back to whichever side
// exists. ok is false when the book is empty.
func (s OrderBookSnapshot) Mid() (float64, bool) {
	switch {
	case s.BestBid != nil && s.BestAsk != nil:
		return (*s.BestBid + *s.BestAsk) / 2, true
	case s.BestBid != nil:
		return *s.BestBid, true
	case s.BestAsk != nil:
		return *s.BestAsk, true
	}
	return 0, false
}

// Age reports how old the snapshot is at now.
func (s OrderBookSnapshot) Age(now time.Time) time.Duration {
	if s.Timestamp.IsZero() {
		return 0
	}
	return now.Sub(s.Timestamp)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s OrderBookSnapshot) Clone() OrderBookSnapshot {
	out := s
	out.Bids = append([]PriceLevel(nil), s.Bids...)
	out.Asks = append([]PriceLevel(nil), s.Asks...)
	out.BestBid = copyFloat(s.BestBid)
	out.BestAsk = copyFloat(s.BestAsk)
	out.BestBidSize = copyFloat(s.BestBidSize)
	out.BestAskSize = copyFloat(s.BestAskSize)
	out.Spread = copyFloat(s.Spread)
	out.SpreadPct = copyFloat(s.SpreadPct)
	return out
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
