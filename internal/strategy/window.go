package strategy

import (
	"sync"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
)

const maxWindowPoints = 1000

// PricePoint is one observation of a token's top of book.
type PricePoint struct {
	TS    time.Time
	Price float64
	Bid   float64
	Ask   float64
	Mid   float64
}

// PointFromBook builds a point from a snapshot. ok is false when the book has
// no usable mid.
func PointFromBook(snap domain.OrderBookSnapshot) (PricePoint, bool) {
	mid, ok := snap.Mid()
	if !ok || mid <= 0 {
		return PricePoint{}, false
	}
	p := PricePoint{TS: snap.Timestamp, Price: mid, Mid: mid}
	if snap.BestBid != nil {
		p.Bid = *snap.BestBid
	}
	if snap.BestAsk != nil {
		p.Ask = *snap.BestAsk
		p.Price = *snap.BestAsk
	}
	if p.TS.IsZero() {
		p.TS = time.Now()
	}
	return p, true
}

// Window keeps the points of one token no older than span behind the newest.
type Window struct {
	span   time.Duration
	points []PricePoint
}

func NewWindow(span time.Duration) *Window {
	return &Window{span: span}
}

// Add appends p, evicts expired points and returns the oldest and newest
// points left.
func (w *Window) Add(p PricePoint) (oldest, newest PricePoint, n int) {
	w.points = append(w.points, p)
	cutoff := p.TS.Add(-w.span)
	drop := 0
	for drop < len(w.points)-1 && w.points[drop].TS.Before(cutoff) {
		drop++
	}
	if over := len(w.points) - maxWindowPoints; over > drop {
		drop = over
	}
	if drop > 0 {
		w.points = append(w.points[:0], w.points[drop:]...)
	}
	return w.points[0], w.points[len(w.points)-1], len(w.points)
}

// Len is the number of points held.
func (w *Window) Len() int { return len(w.points) }

// windows is the per-token window set shared by the detector.
type windows struct {
	span time.Duration
	mu   sync.Mutex
	m    map[string]*Window
}

func (ws *windows) add(tokenID string, p PricePoint) (oldest, newest PricePoint, n int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w, ok := ws.m[tokenID]
	if !ok {
		w = NewWindow(ws.span)
		ws.m[tokenID] = w
	}
	return w.Add(p)
}
