package executor

import (
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
)

// Dedup remembers signal keys for a TTL. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats a key as duplicate within ttl of its
// first sighting.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// SignalKey combines an upstream signal id with its direction, since one
// alert id can carry both a bull and a bear leg.
func SignalKey(signalID string, side domain.Side) string {
	dir := "BULL"
	if side == domain.SideDown {
		dir = "BEAR"
	}
	return strings.TrimSpace(signalID) + "-" + dir
}

// IsDuplicate reports whether key was seen within the TTL and records it
// otherwise. An empty key is never a duplicate.
func (d *Dedup) IsDuplicate(key string) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if lastSeen, ok := d.seen[key]; ok && now.Sub(lastSeen) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Cleanup drops expired keys.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}

// Len is the number of remembered keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
