package reconcile

import (
	"sort"
	"sync"
	"time"
)

// KeepAlive holds time-limited subscription grants for tokens that no trade
// owns yet, e.g. right after an entry request or an admin subscribe.
type KeepAlive struct {
	mu     sync.Mutex
	grants map[string]time.Time
	now    func() time.Time
}

func NewKeepAlive() *KeepAlive {
	return &KeepAlive{grants: make(map[string]time.Time), now: time.Now}
}

// Grant keeps tokenID desired for ttl. A later expiry extends an existing
// grant; an earlier one never shortens it.
func (k *KeepAlive) Grant(tokenID string, ttl time.Duration) {
	if tokenID == "" || ttl <= 0 {
		return
	}
	until := k.now().Add(ttl)
	k.mu.Lock()
	defer k.mu.Unlock()
	if cur, ok := k.grants[tokenID]; !ok || until.After(cur) {
		k.grants[tokenID] = until
	}
}

// Tokens prunes grants that expired before now and returns the rest.
func (k *KeepAlive) Tokens(now time.Time) []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.grants))
	for id, until := range k.grants {
		if !now.Before(until) {
			delete(k.grants, id)
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
