package position

import (
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/alanyoungcy/probebot/internal/store/filestore"
)

// snapshot is the persisted manager state. Timestamps are unix seconds so
// idempotency survives restarts.
type snapshot struct {
	MarketLocks       map[string]string  `json:"market_locks"`
	ActionIdempotency map[string]float64 `json:"action_idempotency"`
	ActionCooldowns   map[string]float64 `json:"action_cooldowns"`
	ExitRequests      map[string]float64 `json:"exit_requests,omitempty"`
	Timestamp         string             `json:"timestamp"`
}

// StateStore reads and writes the manager snapshot file.
type StateStore struct {
	path string
}

func NewStateStore(path string) *StateStore { return &StateStore{path: path} }

func (s *StateStore) save(snap snapshot) error {
	return filestore.WriteJSON(s.path, snap)
}

func (s *StateStore) load() (snapshot, bool, error) {
	var snap snapshot
	found, err := filestore.ReadJSON(s.path, &snap)
	return snap, found, err
}

func toUnix(m map[string]time.Time) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = domain.UnixSeconds(v)
	}
	return out
}

func fromUnix(m map[string]float64) map[string]time.Time {
	out := make(map[string]time.Time, len(m))
	for k, v := range m {
		sec := int64(v)
		out[k] = time.Unix(sec, int64((v-float64(sec))*1e9))
	}
	return out
}
