package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/alanyoungcy/probebot/internal/store/filestore"
)

const mirrorKey = "killswitch"

// KillSwitch holds the entry-suspension cooldown. The local file is the
// source of truth; the mirror lets other processes and restarts on a fresh
// disk see an active cooldown.
type KillSwitch struct {
	path   string
	mirror domain.StateMirror
	logger *slog.Logger

	mu        sync.Mutex
	state     domain.KillSwitchState
	onTrigger func(reason string, until time.Time)
}

// NewKillSwitch returns a switch backed by path. mirror may be nil.
func NewKillSwitch(path string, mirror domain.StateMirror, logger *slog.Logger) *KillSwitch {
	return &KillSwitch{
		path:   path,
		mirror: mirror,
		logger: logger.With(slog.String("component", "killswitch")),
	}
}

// OnTrigger registers fn to run after every trip. fn must not block.
func (k *KillSwitch) OnTrigger(fn func(reason string, until time.Time)) {
	k.mu.Lock()
	k.onTrigger = fn
	k.mu.Unlock()
}

// Load reads the state file, falling back to the mirror when the file is
// absent.
func (k *KillSwitch) Load(ctx context.Context) error {
	var st domain.KillSwitchState
	found, err := filestore.ReadJSON(k.path, &st)
	if err != nil {
		return fmt.Errorf("risk: load kill switch: %w", err)
	}
	if !found && k.mirror != nil {
		payload, err := k.mirror.LoadState(ctx, mirrorKey)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			k.logger.Warn("kill switch mirror load failed", slog.String("error", err.Error()))
		default:
			if err := json.Unmarshal(payload, &st); err != nil {
				k.logger.Warn("kill switch mirror payload invalid", slog.String("error", err.Error()))
			}
		}
	}
	k.mu.Lock()
	k.state = st
	k.mu.Unlock()
	return nil
}

// State returns the current record.
func (k *KillSwitch) State() domain.KillSwitchState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Active reports whether a cooldown runs past now.
func (k *KillSwitch) Active(now time.Time) bool {
	return k.State().Active(now)
}

// Expired reports whether a cooldown was set and has run out.
func (k *KillSwitch) Expired(now time.Time) bool {
	st := k.State()
	return st.Until > 0 && !st.Active(now)
}

// Trigger starts a cooldown of d from now. The in-memory state changes even
// when persisting fails.
func (k *KillSwitch) Trigger(ctx context.Context, now time.Time, d time.Duration, reason string) error {
	st := domain.KillSwitchState{
		Until:       domain.UnixSeconds(now.Add(d)),
		Reason:      reason,
		LastTrigger: domain.UnixSeconds(now),
	}
	k.mu.Lock()
	k.state = st
	hook := k.onTrigger
	k.mu.Unlock()
	if hook != nil {
		hook(reason, st.UntilTime())
	}

	k.logger.Warn("kill switch triggered",
		slog.String("reason", reason),
		slog.Time("until", st.UntilTime()),
	)
	if k.mirror != nil {
		if payload, err := json.Marshal(st); err == nil {
			if err := k.mirror.SaveState(ctx, mirrorKey, payload, d); err != nil {
				k.logger.Warn("kill switch mirror save failed", slog.String("error", err.Error()))
			}
		}
	}
	if err := filestore.WriteJSON(k.path, st); err != nil {
		return fmt.Errorf("risk: persist kill switch: %w", err)
	}
	return nil
}

// Clear drops the cooldown and deletes the state file.
func (k *KillSwitch) Clear(ctx context.Context) error {
	k.mu.Lock()
	k.state = domain.KillSwitchState{}
	k.mu.Unlock()
	if k.mirror != nil {
		if err := k.mirror.SaveState(ctx, mirrorKey, []byte("{}"), time.Second); err != nil {
			k.logger.Warn("kill switch mirror clear failed", slog.String("error", err.Error()))
		}
	}
	if err := filestore.Remove(k.path); err != nil {
		return fmt.Errorf("risk: clear kill switch: %w", err)
	}
	return nil
}
