// Package reconcile keeps the market-data subscription set equal to what
// open trades, pending confirmations and keep-alive grants need.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveSource lists tokens with open trades.
type ActiveSource interface {
	ActiveTokens() []string
}

// PendingSource lists tokens with trades awaiting confirmation.
type PendingSource interface {
	PendingTokens() []string
}

// Subscriber is the slice of the market-data adapter the loop drives.
type Subscriber interface {
	Subscriptions() []string
	Subscribe(ctx context.Context, tokenID string) error
	Unsubscribe(ctx context.Context, tokenID string)
	LastEventAt() time.Time
	BusDropped() uint64
}

// Config tunes the loop.
type Config struct {
	Interval         time.Duration
	MissingThreshold int
	SilenceWarnEvery time.Duration
}

// Plan is the set of actions for one cycle.
type Plan struct {
	Subscribe   []string
	Unsubscribe []string
}

// Reconciler computes and applies subscription plans. Tokens leave the set
// only after being undesired for MissingThreshold consecutive cycles.
type Reconciler struct {
	cfg     Config
	sub     Subscriber
	active  ActiveSource
	pending PendingSource
	keep    *KeepAlive
	logger  *slog.Logger
	errs    prometheus.Counter

	mu          sync.Mutex
	missing     map[string]int
	warnedNil   bool
	lastSilence time.Time
}

// New builds a reconciler. sub may be nil (monitor-less setups); every
// cycle is then skipped with a single warning. reg may be nil.
func New(cfg Config, sub Subscriber, active ActiveSource, pending PendingSource, keep *KeepAlive, logger *slog.Logger, reg prometheus.Registerer) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MissingThreshold < 1 {
		cfg.MissingThreshold = 3
	}
	if cfg.SilenceWarnEvery <= 0 {
		cfg.SilenceWarnEvery = 60 * time.Second
	}
	if keep == nil {
		keep = NewKeepAlive()
	}
	r := &Reconciler{
		cfg:     cfg,
		sub:     sub,
		active:  active,
		pending: pending,
		keep:    keep,
		logger:  logger.With(slog.String("component", "reconcile")),
		missing: make(map[string]int),
		errs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "probebot_reconcile_errors_total",
			Help: "Subscribe or unsubscribe actions that failed during reconciliation",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.errs)
	}
	return r
}

// KeepAlive returns the grant table so entry paths can extend it.
func (r *Reconciler) KeepAlive() *KeepAlive { return r.keep }

// Desired returns the union of every demand source with a per-token count
// of how many sources want it.
func (r *Reconciler) Desired(now time.Time) map[string]int {
	ref := make(map[string]int)
	add := func(ids []string) {
		for _, id := range ids {
			if id != "" {
				ref[id]++
			}
		}
	}
	if r.active != nil {
		add(r.active.ActiveTokens())
	}
	if r.pending != nil {
		add(r.pending.PendingTokens())
	}
	add(r.keep.Tokens(now))
	return ref
}

// Step diffs desired against current and advances the missing counters.
// It performs no I/O.
func (r *Reconciler) Step(now time.Time, current []string) (Plan, map[string]int) {
	desired := r.Desired(now)

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := make(map[string]struct{}, len(current))
	for _, id := range current {
		cur[id] = struct{}{}
	}

	var plan Plan
	for id := range desired {
		if _, ok := cur[id]; !ok {
			plan.Subscribe = append(plan.Subscribe, id)
		}
		delete(r.missing, id)
	}
	for id := range cur {
		if _, ok := desired[id]; ok {
			continue
		}
		r.missing[id]++
		if r.missing[id] >= r.cfg.MissingThreshold {
			plan.Unsubscribe = append(plan.Unsubscribe, id)
			delete(r.missing, id)
		}
	}
	// Tokens that left the subscription set by another path.
	for id := range r.missing {
		if _, ok := cur[id]; !ok {
			delete(r.missing, id)
		}
	}
	sort.Strings(plan.Subscribe)
	sort.Strings(plan.Unsubscribe)
	return plan, desired
}

// Missing returns the current counter for tokenID.
func (r *Reconciler) Missing(tokenID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.missing[tokenID]
}

// Run reconciles every Interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconcile loop started",
		slog.Duration("interval", r.cfg.Interval),
		slog.Int("missing_threshold", r.cfg.MissingThreshold),
	)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconcile loop stopped")
			return nil
		case now := <-ticker.C:
			r.Cycle(ctx, now)
		}
	}
}

// Cycle runs one reconciliation pass. A panic inside the pass is logged and
// counted so the loop keeps going.
func (r *Reconciler) Cycle(ctx context.Context, now time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			r.errs.Inc()
			r.logger.Error("reconcile cycle panicked", slog.String("panic", fmt.Sprint(rec)))
		}
	}()

	if r.sub == nil {
		r.mu.Lock()
		first := !r.warnedNil
		r.warnedNil = true
		r.mu.Unlock()
		if first {
			r.logger.Warn("no market data adapter; reconciliation disabled")
		}
		return
	}

	plan, ref := r.Step(now, r.sub.Subscriptions())
	for _, id := range plan.Subscribe {
		if err := r.sub.Subscribe(ctx, id); err != nil {
			r.errs.Inc()
			r.logger.Warn("reconcile subscribe failed",
				slog.String("token_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	for _, id := range plan.Unsubscribe {
		r.sub.Unsubscribe(ctx, id)
	}
	if len(plan.Subscribe) > 0 || len(plan.Unsubscribe) > 0 {
		r.logger.Info("reconciled subscriptions",
			slog.Int("subscribed", len(plan.Subscribe)),
			slog.Int("unsubscribed", len(plan.Unsubscribe)),
			slog.Int("desired", len(ref)),
		)
	}
	r.heartbeat(now)
}

func (r *Reconciler) heartbeat(now time.Time) {
	subs := len(r.sub.Subscriptions())
	last := r.sub.LastEventAt()
	attrs := []any{
		slog.Int("subs", subs),
		slog.Uint64("bus_dropped", r.sub.BusDropped()),
	}
	if !last.IsZero() {
		attrs = append(attrs, slog.Float64("last_msg_age_s", now.Sub(last).Seconds()))
	}
	r.logger.Debug("market data heartbeat", attrs...)

	silent := last.IsZero() || now.Sub(last) > r.cfg.SilenceWarnEvery
	if subs == 0 || !silent {
		return
	}
	r.mu.Lock()
	due := r.lastSilence.IsZero() || now.Sub(r.lastSilence) >= r.cfg.SilenceWarnEvery
	if due {
		r.lastSilence = now
	}
	r.mu.Unlock()
	if due {
		r.logger.Warn("subscribed but no market data arriving", attrs...)
	}
}
