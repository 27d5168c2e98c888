package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
)

// Refresher fetches one book on demand, outside the streaming providers.
type Refresher interface {
	Refresh(ctx context.Context, tokenID string) (*domain.OrderBookSnapshot, error)
}

// mirrorQueue bounds the snapshots waiting for the external mirror.
const mirrorQueue = 256

// Status is the adapter view served on the health endpoint.
type Status struct {
	Running           bool                         `json:"running"`
	Providers         []domain.ProviderDiagnostics `json:"providers"`
	Subscriptions     int                          `json:"subscriptions"`
	CachedBooks       int                          `json:"cached_books"`
	Events            uint64                       `json:"events"`
	LastEventAt       time.Time                    `json:"last_event_at"`
	LastEventAgeSec   *float64                     `json:"last_event_age_s,omitempty"`
	BusDropped        uint64                       `json:"bus_dropped"`
	SubscribeErrors   uint64                       `json:"subscribe_errors"`
	UnsubscribeErrors uint64                       `json:"unsubscribe_errors"`
}

// Adapter owns the providers and routes their events into the cache, the
// bus and the optional book mirror.
type Adapter struct {
	cache     *Cache
	bus       *Bus
	logger    *slog.Logger
	providers []domain.MarketDataProvider
	fallback  Refresher
	mirror    domain.BookMirror
	metrics   *Metrics

	mu      sync.Mutex
	subs    map[string]struct{}
	running bool
	cancel  context.CancelFunc
	mirrorC chan domain.OrderBookSnapshot
	wg      sync.WaitGroup

	events    atomic.Uint64
	lastEvent atomic.Int64
	subErrs   atomic.Uint64
	unsubErrs atomic.Uint64
}

// NewAdapter wires providers to cache and bus. Nil providers are skipped.
func NewAdapter(cache *Cache, bus *Bus, logger *slog.Logger, providers ...domain.MarketDataProvider) *Adapter {
	a := &Adapter{
		cache:  cache,
		bus:    bus,
		logger: logger.With(slog.String("component", "marketdata")),
		subs:   make(map[string]struct{}),
	}
	for _, p := range providers {
		if p != nil {
			a.providers = append(a.providers, p)
		}
	}
	return a
}

// WithFallback sets the on-demand book source used by Refresh.
func (a *Adapter) WithFallback(r Refresher) *Adapter { a.fallback = r; return a }

// WithMirror copies every book snapshot to m asynchronously.
func (a *Adapter) WithMirror(m domain.BookMirror) *Adapter { a.mirror = m; return a }

func (a *Adapter) WithMetrics(m *Metrics) *Adapter { a.metrics = m; return a }

// Start starts every provider. It is a no-op when already running.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	ctx, a.cancel = context.WithCancel(ctx)
	if a.mirror != nil {
		a.mirrorC = make(chan domain.OrderBookSnapshot, mirrorQueue)
		a.wg.Add(1)
		go a.runMirror(ctx, a.mirrorC)
	}
	a.mu.Unlock()

	if len(a.providers) == 0 {
		a.logger.Warn("no market data providers configured")
		return nil
	}
	for _, p := range a.providers {
		if err := p.Start(ctx, a.handle); err != nil {
			a.logger.Error("provider start failed",
				slog.String("provider", p.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		a.logger.Info("provider started", slog.String("provider", p.Name()))
	}
	if ids := a.Subscriptions(); len(ids) > 0 {
		for _, p := range a.providers {
			if err := p.Subscribe(ctx, ids...); err != nil {
				a.subErrs.Add(1)
				a.metrics.subscribeError()
			}
		}
	}
	return nil
}

// Stop stops every provider and drains the mirror. Safe to call repeatedly.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	mirrorC := a.mirrorC
	a.mirrorC = nil
	a.mu.Unlock()

	for _, p := range a.providers {
		if err := p.Stop(); err != nil {
			a.logger.Warn("provider stop failed",
				slog.String("provider", p.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
	cancel()
	if mirrorC != nil {
		close(mirrorC)
	}
	a.wg.Wait()
}

// Subscribe adds tokenID to the subscription set and asks every provider
// for it. Failures are counted and logged; the joined error is returned for
// callers that surface it (the admin API).
func (a *Adapter) Subscribe(ctx context.Context, tokenID string) error {
	if tokenID == "" {
		return fmt.Errorf("marketdata: subscribe: empty token id")
	}
	a.mu.Lock()
	_, had := a.subs[tokenID]
	a.subs[tokenID] = struct{}{}
	running := a.running
	a.mu.Unlock()

	if len(a.providers) == 0 {
		a.subErrs.Add(1)
		a.metrics.subscribeError()
		return fmt.Errorf("marketdata: subscribe %s: %w", tokenID, domain.ErrNoProvider)
	}
	if had || !running {
		return nil
	}

	var errs []error
	for _, p := range a.providers {
		if err := p.Subscribe(ctx, tokenID); err != nil {
			a.subErrs.Add(1)
			a.metrics.subscribeError()
			a.logger.Warn("provider subscribe failed",
				slog.String("provider", p.Name()),
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	if a.fallback != nil && a.cache.Get(tokenID) == nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := a.fallback.Refresh(rctx, tokenID); err != nil {
				a.logger.Debug("initial book fetch failed", slog.String("token_id", tokenID), slog.String("error", err.Error()))
			}
		}()
	}
	return errors.Join(errs...)
}

// Unsubscribe removes tokenID everywhere. Failures are counted, never
// returned.
func (a *Adapter) Unsubscribe(ctx context.Context, tokenID string) {
	a.mu.Lock()
	_, had := a.subs[tokenID]
	delete(a.subs, tokenID)
	a.mu.Unlock()
	if !had {
		return
	}
	for _, p := range a.providers {
		if err := p.Unsubscribe(ctx, tokenID); err != nil {
			a.unsubErrs.Add(1)
			a.metrics.unsubscribeError()
			a.logger.Warn("provider unsubscribe failed",
				slog.String("provider", p.Name()),
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Subscriptions returns the current set, sorted.
func (a *Adapter) Subscriptions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.subs))
	for id := range a.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GetOrderBook returns the cached book without doing any I/O.
func (a *Adapter) GetOrderBook(tokenID string) *domain.OrderBookSnapshot {
	return a.cache.Get(tokenID)
}

// Refresh fetches a fresh book through the fallback. The fallback emits the
// result through the normal event path as well.
func (a *Adapter) Refresh(ctx context.Context, tokenID string) (*domain.OrderBookSnapshot, error) {
	if a.fallback == nil {
		return nil, fmt.Errorf("marketdata: refresh %s: %w", tokenID, domain.ErrNoProvider)
	}
	snap, err := a.fallback.Refresh(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("marketdata: refresh %s: %w", tokenID, err)
	}
	return snap, nil
}

// LastEventAt is the receive time of the newest event, zero if none.
func (a *Adapter) LastEventAt() time.Time {
	if ns := a.lastEvent.Load(); ns > 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// Diagnostics returns every provider's diagnostics.
func (a *Adapter) Diagnostics() []domain.ProviderDiagnostics {
	out := make([]domain.ProviderDiagnostics, 0, len(a.providers))
	for _, p := range a.providers {
		d := p.Diagnostics()
		if d.Name == "" {
			d.Name = p.Name()
		}
		out = append(out, d)
	}
	return out
}

// BusDropped is the total number of events the bus discarded.
func (a *Adapter) BusDropped() uint64 {
	if a.bus == nil {
		return 0
	}
	return a.bus.TotalDropped()
}

// Status aggregates everything the health endpoint reports.
func (a *Adapter) Status(now time.Time) Status {
	a.mu.Lock()
	running := a.running
	nsubs := len(a.subs)
	a.mu.Unlock()

	st := Status{
		Running:           running,
		Providers:         a.Diagnostics(),
		Subscriptions:     nsubs,
		CachedBooks:       a.cache.Len(),
		Events:            a.events.Load(),
		LastEventAt:       a.LastEventAt(),
		BusDropped:        a.BusDropped(),
		SubscribeErrors:   a.subErrs.Load(),
		UnsubscribeErrors: a.unsubErrs.Load(),
	}
	if !st.LastEventAt.IsZero() {
		age := now.Sub(st.LastEventAt).Seconds()
		st.LastEventAgeSec = &age
	}
	return st
}

// handle is the EventHandler given to every provider.
func (a *Adapter) handle(ev domain.MarketEvent) {
	a.events.Add(1)
	a.lastEvent.Store(time.Now().UnixNano())
	a.metrics.event(ev.Kind)

	if ev.Book != nil && (ev.Kind == domain.EventBook || ev.Kind == domain.EventQuote) {
		a.cache.Put(*ev.Book)
		a.enqueueMirror(*ev.Book)
	}
	if a.bus != nil {
		a.bus.Publish(ev)
	}
}

func (a *Adapter) enqueueMirror(snap domain.OrderBookSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mirrorC == nil {
		return
	}
	select {
	case a.mirrorC <- snap:
	default:
		a.metrics.mirrorError()
	}
}

func (a *Adapter) runMirror(ctx context.Context, in <-chan domain.OrderBookSnapshot) {
	defer a.wg.Done()
	for snap := range in {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if err := a.mirror.SetSnapshot(wctx, snap); err != nil {
			a.metrics.mirrorError()
			a.logger.Debug("book mirror failed",
				slog.String("token_id", snap.TokenID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}
