package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
	"golang.org/x/time/rate"
)

// bookSource fetches a REST order book. *ClobClient satisfies it.
type bookSource interface {
	GetBook(ctx context.Context, tokenID string) (APIBook, error)
}

// BookPoller is the REST fallback provider. It has no connection of its own:
// the adapter calls Refresh when it needs a book, and Poll keeps subscribed
// tokens warm while the streams are down.
type BookPoller struct {
	src     bookSource
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	subs    map[string]struct{}
	emit    domain.EventHandler
	running atomic.Bool

	fetched   atomic.Uint64
	errs      atomic.Uint64
	lastFetch atomic.Int64
}

var _ domain.MarketDataProvider = (*BookPoller)(nil)

// NewBookPoller throttles src to rps requests per second with the given
// burst.
func NewBookPoller(src bookSource, rps float64, burst int, logger *slog.Logger) *BookPoller {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 1
	}
	return &BookPoller{
		src:     src,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger.With(slog.String("component", "book_poller")),
		subs:    make(map[string]struct{}),
	}
}

func (p *BookPoller) Name() string { return "rest" }

func (p *BookPoller) Start(_ context.Context, emit domain.EventHandler) error {
	p.mu.Lock()
	p.emit = emit
	p.mu.Unlock()
	p.running.Store(true)
	return nil
}

func (p *BookPoller) Stop() error {
	p.running.Store(false)
	return nil
}

func (p *BookPoller) Subscribe(_ context.Context, tokenIDs ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range tokenIDs {
		if id != "" {
			p.subs[id] = struct{}{}
		}
	}
	return nil
}

func (p *BookPoller) Unsubscribe(_ context.Context, tokenIDs ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range tokenIDs {
		delete(p.subs, id)
	}
	return nil
}

// Refresh fetches one book and emits it as a single book event. It returns
// the snapshot so callers can use it without waiting for the bus.
func (p *BookPoller) Refresh(ctx context.Context, tokenID string) (*domain.OrderBookSnapshot, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("polymarket/rest: throttle: %w", err)
	}
	book, err := p.src.GetBook(ctx, tokenID)
	if err != nil {
		p.errs.Add(1)
		return nil, err
	}
	now := time.Now()
	p.fetched.Add(1)
	p.lastFetch.Store(now.UnixNano())

	snap := book.ToSnapshot(tokenID, now, "rest")
	p.mu.Lock()
	emit := p.emit
	p.mu.Unlock()
	if emit != nil && p.running.Load() {
		emit(domain.BookEvent(domain.EventBook, snap, nil))
	}
	return &snap, nil
}

// Poll refreshes every subscribed token each interval until ctx ends.
func (p *BookPoller) Poll(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, id := range p.subscribed() {
			if _, err := p.Refresh(ctx, id); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Debug("book refresh failed", slog.String("token_id", id), slog.String("error", err.Error()))
			}
		}
	}
}

func (p *BookPoller) subscribed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *BookPoller) Diagnostics() domain.ProviderDiagnostics {
	d := domain.ProviderDiagnostics{
		Name:        "rest",
		Connected:   p.running.Load(),
		RawMessages: p.fetched.Load(),
		Messages:    p.fetched.Load(),
		ParseErrors: p.errs.Load(),
		Subscribed:  len(p.subscribed()),
	}
	if ns := p.lastFetch.Load(); ns > 0 {
		d.LastMessageAt = time.Unix(0, ns)
	}
	return d
}
