package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
)

// MarketLister lists open markets by slug prefix.
type MarketLister interface {
	ListActiveMarkets(ctx context.Context, prefix string, limit int) ([]domain.Market, error)
}

// Granter keeps a token subscribed for a while without an owning trade.
type Granter interface {
	Grant(tokenID string, ttl time.Duration)
}

// Discovery periodically finds the current markets for a slug prefix and
// hands their tokens to the entry engine and the subscription keep-alive.
type Discovery struct {
	lister MarketLister
	prefix string
	limit  int
	every  time.Duration
	fe     *FastEntry
	keep   Granter
	logger *slog.Logger
}

func NewDiscovery(lister MarketLister, prefix string, every time.Duration, fe *FastEntry, keep Granter, logger *slog.Logger) *Discovery {
	if every <= 0 {
		every = time.Minute
	}
	return &Discovery{
		lister: lister,
		prefix: prefix,
		limit:  20,
		every:  every,
		fe:     fe,
		keep:   keep,
		logger: logger.With(slog.String("component", "discovery")),
	}
}

// Discover runs one lookup and returns the number of tokens now watched from
// it. Tokens of markets that dropped out are unwatched.
func (d *Discovery) Discover(ctx context.Context) (int, error) {
	markets, err := d.lister.ListActiveMarkets(ctx, d.prefix, d.limit)
	if err != nil {
		return 0, fmt.Errorf("strategy: discover %q: %w", d.prefix, err)
	}
	current := make(map[string]struct{})
	for _, m := range markets {
		for _, id := range m.TokenIDs {
			if id == "" {
				continue
			}
			current[id] = struct{}{}
			d.fe.Watch(id)
			if d.keep != nil {
				d.keep.Grant(id, 2*d.every)
			}
		}
	}
	for _, id := range d.fe.Watched() {
		if _, ok := current[id]; !ok {
			d.fe.Unwatch(id)
		}
	}
	return len(current), nil
}

// Run discovers immediately and then every interval until ctx ends.
func (d *Discovery) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.every)
	defer ticker.Stop()
	for {
		n, err := d.Discover(ctx)
		if err != nil {
			d.logger.Warn("market discovery failed", slog.String("error", err.Error()))
		} else {
			d.logger.Debug("markets discovered", slog.Int("tokens", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
