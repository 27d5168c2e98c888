package polymarket

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
)

// MarketStream is the primary market-data provider: the CLOB market channel,
// subscribed per outcome token.
type MarketStream struct {
	s *session

	mu   sync.Mutex
	subs map[string]struct{}
	emit domain.EventHandler
}

var _ domain.MarketDataProvider = (*MarketStream)(nil)

// MarketChannelURL appends the market channel path to a websocket host.
func MarketChannelURL(host string) string {
	return strings.TrimRight(host, "/") + "/ws/market"
}

// NewMarketStream creates the provider. cfg.URL must be the full market
// channel URL.
func NewMarketStream(cfg StreamConfig, logger *slog.Logger) *MarketStream {
	m := &MarketStream{subs: make(map[string]struct{})}
	m.s = &session{
		name:   "ws",
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "market_stream")),
	}
	m.s.onConnect = m.handshake
	m.s.onFrame = m.handleFrame
	m.s.keepalive = m.s.pingControl
	return m
}

// Name implements domain.MarketDataProvider.
func (m *MarketStream) Name() string { return m.s.name }

// Start connects in the background. Calling it again is a no-op.
func (m *MarketStream) Start(ctx context.Context, emit domain.EventHandler) error {
	m.mu.Lock()
	m.emit = emit
	m.mu.Unlock()
	m.s.start(ctx)
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (m *MarketStream) Stop() error {
	m.s.stop()
	return nil
}

// Subscribe adds tokens to the subscription set and, when connected, sends
// a subscribe operation for the ones that are new.
func (m *MarketStream) Subscribe(_ context.Context, tokenIDs ...string) error {
	added := m.update(tokenIDs, true)
	if len(added) == 0 || !m.s.connected.Load() {
		return nil
	}
	if err := m.s.writeJSON(marketCommand{AssetIDs: added, Operation: "subscribe"}); err != nil {
		return err
	}
	m.s.subSent.Add(1)
	return nil
}

// Unsubscribe removes tokens from the subscription set and, when connected,
// sends an unsubscribe operation.
func (m *MarketStream) Unsubscribe(_ context.Context, tokenIDs ...string) error {
	removed := m.update(tokenIDs, false)
	if len(removed) == 0 || !m.s.connected.Load() {
		return nil
	}
	if err := m.s.writeJSON(marketCommand{AssetIDs: removed, Operation: "unsubscribe"}); err != nil {
		return err
	}
	m.s.unsubSent.Add(1)
	return nil
}

// Diagnostics implements domain.MarketDataProvider.
func (m *MarketStream) Diagnostics() domain.ProviderDiagnostics {
	m.mu.Lock()
	n := len(m.subs)
	m.mu.Unlock()
	return m.s.diagnostics(n)
}

// update applies set semantics and returns the ids that actually changed.
func (m *MarketStream) update(ids []string, add bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		_, present := m.subs[id]
		switch {
		case add && !present:
			m.subs[id] = struct{}{}
			changed = append(changed, id)
		case !add && present:
			delete(m.subs, id)
			changed = append(changed, id)
		}
	}
	return changed
}

func (m *MarketStream) snapshotSubs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// handshake replays the full subscription set on every new connection.
func (m *MarketStream) handshake() error {
	ids := m.snapshotSubs()
	if err := m.s.writeJSON(marketCommand{AssetIDs: ids, Type: "market"}); err != nil {
		return err
	}
	m.s.subSent.Add(1)
	return nil
}

func (m *MarketStream) handleFrame(raw []byte) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "PONG" || trimmed == "" {
		return
	}
	events, unknown, err := ParseMarketFrame(raw, time.Now())
	if err != nil {
		m.s.parseErrs.Add(1)
		m.s.sampleUnknown(raw, "parse_error")
		return
	}
	if unknown {
		m.s.sampleUnknown(raw, "unknown_type")
	}

	m.mu.Lock()
	emit := m.emit
	m.mu.Unlock()
	if emit == nil {
		return
	}
	for _, ev := range events {
		m.s.messages.Add(1)
		emit(ev)
	}
}
