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

// TopicStream is the secondary provider on the real-time data service. It
// subscribes to one topic and narrows it with a comma-separated filter list,
// so every change resends the whole list.
type TopicStream struct {
	s     *session
	topic string

	mu   sync.Mutex
	subs map[string]struct{}
	emit domain.EventHandler
}

var _ domain.MarketDataProvider = (*TopicStream)(nil)

// NewTopicStream creates the provider for topic (e.g. "crypto_prices").
func NewTopicStream(cfg StreamConfig, topic string, logger *slog.Logger) *TopicStream {
	t := &TopicStream{topic: topic, subs: make(map[string]struct{})}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	t.s = &session{
		name:   "rtds",
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "topic_stream")),
	}
	t.s.onConnect = t.sendFilters
	t.s.onFrame = t.handleFrame
	t.s.keepalive = t.s.pingText("ping")
	return t
}

func (t *TopicStream) Name() string { return t.s.name }

func (t *TopicStream) Start(ctx context.Context, emit domain.EventHandler) error {
	t.mu.Lock()
	t.emit = emit
	t.mu.Unlock()
	t.s.start(ctx)
	return nil
}

func (t *TopicStream) Stop() error {
	t.s.stop()
	return nil
}

func (t *TopicStream) Subscribe(_ context.Context, tokenIDs ...string) error {
	if !t.update(tokenIDs, true) || !t.s.connected.Load() {
		return nil
	}
	if err := t.sendFilters(); err != nil {
		return err
	}
	return nil
}

func (t *TopicStream) Unsubscribe(_ context.Context, tokenIDs ...string) error {
	if !t.update(tokenIDs, false) || !t.s.connected.Load() {
		return nil
	}
	return t.sendFilters()
}

func (t *TopicStream) Diagnostics() domain.ProviderDiagnostics {
	t.mu.Lock()
	n := len(t.subs)
	t.mu.Unlock()
	return t.s.diagnostics(n)
}

func (t *TopicStream) update(ids []string, add bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for _, id := range ids {
		if id == "" {
			continue
		}
		_, present := t.subs[id]
		if add && !present {
			t.subs[id] = struct{}{}
			changed = true
		} else if !add && present {
			delete(t.subs, id)
			changed = true
		}
	}
	return changed
}

// sendFilters sends the current filter list. An empty list turns into an
// unsubscribe of the whole topic.
func (t *TopicStream) sendFilters() error {
	t.mu.Lock()
	ids := make([]string, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)

	cmd := topicCommand{
		Action:        "subscribe",
		Subscriptions: []topicSubscription{{Topic: t.topic, Type: "update", Filters: strings.Join(ids, ",")}},
	}
	if len(ids) == 0 {
		cmd.Action = "unsubscribe"
	}
	if err := t.s.writeJSON(cmd); err != nil {
		return err
	}
	if cmd.Action == "subscribe" {
		t.s.subSent.Add(1)
	} else {
		t.s.unsubSent.Add(1)
	}
	return nil
}

func (t *TopicStream) handleFrame(raw []byte) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || strings.EqualFold(trimmed, "pong") {
		return
	}
	ev, unknown, err := ParseTopicFrame(raw, time.Now())
	if err != nil {
		t.s.parseErrs.Add(1)
		t.s.sampleUnknown(raw, "parse_error")
		return
	}
	if unknown || ev == nil {
		t.s.sampleUnknown(raw, "unknown_payload")
		return
	}

	t.mu.Lock()
	emit := t.emit
	t.mu.Unlock()
	if emit != nil {
		t.s.messages.Add(1)
		emit(*ev)
	}
}
