package marketdata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeProvider struct {
	name string

	mu       sync.Mutex
	emit     domain.EventHandler
	starts   int
	stops    int
	subs     []string
	unsubs   []string
	unsubErr error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Start(_ context.Context, emit domain.EventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit = emit
	f.starts++
	return nil
}

func (f *fakeProvider) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeProvider) Subscribe(_ context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, ids...)
	return nil
}

func (f *fakeProvider) Unsubscribe(_ context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, ids...)
	return f.unsubErr
}

func (f *fakeProvider) Diagnostics() domain.ProviderDiagnostics {
	return domain.ProviderDiagnostics{Name: f.name, Connected: true, RawMessages: 7}
}

func (f *fakeProvider) send(ev domain.MarketEvent) {
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()
	emit(ev)
}

type fakeMirror struct {
	mu    sync.Mutex
	snaps []domain.OrderBookSnapshot
}

func (m *fakeMirror) SetSnapshot(_ context.Context, s domain.OrderBookSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, s)
	return nil
}

func (m *fakeMirror) GetSnapshot(context.Context, string) (domain.OrderBookSnapshot, error) {
	return domain.OrderBookSnapshot{}, domain.ErrNotFound
}

func (m *fakeMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snaps)
}

func quote(token string, bid, ask float64) domain.MarketEvent {
	snap := domain.NewOrderBookSnapshot(token, nil, nil,
		domain.TopOfBook{BestBid: domain.Float(bid), BestAsk: domain.Float(ask)}, time.Now(), "ws")
	return domain.BookEvent(domain.EventQuote, snap, nil)
}

func TestBusDropsOldestAndCountsOverflow(t *testing.T) {
	bus := NewBus(8)
	c := bus.Register("slow", 3)

	for i := 0; i < 5; i++ {
		bus.Publish(domain.MarketEvent{TokenID: string(rune('a' + i))})
	}
	assert.Equal(t, uint64(2), c.Dropped())
	assert.Equal(t, 3, c.Len())

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, (<-c.C()).TokenID)
	}
	assert.Equal(t, []string{"c", "d", "e"}, got)
	assert.Equal(t, uint64(2), bus.TotalDropped())
}

func TestBusConsumersAreIndependent(t *testing.T) {
	bus := NewBus(8)
	fast := bus.Register("fast", 10)
	slow := bus.Register("slow", 1)
	assert.Same(t, fast, bus.Register("fast", 99))

	for i := 0; i < 4; i++ {
		bus.Publish(domain.MarketEvent{})
	}
	assert.Equal(t, uint64(0), fast.Dropped())
	assert.Equal(t, uint64(3), slow.Dropped())
	assert.Equal(t, map[string]uint64{"fast": 0, "slow": 3}, bus.Dropped())

	bus.Unregister("slow")
	assert.Equal(t, uint64(3), bus.TotalDropped())
	assert.Equal(t, []string{"fast"}, bus.Consumers())
}

func TestBusCloseClosesChannels(t *testing.T) {
	bus := NewBus(2)
	c := bus.Register("x", 0)
	bus.Close()
	bus.Close()
	bus.Publish(domain.MarketEvent{})
	_, ok := <-c.C()
	assert.False(t, ok)
}

func TestCacheReturnsCopies(t *testing.T) {
	cache := NewCache()
	assert.Nil(t, cache.Get("t"))

	snap := domain.NewOrderBookSnapshot("t", []domain.PriceLevel{{Price: 0.4, Size: 1}}, nil,
		domain.TopOfBook{}, time.Now().Add(-time.Second), "ws")
	cache.Put(snap)

	got := cache.Get("t")
	require.NotNil(t, got)
	got.Bids[0].Price = 0.99
	assert.InDelta(t, 0.4, cache.Get("t").Bids[0].Price, 1e-9)

	age, ok := cache.Age("t", time.Now())
	assert.True(t, ok)
	assert.GreaterOrEqual(t, age, time.Second)
	assert.Equal(t, 1, cache.Len())
}

func TestAdapterRoutesEventsToCacheBusAndMirror(t *testing.T) {
	cache, bus := NewCache(), NewBus(16)
	consumer := bus.Register("test", 16)
	p := &fakeProvider{name: "ws"}
	mirror := &fakeMirror{}
	a := NewAdapter(cache, bus, testLogger(), p, nil).WithMirror(mirror)

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	assert.Equal(t, 1, p.starts)

	p.send(quote("tok", 0.40, 0.42))

	book := a.GetOrderBook("tok")
	require.NotNil(t, book)
	assert.InDelta(t, 0.42, *book.BestAsk, 1e-9)

	select {
	case ev := <-consumer.C():
		assert.Equal(t, "tok", ev.TokenID)
	case <-time.After(time.Second):
		t.Fatal("event not published")
	}
	require.Eventually(t, func() bool { return mirror.count() == 1 }, time.Second, 5*time.Millisecond)

	st := a.Status(time.Now())
	assert.True(t, st.Running)
	assert.Equal(t, uint64(1), st.Events)
	assert.Equal(t, 1, st.CachedBooks)
	require.NotNil(t, st.LastEventAgeSec)
}

func TestAdapterSubscriptionSetSemantics(t *testing.T) {
	p := &fakeProvider{name: "ws", unsubErr: errors.New("socket gone")}
	a := NewAdapter(NewCache(), NewBus(4), testLogger(), p)

	require.NoError(t, a.Subscribe(context.Background(), "b"))
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Subscribe(context.Background(), "a"))
	require.NoError(t, a.Subscribe(context.Background(), "a"))
	assert.Equal(t, []string{"a", "b"}, a.Subscriptions())
	assert.Equal(t, []string{"b", "a"}, p.subs, "pre-start ids replayed once, duplicates ignored")

	a.Unsubscribe(context.Background(), "a")
	a.Unsubscribe(context.Background(), "missing")
	assert.Equal(t, []string{"b"}, a.Subscriptions())
	assert.Equal(t, []string{"a"}, p.unsubs)
	assert.Equal(t, uint64(1), a.Status(time.Now()).UnsubscribeErrors)

	a.Stop()
	a.Stop()
	assert.Equal(t, 1, p.stops)
}

func TestAdapterWithoutProviders(t *testing.T) {
	a := NewAdapter(NewCache(), NewBus(4), testLogger())
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	err := a.Subscribe(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrNoProvider)
	assert.Equal(t, uint64(1), a.Status(time.Now()).SubscribeErrors)

	_, err = a.Refresh(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrNoProvider)
	assert.Nil(t, a.GetOrderBook("x"))
}

func TestMetricsExposeProviderDiagnostics(t *testing.T) {
	reg := prometheus.NewRegistry()
	bus := NewBus(4)
	bus.Register("fast_entry", 1)
	p := &fakeProvider{name: "ws"}
	a := NewAdapter(NewCache(), bus, testLogger(), p)
	a.WithMetrics(NewMetrics(reg, a, bus))

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	p.send(quote("tok", 0.1, 0.2))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"probebot_md_raw_messages_total",
		"probebot_md_connected",
		"probebot_md_events_total",
		"probebot_bus_dropped_total",
		"probebot_md_active_subscriptions",
	} {
		assert.True(t, names[want], want)
	}
}
