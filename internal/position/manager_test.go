package position

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	m      *Manager
	clk    *clock
	dir    string
	ledger *Ledger
	state  *StateStore
}

func newFixture(t *testing.T, dir string) *fixture {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	f := &fixture{
		clk:    &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		dir:    dir,
		ledger: NewLedger(filepath.Join(dir, "ledger.jsonl")),
		state:  NewStateStore(filepath.Join(dir, "state.json")),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.m = NewManager(Config{ConfirmTimeout: 30 * time.Second}, Deps{State: f.state, Ledger: f.ledger}, logger)
	f.m.now = f.clk.now
	require.NoError(t, f.m.Restore())
	return f
}

func (f *fixture) open(t *testing.T, market string, price float64) *domain.Trade {
	t.Helper()
	tr, err := f.m.CreateTrade(context.Background(), CreateParams{
		MarketID: market,
		TokenID:  "tok-" + market,
		Side:     domain.SideUp,
		Size:     10,
		Price:    domain.Float(price),
	})
	require.NoError(t, err)
	return tr
}

func TestCreateTradeLocksMarket(t *testing.T) {
	f := newFixture(t, "")
	tr := f.open(t, "m1", 0.5)
	assert.Equal(t, domain.StatusPending, tr.Status)
	assert.Regexp(t, `^trade_\d+_[0-9a-f]{8}$`, tr.ID)

	_, err := f.m.CreateTrade(context.Background(), CreateParams{MarketID: "m1", Size: 1, Price: domain.Float(0.4)})
	require.ErrorIs(t, err, domain.ErrMarketLocked)

	_, err = f.m.CreateTrade(context.Background(), CreateParams{MarketID: "m2", Size: 1, Price: domain.Float(0.4)})
	require.NoError(t, err)
	assert.Equal(t, 2, f.m.Stats().LockedMarkets)
}

func TestCreateTradeRejectsBadInput(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.m.CreateTrade(context.Background(), CreateParams{MarketID: "m1", Size: 1, Price: domain.Float(1.2)})
	require.ErrorIs(t, err, domain.ErrInvalidPrice)
	_, err = f.m.CreateTrade(context.Background(), CreateParams{MarketID: "m1", Size: 1})
	require.ErrorIs(t, err, domain.ErrInvalidPrice)
	_, err = f.m.CreateTrade(context.Background(), CreateParams{MarketID: "m1", Size: 0, Price: domain.Float(0.5)})
	require.ErrorIs(t, err, domain.ErrInvalidSize)
	assert.Empty(t, f.m.List())
}

func TestConfirmAddIsIdempotent(t *testing.T) {
	f := newFixture(t, "")
	tr := f.open(t, "m1", 0.5)

	res := f.m.ProcessConfirmation(context.Background(), tr.ID, domain.ActionAdd, "a1", domain.Float(10))
	require.True(t, res.OK, res.Message)
	assert.Equal(t, domain.StatusAdded, res.Status)

	again := f.m.ProcessConfirmation(context.Background(), tr.ID, domain.ActionAdd, "a1", domain.Float(10))
	assert.True(t, again.OK)
	assert.True(t, again.AlreadyHandled)

	got, ok := f.m.Get(tr.ID)
	require.True(t, ok)
	assert.InDelta(t, 20, got.TotalSize, 1e-9)
	assert.InDelta(t, 0.5, got.EntryPrice, 1e-9)
}

func TestConfirmAddValidation(t *testing.T) {
	f := newFixture(t, "")
	tr := f.open(t, "m1", 0.5)

	res := f.m.ProcessConfirmation(context.Background(), tr.ID, domain.ActionAdd, "a1", nil)
	assert.False(t, res.OK)
	assert.Equal(t, "missing_size", res.Reason)

	res = f.m.ProcessConfirmation(context.Background(), "nope", domain.ActionHedge, "a2", nil)
	assert.Equal(t, "not_found", res.Reason)
}

func TestConfirmCooldown(t *testing.T) {
	f := newFixture(t, "")
	tr := f.open(t, "m1", 0.5)

	require.True(t, f.m.ProcessConfirmation(context.Background(), tr.ID, domain.ActionHedge, "h1", nil).OK)
	res := f.m.ProcessConfirmation(context.Background(), tr.ID, domain.ActionHedge, "h2", nil)
	assert.False(t, res.OK)
	assert.Equal(t, "cooldown", res.Reason)

	f.clk.advance(3 * time.Second)
	assert.True(t, f.m.ProcessConfirmation(context.Background(), tr.ID, domain.ActionHedge, "h3", nil).OK)
}

func TestConfirmAfterTimeout(t *testing.T) {
	f := newFixture(t, "")
	tr := f.open(t, "m1", 0.5)
	f.clk.advance(31 * time.Second)

	res := f.m.ProcessConfirmation(context.Background(), tr.ID, domain.ActionAdd, "a1", domain.Float(1))
	assert.False(t, res.OK)
	assert.Equal(t, domain.StatusTimeout, res.Status)

	_, err := f.m.CreateTrade(context.Background(), CreateParams{MarketID: "m1", Size: 1, Price: domain.Float(0.5)})
	require.NoError(t, err, "timeout releases the market lock")
}

func TestExitTradeOnce(t *testing.T) {
	f := newFixture(t, "")
	tr := f.open(t, "m1", 0.5)

	res := f.m.ExitTrade(context.Background(), tr.ID, 0.6, "take_profit", "x1")
	require.True(t, res.OK)
	assert.False(t, res.AlreadyHandled)
	assert.InDelta(t, 1.0, res.RealizedPnL, 1e-9)

	again := f.m.ExitTrade(context.Background(), tr.ID, 0.7, "take_profit", "x2")
	assert.True(t, again.AlreadyHandled)
	assert.Equal(t, "already_exited", again.Message)
	assert.InDelta(t, 1.0, again.RealizedPnL, 1e-9)

	closed, err := f.ledger.ClosedTrades(10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, tr.ID, closed[0].TradeID)
}

func TestExitTradeConcurrent(t *testing.T) {
	f := newFixture(t, "")
	tr := f.open(t, "m1", 0.5)

	var wg sync.WaitGroup
	results := make([]domain.ExitResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.m.ExitTrade(context.Background(), tr.ID, 0.4, "stop", "")
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, r := range results {
		require.True(t, r.OK)
		if !r.AlreadyHandled {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	recs, _, err := f.ledger.Records()
	require.NoError(t, err)
	closes := 0
	for _, r := range recs {
		if r.Event == domain.LedgerClose {
			closes++
		}
	}
	assert.Equal(t, 1, closes)
}

func TestExitTradeDownSide(t *testing.T) {
	f := newFixture(t, "")
	tr, err := f.m.CreateTrade(context.Background(), CreateParams{
		MarketID: "m1", Side: domain.SideDown, Size: 10, Price: domain.Float(0.5),
	})
	require.NoError(t, err)
	res := f.m.ExitTrade(context.Background(), tr.ID, 0.4, "tp", "")
	assert.InDelta(t, 1.0, res.RealizedPnL, 1e-9)
}

func TestExitFailedTradeRejected(t *testing.T) {
	f := newFixture(t, "")
	tr := f.open(t, "m1", 0.5)
	require.True(t, f.m.MarkFailed(tr.ID, "order_rejected"))
	assert.False(t, f.m.MarkFailed(tr.ID, "again"))

	res := f.m.ExitTrade(context.Background(), tr.ID, 0.5, "manual", "")
	assert.False(t, res.OK)
	assert.Equal(t, "not_open", res.Message)
}

func TestSweepTimesOutPending(t *testing.T) {
	f := newFixture(t, "")
	a := f.open(t, "m1", 0.5)
	b := f.open(t, "m2", 0.5)
	require.True(t, f.m.ProcessConfirmation(context.Background(), b.ID, domain.ActionHedge, "h", nil).OK)

	var events []domain.TradeEventType
	f.m.OnEvent(func(ev domain.TradeEvent) { events = append(events, ev.Type) })

	assert.Equal(t, 0, f.m.Sweep(f.clk.now().Add(10*time.Second)))
	assert.Equal(t, 1, f.m.Sweep(f.clk.now().Add(31*time.Second)))

	got, _ := f.m.Get(a.ID)
	assert.Equal(t, domain.StatusTimeout, got.Status)
	assert.Equal(t, []domain.TradeEventType{domain.TradeTimedOut}, events)
	assert.Equal(t, []string{"tok-m2"}, f.m.ActiveTokens())
	assert.Empty(t, f.m.PendingTokens())

	closed, err := f.ledger.ClosedTrades(10)
	require.NoError(t, err)
	assert.Empty(t, closed, "timeouts are not performance samples")
}

func TestUpdatePnLTracksExcursions(t *testing.T) {
	f := newFixture(t, "")
	tr := f.open(t, "m1", 0.5)
	f.m.UpdatePnL(tr.ID, 0.45)
	f.m.MarkAll(func(string) (float64, bool) { return 0.58, true })

	got, _ := f.m.Get(tr.ID)
	assert.InDelta(t, 0.8, got.UnrealizedPnL, 1e-9)
	assert.InDelta(t, -0.5, got.MAE, 1e-9)
	assert.InDelta(t, 0.8, got.MFE, 1e-9)

	res := f.m.ProcessConfirmation(context.Background(), tr.ID, domain.ActionExit, "e1", nil)
	require.True(t, res.OK)
	got, _ = f.m.Get(tr.ID)
	assert.InDelta(t, 0.8, got.RealizedPnL, 1e-9)
	assert.InDelta(t, 0.8, f.m.Stats().RealizedPnL, 1e-9)
}

func TestRestoreRehydratesOpenTrades(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir)
	open := f.open(t, "m1", 0.5)
	done := f.open(t, "m2", 0.5)
	f.m.ProcessConfirmation(context.Background(), open.ID, domain.ActionHedge, "seen-action", nil)
	f.m.ExitTrade(context.Background(), done.ID, 0.6, "tp", "")
	f.m.Flush()

	g := newFixture(t, dir)
	active := g.m.ActiveTrades()
	require.Len(t, active, 1)
	assert.Equal(t, open.ID, active[0].ID)
	assert.Equal(t, domain.StatusPending, active[0].Status)
	assert.Equal(t, time.Duration(0), active[0].Timeout)

	assert.Equal(t, 0, g.m.Sweep(g.clk.now().Add(24*time.Hour)), "rehydrated trades never time out")

	_, err := g.m.CreateTrade(context.Background(), CreateParams{MarketID: "m1", Size: 1, Price: domain.Float(0.5)})
	require.ErrorIs(t, err, domain.ErrMarketLocked)

	res := g.m.ProcessConfirmation(context.Background(), open.ID, domain.ActionHedge, "seen-action", nil)
	assert.True(t, res.AlreadyHandled, "idempotency keys survive restart")
}

func TestDebouncedSave(t *testing.T) {
	f := newFixture(t, "")
	tr := f.open(t, "m1", 0.5)

	f.m.ProcessConfirmation(context.Background(), tr.ID, domain.ActionHedge, "h1", nil)
	snap, found, err := f.state.load()
	require.NoError(t, err)
	require.True(t, found)
	assert.NotContains(t, snap.ActionIdempotency, "h1", "write inside the debounce window is deferred")

	f.m.Flush()
	snap, _, err = f.state.load()
	require.NoError(t, err)
	assert.Contains(t, snap.ActionIdempotency, "h1")
	assert.Equal(t, tr.ID, snap.MarketLocks["m1"])
}

func (f *fixture) closeRecords(t *testing.T, tradeID string) int {
	t.Helper()
	recs, _, err := f.ledger.Records()
	require.NoError(t, err)
	n := 0
	for _, r := range recs {
		if r.Event == domain.LedgerClose && r.TradeID == tradeID {
			n++
		}
	}
	return n
}

func TestExitTimedOutTradeRejected(t *testing.T) {
	f := newFixture(t, "")
	tr := f.open(t, "m1", 0.5)
	f.clk.advance(time.Minute)
	require.Equal(t, 1, f.m.Sweep(f.clk.now()))

	res := f.m.ExitTrade(context.Background(), tr.ID, 0.3, "manual", "")
	assert.False(t, res.OK)
	assert.Equal(t, "not_open", res.Message)
	assert.Equal(t, domain.StatusTimeout, res.Status)

	got, _ := f.m.Get(tr.ID)
	assert.Equal(t, domain.StatusTimeout, got.Status)
	assert.Zero(t, got.RealizedPnL)
	assert.Equal(t, 1, f.closeRecords(t, tr.ID))
}

func TestExitRequestIDsSeparateFromActionIDs(t *testing.T) {
	f := newFixture(t, "")
	a := f.open(t, "m1", 0.5)
	b := f.open(t, "m2", 0.5)

	require.True(t, f.m.ProcessConfirmation(context.Background(), a.ID, domain.ActionHedge, "shared-id", nil).OK)

	res := f.m.ExitTrade(context.Background(), b.ID, 0.6, "manual", "shared-id")
	require.True(t, res.OK)
	assert.False(t, res.AlreadyHandled)
	assert.Equal(t, domain.StatusExited, res.Status)

	f.m.Flush()
	snap, _, err := f.state.load()
	require.NoError(t, err)
	assert.Contains(t, snap.ExitRequests, "shared-id")
}

func TestApplyStops(t *testing.T) {
	f := newFixture(t, "")
	rules := StopRules{SoftStopAdverseMove: 0.10, TimeStop: 30 * time.Minute}
	up := f.open(t, "m1", 0.50)
	down, err := f.m.CreateTrade(context.Background(), CreateParams{
		MarketID: "m2", TokenID: "tok-m2", Side: domain.SideDown, Size: 10, Price: domain.Float(0.50),
	})
	require.NoError(t, err)
	require.True(t, f.m.ProcessConfirmation(context.Background(), up.ID, domain.ActionHedge, "h1", nil).OK)
	require.True(t, f.m.ProcessConfirmation(context.Background(), down.ID, domain.ActionHedge, "h2", nil).OK)

	marks := map[string]float64{"tok-m1": 0.45, "tok-m2": 0.55}
	markOf := func(id string) (float64, bool) { p, ok := marks[id]; return p, ok }
	noBid := func(string) (float64, bool) { return 0, false }

	assert.Equal(t, 0, f.m.ApplyStops(context.Background(), rules, markOf, markOf))

	marks["tok-m1"] = 0.39
	assert.Equal(t, 0, f.m.ApplyStops(context.Background(), rules, markOf, noBid), "no exit price keeps the trade open")
	assert.Equal(t, 1, f.m.ApplyStops(context.Background(), rules, markOf, markOf))
	got, _ := f.m.Get(up.ID)
	assert.Equal(t, domain.StatusExited, got.Status)
	assert.Equal(t, ReasonSoftStop, got.ExitReason)
	assert.InDelta(t, -1.1, got.RealizedPnL, 1e-9)

	f.clk.advance(31 * time.Minute)
	assert.Equal(t, 1, f.m.ApplyStops(context.Background(), rules, markOf, markOf))
	got, _ = f.m.Get(down.ID)
	assert.Equal(t, ReasonTimeStop, got.ExitReason)
	assert.Equal(t, 1, f.closeRecords(t, down.ID))

	assert.Equal(t, 0, f.m.ApplyStops(context.Background(), StopRules{}, markOf, markOf))
}

func TestStopRulesCheck(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rules := StopRules{SoftStopAdverseMove: 0.10}
	down := domain.Trade{Side: domain.SideDown, EntryPrice: 0.40, CreatedAt: now}

	_, fire := rules.Check(down, 0.30, now)
	assert.False(t, fire, "a falling price favours DOWN")
	reason, fire := rules.Check(down, 0.55, now)
	assert.True(t, fire)
	assert.Equal(t, ReasonSoftStop, reason)

	_, fire = rules.Check(down, 0.40, now.Add(24*time.Hour))
	assert.False(t, fire, "time stop disabled")
}
