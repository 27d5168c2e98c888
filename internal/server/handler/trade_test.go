package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/alanyoungcy/probebot/internal/executor"
	"github.com/alanyoungcy/probebot/internal/position"
	"github.com/alanyoungcy/probebot/internal/risk"
)

type fakePlacer struct {
	decision risk.Decision
	err      error
	orders   []domain.Order
}

func (f *fakePlacer) PlaceEntry(_ context.Context, _ risk.EntryCheck, o domain.Order) (risk.Decision, domain.OrderResult, error) {
	f.orders = append(f.orders, o)
	if f.err != nil {
		return risk.Decision{Reason: "execute_error"}, domain.OrderResult{}, f.err
	}
	if !f.decision.Allowed {
		return f.decision, domain.OrderResult{}, nil
	}
	return f.decision, domain.OrderResult{Success: true, OrderID: "o1", FilledPrice: o.Price, FilledSize: o.Size}, nil
}

type counter map[string]int

func (c counter) CountRejection(reason string) { c[reason]++ }

type books map[string]*domain.OrderBookSnapshot

func (b books) GetOrderBook(id string) *domain.OrderBookSnapshot { return b[id] }

type grants map[string]time.Duration

func (g grants) Grant(tokenID string, ttl time.Duration) { g[tokenID] = ttl }

type fixture struct {
	h       *TradeHandler
	mgr     *position.Manager
	placer  *fakePlacer
	counter counter
	grants  grants
	mux     *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	f := &fixture{
		mgr:     position.NewManager(position.Config{}, position.Deps{}, logger),
		placer:  &fakePlacer{decision: risk.Decision{Allowed: true}},
		counter: counter{},
		grants:  grants{},
	}
	f.h = NewTradeHandler(TradeConfig{DefaultSize: 5}, TradeDeps{
		Manager: f.mgr,
		Placer:  f.placer,
		Counter: f.counter,
		Dedup:   executor.NewDedup(30 * time.Minute),
		Books: books{"tok": {
			TokenID: "tok",
			BestBid: domain.Float(0.48),
			BestAsk: domain.Float(0.50),
		}},
		Keep: f.grants,
	}, logger)
	f.mux = http.NewServeMux()
	f.mux.HandleFunc("POST /api/entry", f.h.Entry)
	f.mux.HandleFunc("POST /api/confirm", f.h.Confirm)
	f.mux.HandleFunc("POST /api/trades/{id}/exit", f.h.Exit)
	f.mux.HandleFunc("GET /api/trades", f.h.List)
	f.mux.HandleFunc("GET /api/trades/{id}", f.h.Get)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func (f *fixture) enter(t *testing.T, market string) string {
	t.Helper()
	rec, out := f.do(t, http.MethodPost, "/api/entry", map[string]any{
		"token_id": "tok", "market_id": market, "side": "UP", "confidence": 5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, out["ok"])
	return out["trade_id"].(string)
}

func TestEntryOpensTrade(t *testing.T) {
	f := newFixture(t)
	id := f.enter(t, "m1")

	tr, ok := f.mgr.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusPending, tr.Status)
	assert.Equal(t, 0.50, tr.EntryPrice)
	assert.Equal(t, 5.0, tr.TotalSize)
	assert.Equal(t, "api", tr.Source)
	assert.Contains(t, f.grants, "tok")
	require.Len(t, f.placer.orders, 1)
	assert.Equal(t, domain.OrderTypeFOK, f.placer.orders[0].Type)
}

func TestEntryValidation(t *testing.T) {
	cases := []struct {
		name   string
		body   map[string]any
		status int
		reason string
	}{
		{"bad side", map[string]any{"token_id": "tok", "market_id": "m", "side": "SIDEWAYS"}, 400, "invalid_side"},
		{"confidence high", map[string]any{"token_id": "tok", "market_id": "m", "side": "UP", "confidence": 11}, 400, "invalid_confidence"},
		{"confidence negative", map[string]any{"token_id": "tok", "market_id": "m", "side": "UP", "confidence": -1}, 400, "invalid_confidence"},
		{"missing token", map[string]any{"market_id": "m", "side": "UP"}, 400, "missing_token_id"},
		{"no price", map[string]any{"token_id": "other", "market_id": "m", "side": "UP"}, 200, "no_price"},
		{"no market", map[string]any{"token_id": "tok", "side": "UP"}, 200, "market_lookup_failed"},
		{"price above one", map[string]any{"token_id": "tok", "market_id": "m", "side": "UP", "price": 1.2}, 400, "invalid_price"},
		{"price zero", map[string]any{"token_id": "tok", "market_id": "m", "side": "UP", "price": 0}, 400, "invalid_price"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			rec, out := f.do(t, http.MethodPost, "/api/entry", tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.reason, out["reason"])
			assert.Equal(t, 1, f.counter[tc.reason])
			assert.Empty(t, f.placer.orders)
		})
	}
}

func TestEntryMalformedBodyIsCounted(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/entry", bytes.NewBufferString("{not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, f.counter["malformed_request"])
	assert.Empty(t, f.placer.orders)
}

func TestEntryScalesSizeWithConfidence(t *testing.T) {
	f := newFixture(t)
	f.h.cfg.ConfidenceSizing = true
	f.h.cfg.MinConfidence = 5

	_, out := f.do(t, http.MethodPost, "/api/entry", map[string]any{
		"token_id": "tok", "market_id": "m1", "side": "UP", "confidence": 6,
	})
	require.Equal(t, true, out["ok"])
	tr, _ := f.mgr.Get(out["trade_id"].(string))
	assert.InDelta(t, 7.5, tr.TotalSize, 1e-9)

	_, out = f.do(t, http.MethodPost, "/api/entry", map[string]any{
		"token_id": "tok", "market_id": "m2", "side": "DOWN", "confidence": 9, "size": 2,
	})
	require.Equal(t, true, out["ok"])
	tr, _ = f.mgr.Get(out["trade_id"].(string))
	assert.InDelta(t, 2, tr.TotalSize, 1e-9, "an explicit size wins")
}

func TestEntryDedupesSignalID(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{"token_id": "tok", "market_id": "m1", "side": "BULL", "signal_id": "sig-1"}
	rec, out := f.do(t, http.MethodPost, "/api/entry", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, out["ok"])

	body["market_id"] = "m2"
	_, out = f.do(t, http.MethodPost, "/api/entry", body)
	assert.Equal(t, "duplicate_signal", out["reason"])

	body["side"] = "BEAR"
	_, out = f.do(t, http.MethodPost, "/api/entry", body)
	assert.Equal(t, true, out["ok"])
}

func TestEntryMarketLocked(t *testing.T) {
	f := newFixture(t)
	f.enter(t, "m1")
	rec, out := f.do(t, http.MethodPost, "/api/entry", map[string]any{"token_id": "tok", "market_id": "m1", "side": "UP"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "market_locked", out["reason"])
	assert.Len(t, f.placer.orders, 1)
}

func TestEntryGateRejectionAndExecuteError(t *testing.T) {
	f := newFixture(t)
	f.placer.decision = risk.Decision{Reason: "spread_too_wide"}
	rec, out := f.do(t, http.MethodPost, "/api/entry", map[string]any{"token_id": "tok", "market_id": "m1", "side": "UP"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "spread_too_wide", out["reason"])
	assert.Zero(t, f.counter["spread_too_wide"])

	f.placer.err = errors.New("venue down")
	rec, out = f.do(t, http.MethodPost, "/api/entry", map[string]any{"token_id": "tok", "market_id": "m1", "side": "UP"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "execute_error", out["reason"])
	assert.Empty(t, f.mgr.List())
}

func TestConfirm(t *testing.T) {
	f := newFixture(t)
	id := f.enter(t, "m1")

	rec, out := f.do(t, http.MethodPost, "/api/confirm", map[string]any{"trade_id": id, "action": "JUMP"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ACTION", out["error"])

	rec, out = f.do(t, http.MethodPost, "/api/confirm", map[string]any{"trade_id": id, "action": "ADD"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_SIZE", out["error"])

	rec, out = f.do(t, http.MethodPost, "/api/confirm", map[string]any{"trade_id": id, "action": "ADD", "size": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_SIZE", out["error"])

	body := map[string]any{"trade_id": id, "action": "add", "action_id": "a1", "additional_size": 5}
	rec, out = f.do(t, http.MethodPost, "/api/confirm", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "ADDED", out["status"])

	rec, out = f.do(t, http.MethodPost, "/api/confirm", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, true, out["already_handled"])

	rec, _ = f.do(t, http.MethodPost, "/api/confirm", map[string]any{"trade_id": "nope", "action": "HEDGE"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExit(t *testing.T) {
	f := newFixture(t)
	id := f.enter(t, "m1")

	rec, out := f.do(t, http.MethodPost, "/api/trades/"+id+"/exit", map[string]any{"exit_price": 0.60, "reason": "tp", "exit_request_id": "x1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ok"])
	assert.InDelta(t, 0.5, out["realized_pnl"], 1e-9)

	rec, out = f.do(t, http.MethodPost, "/api/trades/"+id+"/exit", map[string]any{"exit_price": 0.60})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_exited", out["message"])

	rec, _ = f.do(t, http.MethodPost, "/api/trades/missing/exit", map[string]any{"exit_price": 0.5})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExitDefaultsToBestBid(t *testing.T) {
	f := newFixture(t)
	id := f.enter(t, "m1")

	rec, _ := f.do(t, http.MethodPost, "/api/trades/"+id+"/exit", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	tr, _ := f.mgr.Get(id)
	require.NotNil(t, tr.ExitPrice)
	assert.Equal(t, 0.48, *tr.ExitPrice)
	assert.Equal(t, "manual", tr.ExitReason)
}

func TestListAndGet(t *testing.T) {
	f := newFixture(t)
	id := f.enter(t, "m1")

	rec, out := f.do(t, http.MethodGet, "/api/trades?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, out["count"])

	_, out = f.do(t, http.MethodGet, "/api/trades?status=EXITED", nil)
	assert.Equal(t, 0.0, out["count"])

	rec, out = f.do(t, http.MethodGet, "/api/trades/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, out["id"])

	rec, _ = f.do(t, http.MethodGet, "/api/trades/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
