package handler

import (
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
	"github.com/alanyoungcy/probebot/internal/marketdata"
)

type mdStatus struct{ running bool }

func (m mdStatus) Status(time.Time) marketdata.Status {
	return marketdata.Status{Running: m.running, Subscriptions: 3, BusDropped: 2}
}

type riskStatus struct{}

func (riskStatus) KillSwitchActive() bool { return true }
func (riskStatus) Rejections() map[string]uint64 {
	return map[string]uint64{"spread_too_wide": 4}
}

type tradeStats struct{}

func (tradeStats) Stats() domain.TradeStats { return domain.TradeStats{Total: 2, Pending: 1} }

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler("paper", HealthDeps{
		MarketData: mdStatus{running: true},
		Risk:       riskStatus{},
		Trades:     tradeStats{},
	}, slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, "paper", out.Mode)
	require.NotNil(t, out.MarketData)
	assert.Equal(t, 3, out.MarketData.Subscriptions)
	assert.True(t, out.KillSwitchActive)
	assert.Equal(t, uint64(4), out.Rejections["spread_too_wide"])
	require.NotNil(t, out.Trades)
	assert.Equal(t, 2, out.Trades.Total)
	assert.Nil(t, out.FastEntry)
}

func TestHealthDegradedWhenMarketDataStopped(t *testing.T) {
	h := NewHealthHandler("monitor", HealthDeps{MarketData: mdStatus{}}, slog.New(slog.DiscardHandler))
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	var out healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "degraded", out.Status)
}

type fakeSub struct{ err error }

func (f fakeSub) Subscribe(context.Context, string) error { return f.err }

func TestAdminSubscribe(t *testing.T) {
	g := grants{}
	h := NewAdminHandler(fakeSub{}, g, TradeConfig{}, nil, nil, slog.New(slog.DiscardHandler))
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/admin/subscribe/{token}", h.Subscribe)
	mux.HandleFunc("GET /api/events", h.Events)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/admin/subscribe/tok9", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultKeepAlive, g["tok9"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	failing := NewAdminHandler(fakeSub{err: errors.New("ws down")}, g, TradeConfig{}, nil, nil, slog.New(slog.DiscardHandler))
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/admin/subscribe/tok9", nil)
	req.SetPathValue("token", "tok9")
	failing.Subscribe(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
