package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/probebot/internal/position"
	"github.com/alanyoungcy/probebot/internal/server/handler"
)

func TestRoutesAuthAndPublicPaths(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	mgr := position.NewManager(position.Config{}, position.Deps{}, logger)
	h := Handlers{
		Health: handler.NewHealthHandler("paper", handler.HealthDeps{Trades: mgr}, logger),
		Trades: handler.NewTradeHandler(handler.TradeConfig{}, handler.TradeDeps{Manager: mgr}, logger),
	}
	routes := Routes(Config{APIKey: "k", Gatherer: prometheus.NewRegistry()}, h, logger)

	get := func(path, key string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/api/health", ""))
	assert.Equal(t, http.StatusOK, get("/metrics", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/api/trades", ""))
	assert.Equal(t, http.StatusOK, get("/api/trades", "k"))
	assert.Equal(t, http.StatusNotFound, get("/api/admin/subscribe/x", "k"))
}
