package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/alanyoungcy/probebot/internal/marketdata"
	"github.com/alanyoungcy/probebot/internal/strategy"
)

// MarketDataStatus reports provider and subscription health.
type MarketDataStatus interface {
	Status(now time.Time) marketdata.Status
}

// EntryEngine reports fast-entry counters and latency.
type EntryEngine interface {
	Stats() strategy.FastEntryStats
	Latency() strategy.LatencySnapshot
}

type RiskStatus interface {
	KillSwitchActive() bool
	Rejections() map[string]uint64
}

type TradeStats interface {
	Stats() domain.TradeStats
}

// HealthDeps may hold nil members for components that are not running in
// the current mode.
type HealthDeps struct {
	MarketData MarketDataStatus
	Engine     EntryEngine
	Risk       RiskStatus
	Trades     TradeStats
}

// HealthHandler serves the health endpoint.
type HealthHandler struct {
	mode      string
	deps      HealthDeps
	startedAt time.Time
	logger    *slog.Logger
	now       func() time.Time
}

func NewHealthHandler(mode string, deps HealthDeps, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		mode:      mode,
		deps:      deps,
		startedAt: time.Now(),
		logger:    logger,
		now:       time.Now,
	}
}

type healthResponse struct {
	Status           string                    `json:"status"`
	Mode             string                    `json:"mode"`
	Timestamp        string                    `json:"timestamp"`
	UptimeSec        float64                   `json:"uptime_s"`
	MarketData       *marketdata.Status        `json:"market_data,omitempty"`
	FastEntry        *strategy.FastEntryStats  `json:"fast_entry,omitempty"`
	Latency          *strategy.LatencySnapshot `json:"latency,omitempty"`
	KillSwitchActive bool                      `json:"kill_switch_active"`
	Rejections       map[string]uint64         `json:"rejections,omitempty"`
	Trades           *domain.TradeStats        `json:"trades,omitempty"`
}

// HealthCheck reports "ok", or "degraded" when market data is not running.
// It always answers 200 so the body stays readable by probes.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	resp := healthResponse{
		Status:    "ok",
		Mode:      h.mode,
		Timestamp: now.UTC().Format(time.RFC3339),
		UptimeSec: now.Sub(h.startedAt).Seconds(),
	}
	if h.deps.MarketData != nil {
		st := h.deps.MarketData.Status(now)
		resp.MarketData = &st
		if !st.Running {
			resp.Status = "degraded"
		}
	}
	if h.deps.Engine != nil {
		stats, lat := h.deps.Engine.Stats(), h.deps.Engine.Latency()
		resp.FastEntry, resp.Latency = &stats, &lat
	}
	if h.deps.Risk != nil {
		resp.KillSwitchActive = h.deps.Risk.KillSwitchActive()
		resp.Rejections = h.deps.Risk.Rejections()
	}
	if h.deps.Trades != nil {
		st := h.deps.Trades.Stats()
		resp.Trades = &st
	}
	writeJSON(w, http.StatusOK, resp)
}
