package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/alanyoungcy/probebot/internal/store/postgres"
)

// TradeHistory is the durable trade mirror.
type TradeHistory interface {
	ListClosed(ctx context.Context, limit int) ([]domain.ClosedTrade, error)
	Events(ctx context.Context, tradeID string) ([]domain.TradeEvent, error)
}

type AuditLog interface {
	Recent(ctx context.Context, limit int) ([]postgres.AuditEntry, error)
}

// HistoryHandler serves queries against the database mirror. Both members
// may be nil when Postgres is disabled.
type HistoryHandler struct {
	trades TradeHistory
	audit  AuditLog
	logger *slog.Logger
}

func NewHistoryHandler(trades TradeHistory, audit AuditLog, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{trades: trades, audit: audit, logger: logger}
}

// Closed lists exited trades, newest first.
// GET /api/history?limit=20
func (h *HistoryHandler) Closed(w http.ResponseWriter, r *http.Request) {
	if h.trades == nil {
		writeError(w, http.StatusServiceUnavailable, "trade history not configured")
		return
	}
	closed, err := h.trades.ListClosed(r.Context(), queryInt(r, "limit", 20, 500))
	if err != nil {
		h.logger.Error("list closed trades failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list closed trades")
		return
	}
	if closed == nil {
		closed = []domain.ClosedTrade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": closed, "count": len(closed)})
}

// Events returns the recorded lifecycle of one trade.
// GET /api/history/{id}/events
func (h *HistoryHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.trades == nil {
		writeError(w, http.StatusServiceUnavailable, "trade history not configured")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	events, err := h.trades.Events(r.Context(), id)
	if err != nil {
		h.logger.Error("list trade events failed", slog.String("trade_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list trade events")
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "no events for trade "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trade_id": id, "events": events})
}

// Audit lists recent operator and safety actions.
// GET /api/admin/audit?limit=50
func (h *HistoryHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	entries, err := h.audit.Recent(r.Context(), queryInt(r, "limit", 50, 500))
	if err != nil {
		h.logger.Error("read audit log failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	if entries == nil {
		entries = []postgres.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
