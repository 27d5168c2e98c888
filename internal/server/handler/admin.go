package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	rediscache "github.com/alanyoungcy/probebot/internal/cache/redis"
)

type Subscriber interface {
	Subscribe(ctx context.Context, tokenID string) error
}

// EventLog replays recent trade events from the shared stream.
type EventLog interface {
	Recent(ctx context.Context, n int64) ([]rediscache.StreamMessage, error)
}

// AdminHandler serves operator routes.
type AdminHandler struct {
	sub    Subscriber
	keep   Granter
	cfg    TradeConfig
	events EventLog
	audit  Auditor
	logger *slog.Logger
}

// NewAdminHandler builds the admin routes. events and audit may be nil.
func NewAdminHandler(sub Subscriber, keep Granter, cfg TradeConfig, events EventLog, audit Auditor, logger *slog.Logger) *AdminHandler {
	if cfg.KeepAliveTTL <= 0 {
		cfg.KeepAliveTTL = defaultKeepAlive
	}
	return &AdminHandler{sub: sub, keep: keep, cfg: cfg, events: events, audit: audit, logger: logger}
}

// Subscribe forces a market-data subscription and keeps it alive for the
// keep-alive TTL so reconciliation does not drop it.
// POST /api/admin/subscribe/{token}
func (h *AdminHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.PathValue("token"))
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing token")
		return
	}
	if h.keep != nil {
		h.keep.Grant(token, h.cfg.KeepAliveTTL)
	}
	if h.sub == nil {
		writeError(w, http.StatusServiceUnavailable, "market data not running")
		return
	}
	if err := h.sub.Subscribe(r.Context(), token); err != nil {
		h.logger.Warn("admin subscribe failed", slog.String("token_id", token), slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if h.audit != nil {
		if err := h.audit.Log(r.Context(), "admin.subscribe", map[string]any{"token_id": token}); err != nil {
			h.logger.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"token_id":     token,
		"keep_alive_s": h.cfg.KeepAliveTTL.Seconds(),
	})
}

// Events returns the newest trade events from the stream.
// GET /api/events?limit=50
func (h *AdminHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	msgs, err := h.events.Recent(r.Context(), int64(queryInt(r, "limit", 50, 500)))
	if err != nil {
		h.logger.Error("read event stream failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	if msgs == nil {
		msgs = []rediscache.StreamMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": msgs})
}
