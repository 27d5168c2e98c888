package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/alanyoungcy/probebot/internal/executor"
	"github.com/alanyoungcy/probebot/internal/position"
	"github.com/alanyoungcy/probebot/internal/risk"
)

// TradeManager is the position manager surface the trade routes drive.
type TradeManager interface {
	CreateTrade(ctx context.Context, p position.CreateParams) (*domain.Trade, error)
	ProcessConfirmation(ctx context.Context, tradeID string, action domain.Action, actionID string, size *float64) domain.ConfirmResult
	ExitTrade(ctx context.Context, tradeID string, exitPrice float64, reason, exitRequestID string) domain.ExitResult
	Get(tradeID string) (domain.Trade, bool)
	List() []domain.Trade
	ActiveTrades() []domain.Trade
}

// EntryPlacer runs the risk gate and submits the first leg.
type EntryPlacer interface {
	PlaceEntry(ctx context.Context, c risk.EntryCheck, o domain.Order) (risk.Decision, domain.OrderResult, error)
}

// Limits are the portfolio checks applied before the gate.
type Limits interface {
	CheckExposure(notional float64) risk.Decision
	CheckDirection(side domain.Side) risk.Decision
}

type RejectionCounter interface {
	CountRejection(reason string)
}

type Deduper interface {
	IsDuplicate(key string) bool
}

type BookSource interface {
	GetOrderBook(tokenID string) *domain.OrderBookSnapshot
}

type Granter interface {
	Grant(tokenID string, ttl time.Duration)
}

// Auditor records operator actions. Failures are logged, never surfaced.
type Auditor interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

const defaultKeepAlive = 10 * time.Minute

// TradeConfig holds the entry defaults.
type TradeConfig struct {
	DefaultSize   float64
	MaxConfidence float64
	// ConfidenceSizing scales DefaultSize with confidence above
	// MinConfidence when the alert carries no size.
	ConfidenceSizing bool
	MinConfidence    float64
	// ConfirmTimeout is passed to new trades; zero uses the manager default.
	ConfirmTimeout time.Duration
	KeepAliveTTL   time.Duration
}

// TradeDeps are the trade routes' collaborators. Manager and Placer are
// required; the rest may be nil.
type TradeDeps struct {
	Manager  TradeManager
	Placer   EntryPlacer
	Limits   Limits
	Counter  RejectionCounter
	Dedup    Deduper
	Books    BookSource
	Resolver domain.MarketResolver
	Keep     Granter
	Audit    Auditor
}

// TradeHandler serves entry, confirmation, exit and trade queries.
type TradeHandler struct {
	cfg    TradeConfig
	deps   TradeDeps
	logger *slog.Logger
	now    func() time.Time
}

func NewTradeHandler(cfg TradeConfig, deps TradeDeps, logger *slog.Logger) *TradeHandler {
	if cfg.MaxConfidence <= 0 {
		cfg.MaxConfidence = 10
	}
	if cfg.KeepAliveTTL <= 0 {
		cfg.KeepAliveTTL = defaultKeepAlive
	}
	return &TradeHandler{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "api")),
		now:    time.Now,
	}
}

type entryRequest struct {
	TokenID       string   `json:"token_id"`
	MarketID      string   `json:"market_id"`
	Side          string   `json:"side"`
	Confidence    *float64 `json:"confidence"`
	RawConfidence *float64 `json:"raw_confidence"`
	Session       string   `json:"session"`
	Dislocation   *bool    `json:"dislocation"`
	Size          *float64 `json:"size"`
	Price         *float64 `json:"price"`
	SignalID      string   `json:"signal_id"`
	QualityOK     *bool    `json:"quality_ok"`
}

type entryResponse struct {
	OK      bool           `json:"ok"`
	Reason  string         `json:"reason,omitempty"`
	TradeID string         `json:"trade_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (h *TradeHandler) count(reason string) {
	if h.deps.Counter != nil {
		h.deps.Counter.CountRejection(reason)
	}
}

func (h *TradeHandler) reject(w http.ResponseWriter, status int, reason string, details map[string]any) {
	h.count(reason)
	writeJSON(w, status, entryResponse{Reason: reason, Details: details})
}

// Entry opens a probe trade from an external alert.
// POST /api/entry
func (h *TradeHandler) Entry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req entryRequest
	if err := decodeJSON(r, &req); err != nil {
		h.count("malformed_request")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.TokenID = strings.TrimSpace(req.TokenID)
	if req.TokenID == "" {
		h.reject(w, http.StatusBadRequest, "missing_token_id", nil)
		return
	}
	side, ok := domain.ParseSide(req.Side)
	if !ok {
		h.reject(w, http.StatusBadRequest, "invalid_side", map[string]any{"side": req.Side})
		return
	}
	confidence := 0.0
	switch {
	case req.RawConfidence != nil:
		confidence = *req.RawConfidence
	case req.Confidence != nil:
		confidence = *req.Confidence
	}
	if confidence < 0 || confidence > h.cfg.MaxConfidence {
		h.reject(w, http.StatusBadRequest, "invalid_confidence", map[string]any{"confidence": confidence})
		return
	}

	if req.SignalID != "" && h.deps.Dedup != nil {
		if h.deps.Dedup.IsDuplicate(executor.SignalKey(req.SignalID, side)) {
			h.reject(w, http.StatusOK, "duplicate_signal", map[string]any{"signal_id": req.SignalID})
			return
		}
	}

	size := h.cfg.DefaultSize
	switch {
	case req.Size != nil:
		size = *req.Size
	case h.cfg.ConfidenceSizing:
		size = risk.SizeForConfidence(h.cfg.DefaultSize, confidence, h.cfg.MinConfidence)
	}
	if size <= 0 {
		h.reject(w, http.StatusBadRequest, "invalid_size", map[string]any{"size": size})
		return
	}

	price, ok := h.entryPrice(req)
	if !ok {
		h.reject(w, http.StatusOK, "no_price", nil)
		return
	}
	if math.IsNaN(price) || price <= 0 || price > 1 {
		h.reject(w, http.StatusBadRequest, "invalid_price", map[string]any{"price": price})
		return
	}

	marketID, err := h.marketID(ctx, req)
	if err != nil {
		h.reject(w, http.StatusOK, "market_lookup_failed", map[string]any{"error": err.Error()})
		return
	}
	for _, t := range h.deps.Manager.ActiveTrades() {
		if t.MarketID == marketID {
			h.reject(w, http.StatusConflict, "market_locked", map[string]any{"trade_id": t.ID})
			return
		}
	}

	if h.deps.Limits != nil {
		if d := h.deps.Limits.CheckExposure(size * price); !d.Allowed {
			h.reject(w, http.StatusOK, d.Reason, d.Details)
			return
		}
		if d := h.deps.Limits.CheckDirection(side); !d.Allowed {
			h.reject(w, http.StatusOK, d.Reason, d.Details)
			return
		}
	}

	now := h.now()
	order := domain.Order{
		EntryID:   fmt.Sprintf("api_%d_%s", now.UnixMilli(), shortToken(req.TokenID)),
		MarketID:  marketID,
		TokenID:   req.TokenID,
		Side:      domain.OrderSideBuy,
		Type:      domain.OrderTypeFOK,
		Price:     price,
		Size:      size,
		CreatedAt: now,
	}
	check := risk.EntryCheck{TokenID: req.TokenID, Confidence: confidence, QualityFlag: req.QualityOK, Size: size}
	decision, res, err := h.deps.Placer.PlaceEntry(ctx, check, order)
	if err != nil {
		h.count(decision.Reason)
		writeJSON(w, http.StatusBadGateway, entryResponse{Reason: decision.Reason, Details: decision.Details})
		return
	}
	if !decision.Allowed {
		// The gate counts its own rejections.
		writeJSON(w, http.StatusOK, entryResponse{Reason: decision.Reason, Details: decision.Details})
		return
	}

	fill := res.FilledPrice
	trade, err := h.deps.Manager.CreateTrade(ctx, position.CreateParams{
		MarketID: marketID,
		TokenID:  req.TokenID,
		Side:     side,
		Size:     res.FilledSize,
		Price:    &fill,
		EntryID:  order.EntryID,
		Timeout:  h.cfg.ConfirmTimeout,
		Source:   "api",
	})
	if err != nil {
		status, reason := http.StatusInternalServerError, "register_failed"
		switch {
		case errors.Is(err, domain.ErrMarketLocked):
			status, reason = http.StatusConflict, "market_locked"
		case errors.Is(err, domain.ErrInvalidPrice), errors.Is(err, domain.ErrInvalidSize):
			status, reason = http.StatusBadRequest, "invalid_fill"
		}
		h.logger.Error("filled entry not registered",
			slog.String("token_id", req.TokenID),
			slog.String("entry_id", order.EntryID),
			slog.String("order_id", res.OrderID),
			slog.String("error", err.Error()),
		)
		h.reject(w, status, reason, map[string]any{"order_id": res.OrderID})
		return
	}
	if h.deps.Keep != nil {
		h.deps.Keep.Grant(req.TokenID, h.cfg.KeepAliveTTL)
	}

	h.logger.Info("entry accepted",
		slog.String("trade_id", trade.ID),
		slog.String("token_id", req.TokenID),
		slog.String("side", string(side)),
		slog.Float64("confidence", confidence),
		slog.String("session", req.Session),
		slog.String("signal_id", req.SignalID),
	)
	writeJSON(w, http.StatusOK, entryResponse{
		OK:      true,
		TradeID: trade.ID,
		Details: map[string]any{
			"market_id":   trade.MarketID,
			"entry_price": trade.EntryPrice,
			"size":        trade.TotalSize,
			"order_id":    res.OrderID,
		},
	})
}

func shortToken(tokenID string) string {
	if len(tokenID) > 8 {
		return tokenID[:8]
	}
	return tokenID
}

// entryPrice takes the alert price, else the cached best ask.
func (h *TradeHandler) entryPrice(req entryRequest) (float64, bool) {
	if req.Price != nil {
		return *req.Price, true
	}
	if h.deps.Books == nil {
		return 0, false
	}
	snap := h.deps.Books.GetOrderBook(req.TokenID)
	if snap == nil || snap.BestAsk == nil {
		return 0, false
	}
	return *snap.BestAsk, true
}

func (h *TradeHandler) marketID(ctx context.Context, req entryRequest) (string, error) {
	if id := strings.TrimSpace(req.MarketID); id != "" {
		return id, nil
	}
	if h.deps.Resolver == nil {
		return "", errors.New("market_id required without a resolver")
	}
	m, err := h.deps.Resolver.MarketForToken(ctx, req.TokenID)
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

type confirmRequest struct {
	TradeID        string   `json:"trade_id"`
	Action         string   `json:"action"`
	ActionID       string   `json:"action_id"`
	Size           *float64 `json:"size"`
	AdditionalSize *float64 `json:"additional_size"`
}

// Confirm applies a follow-up action to an open trade.
// POST /api/confirm
func (h *TradeHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	action, ok := domain.ParseAction(req.Action)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok": false, "error": "INVALID_ACTION",
			"message": "action must be ADD, HEDGE, EXIT or CLOSE",
		})
		return
	}
	size := req.Size
	if size == nil {
		size = req.AdditionalSize
	}
	if action == domain.ActionAdd {
		if size == nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"ok": false, "error": "MISSING_SIZE", "message": "ADD requires size",
			})
			return
		}
		if *size <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"ok": false, "error": "INVALID_SIZE", "message": fmt.Sprintf("size must be > 0, got %g", *size),
			})
			return
		}
	}
	actionID := req.ActionID
	if actionID == "" {
		actionID = fmt.Sprintf("%s_%s_%s", req.TradeID, action, uuid.NewString()[:8])
	}

	res := h.deps.Manager.ProcessConfirmation(r.Context(), req.TradeID, action, actionID, size)
	h.logger.Info("confirmation",
		slog.String("trade_id", req.TradeID),
		slog.String("action", string(action)),
		slog.String("action_id", actionID),
		slog.Bool("ok", res.OK),
		slog.String("reason", res.Reason),
	)
	switch {
	case res.AlreadyHandled:
		writeJSON(w, http.StatusConflict, res)
	case res.Reason == "not_found":
		writeJSON(w, http.StatusNotFound, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type exitRequest struct {
	ExitPrice     *float64 `json:"exit_price"`
	Reason        string   `json:"reason"`
	ExitRequestID string   `json:"exit_request_id"`
}

// Exit closes a trade at the given price, or at the cached best bid.
// POST /api/trades/{id}/exit
func (h *TradeHandler) Exit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req exitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, ok := h.deps.Manager.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, domain.ExitResult{Message: "not_found"})
		return
	}
	price, ok := h.exitPrice(t, req.ExitPrice)
	if !ok {
		writeError(w, http.StatusBadRequest, "exit_price required: no cached bid")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}

	res := h.deps.Manager.ExitTrade(r.Context(), id, price, reason, req.ExitRequestID)
	if res.OK && !res.AlreadyHandled && h.deps.Audit != nil {
		if err := h.deps.Audit.Log(r.Context(), "trade.exit", map[string]any{
			"trade_id":     id,
			"exit_price":   price,
			"reason":       reason,
			"realized_pnl": res.RealizedPnL,
		}); err != nil {
			h.logger.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}
	switch {
	case res.AlreadyHandled:
		writeJSON(w, http.StatusConflict, res)
	case !res.OK && res.Message == "invalid_price":
		writeJSON(w, http.StatusBadRequest, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *TradeHandler) exitPrice(t domain.Trade, explicit *float64) (float64, bool) {
	if explicit != nil {
		return *explicit, true
	}
	if h.deps.Books == nil {
		return 0, false
	}
	snap := h.deps.Books.GetOrderBook(t.TokenID)
	if snap == nil || snap.BestBid == nil {
		return 0, false
	}
	return *snap.BestBid, true
}

// List returns trades, newest first, optionally filtered by status.
// GET /api/trades?status=PENDING&limit=100
func (h *TradeHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.TradeStatus(strings.ToUpper(r.URL.Query().Get("status")))
	limit := queryInt(r, "limit", 100, 1000)

	all := h.deps.Manager.List()
	out := make([]domain.Trade, 0, len(all))
	for _, t := range all {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": out, "count": len(out)})
}

// Get returns one trade.
// GET /api/trades/{id}
func (h *TradeHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, ok := h.deps.Manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "trade not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}
