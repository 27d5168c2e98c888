// Package strategy detects price dislocations and turns them into probe
// entries.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/alanyoungcy/probebot/internal/position"
	"github.com/alanyoungcy/probebot/internal/risk"
	"github.com/alanyoungcy/probebot/internal/store/filestore"
)

// Submitter places a probe order and reports the venue's answer.
type Submitter interface {
	Submit(ctx context.Context, o domain.Order) (domain.OrderResult, error)
}

// TradeOpener registers a filled first leg.
type TradeOpener interface {
	CreateTrade(ctx context.Context, p position.CreateParams) (*domain.Trade, error)
}

// BookSource returns the cached book for a token, or nil.
type BookSource interface {
	GetOrderBook(tokenID string) *domain.OrderBookSnapshot
}

// Hooks are optional callbacks fired on the entry path. They run on the
// engine's goroutine.
type Hooks struct {
	OnDislocation func(domain.DislocationSignal)
	OnFilled      func(domain.DislocationSignal, domain.OrderResult, *domain.Trade)
	OnFailed      func(domain.DislocationSignal, error)
}

// FastEntryConfig tunes the entry engine.
type FastEntryConfig struct {
	Leg1Size        float64
	PollInterval    time.Duration
	EntryCooldown   time.Duration
	LatencyWindow   int
	LatencyLogEvery int
	FillsPath       string
}

// FastEntryDeps are the engine's collaborators. Resolver, Exposure and Gate
// may be nil.
type FastEntryDeps struct {
	Books     BookSource
	Resolver  domain.MarketResolver
	Exposure  *risk.Exposure
	Gate      *risk.Gate
	Submitter Submitter
	Trades    TradeOpener
}

// FastEntryStats counts outcomes since start.
type FastEntryStats struct {
	Signals        uint64 `json:"signals"`
	Suppressed     uint64 `json:"suppressed"`
	Aborted        uint64 `json:"leg1_aborted"`
	Rejected       uint64 `json:"rejected"`
	Filled         uint64 `json:"filled"`
	Failed         uint64 `json:"failed"`
	RegisterFailed uint64 `json:"register_failed"`
}

type fillRecord struct {
	EntryID        string  `json:"entry_id"`
	TokenID        string  `json:"token_id"`
	MarketID       string  `json:"market_id,omitempty"`
	Side           string  `json:"side"`
	Price          float64 `json:"price"`
	Size           float64 `json:"size"`
	OK             bool    `json:"ok"`
	OrderID        string  `json:"order_id,omitempty"`
	TradeID        string  `json:"trade_id,omitempty"`
	Error          string  `json:"error,omitempty"`
	DropPct        float64 `json:"drop_pct"`
	SpeedRatio     float64 `json:"speed_ratio"`
	DetectToSendMs float64 `json:"detect_to_send_ms"`
	SendToAckMs    float64 `json:"send_to_ack_ms"`
	TimestampUTC   string  `json:"ts_utc"`
}

// FastEntry watches tokens for dislocations and fires probe orders through
// the risk checks and the submitter.
type FastEntry struct {
	cfg     FastEntryConfig
	det     *Detector
	deps    FastEntryDeps
	latency *LatencyStats
	fills   *filestore.Log
	hooks   Hooks
	logger  *slog.Logger
	outcome *prometheus.CounterVec

	mu        sync.Mutex
	watched   map[string]struct{}
	lastEntry map[string]time.Time
	lastBook  map[string]time.Time

	signals, suppressed, aborted, rejected atomic.Uint64
	filled, failed, registerFailed         atomic.Uint64
}

// NewFastEntry builds the engine. The outcome counter is registered when reg
// is not nil.
func NewFastEntry(cfg FastEntryConfig, det *Detector, deps FastEntryDeps, logger *slog.Logger, reg prometheus.Registerer) *FastEntry {
	if cfg.Leg1Size <= 0 {
		cfg.Leg1Size = 1
	}
	if cfg.EntryCooldown <= 0 {
		cfg.EntryCooldown = 10 * time.Second
	}
	if cfg.LatencyLogEvery <= 0 {
		cfg.LatencyLogEvery = 50
	}
	f := &FastEntry{
		cfg:     cfg,
		det:     det,
		deps:    deps,
		latency: NewLatencyStats(cfg.LatencyWindow),
		logger:  logger.With(slog.String("component", "fast_entry")),
		outcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probebot_fast_entry_total",
			Help: "Dislocation entry attempts by outcome.",
		}, []string{"outcome"}),
		watched:   make(map[string]struct{}),
		lastEntry: make(map[string]time.Time),
		lastBook:  make(map[string]time.Time),
	}
	if cfg.FillsPath != "" {
		f.fills = filestore.NewLog(cfg.FillsPath)
	}
	if reg != nil {
		reg.MustRegister(f.outcome)
	}
	return f
}

// SetHooks replaces the callbacks.
func (f *FastEntry) SetHooks(h Hooks) {
	f.mu.Lock()
	f.hooks = h
	f.mu.Unlock()
}

// Watch adds tokens to the evaluated set.
func (f *FastEntry) Watch(tokenIDs ...string) {
	f.mu.Lock()
	for _, id := range tokenIDs {
		if id != "" {
			f.watched[id] = struct{}{}
		}
	}
	f.mu.Unlock()
}

// Unwatch removes tokens from the evaluated set.
func (f *FastEntry) Unwatch(tokenIDs ...string) {
	f.mu.Lock()
	for _, id := range tokenIDs {
		delete(f.watched, id)
	}
	f.mu.Unlock()
}

// Watched lists the evaluated tokens, sorted.
func (f *FastEntry) Watched() []string {
	f.mu.Lock()
	out := make([]string, 0, len(f.watched))
	for id := range f.watched {
		out = append(out, id)
	}
	f.mu.Unlock()
	sort.Strings(out)
	return out
}

func (f *FastEntry) isWatched(tokenID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.watched) == 0 {
		return true
	}
	_, ok := f.watched[tokenID]
	return ok
}

// Run consumes bus events and, when a poll interval is set, polls the book
// cache for watched tokens. It returns when ctx ends or events closes.
func (f *FastEntry) Run(ctx context.Context, events <-chan domain.MarketEvent) error {
	g, gctx := errgroup.WithContext(ctx)
	if events != nil {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					if ev.Book == nil || !f.isWatched(ev.TokenID) {
						continue
					}
					f.onBook(gctx, *ev.Book)
				}
			}
		})
	}
	if f.deps.Books != nil && f.cfg.PollInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(f.cfg.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					for _, id := range f.Watched() {
						if snap := f.deps.Books.GetOrderBook(id); snap != nil {
							f.onBook(gctx, *snap)
						}
					}
				}
			}
		})
	}
	return g.Wait()
}

// onBook feeds a snapshot to the detector once per book timestamp, so the
// poller and the bus never count the same update twice.
func (f *FastEntry) onBook(ctx context.Context, snap domain.OrderBookSnapshot) {
	f.mu.Lock()
	if last, ok := f.lastBook[snap.TokenID]; ok && !snap.Timestamp.After(last) {
		f.mu.Unlock()
		return
	}
	f.lastBook[snap.TokenID] = snap.Timestamp
	f.mu.Unlock()

	p, ok := PointFromBook(snap)
	if !ok {
		return
	}
	sig, ok := f.det.Observe(snap.TokenID, p)
	if !ok {
		return
	}
	f.Execute(ctx, *sig)
}

// Execute runs one signal through the entry path. The returned trade is nil
// unless an order filled and was registered.
func (f *FastEntry) Execute(ctx context.Context, sig domain.DislocationSignal) (*domain.Trade, error) {
	detected := sig.DetectedAt
	if detected.IsZero() {
		detected = time.Now()
	}
	f.signals.Add(1)
	f.mu.Lock()
	hooks := f.hooks
	cooling := f.coolingLocked(sig.TokenID, detected)
	f.mu.Unlock()
	if cooling {
		f.suppress()
		return nil, nil
	}

	log := f.logger.With(slog.String("token_id", sig.TokenID), slog.String("side", string(sig.Side)))
	log.Info("dislocation detected",
		slog.Float64("drop_pct", sig.DropPct),
		slog.Float64("speed_ratio", sig.SpeedRatio),
		slog.Duration("elapsed", sig.Elapsed),
	)
	if hooks.OnDislocation != nil {
		hooks.OnDislocation(sig)
	}

	size := f.cfg.Leg1Size
	marketID, err := f.precheck(ctx, sig, size)
	if err != nil {
		f.aborted.Add(1)
		f.outcome.WithLabelValues("leg1_aborted").Inc()
		log.Warn("entry aborted", slog.String("error", err.Error()))
		return nil, err
	}
	if f.deps.Gate != nil {
		d := f.deps.Gate.CheckEntryAllowed(ctx, risk.EntryCheck{TokenID: sig.TokenID, Size: size})
		if !d.Allowed {
			f.rejected.Add(1)
			f.outcome.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("strategy: entry rejected: %s", d.Reason)
		}
	}
	// Only signals that reach the submitter start the cooldown.
	f.mu.Lock()
	if f.coolingLocked(sig.TokenID, detected) {
		f.mu.Unlock()
		f.suppress()
		return nil, nil
	}
	f.lastEntry[sig.TokenID] = detected
	f.mu.Unlock()

	order := domain.Order{
		ID:        uuid.NewString(),
		EntryID:   entryID(detected, sig.TokenID),
		MarketID:  marketID,
		TokenID:   sig.TokenID,
		Side:      domain.OrderSideBuy,
		Type:      domain.OrderTypeFOK,
		Price:     sig.Price,
		Size:      size,
		CreatedAt: time.Now(),
	}
	sent := time.Now()
	res, err := f.deps.Submitter.Submit(ctx, order)
	acked := time.Now()
	f.latency.Record(detected, sent, acked)
	if err == nil && !res.Success {
		err = fmt.Errorf("strategy: order not filled: %s", res.Message)
	}

	rec := fillRecord{
		EntryID:        order.EntryID,
		TokenID:        order.TokenID,
		MarketID:       marketID,
		Side:           string(sig.Side),
		Price:          order.Price,
		Size:           size,
		OK:             err == nil,
		OrderID:        res.OrderID,
		DropPct:        sig.DropPct,
		SpeedRatio:     sig.SpeedRatio,
		DetectToSendMs: float64(sent.Sub(detected)) / float64(time.Millisecond),
		SendToAckMs:    float64(acked.Sub(sent)) / float64(time.Millisecond),
		TimestampUTC:   acked.UTC().Format(time.RFC3339Nano),
	}
	if err != nil {
		f.failed.Add(1)
		f.outcome.WithLabelValues("failed").Inc()
		rec.Error = err.Error()
		f.appendFill(rec)
		log.Error("entry order failed", slog.String("entry_id", order.EntryID), slog.String("error", err.Error()))
		if hooks.OnFailed != nil {
			hooks.OnFailed(sig, err)
		}
		return nil, err
	}

	price, filledSize := order.Price, size
	if res.FilledPrice > 0 {
		price = res.FilledPrice
	}
	if res.FilledSize > 0 {
		filledSize = res.FilledSize
	}
	rec.Price, rec.Size = price, filledSize

	trade, regErr := f.deps.Trades.CreateTrade(ctx, position.CreateParams{
		MarketID: marketID,
		TokenID:  sig.TokenID,
		Side:     sig.Side,
		Size:     filledSize,
		Price:    domain.Float(price),
		EntryID:  order.EntryID,
		Source:   "dislocation",
	})
	if regErr != nil {
		f.registerFailed.Add(1)
		f.outcome.WithLabelValues("register_failed").Inc()
		log.Error("filled order not registered, reconcile manually",
			slog.String("entry_id", order.EntryID),
			slog.String("order_id", res.OrderID),
			slog.String("error", regErr.Error()),
		)
	} else {
		rec.TradeID = trade.ID
	}
	f.appendFill(rec)

	n := f.filled.Add(1)
	f.outcome.WithLabelValues("filled").Inc()
	if hooks.OnFilled != nil {
		hooks.OnFilled(sig, res, trade)
	}
	if n%uint64(f.cfg.LatencyLogEvery) == 0 {
		snap := f.latency.Snapshot()
		log.Info("entry latency",
			slog.Int("count", snap.DetectToAck.Count),
			slog.Float64("detect_to_send_p50_ms", snap.DetectToSend.P50),
			slog.Float64("send_to_ack_p50_ms", snap.SendToAck.P50),
			slog.Float64("detect_to_ack_p99_ms", snap.DetectToAck.P99),
		)
	}
	if regErr != nil {
		return nil, fmt.Errorf("strategy: register trade: %w", regErr)
	}
	return trade, nil
}

// precheck runs the exposure checks and the market lookup in parallel.
func (f *FastEntry) precheck(ctx context.Context, sig domain.DislocationSignal, size float64) (string, error) {
	g, gctx := errgroup.WithContext(ctx)
	if ex := f.deps.Exposure; ex != nil {
		g.Go(func() error {
			if d := ex.CheckExposure(sig.Price * size); !d.Allowed {
				return errors.New(d.Reason)
			}
			if d := ex.CheckDirection(sig.Side); !d.Allowed {
				return errors.New(d.Reason)
			}
			return nil
		})
	}
	marketID := sig.TokenID
	if r := f.deps.Resolver; r != nil {
		g.Go(func() error {
			m, err := r.MarketForToken(gctx, sig.TokenID)
			if err != nil {
				return fmt.Errorf("market lookup: %w", err)
			}
			marketID = m.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return marketID, nil
}

func (f *FastEntry) appendFill(rec fillRecord) {
	if f.fills == nil {
		return
	}
	if err := f.fills.Append(rec); err != nil {
		f.logger.Warn("fills log append failed", slog.String("error", err.Error()))
	}
}

// entryID is leg1_<unixms>_<first 8 chars of the token>.
func entryID(at time.Time, tokenID string) string {
	short := tokenID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("leg1_%d_%s", at.UnixMilli(), short)
}

// Stats returns the outcome counters.
func (f *FastEntry) Stats() FastEntryStats {
	return FastEntryStats{
		Signals:        f.signals.Load(),
		Suppressed:     f.suppressed.Load(),
		Aborted:        f.aborted.Load(),
		Rejected:       f.rejected.Load(),
		Filled:         f.filled.Load(),
		Failed:         f.failed.Load(),
		RegisterFailed: f.registerFailed.Load(),
	}
}

// Latency returns the rolling latency percentiles.
func (f *FastEntry) Latency() LatencySnapshot { return f.latency.Snapshot() }

// FillsPath is the fills log location, or "" when disabled.
func (f *FastEntry) FillsPath() string {
	if f.fills == nil {
		return ""
	}
	return f.fills.Path()
}

func (f *FastEntry) coolingLocked(tokenID string, at time.Time) bool {
	last, ok := f.lastEntry[tokenID]
	return ok && at.Sub(last) < f.cfg.EntryCooldown
}

func (f *FastEntry) suppress() {
	f.suppressed.Add(1)
	f.outcome.WithLabelValues("suppressed").Inc()
}
