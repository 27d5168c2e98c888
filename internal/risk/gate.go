// Package risk decides whether a new probe entry may be placed.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the gate thresholds.
type Config struct {
	DisableConfidenceGE    float64
	RequireFreshBook       bool
	MaxBookAge             time.Duration
	MaxEntrySpread         float64
	HardRejectSpread       float64
	SoftSpreadSizeOverride float64
	MinTopLevelSize        float64

	KillSwitchEnabled bool
	LookbackClosed    int
	MaxRealizedLoss   float64
	MinWinrate        float64
	Cooldown          time.Duration
}

// BookSource returns the cached book for a token, or nil.
type BookSource interface {
	GetOrderBook(tokenID string) *domain.OrderBookSnapshot
}

// ClosedTrades returns the most recent closed trades, oldest first.
type ClosedTrades interface {
	ClosedTrades(n int) ([]domain.ClosedTrade, error)
}

// EntryCheck is the input to the gate.
type EntryCheck struct {
	TokenID     string
	Confidence  float64
	QualityFlag *bool
	Size        float64
}

// Decision is the gate verdict. Reason is empty when allowed.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func reject(reason string, details map[string]any) Decision {
	return Decision{Reason: reason, Details: details}
}

// Gate runs the ordered entry checks.
type Gate struct {
	cfg    Config
	books  BookSource
	closed ClosedTrades
	ks     *KillSwitch
	logger *slog.Logger
	now    func() time.Time

	rejections *prometheus.CounterVec
	ksActive   prometheus.Gauge

	mu     sync.Mutex
	counts map[string]uint64
}

// NewGate wires a gate. closed and ks may be nil to disable the kill switch.
// Metrics are registered when reg is not nil.
func NewGate(cfg Config, books BookSource, closed ClosedTrades, ks *KillSwitch, logger *slog.Logger, reg prometheus.Registerer) *Gate {
	g := &Gate{
		cfg:    cfg,
		books:  books,
		closed: closed,
		ks:     ks,
		logger: logger.With(slog.String("component", "risk")),
		now:    time.Now,
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probebot_entry_rejections_total",
			Help: "Entry requests rejected, by reason.",
		}, []string{"reason"}),
		ksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "probebot_kill_switch_active",
			Help: "1 while the kill switch cooldown is active.",
		}),
		counts: make(map[string]uint64),
	}
	if reg != nil {
		reg.MustRegister(g.rejections, g.ksActive)
	}
	return g
}

// CheckEntryAllowed runs every check in order and returns the first
// rejection. Rejections are counted.
func (g *Gate) CheckEntryAllowed(ctx context.Context, c EntryCheck) Decision {
	d := g.check(ctx, c)
	if !d.Allowed {
		g.CountRejection(d.Reason)
		g.logger.Info("entry rejected",
			slog.String("token_id", c.TokenID),
			slog.String("reason", d.Reason),
		)
	}
	return d
}

func (g *Gate) check(ctx context.Context, c EntryCheck) Decision {
	now := g.now()

	if d := g.checkKillSwitch(ctx, now); !d.Allowed {
		return d
	}
	if g.cfg.DisableConfidenceGE > 0 && c.Confidence >= g.cfg.DisableConfidenceGE {
		return reject("confidence_disabled", map[string]any{
			"confidence": c.Confidence,
			"threshold":  g.cfg.DisableConfidenceGE,
		})
	}
	if c.QualityFlag != nil && !*c.QualityFlag {
		return reject("market_quality_unhealthy", nil)
	}

	var book *domain.OrderBookSnapshot
	if g.books != nil {
		book = g.books.GetOrderBook(c.TokenID)
	}
	if book == nil {
		if g.cfg.RequireFreshBook {
			return reject("no_orderbook", nil)
		}
		return allow()
	}
	if age := book.Age(now); g.cfg.RequireFreshBook && g.cfg.MaxBookAge > 0 && age > g.cfg.MaxBookAge {
		return reject("stale_orderbook", map[string]any{"book_age_s": age.Seconds()})
	}
	if book.BestAsk == nil {
		return reject("no_best_ask", nil)
	}
	if book.SpreadPct != nil {
		spread := *book.SpreadPct
		if g.cfg.HardRejectSpread > 0 && spread >= g.cfg.HardRejectSpread {
			return reject("spread_hard_reject", map[string]any{"spread_pct": spread})
		}
		if g.cfg.MaxEntrySpread > 0 && spread > g.cfg.MaxEntrySpread {
			override := g.cfg.SoftSpreadSizeOverride > 0 && c.Size >= g.cfg.SoftSpreadSizeOverride
			if !override {
				return reject("spread_too_wide", map[string]any{"spread_pct": spread})
			}
		}
	}
	if g.cfg.MinTopLevelSize > 0 {
		var askSize float64
		if book.BestAskSize != nil {
			askSize = *book.BestAskSize
		}
		if askSize < g.cfg.MinTopLevelSize {
			return reject("ask_size_too_small", map[string]any{"ask_size": askSize})
		}
	}
	return allow()
}

func (g *Gate) checkKillSwitch(ctx context.Context, now time.Time) Decision {
	if g.ks == nil {
		return allow()
	}
	if g.ks.Active(now) {
		g.ksActive.Set(1)
		st := g.ks.State()
		return reject("kill_switch_cooldown", map[string]any{
			"until":  st.UntilTime().Format(time.RFC3339),
			"reason": st.Reason,
		})
	}
	g.ksActive.Set(0)
	if g.ks.Expired(now) {
		if err := g.ks.Clear(ctx); err != nil {
			g.logger.Error("kill switch clear failed", slog.String("error", err.Error()))
		}
	}
	if !g.cfg.KillSwitchEnabled || g.closed == nil {
		return allow()
	}

	trades, err := g.closed.ClosedTrades(g.cfg.LookbackClosed)
	if err != nil {
		g.logger.Warn("closed trades unavailable", slog.String("error", err.Error()))
		return allow()
	}
	if len(trades) == 0 {
		return allow()
	}
	var sum float64
	wins := 0
	for _, t := range trades {
		sum += t.RealizedPnL
		if t.RealizedPnL > 0 {
			wins++
		}
	}
	winrate := float64(wins) / float64(len(trades))
	if sum >= g.cfg.MaxRealizedLoss && winrate >= g.cfg.MinWinrate {
		return allow()
	}

	reason := "realized_loss"
	if sum >= g.cfg.MaxRealizedLoss {
		reason = "winrate"
	}
	if err := g.ks.Trigger(ctx, now, g.cfg.Cooldown, reason); err != nil {
		g.logger.Error("kill switch persist failed", slog.String("error", err.Error()))
	}
	g.ksActive.Set(1)
	return reject("kill_switch", map[string]any{
		"realized_pnl": sum,
		"winrate":      winrate,
		"trades":       len(trades),
		"trigger":      reason,
	})
}

// CountRejection records a rejection decided outside the gate, such as a
// duplicate signal.
func (g *Gate) CountRejection(reason string) {
	g.rejections.WithLabelValues(reason).Inc()
	g.mu.Lock()
	g.counts[reason]++
	g.mu.Unlock()
}

// Rejections returns the per-reason counts since start.
func (g *Gate) Rejections() map[string]uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]uint64, len(g.counts))
	for k, v := range g.counts {
		out[k] = v
	}
	return out
}

// KillSwitchActive reports the cooldown state for health output.
func (g *Gate) KillSwitchActive() bool {
	return g.ks != nil && g.ks.Active(g.now())
}
