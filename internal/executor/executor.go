// Package executor places probe-entry orders, either simulated or signed and
// posted to the venue.
package executor

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/probebot/internal/crypto"
	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/alanyoungcy/probebot/internal/risk"
)

// OrderSubmitter places one entry order.
type OrderSubmitter interface {
	Submit(ctx context.Context, o domain.Order) (domain.OrderResult, error)
}

// PaperSubmitter fills every order at its limit price immediately.
type PaperSubmitter struct {
	logger *slog.Logger
	orders atomic.Uint64
}

var _ OrderSubmitter = (*PaperSubmitter)(nil)

func NewPaperSubmitter(logger *slog.Logger) *PaperSubmitter {
	return &PaperSubmitter{logger: logger.With(slog.String("component", "paper_submitter"))}
}

func (p *PaperSubmitter) Submit(_ context.Context, o domain.Order) (domain.OrderResult, error) {
	if o.Price <= 0 || o.Price >= 1 || o.Size <= 0 {
		return domain.OrderResult{Status: domain.OrderStatusFailed, Message: "invalid order"},
			fmt.Errorf("executor: paper submit: %w", domain.ErrInvalidOrder)
	}
	p.orders.Add(1)
	id := o.ID
	if id == "" {
		id = "paper_" + uuid.NewString()
	}
	p.logger.Info("paper fill",
		slog.String("order_id", id),
		slog.String("token_id", o.TokenID),
		slog.Float64("price", o.Price),
		slog.Float64("size", o.Size),
	)
	return domain.OrderResult{
		Success:     true,
		OrderID:     id,
		Status:      domain.OrderStatusMatched,
		FilledPrice: o.Price,
		FilledSize:  o.Size,
	}, nil
}

// Orders counts paper fills since start.
func (p *PaperSubmitter) Orders() uint64 { return p.orders.Load() }

// Poster sends a signed order payload to the venue.
type Poster interface {
	PostOrder(ctx context.Context, p crypto.OrderPayload, signature string, typ domain.OrderType) (domain.OrderResult, error)
}

// LiveSubmitter signs an EIP-712 order and posts it.
type LiveSubmitter struct {
	signer   *crypto.Signer
	poster   Poster
	resolver domain.MarketResolver
	logger   *slog.Logger
}

var _ OrderSubmitter = (*LiveSubmitter)(nil)

// NewLiveSubmitter wires a live submitter. resolver supplies the neg-risk
// flag that selects the exchange contract; nil means the standard exchange.
func NewLiveSubmitter(signer *crypto.Signer, poster Poster, resolver domain.MarketResolver, logger *slog.Logger) *LiveSubmitter {
	return &LiveSubmitter{
		signer:   signer,
		poster:   poster,
		resolver: resolver,
		logger:   logger.With(slog.String("component", "live_submitter")),
	}
}

func (l *LiveSubmitter) Submit(ctx context.Context, o domain.Order) (domain.OrderResult, error) {
	payload, err := l.signer.BuyPayload(o.TokenID, o.Price, o.Size, randomSalt())
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("executor: build order: %w", err)
	}
	negRisk := false
	if l.resolver != nil {
		if m, err := l.resolver.MarketForToken(ctx, o.TokenID); err == nil {
			negRisk = m.NegRisk
		}
	}
	sig, err := l.signer.SignOrder(payload, negRisk)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("executor: sign order: %w", err)
	}
	typ := o.Type
	if typ == "" {
		typ = domain.OrderTypeFOK
	}
	res, err := l.poster.PostOrder(ctx, payload, sig, typ)
	if err != nil {
		return res, fmt.Errorf("executor: post order: %w", err)
	}
	l.logger.Info("order posted",
		slog.String("entry_id", o.EntryID),
		slog.String("order_id", res.OrderID),
		slog.String("status", string(res.Status)),
	)
	if res.FilledPrice == 0 {
		res.FilledPrice = o.Price
	}
	if res.FilledSize == 0 {
		res.FilledSize = o.Size
	}
	return res, nil
}

func randomSalt() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return time.Now().UnixNano() & (1<<53 - 1)
	}
	return n.Int64()
}

// GatedExecutor runs the risk gate before every submission.
type GatedExecutor struct {
	gate      *risk.Gate
	submitter OrderSubmitter
	logger    *slog.Logger
	errors    prometheus.Counter
}

// NewGatedExecutor wires the gate and submitter. The error counter is
// registered when reg is not nil.
func NewGatedExecutor(gate *risk.Gate, submitter OrderSubmitter, logger *slog.Logger, reg prometheus.Registerer) *GatedExecutor {
	e := &GatedExecutor{
		gate:      gate,
		submitter: submitter,
		logger:    logger.With(slog.String("component", "executor")),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "probebot_execute_errors_total",
			Help: "Entry orders that failed at submission.",
		}),
	}
	if reg != nil {
		reg.MustRegister(e.errors)
	}
	return e
}

// PlaceEntry checks c against the gate and submits o when allowed. A gate
// rejection returns the decision and no error.
func (e *GatedExecutor) PlaceEntry(ctx context.Context, c risk.EntryCheck, o domain.Order) (risk.Decision, domain.OrderResult, error) {
	if e.gate != nil {
		if d := e.gate.CheckEntryAllowed(ctx, c); !d.Allowed {
			return d, domain.OrderResult{}, nil
		}
	}
	res, err := e.submitter.Submit(ctx, o)
	if err == nil && !res.Success {
		err = fmt.Errorf("executor: %w: %s", domain.ErrInvalidOrder, res.Message)
	}
	if err != nil {
		e.errors.Inc()
		e.logger.Error("entry submit failed",
			slog.String("token_id", o.TokenID),
			slog.String("error", err.Error()),
		)
		return risk.Decision{Reason: "execute_error", Details: map[string]any{"error": err.Error()}}, res, err
	}
	return risk.Decision{Allowed: true}, res, nil
}

// Submit lets the gated executor stand in wherever a plain submitter is
// expected; the gate is not consulted.
func (e *GatedExecutor) Submit(ctx context.Context, o domain.Order) (domain.OrderResult, error) {
	return e.submitter.Submit(ctx, o)
}
