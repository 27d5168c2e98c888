package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/probebot/internal/crypto"
	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/alanyoungcy/probebot/internal/risk"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPaperSubmitterFillsAtLimit(t *testing.T) {
	p := NewPaperSubmitter(discard())
	res, err := p.Submit(context.Background(), domain.Order{TokenID: "tok", Price: 0.42, Size: 3})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.OrderStatusMatched, res.Status)
	assert.InDelta(t, 0.42, res.FilledPrice, 1e-9)
	assert.InDelta(t, 3, res.FilledSize, 1e-9)
	assert.Contains(t, res.OrderID, "paper_")

	_, err = p.Submit(context.Background(), domain.Order{Price: 1.5, Size: 1})
	require.ErrorIs(t, err, domain.ErrInvalidOrder)
	assert.Equal(t, uint64(1), p.Orders())
}

type recordingPoster struct {
	payload crypto.OrderPayload
	sig     string
	typ     domain.OrderType
	res     domain.OrderResult
	err     error
}

func (r *recordingPoster) PostOrder(_ context.Context, p crypto.OrderPayload, sig string, typ domain.OrderType) (domain.OrderResult, error) {
	r.payload, r.sig, r.typ = p, sig, typ
	return r.res, r.err
}

type negRiskResolver struct{}

func (negRiskResolver) MarketForToken(context.Context, string) (domain.Market, error) {
	return domain.Market{ID: "m", NegRisk: true}, nil
}

func TestLiveSubmitterSignsAndPosts(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.NewSigner(key, 137, "", 0)
	poster := &recordingPoster{res: domain.OrderResult{Success: true, OrderID: "0xabc", Status: domain.OrderStatusMatched}}

	l := NewLiveSubmitter(signer, poster, negRiskResolver{}, discard())
	res, err := l.Submit(context.Background(), domain.Order{TokenID: "123", Price: 0.5, Size: 4})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", res.OrderID)
	assert.InDelta(t, 0.5, res.FilledPrice, 1e-9)

	assert.Equal(t, domain.OrderTypeFOK, poster.typ)
	assert.Equal(t, "2000000", poster.payload.MakerAmount)
	assert.Equal(t, "4000000", poster.payload.TakerAmount)
	assert.Len(t, poster.sig, 132)

	want, err := signer.SignOrder(poster.payload, true)
	require.NoError(t, err)
	assert.Equal(t, want, poster.sig, "neg-risk markets sign for the neg-risk exchange")
}

func TestLiveSubmitterRejectsBadPrice(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	poster := &recordingPoster{}
	l := NewLiveSubmitter(crypto.NewSigner(key, 137, "", 0), poster, nil, discard())
	_, err = l.Submit(context.Background(), domain.Order{TokenID: "1", Price: 1, Size: 1})
	require.Error(t, err)
	assert.Empty(t, poster.sig)
}

type stubSubmitter struct {
	res   domain.OrderResult
	err   error
	calls int
}

func (s *stubSubmitter) Submit(context.Context, domain.Order) (domain.OrderResult, error) {
	s.calls++
	return s.res, s.err
}

func TestGatedExecutor(t *testing.T) {
	gate := risk.NewGate(risk.Config{RequireFreshBook: true}, nil, nil, nil, discard(), nil)

	sub := &stubSubmitter{res: domain.OrderResult{Success: true}}
	e := NewGatedExecutor(gate, sub, discard(), prometheus.NewRegistry())
	d, _, err := e.PlaceEntry(context.Background(), risk.EntryCheck{TokenID: "tok"}, domain.Order{})
	require.NoError(t, err)
	assert.Equal(t, "no_orderbook", d.Reason)
	assert.Zero(t, sub.calls)

	open := NewGatedExecutor(nil, sub, discard(), nil)
	d, res, err := open.PlaceEntry(context.Background(), risk.EntryCheck{}, domain.Order{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, res.Success)

	failing := NewGatedExecutor(nil, &stubSubmitter{err: errors.New("boom")}, discard(), prometheus.NewRegistry())
	d, _, err = failing.PlaceEntry(context.Background(), risk.EntryCheck{}, domain.Order{})
	require.Error(t, err)
	assert.Equal(t, "execute_error", d.Reason)
	assert.Equal(t, 1.0, testutil.ToFloat64(failing.errors))
}

func TestDedup(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d := NewDedup(30 * time.Minute)
	d.now = func() time.Time { return now }

	key := SignalKey("sig-1", domain.SideUp)
	assert.Equal(t, "sig-1-BULL", key)
	assert.Equal(t, "sig-1-BEAR", SignalKey("sig-1", domain.SideDown))

	assert.False(t, d.IsDuplicate(key))
	assert.True(t, d.IsDuplicate(key))
	assert.False(t, d.IsDuplicate(SignalKey("sig-1", domain.SideDown)))
	assert.False(t, d.IsDuplicate(""))
	assert.False(t, d.IsDuplicate(""))

	now = now.Add(31 * time.Minute)
	d.Cleanup()
	assert.Zero(t, d.Len())
	assert.False(t, d.IsDuplicate(key))
}
