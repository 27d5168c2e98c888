package reconcile

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokens []string

func (t tokens) ActiveTokens() []string  { return t }
func (t tokens) PendingTokens() []string { return t }

type fakeSub struct {
	mu      sync.Mutex
	subs    map[string]bool
	failSub bool
	last    time.Time
}

func newFakeSub(ids ...string) *fakeSub {
	f := &fakeSub{subs: map[string]bool{}}
	for _, id := range ids {
		f.subs[id] = true
	}
	return f
}

func (f *fakeSub) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for id := range f.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (f *fakeSub) Subscribe(_ context.Context, id string) error {
	if f.failSub {
		return errors.New("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[id] = true
	return nil
}

func (f *fakeSub) Unsubscribe(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

func (f *fakeSub) LastEventAt() time.Time { return f.last }
func (f *fakeSub) BusDropped() uint64     { return 0 }

func bufLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestStepUnsubscribesOnlyAfterThreshold(t *testing.T) {
	logger, _ := bufLogger()
	r := New(Config{MissingThreshold: 3}, nil, tokens{"a"}, nil, nil, logger, nil)
	now := time.Now()

	plan, ref := r.Step(now, []string{"b"})
	assert.Equal(t, []string{"a"}, plan.Subscribe)
	assert.Empty(t, plan.Unsubscribe)
	assert.Equal(t, map[string]int{"a": 1}, ref)
	assert.Equal(t, 1, r.Missing("b"))

	plan, _ = r.Step(now, []string{"a", "b"})
	assert.Empty(t, plan.Unsubscribe)
	assert.Equal(t, 2, r.Missing("b"))

	plan, _ = r.Step(now, []string{"a", "b"})
	assert.Equal(t, []string{"b"}, plan.Unsubscribe)
	assert.Equal(t, 0, r.Missing("b"), "counter removed once unsubscribe is scheduled")
}

func TestStepForgetsTokensUnsubscribedElsewhere(t *testing.T) {
	logger, _ := bufLogger()
	r := New(Config{MissingThreshold: 3}, nil, nil, nil, nil, logger, nil)
	now := time.Now()

	r.Step(now, []string{"x", "y"})
	r.Step(now, []string{"x", "y"})
	require.Equal(t, 2, r.Missing("x"))

	plan, _ := r.Step(now, []string{"y"})
	assert.Equal(t, []string{"y"}, plan.Unsubscribe)
	assert.Equal(t, 0, r.Missing("x"))

	plan, _ = r.Step(now, []string{"x"})
	assert.Empty(t, plan.Unsubscribe, "a returning token starts a fresh count")
	assert.Equal(t, 1, r.Missing("x"))
}

func TestStepResetsCounterWhenTokenReturns(t *testing.T) {
	logger, _ := bufLogger()
	keep := NewKeepAlive()
	r := New(Config{MissingThreshold: 3}, nil, nil, nil, keep, logger, nil)
	now := time.Now()

	r.Step(now, []string{"x"})
	r.Step(now, []string{"x"})
	require.Equal(t, 2, r.Missing("x"))

	keep.Grant("x", time.Minute)
	plan, _ := r.Step(now, []string{"x"})
	assert.Empty(t, plan.Unsubscribe)
	assert.Equal(t, 0, r.Missing("x"))

	plan, _ = r.Step(now.Add(2*time.Minute), []string{"x"})
	assert.Empty(t, plan.Unsubscribe)
	assert.Equal(t, 1, r.Missing("x"), "expired grant starts the count again")
}

func TestDesiredCountsEverySource(t *testing.T) {
	logger, _ := bufLogger()
	keep := NewKeepAlive()
	keep.Grant("a", time.Minute)
	r := New(Config{}, nil, tokens{"a", "b"}, tokens{"a"}, keep, logger, nil)
	assert.Equal(t, map[string]int{"a": 3, "b": 1}, r.Desired(time.Now()))
}

func TestKeepAliveGrantNeverShortens(t *testing.T) {
	k := NewKeepAlive()
	base := time.Unix(1000, 0)
	k.now = func() time.Time { return base }
	k.Grant("t", time.Minute)
	k.Grant("t", time.Second)
	assert.Equal(t, []string{"t"}, k.Tokens(base.Add(30*time.Second)))
	assert.Empty(t, k.Tokens(base.Add(time.Minute)))
}

func TestCycleAppliesPlanAndCountsErrors(t *testing.T) {
	logger, _ := bufLogger()
	reg := prometheus.NewRegistry()
	sub := newFakeSub("stale")
	r := New(Config{MissingThreshold: 1}, sub, tokens{"want"}, nil, nil, logger, reg)

	r.Cycle(context.Background(), time.Now())
	assert.Equal(t, []string{"want"}, sub.Subscriptions())

	sub.failSub = true
	r2 := New(Config{}, sub, tokens{"other"}, nil, nil, logger, prometheus.NewRegistry())
	r2.Cycle(context.Background(), time.Now())
	assert.Equal(t, 1.0, testutil.ToFloat64(r2.errs))
}

func TestCycleWithoutAdapterWarnsOnce(t *testing.T) {
	logger, buf := bufLogger()
	r := New(Config{}, nil, tokens{"a"}, nil, nil, logger, nil)
	for i := 0; i < 3; i++ {
		r.Cycle(context.Background(), time.Now())
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "reconciliation disabled"))
}

func TestSilenceWarningIsRateLimited(t *testing.T) {
	logger, buf := bufLogger()
	sub := newFakeSub("a")
	r := New(Config{SilenceWarnEvery: time.Minute}, sub, tokens{"a"}, nil, nil, logger, nil)
	now := time.Now()

	r.Cycle(context.Background(), now)
	r.Cycle(context.Background(), now.Add(30*time.Second))
	r.Cycle(context.Background(), now.Add(61*time.Second))
	assert.Equal(t, 2, strings.Count(buf.String(), "no market data arriving"))
}
