package app

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/probebot/internal/config"
	"github.com/alanyoungcy/probebot/internal/executor"
)

func offlineConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Polymarket.EnableWS = false
	cfg.Polymarket.EnableRTDS = false
	cfg.Polymarket.EnableREST = false
	return &cfg
}

func TestWireWithoutBackends(t *testing.T) {
	cfg := offlineConfig(t)
	deps, cleanup, err := Wire(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Registry)
	assert.Nil(t, deps.Books)
	assert.Nil(t, deps.Events)
	assert.Nil(t, deps.Trades)
	assert.Nil(t, deps.Archiver)
	assert.Nil(t, deps.Locks)
	assert.Equal(t, deps.Gamma, deps.Resolver)
	assert.False(t, deps.Notifier.Enabled())
}

func TestBuildPaperRuntime(t *testing.T) {
	cfg := offlineConfig(t)
	logger := slog.New(slog.DiscardHandler)
	deps, cleanup, err := Wire(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer cleanup()

	a := New(cfg, logger)
	rt, err := a.build(context.Background(), deps, nil)
	require.NoError(t, err)
	assert.Nil(t, rt.poller)
	assert.Empty(t, rt.manager.List())
	assert.False(t, rt.gate.KillSwitchActive())

	tr := a.buildTrading(rt, deps, executor.NewPaperSubmitter(logger))
	require.NotNil(t, tr.fast)
	require.NotNil(t, tr.discovery)
	assert.NotNil(t, rt.health.Engine)
	assert.ElementsMatch(t, []string{"hub", "fast_entry"}, rt.bus.Consumers())

	h := a.handlers(rt, tr, deps)
	assert.NotNil(t, h.Health)
	assert.NotNil(t, h.Trades)
	assert.NotNil(t, h.Admin)
	assert.NotNil(t, h.Hub)

	monitor := a.handlers(rt, nil, deps)
	assert.Nil(t, monitor.Trades)
	assert.Nil(t, monitor.Admin)
}

func TestLiveModeRequiresTraderLock(t *testing.T) {
	cfg := offlineConfig(t)
	cfg.Mode = "live"
	logger := slog.New(slog.DiscardHandler)
	deps, cleanup, err := Wire(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer cleanup()

	err = New(cfg, logger).LiveMode(context.Background(), deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trader lock")
}
