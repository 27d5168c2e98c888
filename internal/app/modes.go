package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/probebot/internal/crypto"
	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/alanyoungcy/probebot/internal/executor"
	"github.com/alanyoungcy/probebot/internal/marketdata"
	"github.com/alanyoungcy/probebot/internal/notify"
	"github.com/alanyoungcy/probebot/internal/platform/polymarket"
	"github.com/alanyoungcy/probebot/internal/position"
	"github.com/alanyoungcy/probebot/internal/reconcile"
	"github.com/alanyoungcy/probebot/internal/risk"
	"github.com/alanyoungcy/probebot/internal/server"
	"github.com/alanyoungcy/probebot/internal/server/handler"
	"github.com/alanyoungcy/probebot/internal/server/ws"
	"github.com/alanyoungcy/probebot/internal/strategy"
)

const (
	shutdownTimeout = 10 * time.Second
	markInterval    = 2 * time.Second
	statusInterval  = 5 * time.Second
	traderLockKey   = "live_trader"
	traderLockTTL   = 30 * time.Second
)

// runtime is the component graph shared by every mode.
type runtime struct {
	bus     *marketdata.Bus
	adapter *marketdata.Adapter
	poller  *polymarket.BookPoller
	clob    *polymarket.ClobClient
	ledger  *position.Ledger
	manager *position.Manager
	keep    *reconcile.KeepAlive
	recon   *reconcile.Reconciler
	ks      *risk.KillSwitch
	gate    *risk.Gate
	hub     *ws.Hub
	hubFeed *marketdata.Consumer
	health  handler.HealthDeps
}

// build assembles market data, trade state, risk and the dashboard hub.
// signer is nil outside live mode.
func (a *App) build(ctx context.Context, deps *Dependencies, signer *crypto.Signer) (*runtime, error) {
	cfg := a.cfg
	rt := &runtime{
		bus:  marketdata.NewBus(cfg.MarketData.BusQueueSize),
		clob: polymarket.NewClobClient(cfg.Polymarket.ClobHost, signer),
		keep: reconcile.NewKeepAlive(),
		hub:  ws.NewHub(cfg.Mode, a.logger),
	}

	stream := polymarket.StreamConfig{
		PingInterval: cfg.MarketData.PingInterval.Duration,
		PongTimeout:  cfg.MarketData.PongTimeout.Duration,
		MaxBackoff:   cfg.MarketData.MaxBackoff.Duration,
	}
	var providers []domain.MarketDataProvider
	if cfg.Polymarket.EnableWS {
		sc := stream
		sc.URL = polymarket.MarketChannelURL(cfg.Polymarket.WsHost)
		providers = append(providers, polymarket.NewMarketStream(sc, a.logger))
	}
	if cfg.Polymarket.EnableRTDS {
		sc := stream
		sc.URL = cfg.Polymarket.RTDSHost
		providers = append(providers, polymarket.NewTopicStream(sc, cfg.Polymarket.RTDSTopic, a.logger))
	}
	if cfg.Polymarket.EnableREST {
		rt.poller = polymarket.NewBookPoller(rt.clob, cfg.Polymarket.RESTRate, cfg.Polymarket.RESTBurst, a.logger)
		providers = append(providers, rt.poller)
	}

	rt.adapter = marketdata.NewAdapter(marketdata.NewCache(), rt.bus, a.logger, providers...)
	if rt.poller != nil {
		rt.adapter.WithFallback(rt.poller)
	}
	if deps.Books != nil {
		rt.adapter.WithMirror(deps.Books)
	}
	rt.adapter.WithMetrics(marketdata.NewMetrics(deps.Registry, rt.adapter, rt.bus))
	rt.hubFeed = rt.bus.Register("hub", cfg.MarketData.BusQueueSize)

	// Trade state.
	rt.ledger = position.NewLedger(dataPath(cfg, ledgerFile))
	pdeps := position.Deps{
		State:      position.NewStateStore(dataPath(cfg, stateFile)),
		Ledger:     rt.ledger,
		Subscriber: rt.adapter,
	}
	if deps.Trades != nil {
		pdeps.Store = deps.Trades
	}
	if deps.Events != nil {
		pdeps.Publisher = deps.Events
	}
	rt.manager = position.NewManager(position.Config{
		ConfirmTimeout: cfg.Position.ConfirmTimeout.Duration,
		ActionCooldown: cfg.Position.ActionCooldown.Duration,
		IdempotencyTTL: cfg.Position.IdempotencyTTL.Duration,
		SaveDebounce:   cfg.Position.SaveDebounce.Duration,
		SweepInterval:  cfg.Position.SweepInterval.Duration,
	}, pdeps, a.logger)
	rt.manager.OnEvent(rt.hub.OnTradeEvent)
	rt.manager.OnEvent(deps.Notifier.OnTradeEvent)
	if err := rt.manager.Restore(); err != nil {
		return nil, fmt.Errorf("app: restore trades: %w", err)
	}

	rt.recon = reconcile.New(reconcile.Config{
		Interval:         cfg.Reconcile.Interval.Duration,
		MissingThreshold: cfg.Reconcile.MissingThreshold,
		SilenceWarnEvery: cfg.Reconcile.SilenceWarnEvery.Duration,
	}, rt.adapter, rt.manager, rt.manager, rt.keep, a.logger, deps.Registry)

	// Risk.
	rt.ks = risk.NewKillSwitch(dataPath(cfg, killSwitchFile), deps.State, a.logger)
	rt.ks.OnTrigger(func(reason string, until time.Time) {
		deps.Notifier.OnKillSwitch(reason, until)
		if deps.Audit == nil {
			return
		}
		detail := map[string]any{"reason": reason, "until": until.UTC().Format(time.RFC3339)}
		if err := deps.Audit.Log(context.Background(), "risk.kill_switch", detail); err != nil {
			a.logger.Warn("audit log failed", slog.String("error", err.Error()))
		}
	})
	if err := rt.ks.Load(ctx); err != nil {
		a.logger.Warn("kill switch state not loaded", slog.String("error", err.Error()))
	}
	rt.gate = risk.NewGate(risk.Config{
		DisableConfidenceGE:    cfg.Risk.DisableConfidenceGE,
		RequireFreshBook:       cfg.Risk.RequireFreshBook,
		MaxBookAge:             cfg.Risk.MaxBookAge.Duration,
		MaxEntrySpread:         cfg.Risk.MaxEntrySpread,
		HardRejectSpread:       cfg.Risk.HardRejectSpread,
		SoftSpreadSizeOverride: cfg.Risk.SoftSpreadSizeOverride,
		MinTopLevelSize:        cfg.Risk.MinTopLevelSize,
		KillSwitchEnabled:      cfg.KillSwitch.Enabled,
		LookbackClosed:         cfg.KillSwitch.LookbackClosed,
		MaxRealizedLoss:        cfg.KillSwitch.MaxRealizedLoss,
		MinWinrate:             cfg.KillSwitch.MinWinrate,
		Cooldown:               cfg.KillSwitch.Cooldown.Duration,
	}, rt.adapter, rt.ledger, rt.ks, a.logger, deps.Registry)

	rt.health = handler.HealthDeps{
		MarketData: rt.adapter,
		Risk:       rt.gate,
		Trades:     rt.manager,
	}
	return rt, nil
}

// trading holds the entry path built on top of the runtime in paper and live
// modes.
type trading struct {
	exposure  *risk.Exposure
	executor  *executor.GatedExecutor
	dedup     *executor.Dedup
	fast      *strategy.FastEntry
	discovery *strategy.Discovery
	fastFeed  *marketdata.Consumer
}

func (a *App) buildTrading(rt *runtime, deps *Dependencies, submitter executor.OrderSubmitter) *trading {
	cfg := a.cfg
	tr := &trading{
		exposure: risk.NewExposure(rt.manager, cfg.Risk.Equity, cfg.Risk.MaxExposurePct),
		executor: executor.NewGatedExecutor(rt.gate, submitter, a.logger, deps.Registry),
		dedup:    executor.NewDedup(cfg.Position.SignalDedupeTTL.Duration),
	}
	rt.manager.OnEvent(tr.exposure.OnTradeEvent)
	if !cfg.Dislocation.Enabled {
		return tr
	}

	det := strategy.NewDetector(strategy.DetectorConfig{
		Window:           cfg.Dislocation.Window.Duration,
		DropThresholdPct: cfg.Dislocation.DropThresholdPct,
		SpeedThreshold:   cfg.Dislocation.SpeedThreshold,
		ExpectedMoveRate: cfg.Dislocation.ExpectedMoveRate,
	})
	tr.fast = strategy.NewFastEntry(strategy.FastEntryConfig{
		Leg1Size:        cfg.Dislocation.Leg1Size,
		PollInterval:    cfg.Dislocation.PollInterval.Duration,
		EntryCooldown:   cfg.Dislocation.EntryCooldown.Duration,
		LatencyWindow:   cfg.Dislocation.LatencyWindow,
		LatencyLogEvery: cfg.Dislocation.LatencyLogEvery,
		FillsPath:       dataPath(cfg, fillsFile),
	}, det, strategy.FastEntryDeps{
		Books:     rt.adapter,
		Resolver:  deps.Resolver,
		Exposure:  tr.exposure,
		Gate:      rt.gate,
		Submitter: submitter,
		Trades:    rt.manager,
	}, a.logger, deps.Registry)
	tr.fast.SetHooks(strategy.Hooks{
		OnFailed: func(sig domain.DislocationSignal, err error) {
			deps.Notifier.Notify(notify.EventTradeFailed, "Probe entry failed",
				fmt.Sprintf("token %s: %v", sig.TokenID, err))
		},
	})
	tr.fastFeed = rt.bus.Register("fast_entry", cfg.MarketData.BusQueueSize)
	tr.discovery = strategy.NewDiscovery(deps.Gamma, cfg.Polymarket.MarketPrefix,
		cfg.Dislocation.DiscoverEvery.Duration, tr.fast, rt.keep, a.logger)
	rt.health.Engine = tr.fast
	return tr
}

func (a *App) handlers(rt *runtime, tr *trading, deps *Dependencies) server.Handlers {
	h := server.Handlers{
		Health: handler.NewHealthHandler(a.cfg.Mode, rt.health, a.logger),
		Hub:    rt.hub,
	}
	if deps.Trades != nil {
		var audit handler.AuditLog
		if deps.Audit != nil {
			audit = deps.Audit
		}
		h.History = handler.NewHistoryHandler(deps.Trades, audit, a.logger)
	}
	if tr == nil {
		return h
	}
	tcfg := handler.TradeConfig{
		DefaultSize:      a.cfg.Position.DefaultLeg1Size,
		MaxConfidence:    a.cfg.Position.MaxConfidence,
		ConfidenceSizing: a.cfg.Position.ConfidenceSizing,
		MinConfidence:    a.cfg.Position.MinConfidence,
		ConfirmTimeout:   a.cfg.Position.ConfirmTimeout.Duration,
		KeepAliveTTL:     a.cfg.Reconcile.KeepAlive.Duration,
	}
	tdeps := handler.TradeDeps{
		Manager:  rt.manager,
		Placer:   tr.executor,
		Limits:   tr.exposure,
		Counter:  rt.gate,
		Dedup:    tr.dedup,
		Books:    rt.adapter,
		Resolver: deps.Resolver,
		Keep:     rt.keep,
	}
	var events handler.EventLog
	if deps.Events != nil {
		events = deps.Events
	}
	if deps.Audit != nil {
		tdeps.Audit = deps.Audit
	}
	h.Trades = handler.NewTradeHandler(tcfg, tdeps, a.logger)
	h.Admin = handler.NewAdminHandler(rt.adapter, rt.keep, tcfg, events, tdeps.Audit, a.logger)
	return h
}

// serve starts every loop of rt (and tr when set) in g.
func (a *App) serve(ctx context.Context, g *errgroup.Group, rt *runtime, tr *trading, deps *Dependencies) {
	cfg := a.cfg

	g.Go(func() error {
		if err := rt.adapter.Start(ctx); err != nil {
			return fmt.Errorf("app: start market data: %w", err)
		}
		<-ctx.Done()
		rt.adapter.Stop()
		rt.bus.Close()
		return nil
	})
	if rt.poller != nil && cfg.MarketData.RESTPollEvery.Duration > 0 {
		g.Go(func() error { return rt.poller.Poll(ctx, cfg.MarketData.RESTPollEvery.Duration) })
	}
	g.Go(func() error { return rt.manager.Run(ctx) })
	g.Go(func() error { return rt.recon.Run(ctx) })
	g.Go(func() error { return rt.hub.Run(ctx, rt.hubFeed.C()) })
	g.Go(func() error { return deps.Notifier.Run(ctx) })
	g.Go(func() error { return a.markLoop(ctx, rt, tr) })
	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(ctx, cfg.S3.ArchiveEvery.Duration) })
	}

	if tr != nil && tr.fast != nil {
		g.Go(func() error { return tr.fast.Run(ctx, tr.fastFeed.C()) })
		g.Go(func() error { return tr.discovery.Run(ctx) })
	}

	if cfg.Server.Enabled {
		srv := server.NewServer(server.Config{
			Port:        cfg.Server.Port,
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Server.APIKey,
			Limiter:     deps.RateLimiter,
			RateLimit:   cfg.Redis.RateLimit,
			RateWindow:  cfg.Redis.RateWindow.Duration,
			Gatherer:    deps.Registry,
		}, a.handlers(rt, tr, deps), a.logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
}

// markLoop refreshes unrealized PnL from cached mids, closes trades that
// hit a stop at the best bid, prunes the signal dedupe table and pushes a
// status frame to dashboard clients.
func (a *App) markLoop(ctx context.Context, rt *runtime, tr *trading) error {
	stops := position.StopRules{
		SoftStopAdverseMove: a.cfg.Position.SoftStopAdverseMove,
		TimeStop:            a.cfg.Position.TimeStop.Duration,
	}
	mid := func(tokenID string) (float64, bool) {
		snap := rt.adapter.GetOrderBook(tokenID)
		if snap == nil {
			return 0, false
		}
		return snap.Mid()
	}
	bid := func(tokenID string) (float64, bool) {
		snap := rt.adapter.GetOrderBook(tokenID)
		if snap == nil || snap.BestBid == nil {
			return 0, false
		}
		return *snap.BestBid, true
	}
	mark := time.NewTicker(markInterval)
	defer mark.Stop()
	status := time.NewTicker(statusInterval)
	defer status.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mark.C:
			rt.manager.MarkAll(mid)
			if n := rt.manager.ApplyStops(ctx, stops, mid, bid); n > 0 {
				a.logger.Info("stops closed trades", slog.Int("count", n))
			}
			if tr != nil {
				tr.dedup.Cleanup()
			}
		case now := <-status.C:
			rt.hub.PublishStatus(map[string]any{
				"market_data":        rt.adapter.Status(now),
				"trades":             rt.manager.Stats(),
				"kill_switch_active": rt.gate.KillSwitchActive(),
				"ws_clients":         rt.hub.Clients(),
			})
		}
	}
}

// MonitorMode runs market data, reconciliation, the dashboard and health
// without any entry path.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	rt, err := a.build(ctx, deps, nil)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	a.serve(gctx, g, rt, nil, deps)
	return g.Wait()
}

// PaperMode runs the full entry path against the paper submitter.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	rt, err := a.build(ctx, deps, nil)
	if err != nil {
		return err
	}
	tr := a.buildTrading(rt, deps, executor.NewPaperSubmitter(a.logger))
	g, gctx := errgroup.WithContext(ctx)
	a.serve(gctx, g, rt, tr, deps)
	return g.Wait()
}

// LiveMode signs and posts real orders. It holds the trader lock for its
// whole run and stops when the lock is lost.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")
	if deps.Locks == nil {
		return errors.New("app: live mode requires redis for the trader lock")
	}

	key, err := crypto.LoadPrivateKey(crypto.KeySource{
		RawHex:   a.cfg.Wallet.PrivateKey,
		Path:     a.cfg.Wallet.EncryptedKeyPath,
		Password: a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fmt.Errorf("app: load wallet key: %w", err)
	}
	signer := crypto.NewSigner(key, int64(a.cfg.Polymarket.ChainID), a.cfg.Wallet.SafeAddress, a.cfg.Polymarket.SignatureType)

	lost, release, err := deps.Locks.Hold(ctx, traderLockKey, traderLockTTL)
	if err != nil {
		return fmt.Errorf("app: acquire trader lock: %w", err)
	}
	defer release()
	a.logger.InfoContext(ctx, "trader lock acquired", slog.String("address", signer.Address().Hex()))

	rt, err := a.build(ctx, deps, signer)
	if err != nil {
		return err
	}
	if _, err := rt.clob.DeriveAPIKey(ctx); err != nil {
		return fmt.Errorf("app: derive api key: %w", err)
	}
	tr := a.buildTrading(rt, deps, executor.NewLiveSubmitter(signer, rt.clob, deps.Resolver, a.logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-lost:
			return errors.New("app: trader lock lost")
		}
	})
	a.serve(gctx, g, rt, tr, deps)
	return g.Wait()
}
