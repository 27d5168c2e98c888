package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/probebot/internal/blob/s3"
	"github.com/alanyoungcy/probebot/internal/cache/redis"
	"github.com/alanyoungcy/probebot/internal/config"
	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/alanyoungcy/probebot/internal/notify"
	"github.com/alanyoungcy/probebot/internal/platform/polymarket"
	"github.com/alanyoungcy/probebot/internal/store/postgres"
)

// File names under the storage data dir.
const (
	ledgerFile     = "trades.jsonl"
	stateFile      = "position_state.json"
	killSwitchFile = "kill_switch.json"
	fillsFile      = "fills.jsonl"
)

// Dependencies bundles the infrastructure the modes build on. Optional
// backends are nil when disabled in config.
type Dependencies struct {
	Registry *prometheus.Registry

	Gamma    *polymarket.GammaClient
	Resolver domain.MarketResolver

	// Redis
	Books       domain.BookMirror
	Events      *redis.SignalBus
	State       domain.StateMirror
	RateLimiter domain.RateLimiter
	Locks       *redis.LockManager

	// Postgres
	Trades *postgres.TradeStore
	Audit  *postgres.AuditStore

	Archiver *s3blob.Archiver
	Notifier *notify.Notifier
}

func dataPath(cfg *config.Config, name string) string {
	return filepath.Join(cfg.Storage.DataDir, name)
}

// Wire builds every configured backend and returns them with a cleanup
// function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost)
	deps := &Dependencies{
		Registry: reg,
		Gamma:    gamma,
		Resolver: gamma,
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.Books = redis.NewBookMirror(rc, cfg.Redis.BookTTL.Duration)
		deps.Events = redis.NewSignalBus(rc, cfg.Redis.StreamMaxLen)
		deps.State = redis.NewStateMirror(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.Locks = redis.NewLockManager(rc)
		deps.Resolver = redis.NewMarketCache(rc, gamma)
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Trades = postgres.NewTradeStore(pg.Pool())
		deps.Audit = postgres.NewAuditStore(pg.Pool())
	}

	// --- S3 archival ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := sc.Health(ctx); err != nil {
			logger.Warn("s3 bucket not reachable, archival will retry",
				slog.String("bucket", sc.Bucket()),
				slog.String("error", err.Error()),
			)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(sc), []s3blob.Source{
			{Kind: "trades", Path: dataPath(cfg, ledgerFile)},
			{Kind: "fills", Path: dataPath(cfg, fillsFile)},
		}, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
