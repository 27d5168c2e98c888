// Package config defines the top-level configuration for the probe bot
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PROBEBOT_* environment variables.
type Config struct {
	Wallet      WalletConfig      `toml:"wallet"`
	Polymarket  PolymarketConfig  `toml:"polymarket"`
	MarketData  MarketDataConfig  `toml:"marketdata"`
	Reconcile   ReconcileConfig   `toml:"reconcile"`
	Position    PositionConfig    `toml:"position"`
	Risk        RiskConfig        `toml:"risk"`
	KillSwitch  KillSwitchConfig  `toml:"killswitch"`
	Dislocation DislocationConfig `toml:"dislocation"`
	Storage     StorageConfig     `toml:"storage"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// WalletConfig holds Ethereum wallet credentials used for live order signing.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	SafeAddress      string `toml:"safe_address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds venue endpoints and the provider switches.
type PolymarketConfig struct {
	ClobHost      string  `toml:"clob_host"`
	GammaHost     string  `toml:"gamma_host"`
	WsHost        string  `toml:"ws_host"`
	RTDSHost      string  `toml:"rtds_host"`
	RTDSTopic     string  `toml:"rtds_topic"`
	ChainID       int     `toml:"chain_id"`
	SignatureType int     `toml:"signature_type"`
	EnableWS      bool    `toml:"enable_ws"`
	EnableRTDS    bool    `toml:"enable_rtds"`
	EnableREST    bool    `toml:"enable_rest"`
	RESTRate      float64 `toml:"rest_rate"`
	RESTBurst     int     `toml:"rest_burst"`
	MarketPrefix  string  `toml:"market_prefix"`
}

// MarketDataConfig tunes the ingestion pipeline.
type MarketDataConfig struct {
	BusQueueSize  int      `toml:"bus_queue_size"`
	PingInterval  duration `toml:"ping_interval"`
	PongTimeout   duration `toml:"pong_timeout"`
	MaxBackoff    duration `toml:"max_backoff"`
	CacheStale    duration `toml:"cache_stale"`
	RESTPollEvery duration `toml:"rest_poll_every"`
}

// ReconcileConfig holds subscription reconciliation parameters.
type ReconcileConfig struct {
	Interval         duration `toml:"interval"`
	MissingThreshold int      `toml:"missing_threshold"`
	KeepAlive        duration `toml:"keep_alive"`
	SilenceWarnEvery duration `toml:"silence_warn_every"`
}

// PositionConfig holds trade state machine parameters.
type PositionConfig struct {
	ConfirmTimeout  duration `toml:"confirm_timeout"`
	ActionCooldown  duration `toml:"action_cooldown"`
	IdempotencyTTL  duration `toml:"idempotency_ttl"`
	SaveDebounce    duration `toml:"save_debounce"`
	SweepInterval   duration `toml:"sweep_interval"`
	DefaultLeg1Size float64  `toml:"default_leg1_size"`
	SignalDedupeTTL duration `toml:"signal_dedupe_ttl"`
	MaxConfidence   float64  `toml:"max_confidence"`

	// Automatic exits; zero disables a rule.
	SoftStopAdverseMove float64  `toml:"soft_stop_adverse_move"`
	TimeStop            duration `toml:"time_stop"`

	// ConfidenceSizing scales default_leg1_size by the alert confidence
	// above min_confidence.
	ConfidenceSizing bool    `toml:"confidence_sizing"`
	MinConfidence    float64 `toml:"min_confidence"`
}

// RiskConfig holds entry-gate and exposure limits.
type RiskConfig struct {
	DisableConfidenceGE    float64  `toml:"disable_confidence_ge"`
	RequireFreshBook       bool     `toml:"require_fresh_book"`
	MaxBookAge             duration `toml:"max_book_age"`
	MaxEntrySpread         float64  `toml:"max_entry_spread"`
	HardRejectSpread       float64  `toml:"hard_reject_spread"`
	SoftSpreadSizeOverride float64  `toml:"soft_spread_size_override"`
	MinTopLevelSize        float64  `toml:"min_top_level_size"`
	Equity                 float64  `toml:"equity"`
	MaxExposurePct         float64  `toml:"max_exposure_pct"`
}

// KillSwitchConfig holds the performance-based entry suspension parameters.
type KillSwitchConfig struct {
	Enabled         bool     `toml:"enabled"`
	LookbackClosed  int      `toml:"lookback_closed"`
	MaxRealizedLoss float64  `toml:"max_realized_loss"`
	MinWinrate      float64  `toml:"min_winrate"`
	Cooldown        duration `toml:"cooldown"`
}

// DislocationConfig holds detector and fast-entry parameters.
type DislocationConfig struct {
	Enabled          bool     `toml:"enabled"`
	Window           duration `toml:"window"`
	DropThresholdPct float64  `toml:"drop_threshold_pct"`
	SpeedThreshold   float64  `toml:"speed_threshold"`
	ExpectedMoveRate float64  `toml:"expected_move_rate"`
	Leg1Size         float64  `toml:"leg1_size"`
	PollInterval     duration `toml:"poll_interval"`
	EntryCooldown    duration `toml:"entry_cooldown"`
	LatencyWindow    int      `toml:"latency_window"`
	LatencyLogEvery  int      `toml:"latency_log_every"`
	DiscoverEvery    duration `toml:"discover_every"`
}

// StorageConfig locates the local durable state files.
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// PostgresConfig holds PostgreSQL connection parameters for the trade ledger mirror.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	BookTTL      duration `toml:"book_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	RateLimit    int      `toml:"rate_limit"`
	RateWindow   duration `toml:"rate_window"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	ArchiveEvery   duration `toml:"archive_every"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			GammaHost:     "https://gamma-api.polymarket.com",
			WsHost:        "wss://ws-subscriptions-clob.polymarket.com",
			RTDSHost:      "wss://ws-live-data.polymarket.com",
			RTDSTopic:     "crypto_prices",
			ChainID:       137,
			SignatureType: 2,
			EnableWS:      true,
			EnableREST:    true,
			RESTRate:      5,
			RESTBurst:     5,
			MarketPrefix:  "btc-updown-15m",
		},
		MarketData: MarketDataConfig{
			BusQueueSize:  1000,
			PingInterval:  duration{10 * time.Second},
			PongTimeout:   duration{30 * time.Second},
			MaxBackoff:    duration{30 * time.Second},
			CacheStale:    duration{30 * time.Second},
			RESTPollEvery: duration{5 * time.Second},
		},
		Reconcile: ReconcileConfig{
			Interval:         duration{30 * time.Second},
			MissingThreshold: 3,
			KeepAlive:        duration{5 * time.Minute},
			SilenceWarnEvery: duration{60 * time.Second},
		},
		Position: PositionConfig{
			ConfirmTimeout:  duration{30 * time.Second},
			ActionCooldown:  duration{2 * time.Second},
			IdempotencyTTL:  duration{time.Hour},
			SaveDebounce:    duration{time.Second},
			SweepInterval:   duration{5 * time.Second},
			DefaultLeg1Size: 1.0,
			SignalDedupeTTL: duration{30 * time.Minute},
			MaxConfidence:   10,

			SoftStopAdverseMove: 0.10,
			TimeStop:            duration{30 * time.Minute},

			ConfidenceSizing: true,
			MinConfidence:    5,
		},
		Risk: RiskConfig{
			DisableConfidenceGE: 7,
			RequireFreshBook:    true,
			MaxBookAge:          duration{20 * time.Second},
			MaxEntrySpread:      0.05,
			HardRejectSpread:    0.30,
			MinTopLevelSize:     0,
			Equity:              100,
			MaxExposurePct:      0.10,
		},
		KillSwitch: KillSwitchConfig{
			Enabled:         true,
			LookbackClosed:  20,
			MaxRealizedLoss: -5.0,
			MinWinrate:      0.25,
			Cooldown:        duration{15 * time.Minute},
		},
		Dislocation: DislocationConfig{
			Enabled:          true,
			Window:           duration{2 * time.Second},
			DropThresholdPct: 2.0,
			SpeedThreshold:   1.5,
			ExpectedMoveRate: 0.1,
			Leg1Size:         1.0,
			PollInterval:     duration{100 * time.Millisecond},
			EntryCooldown:    duration{10 * time.Second},
			LatencyWindow:    100,
			LatencyLogEvery:  50,
			DiscoverEvery:    duration{time.Minute},
		},
		Storage: StorageConfig{
			DataDir: "data",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			BookTTL:      duration{10 * time.Minute},
			StreamMaxLen: 10000,
			RateLimit:    60,
			RateWindow:   duration{time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "probebot-data",
			ForcePathStyle: true,
			ArchiveEvery:   duration{time.Hour},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Notify: NotifyConfig{
			Events: []string{"trade_opened", "trade_exited", "kill_switch"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"paper":   true,
	"live":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, paper, live)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet and the single-trader lock are only needed when real orders go out.
	if strings.EqualFold(c.Mode, "live") {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode live")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if !c.Redis.Enabled {
			errs = append(errs, "redis: must be enabled for mode live (trader lock)")
		}
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType != 0 && c.Polymarket.SignatureType != 1 && c.Polymarket.SignatureType != 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0, 1 or 2, got %d", c.Polymarket.SignatureType))
	}
	if c.Polymarket.EnableREST && c.Polymarket.RESTRate <= 0 {
		errs = append(errs, "polymarket: rest_rate must be > 0 when enable_rest is set")
	}

	if c.MarketData.BusQueueSize < 1 {
		errs = append(errs, "marketdata: bus_queue_size must be >= 1")
	}
	if c.MarketData.PongTimeout.Duration <= c.MarketData.PingInterval.Duration {
		errs = append(errs, "marketdata: pong_timeout must exceed ping_interval")
	}

	if c.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, "reconcile: interval must be > 0")
	}
	if c.Reconcile.MissingThreshold < 1 {
		errs = append(errs, "reconcile: missing_threshold must be >= 1")
	}

	if c.Position.ConfirmTimeout.Duration <= 0 {
		errs = append(errs, "position: confirm_timeout must be > 0")
	}
	if c.Position.SaveDebounce.Duration <= 0 {
		errs = append(errs, "position: save_debounce must be > 0")
	}
	if c.Position.DefaultLeg1Size <= 0 {
		errs = append(errs, "position: default_leg1_size must be > 0")
	}
	if c.Position.SoftStopAdverseMove < 0 || c.Position.SoftStopAdverseMove > 1 {
		errs = append(errs, "position: soft_stop_adverse_move must be in [0, 1]")
	}
	if c.Position.TimeStop.Duration < 0 {
		errs = append(errs, "position: time_stop must be >= 0")
	}

	if c.Risk.HardRejectSpread < c.Risk.MaxEntrySpread {
		errs = append(errs, "risk: hard_reject_spread must be >= max_entry_spread")
	}
	if c.Risk.MaxExposurePct <= 0 || c.Risk.MaxExposurePct > 1 {
		errs = append(errs, "risk: max_exposure_pct must be in (0, 1]")
	}

	if c.KillSwitch.Enabled {
		if c.KillSwitch.LookbackClosed < 1 {
			errs = append(errs, "killswitch: lookback_closed must be >= 1")
		}
		if c.KillSwitch.MinWinrate < 0 || c.KillSwitch.MinWinrate > 1 {
			errs = append(errs, "killswitch: min_winrate must be in [0, 1]")
		}
		if c.KillSwitch.Cooldown.Duration <= 0 {
			errs = append(errs, "killswitch: cooldown must be > 0")
		}
	}

	if c.Dislocation.Enabled {
		if c.Dislocation.Window.Duration <= 0 {
			errs = append(errs, "dislocation: window must be > 0")
		}
		if c.Dislocation.ExpectedMoveRate <= 0 {
			errs = append(errs, "dislocation: expected_move_rate must be > 0")
		}
		if c.Dislocation.Leg1Size <= 0 {
			errs = append(errs, "dislocation: leg1_size must be > 0")
		}
	}

	if c.Storage.DataDir == "" {
		errs = append(errs, "storage: data_dir must not be empty")
	}

	if c.Postgres.Enabled && strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
