package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PROBEBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PROBEBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
// Secrets are expected to arrive this way rather than through the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "PROBEBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.SafeAddress, "PROBEBOT_WALLET_SAFE_ADDRESS")
	setStr(&cfg.Wallet.EncryptedKeyPath, "PROBEBOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "PROBEBOT_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "PROBEBOT_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "PROBEBOT_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "PROBEBOT_POLYMARKET_WS_HOST")
	setStr(&cfg.Polymarket.RTDSHost, "PROBEBOT_POLYMARKET_RTDS_HOST")
	setStr(&cfg.Polymarket.RTDSTopic, "PROBEBOT_POLYMARKET_RTDS_TOPIC")
	setInt(&cfg.Polymarket.ChainID, "PROBEBOT_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "PROBEBOT_POLYMARKET_SIGNATURE_TYPE")
	setBool(&cfg.Polymarket.EnableWS, "PROBEBOT_POLYMARKET_ENABLE_WS")
	setBool(&cfg.Polymarket.EnableRTDS, "PROBEBOT_POLYMARKET_ENABLE_RTDS")
	setBool(&cfg.Polymarket.EnableREST, "PROBEBOT_POLYMARKET_ENABLE_REST")
	setFloat64(&cfg.Polymarket.RESTRate, "PROBEBOT_POLYMARKET_REST_RATE")
	setStr(&cfg.Polymarket.MarketPrefix, "PROBEBOT_POLYMARKET_MARKET_PREFIX")

	// ── Market data / reconcile ──
	setInt(&cfg.MarketData.BusQueueSize, "PROBEBOT_MARKETDATA_BUS_QUEUE_SIZE")
	setDuration(&cfg.MarketData.PingInterval, "PROBEBOT_MARKETDATA_PING_INTERVAL")
	setDuration(&cfg.MarketData.PongTimeout, "PROBEBOT_MARKETDATA_PONG_TIMEOUT")
	setDuration(&cfg.Reconcile.Interval, "PROBEBOT_RECONCILE_INTERVAL")
	setInt(&cfg.Reconcile.MissingThreshold, "PROBEBOT_RECONCILE_MISSING_THRESHOLD")

	// ── Position ──
	setDuration(&cfg.Position.ConfirmTimeout, "PROBEBOT_POSITION_CONFIRM_TIMEOUT")
	setDuration(&cfg.Position.SaveDebounce, "PROBEBOT_POSITION_SAVE_DEBOUNCE")
	setFloat64(&cfg.Position.DefaultLeg1Size, "PROBEBOT_POSITION_DEFAULT_LEG1_SIZE")
	setFloat64(&cfg.Position.SoftStopAdverseMove, "PROBEBOT_POSITION_SOFT_STOP_ADVERSE_MOVE")
	setDuration(&cfg.Position.TimeStop, "PROBEBOT_POSITION_TIME_STOP")
	setBool(&cfg.Position.ConfidenceSizing, "PROBEBOT_POSITION_CONFIDENCE_SIZING")

	// ── Risk / kill switch ──
	setFloat64(&cfg.Risk.DisableConfidenceGE, "PROBEBOT_RISK_DISABLE_CONFIDENCE_GE")
	setBool(&cfg.Risk.RequireFreshBook, "PROBEBOT_RISK_REQUIRE_FRESH_BOOK")
	setDuration(&cfg.Risk.MaxBookAge, "PROBEBOT_RISK_MAX_BOOK_AGE")
	setFloat64(&cfg.Risk.MaxEntrySpread, "PROBEBOT_RISK_MAX_ENTRY_SPREAD")
	setFloat64(&cfg.Risk.HardRejectSpread, "PROBEBOT_RISK_HARD_REJECT_SPREAD")
	setFloat64(&cfg.Risk.SoftSpreadSizeOverride, "PROBEBOT_RISK_SOFT_SPREAD_SIZE_OVERRIDE")
	setFloat64(&cfg.Risk.MinTopLevelSize, "PROBEBOT_RISK_MIN_TOP_LEVEL_SIZE")
	setFloat64(&cfg.Risk.Equity, "PROBEBOT_RISK_EQUITY")
	setFloat64(&cfg.Risk.MaxExposurePct, "PROBEBOT_RISK_MAX_EXPOSURE_PCT")
	setBool(&cfg.KillSwitch.Enabled, "PROBEBOT_KILLSWITCH_ENABLED")
	setInt(&cfg.KillSwitch.LookbackClosed, "PROBEBOT_KILLSWITCH_LOOKBACK_CLOSED")
	setFloat64(&cfg.KillSwitch.MaxRealizedLoss, "PROBEBOT_KILLSWITCH_MAX_REALIZED_LOSS")
	setFloat64(&cfg.KillSwitch.MinWinrate, "PROBEBOT_KILLSWITCH_MIN_WINRATE")
	setDuration(&cfg.KillSwitch.Cooldown, "PROBEBOT_KILLSWITCH_COOLDOWN")

	// ── Dislocation ──
	setBool(&cfg.Dislocation.Enabled, "PROBEBOT_DISLOCATION_ENABLED")
	setDuration(&cfg.Dislocation.Window, "PROBEBOT_DISLOCATION_WINDOW")
	setFloat64(&cfg.Dislocation.DropThresholdPct, "PROBEBOT_DISLOCATION_DROP_THRESHOLD_PCT")
	setFloat64(&cfg.Dislocation.SpeedThreshold, "PROBEBOT_DISLOCATION_SPEED_THRESHOLD")
	setFloat64(&cfg.Dislocation.ExpectedMoveRate, "PROBEBOT_DISLOCATION_EXPECTED_MOVE_RATE")
	setFloat64(&cfg.Dislocation.Leg1Size, "PROBEBOT_DISLOCATION_LEG1_SIZE")

	// ── Storage ──
	setStr(&cfg.Storage.DataDir, "PROBEBOT_STORAGE_DATA_DIR")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "PROBEBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "PROBEBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PROBEBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PROBEBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PROBEBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PROBEBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PROBEBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PROBEBOT_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "PROBEBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PROBEBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PROBEBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PROBEBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PROBEBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PROBEBOT_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "PROBEBOT_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "PROBEBOT_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PROBEBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PROBEBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PROBEBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PROBEBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PROBEBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PROBEBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PROBEBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PROBEBOT_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PROBEBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PROBEBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "PROBEBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "PROBEBOT_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PROBEBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PROBEBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PROBEBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PROBEBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PROBEBOT_MODE")
	setStr(&cfg.LogLevel, "PROBEBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
