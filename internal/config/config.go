// Package config defines all configuration for the execution core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via EXEC_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Book      BookConfig      `mapstructure:"book"`
	Validator ValidatorConfig `mapstructure:"validator"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Phase     PhaseConfig     `mapstructure:"phase"`
	LOK       LOKConfig       `mapstructure:"limit_or_kill"`
	Chaser    ChaserConfig    `mapstructure:"chaser"`
	Pyramid   PyramidConfig   `mapstructure:"pyramid"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Trigger   TriggerConfig   `mapstructure:"trigger"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the ingress HTTP server.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// AuthConfig holds webhook signature verification settings.
// WebhookSecret signs every inbound payload (HMAC-SHA-256, hex).
// MaxDrift rejects signals whose emission timestamp is too far from now.
type AuthConfig struct {
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	AllowedSources []string      `mapstructure:"allowed_sources"`
	MaxDrift       time.Duration `mapstructure:"max_drift"`
}

// ReplayConfig controls signal deduplication. TTL must cover the maximum
// observable signal lifetime (>= 2x the longest alpha half-life plus slack).
// RedisURL enables write-through to an external KV; empty keeps memory only.
type ReplayConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RedisURL      string        `mapstructure:"redis_url"`
}

// BookConfig controls the order-book cache and its WebSocket depth stream.
type BookConfig struct {
	WSURL           string            `mapstructure:"ws_url"`
	RESTURL         string            `mapstructure:"rest_url"`
	Symbols         []string          `mapstructure:"symbols"`
	DepthLimit      int               `mapstructure:"depth_limit"` // levels kept per side
	TopK            int               `mapstructure:"top_k"`       // levels summed for OBI
	MaxAge          time.Duration     `mapstructure:"max_age"`
	DefaultTickSize string            `mapstructure:"default_tick_size"`
	TickSizes       map[string]string `mapstructure:"tick_sizes"` // per-symbol overrides
}

// ValidatorConfig tunes the L2 microstructure checks applied before entry.
//
//   - MaxSpreadPct: reject when spread% of mid exceeds this.
//   - MinDepthMult: top-of-book depth must be >= mult x intended size.
//   - OBIBuyThreshold: BUY requires OBI >= threshold; SELL requires OBI <= 1/threshold.
//   - MinStructure: minimum acceptable structure score from the regime vector.
type ValidatorConfig struct {
	MaxSpreadPct    float64 `mapstructure:"max_spread_pct"`
	MinDepthMult    float64 `mapstructure:"min_depth_mult"`
	OBIBuyThreshold float64 `mapstructure:"obi_buy_threshold"`
	MinStructure    float64 `mapstructure:"min_structure"`
}

// BrokerConfig selects and configures the exchange adapter.
// Name is one of: mock, bybit, binance.
type BrokerConfig struct {
	Name        string        `mapstructure:"name"`
	APIKey      string        `mapstructure:"api_key"`
	APISecret   string        `mapstructure:"api_secret"`
	Testnet     bool          `mapstructure:"testnet"`
	BaseURL     string        `mapstructure:"base_url"` // override; empty uses the venue default
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryWait   time.Duration `mapstructure:"retry_wait"`
}

// RateLimitConfig sizes the process-wide token bucket in front of the broker.
// Refill should be set to 80% of the venue's documented request rate.
type RateLimitConfig struct {
	Capacity       float64       `mapstructure:"capacity"`
	RefillPerSec   float64       `mapstructure:"refill_per_sec"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// PhaseConfig controls the equity polling cadence of the phase manager.
type PhaseConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LOKConfig tunes the Limit-or-Kill strategy (Phase 1, MAKER).
type LOKConfig struct {
	WaitTime     time.Duration `mapstructure:"wait_time"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ChaserConfig tunes the Limit Chaser strategy.
//
//   - Interval: repricing tick cadence (10-50ms).
//   - MaxTicks / MaxTime: hard chase limits, whichever hits first.
//   - MinAlpha: cancel once remaining alpha decays below this fraction.
//   - HalfLifeScalp/Day/Swing: default alpha half-lives by signal type.
type ChaserConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	MaxTicks      int           `mapstructure:"max_ticks"`
	MaxTime       time.Duration `mapstructure:"max_time"`
	MinAlpha      float64       `mapstructure:"min_alpha"`
	HalfLifeScalp time.Duration `mapstructure:"half_life_scalp"`
	HalfLifeDay   time.Duration `mapstructure:"half_life_day"`
	HalfLifeSwing time.Duration `mapstructure:"half_life_swing"`
}

// PyramidConfig tunes geometric pyramiding (Phase 2 only).
type PyramidConfig struct {
	TriggerPct float64 `mapstructure:"trigger_pct"` // price gain over last entry that opens a layer
	MaxLayers  int     `mapstructure:"max_layers"`
	TrailLayer int     `mapstructure:"trail_layer"` // layer count at which auto-trail engages
	LayerDecay float64 `mapstructure:"layer_decay"` // each layer's size as a fraction of the previous
}

// ReconcileConfig controls the broker reconciliation loop.
type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// TriggerConfig controls the client-side trigger fast path.
type TriggerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	AbortTimeout time.Duration `mapstructure:"abort_timeout"`
	DefaultBar   time.Duration `mapstructure:"default_bar"` // bar length assumed when signals omit bar_close_ms
}

// JournalConfig sets the persistence sink. URL accepts postgres:// DSNs or a
// sqlite file path; empty disables persistence entirely.
type JournalConfig struct {
	URL       string `mapstructure:"url"`
	QueueSize int    `mapstructure:"queue_size"`
}

// LimitsConfig sets per-IP ingress rate limits.
type LimitsConfig struct {
	PerIPPerMin     int `mapstructure:"per_ip_per_min"`
	SensitivePerMin int `mapstructure:"sensitive_per_min"`
	Burst           int `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: EXEC_WEBHOOK_SECRET, EXEC_BROKER_API_KEY,
// EXEC_BROKER_API_SECRET, EXEC_JOURNAL_URL, EXEC_REPLAY_REDIS_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if secret := os.Getenv("EXEC_WEBHOOK_SECRET"); secret != "" {
		cfg.Auth.WebhookSecret = secret
	}
	if key := os.Getenv("EXEC_BROKER_API_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv("EXEC_BROKER_API_SECRET"); secret != "" {
		cfg.Broker.APISecret = secret
	}
	if url := os.Getenv("EXEC_JOURNAL_URL"); url != "" {
		cfg.Journal.URL = url
	}
	if url := os.Getenv("EXEC_REPLAY_REDIS_URL"); url != "" {
		cfg.Replay.RedisURL = url
	}
	if os.Getenv("EXEC_DRY_RUN") == "true" || os.Getenv("EXEC_DRY_RUN") == "1" {
		cfg.DryRun = true
	}
	if os.Getenv("EXEC_BROKER_TESTNET") == "true" || os.Getenv("EXEC_BROKER_TESTNET") == "1" {
		cfg.Broker.Testnet = true
	}

	return &cfg, nil
}

// setDefaults registers safe defaults for every non-credential key, so a
// minimal config file (or env-only overrides) yields a runnable setup.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", false)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	// CONFIRM responses carry the execution outcome, so the write window must
	// outlast the longest strategy budget (chaser.max_time).
	v.SetDefault("server.write_timeout", "35s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("auth.max_drift", "5s")

	v.SetDefault("replay.ttl", "300s")
	v.SetDefault("replay.sweep_interval", "30s")

	v.SetDefault("book.ws_url", "wss://fstream.binance.com/ws")
	v.SetDefault("book.rest_url", "https://fapi.binance.com")
	v.SetDefault("book.depth_limit", 50)
	v.SetDefault("book.top_k", 5)
	v.SetDefault("book.max_age", "5s")
	v.SetDefault("book.default_tick_size", "0.1")

	v.SetDefault("validator.max_spread_pct", 0.1)
	v.SetDefault("validator.min_depth_mult", 2.0)
	v.SetDefault("validator.obi_buy_threshold", 1.0)
	v.SetDefault("validator.min_structure", 60.0)

	v.SetDefault("broker.name", "mock")
	v.SetDefault("broker.timeout", "10s")
	v.SetDefault("broker.max_attempts", 3)
	v.SetDefault("broker.retry_wait", "500ms")

	// 80% of a 2400 req/min documented weight budget.
	v.SetDefault("ratelimit.capacity", 32)
	v.SetDefault("ratelimit.refill_per_sec", 32)
	v.SetDefault("ratelimit.acquire_timeout", "2s")

	v.SetDefault("phase.poll_interval", "30s")

	v.SetDefault("limit_or_kill.wait_time", "5000ms")
	v.SetDefault("limit_or_kill.poll_interval", "100ms")

	v.SetDefault("chaser.interval", "25ms")
	v.SetDefault("chaser.max_ticks", 100)
	v.SetDefault("chaser.max_time", "30s")
	v.SetDefault("chaser.min_alpha", 0.3)
	v.SetDefault("chaser.half_life_scalp", "10s")
	v.SetDefault("chaser.half_life_day", "30s")
	v.SetDefault("chaser.half_life_swing", "120s")

	v.SetDefault("pyramid.trigger_pct", 0.02)
	v.SetDefault("pyramid.max_layers", 4)
	v.SetDefault("pyramid.trail_layer", 2)
	v.SetDefault("pyramid.layer_decay", 0.5)

	v.SetDefault("reconcile.interval", "10s")

	v.SetDefault("trigger.enabled", true)
	v.SetDefault("trigger.abort_timeout", "5s")
	v.SetDefault("trigger.default_bar", "60s")

	v.SetDefault("journal.queue_size", 1024)

	v.SetDefault("limits.per_ip_per_min", 100)
	v.SetDefault("limits.sensitive_per_min", 10)
	v.SetDefault("limits.burst", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}
	if c.Auth.WebhookSecret == "" {
		return fmt.Errorf("auth.webhook_secret is required (set EXEC_WEBHOOK_SECRET)")
	}
	if c.Auth.MaxDrift <= 0 {
		return fmt.Errorf("auth.max_drift must be > 0")
	}
	if c.Replay.TTL <= 0 {
		return fmt.Errorf("replay.ttl must be > 0")
	}
	switch c.Broker.Name {
	case "mock", "bybit", "binance":
	default:
		return fmt.Errorf("broker.name must be one of: mock, bybit, binance")
	}
	if c.Broker.Name != "mock" && (c.Broker.APIKey == "" || c.Broker.APISecret == "") {
		return fmt.Errorf("broker credentials are required for %s (set EXEC_BROKER_API_KEY / EXEC_BROKER_API_SECRET)", c.Broker.Name)
	}
	if len(c.Book.Symbols) == 0 {
		return fmt.Errorf("book.symbols must list at least one symbol")
	}
	if c.Book.DepthLimit <= 0 {
		return fmt.Errorf("book.depth_limit must be > 0")
	}
	if c.Book.TopK <= 0 || c.Book.TopK > c.Book.DepthLimit {
		return fmt.Errorf("book.top_k must be in (0, depth_limit]")
	}
	if c.Validator.MaxSpreadPct <= 0 {
		return fmt.Errorf("validator.max_spread_pct must be > 0")
	}
	if c.Validator.MinDepthMult <= 0 {
		return fmt.Errorf("validator.min_depth_mult must be > 0")
	}
	if c.Validator.OBIBuyThreshold <= 0 {
		return fmt.Errorf("validator.obi_buy_threshold must be > 0")
	}
	if c.RateLimit.Capacity <= 0 || c.RateLimit.RefillPerSec <= 0 {
		return fmt.Errorf("ratelimit.capacity and ratelimit.refill_per_sec must be > 0")
	}
	if c.LOK.WaitTime <= 0 || c.LOK.PollInterval <= 0 {
		return fmt.Errorf("limit_or_kill.wait_time and poll_interval must be > 0")
	}
	if c.LOK.PollInterval >= c.LOK.WaitTime {
		return fmt.Errorf("limit_or_kill.poll_interval must be < wait_time")
	}
	if c.Chaser.Interval < 5*time.Millisecond || c.Chaser.Interval > time.Second {
		return fmt.Errorf("chaser.interval must be between 5ms and 1s")
	}
	if c.Chaser.MinAlpha <= 0 || c.Chaser.MinAlpha >= 1 {
		return fmt.Errorf("chaser.min_alpha must be in (0, 1)")
	}
	if c.Pyramid.TriggerPct <= 0 {
		return fmt.Errorf("pyramid.trigger_pct must be > 0")
	}
	if c.Pyramid.MaxLayers <= 0 {
		return fmt.Errorf("pyramid.max_layers must be > 0")
	}
	if c.Pyramid.TrailLayer <= 0 || c.Pyramid.TrailLayer > c.Pyramid.MaxLayers {
		return fmt.Errorf("pyramid.trail_layer must be in (0, max_layers]")
	}
	if c.Pyramid.LayerDecay <= 0 || c.Pyramid.LayerDecay > 1 {
		return fmt.Errorf("pyramid.layer_decay must be in (0, 1]")
	}
	if c.Reconcile.Interval < 5*time.Second || c.Reconcile.Interval > 15*time.Second {
		return fmt.Errorf("reconcile.interval must be between 5s and 15s")
	}
	if c.Journal.QueueSize <= 0 {
		return fmt.Errorf("journal.queue_size must be > 0")
	}
	if c.Limits.PerIPPerMin <= 0 || c.Limits.SensitivePerMin <= 0 {
		return fmt.Errorf("limits.per_ip_per_min and limits.sensitive_per_min must be > 0")
	}
	return nil
}
