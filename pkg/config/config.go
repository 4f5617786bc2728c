// Package config loads process configuration from the environment, an
// optional .env file and an optional YAML profile.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
	"github.com/Mindburn-Labs/veritas/pkg/identity"
	"github.com/Mindburn-Labs/veritas/pkg/sentinel"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config holds every setting of a veritas process.
type Config struct {
	// Instance names this deployment inside agent ids.
	Instance   string `env:"VERITAS_INSTANCE" envDefault:"local"`
	ListenAddr string `env:"VERITAS_LISTEN_ADDR" envDefault:":8402"`
	DataDir    string `env:"VERITAS_DATA_DIR" envDefault:"data"`
	Profile    string `env:"VERITAS_PROFILE"`

	// Gateway
	PayTo string        `env:"VERITAS_PAY_TO"`
	Price amount.Amount `env:"VERITAS_PRICE"`
	Asset string        `env:"VERITAS_ASSET" envDefault:"native"`

	// Storage. An empty DatabaseURL selects SQLite under DataDir.
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// Wallet
	WalletProvider string        `env:"VERITAS_WALLET_PROVIDER" envDefault:"sim"`
	RPCURL         string        `env:"VERITAS_RPC_URL"`
	RPCTimeout     time.Duration `env:"VERITAS_RPC_TIMEOUT" envDefault:"30s"`
	VaultType      string        `env:"VERITAS_VAULT_TYPE"`
	VaultBucket    string        `env:"VERITAS_VAULT_BUCKET"`
	VaultRegion    string        `env:"VERITAS_VAULT_REGION"`
	VaultEndpoint  string        `env:"VERITAS_VAULT_ENDPOINT"`
	VaultPrefix    string        `env:"VERITAS_VAULT_PREFIX"`
	VaultPassword  string        `env:"VERITAS_VAULT_PASSPHRASE"`
	WalletName     string        `env:"VERITAS_WALLET_NAME" envDefault:"treasury"`

	// Treasury
	FaucetWait    time.Duration `env:"VERITAS_FAUCET_WAIT" envDefault:"0s"`
	TopUpSchedule string        `env:"VERITAS_TOPUP_SCHEDULE"`
	TopUpMin      amount.Amount `env:"VERITAS_TOPUP_MIN" envDefault:"0.0002"`

	// Control API
	ControlAPI bool   `env:"VERITAS_CONTROL_API" envDefault:"true"`
	JWTSecret  string `env:"VERITAS_JWT_SECRET"`

	// Sentinel
	SentinelEnabled   bool          `env:"SENTINEL_ENABLED" envDefault:"true"`
	SentinelInterval  time.Duration `env:"SENTINEL_INTERVAL" envDefault:"10s"`
	SentinelWindow    int           `env:"SENTINEL_WINDOW" envDefault:"50"`
	SentinelThreshold amount.Amount `env:"SENTINEL_THRESHOLD" envDefault:"0.05"`
	HaltSeverity      string        `env:"SENTINEL_HALT_SEVERITY"`
	RulesFile         string        `env:"SENTINEL_RULES"`
	// BurstLimit flags a payer with more accepted payments in one window. 0 disables.
	BurstLimit int `env:"SENTINEL_BURST_LIMIT" envDefault:"0"`

	// HTTP edge
	RateLimitRPS   float64  `env:"VERITAS_RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int      `env:"VERITAS_RATE_LIMIT_BURST" envDefault:"40"`
	CORSOrigins    []string `env:"VERITAS_CORS_ORIGINS" envSeparator:","`

	// Logging
	LogLevel  string `env:"VERITAS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"VERITAS_LOG_FORMAT" envDefault:"text"`

	// OpenTelemetry
	OTelEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTelInsecure   bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	OTelSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1"`
	Environment    string  `env:"VERITAS_ENVIRONMENT" envDefault:"development"`
}

// Load reads dotenv (when present), then the environment, then the YAML
// profile named by VERITAS_PROFILE. Environment variables win over the
// profile. The result is validated.
func Load(dotenv string) (*Config, error) {
	cfg, err := LoadUnchecked(dotenv)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadUnchecked is Load without validation, for commands that only touch
// storage or signing and do not serve payments.
func LoadUnchecked(dotenv string) (*Config, error) {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotenv, err)
		}
	}
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if cfg.Profile != "" {
		p, err := LoadProfile(cfg.Profile)
		if err != nil {
			return nil, err
		}
		p.Apply(cfg, os.LookupEnv)
	}
	return cfg, nil
}

// Parse reads the environment without validating.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

// Validate fails fast on settings that would make the process misbehave.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.PayTo) == "" {
		add("VERITAS_PAY_TO is required")
	}
	if c.Price.IsZero() {
		add("VERITAS_PRICE must be a positive decimal")
	}
	switch c.WalletProvider {
	case "sim":
	case "rpc":
		if c.RPCURL == "" {
			add("VERITAS_RPC_URL is required for the rpc wallet provider")
		}
	default:
		add("VERITAS_WALLET_PROVIDER must be sim or rpc, got %q", c.WalletProvider)
	}
	switch c.VaultType {
	case "", "fs":
	case "s3", "gcs":
		if c.VaultBucket == "" {
			add("VERITAS_VAULT_BUCKET is required for the %s vault", c.VaultType)
		}
	default:
		add("VERITAS_VAULT_TYPE must be fs, s3 or gcs, got %q", c.VaultType)
	}
	if c.VaultType != "" && c.VaultPassword == "" {
		add("VERITAS_VAULT_PASSPHRASE is required when a vault is configured")
	}
	if c.ControlAPI && len(c.JWTSecret) < 16 {
		add("VERITAS_JWT_SECRET of at least 16 bytes is required when the control API is enabled")
	}
	if c.SentinelInterval <= 0 {
		add("SENTINEL_INTERVAL must be positive")
	}
	if c.SentinelWindow <= 0 {
		add("SENTINEL_WINDOW must be positive")
	}
	if c.BurstLimit < 0 {
		add("SENTINEL_BURST_LIMIT must not be negative")
	}
	if c.HaltSeverity != "" {
		if _, err := sentinel.ParseSeverity(c.HaltSeverity); err != nil {
			add("SENTINEL_HALT_SEVERITY: %v", err)
		}
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		add("rate limit settings must not be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		add("VERITAS_LOG_LEVEL: %v", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		add("VERITAS_LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.OTelSampleRate < 0 || c.OTelSampleRate > 1 {
		add("OTEL_SAMPLE_RATE must be within [0, 1]")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// LiteMode reports whether stores run on the embedded SQLite database.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// SQLitePath is the database file used in lite mode.
func (c *Config) SQLitePath() string { return filepath.Join(c.DataDir, "veritas.db") }

// AgentID derives the id of the agent playing role in this deployment.
func (c *Config) AgentID(role string) string {
	id, err := identity.NewAgentID(role, c.Instance)
	if err != nil {
		return identity.Unknown
	}
	return id.String()
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, err
	}
	return lvl, nil
}
