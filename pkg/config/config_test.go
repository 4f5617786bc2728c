package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("VERITAS_PAY_TO", "0xABC")
	t.Setenv("VERITAS_PRICE", "0.0001")
	t.Setenv("VERITAS_JWT_SECRET", testSecret)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("VERITAS_PROFILE", "")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0xABC", cfg.PayTo)
	assert.Equal(t, amount.MustParse("0.0001"), cfg.Price)
	assert.Equal(t, ":8402", cfg.ListenAddr)
	assert.Equal(t, "sim", cfg.WalletProvider)
	assert.Equal(t, 10*time.Second, cfg.SentinelInterval)
	assert.Equal(t, 50, cfg.SentinelWindow)
	assert.Equal(t, amount.MustParse("0.05"), cfg.SentinelThreshold)
	assert.Zero(t, cfg.BurstLimit)
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, filepath.Join("data", "veritas.db"), cfg.SQLitePath())
	assert.Equal(t, "did:veritas:gateway:local", cfg.AgentID("gateway"))
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("VERITAS_PAY_TO", "")
	t.Setenv("VERITAS_PRICE", "")
	t.Setenv("VERITAS_JWT_SECRET", "")

	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "VERITAS_PAY_TO")
	assert.Contains(t, err.Error(), "VERITAS_PRICE")
	assert.Contains(t, err.Error(), "VERITAS_JWT_SECRET")
}

func TestLoad_BadPrice(t *testing.T) {
	setRequired(t)
	t.Setenv("VERITAS_PRICE", "-0.1")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_ControlAPIDisabledNeedsNoSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("VERITAS_JWT_SECRET", "")
	t.Setenv("VERITAS_CONTROL_API", "false")

	_, err := Load("")
	assert.NoError(t, err)
}

func TestLoad_DotEnv(t *testing.T) {
	// godotenv never overrides variables that are already set, so register
	// cleanups for the ones the file introduces.
	t.Setenv("VERITAS_PROFILE", "")
	for _, k := range []string{"VERITAS_PAY_TO", "VERITAS_PRICE", "VERITAS_JWT_SECRET", "SENTINEL_WINDOW"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"VERITAS_PAY_TO=0xFILE\nVERITAS_PRICE=0.0003\nVERITAS_JWT_SECRET="+testSecret+"\nSENTINEL_WINDOW=7\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0xFILE", cfg.PayTo)
	assert.Equal(t, amount.MustParse("0.0003"), cfg.Price)
	assert.Equal(t, 7, cfg.SentinelWindow)
}

func TestLoad_MissingDotEnvIgnored(t *testing.T) {
	setRequired(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	setRequired(t)
	base := func(t *testing.T) *Config {
		cfg, err := Parse()
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		return cfg
	}

	cases := map[string]func(c *Config){
		"rpc without url":     func(c *Config) { c.WalletProvider = "rpc" },
		"unknown provider":    func(c *Config) { c.WalletProvider = "paper" },
		"vault without pass":  func(c *Config) { c.VaultType = "fs" },
		"s3 without bucket":   func(c *Config) { c.VaultType = "s3"; c.VaultPassword = "pw" },
		"unknown vault":       func(c *Config) { c.VaultType = "ftp"; c.VaultPassword = "pw" },
		"short secret":        func(c *Config) { c.JWTSecret = "short" },
		"zero interval":       func(c *Config) { c.SentinelInterval = 0 },
		"zero window":         func(c *Config) { c.SentinelWindow = 0 },
		"negative burst":      func(c *Config) { c.BurstLimit = -1 },
		"bad halt severity":   func(c *Config) { c.HaltSeverity = "apocalyptic" },
		"negative rate":       func(c *Config) { c.RateLimitRPS = -1 },
		"bad log level":       func(c *Config) { c.LogLevel = "loud" },
		"bad log format":      func(c *Config) { c.LogFormat = "xml" },
		"sample rate above 1": func(c *Config) { c.OTelSampleRate = 1.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base(t)
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	cfg := base(t)
	cfg.WalletProvider = "rpc"
	cfg.RPCURL = "http://localhost:10332"
	cfg.VaultType = "s3"
	cfg.VaultBucket = "wallets"
	cfg.VaultPassword = "pw"
	cfg.HaltSeverity = "critical"
	assert.NoError(t, cfg.Validate())
}

func TestParseLogLevel(t *testing.T) {
	for _, s := range []string{"debug", "info", "WARN", "error"} {
		_, err := ParseLogLevel(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestLoadUnchecked_SkipsValidation(t *testing.T) {
	t.Setenv("VERITAS_PAY_TO", "")
	t.Setenv("VERITAS_PRICE", "")
	t.Setenv("VERITAS_PROFILE", "")
	t.Setenv("DATABASE_URL", "postgres://veritas@localhost/veritas")

	cfg, err := LoadUnchecked("")
	require.NoError(t, err)
	assert.False(t, cfg.LiteMode())
	assert.Error(t, cfg.Validate())
}
