package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
)

// Profile is a YAML file of deployment overrides. Unset fields leave the
// configuration untouched.
type Profile struct {
	Name     string          `yaml:"name"`
	Gateway  GatewayProfile  `yaml:"gateway"`
	Treasury TreasuryProfile `yaml:"treasury"`
	Sentinel SentinelProfile `yaml:"sentinel"`
}

type GatewayProfile struct {
	PayTo       *string        `yaml:"pay_to"`
	Price       *amount.Amount `yaml:"price"`
	Asset       *string        `yaml:"asset"`
	CORSOrigins []string       `yaml:"cors_origins"`
}

type TreasuryProfile struct {
	WalletProvider *string        `yaml:"wallet_provider"`
	RPCURL         *string        `yaml:"rpc_url"`
	TopUpSchedule  *string        `yaml:"topup_schedule"`
	TopUpMin       *amount.Amount `yaml:"topup_min"`
}

type SentinelProfile struct {
	Enabled      *bool          `yaml:"enabled"`
	Interval     *time.Duration `yaml:"interval"`
	Window       *int           `yaml:"window"`
	Threshold    *amount.Amount `yaml:"threshold"`
	HaltSeverity *string        `yaml:"halt_severity"`
	RulesFile    *string        `yaml:"rules_file"`
}

// LoadProfile reads the profile at path. Unknown keys are rejected.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	return &p, nil
}

// Apply copies every set profile field into cfg unless the matching
// environment variable is present according to lookup.
func (p *Profile) Apply(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	setString := func(key string, dst *string, v *string) {
		if v == nil {
			return
		}
		if _, ok := lookup(key); !ok {
			*dst = *v
		}
	}
	setAmount := func(key string, dst *amount.Amount, v *amount.Amount) {
		if v == nil {
			return
		}
		if _, ok := lookup(key); !ok {
			*dst = *v
		}
	}

	setString("VERITAS_PAY_TO", &cfg.PayTo, p.Gateway.PayTo)
	setAmount("VERITAS_PRICE", &cfg.Price, p.Gateway.Price)
	setString("VERITAS_ASSET", &cfg.Asset, p.Gateway.Asset)
	if len(p.Gateway.CORSOrigins) > 0 {
		if _, ok := lookup("VERITAS_CORS_ORIGINS"); !ok {
			cfg.CORSOrigins = append([]string(nil), p.Gateway.CORSOrigins...)
		}
	}

	setString("VERITAS_WALLET_PROVIDER", &cfg.WalletProvider, p.Treasury.WalletProvider)
	setString("VERITAS_RPC_URL", &cfg.RPCURL, p.Treasury.RPCURL)
	setString("VERITAS_TOPUP_SCHEDULE", &cfg.TopUpSchedule, p.Treasury.TopUpSchedule)
	setAmount("VERITAS_TOPUP_MIN", &cfg.TopUpMin, p.Treasury.TopUpMin)

	s := p.Sentinel
	if _, ok := lookup("SENTINEL_ENABLED"); !ok && s.Enabled != nil {
		cfg.SentinelEnabled = *s.Enabled
	}
	if _, ok := lookup("SENTINEL_INTERVAL"); !ok && s.Interval != nil {
		cfg.SentinelInterval = *s.Interval
	}
	if _, ok := lookup("SENTINEL_WINDOW"); !ok && s.Window != nil {
		cfg.SentinelWindow = *s.Window
	}
	setAmount("SENTINEL_THRESHOLD", &cfg.SentinelThreshold, s.Threshold)
	setString("SENTINEL_HALT_SEVERITY", &cfg.HaltSeverity, s.HaltSeverity)
	setString("SENTINEL_RULES", &cfg.RulesFile, s.RulesFile)
}
