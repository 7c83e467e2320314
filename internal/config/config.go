package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"missionline/internal/ratelimit"
)

// Config models missionline.yml.
type Config struct {
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		// NonceResetCredential authorizes the test-only nonce reset; leave
		// empty in production to disable it.
		NonceResetCredential string `yaml:"nonce_reset_credential"`
	} `yaml:"auth"`
	Limits struct {
		Policies map[string]ratelimit.Policy `yaml:"policies"`
	} `yaml:"limits"`
	Payments struct {
		FeePercentDefault    int             `yaml:"fee_percent_default"`
		DeadlineHoursDefault int             `yaml:"deadline_hours_default"`
		DeadlineHoursMax     int             `yaml:"deadline_hours_max"`
		Supported            []PaymentOption `yaml:"supported"`
	} `yaml:"payments"`
	Cooldown struct {
		ReapplyHours int `yaml:"reapply_hours"`
	} `yaml:"cooldown"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// PaymentOption is one supported (chain, token) pair.
type PaymentOption struct {
	Chain  string `yaml:"chain" json:"chain"`
	Family string `yaml:"family" json:"family" enum:"evm,solana"`
	Token  string `yaml:"token" json:"token"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Events  []string `yaml:"events,omitempty" json:"events,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

const fileName = "missionline.yml"

// Path returns the config path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".missionline", fileName)
}

// Default returns the baseline configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Limits.Policies = map[string]ratelimit.Policy{
		"apply":  {MaxTokens: 10, RefillRate: 1, RefillIntervalMs: 1000},
		"select": {MaxTokens: 30, RefillRate: 5, RefillIntervalMs: 1000},
		"submit": {MaxTokens: 5, RefillRate: 1, RefillIntervalMs: 2000},
		"payout": {MaxTokens: 20, RefillRate: 2, RefillIntervalMs: 1000},
	}
	cfg.Payments.FeePercentDefault = 10
	cfg.Payments.DeadlineHoursDefault = 72
	cfg.Payments.DeadlineHoursMax = 168
	cfg.Payments.Supported = []PaymentOption{
		{Chain: "ethereum", Family: "evm", Token: "USDC"},
		{Chain: "ethereum", Family: "evm", Token: "USDT"},
		{Chain: "base", Family: "evm", Token: "USDC"},
		{Chain: "solana", Family: "solana", Token: "USDC"},
	}
	cfg.Cooldown.ReapplyHours = 24
	return cfg
}

// Load reads and validates config from workspace, seeding defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for name, p := range c.Limits.Policies {
		if p.MaxTokens <= 0 {
			return fmt.Errorf("limit policy %s: max_tokens must be positive", name)
		}
		if p.RefillRate <= 0 {
			return fmt.Errorf("limit policy %s: refill_rate must be positive", name)
		}
		if p.RefillIntervalMs <= 0 {
			return fmt.Errorf("limit policy %s: refill_interval_ms must be positive", name)
		}
	}
	if c.Payments.FeePercentDefault < 0 || c.Payments.FeePercentDefault > 100 {
		return fmt.Errorf("payments.fee_percent_default must be within 0..100")
	}
	if c.Payments.DeadlineHoursDefault <= 0 {
		return fmt.Errorf("payments.deadline_hours_default must be positive")
	}
	if c.Payments.DeadlineHoursMax < c.Payments.DeadlineHoursDefault {
		return fmt.Errorf("payments.deadline_hours_max must be >= deadline_hours_default")
	}
	for i, opt := range c.Payments.Supported {
		if opt.Chain == "" || opt.Token == "" {
			return fmt.Errorf("payments.supported[%d]: chain and token required", i)
		}
		if opt.Family != "evm" && opt.Family != "solana" {
			return fmt.Errorf("payments.supported[%d]: family must be evm or solana", i)
		}
	}
	if c.Cooldown.ReapplyHours <= 0 {
		return fmt.Errorf("cooldown.reapply_hours must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d]: url required", i)
		}
	}
	return nil
}

// SupportedOption resolves a (chain, token) pair, reporting whether it is on
// the allowlist.
func (c *Config) SupportedOption(chain, token string) (PaymentOption, bool) {
	for _, opt := range c.Payments.Supported {
		if strings.EqualFold(opt.Chain, chain) && strings.EqualFold(opt.Token, token) {
			return opt, true
		}
	}
	return PaymentOption{}, false
}

// Save writes the config to the workspace.
func (c *Config) Save(workspace string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
