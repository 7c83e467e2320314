package config_test

import (
	"strings"
	"testing"

	"missionline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Payments.FeePercentDefault != 10 {
		t.Fatalf("fee default = %d", cfg.Payments.FeePercentDefault)
	}
	if cfg.Cooldown.ReapplyHours != 24 {
		t.Fatalf("cooldown = %d", cfg.Cooldown.ReapplyHours)
	}
	if _, ok := cfg.Limits.Policies["apply"]; !ok {
		t.Fatal("apply policy missing")
	}
}

func TestFromYAMLOverrides(t *testing.T) {
	doc := `
payments:
  fee_percent_default: 15
  deadline_hours_default: 48
cooldown:
  reapply_hours: 12
auth:
  jwt_secret: hush
`
	cfg, err := config.FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Payments.FeePercentDefault != 15 {
		t.Fatalf("fee = %d", cfg.Payments.FeePercentDefault)
	}
	if cfg.Payments.DeadlineHoursDefault != 48 {
		t.Fatalf("deadline = %d", cfg.Payments.DeadlineHoursDefault)
	}
	if cfg.Payments.DeadlineHoursMax != 168 {
		t.Fatalf("untouched default lost: max = %d", cfg.Payments.DeadlineHoursMax)
	}
	if cfg.Cooldown.ReapplyHours != 12 {
		t.Fatalf("cooldown = %d", cfg.Cooldown.ReapplyHours)
	}
	if cfg.Auth.JWTSecret != "hush" {
		t.Fatalf("secret = %q", cfg.Auth.JWTSecret)
	}
}

func TestFromYAMLUnknownField(t *testing.T) {
	if _, err := config.FromYAML([]byte("paymentz:\n  typo: 1\n")); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"fee over 100", "payments:\n  fee_percent_default: 150\n", "fee_percent_default"},
		{"zero deadline", "payments:\n  deadline_hours_default: 0\n", "deadline_hours_default"},
		{"max below default", "payments:\n  deadline_hours_max: 1\n", "deadline_hours_max"},
		{"zero cooldown", "cooldown:\n  reapply_hours: 0\n", "reapply_hours"},
		{"bad family", "payments:\n  supported:\n    - chain: doge\n      family: doge\n      token: DOGE\n", "family"},
		{"empty webhook url", "webhooks:\n  - url: \"\"\n", "url"},
		{"bad policy", "limits:\n  policies:\n    apply:\n      max_tokens: 0\n      refill_rate: 1\n      refill_interval_ms: 1000\n", "max_tokens"},
	}
	for _, c := range cases {
		_, err := config.FromYAML([]byte(c.doc))
		if err == nil {
			t.Errorf("%s: accepted", c.name)
			continue
		}
		if !strings.Contains(err.Error(), c.want) {
			t.Errorf("%s: error %q does not mention %s", c.name, err, c.want)
		}
	}
}

func TestSupportedOption(t *testing.T) {
	cfg := config.Default()
	opt, ok := cfg.SupportedOption("Ethereum", "usdc")
	if !ok || opt.Family != "evm" {
		t.Fatalf("ethereum/usdc: %v %v", opt, ok)
	}
	opt, ok = cfg.SupportedOption("solana", "USDC")
	if !ok || opt.Family != "solana" {
		t.Fatalf("solana/usdc: %v %v", opt, ok)
	}
	if _, ok := cfg.SupportedOption("ethereum", "DOGE"); ok {
		t.Fatal("unsupported token accepted")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Payments.FeePercentDefault = 20
	if err := cfg.Save(dir); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Payments.FeePercentDefault != 20 {
		t.Fatalf("round trip lost override: %d", loaded.Payments.FeePercentDefault)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Payments.FeePercentDefault != 10 {
		t.Fatalf("fee = %d", cfg.Payments.FeePercentDefault)
	}
}
