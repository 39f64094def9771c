package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMergeOverridesIndividualFields(t *testing.T) {
	t.Parallel()

	base := Defaults()
	out := Merge(base, InstrumentConfig{
		OrderTTLMs:       500,
		MakerPriceMode:   "at_touch",
		MaxOrderNotional: "350",
	})

	if out.OrderTTLMs != 500 {
		t.Errorf("order_ttl_ms = %d, want 500", out.OrderTTLMs)
	}
	if out.MakerPriceMode != "at_touch" {
		t.Errorf("maker_price_mode = %q, want at_touch", out.MakerPriceMode)
	}
	if out.MaxOrderNotional != "350" {
		t.Errorf("max_order_notional = %q, want 350", out.MaxOrderNotional)
	}

	// Untouched fields keep the defaults.
	if out.RepostCooldownMs != base.RepostCooldownMs {
		t.Errorf("repost_cooldown_ms changed without an override")
	}
	if out.MaxOrdersPerSec != base.MaxOrdersPerSec {
		t.Errorf("max_orders_per_sec changed without an override")
	}
}

func TestMergeScalesAccelTierMults(t *testing.T) {
	t.Parallel()

	base := Defaults()
	base.AccelTiers = []AccelTierConfig{
		{Threshold: "0.001", Mult: "2"},
		{Threshold: "0.005", Mult: "5"},
	}

	out := Merge(base, InstrumentConfig{AccelMultPercent: 150})
	if out.AccelTiers[0].Mult != "3" {
		t.Errorf("tier0 mult = %s, want 3 (2 * 150%%)", out.AccelTiers[0].Mult)
	}
	if out.AccelTiers[1].Mult != "8" {
		t.Errorf("tier1 mult = %s, want 8 (ceil(5 * 150%%))", out.AccelTiers[1].Mult)
	}
	if base.AccelTiers[0].Mult != "2" {
		t.Error("scaling must not mutate the inherited tiers")
	}
}

func TestMergeScaleFloorsAtOne(t *testing.T) {
	t.Parallel()

	base := Defaults()
	base.AccelTiers = []AccelTierConfig{{Threshold: "0.001", Mult: "2"}}

	out := Merge(base, InstrumentConfig{AccelMultPercent: 10})
	// 2 * 10% = 0.2, ceil = 1; floor of 1 keeps it at 1.
	if out.AccelTiers[0].Mult != "1" {
		t.Errorf("tier mult = %s, want floor of 1", out.AccelTiers[0].Mult)
	}
}

func TestResolveInstruments(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Defaults: Defaults(),
		Symbols: []SymbolConfig{
			{Symbol: "BTCUSDT", Overrides: InstrumentConfig{OrderTTLMs: 600}},
			{Symbol: "ETHUSDT", DisableProtectiveStop: true},
			{Symbol: "SOLUSDT", Overrides: InstrumentConfig{AggressiveOrderTTLMs: 300}},
		},
	}

	merged := cfg.ResolveInstruments()

	btc := merged["BTCUSDT"]
	if btc.OrderTTLMs != 600 {
		t.Errorf("BTCUSDT order_ttl_ms = %d, want 600", btc.OrderTTLMs)
	}
	if btc.AggressiveOrderTTLMs != 600 {
		t.Errorf("aggressive TTL should default to order TTL, got %d", btc.AggressiveOrderTTLMs)
	}
	if !btc.ProtectiveStopEnabled {
		t.Error("protective stop should stay enabled without the disable switch")
	}

	if merged["ETHUSDT"].ProtectiveStopEnabled {
		t.Error("disable_protective_stop should turn the feature off")
	}

	sol := merged["SOLUSDT"]
	if sol.AggressiveOrderTTLMs != 300 {
		t.Errorf("explicit aggressive TTL = %d, want 300", sol.AggressiveOrderTTLMs)
	}
	if sol.OrderTTLMs != Defaults().OrderTTLMs {
		t.Errorf("maker TTL should keep its default")
	}
}

func TestLoadAppliesDefaultsAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
venue:
  rest_base_url: https://fapi.example.com
  api_key: file-key
  api_secret: file-secret
symbols:
  - symbol: BTCUSDT
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("REDUCEAGENT_API_SECRET", "env-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Defaults.OrderTTLMs != 800 {
		t.Errorf("default order_ttl_ms = %d, want 800", cfg.Defaults.OrderTTLMs)
	}
	if cfg.Defaults.MaxOrdersPerSec != 5 || cfg.Defaults.MaxCancelsPerSec != 8 {
		t.Errorf("default rate caps = %d/%d, want 5/8", cfg.Defaults.MaxOrdersPerSec, cfg.Defaults.MaxCancelsPerSec)
	}
	if cfg.Venue.APIKey != "file-key" {
		t.Errorf("api_key = %q, want file-key", cfg.Venue.APIKey)
	}
	if cfg.Venue.APISecret != "env-secret" {
		t.Errorf("env var should override file secret, got %q", cfg.Venue.APISecret)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("config should validate: %v", err)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("empty config must not validate")
	}

	cfg.Venue.RESTBaseURL = "https://fapi.example.com"
	cfg.Venue.APIKey = "k"
	cfg.Venue.APISecret = "s"
	if err := cfg.Validate(); err == nil {
		t.Error("config without symbols must not validate")
	}

	cfg.Symbols = []SymbolConfig{{Symbol: "BTCUSDT"}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("complete config should validate: %v", err)
	}
}
