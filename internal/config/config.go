// Package config defines all configuration for the reduce-only execution
// agent. Config is loaded from a YAML file (default: configs/config.yaml)
// with sensitive fields overridable via REDUCEAGENT_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool             `mapstructure:"dry_run"`
	Venue     VenueConfig      `mapstructure:"venue"`
	Defaults  InstrumentConfig `mapstructure:"defaults"`
	Symbols   []SymbolConfig   `mapstructure:"symbols"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Obs       ObsConfig        `mapstructure:"obs"`
}

// VenueConfig holds the exchange credentials and transport endpoints.
// REDUCEAGENT_API_KEY / REDUCEAGENT_API_SECRET, when set, override the
// credentials from the file.
type VenueConfig struct {
	RESTBaseURL string `mapstructure:"rest_base_url"`
	AlgoBaseURL string `mapstructure:"algo_base_url"`
	WSMarketURL string `mapstructure:"ws_market_url"`
	WSUserURL   string `mapstructure:"ws_user_url"`
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`

	ReconnectInitialDelayMs int64   `mapstructure:"reconnect_initial_delay_ms"`
	ReconnectMaxDelayMs     int64   `mapstructure:"reconnect_max_delay_ms"`
	ReconnectMultiplier     float64 `mapstructure:"reconnect_multiplier"`
}

// AccelTierConfig is one (threshold, mult) entry of an acceleration or ROI
// tier ladder as read from YAML.
type AccelTierConfig struct {
	Threshold string `mapstructure:"threshold"`
	Mult      string `mapstructure:"mult"`
}

// InstrumentConfig is the merged per-instrument view of the agent's
// tunables. Every field here can be overridden per symbol; Symbols[i].
// Overrides replaces individual fields onto a copy of Defaults.
type InstrumentConfig struct {
	StaleDataMs int64 `mapstructure:"stale_data_ms"`

	OrderTTLMs           int64 `mapstructure:"order_ttl_ms"`
	AggressiveOrderTTLMs int64 `mapstructure:"aggressive_order_ttl_ms"` // 0 => defaults to OrderTTLMs
	RepostCooldownMs     int64 `mapstructure:"repost_cooldown_ms"`
	MinSignalIntervalMs  int64 `mapstructure:"min_signal_interval_ms"`

	BaseLotMult         string `mapstructure:"base_lot_mult"`
	MakerPriceMode      string `mapstructure:"maker_price_mode"` // at_touch | inside_spread_1tick | custom_ticks
	MakerNTicks         int    `mapstructure:"maker_n_ticks"`
	MakerSafetyTicks    int    `mapstructure:"maker_safety_ticks"`
	AggressiveSlipTicks int    `mapstructure:"aggressive_slip_ticks"`

	MaxMult          string `mapstructure:"max_mult"`
	MaxOrderNotional string `mapstructure:"max_order_notional"`

	MakerTimeoutsToEscalate  int `mapstructure:"maker_timeouts_to_escalate"`
	AggrFillsToDeescalate    int `mapstructure:"aggr_fills_to_deescalate"`
	AggrTimeoutsToDeescalate int `mapstructure:"aggr_timeouts_to_deescalate"`

	AccelWindowMs int64             `mapstructure:"accel_window_ms"`
	AccelTiers    []AccelTierConfig `mapstructure:"accel_tiers"`
	ROITiers      []AccelTierConfig `mapstructure:"roi_tiers"`

	// AccelMultPercent scales every inherited accel-tier multiplier by
	// percent/100, rounded up to an integer with a floor of 1. Only
	// meaningful on a per-symbol override; 0 means "no scaling".
	AccelMultPercent int `mapstructure:"mult_percent"`

	LiqDistanceThreshold string `mapstructure:"liq_distance_threshold"`

	ProtectiveStopEnabled   bool   `mapstructure:"protective_stop_enabled"`
	ProtectiveStopDistToLiq string `mapstructure:"protective_stop_dist_to_liq"`

	MaxOrdersPerSec  int `mapstructure:"max_orders_per_sec"`
	MaxCancelsPerSec int `mapstructure:"max_cancels_per_sec"`
}

// SymbolConfig pairs an instrument symbol with its override fields. Any
// zero-value field in Overrides is left unset in Merge: Go zero values and
// "explicitly zero" are indistinguishable without a presence map, and the
// flat mapstructure style beats pointer-to-everything.
type SymbolConfig struct {
	Symbol    string           `mapstructure:"symbol"`
	Overrides InstrumentConfig `mapstructure:"overrides"`

	// DisableProtectiveStop turns protective stops off for this symbol. A
	// separate field rather than an override of ProtectiveStopEnabled
	// because a bool override's zero value is indistinguishable from "not
	// set".
	DisableProtectiveStop bool `mapstructure:"disable_protective_stop"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ObsConfig controls the minimal health/metrics HTTP surface.
type ObsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Defaults returns the built-in InstrumentConfig. Used to seed viper
// before a YAML file is read so every field has a working default even
// when the file omits it.
func Defaults() InstrumentConfig {
	return InstrumentConfig{
		StaleDataMs:              1500,
		OrderTTLMs:               800,
		AggressiveOrderTTLMs:     0,
		RepostCooldownMs:         100,
		MinSignalIntervalMs:      200,
		BaseLotMult:              "1",
		MakerPriceMode:           "inside_spread_1tick",
		MakerNTicks:              1,
		MakerSafetyTicks:         1,
		AggressiveSlipTicks:      1,
		MaxMult:                  "50",
		MaxOrderNotional:         "200",
		MakerTimeoutsToEscalate:  2,
		AggrFillsToDeescalate:    1,
		AggrTimeoutsToDeescalate: 2,
		AccelWindowMs:            2000,
		AccelTiers:               nil,
		ROITiers:                 nil,
		LiqDistanceThreshold:     "0.015",
		ProtectiveStopEnabled:    true,
		ProtectiveStopDistToLiq:  "0.01",
		MaxOrdersPerSec:          5,
		MaxCancelsPerSec:         8,
	}
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("REDUCEAGENT")
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

	if key := os.Getenv("REDUCEAGENT_API_KEY"); key != "" {
		cfg.Venue.APIKey = key
	}
	if secret := os.Getenv("REDUCEAGENT_API_SECRET"); secret != "" {
		cfg.Venue.APISecret = secret
	}
	if os.Getenv("REDUCEAGENT_DRY_RUN") == "true" || os.Getenv("REDUCEAGENT_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("defaults.stale_data_ms", d.StaleDataMs)
	v.SetDefault("defaults.order_ttl_ms", d.OrderTTLMs)
	v.SetDefault("defaults.repost_cooldown_ms", d.RepostCooldownMs)
	v.SetDefault("defaults.min_signal_interval_ms", d.MinSignalIntervalMs)
	v.SetDefault("defaults.base_lot_mult", d.BaseLotMult)
	v.SetDefault("defaults.maker_price_mode", d.MakerPriceMode)
	v.SetDefault("defaults.maker_n_ticks", d.MakerNTicks)
	v.SetDefault("defaults.maker_safety_ticks", d.MakerSafetyTicks)
	v.SetDefault("defaults.aggressive_slip_ticks", d.AggressiveSlipTicks)
	v.SetDefault("defaults.max_mult", d.MaxMult)
	v.SetDefault("defaults.max_order_notional", d.MaxOrderNotional)
	v.SetDefault("defaults.maker_timeouts_to_escalate", d.MakerTimeoutsToEscalate)
	v.SetDefault("defaults.aggr_fills_to_deescalate", d.AggrFillsToDeescalate)
	v.SetDefault("defaults.aggr_timeouts_to_deescalate", d.AggrTimeoutsToDeescalate)
	v.SetDefault("defaults.accel_window_ms", d.AccelWindowMs)
	v.SetDefault("defaults.liq_distance_threshold", d.LiqDistanceThreshold)
	v.SetDefault("defaults.protective_stop_enabled", d.ProtectiveStopEnabled)
	v.SetDefault("defaults.protective_stop_dist_to_liq", d.ProtectiveStopDistToLiq)
	v.SetDefault("defaults.max_orders_per_sec", d.MaxOrdersPerSec)
	v.SetDefault("defaults.max_cancels_per_sec", d.MaxCancelsPerSec)

	v.SetDefault("venue.reconnect_initial_delay_ms", 1000)
	v.SetDefault("venue.reconnect_max_delay_ms", 30000)
	v.SetDefault("venue.reconnect_multiplier", 2.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("obs.enabled", true)
	v.SetDefault("obs.port", 9090)
}

// Merge overlays non-zero-valued override fields onto base, per-field:
// per-instrument overrides replace individual fields, never whole
// sections. AggressiveOrderTTLMs stays zero here; ResolveInstruments
// defaults it to OrderTTLMs when unset.
func Merge(base, override InstrumentConfig) InstrumentConfig {
	out := base

	if override.StaleDataMs != 0 {
		out.StaleDataMs = override.StaleDataMs
	}
	if override.OrderTTLMs != 0 {
		out.OrderTTLMs = override.OrderTTLMs
	}
	if override.AggressiveOrderTTLMs != 0 {
		out.AggressiveOrderTTLMs = override.AggressiveOrderTTLMs
	}
	if override.RepostCooldownMs != 0 {
		out.RepostCooldownMs = override.RepostCooldownMs
	}
	if override.MinSignalIntervalMs != 0 {
		out.MinSignalIntervalMs = override.MinSignalIntervalMs
	}
	if override.BaseLotMult != "" {
		out.BaseLotMult = override.BaseLotMult
	}
	if override.MakerPriceMode != "" {
		out.MakerPriceMode = override.MakerPriceMode
	}
	if override.MakerNTicks != 0 {
		out.MakerNTicks = override.MakerNTicks
	}
	if override.MakerSafetyTicks != 0 {
		out.MakerSafetyTicks = override.MakerSafetyTicks
	}
	if override.AggressiveSlipTicks != 0 {
		out.AggressiveSlipTicks = override.AggressiveSlipTicks
	}
	if override.MaxMult != "" {
		out.MaxMult = override.MaxMult
	}
	if override.MaxOrderNotional != "" {
		out.MaxOrderNotional = override.MaxOrderNotional
	}
	if override.MakerTimeoutsToEscalate != 0 {
		out.MakerTimeoutsToEscalate = override.MakerTimeoutsToEscalate
	}
	if override.AggrFillsToDeescalate != 0 {
		out.AggrFillsToDeescalate = override.AggrFillsToDeescalate
	}
	if override.AggrTimeoutsToDeescalate != 0 {
		out.AggrTimeoutsToDeescalate = override.AggrTimeoutsToDeescalate
	}
	if override.AccelWindowMs != 0 {
		out.AccelWindowMs = override.AccelWindowMs
	}
	if len(override.AccelTiers) > 0 {
		out.AccelTiers = override.AccelTiers
	}
	if len(override.ROITiers) > 0 {
		out.ROITiers = override.ROITiers
	}
	if override.LiqDistanceThreshold != "" {
		out.LiqDistanceThreshold = override.LiqDistanceThreshold
	}
	if override.ProtectiveStopDistToLiq != "" {
		out.ProtectiveStopDistToLiq = override.ProtectiveStopDistToLiq
	}
	if override.MaxOrdersPerSec != 0 {
		out.MaxOrdersPerSec = override.MaxOrdersPerSec
	}
	if override.MaxCancelsPerSec != 0 {
		out.MaxCancelsPerSec = override.MaxCancelsPerSec
	}
	// ProtectiveStopEnabled is a bool default true; only a per-symbol
	// section can turn it off, tracked via the separate Symbols loop in
	// ResolveInstruments rather than here (zero-value false would
	// otherwise be indistinguishable from "not set").

	if override.AccelMultPercent > 0 {
		out.AccelTiers = scaleTierPercent(out.AccelTiers, override.AccelMultPercent)
	}

	return out
}

// scaleTierPercent multiplies every tier's mult by percent/100, rounded up
// to the nearest integer with a floor of 1.
func scaleTierPercent(tiers []AccelTierConfig, percent int) []AccelTierConfig {
	if len(tiers) == 0 {
		return tiers
	}
	factor := decimal.NewFromInt(int64(percent)).Div(decimal.NewFromInt(100))
	out := make([]AccelTierConfig, len(tiers))
	for i, t := range tiers {
		mult, err := decimal.NewFromString(t.Mult)
		if err != nil {
			out[i] = t
			continue
		}
		scaled := mult.Mul(factor).Ceil()
		if scaled.LessThan(decimal.NewFromInt(1)) {
			scaled = decimal.NewFromInt(1)
		}
		out[i] = AccelTierConfig{Threshold: t.Threshold, Mult: scaled.String()}
	}
	return out
}

// ResolveInstruments builds the final merged per-instrument view for every
// configured symbol: defaults, then per-symbol overrides, then the
// protective-stop disable switch and the aggressive-TTL fallback.
func (c *Config) ResolveInstruments() map[string]InstrumentConfig {
	out := make(map[string]InstrumentConfig, len(c.Symbols))
	for _, s := range c.Symbols {
		merged := Merge(c.Defaults, s.Overrides)
		if s.DisableProtectiveStop {
			merged.ProtectiveStopEnabled = false
		}
		if merged.AggressiveOrderTTLMs == 0 {
			merged.AggressiveOrderTTLMs = merged.OrderTTLMs
		}
		out[s.Symbol] = merged
	}
	return out
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Venue.RESTBaseURL == "" {
		return fmt.Errorf("venue.rest_base_url is required")
	}
	if c.Venue.APIKey == "" {
		return fmt.Errorf("venue.api_key is required (set REDUCEAGENT_API_KEY)")
	}
	if c.Venue.APISecret == "" {
		return fmt.Errorf("venue.api_secret is required (set REDUCEAGENT_API_SECRET)")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one entry in symbols is required")
	}
	return nil
}
