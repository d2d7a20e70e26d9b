// Package config loads the engine's runtime configuration.
//
// Grounded on the teacher's config.go/env.go two-layer pattern (typed
// struct + small env-parsing helpers with defaults), generalised: TOML
// is the base layer (spec §6 calls for "TOML and/or env"), then the
// same getEnv/getEnvFloat/getEnvBool/getEnvInt helper shapes re-apply
// on top so env always wins field-by-field.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// VenueCreds is one venue's API credentials.
type VenueCreds struct {
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"secret_key"`
	BaseURL   string `toml:"base_url"`
}

// StrategyConfig is the per-deployment strategy block, spec §6.
type StrategyConfig struct {
	Coins                  []string `toml:"coins"`
	WindowSize             int      `toml:"window_size"`
	EntryZ                 float64  `toml:"entry_z"`
	ExitZ                  float64  `toml:"exit_z"`
	TotalCapitalUSDT       float64  `toml:"total_capital_usdt"`
	PositionRatio          float64  `toml:"position_ratio"`
	UpbitTakerFeePct       float64  `toml:"upbit_taker_fee_pct"`
	BybitTakerFeePct       float64  `toml:"bybit_taker_fee_pct"`
	Leverage               float64  `toml:"leverage"`
	MaintenanceMarginRate  float64  `toml:"maintenance_margin_rate"`
	MinStddevThreshold     float64  `toml:"min_stddev_threshold"`
	OutputDir              string   `toml:"output_dir"`
	MaxConcurrentPositions int      `toml:"max_concurrent_positions"`
}

// Config holds every runtime knob for the engine.
type Config struct {
	Upbit VenueCreds `toml:"upbit"`
	Bybit VenueCreds `toml:"bybit"`

	DatabaseURL string `toml:"database_url"`

	NotifierToken string `toml:"notifier_token"`
	NotifierChat  string `toml:"notifier_chat"`

	FXSourceURL string        `toml:"fx_source_url"`
	FXTTL       time.Duration `toml:"-"`

	Strategy StrategyConfig `toml:"strategy"`

	Port   int    `toml:"port"`
	DryRun bool   `toml:"dry_run"`
	SimFee float64 `toml:"sim_round_trip_fee_pct"`
}

// Default returns a Config with sane defaults, matching the teacher's
// loadConfigFromEnv fallbacks in spirit.
func Default() Config {
	return Config{
		Upbit:       VenueCreds{BaseURL: "https://api.upbit.com/v1"},
		Bybit:       VenueCreds{BaseURL: "https://api.bybit.com"},
		DatabaseURL: "",
		FXSourceURL: "http://127.0.0.1:8787/rate",
		FXTTL:       10 * time.Minute,
		Strategy: StrategyConfig{
			Coins:                  []string{"BTC", "ETH"},
			WindowSize:             30,
			EntryZ:                 2.0,
			ExitZ:                  0.5,
			TotalCapitalUSDT:       1000,
			PositionRatio:          0.1,
			UpbitTakerFeePct:       0.05,
			BybitTakerFeePct:       0.055,
			Leverage:               1,
			MaintenanceMarginRate:  0.005,
			MinStddevThreshold:     0.001,
			OutputDir:              "./output",
			MaxConcurrentPositions: 5,
		},
		Port:   8080,
		DryRun: true,
		SimFee: 0.21,
	}
}

// Load reads path (if it exists) as TOML over the defaults, then
// re-applies environment variables on top so env always wins.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Upbit.APIKey = getEnv("UPBIT_API_KEY", c.Upbit.APIKey)
	c.Upbit.APISecret = getEnv("UPBIT_API_SECRET", c.Upbit.APISecret)
	c.Upbit.BaseURL = getEnv("UPBIT_BASE_URL", c.Upbit.BaseURL)
	c.Bybit.APIKey = getEnv("BYBIT_API_KEY", c.Bybit.APIKey)
	c.Bybit.APISecret = getEnv("BYBIT_API_SECRET", c.Bybit.APISecret)
	c.Bybit.BaseURL = getEnv("BYBIT_BASE_URL", c.Bybit.BaseURL)

	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.NotifierToken = getEnv("NOTIFIER_TOKEN", c.NotifierToken)
	c.NotifierChat = getEnv("NOTIFIER_CHAT", c.NotifierChat)
	c.FXSourceURL = getEnv("FX_SOURCE_URL", c.FXSourceURL)

	if coins := getEnv("COINS", ""); coins != "" {
		c.Strategy.Coins = strings.Split(coins, ",")
	}
	c.Strategy.WindowSize = getEnvInt("WINDOW_SIZE", c.Strategy.WindowSize)
	c.Strategy.EntryZ = getEnvFloat("ENTRY_Z", c.Strategy.EntryZ)
	c.Strategy.ExitZ = getEnvFloat("EXIT_Z", c.Strategy.ExitZ)
	c.Strategy.TotalCapitalUSDT = getEnvFloat("TOTAL_CAPITAL_USDT", c.Strategy.TotalCapitalUSDT)
	c.Strategy.PositionRatio = getEnvFloat("POSITION_RATIO", c.Strategy.PositionRatio)
	c.Strategy.UpbitTakerFeePct = getEnvFloat("UPBIT_TAKER_FEE_PCT", c.Strategy.UpbitTakerFeePct)
	c.Strategy.BybitTakerFeePct = getEnvFloat("BYBIT_TAKER_FEE_PCT", c.Strategy.BybitTakerFeePct)
	c.Strategy.Leverage = getEnvFloat("LEVERAGE", c.Strategy.Leverage)
	c.Strategy.MaintenanceMarginRate = getEnvFloat("MAINTENANCE_MARGIN_RATE", c.Strategy.MaintenanceMarginRate)
	c.Strategy.MinStddevThreshold = getEnvFloat("MIN_STDDEV_THRESHOLD", c.Strategy.MinStddevThreshold)
	c.Strategy.OutputDir = getEnv("OUTPUT_DIR", c.Strategy.OutputDir)
	c.Strategy.MaxConcurrentPositions = getEnvInt("MAX_CONCURRENT_POSITIONS", c.Strategy.MaxConcurrentPositions)

	c.Port = getEnvInt("PORT", c.Port)
	c.DryRun = getEnvBool("DRY_RUN", c.DryRun)
	c.SimFee = getEnvFloat("SIM_ROUND_TRIP_FEE_PCT", c.SimFee)
}

// RoundTripFeePct is the combined taker fee both legs pay, entry plus
// exit, used by the signal evaluator's breakeven check.
func (c Config) RoundTripFeePct() float64 {
	return 2 * (c.Strategy.UpbitTakerFeePct + c.Strategy.BybitTakerFeePct)
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
