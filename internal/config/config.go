// Package config defines all configuration for the arbitrage engine.
// Config is assembled from layered JSON files under configs/ — common.json,
// order.json, then {env}.json — merged in order, with venue credentials
// overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Default threshold values applied when a symbol omits them. Thresholds are
// signed relative spreads; the long side is negative, the short side positive.
const (
	DefaultIncreaseThreshold    = 0.0012
	DefaultDecreaseThreshold    = 0.0002
	DefaultCancelIncreaseRatio  = 0.75
	DefaultCancelDecreaseRatio  = 0.25
	DefaultCancelTimeoutSeconds = 120
	DefaultMaxNotionalPerOrder  = 20
	DefaultMaxNotionalPerSymbol = 100
	DefaultMaxUsedMargin        = 0.9
	DefaultSymbolLeverage       = 2
)

// Config is the top-level configuration. Maps directly to the merged JSON.
type Config struct {
	Env       string `mapstructure:"env"`
	Debug     bool   `mapstructure:"debug"`
	OrderMode string `mapstructure:"order_mode"`

	Log      LogConfig                 `mapstructure:"log"`
	Redis    RedisConfig               `mapstructure:"redis"`
	Network  NetworkConfig             `mapstructure:"network"`
	API      APIConfig                 `mapstructure:"api"`
	Output   OutputConfig              `mapstructure:"output_data"`
	Exchange map[string]ExchangeConfig `mapstructure:"exchanges"`

	MaxUsedMargin  float64 `mapstructure:"max_used_margin"`
	SymbolLeverage int     `mapstructure:"symbol_leverage"`

	Symbols     []SymbolConfig         `mapstructure:"cross_arbitrage_symbol_datas"`
	SymbolNames map[string]SymbolNames `mapstructure:"symbol_name_datas"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Dir    string `mapstructure:"dir"`
}

type RedisConfig struct {
	URL                 string `mapstructure:"url"`
	OrderbookStream     string `mapstructure:"orderbook_stream"`
	OrderbookStreamSize int64  `mapstructure:"orderbook_stream_size"`
}

type NetworkConfig struct {
	HTTPProxy  string `mapstructure:"http_proxy"`
	HTTPSProxy string `mapstructure:"https_proxy"`
}

// APIConfig controls the balance HTTP endpoint.
type APIConfig struct {
	Port int `mapstructure:"port"`
}

// OutputConfig holds file paths for audit artifacts.
type OutputConfig struct {
	OrderLoop string `mapstructure:"order_loop"`
}

// ExchangeConfig holds one venue's credentials. Password is only used by the
// okx family (API passphrase).
type ExchangeConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Secret   string `mapstructure:"secret"`
	Password string `mapstructure:"password"`
}

// ThresholdData is one direction's configured trigger levels.
// Increase/Decrease are signed; the cancel lines are derived from them by
// the two ratios: cancel = decrease + (increase − decrease) × ratio.
type ThresholdData struct {
	Increase              float64 `mapstructure:"increase_position_threshold"`
	Decrease              float64 `mapstructure:"decrease_position_threshold"`
	CancelIncreaseRatio   float64 `mapstructure:"cancel_increase_ratio"`
	CancelDecreaseRatio   float64 `mapstructure:"cancel_decrease_ratio"`
	CancelPositionTimeout int     `mapstructure:"cancel_position_timeout"`
}

// SymbolConfig configures one traded symbol.
type SymbolConfig struct {
	SymbolName           string        `mapstructure:"symbol_name"`
	MakeonlyExchangeName string        `mapstructure:"makeonly_exchange_name"`
	LongThresholdData    ThresholdData `mapstructure:"long_threshold_data"`
	ShortThresholdData   ThresholdData `mapstructure:"short_threshold_data"`
	MaxNotionalPerOrder  float64       `mapstructure:"max_notional_per_order"`
	MaxNotionalPerSymbol float64       `mapstructure:"max_notional_per_symbol"`
}

// SymbolNames maps a canonical symbol to each venue's native naming. Each
// entry is either a plain string (native name, multiplier 1) or an object
// {"name": ..., "multiplier": ...}; parsing of the union happens in the
// symbols package.
type SymbolNames struct {
	Okex    any `mapstructure:"okex"`
	Binance any `mapstructure:"binance"`
}

// Load reads and merges configs/common.json, configs/order.json, and
// configs/{env}.json (later files win), then applies env var overrides.
func Load(dir, env string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	files := []string{
		filepath.Join(dir, "common.json"),
		filepath.Join(dir, "order.json"),
		filepath.Join(dir, env+".json"),
	}
	for i, f := range files {
		v.SetConfigFile(f)
		if i == 0 {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", f, err)
			}
			continue
		}
		if err := v.MergeInConfig(); err != nil {
			// env-specific layers are optional
			if os.IsNotExist(err) {
				continue
			}
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				continue
			}
			return nil, fmt.Errorf("merge config %s: %w", f, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Env = env

	// Override credentials from env
	for name, key := range map[string]string{"okex": "ARB_OKEX", "binance": "ARB_BINANCE"} {
		ex := cfg.Exchange[name]
		if s := os.Getenv(key + "_API_KEY"); s != "" {
			ex.APIKey = s
		}
		if s := os.Getenv(key + "_SECRET"); s != "" {
			ex.Secret = s
		}
		if s := os.Getenv(key + "_PASSWORD"); s != "" {
			ex.Password = s
		}
		if cfg.Exchange == nil {
			cfg.Exchange = make(map[string]ExchangeConfig)
		}
		cfg.Exchange[name] = ex
	}
	if url := os.Getenv("ARB_REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.OrderMode == "" {
		c.OrderMode = "normal"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Redis.OrderbookStream == "" {
		c.Redis.OrderbookStream = "orderbook_stream"
	}
	if c.Redis.OrderbookStreamSize == 0 {
		c.Redis.OrderbookStreamSize = 2_000_000
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	if c.Output.OrderLoop == "" {
		c.Output.OrderLoop = "output_data/order_loop.csv"
	}
	if c.MaxUsedMargin == 0 {
		c.MaxUsedMargin = DefaultMaxUsedMargin
	}
	if c.SymbolLeverage == 0 {
		c.SymbolLeverage = DefaultSymbolLeverage
	}

	for i := range c.Symbols {
		s := &c.Symbols[i]
		applyThresholdDefaults(&s.LongThresholdData, -1)
		applyThresholdDefaults(&s.ShortThresholdData, +1)
		if s.MaxNotionalPerOrder == 0 {
			s.MaxNotionalPerOrder = DefaultMaxNotionalPerOrder
		}
		if s.MaxNotionalPerSymbol == 0 {
			s.MaxNotionalPerSymbol = DefaultMaxNotionalPerSymbol
		}
	}
}

func applyThresholdDefaults(t *ThresholdData, sign float64) {
	if t.Increase == 0 {
		t.Increase = sign * DefaultIncreaseThreshold
	}
	if t.Decrease == 0 {
		t.Decrease = sign * DefaultDecreaseThreshold
	}
	if t.CancelIncreaseRatio == 0 {
		t.CancelIncreaseRatio = DefaultCancelIncreaseRatio
	}
	if t.CancelDecreaseRatio == 0 {
		t.CancelDecreaseRatio = DefaultCancelDecreaseRatio
	}
	if t.CancelPositionTimeout == 0 {
		t.CancelPositionTimeout = DefaultCancelTimeoutSeconds
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	switch c.OrderMode {
	case "normal", "reduce_only", "pending":
	default:
		return fmt.Errorf("order_mode must be one of: normal, reduce_only, pending (got %q)", c.OrderMode)
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required (set ARB_REDIS_URL)")
	}
	for _, name := range []string{"okex", "binance"} {
		ex, ok := c.Exchange[name]
		if !ok || ex.APIKey == "" || ex.Secret == "" {
			return fmt.Errorf("exchanges.%s.api_key and secret are required", name)
		}
		if name == "okex" && ex.Password == "" {
			return fmt.Errorf("exchanges.okex.password is required")
		}
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("cross_arbitrage_symbol_datas must not be empty")
	}
	for _, s := range c.Symbols {
		if s.SymbolName == "" {
			return fmt.Errorf("symbol_name is required for every symbol entry")
		}
		switch s.MakeonlyExchangeName {
		case "okex", "binance":
		default:
			return fmt.Errorf("symbol %s: makeonly_exchange_name must be okex or binance (got %q)",
				s.SymbolName, s.MakeonlyExchangeName)
		}
		if _, ok := c.SymbolNames[s.SymbolName]; !ok {
			return fmt.Errorf("symbol %s: missing entry in symbol_name_datas", s.SymbolName)
		}
		if s.LongThresholdData.Increase >= 0 || s.LongThresholdData.Decrease >= 0 {
			return fmt.Errorf("symbol %s: long thresholds must be negative", s.SymbolName)
		}
		if s.ShortThresholdData.Increase <= 0 || s.ShortThresholdData.Decrease <= 0 {
			return fmt.Errorf("symbol %s: short thresholds must be positive", s.SymbolName)
		}
		if s.MaxNotionalPerOrder <= 0 || s.MaxNotionalPerSymbol <= 0 {
			return fmt.Errorf("symbol %s: max notional limits must be > 0", s.SymbolName)
		}
	}
	if c.MaxUsedMargin <= 0 || c.MaxUsedMargin >= 1 {
		return fmt.Errorf("max_used_margin must be in (0, 1)")
	}
	if c.SymbolLeverage < 1 {
		return fmt.Errorf("symbol_leverage must be >= 1")
	}
	if !strings.HasSuffix(c.Output.OrderLoop, ".csv") {
		return fmt.Errorf("output_data.order_loop must be a .csv path")
	}
	return nil
}

// SymbolConfig returns the entry for a canonical symbol, or nil.
func (c *Config) SymbolConfig(symbol string) *SymbolConfig {
	for i := range c.Symbols {
		if c.Symbols[i].SymbolName == symbol {
			return &c.Symbols[i]
		}
	}
	return nil
}
