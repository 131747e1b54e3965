package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigs(t *testing.T, common, order, env string) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{"common.json": common, "order.json": order}
	if env != "" {
		files["test.json"] = env
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

const commonJSON = `{
  "redis": {"url": "redis://localhost:6379/0"},
  "exchanges": {
    "okex": {"api_key": "k", "secret": "s", "password": "p"},
    "binance": {"api_key": "k", "secret": "s"}
  },
  "symbol_name_datas": {
    "BNB/USDT": {"okex": "BNB-USDT-SWAP", "binance": "BNBUSDT"}
  }
}`

const orderJSON = `{
  "cross_arbitrage_symbol_datas": [
    {
      "symbol_name": "BNB/USDT",
      "makeonly_exchange_name": "okex",
      "long_threshold_data": {"increase_position_threshold": -0.0015},
      "short_threshold_data": {}
    }
  ]
}`

func TestLoadAppliesDefaults(t *testing.T) {
	dir := writeConfigs(t, commonJSON, orderJSON, "")
	cfg, err := Load(dir, "test")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	sym := cfg.SymbolConfig("BNB/USDT")
	if sym == nil {
		t.Fatal("symbol config missing")
	}
	// Explicit value survives, the rest is defaulted with the side's sign.
	if sym.LongThresholdData.Increase != -0.0015 {
		t.Errorf("long increase = %v, want -0.0015", sym.LongThresholdData.Increase)
	}
	if sym.LongThresholdData.Decrease != -DefaultDecreaseThreshold {
		t.Errorf("long decrease = %v, want %v", sym.LongThresholdData.Decrease, -DefaultDecreaseThreshold)
	}
	if sym.ShortThresholdData.Increase != DefaultIncreaseThreshold {
		t.Errorf("short increase = %v, want %v", sym.ShortThresholdData.Increase, DefaultIncreaseThreshold)
	}
	if sym.LongThresholdData.CancelPositionTimeout != DefaultCancelTimeoutSeconds {
		t.Errorf("cancel timeout = %v, want %v", sym.LongThresholdData.CancelPositionTimeout, DefaultCancelTimeoutSeconds)
	}
	if sym.MaxNotionalPerOrder != DefaultMaxNotionalPerOrder {
		t.Errorf("max notional per order = %v, want %v", sym.MaxNotionalPerOrder, DefaultMaxNotionalPerOrder)
	}
	if cfg.OrderMode != "normal" {
		t.Errorf("order mode = %q, want normal", cfg.OrderMode)
	}
	if cfg.Redis.OrderbookStreamSize != 2_000_000 {
		t.Errorf("stream size = %v, want 2000000", cfg.Redis.OrderbookStreamSize)
	}
}

func TestLoadEnvLayerWins(t *testing.T) {
	envJSON := `{"order_mode": "reduce_only", "debug": true}`
	dir := writeConfigs(t, commonJSON, orderJSON, envJSON)
	cfg, err := Load(dir, "test")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OrderMode != "reduce_only" {
		t.Errorf("order mode = %q, want reduce_only from env layer", cfg.OrderMode)
	}
	if !cfg.Debug {
		t.Error("debug should be set from env layer")
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	dir := writeConfigs(t, commonJSON, orderJSON, "")
	cfg, err := Load(dir, "test")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.OrderMode = "maintain" // health-driven only, not configurable
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for order_mode=maintain")
	}
}

func TestValidateRequiresSymbolMapping(t *testing.T) {
	dir := writeConfigs(t, commonJSON, orderJSON, "")
	cfg, err := Load(dir, "test")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	delete(cfg.SymbolNames, "BNB/USDT")
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing symbol_name_datas entry")
	}
}

func TestValidateRejectsWrongSignThresholds(t *testing.T) {
	dir := writeConfigs(t, commonJSON, orderJSON, "")
	cfg, err := Load(dir, "test")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Symbols[0].LongThresholdData.Increase = 0.0012
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for positive long threshold")
	}
}
