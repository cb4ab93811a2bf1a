package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaultsForZeroValuedFields(t *testing.T) {
	path := writeConfig(t, `
trading_mode: paper
risk:
  allowed_tickers: ["SPY", "QQQ"]
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.PriceSnapshotSeconds != 15 {
		t.Fatalf("PriceSnapshotSeconds = %d, want default 15", c.PriceSnapshotSeconds)
	}
	if c.Session.Timezone != "America/New_York" {
		t.Fatalf("Session.Timezone = %q, want default", c.Session.Timezone)
	}
	if c.Sizing.DefaultQuantity != 2 {
		t.Fatalf("Sizing.DefaultQuantity = %d, want default 2", c.Sizing.DefaultQuantity)
	}
	if c.Sizing.DoubleMinScore != 5 {
		t.Fatalf("Sizing.DoubleMinScore = %v, want default 5", c.Sizing.DoubleMinScore)
	}
	if c.Broker.Mode != "sim" {
		t.Fatalf("Broker.Mode = %q, want default sim", c.Broker.Mode)
	}
	if c.Store.Driver != "file" {
		t.Fatalf("Store.Driver = %q, want default file", c.Store.Driver)
	}
	if len(c.Risk.AllowedTickers) != 2 {
		t.Fatalf("Risk.AllowedTickers = %v, want the two explicitly configured tickers preserved", c.Risk.AllowedTickers)
	}
}

func TestLoad_PreservesExplicitlyConfiguredValues(t *testing.T) {
	path := writeConfig(t, `
price_snapshot_seconds: 30
sizing:
  default_quantity: 4
broker:
  mode: live
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.PriceSnapshotSeconds != 30 {
		t.Fatalf("PriceSnapshotSeconds = %d, want the configured 30", c.PriceSnapshotSeconds)
	}
	if c.Sizing.DefaultQuantity != 4 {
		t.Fatalf("Sizing.DefaultQuantity = %d, want the configured 4", c.Sizing.DefaultQuantity)
	}
	if c.Broker.Mode != "live" {
		t.Fatalf("Broker.Mode = %q, want the configured live", c.Broker.Mode)
	}
	// An untouched section still gets its defaults applied alongside the
	// explicitly configured one.
	if c.Selector.StrikeCount != 20 {
		t.Fatalf("Selector.StrikeCount = %d, want default 20", c.Selector.StrikeCount)
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected an error reading a nonexistent config file")
	}
}

func TestLoad_MalformedYAMLReturnsError(t *testing.T) {
	path := writeConfig(t, "not: valid: yaml: [")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected an error parsing malformed yaml")
	}
}
