package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Stream.SampleRate != 1_000_000 || cfg.Stream.BlockWords != 1018 {
		t.Fatalf("defaults = %+v", cfg.Stream)
	}
	if cfg.Tx.Workers != 2 {
		t.Fatalf("tx defaults = %+v", cfg.Tx)
	}
}

func TestLoadFromHCL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rfhost.hcl")
	body := `
card {
  address = "192.168.1.40:4810"
}
stream {
  sample_rate = 2000000
  block_words = 508
  rx_lo       = 915000000
}
tx {
  async   = true
  workers = 4
}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Card.Address != "192.168.1.40:4810" {
		t.Fatalf("card = %+v", cfg.Card)
	}
	if cfg.Stream.SampleRate != 2_000_000 || cfg.Stream.BlockWords != 508 || cfg.Stream.RxLO != 915_000_000 {
		t.Fatalf("stream = %+v", cfg.Stream)
	}
	if !cfg.Tx.Async || cfg.Tx.Workers != 4 {
		t.Fatalf("tx = %+v", cfg.Tx)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Telemetry.History != 500 {
		t.Fatalf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/rfhost.hcl"); err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RFHOST_CARD_ADDRESS", "10.0.0.9:4810")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Card.Address != "10.0.0.9:4810" {
		t.Fatalf("card address = %q, want env override", cfg.Card.Address)
	}
}
