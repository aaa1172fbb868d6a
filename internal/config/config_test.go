package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfigAndResolveRelativePaths(t *testing.T) {
	tmp := t.TempDir()
	keyPath := filepath.Join(tmp, "master.hex")
	if err := os.WriteFile(keyPath, []byte("FFCD13BDD3C87FB44125E84618FAB7D4\n"), 0o644); err != nil {
		t.Fatalf("write key: %v", err)
	}

	cfgPath := writeConfig(t, tmp, `
key_hex_file: "master.hex"
countermeasures:
  masking: true
  shuffling: true
  dummy_ops: true
  dpa: false
runtime:
  log_format: json
  verbose: true
  etu_fudge: 50
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.KeyHexFile != keyPath {
		t.Fatalf("expected resolved key path %q, got %q", keyPath, cfg.KeyHexFile)
	}
	if !*cfg.Countermeasures.Masking || !*cfg.Countermeasures.Shuffling || !*cfg.Countermeasures.DummyOps {
		t.Fatal("countermeasure flags did not load")
	}
	if *cfg.Countermeasures.DPA {
		t.Fatal("dpa flag should be false")
	}
	if *cfg.Runtime.ETUFudge != 50 {
		t.Fatalf("etu_fudge = %d, want 50", *cfg.Runtime.ETUFudge)
	}
}

func TestLoadRejectsMissingCountermeasureFlags(t *testing.T) {
	tmp := t.TempDir()
	keyPath := filepath.Join(tmp, "master.hex")
	if err := os.WriteFile(keyPath, []byte("FFCD13BDD3C87FB44125E84618FAB7D4\n"), 0o644); err != nil {
		t.Fatalf("write key: %v", err)
	}

	cfgPath := writeConfig(t, tmp, `
key_hex_file: "master.hex"
countermeasures:
  masking: true
  shuffling: true
  dpa: false
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "dummy_ops") {
		t.Fatalf("Load error = %v, want missing dummy_ops", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := writeConfig(t, tmp, `
key_hex_file: "master.hex"
counter_measures:
  masking: true
`)

	if _, err := Load(cfgPath); err == nil {
		t.Fatal("Load accepted an unknown field")
	}
}

func TestLoadRejectsOutOfRangeFudge(t *testing.T) {
	tmp := t.TempDir()
	keyPath := filepath.Join(tmp, "master.hex")
	if err := os.WriteFile(keyPath, []byte("FFCD13BDD3C87FB44125E84618FAB7D4\n"), 0o644); err != nil {
		t.Fatalf("write key: %v", err)
	}

	cfgPath := writeConfig(t, tmp, `
key_hex_file: "master.hex"
countermeasures:
  masking: false
  shuffling: false
  dummy_ops: false
  dpa: false
runtime:
  etu_fudge: 400
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "etu_fudge") {
		t.Fatalf("Load error = %v, want etu_fudge range error", err)
	}
}
