package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), perm); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	// WriteFile is subject to umask
	if err := os.Chmod(filepath.Join(dir, FileName), perm); err != nil {
		t.Fatalf("failed to chmod config file: %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := load(dir, noEnv)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Ledger.Backend != BackendSQLite || cfg.Ledger.Path != filepath.Join(dir, "ledger.db") {
		t.Errorf("unexpected ledger defaults: %+v", cfg.Ledger)
	}
	if cfg.Session.AutoLock != time.Hour || cfg.Broker.PendingTTL != 5*time.Minute || cfg.Broker.ClientTimeout != 120*time.Second {
		t.Errorf("unexpected timing defaults: %+v %+v", cfg.Session, cfg.Broker)
	}
	if cfg.Crypto.Iterations != 100000 {
		t.Errorf("expected 100000 iterations, got %d", cfg.Crypto.Iterations)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `identity: "0xA11CE"
ledger:
  backend: memory
session:
  auto_lock: 15m
broker:
  pending_ttl: 2m
  rate_limit: 0.5
  rate_burst: 3
crypto:
  iterations: 200000
`, 0600)

	cfg, err := load(dir, noEnv)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Identity != "0xA11CE" || cfg.Ledger.Backend != BackendMemory {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Session.AutoLock != 15*time.Minute || cfg.Broker.PendingTTL != 2*time.Minute {
		t.Errorf("durations not parsed: %+v %+v", cfg.Session, cfg.Broker)
	}
	if cfg.Broker.RateLimit != 0.5 || cfg.Broker.RateBurst != 3 || cfg.Crypto.Iterations != 200000 {
		t.Errorf("numbers not parsed: %+v %+v", cfg.Broker, cfg.Crypto)
	}
	// Unset keys keep their defaults
	if cfg.Broker.CallbackTimeout != 30*time.Second {
		t.Errorf("expected default callback timeout, got %v", cfg.Broker.CallbackTimeout)
	}
}

func TestLoad_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	dir := t.TempDir()
	writeConfig(t, dir, "identity: x\n", 0644)

	if _, err := load(dir, noEnv); !errors.Is(err, ErrInsecure) {
		t.Errorf("expected ErrInsecure, got %v", err)
	}
}

func TestLoad_Symlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("O_NOFOLLOW")
	}
	dir := t.TempDir()
	target := filepath.Join(t.TempDir(), "real.yaml")
	if err := os.WriteFile(target, []byte("identity: x\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(dir, FileName)); err != nil {
		t.Fatal(err)
	}

	if _, err := load(dir, noEnv); !errors.Is(err, ErrSymlink) {
		t.Errorf("expected ErrSymlink, got %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "invalid: yaml: content: [[[", 0600)

	if _, err := load(dir, noEnv); err == nil {
		t.Error("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"VAULTBROKER_IDENTITY":       "0xB0B",
		"VAULTBROKER_LEDGER_BACKEND": "mongo",
		"VAULTBROKER_MONGO_URI":      "mongodb://localhost:27017",
		"VAULTBROKER_AUTO_LOCK":      "30m",
		"VAULTBROKER_RATE_LIMIT":     "2",
		"VAULTBROKER_RATE_BURST":     "4",
		"VAULTBROKER_ITERATIONS":     "1000",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default(t.TempDir())
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Identity != "0xB0B" || cfg.Ledger.Backend != BackendMongo || cfg.Ledger.MongoURI != "mongodb://localhost:27017" {
		t.Errorf("strings not applied: %+v", cfg)
	}
	if cfg.Session.AutoLock != 30*time.Minute || cfg.Broker.RateLimit != 2 || cfg.Broker.RateBurst != 4 || cfg.Crypto.Iterations != 1000 {
		t.Errorf("values not applied: %+v", cfg)
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"duration", "VAULTBROKER_PENDING_TTL", "soon"},
		{"int", "VAULTBROKER_RATE_BURST", "many"},
		{"float", "VAULTBROKER_RATE_LIMIT", "fast"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			err := cfg.ApplyEnv(func(k string) (string, bool) {
				if k == tt.key {
					return tt.value, true
				}
				return "", false
			})
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Ledger.Backend = "redis" }},
		{"mongo without uri", func(c *Config) { c.Ledger.Backend = BackendMongo }},
		{"sqlite without path", func(c *Config) { c.Ledger.Path = "" }},
		{"zero iterations", func(c *Config) { c.Crypto.Iterations = 0 }},
		{"zero ttl", func(c *Config) { c.Broker.PendingTTL = 0 }},
		{"negative auto lock", func(c *Config) { c.Session.AutoLock = -time.Second }},
		{"rate without burst", func(c *Config) { c.Broker.RateLimit = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}

	if err := Default(t.TempDir()).Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "home")
	cfg := Default(dir)
	cfg.Identity = "0xA11CE"
	cfg.Session.AutoLock = 10 * time.Minute

	if err := cfg.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dir, FileName))
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("expected 0600, got %o", info.Mode().Perm())
		}
	}

	loaded, err := load(dir, noEnv)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Identity != "0xA11CE" || loaded.Session.AutoLock != 10*time.Minute {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}
