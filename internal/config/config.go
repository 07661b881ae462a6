// Package config loads vaultbroker settings from a YAML file, overridden
// by VAULTBROKER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/vaultbroker/internal/broker"
	"github.com/forest6511/vaultbroker/internal/inpage"
	"github.com/forest6511/vaultbroker/pkg/crypto"
	"github.com/forest6511/vaultbroker/pkg/session"
)

// FileName is the config file inside the base directory.
const FileName = "config.yaml"

// Ledger backends.
const (
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
	BackendMemory = "memory"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VAULTBROKER_"

var (
	// ErrInsecure is returned when the config file is readable by others.
	ErrInsecure = errors.New("config: file has insecure permissions")

	// ErrSymlink is returned when the config file is a symlink.
	ErrSymlink = errors.New("config: file is a symlink")

	// ErrNotOwnedByUser is returned when the config file belongs to another user.
	ErrNotOwnedByUser = errors.New("config: file not owned by current user")

	// ErrInvalid is returned when a value fails validation.
	ErrInvalid = errors.New("config: invalid value")
)

// Config is the full vaultbroker configuration.
type Config struct {
	Identity string        `yaml:"identity"`
	Ledger   LedgerConfig  `yaml:"ledger"`
	Session  SessionConfig `yaml:"session"`
	Broker   BrokerConfig  `yaml:"broker"`
	Crypto   CryptoConfig  `yaml:"crypto"`
	Audit    AuditConfig   `yaml:"audit"`
}

// LedgerConfig selects and locates the ledger backend.
type LedgerConfig struct {
	Backend         string `yaml:"backend"`
	Path            string `yaml:"path"`
	MongoURI        string `yaml:"mongo_uri"`
	MongoDatabase   string `yaml:"mongo_database"`
	MongoCollection string `yaml:"mongo_collection"`
}

// SessionConfig controls auto-lock.
type SessionConfig struct {
	AutoLock time.Duration `yaml:"auto_lock"`
}

// BrokerConfig controls login brokering.
type BrokerConfig struct {
	PendingTTL      time.Duration `yaml:"pending_ttl"`
	ClientTimeout   time.Duration `yaml:"client_timeout"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
}

// CryptoConfig controls key derivation.
type CryptoConfig struct {
	Iterations int `yaml:"iterations"`
}

// AuditConfig locates the audit log.
type AuditConfig struct {
	Dir string `yaml:"dir"`
}

// DefaultDir returns the base directory, $VAULTBROKER_HOME or
// ~/.vaultbroker.
func DefaultDir() (string, error) {
	if dir := os.Getenv(EnvPrefix + "HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".vaultbroker"), nil
}

// Default returns the configuration used when no file exists, rooted at
// dir.
func Default(dir string) *Config {
	return &Config{
		Ledger: LedgerConfig{
			Backend:         BackendSQLite,
			Path:            filepath.Join(dir, "ledger.db"),
			MongoDatabase:   "vaultbroker",
			MongoCollection: "entries",
		},
		Session: SessionConfig{AutoLock: session.DefaultAutoLock},
		Broker: BrokerConfig{
			PendingTTL:      broker.DefaultPendingTTL,
			ClientTimeout:   inpage.DefaultTimeout,
			CallbackTimeout: broker.DefaultCallbackTimeout,
		},
		Crypto: CryptoConfig{Iterations: crypto.DefaultIterations},
		Audit:  AuditConfig{Dir: filepath.Join(dir, "audit")},
	}
}

// Load reads dir/config.yaml over the defaults, then applies environment
// overrides. A missing file is not an error. The file must be a regular
// file owned by the current user with mode 0600.
func Load(dir string) (*Config, error) {
	return load(dir, os.LookupEnv)
}

func load(dir string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default(dir)

	f, err := openConfigFile(filepath.Join(dir, FileName))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		defer f.Close()
		if err := cfg.read(f); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) read(f *os.File) error {
	// fstat the opened descriptor rather than the path
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("config: failed to stat file: %w", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		return fmt.Errorf("%w: %o (expected 0600)", ErrInsecure, perm)
	}
	if err := checkFileOwnership(info); err != nil {
		return err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("config: failed to read file: %w", err)
	}
	if err := yaml.Unmarshal(content, c); err != nil {
		return fmt.Errorf("config: failed to parse file: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from VAULTBROKER_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"IDENTITY":         &c.Identity,
		"LEDGER_BACKEND":   &c.Ledger.Backend,
		"LEDGER_PATH":      &c.Ledger.Path,
		"MONGO_URI":        &c.Ledger.MongoURI,
		"MONGO_DATABASE":   &c.Ledger.MongoDatabase,
		"MONGO_COLLECTION": &c.Ledger.MongoCollection,
		"AUDIT_DIR":        &c.Audit.Dir,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"AUTO_LOCK":        &c.Session.AutoLock,
		"PENDING_TTL":      &c.Broker.PendingTTL,
		"CLIENT_TIMEOUT":   &c.Broker.ClientTimeout,
		"CALLBACK_TIMEOUT": &c.Broker.CallbackTimeout,
	}
	for name, dst := range durations {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalid, EnvPrefix, name, v, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"RATE_BURST": &c.Broker.RateBurst,
		"ITERATIONS": &c.Crypto.Iterations,
	}
	for name, dst := range ints {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q", ErrInvalid, EnvPrefix, name, v)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %sRATE_LIMIT=%q", ErrInvalid, EnvPrefix, v)
		}
		c.Broker.RateLimit = f
	}
	return nil
}

// Validate checks the configuration for values the components would
// reject or silently replace.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendSQLite:
		if c.Ledger.Path == "" {
			return fmt.Errorf("%w: ledger.path is required for the sqlite backend", ErrInvalid)
		}
	case BackendMongo:
		if c.Ledger.MongoURI == "" {
			return fmt.Errorf("%w: ledger.mongo_uri is required for the mongo backend", ErrInvalid)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: ledger.backend %q (must be %s, %s or %s)",
			ErrInvalid, c.Ledger.Backend, BackendSQLite, BackendMongo, BackendMemory)
	}

	if c.Crypto.Iterations < 1 {
		return fmt.Errorf("%w: crypto.iterations must be positive", ErrInvalid)
	}
	for name, d := range map[string]time.Duration{
		"session.auto_lock":       c.Session.AutoLock,
		"broker.pending_ttl":      c.Broker.PendingTTL,
		"broker.client_timeout":   c.Broker.ClientTimeout,
		"broker.callback_timeout": c.Broker.CallbackTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}
	if c.Broker.RateLimit < 0 || c.Broker.RateBurst < 0 {
		return fmt.Errorf("%w: broker rate limit must not be negative", ErrInvalid)
	}
	if c.Broker.RateLimit > 0 && c.Broker.RateBurst == 0 {
		return fmt.Errorf("%w: broker.rate_burst must be set with broker.rate_limit", ErrInvalid)
	}
	return nil
}

// Save writes c to dir/config.yaml with mode 0600.
func (c *Config) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: failed to create directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: failed to encode: %w", err)
	}

	path := filepath.Join(dir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("config: failed to write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: failed to write file: %w", err)
	}
	return nil
}

// String renders c as YAML, for `vaultbroker config` style output.
func (c *Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return strings.TrimSpace(string(data))
}
