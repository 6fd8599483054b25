// Package config loads the pdsno daemon configuration.
//
// Values come from DefaultConfig, then the YAML file, then PDSNO_*
// environment variables. Unknown keys in the file are errors.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/preacher1045/pdsno/internal/model"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Identity  IdentityConfig  `yaml:"identity"`
	Keys      KeysConfig      `yaml:"keys"`
	Policy    PolicyConfig    `yaml:"policy"`
	Audit     AuditConfig     `yaml:"audit"`
	Locks     LocksConfig     `yaml:"locks"`
	Writes    WritesConfig    `yaml:"writes"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// IdentityConfig names this controller and its place in the hierarchy.
type IdentityConfig struct {
	ID        string          `yaml:"id"`
	Authority model.Authority `yaml:"authority"`
}

func (i IdentityConfig) Identity() model.Identity {
	return model.Identity{ID: i.ID, Authority: i.Authority}
}

// KeysConfig locates the signing keys. Trusted lists extra token public
// key files (name.pub) of peer controllers whose tokens are accepted.
type KeysConfig struct {
	Dir     string   `yaml:"dir"`
	Trusted []string `yaml:"trusted"`
}

type PolicyConfig struct {
	Path string `yaml:"path"`
}

type AuditConfig struct {
	MirrorPath       string `yaml:"mirror_path"`
	MirrorMaxSizeMB  int    `yaml:"mirror_max_size_mb"`
	MirrorMaxBackups int    `yaml:"mirror_max_backups"`
	MirrorMaxAgeDays int    `yaml:"mirror_max_age_days"`
	MirrorCompress   bool   `yaml:"mirror_compress"`
	PayloadThreshold int    `yaml:"payload_threshold"`
}

type LocksConfig struct {
	SweepInterval model.Duration `yaml:"sweep_interval"`
	Retention     model.Duration `yaml:"retention"`
}

type WritesConfig struct {
	MaxAttempts int            `yaml:"max_attempts"`
	BaseBackoff model.Duration `yaml:"base_backoff"`
	MaxBackoff  model.Duration `yaml:"max_backoff"`
}

type DiscoveryConfig struct {
	MissedCycleThreshold int `yaml:"missed_cycle_threshold"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Store:    StoreConfig{Path: "pdsno.db"},
		Identity: IdentityConfig{ID: "controller-1", Authority: model.AuthorityLocal},
		Keys:     KeysConfig{Dir: "keys"},
		Policy:   PolicyConfig{Path: "policy.yaml"},
		Audit: AuditConfig{
			MirrorMaxSizeMB:  100,
			MirrorMaxBackups: 10,
			MirrorMaxAgeDays: 90,
			PayloadThreshold: 4096,
		},
		Locks: LocksConfig{
			SweepInterval: model.Duration(time.Minute),
			Retention:     model.Duration(24 * time.Hour),
		},
		Writes: WritesConfig{
			MaxAttempts: 3,
			BaseBackoff: model.Duration(10 * time.Millisecond),
			MaxBackoff:  model.Duration(200 * time.Millisecond),
		},
		Discovery: DiscoveryConfig{MissedCycleThreshold: 3},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads the file at path over the defaults and applies environment
// overrides. A missing file is not an error; an empty path skips the
// file.
func Load(path string) (*Config, error) { return load(path, false) }

// LoadFile is Load for a file the operator named explicitly: a missing
// file is an error.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	return load(path, true)
}

func load(path string, required bool) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist) && !required:
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := decode(bytes.NewReader(data), cfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set("PDSNO_STORE_PATH", &c.Store.Path)
	set("PDSNO_IDENTITY_ID", &c.Identity.ID)
	set("PDSNO_KEYS_DIR", &c.Keys.Dir)
	set("PDSNO_POLICY_PATH", &c.Policy.Path)
	set("PDSNO_AUDIT_MIRROR_PATH", &c.Audit.MirrorPath)
	set("PDSNO_METRICS_LISTEN", &c.Metrics.Listen)
	set("PDSNO_LOG_LEVEL", &c.Logging.Level)

	if v := getenv("PDSNO_IDENTITY_AUTHORITY"); v != "" {
		a, err := model.ParseAuthority(strings.ToUpper(v))
		if err != nil {
			return fmt.Errorf("PDSNO_IDENTITY_AUTHORITY: %w", err)
		}
		c.Identity.Authority = a
	}
	if v := getenv("PDSNO_LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PDSNO_LOG_JSON: %w", err)
		}
		c.Logging.JSON = b
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Store.Path == "":
		return &Error{Field: "store.path", Message: "is required"}
	case c.Identity.ID == "":
		return &Error{Field: "identity.id", Message: "is required"}
	case !c.Identity.Authority.Valid():
		return &Error{Field: "identity.authority", Message: "must be LOCAL, REGIONAL or GLOBAL"}
	case c.Keys.Dir == "":
		return &Error{Field: "keys.dir", Message: "is required"}
	case c.Writes.MaxAttempts < 1:
		return &Error{Field: "writes.max_attempts", Message: "must be at least 1"}
	case c.Writes.MaxBackoff < c.Writes.BaseBackoff:
		return &Error{Field: "writes.max_backoff", Message: "must not be below writes.base_backoff"}
	case c.Discovery.MissedCycleThreshold < 1:
		return &Error{Field: "discovery.missed_cycle_threshold", Message: "must be at least 1"}
	case c.Audit.PayloadThreshold < 0:
		return &Error{Field: "audit.payload_threshold", Message: "must not be negative"}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &Error{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", c.Logging.Level)}
	}
	return nil
}

// Error is an invalid configuration setting.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string { return e.Field + " " + e.Message }
