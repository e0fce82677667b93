package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
)

// DefaultPath is where Load looks for the config file when none is given.
const DefaultPath = "~/.activation-host/config.toml"

type Config struct {
	// Identity shared by every instance of the application.
	AppID          string `toml:"app_id"`
	ActivatorCLSID string `toml:"activator_clsid"` // GUID the notification manager activates
	Scheme         string `toml:"scheme"`          // deep-link scheme, matched case-insensitively

	RuntimeDir string `toml:"runtime_dir"` // directory holding the local IPC endpoints
	LogDir     string `toml:"log_dir"`
	LogLevel   string `toml:"log_level"`

	SelfDeliveryTimeout Duration `toml:"self_delivery_timeout"`
	DialTimeout         Duration `toml:"dial_timeout"`

	MetricsAddr string `toml:"metrics_addr"` // empty disables the /metrics listener
}

// Duration decodes "5s" style strings from toml.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used when no file or env override is present.
func Defaults() *Config {
	return &Config{
		AppID:               "ActivationHost",
		ActivatorCLSID:      "9DDCD0D6-6B91-4245-B76E-03EEF2C39998",
		Scheme:              "activationhost",
		RuntimeDir:          defaultRuntimeDir(),
		LogDir:              "~/.activation-host/logs",
		LogLevel:            "info",
		SelfDeliveryTimeout: Duration{5 * time.Second},
		DialTimeout:         Duration{500 * time.Millisecond},
	}
}

// Load reads the config file at path (DefaultPath when empty), then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = DefaultPath
	}
	configPath, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand config path %s: %w", path, err)
	}
	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", configPath, err)
		}
	}

	// Apply environment variable overrides
	if v := os.Getenv("ACTHOST_APP_ID"); v != "" {
		cfg.AppID = v
	}
	if v := os.Getenv("ACTHOST_ACTIVATOR_CLSID"); v != "" {
		cfg.ActivatorCLSID = v
	}
	if v := os.Getenv("ACTHOST_SCHEME"); v != "" {
		cfg.Scheme = v
	}
	if v := os.Getenv("ACTHOST_RUNTIME_DIR"); v != "" {
		cfg.RuntimeDir = v
	}
	if v := os.Getenv("ACTHOST_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("ACTHOST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ACTHOST_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("ACTHOST_SELF_DELIVERY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("ACTHOST_SELF_DELIVERY_TIMEOUT: %w", err)
		}
		cfg.SelfDeliveryTimeout.Duration = d
	}
	if v := os.Getenv("ACTHOST_DIAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("ACTHOST_DIAL_TIMEOUT: %w", err)
		}
		cfg.DialTimeout.Duration = d
	}

	if cfg.RuntimeDir, err = homedir.Expand(cfg.RuntimeDir); err != nil {
		return nil, fmt.Errorf("expand runtime_dir: %w", err)
	}
	if cfg.LogDir, err = homedir.Expand(cfg.LogDir); err != nil {
		return nil, fmt.Errorf("expand log_dir: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields every component relies on.
func (c *Config) Validate() error {
	if c.AppID == "" {
		return fmt.Errorf("app_id must be set")
	}
	if strings.ContainsAny(c.AppID, `/\ `) {
		return fmt.Errorf("app_id %q must not contain path separators or spaces", c.AppID)
	}
	if _, err := uuid.Parse(c.ActivatorCLSID); err != nil {
		return fmt.Errorf("activator_clsid %q: %w", c.ActivatorCLSID, err)
	}
	if c.Scheme == "" || strings.Contains(c.Scheme, ":") {
		return fmt.Errorf("scheme %q must be a bare scheme name", c.Scheme)
	}
	if c.SelfDeliveryTimeout.Duration <= 0 {
		return fmt.Errorf("self_delivery_timeout must be positive")
	}
	if c.DialTimeout.Duration <= 0 {
		return fmt.Errorf("dial_timeout must be positive")
	}
	return nil
}

// CLSID returns the parsed activator class id. Validate must have passed.
func (c *Config) CLSID() uuid.UUID {
	return uuid.MustParse(c.ActivatorCLSID)
}

func defaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "activation-host")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("activation-host-%d", os.Getuid()))
}
