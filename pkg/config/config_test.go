package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	assert.Equal(t, "ActivationHost", cfg.AppID)
	assert.Equal(t, "activationhost", cfg.Scheme)
	assert.Equal(t, 5*time.Second, cfg.SelfDeliveryTimeout.Duration)
	assert.Equal(t, "9ddcd0d6-6b91-4245-b76e-03eef2c39998", cfg.CLSID().String())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
app_id = "FileApp"
scheme = "fileapp"
runtime_dir = "/tmp/fileapp"
self_delivery_timeout = "250ms"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("ACTHOST_SCHEME", "envapp")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "FileApp", cfg.AppID)
	assert.Equal(t, "envapp", cfg.Scheme)
	assert.Equal(t, "/tmp/fileapp", cfg.RuntimeDir)
	assert.Equal(t, 250*time.Millisecond, cfg.SelfDeliveryTimeout.Duration)
}

func TestLoad_DurationEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`self_delivery_timeout = "250ms"`+"\n"), 0o644))
	t.Setenv("ACTHOST_SELF_DELIVERY_TIMEOUT", "2s")
	t.Setenv("ACTHOST_DIAL_TIMEOUT", "750ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.SelfDeliveryTimeout.Duration)
	assert.Equal(t, 750*time.Millisecond, cfg.DialTimeout.Duration)
}

func TestLoad_BadDurationEnv(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"unparsable self delivery", "ACTHOST_SELF_DELIVERY_TIMEOUT", "soon"},
		{"unparsable dial", "ACTHOST_DIAL_TIMEOUT", "5"},
		{"negative dial", "ACTHOST_DIAL_TIMEOUT", "-1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty app id", func(c *Config) { c.AppID = "" }},
		{"app id with separator", func(c *Config) { c.AppID = "a/b" }},
		{"bad clsid", func(c *Config) { c.ActivatorCLSID = "not-a-guid" }},
		{"scheme with colon", func(c *Config) { c.Scheme = "app:" }},
		{"zero self delivery timeout", func(c *Config) { c.SelfDeliveryTimeout.Duration = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Defaults().Validate())
}
