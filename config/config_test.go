package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"), false)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"), true)
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
url = "ws://seedbox:6800/jsonrpc"
secret = "s3cret"
call_timeout = "3s"
poll_interval = "250ms"
rate_limit = 20.5

[retry]
attempts = 5
base_delay = "200ms"
max_delay = "2s"

[registry]
endpoints = [" etcd-1:2379 ", "", "etcd-2:2379"]
balancer = "round-robin"

[log]
level = "debug"
file = "/var/log/ariactl.log"
`)

	cfg, err := Load(path, true)
	require.NoError(t, err)

	assert.Equal(t, "ws://seedbox:6800/jsonrpc", cfg.Client.URL)
	assert.Equal(t, "s3cret", cfg.Client.Secret)
	assert.Equal(t, 3*time.Second, cfg.Client.CallTimeout)
	assert.Equal(t, 5*time.Second, cfg.Client.ConnectTimeout, "untouched keys keep defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 20.5, cfg.RateLimit)
	assert.Equal(t, 5, cfg.Client.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Client.Retry.BaseDelay)
	assert.Equal(t, 2*time.Second, cfg.Client.Retry.MaxDelay)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.Registry.Endpoints)
	assert.Equal(t, "aria2", cfg.Registry.Name)
	assert.Equal(t, "round-robin", cfg.Registry.Balancer)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/log/ariactl.log", cfg.Log.File)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeFile(t, `call_timeout = "soon"`)
	_, err := Load(path, true)
	assert.ErrorContains(t, err, "call_timeout")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, `url = "ws://file:6800/jsonrpc"`)
	t.Setenv("ARIACTL_URL", "ws://env:6800/jsonrpc")
	t.Setenv("ARIACTL_SECRET", "from-env")
	t.Setenv("ARIACTL_CALL_TIMEOUT", "7s")
	t.Setenv("ARIACTL_RETRY_ATTEMPTS", "1")
	t.Setenv("ARIACTL_ETCD_ENDPOINTS", "a:2379,b:2379")

	cfg, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, "ws://env:6800/jsonrpc", cfg.Client.URL)
	assert.Equal(t, "from-env", cfg.Client.Secret)
	assert.Equal(t, 7*time.Second, cfg.Client.CallTimeout)
	assert.Equal(t, 1, cfg.Client.Retry.MaxAttempts)
	assert.Equal(t, []string{"a:2379", "b:2379"}, cfg.Registry.Endpoints)
	assert.True(t, cfg.Registry.Enabled())
}

func TestEnvRejectsBadValues(t *testing.T) {
	cfg := Default()
	env := map[string]string{"ARIACTL_RETRY_ATTEMPTS": "many"}
	err := applyEnv(&cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.ErrorContains(t, err, "ARIACTL_RETRY_ATTEMPTS")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Client.URL = ""
	cfg.Client.Retry.MaxAttempts = 0
	err := cfg.Validate()
	assert.ErrorContains(t, err, "url is required")
	assert.ErrorContains(t, err, "retry.attempts")

	cfg = Default()
	cfg.Client.URL = ""
	cfg.Registry.Endpoints = []string{"etcd:2379"}
	assert.NoError(t, cfg.Validate())
}
