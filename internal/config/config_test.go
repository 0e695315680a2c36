package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/letterbox/pkg/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultMaxSends, cfg.Protocol.MaxSends)
	assert.Equal(t, DefaultTick, cfg.Protocol.Tick)
	assert.Equal(t, DefaultClientMaxRequestIDs, cfg.Client.MaxRequestIDs)
	assert.Equal(t, DefaultServerMaxRequestIDs, cfg.Server.MaxRequestIDs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"zero reply capacity", func(c *Config) { c.Mailbox.ReplyCapacity = 0 }},
		{"zero tick", func(c *Config) { c.Protocol.Tick = 0 }},
		{"zero max sends", func(c *Config) { c.Protocol.MaxSends = 0 }},
		{"client ids exceed sends", func(c *Config) { c.Client.MaxRequestIDs = c.Protocol.MaxSends + 1 }},
		{"negative intermediate size", func(c *Config) { c.Client.MaxIntermediateReplySize = -1 }},
		{"negative timeout", func(c *Config) { c.Client.FinalTimeout = -5 }},
		{"zero handlers", func(c *Config) { c.Server.MaxHandlers = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
		})
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
logging:
  level: debug
  format: text
protocol:
  tick: 1ms
  max_sends: 16
client:
  max_request_ids: 4
  final_timeout: 200
server:
  max_handlers: 10
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, time.Millisecond, cfg.Protocol.Tick)
	assert.Equal(t, 16, cfg.Protocol.MaxSends)
	assert.Equal(t, 4, cfg.Client.MaxRequestIDs)
	assert.Equal(t, int64(200), cfg.Client.FinalTimeout)
	assert.Equal(t, 10, cfg.Server.MaxHandlers)
	assert.Equal(t, DefaultMailboxCapacity, cfg.Mailbox.ReplyCapacity)
}

func TestLoadFromFileTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
[logging]
level = "warn"
format = "console"

[protocol]
tick = "5ms"
max_sends = 20

[server]
max_request_ids = 3
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 5*time.Millisecond, cfg.Protocol.Tick)
	assert.Equal(t, 20, cfg.Protocol.MaxSends)
	assert.Equal(t, 3, cfg.Server.MaxRequestIDs)
}

func TestLoadFromFileErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		code string
	}{
		{"bad extension", "config.json", `{}`, types.ErrCodeInvalidArgument},
		{"empty file", "config.yaml", "   \n", types.ErrCodeInvalid},
		{"bad yaml", "config.yaml", "logging: [", types.ErrCodeInvalid},
		{"unknown toml key", "config.toml", "[logging]\nnoise = 1\n", types.ErrCodeInvalid},
		{"invalid values", "config.yaml", "protocol:\n  max_sends: -1\n", types.ErrCodeInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.body)
			_, err := LoadFromFile(path)
			require.Error(t, err)
			assert.True(t, types.IsErrCode(err, tt.code), "got %v", err)
		})
	}

	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))
}

func TestInterpolateEnvVars(t *testing.T) {
	t.Setenv("LETTERBOX_TEST_LEVEL", "error")

	assert.Equal(t, "error", interpolateEnvVars("${LETTERBOX_TEST_LEVEL}"))
	assert.Equal(t, "text", interpolateEnvVars("${LETTERBOX_TEST_UNSET:-text}"))
	assert.Equal(t, "", interpolateEnvVars("${LETTERBOX_TEST_UNSET}"))

	path := writeFile(t, "config.yaml", "logging:\n  level: ${LETTERBOX_TEST_LEVEL}\n")
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	SetTestConfigPath(filepath.Join(t.TempDir(), "absent.yaml"))
	defer SetTestConfigPath("")

	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvTick, "2ms")
	t.Setenv(EnvMaxSends, "40")
	t.Setenv(EnvClientMaxRequests, "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 2*time.Millisecond, cfg.Protocol.Tick)
	assert.Equal(t, 40, cfg.Protocol.MaxSends)
	assert.Equal(t, 5, cfg.Client.MaxRequestIDs)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	SetTestConfigPath(filepath.Join(t.TempDir(), "absent.yaml"))
	defer SetTestConfigPath("")

	t.Setenv(EnvMaxSends, "many")
	_, err := Load()
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestReloaderReload(t *testing.T) {
	path := writeFile(t, "config.yaml", "logging:\n  level: info\n")
	initial, err := LoadFromFile(path)
	require.NoError(t, err)

	r := NewReloader(path, initial)
	var seen string
	r.AddCallback(func(ctx context.Context, cfg *Config) error {
		seen = cfg.Logging.Level
		return nil
	})

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))
	require.NoError(t, r.Reload(context.Background()))

	assert.Equal(t, "debug", seen)
	assert.Equal(t, "debug", r.GetConfig().Logging.Level)
	assert.Equal(t, ReloadStateIdle, r.State())
}

func TestReloaderUsesInjectedLogger(t *testing.T) {
	path := writeFile(t, "config.yaml", "logging:\n  level: info\n")
	initial, err := LoadFromFile(path)
	require.NoError(t, err)

	var buf bytes.Buffer
	r := NewReloader(path, initial)
	r.SetLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	r.SetLogger(nil)

	require.NoError(t, r.Reload(context.Background()))
	assert.Contains(t, buf.String(), `"component":"config_reloader"`)
	assert.Contains(t, buf.String(), "configuration reloaded")
}

func TestReloaderKeepsConfigOnFailure(t *testing.T) {
	path := writeFile(t, "config.yaml", "logging:\n  level: info\n")
	initial, err := LoadFromFile(path)
	require.NoError(t, err)

	r := NewReloader(path, initial)
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: shouting\n"), 0o644))

	require.Error(t, r.Reload(context.Background()))
	assert.Same(t, initial, r.GetConfig())

	r.Start()
	r.Stop()
	assert.Equal(t, ReloadStateStopped, r.State())
}

func TestLoadPathAndOverrides(t *testing.T) {
	path := writeFile(t, "config.toml", "[protocol]\nmax_sends = 20\n")
	t.Setenv(EnvLogFormat, "text")

	cfg, err := LoadPath(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Protocol.MaxSends)
	assert.Equal(t, "text", cfg.Logging.Format)

	require.NoError(t, cfg.ApplyOverrides(OverrideOptions{LogLevel: "warn", Tick: time.Millisecond}))
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, time.Millisecond, cfg.Protocol.Tick)
	assert.Equal(t, 20, cfg.Protocol.MaxSends)

	assert.Error(t, cfg.ApplyOverrides(OverrideOptions{LogLevel: "loud"}))

	_, err = LoadPath(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
