package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qichat/pkg/errors"
)

const testYAML = `
server:
  addr: ":9000"
  shutdownTimeout: 5s
ws:
  identityHeader: X-User-Id
  allowedOrigins:
    - https://chat.example.com
    - https://admin.example.com
log:
  level: info
`

func writeTestConfig(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNew(t *testing.T) {
	c := New(
		WithAutoWatch(true),
		WithEnvPrefix("QICHAT"),
	)
	assert.NotNil(t, c.viper)
	assert.True(t, c.autoWatch)
	assert.Equal(t, "QICHAT", c.envPrefix)
	assert.False(t, c.IsWatching())
}

func TestLoad(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "chatd.yaml", testYAML)

	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())

	assert.Equal(t, ":9000", c.GetString("server.addr"))
	assert.Equal(t, 5*time.Second, c.GetDuration("server.shutdownTimeout"))
	assert.Equal(t, []string{"https://chat.example.com", "https://admin.example.com"},
		c.GetStringSlice("ws.allowedOrigins"))
	assert.Equal(t, cfgPath, c.ConfigFileUsed())
}

func TestLoadWithNameAndPaths(t *testing.T) {
	dir := t.TempDir()
	writeTestConfig(t, dir, "chatd.yaml", testYAML)

	c := New(
		WithConfigName("chatd"),
		WithConfigType("yaml"),
		WithConfigPaths(dir),
	)
	require.NoError(t, c.Load())
	assert.Equal(t, "X-User-Id", c.GetString("ws.identityHeader"))
}

func TestLoadWithoutFile(t *testing.T) {
	c := New(WithDefaults(map[string]any{"server.addr": ":8080"}))
	require.NoError(t, c.Load())

	assert.Equal(t, ":8080", c.GetString("server.addr"))
	assert.Empty(t, c.ConfigFileUsed())
}

func TestConfigFileNotFound(t *testing.T) {
	c := New(WithConfigFile(filepath.Join(t.TempDir(), "missing.yaml")))
	err := c.Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigNotFound))
	assert.Equal(t, 3001, errors.CodeOf(err))
}

func TestConfigFileNotFoundByName(t *testing.T) {
	c := New(
		WithConfigName("missing"),
		WithConfigType("yaml"),
		WithConfigPaths(t.TempDir()),
	)
	err := c.Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigNotFound))
}

func TestOptionalConfigFile(t *testing.T) {
	c := New(
		WithConfigFile(filepath.Join(t.TempDir(), "missing.yaml")),
		WithOptional(true),
		WithDefaults(map[string]any{"log.level": "debug"}),
	)
	require.NoError(t, c.Load())
	assert.Equal(t, "debug", c.GetString("log.level"))
}

func TestConfigReadFailed(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "broken.yaml", "server: [unclosed")

	err := New(WithConfigFile(cfgPath)).Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigReadFailed))
}

func TestWithDefaults(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "chatd.yaml", `
server:
  addr: ":7000"
`)

	c := New(
		WithConfigFile(cfgPath),
		WithDefaults(map[string]any{
			"server.addr":     ":8080",
			"ws.maxQueueSize": 256,
		}),
	)
	require.NoError(t, c.Load())

	assert.Equal(t, ":7000", c.GetString("server.addr"))
	assert.Equal(t, 256, c.GetInt("ws.maxQueueSize"))
}

func TestWithEnvPrefix(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "chatd.yaml", testYAML)
	t.Setenv("QICHAT_SERVER_ADDR", ":9999")

	c := New(
		WithConfigFile(cfgPath),
		WithEnvPrefix("QICHAT"),
		WithEnvKeyReplacer(strings.NewReplacer(".", "_")),
	)
	require.NoError(t, c.Load())

	assert.Equal(t, ":9999", c.GetString("server.addr"))
}

func TestSetAndIsSet(t *testing.T) {
	c := New()
	require.NoError(t, c.Load())

	assert.False(t, c.IsSet("fanout.driver"))
	c.Set("fanout.driver", "redis")
	assert.True(t, c.IsSet("fanout.driver"))
	assert.Equal(t, "redis", c.GetString("fanout.driver"))
	assert.False(t, c.GetBool("metrics.enabled"))
}

func TestUnmarshal(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "chatd.yaml", testYAML)

	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())

	var cfg struct {
		Server struct {
			Addr            string        `mapstructure:"addr"`
			ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
		} `mapstructure:"server"`
		WS struct {
			IdentityHeader string   `mapstructure:"identityHeader"`
			AllowedOrigins []string `mapstructure:"allowedOrigins"`
		} `mapstructure:"ws"`
	}
	require.NoError(t, c.Unmarshal(&cfg))

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "X-User-Id", cfg.WS.IdentityHeader)
	assert.Len(t, cfg.WS.AllowedOrigins, 2)
}

func TestUnmarshalKey(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "chatd.yaml", testYAML)

	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())

	var log struct {
		Level string `mapstructure:"level"`
	}
	require.NoError(t, c.UnmarshalKey("log", &log))
	assert.Equal(t, "info", log.Level)
}

func TestUnmarshalDecodeFailed(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "chatd.yaml", `
server:
  shutdownTimeout: soon
`)
	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())

	var cfg struct {
		Server struct {
			ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
		} `mapstructure:"server"`
	}
	err := c.Unmarshal(&cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigDecodeFailed))
}

func TestOnChange(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "chatd.yaml", testYAML)

	levels := make(chan string, 4)
	c := New(
		WithConfigFile(cfgPath),
		WithAutoWatch(true),
		WithOnChange(func(c *Config) {
			select {
			case levels <- c.GetString("log.level"):
			default:
			}
		}),
	)
	require.NoError(t, c.Load())
	defer c.Close()
	assert.True(t, c.IsWatching())

	updated := strings.Replace(testYAML, "level: info", "level: debug", 1)
	require.NoError(t, os.WriteFile(cfgPath, []byte(updated), 0644))

	select {
	case level := <-levels:
		assert.Equal(t, "debug", level)
	case <-time.After(2 * time.Second):
		t.Fatal("onChange callback was not triggered within timeout")
	}
}

func TestStartStopWatch(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "chatd.yaml", testYAML)

	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())
	assert.False(t, c.IsWatching())

	require.NoError(t, c.StartWatch())
	assert.True(t, c.IsWatching())
	require.NoError(t, c.StartWatch())

	c.StopWatch()
	assert.False(t, c.IsWatching())
}

func TestStartWatchWithoutFile(t *testing.T) {
	var reported error
	c := New(WithOnError(func(err error) { reported = err }))
	require.NoError(t, c.Load())

	err := c.StartWatch()
	require.Error(t, err)
	assert.Equal(t, err, reported)
	assert.False(t, c.IsWatching())
}
