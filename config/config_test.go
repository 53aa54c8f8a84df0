package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/transport"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvAccessToken, EnvBaseURL, EnvProtocol, EnvRelayURL} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig() *Config {
	cfg := Default()
	cfg.Transport.BaseURL = "https://social.example"
	return cfg
}

func TestDefault_RequiresBaseURL(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	assert.NoError(t, validConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"pool section", func(c *Config) { c.Pool.MaxConnections = 0 }, "max_connections"},
		{"queue section", func(c *Config) { c.Queue.MaxQueueSize = 0 }, "max_queue_size"},
		{"metrics addr", func(c *Config) { c.Metrics.Addr = "" }, "metrics.addr"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"metrics disabled skips checks", func(c *Config) { c.Metrics = MetricsConfig{} }, ""},
		{"feed ok", func(c *Config) { c.Feeds = []string{"wss://other.example/api/v1/streaming?stream=public"} }, ""},
		{"feed relative", func(c *Config) { c.Feeds = []string{"/api/v1/streaming"} }, "not an absolute url"},
		{"feed scheme", func(c *Config) { c.Feeds = []string{"ftp://other.example/x"} }, "unsupported scheme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_YAMLMergesOverDefaults(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "fedstream.yaml", `
transport:
  base_url: https://social.example
  protocol: sse
  reconnect_interval: 2s
queue:
  debounce: 250ms
  deduplication_window: 1m
pool:
  idle_timeout: 1d
feeds:
  - wss://other.example/api/v1/streaming?stream=public
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, transport.ProtocolSSE, cfg.Transport.Protocol)
	assert.Equal(t, 2*time.Second, cfg.Transport.ReconnectInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.Debounce)
	assert.Equal(t, time.Minute, cfg.Queue.DeduplicationWindow)
	assert.Equal(t, 24*time.Hour, cfg.Pool.IdleTimeout)
	assert.Equal(t, []string{"wss://other.example/api/v1/streaming?stream=public"}, cfg.Feeds)

	def := Default()
	assert.Equal(t, def.Queue.MaxQueueSize, cfg.Queue.MaxQueueSize, "untouched keys keep defaults")
	assert.Equal(t, def.Transport.StreamingPath, cfg.Transport.StreamingPath)
	assert.Equal(t, def.Pool.HeartbeatInterval, cfg.Pool.HeartbeatInterval)
}

func TestLoader_JSONLayersOverride(t *testing.T) {
	clearEnv(t)
	base := writeFile(t, "base.json", `{
  "transport": {"base_url": "https://social.example", "poll_interval": "10s"},
  "relay": {"subject_prefix": "base.ops"}
}`)
	override := writeFile(t, "prod.json", `{
  "transport": {"protocol": "polling"},
  "relay": {"enabled": true, "url": "nats://nats:4222"}
}`)

	l := NewLoader()
	l.AddLayer(base)
	l.AddLayer(override)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "https://social.example", cfg.Transport.BaseURL)
	assert.Equal(t, transport.ProtocolPolling, cfg.Transport.Protocol)
	assert.Equal(t, 10*time.Second, cfg.Transport.PollInterval)
	assert.True(t, cfg.Relay.Enabled)
	assert.Equal(t, "base.ops", cfg.Relay.SubjectPrefix)
	assert.Equal(t, "nats://nats:4222", cfg.Relay.URL)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"bad duration", "c.yaml", "queue:\n  debounce: soon\n", "debounce"},
		{"bad json", "c.json", `{"queue": `, "parsing failed"},
		{"extension", "c.toml", "x = 1", "only JSON or YAML"},
		{"deep json", "c.json", strings.Repeat(`{"a":`, maxNesting+1) + "1" + strings.Repeat("}", maxNesting+1), "too deep"},
		{"fails validation", "c.json", `{}`, "base_url is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestLoad_ValidationCanBeDisabled(t *testing.T) {
	clearEnv(t)
	l := NewLoader()
	l.EnableValidation(false)
	cfg, err := l.LoadFile(writeFile(t, "c.json", `{}`))
	require.NoError(t, err)
	assert.Empty(t, cfg.Transport.BaseURL)
}

func TestApplyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAccessToken, "secret")
	t.Setenv(EnvBaseURL, "https://env.example")
	t.Setenv(EnvProtocol, "sse")

	cfg, err := Load(writeFile(t, "c.yaml", "transport:\n  base_url: https://file.example\n"))
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Transport.AccessToken)
	assert.Equal(t, "https://env.example", cfg.Transport.BaseURL)
	assert.Equal(t, transport.ProtocolSSE, cfg.Transport.Protocol)
	assert.Equal(t, Default().Relay.URL, cfg.Relay.URL, "unset variables change nothing")

	t.Setenv(EnvAccessToken, "bad\x00token")
	assert.Error(t, validConfig().ApplyEnv())
}

func TestClone_IsIndependent(t *testing.T) {
	cfg := validConfig()
	cfg.Feeds = []string{"wss://a.example/stream"}
	cfg.Pool.Header = map[string][]string{"Authorization": {"Bearer x"}}

	cp := cfg.Clone()
	cp.Feeds[0] = "wss://b.example/stream"
	cp.Pool.Header.Set("Authorization", "Bearer y")
	cp.Transport.BaseURL = "https://changed.example"

	assert.Equal(t, "wss://a.example/stream", cfg.Feeds[0])
	assert.Equal(t, "Bearer x", cfg.Pool.Header.Get("Authorization"))
	assert.Equal(t, "https://social.example", cfg.Transport.BaseURL)
}

func TestString_RedactsToken(t *testing.T) {
	cfg := validConfig()
	cfg.Transport.AccessToken = "hunter2"

	s := cfg.String()
	assert.NotContains(t, s, "hunter2")
	assert.Contains(t, s, "[REDACTED]")
	assert.Equal(t, "hunter2", cfg.Transport.AccessToken)
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(validConfig())

	got := sc.Get()
	got.Transport.BaseURL = "https://mutated.example"
	assert.Equal(t, "https://social.example", sc.Get().Transport.BaseURL, "Get returns a copy")

	assert.Error(t, sc.Update(Default()))
	assert.Equal(t, "https://social.example", sc.Get().Transport.BaseURL, "invalid update is ignored")

	next := validConfig()
	next.Transport.BaseURL = "https://next.example"
	require.NoError(t, sc.Update(next))
	assert.Equal(t, "https://next.example", sc.Get().Transport.BaseURL)
}

func TestSafeConfig_ConcurrentAccess(t *testing.T) {
	sc := NewSafeConfig(validConfig())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				url := sc.Get().Transport.BaseURL
				if url != "https://social.example" && url != "https://next.example" {
					t.Errorf("unexpected base url %q", url)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				next := validConfig()
				next.Transport.BaseURL = "https://next.example"
				if err := sc.Update(next); err != nil {
					t.Errorf("update: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestValidateConfigPath(t *testing.T) {
	assert.Error(t, validateConfigPath(""))
	assert.Error(t, validateConfigPath("../outside.yaml"))
	assert.Error(t, validateConfigPath(strings.Repeat("a", maxPathLen+1)+".json"))
	assert.NoError(t, validateConfigPath("fedstream.yml"))
	assert.NoError(t, validateConfigPath("/etc/fedstream/config.yaml"))
}
