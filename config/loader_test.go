package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cinegen/jobs"
	"github.com/BaSui01/cinegen/persona"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Jobs)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, string(persona.PolicyNone), cfg.Persona.DefaultPolicy)
	assert.Equal(t, time.Hour, cfg.Worker.JobTimeout)
	assert.False(t, cfg.NeedsRedis())
	assert.False(t, cfg.NeedsDatabase())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeYAML(t, `
server:
  addr: ":9000"
  api_keys: ["k1", "k2"]
log:
  level: debug
  format: console
store:
  jobs: redis
redis:
  addr: "redis:6379"
video:
  priority: [runway]
  veo:
    api_key: veo-key
worker:
  workers: 8
  poll_interval: 2s
persona:
  default_policy: first_available
`)
	cfg, err := NewLoader().WithConfigPath(path).WithEnvLookup(envMap(nil)).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.NeedsRedis())
	assert.Equal(t, []string{"runway"}, cfg.Video.Priority)
	assert.Equal(t, 8, cfg.Worker.Workers)
	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	// 未出现的字段保留默认值
	assert.Equal(t, 10*time.Minute, cfg.Worker.PollTimeout)

	jc := cfg.Jobs()
	assert.Equal(t, persona.PolicyFirstAvailable, jc.DefaultPolicy)
	assert.Equal(t, 8, jc.Workers)
	assert.Equal(t, jobs.BackendRedis, cfg.JobStore().Backend)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, "server:\n  addr: \":9000\"\nworker:\n  workers: 2\n")
	cfg, err := NewLoader().WithConfigPath(path).WithEnvLookup(envMap(map[string]string{
		"CINEGEN_SERVER_ADDR":                  ":7000",
		"CINEGEN_SERVER_CORS_ALLOWED_ORIGINS":  "https://a.example, https://b.example",
		"CINEGEN_WORKER_POLL_TIMEOUT":          "90s",
		"CINEGEN_VIDEO_MOCK_ASYNC":             "true",
		"CINEGEN_DATABASE_POOL_MAX_OPEN_CONNS": "7",
		"CINEGEN_TELEMETRY_SAMPLE_RATE":        "0.25",
	})).Load()
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSAllowedOrigins)
	assert.Equal(t, 2, cfg.Worker.Workers)
	assert.Equal(t, 90*time.Second, cfg.Worker.PollTimeout)
	assert.True(t, cfg.Video.Mock.Async)
	assert.Equal(t, 7, cfg.Database.Pool.MaxOpenConns)
	assert.InDelta(t, 0.25, cfg.Telemetry.SampleRate, 1e-9)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	cfg, err := NewLoader().WithEnvPrefix("CG").WithEnvLookup(envMap(map[string]string{
		"CG_LOG_LEVEL":      "warn",
		"CINEGEN_LOG_LEVEL": "debug",
	})).Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{"invalid yaml", "server: [unclosed", nil},
		{"unknown field", "server:\n  adress: \":1\"\n", nil},
		{"bad duration", "", map[string]string{"CINEGEN_WORKER_POLL_INTERVAL": "soon"}},
		{"bad int", "", map[string]string{"CINEGEN_WORKER_WORKERS": "many"}},
		{"validation", "store:\n  jobs: cassandra\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader().WithEnvLookup(envMap(tt.env))
			if tt.yaml != "" {
				l.WithConfigPath(writeYAML(t, tt.yaml))
			}
			_, err := l.Load()
			assert.Error(t, err)
		})
	}
}

func TestLoader_MissingAndEmptyFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).WithEnvLookup(envMap(nil)).Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)

	cfg, err = NewLoader().WithConfigPath(writeYAML(t, "")).WithEnvLookup(envMap(nil)).Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoader_WithValidator(t *testing.T) {
	_, err := NewLoader().WithEnvLookup(envMap(nil)).WithValidator(func(c *Config) error {
		if len(c.Server.APIKeys) == 0 {
			return assert.AnError
		}
		return nil
	}).Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		substr string
	}{
		{"rate limit burst", func(c *Config) { c.Server.RateLimitBurst = 0 }, "rate_limit_burst"},
		{"short jwt secret", func(c *Config) { c.Server.JWT.Secret = "short" }, "jwt.secret"},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"database driver", func(c *Config) { c.Store.Personas = "database"; c.Database.Driver = "oracle" }, "database"},
		{"redis addr", func(c *Config) { c.Store.Jobs = "redis"; c.Redis.Addr = "" }, "redis.addr"},
		{"unknown provider", func(c *Config) { c.Video.Priority = []string{"sora"} }, "sora"},
		{"poll interval", func(c *Config) { c.Worker.PollInterval = time.Hour }, "poll_interval"},
		{"policy", func(c *Config) { c.Persona.DefaultPolicy = "random" }, "default_policy"},
		{"openai key", func(c *Config) { c.Embedding.Provider = "openai" }, "api_key"},
		{"idempotency backend", func(c *Config) { c.Idempotency.Backend = "mongo" }, "idempotency.backend"},
		{"metrics addr", func(c *Config) { c.Server.MetricsAddr = c.Server.Addr }, "metrics_addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.substr)
		})
	}

	// 多个错误一起返回
	cfg := DefaultConfig()
	cfg.Worker.Workers = 0
	cfg.Embedding.Dimensions = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.workers")
	assert.Contains(t, err.Error(), "embedding.dimensions")
}

func TestConfig_Conversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Video.Veo.APIKey = "veo"
	cfg.Video.MaxRetries = 5
	cfg.Store.Vectors = "qdrant"
	cfg.Qdrant.Collection = "refs"

	vc := cfg.Video.ClientConfig()
	require.NotNil(t, vc.Retry)
	assert.Equal(t, 5, vc.Retry.MaxRetries)
	assert.Equal(t, []string{"veo", "runway"}, vc.Priority)

	names := make([]string, 0)
	for _, a := range cfg.Video.Adapters() {
		names = append(names, a.Name())
	}
	assert.Equal(t, []string{"mock", "veo"}, names)

	vs := cfg.VectorStore()
	assert.Equal(t, "refs", vs.Qdrant.Collection)
	assert.Equal(t, 512, vs.Qdrant.Dimensions)

	assert.Equal(t, ":9091", cfg.Server.Metrics().Addr)
	assert.Equal(t, "hash", cfg.Embedding.EmbeddingProvider().Provider)

	// 其他实例可能正在处理 running 任务，默认不恢复
	assert.False(t, cfg.Jobs().RecoverOnStart)
	cfg.Worker.RecoverOnStart = true
	assert.True(t, cfg.Jobs().RecoverOnStart)
}

func TestConfig_Redacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.DSN = "postgres://u:p@h/db"
	cfg.Server.APIKeys = []string{"a", "b"}
	cfg.Video.Runway.APIKey = "rk"

	r := cfg.Redacted()
	assert.Equal(t, "[REDACTED]", r.Database.DSN)
	assert.Equal(t, "[REDACTED]", r.Video.Runway.APIKey)
	assert.Equal(t, []string{"[REDACTED x2]"}, r.Server.APIKeys)
	// 原配置不变
	assert.Equal(t, "rk", cfg.Video.Runway.APIKey)
	assert.Len(t, cfg.Server.APIKeys, 2)
}
