package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BaSui01/cinegen/embedding"
	"github.com/BaSui01/cinegen/internal/cache"
	"github.com/BaSui01/cinegen/internal/database"
	"github.com/BaSui01/cinegen/internal/server"
	"github.com/BaSui01/cinegen/internal/telemetry"
	"github.com/BaSui01/cinegen/jobs"
	"github.com/BaSui01/cinegen/persona"
	"github.com/BaSui01/cinegen/retry"
	"github.com/BaSui01/cinegen/vectorstore"
	"github.com/BaSui01/cinegen/video"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 cinegen 的完整配置结构
type Config struct {
	Server      ServerConfig      `yaml:"server" env:"SERVER"`
	Log         LogConfig         `yaml:"log" env:"LOG"`
	Telemetry   telemetry.Config  `yaml:"telemetry" env:"TELEMETRY"`
	Database    database.Config   `yaml:"database" env:"DATABASE"`
	Redis       cache.Config      `yaml:"redis" env:"REDIS"`
	Qdrant      QdrantConfig      `yaml:"qdrant" env:"QDRANT"`
	Store       StoreConfig       `yaml:"store" env:"STORE"`
	Video       VideoConfig       `yaml:"video" env:"VIDEO"`
	Worker      WorkerConfig      `yaml:"worker" env:"WORKER"`
	Persona     PersonaConfig     `yaml:"persona" env:"PERSONA"`
	Embedding   EmbeddingConfig   `yaml:"embedding" env:"EMBEDDING"`
	Idempotency IdempotencyConfig `yaml:"idempotency" env:"IDEMPOTENCY"`
}

// ServerConfig API 与 metrics 监听、认证、限流
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	MetricsAddr     string        `yaml:"metrics_addr" env:"METRICS_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	TLSCertFile     string        `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile      string        `yaml:"tls_key_file" env:"TLS_KEY_FILE"`

	// MaxBodyBytes 请求体上限，上传参考图时需要足够大
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`

	// MaxConnections 同时保持的连接上限，0 表示不限
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`

	// 每个客户端 IP 的限流，RPS 为 0 表示不限
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`

	// APIKeys 为空且未配置 JWT 时不做认证
	APIKeys          []string  `yaml:"api_keys" env:"API_KEYS"`
	AllowQueryAPIKey bool      `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
	JWT              JWTConfig `yaml:"jwt" env:"JWT"`
}

// JWTConfig HMAC 签名的 JWT 认证
type JWTConfig struct {
	Secret   string `yaml:"secret" env:"SECRET"`
	Issuer   string `yaml:"issuer" env:"ISSUER"`
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// Enabled 配置了密钥即启用
func (c JWTConfig) Enabled() bool { return c.Secret != "" }

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// QdrantConfig Qdrant REST 连接
type QdrantConfig struct {
	Host       string        `yaml:"host" env:"HOST"`
	Port       int           `yaml:"port" env:"PORT"`
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	APIKey     string        `yaml:"api_key" env:"API_KEY"`
	Collection string        `yaml:"collection" env:"COLLECTION"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// StoreConfig 各存储的后端选择
type StoreConfig struct {
	// Jobs: memory | redis | database
	Jobs string `yaml:"jobs" env:"JOBS"`
	// Personas: memory | database
	Personas string `yaml:"personas" env:"PERSONAS"`
	// Vectors: memory | database | qdrant
	Vectors   string `yaml:"vectors" env:"VECTORS"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// AutoMigrate 启动时用 GORM 建表；生产环境建议用 cinegen migrate
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// VideoConfig 服务商选择、并发与重试
type VideoConfig struct {
	Priority     []string `yaml:"priority" env:"PRIORITY"`
	MockFallback bool     `yaml:"mock_fallback" env:"MOCK_FALLBACK"`
	MaxInFlight  int64    `yaml:"max_in_flight" env:"MAX_IN_FLIGHT"`
	RateLimit    float64  `yaml:"rate_limit" env:"RATE_LIMIT"`
	Burst        int      `yaml:"burst" env:"BURST"`

	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`

	Veo    VeoConfig    `yaml:"veo" env:"VEO"`
	Runway RunwayConfig `yaml:"runway" env:"RUNWAY"`
	Mock   MockConfig   `yaml:"mock" env:"MOCK"`
}

type VeoConfig struct {
	APIKey           string        `yaml:"api_key" env:"API_KEY"`
	BaseURL          string        `yaml:"base_url" env:"BASE_URL"`
	Model            string        `yaml:"model" env:"MODEL"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
	PersonGeneration string        `yaml:"person_generation" env:"PERSON_GENERATION"`
}

type RunwayConfig struct {
	APIKey  string        `yaml:"api_key" env:"API_KEY"`
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Model   string        `yaml:"model" env:"MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type MockConfig struct {
	Async        bool `yaml:"async" env:"ASYNC"`
	PendingPolls int  `yaml:"pending_polls" env:"PENDING_POLLS"`
}

// WorkerConfig 任务 worker 池
type WorkerConfig struct {
	Workers         int           `yaml:"workers" env:"WORKERS"`
	MaxAttempts     int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	PollTimeout     time.Duration `yaml:"poll_timeout" env:"POLL_TIMEOUT"`
	JobTimeout      time.Duration `yaml:"job_timeout" env:"JOB_TIMEOUT"`
	IdleInterval    time.Duration `yaml:"idle_interval" env:"IDLE_INTERVAL"`
	Retention       time.Duration `yaml:"retention" env:"RETENTION"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	// RecoverOnStart 仅适用于单实例部署，多个实例共享 redis/database 时保持关闭
	RecoverOnStart bool `yaml:"recover_on_start" env:"RECOVER_ON_START"`
}

// PersonaConfig 人设解析与参考图
type PersonaConfig struct {
	// DefaultPolicy 请求未指定时使用: none | first_available | require
	DefaultPolicy string `yaml:"default_policy" env:"DEFAULT_POLICY"`
	References    int    `yaml:"references" env:"REFERENCES"`
	// SeedDir 非空时启动阶段从目录导入人设
	SeedDir  string `yaml:"seed_dir" env:"SEED_DIR"`
	AssetDir string `yaml:"asset_dir" env:"ASSET_DIR"`
}

// EmbeddingConfig 参考图向量化
type EmbeddingConfig struct {
	// Provider: hash | openai
	Provider   string                `yaml:"provider" env:"PROVIDER"`
	Dimensions int                   `yaml:"dimensions" env:"DIMENSIONS"`
	OpenAI     OpenAIEmbeddingConfig `yaml:"openai" env:"OPENAI"`
}

type OpenAIEmbeddingConfig struct {
	BaseURL        string        `yaml:"base_url" env:"BASE_URL"`
	APIKey         string        `yaml:"api_key" env:"API_KEY"`
	Model          string        `yaml:"model" env:"MODEL"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxInputTokens int           `yaml:"max_input_tokens" env:"MAX_INPUT_TOKENS"`
}

// IdempotencyConfig Idempotency-Key 去重
type IdempotencyConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Backend: memory | redis
	Backend   string        `yaml:"backend" env:"BACKEND"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// =============================================================================
// 🔄 转换为各组件配置
// =============================================================================

// HTTP 返回 API 服务器配置
func (c ServerConfig) HTTP() server.Config {
	sc := server.DefaultConfig()
	sc.Addr = c.Addr
	sc.ReadTimeout = c.ReadTimeout
	sc.WriteTimeout = c.WriteTimeout
	sc.IdleTimeout = c.IdleTimeout
	sc.ShutdownTimeout = c.ShutdownTimeout
	sc.TLSCertFile = c.TLSCertFile
	sc.TLSKeyFile = c.TLSKeyFile
	sc.MaxConnections = c.MaxConnections
	return sc
}

// Metrics 返回 metrics 服务器配置，MetricsAddr 为空时不启动
func (c ServerConfig) Metrics() server.Config {
	sc := server.DefaultConfig()
	sc.Addr = c.MetricsAddr
	sc.ShutdownTimeout = c.ShutdownTimeout
	return sc
}

// ClientConfig 返回统一视频客户端配置
func (c VideoConfig) ClientConfig() video.ClientConfig {
	vc := video.DefaultClientConfig()
	vc.Priority = slices.Clone(c.Priority)
	vc.MockFallback = c.MockFallback
	vc.MaxInFlight = c.MaxInFlight
	vc.RateLimit = c.RateLimit
	vc.Burst = c.Burst

	policy := retry.DefaultPolicy()
	policy.MaxRetries = c.MaxRetries
	if c.InitialDelay > 0 {
		policy.InitialDelay = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		policy.MaxDelay = c.MaxDelay
	}
	vc.Retry = policy
	return vc
}

// Adapters 构造已配置的真实服务商；mock 由 Client 自动补齐
func (c VideoConfig) Adapters() []video.Adapter {
	out := []video.Adapter{video.NewMockProvider(video.MockConfig{
		Async:        c.Mock.Async,
		PendingPolls: c.Mock.PendingPolls,
	})}
	if c.Veo.APIKey != "" {
		veo := video.DefaultVeoConfig()
		veo.APIKey = c.Veo.APIKey
		overrideString(&veo.BaseURL, c.Veo.BaseURL)
		overrideString(&veo.Model, c.Veo.Model)
		overrideString(&veo.PersonGeneration, c.Veo.PersonGeneration)
		if c.Veo.Timeout > 0 {
			veo.Timeout = c.Veo.Timeout
		}
		out = append(out, video.NewVeoProvider(veo))
	}
	if c.Runway.APIKey != "" {
		rw := video.DefaultRunwayConfig()
		rw.APIKey = c.Runway.APIKey
		overrideString(&rw.BaseURL, c.Runway.BaseURL)
		overrideString(&rw.Model, c.Runway.Model)
		if c.Runway.Timeout > 0 {
			rw.Timeout = c.Runway.Timeout
		}
		out = append(out, video.NewRunwayProvider(rw))
	}
	return out
}

// Jobs 返回任务管理器配置
func (c *Config) Jobs() jobs.Config {
	jc := jobs.DefaultConfig()
	jc.Workers = c.Worker.Workers
	jc.MaxAttempts = c.Worker.MaxAttempts
	jc.PollInterval = c.Worker.PollInterval
	jc.PollTimeout = c.Worker.PollTimeout
	jc.JobTimeout = c.Worker.JobTimeout
	jc.IdleInterval = c.Worker.IdleInterval
	jc.Retention = c.Worker.Retention
	jc.CleanupInterval = c.Worker.CleanupInterval
	jc.RecoverOnStart = c.Worker.RecoverOnStart
	jc.DefaultPolicy = persona.DefaultPolicy(c.Persona.DefaultPolicy)
	jc.References = c.Persona.References
	return jc
}

// JobStore 返回任务存储配置
func (c *Config) JobStore() jobs.StoreConfig {
	return jobs.StoreConfig{
		Backend:     jobs.Backend(c.Store.Jobs),
		KeyPrefix:   c.Store.KeyPrefix,
		AutoMigrate: c.Store.AutoMigrate,
	}
}

// VectorStore 返回向量存储配置
func (c *Config) VectorStore() vectorstore.Config {
	return vectorstore.Config{
		Backend:    vectorstore.Backend(c.Store.Vectors),
		Dimensions: c.Embedding.Dimensions,
		Qdrant: vectorstore.QdrantConfig{
			Host:       c.Qdrant.Host,
			Port:       c.Qdrant.Port,
			BaseURL:    c.Qdrant.BaseURL,
			APIKey:     c.Qdrant.APIKey,
			Collection: c.Qdrant.Collection,
			Timeout:    c.Qdrant.Timeout,
			Dimensions: c.Embedding.Dimensions,
		},
	}
}

// EmbeddingProvider 返回嵌入提供者配置
func (c EmbeddingConfig) EmbeddingProvider() embedding.Config {
	return embedding.Config{
		Provider:   c.Provider,
		Dimensions: c.Dimensions,
		OpenAI: embedding.OpenAIConfig{
			BaseURL:        c.OpenAI.BaseURL,
			APIKey:         c.OpenAI.APIKey,
			Model:          c.OpenAI.Model,
			Dimensions:     c.Dimensions,
			Timeout:        c.OpenAI.Timeout,
			MaxInputTokens: c.OpenAI.MaxInputTokens,
		},
	}
}

// NeedsRedis 是否有组件依赖 Redis
func (c *Config) NeedsRedis() bool {
	return c.Store.Jobs == string(jobs.BackendRedis) ||
		(c.Idempotency.Enabled && c.Idempotency.Backend == "redis")
}

// NeedsDatabase 是否有组件依赖关系数据库
func (c *Config) NeedsDatabase() bool {
	return c.Store.Jobs == string(jobs.BackendDatabase) ||
		c.Store.Personas == "database" ||
		c.Store.Vectors == string(vectorstore.BackendDatabase)
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// =============================================================================
// ✅ 校验
// =============================================================================

// Validate 汇总所有配置错误
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := c.Server.HTTP().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.MetricsAddr != "" && c.Server.MetricsAddr == c.Server.Addr {
		add("server.metrics_addr must differ from server.addr")
	}
	if c.Server.RateLimitRPS < 0 {
		add("server.rate_limit_rps must not be negative")
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		add("server.rate_limit_burst must be positive when rate limiting is enabled")
	}
	if c.Server.MaxBodyBytes <= 0 {
		add("server.max_body_bytes must be positive")
	}
	if c.Server.JWT.Enabled() && len(c.Server.JWT.Secret) < 32 {
		add("server.jwt.secret must be at least 32 bytes")
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		add("log.level %q is not one of debug|info|warn|error", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format %q is not one of json|console", c.Log.Format)
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, err)
	}

	if !slices.Contains([]string{"memory", "redis", "database"}, c.Store.Jobs) {
		add("store.jobs %q is not one of memory|redis|database", c.Store.Jobs)
	}
	if !slices.Contains([]string{"memory", "database"}, c.Store.Personas) {
		add("store.personas %q is not one of memory|database", c.Store.Personas)
	}
	if !slices.Contains([]string{"memory", "database", "qdrant"}, c.Store.Vectors) {
		add("store.vectors %q is not one of memory|database|qdrant", c.Store.Vectors)
	}
	if c.NeedsDatabase() {
		if _, err := database.Dialector(c.Database.Driver, c.Database.DSN); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
		if err := c.Database.Pool.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.NeedsRedis() && c.Redis.Addr == "" {
		add("redis.addr is required by the configured backends")
	}

	for _, name := range c.Video.Priority {
		if !slices.Contains([]string{"veo", "runway"}, name) {
			add("video.priority contains unknown provider %q", name)
		}
	}
	if c.Video.MaxInFlight <= 0 {
		add("video.max_in_flight must be positive")
	}
	if c.Video.MaxRetries < 0 {
		add("video.max_retries must not be negative")
	}
	if c.Video.RateLimit < 0 {
		add("video.rate_limit must not be negative")
	}

	if c.Worker.Workers <= 0 {
		add("worker.workers must be positive")
	}
	if c.Worker.MaxAttempts <= 0 {
		add("worker.max_attempts must be positive")
	}
	if c.Worker.PollInterval <= 0 || c.Worker.PollTimeout <= 0 {
		add("worker.poll_interval and worker.poll_timeout must be positive")
	}
	if c.Worker.PollInterval > c.Worker.PollTimeout {
		add("worker.poll_interval must not exceed worker.poll_timeout")
	}
	if c.Worker.JobTimeout <= 0 {
		add("worker.job_timeout must be positive")
	}

	if !persona.DefaultPolicy(c.Persona.DefaultPolicy).Valid() {
		add("persona.default_policy %q is not one of none|first_available|require", c.Persona.DefaultPolicy)
	}
	if c.Persona.References <= 0 {
		add("persona.references must be positive")
	}

	if c.Embedding.Dimensions <= 0 {
		add("embedding.dimensions must be positive")
	}
	switch c.Embedding.Provider {
	case "hash":
	case "openai":
		if c.Embedding.OpenAI.APIKey == "" {
			add("embedding.openai.api_key is required for the openai provider")
		}
	default:
		add("embedding.provider %q is not one of hash|openai", c.Embedding.Provider)
	}

	if c.Idempotency.Enabled {
		if c.Idempotency.Backend != "memory" && c.Idempotency.Backend != "redis" {
			add("idempotency.backend %q is not one of memory|redis", c.Idempotency.Backend)
		}
		if c.Idempotency.TTL <= 0 {
			add("idempotency.ttl must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}
	return nil
}
