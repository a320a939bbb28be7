// =============================================================================
// 📦 cinegen 默认配置
// =============================================================================
// 默认值可以直接本地运行：内存存储、mock 服务商、hash 嵌入
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/cinegen/internal/cache"
	"github.com/BaSui01/cinegen/internal/database"
	"github.com/BaSui01/cinegen/internal/idempotency"
	"github.com/BaSui01/cinegen/internal/telemetry"
	"github.com/BaSui01/cinegen/persona"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   telemetry.DefaultConfig(),
		Database:    database.DefaultConfig(),
		Redis:       cache.DefaultConfig(),
		Qdrant:      DefaultQdrantConfig(),
		Store:       DefaultStoreConfig(),
		Video:       DefaultVideoConfig(),
		Worker:      DefaultWorkerConfig(),
		Persona:     DefaultPersonaConfig(),
		Embedding:   DefaultEmbeddingConfig(),
		Idempotency: DefaultIdempotencyConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		MetricsAddr:     ":9091",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxBodyBytes:    32 << 20,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: true,
	}
}

// DefaultQdrantConfig 返回默认 Qdrant 配置
func DefaultQdrantConfig() QdrantConfig {
	return QdrantConfig{
		Host:       "localhost",
		Port:       6333,
		Collection: "persona_references",
		Timeout:    30 * time.Second,
	}
}

// DefaultStoreConfig 全部使用内存后端
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Jobs:        "memory",
		Personas:    "memory",
		Vectors:     "memory",
		KeyPrefix:   "cinegen:",
		AutoMigrate: true,
	}
}

// DefaultVideoConfig 返回默认视频服务商配置
func DefaultVideoConfig() VideoConfig {
	return VideoConfig{
		Priority:     []string{"veo", "runway"},
		MockFallback: true,
		MaxInFlight:  8,
		Burst:        1,
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	}
}

// DefaultWorkerConfig 返回默认 worker 配置
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Workers:         4,
		MaxAttempts:     3,
		PollInterval:    5 * time.Second,
		PollTimeout:     10 * time.Minute,
		JobTimeout:      time.Hour,
		IdleInterval:    time.Second,
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoverOnStart:  false,
	}
}

// DefaultPersonaConfig 返回默认人设配置
func DefaultPersonaConfig() PersonaConfig {
	return PersonaConfig{
		DefaultPolicy: string(persona.PolicyNone),
		References:    persona.DefaultReferenceCount,
		AssetDir:      "data/personas",
	}
}

// DefaultEmbeddingConfig 返回默认嵌入配置
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider:   "hash",
		Dimensions: 512,
		OpenAI: OpenAIEmbeddingConfig{
			BaseURL: "https://api.openai.com",
			Model:   "text-embedding-3-small",
			Timeout: 30 * time.Second,
		},
	}
}

// DefaultIdempotencyConfig 返回默认幂等配置
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		Enabled:   true,
		Backend:   "memory",
		TTL:       idempotency.DefaultTTL,
		KeyPrefix: "cinegen:idempotency:",
	}
}
