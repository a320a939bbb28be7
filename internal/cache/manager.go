package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/cinegen/internal/tlsutil"
)

// ErrClosed 管理器已关闭
var ErrClosed = errors.New("redis manager is closed")

// Config Redis 连接配置
type Config struct {
	Addr     string `yaml:"addr" json:"addr" env:"ADDR"`
	Password string `yaml:"password" json:"-" env:"PASSWORD"`
	DB       int    `yaml:"db" json:"db" env:"DB"`

	// 连接池
	PoolSize     int `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	MaxRetries   int `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`

	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout" env:"DIAL_TIMEOUT"`

	// TLS 启用后使用 tlsutil 的加固配置
	TLS bool `yaml:"tls" json:"tls" env:"TLS"`

	// 健康检查间隔，0 表示不检查
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		PoolSize:            10,
		MinIdleConns:        2,
		MaxRetries:          3,
		DialTimeout:         5 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Manager 持有共享的 Redis 客户端，任务存储与幂等管理器都从这里取连接
type Manager struct {
	client  redis.UniversalClient
	config  Config
	logger  *zap.Logger
	healthy atomic.Bool

	mu     sync.RWMutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager 建立连接并确认可达
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	opts := &redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
	}
	if config.TLS {
		host := config.Addr
		if i := strings.LastIndex(host, ":"); i > 0 {
			host = host[:i]
		}
		opts.TLSConfig = tlsutil.ClientConfig(host)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := NewManagerFromClient(client, config, logger)
	m.logger.Info("redis connected",
		zap.String("addr", config.Addr),
		zap.Int("db", config.DB),
		zap.Int("pool_size", config.PoolSize))
	return m, nil
}

// NewManagerFromClient 包装已有客户端，关闭时一并关闭它
func NewManagerFromClient(client redis.UniversalClient, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "redis")),
		stopCh: make(chan struct{}),
	}
	m.healthy.Store(true)
	if config.HealthCheckInterval > 0 {
		m.wg.Add(1)
		go m.healthCheckLoop()
	}
	return m
}

// Client 返回共享客户端
func (m *Manager) Client() redis.UniversalClient { return m.client }

// Healthy 最近一次健康检查的结果
func (m *Manager) Healthy() bool { return m.healthy.Load() }

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	err := m.client.Ping(ctx).Err()
	m.healthy.Store(err == nil)
	return err
}

func (m *Manager) healthCheckLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		wasHealthy := m.Healthy()
		err := m.Ping(ctx)
		cancel()
		switch {
		case err != nil && wasHealthy:
			m.logger.Error("redis health check failed", zap.Error(err))
		case err == nil && !wasHealthy:
			m.logger.Info("redis connection recovered")
		}
	}
}

// Stats Redis 服务端统计，/health 详情使用
type Stats struct {
	Keys             int64  `json:"keys"`
	UsedMemory       int64  `json:"used_memory"`
	ConnectedClients int64  `json:"connected_clients"`
	Version          string `json:"version,omitempty"`
}

// GetStats 解析 INFO 输出
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	info, err := m.client.Info(ctx, "server", "memory", "clients").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get redis info: %w", err)
	}
	keys, err := m.client.DBSize(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get redis dbsize: %w", err)
	}

	stats := parseInfo(info)
	stats.Keys = keys
	return stats, nil
}

func parseInfo(info string) *Stats {
	stats := &Stats{}
	for _, line := range strings.Split(info, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		switch k {
		case "redis_version":
			stats.Version = v
		case "used_memory":
			stats.UsedMemory, _ = strconv.ParseInt(v, 10, 64)
		case "connected_clients":
			stats.ConnectedClients, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	return stats
}

// Close 停止健康检查并关闭客户端
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("closing redis connection")
	return m.client.Close()
}
