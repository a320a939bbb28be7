package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL 未指定 TTL 时记录的保留时间
const DefaultTTL = 24 * time.Hour

// Manager 幂等性管理器。
// Reserve 用于在处理开始前占位，Set 写入最终结果，失败时 Delete 释放占位
type Manager interface {
	// GenerateKey 根据输入生成幂等键
	GenerateKey(inputs ...any) (string, error)

	// Get 获取缓存的结果
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)

	// Reserve 键不存在时写入占位值并返回 true
	Reserve(ctx context.Context, key string, placeholder any, ttl time.Duration) (bool, error)

	// Set 设置缓存结果，覆盖占位
	Set(ctx context.Context, key string, result any, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	Close() error
}

func generateKey(inputs []any) (string, error) {
	if len(inputs) == 0 {
		return "", errors.New("至少需要一个输入参数")
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("序列化输入失败: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// redisManager 基于 Redis 的实现，占位使用 SETNX
type redisManager struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisManager 创建基于 Redis 的幂等性管理器。client 由调用方持有
func NewRedisManager(client redis.UniversalClient, prefix string, logger *zap.Logger) Manager {
	if prefix == "" {
		prefix = "cinegen:idempotency:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisManager{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "idempotency")),
	}
}

func (m *redisManager) GenerateKey(inputs ...any) (string, error) {
	return generateKey(inputs)
}

func (m *redisManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := m.client.Get(ctx, m.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("从 Redis 获取失败: %w", err)
	}
	m.logger.Debug("幂等键命中", zap.String("key", key), zap.Int("data_size", len(data)))
	return data, true, nil
}

func (m *redisManager) Reserve(ctx context.Context, key string, placeholder any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(placeholder)
	if err != nil {
		return false, fmt.Errorf("序列化占位失败: %w", err)
	}
	ok, err := m.client.SetNX(ctx, m.prefix+key, data, ttlOrDefault(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("Redis 占位失败: %w", err)
	}
	return ok, nil
}

func (m *redisManager) Set(ctx context.Context, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("序列化结果失败: %w", err)
	}
	ttl = ttlOrDefault(ttl)
	if err := m.client.Set(ctx, m.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("存储到 Redis 失败: %w", err)
	}
	m.logger.Debug("幂等键已存储", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func (m *redisManager) Delete(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, m.prefix+key).Err(); err != nil {
		return fmt.Errorf("从 Redis 删除失败: %w", err)
	}
	return nil
}

func (m *redisManager) Close() error { return nil }

// memoryManager 进程内实现，单实例部署与测试使用
type memoryManager struct {
	mu              sync.Mutex
	cache           map[string]*cacheEntry
	logger          *zap.Logger
	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
}

type cacheEntry struct {
	data      json.RawMessage
	expiresAt time.Time
}

// NewMemoryManager 创建内存幂等性管理器，cleanupInterval <= 0 时使用 5 分钟
func NewMemoryManager(logger *zap.Logger, cleanupInterval time.Duration) Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	m := &memoryManager{
		cache:           make(map[string]*cacheEntry),
		logger:          logger.With(zap.String("component", "idempotency")),
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
		now:             time.Now,
	}
	go m.cleanupLoop()
	return m
}

func (m *memoryManager) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

func (m *memoryManager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	expired := 0
	for key, entry := range m.cache {
		if now.After(entry.expiresAt) {
			delete(m.cache, key)
			expired++
		}
	}
	if expired > 0 {
		m.logger.Debug("cleaned up expired idempotency entries",
			zap.Int("expired", expired),
			zap.Int("remaining", len(m.cache)))
	}
}

// live 返回未过期的条目，调用方持有锁
func (m *memoryManager) live(key string) (*cacheEntry, bool) {
	entry, ok := m.cache[key]
	if !ok {
		return nil, false
	}
	if m.now().After(entry.expiresAt) {
		delete(m.cache, key)
		return nil, false
	}
	return entry, true
}

func (m *memoryManager) GenerateKey(inputs ...any) (string, error) {
	return generateKey(inputs)
}

func (m *memoryManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key)
	if !ok {
		return nil, false, nil
	}
	return entry.data, true, nil
}

func (m *memoryManager) Reserve(ctx context.Context, key string, placeholder any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(placeholder)
	if err != nil {
		return false, fmt.Errorf("序列化占位失败: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.cache[key] = &cacheEntry{data: data, expiresAt: m.now().Add(ttlOrDefault(ttl))}
	return true, nil
}

func (m *memoryManager) Set(ctx context.Context, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("序列化结果失败: %w", err)
	}
	m.mu.Lock()
	m.cache[key] = &cacheEntry{data: data, expiresAt: m.now().Add(ttlOrDefault(ttl))}
	m.mu.Unlock()
	return nil
}

func (m *memoryManager) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
	return nil
}

// Close 停止清理 goroutine
func (m *memoryManager) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	return nil
}
