// 配置热重载。
//
// 只有少数字段可以在运行中生效（日志级别、限流、API Key、CORS），其余字段的
// 变更会被记录并提示需要重启，运行中的配置保持不变。
package config

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConfigChange 一个字段的变更，Path 使用 yaml 键，如 server.rate_limit_rps
type ConfigChange struct {
	Path            string    `json:"path"`
	OldValue        any       `json:"old_value,omitempty"`
	NewValue        any       `json:"new_value,omitempty"`
	RequiresRestart bool      `json:"requires_restart"`
	Timestamp       time.Time `json:"timestamp"`
}

// ReloadCallback 在热字段生效后调用，old/new 只读
type ReloadCallback func(oldConfig, newConfig *Config, changes []ConfigChange)

// hotFields 运行中可以替换的字段
var hotFields = map[string]func(dst, src *Config){
	"log.level":                   func(dst, src *Config) { dst.Log.Level = src.Log.Level },
	"server.rate_limit_rps":       func(dst, src *Config) { dst.Server.RateLimitRPS = src.Server.RateLimitRPS },
	"server.rate_limit_burst":     func(dst, src *Config) { dst.Server.RateLimitBurst = src.Server.RateLimitBurst },
	"server.api_keys":             func(dst, src *Config) { dst.Server.APIKeys = src.Server.APIKeys },
	"server.cors_allowed_origins": func(dst, src *Config) { dst.Server.CORSAllowedOrigins = src.Server.CORSAllowedOrigins },
}

// IsHotReloadable 字段是否可以热更新
func IsHotReloadable(path string) bool {
	_, ok := hotFields[path]
	return ok
}

// HotReloadManager 监听配置文件并应用可热更新的字段
type HotReloadManager struct {
	loader  *Loader
	logger  *zap.Logger
	watcher *FileWatcher

	mu        sync.RWMutex
	config    *Config
	callbacks []ReloadCallback
}

// NewHotReloadManager initial 为启动时已加载的配置
func NewHotReloadManager(loader *Loader, initial *Config, logger *zap.Logger) *HotReloadManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HotReloadManager{
		loader: loader,
		config: initial,
		logger: logger.With(zap.String("component", "config_reload")),
	}
}

// Config 返回当前生效的配置，调用方不得修改
func (m *HotReloadManager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnReload 注册回调，需在 Start 之前调用
func (m *HotReloadManager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start 监听配置文件；未设置配置文件路径时不做任何事
func (m *HotReloadManager) Start(ctx context.Context, opts ...WatcherOption) error {
	path := m.loader.ConfigPath()
	if path == "" {
		m.logger.Info("no config file, hot reload disabled")
		return nil
	}
	w, err := NewFileWatcher(path, append([]WatcherOption{WithWatcherLogger(m.logger)}, opts...)...)
	if err != nil {
		return err
	}
	w.OnChange(func(FileEvent) {
		if _, err := m.Reload(); err != nil {
			m.logger.Warn("config reload rejected, keeping current config", zap.Error(err))
		}
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	m.watcher = w
	return nil
}

func (m *HotReloadManager) Stop() {
	if m.watcher != nil {
		m.watcher.Stop()
	}
}

// Reload 重新加载配置文件并应用热字段。加载或校验失败时当前配置不变
func (m *HotReloadManager) Reload() ([]ConfigChange, error) {
	loaded, err := m.loader.Load()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	old := m.config
	changes := DiffConfigs(old, loaded)
	if len(changes) == 0 {
		m.mu.Unlock()
		return nil, nil
	}

	next := *old
	applied := false
	for _, c := range changes {
		if c.RequiresRestart {
			continue
		}
		hotFields[c.Path](&next, loaded)
		applied = true
	}
	if applied {
		m.config = &next
	}
	callbacks := append([]ReloadCallback(nil), m.callbacks...)
	current := m.config
	m.mu.Unlock()

	for _, c := range changes {
		fields := []zap.Field{zap.String("path", c.Path), zap.Bool("requires_restart", c.RequiresRestart)}
		if !isSensitive(c.Path) {
			fields = append(fields, zap.Any("old_value", c.OldValue), zap.Any("new_value", c.NewValue))
		}
		m.logger.Info("configuration changed", fields...)
	}

	if applied {
		for _, cb := range callbacks {
			m.safeCallback(cb, old, current, changes)
		}
	}
	return changes, nil
}

func (m *HotReloadManager) safeCallback(cb ReloadCallback, old, cur *Config, changes []ConfigChange) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("reload callback panicked", zap.Any("panic", r))
		}
	}()
	cb(old, cur, changes)
}

// DiffConfigs 递归比较两个配置，返回按 yaml 路径标识的变更
func DiffConfigs(oldCfg, newCfg *Config) []ConfigChange {
	var changes []ConfigChange
	compareStructs("", reflect.ValueOf(oldCfg).Elem(), reflect.ValueOf(newCfg).Elem(), time.Now(), &changes)
	return changes
}

func compareStructs(prefix string, oldVal, newVal reflect.Value, now time.Time, changes *[]ConfigChange) {
	t := oldVal.Type()
	for i := 0; i < oldVal.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			name = strings.ToLower(field.Name)
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}

		oldField, newField := oldVal.Field(i), newVal.Field(i)
		if oldField.Kind() == reflect.Struct {
			compareStructs(path, oldField, newField, now, changes)
			continue
		}
		if reflect.DeepEqual(oldField.Interface(), newField.Interface()) {
			continue
		}
		*changes = append(*changes, ConfigChange{
			Path:            path,
			OldValue:        oldField.Interface(),
			NewValue:        newField.Interface(),
			RequiresRestart: !IsHotReloadable(path),
			Timestamp:       now,
		})
	}
}

var sensitiveKeys = []string{"password", "api_key", "secret", "dsn", "token"}

func isSensitive(path string) bool {
	lower := strings.ToLower(path)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Redacted 返回隐去凭据后的配置副本，用于日志与调试输出
func (c *Config) Redacted() *Config {
	cp := *c
	mask := func(s *string) {
		if *s != "" {
			*s = "[REDACTED]"
		}
	}
	mask(&cp.Database.DSN)
	mask(&cp.Redis.Password)
	mask(&cp.Qdrant.APIKey)
	mask(&cp.Video.Veo.APIKey)
	mask(&cp.Video.Runway.APIKey)
	mask(&cp.Embedding.OpenAI.APIKey)
	mask(&cp.Server.JWT.Secret)
	if len(cp.Server.APIKeys) > 0 {
		cp.Server.APIKeys = []string{fmt.Sprintf("[REDACTED x%d]", len(cp.Server.APIKeys))}
	}
	return &cp
}
