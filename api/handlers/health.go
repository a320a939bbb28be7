package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cinegen/types"
	"github.com/BaSui01/cinegen/video"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthCheck 健康检查接口
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// ProviderLister 返回视频服务商状态
type ProviderLister interface {
	Providers() []video.ProviderInfo
}

// BuildInfo 版本信息
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	logger    *zap.Logger
	providers ProviderLister
	timeout   time.Duration

	mu     sync.RWMutex
	checks []HealthCheck
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Providers []video.ProviderInfo   `json:"providers,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthHandler 创建健康检查处理器。providers 可为 nil
func NewHealthHandler(providers ProviderLister, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:    logger.With(zap.String("component", "health")),
		providers: providers,
		timeout:   5 * time.Second,
	}
}

// RegisterCheck 注册健康检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 GET /health：存活探针，附带组件与服务商状态。
// 组件失败时返回 degraded 但仍是 200，进程本身是活的
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status, healthy := h.runChecks(r.Context())
	if !healthy {
		status.Status = "degraded"
	}
	if h.providers != nil {
		status.Providers = h.providers.Providers()
	}
	WriteSuccess(w, status)
}

// HandleReady 处理 GET /ready：任何检查失败返回 503
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	status, healthy := h.runChecks(r.Context())
	if !healthy {
		status.Status = "unhealthy"
		WriteJSON(w, http.StatusServiceUnavailable, Response{
			Success:   false,
			Data:      status,
			Error:     &ErrorInfo{Kind: types.ErrUnavailable, Message: "one or more readiness checks failed", Retryable: true},
			Timestamp: time.Now().UTC(),
			RequestID: w.Header().Get(RequestIDHeader),
		})
		return
	}
	WriteSuccess(w, status)
}

// HandleVersion 处理 GET /version
func (h *HealthHandler) HandleVersion(info BuildInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, info)
	}
}

func (h *HealthHandler) runChecks(ctx context.Context) (HealthStatus, bool) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	healthy := true
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := CheckResult{Status: "pass", Latency: latency.String()}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			healthy = false
			h.logger.Warn("health check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
				zap.Duration("latency", latency))
		}
		status.Checks[check.Name()] = result
	}
	return status, healthy
}

// =============================================================================
// 🔧 内置健康检查实现
// =============================================================================

// FuncCheck 以函数实现的健康检查（数据库 ping、redis ping、存储 ping）
type FuncCheck struct {
	name  string
	check func(ctx context.Context) error
}

// NewFuncCheck 创建函数健康检查
func NewFuncCheck(name string, check func(ctx context.Context) error) *FuncCheck {
	return &FuncCheck{name: name, check: check}
}

func (c *FuncCheck) Name() string { return c.name }

func (c *FuncCheck) Check(ctx context.Context) error { return c.check(ctx) }
