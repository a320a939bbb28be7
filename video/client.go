package video

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/cinegen/retry"
	"github.com/BaSui01/cinegen/types"
)

const instrumentationName = "github.com/BaSui01/cinegen/video"

// ClientConfig 统一视频客户端配置
type ClientConfig struct {
	// Priority 未指定或指定服务商不可用时的选择顺序
	Priority []string `json:"priority" yaml:"priority"`
	// MockFallback 没有可用服务商时是否退回 mock
	MockFallback bool `json:"mock_fallback" yaml:"mock_fallback"`
	// MaxInFlight 同时进行的服务商调用上限
	MaxInFlight int64 `json:"max_in_flight" yaml:"max_in_flight"`
	// RateLimit 每个服务商每秒请求数，0 表示不限
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	Burst     int     `json:"burst" yaml:"burst"`

	Retry *retry.Policy `json:"-" yaml:"-"`
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Priority:     []string{veoName, runwayName},
		MockFallback: true,
		MaxInFlight:  8,
		Burst:        1,
		Retry:        retry.DefaultPolicy(),
	}
}

// Recorder 接收服务商调用指标
type Recorder interface {
	RecordProviderCall(provider, operation, outcome string, duration time.Duration)
}

// Dispatch Submit 的结果：同步服务商带 Result，异步服务商带 OperationID
type Dispatch struct {
	Provider    string  `json:"provider"`
	Result      *Result `json:"result,omitempty"`
	OperationID string  `json:"operation_id,omitempty"`
}

// ProviderInfo 服务商状态，用于 GET /providers 与健康检查
type ProviderInfo struct {
	Name         string       `json:"name"`
	Configured   bool         `json:"configured"`
	Available    bool         `json:"available"`
	Priority     int          `json:"priority"`
	Capabilities Capabilities `json:"capabilities"`
}

// Client 统一视频客户端：选择服务商、重试暂时性错误、限制并发。它从不轮询异步操作
type Client struct {
	cfg      ClientConfig
	adapters map[string]Adapter
	order    []string
	mock     Adapter
	sem      *semaphore.Weighted
	retryer  retry.Retryer
	tracer   trace.Tracer
	logger   *zap.Logger

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	recorder Recorder
}

// NewClient 创建统一客户端。名为 mock 的 adapter 作为兜底；未提供时自动创建同步 mock
func NewClient(cfg ClientConfig, logger *zap.Logger, adapters ...Adapter) *Client {
	def := DefaultClientConfig()
	if len(cfg.Priority) == 0 {
		cfg.Priority = def.Priority
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "video_client"))

	policy := def.Retry
	if cfg.Retry != nil {
		cp := *cfg.Retry
		policy = &cp
	}
	policy.ShouldRetry = types.IsRetryable
	cfg.Retry = policy

	c := &Client{
		cfg:      cfg,
		adapters: make(map[string]Adapter, len(adapters)),
		sem:      semaphore.NewWeighted(cfg.MaxInFlight),
		retryer:  retry.NewBackoffRetryer(policy, logger),
		tracer:   otel.Tracer(instrumentationName),
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		c.adapters[a.Name()] = a
		if a.Name() == MockName {
			c.mock = a
		}
	}
	if c.mock == nil {
		c.mock = NewMockProvider(MockConfig{})
		c.adapters[MockName] = c.mock
	}

	seen := make(map[string]bool)
	for _, name := range cfg.Priority {
		if _, ok := c.adapters[name]; ok && name != MockName && !seen[name] {
			c.order = append(c.order, name)
			seen[name] = true
		}
	}
	// 未出现在优先级列表中的服务商按名称排在后面
	var rest []string
	for name := range c.adapters {
		if name != MockName && !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	c.order = append(c.order, rest...)

	return c
}

// SetRecorder 设置指标记录器
func (c *Client) SetRecorder(r Recorder) { c.recorder = r }

// MaxAttempts 单次 Submit 或 Status 最多调用服务商的次数
func (c *Client) MaxAttempts() int { return c.retryer.Attempts() }

// Select 按选择策略返回服务商
func (c *Client) Select(req *Request, preferred string) (Adapter, error) {
	if preferred != "" {
		if a, ok := c.adapters[preferred]; ok && usable(a, req) {
			return a, nil
		}
		c.logger.Debug("preferred provider unavailable, falling back",
			zap.String("preferred", preferred))
	}
	for _, name := range c.order {
		if a := c.adapters[name]; usable(a, req) {
			return a, nil
		}
	}
	if c.cfg.MockFallback {
		return c.mock, nil
	}
	return nil, types.NewError(types.ErrProviderPermanent, "no configured video provider can serve the request")
}

func usable(a Adapter, req *Request) bool {
	if !a.IsConfigured() {
		return false
	}
	if a.Capabilities().RequiresReferenceImage && len(req.References) == 0 {
		return false
	}
	return true
}

// Submit 选择服务商并提交请求。暂时性错误按退避策略重试，永久错误立即返回
func (c *Client) Submit(ctx context.Context, req *Request, preferred string) (*Dispatch, error) {
	if req == nil {
		return nil, types.Validation("request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	adapter, err := c.Select(req, preferred)
	if err != nil {
		return nil, err
	}
	name := adapter.Name()

	ctx, span := c.tracer.Start(ctx, "video.submit", trace.WithAttributes(
		attribute.String("video.provider", name),
		attribute.Int("video.duration_seconds", req.DurationSeconds),
		attribute.Int("video.references", len(req.References)),
	))
	defer span.End()

	start := time.Now()
	sub, err := retry.DoValue(ctx, c.retryer, func(ctx context.Context) (*Submission, error) {
		return callWith(ctx, c, name, func(ctx context.Context) (*Submission, error) {
			return adapter.Generate(ctx, req)
		})
	})
	c.record(name, "submit", err, time.Since(start))
	if errors.Is(err, ErrAttemptVetoed) {
		c.logger.Info("video submit stopped by caller", zap.String("provider", name), zap.Error(err))
		return nil, err
	}
	if err != nil {
		err = normalize(name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("video submit failed",
			zap.String("provider", name),
			zap.String("kind", string(types.KindOf(err))),
			zap.Error(err))
		return nil, err
	}

	d := &Dispatch{Provider: name, OperationID: sub.OperationID, Result: sub.Result}
	if d.Result != nil && d.Result.DurationSeconds == 0 {
		d.Result.DurationSeconds = req.DurationSeconds
	}
	c.logger.Info("video submitted",
		zap.String("provider", name),
		zap.String("operation_id", d.OperationID),
		zap.Bool("async", d.Result == nil))
	return d, nil
}

// Status 查询异步操作状态
func (c *Client) Status(ctx context.Context, provider, operationID string) (*OperationStatus, error) {
	adapter, ok := c.adapters[provider]
	if !ok {
		return nil, types.Errorf(types.ErrProviderPermanent, "unknown video provider %q", provider)
	}
	if operationID == "" {
		return nil, types.Validation("operation id is required")
	}

	ctx, span := c.tracer.Start(ctx, "video.status", trace.WithAttributes(
		attribute.String("video.provider", provider),
	))
	defer span.End()

	start := time.Now()
	st, err := retry.DoValue(ctx, c.retryer, func(ctx context.Context) (*OperationStatus, error) {
		return callWith(ctx, c, provider, func(ctx context.Context) (*OperationStatus, error) {
			return adapter.GetStatus(ctx, operationID)
		})
	})
	c.record(provider, "status", err, time.Since(start))
	if err != nil {
		err = normalize(provider, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if st.Result != nil && st.Result.Provider == "" {
		st.Result.Provider = provider
	}
	return st, nil
}

// callWith 在一次尝试内获取并发槽位与速率令牌
func callWith[T any](ctx context.Context, c *Client, provider string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := checkGate(ctx); err != nil {
		return zero, err
	}
	if lim := c.limiter(provider); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return zero, err
		}
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer c.sem.Release(1)
	return fn(ctx)
}

func (c *Client) limiter(provider string) *rate.Limiter {
	if c.cfg.RateLimit <= 0 || provider == MockName {
		return nil
	}
	c.limMu.Lock()
	defer c.limMu.Unlock()
	lim, ok := c.limiters[provider]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.cfg.RateLimit), c.cfg.Burst)
		c.limiters[provider] = lim
	}
	return lim
}

func (c *Client) record(provider, op string, err error, d time.Duration) {
	if c.recorder == nil {
		return
	}
	outcome := "success"
	switch {
	case errors.Is(err, ErrAttemptVetoed):
		outcome = "vetoed"
	case err != nil:
		outcome = string(types.KindOf(err))
	}
	c.recorder.RecordProviderCall(provider, op, outcome, d)
}

// Providers 按优先级列出服务商，mock 总是最后一个
func (c *Client) Providers() []ProviderInfo {
	out := make([]ProviderInfo, 0, len(c.order)+1)
	for i, name := range c.order {
		a := c.adapters[name]
		out = append(out, ProviderInfo{
			Name:         name,
			Configured:   a.IsConfigured(),
			Available:    a.IsConfigured(),
			Priority:     i + 1,
			Capabilities: a.Capabilities(),
		})
	}
	out = append(out, ProviderInfo{
		Name:         MockName,
		Configured:   true,
		Available:    c.cfg.MockFallback,
		Priority:     len(c.order) + 1,
		Capabilities: c.mock.Capabilities(),
	})
	return out
}

// Adapter 按名称返回服务商
func (c *Client) Adapter(name string) (Adapter, bool) {
	a, ok := c.adapters[name]
	return a, ok
}

// normalize 把上下文错误与未分类错误收敛到统一的错误类别
func normalize(provider string, err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrAttemptVetoed), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewError(types.ErrTimeout, provider+" call deadline exceeded").WithCause(err).WithProvider(provider)
	}
	return types.NewError(types.ErrProviderPermanent, provider+" call failed").WithCause(err).WithProvider(provider)
}
