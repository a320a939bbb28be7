package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/cinegen/persona"
	"github.com/BaSui01/cinegen/types"
	"github.com/BaSui01/cinegen/video"
)

const instrumentationName = "github.com/BaSui01/cinegen/jobs"

// Config worker 池与任务生命周期配置
type Config struct {
	Workers      int           `json:"workers" yaml:"workers"`
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	PollTimeout  time.Duration `json:"poll_timeout" yaml:"poll_timeout"`
	JobTimeout   time.Duration `json:"job_timeout" yaml:"job_timeout"`
	// IdleInterval 空闲 worker 重新检查队列的间隔
	IdleInterval time.Duration `json:"idle_interval" yaml:"idle_interval"`
	// Retention 终态任务保留时长，0 表示不清理
	Retention       time.Duration `json:"retention" yaml:"retention"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	// RecoverOnStart 启动时把遗留的 running 任务重新入队。
	// 共享存储上其他实例可能仍在处理这些任务，只在单实例部署时开启
	RecoverOnStart bool                  `json:"recover_on_start" yaml:"recover_on_start"`
	DefaultPolicy  persona.DefaultPolicy `json:"default_policy" yaml:"default_policy"`
	// References 每个任务的参考图预算
	References int `json:"references" yaml:"references"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		MaxAttempts:     3,
		PollInterval:    5 * time.Second,
		PollTimeout:     10 * time.Minute,
		JobTimeout:      time.Hour,
		IdleInterval:    time.Second,
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoverOnStart:  false,
		DefaultPolicy:   persona.PolicyNone,
		References:      persona.DefaultReferenceCount,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = def.IdleInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = def.DefaultPolicy
	}
	if c.References <= 0 {
		c.References = def.References
	}
}

// Resolver 人设解析
type Resolver interface {
	Resolve(ctx context.Context, prompt string, opts persona.ResolveOptions) (*persona.ResolvedContext, error)
}

// Dispatcher 视频服务商调度，由 video.Client 实现
type Dispatcher interface {
	Submit(ctx context.Context, req *video.Request, preferred string) (*video.Dispatch, error)
	Status(ctx context.Context, provider, operationID string) (*video.OperationStatus, error)
}

// Recorder 接收任务指标
type Recorder interface {
	RecordJobEvent(event string)
	ObserveJobDuration(state, provider string, d time.Duration)
}

// Manager 任务入口与 worker 池
type Manager struct {
	cfg      Config
	store    Store
	resolver Resolver
	client   Dispatcher
	events   *broker
	tracer   trace.Tracer
	meters   *instruments
	logger   *zap.Logger
	recorder Recorder
	wake     chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewManager 创建任务管理器。resolver 可以为 nil，此时任务不携带人设上下文
func NewManager(cfg Config, store Store, resolver Resolver, client Dispatcher, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "job_manager"))
	inst, err := newInstruments(otel.Meter(instrumentationName))
	if err != nil {
		logger.Warn("otel instruments unavailable", zap.Error(err))
		inst = noopInstruments()
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		client:   client,
		events:   newBroker(logger),
		tracer:   otel.Tracer(instrumentationName),
		meters:   inst,
		logger:   logger,
		wake:     make(chan struct{}, cfg.Workers),
	}
}

// SetRecorder 设置指标记录器
func (m *Manager) SetRecorder(r Recorder) { m.recorder = r }

// SetMeter 使用指定 meter 重建 OTel 指标，须在 Start 之前调用
func (m *Manager) SetMeter(meter metric.Meter) error {
	inst, err := newInstruments(meter)
	if err != nil {
		return err
	}
	m.meters = inst
	return nil
}

// Store 返回底层存储，用于健康检查
func (m *Manager) Store() Store { return m.store }

// Config 返回生效的配置
func (m *Manager) Config() Config { return m.cfg }

// Enqueue 校验请求、解析人设并创建 queued 任务。不等待服务商
func (m *Manager) Enqueue(ctx context.Context, req Request) (*Job, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resolution, err := m.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &Job{
		ID:          uuid.NewString(),
		Request:     req,
		Resolution:  resolution,
		State:       StateQueued,
		MaxAttempts: m.cfg.MaxAttempts,
		CurrentStep: "queued",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Create(ctx, job); err != nil {
		return nil, err
	}

	m.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.Int64("seq", job.Seq),
		zap.Strings("persona_ids", personaIDs(resolution)))
	m.publish(job, EventCreated)
	m.notify()
	return job.Clone(), nil
}

func (m *Manager) resolve(ctx context.Context, req Request) (*persona.ResolvedContext, error) {
	if m.resolver == nil {
		return &persona.ResolvedContext{Emotion: persona.Neutral, EmotionLabel: persona.Neutral.Label()}, nil
	}
	policy := m.cfg.DefaultPolicy
	if req.Parameters.DefaultPolicy != "" {
		policy = persona.DefaultPolicy(req.Parameters.DefaultPolicy)
	}
	opts := persona.ResolveOptions{
		RequestedPersonas: req.PersonaIDs,
		DefaultPolicy:     policy,
		References:        m.cfg.References,
	}
	if e, ok := persona.ParseEmotion(req.Parameters.Emotion); ok && req.Parameters.Emotion != "" {
		opts.Emotion = e
	}
	return m.resolver.Resolve(ctx, req.Prompt, opts)
}

func personaIDs(res *persona.ResolvedContext) []string {
	if res == nil {
		return nil
	}
	return res.PersonaIDs
}

// Get 返回任务快照
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	return m.store.Get(ctx, id)
}

// List 最新的任务在前
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Job, error) {
	return m.store.List(ctx, filter)
}

// Stats 各状态任务数
func (m *Manager) Stats(ctx context.Context) (map[State]int, error) {
	return m.store.Stats(ctx)
}

// Cancel 记录取消意图。queued 任务立即取消；running 任务在下一个检查点取消。
// 第一次生效返回 true，任务已是终态或已请求取消时返回 false
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	var took bool
	job, err := m.store.Update(ctx, id, func(j *Job) error {
		took = false
		if j.Terminal() || j.CancelRequested {
			return ErrNoChange
		}
		now := time.Now().UTC()
		j.CancelRequested = true
		if j.State == StateQueued {
			if err := j.Transition(StateCancelled, now); err != nil {
				return err
			}
			j.CurrentStep = "cancelled"
		} else {
			j.step(j.Progress, "cancelling", now)
		}
		took = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if took {
		m.logger.Info("job cancel requested", zap.String("job_id", id), zap.String("state", string(job.State)))
		if job.State == StateCancelled {
			m.publish(job, EventCancelled)
		} else {
			m.publish(job, EventProgress)
		}
	}
	return took, nil
}

// Subscribe 订阅任务事件。任务进入终态后通道关闭；调用返回的函数提前取消订阅
func (m *Manager) Subscribe(id string) (<-chan Event, func()) {
	return m.events.subscribe(id)
}

// Start 执行启动恢复并启动 worker 池，不阻塞
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("job manager already started")
	}

	if m.cfg.RecoverOnStart {
		n, err := m.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover jobs: %w", err)
		}
		if n > 0 {
			m.logger.Info("recovered interrupted jobs", zap.Int("count", n))
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < m.cfg.Workers; i++ {
		workerID := i
		g.Go(func() error {
			m.workerLoop(gctx, workerID)
			return nil
		})
	}
	if m.cfg.Retention > 0 {
		g.Go(func() error {
			m.janitor(gctx)
			return nil
		})
	}

	m.running = true
	m.cancel = cancel
	m.group = g
	m.logger.Info("job workers started",
		zap.Int("workers", m.cfg.Workers),
		zap.Int("max_attempts", m.cfg.MaxAttempts))
	return nil
}

// Stop 停止 worker 并等待其退出。被中断的 running 任务重新入队
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel, g := m.cancel, m.group
	m.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.events.closeAll()
		m.logger.Info("job workers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover 处理遗留的 running 任务：未达上限的重新入队，已达上限的标记失败
func (m *Manager) Recover(ctx context.Context) (int, error) {
	const page = 500
	var stale []*Job
	for offset := 0; ; offset += page {
		batch, err := m.store.List(ctx, Filter{State: StateRunning, Limit: page, Offset: offset})
		if err != nil {
			return 0, err
		}
		stale = append(stale, batch...)
		if len(batch) < page {
			break
		}
	}

	n := 0
	for _, job := range stale {
		updated, changed, err := m.interrupt(ctx, job.ID, "job interrupted before completion")
		if err != nil {
			return n, err
		}
		if changed {
			n++
			m.publish(updated, EventRecovered)
		}
	}
	if n > 0 {
		m.notify()
	}
	return n, nil
}

// interrupt 把 running 任务重新入队或在达到上限时失败
func (m *Manager) interrupt(ctx context.Context, id, reason string) (*Job, bool, error) {
	changed := false
	job, err := m.store.Update(ctx, id, func(j *Job) error {
		changed = false
		if j.State != StateRunning {
			return ErrNoChange
		}
		now := time.Now().UTC()
		rec := &ErrorRecord{Kind: types.ErrInternal, Message: reason, Retryable: true}
		j.LastError = rec
		switch {
		case j.CancelRequested:
			if err := j.Transition(StateCancelled, now); err != nil {
				return err
			}
			j.CurrentStep = "cancelled"
		case j.Attempts >= j.MaxAttempts:
			if err := j.Transition(StateFailed, now); err != nil {
				return err
			}
			j.Error = rec
			j.CurrentStep = "failed"
		default:
			if err := j.Transition(StateQueued, now); err != nil {
				return err
			}
			j.Provider, j.OperationID = "", ""
			j.CurrentStep = "requeued"
		}
		changed = true
		return nil
	})
	return job, changed, err
}

func (m *Manager) janitor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.Cleanup(ctx, time.Now().UTC().Add(-m.cfg.Retention))
			if err != nil {
				m.logger.Warn("job cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.logger.Info("expired jobs removed", zap.Int("count", n))
			}
		}
	}
}

func (m *Manager) notify() {
	for i := 0; i < cap(m.wake); i++ {
		select {
		case m.wake <- struct{}{}:
		default:
			return
		}
	}
}

func (m *Manager) publish(job *Job, typ EventType) {
	if job == nil {
		return
	}
	m.events.publish(eventFor(job, typ))
	m.meters.event(context.Background(), typ)
	if m.recorder != nil {
		m.recorder.RecordJobEvent(string(typ))
	}
}
