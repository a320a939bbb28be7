package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/BaSui01/cinegen/api/handlers"
	"github.com/BaSui01/cinegen/config"
	"github.com/BaSui01/cinegen/embedding"
	"github.com/BaSui01/cinegen/internal/cache"
	"github.com/BaSui01/cinegen/internal/database"
	"github.com/BaSui01/cinegen/internal/idempotency"
	"github.com/BaSui01/cinegen/internal/metrics"
	"github.com/BaSui01/cinegen/internal/server"
	"github.com/BaSui01/cinegen/internal/telemetry"
	"github.com/BaSui01/cinegen/jobs"
	"github.com/BaSui01/cinegen/persona"
	"github.com/BaSui01/cinegen/vectorstore"
	"github.com/BaSui01/cinegen/video"
)

// statsInterval 任务状态与连接池指标的刷新周期
const statsInterval = 15 * time.Second

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 持有全部组件，按依赖顺序启动和关闭
type Server struct {
	cfg    *config.Config
	loader *config.Loader
	logger *zap.Logger
	level  zap.AtomicLevel

	otel      *telemetry.Providers
	collector *metrics.Collector
	settings  *liveSettings

	db    *gorm.DB
	pool  *database.PoolManager
	redis *cache.Manager

	vectors  vectorstore.Store
	personas *persona.Service
	video    *video.Client
	jobs     *jobs.Manager
	idem     idempotency.Manager

	reload         *config.HotReloadManager
	httpManager    *server.Manager
	metricsManager *server.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer 创建服务器。level 与 logger 共享，用于热更新日志级别
func NewServer(cfg *config.Config, loader *config.Loader, logger *zap.Logger, level zap.AtomicLevel) *Server {
	return &Server{
		cfg:      cfg,
		loader:   loader,
		logger:   logger,
		level:    level,
		settings: newLiveSettings(cfg.Server),
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 初始化全部组件并开始监听。失败时已启动的部分由 Shutdown 回收
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	otelProviders, err := telemetry.Init(ctx, s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		s.logger.Warn("telemetry init failed, continuing without export", zap.Error(err))
	}
	s.otel = otelProviders
	s.collector = metrics.NewCollector("cinegen", nil, s.logger)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"storage", s.initStorage},
		{"personas", s.initPersonas},
		{"video", s.initVideo},
		{"jobs", s.initJobs},
		{"idempotency", s.initIdempotency},
		{"hot reload", s.initHotReload},
		{"http server", s.startHTTPServer},
		{"metrics server", s.startMetricsServer},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("init %s: %w", step.name, err)
		}
	}

	s.wg.Add(1)
	go s.statsLoop(ctx)

	s.logger.Info("cinegen started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.cfg.Server.MetricsAddr),
		zap.String("job_store", s.cfg.Store.Jobs),
		zap.String("vector_store", s.cfg.Store.Vectors),
		zap.Bool("hot_reload", s.loader.ConfigPath() != ""),
	)
	return nil
}

// initStorage 按需连接关系数据库与 Redis
func (s *Server) initStorage(ctx context.Context) error {
	if s.cfg.NeedsDatabase() {
		db, err := database.Open(s.cfg.Database, s.logger)
		if err != nil {
			return err
		}
		pool, err := database.NewPoolManager(db, s.cfg.Database.Pool, s.logger)
		if err != nil {
			return err
		}
		s.db, s.pool = db, pool
		if s.cfg.Store.AutoMigrate && s.cfg.Store.Personas == "database" {
			if err := persona.AutoMigrate(db); err != nil {
				return fmt.Errorf("migrate personas: %w", err)
			}
		}
		s.logger.Info("database connected", zap.String("driver", s.cfg.Database.Driver))
	}

	if s.cfg.NeedsRedis() {
		rdb, err := cache.NewManager(s.cfg.Redis, s.logger)
		if err != nil {
			return err
		}
		s.redis = rdb
	}

	vectors, err := vectorstore.New(s.cfg.VectorStore(), s.db, s.logger)
	if err != nil {
		return err
	}
	if err := vectors.Ping(ctx); err != nil {
		s.logger.Warn("vector store not reachable yet", zap.String("backend", s.cfg.Store.Vectors), zap.Error(err))
	}
	s.vectors = vectors
	return nil
}

func (s *Server) initPersonas(ctx context.Context) error {
	embedder, err := embedding.New(s.cfg.Embedding.EmbeddingProvider())
	if err != nil {
		return err
	}

	var registry persona.Registry = persona.NewMemoryRegistry()
	if s.cfg.Store.Personas == "database" {
		registry = persona.NewGormRegistry(s.db)
	}
	var assets persona.AssetStore
	if s.cfg.Persona.AssetDir != "" {
		assets = persona.NewLocalAssetStore(s.cfg.Persona.AssetDir)
	}
	s.personas = persona.NewService(registry, s.vectors, embedder, assets, s.logger)

	if dir := s.cfg.Persona.SeedDir; dir != "" {
		res, err := s.personas.LoadDir(ctx, dir)
		if err != nil {
			return fmt.Errorf("seed personas from %s: %w", dir, err)
		}
		s.logger.Info("persona seed loaded",
			zap.String("dir", dir),
			zap.Int("personas", res.Personas),
			zap.Int("created", res.Created),
			zap.Int("references", res.References),
		)
	}
	return nil
}

func (s *Server) initVideo(context.Context) error {
	s.video = video.NewClient(s.cfg.Video.ClientConfig(), s.logger, s.cfg.Video.Adapters()...)
	s.video.SetRecorder(s.collector)
	for _, p := range s.video.Providers() {
		s.logger.Info("video provider",
			zap.String("name", p.Name),
			zap.Bool("configured", p.Configured),
			zap.Int("priority", p.Priority),
		)
	}
	return nil
}

func (s *Server) initJobs(ctx context.Context) error {
	store, err := jobs.NewStore(s.cfg.JobStore(), s.redisClient(), s.db, s.logger)
	if err != nil {
		return err
	}

	resolver := persona.NewResolver(s.personas.Registry(), s.vectors, s.logger)
	resolver.SetRecorder(s.collector)

	s.jobs = jobs.NewManager(s.cfg.Jobs(), store, resolver, s.video, s.logger)
	s.jobs.SetRecorder(s.collector)
	return s.jobs.Start(ctx)
}

func (s *Server) initIdempotency(context.Context) error {
	c := s.cfg.Idempotency
	if !c.Enabled {
		return nil
	}
	var m idempotency.Manager
	if c.Backend == "redis" {
		m = idempotency.NewRedisManager(s.redisClient(), c.KeyPrefix, s.logger)
	} else {
		m = idempotency.NewMemoryManager(s.logger, time.Minute)
	}
	s.idem = &meteredIdempotency{Manager: m, collector: s.collector}
	return nil
}

// initHotReload 注册可热更新字段的回调并开始监听配置文件
func (s *Server) initHotReload(ctx context.Context) error {
	s.reload = config.NewHotReloadManager(s.loader, s.cfg, s.logger)
	s.reload.OnReload(func(_, cur *config.Config, changes []config.ConfigChange) {
		for _, ch := range changes {
			s.logger.Info("config changed",
				zap.String("path", ch.Path),
				zap.Bool("requires_restart", ch.RequiresRestart),
			)
		}
		if lvl, err := zapcore.ParseLevel(cur.Log.Level); err == nil {
			s.level.SetLevel(lvl)
		}
		s.settings.Update(cur.Server)
	})
	return s.reload.Start(ctx)
}

func (s *Server) redisClient() redis.UniversalClient {
	if s.redis == nil {
		return nil
	}
	return s.redis.Client()
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer(ctx context.Context) error {
	health := handlers.NewHealthHandler(s.video, s.logger)
	health.RegisterCheck(handlers.NewFuncCheck("job_store", s.jobs.Store().Ping))
	health.RegisterCheck(handlers.NewFuncCheck("vector_store", s.vectors.Ping))
	if s.pool != nil {
		health.RegisterCheck(handlers.NewFuncCheck("database", s.pool.Ping))
	}
	if s.redis != nil {
		health.RegisterCheck(handlers.NewFuncCheck("redis", s.redis.Ping))
	}

	var genOpts []handlers.GenerationOption
	if s.idem != nil {
		genOpts = append(genOpts, handlers.WithIdempotency(s.idem, s.cfg.Idempotency.TTL))
	}
	if len(s.cfg.Server.CORSAllowedOrigins) > 0 {
		genOpts = append(genOpts, handlers.WithOriginPatterns(originHosts(s.cfg.Server.CORSAllowedOrigins)))
	}

	mux := http.NewServeMux()
	handlers.Routes{
		Health:     health,
		Personas:   handlers.NewPersonaHandler(s.personas, s.cfg.Server.MaxBodyBytes, s.logger),
		Generation: handlers.NewGenerationHandler(s.jobs, s.logger, genOpts...),
		Providers:  handlers.NewProviderHandler(s.video, s.personas, s.logger),
		Build:      handlers.BuildInfo{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit},
	}.Register(mux)

	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		SecurityHeaders(),
		RequestLogger(s.logger),
		CORS(s.settings),
		RateLimiter(ctx, s.settings, s.logger),
	}
	if s.cfg.Server.JWT.Enabled() {
		chain = append(chain, JWTAuth(s.cfg.Server.JWT, s.settings, s.logger))
	}
	chain = append(chain, APIKeyAuth(s.settings, s.cfg.Server.AllowQueryAPIKey, s.logger))

	s.httpManager = server.NewManager(Chain(mux, chain...), s.cfg.Server.HTTP(), s.logger)
	return s.httpManager.Start()
}

// originHosts 把 CORS 来源转换为 websocket 握手使用的 host 模式
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

// startMetricsServer 独立端口暴露 /metrics，MetricsAddr 为空时不启动
func (s *Server) startMetricsServer(context.Context) error {
	if s.cfg.Server.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	s.metricsManager = server.NewManager(mux, s.cfg.Server.Metrics(), s.logger)
	return s.metricsManager.Start()
}

// statsLoop 周期性刷新任务状态分布与连接池指标
func (s *Server) statsLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		s.refreshStats(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) refreshStats(ctx context.Context) {
	stats, err := s.jobs.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("job stats unavailable", zap.Error(err))
		}
	} else {
		counts := make(map[string]int, len(stats))
		for state, n := range stats {
			counts[string(state)] = n
		}
		s.collector.SetJobsByState(counts)
	}
	if s.pool != nil {
		st := s.pool.GetStats()
		s.collector.RecordDBConnections(s.cfg.Database.Driver, st.OpenConnections, st.Idle)
	}
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Wait 阻塞直到收到退出信号或 HTTP 服务异常退出
func (s *Server) Wait(ctx context.Context) error {
	return s.httpManager.Wait(ctx)
}

// Shutdown 先停止接收请求，再停 worker，最后释放存储连接
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("starting graceful shutdown")
	var errs []error

	if s.reload != nil {
		s.reload.Stop()
	}

	// HTTP 与 metrics 服务器并行关闭
	var g errgroup.Group
	for _, m := range []*server.Manager{s.httpManager, s.metricsManager} {
		if m == nil {
			continue
		}
		g.Go(func() error { return m.Shutdown(ctx) })
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if s.jobs != nil {
		if err := s.jobs.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop jobs: %w", err))
		}
		if err := s.jobs.Store().Close(); err != nil {
			errs = append(errs, fmt.Errorf("close job store: %w", err))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.idem != nil {
		_ = s.idem.Close()
	}
	if s.vectors != nil {
		if err := s.vectors.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close vector store: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush telemetry: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("shutdown finished with errors", zap.Error(err))
		return err
	}
	s.logger.Info("graceful shutdown completed")
	return nil
}

// =============================================================================
// 📊 幂等缓存命中统计
// =============================================================================

// meteredIdempotency 在 Get 上记录命中与未命中
type meteredIdempotency struct {
	idempotency.Manager
	collector *metrics.Collector
}

func (m *meteredIdempotency) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	raw, ok, err := m.Manager.Get(ctx, key)
	if err == nil {
		if ok {
			m.collector.RecordCacheHit("idempotency")
		} else {
			m.collector.RecordCacheMiss("idempotency")
		}
	}
	return raw, ok, err
}
