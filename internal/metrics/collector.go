// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，同时实现 persona/video/jobs 的 Recorder
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 人设解析
	resolutionsTotal *prometheus.CounterVec

	// 视频服务商
	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec

	// 生成任务
	jobEventsTotal *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobsByState    *prometheus.GaugeVec

	// 幂等缓存
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库连接池
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时注册到默认 registry
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	c.httpResponseSize = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.resolutionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persona_resolutions_total",
			Help:      "Persona resolutions by outcome and classified emotion",
		},
		[]string{"outcome", "emotion"},
	)

	c.providerCallsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_provider_calls_total",
			Help:      "Video provider calls by operation and outcome",
		},
		[]string{"provider", "operation", "outcome"},
	)
	c.providerCallDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "video_provider_call_duration_seconds",
			Help:      "Video provider call latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "operation"},
	)

	c.jobEventsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_job_events_total",
			Help:      "Generation job lifecycle events",
		},
		[]string{"event"},
	)
	c.jobDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_job_duration_seconds",
			Help:      "Wall time from claim to terminal state",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"state", "provider"},
	)
	c.jobsByState = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_jobs",
			Help:      "Generation jobs currently stored, by state",
		},
		[]string{"state"},
	)

	c.cacheHits = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)
	c.cacheMisses = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)
	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 📝 记录方法
// =============================================================================

// RecordHTTPRequest path 应为路由模板，避免 job id 造成标签基数爆炸
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	if responseSize > 0 {
		c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
	}
}

// RecordResolution implements persona.Recorder.
func (c *Collector) RecordResolution(outcome, emotion string) {
	c.resolutionsTotal.WithLabelValues(outcome, emotion).Inc()
}

// RecordProviderCall implements video.Recorder.
func (c *Collector) RecordProviderCall(provider, operation, outcome string, duration time.Duration) {
	c.providerCallsTotal.WithLabelValues(provider, operation, outcome).Inc()
	c.providerCallDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordJobEvent implements jobs.Recorder.
func (c *Collector) RecordJobEvent(event string) {
	c.jobEventsTotal.WithLabelValues(event).Inc()
}

// ObserveJobDuration implements jobs.Recorder.
func (c *Collector) ObserveJobDuration(state, provider string, d time.Duration) {
	if provider == "" {
		provider = "none"
	}
	c.jobDuration.WithLabelValues(state, provider).Observe(d.Seconds())
}

// SetJobsByState 用 Stats 快照覆盖各状态的任务数
func (c *Collector) SetJobsByState(counts map[string]int) {
	c.jobsByState.Reset()
	for state, n := range counts {
		c.jobsByState.WithLabelValues(state).Set(float64(n))
	}
}

func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

func statusCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return strconv.Itoa(code)
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
