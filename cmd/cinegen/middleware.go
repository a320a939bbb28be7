package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/cinegen/api/handlers"
	"github.com/BaSui01/cinegen/config"
	"github.com/BaSui01/cinegen/internal/metrics"
	"github.com/BaSui01/cinegen/types"
)

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联，第一个中间件在最外层
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// =============================================================================
// 🔄 可热更新的中间件参数
// =============================================================================

type settingsSnapshot struct {
	apiKeys map[string]struct{}
	origins map[string]struct{}
	rps     float64
	burst   int
}

// liveSettings 保存认证、CORS 与限流参数，配置热更新时整体替换
type liveSettings struct {
	v atomic.Pointer[settingsSnapshot]
}

func newLiveSettings(cfg config.ServerConfig) *liveSettings {
	s := &liveSettings{}
	s.Update(cfg)
	return s
}

// Update 用新配置替换当前参数
func (s *liveSettings) Update(cfg config.ServerConfig) {
	snap := &settingsSnapshot{
		apiKeys: toSet(cfg.APIKeys),
		origins: toSet(cfg.CORSAllowedOrigins),
		rps:     cfg.RateLimitRPS,
		burst:   cfg.RateLimitBurst,
	}
	s.v.Store(snap)
}

func (s *liveSettings) load() *settingsSnapshot { return s.v.Load() }

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out[it] = struct{}{}
		}
	}
	return out
}

// =============================================================================
// 🛡️ 基础中间件
// =============================================================================

// Recovery panic 恢复中间件
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				handlers.WriteErrorMessage(w, types.ErrInternal, "internal server error", logger)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID 为每个请求分配 X-Request-ID，客户端已提供时沿用
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(handlers.RequestIDHeader)
			if id == "" || len(id) > 128 {
				id = generateRequestID()
			}
			w.Header().Set(handlers.RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
		})
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "req-" + hex.EncodeToString(b)
}

// SecurityHeaders adds common security response headers to every request.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger 请求日志中间件，健康检查只记 debug
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Int64("bytes", rw.Bytes),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", clientIP(r)),
			}
			if id, ok := types.RequestID(r.Context()); ok {
				fields = append(fields, zap.String("request_id", id))
			}
			switch {
			case rw.StatusCode >= 500:
				logger.Warn("request", fields...)
			case isPublicPath(r.URL.Path):
				logger.Debug("request", fields...)
			default:
				logger.Info("request", fields...)
			}
		})
	}
}

// =============================================================================
// 📊 指标与追踪
// =============================================================================

// MetricsMiddleware 记录请求数、耗时与响应大小
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)
			collector.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), rw.StatusCode, time.Since(start), rw.Bytes)
		})
	}
}

// idSegment 兜底匹配未知路由中形似 ID 的段
var idSegment = regexp.MustCompile(`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`)

// normalizePath 把路径参数替换为 {id}，控制 Prometheus 标签基数:
//
//	/personas/sarah/upload       -> /personas/{id}/upload
//	/generate/jobs/3f2a.../events -> /generate/jobs/{id}/events
func normalizePath(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(segs) >= 2 && segs[0] == "personas":
		segs[1] = "{id}"
	case len(segs) >= 3 && segs[0] == "generate" && segs[1] == "jobs":
		segs[2] = "{id}"
	default:
		for i, seg := range segs {
			if idSegment.MatchString(seg) {
				segs[i] = "{id}"
			}
		}
	}
	return "/" + strings.Join(segs, "/")
}

// OTelTracing 为每个请求创建 server span，并沿用上游传入的 trace context
func OTelTracing() Middleware {
	tracer := otel.Tracer("cinegen/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			route := normalizePath(r.URL.Path)
			ctx, span := tracer.Start(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(route),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
			if rw.StatusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rw.StatusCode))
			}
		})
	}
}

// =============================================================================
// 🌐 CORS 与限流
// =============================================================================

// CORS 跨域中间件。未配置允许来源时不输出任何 CORS 头，浏览器会拒绝跨域请求
func CORS(settings *liveSettings) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := false
			if origin != "" {
				_, allowed = settings.load().origins[origin]
			}
			if allowed {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, Idempotency-Key, X-Request-ID")
				h.Set("Access-Control-Expose-Headers", "X-Request-ID, Location, Idempotent-Replayed")
				h.Set("Access-Control-Max-Age", "86400")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// visitorTTL 超过该时间未出现的客户端会被清理
const visitorTTL = 3 * time.Minute

// RateLimiter 基于客户端 IP 的令牌桶限流。rps 为 0 时不限流，参数变化会作用于已有客户端
func RateLimiter(ctx context.Context, settings *liveSettings, logger *zap.Logger) Middleware {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > visitorTTL {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap := settings.load()
			if snap.rps <= 0 || isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			limit := rate.Limit(snap.rps)
			ip := clientIP(r)

			mu.Lock()
			v, ok := visitors[ip]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(limit, snap.burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if v.limiter.Limit() != limit {
				v.limiter.SetLimit(limit)
			}
			if v.limiter.Burst() != snap.burst {
				v.limiter.SetBurst(snap.burst)
			}
			if !v.limiter.Allow() {
				logger.Debug("rate limited", zap.String("ip", ip), zap.String("path", r.URL.Path))
				w.Header().Set("Retry-After", "1")
				handlers.WriteErrorMessage(w, types.ErrRateLimited, "too many requests", logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// =============================================================================
// 🔐 认证
// =============================================================================

// APIKeyHeader API Key 请求头
const APIKeyHeader = "X-API-Key"

func isPublicPath(path string) bool {
	for _, p := range handlers.PublicPaths {
		if p == path {
			return true
		}
	}
	return false
}

// JWTAuth 校验 Authorization: Bearer 中的 HS256 token，并把 sub 写入 context。
// 没有 Bearer 头时，若配置了 API Key 则交给 APIKeyAuth 处理，否则拒绝
func JWTAuth(cfg config.JWTConfig, settings *liveSettings, logger *zap.Logger) Middleware {
	secret := []byte(cfg.Secret)
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			authz := r.Header.Get("Authorization")
			if authz == "" {
				if len(settings.load().apiKeys) > 0 {
					next.ServeHTTP(w, r)
					return
				}
				handlers.WriteErrorMessage(w, types.ErrUnauthorized, "missing bearer token", logger)
				return
			}
			raw, ok := strings.CutPrefix(authz, "Bearer ")
			if !ok || raw == "" {
				handlers.WriteErrorMessage(w, types.ErrUnauthorized, "malformed Authorization header", logger)
				return
			}

			claims := &jwt.RegisteredClaims{}
			if _, err := jwt.ParseWithClaims(raw, claims, keyFunc, opts...); err != nil {
				msg := "invalid token"
				if errors.Is(err, jwt.ErrTokenExpired) {
					msg = "token expired"
				}
				logger.Debug("jwt rejected", zap.Error(err))
				handlers.WriteErrorMessage(w, types.ErrUnauthorized, msg, logger)
				return
			}
			subject := claims.Subject
			if subject == "" {
				subject = "jwt"
			}
			next.ServeHTTP(w, r.WithContext(types.WithSubject(r.Context(), subject)))
		})
	}
}

// APIKeyAuth 校验 X-API-Key（可选 api_key 查询参数，供浏览器 websocket 使用）。
// 未配置任何 key 或请求已通过 JWT 认证时放行
func APIKeyAuth(settings *liveSettings, allowQuery bool, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keys := settings.load().apiKeys
			if len(keys) == 0 || isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := types.Subject(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(APIKeyHeader)
			if key == "" && allowQuery {
				key = r.URL.Query().Get("api_key")
			}
			if _, ok := keys[key]; !ok {
				handlers.WriteErrorMessage(w, types.ErrUnauthorized, "invalid or missing API key", logger)
				return
			}
			next.ServeHTTP(w, r.WithContext(types.WithSubject(r.Context(), apiKeySubject(key))))
		})
	}
}

// apiKeySubject 日志中只暴露 key 的前缀
func apiKeySubject(key string) string {
	if len(key) > 6 {
		key = key[:6]
	}
	return fmt.Sprintf("apikey:%s", key)
}
