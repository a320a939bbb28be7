package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/cinegen/api/handlers"
	"github.com/BaSui01/cinegen/config"
	"github.com/BaSui01/cinegen/internal/idempotency"
	"github.com/BaSui01/cinegen/internal/metrics"
	"github.com/BaSui01/cinegen/types"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("ok"))
})

// subjectHandler 把认证主体写回响应体
var subjectHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	sub, _ := types.Subject(r.Context())
	_, _ = w.Write([]byte(sub))
})

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) types.ErrorKind {
	t.Helper()
	var resp handlers.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.False(t, resp.Success)
	return resp.Error.Kind
}

func settingsWith(fn func(c *config.ServerConfig)) *liveSettings {
	c := config.DefaultServerConfig()
	c.RateLimitRPS = 0
	fn(&c)
	return newLiveSettings(c)
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders()(okHandler), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
}

func TestRequestID(t *testing.T) {
	var seen string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = types.RequestID(r.Context())
	}), SecurityHeaders(), RequestID())

	w := serve(h, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.True(t, strings.HasPrefix(w.Header().Get(handlers.RequestIDHeader), "req-"))
	assert.Equal(t, w.Header().Get(handlers.RequestIDHeader), seen)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.Header.Set(handlers.RequestIDHeader, "client-42")
	w = serve(h, r)
	assert.Equal(t, "client-42", w.Header().Get(handlers.RequestIDHeader))
	assert.Equal(t, "client-42", seen)

	r = httptest.NewRequest(http.MethodGet, "/test", nil)
	r.Header.Set(handlers.RequestIDHeader, strings.Repeat("x", 200))
	w = serve(h, r)
	assert.NotEqual(t, strings.Repeat("x", 200), w.Header().Get(handlers.RequestIDHeader))
}

func TestRecovery(t *testing.T) {
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), RequestID(), Recovery(zap.NewNop()))

	w := serve(h, httptest.NewRequest(http.MethodGet, "/personas", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, types.ErrInternal, errorKind(t, w))
	assert.NotContains(t, w.Body.String(), "boom")

	abort := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		serve(abort, httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/health":                   "/health",
		"/personas":                 "/personas",
		"/personas/sarah":           "/personas/{id}",
		"/personas/sarah/upload":    "/personas/{id}/upload",
		"/generate/jobs":            "/generate/jobs",
		"/generate/jobs/abc/events": "/generate/jobs/{id}/events",
		"/unknown/0f3a9c1d-1234":    "/unknown/{id}",
		"/unknown/12345":            "/unknown/{id}",
		"/search/similar":           "/search/similar",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, zap.NewNop())
	h := MetricsMiddleware(collector)(okHandler)

	serve(h, httptest.NewRequest(http.MethodGet, "/personas/sarah", nil))
	serve(h, httptest.NewRequest(http.MethodGet, "/personas/alex", nil))

	n, err := testutil.GatherAndCount(reg, "test_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "ids collapse into a single series")

	expected := `
# HELP test_http_requests_total Total number of HTTP requests
# TYPE test_http_requests_total counter
test_http_requests_total{method="GET",path="/personas/{id}",status="2xx"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_http_requests_total"))
}

func TestCORS(t *testing.T) {
	settings := settingsWith(func(c *config.ServerConfig) {
		c.CORSAllowedOrigins = []string{"https://studio.example"}
	})
	h := CORS(settings)(okHandler)

	t.Run("allowed origin", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/personas", nil)
		r.Header.Set("Origin", "https://studio.example")
		w := serve(h, r)
		assert.Equal(t, "https://studio.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
		assert.Equal(t, "ok", w.Body.String())
	})

	t.Run("preflight", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, "/generate/video", nil)
		r.Header.Set("Origin", "https://studio.example")
		r.Header.Set("Access-Control-Request-Method", "POST")
		assert.Equal(t, http.StatusNoContent, serve(h, r).Code)

		r.Header.Set("Origin", "https://evil.example")
		w := serve(h, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("origins follow updates", func(t *testing.T) {
		cfg := config.DefaultServerConfig()
		cfg.CORSAllowedOrigins = []string{"https://evil.example"}
		settings.Update(cfg)
		defer settings.Update(config.ServerConfig{CORSAllowedOrigins: []string{"https://studio.example"}})

		r := httptest.NewRequest(http.MethodGet, "/personas", nil)
		r.Header.Set("Origin", "https://evil.example")
		assert.Equal(t, "https://evil.example", serve(h, r).Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := settingsWith(func(c *config.ServerConfig) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 2
	})
	h := Chain(okHandler, RequestID(), RateLimiter(ctx, settings, zap.NewNop()))

	req := func(path, ip string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		r.RemoteAddr = ip + ":5555"
		return serve(h, r)
	}

	assert.Equal(t, http.StatusOK, req("/personas", "10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, req("/personas", "10.0.0.1").Code)
	w := req("/personas", "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, types.ErrRateLimited, errorKind(t, w))
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// 其他客户端与健康检查不受影响
	assert.Equal(t, http.StatusOK, req("/personas", "10.0.0.2").Code)
	assert.Equal(t, http.StatusOK, req("/health", "10.0.0.1").Code)

	// 热更新关闭限流
	cfg := config.DefaultServerConfig()
	cfg.RateLimitRPS = 0
	settings.Update(cfg)
	for range 5 {
		assert.Equal(t, http.StatusOK, req("/personas", "10.0.0.1").Code)
	}

	// 重新开启后使用新的突发量
	cfg.RateLimitRPS = 0.001
	cfg.RateLimitBurst = 10
	settings.Update(cfg)
	for range 10 {
		assert.Equal(t, http.StatusOK, req("/personas", "10.0.0.3").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, req("/personas", "10.0.0.3").Code)
}

func TestAPIKeyAuth(t *testing.T) {
	settings := settingsWith(func(c *config.ServerConfig) { c.APIKeys = []string{"secret-key-1"} })

	t.Run("header", func(t *testing.T) {
		h := APIKeyAuth(settings, false, zap.NewNop())(subjectHandler)

		r := httptest.NewRequest(http.MethodGet, "/personas", nil)
		w := serve(h, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, types.ErrUnauthorized, errorKind(t, w))

		r.Header.Set(APIKeyHeader, "wrong")
		assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code)

		r.Header.Set(APIKeyHeader, "secret-key-1")
		w = serve(h, r)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "apikey:secret", w.Body.String())

		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/ready", nil)).Code)
	})

	t.Run("query parameter", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/generate/jobs/x/events?api_key=secret-key-1", nil)
		assert.Equal(t, http.StatusUnauthorized, serve(APIKeyAuth(settings, false, zap.NewNop())(okHandler), r).Code)
		assert.Equal(t, http.StatusOK, serve(APIKeyAuth(settings, true, zap.NewNop())(okHandler), r).Code)
	})

	t.Run("no keys configured", func(t *testing.T) {
		open := settingsWith(func(c *config.ServerConfig) {})
		h := APIKeyAuth(open, false, zap.NewNop())(okHandler)
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/personas", nil)).Code)
	})

	t.Run("keys follow updates", func(t *testing.T) {
		s := settingsWith(func(c *config.ServerConfig) { c.APIKeys = []string{"old"} })
		h := APIKeyAuth(s, false, zap.NewNop())(okHandler)
		s.Update(config.ServerConfig{APIKeys: []string{"new"}})

		r := httptest.NewRequest(http.MethodGet, "/personas", nil)
		r.Header.Set(APIKeyHeader, "old")
		assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code)
		r.Header.Set(APIKeyHeader, "new")
		assert.Equal(t, http.StatusOK, serve(h, r).Code)
	})
}

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestJWTAuth(t *testing.T) {
	jwtCfg := config.JWTConfig{Secret: testSecret, Issuer: "cinegen-test"}
	valid := jwt.RegisteredClaims{
		Subject:   "editor-7",
		Issuer:    "cinegen-test",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	noKeys := settingsWith(func(c *config.ServerConfig) {})
	withKeys := settingsWith(func(c *config.ServerConfig) { c.APIKeys = []string{"secret-key-1"} })

	bearer := func(tok string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/personas", nil)
		r.Header.Set("Authorization", "Bearer "+tok)
		return r
	}

	t.Run("valid token sets subject", func(t *testing.T) {
		h := JWTAuth(jwtCfg, noKeys, zap.NewNop())(subjectHandler)
		w := serve(h, bearer(signToken(t, testSecret, valid)))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "editor-7", w.Body.String())
	})

	t.Run("rejections", func(t *testing.T) {
		h := JWTAuth(jwtCfg, noKeys, zap.NewNop())(okHandler)

		expired := valid
		expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		wrongIssuer := valid
		wrongIssuer.Issuer = "someone-else"

		cases := map[string]*http.Request{
			"missing":      httptest.NewRequest(http.MethodGet, "/personas", nil),
			"not bearer":   func() *http.Request { r := bearer(""); r.Header.Set("Authorization", "Basic abc"); return r }(),
			"garbage":      bearer("not-a-jwt"),
			"wrong secret": bearer(signToken(t, "another-secret-another-secret-xx", valid)),
			"expired":      bearer(signToken(t, testSecret, expired)),
			"wrong issuer": bearer(signToken(t, testSecret, wrongIssuer)),
		}
		for name, r := range cases {
			w := serve(h, r)
			assert.Equal(t, http.StatusUnauthorized, w.Code, name)
			assert.Equal(t, types.ErrUnauthorized, errorKind(t, w), name)
		}

		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
	})

	t.Run("combined with api keys", func(t *testing.T) {
		h := Chain(subjectHandler,
			JWTAuth(jwtCfg, withKeys, zap.NewNop()),
			APIKeyAuth(withKeys, false, zap.NewNop()),
		)

		w := serve(h, bearer(signToken(t, testSecret, valid)))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "editor-7", w.Body.String())

		r := httptest.NewRequest(http.MethodGet, "/personas", nil)
		r.Header.Set(APIKeyHeader, "secret-key-1")
		assert.Equal(t, http.StatusOK, serve(h, r).Code)

		r = httptest.NewRequest(http.MethodGet, "/personas", nil)
		assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code)
	})
}

func TestOriginHosts(t *testing.T) {
	assert.Equal(t,
		[]string{"studio.example", "localhost:3000", "*.example.com"},
		originHosts([]string{"https://studio.example", "http://localhost:3000", "*.example.com"}),
	)
}

func TestMeteredIdempotency(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, zap.NewNop())
	inner := idempotency.NewMemoryManager(zap.NewNop(), time.Minute)
	defer inner.Close()
	m := &meteredIdempotency{Manager: inner, collector: collector}

	ctx := context.Background()
	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", map[string]string{"job_id": "j1"}, time.Minute))
	raw, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"job_id":"j1"}`, string(raw))

	expected := `
# HELP test_cache_hits_total Total number of cache hits
# TYPE test_cache_hits_total counter
test_cache_hits_total{cache_type="idempotency"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_cache_hits_total"))
}
