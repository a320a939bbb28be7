package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/cinegen/embedding"
	"github.com/BaSui01/cinegen/internal/idempotency"
	"github.com/BaSui01/cinegen/jobs"
	"github.com/BaSui01/cinegen/persona"
	"github.com/BaSui01/cinegen/retry"
	"github.com/BaSui01/cinegen/vectorstore"
	"github.com/BaSui01/cinegen/video"
)

const testDims = 64

// testAPI 使用内存后端组装的完整路由
type testAPI struct {
	server   *httptest.Server
	personas *persona.Service
	manager  *jobs.Manager
	client   *video.Client
	health   *HealthHandler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := zap.NewNop()

	registry := persona.NewMemoryRegistry()
	store := vectorstore.NewMemoryStore(testDims, logger)
	personas := persona.NewService(registry, store, embedding.NewHashProvider(testDims), nil, logger)
	resolver := persona.NewResolver(registry, store, logger)

	client := video.NewClient(video.ClientConfig{
		MockFallback: true,
		Retry:        &retry.Policy{MaxRetries: 0},
	}, logger)
	manager := jobs.NewManager(jobs.Config{
		Workers:      1,
		MaxAttempts:  2,
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  time.Second,
		JobTimeout:   5 * time.Second,
		IdleInterval: 10 * time.Millisecond,
	}, jobs.NewMemoryStore(), resolver, client, logger)
	t.Cleanup(func() { _ = manager.Stop(context.Background()) })

	idem := idempotency.NewMemoryManager(logger, time.Minute)
	t.Cleanup(func() { _ = idem.Close() })

	api := &testAPI{
		personas: personas,
		manager:  manager,
		client:   client,
		health:   NewHealthHandler(client, logger),
	}
	mux := http.NewServeMux()
	Routes{
		Health:     api.health,
		Personas:   NewPersonaHandler(personas, 1<<20, logger),
		Generation: NewGenerationHandler(manager, logger, WithIdempotency(idem, time.Hour)),
		Providers:  NewProviderHandler(client, personas, logger),
		Build:      BuildInfo{Version: "1.2.3", GitCommit: "abc123"},
	}.Register(mux)

	api.server = httptest.NewServer(mux)
	t.Cleanup(api.server.Close)
	return api
}

// envelope 测试用的响应解码结构
type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *ErrorInfo      `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id"`
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers ...string) (*http.Response, envelope) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			rdr = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, a.server.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return a.send(t, req)
}

func (a *testAPI) send(t *testing.T, req *http.Request) (*http.Response, envelope) {
	t.Helper()
	resp, err := a.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}
