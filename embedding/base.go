package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/cinegen/internal/tlsutil"
	"github.com/BaSui01/cinegen/types"
)

// BaseProvider 为 HTTP 嵌入提供者提供公共功能.
type BaseProvider struct {
	name       string
	client     *http.Client
	baseURL    string
	model      string
	dimensions int
}

// BaseConfig 持有基础提供者的公共配置.
type BaseConfig struct {
	Name       string
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// NewBaseProvider 创建基础提供者.
func NewBaseProvider(cfg BaseConfig) *BaseProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &BaseProvider{
		name:       cfg.Name,
		client:     tlsutil.SecureHTTPClient(timeout),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}
}

func (p *BaseProvider) Name() string    { return p.name }
func (p *BaseProvider) Dimensions() int { return p.dimensions }

// EmbedQuery 嵌入单个查询字符串.
func (p *BaseProvider) EmbedQuery(ctx context.Context, query string, embedFn func(context.Context, *Request) (*Response, error)) ([]float64, error) {
	resp, err := embedFn(ctx, &Request{Input: []string{query}})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, types.ProviderMalformed(p.name, fmt.Errorf("no embeddings returned"))
	}
	return resp.Embeddings[0], nil
}

// EmbedDocuments 嵌入多个文档.
func (p *BaseProvider) EmbedDocuments(ctx context.Context, documents []string, embedFn func(context.Context, *Request) (*Response, error)) ([][]float64, error) {
	resp, err := embedFn(ctx, &Request{Input: documents})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(documents) {
		return nil, types.ProviderMalformed(p.name,
			fmt.Errorf("got %d embeddings for %d documents", len(resp.Embeddings), len(documents)))
	}
	return resp.Embeddings, nil
}

// DoRequest 执行 HTTP 请求，并把上游错误归一化为 types.Error.
func (p *BaseProvider) DoRequest(ctx context.Context, method, endpoint string, body any, headers map[string]string) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, types.ProviderNetworkError(p.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.ProviderNetworkError(p.name, err)
	}

	if resp.StatusCode >= 400 {
		return nil, types.ProviderHTTPError(p.name, resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// ChooseModel 从请求或默认值中选择模型.
func ChooseModel(reqModel, defaultModel, fallback string) string {
	if reqModel != "" {
		return reqModel
	}
	if defaultModel != "" {
		return defaultModel
	}
	return fallback
}
