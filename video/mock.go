package video

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/cinegen/types"
)

// MockName 本地确定性服务商的名称
const MockName = "mock"

// MockProvider 不调用任何外部服务。相同的归一化请求总是得到相同的资源位置
type MockProvider struct {
	cfg MockConfig

	mu  sync.Mutex
	ops map[string]*mockOperation
}

type mockOperation struct {
	result *Result
	polls  int
}

// NewMockProvider 创建 mock 服务商.
func NewMockProvider(cfg MockConfig) *MockProvider {
	if cfg.PendingPolls < 0 {
		cfg.PendingPolls = 0
	}
	return &MockProvider{cfg: cfg, ops: make(map[string]*mockOperation)}
}

func (p *MockProvider) Name() string { return MockName }

func (p *MockProvider) IsConfigured() bool { return true }

func (p *MockProvider) Capabilities() Capabilities {
	return Capabilities{MaxDurationSeconds: 60, Async: p.cfg.Async}
}

func (p *MockProvider) Generate(ctx context.Context, req *Request) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	digest := MockDigest(req)
	result := &Result{
		AssetLocation:   "mock://videos/" + digest + ".mp4",
		Provider:        MockName,
		Model:           "mock-v1",
		DurationSeconds: req.DurationSeconds,
		Metadata:        map[string]string{"digest": digest},
		CreatedAt:       time.Now().UTC(),
	}

	if !p.cfg.Async {
		return &Submission{Result: result}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	opID := fmt.Sprintf("mock-op-%s-%d", digest[:12], len(p.ops)+1)
	result.OperationID = opID
	p.ops[opID] = &mockOperation{result: result}
	return &Submission{OperationID: opID}, nil
}

func (p *MockProvider) GetStatus(ctx context.Context, operationID string) (*OperationStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	op, ok := p.ops[operationID]
	if !ok {
		return nil, types.Errorf(types.ErrProviderPermanent, "mock operation %q not found", operationID).WithProvider(MockName)
	}
	if op.polls < p.cfg.PendingPolls {
		op.polls++
		return &OperationStatus{State: OperationPending, Progress: op.polls * 100 / (p.cfg.PendingPolls + 1)}, nil
	}
	res := *op.result
	return &OperationStatus{State: OperationSucceeded, Progress: 100, Result: &res}, nil
}

// MockDigest 对归一化请求做 SHA-256：提示词小写并折叠空白，参考图按 ID 排序
func MockDigest(req *Request) string {
	refs := make([]string, 0, len(req.References))
	for _, r := range req.References {
		refs = append(refs, r.ID)
	}
	sort.Strings(refs)

	h := sha256.New()
	fmt.Fprintf(h, "prompt=%s\n", normalizeText(req.Prompt))
	fmt.Fprintf(h, "negative=%s\n", normalizeText(req.NegativePrompt))
	fmt.Fprintf(h, "refs=%s\n", strings.Join(refs, ","))
	fmt.Fprintf(h, "duration=%d\naspect=%s\nquality=%s\nseed=%d\n",
		req.DurationSeconds, req.AspectRatio, req.Quality, req.Seed)
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
