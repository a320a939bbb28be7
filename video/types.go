package video

import (
	"context"
	"time"

	"github.com/BaSui01/cinegen/types"
)

// 请求默认值
const (
	DefaultQuality         = "hd"
	DefaultDurationSeconds = 30
	DefaultAspectRatio     = "16:9"
)

// Reference 传给服务商的人设参考图
type Reference struct {
	ID       string `json:"id"`
	Location string `json:"location"`
	MimeType string `json:"mime_type,omitempty"`
}

// Request 归一化后的视频生成请求
type Request struct {
	Prompt          string            `json:"prompt"`
	NegativePrompt  string            `json:"negative_prompt,omitempty"`
	References      []Reference       `json:"references,omitempty"`
	DurationSeconds int               `json:"duration_seconds"`
	AspectRatio     string            `json:"aspect_ratio"`
	Quality         string            `json:"quality"`
	Seed            int64             `json:"seed,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Normalize 补全默认值
func (r *Request) Normalize() {
	if r.DurationSeconds <= 0 {
		r.DurationSeconds = DefaultDurationSeconds
	}
	if r.AspectRatio == "" {
		r.AspectRatio = DefaultAspectRatio
	}
	if r.Quality == "" {
		r.Quality = DefaultQuality
	}
}

// Validate 校验请求
func (r *Request) Validate() error {
	if len(r.Prompt) == 0 {
		return types.Validation("prompt is required")
	}
	switch r.AspectRatio {
	case "", "16:9", "9:16", "1:1":
	default:
		return types.Validation("unsupported aspect_ratio %q", r.AspectRatio)
	}
	return nil
}

// Result 生成结果
type Result struct {
	AssetLocation   string            `json:"asset_location"`
	Provider        string            `json:"provider_name"`
	Model           string            `json:"model,omitempty"`
	DurationSeconds int               `json:"duration_seconds"`
	OperationID     string            `json:"provider_operation_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Submission 提交结果：同步服务商返回 Result，异步服务商返回 OperationID
type Submission struct {
	Result      *Result
	OperationID string
}

// OperationState 异步操作状态
type OperationState string

const (
	OperationPending   OperationState = "pending"
	OperationSucceeded OperationState = "succeeded"
	OperationFailed    OperationState = "failed"
)

// OperationStatus 异步操作查询结果
type OperationStatus struct {
	State    OperationState `json:"state"`
	Progress int            `json:"progress,omitempty"`
	Result   *Result        `json:"result,omitempty"`
	// Error 仅在 State 为 failed 时非空
	Error *types.Error `json:"error,omitempty"`
}

// Capabilities 服务商能力
type Capabilities struct {
	RequiresReferenceImage bool    `json:"requires_reference_image"`
	MaxDurationSeconds     int     `json:"max_duration_seconds"`
	Async                  bool    `json:"async"`
	CostPerSecond          float64 `json:"cost_per_second"`
}

// Adapter 视频生成服务商的统一契约
type Adapter interface {
	Name() string
	IsConfigured() bool
	Capabilities() Capabilities
	Generate(ctx context.Context, req *Request) (*Submission, error)
	GetStatus(ctx context.Context, operationID string) (*OperationStatus, error)
}

func clampDuration(d, lo, hi int) int {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
