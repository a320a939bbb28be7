package video

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BaSui01/cinegen/internal/tlsutil"
	"github.com/BaSui01/cinegen/types"
)

const (
	runwayName        = "runway"
	runwayAPIVersion  = "2024-11-06"
	runwayMinDuration = 2
	runwayMaxDuration = 10
	runwayCostPerSec  = 0.05
)

// RunwayProvider 使用 Runway 的 image_to_video 任务生成视频，必须提供参考图
type RunwayProvider struct {
	cfg    RunwayConfig
	client *http.Client
}

// NewRunwayProvider 创建 Runway 服务商.
func NewRunwayProvider(cfg RunwayConfig) *RunwayProvider {
	def := DefaultRunwayConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &RunwayProvider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
	}
}

func (p *RunwayProvider) Name() string { return runwayName }

func (p *RunwayProvider) IsConfigured() bool { return p.cfg.APIKey != "" }

func (p *RunwayProvider) Capabilities() Capabilities {
	return Capabilities{
		RequiresReferenceImage: true,
		MaxDurationSeconds:     runwayMaxDuration,
		Async:                  true,
		CostPerSecond:          runwayCostPerSec,
	}
}

type runwayRequest struct {
	PromptImage string `json:"promptImage"`
	PromptText  string `json:"promptText,omitempty"`
	Model       string `json:"model"`
	Duration    int    `json:"duration,omitempty"`
	Ratio       string `json:"ratio,omitempty"`
	Seed        int64  `json:"seed,omitempty"`
}

type runwayTask struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Output   []string `json:"output"`
	Failure  string   `json:"failure,omitempty"`
	Code     string   `json:"failureCode,omitempty"`
	Progress float64  `json:"progress,omitempty"`
}

func (p *RunwayProvider) headers() map[string]string {
	return map[string]string{
		"Authorization":    "Bearer " + p.cfg.APIKey,
		"X-Runway-Version": runwayAPIVersion,
	}
}

// Generate 创建 image_to_video 任务，任务 ID 作为 OperationID
func (p *RunwayProvider) Generate(ctx context.Context, req *Request) (*Submission, error) {
	if !p.IsConfigured() {
		return nil, types.NewError(types.ErrProviderPermanent, "runway is not configured").WithProvider(runwayName)
	}
	if len(req.References) == 0 {
		return nil, types.NewError(types.ErrProviderPermanent, "runway requires a reference image").WithProvider(runwayName)
	}

	image, err := p.promptImage(ctx, req.References[0])
	if err != nil {
		return nil, types.NewError(types.ErrProviderPermanent, "runway reference image unavailable").
			WithCause(err).WithProvider(runwayName)
	}

	body := runwayRequest{
		PromptImage: image,
		PromptText:  req.Prompt,
		Model:       p.cfg.Model,
		Duration:    clampDuration(req.DurationSeconds, runwayMinDuration, runwayMaxDuration),
		Ratio:       runwayRatio(req.AspectRatio),
		Seed:        req.Seed,
	}

	var task runwayTask
	if err := doJSON(ctx, p.client, runwayName, http.MethodPost, p.cfg.BaseURL+"/v1/image_to_video", p.headers(), body, &task); err != nil {
		return nil, err
	}
	if task.ID == "" {
		return nil, types.ProviderMalformed(runwayName, fmt.Errorf("task id missing"))
	}
	return &Submission{OperationID: task.ID}, nil
}

// GetStatus 查询任务状态
func (p *RunwayProvider) GetStatus(ctx context.Context, operationID string) (*OperationStatus, error) {
	endpoint := p.cfg.BaseURL + "/v1/tasks/" + url.PathEscape(operationID)

	var task runwayTask
	if err := doJSON(ctx, p.client, runwayName, http.MethodGet, endpoint, p.headers(), nil, &task); err != nil {
		return nil, err
	}

	switch task.Status {
	case "SUCCEEDED":
		if len(task.Output) == 0 {
			return &OperationStatus{
				State: OperationFailed,
				Error: types.NewError(types.ErrProviderPermanent, "runway task succeeded without output").WithProvider(runwayName),
			}, nil
		}
		return &OperationStatus{
			State:    OperationSucceeded,
			Progress: 100,
			Result: &Result{
				AssetLocation: task.Output[0],
				Provider:      runwayName,
				Model:         p.cfg.Model,
				OperationID:   operationID,
				CreatedAt:     time.Now().UTC(),
			},
		}, nil
	case "FAILED", "CANCELLED":
		msg := task.Failure
		if msg == "" {
			msg = "task " + strings.ToLower(task.Status)
		}
		return &OperationStatus{
			State: OperationFailed,
			Error: types.NewError(types.ErrProviderPermanent, "runway: "+msg).WithProvider(runwayName),
		}, nil
	case "PENDING", "RUNNING", "THROTTLED":
		return &OperationStatus{State: OperationPending, Progress: int(task.Progress * 100)}, nil
	default:
		return nil, types.ProviderMalformed(runwayName, fmt.Errorf("unknown task status %q", task.Status))
	}
}

func (p *RunwayProvider) promptImage(ctx context.Context, ref Reference) (string, error) {
	if strings.HasPrefix(ref.Location, "https://") {
		return ref.Location, nil
	}
	data, mimeType, err := loadReference(ctx, p.client, ref)
	if err != nil {
		return "", err
	}
	return dataURI(data, mimeType), nil
}

func runwayRatio(aspect string) string {
	switch aspect {
	case "9:16":
		return "720:1280"
	case "1:1":
		return "960:960"
	default:
		return "1280:720"
	}
}
