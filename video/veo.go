package video

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BaSui01/cinegen/internal/tlsutil"
	"github.com/BaSui01/cinegen/types"
)

const (
	veoName        = "veo"
	veoMaxDuration = 8
	veoMinDuration = 4
	veoCostPerSec  = 0.10
)

// VeoProvider 使用 Google Veo 生成视频。生成是异步的，返回长时操作名
type VeoProvider struct {
	cfg    VeoConfig
	client *http.Client
}

// NewVeoProvider 创建 Veo 服务商.
func NewVeoProvider(cfg VeoConfig) *VeoProvider {
	def := DefaultVeoConfig()
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
	return &VeoProvider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
	}
}

func (p *VeoProvider) Name() string { return veoName }

func (p *VeoProvider) IsConfigured() bool { return p.cfg.APIKey != "" }

func (p *VeoProvider) Capabilities() Capabilities {
	return Capabilities{
		MaxDurationSeconds: veoMaxDuration,
		Async:              true,
		CostPerSecond:      veoCostPerSec,
	}
}

type veoRequest struct {
	Instances  []veoInstance `json:"instances"`
	Parameters veoParams     `json:"parameters,omitempty"`
}

type veoImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded,omitempty"`
	GcsURI             string `json:"gcsUri,omitempty"`
	MimeType           string `json:"mimeType,omitempty"`
}

type veoInstance struct {
	Prompt string    `json:"prompt"`
	Image  *veoImage `json:"image,omitempty"`
}

type veoParams struct {
	AspectRatio      string `json:"aspectRatio,omitempty"`
	NegativePrompt   string `json:"negativePrompt,omitempty"`
	PersonGeneration string `json:"personGeneration,omitempty"`
	DurationSeconds  int    `json:"durationSeconds,omitempty"`
	Seed             int64  `json:"seed,omitempty"`
	EnhancePrompt    bool   `json:"enhancePrompt,omitempty"`
}

type veoOperation struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Response struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
		Predictions []struct {
			Video string `json:"video"`
		} `json:"predictions"`
	} `json:"response"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate 提交生成请求，返回操作名作为 OperationID
func (p *VeoProvider) Generate(ctx context.Context, req *Request) (*Submission, error) {
	if !p.IsConfigured() {
		return nil, types.NewError(types.ErrProviderPermanent, "veo is not configured").WithProvider(veoName)
	}

	instance := veoInstance{Prompt: req.Prompt}
	if len(req.References) > 0 {
		img, err := p.referenceImage(ctx, req.References[0])
		if err != nil {
			return nil, types.NewError(types.ErrProviderPermanent, "veo reference image unavailable").
				WithCause(err).WithProvider(veoName)
		}
		instance.Image = img
	}

	body := veoRequest{
		Instances: []veoInstance{instance},
		Parameters: veoParams{
			AspectRatio:      req.AspectRatio,
			NegativePrompt:   req.NegativePrompt,
			PersonGeneration: p.cfg.PersonGeneration,
			DurationSeconds:  clampDuration(req.DurationSeconds, veoMinDuration, veoMaxDuration),
			Seed:             req.Seed,
			EnhancePrompt:    true,
		},
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateVideos?key=%s",
		p.cfg.BaseURL, p.cfg.Model, url.QueryEscape(p.cfg.APIKey))

	var op veoOperation
	if err := doJSON(ctx, p.client, veoName, http.MethodPost, endpoint, nil, body, &op); err != nil {
		return nil, err
	}
	if op.Name == "" {
		return nil, types.ProviderMalformed(veoName, fmt.Errorf("operation name missing"))
	}
	return &Submission{OperationID: op.Name}, nil
}

// GetStatus 查询长时操作
func (p *VeoProvider) GetStatus(ctx context.Context, operationID string) (*OperationStatus, error) {
	endpoint := fmt.Sprintf("%s/%s?key=%s",
		p.cfg.BaseURL, strings.TrimLeft(operationID, "/"), url.QueryEscape(p.cfg.APIKey))

	var op veoOperation
	if err := doJSON(ctx, p.client, veoName, http.MethodGet, endpoint, nil, nil, &op); err != nil {
		return nil, err
	}

	if op.Error != nil {
		return &OperationStatus{State: OperationFailed, Error: veoOperationError(op.Error.Code, op.Error.Message)}, nil
	}
	if !op.Done {
		return &OperationStatus{State: OperationPending}, nil
	}

	location := ""
	if samples := op.Response.GenerateVideoResponse.GeneratedSamples; len(samples) > 0 {
		location = samples[0].Video.URI
	} else if preds := op.Response.Predictions; len(preds) > 0 {
		location = preds[0].Video
	}
	if location == "" {
		return &OperationStatus{
			State: OperationFailed,
			Error: types.NewError(types.ErrProviderPermanent, "veo operation finished without a video").WithProvider(veoName),
		}, nil
	}

	return &OperationStatus{
		State: OperationSucceeded,
		Result: &Result{
			AssetLocation: location,
			Provider:      veoName,
			Model:         p.cfg.Model,
			OperationID:   operationID,
			CreatedAt:     time.Now().UTC(),
		},
	}, nil
}

func (p *VeoProvider) referenceImage(ctx context.Context, ref Reference) (*veoImage, error) {
	if strings.HasPrefix(ref.Location, "gs://") {
		return &veoImage{GcsURI: ref.Location, MimeType: ref.MimeType}, nil
	}
	data, mimeType, err := loadReference(ctx, p.client, ref)
	if err != nil {
		return nil, err
	}
	return &veoImage{
		BytesBase64Encoded: base64.StdEncoding.EncodeToString(data),
		MimeType:           mimeType,
	}, nil
}

// veoOperationError 把 google.rpc 状态码映射到错误类别。
// 4 DEADLINE_EXCEEDED, 8 RESOURCE_EXHAUSTED, 14 UNAVAILABLE 视为暂时性
func veoOperationError(code int, message string) *types.Error {
	kind := types.ErrProviderPermanent
	switch code {
	case 4, 8, 14:
		kind = types.ErrProviderTransient
	}
	return types.Errorf(kind, "veo operation failed (code %d): %s", code, message).WithProvider(veoName)
}
