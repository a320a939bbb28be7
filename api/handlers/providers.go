package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/cinegen/persona"
	"github.com/BaSui01/cinegen/video"
)

// ScriptValidator 服务商列表与脚本试运行校验
type ScriptValidator interface {
	ProviderLister
	ValidateScript(script video.Script) *video.ScriptValidation
}

// ReferenceCounter 统计人设的参考图数量
type ReferenceCounter interface {
	ReferenceCounts(ctx context.Context, personaID string) (map[persona.Emotion]int, error)
}

// ProviderHandler 服务商状态与脚本校验接口
type ProviderHandler struct {
	client     ScriptValidator
	references ReferenceCounter
	logger     *zap.Logger
}

// NewProviderHandler references 为 nil 时脚本校验按无参考图处理
func NewProviderHandler(client ScriptValidator, references ReferenceCounter, logger *zap.Logger) *ProviderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderHandler{
		client:     client,
		references: references,
		logger:     logger.With(zap.String("handler", "provider")),
	}
}

// HandleProviders 处理 GET /providers
func (h *ProviderHandler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	providers := h.client.Providers()
	available := 0
	for _, p := range providers {
		if p.Available {
			available++
		}
	}
	WriteSuccess(w, map[string]any{"providers": providers, "available": available})
}

// HandleValidateScript 处理 POST /validate/script：只校验，不入队
func (h *ProviderHandler) HandleValidateScript(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var script video.Script
	if err := DecodeJSONBody(w, r, &script, h.logger); err != nil {
		return
	}

	var missing []string
	if h.references != nil {
		for _, id := range script.PersonaIDs {
			counts, err := h.references.ReferenceCounts(r.Context(), id)
			if err != nil {
				WriteError(w, err, h.logger)
				return
			}
			total := 0
			for _, n := range counts {
				total += n
			}
			if total == 0 {
				missing = append(missing, id)
				continue
			}
			script.HasReferences = true
		}
	}

	result := h.client.ValidateScript(script)
	for _, id := range missing {
		result.Warnings = append(result.Warnings, "persona "+id+" has no registered references")
	}
	WriteSuccess(w, result)
}
