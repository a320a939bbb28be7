package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/cinegen/persona"
	"github.com/BaSui01/cinegen/types"
	"github.com/BaSui01/cinegen/vectorstore"
)

// PersonaService 人设接口所需的服务能力
type PersonaService interface {
	Create(ctx context.Context, p *persona.Persona) error
	Get(ctx context.Context, id string) (*persona.Persona, error)
	List(ctx context.Context) ([]persona.Persona, error)
	Delete(ctx context.Context, id string) (int, error)
	ReferenceCounts(ctx context.Context, personaID string) (map[persona.Emotion]int, error)
	Upload(ctx context.Context, req persona.UploadRequest) (*persona.UploadResult, error)
	Search(ctx context.Context, q persona.SearchQuery) ([]vectorstore.Match, error)
}

// DefaultMaxUploadBytes multipart 上传的默认大小上限
const DefaultMaxUploadBytes = 32 << 20

// PersonaHandler 人设目录与参考图接口
type PersonaHandler struct {
	service        PersonaService
	maxUploadBytes int64
	logger         *zap.Logger
}

// NewPersonaHandler maxUploadBytes <= 0 时使用 DefaultMaxUploadBytes
func NewPersonaHandler(service PersonaService, maxUploadBytes int64, logger *zap.Logger) *PersonaHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &PersonaHandler{
		service:        service,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.With(zap.String("handler", "persona")),
	}
}

// CreatePersonaRequest POST /personas 请求体
type CreatePersonaRequest struct {
	ID            string   `json:"id,omitempty"`
	Name          string   `json:"name"`
	Aliases       []string `json:"aliases,omitempty"`
	Description   string   `json:"description,omitempty"`
	ConsentStatus string   `json:"consent_status,omitempty"`
}

// PersonaView 人设及各情绪参考图数量
type PersonaView struct {
	persona.Persona
	References      map[persona.Emotion]int `json:"references"`
	TotalReferences int                     `json:"total_references"`
}

// HandleCreate 处理 POST /personas
func (h *PersonaHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req CreatePersonaRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	p := &persona.Persona{
		ID:            strings.TrimSpace(req.ID),
		Name:          req.Name,
		Aliases:       req.Aliases,
		Description:   req.Description,
		ConsentStatus: persona.ConsentStatus(req.ConsentStatus),
	}
	if err := h.service.Create(r.Context(), p); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteData(w, http.StatusCreated, p)
}

// HandleList 处理 GET /personas
func (h *PersonaHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if list == nil {
		list = []persona.Persona{}
	}
	WriteSuccess(w, map[string]any{"personas": list, "total": len(list)})
}

// HandleGet 处理 GET /personas/{id}
func (h *PersonaHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	counts, err := h.service.ReferenceCounts(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	view := PersonaView{Persona: *p, References: counts}
	for _, n := range counts {
		view.TotalReferences += n
	}
	WriteSuccess(w, view)
}

// HandleDelete 处理 DELETE /personas/{id}，同时删除其参考图向量
func (h *PersonaHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	removed, err := h.service.Delete(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"persona_id": id, "deleted": true, "references_removed": removed})
}

// uploadBody JSON 上传格式，data 为 base64
type uploadBody struct {
	Emotion string `json:"emotion"`
	Images  []struct {
		Filename string `json:"filename,omitempty"`
		Data     []byte `json:"data,omitempty"`
		URL      string `json:"url,omitempty"`
		Caption  string `json:"caption,omitempty"`
	} `json:"images"`
}

// HandleUpload 处理 POST /personas/{id}/upload。
// 接受 multipart/form-data（emotion 字段 + 多个 images 文件，可选同序 captions 字段）
// 或 JSON（images 为 url 或 base64 data）
func (h *PersonaHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	req := persona.UploadRequest{PersonaID: r.PathValue("id")}

	var err error
	if strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "multipart/form-data") {
		err = h.readMultipart(w, r, &req)
	} else {
		if !ValidateContentType(w, r, h.logger) {
			return
		}
		var body uploadBody
		if DecodeJSONBody(w, r, &body, h.logger) != nil {
			return
		}
		req.Emotion, err = parseEmotionField(body.Emotion)
		for _, img := range body.Images {
			req.Images = append(req.Images, persona.UploadImage{
				Filename: img.Filename,
				Data:     img.Data,
				URL:      img.URL,
				Caption:  img.Caption,
			})
		}
	}
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	res, err := h.service.Upload(r.Context(), req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteData(w, http.StatusCreated, res)
}

func (h *PersonaHandler) readMultipart(w http.ResponseWriter, r *http.Request, req *persona.UploadRequest) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return types.Validation("upload exceeds %d bytes", tooLarge.Limit).
				WithHTTPStatus(http.StatusRequestEntityTooLarge)
		}
		return types.Validation("invalid multipart form").WithCause(err)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	emotion, err := parseEmotionField(r.FormValue("emotion"))
	if err != nil {
		return err
	}
	req.Emotion = emotion

	files := r.MultipartForm.File["images"]
	if len(files) > persona.MaxImagesPerUpload {
		return types.Validation("at most %d images per upload", persona.MaxImagesPerUpload)
	}
	captions := r.MultipartForm.Value["captions"]
	for i, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return types.Validation("image %d: cannot open upload", i).WithCause(err)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return types.Validation("image %d: cannot read upload", i).WithCause(err)
		}
		img := persona.UploadImage{Filename: fh.Filename, Data: data}
		if i < len(captions) {
			img.Caption = captions[i]
		}
		req.Images = append(req.Images, img)
	}
	return nil
}

func parseEmotionField(s string) (persona.Emotion, error) {
	if strings.TrimSpace(s) == "" {
		return persona.Neutral, nil
	}
	e, ok := persona.ParseEmotion(s)
	if !ok {
		return "", types.Validation("unknown emotion %q", s)
	}
	return e, nil
}

// SearchRequest POST /search/similar 请求体
type SearchRequest struct {
	Query     string `json:"query"`
	PersonaID string `json:"persona_id,omitempty"`
	Emotion   string `json:"emotion,omitempty"`
	K         int    `json:"k,omitempty"`
}

// HandleSearch 处理 POST /search/similar
func (h *PersonaHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req SearchRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	q := persona.SearchQuery{Query: req.Query, PersonaID: req.PersonaID, K: req.K}
	if req.Emotion != "" {
		e, ok := persona.ParseEmotion(req.Emotion)
		if !ok {
			WriteError(w, types.Validation("unknown emotion %q", req.Emotion), h.logger)
			return
		}
		q.Emotion = e
	}

	matches, err := h.service.Search(r.Context(), q)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if matches == nil {
		matches = []vectorstore.Match{}
	}
	WriteSuccess(w, map[string]any{"query": req.Query, "results": matches, "total": len(matches)})
}
