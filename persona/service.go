package persona

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/cinegen/embedding"
	"github.com/BaSui01/cinegen/types"
	"github.com/BaSui01/cinegen/vectorstore"
)

// MaxImagesPerUpload 单次上传的最大图片数
const MaxImagesPerUpload = 20

// referenceNamespace 用于派生稳定的参考图 ID
var referenceNamespace = uuid.MustParse("9a4e2c1d-7b3f-4e8a-a6d2-1f0c5b7e3d94")

// Service 人设目录与参考图管理
type Service struct {
	registry Registry
	store    vectorstore.Store
	embedder embedding.Provider
	assets   AssetStore
	logger   *zap.Logger
}

// NewService 创建人设服务。assets 为 nil 时上传的图片以摘要位置登记
func NewService(registry Registry, store vectorstore.Store, embedder embedding.Provider, assets AssetStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: registry,
		store:    store,
		embedder: embedder,
		assets:   assets,
		logger:   logger.With(zap.String("component", "persona_service")),
	}
}

// Registry 返回底层目录
func (s *Service) Registry() Registry { return s.registry }

// Create 登记新人设
func (s *Service) Create(ctx context.Context, p *Persona) error {
	if err := s.registry.Create(ctx, p); err != nil {
		return err
	}
	s.logger.Info("persona created", zap.String("persona_id", p.ID), zap.String("name", p.Name))
	return nil
}

// Get 返回人设
func (s *Service) Get(ctx context.Context, id string) (*Persona, error) {
	return s.registry.Get(ctx, id)
}

// List 按目录顺序返回人设
func (s *Service) List(ctx context.Context) ([]Persona, error) {
	return s.registry.List(ctx)
}

// ReferenceCounts 返回每个情绪的参考图数量
func (s *Service) ReferenceCounts(ctx context.Context, personaID string) (map[Emotion]int, error) {
	counts := make(map[Emotion]int, len(Emotions))
	for _, e := range Emotions {
		n, err := s.store.Count(ctx, vectorstore.Filter{PersonaID: personaID, Emotion: string(e)})
		if err != nil {
			return nil, err
		}
		counts[e] = n
	}
	return counts, nil
}

// Delete 删除人设及其全部参考图向量，返回删除的向量数
func (s *Service) Delete(ctx context.Context, id string) (int, error) {
	if _, err := s.registry.Get(ctx, id); err != nil {
		return 0, err
	}
	removed, err := s.store.DeleteByPersona(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := s.registry.Delete(ctx, id); err != nil {
		return removed, err
	}
	s.logger.Info("persona deleted", zap.String("persona_id", id), zap.Int("references_removed", removed))
	return removed, nil
}

// DefaultSearchLimit Search 未指定 k 时返回的结果数
const DefaultSearchLimit = 5

// MaxSearchLimit Search 单次最多返回的结果数
const MaxSearchLimit = 50

// SearchQuery 参考图相似度搜索
type SearchQuery struct {
	Query     string
	PersonaID string
	Emotion   Emotion
	K         int
}

// Search 把查询文本编码为向量后在参考图中做相似度搜索
func (s *Service) Search(ctx context.Context, q SearchQuery) ([]vectorstore.Match, error) {
	text := strings.TrimSpace(q.Query)
	if text == "" {
		return nil, types.Validation("query is required")
	}
	if q.Emotion != "" && !q.Emotion.Valid() {
		return nil, types.Validation("unknown emotion %q", q.Emotion)
	}
	k := q.K
	switch {
	case k <= 0:
		k = DefaultSearchLimit
	case k > MaxSearchLimit:
		k = MaxSearchLimit
	}
	vec, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	matches, err := s.store.Search(ctx, vec, k, vectorstore.Filter{PersonaID: q.PersonaID, Emotion: string(q.Emotion)})
	if err != nil {
		return nil, err
	}
	for i := range matches {
		matches[i].Record.Vector = nil
	}
	return matches, nil
}

// UploadImage 一张待登记的参考图：Data 与 URL 二选一
type UploadImage struct {
	Filename string
	Data     []byte
	URL      string
	Caption  string
}

// UploadRequest 为某人设某情绪上传参考图
type UploadRequest struct {
	PersonaID string
	Emotion   Emotion
	Images    []UploadImage
}

// UploadResult 上传结果
type UploadResult struct {
	PersonaID string               `json:"persona_id"`
	Emotion   Emotion              `json:"emotion"`
	Records   []vectorstore.Record `json:"records"`
}

// Upload 保存参考图、计算向量并写入向量存储
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if !req.Emotion.Valid() {
		return nil, types.Validation("unknown emotion %q", req.Emotion)
	}
	if len(req.Images) == 0 {
		return nil, types.Validation("at least one image is required")
	}
	if len(req.Images) > MaxImagesPerUpload {
		return nil, types.Validation("at most %d images per upload", MaxImagesPerUpload)
	}
	p, err := s.registry.Get(ctx, req.PersonaID)
	if err != nil {
		return nil, err
	}

	records := make([]vectorstore.Record, len(req.Images))
	descriptors := make([]string, len(req.Images))
	for i, img := range req.Images {
		rec, desc, err := s.prepareImage(ctx, p, req.Emotion, i, img)
		if err != nil {
			return nil, err
		}
		records[i] = rec
		descriptors[i] = desc
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, descriptors)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Vector = vectors[i]
		if err := s.store.Upsert(ctx, records[i]); err != nil {
			return nil, err
		}
		records[i].Vector = nil
	}

	s.logger.Info("references uploaded",
		zap.String("persona_id", p.ID),
		zap.String("emotion", string(req.Emotion)),
		zap.Int("count", len(records)))
	return &UploadResult{PersonaID: p.ID, Emotion: req.Emotion, Records: records}, nil
}

func (s *Service) prepareImage(ctx context.Context, p *Persona, emotion Emotion, i int, img UploadImage) (vectorstore.Record, string, error) {
	hasData, hasURL := len(img.Data) > 0, strings.TrimSpace(img.URL) != ""
	if hasData == hasURL {
		return vectorstore.Record{}, "", types.Validation("image %d: exactly one of data or url is required", i)
	}

	var location, digest, filename string
	if hasURL {
		u, err := url.Parse(strings.TrimSpace(img.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return vectorstore.Record{}, "", types.Validation("image %d: url must be http(s)", i)
		}
		location = u.String()
		sum := sha256.Sum256([]byte(location))
		digest = hex.EncodeToString(sum[:])
		filename = path.Base(u.Path)
	} else {
		sum := sha256.Sum256(img.Data)
		digest = hex.EncodeToString(sum[:])
		filename = img.Filename
		if s.assets != nil {
			loc, err := s.assets.Put(ctx, p.ID, emotion, img.Filename, img.Data)
			if err != nil {
				return vectorstore.Record{}, "", types.StoreFailure("save reference image", err)
			}
			location = loc
		} else {
			location = digestLocation(img.Data)
		}
	}

	rec := vectorstore.Record{
		ID:        referenceID(p.ID, emotion, digest),
		PersonaID: p.ID,
		Emotion:   string(emotion),
		Location:  location,
		Caption:   img.Caption,
	}
	return rec, describe(p, emotion, filename, img.Caption, digest), nil
}

// referenceID 同一人设同一情绪下相同内容得到相同 ID，重复上传即替换
func referenceID(personaID string, emotion Emotion, digest string) string {
	return uuid.NewSHA1(referenceNamespace, []byte(personaID+"/"+string(emotion)+"/"+digest)).String()
}

// describe 生成参考图的嵌入输入文本
func describe(p *Persona, emotion Emotion, filename, caption, digest string) string {
	stem := strings.TrimSuffix(filename, path.Ext(filename))
	return fmt.Sprintf("%s %s %s %s %s %s", p.Name, emotion, emotion.Label(), stem, caption, digest[:16])
}
