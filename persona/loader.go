package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/cinegen/types"
)

// MaxSeedImagesPerEmotion 目录种子每个情绪最多登记的图片数
const MaxSeedImagesPerEmotion = 3

var imageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// skipDirs 不是人设的目录
var skipDirs = map[string]bool{
	"chroma_db":   true,
	"__pycache__": true,
}

// metadataFile 人设目录下的 metadata.json
type metadataFile struct {
	Name          string   `json:"name"`
	Aliases       []string `json:"aliases"`
	Description   string   `json:"description"`
	ConsentStatus string   `json:"consent_status"`
}

// LoadResult 种子加载统计
type LoadResult struct {
	Personas   int `json:"personas"`
	Created    int `json:"created"`
	References int `json:"references"`
}

// LoadDir 从目录加载人设：<dir>/<persona_id>/metadata.json，参考图位于
// <persona_id>/reference_frames/<emotion>/ 或 <persona_id>/<emotion>/.
// 已存在的人设不会重复创建；参考图 ID 由内容派生，重复加载是幂等的.
func (s *Service) LoadDir(ctx context.Context, dir string) (*LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read persona dir: %w", err)
	}

	res := &LoadResult{}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || skipDirs[name] {
			continue
		}
		created, refs, err := s.loadPersona(ctx, filepath.Join(dir, name), name)
		if err != nil {
			return res, fmt.Errorf("load persona %s: %w", name, err)
		}
		res.Personas++
		res.References += refs
		if created {
			res.Created++
		}
	}

	s.logger.Info("persona directory loaded",
		zap.String("dir", dir),
		zap.Int("personas", res.Personas),
		zap.Int("created", res.Created),
		zap.Int("references", res.References))
	return res, nil
}

func (s *Service) loadPersona(ctx context.Context, root, id string) (bool, int, error) {
	meta := metadataFile{Name: id}
	raw, err := os.ReadFile(filepath.Join(root, "metadata.json"))
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &meta); err != nil {
			return false, 0, types.Validation("metadata.json: %v", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return false, 0, err
	}
	if strings.TrimSpace(meta.Name) == "" {
		meta.Name = id
	}

	created := false
	p, err := s.registry.Get(ctx, id)
	if types.KindOf(err) == types.ErrPersonaNotFound {
		aliases := meta.Aliases
		if !strings.EqualFold(meta.Name, id) {
			aliases = append(aliases, id)
		}
		p = &Persona{
			ID:            id,
			Name:          meta.Name,
			Aliases:       aliases,
			Description:   meta.Description,
			ConsentStatus: ConsentStatus(meta.ConsentStatus),
		}
		if err := s.registry.Create(ctx, p); err != nil {
			return false, 0, err
		}
		created = true
	} else if err != nil {
		return false, 0, err
	}

	framesDir := filepath.Join(root, "reference_frames")
	if st, err := os.Stat(framesDir); err != nil || !st.IsDir() {
		framesDir = root
	}

	total := 0
	for _, emotion := range Emotions {
		images, err := listImages(filepath.Join(framesDir, string(emotion)), MaxSeedImagesPerEmotion)
		if err != nil {
			return created, total, err
		}
		if len(images) == 0 {
			continue
		}

		upload := UploadRequest{PersonaID: p.ID, Emotion: emotion}
		for _, path := range images {
			data, err := os.ReadFile(path)
			if err != nil {
				return created, total, err
			}
			upload.Images = append(upload.Images, UploadImage{Filename: filepath.Base(path), Data: data})
		}
		res, err := s.Upload(ctx, upload)
		if err != nil {
			return created, total, err
		}
		total += len(res.Records)
	}
	return created, total, nil
}

// listImages 返回目录下排序后的前 limit 张图片，目录不存在时返回空
func listImages(dir string, limit int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := imageExtensions[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
