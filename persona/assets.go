package persona

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AssetStore 保存上传的参考图字节，返回可供提供者读取的位置
type AssetStore interface {
	Put(ctx context.Context, personaID string, emotion Emotion, filename string, data []byte) (string, error)
}

// LocalAssetStore 把参考图写入本地目录 <root>/<persona_id>/<emotion>/
type LocalAssetStore struct {
	root string
}

// NewLocalAssetStore 创建本地参考图存储
func NewLocalAssetStore(root string) *LocalAssetStore {
	return &LocalAssetStore{root: root}
}

func (s *LocalAssetStore) Put(ctx context.Context, personaID string, emotion Emotion, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, safeSegment(personaID), safeSegment(string(emotion)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create asset dir: %w", err)
	}

	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:8]) + strings.ToLower(filepath.Ext(filename))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write asset: %w", err)
	}
	return "file://" + filepath.ToSlash(path), nil
}

// safeSegment 去掉路径分隔符，防止目录穿越
func safeSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// digestLocation 在未配置 AssetStore 时用内容摘要作为位置
func digestLocation(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256://" + hex.EncodeToString(sum[:])
}
