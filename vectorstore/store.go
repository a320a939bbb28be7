package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/cinegen/types"
)

// Record 人设参考图的向量记录
type Record struct {
	ID        string    `json:"id"`
	PersonaID string    `json:"persona_id"`
	Emotion   string    `json:"emotion"`
	Vector    []float64 `json:"vector,omitempty"`
	Location  string    `json:"location,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Match 相似度搜索结果
type Match struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
}

// Filter 限定搜索范围，空字段表示不过滤
type Filter struct {
	PersonaID string
	Emotion   string
}

func (f Filter) matches(r *Record) bool {
	if f.PersonaID != "" && r.PersonaID != f.PersonaID {
		return false
	}
	if f.Emotion != "" && r.Emotion != f.Emotion {
		return false
	}
	return true
}

// Store 参考图向量存储接口
type Store interface {
	// Upsert 插入或按 ID 替换记录，替换时保留原插入顺序
	Upsert(ctx context.Context, rec Record) error

	// Query 返回某人设某情绪下最具代表性的 k 条记录（与组质心的余弦相似度降序，
	// 相同分数按插入顺序），无结果时返回空切片而非错误
	Query(ctx context.Context, personaID, emotion string, k int) ([]Record, error)

	// Search 返回与查询向量最相似的 k 条记录
	Search(ctx context.Context, vector []float64, k int, filter Filter) ([]Match, error)

	// Delete 按 ID 删除记录
	Delete(ctx context.Context, ids ...string) error

	// DeleteByPersona 删除某人设的全部记录，返回删除数量
	DeleteByPersona(ctx context.Context, personaID string) (int, error)

	// Count 统计满足过滤条件的记录数
	Count(ctx context.Context, filter Filter) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// ErrDimensionMismatch 向量维度与存储维度不一致
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// validateRecord checks the fields every backend requires.
func validateRecord(rec *Record, dims int) error {
	if strings.TrimSpace(rec.ID) == "" {
		return types.Validation("record id is required")
	}
	if strings.TrimSpace(rec.PersonaID) == "" {
		return types.Validation("record %s: persona_id is required", rec.ID)
	}
	if strings.TrimSpace(rec.Emotion) == "" {
		return types.Validation("record %s: emotion is required", rec.ID)
	}
	if len(rec.Vector) == 0 {
		return types.Validation("record %s: vector is required", rec.ID)
	}
	if dims > 0 && len(rec.Vector) != dims {
		return types.Validation("record %s: got %d dimensions, want %d", rec.ID, len(rec.Vector), dims).
			WithCause(ErrDimensionMismatch)
	}
	return nil
}

func validateQuery(vector []float64, dims int) error {
	if len(vector) == 0 {
		return types.Validation("query vector is required")
	}
	if dims > 0 && len(vector) != dims {
		return types.Validation("query vector has %d dimensions, want %d", len(vector), dims).
			WithCause(ErrDimensionMismatch)
	}
	return nil
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.StoreFailure(fmt.Sprintf("vector store: %s", op), err)
}
