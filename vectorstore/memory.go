package vectorstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore 内存向量存储（用于测试和单进程部署）
type MemoryStore struct {
	records []Record
	index   map[string]int
	seq     int64
	dims    int
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewMemoryStore 创建内存向量存储，dims 为 0 时以第一条记录的维度为准
func NewMemoryStore(dims int, logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		records: make([]Record, 0),
		index:   make(map[string]int),
		dims:    dims,
		logger:  logger.With(zap.String("component", "memory_vector_store")),
	}
}

// Upsert 插入或替换记录
func (s *MemoryStore) Upsert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateRecord(&rec, s.dims); err != nil {
		return err
	}
	if s.dims == 0 {
		s.dims = len(rec.Vector)
	}
	rec.Vector = append([]float64(nil), rec.Vector...)

	if pos, ok := s.index[rec.ID]; ok {
		prev := s.records[pos]
		rec.Seq = prev.Seq
		rec.CreatedAt = prev.CreatedAt
		s.records[pos] = rec
		s.logger.Debug("record replaced", zap.String("id", rec.ID))
		return nil
	}

	s.seq++
	rec.Seq = s.seq
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.index[rec.ID] = len(s.records)
	s.records = append(s.records, rec)

	s.logger.Debug("record added",
		zap.String("id", rec.ID),
		zap.String("persona_id", rec.PersonaID),
		zap.String("emotion", rec.Emotion),
		zap.Int("total", len(s.records)))
	return nil
}

// Query 返回某人设某情绪下最具代表性的 k 条记录
func (s *MemoryStore) Query(ctx context.Context, personaID, emotion string, k int) ([]Record, error) {
	group := s.collect(Filter{PersonaID: personaID, Emotion: emotion})
	return rankByCentroid(group, k), nil
}

// Search 返回与查询向量最相似的 k 条记录
func (s *MemoryStore) Search(ctx context.Context, vector []float64, k int, filter Filter) ([]Match, error) {
	s.mu.RLock()
	dims := s.dims
	s.mu.RUnlock()
	if err := validateQuery(vector, dims); err != nil {
		return nil, err
	}
	return rankByQuery(s.collect(filter), vector, k), nil
}

func (s *MemoryStore) collect(filter Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0)
	for i := range s.records {
		if filter.matches(&s.records[i]) {
			out = append(out, s.records[i])
		}
	}
	return out
}

// Delete 按 ID 删除记录
func (s *MemoryStore) Delete(ctx context.Context, ids ...string) error {
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	s.removeWhere(func(r *Record) bool {
		_, ok := idSet[r.ID]
		return ok
	})
	return nil
}

// DeleteByPersona 删除某人设的全部记录
func (s *MemoryStore) DeleteByPersona(ctx context.Context, personaID string) (int, error) {
	return s.removeWhere(func(r *Record) bool { return r.PersonaID == personaID }), nil
}

func (s *MemoryStore) removeWhere(drop func(*Record) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]Record, 0, len(s.records))
	for i := range s.records {
		if !drop(&s.records[i]) {
			kept = append(kept, s.records[i])
		}
	}
	deleted := len(s.records) - len(kept)
	s.records = kept
	s.index = make(map[string]int, len(kept))
	for i := range kept {
		s.index[kept[i].ID] = i
	}

	if deleted > 0 {
		s.logger.Debug("records deleted",
			zap.Int("deleted", deleted),
			zap.Int("remaining", len(s.records)))
	}
	return deleted
}

// Count 统计记录数
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int, error) {
	return len(s.collect(filter)), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
