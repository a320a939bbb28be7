package vectorstore

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxSeqRetries 并发 Upsert 争用同一 seq 时的重试上限
const maxSeqRetries = 5

// embeddingRow is the relational shape of a Record. The vector is stored as
// JSON so the same table works on postgres, mysql and sqlite.
type embeddingRow struct {
	ID        string    `gorm:"primaryKey;size:64"`
	PersonaID string    `gorm:"size:64;not null;index:idx_reference_embeddings_persona_emotion,priority:1"`
	Emotion   string    `gorm:"size:32;not null;index:idx_reference_embeddings_persona_emotion,priority:2"`
	Vector    []float64 `gorm:"serializer:json;not null"`
	Location  string    `gorm:"size:1024"`
	Caption   string    `gorm:"size:1024"`
	Seq       int64     `gorm:"not null;uniqueIndex:uq_reference_embeddings_seq"`
	CreatedAt time.Time
}

func (embeddingRow) TableName() string { return "reference_embeddings" }

func (r *embeddingRow) toRecord() Record {
	return Record{
		ID:        r.ID,
		PersonaID: r.PersonaID,
		Emotion:   r.Emotion,
		Vector:    r.Vector,
		Location:  r.Location,
		Caption:   r.Caption,
		Seq:       r.Seq,
		CreatedAt: r.CreatedAt,
	}
}

// AutoMigrate creates or updates the reference_embeddings table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&embeddingRow{})
}

// GormStore keeps reference embeddings in a relational database and ranks
// them in-process.
type GormStore struct {
	db     *gorm.DB
	dims   int
	logger *zap.Logger
}

// NewGormStore creates a database-backed store. The table must already exist
// (see AutoMigrate or the embedded SQL migrations).
func NewGormStore(db *gorm.DB, dims int, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:     db,
		dims:   dims,
		logger: logger.With(zap.String("component", "gorm_vector_store")),
	}
}

func (s *GormStore) Upsert(ctx context.Context, rec Record) error {
	if err := validateRecord(&rec, s.dims); err != nil {
		return err
	}

	// seq 由 MAX(seq)+1 分配，并发插入撞上唯一索引时重试
	var err error
	for attempt := 0; attempt < maxSeqRetries; attempt++ {
		err = s.upsertOnce(ctx, rec)
		if err == nil || !isDuplicateKey(s.db, err) {
			break
		}
		s.logger.Debug("seq conflict, retrying upsert", zap.String("id", rec.ID), zap.Int("attempt", attempt+1))
	}
	if err != nil {
		return storeErr("upsert", err)
	}

	s.logger.Debug("record upserted",
		zap.String("id", rec.ID),
		zap.String("persona_id", rec.PersonaID),
		zap.String("emotion", rec.Emotion))
	return nil
}

func (s *GormStore) upsertOnce(ctx context.Context, rec Record) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing embeddingRow
		err := tx.Where("id = ?", rec.ID).Take(&existing).Error
		switch {
		case err == nil:
			return tx.Model(&existing).
				Select("persona_id", "emotion", "vector", "location", "caption").
				Updates(&embeddingRow{
					PersonaID: rec.PersonaID,
					Emotion:   rec.Emotion,
					Vector:    rec.Vector,
					Location:  rec.Location,
					Caption:   rec.Caption,
				}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			var maxSeq int64
			if err := tx.Model(&embeddingRow{}).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
				return err
			}
			createdAt := rec.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			return tx.Create(&embeddingRow{
				ID:        rec.ID,
				PersonaID: rec.PersonaID,
				Emotion:   rec.Emotion,
				Vector:    rec.Vector,
				Location:  rec.Location,
				Caption:   rec.Caption,
				Seq:       maxSeq + 1,
				CreatedAt: createdAt,
			}).Error
		default:
			return err
		}
	})
}

func isDuplicateKey(db *gorm.DB, err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if t, ok := db.Dialector.(gorm.ErrorTranslator); ok {
		return errors.Is(t.Translate(err), gorm.ErrDuplicatedKey)
	}
	return false
}

func (s *GormStore) Query(ctx context.Context, personaID, emotion string, k int) ([]Record, error) {
	records, err := s.load(ctx, Filter{PersonaID: personaID, Emotion: emotion})
	if err != nil {
		return nil, err
	}
	return rankByCentroid(records, k), nil
}

func (s *GormStore) Search(ctx context.Context, vector []float64, k int, filter Filter) ([]Match, error) {
	if err := validateQuery(vector, s.dims); err != nil {
		return nil, err
	}
	records, err := s.load(ctx, filter)
	if err != nil {
		return nil, err
	}
	return rankByQuery(records, vector, k), nil
}

func (s *GormStore) load(ctx context.Context, filter Filter) ([]Record, error) {
	q := s.db.WithContext(ctx).Model(&embeddingRow{})
	if filter.PersonaID != "" {
		q = q.Where("persona_id = ?", filter.PersonaID)
	}
	if filter.Emotion != "" {
		q = q.Where("emotion = ?", filter.Emotion)
	}

	var rows []embeddingRow
	if err := q.Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, storeErr("query", err)
	}

	out := make([]Record, len(rows))
	for i := range rows {
		out[i] = rows[i].toRecord()
	}
	return out, nil
}

func (s *GormStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&embeddingRow{}).Error; err != nil {
		return storeErr("delete", err)
	}
	return nil
}

func (s *GormStore) DeleteByPersona(ctx context.Context, personaID string) (int, error) {
	res := s.db.WithContext(ctx).Where("persona_id = ?", personaID).Delete(&embeddingRow{})
	if res.Error != nil {
		return 0, storeErr("delete by persona", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) Count(ctx context.Context, filter Filter) (int, error) {
	q := s.db.WithContext(ctx).Model(&embeddingRow{})
	if filter.PersonaID != "" {
		q = q.Where("persona_id = ?", filter.PersonaID)
	}
	if filter.Emotion != "" {
		q = q.Where("emotion = ?", filter.Emotion)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, storeErr("count", err)
	}
	return int(n), nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storeErr("ping", err)
	}
	return storeErr("ping", sqlDB.PingContext(ctx))
}

// Close is a no-op; the connection pool is owned by the caller.
func (s *GormStore) Close() error { return nil }
