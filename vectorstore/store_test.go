package vectorstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/cinegen/types"
)

func newTestGormDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

// storeFactories 让同一组行为测试覆盖所有本地后端
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore(3, nil) },
		"gorm":   func(t *testing.T) Store { return NewGormStore(newTestGormDB(t), 3, nil) },
	}
}

func rec(id, persona, emotion string, v ...float64) Record {
	return Record{ID: id, PersonaID: persona, Emotion: emotion, Vector: v, Location: "refs/" + id + ".jpg"}
}

func TestStore_QueryRanksByCentroid(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			// 两条靠近质心，一条离群
			require.NoError(t, s.Upsert(ctx, rec("a1", "alex", "angry", 1, 0, 0)))
			require.NoError(t, s.Upsert(ctx, rec("a2", "alex", "angry", 0.9, 0.1, 0)))
			require.NoError(t, s.Upsert(ctx, rec("a3", "alex", "angry", 0, 0, 1)))
			require.NoError(t, s.Upsert(ctx, rec("n1", "alex", "neutral", 1, 1, 1)))
			require.NoError(t, s.Upsert(ctx, rec("b1", "blair", "angry", 1, 0, 0)))

			got, err := s.Query(ctx, "alex", "angry", 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			ids := []string{got[0].ID, got[1].ID}
			assert.ElementsMatch(t, []string{"a1", "a2"}, ids)

			all, err := s.Query(ctx, "alex", "angry", 10)
			require.NoError(t, err)
			assert.Len(t, all, 3)
			assert.Equal(t, "a3", all[2].ID)
		})
	}
}

func TestStore_QueryEmptyGroup(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			got, err := s.Query(ctx, "nobody", "neutral", 3)
			require.NoError(t, err)
			assert.NotNil(t, got)
			assert.Empty(t, got)

			require.NoError(t, s.Upsert(ctx, rec("a1", "alex", "angry", 1, 0, 0)))
			got, err = s.Query(ctx, "alex", "angry", 0)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStore_TiesKeepInsertionOrder(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			for i := 0; i < 4; i++ {
				require.NoError(t, s.Upsert(ctx, rec(fmt.Sprintf("r%d", i), "alex", "neutral", 0, 1, 0)))
			}

			got, err := s.Query(ctx, "alex", "neutral", 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "r0", got[0].ID)
			assert.Equal(t, "r1", got[1].ID)
			assert.Equal(t, "r2", got[2].ID)
		})
	}
}

func TestStore_UpsertReplacesAndKeepsOrder(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			require.NoError(t, s.Upsert(ctx, rec("first", "alex", "neutral", 0, 1, 0)))
			require.NoError(t, s.Upsert(ctx, rec("second", "alex", "neutral", 0, 1, 0)))

			replacement := rec("first", "alex", "neutral", 0, 2, 0)
			replacement.Caption = "updated"
			require.NoError(t, s.Upsert(ctx, replacement))

			n, err := s.Count(ctx, Filter{PersonaID: "alex"})
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			got, err := s.Query(ctx, "alex", "neutral", 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "first", got[0].ID)
			assert.Equal(t, "updated", got[0].Caption)
			assert.Equal(t, []float64{0, 2, 0}, got[0].Vector)
		})
	}
}

func TestStore_Validation(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			err := s.Upsert(ctx, rec("", "alex", "neutral", 1, 0, 0))
			assert.ErrorIs(t, err, types.KindValidation)

			err = s.Upsert(ctx, rec("x", "alex", "neutral", 1, 0))
			assert.ErrorIs(t, err, types.KindValidation)
			assert.ErrorIs(t, err, ErrDimensionMismatch)

			_, err = s.Search(ctx, []float64{1}, 1, Filter{})
			assert.ErrorIs(t, err, ErrDimensionMismatch)
		})
	}
}

func TestStore_SearchAndDelete(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			require.NoError(t, s.Upsert(ctx, rec("a1", "alex", "angry", 1, 0, 0)))
			require.NoError(t, s.Upsert(ctx, rec("a2", "alex", "relief", 0, 1, 0)))
			require.NoError(t, s.Upsert(ctx, rec("b1", "blair", "angry", 0.8, 0.2, 0)))

			matches, err := s.Search(ctx, []float64{1, 0, 0}, 2, Filter{})
			require.NoError(t, err)
			require.Len(t, matches, 2)
			assert.Equal(t, "a1", matches[0].Record.ID)
			assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
			assert.Equal(t, "b1", matches[1].Record.ID)

			matches, err = s.Search(ctx, []float64{1, 0, 0}, 5, Filter{PersonaID: "blair"})
			require.NoError(t, err)
			require.Len(t, matches, 1)

			require.NoError(t, s.Delete(ctx, "a2"))
			n, err := s.Count(ctx, Filter{PersonaID: "alex"})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			deleted, err := s.DeleteByPersona(ctx, "alex")
			require.NoError(t, err)
			assert.Equal(t, 1, deleted)

			n, err = s.Count(ctx, Filter{})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			require.NoError(t, s.Ping(ctx))
			require.NoError(t, s.Close())
		})
	}
}

func TestNew_Backends(t *testing.T) {
	t.Parallel()

	s, err := New(Config{}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = New(Config{Backend: BackendDatabase}, nil, nil)
	assert.Error(t, err)

	s, err = New(Config{Backend: BackendDatabase, Dimensions: 3}, newTestGormDB(t), nil)
	require.NoError(t, err)
	assert.IsType(t, &GormStore{}, s)

	s, err = New(Config{Backend: BackendQdrant, Dimensions: 8}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, s.(*QdrantStore).cfg.Dimensions)

	_, err = New(Config{Backend: "pinecone"}, nil, nil)
	assert.Error(t, err)
}

func TestGormStore_SeqConflictRetries(t *testing.T) {
	db := newTestGormDB(t)
	store := NewGormStore(db, 2, nil)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, Record{ID: "a", PersonaID: "p", Emotion: "neutral", Vector: []float64{1, 0}}))

	// 模拟并发写入：第一次插入 b 时抢占已被占用的 seq
	collided := false
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:collide_seq", func(tx *gorm.DB) {
		row, ok := tx.Statement.Dest.(*embeddingRow)
		if ok && !collided {
			collided = true
			row.Seq = 1
		}
	}))
	t.Cleanup(func() { _ = db.Callback().Create().Remove("test:collide_seq") })

	require.NoError(t, store.Upsert(ctx, Record{ID: "b", PersonaID: "p", Emotion: "neutral", Vector: []float64{1, 0}}))
	assert.True(t, collided)

	var seqs []int64
	require.NoError(t, db.Model(&embeddingRow{}).Order("seq").Pluck("seq", &seqs).Error)
	assert.Equal(t, []int64{1, 2}, seqs)

	got, err := store.Query(ctx, "p", "neutral", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID, "equal scores keep insertion order")
	assert.Equal(t, "b", got[1].ID)
}

func TestGormStore_DuplicateSeqRejected(t *testing.T) {
	db := newTestGormDB(t)
	require.NoError(t, db.Create(&embeddingRow{ID: "a", PersonaID: "p", Emotion: "neutral", Vector: []float64{1}, Seq: 7}).Error)
	err := db.Create(&embeddingRow{ID: "b", PersonaID: "p", Emotion: "neutral", Vector: []float64{1}, Seq: 7}).Error
	require.Error(t, err)
	assert.True(t, isDuplicateKey(db, err))
	assert.False(t, isDuplicateKey(db, fmt.Errorf("disk full")))
}
