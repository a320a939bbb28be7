package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
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

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// storeFactories 让同一组行为测试覆盖全部后端
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"redis":  func(t *testing.T) Store { return NewRedisStore(newTestRedis(t), "test:", nil) },
		"gorm":   func(t *testing.T) Store { return NewGormStore(newTestGormDB(t), nil) },
	}
}

func newQueuedJob(id string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          id,
		Request:     Request{Prompt: "prompt for " + id},
		State:       StateQueued,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestStore_CreateGet(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			a, b := newQueuedJob("a"), newQueuedJob("b")
			require.NoError(t, s.Create(ctx, a))
			require.NoError(t, s.Create(ctx, b))
			assert.Less(t, a.Seq, b.Seq)

			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, StateQueued, got.State)
			assert.Equal(t, "prompt for a", got.Request.Prompt)
			assert.Equal(t, a.Seq, got.Seq)

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, types.KindNotFound)

			err = s.Create(ctx, newQueuedJob("a"))
			assert.Equal(t, types.ErrConflict, types.KindOf(err))

			require.NoError(t, s.Ping(ctx))
		})
	}
}

func TestRedisStore_CreateIsAllOrNothing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, "test:", nil)
	ctx := context.Background()

	// 队列键类型错误，索引写入在 EXEC 中失败
	require.NoError(t, mr.Set("test:jobs:queue", "not-a-zset"))

	err := s.Create(ctx, newQueuedJob("a"))
	require.Error(t, err)
	assert.Equal(t, types.ErrStore, types.KindOf(err))

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, types.KindNotFound)
	assert.False(t, mr.Exists("test:jobs:data:a"))
	members, _ := mr.ZMembers("test:jobs:all")
	assert.NotContains(t, members, "a")

	// 修复后同一 ID 可以重新创建并被领取
	mr.Del("test:jobs:queue")
	require.NoError(t, s.Create(ctx, newQueuedJob("a")))
	claimed, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "a", claimed.ID)
}

func TestStore_ClaimIsFIFO(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			for i := 0; i < 3; i++ {
				require.NoError(t, s.Create(ctx, newQueuedJob(fmt.Sprintf("job-%d", i))))
			}

			for i := 0; i < 3; i++ {
				job, err := s.ClaimNext(ctx)
				require.NoError(t, err)
				require.NotNil(t, job)
				assert.Equal(t, fmt.Sprintf("job-%d", i), job.ID)
				assert.Equal(t, StateRunning, job.State)
				assert.Equal(t, 1, job.Attempts)
				assert.NotNil(t, job.StartedAt)
			}

			job, err := s.ClaimNext(ctx)
			require.NoError(t, err)
			assert.Nil(t, job)
		})
	}
}

func TestStore_RequeueKeepsPosition(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			require.NoError(t, s.Create(ctx, newQueuedJob("first")))
			require.NoError(t, s.Create(ctx, newQueuedJob("second")))

			claimed, err := s.ClaimNext(ctx)
			require.NoError(t, err)
			require.Equal(t, "first", claimed.ID)

			_, err = s.Update(ctx, "first", func(j *Job) error {
				return j.Transition(StateQueued, time.Now().UTC())
			})
			require.NoError(t, err)

			again, err := s.ClaimNext(ctx)
			require.NoError(t, err)
			assert.Equal(t, "first", again.ID)
			assert.Equal(t, 2, again.Attempts)
		})
	}
}

func TestStore_ConcurrentClaimsAreExclusive(t *testing.T) {
	for name, factory := range storeFactories() {
		if name == "gorm" {
			// 单连接 sqlite 上的并发只会串行执行，不增加覆盖
			continue
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			const n = 20
			for i := 0; i < n; i++ {
				require.NoError(t, s.Create(ctx, newQueuedJob(fmt.Sprintf("job-%02d", i))))
			}

			var (
				mu      sync.Mutex
				claimed = map[string]int{}
				wg      sync.WaitGroup
			)
			for w := 0; w < 5; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						job, err := s.ClaimNext(ctx)
						if !assert.NoError(t, err) || job == nil {
							return
						}
						mu.Lock()
						claimed[job.ID]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Len(t, claimed, n)
			for id, c := range claimed {
				assert.Equal(t, 1, c, id)
			}
		})
	}
}

func TestStore_UpdateSemantics(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			require.NoError(t, s.Create(ctx, newQueuedJob("j")))

			got, err := s.Update(ctx, "j", func(j *Job) error { return ErrNoChange })
			require.NoError(t, err)
			assert.Equal(t, StateQueued, got.State)

			_, err = s.Update(ctx, "j", func(j *Job) error {
				return j.Transition(StateSucceeded, time.Now())
			})
			assert.ErrorIs(t, err, ErrInvalidTransition)

			_, err = s.Update(ctx, "missing", func(j *Job) error { return nil })
			assert.ErrorIs(t, err, types.KindNotFound)

			updated, err := s.Update(ctx, "j", func(j *Job) error {
				j.CancelRequested = true
				return j.Transition(StateCancelled, time.Now().UTC())
			})
			require.NoError(t, err)
			assert.Equal(t, StateCancelled, updated.State)
			assert.NotNil(t, updated.CompletedAt)

			// 已取消的任务不能再被领取
			job, err := s.ClaimNext(ctx)
			require.NoError(t, err)
			assert.Nil(t, job)
		})
	}
}

func TestStore_ListAndStats(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			for i := 0; i < 5; i++ {
				require.NoError(t, s.Create(ctx, newQueuedJob(fmt.Sprintf("job-%d", i))))
			}
			_, err := s.ClaimNext(ctx)
			require.NoError(t, err)

			all, err := s.List(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.Equal(t, "job-4", all[0].ID)
			assert.Equal(t, "job-0", all[4].ID)

			limited, err := s.List(ctx, Filter{Limit: 2, Offset: 1})
			require.NoError(t, err)
			require.Len(t, limited, 2)
			assert.Equal(t, "job-3", limited[0].ID)

			running, err := s.List(ctx, Filter{State: StateRunning})
			require.NoError(t, err)
			require.Len(t, running, 1)
			assert.Equal(t, "job-0", running[0].ID)

			stats, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 4, stats[StateQueued])
			assert.Equal(t, 1, stats[StateRunning])
			assert.Equal(t, 0, stats[StateSucceeded])
		})
	}
}

func TestStore_Cleanup(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			require.NoError(t, s.Create(ctx, newQueuedJob("old")))
			require.NoError(t, s.Create(ctx, newQueuedJob("live")))

			_, err := s.Update(ctx, "old", func(j *Job) error {
				return j.Transition(StateCancelled, time.Now().UTC().Add(-2*time.Hour))
			})
			require.NoError(t, err)

			n, err := s.Cleanup(ctx, time.Now().UTC().Add(-time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, err = s.Get(ctx, "old")
			assert.ErrorIs(t, err, types.KindNotFound)
			_, err = s.Get(ctx, "live")
			assert.NoError(t, err)
		})
	}
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(StoreConfig{}, nil, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(StoreConfig{Backend: BackendRedis}, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewStore(StoreConfig{Backend: BackendDatabase}, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewStore(StoreConfig{Backend: "cassandra"}, nil, nil, nil)
	assert.Error(t, err)

	s, err = NewStore(StoreConfig{Backend: BackendRedis}, newTestRedis(t), nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)

	s, err = NewStore(StoreConfig{Backend: BackendDatabase, AutoMigrate: true}, nil, newTestGormDB(t), nil)
	require.NoError(t, err)
	assert.IsType(t, &GormStore{}, s)
}
