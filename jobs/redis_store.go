package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/cinegen/types"
)

// maxTxRetries 乐观事务冲突时的重试次数
const maxTxRetries = 16

// claimWindow 每次 ClaimNext 检查的队首任务数
const claimWindow = 16

// RedisStore 基于 Redis 的任务存储。
// 任务以 JSON 字符串保存，sorted set 维护全量、状态、队列与完成时间索引，修改使用 WATCH 乐观事务
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisStore creates a Redis-backed job store. The client is owned by the caller.
func NewRedisStore(client redis.UniversalClient, keyPrefix string, logger *zap.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "cinegen:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "jobs:",
		logger:    logger.With(zap.String("component", "redis_job_store")),
	}
}

func (s *RedisStore) jobKey(id string) string     { return s.keyPrefix + "data:" + id }
func (s *RedisStore) stateKey(state State) string { return s.keyPrefix + "state:" + string(state) }
func (s *RedisStore) allKey() string              { return s.keyPrefix + "all" }
func (s *RedisStore) queueKey() string            { return s.keyPrefix + "queue" }
func (s *RedisStore) completedKey() string        { return s.keyPrefix + "completed" }
func (s *RedisStore) seqKey() string              { return s.keyPrefix + "seq" }

func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return types.Validation("job id is required")
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return storeErr("create job", err)
	}
	job.Seq = seq

	data, err := json.Marshal(job)
	if err != nil {
		return storeErr("marshal job", err)
	}

	key := s.jobKey(job.ID)
	written := false
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return types.Errorf(types.ErrConflict, "job %q already exists", job.ID)
		}
		// 数据与索引在同一个 MULTI 中写入
		written = true
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.writeIndexes(ctx, pipe, nil, job)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return types.StoreFailure("create job", errors.New("too many concurrent writes"))
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	if written {
		s.discard(ctx, job)
	}
	return storeErr("create job", err)
}

// discard 撤销写了一半的任务。Redis 事务中单条命令失败不会回滚其他命令
func (s *RedisStore) discard(ctx context.Context, job *Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.jobKey(job.ID))
		pipe.ZRem(ctx, s.allKey(), job.ID)
		pipe.ZRem(ctx, s.stateKey(job.State), job.ID)
		pipe.ZRem(ctx, s.queueKey(), job.ID)
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to discard partially written job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// writeIndexes 根据新旧状态维护索引
func (s *RedisStore) writeIndexes(ctx context.Context, pipe redis.Pipeliner, old, job *Job) {
	score := float64(job.Seq)
	if old == nil {
		pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: job.ID})
	}
	if old != nil && old.State != job.State {
		pipe.ZRem(ctx, s.stateKey(old.State), job.ID)
	}
	pipe.ZAdd(ctx, s.stateKey(job.State), redis.Z{Score: score, Member: job.ID})

	if job.State == StateQueued {
		pipe.ZAdd(ctx, s.queueKey(), redis.Z{Score: score, Member: job.ID})
	} else {
		pipe.ZRem(ctx, s.queueKey(), job.ID)
	}
	if job.Terminal() && job.CompletedAt != nil {
		pipe.ZAdd(ctx, s.completedKey(), redis.Z{Score: float64(job.CompletedAt.UnixNano()), Member: job.ID})
	}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	return s.get(ctx, s.client, id)
}

// getter 同时适配 client 与 WATCH 事务
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, id string) (*Job, error) {
	data, err := c.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storeErr("get job", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, storeErr("decode job", err)
	}
	return &job, nil
}

func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Job, error) {
	filter = filter.normalized()

	key := s.allKey()
	if filter.State != "" {
		key = s.stateKey(filter.State)
	}
	start := int64(filter.Offset)
	stop := start + int64(filter.Limit) - 1
	ids, err := s.client.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeErr("list jobs", err)
	}

	out := make([]*Job, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// 索引与数据之间的短暂不一致，跳过
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			s.logger.Warn("skipping undecodable job", zap.String("job_id", ids[i]), zap.Error(err))
			continue
		}
		if filter.State != "" && job.State != filter.State {
			continue
		}
		out = append(out, &job)
	}
	return out, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fn func(job *Job) error) (*Job, error) {
	key := s.jobKey(id)
	var result *Job

	txf := func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				result = cur
				return nil
			}
			return err
		}
		next.ID, next.Seq = cur.ID, cur.Seq

		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.writeIndexes(ctx, pipe, cur, next)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if passthrough(err) {
			return nil, err
		}
		if _, ok := types.AsError(err); ok {
			return nil, err
		}
		return nil, storeErr("update job", err)
	}
	return nil, types.StoreFailure("update job", errors.New("too many concurrent updates"))
}

func (s *RedisStore) ClaimNext(ctx context.Context) (*Job, error) {
	ids, err := s.client.ZRange(ctx, s.queueKey(), 0, claimWindow-1).Result()
	if err != nil {
		return nil, storeErr("claim job", err)
	}
	for _, id := range ids {
		job, err := s.Update(ctx, id, claimFn(time.Now().UTC()))
		switch {
		case err == nil:
			return job, nil
		case errors.Is(err, errNotQueued), errors.Is(err, types.KindNotFound):
			// 其他 worker 已领取或任务已取消
			continue
		default:
			return nil, err
		}
	}
	return nil, nil
}

func (s *RedisStore) Cleanup(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.completedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, storeErr("cleanup jobs", err)
	}

	n := 0
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, types.KindNotFound) {
			s.client.ZRem(ctx, s.completedKey(), id)
			continue
		}
		if err != nil {
			return n, err
		}
		if !job.Terminal() {
			continue
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.jobKey(id))
			pipe.ZRem(ctx, s.allKey(), id)
			pipe.ZRem(ctx, s.stateKey(job.State), id)
			pipe.ZRem(ctx, s.completedKey(), id)
			return nil
		})
		if err != nil {
			return n, storeErr("cleanup jobs", err)
		}
		n++
	}
	return n, nil
}

func (s *RedisStore) Stats(ctx context.Context) (map[State]int, error) {
	pipe := s.client.Pipeline()
	cmds := make(map[State]*redis.IntCmd, len(States))
	for _, st := range States {
		cmds[st] = pipe.ZCard(ctx, s.stateKey(st))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("job stats", err)
	}
	out := make(map[State]int, len(States))
	for st, cmd := range cmds {
		out[st] = int(cmd.Val())
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return storeErr("ping", s.client.Ping(ctx).Err())
}

// Close is a no-op; the client is shared and owned by the caller.
func (s *RedisStore) Close() error { return nil }

var _ Store = (*RedisStore)(nil)
