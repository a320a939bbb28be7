package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/cinegen/types"
)

// Common errors
var (
	// ErrInvalidTransition 状态机不允许的迁移
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNoChange Update 的回调返回它表示无需写回
	ErrNoChange = errors.New("no change")

	errNotQueued   = errors.New("job is not queued")
	errStoreClosed = errors.New("store is closed")
)

// Store 任务持久化。单个任务的修改通过 Update 串行化；ClaimNext 保证同一任务只被一个 worker 持有
type Store interface {
	// Create 保存新任务并分配单调递增的 Seq
	Create(ctx context.Context, job *Job) error

	// Get 读取任务快照，不存在时返回 not_found
	Get(ctx context.Context, id string) (*Job, error)

	// List 按 Seq 倒序（最新在前）返回快照
	List(ctx context.Context, filter Filter) ([]*Job, error)

	// Update 原子地读取-修改-写回。fn 返回 ErrNoChange 时不写回，返回其他错误时原样返回
	Update(ctx context.Context, id string, fn func(job *Job) error) (*Job, error)

	// ClaimNext 取出 Seq 最小的 queued 任务并迁移到 running，没有任务时返回 nil, nil
	ClaimNext(ctx context.Context) (*Job, error)

	// Cleanup 删除 CompletedAt 早于 before 的终态任务
	Cleanup(ctx context.Context, before time.Time) (int, error)

	// Stats 各状态任务数
	Stats(ctx context.Context) (map[State]int, error)

	Ping(ctx context.Context) error
	Close() error
}

// claimFn 是各存储共用的领取逻辑
func claimFn(now time.Time) func(job *Job) error {
	return func(job *Job) error {
		if job.State != StateQueued {
			return errNotQueued
		}
		if err := job.Transition(StateRunning, now); err != nil {
			return err
		}
		job.Attempts++
		job.step(5, "dispatching", now)
		return nil
	}
}

func notFound(id string) error {
	return types.NotFound("job %q not found", id)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return types.StoreFailure(op, err)
}

// passthrough 判断 Update 回调返回的错误是否应原样交给调用方
func passthrough(err error) bool {
	return errors.Is(err, ErrNoChange) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, errNotQueued)
}
