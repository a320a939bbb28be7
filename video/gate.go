package video

import (
	"context"
	"errors"
	"fmt"
)

// ErrAttemptVetoed 调用方拒绝了下一次服务商调用，不再重试
var ErrAttemptVetoed = errors.New("provider attempt vetoed")

type attemptGateKey struct{}

// AttemptGate 在每次服务商调用（含重试）之前执行，返回错误则放弃该调用
type AttemptGate func(ctx context.Context) error

// WithAttemptGate 把 gate 挂到 ctx 上，Submit 与 Status 的每次尝试都会先询问它，
// 已经发出的请求不受影响。
func WithAttemptGate(ctx context.Context, gate AttemptGate) context.Context {
	return context.WithValue(ctx, attemptGateKey{}, gate)
}

func checkGate(ctx context.Context) error {
	gate, ok := ctx.Value(attemptGateKey{}).(AttemptGate)
	if !ok || gate == nil {
		return nil
	}
	if err := gate(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrAttemptVetoed, err)
	}
	return nil
}
