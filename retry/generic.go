package retry

import "context"

// DoValue is a type-safe wrapper around Retryer.Do for calls that produce a value.
//
// Usage:
//
//	sub, err := retry.DoValue(ctx, r, func(ctx context.Context) (*video.Submission, error) {
//	    return adapter.Generate(ctx, req)
//	})
func DoValue[T any](ctx context.Context, r Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
