package breaker

import "context"

// Do runs a value-returning operation under b. On rejection or failure the
// zero value is returned alongside the error; the error is exactly what
// Execute produced, so errors.Is(err, ErrOpen) identifies rejections.
func Do[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var data T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		data, opErr = op(ctx)
		return opErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return data, nil
}
