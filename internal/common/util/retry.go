package util

import "context"

// RetryUntilSuccess calls performAction in a tight loop until it succeeds or ctx is
// cancelled, reporting every failure via onError. Used at startup to ride out a Postgres
// connection that isn't accepting connections yet.
func RetryUntilSuccess(ctx context.Context, performAction func() error, onError func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := performAction(); err == nil {
				return
			} else {
				onError(err)
			}
		}
	}
}
