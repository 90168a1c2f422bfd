package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// readinessProbe checks once whether a target is usable.
type readinessProbe func(ctx context.Context) (bool, error)

// waitUntilReady polls probe at a fixed interval until it reports ready,
// the attempt budget is exhausted, or ctx is cancelled. Probe errors are
// retried; only the budget and the context terminate the wait.
func waitUntilReady(ctx context.Context, probe readinessProbe, attempts int, interval time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		ok, err := probe(ctx)
		if err != nil {
			lastErr = err
		} else if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	if lastErr != nil {
		return fmt.Errorf("not ready after %d attempts: %w", attempts, lastErr)
	}
	return fmt.Errorf("not ready after %d attempts", attempts)
}
