package engine

import (
	"context"
	"time"
)

// withRetry runs fn until it succeeds, fails with something other than a
// StorageError, or the retry budget is spent. Attempt n waits n backoff
// units and reopens the store before trying again.
func (o *Orchestrator) withRetry(ctx context.Context, version int64, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !IsStorageError(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt > o.retryBudget {
			return err
		}

		o.logger.Warn("storage failure, retrying",
			"version", version,
			"attempt", attempt,
			"budget", o.retryBudget,
			"error", err,
		)
		o.tel.retry(ctx, attempt)

		if err := sleepContext(ctx, time.Duration(attempt)*o.retryBackoff); err != nil {
			return err
		}
		if err := o.store.Reopen(); err != nil {
			o.logger.Warn("reopen store", "attempt", attempt, "error", err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
