package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
)

// SafeGo runs fn in its own goroutine under a timeout. Panics are recovered
// and a returned error is logged through the logger carried in parentCtx.
// Pass context.WithoutCancel(ctx) when the task must outlive the request
// that started it.
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		logger := observability.FromContext(parentCtx).WithField("task", taskName)
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).Warn("Background task failed")
		}
	}()
}

// Batch runs fn over items on at most workers goroutines and returns the
// errors in item order. Each call gets its own timeout. A panicking call is
// reported as an error. Once ctx is done, items that have not started are
// skipped and reported with ctx's error; calls already running finish.
//
//	errs := Batch(ctx, claimed, 4, "payment submit", 2*time.Minute, submit)
//	for _, err := range errs {
//		logger.WithError(err).Warn("Submit failed")
//	}
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	results := make([]error, len(items))
	next := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
				"task":   taskName,
				"worker": worker,
			})
			for i := range next {
				results[i] = runOne(ctx, timeout, logger, func(ctx context.Context) error {
					return fn(ctx, items[i])
				})
			}
		}(w)
	}

	for i := range items {
		if err := ctx.Err(); err != nil {
			results[i] = fmt.Errorf("%s skipped: %w", taskName, err)
			continue
		}
		select {
		case next <- i:
		case <-ctx.Done():
			results[i] = fmt.Errorf("%s skipped: %w", taskName, ctx.Err())
		}
	}
	close(next)
	wg.Wait()

	var errs []error
	for _, err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func runOne(parent context.Context, timeout time.Duration, logger *observability.Logger, fn func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logger.WithField("stack", string(debug.Stack())).WithError(err).Error("PANIC recovered in task")
		}
	}()
	return fn(ctx)
}
