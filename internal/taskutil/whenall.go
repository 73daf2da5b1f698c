package taskutil

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// WhenAllCancelOnFailure runs fn for every item concurrently. The first
// failure cancels the context the others run under. It returns after every
// call has returned: nil if all succeeded, otherwise the first error that is
// not a cancellation, or the first cancellation when nothing else failed.
// A single item runs directly on the caller's goroutine.
func WhenAllCancelOnFailure[T any](ctx context.Context, items []T, fn func(ctx context.Context, item T) error) error {
	switch len(items) {
	case 0:
		return nil
	case 1:
		return fn(ctx, items[0])
	}

	var (
		mu          sync.Mutex
		firstErr    error
		firstCancel error
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if IsCancellation(err) {
			if firstCancel == nil {
				firstCancel = err
			}
			return
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, item := range items {
		g.Go(func() error {
			err := fn(gctx, item)
			if err != nil {
				record(err)
			}
			return err
		})
	}
	g.Wait()

	if firstErr != nil {
		return firstErr
	}
	return firstCancel
}

// IsCancellation reports whether err only says the work was cancelled.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
