// Package workerpool provides simple concurrent processing utilities.
package workerpool

import (
	"context"
	"sync"
)

// Map runs a bounded worker pool over items, invoking fn for each and
// collecting per-item results. Unlike a fail-fast pool, an individual error
// does not stop the batch: results and errors come back index-aligned with
// the input so callers can work with what succeeded. Only context
// cancellation stops the pool early, in which case unprocessed items carry
// the context error.
func Map[T, R any](
	ctx context.Context,
	workerCount int,
	items []T,
	fn func(context.Context, T) (R, error),
) ([]R, []error) {
	if workerCount < 1 {
		workerCount = 1
	}
	results := make([]R, len(items))
	errs := make([]error, len(items))
	processed := make([]bool, len(items))

	tasks := make(chan int, workerCount)
	wg := sync.WaitGroup{}
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case idx, ok := <-tasks:
					if !ok {
						return
					}
					results[idx], errs[idx] = fn(ctx, items[idx])
					processed[idx] = true
				}
			}
		}()
	}

	go func() {
		defer close(tasks)
		for i := range items {
			select {
			case <-ctx.Done():
				return
			case tasks <- i:
			}
		}
	}()

	wg.Wait()

	if err := ctx.Err(); err != nil {
		for i := range errs {
			if !processed[i] {
				errs[i] = err
			}
		}
	}
	return results, errs
}
