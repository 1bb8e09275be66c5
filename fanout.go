package appz

import (
	"context"
	"sync"
)

// fanOut runs op for every app concurrently, at most limit at a time, and
// aggregates the failures
func fanOut(ctx context.Context, limit int, apps []string, op func(context.Context, string) error) error {
	if len(apps) == 0 {
		return nil
	}
	if limit < 1 {
		limit = 1
	}

	// Semaphore for concurrency control
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	var mu sync.Mutex
	merr := &MultiError{}

	for _, app := range apps {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()

			// Acquire semaphore slot
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				merr.Add(context.Cause(ctx))
				mu.Unlock()
				return
			}

			if err := op(ctx, name); err != nil {
				mu.Lock()
				merr.Add(err)
				mu.Unlock()
			}
		}(app)
	}

	wg.Wait()

	return merr.Err()
}
