package runner

import (
	"context"
	"sync"
)

// Job is one model x task unit. It receives the pool's context.
type Job func(ctx context.Context) error

// RunPool executes jobs with at most maxWorkers concurrently and returns
// every error. Jobs not yet started when ctx is done are skipped and report
// ctx.Err(); started jobs decide for themselves how to wind down.
func RunPool(ctx context.Context, maxWorkers int, jobs []Job) []error {
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	sem := make(chan struct{}, maxWorkers)

	for _, job := range jobs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			fail(ctx.Err())
			continue
		}
		if ctx.Err() != nil {
			<-sem
			fail(ctx.Err())
			continue
		}
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := j(ctx); err != nil {
				fail(err)
			}
		}(job)
	}
	wg.Wait()
	return errs
}
