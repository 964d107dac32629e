package pagination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BatchConfig holds CollectAll configuration
type BatchConfig struct {
	// MaxConcurrency is the maximum number of listings drained in parallel.
	// Every listing still fetches its own pages one after another.
	MaxConcurrency int
}

// DefaultBatchConfig returns a conservative configuration. GitHub asks
// clients not to hammer the API with concurrent requests.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{MaxConcurrency: 4}
}

// CollectAll drains several independent listings with a bounded worker
// pool. results[i] holds the items of streams[i] in server order.
//
// The first failure cancels the remaining work; it is returned together
// with the results gathered so far, and every stream is closed.
func CollectAll[T any](ctx context.Context, streams []*Stream[T], config BatchConfig) ([][]T, error) {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultBatchConfig().MaxConcurrency
	}
	if config.MaxConcurrency > len(streams) {
		config.MaxConcurrency = len(streams)
	}

	start := time.Now()
	results := make([][]T, len(streams))
	if len(streams) == 0 {
		return results, nil
	}

	parent := ctx
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	log.Info().
		Int("listings", len(streams)).
		Int("workers", config.MaxConcurrency).
		Msg("Starting parallel listing collection")

	queue := make(chan int, len(streams))
	for i := range streams {
		queue <- i
	}
	close(queue)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)

	for w := 0; w < config.MaxConcurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			processed := 0

			for i := range queue {
				select {
				case <-ctx.Done():
					log.Debug().
						Int("worker_id", workerID).
						Int("listings_processed", processed).
						Msg("Worker stopping (context cancelled)")
					return
				default:
				}

				items, err := streams[i].Collect(ctx)
				results[i] = items
				if err != nil {
					log.Warn().
						Err(err).
						Int("worker_id", workerID).
						Int("listing", i).
						Msg("Listing collection failed")
					errOnce.Do(func() {
						firstErr = fmt.Errorf("listing %d: %w", i, err)
						cancel()
					})
					return
				}
				processed++
			}

			if processed > 0 {
				log.Debug().
					Int("worker_id", workerID).
					Int("listings_processed", processed).
					Msg("Worker completed")
			}
		}(w)
	}

	wg.Wait()

	if firstErr != nil {
		for _, s := range streams {
			s.Close()
		}
		return results, firstErr
	}

	// Cancelled from outside before every listing was picked up
	if err := parent.Err(); err != nil {
		for _, s := range streams {
			s.Close()
		}
		return results, fmt.Errorf("collect listings: %w", err)
	}

	log.Info().
		Int("listings", len(streams)).
		Dur("duration", time.Since(start)).
		Msg("Listing collection complete")

	return results, nil
}
