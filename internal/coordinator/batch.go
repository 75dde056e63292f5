package coordinator

import (
	"context"
	"sync"
)

// BatchOperation is one entry of a batch refresh.
type BatchOperation struct {
	SourceID string
	Fn       RefreshFunc
	Opts     ExecOptions
}

// BatchOptions alters ExecuteBatch behavior.
type BatchOptions struct {
	// MaxConcurrent is the chunk size; each chunk is awaited fully before
	// the next starts. Defaults to 3.
	MaxConcurrent int
	// ContinueOnError keeps processing later chunks after a failure.
	ContinueOnError bool
}

// ExecuteBatch runs the operations in chunks of MaxConcurrent, awaiting
// each chunk fully before starting the next. Used for "refresh all"
// requests so a large registry cannot burst past the per-chunk bound on
// top of the global semaphore.
func (c *Coordinator) ExecuteBatch(ctx context.Context, ops []BatchOperation, opts BatchOptions) []Result {
	chunkSize := opts.MaxConcurrent
	if chunkSize <= 0 {
		chunkSize = 3
	}

	results := make([]Result, len(ops))
	for start := 0; start < len(ops); start += chunkSize {
		end := min(start+chunkSize, len(ops))

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				op := ops[i]
				results[i] = c.ExecuteRefresh(ctx, op.SourceID, op.Fn, op.Opts)
			}(i)
		}
		wg.Wait()

		if !opts.ContinueOnError {
			for i := start; i < end; i++ {
				if results[i].Outcome == OutcomeFailed {
					return results[:end]
				}
			}
		}
		if ctx.Err() != nil {
			return results[:end]
		}
	}
	return results
}
