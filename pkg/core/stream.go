package core

import (
	"context"
)

// streamBatchSize is how many results travel in one stream frame.
const streamBatchSize = 5

// QueryStream runs Query and emits the ranked results in batches on the
// returned channel. The error channel carries at most one error; both
// channels close when the stream is done or the context is cancelled.
func (e *Engine) QueryStream(ctx context.Context, req *QueryRequest) (<-chan []QueryResult, <-chan error) {
	batches := make(chan []QueryResult)
	errs := make(chan error, 1)

	go func() {
		defer close(batches)
		defer close(errs)

		results, err := e.Query(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		for start := 0; start < len(results); start += streamBatchSize {
			end := start + streamBatchSize
			if end > len(results) {
				end = len(results)
			}
			select {
			case batches <- results[start:end]:
			case <-ctx.Done():
				errs <- E("QueryStream", ctx.Err())
				return
			}
		}
	}()
	return batches, errs
}
