package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/shuttle/internal/catalog"
	"github.com/ternarybob/shuttle/internal/common"
)

// Pool runs several worker runtimes in one process. Each runtime has its own
// worker id and claim loop, so a pool of N behaves exactly like N separate
// worker processes against the catalog.
type Pool struct {
	runtimes []*Runtime
	logger   arbor.ILogger
	wg       sync.WaitGroup
}

// NewPool creates numWorkers runtimes over the shared catalog. An empty
// baseID generates worker ids; otherwise a single worker uses baseID as its
// id and a pool of N numbers them baseID-1 through baseID-N.
func NewPool(c *catalog.Catalog, config *common.Config, logger arbor.ILogger, numWorkers int, baseID string) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	runtimes := make([]*Runtime, numWorkers)
	for i := range runtimes {
		switch {
		case baseID == "":
			runtimes[i] = NewRuntime(c, config, logger)
		case numWorkers == 1:
			runtimes[i] = NewRuntimeWithID(c, config, logger, baseID)
		default:
			runtimes[i] = NewRuntimeWithID(c, config, logger, fmt.Sprintf("%s-%d", baseID, i+1))
		}
	}
	return &Pool{runtimes: runtimes, logger: logger}
}

// Start launches every runtime.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info().
		Int("num_workers", len(p.runtimes)).
		Msg("Starting worker pool")

	for _, rt := range p.runtimes {
		rt := rt
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := rt.Run(ctx); err != nil {
				p.logger.Error().
					Err(err).
					Str("worker_id", rt.WorkerID).
					Msg("Worker exited with error")
			}
		}()
	}
}

// Wait blocks until every runtime has drained and stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
	p.logger.Info().Msg("Worker pool stopped")
}
