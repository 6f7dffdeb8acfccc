// Package worker runs a bounded set of goroutines over a stream of match
// jobs. The service uses it to warm snapshots on start and the simulator to
// drive several matches at once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/pitchpulse/pkg/logger"
)

// Handler processes one job, typically a match id.
type Handler func(ctx context.Context, job string) error

// Pool fans jobs out to a fixed number of workers.
type Pool struct {
	size    int
	handler Handler
	name    string
	logger  logger.Logger

	processed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a pool of size workers. size < 1 means one worker per CPU.
func NewPool(size int, handler Handler, opts ...Option) *Pool {
	if size < 1 {
		size = runtime.NumCPU()
	}
	p := &Pool{
		size:    size,
		handler: handler,
		name:    "worker-pool",
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logger.Get().Named(p.name)
	}
	return p
}

// Run processes jobs until the channel is closed or ctx is done, then waits
// for in-flight jobs. It returns every handler error joined, plus ctx.Err()
// if the run was cut short.
func (p *Pool) Run(ctx context.Context, jobs <-chan string) error {
	start := time.Now()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-jobs:
					if !ok {
						return
					}
					if err := p.handler(ctx, job); err != nil {
						p.failed.Add(1)
						p.logger.Warn(ctx, "job failed",
							logger.Int("worker", id),
							logger.String("job", job),
							logger.Error(err),
						)
						mu.Lock()
						errs = append(errs, fmt.Errorf("%s: %w", job, err))
						mu.Unlock()
						continue
					}
					p.processed.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()

	p.logger.Debug(ctx, "pool drained",
		logger.Int("workers", p.size),
		logger.Int("processed", int(p.processed.Load())),
		logger.Int("failed", int(p.failed.Load())),
		logger.Duration("took", time.Since(start)),
	)
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RunAll feeds jobs to Run and waits for all of them.
func (p *Pool) RunAll(ctx context.Context, jobs []string) error {
	ch := make(chan string)
	go func() {
		defer close(ch)
		for _, j := range jobs {
			select {
			case ch <- j:
			case <-ctx.Done():
				return
			}
		}
	}()
	return p.Run(ctx, ch)
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Processed returns how many jobs have succeeded.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Failed returns how many jobs have returned an error.
func (p *Pool) Failed() int64 { return p.failed.Load() }
