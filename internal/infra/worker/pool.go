package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

type Job func(ctx context.Context) error

// Pool runs submitted jobs on a fixed set of goroutines.
type Pool struct {
	wg   sync.WaitGroup
	jobs chan Job
	quit chan struct{}
	n    int
	log  *zerolog.Logger
}

func NewPool(workers int, log *zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{jobs: make(chan Job, workers*4), quit: make(chan struct{}), n: workers, log: log}
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-p.quit:
					return
				case job := <-p.jobs:
					if job == nil {
						continue
					}
					if err := job(ctx); err != nil {
						p.log.Error().Err(err).Int("worker", id).Msg("job failed")
					}
				}
			}
		}(i)
	}
}

func (p *Pool) Stop() {
	close(p.quit)
	p.wg.Wait()
}

func (p *Pool) Submit(job Job) error {
	if job == nil {
		return errors.New("nil job")
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return errors.New("worker pool saturated")
	}
}
