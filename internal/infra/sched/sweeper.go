package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reaper is the minimal interface the sweeper needs: it fails tasks stuck in
// running longer than the provider could plausibly take, refunding their
// credits, and purges expired idempotency records.
type Reaper interface {
	ReapStuck(ctx context.Context) (int, error)
	PurgeIdempotency(ctx context.Context) (int, error)
}

// Sweeper periodically runs the reaper. It is a safety net behind the lazy
// reap performed on task listing, catching batches nobody looks at.
type Sweeper struct {
	interval time.Duration
	reaper   Reaper
	log      *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(interval time.Duration, reaper Reaper, log *zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		interval: interval,
		reaper:   reaper,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine. Calling Start more
// than once has no effect.
func (s *Sweeper) Start(parentCtx context.Context) {
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(parentCtx)
	go s.loop()
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.done)
	}()

	s.log.Info().Dur("interval", s.interval).Msg("sweeper started")
	for {
		select {
		case <-s.ctx.Done():
			s.log.Info().Msg("sweeper stopping")
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			if n, err := s.reaper.ReapStuck(runCtx); err != nil {
				s.log.Error().Err(err).Msg("reap stuck tasks")
			} else if n > 0 {
				s.log.Info().Int("count", n).Msg("reaped stuck tasks")
			}
			if n, err := s.reaper.PurgeIdempotency(runCtx); err != nil {
				s.log.Error().Err(err).Msg("purge idempotency keys")
			} else if n > 0 {
				s.log.Debug().Int("count", n).Msg("purged idempotency keys")
			}
			cancel()
		}
	}
}

// Stop cancels the sweeper and waits for the loop to exit. Idempotent.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.ctx = nil
	s.cancel = nil
	s.done = make(chan struct{})
}
