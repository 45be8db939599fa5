package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler drives the periodic maintenance jobs: consolidation on its
// cron interval and the dream compactor, which self-gates on its marker.
type Scheduler struct {
	consolidator *Consolidator
	dreamer      *Dreamer
	partition    string

	consolidationEvery time.Duration
	dreamCheckEvery    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewScheduler wires the job loop. Zero intervals disable a job.
func NewScheduler(consolidator *Consolidator, dreamer *Dreamer, partition string, consolidationEvery, dreamCheckEvery time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		consolidator:       consolidator,
		dreamer:            dreamer,
		partition:          partition,
		consolidationEvery: consolidationEvery,
		dreamCheckEvery:    dreamCheckEvery,
		logger:             logger,
	}
}

// Start launches the job goroutines. Idempotent start is not supported;
// call once.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.consolidator != nil && s.consolidationEvery > 0 {
		s.wg.Add(1)
		go s.loop(ctx, "consolidation", s.consolidationEvery, func(ctx context.Context) {
			if _, err := s.consolidator.Run(ctx, s.partition); err != nil {
				s.logger.Warn("scheduled consolidation failed", zap.Error(err))
			}
		})
	}
	if s.dreamer != nil && s.dreamCheckEvery > 0 {
		s.wg.Add(1)
		go s.loop(ctx, "dream", s.dreamCheckEvery, func(ctx context.Context) {
			if _, err := s.dreamer.Run(ctx); err != nil {
				s.logger.Warn("scheduled dream failed", zap.Error(err))
			}
		})
	}
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, job func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	s.logger.Info("maintenance job scheduled",
		zap.String("job", name), zap.Duration("every", every))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job(ctx)
		}
	}
}

// Stop cancels the loops and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
