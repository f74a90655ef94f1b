package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/service"
)

// Sweeper runs one transcript sweep pass.
type Sweeper interface {
	Run(ctx context.Context) (service.SweepResult, error)
}

// StartSweepWorker runs sweeper every interval until ctx ends. The returned
// channel closes once the loop has exited.
func StartSweepWorker(ctx context.Context, sweeper Sweeper, interval time.Duration, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	if sweeper == nil || interval <= 0 {
		close(done)
		return done
	}
	logger = logger.Named("sweep_worker")

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Warn("transcript sweep failed", zap.Error(err))
				}
			}
		}
	}()
	return done
}
