package persistence

import (
	"context"
	"sync/atomic"

	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// limiter caps in-flight backend calls at a fixed number of slots. Callers
// beyond that wait in a queue whose depth is bounded by maxQueue; once the
// queue is full, new callers are rejected with Overloaded.
type limiter struct {
	slots    chan struct{}
	waiting  atomic.Int64
	maxQueue int64
}

func newLimiter(maxConcurrent, maxQueue int) *limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	return &limiter{
		slots:    make(chan struct{}, maxConcurrent),
		maxQueue: int64(maxQueue),
	}
}

// acquire takes a slot and returns its release func.
func (l *limiter) acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewTimeout(err)
	}
	select {
	case l.slots <- struct{}{}:
		return l.release, nil
	default:
	}

	if l.waiting.Add(1) > l.maxQueue {
		l.waiting.Add(-1)
		return nil, apperrors.NewOverloaded("storage queue is full")
	}
	defer l.waiting.Add(-1)

	select {
	case l.slots <- struct{}{}:
		return l.release, nil
	case <-ctx.Done():
		return nil, apperrors.NewTimeout(ctx.Err())
	}
}

func (l *limiter) release() {
	<-l.slots
}

func (l *limiter) inFlight() int {
	return len(l.slots)
}

func (l *limiter) queued() int {
	return int(l.waiting.Load())
}
