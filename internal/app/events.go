package app

import (
	"context"
	"sync"
	"time"

	"proximity_attendance/internal/domain/session"

	"github.com/sirupsen/logrus"
)

// RoundEvents is the publish side of round lifecycle signals. Delivery is
// at-least-once, so subscribers must be idempotent.
type RoundEvents interface {
	RoundCompleted(ctx context.Context, r session.Round)
}

// RoundCompletedHandler consumes a round-completed signal.
type RoundCompletedHandler func(ctx context.Context, r session.Round) error

// AsyncRoundEvents runs handlers on their own goroutines with a fresh
// context so a slow consumer never holds up the lifecycle call that
// published the event.
type AsyncRoundEvents struct {
	mu       sync.RWMutex
	handlers []RoundCompletedHandler
	timeout  time.Duration
	logger   *logrus.Entry
	wg       sync.WaitGroup
}

func NewAsyncRoundEvents(timeout time.Duration, logger *logrus.Entry) *AsyncRoundEvents {
	return &AsyncRoundEvents{timeout: timeout, logger: logger}
}

func (e *AsyncRoundEvents) Subscribe(h RoundCompletedHandler) {
	e.mu.Lock()
	e.handlers = append(e.handlers, h)
	e.mu.Unlock()
}

func (e *AsyncRoundEvents) RoundCompleted(_ context.Context, r session.Round) {
	e.mu.RLock()
	handlers := append([]RoundCompletedHandler(nil), e.handlers...)
	e.mu.RUnlock()

	for _, h := range handlers {
		e.wg.Add(1)
		go func(h RoundCompletedHandler) {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			defer cancel()
			if err := h(ctx, r); err != nil {
				e.logger.WithError(err).WithFields(logrus.Fields{
					"round_id":   r.ID,
					"session_id": r.SessionID,
				}).Error("Round completed handler failed")
			}
		}(h)
	}
}

// Wait blocks until every dispatched handler has returned.
func (e *AsyncRoundEvents) Wait() {
	e.wg.Wait()
}
