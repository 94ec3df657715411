package app

import (
	"context"
	"sync"
	"time"

	"proximity_attendance/internal/domain/notify"

	"github.com/sirupsen/logrus"
)

// AsyncNotifier queues events for a background worker. Notify never blocks:
// when the queue is full the event is dropped and logged.
type AsyncNotifier struct {
	next    notify.Notifier
	queue   chan notify.Event
	timeout time.Duration
	logger  *logrus.Entry
	once    sync.Once
	done    chan struct{}
}

func NewAsyncNotifier(next notify.Notifier, buffer int, timeout time.Duration, logger *logrus.Entry) *AsyncNotifier {
	n := &AsyncNotifier{
		next:    next,
		queue:   make(chan notify.Event, buffer),
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *AsyncNotifier) Notify(_ context.Context, e notify.Event) error {
	select {
	case n.queue <- e:
	default:
		n.logger.WithField("kind", e.Kind).Warn("Notification queue full, dropping event")
	}
	return nil
}

func (n *AsyncNotifier) run() {
	defer close(n.done)
	for e := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		if err := n.next.Notify(ctx, e); err != nil {
			n.logger.WithError(err).WithFields(logrus.Fields{
				"kind":       e.Kind,
				"session_id": e.SessionID,
			}).Error("Failed to dispatch notification")
		}
		cancel()
	}
}

// Close stops accepting events and waits for the queue to drain.
func (n *AsyncNotifier) Close() {
	n.once.Do(func() { close(n.queue) })
	<-n.done
}

// LogNotifier writes events to the log. Used when no messaging channel is configured.
type LogNotifier struct {
	logger *logrus.Entry
}

func NewLogNotifier(logger *logrus.Entry) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, e notify.Event) error {
	fields := logrus.Fields{
		"kind":       e.Kind,
		"session_id": e.SessionID,
		"recipients": len(e.ChatIDs),
	}
	if e.RoundID.Valid {
		fields["round_id"] = e.RoundID.UUID
	}
	n.logger.WithFields(fields).Info(e.Text)
	return nil
}
