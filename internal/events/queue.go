package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"flipbook/internal/models"
)

var (
	ErrQueueFull   = errors.New("events: queue full, event dropped")
	ErrQueueClosed = errors.New("events: queue closed")
)

// Queue hands events to a single goroutine that forwards them to the wrapped
// publisher. Publish never waits on the broker; when the buffer is full the
// event is dropped.
type Queue struct {
	pub     Publisher
	timeout time.Duration
	log     *logrus.Entry

	mu     sync.RWMutex
	closed bool
	ch     chan models.JobEvent
	done   chan struct{}
	cancel context.CancelFunc
}

// NewQueue starts the forwarding goroutine. Each forwarded event gets at most
// timeout. Close the queue to stop it; the wrapped publisher is left open.
func NewQueue(pub Publisher, size int, timeout time.Duration, log *logrus.Entry) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		pub:     pub,
		timeout: timeout,
		log:     log,
		ch:      make(chan models.JobEvent, size),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go q.forward(ctx)
	return q
}

func (q *Queue) forward(ctx context.Context) {
	defer close(q.done)
	for ev := range q.ch {
		if ctx.Err() != nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, q.timeout)
		err := q.pub.Publish(pctx, ev)
		cancel()
		if err != nil {
			q.log.WithError(err).WithFields(logrus.Fields{
				"job_id": ev.JobID,
				"status": ev.Status,
			}).Warn("failed to publish job event")
		}
	}
}

// Publish enqueues ev without blocking. ctx is not used.
func (q *Queue) Publish(_ context.Context, ev models.JobEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting events and waits for the buffered ones to be
// forwarded. When ctx ends first, whatever is left is dropped.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		q.cancel()
		<-q.done
		return ctx.Err()
	}
}

// Close drains the queue for at most one publish timeout.
func (q *Queue) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	err := q.Shutdown(ctx)
	q.cancel()
	return err
}
