package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// JobChannel is the NOTIFY channel fired when a pending job is inserted.
const JobChannel = "flipbook_jobs"

// Listener turns NOTIFY flipbook_jobs into coalesced wake-ups for the worker.
type Listener struct {
	pql  *pq.Listener
	wake chan struct{}
	log  *logrus.Entry
}

func NewListener(dsn string, log *logrus.Entry) (*Listener, error) {
	const op = "storage.NewListener"

	pql := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.WithError(err).WithField("event", ev).Warn("listener connection event")
		}
	})
	if err := pql.Listen(JobChannel); err != nil {
		pql.Close()
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return &Listener{pql: pql, wake: make(chan struct{}, 1), log: log}, nil
}

// Wake fires at least once after every notification received by Run.
func (l *Listener) Wake() <-chan struct{} { return l.wake }

// Run forwards notifications until ctx is done. A nil notification means the
// connection was re-established and jobs may have been missed, so it wakes
// the worker as well.
func (l *Listener) Run(ctx context.Context) error {
	defer l.pql.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-l.pql.Notify:
			if n != nil {
				l.log.WithField("job_id", n.Extra).Debug("pending job notification")
			}
			signal(l.wake)
		case <-time.After(90 * time.Second):
			go func() { _ = l.pql.Ping() }()
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
