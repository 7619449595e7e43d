package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"flipbook/internal/models"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestKafkaPublisherKeysByJob(t *testing.T) {
	w := &captureWriter{}
	p := &KafkaPublisher{writer: w, log: quietLog()}
	ev := models.JobEvent{
		JobID:  uuid.New(),
		Status: models.StatusProcessing,
		Stage:  "page 2",
		At:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}

	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("got %d messages", len(w.msgs))
	}
	if string(w.msgs[0].Key) != ev.JobID.String() {
		t.Fatalf("key = %s", w.msgs[0].Key)
	}
	var got models.JobEvent
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.JobID != ev.JobID || got.Status != ev.Status || got.Stage != ev.Stage || !got.At.Equal(ev.At) {
		t.Fatalf("decoded %+v, want %+v", got, ev)
	}
}

func TestNotifySwallowsErrors(t *testing.T) {
	w := &captureWriter{err: errors.New("broker down")}
	p := &KafkaPublisher{writer: w, log: quietLog()}
	Notify(context.Background(), p, quietLog(), models.JobEvent{JobID: uuid.New(), Status: models.StatusFailed})
	Notify(context.Background(), nil, quietLog(), models.JobEvent{})
	Notify(context.Background(), NopPublisher{}, quietLog(), models.JobEvent{})
}
