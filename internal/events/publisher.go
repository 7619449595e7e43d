// Package events publishes job status changes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"flipbook/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, ev models.JobEvent) error
	Close() error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, models.JobEvent) error { return nil }
func (NopPublisher) Close() error                                   { return nil }

// messageWriter is the part of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	log    *logrus.Entry
}

func NewKafkaPublisher(broker, topic string, log *logrus.Entry) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w, log: log}
}

// Publish writes ev keyed by job id so all events of a job land on one
// partition in order.
func (p *KafkaPublisher) Publish(ctx context.Context, ev models.JobEvent) error {
	const op = "events.Publish"

	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.JobID.String()),
		Value: value,
		Time:  ev.At,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	p.log.WithFields(logrus.Fields{"job_id": ev.JobID, "status": ev.Status}).Debug("event published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Notify publishes ev with a short deadline of its own and only logs a
// failure. Job processing never depends on the broker.
func Notify(ctx context.Context, p Publisher, log *logrus.Entry, ev models.JobEvent) {
	if p == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.Publish(ctx, ev); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"job_id": ev.JobID,
			"status": ev.Status,
		}).Warn("failed to publish job event")
	}
}
