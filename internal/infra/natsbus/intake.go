package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// Submitter validates and enqueues tasks. Implemented by *pipeline.Intake.
type Submitter interface {
	Submit(ctx context.Context, task domain.Task) (domain.Task, bool, error)
}

// disposition tells the consumer how to settle a message.
type disposition int

const (
	ack  disposition = iota // stored (or already queued)
	term                    // malformed; redelivery cannot help
	nak                     // storage failed; redeliver
)

// ConsumeTasks feeds every message on subject into submit until stop is
// called or ctx ends.
func (b *Bus) ConsumeTasks(ctx context.Context, subject string, submit Submitter) (stop func(), err error) {
	if err := b.ensureStream(ctx, subject); err != nil {
		return nil, err
	}
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       "ziggurat-intake",
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    5,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	log := b.log.With("subject", subject)
	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		d, err := handleTask(ctx, submit, msg.Data())
		switch d {
		case ack:
			err = msg.Ack()
		case term:
			log.Warn("rejected task message", "error", err)
			err = msg.Term()
		case nak:
			log.Error("task intake failed", "error", err)
			err = msg.Nak()
		}
		if err != nil {
			log.Error("nats ack failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	log.Info("task intake listening")
	return cons.Stop, nil
}

// handleTask decodes and submits one message.
func handleTask(ctx context.Context, submit Submitter, data []byte) (disposition, error) {
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return term, fmt.Errorf("%w: decode: %v", domain.ErrInvalidTask, err)
	}
	_, _, err := submit.Submit(ctx, task)
	switch {
	case err == nil:
		return ack, nil
	case errors.Is(err, domain.ErrInvalidTask):
		return term, err
	default:
		return nak, err
	}
}
