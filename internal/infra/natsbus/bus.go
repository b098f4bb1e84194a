// Package natsbus connects the engine to NATS: a JetStream consumer feeds the
// task intake, and JetStream key-value buckets act as external agent
// registries.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tutu-network/ziggurat/internal/domain"
)

const streamName = "ZIGGURAT_TASKS"

// Bus holds one NATS connection.
type Bus struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log *slog.Logger
}

// Connect dials NATS and initializes JetStream.
func Connect(ctx context.Context, url string, log *slog.Logger) (*Bus, error) {
	nc, err := nats.Connect(url, nats.Name("ziggurat"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	log = log.With("component", "natsbus")
	log.Info("nats connected", "url", url)
	return &Bus{nc: nc, js: js, log: log}, nil
}

// Close drains and closes the connection.
func (b *Bus) Close() error {
	return b.nc.Drain()
}

// ensureStream creates the intake stream for subject if needed.
func (b *Bus) ensureStream(ctx context.Context, subject string) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subject},
	})
	if err != nil {
		return fmt.Errorf("jetstream stream create: %w", err)
	}
	return nil
}

// PublishTask puts a task on the intake subject.
func (b *Bus) PublishTask(ctx context.Context, subject string, task domain.Task) error {
	if err := b.ensureStream(ctx, subject); err != nil {
		return err
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Registry opens (creating if needed) a key-value bucket as an agent registry.
func (b *Bus) Registry(ctx context.Context, bucket string) (*KVRegistry, error) {
	kv, err := b.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "agent profiles",
		History:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("open registry bucket %s: %w", bucket, err)
	}
	return NewKVRegistry(bucket, kv), nil
}
