package natsbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// keyValue is the part of jetstream.KeyValue a registry needs.
type keyValue interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
}

// KVRegistry is an agent registry kept in a JetStream key-value bucket. The
// bucket revision of each key is the registry's CAS counter.
type KVRegistry struct {
	name string
	kv   keyValue
}

// NewKVRegistry wraps a bucket.
func NewKVRegistry(name string, kv keyValue) *KVRegistry {
	return &KVRegistry{name: name, kv: kv}
}

// Name implements domain.Registry.
func (r *KVRegistry) Name() string { return r.name }

// Fetch implements domain.Registry. A missing key yields nil, nil.
func (r *KVRegistry) Fetch(ctx context.Context, agentID string) (*domain.RegistryView, error) {
	entry, err := r.kv.Get(ctx, profileKey(agentID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w: %v", r.name, domain.ErrRegistryUnavailable, err)
	}
	var p domain.AgentProfile
	if err := json.Unmarshal(entry.Value(), &p); err != nil {
		return nil, fmt.Errorf("registry %s: decode %s: %w", r.name, agentID, err)
	}
	return &domain.RegistryView{Registry: r.name, Profile: p, Revision: entry.Revision()}, nil
}

// Push implements domain.Registry. It writes only if the key is still at
// view.Revision (0 creates it).
func (r *KVRegistry) Push(ctx context.Context, view domain.RegistryView) (uint64, error) {
	data, err := json.Marshal(view.Profile)
	if err != nil {
		return 0, fmt.Errorf("encode profile: %w", err)
	}
	rev, err := r.kv.Update(ctx, profileKey(view.Profile.AgentID), data, view.Revision)
	if err == nil {
		return rev, nil
	}
	var apiErr *jetstream.APIError
	if errors.Is(err, jetstream.ErrKeyExists) ||
		(errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence) {
		return 0, fmt.Errorf("registry %s: %w", r.name, domain.ErrVersionConflict)
	}
	return 0, fmt.Errorf("registry %s: %w: %v", r.name, domain.ErrRegistryUnavailable, err)
}

// profileKey maps an agent ID onto the bucket's key alphabet.
func profileKey(agentID string) string {
	return "agent." + base64.RawURLEncoding.EncodeToString([]byte(agentID))
}
