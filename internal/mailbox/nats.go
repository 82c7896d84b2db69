package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSMailbox stores the registries in two JetStream key-value buckets.
// JetStream gives the cross-process shared resource transactional
// put/get/delete semantics, so many orchestrator sessions and the
// operator tool can share one mailbox.
type NATSMailbox struct {
	escalations nats.KeyValue
	responses   nats.KeyValue
	logger      *zap.Logger
}

// NATSOptions configures the bucket names.
type NATSOptions struct {
	EscalationBucket string
	ResponseBucket   string
}

// DefaultNATSOptions returns the stock bucket names.
func DefaultNATSOptions() NATSOptions {
	return NATSOptions{
		EscalationBucket: "stepflow_escalations",
		ResponseBucket:   "stepflow_responses",
	}
}

// NewNATSMailbox binds to (or creates) the two buckets on an existing
// connection. The caller owns the connection lifecycle.
func NewNATSMailbox(nc *nats.Conn, opts NATSOptions, logger *zap.Logger) (*NATSMailbox, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.EscalationBucket == "" || opts.ResponseBucket == "" {
		opts = DefaultNATSOptions()
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get jetstream context: %w", err)
	}

	esc, err := ensureBucket(js, opts.EscalationBucket)
	if err != nil {
		return nil, err
	}
	resp, err := ensureBucket(js, opts.ResponseBucket)
	if err != nil {
		return nil, err
	}

	return &NATSMailbox{escalations: esc, responses: resp, logger: logger}, nil
}

func ensureBucket(js nats.JetStreamContext, name string) (nats.KeyValue, error) {
	kv, err := js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open bucket %s: %w", name, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: name})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return kv, nil
}

// PutEscalation stores a new escalation record.
func (m *NATSMailbox) PutEscalation(ctx context.Context, esc *Escalation) error {
	data, err := json.Marshal(esc)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation %s: %w", esc.ID, err)
	}
	if _, err := m.escalations.Put(esc.ID, data); err != nil {
		return fmt.Errorf("failed to store escalation %s: %w", esc.ID, err)
	}
	return nil
}

// GetEscalation returns the record for an id.
func (m *NATSMailbox) GetEscalation(ctx context.Context, id string) (*Escalation, error) {
	entry, err := m.escalations.Get(id)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, fmt.Errorf("escalation %s: %w", id, ErrEscalationNotFound)
		}
		return nil, fmt.Errorf("failed to load escalation %s: %w", id, err)
	}

	var esc Escalation
	if err := json.Unmarshal(entry.Value(), &esc); err != nil {
		return nil, fmt.Errorf("failed to decode escalation %s: %w", id, err)
	}
	return &esc, nil
}

// UpdateEscalation replaces the record for an existing id.
func (m *NATSMailbox) UpdateEscalation(ctx context.Context, esc *Escalation) error {
	if _, err := m.GetEscalation(ctx, esc.ID); err != nil {
		return err
	}
	return m.PutEscalation(ctx, esc)
}

// ListEscalations returns records with the given status, newest first.
func (m *NATSMailbox) ListEscalations(ctx context.Context, status EscalationStatus) ([]*Escalation, error) {
	keys, err := m.escalations.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}

	var out []*Escalation
	for _, key := range keys {
		esc, err := m.GetEscalation(ctx, key)
		if err != nil {
			if errors.Is(err, ErrEscalationNotFound) {
				continue
			}
			return nil, err
		}
		if status == "" || esc.Status == status {
			out = append(out, esc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// PutResponse stores an operator answer for an escalation id.
func (m *NATSMailbox) PutResponse(ctx context.Context, escalationID, response string) error {
	if _, err := m.responses.Put(escalationID, []byte(response)); err != nil {
		return fmt.Errorf("failed to store response for %s: %w", escalationID, err)
	}
	return nil
}

// TakeResponse removes and returns the operator answer for an id.
func (m *NATSMailbox) TakeResponse(ctx context.Context, escalationID string) (string, bool, error) {
	entry, err := m.responses.Get(escalationID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to load response for %s: %w", escalationID, err)
	}
	if err := m.responses.Delete(escalationID); err != nil {
		return "", false, fmt.Errorf("failed to consume response for %s: %w", escalationID, err)
	}
	return string(entry.Value()), true, nil
}
