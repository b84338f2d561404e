package typestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/streambroker/errors"
	"github.com/c360/streambroker/natsclient"
)

// Store is the stream type registry contract. Built-in types are always
// present and immutable; only custom types are created, updated, or
// deleted.
type Store interface {
	List(ctx context.Context) ([]*StreamType, error)
	Get(ctx context.Context, name string) (*StreamType, error)
	Create(ctx context.Context, t *StreamType) error
	Update(ctx context.Context, t *StreamType) error
	Delete(ctx context.Context, name string) error
}

const typesBucket = "streambroker_types"

// KVStore persists custom stream types in a JetStream KV bucket, so all
// broker instances sharing a NATS cluster see the same type registry.
// Built-ins come from code, never from the bucket.
type KVStore struct {
	kv *natsclient.KVStore
}

// NewKVStore creates the type registry, provisioning its bucket if needed.
func NewKVStore(ctx context.Context, natsClient *natsclient.Client) (*KVStore, error) {
	if natsClient == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil nats client"),
			"typestore", "NewKVStore", "validate dependencies")
	}

	bucket, err := natsClient.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      typesBucket,
		Description: "Custom stream type definitions",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "typestore", "NewKVStore", "create KV bucket")
	}

	return &KVStore{kv: natsClient.NewKVStore(bucket)}, nil
}

// List returns built-ins followed by custom types, sorted by name within
// each group.
func (s *KVStore) List(ctx context.Context) ([]*StreamType, error) {
	types := Builtins()

	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "typestore", "List", "list custom types")
	}
	sort.Strings(keys)

	for _, key := range keys {
		t, err := s.getCustom(ctx, key)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}

	return types, nil
}

// Get returns a single type, built-in or custom.
func (s *KVStore) Get(ctx context.Context, name string) (*StreamType, error) {
	for _, t := range Builtins() {
		if t.Name == name {
			return t, nil
		}
	}
	return s.getCustom(ctx, name)
}

func (s *KVStore) getCustom(ctx context.Context, name string) (*StreamType, error) {
	entry, err := s.kv.Get(ctx, name)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.Wrap(errors.ErrNotFound, "typestore", "Get", "lookup type "+name)
		}
		return nil, errors.WrapTransient(err, "typestore", "Get", "read type")
	}

	var t StreamType
	if err := json.Unmarshal(entry.Value, &t); err != nil {
		return nil, errors.WrapFatal(err, "typestore", "Get", "unmarshal type")
	}
	return &t, nil
}

// Create registers a custom type. Built-in names and existing custom
// names are rejected.
func (s *KVStore) Create(ctx context.Context, t *StreamType) error {
	if err := ValidateName(t.Name); err != nil {
		return errors.WrapInvalid(err, "typestore", "Create", "validate name")
	}
	if IsBuiltin(t.Name) {
		return errors.WrapInvalid(
			fmt.Errorf("%q is a built-in type", t.Name),
			"typestore", "Create", "reject built-in name")
	}

	t.Builtin = false
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	data, err := json.Marshal(t)
	if err != nil {
		return errors.WrapFatal(err, "typestore", "Create", "marshal type")
	}

	if _, err := s.kv.Create(ctx, t.Name, data); err != nil {
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(err, "typestore", "Create", "type already exists")
		}
		return errors.WrapTransient(err, "typestore", "Create", "store type")
	}

	return nil
}

// Update replaces a custom type definition. The original created_at is
// preserved through a CAS read-modify-write.
func (s *KVStore) Update(ctx context.Context, t *StreamType) error {
	if IsBuiltin(t.Name) {
		return errors.WrapInvalid(
			fmt.Errorf("%q is a built-in type", t.Name),
			"typestore", "Update", "built-in types are immutable")
	}

	err := s.kv.UpdateWithRetry(ctx, t.Name, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, fmt.Errorf("type %s: %w", t.Name, errors.ErrNotFound)
		}

		var existing StreamType
		if err := json.Unmarshal(current, &existing); err != nil {
			return nil, fmt.Errorf("unmarshal existing type: %w", err)
		}

		t.Builtin = false
		t.CreatedAt = existing.CreatedAt
		t.UpdatedAt = time.Now().UTC()
		return json.Marshal(t)
	})
	if err != nil {
		if errors.IsNotFound(err) {
			return errors.Wrap(errors.ErrNotFound, "typestore", "Update", "lookup type "+t.Name)
		}
		return errors.WrapTransient(err, "typestore", "Update", "update type")
	}

	return nil
}

// Delete removes a custom type. Built-ins are rejected; deleting an
// absent custom type fails with ErrNotFound.
func (s *KVStore) Delete(ctx context.Context, name string) error {
	if IsBuiltin(name) {
		return errors.WrapInvalid(
			fmt.Errorf("%q is a built-in type", name),
			"typestore", "Delete", "built-in types cannot be deleted")
	}

	if err := s.kv.Delete(ctx, name); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return errors.Wrap(errors.ErrNotFound, "typestore", "Delete", "lookup type "+name)
		}
		return errors.WrapTransient(err, "typestore", "Delete", "delete type")
	}

	return nil
}
