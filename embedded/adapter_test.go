package embedded

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambroker/errors"
	"github.com/c360/streambroker/registry"
	"github.com/c360/streambroker/session"
	"github.com/c360/streambroker/subjects"
)

func newTestAdapter(t *testing.T) (*Adapter, registry.Store) {
	t.Helper()
	store := registry.NewMemoryStore(
		registry.WithMemorySweepInterval(time.Hour),
	)
	t.Cleanup(func() { store.Close() })
	return NewAdapter(store, session.NewManager(store), nil), store
}

func advertiseSensor(t *testing.T, store registry.Store) *registry.Stream {
	t.Helper()
	stream, err := store.AdvertiseStream(context.Background(), &registry.Stream{
		Name:        "rooftop-sdr",
		StreamType:  "sensor",
		PublisherID: "pub-1",
		Protocol:    "udp",
		Address:     "192.168.1.50",
		Port:        9999,
	})
	require.NoError(t, err)
	return stream
}

func TestSubscribeCreatesSession(t *testing.T) {
	adapter, store := newTestAdapter(t)
	ctx := context.Background()
	stream := advertiseSensor(t, store)

	sess, err := adapter.HandleSubscribe(ctx, stream.ID, Registration{
		ConsumerID: "esp32-kitchen",
		Address:    "192.168.1.88",
		Port:       7777,
	})
	require.NoError(t, err)

	assert.Equal(t, stream.ID, sess.StreamID)
	assert.Equal(t, "esp32-kitchen", sess.ConsumerID)
	assert.Equal(t, "udp", sess.Protocol)
	assert.Equal(t, "192.168.1.88", sess.TransportConfig["address"])
	assert.Equal(t, 7777, sess.TransportConfig["port"])
}

func TestSubscribeUnknownStream(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	_, err := adapter.HandleSubscribe(context.Background(), "ghost", Registration{
		ConsumerID: "esp32-kitchen",
	})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestUnsubscribeRemovesOnlyMatchingConsumer(t *testing.T) {
	adapter, store := newTestAdapter(t)
	ctx := context.Background()
	stream := advertiseSensor(t, store)

	_, err := adapter.HandleSubscribe(ctx, stream.ID, Registration{
		ConsumerID: "esp32-kitchen", Address: "192.168.1.88", Port: 7777,
	})
	require.NoError(t, err)
	_, err = adapter.HandleSubscribe(ctx, stream.ID, Registration{
		ConsumerID: "esp32-garage", Address: "192.168.1.89", Port: 7777,
	})
	require.NoError(t, err)

	require.NoError(t, adapter.HandleUnsubscribe(ctx, stream.ID, "esp32-kitchen"))

	remaining, err := store.ListSessions(ctx, stream.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "esp32-garage", remaining[0].ConsumerID)
}

func TestBusSubscribeWithBridgeEnvelope(t *testing.T) {
	adapter, store := newTestAdapter(t)
	ctx := context.Background()
	stream := advertiseSensor(t, store)

	// The bridge wraps MQTT payloads in a data envelope.
	adapter.handleSubscribe(ctx, &nats.Msg{
		Subject: subjects.MQTTSubscribe(stream.ID),
		Data:    []byte(`{"data":{"consumer_id":"esp32-kitchen","address":"192.168.1.88","port":7777}}`),
	})

	sessions, err := store.ListSessions(ctx, stream.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "esp32-kitchen", sessions[0].ConsumerID)
}

func TestBusSubscribeWithBarePayload(t *testing.T) {
	adapter, store := newTestAdapter(t)
	ctx := context.Background()
	stream := advertiseSensor(t, store)

	adapter.handleSubscribe(ctx, &nats.Msg{
		Subject: subjects.MQTTSubscribe(stream.ID),
		Data:    []byte(`{"consumer_id":"esp32-garage","address":"192.168.1.89","port":7778}`),
	})

	sessions, err := store.ListSessions(ctx, stream.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "esp32-garage", sessions[0].ConsumerID)
}

func TestBusSubscribeMalformedPayload(t *testing.T) {
	adapter, store := newTestAdapter(t)
	ctx := context.Background()
	stream := advertiseSensor(t, store)

	adapter.handleSubscribe(ctx, &nats.Msg{
		Subject: subjects.MQTTSubscribe(stream.ID),
		Data:    []byte(`not json`),
	})

	sessions, err := store.ListSessions(ctx, stream.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestBusUnsubscribe(t *testing.T) {
	adapter, store := newTestAdapter(t)
	ctx := context.Background()
	stream := advertiseSensor(t, store)

	_, err := adapter.HandleSubscribe(ctx, stream.ID, Registration{
		ConsumerID: "esp32-kitchen", Address: "192.168.1.88", Port: 7777,
	})
	require.NoError(t, err)

	adapter.handleUnsubscribe(ctx, &nats.Msg{
		Subject: "mqtt.stream." + stream.ID + ".unsubscribe",
		Data:    []byte(`{"data":{"consumer_id":"esp32-kitchen"}}`),
	})

	sessions, err := store.ListSessions(ctx, stream.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
