package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambroker/errors"
	"github.com/c360/streambroker/registry"
)

func newTestManager(t *testing.T) (*Manager, registry.Store) {
	t.Helper()
	store := registry.NewMemoryStore(
		registry.WithMemorySweepInterval(time.Hour),
	)
	t.Cleanup(func() { store.Close() })
	return NewManager(store), store
}

func testSession(streamID string) *registry.Session {
	return &registry.Session{
		StreamID:        streamID,
		StreamName:      "rooftop-sdr",
		StreamType:      "sensor",
		PublisherID:     "pub-1",
		ConsumerID:      "viz-panel-3",
		ConsumerAddress: "192.168.1.77",
		Protocol:        "udp",
		TransportConfig: map[string]any{"port": float64(9999)},
	}
}

func advertiseTestStream(t *testing.T, store registry.Store) *registry.Stream {
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

func TestCreateAssignsID(t *testing.T) {
	mgr, store := newTestManager(t)
	stream := advertiseTestStream(t, store)

	created, err := mgr.Create(context.Background(), testSession(stream.ID))
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, stream.ID, created.StreamID)
	assert.Equal(t, "active", created.Status)
	assert.False(t, created.StartedAt.IsZero())
}

func TestCreateRejectsMissingStream(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.Create(context.Background(), testSession("no-such-stream"))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestHeartbeatMissingSession(t *testing.T) {
	mgr, _ := newTestManager(t)

	err := mgr.Heartbeat(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestStopIsIdempotent(t *testing.T) {
	mgr, store := newTestManager(t)
	stream := advertiseTestStream(t, store)

	created, err := mgr.Create(context.Background(), testSession(stream.ID))
	require.NoError(t, err)

	removed, err := mgr.Stop(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = mgr.Stop(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = mgr.Get(context.Background(), created.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestListFiltersByStream(t *testing.T) {
	mgr, store := newTestManager(t)
	first := advertiseTestStream(t, store)

	second, err := store.AdvertiseStream(context.Background(), &registry.Stream{
		Name:        "stage-cam",
		StreamType:  "video",
		PublisherID: "pub-2",
		Protocol:    "srt",
		Address:     "192.168.1.51",
		Port:        5000,
	})
	require.NoError(t, err)

	_, err = mgr.Create(context.Background(), testSession(first.ID))
	require.NoError(t, err)
	_, err = mgr.Create(context.Background(), testSession(first.ID))
	require.NoError(t, err)
	_, err = mgr.Create(context.Background(), testSession(second.ID))
	require.NoError(t, err)

	all, err := mgr.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	filtered, err := mgr.List(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Len(t, filtered, 2)
	for _, s := range filtered {
		assert.Equal(t, first.ID, s.StreamID)
	}
}

func TestSubscribeWithoutTransport(t *testing.T) {
	mgr, _ := newTestManager(t)

	// No NATS client attached: store-only operation is still valid.
	assert.NoError(t, mgr.Subscribe(context.Background()))
}
