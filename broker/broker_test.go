package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambroker/errors"
	"github.com/c360/streambroker/registry"
	"github.com/c360/streambroker/typestore"
)

func newTestBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	store := registry.NewMemoryStore(
		registry.WithMemorySweepInterval(time.Hour),
	)
	t.Cleanup(func() { store.Close() })
	return New(store, opts...)
}

func sensorStream() *registry.Stream {
	return &registry.Stream{
		Name:        "rooftop-sdr",
		StreamType:  "sensor",
		PublisherID: "pub-1",
		Protocol:    "udp",
		Address:     "192.168.1.50",
		Port:        9999,
		Config:      map[string]any{"fft_size": float64(512)},
	}
}

func TestAdvertiseAssignsIdentity(t *testing.T) {
	b := newTestBroker(t)

	stored, err := b.Advertise(context.Background(), sensorStream())
	require.NoError(t, err)

	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.AdvertisedAt.IsZero())
	assert.Equal(t, "sensor", stored.StreamType)
}

func TestAdvertiseRequiresNameAndPublisher(t *testing.T) {
	b := newTestBroker(t)

	s := sensorStream()
	s.Name = ""
	_, err := b.Advertise(context.Background(), s)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	s = sensorStream()
	s.PublisherID = ""
	_, err = b.Advertise(context.Background(), s)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestAdvertiseValidatesStreamType(t *testing.T) {
	b := newTestBroker(t, WithTypeStore(typestore.NewMemoryStore()))

	_, err := b.Advertise(context.Background(), sensorStream())
	require.NoError(t, err)

	s := sensorStream()
	s.StreamType = "hologram"
	_, err = b.Advertise(context.Background(), s)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestReadvertiseKeepsIdentity(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	first, err := b.Advertise(ctx, sensorStream())
	require.NoError(t, err)

	updated := sensorStream()
	updated.Port = 10000
	second, err := b.Advertise(ctx, updated)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.AdvertisedAt, second.AdvertisedAt)
	assert.Equal(t, 10000, second.Port)

	streams, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, streams, 1)
}

func TestWithdrawIsIdempotent(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	stored, err := b.Advertise(ctx, sensorStream())
	require.NoError(t, err)

	removed, err := b.Withdraw(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = b.Withdraw(ctx, stored.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestHeartbeatUnknownStream(t *testing.T) {
	b := newTestBroker(t)

	err := b.Heartbeat(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestListFiltersByType(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Advertise(ctx, sensorStream())
	require.NoError(t, err)

	cam := &registry.Stream{
		Name:        "stage-cam",
		StreamType:  "video",
		PublisherID: "pub-2",
		Protocol:    "srt",
		Address:     "192.168.1.51",
		Port:        5000,
	}
	_, err = b.Advertise(ctx, cam)
	require.NoError(t, err)

	sensors, err := b.List(ctx, "sensor")
	require.NoError(t, err)
	require.Len(t, sensors, 1)
	assert.Equal(t, "rooftop-sdr", sensors[0].Name)

	all, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRequestStreamUnknownStream(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.RequestStream(context.Background(), "ghost", ConsumerRequest{
		ConsumerID: "viz-panel-3",
	})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestRequestStreamWithoutTransport(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	stored, err := b.Advertise(ctx, sensorStream())
	require.NoError(t, err)

	_, err = b.RequestStream(ctx, stored.ID, ConsumerRequest{ConsumerID: "viz-panel-3"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestComponentLifecycle(t *testing.T) {
	b := newTestBroker(t)
	c := NewComponent("broker-test", b)

	require.NoError(t, c.Initialize())

	meta := c.Meta()
	assert.Equal(t, "broker-test", meta.Name)
	assert.Equal(t, "broker", meta.Type)

	// No NATS attached: start succeeds as a store-only broker.
	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Health().Healthy)
	require.NoError(t, c.Stop(time.Second))
	require.NoError(t, c.Stop(time.Second))
}
