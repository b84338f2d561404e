package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambroker/broker"
	"github.com/c360/streambroker/registry"
	"github.com/c360/streambroker/subjects"
)

type fakeConn struct {
	mu        sync.Mutex
	published map[string][][]byte
	subs      map[string]func(context.Context, *nats.Msg)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		published: make(map[string][][]byte),
		subs:      make(map[string]func(context.Context, *nats.Msg)),
	}
}

func (f *fakeConn) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func (f *fakeConn) SubscribeMsg(_ context.Context, subject string, handler func(context.Context, *nats.Msg)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[subject] = handler
	return nil
}

func (f *fakeConn) count(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[subject])
}

func (f *fakeConn) last(subject string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.published[subject]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func testStream() *registry.Stream {
	return &registry.Stream{
		Name:        "rooftop-sdr",
		StreamType:  "sensor",
		PublisherID: "pub-1",
		Protocol:    "udp",
		Address:     "192.168.1.50",
		Port:        9999,
	}
}

func TestStartAdvertisesOnBothSubjects(t *testing.T) {
	conn := newFakeConn()
	p := NewPublisher(conn, testStream())
	t.Cleanup(func() { p.Stop(context.Background()) })

	require.NoError(t, p.Start(context.Background()))
	require.NotEmpty(t, p.StreamID())

	for _, subject := range []string{subjects.Advertise, subjects.AdvertiseType("sensor")} {
		data := conn.last(subject)
		require.NotNil(t, data, "missing advertisement on %s", subject)

		var payload map[string]any
		require.NoError(t, json.Unmarshal(data, &payload))
		assert.Equal(t, "stream_advertise", payload["type"])
		assert.Equal(t, p.StreamID(), payload["id"])
		assert.Equal(t, "rooftop-sdr", payload["name"])
	}

	conn.mu.Lock()
	_, subscribed := conn.subs[subjects.Request(p.StreamID())]
	conn.mu.Unlock()
	assert.True(t, subscribed)
}

func TestHeartbeatLoop(t *testing.T) {
	conn := newFakeConn()
	p := NewPublisher(conn, testStream(), WithHeartbeatInterval(10*time.Millisecond))
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop(context.Background()) })

	subject := subjects.Heartbeat(p.StreamID())
	deadline := time.After(3 * time.Second)
	for conn.count(subject) < 3 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for heartbeats")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStopPublishesWithdrawal(t *testing.T) {
	conn := newFakeConn()
	p := NewPublisher(conn, testStream())
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(context.Background()))

	data := conn.last(subjects.Withdraw(p.StreamID()))
	require.NotNil(t, data)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "stream_withdraw", payload["type"])
	assert.Equal(t, p.StreamID(), payload["id"])

	// Stop again is a no-op.
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 1, conn.count(subjects.Withdraw(p.StreamID())))
}

func TestDefaultOfferAcceptsAtAdvertisedEndpoint(t *testing.T) {
	p := NewPublisher(newFakeConn(), testStream())

	offer := p.offer(broker.ConsumerRequest{ConsumerID: "viz-panel-3"})
	assert.True(t, offer.Accepted)
	assert.Equal(t, "192.168.1.50", offer.Address)
	assert.Equal(t, 9999, offer.Port)
	assert.Equal(t, "udp", offer.Protocol)
}

func TestCustomOfferFunc(t *testing.T) {
	declined := broker.Offer{Accepted: false, Reason: "at capacity"}
	p := NewPublisher(newFakeConn(), testStream(), WithOfferFunc(
		func(broker.ConsumerRequest) broker.Offer { return declined },
	))

	offer := p.offer(broker.ConsumerRequest{ConsumerID: "viz-panel-3"})
	assert.False(t, offer.Accepted)
	assert.Equal(t, "at capacity", offer.Reason)
}

func TestStreamIDStableAcrossRestarts(t *testing.T) {
	conn := newFakeConn()
	stream := testStream()
	p := NewPublisher(conn, stream)
	id := p.StreamID()

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() { p.Stop(ctx) })

	assert.Equal(t, id, p.StreamID())
}