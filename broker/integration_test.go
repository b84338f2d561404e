package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambroker/broker"
	"github.com/c360/streambroker/client"
	"github.com/c360/streambroker/errors"
	"github.com/c360/streambroker/natsclient"
	"github.com/c360/streambroker/registry"
)

// TestIntegration_NegotiationRoundTrip runs the full negotiation loop
// over a real NATS server: publisher advertises, broker stores the
// advertisement from the bus, consumer request reaches the publisher,
// and the accepted offer produces a session.
func TestIntegration_NegotiationRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}

	tc := natsclient.NewTestClient(t)
	ctx := context.Background()

	store := registry.NewMemoryStore(
		registry.WithMemorySweepInterval(time.Hour),
	)
	t.Cleanup(func() { _ = store.Close() })

	b := broker.New(store, broker.WithNATS(tc.Client))
	require.NoError(t, b.Subscribe(ctx))

	pub := client.NewPublisher(tc.Client, &registry.Stream{
		Name:        "rooftop-sdr",
		StreamType:  "sensor",
		PublisherID: "pub-integration",
		Protocol:    "udp",
		Address:     "192.168.1.50",
		Port:        9999,
	})
	require.NoError(t, pub.Start(ctx))
	t.Cleanup(func() { _ = pub.Stop(context.Background()) })

	// The advertisement travels over the bus; wait for the broker to
	// store it.
	var streamID string
	require.Eventually(t, func() bool {
		streams, err := b.List(ctx, "")
		if err != nil || len(streams) != 1 {
			return false
		}
		streamID = streams[0].ID
		return true
	}, 5*time.Second, 50*time.Millisecond)

	offer, err := b.RequestStream(ctx, streamID, broker.ConsumerRequest{
		ConsumerID: "consumer-integration",
		Address:    "10.0.0.7",
		Port:       5000,
		Transport:  "udp",
	})
	require.NoError(t, err)
	require.True(t, offer.Accepted)
	assert.Equal(t, "192.168.1.50", offer.Address)
	assert.Equal(t, 9999, offer.Port)
	assert.NotEmpty(t, offer.SessionID)

	sessions, err := b.Sessions().List(ctx, streamID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "consumer-integration", sessions[0].ConsumerID)
}

// TestIntegration_NegotiationTimeout covers a stream whose publisher
// never answers: the request must fail with the negotiation timeout
// classification rather than hang.
func TestIntegration_NegotiationTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}

	tc := natsclient.NewTestClient(t)
	ctx := context.Background()

	store := registry.NewMemoryStore(
		registry.WithMemorySweepInterval(time.Hour),
	)
	t.Cleanup(func() { _ = store.Close() })

	b := broker.New(store,
		broker.WithNATS(tc.Client),
		broker.WithNegotiationTimeout(500*time.Millisecond),
	)

	stream, err := b.Advertise(ctx, &registry.Stream{
		Name:        "ghost",
		StreamType:  "sensor",
		PublisherID: "pub-silent",
		Protocol:    "udp",
		Address:     "192.168.1.51",
		Port:        9998,
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = b.RequestStream(ctx, stream.ID, broker.ConsumerRequest{
		ConsumerID: "consumer-impatient",
	})
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNegotiationTimeout))

	// A silent publisher gets the full negotiation window, even when
	// the server reports no responders right away.
	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}
