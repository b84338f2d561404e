package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambroker/errors"
)

// testClock is a manually advanced time source safe for concurrent reads
// from the store's sweeper.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T, clock *testClock) *MemoryStore {
	t.Helper()
	store := NewMemoryStore(
		WithMemoryClock(clock.Now),
		// Long interval so lazy expiry, not the sweeper, decides test outcomes
		WithMemorySweepInterval(time.Hour),
	)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sensorStream() *Stream {
	return &Stream{
		Name:        "rooftop-sdr",
		StreamType:  "sensor",
		PublisherID: "pub-1",
		Protocol:    "udp",
		Address:     "192.168.1.50",
		Port:        9999,
		Config:      map[string]any{"fft_size": 512, "sample_rate": 2.4e6},
	}
}

func TestAdvertiseAssignsID(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)
	ctx := context.Background()

	stored, err := store.AdvertiseStream(ctx, sensorStream())
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)
	assert.Equal(t, 30, stored.TTLSeconds)
	assert.Equal(t, clock.Now(), stored.AdvertisedAt)
	assert.Equal(t, clock.Now(), stored.LastHeartbeat)

	got, err := store.GetStream(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "rooftop-sdr", got.Name)
	assert.Equal(t, "sensor", got.StreamType)
	assert.EqualValues(t, 512, got.Config["fft_size"])
}

func TestAdvertiseUpsertsSamePublisherName(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)
	ctx := context.Background()

	first, err := store.AdvertiseStream(ctx, sensorStream())
	require.NoError(t, err)

	clock.Advance(10 * time.Second)

	update := sensorStream()
	update.Port = 10000
	second, err := store.AdvertiseStream(ctx, update)
	require.NoError(t, err)

	// Same identity, original advertised_at, updated fields
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.AdvertisedAt, second.AdvertisedAt)
	assert.Equal(t, 10000, second.Port)

	streams, err := store.ListStreams(ctx, "")
	require.NoError(t, err)
	assert.Len(t, streams, 1)
}

func TestStreamExpiresWithoutHeartbeat(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)
	ctx := context.Background()

	stored, err := store.AdvertiseStream(ctx, sensorStream())
	require.NoError(t, err)

	streams, err := store.ListStreams(ctx, "sensor")
	require.NoError(t, err)
	require.Len(t, streams, 1)

	clock.Advance(31 * time.Second)

	streams, err = store.ListStreams(ctx, "sensor")
	require.NoError(t, err)
	assert.Empty(t, streams)

	_, err = store.GetStream(ctx, stored.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestHeartbeatResetsClock(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)
	ctx := context.Background()

	stored, err := store.AdvertiseStream(ctx, sensorStream())
	require.NoError(t, err)

	// Heartbeat just before expiry, repeatedly
	for i := 0; i < 5; i++ {
		clock.Advance(29 * time.Second)
		require.NoError(t, store.TouchStream(ctx, stored.ID))
	}

	got, err := store.GetStream(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), got.LastHeartbeat)
}

func TestHeartbeatAfterExpiryFails(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)
	ctx := context.Background()

	stored, err := store.AdvertiseStream(ctx, sensorStream())
	require.NoError(t, err)

	clock.Advance(31 * time.Second)

	err = store.TouchStream(ctx, stored.ID)
	assert.True(t, errors.IsNotFound(err), "expired record must not be silently resurrected")
}

func TestWithdrawIdempotent(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)
	ctx := context.Background()

	stored, err := store.AdvertiseStream(ctx, sensorStream())
	require.NoError(t, err)

	removed, err := store.WithdrawStream(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.WithdrawStream(ctx, stored.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = store.WithdrawStream(ctx, "never-existed")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestWithdrawClearsSessionIndex(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)
	ctx := context.Background()

	stored, err := store.AdvertiseStream(ctx, sensorStream())
	require.NoError(t, err)

	_, err = store.CreateSession(ctx, &Session{
		StreamID:        stored.ID,
		ConsumerID:      "consumer-1",
		ConsumerAddress: "192.168.1.60",
	})
	require.NoError(t, err)

	_, err = store.WithdrawStream(ctx, stored.ID)
	require.NoError(t, err)

	sessions, err := store.ListSessions(ctx, stored.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSessionOutlivesStreamExpiry(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)
	ctx := context.Background()

	stored, err := store.AdvertiseStream(ctx, sensorStream())
	require.NoError(t, err)

	session, err := store.CreateSession(ctx, &Session{
		StreamID:        stored.ID,
		ConsumerID:      "consumer-1",
		ConsumerAddress: "192.168.1.60",
	})
	require.NoError(t, err)

	// The consumer heartbeats, the publisher dies. Separate clocks.
	for i := 0; i < 3; i++ {
		clock.Advance(15 * time.Second)
		require.NoError(t, store.TouchSession(ctx, session.ID))
	}

	_, err = store.GetStream(ctx, stored.ID)
	assert.True(t, errors.IsNotFound(err))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "consumer-1", got.ConsumerID)
}

func TestSessionHeartbeatAfterExpiryFails(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, &Session{
		StreamID:        "some-stream",
		ConsumerID:      "consumer-1",
		ConsumerAddress: "192.168.1.60",
	})
	require.NoError(t, err)

	clock.Advance(31 * time.Second)

	err = store.TouchSession(ctx, session.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestListStreamsByType(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)
	ctx := context.Background()

	_, err := store.AdvertiseStream(ctx, sensorStream())
	require.NoError(t, err)

	video := &Stream{
		Name:        "stage-cam",
		StreamType:  "video",
		PublisherID: "pub-2",
		Protocol:    "srt",
		Address:     "192.168.1.70",
		Port:        5000,
	}
	_, err = store.AdvertiseStream(ctx, video)
	require.NoError(t, err)

	sensors, err := store.ListStreams(ctx, "sensor")
	require.NoError(t, err)
	require.Len(t, sensors, 1)
	assert.Equal(t, "rooftop-sdr", sensors[0].Name)

	all, err := store.ListStreams(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := store.ListStreams(ctx, "midi")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestActiveSessionCount(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)
	ctx := context.Background()

	stored, err := store.AdvertiseStream(ctx, sensorStream())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = store.CreateSession(ctx, &Session{
			StreamID:        stored.ID,
			ConsumerID:      "consumer",
			ConsumerAddress: "192.168.1.60",
		})
		require.NoError(t, err)
	}

	got, err := store.GetStream(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ActiveSessions)
}

func TestSweeperReclaimsExpired(t *testing.T) {
	clock := newTestClock()
	expired := make(chan string, 4)
	store := NewMemoryStore(
		WithMemoryClock(clock.Now),
		WithMemorySweepInterval(5*time.Millisecond),
		WithExpiryCallback(func(kind string) { expired <- kind }),
	)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	_, err := store.AdvertiseStream(ctx, sensorStream())
	require.NoError(t, err)

	clock.Advance(31 * time.Second)

	select {
	case kind := <-expired:
		assert.Equal(t, "stream", kind)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not reclaim expired stream")
	}
}

func TestDeleteSessionIdempotent(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, &Session{
		StreamID:        "s1",
		ConsumerID:      "c1",
		ConsumerAddress: "addr",
	})
	require.NoError(t, err)

	removed, err := store.DeleteSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.DeleteSession(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestConcurrentHeartbeatsAndAdvertise(t *testing.T) {
	store := NewMemoryStore(WithMemorySweepInterval(time.Millisecond))
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	stored, err := store.AdvertiseStream(ctx, sensorStream())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = store.TouchStream(ctx, stored.ID)
				_, _ = store.ListStreams(ctx, "sensor")
			}
		}()
	}
	wg.Wait()

	_, err = store.GetStream(ctx, stored.ID)
	assert.NoError(t, err)
}
