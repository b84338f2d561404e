package sdrf

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderFanOut(t *testing.T) {
	first, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer first.Close()

	second, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer second.Close()

	sender, err := NewSender()
	require.NoError(t, err)
	defer sender.Close()

	require.NoError(t, sender.AddConsumer(first.LocalAddr().String()))
	require.NoError(t, sender.AddConsumer(second.LocalAddr().String()))
	assert.Equal(t, 2, sender.ConsumerCount())

	require.NoError(t, sender.Send(&Frame{
		CenterFreq: 101.5e6,
		SampleRate: 2.4e6,
		Bins:       []float32{-80, -81},
	}))

	for _, conn := range []*net.UDPConn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		buf := make([]byte, 2048)
		n, _, err := conn.ReadFromUDP(buf)
		require.NoError(t, err)

		frame, err := Unmarshal(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, uint32(1), frame.Sequence)
		assert.Equal(t, []float32{-80, -81}, frame.Bins)
	}
}

func TestSenderSequenceIncrements(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	sender, err := NewSender()
	require.NoError(t, err)
	defer sender.Close()
	require.NoError(t, sender.AddConsumer(listener.LocalAddr().String()))

	buf := make([]byte, 2048)
	for want := uint32(1); want <= 3; want++ {
		require.NoError(t, sender.Send(&Frame{Bins: []float32{0}}))
		require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := listener.ReadFromUDP(buf)
		require.NoError(t, err)
		frame, err := Unmarshal(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, want, frame.Sequence)
	}
}

func TestSenderRemoveConsumer(t *testing.T) {
	sender, err := NewSender()
	require.NoError(t, err)
	defer sender.Close()

	require.NoError(t, sender.AddConsumer("127.0.0.1:19999"))
	assert.Equal(t, 1, sender.ConsumerCount())

	sender.RemoveConsumer("127.0.0.1:19999")
	assert.Equal(t, 0, sender.ConsumerCount())

	// Removing an unknown endpoint is a no-op.
	sender.RemoveConsumer("127.0.0.1:19999")
	assert.Equal(t, 0, sender.ConsumerCount())
}

func TestReceiverDecodesAndCounts(t *testing.T) {
	var mu sync.Mutex
	var got []*Frame
	received := make(chan struct{}, 16)

	receiver := NewReceiver("127.0.0.1", 0, func(f *Frame, _ *net.UDPAddr) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
		received <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, receiver.Start(ctx))
	defer receiver.Stop()

	addr := receiver.Addr()
	require.NotNil(t, addr)

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	data, err := Marshal(&Frame{Sequence: 0, CenterFreq: 101.5e6, Bins: []float32{-70}})
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	// Garbage must be dropped without killing the loop.
	_, err = conn.Write([]byte("definitely not a frame"))
	require.NoError(t, err)

	_, err = conn.Write(data)
	require.NoError(t, err)

	for range 2 {
		select {
		case <-received:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for frames")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 2)
	assert.Equal(t, int64(2), receiver.FramesReceived())
	assert.Equal(t, int64(1), receiver.FramesDropped())
}

func TestReceiverStartStopIdempotent(t *testing.T) {
	receiver := NewReceiver("127.0.0.1", 0, nil)

	ctx := context.Background()
	require.NoError(t, receiver.Start(ctx))
	require.NoError(t, receiver.Start(ctx))
	require.NoError(t, receiver.Stop())
	require.NoError(t, receiver.Stop())
}

func TestStalenessTransitions(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		mu.Lock()
		current = current.Add(d)
		mu.Unlock()
	}

	s := newStaleness(StaleThreshold, now)

	// Never received anything: not stale, just idle.
	stale, transition := s.check()
	assert.False(t, stale)
	assert.False(t, transition)

	assert.False(t, s.observe())

	advance(4 * time.Second)
	stale, _ = s.check()
	assert.False(t, stale)

	advance(2 * time.Second)
	stale, transition = s.check()
	assert.True(t, stale)
	assert.True(t, transition)

	// Only the transition reports once; the state persists.
	stale, transition = s.check()
	assert.True(t, stale)
	assert.False(t, transition)

	// A valid frame clears the flag and reports recovery.
	assert.True(t, s.observe())
	stale, _ = s.check()
	assert.False(t, stale)
}
