package sdrf

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/streambroker/errors"
	"github.com/c360/streambroker/metric"
	"github.com/c360/streambroker/pkg/buffer"
	"github.com/c360/streambroker/pkg/retry"
)

// StaleThreshold is how long a receiver tolerates silence before
// flagging the stream stale. The next valid frame clears the flag.
const StaleThreshold = 5 * time.Second

// FrameHandler receives each decoded frame and its source address.
type FrameHandler func(*Frame, *net.UDPAddr)

// staleness tracks frame arrival times against the threshold without
// any timers of its own: callers ask, it answers from the clock.
type staleness struct {
	mu        sync.Mutex
	lastValid time.Time
	wasStale  bool
	threshold time.Duration
	now       func() time.Time
}

func newStaleness(threshold time.Duration, now func() time.Time) *staleness {
	if now == nil {
		now = time.Now
	}
	return &staleness{threshold: threshold, now: now}
}

// observe records a valid frame arrival. Returns true when the frame
// ends a stale period.
func (s *staleness) observe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	recovered := s.wasStale
	s.lastValid = s.now()
	s.wasStale = false
	return recovered
}

// check reports whether the stream is stale, and true in the second
// return exactly once per stale period so the caller can log the
// transition without repeating itself.
func (s *staleness) check() (stale, transition bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastValid.IsZero() {
		return false, false
	}
	if s.now().Sub(s.lastValid) < s.threshold {
		return false, false
	}
	transition = !s.wasStale
	s.wasStale = true
	return true, transition
}

// datagram is a staged packet awaiting decode.
type datagram struct {
	data []byte
	addr *net.UDPAddr
}

// stagingCapacity bounds the number of datagrams held between the
// socket read loop and frame decoding. DropOldest keeps the freshest
// spectrum data when decoding falls behind.
const stagingCapacity = 4096

// Receiver listens for SDRF frames on a UDP socket, stages datagrams
// through a circular buffer, decodes them, and hands them to a
// handler. Malformed packets are counted and dropped; the read loop
// never dies over bad input.
type Receiver struct {
	bind    string
	port    int
	handler FrameHandler

	conn     *net.UDPConn
	staging  buffer.Buffer[datagram]
	stale    *staleness
	shutdown chan struct{}
	running  atomic.Bool
	wg       sync.WaitGroup
	mu       sync.Mutex

	framesReceived atomic.Int64
	framesDropped  atomic.Int64

	retryConfig retry.Config
	metrics     *metric.Metrics
	registry    *metric.MetricsRegistry
	logger      *slog.Logger
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithReceiverMetrics attaches the platform metrics.
func WithReceiverMetrics(metrics *metric.Metrics) ReceiverOption {
	return func(r *Receiver) { r.metrics = metrics }
}

// WithReceiverLogger sets the receiver logger.
func WithReceiverLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		if logger != nil {
			r.logger = logger.With("component", "sdrf-receiver")
		}
	}
}

// WithReceiverClock injects the clock used for staleness tracking.
func WithReceiverClock(now func() time.Time) ReceiverOption {
	return func(r *Receiver) { r.stale = newStaleness(StaleThreshold, now) }
}

// WithReceiverRegistry exposes staging buffer metrics through the
// Prometheus registry.
func WithReceiverRegistry(registry *metric.MetricsRegistry) ReceiverOption {
	return func(r *Receiver) { r.registry = registry }
}

// NewReceiver creates a receiver bound to bind:port. Port 0 lets the
// OS choose; Addr reports the actual binding after Start.
func NewReceiver(bind string, port int, handler FrameHandler, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		bind:        bind,
		port:        port,
		handler:     handler,
		stale:       newStaleness(StaleThreshold, time.Now),
		retryConfig: retry.DefaultConfig(),
		logger:      slog.Default().With("component", "sdrf-receiver"),
	}
	for _, opt := range opts {
		opt(r)
	}

	bufferOpts := []buffer.Option[datagram]{
		buffer.WithOverflowPolicy[datagram](buffer.DropOldest),
		buffer.WithDropCallback[datagram](func(datagram) {
			r.framesDropped.Add(1)
			if r.metrics != nil {
				r.metrics.RecordPacketDropped("overflow")
			}
		}),
	}
	if r.registry != nil {
		bufferOpts = append(bufferOpts, buffer.WithMetrics[datagram](r.registry, "sdrf_receiver"))
	}

	staging, err := buffer.NewCircularBuffer(stagingCapacity, bufferOpts...)
	if err != nil {
		r.logger.Warn("staging buffer metrics unavailable", "error", err)
		staging, _ = buffer.NewCircularBuffer(stagingCapacity, bufferOpts[:2]...)
	}
	r.staging = staging

	return r
}

// Start binds the socket and begins the read loop. Idempotent.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return nil
	}

	bind := func() error {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", r.bind, r.port))
		if err != nil {
			return retry.NonRetryable(err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return err
		}
		r.conn = conn
		return nil
	}

	if err := retry.Do(ctx, r.retryConfig, bind); err != nil {
		return errors.WrapTransient(err, "sdrf-receiver", "Start", "socket binding")
	}

	r.shutdown = make(chan struct{})
	r.running.Store(true)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.readLoop(ctx)
	}()

	return nil
}

// Stop closes the socket and waits for the read loop to exit.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	if !r.running.Load() {
		r.mu.Unlock()
		return nil
	}
	r.running.Store(false)
	close(r.shutdown)
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			r.logger.Warn("error closing socket", "error", err)
		}
	}

	r.wg.Wait()

	// Decode anything still staged so frames received before the stop
	// call are not silently discarded.
	r.drainStaged()
	return r.staging.Close()
}

// Addr returns the bound socket address, or nil before Start.
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Stale reports whether the stream has gone silent past the threshold.
func (r *Receiver) Stale() bool {
	stale, _ := r.stale.check()
	return stale
}

// FramesReceived returns the count of valid frames decoded.
func (r *Receiver) FramesReceived() int64 {
	return r.framesReceived.Load()
}

// FramesDropped returns the count of malformed packets discarded.
func (r *Receiver) FramesDropped() int64 {
	return r.framesDropped.Load()
}

func (r *Receiver) readLoop(ctx context.Context) {
	buf := make([]byte, HeaderSize+4*MaxBins)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.shutdown:
			return
		default:
		}

		// Short deadline so shutdown and staleness checks stay
		// responsive even when the publisher is silent.
		if err := r.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			r.logger.Error("failed to set read deadline", "error", err)
			return
		}

		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if stale, transition := r.stale.check(); stale && transition {
					r.logger.Warn("stream stale: no valid frames",
						"threshold", StaleThreshold)
				}
				continue
			}
			if !r.running.Load() {
				return
			}
			r.logger.Error("socket read error", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if err := r.staging.Write(datagram{data: data, addr: addr}); err != nil {
			// Only fails once the buffer is closed during shutdown
			return
		}

		r.drainStaged()
	}
}

// drainStaged decodes a batch of staged datagrams and dispatches the
// valid frames.
func (r *Receiver) drainStaged() {
	const maxBatch = 64

	for _, d := range r.staging.ReadBatch(maxBatch) {
		frame, err := Unmarshal(d.data)
		if err != nil {
			r.framesDropped.Add(1)
			if r.metrics != nil {
				r.metrics.RecordPacketDropped("malformed")
			}
			r.logger.Debug("dropped malformed packet",
				"from", d.addr.String(), "size", len(d.data), "error", err)
			continue
		}

		r.framesReceived.Add(1)
		if r.metrics != nil {
			r.metrics.RecordPacketReceived()
		}
		if r.stale.observe() {
			r.logger.Info("stream recovered", "sequence", frame.Sequence)
		}

		if r.handler != nil {
			r.handler(frame, d.addr)
		}
	}
}
