package sdrf

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/c360/streambroker/errors"
	"github.com/c360/streambroker/metric"
)

// Sender fans spectrum frames out to a dynamic set of UDP consumers.
// Consumers come and go as sessions are negotiated and stopped; the
// sender is keyed by resolved address so re-registering the same
// endpoint is a no-op.
type Sender struct {
	mu        sync.RWMutex
	conn      *net.UDPConn
	consumers map[string]*net.UDPAddr
	sequence  uint32

	metrics *metric.Metrics
	logger  *slog.Logger
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSenderMetrics attaches the platform metrics.
func WithSenderMetrics(metrics *metric.Metrics) SenderOption {
	return func(s *Sender) { s.metrics = metrics }
}

// WithSenderLogger sets the sender logger.
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger.With("component", "sdrf-sender")
		}
	}
}

// NewSender opens an unbound UDP socket for fan-out.
func NewSender(opts ...SenderOption) (*Sender, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, errors.WrapTransient(err, "sdrf-sender", "NewSender", "open socket")
	}

	s := &Sender{
		conn:      conn,
		consumers: make(map[string]*net.UDPAddr),
		logger:    slog.Default().With("component", "sdrf-sender"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AddConsumer registers a delivery endpoint ("host:port").
func (s *Sender) AddConsumer(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.WrapInvalid(err, "sdrf-sender", "AddConsumer", "resolve "+addr)
	}

	s.mu.Lock()
	s.consumers[udpAddr.String()] = udpAddr
	s.mu.Unlock()

	s.logger.Info("consumer added", "address", udpAddr.String())
	return nil
}

// RemoveConsumer drops a delivery endpoint. Unknown addresses are
// ignored.
func (s *Sender) RemoveConsumer(addr string) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return
	}

	s.mu.Lock()
	delete(s.consumers, udpAddr.String())
	s.mu.Unlock()
}

// ConsumerCount returns the current fan-out width.
func (s *Sender) ConsumerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.consumers)
}

// Send stamps the frame with the next sequence number and writes it to
// every registered consumer. Write failures to individual consumers
// are logged, not fatal: one dead endpoint must not starve the rest.
func (s *Sender) Send(f *Frame) error {
	s.mu.Lock()
	s.sequence++
	f.Sequence = s.sequence
	targets := make([]*net.UDPAddr, 0, len(s.consumers))
	for _, addr := range s.consumers {
		targets = append(targets, addr)
	}
	s.mu.Unlock()

	data, err := Marshal(f)
	if err != nil {
		return err
	}

	for _, addr := range targets {
		if _, err := s.conn.WriteToUDP(data, addr); err != nil {
			s.logger.Warn("failed to send frame", "address", addr.String(), "error", err)
			if s.metrics != nil {
				s.metrics.RecordPacketDropped("send_error")
			}
		}
	}

	return nil
}

// Close releases the socket.
func (s *Sender) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close sender socket: %w", err)
	}
	return nil
}
