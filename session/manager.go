// Package session manages delivery sessions: the bookkeeping record for
// one consumer's accepted access to one stream. Sessions carry their own
// 30-second TTL heartbeated independently of the stream's, because the
// publisher and consumer are separate processes with separate clocks and
// separate failure modes.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/streambroker/errors"
	"github.com/c360/streambroker/metric"
	"github.com/c360/streambroker/natsclient"
	"github.com/c360/streambroker/registry"
	"github.com/c360/streambroker/subjects"
)

// Manager creates, lists, heartbeats, and stops sessions. Lifecycle
// events go out on the bus best-effort: a session is valid the moment
// the store accepts it, whether or not anyone heard the announcement.
type Manager struct {
	store   registry.Store
	nats    *natsclient.Client
	metrics *metric.Metrics
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithNATS attaches a transport for lifecycle events and the heartbeat
// subscription. Without it the manager still works against the store.
func WithNATS(client *natsclient.Client) Option {
	return func(m *Manager) { m.nats = client }
}

// WithMetrics attaches the platform metrics.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "session")
		}
	}
}

// NewManager creates a session manager over the given store.
func NewManager(store registry.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: slog.Default().With("component", "session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Event is the session lifecycle message published on
// stream.session.started and stream.session.stopped.
type Event struct {
	Type             string         `json:"type"`
	SessionID        string         `json:"session_id"`
	StreamID         string         `json:"stream_id"`
	StreamName       string         `json:"stream_name,omitempty"`
	StreamType       string         `json:"stream_type,omitempty"`
	PublisherID      string         `json:"publisher_id,omitempty"`
	ConsumerID       string         `json:"consumer_id,omitempty"`
	ConsumerAddress  string         `json:"consumer_address,omitempty"`
	Protocol         string         `json:"protocol,omitempty"`
	TransportConfig  map[string]any `json:"transport_config,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// Create stores a session and announces it. The referenced stream must
// still be live; its identity and endpoint are denormalized into the
// session record so listings stay meaningful after the stream itself
// expires.
func (m *Manager) Create(ctx context.Context, s *registry.Session) (*registry.Session, error) {
	stream, err := m.store.GetStream(ctx, s.StreamID)
	if err != nil {
		return nil, err
	}

	s.StreamName = stream.Name
	s.StreamType = stream.StreamType
	s.PublisherID = stream.PublisherID
	if s.PublisherAddress == "" {
		s.PublisherAddress = stream.Address
	}
	if s.PublisherPort == 0 {
		s.PublisherPort = stream.Port
	}
	if s.Protocol == "" {
		s.Protocol = stream.Protocol
	}

	stored, err := m.store.CreateSession(ctx, s)
	if err != nil {
		return nil, err
	}

	m.logger.Info("session started",
		"session_id", stored.ID,
		"stream_id", stored.StreamID,
		"consumer_id", stored.ConsumerID)

	m.publish(ctx, subjects.SessionStarted, Event{
		Type:            "session_started",
		SessionID:       stored.ID,
		StreamID:        stored.StreamID,
		StreamName:      stored.StreamName,
		StreamType:      stored.StreamType,
		PublisherID:     stored.PublisherID,
		ConsumerID:      stored.ConsumerID,
		ConsumerAddress: stored.ConsumerAddress,
		Protocol:        stored.Protocol,
		TransportConfig: stored.TransportConfig,
		Timestamp:       time.Now().UTC(),
	})

	return stored, nil
}

// Heartbeat resets the session's TTL. An expired session fails loudly
// with ErrNotFound: the consumer must renegotiate rather than keep
// believing in a grant that lapsed.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) error {
	if err := m.store.TouchSession(ctx, sessionID); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.RecordHeartbeat("session")
	}
	return nil
}

// Stop removes a session. Idempotent; the lifecycle event goes out only
// when a live record was actually removed.
func (m *Manager) Stop(ctx context.Context, sessionID string) (bool, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil && !errors.IsNotFound(err) {
		return false, err
	}

	removed, err := m.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}

	streamID := ""
	if s != nil {
		streamID = s.StreamID
	}

	m.logger.Info("session stopped", "session_id", sessionID, "stream_id", streamID)

	m.publish(ctx, subjects.SessionStopped, Event{
		Type:      "session_stopped",
		SessionID: sessionID,
		StreamID:  streamID,
		Timestamp: time.Now().UTC(),
	})

	return true, nil
}

// List returns unexpired sessions, optionally filtered by stream.
func (m *Manager) List(ctx context.Context, streamID string) ([]*registry.Session, error) {
	sessions, err := m.store.ListSessions(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil && streamID == "" {
		m.metrics.RecordActiveSessions(len(sessions))
	}
	return sessions, nil
}

// Get returns a single unexpired session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*registry.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// Subscribe installs the bus-side heartbeat path: any party may refresh
// a session by publishing on stream.session.heartbeat.{id} instead of
// calling the request surface.
func (m *Manager) Subscribe(ctx context.Context) error {
	if m.nats == nil {
		return nil
	}

	return m.nats.SubscribeMsg(ctx, subjects.SessionHeartbeatWildcard,
		func(msgCtx context.Context, msg *nats.Msg) {
			sessionID := subjects.SessionIDFromHeartbeat(msg.Subject)
			if sessionID == "" {
				return
			}
			if err := m.Heartbeat(msgCtx, sessionID); err != nil {
				if !errors.IsNotFound(err) {
					m.logger.Warn("session heartbeat failed",
						"session_id", sessionID, "error", err)
				}
			}
		})
}

// publish sends a lifecycle event when a healthy transport is attached.
func (m *Manager) publish(ctx context.Context, subject string, event Event) {
	if m.nats == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("failed to marshal session event", "error", err)
		return
	}

	if err := m.nats.Publish(ctx, subject, data); err != nil {
		m.logger.Warn("failed to publish session event",
			"subject", subject, "error", err)
	}
}
