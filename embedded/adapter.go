// Package embedded adapts the control plane for MQTT-only consumers.
// Microcontroller-class devices cannot speak NATS or hold a
// request/reply negotiation, so the adapter mirrors advertisements out
// through the NATS-to-MQTT bridge and accepts plain subscribe /
// unsubscribe registrations coming back in. The bridge convention:
// anything published under "to_mqtt.>" reaches MQTT with the prefix
// stripped and dots turned into slashes, and inbound MQTT messages
// arrive under "mqtt.>" wrapped in a {"data": ...} envelope.
package embedded

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/c360/streambroker/errors"
	"github.com/c360/streambroker/metric"
	"github.com/c360/streambroker/natsclient"
	"github.com/c360/streambroker/registry"
	"github.com/c360/streambroker/session"
	"github.com/c360/streambroker/subjects"
)

// Adapter bridges MQTT-only consumers into the control plane.
type Adapter struct {
	store    registry.Store
	sessions *session.Manager
	nats     *natsclient.Client
	metrics  *metric.Metrics
	logger   *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithMetrics attaches the platform metrics.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(a *Adapter) { a.metrics = metrics }
}

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger.With("component", "embedded")
		}
	}
}

// NewAdapter creates the adapter. The NATS client may be nil in tests;
// handlers then operate against the store only.
func NewAdapter(store registry.Store, sessions *session.Manager, client *natsclient.Client, opts ...Option) *Adapter {
	a := &Adapter{
		store:    store,
		sessions: sessions,
		nats:     client,
		logger:   slog.Default().With("component", "embedded"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// mirror is the reduced advertisement shape pushed out over MQTT.
// Embedded consumers get what they need to receive data and nothing
// else: no TTL bookkeeping, no session counts.
type mirror struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	StreamType string         `json:"stream_type"`
	Address    string         `json:"address"`
	Port       int            `json:"port"`
	Config     map[string]any `json:"config,omitempty"`
}

// Registration is the payload of an MQTT subscribe message: where the
// device wants the stream delivered. There is no negotiation; the
// device takes the stream as advertised.
type Registration struct {
	ConsumerID string `json:"consumer_id"`
	Address    string `json:"address"`
	Port       int    `json:"port"`
}

// envelope is the bridge's wrapping of inbound MQTT payloads.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// Subscribe installs the adapter's bus subscriptions: advertisement and
// heartbeat mirroring outward, subscribe/unsubscribe registrations
// inward.
func (a *Adapter) Subscribe(ctx context.Context) error {
	if a.nats == nil {
		return nil
	}

	if err := a.nats.SubscribeMsg(ctx, subjects.Advertise, a.handleAdvertise); err != nil {
		return err
	}
	// Heartbeats re-mirror the advertisement so devices that joined
	// after the original announcement still discover the stream.
	if err := a.nats.SubscribeMsg(ctx, subjects.HeartbeatWildcard, a.handleHeartbeat); err != nil {
		return err
	}
	if err := a.nats.SubscribeMsg(ctx, subjects.MQTTSubscribeWildcard, a.handleSubscribe); err != nil {
		return err
	}
	return a.nats.SubscribeMsg(ctx, subjects.MQTTUnsubscribeWildcard, a.handleUnsubscribe)
}

func (a *Adapter) handleAdvertise(ctx context.Context, msg *nats.Msg) {
	var stream registry.Stream
	if err := json.Unmarshal(msg.Data, &stream); err != nil {
		a.logger.Warn("ignoring malformed advertisement", "error", err)
		return
	}
	if stream.ID == "" || stream.StreamType == "" {
		return
	}
	a.mirrorStream(ctx, &stream)
}

func (a *Adapter) handleHeartbeat(ctx context.Context, msg *nats.Msg) {
	streamID := subjects.StreamIDFromHeartbeat(msg.Subject)
	if streamID == "" {
		return
	}
	stream, err := a.store.GetStream(ctx, streamID)
	if err != nil {
		return
	}
	a.mirrorStream(ctx, stream)
}

// HandleSubscribe registers an embedded consumer for a stream,
// creating a session without negotiation. Exposed for the service
// layer's direct (non-bus) path.
func (a *Adapter) HandleSubscribe(ctx context.Context, streamID string, reg Registration) (*registry.Session, error) {
	stream, err := a.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, err
	}

	sess, err := a.sessions.Create(ctx, &registry.Session{
		StreamID:        streamID,
		ConsumerID:      reg.ConsumerID,
		ConsumerAddress: reg.Address,
		Protocol:        stream.Protocol,
		TransportConfig: map[string]any{
			"address": reg.Address,
			"port":    reg.Port,
		},
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("embedded consumer registered",
		"stream_id", streamID,
		"session_id", sess.ID,
		"consumer_id", reg.ConsumerID,
		"address", reg.Address,
		"port", reg.Port)

	return sess, nil
}

// HandleUnsubscribe removes a consumer's sessions for a stream.
func (a *Adapter) HandleUnsubscribe(ctx context.Context, streamID, consumerID string) error {
	sessions, err := a.sessions.List(ctx, streamID)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.ConsumerID != consumerID {
			continue
		}
		if _, err := a.sessions.Stop(ctx, s.ID); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) handleSubscribe(ctx context.Context, msg *nats.Msg) {
	streamID := subjects.StreamIDFromMQTT(msg.Subject)
	if streamID == "" {
		return
	}

	reg, err := decodeRegistration(msg.Data)
	if err != nil {
		a.logger.Warn("ignoring malformed subscription",
			"subject", msg.Subject, "error", err)
		return
	}

	if _, err := a.HandleSubscribe(ctx, streamID, reg); err != nil {
		if errors.IsNotFound(err) {
			a.logger.Info("subscription for unknown stream",
				"stream_id", streamID, "consumer_id", reg.ConsumerID)
			return
		}
		a.logger.Warn("failed to register embedded consumer",
			"stream_id", streamID, "error", err)
	}
}

func (a *Adapter) handleUnsubscribe(ctx context.Context, msg *nats.Msg) {
	streamID := subjects.StreamIDFromMQTT(msg.Subject)
	if streamID == "" {
		return
	}

	reg, err := decodeRegistration(msg.Data)
	if err != nil {
		a.logger.Warn("ignoring malformed unsubscription",
			"subject", msg.Subject, "error", err)
		return
	}

	if err := a.HandleUnsubscribe(ctx, streamID, reg.ConsumerID); err != nil {
		a.logger.Warn("failed to remove embedded consumer",
			"stream_id", streamID, "consumer_id", reg.ConsumerID, "error", err)
	}
}

func (a *Adapter) mirrorStream(ctx context.Context, stream *registry.Stream) {
	if a.nats == nil {
		return
	}

	data, err := json.Marshal(mirror{
		ID:         stream.ID,
		Name:       stream.Name,
		StreamType: stream.StreamType,
		Address:    stream.Address,
		Port:       stream.Port,
		Config:     stream.Config,
	})
	if err != nil {
		a.logger.Error("failed to marshal mirror", "error", err)
		return
	}

	subject := subjects.ToMQTTAdvertise(stream.StreamType)
	if err := a.nats.Publish(ctx, subject, data); err != nil {
		a.logger.Warn("failed to mirror advertisement",
			"subject", subject, "error", err)
	}
}

// decodeRegistration accepts both the bridge envelope and a bare
// payload, since direct NATS publishers skip the wrapping.
func decodeRegistration(data []byte) (Registration, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && len(env.Data) > 0 {
		data = env.Data
	}

	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return Registration{}, err
	}
	return reg, nil
}
