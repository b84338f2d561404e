// Package broker implements the control plane's core: stream
// advertisement, withdrawal, heartbeating, and transport negotiation
// between publishers and consumers over NATS request/reply.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/streambroker/errors"
	"github.com/c360/streambroker/metric"
	"github.com/c360/streambroker/natsclient"
	"github.com/c360/streambroker/registry"
	"github.com/c360/streambroker/session"
	"github.com/c360/streambroker/subjects"
	"github.com/c360/streambroker/typestore"
)

// DefaultNegotiationTimeout bounds how long a consumer request waits
// for the publisher's reply before the negotiation is abandoned.
const DefaultNegotiationTimeout = 5 * time.Second

// ConsumerRequest is what a consumer sends on stream.request.{id} to
// ask a publisher for delivery. The publisher decides the transport
// and answers with an Offer.
type ConsumerRequest struct {
	ConsumerID   string         `json:"consumer_id"`
	Address      string         `json:"address,omitempty"`
	Port         int            `json:"port,omitempty"`
	Transport    string         `json:"transport,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// Offer is the publisher's negotiation reply. When accepted the broker
// records a session before handing the offer to the consumer, so the
// grant exists the moment the consumer learns about it.
type Offer struct {
	Accepted        bool           `json:"accepted"`
	SessionID       string         `json:"session_id,omitempty"`
	StreamID        string         `json:"stream_id,omitempty"`
	Address         string         `json:"address,omitempty"`
	Port            int            `json:"port,omitempty"`
	Protocol        string         `json:"protocol,omitempty"`
	TransportConfig map[string]any `json:"transport_config,omitempty"`
	Reason          string         `json:"reason,omitempty"`
}

// Broker mediates between publishers and consumers. Publishers
// advertise and heartbeat; consumers discover and negotiate. All state
// lives in the registry; the broker itself is stateless and restarts
// clean.
type Broker struct {
	store    registry.Store
	types    typestore.Store
	nats     *natsclient.Client
	sessions *session.Manager
	metrics  *metric.Metrics
	logger   *slog.Logger

	negotiationTimeout time.Duration
}

// Option configures a Broker.
type Option func(*Broker)

// WithNATS attaches the transport used for announcements and
// negotiation. Without it, discovery still works but RequestStream
// fails, since there is no path to the publisher.
func WithNATS(client *natsclient.Client) Option {
	return func(b *Broker) { b.nats = client }
}

// WithTypeStore attaches the stream type registry used to validate
// advertisements.
func WithTypeStore(types typestore.Store) Option {
	return func(b *Broker) { b.types = types }
}

// WithSessions attaches the session manager recording accepted offers.
func WithSessions(sessions *session.Manager) Option {
	return func(b *Broker) { b.sessions = sessions }
}

// WithMetrics attaches the platform metrics.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(b *Broker) { b.metrics = metrics }
}

// WithLogger sets the broker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger.With("component", "broker")
		}
	}
}

// WithNegotiationTimeout overrides the request/reply deadline.
func WithNegotiationTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.negotiationTimeout = d
		}
	}
}

// New creates a Broker over the given registry store.
func New(store registry.Store, opts ...Option) *Broker {
	b := &Broker{
		store:              store,
		logger:             slog.Default().With("component", "broker"),
		negotiationTimeout: DefaultNegotiationTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.sessions == nil {
		sessOpts := []session.Option{session.WithLogger(b.logger)}
		if b.nats != nil {
			sessOpts = append(sessOpts, session.WithNATS(b.nats))
		}
		if b.metrics != nil {
			sessOpts = append(sessOpts, session.WithMetrics(b.metrics))
		}
		b.sessions = session.NewManager(store, sessOpts...)
	}
	return b
}

// Sessions returns the session manager the broker records grants with.
func (b *Broker) Sessions() *session.Manager {
	return b.sessions
}

// advertisement is the announcement published on stream.advertise and
// its type-scoped variant.
type advertisement struct {
	Type string `json:"type"`
	*registry.Stream
}

// Advertise validates and registers a stream, then announces it on the
// broadcast subject and the type-scoped subject. Re-advertising a live
// (publisher, name) pair updates the existing record in place.
func (b *Broker) Advertise(ctx context.Context, stream *registry.Stream) (*registry.Stream, error) {
	if stream.Name == "" || stream.PublisherID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("name and publisher_id are required"),
			"Broker", "Advertise", "validate advertisement")
	}

	if err := b.validateType(ctx, stream.StreamType); err != nil {
		return nil, err
	}

	stored, err := b.store.AdvertiseStream(ctx, stream)
	if err != nil {
		return nil, err
	}

	b.logger.Info("stream advertised",
		"stream_id", stored.ID,
		"name", stored.Name,
		"stream_type", stored.StreamType,
		"publisher_id", stored.PublisherID)

	if b.metrics != nil {
		b.metrics.RecordAdvertisement(stored.StreamType)
	}

	event := advertisement{Type: "stream_advertise", Stream: stored}
	b.publishJSON(ctx, subjects.Advertise, event)
	b.publishJSON(ctx, subjects.AdvertiseType(stored.StreamType), event)

	return stored, nil
}

// Withdraw removes a stream and its sessions. Idempotent: withdrawing
// an unknown or expired stream reports removed=false without error.
func (b *Broker) Withdraw(ctx context.Context, streamID string) (bool, error) {
	removed, err := b.store.WithdrawStream(ctx, streamID)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}

	b.logger.Info("stream withdrawn", "stream_id", streamID)

	b.publishJSON(ctx, subjects.Withdraw(streamID), map[string]any{
		"type":      "stream_withdraw",
		"id":        streamID,
		"timestamp": time.Now().UTC(),
	})

	return true, nil
}

// Heartbeat resets a stream's TTL. An expired stream is gone: the
// publisher gets ErrNotFound and must re-advertise.
func (b *Broker) Heartbeat(ctx context.Context, streamID string) error {
	if err := b.store.TouchStream(ctx, streamID); err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.RecordHeartbeat("stream")
	}
	return nil
}

// Get returns a single live stream.
func (b *Broker) Get(ctx context.Context, streamID string) (*registry.Stream, error) {
	return b.store.GetStream(ctx, streamID)
}

// List returns live streams, optionally filtered by type.
func (b *Broker) List(ctx context.Context, streamType string) ([]*registry.Stream, error) {
	streams, err := b.store.ListStreams(ctx, streamType)
	if err != nil {
		return nil, err
	}

	if b.metrics != nil {
		if streamType == "" {
			byType := make(map[string]int)
			for _, s := range streams {
				byType[s.StreamType]++
			}
			for st, n := range byType {
				b.metrics.RecordActiveStreams(st, n)
			}
		} else {
			b.metrics.RecordActiveStreams(streamType, len(streams))
		}
	}

	return streams, nil
}

// RequestStream runs the negotiation: it forwards the consumer's
// request to the publisher on stream.request.{id} and waits up to the
// negotiation timeout for an offer. On acceptance the session is
// recorded before the offer is returned.
func (b *Broker) RequestStream(ctx context.Context, streamID string, req ConsumerRequest) (*Offer, error) {
	stream, err := b.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, err
	}

	if b.nats == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("no transport attached"),
			"Broker", "RequestStream", "reach publisher")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Broker", "RequestStream", "encode consumer request")
	}

	start := time.Now()
	reply, err := b.nats.Request(ctx, subjects.Request(streamID), payload, b.negotiationTimeout)

	if err != nil && errors.Is(err, nats.ErrNoResponders) {
		// The server short-circuits a request when nothing subscribes
		// the negotiation subject. The contract is a fixed window, so
		// hold the remainder before reporting the publisher absent.
		if remaining := b.negotiationTimeout - time.Since(start); remaining > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(remaining):
			}
		}
	}
	elapsed := time.Since(start)

	if err != nil {
		if isNegotiationTimeout(err) {
			b.recordNegotiation("timeout", elapsed)
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: publisher %s did not reply within %s",
					errors.ErrNegotiationTimeout, stream.PublisherID, b.negotiationTimeout),
				"Broker", "RequestStream", "negotiate stream "+streamID)
		}
		b.recordNegotiation("error", elapsed)
		return nil, errors.WrapTransient(err, "Broker", "RequestStream", "negotiate stream "+streamID)
	}

	var offer Offer
	if err := json.Unmarshal(reply, &offer); err != nil {
		b.recordNegotiation("error", elapsed)
		return nil, errors.WrapInvalid(err, "Broker", "RequestStream", "decode publisher offer")
	}

	if !offer.Accepted {
		b.recordNegotiation("rejected", elapsed)
		b.logger.Info("negotiation rejected",
			"stream_id", streamID,
			"consumer_id", req.ConsumerID,
			"reason", offer.Reason)
		return &offer, nil
	}

	offer.StreamID = streamID
	if offer.Protocol == "" {
		offer.Protocol = stream.Protocol
	}

	sess, err := b.sessions.Create(ctx, &registry.Session{
		StreamID:        streamID,
		ConsumerID:      req.ConsumerID,
		ConsumerAddress: req.Address,
		Protocol:        offer.Protocol,
		TransportConfig: offer.TransportConfig,
	})
	if err != nil {
		b.recordNegotiation("error", elapsed)
		return nil, err
	}
	offer.SessionID = sess.ID

	b.recordNegotiation("offered", elapsed)
	b.logger.Info("negotiation completed",
		"stream_id", streamID,
		"session_id", sess.ID,
		"consumer_id", req.ConsumerID,
		"protocol", offer.Protocol)

	return &offer, nil
}

// Subscribe installs the bus-side control paths: advertisements and
// withdrawals from publishers that speak NATS directly, plus the TTL
// refresh subjects for streams and sessions.
func (b *Broker) Subscribe(ctx context.Context) error {
	if b.nats == nil {
		return nil
	}

	if err := b.nats.SubscribeMsg(ctx, subjects.Advertise, b.handleBusAdvertise); err != nil {
		return err
	}
	if err := b.nats.SubscribeMsg(ctx, subjects.WithdrawWildcard, b.handleBusWithdraw); err != nil {
		return err
	}
	if err := b.nats.SubscribeMsg(ctx, subjects.HeartbeatWildcard, b.handleBusHeartbeat); err != nil {
		return err
	}

	return b.sessions.Subscribe(ctx)
}

// handleBusAdvertise registers a stream announced directly on the bus.
// The record goes to the store only; no re-announcement, so the
// broker's own published advertisements do not echo.
func (b *Broker) handleBusAdvertise(ctx context.Context, msg *nats.Msg) {
	var stream registry.Stream
	if err := json.Unmarshal(msg.Data, &stream); err != nil {
		b.logger.Warn("ignoring malformed advertisement", "error", err)
		return
	}
	if stream.Name == "" || stream.PublisherID == "" || stream.StreamType == "" {
		return
	}
	if err := b.validateType(ctx, stream.StreamType); err != nil {
		b.logger.Warn("rejecting advertisement with unknown type",
			"stream_type", stream.StreamType, "publisher_id", stream.PublisherID)
		return
	}

	stored, err := b.store.AdvertiseStream(ctx, &stream)
	if err != nil {
		b.logger.Warn("failed to register advertised stream", "error", err)
		return
	}
	if b.metrics != nil {
		b.metrics.RecordAdvertisement(stored.StreamType)
	}
}

func (b *Broker) handleBusWithdraw(ctx context.Context, msg *nats.Msg) {
	streamID := subjects.StreamIDFromWithdraw(msg.Subject)
	if streamID == "" {
		return
	}
	if _, err := b.store.WithdrawStream(ctx, streamID); err != nil {
		b.logger.Warn("failed to withdraw stream", "stream_id", streamID, "error", err)
	}
}

func (b *Broker) handleBusHeartbeat(ctx context.Context, msg *nats.Msg) {
	streamID := subjects.StreamIDFromHeartbeat(msg.Subject)
	if streamID == "" {
		return
	}
	if err := b.Heartbeat(ctx, streamID); err != nil {
		if !errors.IsNotFound(err) {
			b.logger.Warn("stream heartbeat failed",
				"stream_id", streamID, "error", err)
		}
	}
}

func (b *Broker) validateType(ctx context.Context, streamType string) error {
	if streamType == "" {
		return errors.WrapInvalid(
			fmt.Errorf("stream_type is required"),
			"Broker", "Advertise", "validate advertisement")
	}
	if b.types == nil {
		return nil
	}
	if _, err := b.types.Get(ctx, streamType); err != nil {
		if errors.IsNotFound(err) {
			return errors.WrapInvalid(
				fmt.Errorf("unknown stream type %q", streamType),
				"Broker", "Advertise", "validate advertisement")
		}
		return err
	}
	return nil
}

func (b *Broker) recordNegotiation(outcome string, d time.Duration) {
	if b.metrics != nil {
		b.metrics.RecordNegotiation(outcome, d)
	}
}

func (b *Broker) publishJSON(ctx context.Context, subject string, v any) {
	if b.nats == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("failed to marshal announcement", "subject", subject, "error", err)
		return
	}
	if err := b.nats.Publish(ctx, subject, data); err != nil {
		b.logger.Warn("failed to publish announcement", "subject", subject, "error", err)
	}
}

// isNegotiationTimeout reports whether a request error means the
// publisher never answered: either the deadline lapsed or NATS knew
// immediately that nobody was listening.
func isNegotiationTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders)
}
