// Package client is the in-process SDK for stream publishers: a device
// or patch that owns a data source advertises it, keeps the
// advertisement alive, and answers negotiation requests from
// consumers. Everything happens over the bus; the publisher never
// talks to the broker's HTTP surface.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360/streambroker/broker"
	"github.com/c360/streambroker/errors"
	"github.com/c360/streambroker/registry"
	"github.com/c360/streambroker/subjects"
)

// DefaultHeartbeatInterval keeps the advertisement alive with margin:
// three heartbeats fit inside the registry's 30-second TTL.
const DefaultHeartbeatInterval = 10 * time.Second

// OfferFunc decides a negotiation request. Returning an offer with
// Accepted false declines the consumer.
type OfferFunc func(broker.ConsumerRequest) broker.Offer

// Conn is the messaging surface the publisher needs. The natsclient
// Client satisfies it.
type Conn interface {
	Publish(ctx context.Context, subject string, data []byte) error
	SubscribeMsg(ctx context.Context, subject string, handler func(context.Context, *nats.Msg)) error
}

// Publisher advertises one stream and serves its negotiation subject.
type Publisher struct {
	conn   Conn
	stream *registry.Stream
	offer  OfferFunc
	logger *slog.Logger

	interval time.Duration
	running  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithHeartbeatInterval overrides the advertisement refresh cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithOfferFunc sets the negotiation decision callback. Without one,
// every request is accepted at the advertised address and port.
func WithOfferFunc(fn OfferFunc) Option {
	return func(p *Publisher) { p.offer = fn }
}

// WithLogger sets the publisher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger.With("component", "publisher")
		}
	}
}

// NewPublisher creates a publisher for one stream. The stream keeps
// its id across re-advertisements; one is minted here if absent.
func NewPublisher(conn Conn, stream *registry.Stream, opts ...Option) *Publisher {
	if stream.ID == "" {
		stream.ID = uuid.NewString()
	}

	p := &Publisher{
		conn:     conn,
		stream:   stream,
		interval: DefaultHeartbeatInterval,
		logger:   slog.Default().With("component", "publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.offer == nil {
		p.offer = p.defaultOffer
	}
	return p
}

// StreamID returns the advertised stream's id.
func (p *Publisher) StreamID() string {
	return p.stream.ID
}

// Start advertises the stream, subscribes its negotiation subject, and
// begins heartbeating. Idempotent.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return nil
	}

	if err := p.publishAdvertisement(ctx); err != nil {
		return errors.WrapTransient(err, "publisher", "Start", "advertise stream")
	}

	if err := p.conn.SubscribeMsg(ctx, subjects.Request(p.stream.ID), p.handleRequest); err != nil {
		return errors.WrapTransient(err, "publisher", "Start", "subscribe negotiation subject")
	}

	p.shutdown = make(chan struct{})
	p.running.Store(true)

	p.wg.Add(1)
	go p.heartbeatLoop(ctx)

	p.logger.Info("publisher started",
		"stream_id", p.stream.ID,
		"name", p.stream.Name,
		"stream_type", p.stream.StreamType)

	return nil
}

// Stop withdraws the stream and halts heartbeating.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Load() {
		return nil
	}
	p.running.Store(false)
	close(p.shutdown)
	p.wg.Wait()

	data, err := json.Marshal(map[string]any{
		"type":      "stream_withdraw",
		"id":        p.stream.ID,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "publisher", "Stop", "encode withdrawal")
	}
	if err := p.conn.Publish(ctx, subjects.Withdraw(p.stream.ID), data); err != nil {
		return errors.WrapTransient(err, "publisher", "Stop", "publish withdrawal")
	}

	p.logger.Info("publisher stopped", "stream_id", p.stream.ID)
	return nil
}

func (p *Publisher) publishAdvertisement(ctx context.Context) error {
	payload := struct {
		Type string `json:"type"`
		*registry.Stream
	}{Type: "stream_advertise", Stream: p.stream}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode advertisement: %w", err)
	}

	if err := p.conn.Publish(ctx, subjects.Advertise, data); err != nil {
		return err
	}
	return p.conn.Publish(ctx, subjects.AdvertiseType(p.stream.StreamType), data)
}

func (p *Publisher) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	subject := subjects.Heartbeat(p.stream.ID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-ticker.C:
			if err := p.conn.Publish(ctx, subject, nil); err != nil {
				p.logger.Warn("heartbeat publish failed",
					"stream_id", p.stream.ID, "error", err)
			}
		}
	}
}

func (p *Publisher) handleRequest(_ context.Context, msg *nats.Msg) {
	var req broker.ConsumerRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		p.logger.Warn("ignoring malformed negotiation request", "error", err)
		return
	}

	offer := p.offer(req)
	offer.StreamID = p.stream.ID

	data, err := json.Marshal(offer)
	if err != nil {
		p.logger.Error("failed to encode offer", "error", err)
		return
	}

	if err := msg.Respond(data); err != nil {
		p.logger.Warn("failed to send offer",
			"consumer_id", req.ConsumerID, "error", err)
		return
	}

	p.logger.Info("negotiation answered",
		"stream_id", p.stream.ID,
		"consumer_id", req.ConsumerID,
		"accepted", offer.Accepted)
}

// defaultOffer accepts every consumer at the advertised endpoint.
func (p *Publisher) defaultOffer(broker.ConsumerRequest) broker.Offer {
	return broker.Offer{
		Accepted: true,
		Address:  p.stream.Address,
		Port:     p.stream.Port,
		Protocol: p.stream.Protocol,
	}
}
