// Package registry provides the ephemeral state store for the stream
// control plane. Stream advertisements and delivery sessions live here
// with a rolling TTL: a record that misses its heartbeat window becomes
// unobservable to readers, whether or not it has been physically swept.
package registry

import "time"

// DefaultTTL is the heartbeat window for streams and sessions. A record
// that receives no heartbeat for this long is treated as gone.
const DefaultTTL = 30 * time.Second

// Stream is an advertised data source. The control plane stores only the
// bookkeeping needed for discovery and negotiation; payload bytes never
// pass through it.
type Stream struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	StreamType  string `json:"stream_type"`
	PublisherID string `json:"publisher_id"`

	// Data-plane rendezvous: the transport the publisher will serve and
	// where it is reachable once negotiation completes.
	Protocol string `json:"protocol"`
	Address  string `json:"address"`
	Port     int    `json:"port"`

	// Config holds type-specific parameters (sample rate, resolution,
	// FFT size). Metadata is free-form and never interpreted here.
	Config   map[string]any `json:"config,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Weak references into the external entity system. Relation and
	// lookup only, never ownership.
	EntityID string `json:"entity_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`

	AdvertisedAt  time.Time `json:"advertised_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	TTLSeconds    int       `json:"ttl_seconds"`

	// ActiveSessions is computed at read time, not stored.
	ActiveSessions int `json:"active_sessions"`
}

// Session is an accepted consumption relationship between one consumer
// and one stream. Its stream_id is a weak reference: the data plane may
// outlive the advertisement, so session liveness is heartbeated
// independently and never cascades from stream expiry.
type Session struct {
	ID       string `json:"session_id"`
	StreamID string `json:"stream_id"`

	// Denormalized from the stream at creation time so session listings
	// stay meaningful after the advertisement expires.
	StreamName  string `json:"stream_name"`
	StreamType  string `json:"stream_type"`
	PublisherID string `json:"publisher_id"`

	PublisherAddress string `json:"publisher_address"`
	PublisherPort    int    `json:"publisher_port"`

	ConsumerID      string `json:"consumer_id"`
	ConsumerAddress string `json:"consumer_address"`

	Protocol        string         `json:"protocol"`
	TransportConfig map[string]any `json:"transport_config,omitempty"`

	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	TTLSeconds    int       `json:"ttl_seconds"`
	Status        string    `json:"status"`
}

// clone returns a copy safe to hand to callers while the original keeps
// mutating under the store lock.
func (s *Stream) clone() *Stream {
	c := *s
	c.Config = cloneMap(s.Config)
	c.Metadata = cloneMap(s.Metadata)
	return &c
}

func (s *Session) clone() *Session {
	c := *s
	c.TransportConfig = cloneMap(s.TransportConfig)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
