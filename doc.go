// Package streambroker is a control plane for ephemeral data streams.
//
// Publishers advertise streams into a TTL-expiring registry and renew
// them with heartbeats; consumers discover streams over HTTP and
// negotiate transport endpoints with publishers through NATS
// request/reply. Stream and session records disappear on their own
// when heartbeats stop, so the registry never accumulates stale state.
//
// # Architecture
//
//	┌────────────┐  advertise/heartbeat   ┌─────────────────┐
//	│ Publisher  │ ─────────────────────▶ │   NATS bus      │
//	└────────────┘ ◀───────────────────── └────────┬────────┘
//	      ▲          negotiation reply             │
//	      │                                        ▼
//	      │                               ┌─────────────────┐
//	      │       stream.request.{id}     │     Broker      │
//	      └────────────────────────────── │  (registry +    │
//	                                      │   sessions)     │
//	┌────────────┐   HTTP discovery       └────────┬────────┘
//	│ Consumer   │ ◀──────────────────────────────▶│ Gateway
//	└────────────┘                                 ▼
//	                                      ┌─────────────────┐
//	                                      │ Redis / memory  │
//	                                      └─────────────────┘
//
// Package map:
//
//   - registry: TTL-expiring stream and session stores (Redis, memory)
//   - broker: advertisement handling and consumer negotiation
//   - session: session lifecycle with independent heartbeat clocks
//   - gateway: the HTTP/JSON request surface
//   - subjects: the NATS subject taxonomy
//   - embedded: NATS-to-MQTT bridge adapter for embedded consumers
//   - sdrf: the binary spectrum frame codec and UDP transport
//   - client: the publisher-side SDK
//   - typestore: the stream type catalog
//
// The cmd/streambroker binary wires everything together from a layered
// JSON configuration.
package streambroker
