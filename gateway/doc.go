// Package gateway serves the control plane's HTTP/JSON surface.
//
// The gateway fronts the broker: stream advertisement and discovery,
// consumer negotiation, session bookkeeping, the stream type catalog,
// and the aggregated health endpoint. Handlers translate classified
// broker errors into HTTP status codes; details of transient failures
// are sanitized before they reach clients.
//
// Routes:
//
//	GET    /streams                          list streams (?type= filter)
//	POST   /streams/advertise                advertise a stream
//	GET    /streams/{id}                     fetch one stream
//	DELETE /streams/{id}                     withdraw a stream
//	POST   /streams/{id}/heartbeat           renew a stream TTL
//	POST   /streams/{id}/request             negotiate a session
//	GET    /streams/sessions                 list sessions (?stream_id= filter)
//	DELETE /streams/sessions/{id}            stop a session
//	POST   /streams/sessions/{id}/heartbeat  renew a session TTL
//	GET    /streams/types                    list stream types
//	POST   /streams/types                    register a type
//	PUT    /streams/types/{name}             update a type
//	DELETE /streams/types/{name}             remove a custom type
//	GET    /health                           aggregated component health
package gateway
