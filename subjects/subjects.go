// Package subjects defines the control plane's NATS subject scheme.
// Subjects are hierarchical and dot-delimited so components can take
// wildcard subscriptions: "*" matches one level, ">" the remainder.
//
// Scheme:
//
//	stream.advertise                  new/updated stream, broadcast
//	stream.advertise.{type}           type-scoped announcement
//	stream.withdraw.{id}              stream removed
//	stream.request.{id}               negotiation request/reply
//	stream.heartbeat.{id}             stream TTL refresh
//	stream.session.started            session created
//	stream.session.stopped            session ended
//	stream.session.heartbeat.{id}     session TTL refresh
//
// The MQTT bridge mirrors a subset of this space for embedded devices:
// anything published under "to_mqtt.>" is forwarded to MQTT with the
// prefix stripped and dots replaced by slashes, and inbound MQTT
// messages arrive under "mqtt.>".
package subjects

import "strings"

// Broadcast subjects without a variable component.
const (
	Advertise      = "stream.advertise"
	SessionStarted = "stream.session.started"
	SessionStopped = "stream.session.stopped"

	// Wildcard forms for subscribers.
	WithdrawWildcard         = "stream.withdraw.>"
	HeartbeatWildcard        = "stream.heartbeat.>"
	SessionHeartbeatWildcard = "stream.session.heartbeat.>"
	MQTTSubscribeWildcard    = "mqtt.stream.*.subscribe"
	MQTTUnsubscribeWildcard  = "mqtt.stream.*.unsubscribe"
)

// AdvertiseType returns the type-scoped announcement subject.
func AdvertiseType(streamType string) string {
	return Advertise + "." + streamType
}

// Withdraw returns the withdrawal subject for a stream.
func Withdraw(streamID string) string {
	return "stream.withdraw." + streamID
}

// Request returns the negotiation request subject for a stream. The
// publisher subscribes here; consumers send correlated requests.
func Request(streamID string) string {
	return "stream.request." + streamID
}

// Heartbeat returns the TTL refresh subject for a stream.
func Heartbeat(streamID string) string {
	return "stream.heartbeat." + streamID
}

// SessionHeartbeat returns the TTL refresh subject for a session.
func SessionHeartbeat(sessionID string) string {
	return "stream.session.heartbeat." + sessionID
}

// ToMQTTAdvertise returns the bridge subject that mirrors a type-scoped
// advertisement out to MQTT topic "stream/advertise/{type}".
func ToMQTTAdvertise(streamType string) string {
	return "to_mqtt.stream.advertise." + streamType
}

// MQTTSubscribe returns the bridge subject on which an embedded device's
// registration for a stream arrives (MQTT topic "stream/{id}/subscribe").
func MQTTSubscribe(streamID string) string {
	return "mqtt.stream." + streamID + ".subscribe"
}

// StreamIDFromHeartbeat extracts the stream id from a concrete
// "stream.heartbeat.{id}" subject. Returns "" if the subject does not
// match.
func StreamIDFromHeartbeat(subject string) string {
	return idAfterPrefix(subject, "stream.heartbeat.")
}

// SessionIDFromHeartbeat extracts the session id from a concrete
// "stream.session.heartbeat.{id}" subject.
func SessionIDFromHeartbeat(subject string) string {
	return idAfterPrefix(subject, "stream.session.heartbeat.")
}

// StreamIDFromWithdraw extracts the stream id from a concrete
// "stream.withdraw.{id}" subject.
func StreamIDFromWithdraw(subject string) string {
	return idAfterPrefix(subject, "stream.withdraw.")
}

// StreamIDFromMQTT extracts the stream id from a concrete
// "mqtt.stream.{id}.subscribe" or ".unsubscribe" subject.
func StreamIDFromMQTT(subject string) string {
	rest, ok := strings.CutPrefix(subject, "mqtt.stream.")
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(rest, ".")
	if !ok {
		return ""
	}
	return id
}

func idAfterPrefix(subject, prefix string) string {
	id, ok := strings.CutPrefix(subject, prefix)
	if !ok || id == "" || strings.Contains(id, ".") {
		return ""
	}
	return id
}
