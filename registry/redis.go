package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/c360/streambroker/errors"
)

// Key patterns. The first two carry the rolling TTL; the index sets have
// no TTL of their own and are pruned lazily when a read finds a member
// whose record has expired.
const (
	streamKeyPrefix   = "stream:"
	sessionKeyPrefix  = "stream:session:"
	streamIndexKey    = "streams:index"
	typeIndexPrefix   = "streams:type:"
	streamSessPrefix  = "stream:sessions:"
	sessionIndexKey   = "stream:sessions:index"
)

func streamKey(id string) string      { return streamKeyPrefix + id }
func sessionKey(id string) string     { return sessionKeyPrefix + id }
func typeIndexKey(t string) string    { return typeIndexPrefix + t }
func streamSessKey(id string) string  { return streamSessPrefix + id }

// RedisStore implements Store on Redis, using native per-key TTL for
// expiry. Heartbeats are an EXPIRE reset; no sweeper is needed because
// Redis evicts lapsed keys itself and index membership is pruned on read.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisTTL overrides the record TTL. Shorter values are useful in tests.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithRedisLogger sets the store logger.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRedisClock overrides the time source (for testing).
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisStore creates a registry backed by the given Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    DefaultTTL,
		logger: slog.Default().With("component", "registry"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// unavailable maps a Redis transport failure onto the registry's fail-fast
// error kind.
func unavailable(method, action string, err error) error {
	return errors.WrapTransient(
		fmt.Errorf("%w: %v", errors.ErrRegistryUnavailable, err),
		"RedisStore", method, action)
}

// AdvertiseStream stores the advertisement with a fresh TTL. A live
// record with the same (publisher_id, name) is upserted: its id and
// advertised_at carry over so re-advertisement after a network blip does
// not mint a new identity.
func (s *RedisStore) AdvertiseStream(ctx context.Context, stream *Stream) (*Stream, error) {
	now := s.now().UTC()

	stored := stream.clone()
	stored.LastHeartbeat = now
	stored.TTLSeconds = int(s.ttl / time.Second)

	if stored.ID == "" {
		existingID, existingAt, found, err := s.findByPublisherName(ctx, stored.PublisherID, stored.Name)
		if err != nil {
			return nil, err
		}
		if found {
			stored.ID = existingID
			stored.AdvertisedAt = existingAt
		} else {
			stored.ID = uuid.NewString()
			stored.AdvertisedAt = now
		}
	} else if stored.AdvertisedAt.IsZero() {
		stored.AdvertisedAt = now
	}

	fields, err := encodeStream(stored)
	if err != nil {
		return nil, errors.WrapInvalid(err, "RedisStore", "AdvertiseStream", "encode stream")
	}

	key := streamKey(stored.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	pipe.SAdd(ctx, streamIndexKey, stored.ID)
	pipe.SAdd(ctx, typeIndexKey(stored.StreamType), stored.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("AdvertiseStream", "store stream", err)
	}

	s.logger.Debug("stream advertised",
		"stream_id", stored.ID,
		"stream_type", stored.StreamType,
		"publisher_id", stored.PublisherID)

	return stored, nil
}

// findByPublisherName scans the live index for a stream advertised by the
// same publisher under the same name. The index is small (one entry per
// live advertisement) so a scan is acceptable here.
func (s *RedisStore) findByPublisherName(ctx context.Context, publisherID, name string) (string, time.Time, bool, error) {
	ids, err := s.client.SMembers(ctx, streamIndexKey).Result()
	if err != nil {
		return "", time.Time{}, false, unavailable("AdvertiseStream", "scan index", err)
	}

	for _, id := range ids {
		vals, err := s.client.HMGet(ctx, streamKey(id), "publisher_id", "name", "advertised_at").Result()
		if err != nil {
			return "", time.Time{}, false, unavailable("AdvertiseStream", "read candidate", err)
		}
		pub, _ := vals[0].(string)
		n, _ := vals[1].(string)
		if pub == "" || pub != publisherID || n != name {
			continue
		}
		at := time.Time{}
		if raw, ok := vals[2].(string); ok {
			at, _ = time.Parse(time.RFC3339Nano, raw)
		}
		return id, at, true, nil
	}
	return "", time.Time{}, false, nil
}

// GetStream returns a single unexpired stream.
func (s *RedisStore) GetStream(ctx context.Context, id string) (*Stream, error) {
	data, err := s.client.HGetAll(ctx, streamKey(id)).Result()
	if err != nil {
		return nil, unavailable("GetStream", "read stream", err)
	}
	if len(data) == 0 {
		return nil, errors.Wrap(errors.ErrNotFound, "RedisStore", "GetStream", "lookup stream "+id)
	}

	stream, err := decodeStream(data)
	if err != nil {
		return nil, errors.WrapInvalid(err, "RedisStore", "GetStream", "decode stream")
	}

	count, err := s.client.SCard(ctx, streamSessKey(id)).Result()
	if err != nil {
		return nil, unavailable("GetStream", "count sessions", err)
	}
	stream.ActiveSessions = int(count)

	return stream, nil
}

// ListStreams returns all unexpired streams, optionally filtered by
// type. Index members whose record has already been evicted are pruned
// as a side effect.
func (s *RedisStore) ListStreams(ctx context.Context, streamType string) ([]*Stream, error) {
	indexKey := streamIndexKey
	if streamType != "" {
		indexKey = typeIndexKey(streamType)
	}

	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, unavailable("ListStreams", "read index", err)
	}

	streams := make([]*Stream, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.HGetAll(ctx, streamKey(id)).Result()
		if err != nil {
			return nil, unavailable("ListStreams", "read stream", err)
		}
		if len(data) == 0 {
			// Record expired under this index entry
			s.pruneStreamIndex(ctx, indexKey, id)
			continue
		}

		stream, err := decodeStream(data)
		if err != nil {
			s.logger.Warn("skipping undecodable stream record", "stream_id", id, "error", err)
			continue
		}

		count, err := s.client.SCard(ctx, streamSessKey(id)).Result()
		if err != nil {
			return nil, unavailable("ListStreams", "count sessions", err)
		}
		stream.ActiveSessions = int(count)
		streams = append(streams, stream)
	}

	return streams, nil
}

func (s *RedisStore) pruneStreamIndex(ctx context.Context, indexKey, id string) {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, streamIndexKey, id)
	if indexKey != streamIndexKey {
		pipe.SRem(ctx, indexKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("failed to prune stale index entry", "stream_id", id, "error", err)
	}
}

// WithdrawStream removes a stream and everything indexed under it.
func (s *RedisStore) WithdrawStream(ctx context.Context, id string) (bool, error) {
	data, err := s.client.HGetAll(ctx, streamKey(id)).Result()
	if err != nil {
		return false, unavailable("WithdrawStream", "read stream", err)
	}
	if len(data) == 0 {
		return false, nil // already expired or never existed
	}

	streamType := data["stream_type"]

	sessionIDs, err := s.client.SMembers(ctx, streamSessKey(id)).Result()
	if err != nil {
		return false, unavailable("WithdrawStream", "read session index", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, streamKey(id))
	pipe.SRem(ctx, streamIndexKey, id)
	if streamType != "" {
		pipe.SRem(ctx, typeIndexKey(streamType), id)
	}
	for _, sid := range sessionIDs {
		pipe.Del(ctx, sessionKey(sid))
		pipe.SRem(ctx, sessionIndexKey, sid)
	}
	pipe.Del(ctx, streamSessKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, unavailable("WithdrawStream", "remove stream", err)
	}

	s.logger.Debug("stream withdrawn", "stream_id", id, "sessions_removed", len(sessionIDs))
	return true, nil
}

// TouchStream resets the TTL countdown for a live stream.
func (s *RedisStore) TouchStream(ctx context.Context, id string) error {
	key := streamKey(id)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return unavailable("TouchStream", "check stream", err)
	}
	if exists == 0 {
		return errors.Wrap(errors.ErrNotFound, "RedisStore", "TouchStream", "refresh stream "+id)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "last_heartbeat", s.now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("TouchStream", "refresh stream", err)
	}
	return nil
}

// CreateSession stores a session with a fresh TTL.
func (s *RedisStore) CreateSession(ctx context.Context, session *Session) (*Session, error) {
	now := s.now().UTC()

	stored := session.clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.StartedAt.IsZero() {
		stored.StartedAt = now
	}
	stored.LastHeartbeat = now
	stored.TTLSeconds = int(s.ttl / time.Second)
	if stored.Status == "" {
		stored.Status = "active"
	}

	fields, err := encodeSession(stored)
	if err != nil {
		return nil, errors.WrapInvalid(err, "RedisStore", "CreateSession", "encode session")
	}

	key := sessionKey(stored.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	pipe.SAdd(ctx, sessionIndexKey, stored.ID)
	pipe.SAdd(ctx, streamSessKey(stored.StreamID), stored.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("CreateSession", "store session", err)
	}

	s.logger.Debug("session created",
		"session_id", stored.ID,
		"stream_id", stored.StreamID,
		"consumer_id", stored.ConsumerID)

	return stored, nil
}

// GetSession returns a single unexpired session.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, unavailable("GetSession", "read session", err)
	}
	if len(data) == 0 {
		return nil, errors.Wrap(errors.ErrNotFound, "RedisStore", "GetSession", "lookup session "+id)
	}

	session, err := decodeSession(data)
	if err != nil {
		return nil, errors.WrapInvalid(err, "RedisStore", "GetSession", "decode session")
	}
	return session, nil
}

// ListSessions returns all unexpired sessions, optionally filtered by
// stream id, pruning stale index members on the way.
func (s *RedisStore) ListSessions(ctx context.Context, streamID string) ([]*Session, error) {
	indexKey := sessionIndexKey
	if streamID != "" {
		indexKey = streamSessKey(streamID)
	}

	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, unavailable("ListSessions", "read index", err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
		if err != nil {
			return nil, unavailable("ListSessions", "read session", err)
		}
		if len(data) == 0 {
			s.pruneSessionIndex(ctx, indexKey, id)
			continue
		}

		session, err := decodeSession(data)
		if err != nil {
			s.logger.Warn("skipping undecodable session record", "session_id", id, "error", err)
			continue
		}
		sessions = append(sessions, session)
	}

	return sessions, nil
}

func (s *RedisStore) pruneSessionIndex(ctx context.Context, indexKey, id string) {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, sessionIndexKey, id)
	if indexKey != sessionIndexKey {
		pipe.SRem(ctx, indexKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("failed to prune stale session index entry", "session_id", id, "error", err)
	}
}

// DeleteSession removes a session and its index memberships.
func (s *RedisStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return false, unavailable("DeleteSession", "read session", err)
	}
	if len(data) == 0 {
		return false, nil
	}

	streamID := data["stream_id"]

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, sessionIndexKey, id)
	if streamID != "" {
		pipe.SRem(ctx, streamSessKey(streamID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, unavailable("DeleteSession", "remove session", err)
	}

	return true, nil
}

// TouchSession resets the TTL countdown for a live session.
func (s *RedisStore) TouchSession(ctx context.Context, id string) error {
	key := sessionKey(id)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return unavailable("TouchSession", "check session", err)
	}
	if exists == 0 {
		return errors.Wrap(errors.ErrNotFound, "RedisStore", "TouchSession", "refresh session "+id)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "last_heartbeat", s.now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("TouchSession", "refresh session", err)
	}
	return nil
}

// Ping verifies the Redis backend is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("Ping", "ping redis", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Hash encoding. Every field is a string; config, metadata and
// transport_config are nested JSON documents stored opaquely.

func encodeStream(s *Stream) (map[string]string, error) {
	config, err := json.Marshal(orEmpty(s.Config))
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	metadata, err := json.Marshal(orEmpty(s.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	return map[string]string{
		"id":             s.ID,
		"name":           s.Name,
		"stream_type":    s.StreamType,
		"publisher_id":   s.PublisherID,
		"protocol":       s.Protocol,
		"address":        s.Address,
		"port":           strconv.Itoa(s.Port),
		"entity_id":      s.EntityID,
		"device_id":      s.DeviceID,
		"config":         string(config),
		"metadata":       string(metadata),
		"advertised_at":  s.AdvertisedAt.Format(time.RFC3339Nano),
		"last_heartbeat": s.LastHeartbeat.Format(time.RFC3339Nano),
		"ttl_seconds":    strconv.Itoa(s.TTLSeconds),
	}, nil
}

func decodeStream(data map[string]string) (*Stream, error) {
	port, _ := strconv.Atoi(data["port"])
	ttl, _ := strconv.Atoi(data["ttl_seconds"])

	var config, metadata map[string]any
	if raw := data["config"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if raw := data["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	advertisedAt, _ := time.Parse(time.RFC3339Nano, data["advertised_at"])
	lastHeartbeat, _ := time.Parse(time.RFC3339Nano, data["last_heartbeat"])

	return &Stream{
		ID:            data["id"],
		Name:          data["name"],
		StreamType:    data["stream_type"],
		PublisherID:   data["publisher_id"],
		Protocol:      data["protocol"],
		Address:       data["address"],
		Port:          port,
		EntityID:      data["entity_id"],
		DeviceID:      data["device_id"],
		Config:        config,
		Metadata:      metadata,
		AdvertisedAt:  advertisedAt,
		LastHeartbeat: lastHeartbeat,
		TTLSeconds:    ttl,
	}, nil
}

func encodeSession(s *Session) (map[string]string, error) {
	transportConfig, err := json.Marshal(orEmpty(s.TransportConfig))
	if err != nil {
		return nil, fmt.Errorf("marshal transport_config: %w", err)
	}

	return map[string]string{
		"session_id":        s.ID,
		"stream_id":         s.StreamID,
		"stream_name":       s.StreamName,
		"stream_type":       s.StreamType,
		"publisher_id":      s.PublisherID,
		"publisher_address": s.PublisherAddress,
		"publisher_port":    strconv.Itoa(s.PublisherPort),
		"consumer_id":       s.ConsumerID,
		"consumer_address":  s.ConsumerAddress,
		"protocol":          s.Protocol,
		"transport_config":  string(transportConfig),
		"started_at":        s.StartedAt.Format(time.RFC3339Nano),
		"last_heartbeat":    s.LastHeartbeat.Format(time.RFC3339Nano),
		"ttl_seconds":       strconv.Itoa(s.TTLSeconds),
		"status":            s.Status,
	}, nil
}

func decodeSession(data map[string]string) (*Session, error) {
	publisherPort, _ := strconv.Atoi(data["publisher_port"])
	ttl, _ := strconv.Atoi(data["ttl_seconds"])

	var transportConfig map[string]any
	if raw := data["transport_config"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &transportConfig); err != nil {
			return nil, fmt.Errorf("unmarshal transport_config: %w", err)
		}
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, data["started_at"])
	lastHeartbeat, _ := time.Parse(time.RFC3339Nano, data["last_heartbeat"])

	return &Session{
		ID:               data["session_id"],
		StreamID:         data["stream_id"],
		StreamName:       data["stream_name"],
		StreamType:       data["stream_type"],
		PublisherID:      data["publisher_id"],
		PublisherAddress: data["publisher_address"],
		PublisherPort:    publisherPort,
		ConsumerID:       data["consumer_id"],
		ConsumerAddress:  data["consumer_address"],
		Protocol:         data["protocol"],
		TransportConfig:  transportConfig,
		StartedAt:        startedAt,
		LastHeartbeat:    lastHeartbeat,
		TTLSeconds:       ttl,
		Status:           data["status"],
	}, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
