package registry

import "context"

// Store is the ephemeral registry contract. Implementations must make an
// unrefreshed record unobservable to readers once its TTL lapses, and
// must serialize mutations per key so a heartbeat cannot race a
// concurrent withdraw or expiry sweep into a lost update.
//
// All lookups of absent or expired records fail with errors.ErrNotFound.
// A store that cannot reach its backend fails every operation fast with
// errors.ErrRegistryUnavailable; there is no degraded mode.
type Store interface {
	// AdvertiseStream stores a stream advertisement with a fresh TTL and
	// returns it with an assigned id. Re-advertising a live
	// (publisher_id, name) pair upserts: the existing id and
	// advertised_at survive, everything else is replaced.
	AdvertiseStream(ctx context.Context, stream *Stream) (*Stream, error)

	// GetStream returns a single unexpired stream.
	GetStream(ctx context.Context, id string) (*Stream, error)

	// ListStreams returns all unexpired streams, optionally filtered by
	// type. Entries whose TTL lapsed but have not been swept are checked
	// lazily and never returned.
	ListStreams(ctx context.Context, streamType string) ([]*Stream, error)

	// WithdrawStream removes a stream, its index memberships, and any
	// sessions indexed under it. Idempotent: withdrawing an absent or
	// expired id is not an error. The second return reports whether a
	// live record was actually removed.
	WithdrawStream(ctx context.Context, id string) (bool, error)

	// TouchStream resets the stream's TTL countdown. Fails with
	// ErrNotFound if the record is absent or already expired; the caller
	// must re-advertise rather than silently resurrect.
	TouchStream(ctx context.Context, id string) error

	// CreateSession stores a session with a fresh TTL and returns it
	// with an assigned id.
	CreateSession(ctx context.Context, session *Session) (*Session, error)

	// GetSession returns a single unexpired session.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns all unexpired sessions, optionally filtered
	// by stream id. Lazy-expiry filtered like ListStreams.
	ListSessions(ctx context.Context, streamID string) ([]*Session, error)

	// DeleteSession removes a session. Idempotent; the second return
	// reports whether a live record was removed.
	DeleteSession(ctx context.Context, id string) (bool, error)

	// TouchSession resets the session's TTL countdown. Fails with
	// ErrNotFound if absent or expired, forcing the consumer to
	// renegotiate instead of believing in a lapsed grant.
	TouchSession(ctx context.Context, id string) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
