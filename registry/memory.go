package registry

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/streambroker/errors"
)

const defaultSweepInterval = time.Second

// MemoryStore implements Store with plain maps, an expiry min-heap and a
// single background sweeper. It exists for tests and single-node
// standalone deployments where Redis would be overkill. Reads apply the
// lazy-expiry check, so the sweep is a space reclaim, never a
// correctness mechanism.
type MemoryStore struct {
	mu sync.Mutex

	streams  map[string]*streamEntry
	sessions map[string]*sessionEntry
	byType   map[string]map[string]struct{}
	byStream map[string]map[string]struct{}

	expiries expiryHeap

	ttl   time.Duration
	sweep time.Duration
	now   func() time.Time

	logger    *slog.Logger
	onExpired func(kind string)

	done      chan struct{}
	closeOnce sync.Once
}

type streamEntry struct {
	stream   *Stream
	deadline time.Time
}

type sessionEntry struct {
	session  *Session
	deadline time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryTTL overrides the record TTL.
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMemoryClock overrides the time source (for testing).
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMemorySweepInterval overrides the sweeper cadence.
func WithMemorySweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.sweep = d
		}
	}
}

// WithMemoryLogger sets the store logger.
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemoryStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithExpiryCallback registers a hook invoked with "stream" or "session"
// each time the sweeper reclaims a lapsed record. Used for metrics.
func WithExpiryCallback(fn func(kind string)) MemoryOption {
	return func(s *MemoryStore) {
		s.onExpired = fn
	}
}

// NewMemoryStore creates an in-memory registry and starts its sweeper.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		streams:  make(map[string]*streamEntry),
		sessions: make(map[string]*sessionEntry),
		byType:   make(map[string]map[string]struct{}),
		byStream: make(map[string]map[string]struct{}),
		ttl:      DefaultTTL,
		sweep:    defaultSweepInterval,
		now:      time.Now,
		logger:   slog.Default().With("component", "registry"),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.sweepLoop()
	return s
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

// sweepExpired pops heap items whose deadline has passed. A heap item is
// only a hint: heartbeats push fresh items without removing old ones, so
// the entry's own deadline decides whether it is actually reclaimed.
func (s *MemoryStore) sweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for s.expiries.Len() > 0 {
		item := s.expiries[0]
		if item.deadline.After(now) {
			break
		}
		heap.Pop(&s.expiries)

		switch item.kind {
		case kindStream:
			if e, ok := s.streams[item.id]; ok && !e.deadline.After(now) {
				s.removeStreamLocked(item.id, e)
				s.logger.Debug("stream expired", "stream_id", item.id)
				if s.onExpired != nil {
					s.onExpired("stream")
				}
			}
		case kindSession:
			if e, ok := s.sessions[item.id]; ok && !e.deadline.After(now) {
				s.removeSessionLocked(item.id, e)
				s.logger.Debug("session expired", "session_id", item.id)
				if s.onExpired != nil {
					s.onExpired("session")
				}
			}
		}
	}
}

func (s *MemoryStore) removeStreamLocked(id string, e *streamEntry) {
	delete(s.streams, id)
	if set, ok := s.byType[e.stream.StreamType]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.byType, e.stream.StreamType)
		}
	}
	// Sessions survive their stream's expiry; only the per-stream index
	// goes when the sessions themselves are gone.
}

func (s *MemoryStore) removeSessionLocked(id string, e *sessionEntry) {
	delete(s.sessions, id)
	if set, ok := s.byStream[e.session.StreamID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.byStream, e.session.StreamID)
		}
	}
}

func (s *MemoryStore) liveStream(id string, now time.Time) (*streamEntry, bool) {
	e, ok := s.streams[id]
	if !ok || !e.deadline.After(now) {
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) liveSession(id string, now time.Time) (*sessionEntry, bool) {
	e, ok := s.sessions[id]
	if !ok || !e.deadline.After(now) {
		return nil, false
	}
	return e, true
}

// AdvertiseStream stores the advertisement, upserting on a live
// (publisher_id, name) match.
func (s *MemoryStore) AdvertiseStream(_ context.Context, stream *Stream) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()

	stored := stream.clone()
	stored.LastHeartbeat = now
	stored.TTLSeconds = int(s.ttl / time.Second)

	if stored.ID == "" {
		for id, e := range s.streams {
			if !e.deadline.After(now) {
				continue
			}
			if e.stream.PublisherID == stored.PublisherID && e.stream.Name == stored.Name {
				stored.ID = id
				stored.AdvertisedAt = e.stream.AdvertisedAt
				break
			}
		}
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.AdvertisedAt.IsZero() {
		stored.AdvertisedAt = now
	}

	deadline := now.Add(s.ttl)
	s.streams[stored.ID] = &streamEntry{stream: stored.clone(), deadline: deadline}

	if s.byType[stored.StreamType] == nil {
		s.byType[stored.StreamType] = make(map[string]struct{})
	}
	s.byType[stored.StreamType][stored.ID] = struct{}{}

	heap.Push(&s.expiries, expiryItem{deadline: deadline, kind: kindStream, id: stored.ID})

	return stored, nil
}

// GetStream returns a single unexpired stream.
func (s *MemoryStore) GetStream(_ context.Context, id string) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.liveStream(id, now)
	if !ok {
		return nil, errors.Wrap(errors.ErrNotFound, "MemoryStore", "GetStream", "lookup stream "+id)
	}

	out := e.stream.clone()
	out.ActiveSessions = s.countSessionsLocked(id, now)
	return out, nil
}

func (s *MemoryStore) countSessionsLocked(streamID string, now time.Time) int {
	count := 0
	for sid := range s.byStream[streamID] {
		if _, ok := s.liveSession(sid, now); ok {
			count++
		}
	}
	return count
}

// ListStreams returns all unexpired streams, optionally filtered by type.
func (s *MemoryStore) ListStreams(_ context.Context, streamType string) ([]*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	streams := []*Stream{}

	if streamType != "" {
		for id := range s.byType[streamType] {
			if e, ok := s.liveStream(id, now); ok {
				out := e.stream.clone()
				out.ActiveSessions = s.countSessionsLocked(id, now)
				streams = append(streams, out)
			}
		}
		return streams, nil
	}

	for id, e := range s.streams {
		if !e.deadline.After(now) {
			continue
		}
		out := e.stream.clone()
		out.ActiveSessions = s.countSessionsLocked(id, now)
		streams = append(streams, out)
	}
	return streams, nil
}

// WithdrawStream removes a stream and the sessions indexed under it.
func (s *MemoryStore) WithdrawStream(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.liveStream(id, now)
	if !ok {
		return false, nil
	}

	for sid := range s.byStream[id] {
		if se, ok := s.sessions[sid]; ok {
			s.removeSessionLocked(sid, se)
		}
	}
	delete(s.byStream, id)
	s.removeStreamLocked(id, e)

	return true, nil
}

// TouchStream resets the TTL countdown for a live stream.
func (s *MemoryStore) TouchStream(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.liveStream(id, now)
	if !ok {
		return errors.Wrap(errors.ErrNotFound, "MemoryStore", "TouchStream", "refresh stream "+id)
	}

	deadline := now.Add(s.ttl)
	e.deadline = deadline
	e.stream.LastHeartbeat = now.UTC()
	heap.Push(&s.expiries, expiryItem{deadline: deadline, kind: kindStream, id: id})
	return nil
}

// CreateSession stores a session with a fresh TTL.
func (s *MemoryStore) CreateSession(_ context.Context, session *Session) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

	deadline := s.now().Add(s.ttl)
	s.sessions[stored.ID] = &sessionEntry{session: stored.clone(), deadline: deadline}

	if s.byStream[stored.StreamID] == nil {
		s.byStream[stored.StreamID] = make(map[string]struct{})
	}
	s.byStream[stored.StreamID][stored.ID] = struct{}{}

	heap.Push(&s.expiries, expiryItem{deadline: deadline, kind: kindSession, id: stored.ID})

	return stored, nil
}

// GetSession returns a single unexpired session.
func (s *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveSession(id, s.now())
	if !ok {
		return nil, errors.Wrap(errors.ErrNotFound, "MemoryStore", "GetSession", "lookup session "+id)
	}
	return e.session.clone(), nil
}

// ListSessions returns all unexpired sessions, optionally filtered by stream.
func (s *MemoryStore) ListSessions(_ context.Context, streamID string) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sessions := []*Session{}

	if streamID != "" {
		for id := range s.byStream[streamID] {
			if e, ok := s.liveSession(id, now); ok {
				sessions = append(sessions, e.session.clone())
			}
		}
		return sessions, nil
	}

	for _, e := range s.sessions {
		if e.deadline.After(now) {
			sessions = append(sessions, e.session.clone())
		}
	}
	return sessions, nil
}

// DeleteSession removes a session.
func (s *MemoryStore) DeleteSession(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveSession(id, s.now())
	if !ok {
		return false, nil
	}
	s.removeSessionLocked(id, e)
	return true, nil
}

// TouchSession resets the TTL countdown for a live session.
func (s *MemoryStore) TouchSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.liveSession(id, now)
	if !ok {
		return errors.Wrap(errors.ErrNotFound, "MemoryStore", "TouchSession", "refresh session "+id)
	}

	deadline := now.Add(s.ttl)
	e.deadline = deadline
	e.session.LastHeartbeat = now.UTC()
	heap.Push(&s.expiries, expiryItem{deadline: deadline, kind: kindSession, id: id})
	return nil
}

// Ping always succeeds for the in-memory backend.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Expiry min-heap. Heartbeats push new items instead of re-keying old
// ones; stale items are discarded when popped.

type recordKind uint8

const (
	kindStream recordKind = iota
	kindSession
)

type expiryItem struct {
	deadline time.Time
	kind     recordKind
	id       string
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)         { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
