// Package session keeps conversation histories keyed by session id for the
// lifetime of the process.
package session

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
)

// DefaultMaxTurns is the number of turn groups kept per session.
const DefaultMaxTurns = 10

// ErrUnknownSession is returned for a non-empty id the store does not hold.
var ErrUnknownSession = errors.New("session: unknown session")

// Session is a stored conversation.
type Session struct {
	ID       string
	History  conversation.Conversation
	LastUsed time.Time
}

type entry struct {
	id       string
	history  conversation.Conversation
	lastUsed time.Time
	lock     *semaphore.Weighted
	elem     *list.Element
}

// Option configures a Store.
type Option func(*Store)

// WithMaxTurns overrides the retention cap.
func WithMaxTurns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTurns = n
		}
	}
}

// WithMaxSessions caps the number of sessions. The least recently used idle
// session is evicted to make room; zero means no cap.
func WithMaxSessions(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxSessions = n
		}
	}
}

// WithIdleTTL expires sessions not used for d; zero disables expiry.
func WithIdleTTL(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.idleTTL = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces uuid generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store is an in-memory session table. Histories are copied in and out so
// callers never share slices with the store.
type Store struct {
	maxTurns    int
	maxSessions int
	idleTTL     time.Duration
	now         func() time.Time
	newID       func() string
	logger      *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
	// order holds *entry values, most recently used first.
	order *list.List
}

// NewStore builds an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		maxTurns: DefaultMaxTurns,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
		logger:   zap.NewNop(),
		sessions: make(map[string]*entry),
		order:    list.New(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Resolve returns the history for id. An empty id creates a new session with
// an empty history; an unknown id yields ErrUnknownSession.
func (s *Store) Resolve(id string) (string, conversation.Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = s.newID()
		s.mu.Lock()
		e := &entry{id: id, lastUsed: s.now(), lock: semaphore.NewWeighted(1)}
		e.elem = s.order.PushFront(e)
		s.sessions[id] = e
		s.evictLocked(e)
		s.mu.Unlock()
		s.logger.Debug("session created", zap.String("session", id))
		return id, conversation.Conversation{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookupLocked(id)
	if err != nil {
		return "", nil, err
	}
	s.order.MoveToFront(e.elem)
	history := e.history.Clone()
	if history == nil {
		history = conversation.Conversation{}
	}
	return id, history, nil
}

// Commit replaces the history of id after applying the retention cap.
func (s *Store) Commit(id string, conv conversation.Conversation) error {
	id = strings.TrimSpace(id)
	trimmed := Trim(conv, s.maxTurns)

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	e.history = trimmed.Clone()
	e.lastUsed = s.now()
	s.order.MoveToFront(e.elem)
	if dropped := len(conv) - len(trimmed); dropped > 0 {
		s.logger.Debug("session history trimmed", zap.String("session", id), zap.Int("dropped", dropped))
	}
	return nil
}

// Lock serialises loops on one session. Different sessions do not contend.
func (s *Store) Lock(ctx context.Context, id string) (func(), error) {
	s.mu.RLock()
	e, ok := s.sessions[strings.TrimSpace(id)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if err := e.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { e.lock.Release(1) }) }, nil
}

// Evict removes a session. Unknown ids are ignored.
func (s *Store) Evict(id string) {
	s.mu.Lock()
	if e, ok := s.sessions[strings.TrimSpace(id)]; ok {
		s.removeLocked(e)
	}
	s.mu.Unlock()
}

// lookupLocked returns a live session, dropping it if it has expired. A
// session held by a running loop does not expire.
func (s *Store) lookupLocked(id string) (*entry, error) {
	e, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if s.expired(e) && s.idle(e) {
		s.removeLocked(e)
		s.logger.Debug("session expired", zap.String("session", id))
		return nil, fmt.Errorf("%w: %s expired", ErrUnknownSession, id)
	}
	return e, nil
}

func (s *Store) expired(e *entry) bool {
	return s.idleTTL > 0 && s.now().Sub(e.lastUsed) > s.idleTTL
}

// evictLocked drops expired sessions and then, while over the cap, the least
// recently used sessions that are not running a loop. keep is never dropped.
func (s *Store) evictLocked(keep *entry) {
	if s.idleTTL > 0 {
		for el := s.order.Back(); el != nil; {
			prev := el.Prev()
			if e := el.Value.(*entry); e != keep && s.expired(e) && s.idle(e) {
				s.removeLocked(e)
			}
			el = prev
		}
	}
	if s.maxSessions <= 0 {
		return
	}
	for el := s.order.Back(); el != nil && len(s.sessions) > s.maxSessions; {
		prev := el.Prev()
		if e := el.Value.(*entry); e != keep && s.idle(e) {
			s.removeLocked(e)
			s.logger.Debug("session evicted", zap.String("session", e.id))
		}
		el = prev
	}
}

// idle reports whether no loop holds the session.
func (s *Store) idle(e *entry) bool {
	if !e.lock.TryAcquire(1) {
		return false
	}
	e.lock.Release(1)
	return true
}

func (s *Store) removeLocked(e *entry) {
	s.order.Remove(e.elem)
	delete(s.sessions, e.id)
}

// Get returns a snapshot of a session.
func (s *Store) Get(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[strings.TrimSpace(id)]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return Session{ID: id, History: e.history.Clone(), LastUsed: e.lastUsed}, nil
}

// Turns reports how many turn groups a session retains.
func (s *Store) Turns(id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[strings.TrimSpace(id)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return CountTurns(e.history), nil
}

// IDs returns all session ids, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
