// Package session issues opaque session handles bound to an athlete
// id, held in process memory with a TTL.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned for unknown or expired session handles.
var ErrNotFound = errors.New("session: not found or expired")

// Session binds an opaque handle to an athlete.
type Session struct {
	ID        string
	AthleteID string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store holds active sessions in memory.
type Store struct {
	mu       sync.RWMutex
	ttl      time.Duration
	sessions map[string]Session
}

// NewStore creates a session store (default TTL 24h).
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		ttl:      ttl,
		sessions: make(map[string]Session),
	}
}

// Create opens a session for the athlete.
func (s *Store) Create(athleteID string) (Session, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return Session{}, err
	}
	now := time.Now()
	sess := Session{
		ID:        hex.EncodeToString(b),
		AthleteID: athleteID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess, nil
}

// Lookup resolves a session handle.
func (s *Store) Lookup(id string) (Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return Session{}, ErrNotFound
	}
	if time.Now().After(sess.ExpiresAt) {
		s.Delete(id)
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// Delete closes a session. Idempotent.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}
