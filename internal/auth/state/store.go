// Package state tracks in-flight OAuth authorization attempts. Each
// state token is single-use and expires after a fixed TTL; a callback
// presenting an unknown, expired, or already-consumed token is
// rejected. This is the CSRF/replay defense, not optional hardening.
package state

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrInvalidState is returned for unknown, expired, or already
// consumed state tokens.
var ErrInvalidState = errors.New("state: unknown, expired, or already used state token")

// Entry is one pending authorization attempt.
type Entry struct {
	Token        string
	RedirectHint string
	CreatedAt    time.Time
}

// Store holds pending attempts in memory.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]Entry
}

// NewStore creates a store with the given TTL (default 10 minutes).
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		ttl:     ttl,
		entries: make(map[string]Entry),
	}
}

// Issue creates a fresh state token for a login attempt.
func (s *Store) Issue(redirectHint string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	s.mu.Lock()
	s.entries[token] = Entry{
		Token:        token,
		RedirectHint: redirectHint,
		CreatedAt:    time.Now(),
	}
	s.mu.Unlock()
	return token, nil
}

// Consume validates and removes a state token. Exactly one Consume per
// token can succeed.
func (s *Store) Consume(token string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return Entry{}, ErrInvalidState
	}
	delete(s.entries, token)
	if time.Since(e.CreatedAt) > s.ttl {
		return Entry{}, ErrInvalidState
	}
	return e, nil
}

// StartJanitor purges expired entries periodically. Returns a stop
// function.
func (s *Store) StartJanitor(interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.purge()
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func (s *Store) purge() {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, e := range s.entries {
		if time.Since(e.CreatedAt) > s.ttl {
			delete(s.entries, token)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("🧹 Purged %d expired OAuth states", removed)
	}
}
