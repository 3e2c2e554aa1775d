package state

import (
	"errors"
	"testing"
	"time"
)

func TestConsume_SingleUse(t *testing.T) {
	s := NewStore(time.Minute)

	token, err := s.Issue("/activities")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	e, err := s.Consume(token)
	if err != nil {
		t.Fatalf("first consume should succeed: %v", err)
	}
	if e.RedirectHint != "/activities" {
		t.Fatalf("unexpected redirect hint %q", e.RedirectHint)
	}

	if _, err := s.Consume(token); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second consume must fail with ErrInvalidState, got %v", err)
	}
}

func TestConsume_UnknownToken(t *testing.T) {
	s := NewStore(time.Minute)
	if _, err := s.Consume("deadbeef"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestConsume_Expired(t *testing.T) {
	s := NewStore(10 * time.Millisecond)

	token, err := s.Issue("")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, err := s.Consume(token); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expired token must fail with ErrInvalidState, got %v", err)
	}
}

func TestPurge_RemovesExpiredOnly(t *testing.T) {
	s := NewStore(20 * time.Millisecond)

	old, _ := s.Issue("")
	time.Sleep(40 * time.Millisecond)
	fresh, _ := s.Issue("")

	s.purge()

	if _, err := s.Consume(old); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expired token should be gone, got %v", err)
	}
	if _, err := s.Consume(fresh); err != nil {
		t.Fatalf("fresh token should survive purge: %v", err)
	}
}
