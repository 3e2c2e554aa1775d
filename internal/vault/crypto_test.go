package vault

import (
	"bytes"
	"errors"
	"testing"
)

func TestKeyring_SealOpenRoundTrip(t *testing.T) {
	keys := newTestKeyring(t)

	plaintext := []byte("access-token-material")
	sealed, err := keys.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed output contains plaintext")
	}

	opened, err := keys.Open(1, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", opened, plaintext)
	}
}

func TestKeyring_OpenRejectsTamperedCiphertext(t *testing.T) {
	keys := newTestKeyring(t)

	sealed, err := keys.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01

	if _, err := keys.Open(1, sealed); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}

func TestKeyring_OpenRejectsShortInput(t *testing.T) {
	keys := newTestKeyring(t)
	if _, err := keys.Open(1, []byte("short")); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}

func TestKeyring_VersionsDeriveDistinctKeys(t *testing.T) {
	keys := newTestKeyring(t)

	sealed, err := keys.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := keys.Open(2, sealed); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("opening under wrong key version must fail, got %v", err)
	}
}

func TestNewKeyring_RejectsWeakSecret(t *testing.T) {
	if _, err := NewKeyring("short", 1); err == nil {
		t.Fatal("expected error for short secret")
	}
}
