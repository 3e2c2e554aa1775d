package vault

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/strava-poster-hub/internal/db/models"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

func newTestVaultDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Credential{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestKeyring(t *testing.T) *Keyring {
	t.Helper()
	keys, err := NewKeyring("test-secret-0123456789abcdef", 1)
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	return keys
}

type fakeExchanger struct {
	mu      sync.Mutex
	calls   atomic.Int64
	delay   time.Duration
	errs    []error // consumed one per call, nil entries mean success
	expiry  time.Time
	rotated string
}

func (f *fakeExchanger) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	var err error
	if int(n) <= len(f.errs) {
		err = f.errs[n-1]
	}
	rotated := f.rotated
	expiry := f.expiry
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if expiry.IsZero() {
		expiry = time.Now().Add(6 * time.Hour)
	}
	return &oauth2.Token{
		AccessToken:  "refreshed-access",
		RefreshToken: rotated,
		Expiry:       expiry,
	}, nil
}

func storeTestCredential(t *testing.T, v *Vault, expiresAt time.Time) Credential {
	t.Helper()
	cred := Credential{
		AthleteID:    "12345",
		AccessToken:  "original-access-token-material",
		RefreshToken: "original-refresh-token-material",
		ExpiresAt:    expiresAt,
		Scopes:       []string{"read", "activity:read_all"},
	}
	if err := v.Store(cred); err != nil {
		t.Fatalf("store credential: %v", err)
	}
	return cred
}

func TestStoreGet_RoundTrip(t *testing.T) {
	db := newTestVaultDB(t)
	v := New(db, newTestKeyring(t), &fakeExchanger{}, time.Minute)

	want := storeTestCredential(t, v, time.Now().Add(time.Hour))

	got, err := v.Get("12345")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.AccessToken != want.AccessToken {
		t.Fatalf("access token mismatch: got %q want %q", got.AccessToken, want.AccessToken)
	}
	if got.RefreshToken != want.RefreshToken {
		t.Fatalf("refresh token mismatch: got %q want %q", got.RefreshToken, want.RefreshToken)
	}
	if len(got.Scopes) != 2 || got.Scopes[0] != "read" {
		t.Fatalf("unexpected scopes: %v", got.Scopes)
	}

	// Tokens must not appear in plaintext at rest.
	var row models.Credential
	if err := db.First(&row, "athlete_id = ?", "12345").Error; err != nil {
		t.Fatalf("load raw row: %v", err)
	}
	if string(row.AccessCipher) == want.AccessToken {
		t.Fatal("access token stored in plaintext")
	}
	if row.KeyVersion != 1 {
		t.Fatalf("expected key version 1, got %d", row.KeyVersion)
	}
}

func TestGet_CorruptCiphertext(t *testing.T) {
	db := newTestVaultDB(t)
	v := New(db, newTestKeyring(t), &fakeExchanger{}, time.Minute)
	storeTestCredential(t, v, time.Now().Add(time.Hour))

	var row models.Credential
	if err := db.First(&row, "athlete_id = ?", "12345").Error; err != nil {
		t.Fatalf("load raw row: %v", err)
	}
	row.AccessCipher[len(row.AccessCipher)-1] ^= 0xff
	if err := db.Save(&row).Error; err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	_, err := v.Get("12345")
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	v := New(newTestVaultDB(t), newTestKeyring(t), &fakeExchanger{}, time.Minute)
	if _, err := v.Get("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRevoke_Idempotent(t *testing.T) {
	v := New(newTestVaultDB(t), newTestKeyring(t), &fakeExchanger{}, time.Minute)
	storeTestCredential(t, v, time.Now().Add(time.Hour))

	if err := v.Revoke("12345"); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := v.Revoke("12345"); err != nil {
		t.Fatalf("second revoke should be idempotent: %v", err)
	}
	if _, err := v.Get("12345"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after revoke, got %v", err)
	}
}

func TestRefreshIfNeeded_FreshTokenSkipsUpstream(t *testing.T) {
	ex := &fakeExchanger{}
	v := New(newTestVaultDB(t), newTestKeyring(t), ex, time.Minute)
	storeTestCredential(t, v, time.Now().Add(time.Hour))

	cred, err := v.RefreshIfNeeded(context.Background(), "12345")
	if err != nil {
		t.Fatalf("refresh if needed: %v", err)
	}
	if cred.AccessToken != "original-access-token-material" {
		t.Fatalf("fresh credential should be returned untouched, got %q", cred.AccessToken)
	}
	if n := ex.calls.Load(); n != 0 {
		t.Fatalf("expected 0 upstream calls, got %d", n)
	}
}

func TestRefreshIfNeeded_SingleFlight(t *testing.T) {
	ex := &fakeExchanger{delay: 50 * time.Millisecond}
	v := New(newTestVaultDB(t), newTestKeyring(t), ex, time.Minute)
	storeTestCredential(t, v, time.Now().Add(10*time.Second)) // inside margin

	const callers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := v.RefreshIfNeeded(context.Background(), "12345")
			if err == nil && cred.AccessToken != "refreshed-access" {
				err = errors.New("caller saw stale access token")
			}
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent refresh: %v", err)
		}
	}

	if n := ex.calls.Load(); n != 1 {
		t.Fatalf("expected exactly 1 upstream refresh call, got %d", n)
	}
}

func TestRefresh_TransientRetriedThenSucceeds(t *testing.T) {
	ex := &fakeExchanger{errs: []error{errors.New("connection reset"), nil}}
	v := New(newTestVaultDB(t), newTestKeyring(t), ex, time.Minute)
	storeTestCredential(t, v, time.Now().Add(10*time.Second))

	cred, err := v.RefreshIfNeeded(context.Background(), "12345")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if cred.AccessToken != "refreshed-access" {
		t.Fatalf("expected refreshed token, got %q", cred.AccessToken)
	}
	if n := ex.calls.Load(); n != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", n)
	}
}

func TestRefresh_InvalidGrantDeletesCredential(t *testing.T) {
	ex := &fakeExchanger{errs: []error{errors.New(`oauth2: "invalid_grant"`)}}
	v := New(newTestVaultDB(t), newTestKeyring(t), ex, time.Minute)
	storeTestCredential(t, v, time.Now().Add(10*time.Second))

	_, err := v.RefreshIfNeeded(context.Background(), "12345")
	if !errors.Is(err, ErrRevokedCredential) {
		t.Fatalf("expected ErrRevokedCredential, got %v", err)
	}
	if n := ex.calls.Load(); n != 1 {
		t.Fatalf("permanent failure must not be retried, got %d calls", n)
	}
	if _, err := v.Get("12345"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("credential should be deleted after revocation, got %v", err)
	}
}

func TestRefresh_RotatedRefreshTokenPersisted(t *testing.T) {
	ex := &fakeExchanger{rotated: "rotated-refresh-token"}
	v := New(newTestVaultDB(t), newTestKeyring(t), ex, time.Minute)
	storeTestCredential(t, v, time.Now().Add(10*time.Second))

	if _, err := v.ForceRefresh(context.Background(), "12345"); err != nil {
		t.Fatalf("force refresh: %v", err)
	}
	got, err := v.Get("12345")
	if err != nil {
		t.Fatalf("get after refresh: %v", err)
	}
	if got.RefreshToken != "rotated-refresh-token" {
		t.Fatalf("rotated refresh token not persisted, got %q", got.RefreshToken)
	}
}

func TestIsPermanentRefreshError(t *testing.T) {
	tests := []struct {
		name      string
		errText   string
		permanent bool
	}{
		{name: "invalid grant", errText: "oauth2: cannot fetch token: 400 Bad Request {\"error\":\"invalid_grant\"}", permanent: true},
		{name: "revoked", errText: "token has been expired or revoked", permanent: true},
		{name: "timeout", errText: "context deadline exceeded", permanent: false},
		{name: "temporary", errText: "temporarily_unavailable", permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isPermanentRefreshError(errors.New(tt.errText))
			if got != tt.permanent {
				t.Fatalf("expected %v, got %v", tt.permanent, got)
			}
		})
	}
}
