// Package vault owns the lifecycle of per-athlete Strava credentials:
// encrypted storage, expiry-driven refresh with per-athlete
// single-flight deduplication, and revocation.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pysugar/strava-poster-hub/internal/db/models"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	refreshAttempts = 3
	refreshBackoff  = 500 * time.Millisecond
)

var (
	// ErrNotFound means no credential is stored for the athlete.
	ErrNotFound = errors.New("vault: credential not found")

	// ErrRevokedCredential means the provider rejected the refresh
	// token permanently. The stored credential is already deleted and
	// the athlete must re-authenticate.
	ErrRevokedCredential = errors.New("vault: grant revoked, re-authentication required")
)

// Credential is the decrypted, in-memory view of a stored credential.
type Credential struct {
	AthleteID       string
	AccessToken     string
	RefreshToken    string
	ExpiresAt       time.Time
	Scopes          []string
	LastRefreshedAt time.Time
}

// Exchanger turns a refresh token into a fresh token pair at the
// provider's token endpoint.
type Exchanger interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Vault stores credentials encrypted at rest and guarantees at most
// one in-flight refresh per athlete.
type Vault struct {
	db       *gorm.DB
	keys     *Keyring
	exchange Exchanger
	margin   time.Duration
	group    singleflight.Group
}

// New creates a Vault. margin is the window before expiry within which
// RefreshIfNeeded refreshes proactively.
func New(db *gorm.DB, keys *Keyring, exchange Exchanger, margin time.Duration) *Vault {
	if margin <= 0 {
		margin = 60 * time.Second
	}
	return &Vault{db: db, keys: keys, exchange: exchange, margin: margin}
}

// Store encrypts and persists a credential, replacing any previous one
// for the same athlete.
func (v *Vault) Store(cred Credential) error {
	accessCipher, err := v.keys.Seal([]byte(cred.AccessToken))
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refreshCipher, err := v.keys.Seal([]byte(cred.RefreshToken))
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}

	row := models.Credential{
		AthleteID:       cred.AthleteID,
		AccessCipher:    accessCipher,
		RefreshCipher:   refreshCipher,
		KeyVersion:      v.keys.CurrentVersion(),
		Scopes:          strings.Join(cred.Scopes, ","),
		ExpiresAt:       cred.ExpiresAt,
		LastRefreshedAt: cred.LastRefreshedAt,
	}
	if err := v.db.Save(&row).Error; err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

// Get decrypts and returns the athlete's credential.
func (v *Vault) Get(athleteID string) (Credential, error) {
	var row models.Credential
	if err := v.db.First(&row, "athlete_id = ?", athleteID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("load credential: %w", err)
	}

	access, err := v.keys.Open(row.KeyVersion, row.AccessCipher)
	if err != nil {
		return Credential{}, err
	}
	refresh, err := v.keys.Open(row.KeyVersion, row.RefreshCipher)
	if err != nil {
		return Credential{}, err
	}

	var scopes []string
	if row.Scopes != "" {
		scopes = strings.Split(row.Scopes, ",")
	}
	return Credential{
		AthleteID:       row.AthleteID,
		AccessToken:     string(access),
		RefreshToken:    string(refresh),
		ExpiresAt:       row.ExpiresAt,
		Scopes:          scopes,
		LastRefreshedAt: row.LastRefreshedAt,
	}, nil
}

// Revoke deletes the athlete's credential. Idempotent.
func (v *Vault) Revoke(athleteID string) error {
	if err := v.db.Delete(&models.Credential{}, "athlete_id = ?", athleteID).Error; err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// RefreshIfNeeded returns a credential guaranteed to be valid for at
// least the configured margin, refreshing it first when necessary.
func (v *Vault) RefreshIfNeeded(ctx context.Context, athleteID string) (Credential, error) {
	cred, err := v.Get(athleteID)
	if err != nil {
		return Credential{}, err
	}
	if time.Until(cred.ExpiresAt) > v.margin {
		return cred, nil
	}
	return v.refreshShared(ctx, athleteID, false)
}

// ForceRefresh refreshes regardless of expiry. Used after the provider
// rejects an access token that still looks valid locally.
func (v *Vault) ForceRefresh(ctx context.Context, athleteID string) (Credential, error) {
	return v.refreshShared(ctx, athleteID, true)
}

// refreshShared collapses concurrent refreshes for the same athlete
// into one upstream call. Duplicate refresh calls can invalidate each
// other's refresh token at the provider, so this is a correctness
// requirement, not an optimization.
func (v *Vault) refreshShared(ctx context.Context, athleteID string, force bool) (Credential, error) {
	val, err, _ := v.group.Do(athleteID, func() (interface{}, error) {
		return v.refresh(ctx, athleteID, force)
	})
	if err != nil {
		return Credential{}, err
	}
	return val.(Credential), nil
}

func (v *Vault) refresh(ctx context.Context, athleteID string, force bool) (Credential, error) {
	cred, err := v.Get(athleteID)
	if err != nil {
		return Credential{}, err
	}
	// A caller that queued behind a completed refresh sees the fresh
	// credential here and skips the upstream call entirely.
	if !force && time.Until(cred.ExpiresAt) > v.margin {
		return cred, nil
	}

	backoff := refreshBackoff
	var lastErr error
	for attempt := 1; attempt <= refreshAttempts; attempt++ {
		tok, err := v.exchange.Refresh(ctx, cred.RefreshToken)
		if err == nil {
			return v.persistRefreshed(cred, tok)
		}
		lastErr = err

		if isPermanentRefreshError(err) {
			log.Printf("🔒 Grant revoked for athlete %s, deleting credential", athleteID)
			if delErr := v.Revoke(athleteID); delErr != nil {
				log.Printf("⚠️ Failed to delete revoked credential for %s: %v", athleteID, delErr)
			}
			return Credential{}, fmt.Errorf("%w: %v", ErrRevokedCredential, err)
		}

		log.Printf("⏳ Transient refresh failure for athlete %s (attempt %d/%d): %v", athleteID, attempt, refreshAttempts, err)
		if attempt < refreshAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Credential{}, ctx.Err()
			}
			backoff *= 2
		}
	}
	return Credential{}, fmt.Errorf("refresh token for athlete %s: %w", athleteID, lastErr)
}

func (v *Vault) persistRefreshed(old Credential, tok *oauth2.Token) (Credential, error) {
	fresh := old
	fresh.AccessToken = tok.AccessToken
	fresh.ExpiresAt = tok.Expiry
	fresh.LastRefreshedAt = time.Now()
	// Persist rotated refresh token if provided (RFC 6749 compliance)
	if tok.RefreshToken != "" && tok.RefreshToken != old.RefreshToken {
		log.Printf("🔄 Rotating refresh token for athlete %s", old.AthleteID)
		fresh.RefreshToken = tok.RefreshToken
	}
	if err := v.Store(fresh); err != nil {
		return Credential{}, err
	}
	log.Printf("✅ Refreshed token for athlete %s (%s, expires %s)", fresh.AthleteID, maskToken(fresh.AccessToken), fresh.ExpiresAt.Format(time.RFC3339))
	return fresh, nil
}

// StartRefreshLoop proactively refreshes credentials approaching
// expiry and reaps ones whose grant the provider has revoked. Returns
// a stop function.
func (v *Vault) StartRefreshLoop(interval time.Duration) func() {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				v.refreshExpiring()
			case <-done:
				return
			}
		}
	}()
	log.Printf("🔄 Credential refresh loop started (interval: %s)", interval)
	return func() {
		ticker.Stop()
		close(done)
	}
}

func (v *Vault) refreshExpiring() {
	var rows []models.Credential
	threshold := time.Now().Add(2 * v.margin)
	if err := v.db.Where("expires_at < ?", threshold).Find(&rows).Error; err != nil {
		log.Printf("⚠️ Refresh sweep query failed: %v", err)
		return
	}

	for _, row := range rows {
		if _, err := v.RefreshIfNeeded(context.Background(), row.AthleteID); err != nil {
			// ErrRevokedCredential already reaped the row.
			log.Printf("⚠️ Background refresh for athlete %s failed: %v", row.AthleteID, err)
		}
	}
}

func maskToken(t string) string {
	if len(t) < 20 {
		return t
	}
	return "..." + t[len(t)-12:]
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
