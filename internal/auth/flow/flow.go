// Package flow drives the OAuth authorization-code exchange against
// Strava and populates the credential vault.
package flow

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pysugar/strava-poster-hub/internal/auth/session"
	"github.com/pysugar/strava-poster-hub/internal/auth/state"
	"github.com/pysugar/strava-poster-hub/internal/vault"
	"golang.org/x/oauth2"
)

// Provider is the OAuth application surface the flow needs. Satisfied
// by *authstrava.App; faked in tests.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Deauthorize(ctx context.Context, accessToken string) error
}

// AthleteIDFunc extracts the athlete identity from a token response.
type AthleteIDFunc func(tok *oauth2.Token) (string, error)

// Controller ties the state store, the provider exchange, the vault,
// and the session store together.
type Controller struct {
	provider  Provider
	athleteID AthleteIDFunc
	vault     *vault.Vault
	states    *state.Store
	sessions  *session.Store
}

// New creates the flow controller.
func New(provider Provider, athleteID AthleteIDFunc, v *vault.Vault, states *state.Store, sessions *session.Store) *Controller {
	return &Controller{
		provider:  provider,
		athleteID: athleteID,
		vault:     v,
		states:    states,
		sessions:  sessions,
	}
}

// BeginLogin registers a new authorization attempt and returns the
// provider authorize URL plus the state token embedded in it.
func (c *Controller) BeginLogin(redirectHint string) (authorizeURL, stateToken string, err error) {
	stateToken, err = c.states.Issue(redirectHint)
	if err != nil {
		return "", "", fmt.Errorf("issue state token: %w", err)
	}
	return c.provider.AuthCodeURL(stateToken), stateToken, nil
}

// AbandonLogin discards a pending authorization attempt, consuming
// the state token so a later callback cannot replay it.
func (c *Controller) AbandonLogin(stateToken string) {
	_, _ = c.states.Consume(stateToken)
}

// CompleteLogin consumes the state token, exchanges the code, stores
// the credential, and opens a session. grantedScopes is the
// comma-joined scope list Strava reports in the callback query.
func (c *Controller) CompleteLogin(ctx context.Context, stateToken, code, grantedScopes string) (session.Session, string, error) {
	entry, err := c.states.Consume(stateToken)
	if err != nil {
		return session.Session{}, "", err
	}

	tok, err := c.provider.Exchange(ctx, code)
	if err != nil {
		return session.Session{}, "", err
	}
	athleteID, err := c.athleteID(tok)
	if err != nil {
		return session.Session{}, "", fmt.Errorf("resolve athlete identity: %w", err)
	}

	var scopes []string
	if grantedScopes != "" {
		scopes = strings.Split(grantedScopes, ",")
	}
	cred := vault.Credential{
		AthleteID:       athleteID,
		AccessToken:     tok.AccessToken,
		RefreshToken:    tok.RefreshToken,
		ExpiresAt:       tok.Expiry,
		Scopes:          scopes,
		LastRefreshedAt: time.Now(),
	}
	if err := c.vault.Store(cred); err != nil {
		return session.Session{}, "", err
	}

	sess, err := c.sessions.Create(athleteID)
	if err != nil {
		return session.Session{}, "", fmt.Errorf("open session: %w", err)
	}
	log.Printf("✅ Athlete %s logged in", athleteID)
	return sess, entry.RedirectHint, nil
}

// Logout deauthorizes at the provider (best effort), revokes the
// stored credential, and closes the session.
func (c *Controller) Logout(ctx context.Context, sessionID string) error {
	sess, err := c.sessions.Lookup(sessionID)
	if err != nil {
		return err
	}

	if cred, err := c.vault.Get(sess.AthleteID); err == nil {
		if err := c.provider.Deauthorize(ctx, cred.AccessToken); err != nil {
			log.Printf("⚠️ Deauthorize at provider failed for athlete %s: %v", sess.AthleteID, err)
		}
	}
	if err := c.vault.Revoke(sess.AthleteID); err != nil {
		return err
	}
	c.sessions.Delete(sessionID)
	log.Printf("✅ Athlete %s logged out", sess.AthleteID)
	return nil
}
