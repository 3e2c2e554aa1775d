// Package strava holds the OAuth2 application configuration for
// Strava: authorization URL construction, code exchange, token
// refresh, and deauthorization.
package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

const (
	AuthURL        = "https://www.strava.com/oauth/authorize"
	TokenURL       = "https://www.strava.com/oauth/token"
	DeauthorizeURL = "https://www.strava.com/oauth/deauthorize"
)

// Scopes required for listing activities and reading athlete profile.
var Scopes = []string{"read", "activity:read_all", "profile:read_all"}

// Endpoint is Strava's OAuth2 endpoint.
var Endpoint = oauth2.Endpoint{
	AuthURL:  AuthURL,
	TokenURL: TokenURL,
}

// App is the configured Strava OAuth application.
type App struct {
	conf           *oauth2.Config
	deauthorizeURL string
	httpClient     *http.Client
}

// NewApp builds the OAuth application from configured credentials.
func NewApp(clientID, clientSecret, redirectURL string) *App {
	return &App{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			// Scopes deliberately empty: Strava wants them comma-joined
			// in a single parameter, added in AuthCodeURL below.
			Endpoint: Endpoint,
		},
		deauthorizeURL: DeauthorizeURL,
		httpClient:     http.DefaultClient,
	}
}

// WithEndpoints overrides the provider URLs. Used by tests to point at
// a local fake.
func (a *App) WithEndpoints(authURL, tokenURL, deauthorizeURL string) *App {
	a.conf.Endpoint = oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL}
	a.deauthorizeURL = deauthorizeURL
	return a
}

// AuthCodeURL builds the authorization URL embedding the state token.
func (a *App) AuthCodeURL(state string) string {
	return a.conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("scope", strings.Join(Scopes, ",")),
		oauth2.SetAuthURLParam("approval_prompt", "auto"),
	)
}

// Exchange trades an authorization code for the initial token pair.
func (a *App) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := a.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return tok, nil
}

// Refresh implements vault.Exchanger against Strava's token endpoint.
func (a *App) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ts := a.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return ts.Token()
}

// AthleteID extracts the athlete identity Strava embeds in its token
// responses.
func AthleteID(tok *oauth2.Token) (string, error) {
	raw := tok.Extra("athlete")
	if raw == nil {
		return "", fmt.Errorf("token response carries no athlete object")
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("re-encode athlete object: %w", err)
	}
	var athlete struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(blob, &athlete); err != nil || athlete.ID == 0 {
		return "", fmt.Errorf("decode athlete object: %v", err)
	}
	return fmt.Sprintf("%d", athlete.ID), nil
}

// Deauthorize revokes the application's access at Strava.
func (a *App) Deauthorize(ctx context.Context, accessToken string) error {
	form := url.Values{}
	form.Set("access_token", accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.deauthorizeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("deauthorize returned status %d", resp.StatusCode)
	}
	return nil
}
