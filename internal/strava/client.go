// Package strava issues authenticated, rate-limited calls against the
// Strava v3 API. Credentials come from the vault (refreshed on
// demand), every call passes rate-limiter admission first, and the
// limiter is reconciled from the response headers afterwards.
package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/strava-poster-hub/internal/ratelimit"
	"github.com/pysugar/strava-poster-hub/internal/util"
	"github.com/pysugar/strava-poster-hub/internal/vault"
)

const DefaultBaseURL = "https://www.strava.com/api/v3"

const (
	defaultMaxRetries  = 3
	defaultMaxPages    = 50
	defaultBackoffBase = 500 * time.Millisecond
	defaultTimeout     = 30 * time.Second
)

// Options tunes the client. Zero values fall back to defaults.
type Options struct {
	BaseURL     string
	MaxRetries  int
	MaxPages    int
	BackoffBase time.Duration
	Timeout     time.Duration
}

// Client handles communication with the Strava API.
type Client struct {
	httpClient  *http.Client
	vault       *vault.Vault
	limiter     *ratelimit.Limiter
	baseURL     string
	maxRetries  int
	maxPages    int
	backoffBase time.Duration
}

// NewClient creates a Strava API client over the given vault and
// limiter.
func NewClient(v *vault.Vault, l *ratelimit.Limiter, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Client{
		httpClient:  &http.Client{Timeout: opts.Timeout},
		vault:       v,
		limiter:     l,
		baseURL:     opts.BaseURL,
		maxRetries:  opts.MaxRetries,
		maxPages:    opts.MaxPages,
		backoffBase: opts.BackoffBase,
	}
}

// Fetch issues one authenticated GET against the API. It refreshes the
// athlete's credential when needed, waits for rate-limit admission,
// and retries transient failures with jittered exponential backoff. A
// 401 triggers exactly one forced refresh; a second 401 revokes the
// credential and surfaces ErrAuthenticationFailed.
func (c *Client) Fetch(ctx context.Context, athleteID, endpoint string, params url.Values) ([]byte, error) {
	cred, err := c.vault.RefreshIfNeeded(ctx, athleteID)
	if err != nil {
		return nil, err
	}

	refreshed := false
	backoff := c.backoffBase
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate-limit admission: %w", err)
		}

		body, status, header, err := c.do(ctx, cred.AccessToken, endpoint, params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt >= c.maxRetries {
				return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
			}
			log.Printf("⚠️ Network error on %s (attempt %d/%d): %v", endpoint, attempt+1, c.maxRetries, err)
			if err := c.sleep(ctx, jitter(backoff)); err != nil {
				return nil, err
			}
			backoff *= 2
			continue
		}

		c.limiter.RecordResponse(header)

		switch {
		case status == http.StatusOK:
			return body, nil

		case status == http.StatusUnauthorized:
			if refreshed {
				log.Printf("❌ Second 401 on %s for athlete %s after refresh, revoking credential", endpoint, athleteID)
				if err := c.vault.Revoke(athleteID); err != nil {
					log.Printf("⚠️ Failed to revoke credential for %s: %v", athleteID, err)
				}
				return nil, ErrAuthenticationFailed
			}
			refreshed = true
			cred, err = c.vault.ForceRefresh(ctx, athleteID)
			if err != nil {
				return nil, err
			}

		case status == http.StatusTooManyRequests:
			if attempt >= c.maxRetries {
				return nil, ErrQuotaExceeded
			}
			delay := retryAfter(header)
			if delay <= 0 {
				delay = jitter(backoff)
			}
			log.Printf("⏳ 429 on %s, backing off %s (attempt %d/%d)", endpoint, delay, attempt+1, c.maxRetries)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			backoff *= 2

		case status == http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, endpoint)

		case status >= 500:
			if attempt >= c.maxRetries {
				return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, status)
			}
			if err := c.sleep(ctx, jitter(backoff)); err != nil {
				return nil, err
			}
			backoff *= 2

		default:
			return nil, fmt.Errorf("strava: unexpected status %d on %s: %s", status, endpoint, util.TruncateBytes(body))
		}
	}
}

func (c *Client) do(ctx context.Context, accessToken, endpoint string, params url.Values) ([]byte, int, http.Header, error) {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, err
	}
	return body, resp.StatusCode, resp.Header, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// jitter spreads retries by ±50% to avoid thundering herds.
func jitter(d time.Duration) time.Duration {
	half := int64(d) / 2
	return time.Duration(half + rand.Int63n(int64(d)))
}

// retryAfter parses the standard Retry-After header, either delta
// seconds or an HTTP date. Returns 0 when absent or unparseable.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

// Athlete fetches the authenticated athlete.
func (c *Client) Athlete(ctx context.Context, athleteID string) (*Athlete, error) {
	body, err := c.Fetch(ctx, athleteID, "/athlete", nil)
	if err != nil {
		return nil, err
	}
	var a Athlete
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("decode athlete: %w", err)
	}
	return &a, nil
}

// Activity fetches one activity in detail.
func (c *Client) Activity(ctx context.Context, athleteID string, activityID int64) (*Activity, error) {
	body, err := c.Fetch(ctx, athleteID, fmt.Sprintf("/activities/%d", activityID), nil)
	if err != nil {
		return nil, err
	}
	var a Activity
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("decode activity %d: %w", activityID, err)
	}
	return &a, nil
}

// ActivityStreams fetches sample streams for one activity.
func (c *Client) ActivityStreams(ctx context.Context, athleteID string, activityID int64, keys []string) (*StreamSet, error) {
	if len(keys) == 0 {
		keys = []string{"latlng", "distance", "time", "altitude"}
	}
	params := url.Values{}
	params.Set("keys", strings.Join(keys, ","))
	params.Set("key_by_type", "true")
	params.Set("series_type", "time")

	body, err := c.Fetch(ctx, athleteID, fmt.Sprintf("/activities/%d/streams", activityID), params)
	if err != nil {
		return nil, err
	}
	var s StreamSet
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode streams for activity %d: %w", activityID, err)
	}
	return &s, nil
}
