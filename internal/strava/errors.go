package strava

import "errors"

var (
	// ErrAuthenticationFailed means a request was rejected even after a
	// forced token refresh. The credential has been revoked and the
	// athlete must log in again.
	ErrAuthenticationFailed = errors.New("strava: authentication failed")

	// ErrQuotaExceeded means the provider kept returning 429 after the
	// retry budget was spent. Transient; back off and resubmit.
	ErrQuotaExceeded = errors.New("strava: provider quota exceeded")

	// ErrUpstreamUnavailable means network failures or 5xx responses
	// persisted past the retry budget.
	ErrUpstreamUnavailable = errors.New("strava: provider unavailable")

	// ErrNotFound means the provider reported the resource missing.
	ErrNotFound = errors.New("strava: resource not found")
)
