// Package server exposes the HTTP surface: the OAuth login flow,
// authenticated Strava data endpoints, and the poster job API.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pysugar/strava-poster-hub/internal/auth/flow"
	"github.com/pysugar/strava-poster-hub/internal/auth/state"
	"github.com/pysugar/strava-poster-hub/internal/poster"
	"github.com/pysugar/strava-poster-hub/internal/queue"
	"github.com/pysugar/strava-poster-hub/internal/ratelimit"
	"github.com/pysugar/strava-poster-hub/internal/strava"
	"github.com/pysugar/strava-poster-hub/internal/vault"
	"github.com/pysugar/strava-poster-hub/internal/version"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the error taxonomy onto HTTP statuses so
// clients can distinguish "log in again" from "retry later".
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vault.ErrNotFound),
		errors.Is(err, vault.ErrRevokedCredential),
		errors.Is(err, strava.ErrAuthenticationFailed):
		writeError(w, http.StatusUnauthorized, "strava authorization lost, log in again")
	case errors.Is(err, strava.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, "strava rate limit exhausted, retry later")
	case errors.Is(err, strava.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, "strava is unavailable, retry later")
	case errors.Is(err, strava.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found at strava")
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrQueueSaturated):
		writeError(w, http.StatusServiceUnavailable, "generation queue is full, retry later")
	case errors.Is(err, state.ErrInvalidState):
		writeError(w, http.StatusBadRequest, "invalid or expired login attempt, start over")
	default:
		log.Printf("❌ Unhandled error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// LoginHandler starts the OAuth flow and redirects to Strava.
func LoginHandler(flowCtl *flow.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hint := r.URL.Query().Get("redirect")
		if !safeRedirect(hint) {
			hint = ""
		}
		authorizeURL, _, err := flowCtl.BeginLogin(hint)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		http.Redirect(w, r, authorizeURL, http.StatusFound)
	}
}

// CallbackHandler completes the OAuth flow: it consumes the state
// token, exchanges the code, and opens a browser session.
func CallbackHandler(flowCtl *flow.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		if errCode := q.Get("error"); errCode != "" {
			// Denied consent still consumes the state token so it cannot
			// be replayed later.
			if tok := q.Get("state"); tok != "" {
				flowCtl.AbandonLogin(tok)
			}
			log.Printf("⚠️ OAuth callback returned error: %s", errCode)
			writeError(w, http.StatusForbidden, "strava authorization was denied")
			return
		}

		code := q.Get("code")
		if code == "" {
			writeError(w, http.StatusBadRequest, "missing authorization code")
			return
		}

		sess, hint, err := flowCtl.CompleteLogin(r.Context(), q.Get("state"), code, q.Get("scope"))
		if err != nil {
			writeDomainError(w, err)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookie,
			Value:    sess.ID,
			Path:     "/",
			Expires:  sess.ExpiresAt,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		if hint == "" {
			hint = "/"
		}
		http.Redirect(w, r, hint, http.StatusFound)
	}
}

// LogoutHandler revokes the credential and closes the session.
func LogoutHandler(flowCtl *flow.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookie)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "not logged in")
			return
		}
		if err := flowCtl.Logout(r.Context(), cookie.Value); err != nil {
			writeDomainError(w, err)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookie,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
	}
}

// AthleteHandler returns the authenticated athlete's profile.
func AthleteHandler(client *strava.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		athlete, err := client.Athlete(r.Context(), AthleteID(r.Context()))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, athlete)
	}
}

// ActivitiesHandler lists the athlete's activities. Supports after /
// before (unix seconds) and per_page query parameters.
func ActivitiesHandler(client *strava.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := strava.ActivityFilter{}
		if v := q.Get("after"); v != "" {
			sec, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "after must be unix seconds")
				return
			}
			filter.After = time.Unix(sec, 0)
		}
		if v := q.Get("before"); v != "" {
			sec, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "before must be unix seconds")
				return
			}
			filter.Before = time.Unix(sec, 0)
		}
		if v := q.Get("per_page"); v != "" {
			per, err := strconv.Atoi(v)
			if err != nil || per <= 0 {
				writeError(w, http.StatusBadRequest, "per_page must be a positive integer")
				return
			}
			filter.PerPage = per
		}

		activities, err := client.AllActivities(r.Context(), AthleteID(r.Context()), filter)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if activities == nil {
			activities = []strava.Activity{}
		}
		writeJSON(w, http.StatusOK, activities)
	}
}

// ActivityStreamsHandler returns the per-sample streams of one
// activity. The keys query parameter narrows the stream types
// (comma-separated, defaults to latlng/distance/time/altitude).
func ActivityStreamsHandler(client *strava.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		activityID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "activity id must be an integer")
			return
		}
		var keys []string
		if raw := r.URL.Query().Get("keys"); raw != "" {
			keys = strings.Split(raw, ",")
		}

		streams, err := client.ActivityStreams(r.Context(), AthleteID(r.Context()), activityID, keys)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, streams)
	}
}

// SubmitPosterHandler enqueues a poster job and replies 202 with the
// job snapshot.
func SubmitPosterHandler(q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec queue.Spec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		jobID, err := q.Submit(AthleteID(r.Context()), spec)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		job, err := q.Status(jobID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

// ListPostersHandler lists the athlete's jobs, newest first.
func ListPostersHandler(q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs := q.List(AthleteID(r.Context()))
		if jobs == nil {
			jobs = []queue.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

// PosterStatusHandler returns one job snapshot.
func PosterStatusHandler(q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := ownedJob(q, r)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelPosterHandler cancels a queued or running job.
func CancelPosterHandler(q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := ownedJob(q, r)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if err := q.Cancel(job.ID); err != nil {
			writeDomainError(w, err)
			return
		}
		job, err = q.Status(job.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// DownloadPosterHandler serves a finished job's artifact.
func DownloadPosterHandler(q *queue.Queue, store *poster.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := ownedJob(q, r)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if job.Status != queue.StatusSucceeded || job.ResultHandle == "" {
			writeError(w, http.StatusConflict, "poster is not ready")
			return
		}
		path, err := store.Path(job.ResultHandle)
		if err != nil {
			writeError(w, http.StatusNotFound, "poster artifact is gone")
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+job.ResultHandle+"\"")
		http.ServeFile(w, r, path)
	}
}

// RateLimitHandler reports current rate budget usage.
func RateLimitHandler(limiter *ratelimit.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"windows": limiter.Snapshot()})
	}
}

// HealthHandler reports liveness and build info.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Version,
			"commit":  version.Commit,
		})
	}
}

// ownedJob loads the job from the URL and verifies it belongs to the
// authenticated athlete. Foreign jobs read as not found.
func ownedJob(q *queue.Queue, r *http.Request) (queue.Job, error) {
	job, err := q.Status(chi.URLParam(r, "id"))
	if err != nil {
		return queue.Job{}, err
	}
	if job.AthleteID != AthleteID(r.Context()) {
		return queue.Job{}, queue.ErrNotFound
	}
	return job, nil
}

// safeRedirect accepts only same-site paths as post-login targets.
func safeRedirect(hint string) bool {
	if hint == "" {
		return true
	}
	if !strings.HasPrefix(hint, "/") || strings.HasPrefix(hint, "//") {
		return false
	}
	u, err := url.Parse(hint)
	return err == nil && u.Host == "" && u.Scheme == ""
}
