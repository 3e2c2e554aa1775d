package server

import (
	"context"
	"net/http"

	"github.com/pysugar/strava-poster-hub/internal/auth/session"
)

// SessionCookie is the browser cookie carrying the session handle.
const SessionCookie = "posterhub_session"

type contextKey string

const athleteIDKey contextKey = "athleteId"

// AthleteID retrieves the authenticated athlete from the context.
// Returns empty string outside the session middleware.
func AthleteID(ctx context.Context) string {
	if id, ok := ctx.Value(athleteIDKey).(string); ok {
		return id
	}
	return ""
}

// SessionAuth middleware resolves the session cookie to an athlete and
// rejects requests without a live session.
func SessionAuth(sessions *session.Store) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookie)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "not logged in")
				return
			}
			sess, err := sessions.Lookup(cookie.Value)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "session expired, log in again")
				return
			}
			ctx := context.WithValue(r.Context(), athleteIDKey, sess.AthleteID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
