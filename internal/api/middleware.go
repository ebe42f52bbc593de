package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/rileyseaburg/codetether/internal/authn"
	"github.com/rileyseaburg/codetether/internal/policy"
	"github.com/rileyseaburg/codetether/internal/taskcore"
)

type requestIDKey struct{}

// requestID returns the id assigned to this request.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withRequestID assigns every request an opaque id, echoed in the
// X-Request-ID response header and carried in error logs.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// authenticate verifies the bearer token and attaches the resulting
// principal to the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, r, taskcore.Newf(taskcore.KindUnauthenticated, "missing bearer token"))
			return
		}
		principal, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(authn.WithPrincipal(r.Context(), principal)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// authorize asks the policy decider whether the authenticated principal may
// perform action on resource, honoring the verdict as-is.
func (s *Server) authorize(r *http.Request, action, resource string) error {
	principal := authn.FromContext(r.Context())
	if principal == nil {
		return taskcore.Newf(taskcore.KindUnauthenticated, "no authenticated principal")
	}
	allowed, err := s.decider.Allow(r.Context(), policy.Input{
		Principal: principal.ID,
		Scopes:    principal.Scopes,
		Action:    action,
		Resource:  resource,
	})
	if err != nil {
		return taskcore.Wrap(taskcore.KindUnavailable, "", err)
	}
	if !allowed {
		return taskcore.Newf(taskcore.KindForbidden, "policy denied %s on %s", action, resource)
	}
	return nil
}

// workerID extracts the calling worker's id header, required on all
// worker-facing endpoints.
func workerID(r *http.Request) (string, error) {
	id := r.Header.Get("X-Worker-ID")
	if id == "" {
		return "", taskcore.Invalid("X-Worker-ID header is required")
	}
	return id, nil
}

// touchWorker implicitly heartbeats the calling worker: any
// worker-originated request refreshes its last-seen time.
func (s *Server) touchWorker(r *http.Request, worker string) {
	_ = s.registry.Heartbeat(r.Context(), worker)
}
