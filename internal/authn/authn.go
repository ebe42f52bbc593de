// Package authn defines the bearer-token identity boundary of the API:
// token validation is delegated to a pluggable Verifier
// that maps a token to a principal with zero or more scopes. The core never
// issues tokens.
package authn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"

	"github.com/rileyseaburg/codetether/internal/taskcore"
)

// Scopes recognized by the API layer.
const (
	ScopeTasksRead  = "tasks:read"
	ScopeTasksWrite = "tasks:write"
	ScopeWorker     = "worker"
	ScopeAdmin      = "admin"
)

// Principal is the authenticated identity attached to a request.
type Principal struct {
	ID     string
	Scopes []string
}

// HasScope reports whether the principal carries scope.
func (p *Principal) HasScope(scope string) bool {
	return p != nil && slices.Contains(p.Scopes, scope)
}

// Verifier validates a bearer token, returning the principal it maps to or
// a taskcore.KindUnauthenticated error.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal attached to ctx, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// StaticVerifier maps literal tokens to principals. Used in tests and for
// pre-shared-token deployments.
type StaticVerifier struct {
	Tokens map[string]Principal
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(_ context.Context, token string) (*Principal, error) {
	p, ok := v.Tokens[token]
	if !ok {
		return nil, taskcore.Newf(taskcore.KindUnauthenticated, "unknown bearer token")
	}
	return &p, nil
}

// allScopes is what the permissive dev verifier grants.
var allScopes = []string{ScopeTasksRead, ScopeTasksWrite, ScopeWorker, ScopeAdmin}

// hashPrincipal derives a stable opaque principal id from a token, so
// idempotency scoping works in dev mode without echoing secrets into ids.
func hashPrincipal(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "dev_" + hex.EncodeToString(sum[:8])
}
