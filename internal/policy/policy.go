// Package policy defines the authorization boundary of the API: every
// request is checked against a policy decision with
// {principal, action, resource}, and the verdict is honored as-is. No
// policy logic lives in the core; the default decider allows everything and
// an optional Rego-backed decider delegates to an operator-supplied bundle.
package policy

import "context"

// Input is the decision request handed to a Decider.
type Input struct {
	Principal string   `json:"principal"`
	Scopes    []string `json:"scopes"`
	Action    string   `json:"action"`
	Resource  string   `json:"resource"`
}

// Decider returns an allow/deny verdict for an Input. An error means the
// decision could not be made and is surfaced as unavailable, never as an
// implicit allow.
type Decider interface {
	Allow(ctx context.Context, in Input) (bool, error)
}

// AllowAll permits every request. The zero-configuration default.
type AllowAll struct{}

// Allow implements Decider.
func (AllowAll) Allow(context.Context, Input) (bool, error) { return true, nil }
