package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPolicy = `package taskhub.authz

import rego.v1

default allow := false

allow if {
	input.action == "tasks.read"
}

allow if {
	input.action == "tasks.submit"
	"tasks:write" in input.scopes
}
`

func writePolicy(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "authz.rego")
	require.NoError(t, os.WriteFile(path, []byte(testPolicy), 0o600))
	return path
}

func TestRego_AllowAndDeny(t *testing.T) {
	ctx := context.Background()
	r, err := NewRego(ctx, writePolicy(t), "")
	require.NoError(t, err)

	allowed, err := r.Allow(ctx, Input{Principal: "alice", Action: "tasks.read"})
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = r.Allow(ctx, Input{Principal: "alice", Action: "tasks.submit"})
	require.NoError(t, err)
	assert.False(t, allowed, "submit without tasks:write scope is denied")

	allowed, err = r.Allow(ctx, Input{
		Principal: "alice", Action: "tasks.submit", Scopes: []string{"tasks:write"},
	})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAllowAll(t *testing.T) {
	allowed, err := AllowAll{}.Allow(context.Background(), Input{Action: "anything"})
	require.NoError(t, err)
	assert.True(t, allowed)
}
