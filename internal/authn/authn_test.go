package authn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyseaburg/codetether/internal/taskcore"
)

func TestStaticVerifier(t *testing.T) {
	v := &StaticVerifier{Tokens: map[string]Principal{
		"secret-1": {ID: "alice", Scopes: []string{ScopeTasksRead, ScopeTasksWrite}},
	}}

	p, err := v.Verify(context.Background(), "secret-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.ID)
	assert.True(t, p.HasScope(ScopeTasksWrite))
	assert.False(t, p.HasScope(ScopeAdmin))

	_, err = v.Verify(context.Background(), "nope")
	assert.Equal(t, taskcore.KindUnauthenticated, taskcore.KindOf(err))
}

func TestDevVerifier_OpaqueTokenHashesToStableID(t *testing.T) {
	v := DevVerifier{}

	p1, err := v.Verify(context.Background(), "some-opaque-token")
	require.NoError(t, err)
	p2, err := v.Verify(context.Background(), "some-opaque-token")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID, "same token maps to the same principal")
	assert.NotEqual(t, "some-opaque-token", p1.ID, "principal id does not echo the token")
	assert.True(t, p1.HasScope(ScopeAdmin))

	other, err := v.Verify(context.Background(), "a-different-token")
	require.NoError(t, err)
	assert.NotEqual(t, p1.ID, other.ID)
}

func TestDevVerifier_RejectsEmptyToken(t *testing.T) {
	_, err := DevVerifier{}.Verify(context.Background(), "")
	assert.Equal(t, taskcore.KindUnauthenticated, taskcore.KindOf(err))
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	p := &Principal{ID: "alice"}
	ctx := WithPrincipal(context.Background(), p)
	assert.Same(t, p, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}
