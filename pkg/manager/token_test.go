package manager

import (
	"testing"
	"time"

	"github.com/stintlab/stint/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager("test-secret")
	user := &types.User{ID: 42, Email: "alice@x", Role: types.RoleStudent}

	token, err := tm.Issue(user)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := tm.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "student", claims.Role)
	assert.Equal(t, "alice@x", claims.Email)
}

func TestTokenWrongSecret(t *testing.T) {
	tm := NewTokenManager("secret-a")
	token, err := tm.Issue(&types.User{ID: 1, Email: "a@x", Role: types.RoleAdmin})
	require.NoError(t, err)

	other := NewTokenManager("secret-b")
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenExpired(t *testing.T) {
	tm := NewTokenManager("test-secret")
	issued := time.Now().UTC().Add(-48 * time.Hour)
	tm.now = func() time.Time { return issued }

	token, err := tm.Issue(&types.User{ID: 1, Email: "a@x", Role: types.RoleStudent})
	require.NoError(t, err)

	tm.now = func() time.Time { return time.Now().UTC() }
	_, err = tm.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenGarbage(t *testing.T) {
	tm := NewTokenManager("test-secret")
	_, err := tm.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
