package guildhall

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestAuthService_Token(t *testing.T) {
	auth := NewAuthService(testDB(t), testAPISecret, time.Hour)

	token, err := auth.IssueToken(AuthSession{Username: "admin", Admin: true})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	session, err := auth.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", session.Username)
	assert.True(t, session.Admin)
	assert.NotZero(t, session.IssuedAt)

	_, err = auth.ParseToken("")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = auth.ParseToken(token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewAuthService(testDB(t), "a-different-secret-value", time.Hour)
	_, err = other.ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_TokenExpired(t *testing.T) {
	auth := NewAuthService(testDB(t), testAPISecret, time.Hour)

	token, err := auth.IssueToken(
		AuthSession{Username: "admin", IssuedAt: time.Now().Add(-2 * time.Hour).Unix()},
	)
	require.NoError(t, err)

	_, err = auth.ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_Authenticate(t *testing.T) {
	ctx := context.Background()
	auth := NewAuthService(testDB(t), testAPISecret, time.Hour)

	account, err := auth.CreateAccount(ctx, " admin ", "correct horse", true)
	require.NoError(t, err)
	assert.Equal(t, "admin", account.Username)
	assert.NotEqual(t, "correct horse", account.PasswordHash)

	_, err = auth.CreateAccount(ctx, "admin", "again", false)
	assert.Error(t, err)
	_, err = auth.CreateAccount(ctx, "", "pw", false)
	assert.Error(t, err)

	session, err := auth.Authenticate(ctx, "admin", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "admin", session.Username)
	assert.True(t, session.Admin)

	_, err = auth.Authenticate(ctx, "admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = auth.Authenticate(ctx, "nobody", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
