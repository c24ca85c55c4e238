package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/fenceit/trackit/internal/errs"
	"github.com/fenceit/trackit/internal/model"
)

func TestIssueVerify_RoundTrip(t *testing.T) {
	t.Parallel()
	tk := NewTokens([]byte("secret"), time.Hour)

	raw, exp, err := tk.Issue("u1", model.RoleSupervisor)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	p, err := tk.Verify(raw)
	require.NoError(t, err)
	require.Equal(t, Principal{UserID: "u1", Role: model.RoleSupervisor}, p)
	require.True(t, p.Role.CanManage())
}

func TestIssue_RejectsBadSubject(t *testing.T) {
	t.Parallel()
	_, _, err := NewTokens([]byte("secret"), time.Hour).Issue("a/b", model.RoleWorker)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestVerify_Expired(t *testing.T) {
	t.Parallel()
	tk := NewTokens([]byte("secret"), time.Minute)
	tk.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	raw, _, err := tk.Issue("u1", model.RoleWorker)
	require.NoError(t, err)

	tk.now = time.Now
	_, err = tk.Verify(raw)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestVerify_WrongKey(t *testing.T) {
	t.Parallel()
	raw, _, err := NewTokens([]byte("secret"), time.Hour).Issue("u1", model.RoleAdmin)
	require.NoError(t, err)

	_, err = NewTokens([]byte("other"), time.Hour).Verify(raw)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestVerify_WrongAlg(t *testing.T) {
	t.Parallel()
	claims := Claims{Role: "Admin", RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS384, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewTokens([]byte("secret"), time.Hour).Verify(raw)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestVerify_MissingSubject(t *testing.T) {
	t.Parallel()
	claims := Claims{Role: "Admin", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewTokens([]byte("secret"), time.Hour).Verify(raw)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestVerify_Garbage(t *testing.T) {
	t.Parallel()
	_, err := NewTokens([]byte("secret"), time.Hour).Verify("this-is-not-a-jwt")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}
