package devtoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisabledWithoutSecret(t *testing.T) {
	i, err := New("", time.Hour)
	require.NoError(t, err)
	require.False(t, i.Enabled())

	_, err = i.Issue("operator")
	require.ErrorIs(t, err, ErrDisabled)

	_, err = i.Verify("whatever")
	require.ErrorIs(t, err, ErrDisabled)
}

func TestIssueThenVerifyRoundTrip(t *testing.T) {
	i, err := New("super-secret", time.Hour)
	require.NoError(t, err)
	require.True(t, i.Enabled())

	token, err := i.Issue("operator-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	subject, err := i.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "operator-1", subject)
}

func TestIssueRejectsEmptySubject(t *testing.T) {
	i, err := New("secret", time.Hour)
	require.NoError(t, err)
	_, err = i.Issue("  ")
	require.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	i, err := New("secret", time.Minute, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	token, err := i.Issue("operator-1")
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)
	_, err = i.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsTokenSignedWithDifferentSecret(t *testing.T) {
	issuer1, err := New("secret-one", time.Hour)
	require.NoError(t, err)
	issuer2, err := New("secret-two", time.Hour)
	require.NoError(t, err)

	token, err := issuer1.Issue("operator-1")
	require.NoError(t, err)

	_, err = issuer2.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	i, err := New("secret", time.Hour)
	require.NoError(t, err)
	_, err = i.Verify("")
	require.Error(t, err)
}
