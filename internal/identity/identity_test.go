package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubRegistry struct {
	calls     int
	responses []stubResponse
}

type stubResponse struct {
	registered bool
	err        error
}

func (s *stubRegistry) IsRegistered(_ context.Context, _ string) (bool, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.responses) {
		return false, errors.New("no more stubbed responses")
	}
	r := s.responses[idx]
	return r.registered, r.err
}

func noSleep(time.Duration) {}

func TestIsRegisteredCachesPositiveResults(t *testing.T) {
	reg := &stubRegistry{responses: []stubResponse{{registered: true}}}
	v, err := New(reg, time.Minute, WithSleep(noSleep))
	require.NoError(t, err)

	ok, err := v.IsRegistered(context.Background(), "0xAbC")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = v.IsRegistered(context.Background(), "0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, reg.calls, "second lookup should be served from cache")
}

func TestIsRegisteredNeverCachesNegativeResult(t *testing.T) {
	reg := &stubRegistry{responses: []stubResponse{{registered: false}, {registered: false}}}
	v, err := New(reg, time.Minute, WithSleep(noSleep))
	require.NoError(t, err)

	ok, err := v.IsRegistered(context.Background(), "0xdead")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = v.IsRegistered(context.Background(), "0xdead")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 2, reg.calls, "a negative answer must never be served from cache")
}

func TestIsRegisteredRetriesOnlyTransportErrors(t *testing.T) {
	reg := &stubRegistry{responses: []stubResponse{
		{err: errors.New("transport blip")},
		{registered: true},
	}}
	v, err := New(reg, time.Minute, WithMaxRetries(2), WithSleep(noSleep))
	require.NoError(t, err)

	ok, err := v.IsRegistered(context.Background(), "0xcafe")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, reg.calls)
}

func TestIsRegisteredGivesUpAfterMaxRetries(t *testing.T) {
	reg := &stubRegistry{responses: []stubResponse{
		{err: errors.New("down")}, {err: errors.New("down")}, {err: errors.New("down")},
	}}
	v, err := New(reg, time.Minute, WithMaxRetries(2), WithSleep(noSleep))
	require.NoError(t, err)

	_, err = v.IsRegistered(context.Background(), "0xflaky")
	require.Error(t, err)
	require.Equal(t, 3, reg.calls)
}
