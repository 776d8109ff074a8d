package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDiscussionTimerEscalatesToVotingThenResolves(t *testing.T) {
	events := make(chan Event, 32)
	s, ids := startedSession(t,
		WithDiscussionDuration(15*time.Millisecond),
		WithVotingDuration(15*time.Millisecond),
		WithEventSink(func(evts []Event) {
			for _, e := range evts {
				events <- e
			}
		}),
	)

	require.True(t, s.CallMeeting(ids[0]).OK)
	require.Equal(t, PhaseDiscussion, s.Phase())

	waitForPhase(t, s, PhaseVoting, time.Second)
	waitForPhase(t, s, PhasePlaying, time.Second)

	sawVotingOpened, sawVotingResolved := false, false
	drain := true
	for drain {
		select {
		case e := <-events:
			if e.Kind == KindVotingResolved {
				if sawVotingOpened {
					sawVotingResolved = true
				} else {
					sawVotingOpened = true
				}
			}
		default:
			drain = false
		}
	}
	require.True(t, sawVotingOpened, "discussion timeout must open voting")
	require.True(t, sawVotingResolved, "voting timeout with no votes must resolve with no ejection")
}

func TestStaleDiscussionTimerIsANoOpAfterPhaseMoved(t *testing.T) {
	s, ids := startedSession(t, WithDiscussionDuration(15*time.Millisecond))

	require.True(t, s.CallMeeting(ids[0]).OK)
	// Move the phase on before the armed discussion timer fires, simulating
	// some other transition winning the race. The timer callback must see
	// the phase no longer matches PhaseDiscussion and do nothing.
	s.mu.Lock()
	s.phase = PhasePlaying
	s.meeting = nil
	s.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, PhasePlaying, s.Phase(), "a discussion timer firing after the phase moved on must not resurrect it")
}

func waitForPhase(t *testing.T, s *Session, want Phase, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Phase() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for phase %q, last seen %q", want, s.Phase())
}
