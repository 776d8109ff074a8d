package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opengame/gamemaster/internal/shipmap"
	"github.com/opengame/gamemaster/internal/taskcatalog"
)

func newTestSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	ship, err := shipmap.New(shipmap.DefaultRooms())
	require.NoError(t, err)
	catalog, err := taskcatalog.New(taskcatalog.DefaultTasks())
	require.NoError(t, err)

	base := []Option{WithMinMaxPlayers(3, 4)}
	s, err := New("sess-1", ship, catalog, append(base, opts...)...)
	require.NoError(t, err)
	return s
}

func joinN(t *testing.T, s *Session, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		res := s.Join(id, "0xaddr"+id)
		require.True(t, res.OK, res.Message)
		ids = append(ids, id)
	}
	return ids
}

func TestJoinRejectsOutsideLobby(t *testing.T) {
	s := newTestSession(t)
	joinN(t, s, 3)
	require.True(t, s.Start().OK)

	res := s.Join("late", "0xlate")
	require.False(t, res.OK)
	require.Equal(t, ErrBadPhase, res.Kind)
}

func TestJoinRejectsDuplicateAndFullLobby(t *testing.T) {
	s := newTestSession(t)
	joinN(t, s, 4)

	res := s.Join("a", "0xaddra")
	require.False(t, res.OK)
	require.Equal(t, ErrAlreadyExists, res.Kind)

	res = s.Join("extra", "0xextra")
	require.False(t, res.OK)
	require.Equal(t, ErrBadPhase, res.Kind)
}

func TestJoinRejectsEmptyFields(t *testing.T) {
	s := newTestSession(t)
	res := s.Join("", "0xaddr")
	require.False(t, res.OK)
	require.Equal(t, ErrInvalidInput, res.Kind)
}

func TestStartRejectsBelowMinimumPlayers(t *testing.T) {
	s := newTestSession(t)
	joinN(t, s, 2)

	res := s.Start()
	require.False(t, res.OK)
	require.Equal(t, ErrInvalidInput, res.Kind)
	require.Equal(t, PhaseLobby, s.Phase())
}

func TestStartAssignsExactlyOneImposterAndTaskCountPerCrewmate(t *testing.T) {
	s := newTestSession(t, WithTaskCount(3))
	ids := joinN(t, s, 4)

	res := s.Start()
	require.True(t, res.OK)
	require.Equal(t, PhasePlaying, s.Phase())

	imposters, crew := 0, 0
	for _, id := range ids {
		p := s.players[id]
		switch p.Role {
		case RoleImposter:
			imposters++
			require.Empty(t, p.Tasks)
		case RoleCrewmate:
			crew++
			require.Len(t, p.Tasks, 3)
		}
	}
	require.Equal(t, 1, imposters, "imposterCountFor(4, 0.25) must be exactly 1")
	require.Equal(t, 3, crew)
}

func TestStartEmitsOneSpecificRoleAssignedEventPerPlayer(t *testing.T) {
	s := newTestSession(t, WithTaskCount(2))
	ids := joinN(t, s, 4)

	res := s.Start()
	require.True(t, res.OK)

	seen := make(map[string]bool, len(ids))
	for _, e := range res.Events {
		if e.Kind != KindRoleAssigned {
			continue
		}
		require.Equal(t, VisibilitySpecific, e.Visibility)
		require.Len(t, e.Recipients, 1)
		fields := e.Payload.AsMap()
		playerID, _ := fields["player_id"].(string)
		require.NotEmpty(t, playerID)
		require.Equal(t, playerID, e.Recipients[0])
		require.Equal(t, string(s.players[playerID].Role), fields["role"])
		seen[playerID] = true
	}
	for _, id := range ids {
		require.True(t, seen[id], "every player must receive their own role_assigned event")
	}
	require.Len(t, seen, len(ids))
}

func TestStartRejectsWhenAlreadyStarted(t *testing.T) {
	s := newTestSession(t)
	joinN(t, s, 3)
	require.True(t, s.Start().OK)

	res := s.Start()
	require.False(t, res.OK)
	require.Equal(t, ErrBadPhase, res.Kind)
}

func TestLeaveDuringGameCanTriggerWin(t *testing.T) {
	s := newTestSession(t)
	ids := joinN(t, s, 3)
	require.True(t, s.Start().OK)

	var imposterID string
	for _, id := range ids {
		if s.players[id].Role == RoleImposter {
			imposterID = id
			break
		}
	}
	require.NotEmpty(t, imposterID)

	res := s.Leave(imposterID)
	require.True(t, res.OK)
	require.Equal(t, PhaseEnded, s.Phase())

	var endEvt *Event
	for i := range res.Events {
		if res.Events[i].Kind == KindGameEnded {
			endEvt = &res.Events[i]
		}
	}
	require.NotNil(t, endEvt, "removing the only imposter must end the game with a crewmate win")
}

func TestLeaveRejectsUnknownPlayer(t *testing.T) {
	s := newTestSession(t)
	res := s.Leave("ghost")
	require.False(t, res.OK)
	require.Equal(t, ErrNotFound, res.Kind)
}

func TestGetStatusReflectsLobbyState(t *testing.T) {
	s := newTestSession(t)
	joinN(t, s, 3)

	snap := s.GetStatus()
	require.Equal(t, PhaseLobby, snap.Phase)
	require.Equal(t, 3, snap.PlayerCount)
	require.Len(t, snap.AlivePlayers, 3)
	require.False(t, snap.SabotageActive)
	require.Empty(t, snap.Winner)
}

func TestPlayerStatusReflectsRoleScopedState(t *testing.T) {
	s := newTestSession(t, WithTaskCount(2))
	ids := joinN(t, s, 4)
	require.True(t, s.Start().OK)

	imposters, crew := splitRoles(s, ids)
	require.NotEmpty(t, imposters)
	require.NotEmpty(t, crew)

	crewSnap, res := s.PlayerStatus(crew[0])
	require.True(t, res.OK)
	require.Equal(t, s.id, crewSnap.GameID)
	require.Equal(t, RoleCrewmate, crewSnap.Role)
	require.True(t, crewSnap.IsAlive)
	require.Len(t, crewSnap.TaskIDs, 2)
	require.Empty(t, crewSnap.CompletedTaskIDs)
	require.True(t, crewSnap.HasTasksRemaining)
	require.Equal(t, 2, crewSnap.TasksRemaining)
	require.False(t, crewSnap.HasCanKill)
	require.False(t, crewSnap.HasImpostersRemaining)
	require.NotEmpty(t, crewSnap.RoomName)

	imposterSnap, res := s.PlayerStatus(imposters[0])
	require.True(t, res.OK)
	require.Equal(t, RoleImposter, imposterSnap.Role)
	require.True(t, imposterSnap.HasCanKill)
	require.True(t, imposterSnap.HasKillCooldownS)
	require.True(t, imposterSnap.HasImpostersRemaining)
	require.Equal(t, 1, imposterSnap.ImpostersRemaining)

	_, res = s.PlayerStatus("ghost")
	require.False(t, res.OK)
	require.Equal(t, ErrNotFound, res.Kind)
}

func TestEventSinkReceivesJoinEvent(t *testing.T) {
	received := make(chan Kind, 8)
	s := newTestSession(t, WithEventSink(func(events []Event) {
		for _, e := range events {
			received <- e.Kind
		}
	}))
	joinN(t, s, 1)

	select {
	case k := <-received:
		require.Equal(t, KindPlayerJoined, k)
	case <-time.After(time.Second):
		t.Fatal("expected a player_joined event")
	}
}
