package sessionmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opengame/gamemaster/internal/engine"
	"github.com/opengame/gamemaster/internal/shipmap"
	"github.com/opengame/gamemaster/internal/taskcatalog"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	ship, err := shipmap.New(shipmap.DefaultRooms())
	require.NoError(t, err)
	catalog, err := taskcatalog.New(taskcatalog.DefaultTasks())
	require.NoError(t, err)

	factory := StandardFactory(ship, catalog, engine.WithMinMaxPlayers(2, 3))
	m, err := New(factory, 3, opts...)
	require.NoError(t, err)
	return m
}

func TestNewRejectsInvalidArguments(t *testing.T) {
	_, err := New(nil, 3)
	require.Error(t, err)

	ship, _ := shipmap.New(shipmap.DefaultRooms())
	catalog, _ := taskcatalog.New(taskcatalog.DefaultTasks())
	_, err = New(StandardFactory(ship, catalog), 0)
	require.Error(t, err)
}

func TestAssignLobbyCreatesASessionWhenNoneExist(t *testing.T) {
	m := newTestManager(t)
	s, res, err := m.AssignLobby("p1", "0xp1")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.NotNil(t, s)
	require.Len(t, m.All(), 1)
}

func TestAssignLobbyPrefersFewestPlayersLobby(t *testing.T) {
	m := newTestManager(t)

	first, _, err := m.AssignLobby("a", "0xa")
	require.NoError(t, err)
	_, _, err = m.AssignLobby("b", "0xb")
	require.NoError(t, err)

	// first now has 2 players; force a second, emptier lobby by filling
	// `first` to capacity so AssignLobby must open a new one.
	_, _, err = m.AssignLobby("c", "0xc")
	require.NoError(t, err)
	require.Equal(t, 3, first.PlayerCount())

	second, res, err := m.AssignLobby("d", "0xd")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.NotEqual(t, first.ID(), second.ID(), "a full lobby must not receive another player")

	third, res, err := m.AssignLobby("e", "0xe")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, second.ID(), third.ID(), "the emptier existing lobby must fill before a third is created")
}

func TestAssignLobbySurfacesNonCapacityRejectionsDirectly(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.AssignLobby("dup", "0xdup")
	require.NoError(t, err)

	s, res, err := m.AssignLobby("dup", "0xdup")
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, engine.ErrAlreadyExists, res.Kind)
	require.NotNil(t, s)
}

func TestHealAssignmentReturnsExistingMembershipWithoutRejoining(t *testing.T) {
	m := newTestManager(t)
	s, _, err := m.AssignLobby("p1", "0xp1")
	require.NoError(t, err)

	healed, res, err := m.HealAssignment(s.ID(), "p1", "0xp1")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, s.ID(), healed.ID())
}

func TestHealAssignmentReassignsWhenRecordedSessionIsGone(t *testing.T) {
	m := newTestManager(t)
	healed, res, err := m.HealAssignment("no-such-session", "p1", "0xp1")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.NotNil(t, healed)
}

func TestReapEndedRemovesOnlyStaleEndedSessions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ship, err := shipmap.New(shipmap.DefaultRooms())
	require.NoError(t, err)
	catalog, err := taskcatalog.New(taskcatalog.DefaultTasks())
	require.NoError(t, err)
	// Sessions share the manager's clock so LastActive and the reap check
	// are measured on the same time line.
	factory := StandardFactory(ship, catalog, engine.WithMinMaxPlayers(2, 3), engine.WithClock(clock))
	m, err := New(factory, 3, WithClock(clock), WithReapGrace(time.Minute))
	require.NoError(t, err)

	// Fill the first lobby to capacity so the next assignment opens a second,
	// independent session.
	active, _, err := m.AssignLobby("p1", "0xp1")
	require.NoError(t, err)
	_, _, err = m.AssignLobby("p2", "0xp2")
	require.NoError(t, err)
	_, _, err = m.AssignLobby("p3", "0xp3")
	require.NoError(t, err)
	require.Equal(t, 3, active.PlayerCount())

	ended, _, err := m.AssignLobby("p4", "0xp4")
	require.NoError(t, err)
	require.NotEqual(t, active.ID(), ended.ID())
	_, _, err = m.AssignLobby("p5", "0xp5")
	require.NoError(t, err)

	require.True(t, ended.Start().OK)
	// With exactly 2 players, one imposter and one crewmate, either one
	// leaving leaves the other side alone and ends the game: one player
	// remaining is either the lone imposter (imposter parity) or the lone
	// crewmate (no imposters left).
	require.True(t, ended.Leave("p4").OK)
	require.Equal(t, engine.PhaseEnded, ended.Phase())

	removed := m.ReapEnded()
	require.Empty(t, removed, "a freshly ended session must survive within the grace period")

	now = now.Add(2 * time.Minute)
	removed = m.ReapEnded()
	require.Equal(t, []string{ended.ID()}, removed)
	require.Len(t, m.All(), 1)
	require.Equal(t, active.ID(), m.All()[0])
}
