package skills

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opengame/gamemaster/internal/engine"
	"github.com/opengame/gamemaster/internal/shipmap"
	"github.com/opengame/gamemaster/internal/taskcatalog"
)

func newTestSession(t *testing.T) *engine.Session {
	t.Helper()
	ship, err := shipmap.New(shipmap.DefaultRooms())
	require.NoError(t, err)
	catalog, err := taskcatalog.New(taskcatalog.DefaultTasks())
	require.NoError(t, err)
	s, err := engine.New("sess-1", ship, catalog, engine.WithMinMaxPlayers(2, 4))
	require.NoError(t, err)
	return s
}

func TestDispatchJoinGameDecodesAndValidates(t *testing.T) {
	d := New()
	s := newTestSession(t)

	res, err := d.Dispatch(s, Invocation{SkillID: "join-game", PlayerID: "p1", Params: Params{"address": "0xabc"}})
	require.NoError(t, err)
	require.True(t, res.OK)
}

func TestDispatchRejectsMissingRequiredField(t *testing.T) {
	d := New()
	s := newTestSession(t)

	_, err := d.Dispatch(s, Invocation{SkillID: "join-game", PlayerID: "p1", Params: Params{}})
	require.Error(t, err)
}

func TestDispatchUnknownSkillIDReturnsErrUnknownSkill(t *testing.T) {
	d := New()
	s := newTestSession(t)

	_, err := d.Dispatch(s, Invocation{SkillID: "does_not_exist", PlayerID: "p1", Params: Params{}})
	require.ErrorIs(t, err, ErrUnknownSkill)
}

func TestDispatchKeywordFallbackRoutesOnUnambiguousText(t *testing.T) {
	d := New()
	s := newTestSession(t)
	require.True(t, d.handlers["join-game"] != nil)

	// typo'd skill_id but an unambiguous free-text hint in params.text
	res, err := d.Dispatch(s, Invocation{
		SkillID:  "joyn_gam",
		PlayerID: "p1",
		Params:   Params{"text": "please join game", "address": "0xabc"},
	})
	require.NoError(t, err)
	require.True(t, res.OK)
}

func TestDispatchKeywordFallbackDoesNotMaskAnExplicitCorrectSkillID(t *testing.T) {
	d := New()
	s := newTestSession(t)
	res, err := d.Dispatch(s, Invocation{SkillID: "join-game", PlayerID: "p1", Params: Params{"address": "0xabc", "text": "leave game"}})
	require.NoError(t, err)
	require.True(t, res.OK, "an explicit, registered skill_id must win over any keyword fallback")
}

func TestDispatchWeaklyTypedInputCoercesStringsToBoolAndInt(t *testing.T) {
	d := New()
	s := newTestSession(t)
	require.True(t, s.Join("p1", "0xabc").OK)
	require.True(t, s.Join("p2", "0xdef").OK)
	require.True(t, s.Start().OK)

	res, err := d.Dispatch(s, Invocation{
		SkillID:  "sabotage",
		PlayerID: "p1",
		Params:   Params{"kind": "reactor", "urgent": "true", "auto_resolve_ms": "5000"},
	})
	require.NoError(t, err, "WeaklyTypedInput must coerce string urgent/auto_resolve_ms without a decode error")
	// p1 may or may not be the imposter; either a forbidden rejection or an
	// accepted sabotage both prove the params decoded cleanly.
	if !res.OK {
		require.Equal(t, engine.ErrForbidden, res.Kind)
	}
}

func TestSkillIDsIncludesEveryRegisteredSkill(t *testing.T) {
	d := New()
	ids := d.SkillIDs()
	for _, want := range []string{
		"join-game", "leave-game", "move-to-room", "complete-task", "kill-player",
		"use-vent", "sabotage", "call-meeting", "report-body", "send-message",
		"vote", "get-status",
	} {
		require.Contains(t, ids, want)
	}
	require.Len(t, ids, 12)
}

func TestDispatchMoveToRoomUsesRoomIDField(t *testing.T) {
	d := New()
	s := newTestSession(t)
	require.True(t, s.Join("p1", "0xabc").OK)
	require.True(t, s.Join("p2", "0xdef").OK)
	require.True(t, s.Start().OK)

	var dest string
	for _, r := range []string{"weapons", "navigation", "admin", "storage"} {
		res, err := d.Dispatch(s, Invocation{SkillID: "move-to-room", PlayerID: "p1", Params: Params{"room_id": r}})
		require.NoError(t, err)
		if res.OK {
			dest = r
			break
		}
	}
	require.NotEmpty(t, dest, "cafeteria must have at least one adjacent room in the default map")
}

func TestDispatchReportBodyWiresToEngineReportBody(t *testing.T) {
	d := New()
	s := newTestSession(t)
	require.True(t, s.Join("p1", "0xabc").OK)
	require.True(t, s.Join("p2", "0xdef").OK)
	require.True(t, s.Start().OK)

	res, err := d.Dispatch(s, Invocation{SkillID: "report-body", PlayerID: "p1", Params: Params{"body_id": "p2"}})
	require.NoError(t, err)
	require.False(t, res.OK, "p2 is alive, so report-body must be rejected")
	require.Equal(t, engine.ErrInvalidInput, res.Kind)
}

func TestDispatchSabotageResolveActionFoldsIntoSabotageSkill(t *testing.T) {
	d := New()
	s := newTestSession(t)
	require.True(t, s.Join("p1", "0xabc").OK)
	require.True(t, s.Join("p2", "0xdef").OK)
	require.True(t, s.Start().OK)

	_, err := d.Dispatch(s, Invocation{SkillID: "sabotage", PlayerID: "p1", Params: Params{"action": "resolve"}})
	require.NoError(t, err, "a resolve action must not require a kind")
}

func TestDispatchGetStatusReturnsStructuredData(t *testing.T) {
	d := New()
	s := newTestSession(t)
	require.True(t, s.Join("p1", "0xabc").OK)
	require.True(t, s.Join("p2", "0xdef").OK)
	require.True(t, s.Start().OK)

	res, err := d.Dispatch(s, Invocation{SkillID: "get-status", PlayerID: "p1", Params: Params{}})
	require.NoError(t, err)
	require.True(t, res.OK)
	snap, ok := res.Data.(engine.PlayerStatusSnapshot)
	require.True(t, ok, "get-status must populate Result.Data with the full status projection")
	require.Equal(t, s.ID(), snap.GameID)
}
