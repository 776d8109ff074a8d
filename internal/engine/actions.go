package engine

import (
	"sort"
	"strings"
	"time"
)

// Move relocates a player to an adjacent room.
func (s *Session) Move(playerID, toRoom string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()

	p, res := s.requireAlivePlayerLocked(playerID)
	if res.Kind != ErrNone {
		return res
	}
	if s.phase != PhasePlaying {
		return reject(ErrBadPhase, "movement is only allowed while playing")
	}
	if !s.ship.Adjacent(p.Room, toRoom) {
		return reject(ErrInvalidInput, "room %q is not adjacent to %q", toRoom, p.Room)
	}
	p.Room = toRoom

	evt := Event{
		SessionID: s.id, Sequence: s.nextSeq(), Kind: KindPlayerMoved, Visibility: VisibilityPublic,
		Payload: newPayload(map[string]interface{}{"player_id": playerID, "room": toRoom}),
	}
	res2 := accept(evt)
	s.emit(res2.Events)
	return res2
}

// UseVent moves an imposter through a vent shortcut.
func (s *Session) UseVent(playerID, toRoom string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()

	p, res := s.requireAlivePlayerLocked(playerID)
	if res.Kind != ErrNone {
		return res
	}
	if s.phase != PhasePlaying {
		return reject(ErrBadPhase, "venting is only allowed while playing")
	}
	if p.Role != RoleImposter {
		return reject(ErrForbidden, "only imposters may use vents")
	}
	if !s.ship.VentAdjacent(p.Room, toRoom) {
		return reject(ErrInvalidInput, "room %q has no vent connection to %q", toRoom, p.Room)
	}
	p.Room = toRoom

	evt := Event{
		SessionID: s.id, Sequence: s.nextSeq(), Kind: KindPlayerMoved, Visibility: VisibilityImpostersOnly,
		Payload: newPayload(map[string]interface{}{"player_id": playerID, "room": toRoom, "via_vent": true}),
	}
	res2 := accept(evt)
	s.emit(res2.Events)
	return res2
}

// CompleteTask submits one step of a task's validator chain.
func (s *Session) CompleteTask(playerID, taskID, input string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()

	p, res := s.requireAlivePlayerLocked(playerID)
	if res.Kind != ErrNone {
		return res
	}
	if s.phase != PhasePlaying {
		return reject(ErrBadPhase, "tasks may only be completed while playing")
	}
	if p.Role != RoleCrewmate {
		return reject(ErrForbidden, "imposters cannot complete tasks")
	}
	idx := indexOfTask(p.Tasks, taskID)
	if idx < 0 {
		return reject(ErrNotFound, "player %q was not assigned task %q", playerID, taskID)
	}
	progress := &p.Tasks[idx]
	if progress.Completed {
		return reject(ErrAlreadyExists, "task %q is already complete", taskID)
	}
	task, ok := s.catalog.Get(taskID)
	if !ok {
		return reject(ErrNotFound, "unknown task %q", taskID)
	}
	if task.Room != "" && p.Room != task.Room {
		return reject(ErrInvalidInput, "task %q must be completed in room %q, player is in %q", taskID, task.Room, p.Room)
	}
	if task.PrerequisiteTaskID != "" {
		preIdx := indexOfTask(p.Tasks, task.PrerequisiteTaskID)
		if preIdx < 0 || !p.Tasks[preIdx].Completed {
			return reject(ErrForbidden, "task %q requires %q to be completed first", taskID, task.PrerequisiteTaskID)
		}
	}

	result, err := s.catalog.Validate(taskID, playerID, input, progress.Step)
	if err != nil {
		return reject(ErrInvalidInput, "%v", err)
	}
	if !result.Accepted {
		return reject(ErrInvalidInput, "%s", result.Message)
	}
	progress.Step = result.NextStep
	progress.Completed = result.Completed

	evt := Event{
		SessionID: s.id, Sequence: s.nextSeq(), Kind: KindTaskProgress, Visibility: VisibilityPublic,
		Payload: newPayload(map[string]interface{}{
			"player_id": playerID, "task_id": taskID, "completed": result.Completed, "step": result.NextStep,
		}),
	}
	events := []Event{evt}
	if result.Completed {
		if end, ok := s.evaluateWinLocked(); ok {
			events = append(events, end)
		}
	}
	res2 := accept(events...)
	s.emit(res2.Events)
	return res2
}

func indexOfTask(tasks []TaskProgress, taskID string) int {
	for i, t := range tasks {
		if t.TaskID == taskID {
			return i
		}
	}
	return -1
}

// Kill eliminates a crewmate, subject to room co-location, role, and the
// per-imposter cooldown.
func (s *Session) Kill(killerID, victimID string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()

	killer, res := s.requireAlivePlayerLocked(killerID)
	if res.Kind != ErrNone {
		return res
	}
	if s.phase != PhasePlaying {
		return reject(ErrBadPhase, "kills may only happen while playing")
	}
	if killer.Role != RoleImposter {
		return reject(ErrForbidden, "only imposters may kill")
	}
	victim, ok := s.players[victimID]
	if !ok || !victim.Alive {
		return reject(ErrNotFound, "victim %q is not an alive player", victimID)
	}
	if victim.Role == RoleImposter {
		return reject(ErrForbidden, "imposters cannot kill other imposters")
	}
	if victim.Room != killer.Room {
		return reject(ErrInvalidInput, "victim %q is not in the same room", victimID)
	}
	now := s.now()
	if last, ok := s.lastKillAt[killerID]; ok {
		if elapsed := now.Sub(last); elapsed < s.killCooldown {
			return reject(ErrCooldown, "kill cooldown active, %s remaining", s.killCooldown-elapsed)
		}
	}
	victim.Alive = false
	s.lastKillAt[killerID] = now

	evt := Event{
		SessionID: s.id, Sequence: s.nextSeq(), Kind: KindPlayerKilled, Visibility: VisibilityPublic,
		Payload: newPayload(map[string]interface{}{"victim_id": victimID, "room": killer.Room}),
	}
	events := []Event{evt}
	if end, ok := s.evaluateWinLocked(); ok {
		events = append(events, end)
	}
	res2 := accept(events...)
	s.emit(res2.Events)
	return res2
}

// Sabotage starts a sabotage; it is rejected while another sabotage is
// still active. The urgent flag and
// auto_resolve_ms hint are advisory only: the engine never enforces a
// server-side loss timer for an unresolved sabotage, since the source
// specification does not name that consequence.
func (s *Session) Sabotage(playerID, kind string, urgent bool, autoResolveMS int64) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()

	p, res := s.requireAlivePlayerLocked(playerID)
	if res.Kind != ErrNone {
		return res
	}
	if s.phase != PhasePlaying {
		return reject(ErrBadPhase, "sabotage may only be triggered while playing")
	}
	if p.Role != RoleImposter {
		return reject(ErrForbidden, "only imposters may trigger sabotage")
	}
	if strings.TrimSpace(kind) == "" {
		return reject(ErrInvalidInput, "sabotage kind must not be empty")
	}
	if s.sabotage.active {
		return reject(ErrAlreadyExists, "a sabotage is already active")
	}
	s.sabotage = sabotageState{active: true, kind: kind, urgent: urgent}
	if autoResolveMS > 0 {
		s.sabotage.autoResolveAt = s.now().Add(durationMillis(autoResolveMS))
	}

	evt := Event{
		SessionID: s.id, Sequence: s.nextSeq(), Kind: KindSabotageTriggered, Visibility: VisibilityPublic,
		Payload: newPayload(map[string]interface{}{
			"kind": kind, "urgent": urgent, "auto_resolve_ms": autoResolveMS,
		}),
	}
	res2 := accept(evt)
	s.emit(res2.Events)
	return res2
}

// ResolveSabotage clears the active sabotage. Any alive player may call it,
// regardless of role or room; no other condition is checked.
func (s *Session) ResolveSabotage(playerID string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()

	_, res := s.requireAlivePlayerLocked(playerID)
	if res.Kind != ErrNone {
		return res
	}
	if !s.sabotage.active {
		return reject(ErrNotFound, "no sabotage is active")
	}
	s.sabotage = sabotageState{}

	evt := Event{
		SessionID: s.id, Sequence: s.nextSeq(), Kind: KindSabotageResolved, Visibility: VisibilityPublic,
		Payload: newPayload(map[string]interface{}{"resolved_by": playerID}),
	}
	res2 := accept(evt)
	s.emit(res2.Events)
	return res2
}

func durationMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// CallMeeting transitions Playing -> Discussion via the emergency button.
// Each player may call at most emergencyMeetings such meetings per game;
// reporting a body (see ReportBody) never consumes this allowance.
func (s *Session) CallMeeting(playerID string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()

	p, res := s.requireAlivePlayerLocked(playerID)
	if res.Kind != ErrNone {
		return res
	}
	if s.phase != PhasePlaying {
		return reject(ErrBadPhase, "meetings may only be called while playing")
	}
	if p.MeetingsUsed >= s.emergencyMeetings {
		return reject(ErrForbidden, "player %q has no emergency meetings remaining", playerID)
	}
	p.MeetingsUsed++

	res2 := s.openDiscussionLocked(KindMeetingCalled, map[string]interface{}{"called_by": playerID})
	s.emit(res2.Events)
	return res2
}

// ReportBody transitions Playing -> Discussion after a player finds a dead
// body in their own room. Unlike CallMeeting, this does not consume any
// per-player meeting allowance.
func (s *Session) ReportBody(playerID, bodyID string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()

	p, res := s.requireAlivePlayerLocked(playerID)
	if res.Kind != ErrNone {
		return res
	}
	if s.phase != PhasePlaying {
		return reject(ErrBadPhase, "meetings may only be called while playing")
	}
	body, ok := s.players[bodyID]
	if !ok {
		return reject(ErrNotFound, "reported player %q is not part of session %q", bodyID, s.id)
	}
	if body.Alive {
		return reject(ErrInvalidInput, "player %q is alive, no body to report", bodyID)
	}
	if body.Room != p.Room {
		return reject(ErrInvalidInput, "body %q is not in the reporter's room %q", bodyID, p.Room)
	}

	res2 := s.openDiscussionLocked(KindBodyReported, map[string]interface{}{"called_by": playerID, "body_id": bodyID})
	s.emit(res2.Events)
	return res2
}

// openDiscussionLocked performs the phase transition and timer arming shared
// by CallMeeting and ReportBody, emitting kind with the supplied payload
// fields.
func (s *Session) openDiscussionLocked(kind Kind, fields map[string]interface{}) Result {
	s.phase = PhaseDiscussion
	s.meeting = &meetingState{phase: PhaseDiscussion, votes: make(map[string]string)}
	for _, p := range s.players {
		if p.Alive {
			p.Room = s.ship.EmergencyRoom()
		}
	}
	deadline := s.now().Add(s.discussionDur)
	s.meeting.deadline = deadline
	s.armTimer(deadline, s.onDiscussionTimer)

	evt := Event{
		SessionID: s.id, Sequence: s.nextSeq(), Kind: kind, Visibility: VisibilityPublic,
		Payload: newPayload(fields),
	}
	return accept(evt)
}

// CastVote records one player's vote during the Voting phase. target is
// either another player's id or the literal "skip".
func (s *Session) CastVote(playerID, target string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()

	_, res := s.requireAlivePlayerLocked(playerID)
	if res.Kind != ErrNone {
		return res
	}
	if s.phase != PhaseVoting || s.meeting == nil {
		return reject(ErrBadPhase, "voting is not currently open")
	}
	if target != "skip" {
		if victim, ok := s.players[target]; !ok || !victim.Alive {
			return reject(ErrInvalidInput, "vote target %q is not an alive player", target)
		}
	}
	s.meeting.votes[playerID] = target

	evt := Event{
		SessionID: s.id, Sequence: s.nextSeq(), Kind: KindVoteCast, Visibility: VisibilityPublic,
		Payload: newPayload(map[string]interface{}{"player_id": playerID}),
	}
	events := []Event{evt}
	if s.allAliveVotedLocked() {
		events = append(events, s.resolveVotingLocked()...)
	}
	res2 := accept(events...)
	s.emit(res2.Events)
	return res2
}

func (s *Session) allAliveVotedLocked() bool {
	for id, p := range s.players {
		if p.Alive {
			if _, voted := s.meeting.votes[id]; !voted {
				return false
			}
		}
	}
	return true
}

// SendChat broadcasts a discussion-phase message. Chat is always public;
// spec.md's chat operation carries no recipient field, so there is no
// whisper/DM variant.
func (s *Session) SendChat(playerID, message string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()

	_, res := s.requireAlivePlayerLocked(playerID)
	if res.Kind != ErrNone {
		return res
	}
	if s.phase != PhaseDiscussion {
		return reject(ErrBadPhase, "chat is only accepted during discussion")
	}
	if strings.TrimSpace(message) == "" {
		return reject(ErrInvalidInput, "message must not be empty")
	}

	evt := Event{
		SessionID: s.id, Sequence: s.nextSeq(), Kind: KindChatMessage, Visibility: VisibilityPublic,
		Payload: newPayload(map[string]interface{}{"player_id": playerID, "message": message}),
	}
	res2 := accept(evt)
	s.emit(res2.Events)
	return res2
}

// StatusSnapshot is a read-only, session-wide view used by GetStatus.
type StatusSnapshot struct {
	SessionID     string
	Phase         Phase
	PlayerCount   int
	AlivePlayers  []string
	SabotageActive bool
	Winner        string
}

// GetStatus returns a stable snapshot of the session's public state, used by
// debug/admin introspection and the session manager's reconnect healing.
// get_status itself uses the role-aware PlayerStatus projection below.
func (s *Session) GetStatus() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusSnapshot{
		SessionID:      s.id,
		Phase:          s.phase,
		PlayerCount:    len(s.players),
		AlivePlayers:   s.sortedAlivePlayers(),
		SabotageActive: s.sabotage.active,
		Winner:         s.winner,
	}
}

// PlayerActions enumerates what playerID may currently do, gated by phase,
// role, and cooldowns.
type PlayerActions struct {
	CanMove        []string
	CanDoTasks     []string
	CanKill        bool
	KillTargets    []string
	CanVent        bool
	VentTargets    []string
	CanCallMeeting bool
	CanReportBody  bool
	DeadBodies     []string
	CanVote        bool
}

// PlayerStatusSnapshot is the role-aware status projection returned by
// get_status: scoped to the requesting player rather than the session as a
// whole, so role and task assignment secrecy is preserved.
type PlayerStatusSnapshot struct {
	GameID           string
	Phase            Phase
	Round            int
	IsAlive          bool
	Role             Role
	Location         string
	RoomName         string
	NearbyPlayers    []string
	TaskIDs          []string
	CompletedTaskIDs []string
	PlayersAlive     int
	PlayersTotal     int

	HasTasksRemaining     bool
	TasksRemaining        int
	HasCanKill            bool
	CanKill               bool
	HasKillCooldownS      bool
	KillCooldownS         float64
	HasImpostersRemaining bool
	ImpostersRemaining    int

	Actions PlayerActions
}

// PlayerStatus returns the role-aware get_status projection for playerID.
func (s *Session) PlayerStatus(playerID string) (PlayerStatusSnapshot, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		return PlayerStatusSnapshot{}, reject(ErrNotFound, "player %q is not part of session %q", playerID, s.id)
	}

	aliveImposters, playersAlive := 0, 0
	for _, other := range s.players {
		if other.Alive {
			playersAlive++
			if other.Role == RoleImposter {
				aliveImposters++
			}
		}
	}

	snap := PlayerStatusSnapshot{
		GameID:        s.id,
		Phase:         s.phase,
		Round:         s.round,
		IsAlive:       p.Alive,
		Role:          p.Role,
		Location:      p.Room,
		NearbyPlayers: s.roomMatesLocked(playerID),
		PlayersAlive:  playersAlive,
		PlayersTotal:  len(s.players),
	}
	if room, ok := s.ship.Room(p.Room); ok {
		snap.RoomName = room.Name
	}
	for _, t := range p.Tasks {
		snap.TaskIDs = append(snap.TaskIDs, t.TaskID)
		if t.Completed {
			snap.CompletedTaskIDs = append(snap.CompletedTaskIDs, t.TaskID)
		}
	}

	deadInRoom := s.deadPlayersInRoomLocked(playerID, p.Room)
	actions := PlayerActions{
		CanCallMeeting: s.phase == PhasePlaying && p.Alive && p.MeetingsUsed < s.emergencyMeetings,
		CanReportBody:  s.phase == PhasePlaying && p.Alive && len(deadInRoom) > 0,
		DeadBodies:     deadInRoom,
		CanVote:        s.phase == PhaseVoting && p.Alive,
	}

	switch p.Role {
	case RoleCrewmate:
		snap.HasTasksRemaining = true
		snap.TasksRemaining = len(p.Tasks) - len(snap.CompletedTaskIDs)
		if p.Alive && s.phase == PhasePlaying {
			actions.CanDoTasks = incompleteTaskIDs(p)
		}
	case RoleImposter:
		snap.HasImpostersRemaining = true
		snap.ImpostersRemaining = aliveImposters
		snap.HasCanKill = true
		snap.HasKillCooldownS = true
		cooldownRemaining := time.Duration(0)
		if last, ok := s.lastKillAt[playerID]; ok {
			if elapsed := s.now().Sub(last); elapsed < s.killCooldown {
				cooldownRemaining = s.killCooldown - elapsed
			}
		}
		snap.KillCooldownS = cooldownRemaining.Seconds()
		if p.Alive && s.phase == PhasePlaying {
			actions.CanKill = cooldownRemaining == 0
			actions.KillTargets = s.aliveCrewInRoomLocked(p.Room)
			if room, ok := s.ship.Room(p.Room); ok {
				actions.CanVent = room.HasVent
				actions.VentTargets = append([]string(nil), room.VentAdjacent...)
			}
		}
	}
	if p.Alive && s.phase == PhasePlaying {
		if room, ok := s.ship.Room(p.Room); ok {
			actions.CanMove = append([]string(nil), room.Adjacent...)
		}
	}
	snap.Actions = actions
	return snap, Result{OK: true}
}

func incompleteTaskIDs(p *Player) []string {
	out := make([]string, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		if !t.Completed {
			out = append(out, t.TaskID)
		}
	}
	return out
}

func (s *Session) roomMatesLocked(playerID string) []string {
	self := s.players[playerID]
	out := make([]string, 0)
	for id, other := range s.players {
		if id == playerID || !other.Alive || self == nil {
			continue
		}
		if other.Room == self.Room {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Session) aliveCrewInRoomLocked(room string) []string {
	out := make([]string, 0)
	for id, p := range s.players {
		if p.Alive && p.Role == RoleCrewmate && p.Room == room {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Session) deadPlayersInRoomLocked(excludeID, room string) []string {
	out := make([]string, 0)
	for id, p := range s.players {
		if id == excludeID || p.Alive {
			continue
		}
		if p.Room == room {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Session) requireAlivePlayerLocked(playerID string) (*Player, Result) {
	p, ok := s.players[playerID]
	if !ok {
		return nil, reject(ErrNotFound, "player %q is not part of session %q", playerID, s.id)
	}
	if !p.Alive {
		return nil, reject(ErrForbidden, "player %q is eliminated", playerID)
	}
	return p, Result{}
}
