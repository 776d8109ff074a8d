// Package engine implements the authoritative per-session game state
// machine: role and task assignment, movement, task completion, kills,
// sabotage, meetings, voting, and win-condition evaluation.
package engine

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opengame/gamemaster/internal/shipmap"
	"github.com/opengame/gamemaster/internal/taskcatalog"
)

// Phase enumerates the session lifecycle states.
type Phase string

const (
	PhaseLobby      Phase = "lobby"
	PhasePlaying    Phase = "playing"
	PhaseDiscussion Phase = "discussion"
	PhaseVoting     Phase = "voting"
	PhaseEnded      Phase = "ended"
)

// Role is a player's secret assignment for the duration of a game.
type Role string

const (
	RoleCrewmate Role = "crewmate"
	RoleImposter Role = "imposter"
)

// ErrorKind classifies a rejected operation so callers (the RPC layer) can
// map it onto a transport-appropriate error code without parsing messages.
type ErrorKind string

const (
	ErrNone          ErrorKind = ""
	ErrBadPhase      ErrorKind = "bad_phase"
	ErrNotFound      ErrorKind = "not_found"
	ErrForbidden     ErrorKind = "forbidden"
	ErrInvalidInput  ErrorKind = "invalid_input"
	ErrAlreadyExists ErrorKind = "already_exists"
	ErrCooldown      ErrorKind = "cooldown"
)

// TaskProgress tracks one player's advancement through an assigned task.
type TaskProgress struct {
	TaskID    string
	Step      int
	Completed bool
}

// Player is one participant's mutable per-session state.
type Player struct {
	ID           string
	Address      string
	Role         Role
	Room         string
	Alive        bool
	Tasks        []TaskProgress
	JoinedAt     time.Time
	MeetingsUsed int
}

type sabotageState struct {
	active        bool
	kind          string
	urgent        bool
	autoResolveAt time.Time
}

type meetingState struct {
	phase    Phase // PhaseDiscussion or PhaseVoting
	votes    map[string]string // voter id -> target id, or "skip"
	deadline time.Time
}

// EventSink receives events emitted after each durable mutation. The session
// calls it synchronously while still holding its lock, so a sink must hand
// the events off (as the hub's sink does) rather than deliver them inline.
type EventSink func(events []Event)

// Option configures a Session at construction time.
type Option func(*Session)

// WithClock overrides the session's time source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithEventSink wires the session to an external subscriber fan-out.
func WithEventSink(sink EventSink) Option {
	return func(s *Session) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithImposterRatio overrides the fraction of players assigned as imposters.
func WithImposterRatio(ratio float64) Option {
	return func(s *Session) {
		if ratio > 0 && ratio < 1 {
			s.imposterRatio = ratio
		}
	}
}

// WithTaskCount overrides how many tasks each crewmate is assigned.
func WithTaskCount(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.taskCount = n
		}
	}
}

// WithKillCooldown overrides the per-imposter cooldown between kills.
func WithKillCooldown(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.killCooldown = d
		}
	}
}

// WithDiscussionDuration overrides the discussion phase length.
func WithDiscussionDuration(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.discussionDur = d
		}
	}
}

// WithVotingDuration overrides the voting phase length.
func WithVotingDuration(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.votingDur = d
		}
	}
}

// WithMinMaxPlayers overrides the lobby's player count bounds.
func WithMinMaxPlayers(min, max int) Option {
	return func(s *Session) {
		if min > 0 {
			s.minPlayers = min
		}
		if max >= min {
			s.maxPlayers = max
		}
	}
}

// WithEmergencyMeetings overrides how many emergency (bodyless) meetings
// each player may call in one game. Reporting a body never consumes this
// allowance.
func WithEmergencyMeetings(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.emergencyMeetings = n
		}
	}
}

// Session is the authoritative state machine for one game instance. All
// exported mutating methods are serialized behind a single mutex: the spec's
// required concurrency model for a session is mutual exclusion, not
// fine-grained locking.
type Session struct {
	mu sync.Mutex

	id      string
	ship    *shipmap.Map
	catalog *taskcatalog.Catalog
	now     func() time.Time
	sink    EventSink

	imposterRatio     float64
	taskCount         int
	killCooldown      time.Duration
	discussionDur     time.Duration
	votingDur         time.Duration
	minPlayers        int
	maxPlayers        int
	emergencyMeetings int

	phase      Phase
	round      int
	players    map[string]*Player
	order      []string
	lastKillAt map[string]time.Time
	sabotage   sabotageState
	meeting    *meetingState
	seq        uint64
	createdAt  time.Time
	lastActive time.Time
	winner     string

	timerGen uint64
}

// New constructs a lobby-phase session.
func New(id string, ship *shipmap.Map, catalog *taskcatalog.Catalog, opts ...Option) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("session id must not be empty")
	}
	if ship == nil || catalog == nil {
		return nil, fmt.Errorf("ship map and task catalog are required")
	}
	now := time.Now()
	s := &Session{
		id:            id,
		ship:          ship,
		catalog:       catalog,
		now:           time.Now,
		sink:          func([]Event) {},
		imposterRatio: 0.25,
		taskCount:     5,
		killCooldown:  20 * time.Second,
		discussionDur: 60 * time.Second,
		votingDur:     30 * time.Second,
		minPlayers:    5,
		maxPlayers:    10,
		emergencyMeetings: 1,
		phase:         PhaseLobby,
		players:       make(map[string]*Player),
		lastKillAt:    make(map[string]time.Time),
		createdAt:     now,
		lastActive:    now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Result is the uniform outcome of a mutating engine operation. Callers
// branch on Kind, never on parsing Message.
type Result struct {
	OK      bool
	Kind    ErrorKind
	Message string
	Events  []Event
	// Data carries a structured response payload for read-only queries (for
	// example get_status's PlayerStatusSnapshot). Mutating operations leave
	// it nil; callers branch on Kind/OK, never on Data's presence.
	Data interface{}
}

func reject(kind ErrorKind, format string, args ...interface{}) Result {
	return Result{OK: false, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func accept(events ...Event) Result {
	return Result{OK: true, Events: events}
}

func (s *Session) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func (s *Session) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	s.sink(events)
}

// Phase returns the session's current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// PlayerCount returns the number of joined players.
func (s *Session) PlayerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}

// LastActive reports when the session last accepted a mutation, used by the
// session manager's reap loop to find ended games past their grace period.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Join adds a new player to a lobby-phase session.
func (s *Session) Join(playerID, address string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()

	if s.phase != PhaseLobby {
		return reject(ErrBadPhase, "cannot join session %q outside the lobby phase", s.id)
	}
	if strings.TrimSpace(playerID) == "" || strings.TrimSpace(address) == "" {
		return reject(ErrInvalidInput, "player id and address are required")
	}
	if _, exists := s.players[playerID]; exists {
		return reject(ErrAlreadyExists, "player %q already joined", playerID)
	}
	if len(s.players) >= s.maxPlayers {
		return reject(ErrBadPhase, "session %q is full", s.id)
	}
	s.players[playerID] = &Player{
		ID:       playerID,
		Address:  address,
		Room:     s.ship.EmergencyRoom(),
		Alive:    true,
		JoinedAt: s.now(),
	}
	s.order = append(s.order, playerID)

	evt := Event{
		SessionID: s.id, Sequence: s.nextSeq(), Kind: KindPlayerJoined, Visibility: VisibilityPublic,
		Payload: newPayload(map[string]interface{}{"player_id": playerID, "player_count": len(s.players)}),
	}
	res := accept(evt)
	s.emit(res.Events)
	return res
}

// Leave removes a player and, if a game is in progress, re-runs the win
// check, so a departure can end the game (for example when the last
// imposter leaves).
func (s *Session) Leave(playerID string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()

	if _, exists := s.players[playerID]; !exists {
		return reject(ErrNotFound, "player %q is not part of session %q", playerID, s.id)
	}
	delete(s.players, playerID)
	s.order = removeString(s.order, playerID)

	events := []Event{{
		SessionID: s.id, Sequence: s.nextSeq(), Kind: KindPlayerLeft, Visibility: VisibilityPublic,
		Payload: newPayload(map[string]interface{}{"player_id": playerID, "player_count": len(s.players)}),
	}}
	if s.phase != PhaseLobby && s.phase != PhaseEnded {
		if end, ok := s.evaluateWinLocked(); ok {
			events = append(events, end)
		}
	}
	res := accept(events...)
	s.emit(res.Events)
	return res
}

// Start transitions Lobby -> Playing, assigning roles and tasks.
func (s *Session) Start() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()

	if s.phase != PhaseLobby {
		return reject(ErrBadPhase, "session %q has already started", s.id)
	}
	if len(s.players) < s.minPlayers {
		return reject(ErrInvalidInput, "need at least %d players to start, have %d", s.minPlayers, len(s.players))
	}

	imposterCount := imposterCountFor(len(s.players), s.imposterRatio)
	imposters, err := chooseRandom(s.order, imposterCount)
	if err != nil {
		return reject(ErrInvalidInput, "role assignment failed: %v", err)
	}
	imposterSet := make(map[string]struct{}, len(imposters))
	for _, id := range imposters {
		imposterSet[id] = struct{}{}
	}
	for _, id := range s.order {
		p := s.players[id]
		if _, isImposter := imposterSet[id]; isImposter {
			p.Role = RoleImposter
			continue
		}
		p.Role = RoleCrewmate
		taskIDs, err := s.catalog.AssignRandom(s.taskCount)
		if err != nil {
			return reject(ErrInvalidInput, "task assignment failed: %v", err)
		}
		p.Tasks = make([]TaskProgress, 0, len(taskIDs))
		for _, tid := range taskIDs {
			p.Tasks = append(p.Tasks, TaskProgress{TaskID: tid})
		}
	}
	s.phase = PhasePlaying

	events := make([]Event, 0, len(s.order)+1)
	events = append(events, Event{
		SessionID: s.id, Sequence: s.nextSeq(), Kind: KindGameStarted, Visibility: VisibilityPublic,
		Payload: newPayload(map[string]interface{}{"player_count": len(s.players), "imposter_count": imposterCount}),
	})
	// One role_assigned event per player, visibility Specific, so a player's
	// role and task assignment is never visible to any other subscriber.
	for _, id := range s.order {
		p := s.players[id]
		fields := map[string]interface{}{"player_id": id, "role": string(p.Role)}
		if p.Role == RoleCrewmate {
			taskIDs := make([]interface{}, 0, len(p.Tasks))
			for _, t := range p.Tasks {
				taskIDs = append(taskIDs, t.TaskID)
			}
			fields["task_ids"] = taskIDs
		}
		events = append(events, Event{
			SessionID: s.id, Sequence: s.nextSeq(), Kind: KindRoleAssigned, Visibility: VisibilitySpecific,
			Recipients: []string{id}, Payload: newPayload(fields),
		})
	}
	res := accept(events...)
	s.emit(res.Events)
	return res
}

func imposterCountFor(playerCount int, ratio float64) int {
	n := int(float64(playerCount) * ratio)
	if n < 1 {
		n = 1
	}
	return n
}

// chooseRandom returns k distinct elements of pool via a crypto/rand backed
// Fisher-Yates shuffle, the same unpredictability discipline task
// assignment uses.
func chooseRandom(pool []string, k int) ([]string, error) {
	if k > len(pool) {
		return nil, fmt.Errorf("cannot choose %d of %d", k, len(pool))
	}
	cp := append([]string(nil), pool...)
	for i := len(cp) - 1; i > 0; i-- {
		j, err := randIntn(i + 1)
		if err != nil {
			return nil, err
		}
		cp[i], cp[j] = cp[j], cp[i]
	}
	return cp[:k], nil
}

func randIntn(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}

// sortedAlivePlayers returns alive player ids sorted for deterministic payloads.
func (s *Session) sortedAlivePlayers() []string {
	out := make([]string, 0, len(s.players))
	for id, p := range s.players {
		if p.Alive {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
