// Package sessionmgr assigns players to lobby sessions, heals sessions left
// without an assignable lobby, and reaps ended sessions.
package sessionmgr

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opengame/gamemaster/internal/engine"
	"github.com/opengame/gamemaster/internal/shipmap"
	"github.com/opengame/gamemaster/internal/taskcatalog"
)

// SessionFactory builds a fresh engine.Session with the manager's standard
// options already applied, parameterized only by the new session's id.
type SessionFactory func(id string) (*engine.Session, error)

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithClock overrides the manager's time source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithReapGrace overrides how long an ended session is kept
// around (for late get_status calls) before Manager.ReapEnded removes it.
func WithReapGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reapGrace = d
		}
	}
}

// WithIDGenerator overrides how new session ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		if gen != nil {
			m.genID = gen
		}
	}
}

// Manager owns the pool of live sessions and the lobby-assignment policy.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*engine.Session
	order     []string
	now       func() time.Time
	reapGrace time.Duration
	genID     func() string
	factory   SessionFactory
	maxLobby  int
}

// New constructs a Manager. factory builds a new, empty session whenever
// every existing lobby is full or already past the Lobby phase.
func New(factory SessionFactory, maxLobbyPlayers int, opts ...Option) (*Manager, error) {
	if factory == nil {
		return nil, fmt.Errorf("session factory must not be nil")
	}
	if maxLobbyPlayers <= 0 {
		return nil, fmt.Errorf("maxLobbyPlayers must be positive")
	}
	m := &Manager{
		sessions:  make(map[string]*engine.Session),
		now:       time.Now,
		reapGrace: 2 * time.Minute,
		factory:   factory,
		maxLobby:  maxLobbyPlayers,
	}
	m.genID = func() string {
		return fmt.Sprintf("session-%d", m.now().UnixNano())
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Get returns the session for id.
func (m *Manager) Get(id string) (*engine.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// All returns every live session id in a stable order.
func (m *Manager) All() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// AssignLobby places playerID into an open lobby, preferring the lobby
// session with the fewest players and, among ties, the oldest session
// (first created), so capacity fills evenly without starving late joiners.
// A fresh session is created when no lobby can accept the player.
func (m *Manager) AssignLobby(playerID, address string) (*engine.Session, engine.Result, error) {
	candidates := m.openLobbyCandidates()

	for _, s := range candidates {
		res := s.Join(playerID, address)
		if res.OK {
			return s, res, nil
		}
		if res.Kind != engine.ErrBadPhase {
			// Every other rejection (already joined, invalid input) is about
			// this specific player, not lobby capacity, so surface it directly
			// instead of trying the next lobby.
			return s, res, nil
		}
	}

	s, err := m.newSession()
	if err != nil {
		return nil, engine.Result{}, err
	}
	res := s.Join(playerID, address)
	return s, res, nil
}

func (m *Manager) openLobbyCandidates() []*engine.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	type scored struct {
		s     *engine.Session
		count int
	}
	var open []scored
	for _, id := range m.order {
		s := m.sessions[id]
		if s.Phase() != engine.PhaseLobby {
			continue
		}
		if s.PlayerCount() >= m.maxLobby {
			continue
		}
		open = append(open, scored{s: s, count: s.PlayerCount()})
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].count < open[j].count })
	out := make([]*engine.Session, 0, len(open))
	for _, sc := range open {
		out = append(out, sc.s)
	}
	return out
}

func (m *Manager) newSession() (*engine.Session, error) {
	id := m.genID()
	s, err := m.factory(id)
	if err != nil {
		return nil, fmt.Errorf("create session %q: %w", id, err)
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.order = append(m.order, id)
	m.mu.Unlock()
	return s, nil
}

// HealAssignment re-validates that playerID's recorded session still exists
// and is still joinable/playable, reassigning to a fresh lobby if the
// recorded session has since ended or was reaped. This covers reconnect
// flows where a client holds a stale session id.
func (m *Manager) HealAssignment(recordedSessionID, playerID, address string) (*engine.Session, engine.Result, error) {
	if s, ok := m.Get(recordedSessionID); ok {
		if s.Phase() != engine.PhaseEnded {
			if _, already := sessionHasPlayer(s, playerID); already {
				return s, engine.Result{OK: true}, nil
			}
		}
	}
	return m.AssignLobby(playerID, address)
}

func sessionHasPlayer(s *engine.Session, playerID string) (engine.StatusSnapshot, bool) {
	snap := s.GetStatus()
	for _, id := range snap.AlivePlayers {
		if id == playerID {
			return snap, true
		}
	}
	return snap, false
}

// ReapEnded removes sessions in the Ended phase whose last mutation is more
// than the configured grace period ago, freeing memory for long-running
// processes. Sessions in any other phase are kept however long they idle.
// Call periodically from its own ticker, not from request-handling paths.
func (m *Manager) ReapEnded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var removed []string
	remaining := m.order[:0]
	for _, id := range m.order {
		s := m.sessions[id]
		stale := now.Sub(s.LastActive()) > m.reapGrace
		if s.Phase() == engine.PhaseEnded && stale {
			delete(m.sessions, id)
			removed = append(removed, id)
			continue
		}
		remaining = append(remaining, id)
	}
	m.order = remaining
	return removed
}

// StandardFactory builds the default SessionFactory wiring a fresh ship map
// and task catalog snapshot into every new session via the supplied engine
// options.
func StandardFactory(ship *shipmap.Map, catalog *taskcatalog.Catalog, opts ...engine.Option) SessionFactory {
	return func(id string) (*engine.Session, error) {
		return engine.New(id, ship, catalog, opts...)
	}
}
