// Package httpedge exposes the service's non-RPC HTTP surfaces: the
// well-known agent card, health, debug introspection, and Prometheus
// metrics. Debug and admin routes are only registered in development mode.
package httpedge

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opengame/gamemaster/internal/devtoken"
	"github.com/opengame/gamemaster/internal/hub"
	"github.com/opengame/gamemaster/internal/sessionmgr"
	"github.com/opengame/gamemaster/internal/shipmap"
	"github.com/opengame/gamemaster/internal/skills"
)

// writeWait is the write deadline applied to each live-feed frame.
const writeWait = 10 * time.Second

// pongWait/pingPeriod bound how long a silent debug websocket client is
// tolerated before the connection is dropped as dead.
const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var debugUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Skill describes one callable skill for the agent-card document, generated
// from the live dispatcher rather than hand-maintained, so it can never
// drift from what message/send actually accepts.
type Skill struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

var skillDescriptions = map[string]string{
	"join-game":     "Join the lobby of an open session.",
	"leave-game":    "Leave the current session.",
	"move-to-room":  "Walk to an adjacent room.",
	"use-vent":      "Imposter-only vent shortcut between connected rooms.",
	"complete-task": "Submit one step of an assigned task's validator chain.",
	"kill-player":   "Imposter-only elimination of a co-located crewmate.",
	"sabotage":      "Imposter-only sabotage trigger; pass action \"resolve\" to clear the active one.",
	"call-meeting":  "Call an emergency meeting, opening discussion.",
	"report-body":   "Report a dead player's body in the reporter's room, opening discussion.",
	"vote":          "Cast a vote during the voting phase.",
	"send-message":  "Broadcast a chat message during discussion.",
	"get-status":    "Fetch the requesting player's role-aware status.",
}

// AgentCard is the document served at /.well-known/agent-card.json.
type AgentCard struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Skills      []Skill `json:"skills"`
}

// Metrics bundles the Prometheus collectors this service exports.
type Metrics struct {
	SessionsActive prometheus.Gauge
	EventsEmitted  prometheus.Counter
	SkillCalls     *prometheus.CounterVec
}

// NewMetrics constructs and registers the service's Prometheus collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gamemaster_sessions_active", Help: "Number of live (non-reaped) sessions.",
		}),
		EventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gamemaster_events_emitted_total", Help: "Total engine events emitted across all sessions.",
		}),
		SkillCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamemaster_skill_calls_total", Help: "Total skill invocations by skill id and outcome.",
		}, []string{"skill_id", "outcome"}),
	}
	reg.MustRegister(m.SessionsActive, m.EventsEmitted, m.SkillCalls)
	return m
}

// Options bundles the collaborators needed to serve the edge routes.
type Options struct {
	Dispatcher   *skills.Dispatcher
	Sessions     *sessionmgr.Manager
	Ship         *shipmap.Map
	Hub          *hub.Hub
	AdminToken   string
	DevTokens    *devtoken.Issuer
	Development  bool
	Registry     *prometheus.Registry
	Now          func() time.Time
}

// Register mounts the edge routes onto r.
func Register(r chi.Router, opts Options) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r.Get("/.well-known/agent-card.json", agentCardHandler(opts.Dispatcher))
	r.Get("/health", healthHandler(now))

	if opts.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}

	if !opts.Development {
		return
	}
	r.Get("/debug/state", adminGated(opts.AdminToken, opts.DevTokens, debugStateHandler(opts.Sessions)))
	r.Get("/debug/players", adminGated(opts.AdminToken, opts.DevTokens, debugPlayersHandler(opts.Sessions)))
	r.Get("/debug/ship", adminGated(opts.AdminToken, opts.DevTokens, debugShipHandler(opts.Ship)))
	r.Post("/admin/reset", adminGated(opts.AdminToken, opts.DevTokens, adminResetHandler(opts.Sessions)))
	r.Post("/admin/devtoken", adminGated(opts.AdminToken, opts.DevTokens, issueDevTokenHandler(opts.DevTokens)))
	r.Get("/debug/live", adminGated(opts.AdminToken, opts.DevTokens, debugLiveHandler(opts.Hub)))
}

func agentCardHandler(d *skills.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := d.SkillIDs()
		sort.Strings(ids)
		skillDocs := make([]Skill, 0, len(ids))
		for _, id := range ids {
			skillDocs = append(skillDocs, Skill{ID: id, Description: skillDescriptions[id]})
		}
		writeJSON(w, http.StatusOK, AgentCard{
			Name:        "gamemaster",
			Description: "Authoritative game master for signed, multi-session social-deduction matches.",
			Skills:      skillDocs,
		})
	}
}

func healthHandler(now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok", "timestamp": now().UTC().Format(time.RFC3339Nano),
		})
	}
}

func debugStateHandler(mgr *sessionmgr.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := mgr.All()
		out := make([]map[string]interface{}, 0, len(ids))
		for _, id := range ids {
			sess, ok := mgr.Get(id)
			if !ok {
				continue
			}
			status := sess.GetStatus()
			out = append(out, map[string]interface{}{
				"session_id":      status.SessionID,
				"phase":           status.Phase,
				"player_count":    status.PlayerCount,
				"sabotage_active": status.SabotageActive,
				"winner":          status.Winner,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func debugPlayersHandler(mgr *sessionmgr.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("session_id")
		sess, ok := mgr.Get(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		status := sess.GetStatus()
		writeJSON(w, http.StatusOK, status.AlivePlayers)
	}
}

func debugShipHandler(ship *shipmap.Map) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ship.AllRooms())
	}
}

func adminResetHandler(mgr *sessionmgr.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed := mgr.ReapEnded()
		writeJSON(w, http.StatusOK, map[string]interface{}{"reaped": removed})
	}
}

// debugLiveHandler upgrades to a websocket and relays one session's events
// verbatim as JSON text frames, for operators watching a match live without
// opening a full message/stream RPC task. Mirrors the teacher's per-client
// send-channel pump, minus outbound client messages (this feed is read-only).
func debugLiveHandler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h == nil {
			http.Error(w, "live feed unavailable", http.StatusServiceUnavailable)
			return
		}
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "session_id is required", http.StatusBadRequest)
			return
		}
		conn, err := debugUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		subscriberID := r.RemoteAddr + "-debug"
		sub := h.Subscribe(sessionID, subscriberID, "", func() bool { return true })
		defer sub.Close()
		runDebugLivePump(conn, sub)
	}
}

func runDebugLivePump(conn *websocket.Conn, sub *hub.Subscription) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go drainInbound(conn)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(eventWire{Kind: string(evt.Kind), Sequence: evt.Sequence, Payload: evt.Payload.AsMap()}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drainInbound discards anything the viewer sends, just enough reading to
// notice a closed connection and unblock the pump above.
func drainInbound(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

type eventWire struct {
	Kind     string                 `json:"kind"`
	Sequence uint64                 `json:"sequence"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// adminGated accepts either the static, constant-time-compared admin token
// or a dev token minted by issuer, so an operator can hand out short-lived
// bearer tokens instead of distributing the long-lived admin secret.
func adminGated(adminToken string, issuer *devtoken.Issuer, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) == 1 {
			next(w, r)
			return
		}
		if issuer.Enabled() {
			if _, err := issuer.Verify(token); err == nil {
				next(w, r)
				return
			}
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

// issueDevTokenHandler mints a short-lived operator bearer token for the
// subject named in the "sub" query parameter, itself gated by adminGated so
// only holders of the admin token (or an already-valid dev token) can mint
// more.
func issueDevTokenHandler(issuer *devtoken.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !issuer.Enabled() {
			http.Error(w, "dev token issuance is disabled", http.StatusServiceUnavailable)
			return
		}
		subject := strings.TrimSpace(r.URL.Query().Get("sub"))
		if subject == "" {
			subject = "operator"
		}
		token, err := issuer.Issue(subject)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
