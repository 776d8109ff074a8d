// Package skills decodes generic JSON-RPC-style params into typed skill
// invocations and dispatches them onto the session engine.
package skills

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/opengame/gamemaster/internal/engine"
)

// ErrUnknownSkill is returned when skill_id names no registered skill.
var ErrUnknownSkill = errors.New("unknown skill")

// Params is the generic, decoded-from-JSON shape every skill invocation
// arrives as before being mapped onto a typed struct.
type Params map[string]interface{}

// Invocation is a fully resolved skill call, ready to apply to a session.
type Invocation struct {
	SkillID  string
	PlayerID string
	Params   Params
}

// JoinParams, MoveParams, etc. are the typed, validated parameter shapes
// per skill. Struct tags double as both mapstructure decode keys and
// validator rules.
type JoinParams struct {
	Address string `mapstructure:"address" validate:"required"`
}

type MoveParams struct {
	RoomID string `mapstructure:"room_id" validate:"required"`
}

type CompleteTaskParams struct {
	TaskID string `mapstructure:"task_id" validate:"required"`
	Input  string `mapstructure:"input" validate:"required"`
}

type KillParams struct {
	VictimID string `mapstructure:"victim_id" validate:"required"`
}

type UseVentParams struct {
	ToRoom string `mapstructure:"to_room" validate:"required"`
}

// SabotageParams covers both triggering a sabotage and, via Action ==
// "resolve", clearing the active one — the mandatory skill-id list has no
// separate id for resolution.
type SabotageParams struct {
	Action        string `mapstructure:"action"`
	Kind          string `mapstructure:"kind"`
	Urgent        bool   `mapstructure:"urgent"`
	AutoResolveMS int64  `mapstructure:"auto_resolve_ms" validate:"gte=0"`
}

type CallMeetingParams struct{}

type ReportBodyParams struct {
	BodyID string `mapstructure:"body_id" validate:"required"`
}

type CastVoteParams struct {
	Target string `mapstructure:"target" validate:"required"`
}

type SendChatParams struct {
	Message string `mapstructure:"message" validate:"required"`
}

type GetStatusParams struct{}

type LeaveParams struct{}

// Handler applies one decoded, validated skill invocation to a session and
// returns the engine's result.
type Handler func(s *engine.Session, playerID string, params Params) (engine.Result, error)

// Dispatcher maps skill_id strings onto Handlers, decoding and validating
// parameters uniformly before invoking them.
type Dispatcher struct {
	handlers map[string]Handler
	validate *validator.Validate
}

// New constructs a Dispatcher with the standard skill set wired in.
func New() *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		validate: validator.New(),
	}
	d.register("join-game", decodeThen(d, JoinParams{}, func(s *engine.Session, playerID string, p JoinParams) engine.Result {
		return s.Join(playerID, p.Address)
	}))
	d.register("leave-game", decodeThen(d, LeaveParams{}, func(s *engine.Session, playerID string, _ LeaveParams) engine.Result {
		return s.Leave(playerID)
	}))
	d.register("move-to-room", decodeThen(d, MoveParams{}, func(s *engine.Session, playerID string, p MoveParams) engine.Result {
		return s.Move(playerID, p.RoomID)
	}))
	d.register("use-vent", decodeThen(d, UseVentParams{}, func(s *engine.Session, playerID string, p UseVentParams) engine.Result {
		return s.UseVent(playerID, p.ToRoom)
	}))
	d.register("complete-task", decodeThen(d, CompleteTaskParams{}, func(s *engine.Session, playerID string, p CompleteTaskParams) engine.Result {
		return s.CompleteTask(playerID, p.TaskID, p.Input)
	}))
	d.register("kill-player", decodeThen(d, KillParams{}, func(s *engine.Session, playerID string, p KillParams) engine.Result {
		return s.Kill(playerID, p.VictimID)
	}))
	d.register("sabotage", decodeThen(d, SabotageParams{}, func(s *engine.Session, playerID string, p SabotageParams) engine.Result {
		if strings.EqualFold(p.Action, "resolve") {
			return s.ResolveSabotage(playerID)
		}
		if strings.TrimSpace(p.Kind) == "" {
			return engine.Result{OK: false, Kind: engine.ErrInvalidInput, Message: "sabotage requires a kind unless action is \"resolve\""}
		}
		return s.Sabotage(playerID, p.Kind, p.Urgent, p.AutoResolveMS)
	}))
	d.register("call-meeting", decodeThen(d, CallMeetingParams{}, func(s *engine.Session, playerID string, _ CallMeetingParams) engine.Result {
		return s.CallMeeting(playerID)
	}))
	d.register("report-body", decodeThen(d, ReportBodyParams{}, func(s *engine.Session, playerID string, p ReportBodyParams) engine.Result {
		return s.ReportBody(playerID, p.BodyID)
	}))
	d.register("vote", decodeThen(d, CastVoteParams{}, func(s *engine.Session, playerID string, p CastVoteParams) engine.Result {
		return s.CastVote(playerID, p.Target)
	}))
	d.register("send-message", decodeThen(d, SendChatParams{}, func(s *engine.Session, playerID string, p SendChatParams) engine.Result {
		return s.SendChat(playerID, p.Message)
	}))
	d.register("get-status", decodeThen(d, GetStatusParams{}, func(s *engine.Session, playerID string, _ GetStatusParams) engine.Result {
		snap, res := s.PlayerStatus(playerID)
		if res.Kind != engine.ErrNone {
			return res
		}
		return engine.Result{OK: true, Message: fmt.Sprintf("phase=%s round=%d alive=%t", snap.Phase, snap.Round, snap.IsAlive), Data: snap}
	}))
	return d
}

func (d *Dispatcher) register(skillID string, h Handler) {
	d.handlers[skillID] = h
}

// SkillIDs returns every registered skill id, used to generate the
// agent-card/skill catalog surface.
func (d *Dispatcher) SkillIDs() []string {
	ids := make([]string, 0, len(d.handlers))
	for id := range d.handlers {
		ids = append(ids, id)
	}
	return ids
}

// Dispatch resolves skillID to its handler and applies it to the session.
// An unresolved skillID additionally consults a purely informational
// free-text keyword fallback so a client that mistypes skill_id but
// includes an unambiguous keyword in its params still gets routed —
// the fallback never substitutes for an explicit, correct skill_id.
func (d *Dispatcher) Dispatch(s *engine.Session, inv Invocation) (engine.Result, error) {
	skillID := strings.TrimSpace(inv.SkillID)
	handler, ok := d.handlers[skillID]
	if !ok {
		if fallback, fbOK := d.keywordFallback(inv.Params); fbOK {
			handler, ok = d.handlers[fallback]
		}
	}
	if !ok {
		return engine.Result{}, fmt.Errorf("%w: %q", ErrUnknownSkill, inv.SkillID)
	}
	return handler(s, inv.PlayerID, inv.Params)
}

func (d *Dispatcher) keywordFallback(params Params) (string, bool) {
	raw, ok := params["text"].(string)
	if !ok {
		return "", false
	}
	lower := strings.ToLower(raw)
	for _, id := range d.SkillIDs() {
		if strings.Contains(lower, strings.ReplaceAll(id, "-", " ")) {
			return id, true
		}
	}
	return "", false
}

// decodeThen builds a Handler that decodes generic Params into a typed T via
// mapstructure, validates it with struct tags, and only then calls fn.
func decodeThen[T any](d *Dispatcher, _ T, fn func(*engine.Session, string, T) engine.Result) Handler {
	return func(s *engine.Session, playerID string, params Params) (engine.Result, error) {
		var typed T
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &typed,
			WeaklyTypedInput: true,
			ErrorUnused:      false,
		})
		if err != nil {
			return engine.Result{}, fmt.Errorf("build decoder: %w", err)
		}
		if err := decoder.Decode(map[string]interface{}(params)); err != nil {
			return engine.Result{}, fmt.Errorf("decode params: %w", err)
		}
		if err := d.validate.Struct(typed); err != nil {
			return engine.Result{}, fmt.Errorf("invalid params: %w", err)
		}
		return fn(s, playerID, typed), nil
	}
}
