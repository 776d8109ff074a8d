// Package rpcapi exposes the signed-envelope RPC surface over HTTP: a single
// /a2a endpoint dispatching on a jsonrpc2a-style envelope's method field, a
// synchronous message/send, a chunked-ndjson message/stream, and lifecycle
// endpoints for long-running tasks.
package rpcapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opengame/gamemaster/internal/engine"
	"github.com/opengame/gamemaster/internal/hub"
	"github.com/opengame/gamemaster/internal/identity"
	"github.com/opengame/gamemaster/internal/logging"
	"github.com/opengame/gamemaster/internal/rpcerr"
	"github.com/opengame/gamemaster/internal/sessionmgr"
	"github.com/opengame/gamemaster/internal/signature"
	"github.com/opengame/gamemaster/internal/skills"
)

// jsonrpc2aVersion is the envelope version every response echoes back.
const jsonrpc2aVersion = "1.0"

// SessionLookup resolves a message's session id (or mints a fresh lobby
// assignment) to a live engine.Session.
type SessionLookup interface {
	Get(id string) (*engine.Session, bool)
	AssignLobby(playerID, address string) (*engine.Session, engine.Result, error)
}

var _ SessionLookup = (*sessionmgr.Manager)(nil)

// Options bundles the collaborators the RPC surface dispatches through.
type Options struct {
	Logger     *logging.Logger
	Sessions   SessionLookup
	Identity   *identity.Verifier
	Signatures *signature.Verifier
	Dispatcher *skills.Dispatcher
	Hub        *hub.Hub
	Now        func() time.Time
}

// Server implements the /a2a RPC surface.
type Server struct {
	logger     *logging.Logger
	sessions   SessionLookup
	identity   *identity.Verifier
	signatures *signature.Verifier
	dispatcher *skills.Dispatcher
	hub        *hub.Hub
	now        func() time.Time

	tasksMu sync.Mutex
	tasks   map[string]*streamTask
}

type streamTask struct {
	cancel    context.CancelFunc
	done      bool
	playerID  string
	sessionID string
}

// NewServer constructs a Server.
func NewServer(opts Options) (*Server, error) {
	if opts.Sessions == nil || opts.Identity == nil || opts.Signatures == nil || opts.Dispatcher == nil {
		return nil, errors.New("rpcapi: sessions, identity, signatures, and dispatcher are required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		logger:     opts.Logger,
		sessions:   opts.Sessions,
		identity:   opts.Identity,
		signatures: opts.Signatures,
		dispatcher: opts.Dispatcher,
		hub:        opts.Hub,
		now:        now,
		tasks:      make(map[string]*streamTask),
	}, nil
}

// Routes mounts the RPC surface onto r. Every method (message/send,
// message/stream, tasks/get, tasks/cancel, tasks/resubscribe) is dispatched
// from this one route by the envelope's method field.
func (s *Server) Routes(r chi.Router) {
	r.Post("/a2a", s.handleRPC)
}

// wireEnvelope is the outer jsonrpc2a-style request shape POSTed to /a2a.
type wireEnvelope struct {
	Jsonrpc2a string          `json:"jsonrpc2a"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	ID        string          `json:"id"`
}

// wirePart is one entry of params.message.parts. Only kind "data" carries a
// skill invocation; other kinds (e.g. future "text" parts) are ignored.
type wirePart struct {
	Kind string                 `json:"kind"`
	Data map[string]interface{} `json:"data"`
}

type wireMessage struct {
	Parts []wirePart `json:"parts"`
}

// wireParams is the union of every method's params shape: message/send and
// message/stream use Message, the tasks/* methods use TaskID.
type wireParams struct {
	Message *wireMessage `json:"message"`
	TaskID  string       `json:"task_id"`
}

// rpcResponse is the outer jsonrpc2a-style response shape, always echoing
// the request's id.
type rpcResponse struct {
	Jsonrpc2a string        `json:"jsonrpc2a"`
	ID        string        `json:"id"`
	Result    interface{}   `json:"result,omitempty"`
	Error     *rpcerr.Error `json:"error,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var env wireEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeRPCError(w, "", rpcerr.New(rpcerr.CodeInvalidRequest, "malformed request body: %v", err))
		return
	}
	var params wireParams
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &params); err != nil {
			s.writeRPCError(w, env.ID, rpcerr.New(rpcerr.CodeInvalidParams, "malformed params: %v", err))
			return
		}
	}

	switch env.Method {
	case "message/send":
		s.handleSend(w, r, env.ID, params)
	case "message/stream":
		s.handleStream(w, r, env.ID, params)
	case "tasks/get":
		s.handleTaskGet(w, env.ID, params)
	case "tasks/cancel":
		s.handleTaskCancel(w, env.ID, params)
	case "tasks/resubscribe":
		s.handleTaskResubscribe(w, env.ID, params)
	default:
		s.writeRPCError(w, env.ID, rpcerr.New(rpcerr.CodeMethodNotFound, "unknown method %q", env.Method))
	}
}

func dataPart(params wireParams) (map[string]interface{}, bool) {
	if params.Message == nil {
		return nil, false
	}
	for _, part := range params.Message.Parts {
		if part.Kind == "data" && part.Data != nil {
			return part.Data, true
		}
	}
	return nil, false
}

// identityKeys are the envelope's identity/auth fields, excluded from the
// skill-specific payload handed to the dispatcher and the signed digest.
var identityKeys = map[string]struct{}{
	"messageId":    {},
	"skillId":      {},
	"agentAddress": {},
	"agentId":      {},
	"agentDomain":  {},
	"playerName":   {},
	"signature":    {},
	"timestamp":    {},
}

// envelopeFromData builds a signature.RawEnvelope out of a data part's
// generic map, separating the identity-bearing fields from the
// skill-specific ones that make up SkillOnlyData.
func envelopeFromData(data map[string]interface{}) (signature.RawEnvelope, error) {
	messageID, _ := data["messageId"].(string)
	skillID, _ := data["skillId"].(string)
	senderAddress, _ := data["agentAddress"].(string)
	sig, _ := data["signature"].(string)
	ts, err := parseTimestamp(data["timestamp"])
	if err != nil {
		return signature.RawEnvelope{}, err
	}
	skillOnly := make(signature.SkillOnlyData, len(data))
	for k, v := range data {
		if _, isIdentity := identityKeys[k]; isIdentity {
			continue
		}
		skillOnly[k] = v
	}
	return signature.RawEnvelope{
		MessageID:     messageID,
		Timestamp:     ts,
		SkillID:       skillID,
		SkillOnlyData: skillOnly,
		SenderAddress: senderAddress,
		Signature:     sig,
	}, nil
}

// parseTimestamp accepts either an RFC3339Nano string or a unix-seconds
// number, the two shapes a JSON signer is likely to produce.
func parseTimestamp(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", t, err)
		}
		return parsed, nil
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	default:
		return time.Time{}, errors.New("timestamp is required")
	}
}

func (s *Server) authenticateData(r *http.Request, data map[string]interface{}) (signature.RawEnvelope, *rpcerr.Error) {
	env, err := envelopeFromData(data)
	if err != nil {
		return signature.RawEnvelope{}, rpcerr.New(rpcerr.CodeInvalidParams, "%v", err)
	}
	if strings.TrimSpace(env.SkillID) == "" {
		return signature.RawEnvelope{}, rpcerr.New(rpcerr.CodeInvalidParams, "skillId is required")
	}
	if err := s.signatures.Verify(env); err != nil {
		s.logf().Warn("signature verification failed", logging.String("skill_id", env.SkillID), logging.Error(err))
		return signature.RawEnvelope{}, rpcerr.New(rpcerr.CodeUnauthorized, "signature verification failed: %v", err)
	}
	registered, regErr := s.identity.IsRegistered(r.Context(), env.SenderAddress)
	if regErr != nil {
		s.logf().Error("identity lookup failed", logging.String("sender_address", env.SenderAddress), logging.Error(regErr))
		return signature.RawEnvelope{}, rpcerr.New(rpcerr.CodeInternalError, "identity lookup failed: %v", regErr)
	}
	if !registered {
		s.logf().Warn("unregistered sender rejected", logging.String("sender_address", env.SenderAddress))
		return signature.RawEnvelope{}, rpcerr.New(rpcerr.CodeUnauthorized, "address %s is not registered", env.SenderAddress)
	}
	return env, nil
}

// logf returns the server's logger, falling back to the process-wide global
// logger so this package never has to nil-check at every call site.
func (s *Server) logf() *logging.Logger {
	if s.logger != nil {
		return s.logger
	}
	return logging.L()
}

func (s *Server) resolveSession(env signature.RawEnvelope) (*engine.Session, *rpcerr.Error) {
	sessionID, _ := env.SkillOnlyData["session_id"].(string)
	if sessionID != "" {
		if sess, ok := s.sessions.Get(sessionID); ok {
			return sess, nil
		}
		return nil, rpcerr.New(rpcerr.CodeDomainError, "session %q not found", sessionID)
	}
	sess, res, err := s.sessions.AssignLobby(env.SenderAddress, env.SenderAddress)
	if err != nil {
		return nil, rpcerr.New(rpcerr.CodeInternalError, "lobby assignment failed: %v", err)
	}
	if !res.OK && res.Kind != "" {
		return nil, mapEngineError(res)
	}
	return sess, nil
}

type sendResult struct {
	OK        bool        `json:"ok"`
	Message   string      `json:"message,omitempty"`
	SessionID string      `json:"session_id"`
	Data      interface{} `json:"data,omitempty"`
}

// handleSend performs one skill invocation synchronously and returns its
// result as a single jsonrpc2a response.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, id string, params wireParams) {
	data, ok := dataPart(params)
	if !ok {
		s.writeRPCError(w, id, rpcerr.New(rpcerr.CodeInvalidParams, "message.parts must include a data part"))
		return
	}
	env, rpcErr := s.authenticateData(r, data)
	if rpcErr != nil {
		s.writeRPCError(w, id, rpcErr)
		return
	}
	sess, rpcErr := s.resolveSession(env)
	if rpcErr != nil {
		s.writeRPCError(w, id, rpcErr)
		return
	}
	result, err := s.dispatcher.Dispatch(sess, skills.Invocation{
		SkillID: env.SkillID, PlayerID: env.SenderAddress, Params: skills.Params(env.SkillOnlyData),
	})
	if err != nil {
		if errors.Is(err, skills.ErrUnknownSkill) {
			s.writeRPCError(w, id, rpcerr.New(rpcerr.CodeMethodNotFound, "%v", err))
			return
		}
		s.writeRPCError(w, id, rpcerr.New(rpcerr.CodeInvalidParams, "%v", err))
		return
	}
	if !result.OK {
		s.writeRPCError(w, id, mapEngineError(result))
		return
	}
	s.writeRPCResult(w, id, sendResult{OK: true, Message: result.Message, SessionID: sess.ID(), Data: result.Data})
}

// handleStream performs the skill invocation, writes an initial frame
// carrying that result as the task's opening snapshot, then keeps the
// connection open delivering subsequent session events as newline-delimited
// JSON (application/x-ndjson) until the client disconnects or cancels the
// task. No websocket upgrade happens here: the hub's websocket transport is
// reserved for the operator-facing live feed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, id string, params wireParams) {
	data, ok := dataPart(params)
	if !ok {
		s.writeRPCError(w, id, rpcerr.New(rpcerr.CodeInvalidParams, "message.parts must include a data part"))
		return
	}
	env, rpcErr := s.authenticateData(r, data)
	if rpcErr != nil {
		s.writeRPCError(w, id, rpcErr)
		return
	}
	sess, rpcErr := s.resolveSession(env)
	if rpcErr != nil {
		s.writeRPCError(w, id, rpcErr)
		return
	}
	result, err := s.dispatcher.Dispatch(sess, skills.Invocation{
		SkillID: env.SkillID, PlayerID: env.SenderAddress, Params: skills.Params(env.SkillOnlyData),
	})
	if err != nil {
		s.writeRPCError(w, id, rpcerr.New(rpcerr.CodeInvalidParams, "%v", err))
		return
	}
	if !result.OK {
		s.writeRPCError(w, id, mapEngineError(result))
		return
	}
	if s.hub == nil {
		s.writeRPCResult(w, id, sendResult{OK: true, Message: result.Message, SessionID: sess.ID(), Data: result.Data})
		return
	}

	taskID := uuid.New().String()
	ctx, cancel := context.WithCancel(r.Context())
	s.registerTask(taskID, cancel, env.SenderAddress, sess.ID())
	defer s.finishTask(taskID)

	sub := s.hub.Subscribe(sess.ID(), taskID, env.SenderAddress, nil)
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Task-Id", taskID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	writer := bufio.NewWriter(w)

	snapshot := rpcResponse{
		Jsonrpc2a: jsonrpc2aVersion, ID: id,
		Result: sendResult{OK: true, Message: result.Message, SessionID: sess.ID(), Data: result.Data},
	}
	if err := enc.Encode(snapshot); err != nil {
		return
	}
	writer.Flush()
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-sub.Events():
			if !open {
				return
			}
			frame := eventWire{Kind: string(evt.Kind), Sequence: evt.Sequence, Payload: evt.Payload.AsMap()}
			if err := enc.Encode(frame); err != nil {
				return
			}
			writer.Flush()
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

type eventWire struct {
	Kind     string                 `json:"kind"`
	Sequence uint64                 `json:"sequence"`
	Payload  map[string]interface{} `json:"payload"`
}

func (s *Server) registerTask(id string, cancel context.CancelFunc, playerID, sessionID string) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	s.tasks[id] = &streamTask{cancel: cancel, playerID: playerID, sessionID: sessionID}
}

func (s *Server) finishTask(id string) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.done = true
	}
}

func (s *Server) handleTaskGet(w http.ResponseWriter, id string, params wireParams) {
	s.tasksMu.Lock()
	t, ok := s.tasks[params.TaskID]
	s.tasksMu.Unlock()
	if !ok {
		s.writeRPCError(w, id, rpcerr.New(rpcerr.CodeTaskNotFound, "task %q not found", params.TaskID))
		return
	}
	s.writeRPCResult(w, id, map[string]interface{}{"task_id": params.TaskID, "done": t.done})
}

// handleTaskCancel stops the task's event stream and, per the spec's
// cancel-acts-as-leave semantics, removes the owning player from the
// session it was streaming from.
func (s *Server) handleTaskCancel(w http.ResponseWriter, id string, params wireParams) {
	s.tasksMu.Lock()
	t, ok := s.tasks[params.TaskID]
	s.tasksMu.Unlock()
	if !ok {
		s.writeRPCError(w, id, rpcerr.New(rpcerr.CodeTaskNotFound, "task %q not found", params.TaskID))
		return
	}
	if t.done {
		s.writeRPCError(w, id, rpcerr.New(rpcerr.CodeTaskNotCancelable, "task %q already finished", params.TaskID))
		return
	}
	t.cancel()
	if sess, ok := s.sessions.Get(t.sessionID); ok {
		sess.Leave(t.playerID)
	}
	s.writeRPCResult(w, id, map[string]interface{}{"task_id": params.TaskID, "cancelled": true})
}

func (s *Server) handleTaskResubscribe(w http.ResponseWriter, id string, params wireParams) {
	// A cancelled/finished stream task has no reconnection state to resume:
	// clients resubscribe by issuing a fresh message/stream call, which also
	// re-authenticates the envelope. This method exists to give callers a
	// single, uniform lifecycle surface to probe before falling back to that.
	s.tasksMu.Lock()
	_, ok := s.tasks[params.TaskID]
	s.tasksMu.Unlock()
	if !ok {
		s.writeRPCError(w, id, rpcerr.New(rpcerr.CodeTaskNotFound, "task %q not found", params.TaskID))
		return
	}
	s.writeRPCError(w, id, rpcerr.New(rpcerr.CodeTaskNotCancelable, "task %q cannot be resubscribed; open a new message/stream call", params.TaskID))
}

func mapEngineError(res engine.Result) *rpcerr.Error {
	switch res.Kind {
	case engine.ErrNotFound:
		return rpcerr.New(rpcerr.CodeDomainError, "%s", res.Message)
	case engine.ErrForbidden:
		return rpcerr.New(rpcerr.CodeUnauthorized, "%s", res.Message)
	case engine.ErrInvalidInput:
		return rpcerr.New(rpcerr.CodeInvalidParams, "%s", res.Message)
	default:
		return rpcerr.New(rpcerr.CodeDomainError, "%s", res.Message)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeRPCResult(w http.ResponseWriter, id string, result interface{}) {
	writeJSON(w, http.StatusOK, rpcResponse{Jsonrpc2a: jsonrpc2aVersion, ID: id, Result: result})
}

func (s *Server) writeRPCError(w http.ResponseWriter, id string, err *rpcerr.Error) {
	writeJSON(w, err.HTTPStatus(), rpcResponse{Jsonrpc2a: jsonrpc2aVersion, ID: id, Error: err})
}
