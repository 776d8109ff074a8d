package engine

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Visibility controls which subscribers an event fans out to.
type Visibility string

const (
	// VisibilityPublic is delivered to every subscriber of the session.
	VisibilityPublic Visibility = "public"
	// VisibilityImpostersOnly is delivered only to subscribers holding an imposter role.
	VisibilityImpostersOnly Visibility = "imposters_only"
	// VisibilitySpecific is delivered only to the explicitly listed recipients.
	VisibilitySpecific Visibility = "specific"
)

// Kind enumerates the event payloads the engine can emit.
type Kind string

const (
	KindPlayerJoined     Kind = "player_joined"
	KindPlayerLeft       Kind = "player_left"
	KindGameStarted      Kind = "game_started"
	KindRoleAssigned     Kind = "role_assigned"
	KindPlayerMoved      Kind = "player_moved"
	KindTaskProgress     Kind = "task_progress"
	KindPlayerKilled     Kind = "player_killed"
	KindBodyReported     Kind = "body_reported"
	KindSabotageTriggered Kind = "sabotage_triggered"
	KindSabotageResolved Kind = "sabotage_resolved"
	KindMeetingCalled    Kind = "meeting_called"
	KindVoteCast         Kind = "vote_cast"
	KindVotingResolved   Kind = "voting_resolved"
	KindChatMessage      Kind = "chat_message"
	KindGameEnded        Kind = "game_ended"
)

// Event is a single durable state transition broadcast to subscribers. The
// payload uses structpb.Struct so the engine never depends on generated
// protobuf message types, only on the free-form container.
type Event struct {
	SessionID  string
	Sequence   uint64
	Kind       Kind
	Visibility Visibility
	Recipients []string
	Payload    *structpb.Struct
}

// Clone duplicates the event's payload so a slow subscriber mutating its
// copy can never corrupt another subscriber's view, mirroring the cloning
// discipline around shared protobuf payloads elsewhere in this codebase.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Payload != nil {
		if msg, ok := proto.Clone(e.Payload).(*structpb.Struct); ok {
			clone.Payload = msg
		}
	}
	if e.Recipients != nil {
		clone.Recipients = append([]string(nil), e.Recipients...)
	}
	return &clone
}

func newPayload(fields map[string]interface{}) *structpb.Struct {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		// fields is always constructed from plain engine state below, never from
		// external input, so this can only fire on a programming mistake.
		return &structpb.Struct{}
	}
	return s
}
