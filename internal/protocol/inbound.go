package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/christopherjohns/metaworkspace/internal/presence"
)

// Inbound event names.
const (
	EventJoinWorkspace          = "join_workspace"
	EventUpdatePosition         = "update_position"
	EventUpdateStatus           = "update_status"
	EventJoinMeetingRoom        = "join_meeting_room"
	EventLeaveMeetingRoom       = "leave_meeting_room"
	EventScreenShareStart       = "screen_share_start"
	EventScreenShareStop        = "screen_share_stop"
	EventCodeCollaborationStart = "code_collaboration_start"
)

// Inbound is a decoded client event.
type Inbound interface {
	EventName() string
}

// UserRef is a user id that clients may send either as a JSON number or as
// a numeric string.
type UserRef int64

func (u *UserRef) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("user id %s: %w", data, err)
	}
	*u = UserRef(id)
	return nil
}

// JoinWorkspace enters the workspace lobby.
type JoinWorkspace struct {
	UserID       *UserRef           `json:"user_id"`
	SessionID    string             `json:"session_id,omitempty"`
	Position     *presence.Position `json:"position,omitempty"`
	AvatarConfig json.RawMessage    `json:"avatar_config,omitempty"`
}

func (JoinWorkspace) EventName() string { return EventJoinWorkspace }

// UpdatePosition moves the sender in 3D space.
type UpdatePosition struct {
	Position *presence.Position `json:"position,omitempty"`
}

func (UpdatePosition) EventName() string { return EventUpdatePosition }

// UpdateStatus changes the sender's availability.
type UpdateStatus struct {
	Status *presence.Status `json:"status,omitempty"`
}

func (UpdateStatus) EventName() string { return EventUpdateStatus }

// JoinMeetingRoom moves the sender into a meeting room.
type JoinMeetingRoom struct {
	RoomID string `json:"room_id"`
}

func (JoinMeetingRoom) EventName() string { return EventJoinMeetingRoom }

// LeaveMeetingRoom returns the sender to the lobby.
type LeaveMeetingRoom struct{}

func (LeaveMeetingRoom) EventName() string { return EventLeaveMeetingRoom }

// ScreenShareStart signals that the sender began presenting.
type ScreenShareStart struct{}

func (ScreenShareStart) EventName() string { return EventScreenShareStart }

// ScreenShareStop signals that the sender stopped presenting.
type ScreenShareStop struct{}

func (ScreenShareStop) EventName() string { return EventScreenShareStop }

// CodeCollaborationStart announces a shared coding session.
type CodeCollaborationStart struct {
	RepositoryURL *string `json:"repository_url,omitempty"`
	Branch        *string `json:"branch,omitempty"`
}

func (CodeCollaborationStart) EventName() string { return EventCodeCollaborationStart }

// Decode parses a client frame into its typed event. Required fields are
// checked here so handlers only ever see well-formed events.
func Decode(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var evt Inbound
	switch env.Type {
	case EventJoinWorkspace:
		var p JoinWorkspace
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.UserID == nil {
			return nil, fmt.Errorf("%w: %s requires user_id", ErrMalformedPayload, env.Type)
		}
		evt = p
	case EventUpdatePosition:
		var p UpdatePosition
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		evt = p
	case EventUpdateStatus:
		var p UpdateStatus
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		evt = p
	case EventJoinMeetingRoom:
		var p JoinMeetingRoom
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.RoomID == "" {
			return nil, fmt.Errorf("%w: %s requires room_id", ErrMalformedPayload, env.Type)
		}
		evt = p
	case EventLeaveMeetingRoom:
		evt = LeaveMeetingRoom{}
	case EventScreenShareStart:
		evt = ScreenShareStart{}
	case EventScreenShareStop:
		evt = ScreenShareStop{}
	case EventCodeCollaborationStart:
		var p CodeCollaborationStart
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		evt = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	return evt, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
