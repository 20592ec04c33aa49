package protocol

import (
	"encoding/json"

	"github.com/christopherjohns/metaworkspace/internal/presence"
)

// Outbound event names.
const (
	EventConnected                = "connected"
	EventUserJoined               = "user_joined"
	EventWorkspaceState           = "workspace_state"
	EventPositionUpdated          = "position_updated"
	EventStatusUpdated            = "status_updated"
	EventUserJoinedRoom           = "user_joined_room"
	EventRoomState                = "room_state"
	EventUserLeftRoom             = "user_left_room"
	EventUserDisconnected         = "user_disconnected"
	EventScreenShareStarted       = "screen_share_started"
	EventScreenShareStopped       = "screen_share_stopped"
	EventCodeCollaborationStarted = "code_collaboration_started"
)

// UserView is the client-facing form of a durable user profile.
type UserView struct {
	ID           int64           `json:"id"`
	GithubID     string          `json:"github_id"`
	Username     string          `json:"username"`
	Email        *string         `json:"email"`
	AvatarConfig json.RawMessage `json:"avatar_config"`
	CreatedAt    *string         `json:"created_at"`
	LastActive   *string         `json:"last_active"`
}

// PresenceView is one occupant in a workspace snapshot.
type PresenceView struct {
	User         UserView          `json:"user"`
	SessionID    string            `json:"session_id"`
	Position     presence.Position `json:"position"`
	AvatarConfig json.RawMessage   `json:"avatar_config"`
}

// RoomMemberView is one occupant in a meeting room snapshot.
type RoomMemberView struct {
	User      UserView `json:"user"`
	SessionID string   `json:"session_id"`
}

type Connected struct {
	Status string `json:"status"`
}

func (Connected) EventName() string { return EventConnected }

// UserJoined tells lobby members that someone entered the workspace.
type UserJoined PresenceView

func (UserJoined) EventName() string { return EventUserJoined }

// WorkspaceState is the lobby snapshot sent to a joining connection.
type WorkspaceState struct {
	Users []PresenceView `json:"users"`
	Room  string         `json:"room"`
}

func (WorkspaceState) EventName() string { return EventWorkspaceState }

type PositionUpdated struct {
	SessionID string            `json:"session_id"`
	Position  presence.Position `json:"position"`
}

func (PositionUpdated) EventName() string { return EventPositionUpdated }

type StatusUpdated struct {
	SessionID string          `json:"session_id"`
	Status    presence.Status `json:"status"`
}

func (StatusUpdated) EventName() string { return EventStatusUpdated }

type UserJoinedRoom struct {
	User      UserView `json:"user"`
	SessionID string   `json:"session_id"`
	RoomID    string   `json:"room_id"`
}

func (UserJoinedRoom) EventName() string { return EventUserJoinedRoom }

// RoomState is the meeting room snapshot sent to a joining connection.
type RoomState struct {
	Users  []RoomMemberView `json:"users"`
	RoomID string           `json:"room_id"`
}

func (RoomState) EventName() string { return EventRoomState }

type UserLeftRoom struct {
	SessionID string `json:"session_id"`
	RoomID    string `json:"room_id"`
}

func (UserLeftRoom) EventName() string { return EventUserLeftRoom }

type UserDisconnected struct {
	UserID    int64  `json:"user_id"`
	SessionID string `json:"session_id"`
}

func (UserDisconnected) EventName() string { return EventUserDisconnected }

type ScreenShareStarted struct {
	SessionID   string `json:"session_id"`
	PresenterID int64  `json:"presenter_id"`
}

func (ScreenShareStarted) EventName() string { return EventScreenShareStarted }

type ScreenShareStopped struct {
	SessionID   string `json:"session_id"`
	PresenterID int64  `json:"presenter_id"`
}

func (ScreenShareStopped) EventName() string { return EventScreenShareStopped }

type CodeCollaborationStarted struct {
	SessionID     string  `json:"session_id"`
	RepositoryURL *string `json:"repository_url"`
	Branch        string  `json:"branch"`
	HostID        int64   `json:"host_id"`
}

func (CodeCollaborationStarted) EventName() string { return EventCodeCollaborationStarted }
