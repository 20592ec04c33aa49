// Package collab records code collaboration sessions started from the
// workspace. Editing itself happens elsewhere; this is bookkeeping only.
package collab

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no code session exists for an id.
var ErrNotFound = errors.New("collab: code session not found")

// Permission levels of a collaborator.
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionAdmin = "admin"
)

// DefaultBranch is used when a session starts without a branch.
const DefaultBranch = "main"

// CodeSession is a shared repository session hosted by one user.
type CodeSession struct {
	ID            uint   `gorm:"primaryKey"`
	SessionID     string `gorm:"size:100;uniqueIndex;not null"`
	RepositoryURL string `gorm:"size:200;not null"`
	Branch        string `gorm:"size:100;default:main"`
	OwnerID       int64  `gorm:"not null"`
	CreatedAt     time.Time
	IsActive      bool `gorm:"default:true"`
}

// Collaborator is a user taking part in a code session.
type Collaborator struct {
	ID          uint   `gorm:"primaryKey"`
	SessionID   string `gorm:"size:100;not null;uniqueIndex:idx_collaborator_session_user"`
	UserID      int64  `gorm:"not null;uniqueIndex:idx_collaborator_session_user"`
	JoinedAt    time.Time
	Permissions string `gorm:"size:20;default:read"`
}

// Store persists code sessions.
//
// Start creates or reactivates the session keyed by cs.SessionID and records
// the owner as an admin collaborator. End marks a session inactive; ending an
// unknown session is not an error.
type Store interface {
	Start(ctx context.Context, cs *CodeSession) error
	Get(ctx context.Context, sessionID string) (*CodeSession, error)
	Collaborators(ctx context.Context, sessionID string) ([]Collaborator, error)
	End(ctx context.Context, sessionID string) error
}
