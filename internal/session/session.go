// Package session persists workspace session rows: the durable mirror of a
// connection's presence. The live registry stays authoritative; these rows
// exist for other services and for history.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no row exists for a session id.
var ErrNotFound = errors.New("session: not found")

// Row is one workspace session.
type Row struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	UserID      int64     `gorm:"index;not null" json:"user_id"`
	SessionID   string    `gorm:"size:100;uniqueIndex;not null" json:"session_id"`
	PositionX   float64   `gorm:"default:0" json:"position_x"`
	PositionY   float64   `gorm:"default:0" json:"position_y"`
	PositionZ   float64   `gorm:"default:0" json:"position_z"`
	Status      string    `gorm:"size:20;default:available" json:"status"`
	CurrentRoom string    `gorm:"size:50;default:main" json:"current_room"`
	JoinedAt    time.Time `json:"joined_at"`
	LastPing    time.Time `json:"last_ping"`
}

// TableName keeps the table name stable across ORM versions.
func (Row) TableName() string { return "workspace_sessions" }

// Store is the persistence backend for session rows.
//
// Upsert creates the row for r.SessionID or overwrites its mutable fields
// (position, status, room, last ping) keeping JoinedAt. Delete of a missing
// row is not an error.
type Store interface {
	Upsert(ctx context.Context, r *Row) error
	FindBySessionID(ctx context.Context, sessionID string) (*Row, error)
	Delete(ctx context.Context, sessionID string) error
}

func merge(existing, update *Row) {
	existing.UserID = update.UserID
	existing.PositionX = update.PositionX
	existing.PositionY = update.PositionY
	existing.PositionZ = update.PositionZ
	existing.Status = update.Status
	existing.CurrentRoom = update.CurrentRoom
	existing.LastPing = update.LastPing
}

func stamp(r *Row) {
	now := time.Now().UTC()
	if r.LastPing.IsZero() {
		r.LastPing = now
	}
	if r.JoinedAt.IsZero() {
		r.JoinedAt = r.LastPing
	}
}
