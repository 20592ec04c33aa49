// Package user resolves durable user profiles for presence projection.
package user

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
)

// ErrNotFound is returned when a user id has no profile.
var ErrNotFound = errors.New("user: profile not found")

// Profile is the durable account record of a workspace user.
type Profile struct {
	ID           int64          `gorm:"primaryKey"`
	GithubID     string         `gorm:"size:50;uniqueIndex;not null"`
	Username     string         `gorm:"size:80;uniqueIndex;not null"`
	Email        *string        `gorm:"size:120;uniqueIndex"`
	AvatarConfig datatypes.JSON `gorm:"type:text"`
	CreatedAt    time.Time
	LastActive   time.Time
}

// TableName pins the table name shared with the account service.
func (Profile) TableName() string { return "users" }

// Store looks up user profiles.
type Store interface {
	GetByID(ctx context.Context, id int64) (*Profile, error)
}
