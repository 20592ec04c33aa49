package session

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps session rows in the relational store. Each call commits on
// its own; no transaction spans more than one write.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore over db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Upsert(ctx context.Context, r *Row) error {
	stamp(r)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "position_x", "position_y", "position_z", "status", "current_room", "last_ping",
		}),
	}).Create(r).Error
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", r.SessionID, err)
	}
	return nil
}

func (s *GormStore) FindBySessionID(ctx context.Context, sessionID string) (*Row, error) {
	var r Row
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return &r, nil
}

func (s *GormStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&Row{}).Error; err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}
