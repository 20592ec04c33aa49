package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the relational Store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore over db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Start(ctx context.Context, cs *CodeSession) error {
	if cs.Branch == "" {
		cs.Branch = DefaultBranch
	}
	cs.IsActive = true
	db := s.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"repository_url", "branch", "owner_id", "is_active"}),
	}).Create(cs).Error
	if err != nil {
		return fmt.Errorf("start code session %s: %w", cs.SessionID, err)
	}

	owner := Collaborator{
		SessionID:   cs.SessionID,
		UserID:      cs.OwnerID,
		JoinedAt:    time.Now().UTC(),
		Permissions: PermissionAdmin,
	}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"permissions"}),
	}).Create(&owner).Error
	if err != nil {
		return fmt.Errorf("add owner to code session %s: %w", cs.SessionID, err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, sessionID string) (*CodeSession, error) {
	var cs CodeSession
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&cs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load code session %s: %w", sessionID, err)
	}
	return &cs, nil
}

func (s *GormStore) Collaborators(ctx context.Context, sessionID string) ([]Collaborator, error) {
	var out []Collaborator
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list collaborators of %s: %w", sessionID, err)
	}
	return out, nil
}

func (s *GormStore) End(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).Model(&CodeSession{}).
		Where("session_id = ?", sessionID).
		Update("is_active", false).Error
	if err != nil {
		return fmt.Errorf("end code session %s: %w", sessionID, err)
	}
	return nil
}
