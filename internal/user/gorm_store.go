package user

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// GormStore reads profiles from the relational store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore over db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// GetByID loads the profile with the given primary key.
func (s *GormStore) GetByID(ctx context.Context, id int64) (*Profile, error) {
	var p Profile
	err := s.db.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", id, err)
	}
	return &p, nil
}

// Create inserts a new profile.
func (s *GormStore) Create(ctx context.Context, p *Profile) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create user %s: %w", p.Username, err)
	}
	return nil
}
