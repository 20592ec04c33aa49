package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MeetingRoom is the durable row of a catalog room.
type MeetingRoom struct {
	ID              uint   `gorm:"primaryKey"`
	RoomID          string `gorm:"size:50;uniqueIndex;not null"`
	Name            string `gorm:"size:100;not null"`
	Description     string `gorm:"type:text"`
	MaxParticipants int    `gorm:"default:25"`
	IsActive        bool   `gorm:"default:true"`
	CreatedBy       int64
	CreatedAt       time.Time
}

// Participant is the durable row of a user inside a meeting room.
type Participant struct {
	ID           uint   `gorm:"primaryKey"`
	RoomID       string `gorm:"size:50;not null;uniqueIndex:idx_participant_room_user"`
	UserID       int64  `gorm:"not null;uniqueIndex:idx_participant_room_user"`
	JoinedAt     time.Time
	IsPresenter  bool
	IsMuted      bool
	VideoEnabled bool `gorm:"default:true"`
}

// TableName keeps the table name stable across ORM versions.
func (Participant) TableName() string { return "meeting_participants" }

// Store mirrors meeting participation. Adding a participant that already
// exists refreshes it; removing a missing one is not an error.
type Store interface {
	AddParticipant(ctx context.Context, roomID string, userID int64) error
	RemoveParticipant(ctx context.Context, roomID string, userID int64) error
	SetPresenter(ctx context.Context, roomID string, userID int64, presenting bool) error
	Participants(ctx context.Context, roomID string) ([]Participant, error)
}

// GormStore is the relational Store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore over db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AddParticipant(ctx context.Context, roomID string, userID int64) error {
	p := Participant{RoomID: roomID, UserID: userID, JoinedAt: time.Now().UTC(), VideoEnabled: true}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"joined_at", "is_presenter"}),
	}).Create(&p).Error
	if err != nil {
		return fmt.Errorf("add participant %d to %s: %w", userID, roomID, err)
	}
	return nil
}

func (s *GormStore) RemoveParticipant(ctx context.Context, roomID string, userID int64) error {
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&Participant{}).Error
	if err != nil {
		return fmt.Errorf("remove participant %d from %s: %w", userID, roomID, err)
	}
	return nil
}

func (s *GormStore) SetPresenter(ctx context.Context, roomID string, userID int64, presenting bool) error {
	err := s.db.WithContext(ctx).Model(&Participant{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Update("is_presenter", presenting).Error
	if err != nil {
		return fmt.Errorf("set presenter %d in %s: %w", userID, roomID, err)
	}
	return nil
}

func (s *GormStore) Participants(ctx context.Context, roomID string) ([]Participant, error) {
	var out []Participant
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("joined_at").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list participants of %s: %w", roomID, err)
	}
	return out, nil
}

// SyncCatalog writes catalog rooms as MeetingRoom rows, updating rooms that
// already exist.
func (s *GormStore) SyncCatalog(ctx context.Context, rooms []Summary) error {
	for _, r := range rooms {
		row := MeetingRoom{
			RoomID:          r.ID,
			Name:            r.Name,
			Description:     r.Description,
			MaxParticipants: r.MaxParticipants,
			IsActive:        true,
			CreatedBy:       r.CreatedBy,
		}
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "description", "max_participants"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("sync room %s: %w", r.ID, err)
		}
	}
	return nil
}

type participantKey struct {
	room string
	user int64
}

// MemoryStore keeps participants in process memory.
type MemoryStore struct {
	mu           sync.Mutex
	participants map[participantKey]*Participant
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{participants: make(map[participantKey]*Participant)}
}

func (s *MemoryStore) AddParticipant(_ context.Context, roomID string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[participantKey{roomID, userID}] = &Participant{
		RoomID:       roomID,
		UserID:       userID,
		JoinedAt:     time.Now().UTC(),
		VideoEnabled: true,
	}
	return nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, roomID string, userID int64) error {
	s.mu.Lock()
	delete(s.participants, participantKey{roomID, userID})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetPresenter(_ context.Context, roomID string, userID int64, presenting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[participantKey{roomID, userID}]; ok {
		p.IsPresenter = presenting
	}
	return nil
}

func (s *MemoryStore) Participants(_ context.Context, roomID string) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Participant
	for k, p := range s.participants {
		if k.room == roomID {
			out = append(out, *p)
		}
	}
	return out, nil
}
