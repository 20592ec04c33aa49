// Package room keeps the meeting-room catalog and its live occupancy, and
// mirrors meeting participation into the durable store.
package room

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMaxParticipants applies to catalog entries that leave it unset and
// to ad hoc rooms.
const DefaultMaxParticipants = 25

// Room is a meeting room known to the workspace.
type Room struct {
	ID              string
	Name            string
	Description     string
	MaxParticipants int
	CreatedBy       int64
	CreatedAt       time.Time
	// AdHoc rooms were created by a client joining an id the catalog did not
	// list. They are dropped once empty.
	AdHoc bool

	activeUsers atomic.Int32
}

// ActiveUsers returns the number of connections currently inside the room.
func (r *Room) ActiveUsers() int {
	return int(r.activeUsers.Load())
}

// IsFull returns true if the room has reached its capacity.
func (r *Room) IsFull() bool {
	return r.ActiveUsers() >= r.MaxParticipants
}

// Summary is a point-in-time view of a room for listings.
type Summary struct {
	ID              string    `json:"room_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	MaxParticipants int       `json:"max_participants"`
	ActiveUsers     int       `json:"active_users"`
	Full            bool      `json:"full"`
	AdHoc           bool      `json:"ad_hoc"`
	CreatedBy       int64     `json:"created_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func (r *Room) summary() Summary {
	return Summary{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description,
		MaxParticipants: r.MaxParticipants,
		ActiveUsers:     r.ActiveUsers(),
		Full:            r.IsFull(),
		AdHoc:           r.AdHoc,
		CreatedBy:       r.CreatedBy,
		CreatedAt:       r.CreatedAt,
	}
}

// catalogFile is the YAML layout of the seed file.
type catalogFile struct {
	Rooms []struct {
		ID              string `yaml:"room_id"`
		Name            string `yaml:"name"`
		Description     string `yaml:"description"`
		MaxParticipants int    `yaml:"max_participants"`
		CreatedBy       int64  `yaml:"created_by"`
	} `yaml:"rooms"`
}

// Manager holds the catalog. All methods are safe for concurrent use.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewManager creates an empty room Manager.
func NewManager() *Manager {
	return &Manager{
		rooms: make(map[string]*Room),
	}
}

// LoadFile seeds the catalog from a YAML file.
func (m *Manager) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open room catalog: %w", err)
	}
	defer f.Close()
	return m.Load(f)
}

// Load seeds the catalog from YAML. Entries replace rooms with the same id.
func (m *Manager) Load(r io.Reader) error {
	var cf catalogFile
	if err := yaml.NewDecoder(r).Decode(&cf); err != nil && err != io.EOF {
		return fmt.Errorf("decode room catalog: %w", err)
	}
	for i, entry := range cf.Rooms {
		if entry.ID == "" {
			return fmt.Errorf("room catalog entry %d: room_id is required", i)
		}
		name := entry.Name
		if name == "" {
			name = entry.ID
		}
		m.Create(entry.ID, name, entry.Description, entry.CreatedBy, entry.MaxParticipants)
	}
	return nil
}

// Create adds a catalog room and returns it. A non-positive capacity
// falls back to DefaultMaxParticipants.
func (m *Manager) Create(id, name, description string, createdBy int64, maxParticipants int) *Room {
	if maxParticipants <= 0 {
		maxParticipants = DefaultMaxParticipants
	}
	r := &Room{
		ID:              id,
		Name:            name,
		Description:     description,
		MaxParticipants: maxParticipants,
		CreatedBy:       createdBy,
		CreatedAt:       time.Now().UTC(),
	}
	m.mu.Lock()
	if old, ok := m.rooms[id]; ok {
		r.activeUsers.Store(old.activeUsers.Load())
	}
	m.rooms[id] = r
	m.mu.Unlock()
	return r
}

// Get returns a room by ID, or nil if not found.
func (m *Manager) Get(id string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[id]
}

// AddActiveUsers adjusts a room's occupancy. Unknown ids become ad hoc
// rooms; an ad hoc room that empties is removed.
func (m *Manager) AddActiveUsers(id string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		if delta <= 0 {
			return
		}
		r = &Room{
			ID:              id,
			Name:            id,
			MaxParticipants: DefaultMaxParticipants,
			CreatedAt:       time.Now().UTC(),
			AdHoc:           true,
		}
		m.rooms[id] = r
	}
	n := r.activeUsers.Add(int32(delta))
	if n < 0 {
		r.activeUsers.Store(0)
		n = 0
	}
	if r.AdHoc && n == 0 {
		delete(m.rooms, id)
	}
}

// List returns every room sorted by active user count (descending), then id.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	result := make([]Summary, 0, len(m.rooms))
	for _, r := range m.rooms {
		result = append(result, r.summary())
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].ActiveUsers != result[j].ActiveUsers {
			return result[i].ActiveUsers > result[j].ActiveUsers
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Catalog returns the non ad hoc rooms.
func (m *Manager) Catalog() []Summary {
	var out []Summary
	for _, s := range m.List() {
		if !s.AdHoc {
			out = append(out, s)
		}
	}
	return out
}
