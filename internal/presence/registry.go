package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for a connection id that is not registered.
	ErrNotFound = errors.New("presence: connection not registered")
	// ErrDuplicateConnection is returned when a connection id registers twice.
	ErrDuplicateConnection = errors.New("presence: connection already registered")
	// ErrDuplicateSession is returned when a session id is already live on
	// another connection.
	ErrDuplicateSession = errors.New("presence: session already live")
)

// RoomChangeFunc is called with +1/-1 whenever a connection enters or leaves
// a room. It runs after the registry lock is released.
type RoomChangeFunc func(roomID string, delta int)

// Registry is the authoritative in-memory record of live connections and
// the rooms they occupy. Every mutating method keeps a record's CurrentRoom
// and the membership index in agreement before it returns.
//
// Registry methods are individually atomic. Callers composing several calls
// into one transition must serialize those transitions themselves.
type Registry struct {
	mu        sync.RWMutex
	records   map[string]*Record
	bySession map[string]string
	rooms     *Index
	onChange  RoomChangeFunc
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithRoomChange installs a callback for room occupancy changes.
func WithRoomChange(fn RoomChangeFunc) Option {
	return func(r *Registry) {
		r.onChange = fn
	}
}

// WithClock overrides the time source used for JoinedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		records:   make(map[string]*Record),
		bySession: make(map[string]string),
		rooms:     NewIndex(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type roomDelta struct {
	room  string
	delta int
}

func (r *Registry) notify(deltas ...roomDelta) {
	if r.onChange == nil {
		return
	}
	for _, d := range deltas {
		r.onChange(d.room, d.delta)
	}
}

// Register creates the presence record for connID and places it in MainRoom.
func (r *Registry) Register(connID string, userID int64, sessionID string, pos Position, avatar json.RawMessage) (Record, error) {
	r.mu.Lock()
	if _, ok := r.records[connID]; ok {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("register %s: %w", connID, ErrDuplicateConnection)
	}
	if owner, ok := r.bySession[sessionID]; ok {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("register %s: session %s held by %s: %w", connID, sessionID, owner, ErrDuplicateSession)
	}
	rec := &Record{
		ConnID:       connID,
		UserID:       userID,
		SessionID:    sessionID,
		CurrentRoom:  MainRoom,
		Position:     pos,
		Status:       StatusAvailable,
		AvatarConfig: avatar,
		JoinedAt:     r.now(),
	}
	r.records[connID] = rec
	r.bySession[sessionID] = connID
	r.rooms.Add(MainRoom, connID)
	out := *rec
	r.mu.Unlock()

	r.notify(roomDelta{MainRoom, 1})
	return out, nil
}

// Get returns a copy of the record for connID.
func (r *Registry) Get(connID string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[connID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// BySession returns the live record holding sessionID.
func (r *Registry) BySession(sessionID string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.bySession[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *r.records[connID], nil
}

// UpdatePosition stores pos on the record and returns the updated copy.
func (r *Registry) UpdatePosition(connID string, pos Position) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[connID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Position = pos
	return *rec, nil
}

// UpdateStatus stores status on the record and returns the updated copy.
func (r *Registry) UpdateStatus(connID string, status Status) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[connID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Status = status
	return *rec, nil
}

// MoveTo moves connID out of its current room and into roomID in one step.
// It returns the updated record and the room it left. Moving into the room
// the connection already occupies is allowed and changes nothing.
func (r *Registry) MoveTo(connID, roomID string) (Record, string, error) {
	r.mu.Lock()
	rec, ok := r.records[connID]
	if !ok {
		r.mu.Unlock()
		return Record{}, "", ErrNotFound
	}
	prev := rec.CurrentRoom
	var deltas []roomDelta
	if prev != roomID {
		if r.rooms.Remove(prev, connID) {
			deltas = append(deltas, roomDelta{prev, -1})
		}
		rec.CurrentRoom = roomID
	}
	if r.rooms.Add(roomID, connID) {
		deltas = append(deltas, roomDelta{roomID, 1})
	}
	out := *rec
	r.mu.Unlock()

	r.notify(deltas...)
	return out, prev, nil
}

// Unregister removes connID from the registry and from its room, returning
// the removed record.
func (r *Registry) Unregister(connID string) (Record, error) {
	r.mu.Lock()
	rec, ok := r.records[connID]
	if !ok {
		r.mu.Unlock()
		return Record{}, ErrNotFound
	}
	delete(r.records, connID)
	if r.bySession[rec.SessionID] == connID {
		delete(r.bySession, rec.SessionID)
	}
	removed := r.rooms.Remove(rec.CurrentRoom, connID)
	out := *rec
	r.mu.Unlock()

	if removed {
		r.notify(roomDelta{out.CurrentRoom, -1})
	}
	return out, nil
}

// ListInRoom returns a snapshot of the records in roomID, leaving out
// excluding when it is non-empty. Order is unspecified.
func (r *Registry) ListInRoom(roomID, excluding string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms.rooms[roomID]
	out := make([]Record, 0, len(members))
	for connID := range members {
		if connID == excluding {
			continue
		}
		out = append(out, *r.records[connID])
	}
	return out
}

// MembersOf returns the connection ids currently in roomID.
func (r *Registry) MembersOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms.rooms[roomID]
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	return out
}

// List returns a snapshot of every live record.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// Occupancy returns the member count of every non-empty room.
func (r *Registry) Occupancy() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int)
	for _, id := range r.rooms.Rooms() {
		out[id] = r.rooms.Count(id)
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Clear drops every record and room. Used at shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.records = make(map[string]*Record)
	r.bySession = make(map[string]string)
	r.rooms.Reset()
	r.mu.Unlock()
}

// checkInvariant verifies that each record's CurrentRoom is the single room
// holding it, and that no room holds an unknown connection.
func (r *Registry) checkInvariant() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for connID, rec := range r.records {
		rooms := r.rooms.RoomsOf(connID)
		if len(rooms) != 1 || rooms[0] != rec.CurrentRoom {
			return fmt.Errorf("connection %s has current room %q but is in %v", connID, rec.CurrentRoom, rooms)
		}
	}
	for _, id := range r.rooms.Rooms() {
		for connID := range r.rooms.rooms[id] {
			if _, ok := r.records[connID]; !ok {
				return fmt.Errorf("room %s holds unregistered connection %s", id, connID)
			}
		}
	}
	return nil
}
