package presence

import "sort"

// Index maps room ids to the set of connection ids inside them.
// It is not safe for concurrent use on its own; Registry guards it.
type Index struct {
	rooms map[string]map[string]struct{}
}

// NewIndex creates an empty membership index.
func NewIndex() *Index {
	return &Index{rooms: make(map[string]map[string]struct{})}
}

// Add puts connID into roomID. Adding a present member is a no-op.
// It reports whether the set changed.
func (ix *Index) Add(roomID, connID string) bool {
	members, ok := ix.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		ix.rooms[roomID] = members
	}
	if _, ok := members[connID]; ok {
		return false
	}
	members[connID] = struct{}{}
	return true
}

// Remove takes connID out of roomID. Removing an absent member is a no-op.
// A room whose last member leaves is pruned. It reports whether the set changed.
func (ix *Index) Remove(roomID, connID string) bool {
	members, ok := ix.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(ix.rooms, roomID)
	}
	return true
}

// MembersOf returns a copy of the member set. Unknown rooms yield an empty set.
func (ix *Index) MembersOf(roomID string) map[string]struct{} {
	members := ix.rooms[roomID]
	out := make(map[string]struct{}, len(members))
	for id := range members {
		out[id] = struct{}{}
	}
	return out
}

// Contains reports whether connID is a member of roomID.
func (ix *Index) Contains(roomID, connID string) bool {
	_, ok := ix.rooms[roomID][connID]
	return ok
}

// Count returns the number of members in roomID.
func (ix *Index) Count(roomID string) int {
	return len(ix.rooms[roomID])
}

// Rooms returns the ids of all non-empty rooms, sorted.
func (ix *Index) Rooms() []string {
	ids := make([]string, 0, len(ix.rooms))
	for id := range ix.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RoomsOf returns every room whose set contains connID. When the registry
// invariant holds the result has at most one element.
func (ix *Index) RoomsOf(connID string) []string {
	var out []string
	for id, members := range ix.rooms {
		if _, ok := members[connID]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Reset drops every room.
func (ix *Index) Reset() {
	ix.rooms = make(map[string]map[string]struct{})
}
