// Package presence tracks who is connected to the workspace and which room
// each connection occupies.
package presence

import (
	"encoding/json"
	"time"
)

// MainRoom is the default lobby every connection enters on join.
const MainRoom = "main"

// Status is a free-form availability string. The constants below are the
// values clients recognise.
type Status string

const (
	StatusAvailable Status = "available"
	StatusCoding    Status = "coding"
	StatusMeeting   Status = "meeting"
	StatusAway      Status = "away"
)

// Position is a point in the 3D workspace. No range is enforced.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Record is the live presence of one connection.
type Record struct {
	ConnID       string
	UserID       int64
	SessionID    string
	CurrentRoom  string
	Position     Position
	Status       Status
	AvatarConfig json.RawMessage
	JoinedAt     time.Time
}
