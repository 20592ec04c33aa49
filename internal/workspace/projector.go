package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/christopherjohns/metaworkspace/internal/presence"
	"github.com/christopherjohns/metaworkspace/internal/protocol"
	"github.com/christopherjohns/metaworkspace/internal/user"
)

// Projector turns presence records into the views clients receive, joining
// each record to its durable user profile.
type Projector struct {
	users user.Store
}

// NewProjector creates a Projector resolving profiles from users.
func NewProjector(users user.Store) *Projector {
	return &Projector{users: users}
}

// ProjectUser converts a profile. Absent optional fields become null.
func ProjectUser(p *user.Profile) protocol.UserView {
	v := protocol.UserView{
		ID:         p.ID,
		GithubID:   p.GithubID,
		Username:   p.Username,
		Email:      p.Email,
		CreatedAt:  isoTime(p.CreatedAt),
		LastActive: isoTime(p.LastActive),
	}
	if len(p.AvatarConfig) > 0 {
		v.AvatarConfig = json.RawMessage(p.AvatarConfig)
	}
	return v
}

// ProjectPresence combines a record with its owner's profile.
func ProjectPresence(rec presence.Record, p *user.Profile) protocol.PresenceView {
	return protocol.PresenceView{
		User:         ProjectUser(p),
		SessionID:    rec.SessionID,
		Position:     rec.Position,
		AvatarConfig: rec.AvatarConfig,
	}
}

func isoTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

// User resolves and projects the profile of userID.
func (p *Projector) User(ctx context.Context, userID int64) (protocol.UserView, *user.Profile, error) {
	profile, err := p.users.GetByID(ctx, userID)
	if err != nil {
		return protocol.UserView{}, nil, fmt.Errorf("resolve user %d: %w", userID, err)
	}
	return ProjectUser(profile), profile, nil
}

// Workspace builds a lobby snapshot. Records whose profile cannot be
// resolved are left out so one missing user does not hide the others.
func (p *Projector) Workspace(ctx context.Context, recs []presence.Record) []protocol.PresenceView {
	sortRecords(recs)
	out := make([]protocol.PresenceView, 0, len(recs))
	for _, rec := range recs {
		profile, err := p.users.GetByID(ctx, rec.UserID)
		if err != nil {
			continue
		}
		out = append(out, ProjectPresence(rec, profile))
	}
	return out
}

// Room builds a meeting room snapshot with the same omission rule as Workspace.
func (p *Projector) Room(ctx context.Context, recs []presence.Record) []protocol.RoomMemberView {
	sortRecords(recs)
	out := make([]protocol.RoomMemberView, 0, len(recs))
	for _, rec := range recs {
		profile, err := p.users.GetByID(ctx, rec.UserID)
		if err != nil {
			continue
		}
		out = append(out, protocol.RoomMemberView{
			User:      ProjectUser(profile),
			SessionID: rec.SessionID,
		})
	}
	return out
}

// sortRecords orders by join time so snapshots are stable for clients.
func sortRecords(recs []presence.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].JoinedAt.Equal(recs[j].JoinedAt) {
			return recs[i].JoinedAt.Before(recs[j].JoinedAt)
		}
		return recs[i].SessionID < recs[j].SessionID
	})
}
