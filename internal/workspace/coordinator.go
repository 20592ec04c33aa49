// Package workspace implements the room transition protocol: how a
// connection joins the workspace, moves between the lobby and meeting
// rooms, and leaves, and which peers hear about each step.
//
// Concurrency: every inbound event is handled under one Coordinator lock,
// held from the registry mutation through projecting snapshots and queueing
// the resulting frames. Handlers for different connections therefore never
// interleave inside a transition, and a snapshot can never name a connection
// that a concurrent disconnect already removed. Queueing is non-blocking, so
// the lock is never held across network writes.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/christopherjohns/metaworkspace/internal/collab"
	"github.com/christopherjohns/metaworkspace/internal/observability"
	"github.com/christopherjohns/metaworkspace/internal/presence"
	"github.com/christopherjohns/metaworkspace/internal/protocol"
	"github.com/christopherjohns/metaworkspace/internal/room"
	"github.com/christopherjohns/metaworkspace/internal/session"
	"github.com/christopherjohns/metaworkspace/internal/user"
)

// ConnectedStatus is the greeting sent on every new connection.
const ConnectedStatus = "Connected to MetaWorkspace"

const defaultStoreTimeout = 2 * time.Second

var emptyAvatar = json.RawMessage(`{}`)

// Coordinator applies client events to the registry and emits the
// resulting notifications.
type Coordinator struct {
	mu        sync.Mutex
	registry  *presence.Registry
	transport Transport
	broadcast *Broadcaster
	projector *Projector

	sessions session.Store
	rooms    room.Store
	collabs  collab.Store

	log          *zap.Logger
	metrics      *observability.Metrics
	storeTimeout time.Duration
	newSessionID func() string
	now          func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSessionStore mirrors presence into durable session rows.
func WithSessionStore(s session.Store) Option {
	return func(c *Coordinator) { c.sessions = s }
}

// WithRoomStore mirrors meeting room participation.
func WithRoomStore(s room.Store) Option {
	return func(c *Coordinator) { c.rooms = s }
}

// WithCollabStore records code collaboration sessions.
func WithCollabStore(s collab.Store) Option {
	return func(c *Coordinator) { c.collabs = s }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithStoreTimeout bounds each durable store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.storeTimeout = d }
}

// WithSessionIDs overrides session id generation.
func WithSessionIDs(gen func() string) Option {
	return func(c *Coordinator) { c.newSessionID = gen }
}

// WithClock overrides the time source for durable timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator wires a Coordinator over registry and transport.
// Durable stores are optional; without them only live state is kept.
func NewCoordinator(registry *presence.Registry, transport Transport, users user.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:     registry,
		transport:    transport,
		projector:    NewProjector(users),
		log:          zap.NewNop(),
		storeTimeout: defaultStoreTimeout,
		newSessionID: uuid.NewString,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.broadcast = NewBroadcaster(transport, registry, c.log, c.metrics)
	return c
}

// Registry returns the registry the coordinator mutates.
func (c *Coordinator) Registry() *presence.Registry {
	return c.registry
}

// Connect greets a freshly opened connection.
func (c *Coordinator) Connect(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcast.Send(ToConn(connID), protocol.Connected{Status: ConnectedStatus})
}

// Handle dispatches a decoded client event.
func (c *Coordinator) Handle(ctx context.Context, connID string, evt protocol.Inbound) {
	switch e := evt.(type) {
	case protocol.JoinWorkspace:
		c.JoinWorkspace(ctx, connID, e)
	case protocol.UpdatePosition:
		c.UpdatePosition(ctx, connID, e)
	case protocol.UpdateStatus:
		c.UpdateStatus(ctx, connID, e)
	case protocol.JoinMeetingRoom:
		c.JoinMeetingRoom(ctx, connID, e)
	case protocol.LeaveMeetingRoom:
		c.LeaveMeetingRoom(ctx, connID)
	case protocol.ScreenShareStart:
		c.ScreenShare(ctx, connID, true)
	case protocol.ScreenShareStop:
		c.ScreenShare(ctx, connID, false)
	case protocol.CodeCollaborationStart:
		c.CodeCollaborationStart(ctx, connID, e)
	default:
		c.log.Warn("unhandled event", zap.String("conn", connID), zap.String("event", evt.EventName()))
	}
}

// JoinWorkspace registers the connection, places it in the lobby, tells the
// lobby about it and sends it the lobby snapshot.
func (c *Coordinator) JoinWorkspace(ctx context.Context, connID string, p protocol.JoinWorkspace) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.registry.Get(connID); err == nil {
		c.ignored(connID, protocol.EventJoinWorkspace, "already_joined")
		return
	}

	userID := int64(*p.UserID)
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = c.newSessionID()
	}
	pos := presence.Position{}
	if p.Position != nil {
		pos = *p.Position
	}
	avatar := p.AvatarConfig
	if len(avatar) == 0 {
		avatar = emptyAvatar
	}

	rec, err := c.registry.Register(connID, userID, sessionID, pos, avatar)
	if errors.Is(err, presence.ErrDuplicateSession) {
		c.takeOver(ctx, sessionID)
		rec, err = c.registry.Register(connID, userID, sessionID, pos, avatar)
	}
	if err != nil {
		c.log.DPanic("register connection", zap.String("conn", connID), zap.Error(err))
		return
	}
	c.presenceChanged()
	c.log.Debug("joined workspace",
		zap.String("conn", connID),
		zap.Int64("user", userID),
		zap.String("session", sessionID))

	userView, _, err := c.projector.User(c.storeCtx(ctx), userID)
	if err != nil {
		c.log.Debug("joined without resolvable profile", zap.String("conn", connID), zap.Error(err))
		return
	}
	c.persistSession(ctx, rec, true)

	c.broadcast.Send(ToRoom(presence.MainRoom, connID), protocol.UserJoined{
		User:         userView,
		SessionID:    rec.SessionID,
		Position:     rec.Position,
		AvatarConfig: rec.AvatarConfig,
	})
	others := c.registry.ListInRoom(presence.MainRoom, connID)
	c.broadcast.Send(ToConn(connID), protocol.WorkspaceState{
		Users: c.projector.Workspace(c.storeCtx(ctx), others),
		Room:  presence.MainRoom,
	})
}

// takeOver evicts the connection currently holding sessionID so a
// reconnecting client can claim it. Must be called with c.mu held.
func (c *Coordinator) takeOver(ctx context.Context, sessionID string) {
	stale, err := c.registry.BySession(sessionID)
	if err != nil {
		return
	}
	c.log.Info("session taken over by new connection",
		zap.String("session", sessionID),
		zap.String("stale_conn", stale.ConnID))
	c.disconnectLocked(ctx, stale.ConnID)
	c.transport.Close(stale.ConnID, "session resumed elsewhere")
}

// UpdatePosition stores the new position and tells the rest of the room.
func (c *Coordinator) UpdatePosition(ctx context.Context, connID string, p protocol.UpdatePosition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos := presence.Position{}
	if p.Position != nil {
		pos = *p.Position
	}
	rec, err := c.registry.UpdatePosition(connID, pos)
	if err != nil {
		c.ignored(connID, protocol.EventUpdatePosition, "unknown_connection")
		return
	}
	c.persistSession(ctx, rec, false)
	c.broadcast.Send(ToRoom(rec.CurrentRoom, connID), protocol.PositionUpdated{
		SessionID: rec.SessionID,
		Position:  rec.Position,
	})
}

// UpdateStatus stores the new status and tells the rest of the room.
func (c *Coordinator) UpdateStatus(ctx context.Context, connID string, p protocol.UpdateStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := presence.StatusAvailable
	if p.Status != nil {
		status = *p.Status
	}
	rec, err := c.registry.UpdateStatus(connID, status)
	if err != nil {
		c.ignored(connID, protocol.EventUpdateStatus, "unknown_connection")
		return
	}
	c.persistSession(ctx, rec, false)
	c.broadcast.Send(ToRoom(rec.CurrentRoom, connID), protocol.StatusUpdated{
		SessionID: rec.SessionID,
		Status:    rec.Status,
	})
}

// JoinMeetingRoom moves the connection into p.RoomID, announces it there and
// sends it the room snapshot. The room it left is not notified.
func (c *Coordinator) JoinMeetingRoom(ctx context.Context, connID string, p protocol.JoinMeetingRoom) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, prev, err := c.registry.MoveTo(connID, p.RoomID)
	if err != nil {
		c.ignored(connID, protocol.EventJoinMeetingRoom, "unknown_connection")
		return
	}
	c.log.Debug("joined meeting room",
		zap.String("conn", connID),
		zap.String("from", prev),
		zap.String("room", rec.CurrentRoom))

	c.persistSession(ctx, rec, false)
	if prev != rec.CurrentRoom {
		c.leaveParticipation(ctx, prev, rec.UserID)
	}
	if rec.CurrentRoom != presence.MainRoom {
		c.storeOp(ctx, "add_participant", func(ctx context.Context) error {
			return c.rooms.AddParticipant(ctx, rec.CurrentRoom, rec.UserID)
		}, c.rooms != nil)
	}

	userView, _, err := c.projector.User(c.storeCtx(ctx), rec.UserID)
	if err != nil {
		c.log.Debug("room join without resolvable profile", zap.String("conn", connID), zap.Error(err))
		return
	}
	c.broadcast.Send(ToRoom(rec.CurrentRoom, connID), protocol.UserJoinedRoom{
		User:      userView,
		SessionID: rec.SessionID,
		RoomID:    rec.CurrentRoom,
	})
	others := c.registry.ListInRoom(rec.CurrentRoom, connID)
	c.broadcast.Send(ToConn(connID), protocol.RoomState{
		Users:  c.projector.Room(c.storeCtx(ctx), others),
		RoomID: rec.CurrentRoom,
	})
}

// LeaveMeetingRoom returns the connection to the lobby. Members of the room
// it left are told; the lobby is not re-announced.
func (c *Coordinator) LeaveMeetingRoom(ctx context.Context, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, prev, err := c.registry.MoveTo(connID, presence.MainRoom)
	if err != nil {
		c.ignored(connID, protocol.EventLeaveMeetingRoom, "unknown_connection")
		return
	}
	if prev != presence.MainRoom {
		c.broadcast.Send(ToRoom(prev, connID), protocol.UserLeftRoom{
			SessionID: rec.SessionID,
			RoomID:    prev,
		})
		c.leaveParticipation(ctx, prev, rec.UserID)
	}
	c.persistSession(ctx, rec, false)
}

// ScreenShare relays a presenter start/stop signal to the sender's room.
func (c *Coordinator) ScreenShare(ctx context.Context, connID string, started bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	event := protocol.EventScreenShareStop
	if started {
		event = protocol.EventScreenShareStart
	}
	rec, err := c.registry.Get(connID)
	if err != nil {
		c.ignored(connID, event, "unknown_connection")
		return
	}

	var out protocol.Outbound = protocol.ScreenShareStopped{SessionID: rec.SessionID, PresenterID: rec.UserID}
	if started {
		out = protocol.ScreenShareStarted{SessionID: rec.SessionID, PresenterID: rec.UserID}
	}
	c.broadcast.Send(ToRoom(rec.CurrentRoom, connID), out)

	if rec.CurrentRoom != presence.MainRoom {
		c.storeOp(ctx, "set_presenter", func(ctx context.Context) error {
			return c.rooms.SetPresenter(ctx, rec.CurrentRoom, rec.UserID, started)
		}, c.rooms != nil)
	}
}

// CodeCollaborationStart announces a coding session to every connection.
func (c *Coordinator) CodeCollaborationStart(ctx context.Context, connID string, p protocol.CodeCollaborationStart) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.registry.Get(connID)
	if err != nil {
		c.ignored(connID, protocol.EventCodeCollaborationStart, "unknown_connection")
		return
	}
	branch := collab.DefaultBranch
	if p.Branch != nil {
		branch = *p.Branch
	}

	c.broadcast.Send(ToAll(connID), protocol.CodeCollaborationStarted{
		SessionID:     rec.SessionID,
		RepositoryURL: p.RepositoryURL,
		Branch:        branch,
		HostID:        rec.UserID,
	})

	if p.RepositoryURL != nil && *p.RepositoryURL != "" {
		c.storeOp(ctx, "start_code_session", func(ctx context.Context) error {
			return c.collabs.Start(ctx, &collab.CodeSession{
				SessionID:     rec.SessionID,
				RepositoryURL: *p.RepositoryURL,
				Branch:        branch,
				OwnerID:       rec.UserID,
			})
		}, c.collabs != nil)
	}
}

// Disconnect removes the connection's presence and tells everyone else.
// Connections that never joined are ignored.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked(ctx, connID)
}

func (c *Coordinator) disconnectLocked(ctx context.Context, connID string) {
	rec, err := c.registry.Unregister(connID)
	if err != nil {
		return
	}
	c.presenceChanged()
	c.log.Debug("left workspace", zap.String("conn", connID), zap.String("session", rec.SessionID))

	c.storeOp(ctx, "delete_session", func(ctx context.Context) error {
		return c.sessions.Delete(ctx, rec.SessionID)
	}, c.sessions != nil)
	if rec.CurrentRoom != presence.MainRoom {
		c.leaveParticipation(ctx, rec.CurrentRoom, rec.UserID)
	}
	c.storeOp(ctx, "end_code_session", func(ctx context.Context) error {
		return c.collabs.End(ctx, rec.SessionID)
	}, c.collabs != nil)

	c.broadcast.Send(ToAll(connID), protocol.UserDisconnected{
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
	})
}

// persistSession mirrors rec into its durable row. Without create it only
// refreshes a row that already exists.
func (c *Coordinator) persistSession(ctx context.Context, rec presence.Record, create bool) {
	c.storeOp(ctx, "upsert_session", func(ctx context.Context) error {
		if !create {
			_, err := c.sessions.FindBySessionID(ctx, rec.SessionID)
			if errors.Is(err, session.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
		}
		return c.sessions.Upsert(ctx, &session.Row{
			UserID:      rec.UserID,
			SessionID:   rec.SessionID,
			PositionX:   rec.Position.X,
			PositionY:   rec.Position.Y,
			PositionZ:   rec.Position.Z,
			Status:      string(rec.Status),
			CurrentRoom: rec.CurrentRoom,
			JoinedAt:    rec.JoinedAt,
			LastPing:    c.now(),
		})
	}, c.sessions != nil)
}

func (c *Coordinator) leaveParticipation(ctx context.Context, roomID string, userID int64) {
	if roomID == presence.MainRoom {
		return
	}
	c.storeOp(ctx, "remove_participant", func(ctx context.Context) error {
		return c.rooms.RemoveParticipant(ctx, roomID, userID)
	}, c.rooms != nil)
}

// storeOp runs one durable write with its own deadline. Failures are logged
// and counted; they never abort the transition.
func (c *Coordinator) storeOp(ctx context.Context, op string, fn func(context.Context) error, enabled bool) {
	if !enabled {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
	defer cancel()
	if err := fn(sctx); err != nil {
		c.log.Error("durable store write failed", zap.String("op", op), zap.Error(err))
		if c.metrics != nil {
			c.metrics.StoreErrors.WithLabelValues(op).Inc()
		}
	}
}

// storeCtx detaches reads from the connection's lifetime; a handler runs to
// completion even if its connection is already gone.
func (c *Coordinator) storeCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (c *Coordinator) ignored(connID, event, reason string) {
	c.log.Debug("event ignored", zap.String("conn", connID), zap.String("event", event), zap.String("reason", reason))
	if c.metrics != nil {
		c.metrics.EventsIgnored.WithLabelValues(reason).Inc()
	}
}

func (c *Coordinator) presenceChanged() {
	if c.metrics != nil {
		c.metrics.PresenceActive.Set(float64(c.registry.Len()))
	}
}
