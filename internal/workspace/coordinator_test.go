package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"pgregory.net/rapid"

	"github.com/christopherjohns/metaworkspace/internal/collab"
	"github.com/christopherjohns/metaworkspace/internal/observability"
	"github.com/christopherjohns/metaworkspace/internal/presence"
	"github.com/christopherjohns/metaworkspace/internal/protocol"
	"github.com/christopherjohns/metaworkspace/internal/room"
	"github.com/christopherjohns/metaworkspace/internal/session"
	"github.com/christopherjohns/metaworkspace/internal/user"
)

// fakeTransport records frames per connection.
type fakeTransport struct {
	mu     sync.Mutex
	open   map[string]bool
	frames map[string][][]byte
	closed []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{open: make(map[string]bool), frames: make(map[string][][]byte)}
}

func (f *fakeTransport) connect(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.open[id] = true
	}
}

func (f *fakeTransport) Send(connID string, frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open[connID] {
		return false
	}
	f.frames[connID] = append(f.frames[connID], frame)
	return true
}

func (f *fakeTransport) Connections() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.open))
	for id := range f.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeTransport) Close(connID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, connID)
	f.closed = append(f.closed, connID)
}

// events returns the envelopes delivered to connID and forgets them.
func (f *fakeTransport) events(t *testing.T, connID string) []protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(f.frames[connID]))
	for _, frame := range f.frames[connID] {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		out = append(out, env)
	}
	delete(f.frames, connID)
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.frames = make(map[string][][]byte)
	f.mu.Unlock()
}

func eventTypes(envs []protocol.Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func payloadOf[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

type fixture struct {
	coord     *Coordinator
	transport *fakeTransport
	users     *user.MemoryStore
	sessions  *session.MemoryStore
	rooms     *room.MemoryStore
	collabs   *collab.MemoryStore
	metrics   *observability.Metrics
}

func newFixture(t *testing.T, userIDs ...int64) *fixture {
	t.Helper()
	f := &fixture{
		transport: newFakeTransport(),
		users:     user.NewMemoryStore(),
		sessions:  session.NewMemoryStore(),
		rooms:     room.NewMemoryStore(),
		collabs:   collab.NewMemoryStore(),
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
	}
	for _, id := range userIDs {
		f.users.Put(&user.Profile{
			ID:           id,
			GithubID:     fmt.Sprintf("gh-%d", id),
			Username:     fmt.Sprintf("user%d", id),
			AvatarConfig: datatypes.JSON(`{"color":"blue"}`),
		})
	}
	seq := 0
	f.coord = NewCoordinator(presence.NewRegistry(), f.transport, f.users,
		WithSessionStore(f.sessions),
		WithRoomStore(f.rooms),
		WithCollabStore(f.collabs),
		WithMetrics(f.metrics),
		WithSessionIDs(func() string {
			seq++
			return fmt.Sprintf("gen-%d", seq)
		}),
	)
	return f
}

func ref(id int64) *protocol.UserRef {
	r := protocol.UserRef(id)
	return &r
}

func (f *fixture) join(connID string, userID int64, sessionID string) {
	f.transport.connect(connID)
	f.coord.JoinWorkspace(context.Background(), connID, protocol.JoinWorkspace{
		UserID:    ref(userID),
		SessionID: sessionID,
	})
}

func TestConnectGreets(t *testing.T) {
	f := newFixture(t)
	f.transport.connect("c1")
	f.coord.Connect("c1")

	envs := f.transport.events(t, "c1")
	require.Len(t, envs, 1)
	assert.Equal(t, protocol.EventConnected, envs[0].Type)
	assert.JSONEq(t, `{"status":"Connected to MetaWorkspace"}`, string(envs[0].Payload))
}

func TestJoinWorkspaceAnnouncesAndSnapshots(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	f.join("a", 1, "sa")
	f.join("b", 2, "sb")
	f.transport.reset()

	f.join("c", 3, "sc")

	for _, peer := range []string{"a", "b"} {
		envs := f.transport.events(t, peer)
		require.Equal(t, []string{protocol.EventUserJoined}, eventTypes(envs), peer)
		joined := payloadOf[protocol.PresenceView](t, envs[0])
		assert.Equal(t, "sc", joined.SessionID)
		assert.Equal(t, int64(3), joined.User.ID)
		assert.JSONEq(t, `{}`, string(joined.AvatarConfig))
	}

	envs := f.transport.events(t, "c")
	require.Equal(t, []string{protocol.EventWorkspaceState}, eventTypes(envs))
	state := payloadOf[protocol.WorkspaceState](t, envs[0])
	assert.Equal(t, presence.MainRoom, state.Room)
	var sessions []string
	for _, u := range state.Users {
		sessions = append(sessions, u.SessionID)
	}
	assert.ElementsMatch(t, []string{"sa", "sb"}, sessions)
}

func TestJoinWorkspaceKeepsPositionAndAvatar(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.join("a", 1, "sa")
	f.transport.connect("b")
	f.coord.JoinWorkspace(context.Background(), "b", protocol.JoinWorkspace{
		UserID:       ref(2),
		SessionID:    "sb",
		Position:     &presence.Position{X: 1.5, Y: -2, Z: 3},
		AvatarConfig: json.RawMessage(`{"hat":"red"}`),
	})

	envs := f.transport.events(t, "a")
	require.Len(t, envs, 2)
	joined := payloadOf[protocol.PresenceView](t, envs[1])
	assert.Equal(t, presence.Position{X: 1.5, Y: -2, Z: 3}, joined.Position)
	assert.JSONEq(t, `{"hat":"red"}`, string(joined.AvatarConfig))
	assert.JSONEq(t, `{"color":"blue"}`, string(joined.User.AvatarConfig))

	row, err := f.sessions.FindBySessionID(context.Background(), "sb")
	require.NoError(t, err)
	assert.Equal(t, 1.5, row.PositionX)
	assert.Equal(t, string(presence.StatusAvailable), row.Status)
	assert.Equal(t, presence.MainRoom, row.CurrentRoom)
}

func TestJoinWorkspaceGeneratesSessionID(t *testing.T) {
	f := newFixture(t, 1)
	f.join("a", 1, "")

	rec, err := f.coord.Registry().Get("a")
	require.NoError(t, err)
	assert.Equal(t, "gen-1", rec.SessionID)
}

func TestSecondJoinOnSameConnectionIgnored(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.join("a", 1, "sa")
	f.join("b", 2, "sb")
	f.transport.reset()

	f.coord.JoinWorkspace(context.Background(), "a", protocol.JoinWorkspace{UserID: ref(1), SessionID: "other"})

	assert.Empty(t, f.transport.events(t, "a"))
	assert.Empty(t, f.transport.events(t, "b"))
	assert.Equal(t, 2, f.coord.Registry().Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsIgnored.WithLabelValues("already_joined")))
}

func TestJoinWithUnknownProfileIsSilent(t *testing.T) {
	f := newFixture(t, 1)
	f.join("a", 1, "sa")
	f.transport.reset()

	f.join("ghost", 99, "sg")

	assert.Empty(t, f.transport.events(t, "a"))
	assert.Empty(t, f.transport.events(t, "ghost"))
	_, err := f.coord.Registry().Get("ghost")
	require.NoError(t, err, "connection stays registered")
	_, err = f.sessions.FindBySessionID(context.Background(), "sg")
	assert.ErrorIs(t, err, session.ErrNotFound)

	// Later snapshots skip the unresolvable occupant.
	f.users.Put(&user.Profile{ID: 2, GithubID: "gh-2", Username: "user2"})
	f.join("b", 2, "sb")
	envs := f.transport.events(t, "b")
	require.Len(t, envs, 1)
	state := payloadOf[protocol.WorkspaceState](t, envs[0])
	require.Len(t, state.Users, 1)
	assert.Equal(t, "sa", state.Users[0].SessionID)
}

func TestSessionTakeover(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.join("old", 1, "shared")
	f.join("b", 2, "sb")
	f.transport.reset()

	f.join("new", 1, "shared")

	assert.Equal(t, []string{"old"}, f.transport.closed)
	_, err := f.coord.Registry().Get("old")
	assert.ErrorIs(t, err, presence.ErrNotFound)
	rec, err := f.coord.Registry().BySession("shared")
	require.NoError(t, err)
	assert.Equal(t, "new", rec.ConnID)

	assert.Equal(t, []string{protocol.EventUserDisconnected, protocol.EventUserJoined},
		eventTypes(f.transport.events(t, "b")))
	_, err = f.sessions.FindBySessionID(context.Background(), "shared")
	assert.NoError(t, err, "row recreated for the new connection")
}

func TestUpdatePositionNotEchoed(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.join("a", 1, "sa")
	f.join("b", 2, "sb")
	f.transport.reset()

	pos := presence.Position{X: 10, Y: 0, Z: -4}
	f.coord.UpdatePosition(context.Background(), "a", protocol.UpdatePosition{Position: &pos})

	assert.Empty(t, f.transport.events(t, "a"))
	envs := f.transport.events(t, "b")
	require.Equal(t, []string{protocol.EventPositionUpdated}, eventTypes(envs))
	got := payloadOf[protocol.PositionUpdated](t, envs[0])
	assert.Equal(t, "sa", got.SessionID)
	assert.Equal(t, pos, got.Position)

	row, err := f.sessions.FindBySessionID(context.Background(), "sa")
	require.NoError(t, err)
	assert.Equal(t, 10.0, row.PositionX)
	assert.Equal(t, -4.0, row.PositionZ)
}

func TestUpdateStatusScopedToRoom(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	f.join("a", 1, "sa")
	f.join("b", 2, "sb")
	f.join("c", 3, "sc")
	f.coord.JoinMeetingRoom(context.Background(), "a", protocol.JoinMeetingRoom{RoomID: "r1"})
	f.coord.JoinMeetingRoom(context.Background(), "b", protocol.JoinMeetingRoom{RoomID: "r1"})
	f.transport.reset()

	status := presence.StatusMeeting
	f.coord.UpdateStatus(context.Background(), "a", protocol.UpdateStatus{Status: &status})

	envs := f.transport.events(t, "b")
	require.Equal(t, []string{protocol.EventStatusUpdated}, eventTypes(envs))
	assert.Equal(t, presence.StatusMeeting, payloadOf[protocol.StatusUpdated](t, envs[0]).Status)
	assert.Empty(t, f.transport.events(t, "c"))
	assert.Empty(t, f.transport.events(t, "a"))
}

func TestEventsAfterDisconnectAreNoOps(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.join("a", 1, "sa")
	f.join("b", 2, "sb")
	f.coord.Disconnect(context.Background(), "a")
	f.transport.reset()

	pos := presence.Position{X: 1}
	f.coord.UpdatePosition(context.Background(), "a", protocol.UpdatePosition{Position: &pos})
	f.coord.JoinMeetingRoom(context.Background(), "a", protocol.JoinMeetingRoom{RoomID: "r1"})
	f.coord.ScreenShare(context.Background(), "a", true)
	f.coord.Disconnect(context.Background(), "a")

	assert.Empty(t, f.transport.events(t, "b"))
	assert.Equal(t, 1, f.coord.Registry().Len())
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.EventsIgnored.WithLabelValues("unknown_connection")))
}

func TestDisconnectNotifiesEveryone(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	f.join("a", 1, "sa")
	f.join("b", 2, "sb")
	f.coord.JoinMeetingRoom(context.Background(), "b", protocol.JoinMeetingRoom{RoomID: "r1"})
	f.transport.connect("lurker")
	f.transport.reset()

	f.coord.Disconnect(context.Background(), "a")

	for _, peer := range []string{"b", "lurker"} {
		envs := f.transport.events(t, peer)
		require.Equal(t, []string{protocol.EventUserDisconnected}, eventTypes(envs), peer)
		got := payloadOf[protocol.UserDisconnected](t, envs[0])
		assert.Equal(t, int64(1), got.UserID)
		assert.Equal(t, "sa", got.SessionID)
	}
	_, err := f.sessions.FindBySessionID(context.Background(), "sa")
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PresenceActive))
}

func TestMeetingRoomRoundTrip(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	f.join("a", 1, "sa")
	f.join("b", 2, "sb")
	f.join("c", 3, "sc")
	ctx := context.Background()
	f.coord.JoinMeetingRoom(ctx, "b", protocol.JoinMeetingRoom{RoomID: "standup"})
	f.transport.reset()

	f.coord.JoinMeetingRoom(ctx, "a", protocol.JoinMeetingRoom{RoomID: "standup"})

	envs := f.transport.events(t, "b")
	require.Equal(t, []string{protocol.EventUserJoinedRoom}, eventTypes(envs))
	joined := payloadOf[protocol.UserJoinedRoom](t, envs[0])
	assert.Equal(t, "standup", joined.RoomID)
	assert.Equal(t, "sa", joined.SessionID)

	envs = f.transport.events(t, "a")
	require.Equal(t, []string{protocol.EventRoomState}, eventTypes(envs))
	state := payloadOf[protocol.RoomState](t, envs[0])
	assert.Equal(t, "standup", state.RoomID)
	require.Len(t, state.Users, 1)
	assert.Equal(t, "sb", state.Users[0].SessionID)

	assert.Empty(t, f.transport.events(t, "c"), "lobby is not told about room moves")

	parts, err := f.rooms.Participants(ctx, "standup")
	require.NoError(t, err)
	assert.Len(t, parts, 2)

	f.coord.LeaveMeetingRoom(ctx, "a")

	envs = f.transport.events(t, "b")
	require.Equal(t, []string{protocol.EventUserLeftRoom}, eventTypes(envs))
	assert.Equal(t, "standup", payloadOf[protocol.UserLeftRoom](t, envs[0]).RoomID)
	assert.Empty(t, f.transport.events(t, "a"))
	assert.Empty(t, f.transport.events(t, "c"))

	rec, err := f.coord.Registry().Get("a")
	require.NoError(t, err)
	assert.Equal(t, presence.MainRoom, rec.CurrentRoom)
	assert.ElementsMatch(t, []string{"a", "c"}, f.coord.Registry().MembersOf(presence.MainRoom))

	row, err := f.sessions.FindBySessionID(ctx, "sa")
	require.NoError(t, err)
	assert.Equal(t, presence.MainRoom, row.CurrentRoom)
	parts, err = f.rooms.Participants(ctx, "standup")
	require.NoError(t, err)
	assert.Len(t, parts, 1)
}

func TestLeaveFromLobbyIsQuiet(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.join("a", 1, "sa")
	f.join("b", 2, "sb")
	f.transport.reset()

	f.coord.LeaveMeetingRoom(context.Background(), "a")

	assert.Empty(t, f.transport.events(t, "a"))
	assert.Empty(t, f.transport.events(t, "b"))
}

func TestSwitchingRoomsLeavesOldSilently(t *testing.T) {
	f := newFixture(t, 1, 2)
	ctx := context.Background()
	f.join("a", 1, "sa")
	f.join("b", 2, "sb")
	f.coord.JoinMeetingRoom(ctx, "a", protocol.JoinMeetingRoom{RoomID: "r1"})
	f.coord.JoinMeetingRoom(ctx, "b", protocol.JoinMeetingRoom{RoomID: "r1"})
	f.transport.reset()

	f.coord.JoinMeetingRoom(ctx, "a", protocol.JoinMeetingRoom{RoomID: "r2"})

	assert.Empty(t, f.transport.events(t, "b"))
	assert.Equal(t, []string{"b"}, f.coord.Registry().MembersOf("r1"))
	parts, err := f.rooms.Participants(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, parts, 1)
}

func TestScreenShare(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	ctx := context.Background()
	f.join("a", 1, "sa")
	f.join("b", 2, "sb")
	f.join("c", 3, "sc")
	f.coord.JoinMeetingRoom(ctx, "a", protocol.JoinMeetingRoom{RoomID: "demo"})
	f.coord.JoinMeetingRoom(ctx, "b", protocol.JoinMeetingRoom{RoomID: "demo"})
	f.transport.reset()

	f.coord.ScreenShare(ctx, "a", true)

	envs := f.transport.events(t, "b")
	require.Equal(t, []string{protocol.EventScreenShareStarted}, eventTypes(envs))
	started := payloadOf[protocol.ScreenShareStarted](t, envs[0])
	assert.Equal(t, int64(1), started.PresenterID)
	assert.Empty(t, f.transport.events(t, "a"))
	assert.Empty(t, f.transport.events(t, "c"))

	parts, err := f.rooms.Participants(ctx, "demo")
	require.NoError(t, err)
	for _, p := range parts {
		assert.Equal(t, p.UserID == 1, p.IsPresenter)
	}

	f.coord.ScreenShare(ctx, "a", false)
	assert.Equal(t, []string{protocol.EventScreenShareStopped}, eventTypes(f.transport.events(t, "b")))
}

func TestCodeCollaborationBroadcastsToAll(t *testing.T) {
	f := newFixture(t, 1, 2)
	ctx := context.Background()
	f.join("a", 1, "sa")
	f.join("b", 2, "sb")
	f.coord.JoinMeetingRoom(ctx, "b", protocol.JoinMeetingRoom{RoomID: "r1"})
	f.transport.connect("lurker")
	f.transport.reset()

	url := "https://github.com/acme/app"
	f.coord.CodeCollaborationStart(ctx, "a", protocol.CodeCollaborationStart{RepositoryURL: &url})

	assert.Empty(t, f.transport.events(t, "a"))
	for _, peer := range []string{"b", "lurker"} {
		envs := f.transport.events(t, peer)
		require.Equal(t, []string{protocol.EventCodeCollaborationStarted}, eventTypes(envs), peer)
		got := payloadOf[protocol.CodeCollaborationStarted](t, envs[0])
		assert.Equal(t, "main", got.Branch)
		assert.Equal(t, int64(1), got.HostID)
		require.NotNil(t, got.RepositoryURL)
		assert.Equal(t, url, *got.RepositoryURL)
	}

	cs, err := f.collabs.Get(ctx, "sa")
	require.NoError(t, err)
	assert.True(t, cs.IsActive)
	collaborators, err := f.collabs.Collaborators(ctx, "sa")
	require.NoError(t, err)
	require.Len(t, collaborators, 1)
	assert.Equal(t, collab.PermissionAdmin, collaborators[0].Permissions)

	f.coord.Disconnect(ctx, "a")
	cs, err = f.collabs.Get(ctx, "sa")
	require.NoError(t, err)
	assert.False(t, cs.IsActive)
}

func TestCodeCollaborationWithoutRepository(t *testing.T) {
	f := newFixture(t, 1, 2)
	ctx := context.Background()
	f.join("a", 1, "sa")
	f.join("b", 2, "sb")
	f.transport.reset()

	branch := "feature"
	f.coord.CodeCollaborationStart(ctx, "a", protocol.CodeCollaborationStart{Branch: &branch})

	envs := f.transport.events(t, "b")
	require.Len(t, envs, 1)
	assert.JSONEq(t, `{"session_id":"sa","repository_url":null,"branch":"feature","host_id":1}`, string(envs[0].Payload))
	_, err := f.collabs.Get(ctx, "sa")
	assert.ErrorIs(t, err, collab.ErrNotFound)
}

type failingSessions struct{}

func (failingSessions) Upsert(context.Context, *session.Row) error { return fmt.Errorf("db down") }
func (failingSessions) FindBySessionID(context.Context, string) (*session.Row, error) {
	return nil, fmt.Errorf("db down")
}
func (failingSessions) Delete(context.Context, string) error { return fmt.Errorf("db down") }

func TestStoreFailuresDoNotBlockTransitions(t *testing.T) {
	transport := newFakeTransport()
	users := user.NewMemoryStore()
	users.Put(&user.Profile{ID: 1, GithubID: "gh-1", Username: "one"})
	users.Put(&user.Profile{ID: 2, GithubID: "gh-2", Username: "two"})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	coord := NewCoordinator(presence.NewRegistry(), transport, users,
		WithSessionStore(failingSessions{}),
		WithMetrics(metrics),
		WithStoreTimeout(50*time.Millisecond),
	)

	transport.connect("a", "b")
	coord.JoinWorkspace(context.Background(), "a", protocol.JoinWorkspace{UserID: ref(1), SessionID: "sa"})
	coord.JoinWorkspace(context.Background(), "b", protocol.JoinWorkspace{UserID: ref(2), SessionID: "sb"})

	assert.Equal(t, []string{protocol.EventWorkspaceState, protocol.EventUserJoined},
		eventTypes(transport.events(t, "a")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.StoreErrors.WithLabelValues("upsert_session")))
}

func TestHandleDispatches(t *testing.T) {
	f := newFixture(t, 1, 2)
	ctx := context.Background()
	f.transport.connect("a", "b")

	for _, raw := range []string{
		`{"type":"join_workspace","payload":{"user_id":"1","session_id":"sa"}}`,
		`{"type":"join_workspace","payload":{"user_id":2,"session_id":"sb"}}`,
		`{"type":"join_meeting_room","payload":{"room_id":"r1"}}`,
	} {
		evt, err := protocol.Decode([]byte(raw))
		require.NoError(t, err)
		conn := "a"
		if evt.EventName() == protocol.EventJoinWorkspace && *evt.(protocol.JoinWorkspace).UserID == 2 {
			conn = "b"
		}
		f.coord.Handle(ctx, conn, evt)
	}

	assert.Equal(t, []string{"a"}, f.coord.Registry().MembersOf("r1"))
	assert.Equal(t, []string{"b"}, f.coord.Registry().MembersOf(presence.MainRoom))
}

func TestConcurrentTransitionsKeepRegistryConsistent(t *testing.T) {
	const n = 20
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	f := newFixture(t, ids...)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", i)
			f.join(conn, int64(i+1), "s"+conn)
			f.coord.JoinMeetingRoom(ctx, conn, protocol.JoinMeetingRoom{RoomID: fmt.Sprintf("r%d", i%3)})
			if i%2 == 0 {
				f.coord.LeaveMeetingRoom(ctx, conn)
			}
			if i%5 == 0 {
				f.coord.Disconnect(ctx, conn)
			}
		}(i)
	}
	wg.Wait()

	reg := f.coord.Registry()
	assert.Equal(t, n-4, reg.Len())
	total := 0
	for _, count := range reg.Occupancy() {
		total += count
	}
	assert.Equal(t, reg.Len(), total)
}

// Every lobby occupant hears about a joiner exactly once, and the joiner's
// snapshot names exactly the occupants that were there before it.
func TestPropertyJoinAnnouncements(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "joiners")
		ids := make([]int64, n)
		for i := range ids {
			ids[i] = int64(i + 1)
		}
		f := newFixture(t, ids...)

		for i := 0; i < n; i++ {
			conn := fmt.Sprintf("c%d", i)
			f.join(conn, int64(i+1), "s"+conn)

			envs := f.transport.events(t, conn)
			if len(envs) != 1 || envs[0].Type != protocol.EventWorkspaceState {
				rt.Fatalf("joiner %s got %v", conn, eventTypes(envs))
			}
			var state protocol.WorkspaceState
			require.NoError(t, json.Unmarshal(envs[0].Payload, &state))
			if len(state.Users) != i {
				rt.Fatalf("snapshot for %s has %d users, want %d", conn, len(state.Users), i)
			}
			for j := 0; j < i; j++ {
				peer := fmt.Sprintf("c%d", j)
				peerEnvs := f.transport.events(t, peer)
				if len(peerEnvs) != 1 || peerEnvs[0].Type != protocol.EventUserJoined {
					rt.Fatalf("peer %s got %v after %s joined", peer, eventTypes(peerEnvs), conn)
				}
			}
		}
	})
}
