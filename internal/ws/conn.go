package ws

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/metaworkspace/internal/observability"
)

const (
	// defaultSendBuffer is the number of frames that can be queued per client.
	defaultSendBuffer = 64

	// defaultWriteTimeout is the max time to wait for a single write to complete.
	defaultWriteTimeout = 5 * time.Second

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

var (
	// ErrShuttingDown is returned by Add once Shutdown has been called.
	ErrShuttingDown = errors.New("ws: server shutting down")
	// ErrAtCapacity is returned by Add when the connection limit is reached.
	ErrAtCapacity = errors.New("ws: server at capacity")
)

// connEntry holds per-connection metadata alongside the cancel function.
type connEntry struct {
	client      *Client
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int   `json:"active"`
	MaxConns        int   `json:"max_conns"`
	Rejected        int64 `json:"rejected"`
	DroppedMessages int64 `json:"dropped_messages"`
	IdleReaped      int64 `json:"idle_reaped"`
}

// ConnManager tracks all open websocket connections by id. It owns each
// connection's buffered send channel and write pump, enforces the connection
// limit and reaps idle connections.
//
// ConnManager implements workspace.Transport.
type ConnManager struct {
	mu           sync.Mutex
	clients      map[string]*connEntry
	closed       bool
	maxConns     int
	idleTTL      time.Duration
	sendBuffer   int
	writeTimeout time.Duration
	stopIdle     context.CancelFunc

	log     *zap.Logger
	metrics *observability.Metrics

	rejected        atomic.Int64
	droppedMessages atomic.Int64
	idleReaped      atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection can stay silent before it is
// closed. A value of 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// WithSendBuffer sets the per-connection queue length.
func WithSendBuffer(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		if n > 0 {
			cm.sendBuffer = n
		}
	}
}

// WithWriteTimeout bounds each websocket write.
func WithWriteTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		if d > 0 {
			cm.writeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.log = l
	}
}

// WithMetrics enables connection gauges and counters.
func WithMetrics(m *observability.Metrics) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.metrics = m
	}
}

// NewConnManager creates a new connection manager with optional configuration.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients:      make(map[string]*connEntry),
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Add registers a client and starts its write pump. The returned context is
// cancelled when the client is removed or the manager shuts down; the read
// loop should stop when it is done. A rejected client's socket is closed in
// the background and the error says why.
func (cm *ConnManager) Add(c *Client) (context.Context, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		cm.reject(c, "shutting_down")
		go c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return nil, ErrShuttingDown
	}
	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.reject(c, "capacity")
		go c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		return nil, ErrAtCapacity
	}

	now := time.Now()
	c.send = make(chan []byte, cm.sendBuffer)
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c.id] = &connEntry{
		client:      c,
		cancel:      cancel,
		connectedAt: now,
		lastActive:  now,
	}
	cm.gauge()

	go cm.writePump(ctx, c)

	return ctx, nil
}

// reject must be called with cm.mu held.
func (cm *ConnManager) reject(c *Client, reason string) {
	cm.rejected.Add(1)
	cm.log.Warn("connection rejected", zap.String("conn", c.id), zap.String("reason", reason))
	if cm.metrics != nil {
		cm.metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
	}
}

// Remove stops a client's write pump and forgets it. Removing an unknown
// client is a no-op.
func (cm *ConnManager) Remove(connID string) {
	cm.mu.Lock()
	entry := cm.detach(connID)
	cm.mu.Unlock()

	if entry != nil {
		entry.cancel()
	}
}

// detach must be called with cm.mu held. Closing send under the lock keeps
// Send from writing to a closed channel.
func (cm *ConnManager) detach(connID string) *connEntry {
	entry, ok := cm.clients[connID]
	if !ok {
		return nil
	}
	delete(cm.clients, connID)
	close(entry.client.send)
	cm.gauge()
	return entry
}

// Send queues a frame for delivery. It returns false if the connection is
// unknown or its buffer is full.
func (cm *ConnManager) Send(connID string, frame []byte) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	entry, ok := cm.clients[connID]
	if !ok {
		return false
	}
	select {
	case entry.client.send <- frame:
		return true
	default:
		cm.droppedMessages.Add(1)
		cm.log.Warn("send buffer full, dropping frame", zap.String("conn", connID))
		return false
	}
}

// Connections returns the ids of all open connections in sorted order.
func (cm *ConnManager) Connections() []string {
	cm.mu.Lock()
	ids := make([]string, 0, len(cm.clients))
	for id := range cm.clients {
		ids = append(ids, id)
	}
	cm.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close removes connID and closes its socket with StatusPolicyViolation.
// The close handshake runs in the background so callers holding locks are
// not stalled by a slow peer.
func (cm *ConnManager) Close(connID, reason string) {
	cm.mu.Lock()
	entry := cm.detach(connID)
	cm.mu.Unlock()

	if entry == nil {
		return
	}
	entry.cancel()
	go entry.client.conn.Close(websocket.StatusPolicyViolation, reason)
}

// TouchActivity updates the last-active timestamp for a connection.
func (cm *ConnManager) TouchActivity(connID string) {
	cm.mu.Lock()
	if entry, ok := cm.clients[connID]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
		IdleReaped:      cm.idleReaped.Load(),
	}
}

// ConnInfo holds metadata about a single connection.
type ConnInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	LastActive  time.Time `json:"last_active"`
	IdleSeconds float64   `json:"idle_seconds"`
}

// Clients returns metadata for all active connections, oldest first.
func (cm *ConnManager) Clients() []ConnInfo {
	cm.mu.Lock()
	now := time.Now()
	result := make([]ConnInfo, 0, len(cm.clients))
	for id, entry := range cm.clients {
		result = append(result, ConnInfo{
			ID:          id,
			RemoteAddr:  entry.client.remoteAddr,
			ConnectedAt: entry.connectedAt,
			LastActive:  entry.lastActive,
			IdleSeconds: now.Sub(entry.lastActive).Seconds(),
		})
	}
	cm.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].ConnectedAt.Equal(result[j].ConnectedAt) {
			return result[i].ConnectedAt.Before(result[j].ConnectedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Shutdown closes every connection with StatusGoingAway and refuses new ones.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	entries := make([]*connEntry, 0, len(cm.clients))
	for id := range cm.clients {
		entries = append(entries, cm.detach(id))
	}
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	for _, entry := range entries {
		entry.cancel()
		entry.client.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (cm *ConnManager) gauge() {
	if cm.metrics != nil {
		cm.metrics.ConnectionsActive.Set(float64(len(cm.clients)))
	}
}

// idleReapLoop periodically checks for and closes idle connections.
func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
func (cm *ConnManager) reapIdle() {
	cm.mu.Lock()
	now := time.Now()
	var stale []*connEntry
	for id, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale = append(stale, cm.detach(id))
		}
	}
	cm.mu.Unlock()

	for _, entry := range stale {
		entry.cancel()
		entry.client.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
		cm.idleReaped.Add(1)
		cm.log.Info("reaped idle connection", zap.String("conn", entry.client.id))
	}
}

// writePump drains the client's send channel, writing each frame to the
// socket. It exits when ctx is cancelled, the channel is closed or a write
// fails.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, cm.writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				cm.log.Debug("write failed", zap.String("conn", c.id), zap.Error(err))
				return
			}
		}
	}
}
