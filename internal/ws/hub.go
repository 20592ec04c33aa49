package ws

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/metaworkspace/internal/observability"
	"github.com/christopherjohns/metaworkspace/internal/protocol"
	"github.com/christopherjohns/metaworkspace/internal/workspace"
)

// Client represents one open websocket connection.
type Client struct {
	id         string
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Hub joins the transport to the workspace: connections registered here are
// greeted, their frames decoded and handed to the coordinator, and their
// presence torn down when they go away.
type Hub struct {
	conns   *ConnManager
	coord   *workspace.Coordinator
	log     *zap.Logger
	metrics *observability.Metrics
}

// NewHub creates a Hub. coord must have been built over conns as its
// transport.
func NewHub(conns *ConnManager, coord *workspace.Coordinator, log *zap.Logger, metrics *observability.Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		conns:   conns,
		coord:   coord,
		log:     log,
		metrics: metrics,
	}
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// addClient registers a client, starts its write pump and greets it.
// Returns a context that is cancelled when the client is removed.
func (h *Hub) addClient(c *Client) (context.Context, error) {
	ctx, err := h.conns.Add(c)
	if err != nil {
		return nil, err
	}
	h.log.Debug("client connected", zap.String("conn", c.id), zap.String("remote", c.remoteAddr))
	h.coord.Connect(c.id)
	return ctx, nil
}

// removeClient tears down the client's presence, then stops its write pump.
// ctx should outlive the connection so durable cleanup can finish.
func (h *Hub) removeClient(ctx context.Context, c *Client) {
	h.coord.Disconnect(ctx, c.id)
	h.conns.Remove(c.id)
	h.log.Debug("client disconnected", zap.String("conn", c.id))
}

// dispatch decodes one client frame and applies it. Frames that do not
// decode are dropped without a reply.
func (h *Hub) dispatch(ctx context.Context, c *Client, data []byte) {
	h.conns.TouchActivity(c.id)

	evt, err := protocol.Decode(data)
	if err != nil {
		reason := "malformed_payload"
		if errors.Is(err, protocol.ErrUnknownEvent) {
			reason = "unknown_event"
		}
		h.log.Debug("dropping client frame", zap.String("conn", c.id), zap.String("reason", reason), zap.Error(err))
		if h.metrics != nil {
			h.metrics.EventsIgnored.WithLabelValues(reason).Inc()
		}
		return
	}
	if h.metrics != nil {
		h.metrics.EventsReceived.WithLabelValues(evt.EventName()).Inc()
	}
	h.coord.Handle(ctx, c.id, evt)
}
