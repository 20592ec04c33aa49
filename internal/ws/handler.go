package ws

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Handler handles websocket upgrade requests and client read loops.
type Handler struct {
	hub            *Hub
	originPatterns []string
	readLimit      int64
	log            *zap.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithOriginPatterns restricts the origins allowed to connect. With no
// patterns every origin is accepted.
func WithOriginPatterns(patterns ...string) HandlerOption {
	return func(h *Handler) {
		h.originPatterns = patterns
	}
}

// WithReadLimit caps the size of a single client frame.
func WithReadLimit(n int64) HandlerOption {
	return func(h *Handler) {
		h.readLimit = n
	}
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) {
		h.log = l
	}
}

// NewHandler creates a new websocket Handler.
func NewHandler(hub *Hub, opts ...HandlerOption) *Handler {
	h := &Handler{
		hub: hub,
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the HTTP connection to a websocket, registers it and
// runs its read loop until the client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: h.originPatterns}
	if len(h.originPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.log.Debug("websocket accept failed", zap.Error(err))
		return
	}
	if h.readLimit > 0 {
		conn.SetReadLimit(h.readLimit)
	}

	client := &Client{
		id:         uuid.NewString(),
		conn:       conn,
		remoteAddr: r.RemoteAddr,
	}
	connCtx, err := h.hub.addClient(client)
	if err != nil {
		// Rejected connections are closed by the manager.
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	defer h.hub.removeClient(context.WithoutCancel(r.Context()), client)

	h.readLoop(r.Context(), connCtx, client)
}

// readLoop reads frames from the client until the connection closes or the
// connection manager cancels connCtx.
func (h *Handler) readLoop(ctx context.Context, connCtx context.Context, client *Client) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(connCtx, cancel)
	defer stop()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			// Normal close, reaped or context cancelled.
			return
		}
		h.hub.dispatch(ctx, client, data)
	}
}
