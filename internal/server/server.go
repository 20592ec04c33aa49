// Package server wires the workspace components together and serves them
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/christopherjohns/metaworkspace/internal/collab"
	"github.com/christopherjohns/metaworkspace/internal/config"
	"github.com/christopherjohns/metaworkspace/internal/observability"
	"github.com/christopherjohns/metaworkspace/internal/presence"
	"github.com/christopherjohns/metaworkspace/internal/ratelimit"
	"github.com/christopherjohns/metaworkspace/internal/room"
	"github.com/christopherjohns/metaworkspace/internal/session"
	"github.com/christopherjohns/metaworkspace/internal/user"
	"github.com/christopherjohns/metaworkspace/internal/workspace"
	"github.com/christopherjohns/metaworkspace/internal/ws"
)

const catalogSyncTimeout = 10 * time.Second

// Server is the main HTTP server for the workspace.
type Server struct {
	cfg        config.Config
	log        *zap.Logger
	mux        *http.ServeMux
	httpServer *http.Server

	promRegistry *prometheus.Registry
	metrics      *observability.Metrics

	rdb   redis.Cmdable
	db    *gorm.DB
	users user.Store

	registry *presence.Registry
	rooms    *room.Manager
	conns    *ws.ConnManager
	coord    *workspace.Coordinator
	hub      *ws.Hub
	limiter  *ratelimit.IPLimiter
}

// Option configures a Server.
type Option func(*Server)

// WithRedis keeps durable session rows in Redis instead of the database.
func WithRedis(rdb redis.Cmdable) Option {
	return func(s *Server) {
		s.rdb = rdb
	}
}

// WithDatabase backs users, sessions, meeting rooms and code sessions with db.
func WithDatabase(db *gorm.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// WithUserStore overrides where user profiles are resolved from.
func WithUserStore(users user.Store) Option {
	return func(s *Server) {
		s.users = users
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithPrometheusRegistry registers metrics with reg and serves it on /metrics.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.promRegistry = reg
	}
}

// New builds the server from cfg. Without a database every store is kept in
// memory.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg: cfg,
		log: zap.NewNop(),
		mux: http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.promRegistry == nil {
		s.promRegistry = prometheus.NewRegistry()
	}
	s.metrics = observability.NewMetrics(s.promRegistry)

	s.rooms = room.NewManager()
	if cfg.Rooms.CatalogFile != "" {
		if err := s.rooms.LoadFile(cfg.Rooms.CatalogFile); err != nil {
			return nil, err
		}
	}
	s.registry = presence.NewRegistry(presence.WithRoomChange(s.roomChanged))

	coordOpts, err := s.stores(ctx)
	if err != nil {
		return nil, err
	}

	wsLog := s.log.Named("ws")
	s.conns = ws.NewConnManager(
		ws.WithMaxConns(cfg.Websocket.MaxConns),
		ws.WithIdleTimeout(cfg.Websocket.IdleTimeout),
		ws.WithSendBuffer(cfg.Websocket.SendBuffer),
		ws.WithWriteTimeout(cfg.Websocket.WriteTimeout),
		ws.WithLogger(wsLog),
		ws.WithMetrics(s.metrics),
	)
	s.coord = workspace.NewCoordinator(s.registry, s.conns, s.users, coordOpts...)
	s.hub = ws.NewHub(s.conns, s.coord, wsLog, s.metrics)
	s.limiter = ratelimit.NewIPLimiter(cfg.RateLimit.Connects, cfg.RateLimit.Window)

	s.routes()
	return s, nil
}

// stores picks a backend for each durable store and returns the coordinator
// options that install them.
func (s *Server) stores(ctx context.Context) ([]workspace.Option, error) {
	opts := []workspace.Option{
		workspace.WithLogger(s.log.Named("workspace")),
		workspace.WithMetrics(s.metrics),
	}

	switch {
	case s.rdb != nil:
		opts = append(opts, workspace.WithSessionStore(session.NewRedisStore(s.rdb, s.cfg.Redis.SessionTTL)))
	case s.db != nil:
		opts = append(opts, workspace.WithSessionStore(session.NewGormStore(s.db)))
	default:
		opts = append(opts, workspace.WithSessionStore(session.NewMemoryStore()))
	}

	if s.db == nil {
		if s.users == nil {
			s.users = user.NewMemoryStore()
		}
		return append(opts,
			workspace.WithRoomStore(room.NewMemoryStore()),
			workspace.WithCollabStore(collab.NewMemoryStore()),
		), nil
	}

	if s.users == nil {
		s.users = user.NewGormStore(s.db)
	}
	rooms := room.NewGormStore(s.db)
	syncCtx, cancel := context.WithTimeout(ctx, catalogSyncTimeout)
	defer cancel()
	if err := rooms.SyncCatalog(syncCtx, s.rooms.Catalog()); err != nil {
		return nil, fmt.Errorf("sync room catalog: %w", err)
	}
	return append(opts,
		workspace.WithRoomStore(rooms),
		workspace.WithCollabStore(collab.NewGormStore(s.db)),
	), nil
}

func (s *Server) roomChanged(roomID string, delta int) {
	s.metrics.RoomChanged(roomID, delta)
	if roomID == presence.MainRoom {
		return
	}
	s.rooms.AddActiveUsers(roomID, delta)
	// Ad hoc room ids come from clients; their series go with the room.
	if s.rooms.Get(roomID) == nil {
		s.metrics.ForgetRoom(roomID)
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Registry returns the live presence registry.
func (s *Server) Registry() *presence.Registry {
	return s.registry
}

// Rooms returns the meeting-room catalog.
func (s *Server) Rooms() *room.Manager {
	return s.rooms
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.cfg.Server.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()
	go s.pruneLimiter(ctx)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.Addr, err)
	case <-ctx.Done():
	}
	return s.Shutdown()
}

// Shutdown closes every websocket, stops the HTTP listener and clears the
// registry.
func (s *Server) Shutdown() error {
	s.log.Info("shutting down", zap.Int("connections", s.conns.Count()))
	s.conns.Shutdown()

	var err error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		err = s.httpServer.Shutdown(ctx)
	}
	s.registry.Clear()
	return err
}

func (s *Server) pruneLimiter(ctx context.Context) {
	if s.cfg.RateLimit.Connects <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.RateLimit.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Prune()
		}
	}
}

func (s *Server) routes() {
	wsHandler := ws.NewHandler(s.hub,
		ws.WithOriginPatterns(s.cfg.Server.AllowedOrigins...),
		ws.WithReadLimit(s.cfg.Websocket.ReadLimit),
		ws.WithHandlerLogger(s.log.Named("ws")),
	)
	s.mux.Handle("GET /ws", s.limiter.Middleware(wsHandler, s.log, s.metrics))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	s.mux.HandleFunc("GET /api/presence", s.handlePresence)
	s.mux.HandleFunc("GET /api/connections", s.handleConnections)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type healthResponse struct {
	Status      string       `json:"status"`
	Connections ws.ConnStats `json:"connections"`
	Presence    int          `json:"presence"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.conns.Stats(),
		Presence:    s.registry.Len(),
	})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rooms.List())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.conns.Clients())
}

type presenceEntry struct {
	SessionID string            `json:"session_id"`
	UserID    int64             `json:"user_id"`
	Room      string            `json:"room"`
	Position  presence.Position `json:"position"`
	Status    presence.Status   `json:"status"`
	JoinedAt  time.Time         `json:"joined_at"`
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	var recs []presence.Record
	if roomID := r.URL.Query().Get("room"); roomID != "" {
		recs = s.registry.ListInRoom(roomID, "")
	} else {
		recs = s.registry.List()
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].JoinedAt.Equal(recs[j].JoinedAt) {
			return recs[i].JoinedAt.Before(recs[j].JoinedAt)
		}
		return recs[i].SessionID < recs[j].SessionID
	})

	out := make([]presenceEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, presenceEntry{
			SessionID: rec.SessionID,
			UserID:    rec.UserID,
			Room:      rec.CurrentRoom,
			Position:  rec.Position,
			Status:    rec.Status,
			JoinedAt:  rec.JoinedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
