package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gantrykit/gantry/pkg/engine"
	"github.com/gantrykit/gantry/pkg/events"
	"github.com/gantrykit/gantry/pkg/log"
	"github.com/gantrykit/gantry/pkg/metrics"
)

// wsWriteTimeout bounds a single websocket frame write. A reader that
// cannot keep up is disconnected rather than allowed to park the
// stream goroutine.
const wsWriteTimeout = 10 * time.Second

// Config carries the server settings. The zero value listens on :8080
// with permissive CORS.
type Config struct {
	Addr        string
	CORSOrigins []string
	ReadOnly    bool
	Version     string
}

// Server exposes the engine over HTTP: a JSON API under /v1, the
// prometheus endpoint, a liveness probe and a websocket event stream.
type Server struct {
	engine *engine.Engine
	cfg    Config
	router *gin.Engine
	http   *http.Server

	upgrader websocket.Upgrader

	// ctx cancels websocket stream goroutines on Stop; hijacked
	// connections are outside http.Server.Shutdown's reach.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedAt time.Time
	logger    zerolog.Logger
}

// NewServer wires routes and middleware around an engine. The engine
// must already be constructed; requests only succeed once it is
// started.
func NewServer(eng *engine.Engine, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine: eng,
		cfg:    cfg,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
		logger:    log.WithComponent("api"),
	}

	router.Use(gin.Recovery())
	router.Use(s.observe())

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	router.Use(cors.New(corsConfig))

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.router.Group("/v1")
	if s.cfg.ReadOnly {
		v1.Use(readOnly())
	}

	tasks := v1.Group("/tasks")
	{
		tasks.POST("", s.handleSubmit)
		tasks.GET("", s.handleListTasks)
		tasks.GET("/:id", s.handleGetTask)
		tasks.DELETE("/:id", s.handleCancelTask)
		tasks.GET("/:id/records", s.handleTaskRecords)
		tasks.GET("/:id/history", s.handleTaskHistory)
	}

	deps := v1.Group("/dependencies")
	{
		deps.POST("", s.handleAddDependency)
		deps.DELETE("", s.handleRemoveDependency)
	}

	v1.GET("/sequence", s.handleSequence)

	snapshots := v1.Group("/snapshots")
	{
		snapshots.POST("", s.handleCreateSnapshot)
		snapshots.GET("", s.handleListSnapshots)
		snapshots.POST("/:id/restore", s.handleRestoreSnapshot)
		snapshots.GET("/:id/verify", s.handleVerifySnapshot)
		snapshots.POST("/:id/backup", s.handleBackupSnapshot)
	}

	conflicts := v1.Group("/conflicts")
	{
		conflicts.GET("", s.handleListConflicts)
		conflicts.POST("/:id/resolve", s.handleResolveConflict)
	}

	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/recommendations", s.handleRecommendations)
	v1.POST("/analyze", s.handleAnalyze)
	v1.GET("/capabilities", s.handleCapabilities)
	v1.GET("/probes", s.handleListProbes)
	v1.GET("/stats", s.handleStats)
	v1.GET("/events/ws", s.handleEventStream)
}

// Start begins serving and blocks until the listener fails or Stop is
// called. A clean Stop is not an error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Bool("read_only", s.cfg.ReadOnly).
		Msg("api listening")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: listen on %s: %w", s.cfg.Addr, err)
	}
	return nil
}

// Stop shuts the listener down and disconnects websocket clients.
// Hijacked connections are not covered by http.Server.Shutdown, so
// stream goroutines are cancelled explicitly and waited for.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	err := s.http.Shutdown(ctx)
	s.wg.Wait()

	s.logger.Info().Msg("api stopped")
	return err
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	SessionID string    `json:"sessionId"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// handleHealthz is a liveness probe: it answers as long as the process
// is up, regardless of engine state.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   s.cfg.Version,
		SessionID: s.engine.SessionID(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	})
}

// eventFilter parses the comma-separated types query parameter. Empty
// means every event type.
func eventFilter(raw string) []events.EventType {
	if raw == "" {
		return nil
	}
	var filter []events.EventType
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			filter = append(filter, events.EventType(part))
		}
	}
	return filter
}

// handleEventStream upgrades the request to a websocket and forwards
// matching events as JSON frames until the client disconnects or the
// server stops. Unknown type names never match; they are not an error.
func (s *Server) handleEventStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		return
	}

	sub := s.engine.Subscribe(eventFilter(c.Query("types"))...)

	s.wg.Add(1)
	go s.stream(conn, sub)
}

func (s *Server) stream(conn *websocket.Conn, sub *events.Subscription) {
	defer s.wg.Done()
	defer sub.Close()
	defer func() { _ = conn.Close() }()

	// The reader's only job is noticing the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-sub.Done():
			return
		case <-gone:
			return
		case <-s.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}
