// Package server exposes the benchmark's control surface and live
// metrics over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/torosent/freshbench/internal/engine"
	"github.com/torosent/freshbench/internal/tracing"
)

// snapshotInterval is the cadence at which the current snapshot is
// pushed to connected WebSocket clients.
const snapshotInterval = time.Second

// Server serves the REST endpoints and the WebSocket snapshot stream.
// It owns the listener and the broadcast hub; all state lives in the
// engine it fronts.
type Server struct {
	addr string
	log  zerolog.Logger
	eng  *engine.Engine

	router   *gin.Engine
	http     *http.Server
	hub      *hub
	listener net.Listener

	active   int32
	done     chan struct{}
	finished chan struct{}
}

// New builds a Server bound to addr. Start must be called before the
// server accepts connections.
func New(eng *engine.Engine, addr string, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	done := make(chan struct{})
	s := &Server{
		addr:     addr,
		log:      log,
		eng:      eng,
		router:   router,
		hub:      newHub(log, done),
		done:     done,
		finished: make(chan struct{}),
	}

	router.Use(gin.Recovery(), traceContext(), requestLogger(log), corsMiddleware())
	s.routes()

	s.http = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.getHealth)
	s.router.GET("/metrics", s.getMetrics)
	s.router.GET("/stats/lifetime", s.getLifetimeStats)
	s.router.GET("/probe/:backend", s.probeBackend)

	s.router.POST("/configure-refresh-interval/:seconds", s.configureRefreshInterval)
	s.router.GET("/current-refresh-interval", s.currentRefreshInterval)
	s.router.POST("/refresh", s.forceRefresh)

	s.router.POST("/toggle-traffic/:backend", s.toggleTraffic)
	s.router.POST("/toggle-view-index", s.toggleViewIndex)
	s.router.GET("/view-index-status", s.viewIndexStatus)
	s.router.POST("/toggle-isolation", s.toggleIsolation)
	s.router.POST("/toggle-promotion/:product_id", s.togglePromotion)
	s.router.POST("/product/:product_id", s.setProduct)
	s.router.GET("/database-size", s.databaseSize)

	s.router.GET("/ws", s.handleWebSocket)
}

// Start binds the listener and begins serving. It returns once the
// server is accepting connections.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.active, 0, 1) {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		atomic.StoreInt32(&s.active, 0)
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln

	go s.hub.run()
	go s.broadcastLoop()
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server stopped")
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("api listening")
	return nil
}

// Stop drains the broadcast loop, disconnects WebSocket clients, and
// shuts the HTTP server down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.active, 1, 0) {
		return nil
	}

	close(s.done)
	<-s.finished
	s.hub.stop()

	return s.http.Shutdown(ctx)
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Connections returns the number of live WebSocket clients.
func (s *Server) Connections() int {
	return s.hub.count()
}

func (s *Server) broadcastLoop() {
	defer close(s.finished)

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	s.push()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.push()
		}
	}
}

func (s *Server) push() {
	select {
	case s.hub.broadcast <- s.eng.Snapshot():
	default:
	}
}

// traceContext lifts W3C trace headers into the request context so probes
// and refreshes triggered over the API join the caller's trace. A no-op
// unless tracing is initialized with propagation on.
func traceContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := tracing.ExtractHTTPHeaders(c.Request.Context(), c.Request.Header)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		evt := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			evt = log.Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

// corsMiddleware leaves the surface wide open. The API fronts a demo
// dashboard, not a tenant boundary.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
