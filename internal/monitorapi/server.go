// Package monitorapi exposes a read-only HTTP/WebSocket surface over a
// running Coordinator: objective state, agent roster, barrier status,
// and a live feed of broadcast/human-channel events, for dashboards and
// operators rather than other agents (spec §9 supplement).
package monitorapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/popkit/power-mode/internal/coordinator"
)

// Options configures the monitoring HTTP server.
type Options struct {
	Addr           string
	Coordinator    *coordinator.Coordinator
	EnableJWT      bool
	JWTSecret      string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Server is the gin-backed read-only monitoring surface.
type Server struct {
	opts Options
	srv  *http.Server
}

// New builds a Server; call Run to start serving.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(opts.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = opts.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	r.Use(cors.New(corsConfig))

	r.Use(optionalJWTMiddleware(opts.EnableJWT, opts.JWTSecret, opts.Logger))

	h := &handler{coord: opts.Coordinator, logger: opts.Logger}

	r.GET("/healthz", h.healthz)
	r.GET("/objective", h.objective)
	r.GET("/agents", h.agents)
	r.GET("/agents/:id", h.agent)
	r.GET("/barriers", h.barriers)
	r.GET("/metrics", h.metrics)
	r.GET("/events", h.events)

	return &Server{
		opts: opts,
		srv: &http.Server{
			Addr:    opts.Addr,
			Handler: r,
		},
	}
}

// Run starts the server and blocks until ctx is cancelled, then performs
// a bounded graceful shutdown (spec §9 supplement "graceful shutdown").
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.opts.Logger.Info("monitorapi: listening", zap.String("addr", s.opts.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.opts.Logger.Error("monitorapi: forced shutdown", zap.Error(err))
		return err
	}
	s.opts.Logger.Info("monitorapi: stopped")
	return nil
}
