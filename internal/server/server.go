package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/edgelink/internal/auth"
	"github.com/danmuck/edgelink/internal/device"
	"github.com/danmuck/edgelink/internal/events"
	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/scheduler"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

type Config struct {
	Name        string
	Addr        string
	CorsOrigins []string
	// Token, when set, is required as a bearer token on every route but
	// /health. The events socket also accepts it as ?token=.
	Token string
	// ShutdownTimeout bounds graceful shutdown once Serve's context ends.
	ShutdownTimeout time.Duration
}

// Server is the local admin API over the device registry, the job
// scheduler and the event bus.
type Server struct {
	cfg      Config
	router   *gin.Engine
	devices  *device.Registry
	jobs     *scheduler.Scheduler
	bus      *events.Bus
	appeared time.Time
}

func New(cfg Config, devices *device.Registry, jobs *scheduler.Scheduler, bus *events.Bus, logger zerolog.Logger) *Server {
	if cfg.Name == "" {
		cfg.Name = "edgelinkd"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	if cfg.Token != "" {
		r.Use(requireToken(auth.StaticToken{Token: cfg.Token}))
	}

	s := &Server{
		cfg:      cfg,
		router:   r,
		devices:  devices,
		jobs:     jobs,
		bus:      bus,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve blocks until ctx ends or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("server.Server.Serve addr=%s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logs.Warnf("server.Server.Serve shutdown err=%v", err)
		_ = srv.Close()
	}
	logs.Infof("server.Server.Serve stopped addr=%s", s.cfg.Addr)
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			token = c.Query("token")
		}
		if err := v.Validate(token); err != nil {
			logs.Warnf("server.requireToken path=%s remote=%s", c.Request.URL.Path, c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}
