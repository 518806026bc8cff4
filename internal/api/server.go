// Package api exposes the HTTP surface: session management, the three
// task kinds, the keyword watch poller, and the sniper. Authentication is
// out of scope; deploy behind a trusted boundary.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/herald/internal/autosearch"
	"github.com/herald/internal/session"
	"github.com/herald/internal/sniper"
	"github.com/herald/internal/task"
)

// Deps are the collaborators the HTTP layer dispatches into.
type Deps struct {
	Sessions  *session.Registry
	Broadcast *task.BroadcastEngine
	Campaign  *task.CampaignEngine
	Timer     *task.TimerEngine
	Search    *autosearch.Manager
	Sniper    *sniper.Manager
}

// Server represents the API server.
type Server struct {
	echo *echo.Echo
	host string
	port int
	deps Deps
}

// NewServer creates a new API server.
func NewServer(host string, port int, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Recover())
	e.Use(requestLogger())

	server := &Server{
		echo: e,
		host: host,
		port: port,
		deps: deps,
	}
	server.setupRoutes()
	return server
}

// requestLogger logs each request through zerolog instead of echo's
// default logger.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("request")
			return nil
		},
	})
}

// setupRoutes configures all API endpoints.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	v1 := s.echo.Group("/api/v1/tenants/:tenant")

	// Sessions
	v1.GET("/sessions", s.listSessions)
	v1.POST("/sessions", s.connectSession)
	v1.GET("/sessions/active", s.getActiveSession)
	v1.POST("/sessions/:id/activate", s.switchSession)
	v1.DELETE("/sessions/:id", s.deleteSession)

	// Task engines, one route set per kind
	v1.POST("/tasks/broadcast", s.createBroadcast)
	v1.GET("/tasks/broadcast", s.listTasks(func() lister { return s.deps.Broadcast.Engine }))
	v1.DELETE("/tasks/broadcast/:id", s.deleteTask(func(ctx context.Context, id string) error {
		return s.deps.Broadcast.Delete(ctx, id)
	}))
	v1.POST("/tasks/campaign", s.createCampaign)
	v1.GET("/tasks/campaign", s.listTasks(func() lister { return s.deps.Campaign.Engine }))
	v1.DELETE("/tasks/campaign/:id", s.deleteTask(func(ctx context.Context, id string) error {
		return s.deps.Campaign.Delete(ctx, id)
	}))
	v1.POST("/tasks/timer", s.createTimerConfig)
	v1.GET("/tasks/timer", s.listTasks(func() lister { return s.deps.Timer.Engine }))
	v1.DELETE("/tasks/timer/:id", s.deleteTask(func(ctx context.Context, id string) error {
		return s.deps.Timer.Delete(ctx, id)
	}))

	// Keyword watch poller
	v1.POST("/autosearch", s.startAutoSearch)
	v1.DELETE("/autosearch", s.stopAutoSearch)
	v1.GET("/autosearch/status", s.autoSearchStatus)
	v1.GET("/autosearch/results", s.autoSearchResults)

	// Sniper
	v1.POST("/sniper", s.startSniper)
	v1.DELETE("/sniper", s.stopSniper)
	v1.GET("/sniper/stats", s.sniperStats)
	v1.POST("/sniper/test-prompt", s.testPrompt)
}

// Start runs the server until an interrupt, then shuts down gracefully.
func (s *Server) Start() error {
	go func() {
		addr := fmt.Sprintf("%s:%d", s.host, s.port)
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
