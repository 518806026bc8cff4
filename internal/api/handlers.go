package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/herald/internal/autosearch"
	"github.com/herald/internal/platform"
	"github.com/herald/internal/sniper"
	"github.com/herald/internal/task"
	"github.com/herald/pkg/models"
)

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

func fail(c echo.Context, err error) error {
	var verr *task.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, platform.ErrSessionUnavailable):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case platform.IsSessionExpired(err):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case strings.Contains(err.Error(), "not found"):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}

// --- sessions ---

// ConnectSessionRequest carries a label and the platform credential blob,
// passed through opaquely to the session-client factory.
type ConnectSessionRequest struct {
	Label       string          `json:"label"`
	Credentials json.RawMessage `json:"credentials"`
}

func (s *Server) listSessions(c echo.Context) error {
	sessions, err := s.deps.Sessions.Sessions(c.Request().Context(), c.Param("tenant"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) connectSession(c echo.Context) error {
	req := new(ConnectSessionRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, err)
	}
	if len(req.Credentials) == 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "credentials are required"})
	}
	sess, err := s.deps.Sessions.Connect(c.Request().Context(), c.Param("tenant"), req.Label, req.Credentials)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) getActiveSession(c echo.Context) error {
	sess, ok := s.deps.Sessions.ActiveSession(c.Param("tenant"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "no active session"})
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) switchSession(c echo.Context) error {
	err := s.deps.Sessions.SwitchActive(c.Request().Context(), c.Param("tenant"), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	sess, _ := s.deps.Sessions.ActiveSession(c.Param("tenant"))
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) deleteSession(c echo.Context) error {
	if err := s.deps.Sessions.Delete(c.Request().Context(), c.Param("tenant"), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// --- tasks ---

type lister interface {
	List(tenant string) []models.Task
}

func (s *Server) createBroadcast(c echo.Context) error {
	var cfg task.BroadcastConfig
	if err := c.Bind(&cfg); err != nil {
		return badRequest(c, err)
	}
	cfg.Tenant = c.Param("tenant")
	created, err := s.deps.Broadcast.Create(c.Request().Context(), cfg)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) createCampaign(c echo.Context) error {
	var cfg task.CampaignConfig
	if err := c.Bind(&cfg); err != nil {
		return badRequest(c, err)
	}
	cfg.Tenant = c.Param("tenant")
	created, err := s.deps.Campaign.Create(c.Request().Context(), cfg)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) createTimerConfig(c echo.Context) error {
	var cfg task.TimerTaskConfig
	if err := c.Bind(&cfg); err != nil {
		return badRequest(c, err)
	}
	cfg.Tenant = c.Param("tenant")
	created, err := s.deps.Timer.Create(c.Request().Context(), cfg)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) listTasks(engine func() lister) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, engine().List(c.Param("tenant")))
	}
}

func (s *Server) deleteTask(remove func(ctx context.Context, id string) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := remove(c.Request().Context(), c.Param("id")); err != nil {
			return fail(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// --- autosearch ---

func (s *Server) startAutoSearch(c echo.Context) error {
	var cfg autosearch.Config
	if err := c.Bind(&cfg); err != nil {
		return badRequest(c, err)
	}
	cfg.Tenant = c.Param("tenant")
	if err := s.deps.Search.Start(c.Request().Context(), cfg); err != nil {
		if errors.Is(err, platform.ErrSessionUnavailable) {
			return fail(c, err)
		}
		return badRequest(c, err)
	}
	return c.JSON(http.StatusOK, s.deps.Search.StatusFor(cfg.Tenant))
}

func (s *Server) stopAutoSearch(c echo.Context) error {
	s.deps.Search.Stop(c.Param("tenant"))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) autoSearchStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Search.StatusFor(c.Param("tenant")))
}

func (s *Server) autoSearchResults(c echo.Context) error {
	results := s.deps.Search.Results(c.Param("tenant"))
	if results == nil {
		results = []platform.Message{}
	}
	return c.JSON(http.StatusOK, results)
}

// --- sniper ---

func (s *Server) startSniper(c echo.Context) error {
	var cfg sniper.Config
	if err := c.Bind(&cfg); err != nil {
		return badRequest(c, err)
	}
	cfg.Tenant = c.Param("tenant")
	if err := s.deps.Sniper.Start(c.Request().Context(), cfg); err != nil {
		if errors.Is(err, platform.ErrSessionUnavailable) {
			return fail(c, err)
		}
		return badRequest(c, err)
	}
	return c.JSON(http.StatusOK, s.deps.Sniper.StatsFor(cfg.Tenant))
}

func (s *Server) stopSniper(c echo.Context) error {
	s.deps.Sniper.Stop(c.Param("tenant"))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) sniperStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Sniper.StatsFor(c.Param("tenant")))
}

// TestPromptRequest dry-runs the classify and generate stages against a
// sample message, without sending anything.
type TestPromptRequest struct {
	Prompt  string `json:"prompt"`
	Style   string `json:"style"`
	Message string `json:"message"`
}

// TestPromptResponse reports the dry-run outcome.
type TestPromptResponse struct {
	Score    float64 `json:"score"`
	Origin   string  `json:"origin"`
	Relevant bool    `json:"relevant"`
	Reply    string  `json:"reply"`
}

func (s *Server) testPrompt(c echo.Context) error {
	req := new(TestPromptRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, err)
	}
	score, reply, err := s.deps.Sniper.TestPrompt(c.Request().Context(), req.Prompt, req.Style, req.Message)
	if err != nil {
		return badRequest(c, err)
	}
	return c.JSON(http.StatusOK, TestPromptResponse{
		Score:    score.Value,
		Origin:   string(score.Origin),
		Relevant: score.Relevant(),
		Reply:    reply,
	})
}
