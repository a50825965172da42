package hub

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/owulveryck/agentrelay/internal/presence"
)

func (h *Hub) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			h.logger.DebugContext(c.Request().Context(), "HTTP request",
				"method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	e.GET("/ws", h.handleWebSocket)

	api := e.Group("/api")
	api.GET("/agents", h.listAgents)
	api.POST("/agents/:id/pause", h.pauseAgent)
	api.POST("/agents/:id/resume", h.resumeAgent)
	api.POST("/agents/:id/shutdown", h.shutdownAgent)
	api.DELETE("/agents/:id", h.forgetAgent)
	api.DELETE("/agents", h.forgetAllAgents)

	health := echo.WrapHandler(h.health.Handler())
	e.GET("/health", health)
	e.GET("/ready", health)
	e.GET("/metrics", health)
	return e
}

// errorStatus maps registry and loop errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, presence.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, presence.ErrInvalidTransition), errors.Is(err, ErrNoControlStream):
		return http.StatusConflict
	case errors.Is(err, presence.ErrLoopBusy), errors.Is(err, presence.ErrLoopStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Hub) apiError(c echo.Context, err error) error {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		h.logger.ErrorContext(c.Request().Context(), "Admin request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(code, map[string]string{"error": err.Error()})
}

// listAgents returns every registry record.
// GET /api/agents
func (h *Hub) listAgents(c echo.Context) error {
	agents, err := h.Agents(c.Request().Context())
	if err != nil {
		return h.apiError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"agents": agents})
}

// POST /api/agents/:id/pause
func (h *Hub) pauseAgent(c echo.Context) error {
	id := c.Param("id")
	if err := h.Pause(c.Request().Context(), id); err != nil {
		return h.apiError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"agent_id": id, "state": presence.Paused.String()})
}

// POST /api/agents/:id/resume
func (h *Hub) resumeAgent(c echo.Context) error {
	id := c.Param("id")
	if err := h.Resume(c.Request().Context(), id); err != nil {
		return h.apiError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"agent_id": id, "state": presence.Online.String()})
}

// POST /api/agents/:id/shutdown
func (h *Hub) shutdownAgent(c echo.Context) error {
	id := c.Param("id")
	if err := h.Shutdown(c.Request().Context(), id); err != nil {
		return h.apiError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"agent_id": id, "command": "shutdown"})
}

// DELETE /api/agents/:id
func (h *Hub) forgetAgent(c echo.Context) error {
	if err := h.Forget(c.Request().Context(), c.Param("id")); err != nil {
		return h.apiError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DELETE /api/agents
func (h *Hub) forgetAllAgents(c echo.Context) error {
	n, err := h.ForgetAll(c.Request().Context())
	if err != nil {
		return h.apiError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": n})
}
