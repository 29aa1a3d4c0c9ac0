package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/workspace/internal/model"
	"github.com/remote-agent-terminal/workspace/internal/ws"
)

// ShellReporter reports the state of the shell.
type ShellReporter interface {
	Status() model.ShellStatus
}

// HubReporter reports the state of the session hub.
type HubReporter interface {
	Stats(ctx context.Context) (ws.Stats, error)
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	shell ShellReporter
	hub   HubReporter
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(shell ShellReporter, hub HubReporter) *HealthHandler {
	return &HealthHandler{shell: shell, hub: hub}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Shell      model.ShellStatus `json:"shell"`
	Clients    int               `json:"clients"`
	Watch      ws.WatchState     `json:"watch"`
	WatchError string            `json:"watchError,omitempty"`
	Offset     uint64            `json:"offset"`
	History    int               `json:"historyBytes"`
}

// Health handles GET /health.
//
// The status is "ok" while the shell runs and the watch is healthy,
// "degraded" otherwise. It is "unavailable" with 503 once the hub stopped.
func (h *HealthHandler) Health(c *gin.Context) {
	shell := h.shell.Status()

	stats, err := h.hub.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Shell: shell})
		return
	}

	status := "ok"
	if shell.State == model.ShellStateExited || stats.Watch == ws.WatchFailed || stats.Watch == ws.WatchRetrying {
		status = "degraded"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:     status,
		Shell:      shell,
		Clients:    stats.Clients,
		Watch:      stats.Watch,
		WatchError: stats.WatchError,
		Offset:     stats.Offset,
		History:    stats.History,
	})
}

// RegisterRoutes registers the health route.
func (h *HealthHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
}
