package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/remote-agent-terminal/workspace/internal/model"
	"github.com/remote-agent-terminal/workspace/internal/repository"
)

// maxListLimit caps the limit query parameter.
const maxListLimit = 500

// SaveLister lists journal entries.
type SaveLister interface {
	List(ctx context.Context, limit int, path string) ([]*model.SaveRecord, error)
}

// SaveHandler serves the save journal.
type SaveHandler struct {
	saves SaveLister
}

// NewSaveHandler creates a new SaveHandler.
func NewSaveHandler(saves SaveLister) *SaveHandler {
	return &SaveHandler{saves: saves}
}

// List handles GET /api/saves?limit=N&path=P - lists recent saves, newest first.
func (h *SaveHandler) List(c *gin.Context) {
	limit := repository.DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	saves, err := h.saves.List(c.Request.Context(), limit, c.Query("path"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list saves")
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list saves: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, saves)
}

// RegisterRoutes registers the save journal routes on a Gin router group.
func (h *SaveHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/saves", h.List)
}
