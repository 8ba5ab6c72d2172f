package controller

import (
	"context"
	"strconv"

	"sandboxd/internal/worker"
	appErr "sandboxd/pkg/errors"
	"sandboxd/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// HistoryReader reads finished execution records.
type HistoryReader interface {
	Get(ctx context.Context, id string) (worker.ExecutionRecord, error)
	List(ctx context.Context, limit int) ([]worker.ExecutionRecord, error)
}

// HistoryController serves finished executions.
type HistoryController struct {
	history HistoryReader
}

func NewHistoryController(history HistoryReader) *HistoryController {
	return &HistoryController{history: history}
}

// List handles GET /executions?limit=N.
func (h *HistoryController) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.Error(c, appErr.ValidationError("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	records, err := h.history.List(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, records)
}

// Get handles GET /executions/:id.
func (h *HistoryController) Get(c *gin.Context) {
	rec, err := h.history.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, rec)
}
