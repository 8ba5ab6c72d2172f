package controller

import (
	"context"
	"time"

	"sandboxd/internal/sandbox"
	"sandboxd/internal/worker"
	appErr "sandboxd/pkg/errors"
	"sandboxd/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const versionTimeout = 5 * time.Second

// SandboxController exposes the operational controls of one node.
type SandboxController struct {
	worker  worker.Worker
	backend sandbox.Backend
}

// NewSandboxController creates a new controller.
func NewSandboxController(w worker.Worker, backend sandbox.Backend) *SandboxController {
	return &SandboxController{worker: w, backend: backend}
}

// GetQueue returns waiting and running jobs ordered by id.
func (h *SandboxController) GetQueue(c *gin.Context) {
	response.Success(c, h.worker.Statuses())
}

// GetPool returns the pool size and the smoothed queue wait time.
func (h *SandboxController) GetPool(c *gin.Context) {
	response.Success(c, PoolResponse{
		Threads:            h.worker.NumThreads(),
		SmoothedWaitTimeMs: h.worker.SmoothedWaitTime().Milliseconds(),
	})
}

// ResizePool rebuilds the worker pool with the requested number of threads.
func (h *SandboxController) ResizePool(c *gin.Context) {
	var req ResizePoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if err := h.worker.RebuildThreadPool(req.Threads); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, PoolResponse{
		Threads:            h.worker.NumThreads(),
		SmoothedWaitTimeMs: h.worker.SmoothedWaitTime().Milliseconds(),
	})
}

// GetTimeoutMultiplier returns the current multiplier.
func (h *SandboxController) GetTimeoutMultiplier(c *gin.Context) {
	response.Success(c, TimeoutMultiplierBody{Multiplier: h.backend.TimeoutMultiplier()})
}

// SetTimeoutMultiplier scales every execution timeout.
func (h *SandboxController) SetTimeoutMultiplier(c *gin.Context) {
	var req TimeoutMultiplierBody
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if err := h.backend.SetTimeoutMultiplier(req.Multiplier); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, TimeoutMultiplierBody{Multiplier: h.backend.TimeoutMultiplier()})
}

// Health reports the runtime connection state. Version lookup failures leave the field empty.
func (h *SandboxController) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), versionTimeout)
	defer cancel()
	version, err := h.backend.Version(ctx)
	resp := HealthResponse{
		APIStatus:          string(h.backend.APIStatus()),
		SmoothedCallTimeMs: h.backend.SmoothedCallTime().Milliseconds(),
		Version:            version,
		TimeoutMultiplier:  h.backend.TimeoutMultiplier(),
	}
	if err != nil {
		resp.VersionError = appErr.GetError(err).Error()
	}
	response.Success(c, resp)
}
