package controller

import (
	"sandboxd/internal/steps"
	"sandboxd/internal/worker"
	"sandboxd/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// ExecutionController queues execution documents on the worker.
type ExecutionController struct {
	worker    worker.Worker
	mountRoot string
	baseDir   string
}

// NewExecutionController creates a controller. Relative binding paths resolve against baseDir.
func NewExecutionController(w worker.Worker, mountRoot, baseDir string) *ExecutionController {
	return &ExecutionController{worker: w, mountRoot: mountRoot, baseDir: baseDir}
}

// Schedule accepts an execution document and queues it as one job.
func (h *ExecutionController) Schedule(c *gin.Context) {
	var doc steps.Document
	if err := c.ShouldBindJSON(&doc); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	exec, err := doc.Execution(h.mountRoot, h.baseDir)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.worker.Schedule(steps.NewStepsJob(exec, "execution "+exec.ID)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ScheduleResponse{ID: exec.ID, Steps: len(exec.Steps)})
}
