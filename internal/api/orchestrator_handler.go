package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "miniquant/internal/errors"
	"miniquant/internal/logger"
	"miniquant/internal/orchestrator"
)

// JobService is the part of the scheduler the job handler drives
type JobService interface {
	ListJobs() []*orchestrator.Job
	GetJob(name string) (*orchestrator.Job, error)
	RunNow(name string) error
}

// JobHandler exposes the cron jobs
type JobHandler struct {
	scheduler JobService
}

// NewJobHandler creates a new job handler
func NewJobHandler(scheduler JobService) *JobHandler {
	return &JobHandler{scheduler: scheduler}
}

// @Summary List jobs
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Response{data=[]orchestrator.Job}
// @Router /jobs [get]
func (h *JobHandler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Success: true, Data: h.scheduler.ListJobs()})
}

// @Summary Run a job now
// @Description Triggers the job outside its schedule. An invocation already in progress makes this a no-op.
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Param name path string true "Job name"
// @Success 202 {object} Response{data=orchestrator.Job}
// @Failure 404 {object} errors.ErrorResponse
// @Router /jobs/{name}/run [post]
func (h *JobHandler) RunJob(c *gin.Context) {
	name := c.Param("name")
	job, err := h.scheduler.GetJob(name)
	if err != nil {
		c.Error(apperrors.NewAppError(apperrors.ErrCodeNotFound, "Job not found", err).WithContext("job", name))
		return
	}

	go func() {
		if err := h.scheduler.RunNow(name); err != nil {
			logger.Error("Manual job run failed", "job", name, "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, Response{Success: true, Data: job, Message: "Job triggered"})
}
