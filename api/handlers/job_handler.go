package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/convertmaster-go/internal/domain"
	"go.uber.org/zap"
)

// JobService is the orchestrator surface used by the HTTP API
type JobService interface {
	Submit(ctx context.Context, req domain.Request) (string, error)
	Cancel(id string) error
	Get(id string) (domain.JobSummary, error)
	List(filter domain.JobFilter) ([]domain.JobSummary, error)
	Stats() (domain.JobStats, error)
	Renditions(ctx context.Context, locator string) ([]domain.Rendition, error)
	Resubmit(ctx context.Context, id string) (string, error)
	IsRunning() bool
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	jobs             JobService
	defaultOutputDir string
	logger           *zap.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs JobService, defaultOutputDir string, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		jobs:             jobs,
		defaultOutputDir: defaultOutputDir,
		logger:           logger,
	}
}

// SubmitRequest represents a request to submit a job
type SubmitRequest struct {
	SourceLocator   string `json:"source_locator" binding:"required"`
	TargetFormat    string `json:"target_format" binding:"required"`
	TargetQuality   string `json:"target_quality,omitempty"`
	OutputDirectory string `json:"output_directory,omitempty"`
}

// SubmitJob handles POST /api/v1/jobs
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outputDir := req.OutputDirectory
	if outputDir == "" {
		outputDir = h.defaultOutputDir
	}

	id, err := h.jobs.Submit(c.Request.Context(), domain.Request{
		SourceLocator:   req.SourceLocator,
		TargetFormat:    domain.TargetFormat(req.TargetFormat),
		TargetQuality:   req.TargetQuality,
		OutputDirectory: outputDir,
	})
	if err != nil {
		h.writeError(c, "Failed to submit job", err)
		return
	}

	h.respondWithJob(c, http.StatusCreated, id)
}

// GetJob handles GET /api/v1/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	summary, err := h.jobs.Get(c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// GetJobStatus handles GET /api/v1/jobs/:id/status
func (h *JobHandler) GetJobStatus(c *gin.Context) {
	summary, err := h.jobs.Get(c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to get job status", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":               summary.ID,
		"state":            summary.State,
		"percent_complete": summary.PercentComplete,
		"phase":            summary.Phase,
	})
}

// ListJobs handles GET /api/v1/jobs?state=queued,running&limit=N
func (h *JobHandler) ListJobs(c *gin.Context) {
	var filter domain.JobFilter

	if states := c.Query("state"); states != "" {
		for _, s := range strings.Split(states, ",") {
			state := domain.JobState(strings.TrimSpace(s))
			if !domain.ValidateState(state) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state: " + string(state)})
				return
			}
			filter.States = append(filter.States, state)
		}
	}
	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.jobs.List(filter)
	if err != nil {
		h.writeError(c, "Failed to list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []domain.JobSummary{}
	}

	c.JSON(http.StatusOK, gin.H{
		"count": len(jobs),
		"jobs":  jobs,
	})
}

// GetStats handles GET /api/v1/jobs/stats
func (h *JobHandler) GetStats(c *gin.Context) {
	stats, err := h.jobs.Stats()
	if err != nil {
		h.writeError(c, "Failed to get stats", err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// CancelJob handles POST /api/v1/jobs/:id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	id := c.Param("id")

	if err := h.jobs.Cancel(id); err != nil {
		h.writeError(c, "Failed to cancel job", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": id, "message": "cancellation requested"})
}

// RetryJob handles POST /api/v1/jobs/:id/retry
func (h *JobHandler) RetryJob(c *gin.Context) {
	id, err := h.jobs.Resubmit(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to retry job", err)
		return
	}

	h.respondWithJob(c, http.StatusCreated, id)
}

// GetRenditions handles GET /api/v1/renditions?locator=...
func (h *JobHandler) GetRenditions(c *gin.Context) {
	locator := c.Query("locator")
	if locator == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter 'locator' is required"})
		return
	}

	renditions, err := h.jobs.Renditions(c.Request.Context(), locator)
	if err != nil {
		h.writeError(c, "Failed to probe renditions", err)
		return
	}

	qualities := []string{}
	for _, height := range domain.VideoHeights(renditions) {
		qualities = append(qualities, domain.QualityLabel(height))
	}

	c.JSON(http.StatusOK, gin.H{
		"locator":    locator,
		"qualities":  qualities,
		"renditions": renditions,
	})
}

// respondWithJob writes the summary of a freshly created job, or just its id if it is already gone
func (h *JobHandler) respondWithJob(c *gin.Context, status int, id string) {
	summary, err := h.jobs.Get(id)
	if err != nil {
		c.JSON(status, gin.H{"id": id})
		return
	}
	c.JSON(status, summary)
}

// writeError maps domain errors onto HTTP status codes
func (h *JobHandler) writeError(c *gin.Context, msg string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	} else {
		h.logger.Debug(msg, zap.Error(err))
	}

	body := gin.H{"error": err.Error()}
	if kind := domain.KindOf(err); kind != "" && kind != "internal" {
		body["kind"] = kind
	}
	c.JSON(status, body)
}

// StatusFor returns the HTTP status for an orchestrator error
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, domain.ErrBackendUnavailable), errors.Is(err, domain.ErrOrchestratorStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
