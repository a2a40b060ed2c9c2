package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Version is reported by the health endpoint; overridden at build time
var Version = "dev"

// HealthHandler handles health check requests
type HealthHandler struct {
	jobs JobService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(jobs JobService) *HealthHandler {
	return &HealthHandler{
		jobs: jobs,
	}
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Orchestrator struct {
		Running bool  `json:"running"`
		Queued  int64 `json:"queued"`
		Active  int64 `json:"active"`
	} `json:"orchestrator"`
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	response := HealthResponse{
		Status:  "ok",
		Version: Version,
	}
	response.Orchestrator.Running = h.jobs.IsRunning()
	if stats, err := h.jobs.Stats(); err == nil {
		response.Orchestrator.Queued = stats.Queued
		response.Orchestrator.Active = stats.Running
	}

	c.JSON(http.StatusOK, response)
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.jobs.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "orchestrator not running",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
