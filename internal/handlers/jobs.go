package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/caldermay/pathforge-backend/internal/services"
)

type JobsHandler struct {
	jobs services.JobService
}

func NewJobsHandler(jobs services.JobService) *JobsHandler {
	return &JobsHandler{jobs: jobs}
}

type createBuildJobRequest struct {
	PathID string `json:"path_id" binding:"required"`
}

// POST /api/jobs/build
func (h *JobsHandler) CreateBuildJob(c *gin.Context) {
	var req createBuildJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	pathID, err := uuid.Parse(req.PathID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_path_id", err)
		return
	}
	job, err := h.jobs.CreateBuildJob(c.Request.Context(), pathID)
	if err != nil {
		RespondServiceError(c, "create_build_job_failed", err)
		return
	}
	RespondCreated(c, gin.H{"job": job})
}

// GET /api/jobs
func (h *JobsHandler) ListJobs(c *gin.Context) {
	jobs, err := h.jobs.FindAll(c.Request.Context())
	if err != nil {
		RespondServiceError(c, "list_jobs_failed", err)
		return
	}
	RespondOK(c, gin.H{"jobs": jobs})
}

// GET /api/jobs/:id
func (h *JobsHandler) GetJobByID(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.FindOne(c.Request.Context(), jobID)
	if err != nil {
		RespondServiceError(c, "job_not_found", err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs/:id/progress
func (h *JobsHandler) GetJobProgress(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	progress, err := h.jobs.GetJobProgress(c.Request.Context(), jobID)
	if err != nil {
		RespondServiceError(c, "job_not_found", err)
		return
	}
	RespondOK(c, progress)
}

// GET /api/jobs/path/:pathId
func (h *JobsHandler) ListJobsByPath(c *gin.Context) {
	pathID, err := uuid.Parse(c.Param("pathId"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_path_id", err)
		return
	}
	jobs, err := h.jobs.FindByPath(c.Request.Context(), pathID)
	if err != nil {
		RespondServiceError(c, "list_jobs_failed", err)
		return
	}
	RespondOK(c, gin.H{"jobs": jobs})
}

// GET /api/jobs/path/:pathId/active
func (h *JobsHandler) GetActiveJob(c *gin.Context) {
	pathID, err := uuid.Parse(c.Param("pathId"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_path_id", err)
		return
	}
	job, err := h.jobs.GetActiveJob(c.Request.Context(), pathID)
	if err != nil {
		RespondServiceError(c, "get_active_job_failed", err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// DELETE /api/jobs/:id
func (h *JobsHandler) CancelJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.CancelJob(c.Request.Context(), jobID)
	if err != nil {
		RespondServiceError(c, "cancel_job_failed", err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}
