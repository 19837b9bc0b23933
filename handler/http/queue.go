package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"aftermeet/src/infrastructure/job"
)

type retryFailedRequest struct {
	MaxResubmissions int `json:"maxResubmissions" binding:"omitempty,min=1"`
	Limit            int `json:"limit" binding:"omitempty,min=1"`
}

type cleanQueueRequest struct {
	// OlderThan is a duration such as "1h"; terminal jobs finished before
	// now minus OlderThan are removed.
	OlderThan string `json:"olderThan" binding:"required"`
}

const (
	defaultMaxResubmissions = 3
	defaultRetryLimit       = 100
)

// ListQueues godoc
// @Summary Job counts per state for every queue
// @Tags queues
// @Produce json
// @Success 200 {array} job.Summary
// @Router /queues [get]
func (h *Handler) ListQueues(c *gin.Context) {
	summaries, err := h.pipeline.Jobs().Summaries(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, summaries)
}

func (h *Handler) GetQueue(c *gin.Context) {
	summary, err := h.pipeline.Jobs().Summary(c.Request.Context(), job.QueueName(c.Param("queue")))
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, summary)
}

// ListJobs godoc
// @Summary List jobs of a queue
// @Tags queues
// @Produce json
// @Param queue path string true "Queue name"
// @Param state query []string false "Filter by state"
// @Success 200 {array} job.Job
// @Failure 400 {object} ErrorResponse
// @Router /queues/{queue}/jobs [get]
func (h *Handler) ListJobs(c *gin.Context) {
	states, err := job.ParseStates(c.QueryArray("state"))
	if err != nil {
		sendError(c, http.StatusBadRequest, err)
		return
	}

	jobs, err := h.pipeline.Jobs().List(c.Request.Context(), job.QueueName(c.Param("queue")), states...)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	sendJSON(c, http.StatusOK, jobs)
}

func (h *Handler) GetJob(c *gin.Context) {
	j, err := h.pipeline.Jobs().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, j)
}

func (h *Handler) PauseQueue(c *gin.Context) {
	if err := h.pipeline.Jobs().Pause(c.Request.Context(), job.QueueName(c.Param("queue"))); err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ResumeQueue(c *gin.Context) {
	if err := h.pipeline.Jobs().Resume(c.Request.Context(), job.QueueName(c.Param("queue"))); err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RetryFailed godoc
// @Summary Resubmit retryable failed jobs of a queue
// @Tags queues
// @Accept json
// @Produce json
// @Param queue path string true "Queue name"
// @Param body body retryFailedRequest false "Resubmission limits"
// @Success 200 {array} job.Job
// @Failure 400 {object} ErrorResponse
// @Router /queues/{queue}/retry-failed [post]
func (h *Handler) RetryFailed(c *gin.Context) {
	var req retryFailedRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, err)
			return
		}
	}
	if req.MaxResubmissions == 0 {
		req.MaxResubmissions = defaultMaxResubmissions
	}
	if req.Limit == 0 {
		req.Limit = defaultRetryLimit
	}

	jobs, err := h.pipeline.Jobs().RetryFailed(c.Request.Context(), job.QueueName(c.Param("queue")), req.MaxResubmissions, req.Limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	sendJSON(c, http.StatusOK, jobs)
}

func (h *Handler) CleanQueue(c *gin.Context) {
	var req cleanQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, err)
		return
	}
	olderThan, err := time.ParseDuration(req.OlderThan)
	if err != nil || olderThan < 0 {
		sendError(c, http.StatusBadRequest, fmt.Errorf("invalid olderThan %q", req.OlderThan))
		return
	}

	n, err := h.pipeline.Jobs().Clean(c.Request.Context(), job.QueueName(c.Param("queue")), h.now().Add(-olderThan))
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, gin.H{"removed": n})
}
