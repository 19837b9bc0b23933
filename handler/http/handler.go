package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aftermeet/src/infrastructure/job"
	"aftermeet/src/jobctrl"
	"aftermeet/src/storage/postgres/socialpostctrl"
)

// PostApprover records a user's approval of a generated draft.
type PostApprover interface {
	GetByID(ctx context.Context, id int64) (*socialpostctrl.SocialPost, error)
	Approve(ctx context.Context, id int64, approvedAt, scheduledTime time.Time) error
}

type Handler struct {
	pipeline *jobctrl.PipelineService
	posts    PostApprover
	now      func() time.Time
}

func NewHandler(pipeline *jobctrl.PipelineService, posts PostApprover) *Handler {
	return &Handler{
		pipeline: pipeline,
		posts:    posts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.CheckHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")

	// Queue administration
	v1.GET("/queues", h.ListQueues)
	v1.GET("/queues/:queue", h.GetQueue)
	v1.GET("/queues/:queue/jobs", h.ListJobs)
	v1.POST("/queues/:queue/pause", h.PauseQueue)
	v1.POST("/queues/:queue/resume", h.ResumeQueue)
	v1.POST("/queues/:queue/retry-failed", h.RetryFailed)
	v1.POST("/queues/:queue/clean", h.CleanQueue)
	v1.GET("/jobs/:id", h.GetJob)

	// Meeting pipeline
	v1.POST("/meetings/:id/bot", h.ScheduleBot)
	v1.DELETE("/meetings/:id/bot", h.CancelBot)
	v1.POST("/meetings/:id/bot/stop", h.StopBot)
	v1.POST("/meetings/:id/transcript", h.FetchTranscript)
	v1.POST("/meetings/:id/content", h.ScheduleContent)

	// Social posts
	v1.POST("/posts/:id/approve", h.ApprovePost)
	v1.POST("/posts/:id/publish", h.SchedulePost)
	v1.DELETE("/posts/:id/publish", h.CancelPost)

	v1.POST("/cleanup", h.ScheduleCleanup)
}

// Common error response structure
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// sendError maps known errors to their status; status is used for the rest.
func sendError(c *gin.Context, status int, err error) {
	code := "INTERNAL_ERROR"
	var queueErr *job.InvalidQueueError
	var payloadErr *job.InvalidPayloadError
	switch {
	case errors.As(err, &queueErr):
		code, status = "INVALID_QUEUE", http.StatusBadRequest
	case errors.As(err, &payloadErr):
		code, status = "INVALID_PAYLOAD", http.StatusBadRequest
	case errors.Is(err, job.ErrJobNotFound), errors.Is(err, socialpostctrl.ErrPostNotFound):
		code, status = "NOT_FOUND", http.StatusNotFound
	case errors.Is(err, job.ErrDuplicateJob):
		code, status = "DUPLICATE_JOB", http.StatusConflict
	case errors.Is(err, errPostNotDraft):
		code, status = "INVALID_STATE", http.StatusConflict
	case status == http.StatusBadRequest:
		code = "BAD_REQUEST"
	default:
		status = http.StatusInternalServerError
	}

	c.JSON(status, ErrorResponse{
		Code:    code,
		Message: err.Error(),
	})
}

func sendJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// sendJob answers an enqueue. A duplicate is not an error for the caller:
// the already open job comes back with 200 instead of 202.
func sendJob(c *gin.Context, j *job.Job, err error) {
	switch {
	case errors.Is(err, job.ErrDuplicateJob) && j != nil:
		sendJSON(c, http.StatusOK, enqueueResponse{Job: j, Duplicate: true})
	case err != nil:
		sendError(c, http.StatusInternalServerError, err)
	default:
		sendJSON(c, http.StatusAccepted, enqueueResponse{Job: j})
	}
}

type enqueueResponse struct {
	Job       *job.Job `json:"job"`
	Duplicate bool     `json:"duplicate,omitempty"`
}

type healthResponse struct {
	Status string        `json:"status"`
	Queues []job.Summary `json:"queues"`
}

// CheckHealth godoc
// @Summary Check that the job store answers
// @Tags system
// @Produce json
// @Success 200 {object} healthResponse
// @Failure 500 {object} ErrorResponse
// @Router /health [get]
func (h *Handler) CheckHealth(c *gin.Context) {
	summaries, err := h.pipeline.Jobs().Summaries(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, healthResponse{Status: "ok", Queues: summaries})
}
