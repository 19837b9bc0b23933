package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"aftermeet/src/jobctrl"
	"aftermeet/src/storage/postgres/socialpostctrl"
)

var errPostNotDraft = errors.New("only draft posts can be approved")

type scheduleBotRequest struct {
	// RunAt defaults to now.
	RunAt time.Time `json:"runAt"`
}

type stopBotRequest struct {
	BotID string `json:"botId"`
}

type fetchTranscriptRequest struct {
	Delay string `json:"delay"`
}

type scheduleContentRequest struct {
	Platforms []string `json:"platforms" binding:"required,min=1"`
}

type approvePostRequest struct {
	// ScheduledTime defaults to now, publishing on the next draft scan.
	ScheduledTime time.Time `json:"scheduledTime"`
}

type schedulePostRequest struct {
	RunAt time.Time `json:"runAt"`
}

type scheduleCleanupRequest struct {
	Categories []string `json:"categories"`
	// OlderThan defaults to 720h (30 days).
	OlderThan string `json:"olderThan"`
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		sendError(c, http.StatusBadRequest, fmt.Errorf("invalid id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c *gin.Context, req interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		sendError(c, http.StatusBadRequest, err)
		return false
	}
	return true
}

// ScheduleBot godoc
// @Summary Schedule the recording bot of a meeting
// @Tags meetings
// @Accept json
// @Produce json
// @Param id path int true "Meeting ID"
// @Param body body scheduleBotRequest false "Join time"
// @Success 202 {object} enqueueResponse
// @Success 200 {object} enqueueResponse "already scheduled"
// @Failure 400 {object} ErrorResponse
// @Router /meetings/{id}/bot [post]
func (h *Handler) ScheduleBot(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req scheduleBotRequest
	if !bindOptional(c, &req) {
		return
	}

	j, err := h.pipeline.ScheduleBot(c.Request.Context(), id, req.RunAt)
	sendJob(c, j, err)
}

func (h *Handler) CancelBot(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	removed, err := h.pipeline.CancelBot(c.Request.Context(), id)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, gin.H{"cancelled": removed})
}

func (h *Handler) StopBot(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req stopBotRequest
	if !bindOptional(c, &req) {
		return
	}

	j, err := h.pipeline.StopBot(c.Request.Context(), id, req.BotID)
	sendJob(c, j, err)
}

func (h *Handler) FetchTranscript(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req fetchTranscriptRequest
	if !bindOptional(c, &req) {
		return
	}
	var delay time.Duration
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d < 0 {
			sendError(c, http.StatusBadRequest, fmt.Errorf("invalid delay %q", req.Delay))
			return
		}
		delay = d
	}

	j, err := h.pipeline.FetchTranscript(c.Request.Context(), id, delay)
	sendJob(c, j, err)
}

// ScheduleContent godoc
// @Summary Generate social drafts from a meeting transcript
// @Tags meetings
// @Accept json
// @Produce json
// @Param id path int true "Meeting ID"
// @Param body body scheduleContentRequest true "Target platforms"
// @Success 202 {object} enqueueResponse
// @Failure 400 {object} ErrorResponse
// @Router /meetings/{id}/content [post]
func (h *Handler) ScheduleContent(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req scheduleContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, err)
		return
	}

	j, err := h.pipeline.ScheduleContent(c.Request.Context(), id, req.Platforms)
	sendJob(c, j, err)
}

// ApprovePost godoc
// @Summary Approve a draft for publishing
// @Description The draft is published by the next scan once its scheduled time has passed.
// @Tags posts
// @Accept json
// @Produce json
// @Param id path int true "Post ID"
// @Param body body approvePostRequest false "Publish time"
// @Success 200 {object} socialpostctrl.SocialPost
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /posts/{id}/approve [post]
func (h *Handler) ApprovePost(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req approvePostRequest
	if !bindOptional(c, &req) {
		return
	}

	ctx := c.Request.Context()
	post, err := h.posts.GetByID(ctx, id)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	if post.Status != socialpostctrl.StatusDraft {
		sendError(c, http.StatusConflict, fmt.Errorf("post %d is %s: %w", id, post.Status, errPostNotDraft))
		return
	}

	now := h.now()
	scheduled := req.ScheduledTime
	if scheduled.IsZero() {
		scheduled = now
	}
	if err := h.posts.Approve(ctx, id, now, scheduled); err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	post.ApprovedAt = &now
	post.ScheduledTime = &scheduled
	sendJSON(c, http.StatusOK, post)
}

func (h *Handler) SchedulePost(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req schedulePostRequest
	if !bindOptional(c, &req) {
		return
	}

	j, err := h.pipeline.SchedulePost(c.Request.Context(), id, req.RunAt)
	sendJob(c, j, err)
}

func (h *Handler) CancelPost(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	removed, err := h.pipeline.CancelPost(c.Request.Context(), id)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, gin.H{"cancelled": removed})
}

func (h *Handler) ScheduleCleanup(c *gin.Context) {
	var req scheduleCleanupRequest
	if !bindOptional(c, &req) {
		return
	}
	if len(req.Categories) == 0 {
		req.Categories = jobctrl.Categories
	}
	olderThan := 30 * 24 * time.Hour
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d < 0 {
			sendError(c, http.StatusBadRequest, fmt.Errorf("invalid olderThan %q", req.OlderThan))
			return
		}
		olderThan = d
	}

	j, err := h.pipeline.ScheduleCleanup(c.Request.Context(), req.Categories, h.now().Add(-olderThan))
	sendJob(c, j, err)
}
