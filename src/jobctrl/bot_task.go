package jobctrl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aftermeet/src/infrastructure/integrations/apierror"
	"aftermeet/src/infrastructure/integrations/recall"
	"aftermeet/src/infrastructure/job"
	"aftermeet/src/infrastructure/log"
	"aftermeet/src/storage/postgres/meetingctrl"
)

const (
	DefaultBotName = "AfterMeet Notetaker"
	// DefaultJoinGrace is how long after the start a bot may still be sent.
	DefaultJoinGrace = 5 * time.Minute
)

type BotTask struct {
	meetings    MeetingRepository
	recorder    RecordingService
	transcripts TranscriptStorage
	botName     string
	joinGrace   time.Duration
	now         clock
}

func NewBotTask(meetings MeetingRepository, recorder RecordingService, transcripts TranscriptStorage) *BotTask {
	return &BotTask{
		meetings:    meetings,
		recorder:    recorder,
		transcripts: transcripts,
		botName:     DefaultBotName,
		joinGrace:   DefaultJoinGrace,
		now:         systemClock,
	}
}

// SetBotName changes the name bots show in the meeting. Empty keeps the default.
func (task *BotTask) SetBotName(name string) {
	if name != "" {
		task.botName = name
	}
}

// upstreamFailure makes err permanent unless calling again may succeed.
func upstreamFailure(err error) error {
	if errors.Is(err, recall.ErrNotFound) || !apierror.IsRetryable(err) {
		return job.Permanent(err)
	}
	return err
}

// settle records err against stage of the meeting once it ends the job for
// good, either permanently or on the last attempt. The reconciler stops
// selecting the meeting for that stage until the stage succeeds again.
func settle(ctx context.Context, meetings MeetingRepository, exec *job.Execution, meetingID int64, stage meetingctrl.Stage, err error) error {
	if err == nil || meetingID == 0 || (!job.IsPermanent(err) && !exec.FinalAttempt()) {
		return err
	}
	rerr := meetings.RecordError(context.WithoutCancel(ctx), meetingID, stage, err.Error())
	if rerr != nil && !errors.Is(rerr, meetingctrl.ErrMeetingNotFound) {
		log.Error(rerr, "failed to record meeting error", "meeting_id", meetingID, "stage", stage)
	}
	return err
}

func (task *BotTask) loadMeeting(ctx context.Context, id int64) (*meetingctrl.Meeting, error) {
	m, err := task.meetings.GetByID(ctx, id)
	if errors.Is(err, meetingctrl.ErrMeetingNotFound) {
		return nil, job.Permanent(fmt.Errorf("meeting %d: %w", id, err))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meeting %d: %w", id, err)
	}
	return m, nil
}

// HandleCreateBot sends a recording bot to an upcoming meeting. On failure
// the meeting is left scheduled.
func (task *BotTask) HandleCreateBot(ctx context.Context, exec *job.Execution) error {
	var payload MeetingPayload
	if err := exec.Decode(&payload); err != nil {
		return err
	}
	err := task.createBot(ctx, exec, payload.MeetingID)
	return settle(ctx, task.meetings, exec, payload.MeetingID, meetingctrl.StageBot, err)
}

func (task *BotTask) createBot(ctx context.Context, exec *job.Execution, meetingID int64) error {
	m, err := task.loadMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	l := log.WithValues("meeting_id", m.ID, "job_id", exec.Job.ID)

	if m.BotID != "" {
		l.Info("bot already assigned, nothing to do", "bot_id", m.BotID)
		return nil
	}
	if m.Status == meetingctrl.StatusCancelled {
		return job.Permanent(fmt.Errorf("meeting %d is cancelled", m.ID))
	}
	if !m.RecallEnabled {
		return job.Permanent(fmt.Errorf("meeting %d has recording disabled", m.ID))
	}
	now := task.now()
	if now.After(m.StartTime.Add(task.joinGrace)) || !now.Before(m.EndTime) {
		return job.Permanent(fmt.Errorf("meeting %d started at %s and can no longer be joined", m.ID, m.StartTime.Format(time.RFC3339)))
	}
	if err := recall.ValidateMeetingURL(m.MeetingURL); err != nil {
		return job.Permanent(fmt.Errorf("meeting %d: %w", m.ID, err))
	}
	exec.ReportProgress(ctx, 20)

	req := recall.CreateBotRequest{MeetingURL: m.MeetingURL, BotName: task.botName}
	if m.StartTime.After(now) {
		joinAt := m.StartTime
		req.JoinAt = &joinAt
	}
	bot, err := task.recorder.CreateBot(ctx, req)
	if err != nil {
		return upstreamFailure(fmt.Errorf("failed to create bot for meeting %d: %w", m.ID, err))
	}
	exec.ReportProgress(ctx, 70)

	if err := task.meetings.AssignBot(ctx, m.ID, bot.ID); err != nil {
		// Do not leave an untracked bot behind; a retry will create a new one.
		if derr := task.recorder.DeleteBot(ctx, bot.ID); derr != nil {
			l.Error(derr, "failed to delete untracked bot", "bot_id", bot.ID)
		}
		return fmt.Errorf("failed to assign bot %s to meeting %d: %w", bot.ID, m.ID, err)
	}

	exec.ReportProgress(ctx, 100)
	l.Info("bot created", "bot_id", bot.ID)
	return nil
}

// HandleStopBot removes the meeting's bot. A bot the service no longer
// knows counts as removed.
func (task *BotTask) HandleStopBot(ctx context.Context, exec *job.Execution) error {
	var payload StopBotPayload
	if err := exec.Decode(&payload); err != nil {
		return err
	}

	botID := payload.BotID
	m, err := task.meetings.GetByID(ctx, payload.MeetingID)
	switch {
	case errors.Is(err, meetingctrl.ErrMeetingNotFound):
		if botID == "" {
			return nil
		}
		m = nil
	case err != nil:
		return fmt.Errorf("failed to get meeting %d: %w", payload.MeetingID, err)
	case botID == "":
		botID = m.BotID
	}
	if botID == "" {
		return nil
	}

	if err := task.recorder.DeleteBot(ctx, botID); err != nil && !errors.Is(err, recall.ErrNotFound) {
		return upstreamFailure(fmt.Errorf("failed to delete bot %s: %w", botID, err))
	}
	exec.ReportProgress(ctx, 60)

	if m != nil && m.BotID == botID {
		if err := task.meetings.ClearBot(ctx, m.ID); err != nil {
			return fmt.Errorf("failed to clear bot of meeting %d: %w", m.ID, err)
		}
	}
	log.Info("bot stopped", "meeting_id", payload.MeetingID, "bot_id", botID)
	return nil
}

// HandleFetchTranscript stores the transcript of a finished recording and
// completes the meeting. Not-ready transcripts fail retryably so the job
// polls on its backoff.
func (task *BotTask) HandleFetchTranscript(ctx context.Context, exec *job.Execution) error {
	var payload MeetingPayload
	if err := exec.Decode(&payload); err != nil {
		return err
	}
	err := task.fetchTranscript(ctx, exec, payload.MeetingID)
	return settle(ctx, task.meetings, exec, payload.MeetingID, meetingctrl.StageTranscript, err)
}

func (task *BotTask) fetchTranscript(ctx context.Context, exec *job.Execution, meetingID int64) error {
	m, err := task.loadMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	if m.TranscriptURL != "" {
		return nil
	}
	if m.BotID == "" {
		return job.Permanent(fmt.Errorf("meeting %d has no bot to fetch a transcript from", m.ID))
	}

	status, err := task.recorder.GetStatus(ctx, m.BotID)
	if errors.Is(err, recall.ErrNotFound) {
		return job.Permanent(fmt.Errorf("bot %s of meeting %d: %w", m.BotID, m.ID, err))
	}
	if err != nil {
		return upstreamFailure(fmt.Errorf("failed to get status of bot %s: %w", m.BotID, err))
	}
	if !status.Finished() {
		return fmt.Errorf("bot %s is %q: %w", m.BotID, status, recall.ErrNotReady)
	}
	if status == recall.StatusFatal {
		return job.Permanent(fmt.Errorf("recording of meeting %d failed", m.ID))
	}
	exec.ReportProgress(ctx, 30)

	text, err := task.recorder.GetTranscript(ctx, m.BotID)
	if err != nil {
		if errors.Is(err, recall.ErrNotReady) {
			return err
		}
		return upstreamFailure(fmt.Errorf("failed to get transcript of bot %s: %w", m.BotID, err))
	}
	exec.ReportProgress(ctx, 60)

	ref, err := task.transcripts.Save(ctx, m.ID, text)
	if err != nil {
		return fmt.Errorf("failed to save transcript of meeting %d: %w", m.ID, err)
	}
	if err := task.meetings.AttachTranscript(ctx, m.ID, ref); err != nil {
		return fmt.Errorf("failed to attach transcript to meeting %d: %w", m.ID, err)
	}

	exec.ReportProgress(ctx, 100)
	log.Info("transcript stored", "meeting_id", m.ID, "ref", ref, "length", len(text))
	return nil
}
