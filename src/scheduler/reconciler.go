package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"aftermeet/src/infrastructure/integrations/calendar"
	"aftermeet/src/infrastructure/job"
	"aftermeet/src/infrastructure/lock"
	"aftermeet/src/infrastructure/metrics"
	"aftermeet/src/jobctrl"
	"aftermeet/src/storage/postgres/accountctrl"
	"aftermeet/src/storage/postgres/meetingctrl"
	"aftermeet/src/storage/postgres/socialpostctrl"
)

const (
	SweepScheduleBots     = "schedule-bots"
	SweepPruneJobs        = "prune-jobs"
	SweepDailyCleanup     = "daily-cleanup"
	SweepRetryFailed      = "retry-failed"
	SweepContentAndPosts  = "content-and-posts"
	SweepFetchTranscripts = "fetch-transcripts"
	SweepCalendarSync     = "calendar-sync"

	// CalendarPlatform is the account platform holding calendar tokens.
	CalendarPlatform = "google"
)

var ErrUnknownSweep = errors.New("unknown sweep")

type MeetingSource interface {
	ListUpcomingWithoutBot(ctx context.Context, from, to time.Time) ([]meetingctrl.Meeting, error)
	ListAwaitingTranscript(ctx context.Context, endedBefore time.Time) ([]meetingctrl.Meeting, error)
	ListReadyForContent(ctx context.Context) ([]meetingctrl.Meeting, error)
	UpsertFromCalendar(ctx context.Context, m *meetingctrl.Meeting) (*meetingctrl.Meeting, error)
}

type PostSource interface {
	ListDueApproved(ctx context.Context, now time.Time) ([]socialpostctrl.SocialPost, error)
}

type AccountSource interface {
	ListByPlatform(ctx context.Context, platform string) ([]accountctrl.SocialAccount, error)
}

type CalendarSource interface {
	ListUpcomingEvents(ctx context.Context, token *oauth2.Token, from, to time.Time) ([]calendar.Event, error)
}

type Config struct {
	ScheduleBotsInterval     time.Duration
	PruneJobsInterval        time.Duration
	DailyCleanupInterval     time.Duration
	RetryFailedInterval      time.Duration
	ContentAndPostsInterval  time.Duration
	FetchTranscriptsInterval time.Duration
	CalendarSyncInterval     time.Duration

	// Lookahead is how far ahead schedule-bots looks for meetings.
	Lookahead time.Duration
	// BotLeadTime is how long before the start a bot is created.
	BotLeadTime time.Duration
	// CalendarHorizon is how far ahead calendar-sync imports events.
	CalendarHorizon time.Duration
	Platforms       []string
	CleanupAge      time.Duration
	PruneAge        time.Duration
	StallTimeout    time.Duration
	// MaxResubmissions caps how often retry-failed clones one job lineage.
	MaxResubmissions int
	ResubmitLimit    int
	// RecordCalendarMeetings enables recording on meetings imported from calendars.
	RecordCalendarMeetings bool
}

func DefaultConfig() Config {
	return Config{
		ScheduleBotsInterval:     5 * time.Minute,
		PruneJobsInterval:        time.Hour,
		DailyCleanupInterval:     24 * time.Hour,
		RetryFailedInterval:      30 * time.Minute,
		ContentAndPostsInterval:  15 * time.Minute,
		FetchTranscriptsInterval: 5 * time.Minute,
		CalendarSyncInterval:     15 * time.Minute,

		Lookahead:              20 * time.Minute,
		BotLeadTime:            15 * time.Minute,
		CalendarHorizon:        24 * time.Hour,
		Platforms:              []string{"linkedin", "facebook"},
		CleanupAge:             30 * 24 * time.Hour,
		PruneAge:               time.Hour,
		StallTimeout:           30 * time.Minute,
		MaxResubmissions:       3,
		ResubmitLimit:          100,
		RecordCalendarMeetings: true,
	}
}

// Sweep is one periodic reconciliation pass.
type Sweep struct {
	Name     string
	Interval time.Duration
	run      func(ctx context.Context, l logr.Logger) error
}

// Reconciler inspects meetings and posts on fixed intervals and enqueues the
// jobs their state calls for. It never writes the fields handlers own.
type Reconciler struct {
	pipeline  *jobctrl.PipelineService
	meetings  MeetingSource
	posts     PostSource
	accounts  AccountSource
	calendar  CalendarSource
	locker    lock.Locker
	cfg       Config
	now       func() time.Time
	newTicker TickerFactory
	logger    logr.Logger
	sweeps    []Sweep
}

type Option func(r *Reconciler)

// WithLocker guards each sweep with a lease so only one scheduler process
// runs it per tick.
func WithLocker(l lock.Locker) Option {
	return func(r *Reconciler) { r.locker = l }
}

// WithCalendar enables the calendar-sync sweep.
func WithCalendar(accounts AccountSource, source CalendarSource) Option {
	return func(r *Reconciler) {
		r.accounts = accounts
		r.calendar = source
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithTickerFactory(f TickerFactory) Option {
	return func(r *Reconciler) { r.newTicker = f }
}

func WithLogger(l logr.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

func NewReconciler(pipeline *jobctrl.PipelineService, meetings MeetingSource, posts PostSource, cfg Config, opts ...Option) *Reconciler {
	r := &Reconciler{
		pipeline:  pipeline,
		meetings:  meetings,
		posts:     posts,
		locker:    lock.NopLocker{},
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		newTicker: newRealTicker,
		logger:    logr.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithName("reconciler")

	r.sweeps = []Sweep{
		{Name: SweepScheduleBots, Interval: cfg.ScheduleBotsInterval, run: r.scheduleBots},
		{Name: SweepPruneJobs, Interval: cfg.PruneJobsInterval, run: r.pruneJobs},
		{Name: SweepDailyCleanup, Interval: cfg.DailyCleanupInterval, run: r.dailyCleanup},
		{Name: SweepRetryFailed, Interval: cfg.RetryFailedInterval, run: r.retryFailed},
		{Name: SweepContentAndPosts, Interval: cfg.ContentAndPostsInterval, run: r.contentAndPosts},
		{Name: SweepFetchTranscripts, Interval: cfg.FetchTranscriptsInterval, run: r.fetchTranscripts},
	}
	if r.calendar != nil && r.accounts != nil {
		r.sweeps = append(r.sweeps, Sweep{Name: SweepCalendarSync, Interval: cfg.CalendarSyncInterval, run: r.calendarSync})
	}
	return r
}

// Sweeps returns the enabled sweeps in registration order.
func (r *Reconciler) Sweeps() []Sweep {
	return append([]Sweep(nil), r.sweeps...)
}

// RunSweep runs the named sweep once. A sweep whose lease is held elsewhere
// is skipped without error.
func (r *Reconciler) RunSweep(ctx context.Context, name string) error {
	for _, s := range r.sweeps {
		if s.Name == name {
			return r.runSweep(ctx, s)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownSweep, name)
}

func (r *Reconciler) runSweep(ctx context.Context, s Sweep) error {
	l := r.logger.WithValues("sweep", s.Name)

	ttl := s.Interval
	if ttl <= 0 {
		ttl = time.Minute
	}
	unlock, ok, err := r.locker.TryLock(ctx, s.Name, ttl)
	if err != nil {
		metrics.SweepRuns.WithLabelValues(s.Name, "error").Inc()
		return fmt.Errorf("failed to lock sweep %s: %w", s.Name, err)
	}
	if !ok {
		metrics.SweepRuns.WithLabelValues(s.Name, "skipped").Inc()
		l.V(1).Info("sweep held by another scheduler")
		return nil
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			l.Error(err, "failed to release sweep lock")
		}
	}()

	start := time.Now()
	if err := s.run(ctx, l); err != nil {
		metrics.SweepRuns.WithLabelValues(s.Name, "error").Inc()
		return fmt.Errorf("sweep %s: %w", s.Name, err)
	}
	metrics.SweepRuns.WithLabelValues(s.Name, "ok").Inc()
	l.V(1).Info("sweep finished", "took", time.Since(start))
	return nil
}

// Run ticks every sweep on its own interval until ctx is done. A failing
// sweep is logged and tried again on its next tick.
func (r *Reconciler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range r.sweeps {
		sweep := s
		if sweep.Interval <= 0 {
			r.logger.Info("sweep disabled", "sweep", sweep.Name)
			continue
		}
		g.Go(func() error {
			ticker := r.newTicker(sweep.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.Chan():
					if err := r.runSweep(ctx, sweep); err != nil {
						r.logger.Error(err, "sweep failed", "sweep", sweep.Name)
					}
				}
			}
		})
	}
	r.logger.Info("reconciler started", "sweeps", len(r.sweeps))
	return g.Wait()
}

// itemFailed logs a per-item error; the sweep carries on with the rest.
func itemFailed(l logr.Logger, sweep string, err error, msg string, keysAndValues ...interface{}) {
	metrics.SweepItemErrors.WithLabelValues(sweep).Inc()
	l.Error(err, msg, keysAndValues...)
}

func (r *Reconciler) scheduleBots(ctx context.Context, l logr.Logger) error {
	now := r.now()
	meetings, err := r.meetings.ListUpcomingWithoutBot(ctx, now, now.Add(r.cfg.Lookahead))
	if err != nil {
		return err
	}

	for _, m := range meetings {
		runAt := m.StartTime.Add(-r.cfg.BotLeadTime)
		j, err := r.pipeline.ScheduleBot(ctx, m.ID, runAt)
		switch {
		case errors.Is(err, job.ErrDuplicateJob):
			l.V(1).Info("bot already scheduled", "meeting_id", m.ID)
		case err != nil:
			itemFailed(l, SweepScheduleBots, err, "failed to schedule bot", "meeting_id", m.ID)
		default:
			l.Info("bot scheduled", "meeting_id", m.ID, "job_id", j.ID, "run_at", j.RunAt)
		}
	}
	return nil
}

func (r *Reconciler) pruneJobs(ctx context.Context, l logr.Logger) error {
	cutoff := r.now().Add(-r.cfg.PruneAge)
	for _, q := range job.Queues {
		n, err := r.pipeline.Jobs().Clean(ctx, q, cutoff)
		if err != nil {
			itemFailed(l, SweepPruneJobs, err, "failed to prune queue", "queue", q)
			continue
		}
		if n > 0 {
			l.Info("jobs pruned", "queue", q, "count", n)
		}
	}
	return nil
}

func (r *Reconciler) dailyCleanup(ctx context.Context, l logr.Logger) error {
	cutoff := r.now().Add(-r.cfg.CleanupAge)
	j, err := r.pipeline.ScheduleCleanup(ctx, jobctrl.Categories, cutoff)
	if errors.Is(err, job.ErrDuplicateJob) {
		l.V(1).Info("cleanup already pending")
		return nil
	}
	if err != nil {
		return err
	}
	l.Info("cleanup scheduled", "job_id", j.ID, "cutoff", cutoff)
	return nil
}

// retryQueues are resubmitted by retry-failed. Publishing is left out so an
// exhausted post is never published twice.
var retryQueues = []job.QueueName{job.QueueBotLifecycle, job.QueueContentGeneration}

func (r *Reconciler) retryFailed(ctx context.Context, l logr.Logger) error {
	jobs := r.pipeline.Jobs()
	for _, q := range retryQueues {
		if _, err := jobs.RetryFailed(ctx, q, r.cfg.MaxResubmissions, r.cfg.ResubmitLimit); err != nil {
			itemFailed(l, SweepRetryFailed, err, "failed to resubmit failed jobs", "queue", q)
		}
	}

	stalledBefore := r.now().Add(-r.cfg.StallTimeout)
	for _, q := range job.Queues {
		if _, err := jobs.RequeueStalled(ctx, q, stalledBefore); err != nil {
			itemFailed(l, SweepRetryFailed, err, "failed to requeue stalled jobs", "queue", q)
		}
	}
	return nil
}

func (r *Reconciler) contentAndPosts(ctx context.Context, l logr.Logger) error {
	var errs []error

	meetings, err := r.meetings.ListReadyForContent(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list meetings ready for content: %w", err))
	}
	for _, m := range meetings {
		j, err := r.pipeline.ScheduleContent(ctx, m.ID, r.cfg.Platforms)
		switch {
		case errors.Is(err, job.ErrDuplicateJob):
		case err != nil:
			itemFailed(l, SweepContentAndPosts, err, "failed to schedule content", "meeting_id", m.ID)
		default:
			l.Info("content scheduled", "meeting_id", m.ID, "job_id", j.ID)
		}
	}

	posts, err := r.posts.ListDueApproved(ctx, r.now())
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list due posts: %w", err))
	}
	for _, p := range posts {
		j, err := r.pipeline.SchedulePost(ctx, p.ID, time.Time{})
		switch {
		case errors.Is(err, job.ErrDuplicateJob):
		case err != nil:
			itemFailed(l, SweepContentAndPosts, err, "failed to schedule post", "post_id", p.ID)
		default:
			l.Info("post scheduled", "post_id", p.ID, "platform", p.Platform, "job_id", j.ID)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) fetchTranscripts(ctx context.Context, l logr.Logger) error {
	meetings, err := r.meetings.ListAwaitingTranscript(ctx, r.now())
	if err != nil {
		return err
	}
	for _, m := range meetings {
		j, err := r.pipeline.FetchTranscript(ctx, m.ID, 0)
		switch {
		case errors.Is(err, job.ErrDuplicateJob):
		case err != nil:
			itemFailed(l, SweepFetchTranscripts, err, "failed to schedule transcript fetch", "meeting_id", m.ID)
		default:
			l.Info("transcript fetch scheduled", "meeting_id", m.ID, "job_id", j.ID)
		}
	}
	return nil
}

// calendarSync imports upcoming events with a meeting link for every user
// with a linked calendar. Only schedule fields are written.
func (r *Reconciler) calendarSync(ctx context.Context, l logr.Logger) error {
	accounts, err := r.accounts.ListByPlatform(ctx, CalendarPlatform)
	if err != nil {
		return err
	}

	now := r.now()
	for _, a := range accounts {
		events, err := r.calendar.ListUpcomingEvents(ctx, &oauth2.Token{AccessToken: a.AccessToken}, now, now.Add(r.cfg.CalendarHorizon))
		if err != nil {
			itemFailed(l, SweepCalendarSync, err, "failed to list calendar events", "user_id", a.UserID)
			continue
		}
		for _, ev := range events {
			if ev.MeetingURL == "" {
				continue
			}
			_, err := r.meetings.UpsertFromCalendar(ctx, &meetingctrl.Meeting{
				UserID:          a.UserID,
				CalendarEventID: ev.ID,
				Title:           ev.Title,
				MeetingURL:      ev.MeetingURL,
				StartTime:       ev.Start,
				EndTime:         ev.End,
				RecallEnabled:   r.cfg.RecordCalendarMeetings,
			})
			if err != nil {
				itemFailed(l, SweepCalendarSync, err, "failed to upsert calendar meeting", "user_id", a.UserID, "event_id", ev.ID)
			}
		}
	}
	return nil
}
