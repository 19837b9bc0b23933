package jobctrl

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"aftermeet/src/core/contentgen"
	"aftermeet/src/infrastructure/integrations/recall"
	"aftermeet/src/infrastructure/integrations/social"
	"aftermeet/src/infrastructure/job"
	"aftermeet/src/storage/postgres/accountctrl"
	"aftermeet/src/storage/postgres/meetingctrl"
	"aftermeet/src/storage/postgres/socialpostctrl"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeMeetings struct {
	mu       sync.Mutex
	meetings map[int64]*meetingctrl.Meeting
}

func (f *fakeMeetings) put(m meetingctrl.Meeting) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meetings == nil {
		f.meetings = make(map[int64]*meetingctrl.Meeting)
	}
	f.meetings[m.ID] = &m
}

func (f *fakeMeetings) get(id int64) meetingctrl.Meeting {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.meetings[id]
}

func (f *fakeMeetings) GetByID(ctx context.Context, id int64) (*meetingctrl.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return nil, meetingctrl.ErrMeetingNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMeetings) update(id int64, fn func(m *meetingctrl.Meeting)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return meetingctrl.ErrMeetingNotFound
	}
	fn(m)
	return nil
}

func (f *fakeMeetings) AssignBot(ctx context.Context, id int64, botID string) error {
	return f.update(id, func(m *meetingctrl.Meeting) {
		m.BotID = botID
		m.Status = meetingctrl.StatusInProgress
		m.BotError = ""
	})
}

func (f *fakeMeetings) ClearBot(ctx context.Context, id int64) error {
	return f.update(id, func(m *meetingctrl.Meeting) { m.BotID = "" })
}

func (f *fakeMeetings) AttachTranscript(ctx context.Context, id int64, ref string) error {
	return f.update(id, func(m *meetingctrl.Meeting) {
		m.TranscriptURL = ref
		m.Status = meetingctrl.StatusCompleted
		m.TranscriptError = ""
	})
}

func (f *fakeMeetings) MarkContentGenerated(ctx context.Context, id int64, at time.Time) error {
	return f.update(id, func(m *meetingctrl.Meeting) {
		m.ContentGeneratedAt = &at
		m.ContentError = ""
	})
}

func (f *fakeMeetings) RecordError(ctx context.Context, id int64, stage meetingctrl.Stage, message string) error {
	return f.update(id, func(m *meetingctrl.Meeting) {
		switch stage {
		case meetingctrl.StageBot:
			m.BotError = message
		case meetingctrl.StageTranscript:
			m.TranscriptError = message
		case meetingctrl.StageContent:
			m.ContentError = message
		}
	})
}

func (f *fakeMeetings) ListWithTranscriptBefore(ctx context.Context, cutoff time.Time) ([]meetingctrl.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []meetingctrl.Meeting
	for _, m := range f.meetings {
		if m.TranscriptURL != "" && m.EndTime.Before(cutoff) {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeMeetings) ClearTranscript(ctx context.Context, id int64) error {
	return f.update(id, func(m *meetingctrl.Meeting) { m.TranscriptURL = "" })
}

func (f *fakeMeetings) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, m := range f.meetings {
		if m.EndTime.Before(cutoff) && (m.Status == meetingctrl.StatusCancelled || m.TranscriptURL == "") {
			delete(f.meetings, id)
			n++
		}
	}
	return n, nil
}

type fakePosts struct {
	mu     sync.Mutex
	nextID int64
	posts  map[int64]*socialpostctrl.SocialPost
}

func (f *fakePosts) put(p socialpostctrl.SocialPost) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posts == nil {
		f.posts = make(map[int64]*socialpostctrl.SocialPost)
	}
	f.posts[p.ID] = &p
}

func (f *fakePosts) get(id int64) socialpostctrl.SocialPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.posts[id]
}

func (f *fakePosts) GetByID(ctx context.Context, id int64) (*socialpostctrl.SocialPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[id]
	if !ok {
		return nil, socialpostctrl.ErrPostNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePosts) GetByMeetingID(ctx context.Context, meetingID int64) ([]socialpostctrl.SocialPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []socialpostctrl.SocialPost
	for _, p := range f.posts {
		if p.MeetingID == meetingID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakePosts) CreateDraft(ctx context.Context, meetingID, userID int64, platform, content string) (*socialpostctrl.SocialPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posts == nil {
		f.posts = make(map[int64]*socialpostctrl.SocialPost)
	}
	f.nextID++
	p := &socialpostctrl.SocialPost{
		ID:        1000 + f.nextID,
		MeetingID: meetingID,
		UserID:    userID,
		Platform:  platform,
		Content:   content,
		Status:    socialpostctrl.StatusDraft,
	}
	f.posts[p.ID] = p
	cp := *p
	return &cp, nil
}

func (f *fakePosts) update(id int64, fn func(p *socialpostctrl.SocialPost)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[id]
	if !ok {
		return socialpostctrl.ErrPostNotFound
	}
	fn(p)
	return nil
}

func (f *fakePosts) MarkPosted(ctx context.Context, id int64, platformPostID string, postedAt time.Time) error {
	return f.update(id, func(p *socialpostctrl.SocialPost) {
		p.Status = socialpostctrl.StatusPosted
		p.PlatformPostID = platformPostID
		p.PostedAt = &postedAt
		p.ErrorMessage = ""
	})
}

func (f *fakePosts) MarkFailed(ctx context.Context, id int64, msg string) error {
	return f.update(id, func(p *socialpostctrl.SocialPost) {
		p.Status = socialpostctrl.StatusFailed
		p.ErrorMessage = msg
	})
}

func (f *fakePosts) RecordError(ctx context.Context, id int64, msg string) error {
	return f.update(id, func(p *socialpostctrl.SocialPost) { p.ErrorMessage = msg })
}

func (f *fakePosts) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, p := range f.posts {
		if p.CreatedAt.Before(cutoff) && (p.Status == socialpostctrl.StatusFailed || (p.Status == socialpostctrl.StatusDraft && p.ApprovedAt == nil)) {
			delete(f.posts, id)
			n++
		}
	}
	return n, nil
}

type fakeAccounts map[string]*accountctrl.SocialAccount

func (f fakeAccounts) Get(ctx context.Context, userID int64, platform string) (*accountctrl.SocialAccount, error) {
	a, ok := f[fmt.Sprintf("%d/%s", userID, platform)]
	if !ok {
		return nil, accountctrl.ErrAccountNotLinked
	}
	return a, nil
}

type fakeRecorder struct {
	mu          sync.Mutex
	created     []recall.CreateBotRequest
	deleted     []string
	createErr   error
	deleteErr   error
	status      recall.Status
	statusErr   error
	transcript  string
	transcriptE error
}

func (f *fakeRecorder) CreateBot(ctx context.Context, req recall.CreateBotRequest) (*recall.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	return &recall.Bot{ID: fmt.Sprintf("bot-%d", len(f.created))}, nil
}

func (f *fakeRecorder) DeleteBot(ctx context.Context, botID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, botID)
	return f.deleteErr
}

func (f *fakeRecorder) GetStatus(ctx context.Context, botID string) (recall.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeRecorder) GetTranscript(ctx context.Context, botID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcript, f.transcriptE
}

func (f *fakeRecorder) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeTranscripts struct {
	mu      sync.Mutex
	objects map[string]string
}

func (f *fakeTranscripts) put(ref, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string]string)
	}
	f.objects[ref] = text
}

func (f *fakeTranscripts) Save(ctx context.Context, meetingID int64, text string) (string, error) {
	ref := fmt.Sprintf("transcripts/meetings/%d/transcript.txt", meetingID)
	f.put(ref, text)
	return ref, nil
}

func (f *fakeTranscripts) Load(ctx context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.objects[ref]
	if !ok {
		return "", fmt.Errorf("object %s not found", ref)
	}
	return text, nil
}

func (f *fakeTranscripts) Delete(ctx context.Context, refs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ref := range refs {
		delete(f.objects, ref)
	}
	return nil
}

type fakeGenerator struct {
	insightsErr error
	postErr     map[string]error
	calls       int
}

func (f *fakeGenerator) GenerateInsights(ctx context.Context, transcript, title string) (*contentgen.Insights, error) {
	f.calls++
	if f.insightsErr != nil {
		return nil, f.insightsErr
	}
	return &contentgen.Insights{Summary: "summary of " + title, KeyPoints: []string{"point"}}, nil
}

func (f *fakeGenerator) GeneratePost(ctx context.Context, insights *contentgen.Insights, platform, title string) (string, error) {
	if err := f.postErr[platform]; err != nil {
		return "", err
	}
	return fmt.Sprintf("%s post: %s", platform, insights.Summary), nil
}

type publishCall struct {
	platform string
	key      string
}

type fakePublisher struct {
	mu    sync.Mutex
	errs  map[string]error
	calls []publishCall
}

func (f *fakePublisher) Publish(ctx context.Context, platform string, creds social.Credentials, content, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, publishCall{platform: platform, key: key})
	if err := f.errs[platform]; err != nil {
		return "", err
	}
	return platform + "-" + key, nil
}

type harness struct {
	clock       *testClock
	store       *job.MemoryStore
	dispatcher  *job.Dispatcher
	pipeline    *PipelineService
	meetings    *fakeMeetings
	posts       *fakePosts
	accounts    fakeAccounts
	recorder    *fakeRecorder
	transcripts *fakeTranscripts
	generator   *fakeGenerator
	publisher   *fakePublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:       &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		meetings:    &fakeMeetings{},
		posts:       &fakePosts{},
		accounts:    fakeAccounts{},
		recorder:    &fakeRecorder{},
		transcripts: &fakeTranscripts{},
		generator:   &fakeGenerator{},
		publisher:   &fakePublisher{},
	}
	h.store = job.NewMemoryStore(job.WithClock(h.clock.Now))

	registry := job.NewRegistry()
	RegisterKinds(registry)
	h.pipeline = NewPipelineService(job.NewJobService(h.store, registry, nil, logr.Discard()))

	bot := NewBotTask(h.meetings, h.recorder, h.transcripts)
	bot.now = h.clock.Now
	content := NewContentTask(h.meetings, h.posts, h.transcripts, h.generator)
	content.now = h.clock.Now
	publish := NewPublishTask(h.posts, h.accounts, h.publisher)
	publish.now = h.clock.Now

	h.dispatcher = job.NewDispatcher(h.store, logr.Discard())
	RegisterHandlers(h.dispatcher, Tasks{
		Bot:     bot,
		Content: content,
		Publish: publish,
		Cleanup: NewCleanupTask(h.meetings, h.posts, h.transcripts),
	})
	return h
}

// runOnce executes one job from queue and returns its stored state.
func (h *harness) runOnce(t *testing.T, queue job.QueueName, id string) *job.Job {
	t.Helper()
	processed, err := h.dispatcher.RunOnce(context.Background(), queue)
	if err != nil || !processed {
		t.Fatalf("RunOnce(%s) = %v, %v", queue, processed, err)
	}
	j, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return j
}

// runUntilTerminal advances the clock past each backoff until the job
// completes or fails.
func (h *harness) runUntilTerminal(t *testing.T, queue job.QueueName, id string) *job.Job {
	t.Helper()
	for i := 0; i < 20; i++ {
		j := h.runOnce(t, queue, id)
		if j.State.Terminal() {
			return j
		}
		h.clock.Advance(j.RunAt.Sub(h.clock.Now()) + time.Second)
	}
	t.Fatalf("job %s never reached a terminal state", id)
	return nil
}
