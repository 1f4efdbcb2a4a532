package gitcord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"gitcord/resilience"
)

// fakeChat is an in-memory ChatPlatform.
// It records every call and hands out numeric ids from 1000 up.
type fakeChat struct {
	mu sync.Mutex

	nextID  int
	created []NewThread
	posts   []ChatPost
	edits   []threadEdit
	deleted []string // message ids
	gone    []string // thread ids
	tags    []Tag
	threads []ChatThread // returned by ListThreads

	// errs maps a method name to the error it returns.
	errs map[string]error
}

type threadEdit struct {
	ThreadID string
	Edit     ThreadEdit
}

func newFakeChat() *fakeChat {
	return &fakeChat{nextID: 1000, errs: make(map[string]error)}
}

func (c *fakeChat) id() string {
	c.nextID++
	return strconv.Itoa(c.nextID)
}

func (c *fakeChat) fail(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[method] = err
}

func (c *fakeChat) CreateThread(_ context.Context, channelID string, t NewThread) (*ChatThread, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs["CreateThread"]; err != nil {
		return nil, err
	}
	c.created = append(c.created, t)
	return &ChatThread{
		ID:             c.id(),
		ParentID:       channelID,
		Name:           t.Name,
		AppliedTags:    t.AppliedTags,
		StarterContent: t.Content,
		FromSelf:       true,
	}, nil
}

func (c *fakeChat) PostMessage(_ context.Context, p ChatPost) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs["PostMessage"]; err != nil {
		return "", err
	}
	c.posts = append(c.posts, p)
	return c.id(), nil
}

func (c *fakeChat) DeleteMessage(_ context.Context, _, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs["DeleteMessage"]; err != nil {
		return err
	}
	c.deleted = append(c.deleted, messageID)
	return nil
}

func (c *fakeChat) EditThread(_ context.Context, threadID string, e ThreadEdit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs["EditThread"]; err != nil {
		return err
	}
	c.edits = append(c.edits, threadEdit{ThreadID: threadID, Edit: e})
	return nil
}

func (c *fakeChat) DeleteThread(_ context.Context, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs["DeleteThread"]; err != nil {
		return err
	}
	c.gone = append(c.gone, threadID)
	return nil
}

func (c *fakeChat) Tags(context.Context, string) ([]Tag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tags, c.errs["Tags"]
}

func (c *fakeChat) ListThreads(context.Context, string) ([]ChatThread, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threads, c.errs["ListThreads"]
}

// fakeTracker is an in-memory Tracker.
// It records every mutating call as a short string.
type fakeTracker struct {
	mu sync.Mutex

	nextNumber  int
	nextComment int64
	issues      map[int]*Issue
	comments    map[int][]*IssueComment
	calls       []string

	errs map[string]error

	// If set, CreateIssue waits for it to be closed.
	gate chan struct{}
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		nextComment: 5000,
		issues:      make(map[int]*Issue),
		comments:    make(map[int][]*IssueComment),
		errs:        make(map[string]error),
	}
}

func (f *fakeTracker) fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = err
}

func (f *fakeTracker) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeTracker) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTracker) CreateIssue(_ context.Context, repo Repository, in IssueInput) (*Issue, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["CreateIssue"]; err != nil {
		return nil, err
	}
	f.nextNumber++
	n := f.nextNumber
	issue := &Issue{
		Number:  n,
		NodeID:  fmt.Sprintf("I_%d", n),
		Title:   in.Title,
		Body:    in.Body,
		State:   "open",
		Labels:  in.Labels,
		HTMLURL: fmt.Sprintf("https://github.com/%s/issues/%d", repo, n),
	}
	f.issues[n] = issue
	f.record("CreateIssue %q", in.Title)
	return issue, nil
}

func (f *fakeTracker) CreateComment(_ context.Context, _ Repository, number int, body string) (*IssueComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["CreateComment"]; err != nil {
		return nil, err
	}
	f.nextComment++
	c := &IssueComment{ID: f.nextComment, Body: body}
	f.comments[number] = append(f.comments[number], c)
	f.record("CreateComment #%d", number)
	return c, nil
}

func (f *fakeTracker) UpdateIssue(_ context.Context, _ Repository, number int, u IssueUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["UpdateIssue"]; err != nil {
		return err
	}
	switch {
	case u.State != nil:
		f.record("UpdateIssue #%d state=%s", number, *u.State)
	case u.Title != nil:
		f.record("UpdateIssue #%d title=%s", number, *u.Title)
	case u.Labels != nil:
		f.record("UpdateIssue #%d labels=%v", number, *u.Labels)
	}
	return nil
}

func (f *fakeTracker) LockIssue(_ context.Context, _ Repository, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["LockIssue"]; err != nil {
		return err
	}
	f.record("LockIssue #%d", number)
	return nil
}

func (f *fakeTracker) UnlockIssue(_ context.Context, _ Repository, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["UnlockIssue"]; err != nil {
		return err
	}
	f.record("UnlockIssue #%d", number)
	return nil
}

func (f *fakeTracker) DeleteIssue(_ context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["DeleteIssue"]; err != nil {
		return err
	}
	f.record("DeleteIssue %s", nodeID)
	return nil
}

func (f *fakeTracker) DeleteComment(_ context.Context, _ Repository, commentID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["DeleteComment"]; err != nil {
		return err
	}
	f.record("DeleteComment %d", commentID)
	return nil
}

func (f *fakeTracker) ListIssues(context.Context, Repository) ([]*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*Issue
	for n := 1; n <= f.nextNumber; n++ {
		if in := f.issues[n]; in != nil {
			result = append(result, in)
		}
	}
	return result, f.errs["ListIssues"]
}

func (f *fakeTracker) ListComments(_ context.Context, _ Repository, number int) ([]*IssueComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.comments[number], f.errs["ListComments"]
}

// memMappings is an in-memory MappingStore.
type memMappings struct {
	mu    sync.Mutex
	saved [][]Mapping
	err   error
	delay time.Duration // of each Save
}

func (m *memMappings) Load(context.Context) ([]Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return nil, nil
	}
	return m.saved[len(m.saved)-1], nil
}

func (m *memMappings) Save(_ context.Context, mappings []Mapping) error {
	time.Sleep(m.delay)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, mappings)
	return nil
}

var testRepo = Repository{Owner: "acme", Name: "widgets"}

func testMapping() Mapping {
	return Mapping{
		ID:         "m1",
		ChannelID:  "100",
		Repository: testRepo,
		Enabled:    true,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestService builds a Service over fakes,
// with no retries and the given mappings loaded.
func newTestService(t *testing.T, mappings ...Mapping) (*Service, *fakeChat, *fakeTracker) {
	t.Helper()

	var (
		chat     = newFakeChat()
		tracker  = newFakeTracker()
		logger   = discardLogger()
		metrics  = &resilience.Metrics{}
		breakers = &resilience.Breakers{Options: resilience.DefaultBreakerOptions, Neutral: IsNeutral}
		store    = &memMappings{}
	)
	if len(mappings) > 0 {
		store.saved = [][]Mapping{mappings}
	}

	s := &Service{
		Chat: chat,
		Registry: &Registry{
			NewTracker: func(context.Context, Credentials) (Tracker, error) { return tracker, nil },
			Logger:     logger,
		},
		Mappings: store,
		Errors: &resilience.ErrorHandler{
			Metrics:  metrics,
			Options:  resilience.RetryOptions{MaxRetries: 0},
			Classify: ClassifyError,
			Logger:   logger,
		},
		Breakers: breakers,
		Health: &resilience.HealthMonitor{
			Metrics:  metrics,
			Breakers: breakers,
			Logger:   logger,
		},
		Logger: logger,
	}
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, chat, tracker
}

// mustContext resolves a mapping by id or fails the test.
func mustContext(t *testing.T, s *Service, id string) *MappingContext {
	t.Helper()
	mc, ok := s.Registry.FromMappingID(id)
	if !ok {
		t.Fatalf("no mapping %s", id)
	}
	return mc
}
