package gitcord

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned (possibly wrapped) by platform clients
	// when the target object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited is returned (possibly wrapped) by platform clients
	// when the platform refused a call for rate-limit reasons.
	ErrRateLimited = errors.New("rate limited")
)

// ChatPlatform is the chat side: a forum of threads.
type ChatPlatform interface {
	// CreateThread starts a forum thread in channelID with a first message.
	CreateThread(ctx context.Context, channelID string, t NewThread) (*ChatThread, error)

	// PostMessage posts into a thread.
	// If p.Username is set the message is posted under that relay identity.
	PostMessage(ctx context.Context, p ChatPost) (messageID string, err error)

	DeleteMessage(ctx context.Context, threadID, messageID string) error

	// EditThread changes the non-nil fields of e.
	EditThread(ctx context.Context, threadID string, e ThreadEdit) error

	DeleteThread(ctx context.Context, threadID string) error

	// Tags fetches the forum channel's tag catalog.
	Tags(ctx context.Context, channelID string) ([]Tag, error)

	// ListThreads lists the active and archived threads of a forum channel,
	// with the content of each thread's starter message.
	ListThreads(ctx context.Context, channelID string) ([]ChatThread, error)
}

type NewThread struct {
	Name        string
	Content     string
	AppliedTags []string
}

type ChatPost struct {
	ChannelID string // forum channel
	ThreadID  string
	Content   string
	Username  string
	AvatarURL string
}

type ThreadEdit struct {
	Name        *string
	Archived    *bool
	Locked      *bool
	AppliedTags *[]string
}

// ChatThread is a forum thread as reported by the chat platform.
type ChatThread struct {
	ID             string
	ParentID       string
	Name           string
	AppliedTags    []string
	Archived       bool
	Locked         bool
	URL            string
	StarterContent string

	// FromSelf is set for threads this service created.
	FromSelf bool
}

// ChatMessage is a message posted in a forum thread.
type ChatMessage struct {
	ID          string
	ThreadID    string
	ParentID    string
	ThreadName  string
	Content     string
	AuthorName  string
	URL         string
	Attachments []string

	// FromSelf is set for messages this service posted,
	// directly or through its relay identity.
	FromSelf bool
}

// Tracker is the issue-tracker side, scoped to one set of credentials.
type Tracker interface {
	CreateIssue(ctx context.Context, repo Repository, in IssueInput) (*Issue, error)
	CreateComment(ctx context.Context, repo Repository, number int, body string) (*IssueComment, error)
	UpdateIssue(ctx context.Context, repo Repository, number int, u IssueUpdate) error
	LockIssue(ctx context.Context, repo Repository, number int) error
	UnlockIssue(ctx context.Context, repo Repository, number int) error

	// DeleteIssue deletes by global node id.
	DeleteIssue(ctx context.Context, nodeID string) error

	DeleteComment(ctx context.Context, repo Repository, commentID int64) error
	ListIssues(ctx context.Context, repo Repository) ([]*Issue, error)
	ListComments(ctx context.Context, repo Repository, number int) ([]*IssueComment, error)
}

type IssueInput struct {
	Title  string
	Body   string
	Labels []string
}

type IssueUpdate struct {
	State  *string
	Title  *string
	Labels *[]string
}

type Issue struct {
	Number  int
	NodeID  string
	Title   string
	Body    string
	State   string
	Locked  bool
	Labels  []string
	HTMLURL string
}

type IssueComment struct {
	ID      int64
	Body    string
	HTMLURL string
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
