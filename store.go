package gitcord

import (
	"slices"
	"sync"
)

// CorrelationStore holds the Thread records of one mapping
// and the tag catalog of its forum channel.
// It is owned by exactly one mapping.
// Readers get copies; all mutation goes through its methods.
type CorrelationStore struct {
	mu      sync.Mutex
	threads []*Thread
	tags    []Tag
	claims  map[string]bool
}

func NewCorrelationStore() *CorrelationStore {
	return &CorrelationStore{claims: make(map[string]bool)}
}

// Thread correlates one forum thread with one issue.
// Number and NodeID are zero until the issue exists.
type Thread struct {
	ID             string
	Title          string
	Body           string
	Number         int
	NodeID         string
	AppliedTagIDs  []string
	Labels         []string
	Locked         bool
	Archived       bool
	LockInProgress bool
	Comments       []Comment

	expect []expectation
	held   []ChatMessage
}

// Comment correlates one chat message with one issue comment.
type Comment struct {
	ID    string
	GitID int64
}

// Tag is a forum tag from the channel's catalog.
type Tag struct {
	ID   string
	Name string
}

func (t Thread) Linked() bool {
	return t.Number != 0
}

func (t *Thread) clone() Thread {
	c := *t
	c.AppliedTagIDs = slices.Clone(t.AppliedTagIDs)
	c.Labels = slices.Clone(t.Labels)
	c.Comments = slices.Clone(t.Comments)
	c.expect = slices.Clone(t.expect)
	c.held = slices.Clone(t.held)
	return c
}

func (s *CorrelationStore) find(f func(*Thread) bool) (int, *Thread) {
	for i, t := range s.threads {
		if f(t) {
			return i, t
		}
	}
	return -1, nil
}

func (s *CorrelationStore) lookup(f func(*Thread) bool) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, t := s.find(f)
	if t == nil {
		return Thread{}, false
	}
	return t.clone(), true
}

func (s *CorrelationStore) Thread(id string) (Thread, bool) {
	return s.lookup(func(t *Thread) bool { return t.ID == id })
}

func (s *CorrelationStore) ByNumber(number int) (Thread, bool) {
	if number == 0 {
		return Thread{}, false
	}
	return s.lookup(func(t *Thread) bool { return t.Number == number })
}

func (s *CorrelationStore) ByNodeID(nodeID string) (Thread, bool) {
	if nodeID == "" {
		return Thread{}, false
	}
	return s.lookup(func(t *Thread) bool { return t.NodeID == nodeID })
}

// ByIssue finds the row for an issue by number, falling back to node id.
func (s *CorrelationStore) ByIssue(number int, nodeID string) (Thread, bool) {
	if t, ok := s.ByNumber(number); ok {
		return t, true
	}
	return s.ByNodeID(nodeID)
}

// Threads returns copies of all rows.
func (s *CorrelationStore) Threads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Thread, 0, len(s.threads))
	for _, t := range s.threads {
		result = append(result, t.clone())
	}
	return result
}

func (s *CorrelationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

// Insert adds a row.
// It returns false, changing nothing,
// if a row with the same thread id or the same issue number already exists.
func (s *CorrelationStore) Insert(t Thread) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existing := s.find(func(e *Thread) bool {
		return e.ID == t.ID || (t.Number != 0 && e.Number == t.Number)
	})
	if existing != nil {
		return false
	}
	row := t.clone()
	s.threads = append(s.threads, &row)
	return true
}

// Update applies f to the row with the given thread id under the store lock.
// It reports whether the row exists.
func (s *CorrelationStore) Update(id string, f func(*Thread)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, t := s.find(func(t *Thread) bool { return t.ID == id })
	if t == nil {
		return false
	}
	f(t)
	return true
}

// Remove deletes the whole row for a thread id.
func (s *CorrelationStore) Remove(id string) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, t := s.find(func(t *Thread) bool { return t.ID == id })
	if t == nil {
		return Thread{}, false
	}
	s.threads = slices.Delete(s.threads, i, i+1)
	return *t, true
}

// AddComment records a comment correlation on a thread.
// It returns false if the thread is unknown
// or already has a comment with the same GitID.
func (s *CorrelationStore) AddComment(threadID string, c Comment) bool {
	added := false
	s.Update(threadID, func(t *Thread) {
		if slices.ContainsFunc(t.Comments, func(e Comment) bool { return e.GitID == c.GitID }) {
			return
		}
		t.Comments = append(t.Comments, c)
		added = true
	})
	return added
}

// CommentByGitID finds a comment correlation by tracker comment id
// across all threads of the store.
func (s *CorrelationStore) CommentByGitID(gitID int64) (threadID string, c Comment, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.threads {
		for _, cm := range t.Comments {
			if cm.GitID == gitID {
				return t.ID, cm, true
			}
		}
	}
	return "", Comment{}, false
}

// CommentByMessageID finds a comment correlation by chat message id.
func (s *CorrelationStore) CommentByMessageID(threadID, messageID string) (Comment, bool) {
	t, ok := s.Thread(threadID)
	if !ok {
		return Comment{}, false
	}
	for _, cm := range t.Comments {
		if cm.ID == messageID {
			return cm, true
		}
	}
	return Comment{}, false
}

// ReplaceComment points the correlation for gitID at a new chat message.
func (s *CorrelationStore) ReplaceComment(threadID string, gitID int64, messageID string) bool {
	replaced := false
	s.Update(threadID, func(t *Thread) {
		for i := range t.Comments {
			if t.Comments[i].GitID == gitID {
				t.Comments[i].ID = messageID
				replaced = true
				return
			}
		}
	})
	return replaced
}

// RemoveComment deletes the correlation for gitID.
func (s *CorrelationStore) RemoveComment(threadID string, gitID int64) bool {
	removed := false
	s.Update(threadID, func(t *Thread) {
		n := len(t.Comments)
		t.Comments = slices.DeleteFunc(t.Comments, func(c Comment) bool { return c.GitID == gitID })
		removed = len(t.Comments) < n
	})
	return removed
}

func (s *CorrelationStore) Tags() []Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tags)
}

func (s *CorrelationStore) SetTags(tags []Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = slices.Clone(tags)
}

// Claim marks key as being worked on.
// It returns false if another operation holds the claim.
// Used to keep concurrent deliveries of one creation event from creating twice.
func (s *CorrelationStore) Claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claims[key] {
		return false
	}
	s.claims[key] = true
	return true
}

// Claimed reports whether key is claimed.
func (s *CorrelationStore) Claimed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims[key]
}

func (s *CorrelationStore) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
}

// hold queues msg on an unlinked row until the row's issue exists.
// It returns held=false, queuing nothing, if the row is gone or already linked.
// inFlight reports whether an issue creation holds the claim for the thread.
func (s *CorrelationStore) hold(threadID string, msg ChatMessage) (held, inFlight bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, t := s.find(func(t *Thread) bool { return t.ID == threadID })
	if t == nil || t.Linked() {
		return false, false
	}
	t.held = append(t.held, msg)
	return true, s.claims[issueClaim(threadID)]
}

// finishIssue releases the issue-creation claim for a thread.
// If the row is linked by now, it also returns and forgets the held messages.
func (s *CorrelationStore) finishIssue(threadID string) []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.claims, issueClaim(threadID))
	_, t := s.find(func(t *Thread) bool { return t.ID == threadID })
	if t == nil || !t.Linked() {
		return nil
	}
	held := t.held
	t.held = nil
	return held
}

func issueClaim(threadID string) string {
	return "thread:" + threadID
}

func messageClaim(messageID string) string {
	return "message:" + messageID
}

func threadDeleteClaim(threadID string) string {
	return "delete:thread:" + threadID
}
