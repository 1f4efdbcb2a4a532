package gitcord

import (
	"context"

	"github.com/pkg/errors"
)

// OnThreadCreate records a new forum thread as an unlinked row.
// Its issue is created when the starter message arrives.
func (s *Service) OnThreadCreate(ctx context.Context, th ChatThread) error {
	if th.FromSelf {
		return nil
	}
	mc, ok := s.Registry.FromChannel(th.ParentID)
	if !ok {
		return nil
	}
	if mc.Store.Insert(Thread{ID: th.ID, Title: th.Name, AppliedTagIDs: th.AppliedTags}) {
		mc.Logger.Debug("New thread", "thread", th.ID)
	}
	return nil
}

// OnMessageCreate turns a thread's starter message into an issue
// and any later message into an issue comment.
func (s *Service) OnMessageCreate(ctx context.Context, msg ChatMessage) error {
	if msg.FromSelf {
		return nil
	}
	mc, ok := s.Registry.FromChannel(msg.ParentID)
	if !ok {
		return nil
	}

	starter := msg.ID == msg.ThreadID
	row, ok := mc.Store.Thread(msg.ThreadID)
	if !ok {
		if !starter {
			mc.Logger.Debug("Message in unknown thread", "thread", msg.ThreadID)
			return nil
		}
		// The starter message can beat the thread-create event.
		mc.Store.Insert(Thread{ID: msg.ThreadID, Title: msg.ThreadName})
		row, _ = mc.Store.Thread(msg.ThreadID)
	}

	// A later message in a thread whose issue is being created, or failed to be,
	// waits on the row and is posted once the issue exists.
	if !row.Linked() && !starter && row.Body != "" {
		held, inFlight := mc.Store.hold(row.ID, msg)
		switch {
		case !held:
			if row, ok = mc.Store.Thread(row.ID); !ok {
				return nil
			}
		case inFlight:
			mc.Logger.Debug("Holding message until thread has an issue", "thread", row.ID, "message", msg.ID)
			return nil
		default:
			mc.Logger.Info("Retrying issue creation for thread", "thread", row.ID, "message", msg.ID)
			return s.retry(ctx, mc, "thread.starter", func(ctx context.Context) error {
				return s.createIssue(ctx, mc, row.ID, row.Body, msg.ThreadName)
			})
		}
	}

	if !row.Linked() {
		body := issueBodyFromChat(msg)
		return s.retry(ctx, mc, "thread.starter", func(ctx context.Context) error {
			return s.createIssue(ctx, mc, row.ID, body, msg.ThreadName)
		})
	}
	if starter {
		return nil
	}
	return s.retry(ctx, mc, "message.created", func(ctx context.Context) error {
		return s.createComment(ctx, mc, row, msg)
	})
}

// createIssue creates the issue for an unlinked thread
// and then posts the messages held while it had none.
func (s *Service) createIssue(ctx context.Context, mc *MappingContext, threadID, body, title string) error {
	if !mc.Store.Claim(issueClaim(threadID)) {
		mc.Logger.Debug("Issue creation already in progress", "thread", threadID)
		return nil
	}
	err := s.linkIssue(ctx, mc, threadID, body, title)
	held := mc.Store.finishIssue(threadID)
	if err != nil {
		return err
	}

	row, ok := mc.Store.Thread(threadID)
	if !ok {
		return nil
	}
	for _, msg := range held {
		err := s.retry(ctx, mc, "message.created", func(ctx context.Context) error {
			return s.createComment(ctx, mc, row, msg)
		})
		if err != nil {
			mc.Logger.Error("Posting held message", "thread", threadID, "message", msg.ID, "error", err)
		}
	}
	return nil
}

// linkIssue must be called with the thread's issue claim held.
func (s *Service) linkIssue(ctx context.Context, mc *MappingContext, threadID, body, title string) error {
	row, ok := mc.Store.Thread(threadID)
	if !ok || row.Linked() {
		return nil
	}
	mc.Store.Update(row.ID, func(t *Thread) { t.Body = body })

	if row.Title != "" {
		title = row.Title
	}
	var labels []string
	if mc.Mapping.tagSync() {
		labels = labelsForTagIDs(mc.Store.Tags(), row.AppliedTagIDs)
	}

	var in *Issue
	err := s.callGitHub(ctx, mc, func(ctx context.Context, tr Tracker) error {
		var err error
		in, err = tr.CreateIssue(ctx, mc.Mapping.Repository, IssueInput{Title: title, Body: body, Labels: labels})
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "creating issue for thread %s", row.ID)
	}

	mc.Store.Update(row.ID, func(t *Thread) {
		t.Number, t.NodeID, t.Labels = in.Number, in.NodeID, in.Labels
		if t.Title == "" {
			t.Title = title
		}
	})
	mc.Logger.Info("Created issue for thread", "thread", row.ID, "number", in.Number)
	return nil
}

func (s *Service) createComment(ctx context.Context, mc *MappingContext, row Thread, msg ChatMessage) error {
	if _, ok := mc.Store.CommentByMessageID(row.ID, msg.ID); ok {
		return nil
	}
	key := messageClaim(msg.ID)
	if !mc.Store.Claim(key) {
		return nil
	}
	defer mc.Store.Release(key)

	var c *IssueComment
	err := s.callGitHub(ctx, mc, func(ctx context.Context, tr Tracker) error {
		var err error
		c, err = tr.CreateComment(ctx, mc.Mapping.Repository, row.Number, commentBodyFromChat(msg))
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "commenting on issue #%d", row.Number)
	}
	mc.Store.AddComment(row.ID, Comment{ID: msg.ID, GitID: c.ID})
	return nil
}

// OnMessageDelete deletes the issue comment of a deleted chat message.
// msg needs only ID, ThreadID, and, if known, ParentID.
func (s *Service) OnMessageDelete(ctx context.Context, msg ChatMessage) error {
	mc, ok := s.contextForThread(msg.ParentID, msg.ThreadID)
	if !ok {
		return nil
	}
	if msg.ID == msg.ThreadID {
		// The issue body stays.
		return nil
	}
	if mc.Store.Claimed("delete:" + msg.ID) {
		// Deleted by this service.
		return nil
	}

	c, ok := mc.Store.CommentByMessageID(msg.ThreadID, msg.ID)
	if !ok {
		return nil
	}
	return s.retry(ctx, mc, "message.deleted", func(ctx context.Context) error {
		err := s.callGitHub(ctx, mc, func(ctx context.Context, tr Tracker) error {
			return tr.DeleteComment(ctx, mc.Mapping.Repository, c.GitID)
		})
		if err != nil && !isNotFound(err) {
			return errors.Wrapf(err, "deleting comment %d", c.GitID)
		}
		mc.Store.RemoveComment(msg.ThreadID, c.GitID)
		return nil
	})
}

// OnThreadUpdate mirrors a thread's archive, lock, name, and tag changes to its issue.
func (s *Service) OnThreadUpdate(ctx context.Context, th ChatThread) error {
	mc, ok := s.contextForThread(th.ParentID, th.ID)
	if !ok {
		return nil
	}
	row, ok := mc.Store.Thread(th.ID)
	if !ok {
		return nil
	}
	if !row.Linked() {
		mc.Store.Update(th.ID, func(t *Thread) {
			t.Title, t.AppliedTagIDs = th.Name, th.AppliedTags
			t.Archived, t.Locked = th.Archived, th.Locked
		})
		return nil
	}
	if row.LockInProgress {
		mc.Logger.Debug("Ignoring thread update during lock sequence", "thread", th.ID)
		return nil
	}

	// The echo of an edit is consumed even when the row already holds its state,
	// as after the last step of a lock sequence.
	stateChanged := th.Archived != row.Archived || th.Locked != row.Locked
	if mc.Store.consumeEcho(th.ID, th.Archived, th.Locked, s.now()) {
		mc.Logger.Debug("Dropping echo of own thread edit", "thread", th.ID, "archived", th.Archived, "locked", th.Locked)
		stateChanged = false
	}

	return s.retry(ctx, mc, "thread.updated", func(ctx context.Context) error {
		if stateChanged {
			if err := s.mirrorThreadState(ctx, mc, row, th); err != nil {
				return err
			}
		}
		if th.Name != "" && th.Name != threadName(row.Title) {
			if err := s.mirrorThreadName(ctx, mc, row, th.Name); err != nil {
				return err
			}
		}
		if mc.Mapping.tagSync() && !sameSet(th.AppliedTags, row.AppliedTagIDs) {
			s.mirrorThreadTags(ctx, mc, row, th.AppliedTags)
		}
		return nil
	})
}

func (s *Service) mirrorThreadState(ctx context.Context, mc *MappingContext, row Thread, th ChatThread) error {
	repo := mc.Mapping.Repository

	if th.Archived != row.Archived {
		state := "open"
		if th.Archived {
			state = "closed"
		}
		// Row first: the webhook for this change must find it current.
		mc.Store.Update(row.ID, func(t *Thread) { t.Archived = th.Archived })
		err := s.callGitHub(ctx, mc, func(ctx context.Context, tr Tracker) error {
			return tr.UpdateIssue(ctx, repo, row.Number, IssueUpdate{State: &state})
		})
		if err != nil {
			mc.Store.Update(row.ID, func(t *Thread) { t.Archived = row.Archived })
			return errors.Wrapf(err, "setting issue #%d %s", row.Number, state)
		}
	}

	if th.Locked != row.Locked {
		mc.Store.Update(row.ID, func(t *Thread) { t.Locked = th.Locked })
		err := s.callGitHub(ctx, mc, func(ctx context.Context, tr Tracker) error {
			if th.Locked {
				return tr.LockIssue(ctx, repo, row.Number)
			}
			return tr.UnlockIssue(ctx, repo, row.Number)
		})
		if err != nil {
			mc.Store.Update(row.ID, func(t *Thread) { t.Locked = row.Locked })
			return errors.Wrapf(err, "changing lock of issue #%d", row.Number)
		}
	}
	return nil
}

func (s *Service) mirrorThreadName(ctx context.Context, mc *MappingContext, row Thread, name string) error {
	mc.Store.Update(row.ID, func(t *Thread) { t.Title = name })
	err := s.callGitHub(ctx, mc, func(ctx context.Context, tr Tracker) error {
		return tr.UpdateIssue(ctx, mc.Mapping.Repository, row.Number, IssueUpdate{Title: &name})
	})
	if err != nil {
		mc.Store.Update(row.ID, func(t *Thread) { t.Title = row.Title })
		return errors.Wrapf(err, "retitling issue #%d", row.Number)
	}
	return nil
}

// mirrorThreadTags is best-effort: failures are logged, not returned.
func (s *Service) mirrorThreadTags(ctx context.Context, mc *MappingContext, row Thread, tagIDs []string) {
	labels := retag(mc.Store.Tags(), row.Labels, row.AppliedTagIDs, tagIDs)
	mc.Store.Update(row.ID, func(t *Thread) { t.AppliedTagIDs = tagIDs })
	if sameSet(labels, row.Labels) {
		return
	}
	err := s.callGitHub(ctx, mc, func(ctx context.Context, tr Tracker) error {
		return tr.UpdateIssue(ctx, mc.Mapping.Repository, row.Number, IssueUpdate{Labels: &labels})
	})
	if err != nil {
		mc.Logger.Warn("Could not update issue labels", "number", row.Number, "error", err)
		return
	}
	mc.Store.Update(row.ID, func(t *Thread) { t.Labels = labels })
}

// OnThreadDelete removes the row of a deleted thread and deletes its issue.
func (s *Service) OnThreadDelete(ctx context.Context, th ChatThread) error {
	mc, ok := s.contextForThread(th.ParentID, th.ID)
	if !ok {
		return nil
	}
	if mc.Store.Claimed(threadDeleteClaim(th.ID)) {
		// Deleted by this service.
		mc.Store.Remove(th.ID)
		return nil
	}
	row, ok := mc.Store.Remove(th.ID)
	if !ok || !row.Linked() {
		return nil
	}
	if row.NodeID == "" {
		mc.Logger.Warn("Cannot delete issue without node id", "number", row.Number)
		return nil
	}
	return s.retry(ctx, mc, "thread.deleted", func(ctx context.Context) error {
		err := s.callGitHub(ctx, mc, func(ctx context.Context, tr Tracker) error {
			return tr.DeleteIssue(ctx, row.NodeID)
		})
		if isNotFound(err) {
			mc.Logger.Info("Issue already gone", "number", row.Number)
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "deleting issue #%d", row.Number)
		}
		mc.Logger.Info("Deleted issue for deleted thread", "number", row.Number, "thread", row.ID)
		return nil
	})
}

func (s *Service) contextForThread(parentID, threadID string) (*MappingContext, bool) {
	if parentID != "" {
		return s.Registry.FromChannel(parentID)
	}
	return s.Registry.FromThread(threadID)
}
