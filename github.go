package gitcord

import (
	"context"
	"strconv"

	"github.com/google/go-github/v45/github"
	"github.com/pkg/errors"
)

func issueFromGH(gi *github.Issue) *Issue {
	in := &Issue{
		Number:  gi.GetNumber(),
		NodeID:  gi.GetNodeID(),
		Title:   gi.GetTitle(),
		Body:    gi.GetBody(),
		State:   gi.GetState(),
		Locked:  gi.GetLocked(),
		HTMLURL: gi.GetHTMLURL(),
	}
	for _, l := range gi.Labels {
		in.Labels = append(in.Labels, l.GetName())
	}
	return in
}

// rowForIssue finds the row of the payload's issue.
// A miss is logged and reported as !ok.
func rowForIssue(mc *MappingContext, p *WebhookPayload) (Thread, bool) {
	row, ok := mc.Store.ByIssue(p.Issue.GetNumber(), p.Issue.GetNodeID())
	if !ok {
		mc.Logger.Warn("No thread for issue", "number", p.Issue.GetNumber(), "action", p.Action)
	}
	return row, ok
}

func (s *Service) onIssueOpened(ctx context.Context, mc *MappingContext, p *WebhookPayload) error {
	in := issueFromGH(p.Issue)

	if _, ok := mc.Store.ByIssue(in.Number, in.NodeID); ok {
		mc.Logger.Debug("Issue already has a thread", "number", in.Number)
		return nil
	}

	// An issue created from a chat thread carries the thread's marker.
	// The marker counts only while this service is creating that issue;
	// anywhere else it is stripped.
	if threadID := threadIDFromBody(in.Body); threadID != "" {
		if mc.Store.Claimed(issueClaim(threadID)) {
			linked := mc.Store.Update(threadID, func(t *Thread) {
				if !t.Linked() {
					t.Number, t.NodeID, t.Labels = in.Number, in.NodeID, in.Labels
				}
			})
			if !linked {
				mc.Logger.Warn("Issue names an unknown thread", "number", in.Number, "thread", threadID)
			}
			return nil
		}
		mc.Logger.Warn("Ignoring thread marker in foreign issue", "number", in.Number, "thread", threadID)
		in.Body = stripMarkers(in.Body)
	}

	key := "issue:" + strconv.Itoa(in.Number)
	if !mc.Store.Claim(key) {
		mc.Logger.Debug("Issue creation already in progress", "number", in.Number)
		return nil
	}
	defer mc.Store.Release(key)

	if _, ok := mc.Store.ByIssue(in.Number, in.NodeID); ok {
		return nil
	}

	var tags []string
	if mc.Mapping.tagSync() {
		tags = tagIDsForLabels(mc.Store.Tags(), in.Labels)
	}

	var th *ChatThread
	err := s.callDiscord(ctx, mc, func(ctx context.Context) error {
		var err error
		th, err = s.Chat.CreateThread(ctx, mc.Mapping.ChannelID, NewThread{
			Name:        threadName(in.Title),
			Content:     starterFromIssue(in, p.Issue.GetUser().GetLogin()),
			AppliedTags: tags,
		})
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "creating thread for issue #%d", in.Number)
	}

	mc.Store.Insert(Thread{
		ID:            th.ID,
		Title:         in.Title,
		Body:          in.Body,
		Number:        in.Number,
		NodeID:        in.NodeID,
		AppliedTagIDs: tags,
		Labels:        in.Labels,
	})
	mc.Logger.Info("Created thread for issue", "number", in.Number, "thread", th.ID)
	return nil
}

func (s *Service) onIssueEdited(ctx context.Context, mc *MappingContext, p *WebhookPayload) error {
	row, ok := rowForIssue(mc, p)
	if !ok {
		return nil
	}
	in := issueFromGH(p.Issue)
	mc.Store.Update(row.ID, func(t *Thread) { t.Body = in.Body })

	if in.Title == row.Title {
		return nil
	}
	mc.Store.Update(row.ID, func(t *Thread) { t.Title = in.Title })
	err := s.callDiscord(ctx, mc, func(ctx context.Context) error {
		return s.Chat.EditThread(ctx, row.ID, ThreadEdit{Name: ptr(threadName(in.Title))})
	})
	return errors.Wrapf(err, "renaming thread %s", row.ID)
}

func (s *Service) onIssueClosed(ctx context.Context, mc *MappingContext, p *WebhookPayload) error {
	row, ok := rowForIssue(mc, p)
	if !ok || row.Archived {
		return nil
	}
	return errors.Wrapf(s.setThreadState(ctx, mc, row, true, row.Locked), "archiving thread %s", row.ID)
}

func (s *Service) onIssueReopened(ctx context.Context, mc *MappingContext, p *WebhookPayload) error {
	row, ok := rowForIssue(mc, p)
	if !ok || !row.Archived {
		return nil
	}
	return errors.Wrapf(s.setThreadState(ctx, mc, row, false, row.Locked), "unarchiving thread %s", row.ID)
}

func (s *Service) onIssueLocked(ctx context.Context, mc *MappingContext, p *WebhookPayload) error {
	row, ok := rowForIssue(mc, p)
	if !ok || row.Locked {
		return nil
	}
	return errors.Wrapf(s.setThreadState(ctx, mc, row, row.Archived, true), "locking thread %s", row.ID)
}

func (s *Service) onIssueUnlocked(ctx context.Context, mc *MappingContext, p *WebhookPayload) error {
	row, ok := rowForIssue(mc, p)
	if !ok || !row.Locked {
		return nil
	}
	return errors.Wrapf(s.setThreadState(ctx, mc, row, row.Archived, false), "unlocking thread %s", row.ID)
}

func (s *Service) onIssueDeleted(ctx context.Context, mc *MappingContext, p *WebhookPayload) error {
	row, ok := rowForIssue(mc, p)
	if !ok {
		return nil
	}

	// The row stays until the thread is gone, so a retry finds it.
	deleting := threadDeleteClaim(row.ID)
	mc.Store.Claim(deleting)
	defer mc.Store.Release(deleting)

	err := s.callDiscord(ctx, mc, func(ctx context.Context) error {
		return s.Chat.DeleteThread(ctx, row.ID)
	})
	switch {
	case isNotFound(err):
		mc.Logger.Info("Thread already gone", "thread", row.ID)
	case err != nil:
		return errors.Wrapf(err, "deleting thread %s", row.ID)
	default:
		mc.Logger.Info("Deleted thread for deleted issue", "number", row.Number, "thread", row.ID)
	}
	mc.Store.Remove(row.ID)
	return nil
}

func (s *Service) onIssueLabelsChanged(ctx context.Context, mc *MappingContext, p *WebhookPayload) error {
	if !mc.Mapping.tagSync() {
		return nil
	}
	row, ok := rowForIssue(mc, p)
	if !ok {
		return nil
	}
	in := issueFromGH(p.Issue)
	if sameSet(in.Labels, row.Labels) {
		return nil
	}
	tags := tagIDsForLabels(mc.Store.Tags(), in.Labels)
	mc.Store.Update(row.ID, func(t *Thread) {
		t.Labels = in.Labels
		t.AppliedTagIDs = tags
	})
	if sameSet(tags, row.AppliedTagIDs) {
		return nil
	}
	err := s.callDiscord(ctx, mc, func(ctx context.Context) error {
		return s.Chat.EditThread(ctx, row.ID, ThreadEdit{AppliedTags: &tags})
	})
	if err != nil {
		mc.Logger.Warn("Could not update thread tags", "thread", row.ID, "error", err)
	}
	return nil
}

func (s *Service) onCommentCreated(ctx context.Context, mc *MappingContext, p *WebhookPayload) error {
	row, ok := rowForIssue(mc, p)
	if !ok {
		return nil
	}
	var (
		gitID = p.Comment.GetID()
		body  = p.Comment.GetBody()
	)

	if _, _, ok := mc.Store.CommentByGitID(gitID); ok {
		mc.Logger.Debug("Comment already relayed", "comment", gitID)
		return nil
	}
	// A comment this service is posting for a chat message.
	// Markers in any other comment are stripped.
	if msgID := messageIDFromBody(body); msgID != "" {
		if mc.Store.Claimed(messageClaim(msgID)) {
			mc.Store.AddComment(row.ID, Comment{ID: msgID, GitID: gitID})
			return nil
		}
		body = stripMarkers(body)
	}

	key := "comment:" + strconv.FormatInt(gitID, 10)
	if !mc.Store.Claim(key) {
		return nil
	}
	defer mc.Store.Release(key)

	s.expectUnarchive(mc, row)
	user := p.Comment.GetUser()
	var msgID string
	err := s.callDiscord(ctx, mc, func(ctx context.Context) error {
		var err error
		msgID, err = s.Chat.PostMessage(ctx, ChatPost{
			ChannelID: mc.Mapping.ChannelID,
			ThreadID:  row.ID,
			Content:   chatFromComment(body),
			Username:  user.GetLogin(),
			AvatarURL: user.GetAvatarURL(),
		})
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "posting comment %d to thread %s", gitID, row.ID)
	}
	mc.Store.AddComment(row.ID, Comment{ID: msgID, GitID: gitID})
	return s.archiveAgain(ctx, mc, row)
}

// onCommentEdited replaces the chat message of an edited comment.
// The correlation moves to the new message only after it is posted.
func (s *Service) onCommentEdited(ctx context.Context, mc *MappingContext, p *WebhookPayload) error {
	var (
		gitID = p.Comment.GetID()
		body  = p.Comment.GetBody()
	)
	threadID, c, ok := mc.Store.CommentByGitID(gitID)
	if !ok {
		mc.Logger.Warn("No message for edited comment", "comment", gitID)
		return nil
	}
	if messageIDFromBody(body) == c.ID {
		// Posted for that chat message.
		return nil
	}
	body = stripMarkers(body)

	deleting := "delete:" + c.ID
	mc.Store.Claim(deleting)
	err := s.callDiscord(ctx, mc, func(ctx context.Context) error {
		return s.Chat.DeleteMessage(ctx, threadID, c.ID)
	})
	if err != nil && !isNotFound(err) {
		mc.Store.Release(deleting)
		return errors.Wrapf(err, "deleting message %s", c.ID)
	}

	row, _ := mc.Store.Thread(threadID)
	s.expectUnarchive(mc, row)
	user := p.Comment.GetUser()
	var msgID string
	err = s.callDiscord(ctx, mc, func(ctx context.Context) error {
		var err error
		msgID, err = s.Chat.PostMessage(ctx, ChatPost{
			ChannelID: mc.Mapping.ChannelID,
			ThreadID:  threadID,
			Content:   chatFromComment(body),
			Username:  user.GetLogin(),
			AvatarURL: user.GetAvatarURL(),
		})
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "reposting comment %d", gitID)
	}
	mc.Store.ReplaceComment(threadID, gitID, msgID)
	mc.Store.Release(deleting)
	return s.archiveAgain(ctx, mc, row)
}

func (s *Service) onCommentDeleted(ctx context.Context, mc *MappingContext, p *WebhookPayload) error {
	gitID := p.Comment.GetID()
	threadID, c, ok := mc.Store.CommentByGitID(gitID)
	if !ok {
		mc.Logger.Warn("No message for deleted comment", "comment", gitID)
		return nil
	}

	deleting := "delete:" + c.ID
	mc.Store.Claim(deleting)
	defer mc.Store.Release(deleting)

	err := s.callDiscord(ctx, mc, func(ctx context.Context) error {
		return s.Chat.DeleteMessage(ctx, threadID, c.ID)
	})
	if err != nil && !isNotFound(err) {
		return errors.Wrapf(err, "deleting message %s", c.ID)
	}
	mc.Store.RemoveComment(threadID, gitID)
	return nil
}
