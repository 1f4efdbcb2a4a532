package gitcord

import (
	"context"

	"github.com/pkg/errors"
)

// ReconcileAll rebuilds the correlation state of every enabled mapping.
// A failing mapping is logged and does not stop the others.
func (s *Service) ReconcileAll(ctx context.Context) {
	for _, m := range s.Registry.Enabled() {
		if err := s.Reconcile(ctx, m.ID); err != nil {
			s.logger().Error("Reconciling mapping", "mapping", m.ID, "error", err)
		}
	}
}

// Reconcile rebuilds one mapping's correlation state
// from its forum channel and its repository's issues.
// Threads link to issues through the issue link in their starter message
// or through the thread marker in the issue body.
// Comment correlations are restored from the message markers of tracker comments.
func (s *Service) Reconcile(ctx context.Context, mappingID string) error {
	mc, ok := s.Registry.FromMappingID(mappingID)
	if !ok {
		return errors.Wrapf(ErrNotFound, "mapping %s", mappingID)
	}
	return s.retry(ctx, mc, "reconcile", func(ctx context.Context) error {
		return s.reconcile(ctx, mc)
	})
}

func (s *Service) reconcile(ctx context.Context, mc *MappingContext) error {
	var (
		repo    = mc.Mapping.Repository
		tags    []Tag
		threads []ChatThread
		issues  []*Issue
	)

	err := s.callDiscord(ctx, mc, func(ctx context.Context) error {
		var err error
		tags, err = s.Chat.Tags(ctx, mc.Mapping.ChannelID)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "getting forum tags")
	}
	mc.Store.SetTags(tags)

	err = s.callDiscord(ctx, mc, func(ctx context.Context) error {
		var err error
		threads, err = s.Chat.ListThreads(ctx, mc.Mapping.ChannelID)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "listing forum threads")
	}

	err = s.callGitHub(ctx, mc, func(ctx context.Context, tr Tracker) error {
		var err error
		issues, err = tr.ListIssues(ctx, repo)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "listing issues")
	}

	var (
		byNumber = make(map[int]*Issue)
		byThread = make(map[string]*Issue)
	)
	for _, in := range issues {
		byNumber[in.Number] = in
		if id := threadIDFromBody(in.Body); id != "" {
			byThread[id] = in
		}
	}

	var linked []string
	for _, th := range threads {
		row := Thread{
			ID:            th.ID,
			Title:         th.Name,
			Body:          th.StarterContent,
			AppliedTagIDs: th.AppliedTags,
			Archived:      th.Archived,
			Locked:        th.Locked,
		}
		in := byThread[th.ID]
		if in == nil {
			if n, ok := issueNumberFromStarter(th.StarterContent, repo); ok {
				in = byNumber[n]
			}
		}
		if in != nil {
			row.Title = in.Title
			row.Number, row.NodeID, row.Labels = in.Number, in.NodeID, in.Labels
			if in.Body != "" {
				row.Body = in.Body
			}
		}

		if !mc.Store.Insert(row) {
			// Known already. Link it if it is not yet.
			if row.Linked() {
				mc.Store.Update(row.ID, func(t *Thread) {
					if !t.Linked() {
						t.Number, t.NodeID, t.Labels = row.Number, row.NodeID, row.Labels
					}
				})
			}
		}
		if row.Linked() {
			linked = append(linked, row.ID)
		}
	}

	comments := 0
	for _, id := range linked {
		row, ok := mc.Store.Thread(id)
		if !ok {
			continue
		}
		var list []*IssueComment
		err := s.callGitHub(ctx, mc, func(ctx context.Context, tr Tracker) error {
			var err error
			list, err = tr.ListComments(ctx, repo, row.Number)
			return err
		})
		if err != nil {
			return errors.Wrapf(err, "listing comments of issue #%d", row.Number)
		}
		for _, c := range list {
			if msgID := messageIDFromBody(c.Body); msgID != "" {
				if mc.Store.AddComment(row.ID, Comment{ID: msgID, GitID: c.ID}) {
					comments++
				}
			}
		}
	}

	mc.Logger.Info("Reconciled", "tags", len(tags), "threads", len(threads), "issues", len(issues), "linked", len(linked), "comments", comments)
	return nil
}
