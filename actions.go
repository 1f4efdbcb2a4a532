package gitcord

import (
	"context"
	"fmt"
)

// Action is a tracker webhook event in typed form.
type Action int

const (
	ActionUnhandled Action = iota
	ActionIssueOpened
	ActionIssueEdited
	ActionIssueClosed
	ActionIssueReopened
	ActionIssueLocked
	ActionIssueUnlocked
	ActionIssueDeleted
	ActionIssueLabeled
	ActionIssueUnlabeled
	ActionCommentCreated
	ActionCommentEdited
	ActionCommentDeleted
)

var actionNames = map[Action]string{
	ActionUnhandled:      "unhandled",
	ActionIssueOpened:    "issues.opened",
	ActionIssueEdited:    "issues.edited",
	ActionIssueClosed:    "issues.closed",
	ActionIssueReopened:  "issues.reopened",
	ActionIssueLocked:    "issues.locked",
	ActionIssueUnlocked:  "issues.unlocked",
	ActionIssueDeleted:   "issues.deleted",
	ActionIssueLabeled:   "issues.labeled",
	ActionIssueUnlabeled: "issues.unlabeled",
	ActionCommentCreated: "issue_comment.created",
	ActionCommentEdited:  "issue_comment.edited",
	ActionCommentDeleted: "issue_comment.deleted",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

var (
	issueActions = map[string]Action{
		"opened":    ActionIssueOpened,
		"edited":    ActionIssueEdited,
		"closed":    ActionIssueClosed,
		"reopened":  ActionIssueReopened,
		"locked":    ActionIssueLocked,
		"unlocked":  ActionIssueUnlocked,
		"deleted":   ActionIssueDeleted,
		"labeled":   ActionIssueLabeled,
		"unlabeled": ActionIssueUnlabeled,
	}
	commentActions = map[string]Action{
		"created": ActionCommentCreated,
		"edited":  ActionCommentEdited,
		"deleted": ActionCommentDeleted,
	}
)

// ParseAction maps an X-GitHub-Event header value and a payload to an Action.
// When the header is absent,
// the presence of a comment in the payload tells issue_comment from issues.
func ParseAction(event string, p *WebhookPayload) Action {
	if event == "" {
		if p.Comment != nil {
			event = "issue_comment"
		} else if p.Issue != nil {
			event = "issues"
		}
	}

	var table map[string]Action
	switch event {
	case "issues":
		table = issueActions
	case "issue_comment":
		table = commentActions
	default:
		return ActionUnhandled
	}
	if a, ok := table[p.Action]; ok {
		return a
	}
	return ActionUnhandled
}

type webhookHandler func(*Service, context.Context, *MappingContext, *WebhookPayload) error

var dispatch = map[Action]webhookHandler{
	ActionIssueOpened:    (*Service).onIssueOpened,
	ActionIssueEdited:    (*Service).onIssueEdited,
	ActionIssueClosed:    (*Service).onIssueClosed,
	ActionIssueReopened:  (*Service).onIssueReopened,
	ActionIssueLocked:    (*Service).onIssueLocked,
	ActionIssueUnlocked:  (*Service).onIssueUnlocked,
	ActionIssueDeleted:   (*Service).onIssueDeleted,
	ActionIssueLabeled:   (*Service).onIssueLabelsChanged,
	ActionIssueUnlabeled: (*Service).onIssueLabelsChanged,
	ActionCommentCreated: (*Service).onCommentCreated,
	ActionCommentEdited:  (*Service).onCommentEdited,
	ActionCommentDeleted: (*Service).onCommentDeleted,
}
