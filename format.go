package gitcord

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gitcord/markdown"
)

// Hidden markers tie tracker objects created from chat
// back to the chat objects they came from.
// GitHub does not render HTML comments.
var (
	threadMarkerRegex  = regexp.MustCompile(`<!-- gitcord:thread=(\d+) -->`)
	messageMarkerRegex = regexp.MustCompile(`<!-- gitcord:message=(\d+) -->`)

	// Matches the issue link at the start of a thread starter message.
	issueLinkRegex = regexp.MustCompile(`\[#(\d+)\]\((https?://[^)\s]+/([^/)\s]+)/([^/)\s]+)/issues/(\d+))\)`)
)

func threadMarker(threadID string) string {
	return fmt.Sprintf("<!-- gitcord:thread=%s -->", threadID)
}

func messageMarker(messageID string) string {
	return fmt.Sprintf("<!-- gitcord:message=%s -->", messageID)
}

// stripMarkers removes every marker from body.
func stripMarkers(body string) string {
	body = threadMarkerRegex.ReplaceAllString(body, "")
	return messageMarkerRegex.ReplaceAllString(body, "")
}

func threadIDFromBody(body string) string {
	if m := threadMarkerRegex.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

func messageIDFromBody(body string) string {
	if m := messageMarkerRegex.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

// issueNumberFromStarter finds the issue a thread starter message links to.
// Links to other repositories do not count.
func issueNumberFromStarter(content string, repo Repository) (int, bool) {
	m := issueLinkRegex.FindStringSubmatch(content)
	if m == nil {
		return 0, false
	}
	if !strings.EqualFold(m[3], repo.Owner) || !strings.EqualFold(m[4], repo.Name) || m[1] != m[5] {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// issueBodyFromChat renders a chat starter message as an issue body.
func issueBodyFromChat(msg ChatMessage) string {
	var b strings.Builder
	b.WriteString(markdown.FromDiscord(msg.Content))
	writeAttachments(&b, msg.Attachments)
	fmt.Fprintf(&b, "\n\n---\n_Posted by **%s** in [Discord](%s)_\n", msg.AuthorName, msg.URL)
	b.WriteString(threadMarker(msg.ThreadID))
	return b.String()
}

// commentBodyFromChat renders a chat message as an issue comment.
func commentBodyFromChat(msg ChatMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** [wrote](%s) in Discord:\n\n", msg.AuthorName, msg.URL)
	b.WriteString(markdown.FromDiscord(msg.Content))
	writeAttachments(&b, msg.Attachments)
	b.WriteString("\n")
	b.WriteString(messageMarker(msg.ID))
	return b.String()
}

func writeAttachments(b *strings.Builder, urls []string) {
	if len(urls) == 0 {
		return
	}
	b.WriteString("\n\n**Attachments:**\n")
	for _, u := range urls {
		fmt.Fprintf(b, "- %s\n", u)
	}
}

// starterFromIssue renders the first message of a thread created for an issue.
func starterFromIssue(in *Issue, author string) string {
	head := fmt.Sprintf("[#%d](%s)", in.Number, in.HTMLURL)
	if author != "" {
		head += fmt.Sprintf(" opened by **%s**", author)
	}
	body := markdown.ToDiscord(in.Body)
	if body == "" {
		return head
	}
	return markdown.Truncate(head+"\n\n"+body, markdown.MaxMessageLen)
}

func chatFromComment(body string) string {
	s := markdown.ToDiscord(body)
	if s == "" {
		s = "_(empty comment)_"
	}
	return markdown.Truncate(s, markdown.MaxMessageLen)
}

func threadName(title string) string {
	return markdown.Truncate(title, markdown.MaxThreadName)
}
