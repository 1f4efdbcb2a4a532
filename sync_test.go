package gitcord

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-github/v45/github"
)

// linkedService returns a service whose mapping m1 has thread 500 linked to issue #1.
func linkedService(t *testing.T) (*Service, *MappingContext, *fakeChat, *fakeTracker) {
	t.Helper()
	s, chat, tracker := newTestService(t, testMapping())
	mc := mustContext(t, s, "m1")
	mc.Store.Insert(Thread{ID: "500", Title: "Crash", Number: 1, NodeID: "I_1"})
	return s, mc, chat, tracker
}

func mustRow(t *testing.T, mc *MappingContext, threadID string) Thread {
	t.Helper()
	row, ok := mc.Store.Thread(threadID)
	if !ok {
		t.Fatalf("no row for thread %s", threadID)
	}
	return row
}

func TestIssueOpened(t *testing.T) {
	s, chat, _ := newTestService(t, testMapping())
	mc := mustContext(t, s, "m1")
	mc.Store.SetTags([]Tag{{ID: "t1", Name: "bug"}, {ID: "t2", Name: "feature"}})

	issue := ghIssue(1, "Crash", "It **crashes**")
	issue.Labels = []*github.Label{{Name: github.String("bug")}, {Name: github.String("p1")}}

	// Two deliveries of the same event.
	for _, id := range []string{"d-1", "d-2"} {
		if rec := s.deliver(t, delivery{event: "issues", id: id, body: issuePayload(t, "opened", issue)}); rec.Code != http.StatusOK {
			t.Fatalf("got status %d", rec.Code)
		}
	}

	if len(chat.created) != 1 {
		t.Fatalf("got %d threads created, want 1", len(chat.created))
	}
	want := NewThread{
		Name:        "Crash",
		Content:     "[#1](https://github.com/acme/widgets/issues/1) opened by **alice**\n\nIt **crashes**",
		AppliedTags: []string{"t1"},
	}
	if diff := cmp.Diff(want, chat.created[0]); diff != "" {
		t.Errorf("thread mismatch (-want +got):\n%s", diff)
	}

	row, ok := mc.Store.ByNumber(1)
	if !ok {
		t.Fatal("no row for issue 1")
	}
	if row.ID != "1001" || row.NodeID != "I_1" {
		t.Errorf("got row %s / %s, want 1001 / I_1", row.ID, row.NodeID)
	}
	if diff := cmp.Diff([]string{"bug", "p1"}, row.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestIssueOpenedWithThreadMarker(t *testing.T) {
	s, chat, _ := newTestService(t, testMapping())
	mc := mustContext(t, s, "m1")
	mc.Store.Insert(Thread{ID: "500", Title: "Help"})
	mc.Store.Insert(Thread{ID: "501", Title: "Other"})

	// The webhook for an issue being created from thread 500.
	mc.Store.Claim(issueClaim("500"))
	body := "Question\n\n<!-- gitcord:thread=500 -->"
	s.deliver(t, delivery{event: "issues", body: issuePayload(t, "opened", ghIssue(7, "Help", body))})
	mc.Store.Release(issueClaim("500"))

	if len(chat.created) != 0 {
		t.Errorf("got %d threads created, want 0", len(chat.created))
	}
	if row := mustRow(t, mc, "500"); row.Number != 7 {
		t.Errorf("got row linked to #%d, want #7", row.Number)
	}

	// An issue someone else wrote with a marker gets its own thread.
	body = "Question\n\n<!-- gitcord:thread=501 -->"
	s.deliver(t, delivery{event: "issues", body: issuePayload(t, "opened", ghIssue(8, "Other", body))})
	if len(chat.created) != 1 {
		t.Fatalf("got %d threads created, want 1", len(chat.created))
	}
	if content := chat.created[0].Content; strings.Contains(content, "gitcord:") {
		t.Errorf("starter %q carries a marker", content)
	}
	if row := mustRow(t, mc, "501"); row.Linked() {
		t.Errorf("thread 501 linked to #%d", row.Number)
	}
	if row, ok := mc.Store.ByNumber(8); !ok || row.ID == "501" {
		t.Errorf("issue 8 row: %+v, %v", row.ID, ok)
	}
}

func TestForeignMessageMarker(t *testing.T) {
	s, mc, chat, _ := linkedService(t)

	body := "see above <!-- gitcord:message=801 -->"
	s.deliver(t, delivery{event: "issue_comment", body: commentPayload(t, "created", ghIssue(1, "Crash", ""), 77, body)})
	if len(chat.posts) != 1 {
		t.Fatalf("got %d posts, want 1", len(chat.posts))
	}
	if content := chat.posts[0].Content; strings.Contains(content, "gitcord:") {
		t.Errorf("post %q carries a marker", content)
	}
	if diff := cmp.Diff([]Comment{{ID: "1001", GitID: 77}}, mustRow(t, mc, "500").Comments); diff != "" {
		t.Errorf("correlations mismatch (-want +got):\n%s", diff)
	}

	// An edit of that comment is relayed too.
	s.deliver(t, delivery{event: "issue_comment", body: commentPayload(t, "edited", ghIssue(1, "Crash", ""), 77, body+" again")})
	if diff := cmp.Diff([]string{"1001"}, chat.deleted); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
	if len(chat.posts) != 2 {
		t.Errorf("got %d posts, want 2", len(chat.posts))
	}
}

func TestChatStarterCreatesIssue(t *testing.T) {
	ctx := context.Background()
	s, chat, tracker := newTestService(t, testMapping())
	mc := mustContext(t, s, "m1")
	mc.Store.SetTags([]Tag{{ID: "t1", Name: "bug"}})

	if err := s.OnThreadCreate(ctx, ChatThread{ID: "700", ParentID: "100", Name: "Help", AppliedTags: []string{"t1"}}); err != nil {
		t.Fatal(err)
	}
	starter := ChatMessage{
		ID:         "700",
		ThreadID:   "700",
		ParentID:   "100",
		ThreadName: "Help",
		Content:    "How do I **x**?",
		AuthorName: "carol",
		URL:        "https://discord.com/channels/1/700/700",
	}
	for i := 0; i < 2; i++ {
		if err := s.OnMessageCreate(ctx, starter); err != nil {
			t.Fatal(err)
		}
	}

	if diff := cmp.Diff([]string{`CreateIssue "Help"`}, tracker.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	issue := tracker.issues[1]
	wantBody := "How do I **x**?\n\n---\n_Posted by **carol** in [Discord](https://discord.com/channels/1/700/700)_\n<!-- gitcord:thread=700 -->"
	if diff := cmp.Diff(wantBody, issue.Body); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"bug"}, issue.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if row := mustRow(t, mc, "700"); row.Number != 1 || row.NodeID != "I_1" {
		t.Errorf("got row linked to #%d (%s), want #1 (I_1)", row.Number, row.NodeID)
	}

	// The tracker's webhook for the new issue creates no thread.
	s.deliver(t, delivery{event: "issues", body: issuePayload(t, "opened", ghIssue(1, "Help", issue.Body))})
	if len(chat.created) != 0 {
		t.Errorf("got %d threads created, want 0", len(chat.created))
	}
}

func TestStarterBeforeThreadCreate(t *testing.T) {
	ctx := context.Background()
	s, _, tracker := newTestService(t, testMapping())
	mc := mustContext(t, s, "m1")

	err := s.OnMessageCreate(ctx, ChatMessage{ID: "700", ThreadID: "700", ParentID: "100", ThreadName: "Early", Content: "hi", AuthorName: "carol"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.OnThreadCreate(ctx, ChatThread{ID: "700", ParentID: "100", Name: "Early"}); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{`CreateIssue "Early"`}, tracker.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if n := mc.Store.Len(); n != 1 {
		t.Errorf("got %d rows, want 1", n)
	}
}

func TestChatEventsOutsideMappings(t *testing.T) {
	ctx := context.Background()
	s, _, tracker := newTestService(t, testMapping())

	if err := s.OnThreadCreate(ctx, ChatThread{ID: "700", ParentID: "999", Name: "Elsewhere"}); err != nil {
		t.Fatal(err)
	}
	if err := s.OnMessageCreate(ctx, ChatMessage{ID: "700", ThreadID: "700", ParentID: "999"}); err != nil {
		t.Fatal(err)
	}
	if calls := tracker.Calls(); len(calls) != 0 {
		t.Errorf("got calls %v", calls)
	}
}

func TestCommentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mc, chat, tracker := linkedService(t)

	// Chat to tracker.
	msg := ChatMessage{ID: "801", ThreadID: "500", ParentID: "100", Content: "me too", AuthorName: "dave", URL: "https://discord.com/channels/1/500/801"}
	if err := s.OnMessageCreate(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if len(tracker.comments[1]) != 1 {
		t.Fatalf("got %d comments, want 1", len(tracker.comments[1]))
	}
	c := tracker.comments[1][0]
	wantBody := "**dave** [wrote](https://discord.com/channels/1/500/801) in Discord:\n\nme too\n<!-- gitcord:message=801 -->"
	if diff := cmp.Diff(wantBody, c.Body); diff != "" {
		t.Errorf("comment body mismatch (-want +got):\n%s", diff)
	}

	// The tracker's webhook for that comment is not relayed back.
	s.deliver(t, delivery{event: "issue_comment", body: commentPayload(t, "created", ghIssue(1, "Crash", ""), c.ID, c.Body)})
	if len(chat.posts) != 0 {
		t.Errorf("got %d posts, want 0", len(chat.posts))
	}

	// A second delivery of the chat event is not commented twice.
	if err := s.OnMessageCreate(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if len(tracker.comments[1]) != 1 {
		t.Errorf("got %d comments, want 1", len(tracker.comments[1]))
	}

	// Tracker to chat.
	s.deliver(t, delivery{event: "issue_comment", body: commentPayload(t, "created", ghIssue(1, "Crash", ""), 77, "Fixed in **v2**")})
	wantPosts := []ChatPost{{
		ChannelID: "100",
		ThreadID:  "500",
		Content:   "Fixed in **v2**",
		Username:  "bob",
		AvatarURL: "https://avatars.example/bob",
	}}
	if diff := cmp.Diff(wantPosts, chat.posts); diff != "" {
		t.Errorf("posts mismatch (-want +got):\n%s", diff)
	}

	// The relayed message comes back from the gateway as our own.
	if err := s.OnMessageCreate(ctx, ChatMessage{ID: "1001", ThreadID: "500", ParentID: "100", Content: "Fixed in **v2**", FromSelf: true}); err != nil {
		t.Fatal(err)
	}
	if len(tracker.comments[1]) != 1 {
		t.Errorf("got %d comments, want 1", len(tracker.comments[1]))
	}

	wantComments := []Comment{{ID: "801", GitID: c.ID}, {ID: "1001", GitID: 77}}
	if diff := cmp.Diff(wantComments, mustRow(t, mc, "500").Comments); diff != "" {
		t.Errorf("correlations mismatch (-want +got):\n%s", diff)
	}
}

func TestCommentEdited(t *testing.T) {
	ctx := context.Background()
	s, mc, chat, tracker := linkedService(t)
	mc.Store.AddComment("500", Comment{ID: "900", GitID: 77})

	rec := s.deliver(t, delivery{event: "issue_comment", body: commentPayload(t, "edited", ghIssue(1, "Crash", ""), 77, "new text")})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if diff := cmp.Diff([]string{"900"}, chat.deleted); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
	if len(chat.posts) != 1 || chat.posts[0].Content != "new text" {
		t.Errorf("got posts %+v", chat.posts)
	}
	if diff := cmp.Diff([]Comment{{ID: "1001", GitID: 77}}, mustRow(t, mc, "500").Comments); diff != "" {
		t.Errorf("correlations mismatch (-want +got):\n%s", diff)
	}

	// The gateway reports the deletion of the old message afterwards.
	if err := s.OnMessageDelete(ctx, ChatMessage{ID: "900", ThreadID: "500", ParentID: "100"}); err != nil {
		t.Fatal(err)
	}
	if calls := tracker.Calls(); len(calls) != 0 {
		t.Errorf("got tracker calls %v", calls)
	}
}

func TestCommentEditRepostFails(t *testing.T) {
	ctx := context.Background()
	s, mc, chat, tracker := linkedService(t)
	mc.Store.AddComment("500", Comment{ID: "900", GitID: 77})
	chat.fail("PostMessage", errors.New("boom"))

	rec := s.deliver(t, delivery{event: "issue_comment", body: commentPayload(t, "edited", ghIssue(1, "Crash", ""), 77, "new text")})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want 500", rec.Code)
	}

	// The correlation still names the old message.
	if diff := cmp.Diff([]Comment{{ID: "900", GitID: 77}}, mustRow(t, mc, "500").Comments); diff != "" {
		t.Errorf("correlations mismatch (-want +got):\n%s", diff)
	}

	// Deleting the old message was our doing, so the comment stays.
	if err := s.OnMessageDelete(ctx, ChatMessage{ID: "900", ThreadID: "500", ParentID: "100"}); err != nil {
		t.Fatal(err)
	}
	if calls := tracker.Calls(); len(calls) != 0 {
		t.Errorf("got tracker calls %v", calls)
	}
}

func TestCommentDeleted(t *testing.T) {
	ctx := context.Background()
	s, mc, chat, tracker := linkedService(t)
	mc.Store.AddComment("500", Comment{ID: "900", GitID: 77})
	mc.Store.AddComment("500", Comment{ID: "901", GitID: 78})
	mc.Store.AddComment("500", Comment{ID: "902", GitID: 79})

	// Tracker side.
	s.deliver(t, delivery{event: "issue_comment", body: commentPayload(t, "deleted", ghIssue(1, "Crash", ""), 77, "")})
	if diff := cmp.Diff([]string{"900"}, chat.deleted); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
	if err := s.OnMessageDelete(ctx, ChatMessage{ID: "900", ThreadID: "500", ParentID: "100"}); err != nil {
		t.Fatal(err)
	}

	// Chat side.
	if err := s.OnMessageDelete(ctx, ChatMessage{ID: "901", ThreadID: "500", ParentID: "100"}); err != nil {
		t.Fatal(err)
	}

	// Chat side, comment already gone, parent unknown.
	tracker.fail("DeleteComment", ErrNotFound)
	if err := s.OnMessageDelete(ctx, ChatMessage{ID: "902", ThreadID: "500"}); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"DeleteComment 78"}, tracker.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if comments := mustRow(t, mc, "500").Comments; len(comments) != 0 {
		t.Errorf("got correlations %v, want none", comments)
	}
}

func TestIssueClosedArchivesThread(t *testing.T) {
	ctx := context.Background()
	s, mc, chat, tracker := linkedService(t)
	s.EchoWindow = time.Minute

	s.deliver(t, delivery{event: "issues", body: issuePayload(t, "closed", ghIssue(1, "Crash", ""))})
	want := []threadEdit{{ThreadID: "500", Edit: ThreadEdit{Archived: ptr(true), Locked: ptr(false)}}}
	if diff := cmp.Diff(want, chat.edits); diff != "" {
		t.Fatalf("edits mismatch (-want +got):\n%s", diff)
	}
	if !mustRow(t, mc, "500").Archived {
		t.Error("row not archived")
	}

	// Echo of our own edit.
	if err := s.OnThreadUpdate(ctx, ChatThread{ID: "500", ParentID: "100", Name: "Crash", Archived: true}); err != nil {
		t.Fatal(err)
	}
	// Redelivered close.
	s.deliver(t, delivery{event: "issues", body: issuePayload(t, "closed", ghIssue(1, "Crash", ""))})
	if len(chat.edits) != 1 {
		t.Errorf("got %d edits, want 1", len(chat.edits))
	}
	if calls := tracker.Calls(); len(calls) != 0 {
		t.Errorf("got tracker calls %v", calls)
	}

	// A person unarchives the thread.
	if err := s.OnThreadUpdate(ctx, ChatThread{ID: "500", ParentID: "100", Name: "Crash"}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"UpdateIssue #1 state=open"}, tracker.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	// The tracker's reopen webhook changes nothing.
	s.deliver(t, delivery{event: "issues", body: issuePayload(t, "reopened", ghIssue(1, "Crash", ""))})
	if len(chat.edits) != 1 {
		t.Errorf("got %d edits, want 1", len(chat.edits))
	}
}

func TestLockArchivedThread(t *testing.T) {
	ctx := context.Background()
	s, mc, chat, tracker := linkedService(t)
	s.EchoWindow = time.Minute
	mc.Store.Update("500", func(row *Thread) { row.Archived = true })

	s.deliver(t, delivery{event: "issues", body: issuePayload(t, "locked", ghIssue(1, "Crash", ""))})

	want := []threadEdit{
		{ThreadID: "500", Edit: ThreadEdit{Archived: ptr(false)}},
		{ThreadID: "500", Edit: ThreadEdit{Locked: ptr(true)}},
		{ThreadID: "500", Edit: ThreadEdit{Archived: ptr(true)}},
	}
	if diff := cmp.Diff(want, chat.edits); diff != "" {
		t.Fatalf("edits mismatch (-want +got):\n%s", diff)
	}
	row := mustRow(t, mc, "500")
	if !row.Archived || !row.Locked || row.LockInProgress {
		t.Errorf("got archived %v locked %v in progress %v", row.Archived, row.Locked, row.LockInProgress)
	}

	// Echoes of the three edits arrive late.
	echoes := []ChatThread{
		{ID: "500", ParentID: "100", Name: "Crash"},
		{ID: "500", ParentID: "100", Name: "Crash", Locked: true},
		{ID: "500", ParentID: "100", Name: "Crash", Archived: true, Locked: true},
	}
	for _, th := range echoes {
		if err := s.OnThreadUpdate(ctx, th); err != nil {
			t.Fatal(err)
		}
	}
	if calls := tracker.Calls(); len(calls) != 0 {
		t.Errorf("got tracker calls %v", calls)
	}
	if pending := mustRow(t, mc, "500").expect; len(pending) != 0 {
		t.Errorf("got %d pending echoes, want 0", len(pending))
	}

	// A person reopens and closes the thread within the echo window.
	toggles := []ChatThread{
		{ID: "500", ParentID: "100", Name: "Crash", Locked: true},
		{ID: "500", ParentID: "100", Name: "Crash", Archived: true, Locked: true},
	}
	for _, th := range toggles {
		if err := s.OnThreadUpdate(ctx, th); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff([]string{"UpdateIssue #1 state=open", "UpdateIssue #1 state=closed"}, tracker.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestCommentIntoArchivedThread(t *testing.T) {
	ctx := context.Background()
	s, mc, chat, tracker := linkedService(t)
	s.EchoWindow = time.Minute
	mc.Store.Update("500", func(row *Thread) { row.Archived = true })

	issue := ghIssue(1, "Crash", "")
	issue.State = github.String("closed")
	rec := s.deliver(t, delivery{event: "issue_comment", body: commentPayload(t, "created", issue, 77, "one more thing")})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if len(chat.posts) != 1 {
		t.Fatalf("got %d posts, want 1", len(chat.posts))
	}
	want := []threadEdit{{ThreadID: "500", Edit: ThreadEdit{Archived: ptr(true), Locked: ptr(false)}}}
	if diff := cmp.Diff(want, chat.edits); diff != "" {
		t.Errorf("edits mismatch (-want +got):\n%s", diff)
	}
	if !mustRow(t, mc, "500").Archived {
		t.Error("row not archived")
	}

	// The platform unarchived the thread for the post, then we archived it again.
	echoes := []ChatThread{
		{ID: "500", ParentID: "100", Name: "Crash"},
		{ID: "500", ParentID: "100", Name: "Crash", Archived: true},
	}
	for _, th := range echoes {
		if err := s.OnThreadUpdate(ctx, th); err != nil {
			t.Fatal(err)
		}
	}
	if calls := tracker.Calls(); len(calls) != 0 {
		t.Errorf("got tracker calls %v", calls)
	}
}

func TestThreadUpdateDuringLockSequence(t *testing.T) {
	ctx := context.Background()
	s, mc, _, tracker := linkedService(t)
	mc.Store.Update("500", func(row *Thread) { row.LockInProgress = true })

	if err := s.OnThreadUpdate(ctx, ChatThread{ID: "500", ParentID: "100", Name: "Crash", Archived: true}); err != nil {
		t.Fatal(err)
	}
	if calls := tracker.Calls(); len(calls) != 0 {
		t.Errorf("got tracker calls %v", calls)
	}
}

func TestThreadLocked(t *testing.T) {
	ctx := context.Background()
	s, mc, _, tracker := linkedService(t)

	tracker.fail("LockIssue", errors.New("boom"))
	if err := s.OnThreadUpdate(ctx, ChatThread{ID: "500", ParentID: "100", Name: "Crash", Locked: true}); err == nil {
		t.Fatal("got no error")
	}
	if mustRow(t, mc, "500").Locked {
		t.Error("row locked after failed lock")
	}

	tracker.fail("LockIssue", nil)
	if err := s.OnThreadUpdate(ctx, ChatThread{ID: "500", ParentID: "100", Name: "Crash", Locked: true}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"LockIssue #1"}, tracker.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if !mustRow(t, mc, "500").Locked {
		t.Error("row not locked")
	}

	// The tracker's webhook for the lock changes nothing.
	s.deliver(t, delivery{event: "issues", body: issuePayload(t, "locked", ghIssue(1, "Crash", ""))})
	if calls := tracker.Calls(); len(calls) != 1 {
		t.Errorf("got tracker calls %v", calls)
	}
}

func TestTitleSync(t *testing.T) {
	ctx := context.Background()
	s, mc, chat, tracker := linkedService(t)

	if err := s.OnThreadUpdate(ctx, ChatThread{ID: "500", ParentID: "100", Name: "Crash on start"}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"UpdateIssue #1 title=Crash on start"}, tracker.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	// The tracker's edit webhook for the rename is not mirrored back.
	s.deliver(t, delivery{event: "issues", body: issuePayload(t, "edited", ghIssue(1, "Crash on start", ""))})
	if len(chat.edits) != 0 {
		t.Errorf("got edits %+v", chat.edits)
	}

	// A rename on the tracker side renames the thread.
	s.deliver(t, delivery{event: "issues", body: issuePayload(t, "edited", ghIssue(1, "Crash on boot", "details"))})
	want := []threadEdit{{ThreadID: "500", Edit: ThreadEdit{Name: ptr("Crash on boot")}}}
	if diff := cmp.Diff(want, chat.edits); diff != "" {
		t.Errorf("edits mismatch (-want +got):\n%s", diff)
	}
	row := mustRow(t, mc, "500")
	if row.Title != "Crash on boot" || row.Body != "details" {
		t.Errorf("got title %q body %q", row.Title, row.Body)
	}
}

func TestTagSync(t *testing.T) {
	ctx := context.Background()
	s, mc, chat, tracker := linkedService(t)
	mc.Store.SetTags([]Tag{{ID: "t1", Name: "bug"}, {ID: "t2", Name: "feature"}})
	mc.Store.Update("500", func(row *Thread) {
		row.Labels = []string{"bug", "p1"}
		row.AppliedTagIDs = []string{"t1"}
	})

	if err := s.OnThreadUpdate(ctx, ChatThread{ID: "500", ParentID: "100", Name: "Crash", AppliedTags: []string{"t2"}}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"UpdateIssue #1 labels=[p1 feature]"}, tracker.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	// The tracker's label webhooks for that change are not mirrored back.
	issue := ghIssue(1, "Crash", "")
	issue.Labels = []*github.Label{{Name: github.String("p1")}, {Name: github.String("feature")}}
	s.deliver(t, delivery{event: "issues", body: issuePayload(t, "labeled", issue)})
	if len(chat.edits) != 0 {
		t.Errorf("got edits %+v", chat.edits)
	}

	// A label added on the tracker side tags the thread.
	issue.Labels = append(issue.Labels, &github.Label{Name: github.String("bug")})
	s.deliver(t, delivery{event: "issues", body: issuePayload(t, "labeled", issue)})
	want := []threadEdit{{ThreadID: "500", Edit: ThreadEdit{AppliedTags: &[]string{"t2", "t1"}}}}
	if diff := cmp.Diff(want, chat.edits); diff != "" {
		t.Errorf("edits mismatch (-want +got):\n%s", diff)
	}
}

func TestDeletes(t *testing.T) {
	ctx := context.Background()
	s, mc, chat, tracker := linkedService(t)
	mc.Store.Insert(Thread{ID: "501", Title: "Other", Number: 2, NodeID: "I_2"})
	mc.Store.Insert(Thread{ID: "502", Title: "Third", Number: 3, NodeID: "I_3"})

	// Issue deleted on the tracker.
	rec := s.deliver(t, delivery{event: "issues", body: issuePayload(t, "deleted", ghIssue(1, "Crash", ""))})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if diff := cmp.Diff([]string{"500"}, chat.gone); diff != "" {
		t.Errorf("deleted threads mismatch (-want +got):\n%s", diff)
	}
	if _, ok := mc.Store.Thread("500"); ok {
		t.Error("row 500 survived")
	}
	// The gateway's delete event for that thread finds no row.
	if err := s.OnThreadDelete(ctx, ChatThread{ID: "500", ParentID: "100"}); err != nil {
		t.Fatal(err)
	}

	// Thread deleted in chat.
	if err := s.OnThreadDelete(ctx, ChatThread{ID: "501", ParentID: "100"}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"DeleteIssue I_2"}, tracker.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	// Counterparts already gone.
	tracker.fail("DeleteIssue", ErrNotFound)
	if err := s.OnThreadDelete(ctx, ChatThread{ID: "502", ParentID: "100"}); err != nil {
		t.Errorf("got %v for issue already gone", err)
	}
	mc.Store.Insert(Thread{ID: "503", Title: "Fourth", Number: 4, NodeID: "I_4"})
	chat.fail("DeleteThread", ErrNotFound)
	rec = s.deliver(t, delivery{event: "issues", body: issuePayload(t, "deleted", ghIssue(4, "Fourth", ""))})
	if rec.Code != http.StatusOK {
		t.Errorf("got status %d for thread already gone", rec.Code)
	}
	if n := mc.Store.Len(); n != 0 {
		t.Errorf("got %d rows, want 0", n)
	}
}

func TestIssueDeleteRetried(t *testing.T) {
	ctx := context.Background()
	s, mc, chat, tracker := linkedService(t)

	chat.fail("DeleteThread", errors.New("boom"))
	d := delivery{event: "issues", id: "d-1", body: issuePayload(t, "deleted", ghIssue(1, "Crash", ""))}
	if rec := s.deliver(t, d); rec.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want 500", rec.Code)
	}
	if _, ok := mc.Store.Thread("500"); !ok {
		t.Fatal("row gone after failed delete")
	}

	chat.fail("DeleteThread", nil)
	if rec := s.deliver(t, d); rec.Code != http.StatusOK {
		t.Fatalf("redelivery: got status %d", rec.Code)
	}
	if diff := cmp.Diff([]string{"500"}, chat.gone); diff != "" {
		t.Errorf("deleted threads mismatch (-want +got):\n%s", diff)
	}
	if _, ok := mc.Store.Thread("500"); ok {
		t.Error("row survived")
	}

	// The gateway's delete event can arrive while the delete is in progress.
	mc.Store.Insert(Thread{ID: "501", Title: "Other", Number: 2, NodeID: "I_2"})
	mc.Store.Claim(threadDeleteClaim("501"))
	if err := s.OnThreadDelete(ctx, ChatThread{ID: "501", ParentID: "100"}); err != nil {
		t.Fatal(err)
	}
	if calls := tracker.Calls(); len(calls) != 0 {
		t.Errorf("got tracker calls %v", calls)
	}
}

func TestIssueCreationRetriedByLaterMessage(t *testing.T) {
	ctx := context.Background()
	s, _, tracker := newTestService(t, testMapping())
	mc := mustContext(t, s, "m1")

	if err := s.OnThreadCreate(ctx, ChatThread{ID: "700", ParentID: "100", Name: "Help"}); err != nil {
		t.Fatal(err)
	}
	tracker.fail("CreateIssue", errors.New("boom"))
	starter := ChatMessage{ID: "700", ThreadID: "700", ParentID: "100", ThreadName: "Help", Content: "How do I x?", AuthorName: "carol"}
	if err := s.OnMessageCreate(ctx, starter); err == nil {
		t.Fatal("got no error")
	}
	if row := mustRow(t, mc, "700"); row.Linked() {
		t.Fatal("row linked after failed creation")
	}

	tracker.fail("CreateIssue", nil)
	reply := ChatMessage{ID: "701", ThreadID: "700", ParentID: "100", ThreadName: "Help", Content: "anyone?", AuthorName: "dave"}
	if err := s.OnMessageCreate(ctx, reply); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{`CreateIssue "Help"`, "CreateComment #1"}, tracker.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if body := tracker.issues[1].Body; !strings.HasPrefix(body, "How do I x?") {
		t.Errorf("issue body %q is not the starter's", body)
	}
	if diff := cmp.Diff([]Comment{{ID: "701", GitID: 5001}}, mustRow(t, mc, "700").Comments); diff != "" {
		t.Errorf("correlations mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageHeldWhileIssueCreated(t *testing.T) {
	ctx := context.Background()
	s, _, tracker := newTestService(t, testMapping())
	mc := mustContext(t, s, "m1")
	tracker.gate = make(chan struct{})

	if err := s.OnThreadCreate(ctx, ChatThread{ID: "700", ParentID: "100", Name: "Help"}); err != nil {
		t.Fatal(err)
	}
	starter := ChatMessage{ID: "700", ThreadID: "700", ParentID: "100", ThreadName: "Help", Content: "How do I x?", AuthorName: "carol"}
	done := make(chan error, 1)
	go func() { done <- s.OnMessageCreate(ctx, starter) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		row, _ := mc.Store.Thread("700")
		if row.Body != "" && mc.Store.Claimed(issueClaim("700")) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("issue creation did not start")
		}
		time.Sleep(time.Millisecond)
	}

	reply := ChatMessage{ID: "701", ThreadID: "700", ParentID: "100", Content: "anyone?", AuthorName: "dave"}
	if err := s.OnMessageCreate(ctx, reply); err != nil {
		t.Fatal(err)
	}
	if calls := tracker.Calls(); len(calls) != 0 {
		t.Errorf("got tracker calls %v before the issue exists", calls)
	}

	close(tracker.gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{`CreateIssue "Help"`, "CreateComment #1"}, tracker.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Comment{{ID: "701", GitID: 5001}}, mustRow(t, mc, "700").Comments); diff != "" {
		t.Errorf("correlations mismatch (-want +got):\n%s", diff)
	}
}

func TestMappingIsolation(t *testing.T) {
	other := Mapping{ID: "m2", ChannelID: "200", Repository: Repository{Owner: "acme", Name: "gadgets"}, Enabled: true}
	s, chat, _ := newTestService(t, testMapping(), other)

	body := mustJSON(t, WebhookPayload{
		Action: "opened",
		Repo:   ghRepo(other.Repository),
		Issue:  ghIssue(1, "Gadget bug", ""),
	})
	s.deliver(t, delivery{event: "issues", body: body})

	if len(chat.created) != 1 {
		t.Fatalf("got %d threads, want 1", len(chat.created))
	}
	if n := mustContext(t, s, "m1").Store.Len(); n != 0 {
		t.Errorf("m1 has %d rows, want 0", n)
	}
	if _, ok := mustContext(t, s, "m2").Store.ByNumber(1); !ok {
		t.Error("m2 has no row for issue 1")
	}

	// A failure in one mapping does not count against the other.
	chat.fail("CreateThread", errors.New("boom"))
	body = mustJSON(t, WebhookPayload{
		Action: "opened",
		Repo:   ghRepo(other.Repository),
		Issue:  ghIssue(2, "Another gadget bug", ""),
	})
	if rec := s.deliver(t, delivery{event: "issues", body: body}); rec.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want 500", rec.Code)
	}
	if em, _ := s.Errors.Metrics.Get("m2"); em.Total != 1 {
		t.Errorf("m2 has %d errors, want 1", em.Total)
	}
	em, ok := s.Errors.Metrics.Get("m1")
	if !ok {
		t.Fatal("m1 not registered")
	}
	if em.Total != 0 {
		t.Errorf("m1 has %d errors, want 0", em.Total)
	}
}
