package gitcord

import (
	"context"
	"slices"
	"time"

	"github.com/pkg/errors"
)

// An expectation is a thread state that an edit made by this service
// will produce. The chat platform reports the edit back as a thread update,
// which must not be mirrored to the tracker.
type expectation struct {
	archived, locked bool
	until            time.Time
}

// expect records that the thread's next update may report (archived, locked).
func (s *CorrelationStore) expect(threadID string, archived, locked bool, now, until time.Time) {
	s.Update(threadID, func(t *Thread) {
		t.expect = slices.DeleteFunc(t.expect, func(e expectation) bool { return !now.Before(e.until) })
		t.expect = append(t.expect, expectation{archived: archived, locked: locked, until: until})
	})
}

// consumeEcho removes and reports a pending expectation matching (archived, locked).
// Expired expectations are discarded on the way.
func (s *CorrelationStore) consumeEcho(threadID string, archived, locked bool, now time.Time) bool {
	var found bool
	s.Update(threadID, func(t *Thread) {
		t.expect = slices.DeleteFunc(t.expect, func(e expectation) bool { return !now.Before(e.until) })
		i := slices.IndexFunc(t.expect, func(e expectation) bool {
			return e.archived == archived && e.locked == locked
		})
		if i < 0 {
			return
		}
		t.expect = slices.Delete(t.expect, i, i+1)
		found = true
	})
	return found
}

// setThreadState brings a thread to the given archived and locked state,
// recording the expected echo of every edit.
// Changing the lock of an archived thread takes three edits:
// unarchive, lock or unlock, archive again.
// LockInProgress is set for the duration of such a sequence.
func (s *Service) setThreadState(ctx context.Context, mc *MappingContext, row Thread, archived, locked bool) error {
	type step struct {
		archived, locked bool
		edit             ThreadEdit
	}

	var steps []step
	if row.Archived && locked != row.Locked {
		steps = append(steps,
			step{archived: false, locked: row.Locked, edit: ThreadEdit{Archived: ptr(false)}},
			step{archived: false, locked: locked, edit: ThreadEdit{Locked: ptr(locked)}},
		)
		if archived {
			steps = append(steps, step{archived: true, locked: locked, edit: ThreadEdit{Archived: ptr(true)}})
		}
	} else {
		steps = append(steps, step{archived: archived, locked: locked, edit: ThreadEdit{Archived: ptr(archived), Locked: ptr(locked)}})
	}

	if len(steps) > 1 {
		mc.Store.Update(row.ID, func(t *Thread) { t.LockInProgress = true })
		defer mc.Store.Update(row.ID, func(t *Thread) { t.LockInProgress = false })
	}

	for _, st := range steps {
		now := s.now()
		mc.Store.expect(row.ID, st.archived, st.locked, now, now.Add(s.echoWindow()))
		err := s.callDiscord(ctx, mc, func(ctx context.Context) error {
			return s.Chat.EditThread(ctx, row.ID, st.edit)
		})
		if err != nil {
			return err
		}
		mc.Store.Update(row.ID, func(t *Thread) {
			t.Archived, t.Locked = st.archived, st.locked
		})
	}
	return nil
}

// expectUnarchive records that a post into row's thread will unarchive it
// if it is archived.
func (s *Service) expectUnarchive(mc *MappingContext, row Thread) {
	if !row.Archived {
		return
	}
	now := s.now()
	mc.Store.expect(row.ID, false, row.Locked, now, now.Add(s.echoWindow()))
}

// archiveAgain archives a thread that a post unarchived.
// row is the thread's state from before the post.
func (s *Service) archiveAgain(ctx context.Context, mc *MappingContext, row Thread) error {
	if !row.Archived {
		return nil
	}
	mc.Store.Update(row.ID, func(t *Thread) { t.Archived = false })
	row.Archived = false
	return errors.Wrapf(s.setThreadState(ctx, mc, row, true, row.Locked), "archiving thread %s again", row.ID)
}

func ptr[T any](v T) *T {
	return &v
}
