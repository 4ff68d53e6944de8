package session

import (
	"github.com/opencode-ai/conductor/internal/event"
	"github.com/opencode-ai/conductor/internal/logging"
	"github.com/opencode-ai/conductor/pkg/types"
)

// HandleDone completes a turn. viewed tells whether the user is looking at
// the session, which suppresses notifications and digests.
//
// The assistant message is written from the buffers before anything is
// cleared. Then:
//   - an unanswered plan-approval call with messages queued is skipped and
//     the session goes Idle so the dispatcher sends the next message;
//   - any other unanswered blocking call moves the session to
//     WaitingForInput, keeping tool calls and blocks for the pending prompt;
//   - otherwise the buffers are cleared and the session moves to Reviewing.
func (m *Machine) HandleDone(ev *event.Done, viewed bool) {
	var b batch

	m.mu.Lock()
	rec := m.active(ev)
	if rec == nil {
		m.mu.Unlock()
		return
	}
	if ev.WorktreeID != "" {
		rec.worktreeID = ev.WorktreeID
	}
	from := rec.status
	m.writeAssistant(&b, rec)

	pending := m.unanswered(rec)
	switch {
	case len(pending) > 0 && m.queue.Len(rec.id) > 0 && m.settings.onlyExitPlan(pending):
		m.answers.Forget(rec.toolCallIDs()...)
		rec.clearBuffers()
		b.transition(rec, types.StatusIdle, "plan approval skipped for queued message")
	case len(pending) > 0:
		rec.streaming = ""
		b.transition(rec, types.StatusWaitingForInput, "done")
		m.notify(&b, rec, event.NotifyWaiting, viewed, pending[0].Name)
	default:
		rec.clearBuffers()
		b.transition(rec, types.StatusReviewing, "done")
		m.notify(&b, rec, event.NotifyReview, viewed, "")
	}
	digest := m.needsDigest(rec, from, viewed)
	turn := rec.turnRef()
	m.mu.Unlock()

	m.flush(b)
	if digest {
		m.scheduleDigest(rec.id)
	}
	m.scheduleReconcile(rec.id, turn)
}

// HandleError fails a turn: the cache is rolled back, the sent message is
// offered back in the compose box and the session becomes reviewable. When
// the compose box holds newer text the message stays in the conversation
// carrying the error.
func (m *Machine) HandleError(ev *event.Failed, viewed bool) {
	var b batch

	m.mu.Lock()
	rec := m.active(ev)
	if rec == nil {
		m.mu.Unlock()
		return
	}
	b.transition(rec, types.StatusErrored, "error")
	b.add(event.SessionError, event.ErrorData{SessionID: rec.id, Error: ev.Error})

	m.withdrawSend(&b, rec, ev.Error)

	m.answers.Forget(rec.toolCallIDs()...)
	rec.clearBuffers()
	rec.lastError = ev.Error
	b.transition(rec, types.StatusReviewing, "error")
	m.notify(&b, rec, event.NotifyReview, viewed, ev.Error)
	m.mu.Unlock()

	m.flush(b)
}

// HandleCancelled ends a cancelled turn. The send is undone entirely when
// the backend asks for it or nothing was streamed; otherwise the partial
// reply is kept, flagged cancelled, and the turn completes like done.
func (m *Machine) HandleCancelled(ev *event.Cancelled, viewed bool) {
	var b batch

	m.mu.Lock()
	rec := m.active(ev)
	if rec == nil {
		m.mu.Unlock()
		return
	}
	from := rec.status
	partial := rec.capture(m.now().UnixMilli())
	m.answers.Forget(rec.toolCallIDs()...)
	rec.clearBuffers()

	digest, reconcile := false, false
	if ev.UndoSend || partial == nil {
		if m.cache.Remove(rec.id, rec.userMsgID) {
			b.add(event.MessageRemoved, event.MessageRemovedData{SessionID: rec.id, MessageID: rec.userMsgID})
		}
		m.restoreDraft(&b, rec)
		b.transition(rec, types.StatusIdle, "cancelled")
	} else {
		partial.Cancelled = true
		m.cache.Replace(rec.id, partial)
		b.add(event.MessageOptimistic, event.MessageData{Message: partial})
		b.transition(rec, types.StatusReviewing, "cancelled")
		m.notify(&b, rec, event.NotifyReview, viewed, "")
		digest = m.needsDigest(rec, from, viewed)
		reconcile = true
	}
	turn := rec.turnRef()
	m.mu.Unlock()

	m.flush(b)
	if digest {
		m.scheduleDigest(rec.id)
	}
	if reconcile {
		m.scheduleReconcile(rec.id, turn)
	}
}

// writeAssistant writes or replaces the turn's optimistic assistant message.
func (m *Machine) writeAssistant(b *batch, rec *record) {
	msg := rec.capture(m.now().UnixMilli())
	if msg == nil {
		return
	}
	m.cache.Replace(rec.id, msg)
	b.add(event.MessageOptimistic, event.MessageData{Message: msg})
}

// withdrawSend rolls the cache back to before the send and puts the message
// back in an empty compose box. If the box already holds newer text the user
// message is kept in the conversation flagged with cause instead.
func (m *Machine) withdrawSend(b *batch, rec *record, cause string) {
	sent, ok := m.cache.Get(rec.id, rec.userMsgID)
	m.cache.Rollback(rec.snapshot)

	restored := rec.lastSent != nil && m.drafts.RestoreIfEmpty(rec.id, rec.lastSent.Text)
	if restored || !ok {
		b.add(event.MessageRemoved, event.MessageRemovedData{SessionID: rec.id, MessageID: rec.userMsgID})
		if restored {
			b.add(event.DraftRestored, event.DraftData{SessionID: rec.id, Text: rec.lastSent.Text})
		}
		return
	}
	sent.Error = cause
	m.cache.Replace(rec.id, sent)
	b.add(event.MessageOptimistic, event.MessageData{Message: sent})
	log := logging.Session("session", rec.id)
	log.Debug().Str("messageID", sent.ID).
		Msg("Compose box occupied, keeping failed message in conversation")
}

// restoreDraft puts the last sent message back in an empty compose box.
func (m *Machine) restoreDraft(b *batch, rec *record) {
	if rec.lastSent == nil {
		return
	}
	if m.drafts.RestoreIfEmpty(rec.id, rec.lastSent.Text) {
		b.add(event.DraftRestored, event.DraftData{SessionID: rec.id, Text: rec.lastSent.Text})
	}
}

func (m *Machine) notify(b *batch, rec *record, kind event.NotificationKind, viewed bool, text string) {
	if viewed || !m.settings.NotificationsEnabled {
		return
	}
	b.add(event.SessionNotify, event.NotificationData{
		SessionID:  rec.id,
		WorktreeID: rec.worktreeID,
		Kind:       kind,
		Message:    text,
	})
}

// needsDigest marks an unviewed session as pending review and reports
// whether the turn should start a digest. Every unviewed turn entering
// review gets one, including turns completed while an earlier one is still
// unreviewed, so the digest tracks the newest reply. from is the status the
// turn ended in.
func (m *Machine) needsDigest(rec *record, from types.Status, viewed bool) bool {
	if viewed {
		return false
	}
	rec.reviewPending = true
	return from != types.StatusReviewing && m.settings.DigestEnabled
}
