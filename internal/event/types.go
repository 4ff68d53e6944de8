package event

import "github.com/opencode-ai/conductor/pkg/types"

// EventType identifies an outbound event published on the Bus.
type EventType string

const (
	SessionOpened     EventType = "session.opened"
	SessionClosed     EventType = "session.closed"
	SessionStatus     EventType = "session.status"
	SessionNotify     EventType = "session.notify"
	SessionDigest     EventType = "session.digest"
	SessionDenied     EventType = "session.denied"
	SessionError      EventType = "session.error"
	SessionCompacted  EventType = "session.compacted"
	MessageOptimistic EventType = "message.optimistic"
	MessageRemoved    EventType = "message.removed"
	MessageReconciled EventType = "message.reconciled"
	QueueChanged      EventType = "queue.changed"
	DraftRestored     EventType = "draft.restored"
)

// Event is a typed transition result published on the Bus.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Scoped is implemented by event payloads that belong to a single session.
type Scoped interface {
	SessionKey() string
}

// SessionOf returns the session an event belongs to, or "" for global events.
func SessionOf(e Event) string {
	if s, ok := e.Data.(Scoped); ok {
		return s.SessionKey()
	}
	return ""
}

// SessionData is the data for session.opened and session.closed events.
type SessionData struct {
	SessionID     string `json:"sessionID"`
	WorktreeID    string `json:"worktreeID,omitempty"`
	DroppedQueued int    `json:"droppedQueued,omitempty"`
}

func (d SessionData) SessionKey() string { return d.SessionID }

// TransitionData is the data for session.status events.
type TransitionData struct {
	SessionID string       `json:"sessionID"`
	From      types.Status `json:"from"`
	To        types.Status `json:"to"`
	Reason    string       `json:"reason"`
}

func (d TransitionData) SessionKey() string { return d.SessionID }

// NotificationKind distinguishes the two attention notifications.
type NotificationKind string

const (
	NotifyWaiting NotificationKind = "waiting"
	NotifyReview  NotificationKind = "review"
)

// NotificationData is the data for session.notify events.
type NotificationData struct {
	SessionID  string           `json:"sessionID"`
	WorktreeID string           `json:"worktreeID,omitempty"`
	Kind       NotificationKind `json:"kind"`
	Message    string           `json:"message,omitempty"`
}

func (d NotificationData) SessionKey() string { return d.SessionID }

// DigestData is the data for session.digest events.
type DigestData struct {
	Digest *types.Digest `json:"digest"`
}

func (d DigestData) SessionKey() string {
	if d.Digest == nil {
		return ""
	}
	return d.Digest.SessionID
}

// DeniedData is the data for session.denied events.
type DeniedData struct {
	SessionID string         `json:"sessionID"`
	Denials   []types.Denial `json:"denials"`
}

func (d DeniedData) SessionKey() string { return d.SessionID }

// ErrorData is the data for session.error events. Error is the raw backend
// text, surfaced to the user as a one-line notification.
type ErrorData struct {
	SessionID string `json:"sessionID"`
	Error     string `json:"error"`
}

func (d ErrorData) SessionKey() string { return d.SessionID }

// CompactedData is the data for session.compacted events.
type CompactedData struct {
	SessionID string `json:"sessionID"`
	Trigger   string `json:"trigger"`
}

func (d CompactedData) SessionKey() string { return d.SessionID }

// MessageData is the data for message.optimistic and message.reconciled events.
type MessageData struct {
	Message *types.Message `json:"message"`
}

func (d MessageData) SessionKey() string {
	if d.Message == nil {
		return ""
	}
	return d.Message.SessionID
}

// MessageRemovedData is the data for message.removed events.
type MessageRemovedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

func (d MessageRemovedData) SessionKey() string { return d.SessionID }

// QueueData is the data for queue.changed events.
type QueueData struct {
	SessionID string `json:"sessionID"`
	Length    int    `json:"length"`
}

func (d QueueData) SessionKey() string { return d.SessionID }

// DraftData is the data for draft.restored events.
type DraftData struct {
	SessionID string `json:"sessionID"`
	Text      string `json:"text"`
}

func (d DraftData) SessionKey() string { return d.SessionID }
