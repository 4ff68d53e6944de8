package storage

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/opencode-ai/conductor/pkg/types"
)

// Messages is the persisted conversation history, one document per message
// under message/<sessionID>/<messageID>. It is the authoritative store the
// reconciliation cache re-fetches from.
type Messages struct {
	s *Storage
}

// NewMessages returns a message store backed by s.
func NewMessages(s *Storage) *Messages {
	return &Messages{s: s}
}

// Put writes msg, replacing any message with the same id.
func (m *Messages) Put(ctx context.Context, msg *types.Message) error {
	return m.s.Put(ctx, []string{"message", msg.SessionID, msg.ID}, msg)
}

// Get reads one message.
func (m *Messages) Get(ctx context.Context, sessionID, messageID string) (*types.Message, error) {
	var msg types.Message
	if err := m.s.Get(ctx, []string{"message", sessionID, messageID}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// List returns a session's messages ordered by creation time. Ties are broken
// by id, which sorts chronologically for ULIDs.
func (m *Messages) List(ctx context.Context, sessionID string) ([]*types.Message, error) {
	var msgs []*types.Message
	err := m.s.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		msgs = append(msgs, &msg)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Created != msgs[j].Created {
			return msgs[i].Created < msgs[j].Created
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}

// Latest returns the most recent message of a session, or ErrNotFound.
func (m *Messages) Latest(ctx context.Context, sessionID string) (*types.Message, error) {
	msgs, err := m.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[len(msgs)-1], nil
}

// Sessions returns the ids of sessions with persisted history.
func (m *Messages) Sessions(ctx context.Context) ([]string, error) {
	ids, err := m.s.List(ctx, []string{"message"})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteSession removes every message of a session.
func (m *Messages) DeleteSession(ctx context.Context, sessionID string) error {
	return m.s.DeleteAll(ctx, []string{"message", sessionID})
}
