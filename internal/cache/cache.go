// Package cache holds the client-side view of each session's conversation.
//
// Entries written by the state machine before the backend confirms them are
// flagged Optimistic. Reconcile swaps the newest optimistic entry for the
// persisted one, Rollback reapplies an in-memory Snapshot, and Invalidate
// discards the session's entries and re-fetches them from the Store.
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/conductor/internal/logging"
	"github.com/opencode-ai/conductor/pkg/types"
)

// Store is the authoritative message history.
type Store interface {
	List(ctx context.Context, sessionID string) ([]*types.Message, error)
}

// Snapshot is a point-in-time copy of one session's entries.
type Snapshot struct {
	sessionID string
	messages  []*types.Message
	present   bool
}

// SessionID returns the session the snapshot was taken from.
func (s Snapshot) SessionID() string { return s.sessionID }

// Len returns the number of messages captured.
func (s Snapshot) Len() int { return len(s.messages) }

// Cache is safe for concurrent use. It never calls back into its callers.
type Cache struct {
	mu       sync.RWMutex
	store    Store
	sessions map[string][]*types.Message
	log      zerolog.Logger
}

// New creates a cache backed by store. store may be nil, in which case
// Invalidate only clears.
func New(store Store) *Cache {
	return &Cache{
		store:    store,
		sessions: make(map[string][]*types.Message),
		log:      logging.Component("cache"),
	}
}

// ApplyOptimistic appends msg as a speculative entry and returns the stored
// copy. An id is assigned if msg has none.
func (c *Cache) ApplyOptimistic(sessionID string, msg *types.Message) *types.Message {
	m := msg.Clone()
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	m.SessionID = sessionID
	m.Optimistic = true

	c.mu.Lock()
	c.sessions[sessionID] = append(c.sessions[sessionID], m)
	c.mu.Unlock()

	return m.Clone()
}

// Replace writes msg over the entry with the same id, or appends it when no
// such entry exists.
func (c *Cache) Replace(sessionID string, msg *types.Message) {
	m := msg.Clone()
	m.SessionID = sessionID

	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.sessions[sessionID]
	for i := range msgs {
		if msgs[i].ID == m.ID {
			msgs[i] = m
			return
		}
	}
	c.sessions[sessionID] = append(msgs, m)
}

// Remove deletes the entry with the given id and reports whether it existed.
func (c *Cache) Remove(sessionID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.sessions[sessionID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			c.sessions[sessionID] = append(msgs[:i:i], msgs[i+1:]...)
			return true
		}
	}
	return false
}

// Reconcile writes the backend-confirmed server message. An entry with the
// same id is replaced in place. Otherwise the most recent optimistic entry of
// the same role takes its place, and failing that server is appended. It
// reports whether an existing entry was replaced.
func (c *Cache) Reconcile(sessionID string, server *types.Message) bool {
	m := server.Clone()
	m.SessionID = sessionID
	m.Optimistic = false

	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.sessions[sessionID]
	for i := range msgs {
		if msgs[i].ID == m.ID {
			msgs[i] = m
			return true
		}
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Optimistic && msgs[i].Role == m.Role {
			msgs[i] = m
			return true
		}
	}
	c.sessions[sessionID] = append(msgs, m)
	return false
}

// Snapshot captures the current entries of a session.
func (c *Cache) Snapshot(sessionID string) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs, ok := c.sessions[sessionID]
	return Snapshot{sessionID: sessionID, messages: cloneAll(msgs), present: ok}
}

// Rollback restores a snapshot without consulting the store.
func (c *Cache) Rollback(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !s.present {
		delete(c.sessions, s.sessionID)
		return
	}
	c.sessions[s.sessionID] = cloneAll(s.messages)
}

// Invalidate drops the session's entries and reloads them from the store.
func (c *Cache) Invalidate(ctx context.Context, sessionID string) error {
	if c.store == nil {
		c.Forget(sessionID)
		return nil
	}

	msgs, err := c.store.List(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reload %s: %w", sessionID, err)
	}

	c.mu.Lock()
	c.sessions[sessionID] = cloneAll(msgs)
	c.mu.Unlock()

	c.log.Debug().Str("sessionID", sessionID).Int("messages", len(msgs)).Msg("Cache invalidated")
	return nil
}

// Get returns a copy of one entry.
func (c *Cache) Get(sessionID, messageID string) (*types.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.sessions[sessionID] {
		if m.ID == messageID {
			return m.Clone(), true
		}
	}
	return nil, false
}

// Messages returns a copy of the session's entries in order.
func (c *Cache) Messages(sessionID string) []*types.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneAll(c.sessions[sessionID])
}

// Forget drops every entry of a session.
func (c *Cache) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

func cloneAll(msgs []*types.Message) []*types.Message {
	if msgs == nil {
		return nil
	}
	out := make([]*types.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
