// Package sessiontest provides in-memory collaborators for exercising the
// session state machine.
package sessiontest

import (
	"context"
	"sync"

	"github.com/opencode-ai/conductor/internal/backend"
	"github.com/opencode-ai/conductor/internal/event"
	"github.com/opencode-ai/conductor/internal/storage"
	"github.com/opencode-ai/conductor/pkg/types"
)

// Backend records every call. IssueTurn fails with Reject when set and, if
// Gate is non-nil, blocks until Gate is closed or receives.
type Backend struct {
	mu sync.Mutex

	Turns   []backend.Turn
	Cancels []string

	Reject error
	Gate   chan struct{}

	// DigestFailures makes the first N GenerateDigest calls fail.
	DigestFailures int
	DigestErr      error
	digestCalls    int
}

func (b *Backend) IssueTurn(ctx context.Context, turn backend.Turn) error {
	b.mu.Lock()
	gate := b.Gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Reject != nil {
		return b.Reject
	}
	b.Turns = append(b.Turns, turn)
	return nil
}

func (b *Backend) CancelTurn(ctx context.Context, sessionID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Cancels = append(b.Cancels, sessionID)
	return true, nil
}

func (b *Backend) GenerateDigest(ctx context.Context, sessionID string) (*types.Digest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.digestCalls++
	if b.digestCalls <= b.DigestFailures {
		return nil, b.DigestErr
	}
	return &types.Digest{SessionID: sessionID, Title: "recap", Summary: "did things"}, nil
}

// SetReject changes the error returned by IssueTurn.
func (b *Backend) SetReject(err error) {
	b.mu.Lock()
	b.Reject = err
	b.mu.Unlock()
}

// TurnCount returns the number of accepted turns.
func (b *Backend) TurnCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Turns)
}

// TurnMessages returns the message text of every accepted turn in order.
func (b *Backend) TurnMessages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.Turns))
	for i, t := range b.Turns {
		out[i] = t.Message
	}
	return out
}

// LastTurn returns the most recent accepted turn.
func (b *Backend) LastTurn() backend.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Turns) == 0 {
		return backend.Turn{}
	}
	return b.Turns[len(b.Turns)-1]
}

// DigestCalls returns how many times GenerateDigest was called.
func (b *Backend) DigestCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.digestCalls
}

// Bus records published events.
type Bus struct {
	mu     sync.Mutex
	events []event.Event
}

func (b *Bus) PublishSync(e event.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

// Events returns every event published so far.
func (b *Bus) Events() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]event.Event(nil), b.events...)
}

// Of returns the events of one type.
func (b *Bus) Of(t event.EventType) []event.Event {
	var out []event.Event
	for _, e := range b.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Statuses returns the target status of every transition in order.
func (b *Bus) Statuses() []types.Status {
	var out []types.Status
	for _, e := range b.Of(event.SessionStatus) {
		out = append(out, e.Data.(event.TransitionData).To)
	}
	return out
}

// Reset forgets recorded events.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}

// Drafts is an in-memory compose box.
type Drafts struct {
	mu   sync.Mutex
	text map[string]string
}

func (d *Drafts) Load(ctx context.Context, sessionID string) error { return nil }

func (d *Drafts) RestoreIfEmpty(sessionID, text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.text == nil {
		d.text = make(map[string]string)
	}
	if d.text[sessionID] != "" {
		return false
	}
	d.text[sessionID] = text
	return true
}

func (d *Drafts) Clear(sessionID string) {
	d.mu.Lock()
	delete(d.text, sessionID)
	d.mu.Unlock()
}

// Set types text into the compose box.
func (d *Drafts) Set(sessionID, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.text == nil {
		d.text = make(map[string]string)
	}
	d.text[sessionID] = text
}

// Get returns the compose box text.
func (d *Drafts) Get(sessionID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text[sessionID]
}

// Queue reports fixed queue lengths.
type Queue struct {
	mu      sync.Mutex
	lengths map[string]int
	Dropped map[string]int
}

// SetLen sets the reported queue length of a session.
func (q *Queue) SetLen(sessionID string, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lengths == nil {
		q.lengths = make(map[string]int)
	}
	q.lengths[sessionID] = n
}

func (q *Queue) Len(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lengths[sessionID]
}

func (q *Queue) Drop(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.lengths[sessionID]
	delete(q.lengths, sessionID)
	if q.Dropped == nil {
		q.Dropped = make(map[string]int)
	}
	q.Dropped[sessionID] += n
	return n
}

// Store keeps messages by id plus a latest message per session.
type Store struct {
	mu     sync.Mutex
	byID   map[string]*types.Message
	latest map[string]*types.Message
}

// Put stores msg under its id and makes it the session's latest message.
func (s *Store) Put(msg *types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID == nil {
		s.byID = make(map[string]*types.Message)
	}
	s.byID[msg.SessionID+"/"+msg.ID] = msg.Clone()
	s.setLatest(msg)
}

// SetLatest sets the message returned by Latest without making it
// reachable by id.
func (s *Store) SetLatest(msg *types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLatest(msg)
}

func (s *Store) setLatest(msg *types.Message) {
	if s.latest == nil {
		s.latest = make(map[string]*types.Message)
	}
	s.latest[msg.SessionID] = msg.Clone()
}

func (s *Store) Get(ctx context.Context, sessionID, messageID string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[sessionID+"/"+messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Store) Latest(ctx context.Context, sessionID string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.latest[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}
