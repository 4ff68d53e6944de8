// Package queue holds messages waiting to be sent and the dispatcher that
// sends them one at a time per session.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/conductor/pkg/types"
)

// Watcher is told the new length whenever a session's queue changes.
type Watcher func(sessionID string, length int)

// Queue is a FIFO of QueuedMessage per session.
type Queue struct {
	mu       sync.Mutex
	items    map[string][]types.QueuedMessage
	watchers []Watcher
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{items: make(map[string][]types.QueuedMessage)}
}

// Watch registers fn to be called after every change. Watchers run in the
// caller's goroutine after the queue lock is released.
func (q *Queue) Watch(fn Watcher) {
	q.mu.Lock()
	q.watchers = append(q.watchers, fn)
	q.mu.Unlock()
}

func (q *Queue) changed(sessionID string, length int) {
	q.mu.Lock()
	watchers := append([]Watcher(nil), q.watchers...)
	q.mu.Unlock()

	for _, w := range watchers {
		w(sessionID, length)
	}
}

// Enqueue appends msg to the session's queue and returns the stored copy.
func (q *Queue) Enqueue(sessionID string, msg types.QueuedMessage) types.QueuedMessage {
	m := msg.Clone()
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.Queued == 0 {
		m.Queued = time.Now().UnixMilli()
	}

	q.mu.Lock()
	q.items[sessionID] = append(q.items[sessionID], m)
	n := len(q.items[sessionID])
	q.mu.Unlock()

	q.changed(sessionID, n)
	return m.Clone()
}

// Dequeue pops the head of the session's queue.
func (q *Queue) Dequeue(sessionID string) (types.QueuedMessage, bool) {
	q.mu.Lock()
	msgs := q.items[sessionID]
	if len(msgs) == 0 {
		q.mu.Unlock()
		return types.QueuedMessage{}, false
	}
	head := msgs[0]
	if len(msgs) == 1 {
		delete(q.items, sessionID)
	} else {
		q.items[sessionID] = msgs[1:]
	}
	n := len(msgs) - 1
	q.mu.Unlock()

	q.changed(sessionID, n)
	return head, true
}

// PushFront puts msg back at the head of the session's queue.
func (q *Queue) PushFront(sessionID string, msg types.QueuedMessage) {
	q.mu.Lock()
	q.items[sessionID] = append([]types.QueuedMessage{msg.Clone()}, q.items[sessionID]...)
	n := len(q.items[sessionID])
	q.mu.Unlock()

	q.changed(sessionID, n)
}

// Len returns the number of queued messages for a session.
func (q *Queue) Len(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[sessionID])
}

// Items returns a copy of the session's queue in send order.
func (q *Queue) Items(sessionID string) []types.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.QueuedMessage, len(q.items[sessionID]))
	for i, m := range q.items[sessionID] {
		out[i] = m.Clone()
	}
	return out
}

// Drop discards every queued message of a session and returns how many were
// dropped.
func (q *Queue) Drop(sessionID string) int {
	q.mu.Lock()
	n := len(q.items[sessionID])
	delete(q.items, sessionID)
	q.mu.Unlock()

	if n > 0 {
		q.changed(sessionID, 0)
	}
	return n
}

// Sessions returns the ids of sessions with queued messages, sorted.
func (q *Queue) Sessions() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.items))
	for id, msgs := range q.items {
		if len(msgs) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
