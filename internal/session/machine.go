package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/conductor/internal/backend"
	"github.com/opencode-ai/conductor/internal/cache"
	"github.com/opencode-ai/conductor/internal/event"
	"github.com/opencode-ai/conductor/internal/logging"
	"github.com/opencode-ai/conductor/pkg/types"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrTurnInFlight   = errors.New("turn already in flight")
	ErrNoWorkspace    = errors.New("workspace not resolved")
	ErrNotBlocked     = errors.New("no unanswered blocking tool")
	ErrNothingToRetry = errors.New("nothing to retry")
)

// Queue is the view of the message queue the state machine needs.
type Queue interface {
	Len(sessionID string) int
	Drop(sessionID string) int
}

// Drafts holds compose-box text per session.
type Drafts interface {
	Load(ctx context.Context, sessionID string) error
	RestoreIfEmpty(sessionID, text string) bool
	Clear(sessionID string)
}

// Publisher receives transition results. It is called outside the machine
// lock, in transition order.
type Publisher interface {
	PublishSync(e event.Event)
}

// Store is the persisted message history consulted after a turn completes.
// Get and Latest return storage.ErrNotFound for missing messages.
type Store interface {
	Get(ctx context.Context, sessionID, messageID string) (*types.Message, error)
	Latest(ctx context.Context, sessionID string) (*types.Message, error)
}

// Options configures a Machine. Backend and Cache are required.
type Options struct {
	Backend  backend.Backend
	Cache    *cache.Cache
	Queue    Queue
	Drafts   Drafts
	Bus      Publisher
	Store    Store
	Answers  AnswerRegistry
	Settings Settings

	// Render produces the backend text for a message. Defaults to the
	// message text.
	Render func(types.QueuedMessage) string
	Now    func() time.Time
}

// Machine owns the per-session records. Commands and event handlers run to
// completion under one lock and never perform I/O while holding it; results
// are published after the lock is released.
type Machine struct {
	mu       sync.Mutex
	sessions map[string]*record
	settings Settings

	backend backend.Backend
	cache   *cache.Cache
	queue   Queue
	drafts  Drafts
	bus     Publisher
	store   Store
	answers AnswerRegistry
	render  func(types.QueuedMessage) string
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	log zerolog.Logger
}

// New creates a Machine.
func New(opts Options) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		sessions: make(map[string]*record),
		settings: opts.Settings.normalized(),
		backend:  opts.Backend,
		cache:    opts.Cache,
		queue:    opts.Queue,
		drafts:   opts.Drafts,
		bus:      opts.Bus,
		store:    opts.Store,
		answers:  opts.Answers,
		render:   opts.Render,
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
		log:      logging.Component("session"),
	}
	if m.queue == nil {
		m.queue = noQueue{}
	}
	if m.drafts == nil {
		m.drafts = noDrafts{}
	}
	if m.bus == nil {
		m.bus = noBus{}
	}
	if m.answers == nil {
		m.answers = NewAnswers()
	}
	if m.render == nil {
		m.render = func(q types.QueuedMessage) string { return q.Text }
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// batch collects the events of one transition for publication after unlock.
type batch []event.Event

func (b *batch) add(t event.EventType, data any) {
	*b = append(*b, event.Event{Type: t, Data: data})
}

func (b *batch) transition(rec *record, to types.Status, reason string) {
	from := rec.status
	rec.status = to
	if from == to {
		return
	}
	b.add(event.SessionStatus, event.TransitionData{SessionID: rec.id, From: from, To: to, Reason: reason})
}

func (m *Machine) flush(b batch) {
	for _, e := range b {
		m.bus.PublishSync(e)
	}
}

// Open registers a session, loading its draft and persisted history. Opening
// an open session only updates its worktree. An empty id is generated.
func (m *Machine) Open(ctx context.Context, sessionID, worktreeID string) (types.SessionView, error) {
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}

	m.mu.Lock()
	if rec, ok := m.sessions[sessionID]; ok {
		if worktreeID != "" {
			rec.worktreeID = worktreeID
		}
		v := rec.view(m.queue.Len(sessionID))
		m.mu.Unlock()
		return v, nil
	}
	m.mu.Unlock()

	log := logging.Session("session", sessionID)
	if err := m.drafts.Load(ctx, sessionID); err != nil {
		log.Warn().Err(err).Msg("Failed to load draft")
	}
	if err := m.cache.Invalidate(ctx, sessionID); err != nil {
		log.Warn().Err(err).Msg("Failed to load history")
	}

	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		rec = newRecord(sessionID, worktreeID, m.settings.withDefaults(types.RequestParams{}))
		m.sessions[sessionID] = rec
	}
	v := rec.view(m.queue.Len(sessionID))
	m.mu.Unlock()

	if !ok {
		log.Info().Str("worktreeID", worktreeID).Msg("Session opened")
		m.flush(batch{{Type: event.SessionOpened, Data: event.SessionData{SessionID: sessionID, WorktreeID: worktreeID}}})
	}
	return v, nil
}

// Close removes a session. Its queued messages are dropped and a running
// turn is cancelled.
func (m *Machine) Close(sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	delete(m.sessions, sessionID)
	running := rec.status == types.StatusSending
	m.answers.Forget(rec.toolCallIDs()...)
	dropped := m.queue.Drop(sessionID)
	m.cache.Forget(sessionID)
	m.drafts.Clear(sessionID)
	m.mu.Unlock()

	log := logging.Session("session", sessionID)
	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("Dropped queued messages of closed session")
	}
	if running {
		m.goTask(func(ctx context.Context) {
			if _, err := m.backend.CancelTurn(ctx, sessionID); err != nil {
				log.Warn().Err(err).Msg("Failed to cancel turn of closed session")
			}
		})
	}
	log.Info().Msg("Session closed")

	m.flush(batch{{Type: event.SessionClosed, Data: event.SessionData{
		SessionID: sessionID, WorktreeID: rec.worktreeID, DroppedQueued: dropped,
	}}})
	return nil
}

// View returns a snapshot of one session.
func (m *Machine) View(sessionID string) (types.SessionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return types.SessionView{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return rec.view(m.queue.Len(sessionID)), nil
}

// List returns snapshots of all sessions ordered by id.
func (m *Machine) List() []types.SessionView {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.SessionView, 0, len(m.sessions))
	for id, rec := range m.sessions {
		out = append(out, rec.view(m.queue.Len(id)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkViewed records that the user looked at a session: the pending review
// is acknowledged and a Reviewing session returns to Idle.
func (m *Machine) MarkViewed(sessionID string) error {
	var b batch
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	rec.reviewPending = false
	if rec.status == types.StatusReviewing {
		b.transition(rec, types.StatusIdle, "viewed")
	}
	m.mu.Unlock()

	m.flush(b)
	return nil
}

// Eligible reports whether the dispatcher may send a queued message now: the
// session is neither Sending nor WaitingForInput and its workspace is known.
func (m *Machine) Eligible(sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if rec.status.Busy() {
		return false, nil
	}
	if rec.worktreeID == "" {
		return false, fmt.Errorf("%w: session %s", ErrNoWorkspace, sessionID)
	}
	return true, nil
}

// UpdateSettings replaces the runtime settings.
func (m *Machine) UpdateSettings(s Settings) {
	m.mu.Lock()
	m.settings = s.normalized()
	m.mu.Unlock()
	m.log.Info().Bool("digest", s.DigestEnabled).Bool("notifications", s.NotificationsEnabled).Msg("Settings updated")
}

// Settings returns the current runtime settings.
func (m *Machine) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// goTask runs fn in the background, tracked by Wait and cancelled by Shutdown.
func (m *Machine) goTask(fn func(ctx context.Context)) {
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		fn(m.ctx)
	}()
}

// Wait blocks until background tasks (digests, reconciliation) finish.
func (m *Machine) Wait() {
	m.tasks.Wait()
}

// Shutdown cancels background tasks and waits for them.
func (m *Machine) Shutdown() {
	m.cancel()
	m.tasks.Wait()
}

type noQueue struct{}

func (noQueue) Len(string) int  { return 0 }
func (noQueue) Drop(string) int { return 0 }

type noDrafts struct{}

func (noDrafts) Load(context.Context, string) error { return nil }
func (noDrafts) RestoreIfEmpty(string, string) bool { return false }
func (noDrafts) Clear(string)                       {}

type noBus struct{}

func (noBus) PublishSync(event.Event) {}
