package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/conductor/internal/logging"
	"github.com/opencode-ai/conductor/internal/session"
	"github.com/opencode-ai/conductor/pkg/types"
)

// Sessions is the part of the state machine the dispatcher drives.
type Sessions interface {
	// Eligible reports whether a queued message may be sent now.
	// session.ErrNoWorkspace means the session cannot be resolved yet.
	Eligible(sessionID string) (bool, error)
	// Send issues one turn and returns once the backend accepted or
	// rejected it.
	Send(ctx context.Context, sessionID string, msg types.QueuedMessage) error
}

// Dispatcher advances session queues. A session is handed at most one message
// at a time: it is marked processing before the dequeue and unmarked only
// after Send returns.
type Dispatcher struct {
	queue    *Queue
	sessions Sessions

	mu         sync.Mutex
	processing map[string]struct{}

	kick chan struct{}
	wg   sync.WaitGroup
	log  zerolog.Logger
}

// NewDispatcher creates a dispatcher. Queue changes kick it automatically;
// session status changes must be forwarded with Kick.
func NewDispatcher(q *Queue, sessions Sessions) *Dispatcher {
	d := &Dispatcher{
		queue:      q,
		sessions:   sessions,
		processing: make(map[string]struct{}),
		kick:       make(chan struct{}, 1),
		log:        logging.Component("dispatcher"),
	}
	q.Watch(func(string, int) { d.Kick() })
	return d
}

// Kick schedules an eligibility pass. Kicks that arrive while one is already
// pending coalesce into it.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Processing reports whether a send for the session is in flight.
func (d *Dispatcher) Processing(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.processing[sessionID]
	return ok
}

// Run performs an eligibility pass on every kick until ctx is done, then
// waits for in-flight sends to settle.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Debug().Msg("Dispatcher started")
	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.log.Debug().Msg("Dispatcher stopped")
			return ctx.Err()
		case <-d.kick:
			d.Tick(ctx)
		}
	}
}

// Tick dispatches the head message of every eligible session and returns the
// number of sends started. Sends run concurrently; Wait blocks until they
// settle.
func (d *Dispatcher) Tick(ctx context.Context) int {
	started := 0
	for _, sessionID := range d.queue.Sessions() {
		msg, ok := d.claim(sessionID)
		if !ok {
			continue
		}

		started++
		d.wg.Add(1)
		go d.send(ctx, sessionID, msg)
	}
	return started
}

// claim marks the session processing and pops its head message.
func (d *Dispatcher) claim(sessionID string) (types.QueuedMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, busy := d.processing[sessionID]; busy {
		return types.QueuedMessage{}, false
	}

	eligible, err := d.sessions.Eligible(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			n := d.queue.Drop(sessionID)
			d.log.Warn().Str("sessionID", sessionID).Int("dropped", n).Msg("Dropped queue of unknown session")
			return types.QueuedMessage{}, false
		}
		d.log.Warn().Err(err).Str("sessionID", sessionID).Int("queued", d.queue.Len(sessionID)).
			Msg("Session not dispatchable, keeping queued messages")
		return types.QueuedMessage{}, false
	}
	if !eligible {
		return types.QueuedMessage{}, false
	}

	msg, ok := d.queue.Dequeue(sessionID)
	if !ok {
		return types.QueuedMessage{}, false
	}
	d.processing[sessionID] = struct{}{}
	return msg, true
}

func (d *Dispatcher) send(ctx context.Context, sessionID string, msg types.QueuedMessage) {
	defer d.wg.Done()

	log := d.log.With().Str("sessionID", sessionID).Str("queuedID", msg.ID).Logger()
	err := d.sessions.Send(ctx, sessionID, msg)
	switch {
	case err == nil:
		log.Debug().Msg("Dispatched queued message")
	case errors.Is(err, session.ErrTurnInFlight):
		d.queue.PushFront(sessionID, msg)
		log.Debug().Msg("Turn in flight, message returned to queue")
	case errors.Is(err, session.ErrUnknownSession):
		log.Warn().Msg("Session closed before dispatch, message dropped")
	default:
		log.Error().Err(err).Msg("Queued send failed, message kept by the session for retry")
	}

	d.mu.Lock()
	delete(d.processing, sessionID)
	d.mu.Unlock()

	d.Kick()
}

// Wait blocks until every send started by Tick has settled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
