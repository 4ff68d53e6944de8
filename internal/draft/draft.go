// Package draft keeps the compose-box text of each session and persists it
// after a quiet period.
package draft

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/conductor/internal/logging"
)

// DefaultDebounce is how long a draft must stay unchanged before it is saved.
const DefaultDebounce = 400 * time.Millisecond

// saveTimeout bounds one debounced write.
const saveTimeout = 5 * time.Second

// Store is the persistent side of the drafts.
type Store interface {
	Load(ctx context.Context, sessionID string) (string, error)
	Save(ctx context.Context, sessionID, text string) error
}

type pending struct {
	timer *time.Timer
	seq   uint64
}

// Drafts holds drafts in memory and writes them to the store after each
// session's draft has been idle for the debounce interval.
type Drafts struct {
	store    Store
	debounce time.Duration

	mu      sync.Mutex
	texts   map[string]string
	loaded  map[string]bool
	pending map[string]*pending
	seq     uint64

	wg  sync.WaitGroup
	log zerolog.Logger
}

// New creates a draft keeper. A nil store keeps drafts in memory only; a
// non-positive debounce uses DefaultDebounce.
func New(store Store, debounce time.Duration) *Drafts {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Drafts{
		store:    store,
		debounce: debounce,
		texts:    make(map[string]string),
		loaded:   make(map[string]bool),
		pending:  make(map[string]*pending),
		log:      logging.Component("draft"),
	}
}

// Load reads the session's saved draft once. Text set before Load returns
// wins over the saved copy.
func (d *Drafts) Load(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	done := d.loaded[sessionID] || d.store == nil
	d.mu.Unlock()
	if done {
		return nil
	}

	text, err := d.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaded[sessionID] = true
	if _, set := d.texts[sessionID]; !set && text != "" {
		d.texts[sessionID] = text
	}
	return nil
}

// Get returns the current draft.
func (d *Drafts) Get(sessionID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.texts[sessionID]
}

// Set replaces the draft and schedules a save.
func (d *Drafts) Set(sessionID, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setLocked(sessionID, text)
}

// RestoreIfEmpty puts text back into the compose box unless the user has
// already typed something new. It reports whether the draft was restored.
func (d *Drafts) RestoreIfEmpty(sessionID, text string) bool {
	if text == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.texts[sessionID] != "" {
		return false
	}
	d.setLocked(sessionID, text)
	return true
}

// Clear forgets the session's draft and deletes the saved copy.
func (d *Drafts) Clear(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setLocked(sessionID, "")
	delete(d.loaded, sessionID)
}

func (d *Drafts) setLocked(sessionID, text string) {
	if text == "" {
		delete(d.texts, sessionID)
	} else {
		d.texts[sessionID] = text
	}
	if d.store == nil {
		return
	}

	d.seq++
	seq := d.seq
	if p, ok := d.pending[sessionID]; ok {
		p.timer.Stop()
	}
	d.pending[sessionID] = &pending{
		seq:   seq,
		timer: time.AfterFunc(d.debounce, func() { d.fire(sessionID, seq) }),
	}
}

// fire saves the draft unless a newer change superseded this timer.
func (d *Drafts) fire(sessionID string, seq uint64) {
	d.mu.Lock()
	p, ok := d.pending[sessionID]
	if !ok || p.seq != seq {
		d.mu.Unlock()
		return
	}
	delete(d.pending, sessionID)
	text := d.texts[sessionID]
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	d.save(ctx, sessionID, text)
}

func (d *Drafts) save(ctx context.Context, sessionID, text string) {
	if err := d.store.Save(ctx, sessionID, text); err != nil {
		d.log.Warn().Err(err).Str("sessionID", sessionID).Msg("Failed to save draft")
	}
}

// Flush writes every pending draft now and waits for saves already running.
func (d *Drafts) Flush(ctx context.Context) {
	d.mu.Lock()
	writes := make(map[string]string, len(d.pending))
	for id, p := range d.pending {
		p.timer.Stop()
		writes[id] = d.texts[id]
	}
	d.pending = make(map[string]*pending)
	d.mu.Unlock()

	for id, text := range writes {
		d.save(ctx, id, text)
	}
	d.wg.Wait()
}

// Pending reports how many sessions have unsaved changes.
func (d *Drafts) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
