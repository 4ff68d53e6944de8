package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opencode-ai/conductor/internal/event"
	"github.com/opencode-ai/conductor/internal/logging"
	"github.com/opencode-ai/conductor/internal/storage"
	"github.com/opencode-ai/conductor/pkg/types"
)

const (
	// DigestInitialInterval is the first retry delay for digest generation.
	DigestInitialInterval = 500 * time.Millisecond
	// DigestMaxInterval caps the retry delay.
	DigestMaxInterval = 10 * time.Second
	// DigestMaxElapsedTime bounds the total time spent retrying.
	DigestMaxElapsedTime = time.Minute
)

func newDigestBackoff(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DigestInitialInterval
	b.MaxInterval = DigestMaxInterval
	b.MaxElapsedTime = DigestMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	retries := uint64(0)
	if attempts > 1 {
		retries = uint64(attempts - 1)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// scheduleDigest generates a digest in the background. Failures are logged
// and leave the session untouched.
func (m *Machine) scheduleDigest(sessionID string) {
	attempts := m.Settings().DigestMaxAttempts

	m.goTask(func(ctx context.Context) {
		log := logging.Session("digest", sessionID)

		var digest *types.Digest
		op := func() error {
			d, err := m.backend.GenerateDigest(ctx, sessionID)
			if err != nil {
				return err
			}
			digest = d
			return nil
		}
		if err := backoff.Retry(op, newDigestBackoff(ctx, attempts)); err != nil {
			log.Warn().Err(err).Int("attempts", attempts).Msg("Digest generation failed")
			return
		}
		if digest == nil {
			return
		}
		digest.SessionID = sessionID

		m.mu.Lock()
		rec, ok := m.sessions[sessionID]
		if ok {
			rec.digest = digest
		}
		m.mu.Unlock()
		if !ok {
			return
		}

		log.Debug().Str("title", digest.Title).Msg("Digest stored")
		d := *digest
		m.flush(batch{{Type: event.SessionDigest, Data: event.DigestData{Digest: &d}}})
	})
}

// turnRef identifies the reply of one turn in persisted history.
type turnRef struct {
	turnID  string
	replyID string
	started int64
}

func (r *record) turnRef() turnRef {
	return turnRef{turnID: r.turnID, replyID: r.assistantMsgID, started: r.turnStarted}
}

// owns reports whether msg can be the reply of the turn. It guards the
// fallback to the latest persisted message, which may still be the previous
// turn's reply when the agent stores under its own id.
func (t turnRef) owns(msg *types.Message) bool {
	return msg.Role == types.RoleAssistant && msg.Created >= t.started
}

// scheduleReconcile replaces the optimistic reply of a finished turn with
// the persisted record. The reply is looked up by the id handed to the
// backend first. Nothing is touched when another turn started meanwhile or
// no persisted reply belongs to the turn.
func (m *Machine) scheduleReconcile(sessionID string, turn turnRef) {
	if m.store == nil {
		return
	}
	m.goTask(func(ctx context.Context) {
		log := logging.Session("cache", sessionID).With().Str("turnID", turn.turnID).Logger()

		persisted, err := m.store.Get(ctx, sessionID, turn.replyID)
		if errors.Is(err, storage.ErrNotFound) {
			persisted, err = m.store.Latest(ctx, sessionID)
			if err == nil && !turn.owns(persisted) {
				log.Debug().Str("messageID", persisted.ID).Msg("Latest persisted message predates the turn")
				return
			}
		}
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				log.Warn().Err(err).Msg("Failed to load persisted message")
			}
			return
		}

		m.mu.Lock()
		rec, ok := m.sessions[sessionID]
		current := ok && rec.turnID == turn.turnID
		if current {
			m.cache.Reconcile(sessionID, persisted)
		}
		m.mu.Unlock()
		if !current {
			return
		}

		m.flush(batch{{Type: event.MessageReconciled, Data: event.MessageData{Message: persisted}}})
	})
}
