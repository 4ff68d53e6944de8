package session

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/conductor/internal/backend"
	"github.com/opencode-ai/conductor/internal/event"
	"github.com/opencode-ai/conductor/internal/logging"
	"github.com/opencode-ai/conductor/pkg/types"
)

// Send starts a turn with msg. It is the single send path used by the UI and
// the dispatcher. A session that is already Sending returns ErrTurnInFlight.
// Send returns once the backend accepted or rejected the turn; its outcome
// arrives later as a done, error or cancelled event.
func (m *Machine) Send(ctx context.Context, sessionID string, msg types.QueuedMessage) error {
	var b batch

	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if rec.status == types.StatusSending {
		m.mu.Unlock()
		return ErrTurnInFlight
	}

	msg = msg.Clone()
	msg.Params = m.settings.withDefaults(msg.Params)
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}

	// Stale state of the previous turn, including a question the user chose
	// to answer with a new message instead.
	m.answers.Forget(rec.toolCallIDs()...)
	rec.clearBuffers()
	rec.denials = nil
	rec.resend = nil
	rec.lastError = ""

	rec.turnID = ulid.Make().String()
	rec.assistantMsgID = ulid.Make().String()
	rec.turnStarted = m.now().UnixMilli()
	rec.lastSent = &msg
	rec.params = msg.Params
	rec.snapshot = m.cache.Snapshot(sessionID)

	params := msg.Params
	user := m.cache.ApplyOptimistic(sessionID, &types.Message{
		Role:    types.RoleUser,
		Content: msg.Text,
		Params:  &params,
		Created: rec.turnStarted,
	})
	rec.userMsgID = user.ID
	b.transition(rec, types.StatusSending, "send")
	b.add(event.MessageOptimistic, event.MessageData{Message: user})

	turn := backend.Turn{
		SessionID:  sessionID,
		TurnID:     rec.turnID,
		MessageID:  user.ID,
		ReplyID:    rec.assistantMsgID,
		WorktreeID: rec.worktreeID,
		Message:    m.render(msg),
		Params:     msg.Params,
	}
	m.mu.Unlock()
	m.flush(b)

	log := logging.Session("session", sessionID).With().Str("turnID", turn.TurnID).Logger()
	if err := m.backend.IssueTurn(ctx, turn); err != nil {
		log.Error().Err(err).Msg("Backend rejected turn")
		m.rejected(sessionID, turn.TurnID, err)
		return fmt.Errorf("issue turn: %w", err)
	}
	log.Debug().Str("model", turn.Params.Model).Str("mode", turn.Params.ExecutionMode).Msg("Turn issued")
	return nil
}

// rejected undoes a send the backend did not accept. The message goes back
// to the compose box unless the user already typed something new, in which
// case it stays in the conversation flagged with the error. It remains
// available to Retry either way.
func (m *Machine) rejected(sessionID, turnID string, cause error) {
	var b batch

	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.turnID != turnID || rec.status != types.StatusSending {
		m.mu.Unlock()
		return
	}
	rec.lastError = cause.Error()
	m.withdrawSend(&b, rec, rec.lastError)
	rec.clearBuffers()
	b.add(event.SessionError, event.ErrorData{SessionID: sessionID, Error: rec.lastError})
	b.transition(rec, types.StatusIdle, "rejected")
	m.mu.Unlock()

	m.flush(b)
}

// Cancel asks the backend to stop the running turn. The visible effect is
// deferred until the cancelled event arrives. It reports false when no turn
// is running.
func (m *Machine) Cancel(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	running := rec.status == types.StatusSending
	m.mu.Unlock()

	if !running {
		return false, nil
	}
	return m.backend.CancelTurn(ctx, sessionID)
}

// Retry re-sends the last message sent in the session.
func (m *Machine) Retry(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if rec.lastSent == nil {
		m.mu.Unlock()
		return ErrNothingToRetry
	}
	msg := rec.lastSent.Clone()
	msg.ID = ""
	m.mu.Unlock()

	return m.Send(ctx, sessionID, msg)
}

// ApproveDenials re-issues the turn whose tool calls were denied, with the
// denied tools added to the allowed set.
func (m *Machine) ApproveDenials(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if rec.resend == nil || len(rec.denials) == 0 {
		m.mu.Unlock()
		return ErrNothingToRetry
	}
	if rec.status == types.StatusSending {
		m.mu.Unlock()
		return ErrTurnInFlight
	}

	params := rec.resend.Params
	params.AllowedTools = slices.Clone(params.AllowedTools)
	for _, d := range rec.denials {
		if !slices.Contains(params.AllowedTools, d.ToolName) {
			params.AllowedTools = append(params.AllowedTools, d.ToolName)
		}
	}
	msg := types.QueuedMessage{Text: rec.resend.Message, Params: params}
	if rec.lastSent != nil {
		msg.Attachments = slices.Clone(rec.lastSent.Attachments)
	}
	m.mu.Unlock()

	return m.Send(ctx, sessionID, msg)
}

// AnswerBlocking records the user's response to a blocking tool call. Once
// every blocking call of the turn is answered the responses are sent as the
// follow-up turn.
func (m *Machine) AnswerBlocking(ctx context.Context, sessionID, toolCallID, response string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if rec.status != types.StatusWaitingForInput {
		m.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrNotBlocked, rec.status)
	}
	i, found := rec.toolCall(toolCallID)
	if !found || m.settings.blockingKind(rec.toolCalls[i].Name) == notBlocking {
		m.mu.Unlock()
		return fmt.Errorf("%w: tool call %s", ErrNotBlocked, toolCallID)
	}

	m.answers.Record(toolCallID, response)
	if len(m.unanswered(rec)) > 0 {
		m.mu.Unlock()
		return nil
	}

	var answers []string
	for _, tc := range rec.toolCalls {
		if m.settings.blockingKind(tc.Name) == notBlocking {
			continue
		}
		if a, ok := m.answers.Answer(tc.ID); ok {
			answers = append(answers, a)
		}
	}
	msg := types.QueuedMessage{Text: strings.Join(answers, "\n\n"), Params: rec.params}
	msg.Params.AllowedTools = slices.Clone(rec.params.AllowedTools)
	m.mu.Unlock()

	return m.Send(ctx, sessionID, msg)
}
