package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/conductor/internal/event"
	"github.com/opencode-ai/conductor/internal/logging"
	"github.com/opencode-ai/conductor/pkg/types"
)

// Recorder persists messages the way the real agent process does.
type Recorder interface {
	History
	Put(ctx context.Context, msg *types.Message) error
}

// Echo is a local Backend that answers turns from a Script. It publishes
// agent events onto the events topic and persists the conversation like the
// real agent, so every path of the coordinator can run without one.
type Echo struct {
	pub     message.Publisher
	topic   string
	history Recorder
	script  *Script

	mu    sync.Mutex
	turns map[string]context.CancelFunc
	wg    sync.WaitGroup

	log zerolog.Logger
}

// NewEcho creates an Echo backend. A nil script echoes messages back.
func NewEcho(pub message.Publisher, topic string, history Recorder, script *Script) *Echo {
	if script == nil {
		script = DefaultScript()
	}
	return &Echo{
		pub:     pub,
		topic:   topic,
		history: history,
		script:  script,
		turns:   make(map[string]context.CancelFunc),
		log:     logging.Component("echo"),
	}
}

// IssueTurn accepts a turn unless one is already running for the session.
func (e *Echo) IssueTurn(ctx context.Context, turn Turn) error {
	e.mu.Lock()
	if _, running := e.turns[turn.SessionID]; running {
		e.mu.Unlock()
		return fmt.Errorf("%w: session %s already has a running turn", ErrRejected, turn.SessionID)
	}
	playCtx, cancel := context.WithCancel(context.Background())
	e.turns[turn.SessionID] = cancel
	e.mu.Unlock()

	user := &types.Message{
		ID:        turn.MessageID,
		SessionID: turn.SessionID,
		Role:      types.RoleUser,
		Content:   turn.Message,
		Params:    &turn.Params,
		Created:   time.Now().UnixMilli(),
	}
	if user.ID == "" {
		user.ID = ulid.Make().String()
	}
	if err := e.history.Put(ctx, user); err != nil {
		e.finish(turn.SessionID)
		cancel()
		return fmt.Errorf("%w: persist message: %v", ErrRejected, err)
	}

	e.wg.Add(1)
	go e.play(playCtx, turn, e.script.Match(turn.Message))
	return nil
}

// CancelTurn stops the running turn of a session. The cancelled event follows
// on the events topic.
func (e *Echo) CancelTurn(ctx context.Context, sessionID string) (bool, error) {
	e.mu.Lock()
	cancel, ok := e.turns[sessionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok, nil
}

// GenerateDigest summarizes the persisted history.
func (e *Echo) GenerateDigest(ctx context.Context, sessionID string) (*types.Digest, error) {
	return summarizeHistory(ctx, e.history, sessionID)
}

// Close cancels running turns and waits for them to stop.
func (e *Echo) Close() error {
	e.mu.Lock()
	for _, cancel := range e.turns {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

func (e *Echo) finish(sessionID string) {
	e.mu.Lock()
	delete(e.turns, sessionID)
	e.mu.Unlock()
}

// reply accumulates the assistant message the way the agent would persist it.
type reply struct {
	msg *types.Message
}

func (r *reply) empty() bool {
	return r.msg.Content == "" && len(r.msg.ToolCalls) == 0
}

func (r *reply) apply(st Step) {
	switch st.Type {
	case string(event.KindChunk):
		r.msg.Content += st.Text
		r.msg.ContentBlocks = append(r.msg.ContentBlocks, types.ContentBlock{Kind: types.BlockText, Text: st.Text})
	case string(event.KindThinking):
		r.msg.ContentBlocks = append(r.msg.ContentBlocks, types.ContentBlock{Kind: types.BlockThinking, Text: st.Text})
	case string(event.KindToolUse):
		r.msg.ToolCalls = append(r.msg.ToolCalls, types.ToolCall{ID: st.ID, Name: st.Name, Input: st.Input, ParentID: st.ParentID})
		r.msg.ContentBlocks = append(r.msg.ContentBlocks, types.ContentBlock{Kind: types.BlockTool, ToolCallID: st.ID})
	case string(event.KindToolResult):
		for i := range r.msg.ToolCalls {
			if r.msg.ToolCalls[i].ID == st.ID {
				out := st.Output
				r.msg.ToolCalls[i].Output = &out
			}
		}
	}
}

func (e *Echo) play(ctx context.Context, turn Turn, steps []Step) {
	defer e.wg.Done()

	log := e.log.With().Str("sessionID", turn.SessionID).Str("turnID", turn.TurnID).Logger()
	r := &reply{msg: &types.Message{
		ID:        turn.ReplyID,
		SessionID: turn.SessionID,
		Role:      types.RoleAssistant,
		Params:    &turn.Params,
	}}
	if r.msg.ID == "" {
		r.msg.ID = ulid.Make().String()
	}

	for _, st := range steps {
		delay := e.script.Delay
		if st.Type == "sleep" {
			delay = st.Delay
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
		if ctx.Err() != nil {
			e.cancelled(turn, r, false, log)
			return
		}
		if st.Type == "sleep" {
			continue
		}

		ev, terminal := e.stepEvent(turn, st)
		if ev == nil {
			log.Warn().Str("type", st.Type).Msg("Skipping unknown script step")
			continue
		}

		switch st.Type {
		case string(event.KindDone):
			e.persist(r, log)
		case string(event.KindCancelled):
			e.cancelled(turn, r, st.UndoSend, log)
			return
		default:
			r.apply(st)
		}
		if terminal {
			e.end(turn, ev, log)
			return
		}
		e.emit(ev, log)
	}

	e.persist(r, log)
	e.end(turn, event.NewDone(turn.SessionID, turn.WorktreeID), log)
}

// end releases the session before publishing its terminal event so a
// follow-up turn issued in reaction to it is accepted.
func (e *Echo) end(turn Turn, ev event.AgentEvent, log zerolog.Logger) {
	e.finish(turn.SessionID)
	e.emit(ev, log)
}

func (e *Echo) cancelled(turn Turn, r *reply, undo bool, log zerolog.Logger) {
	if !undo && !r.empty() {
		r.msg.Cancelled = true
		e.persist(r, log)
	}
	e.end(turn, event.NewCancelled(turn.SessionID, undo), log)
}

func (e *Echo) persist(r *reply, log zerolog.Logger) {
	if r.empty() {
		return
	}
	r.msg.Created = time.Now().UnixMilli()
	if err := e.history.Put(context.Background(), r.msg); err != nil {
		log.Error().Err(err).Msg("Failed to persist reply")
	}
}

// stepEvent converts a script step into an agent event and reports whether
// it ends the turn.
func (e *Echo) stepEvent(turn Turn, st Step) (event.AgentEvent, bool) {
	sid := turn.SessionID
	switch event.Kind(st.Type) {
	case event.KindChunk:
		return event.NewChunk(sid, st.Text), false
	case event.KindThinking:
		return event.NewThinking(sid, st.Text), false
	case event.KindToolUse:
		return event.NewToolUse(sid, st.ID, st.Name, st.Input, st.ParentID), false
	case event.KindToolBlock:
		return event.NewToolBlock(sid, st.ID), false
	case event.KindToolResult:
		return event.NewToolResult(sid, st.ID, st.Output), false
	case event.KindPermissionDenied:
		return event.NewPermissionDenied(sid, types.Denial{ToolCallID: st.ID, ToolName: st.Name, Input: st.Input}), false
	case event.KindCompacted:
		return event.NewCompacted(sid, st.Trigger), false
	case event.KindDone:
		return event.NewDone(sid, turn.WorktreeID), true
	case event.KindError:
		return event.NewFailed(sid, st.Error), true
	case event.KindCancelled:
		return event.NewCancelled(sid, st.UndoSend), true
	}
	return nil, false
}

func (e *Echo) emit(ev event.AgentEvent, log zerolog.Logger) {
	payload, err := event.Encode(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("session_id", ev.Session())
	if err := e.pub.Publish(e.topic, msg); err != nil {
		log.Error().Err(err).Str("type", string(ev.Kind())).Msg("Failed to publish event")
	}
}
