package session

import (
	"github.com/opencode-ai/conductor/internal/event"
	"github.com/opencode-ai/conductor/internal/logging"
	"github.com/opencode-ai/conductor/pkg/types"
)

// active returns the record of a session with a turn in flight. Events for
// unknown sessions or sessions that are not Sending are stale and dropped.
// Must be called with m.mu held.
func (m *Machine) active(ev event.AgentEvent) *record {
	rec, ok := m.sessions[ev.Session()]
	if !ok {
		log := logging.Session("session", ev.Session())
		log.Warn().Str("type", string(ev.Kind())).
			Msg("Dropping event for unknown session")
		return nil
	}
	if rec.status != types.StatusSending {
		log := logging.Session("session", ev.Session())
		log.Debug().Str("type", string(ev.Kind())).
			Str("status", string(rec.status)).Msg("Dropping event outside a turn")
		return nil
	}
	return rec
}

// HandleChunk appends assistant text.
func (m *Machine) HandleChunk(ev *event.Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec := m.active(ev); rec != nil {
		rec.streaming += ev.Text
		rec.appendText(types.BlockText, ev.Text)
	}
}

// HandleThinking appends reasoning text. It is kept apart from the streamed
// reply text.
func (m *Machine) HandleThinking(ev *event.Thinking) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec := m.active(ev); rec != nil {
		rec.thinking += ev.Text
		rec.appendText(types.BlockThinking, ev.Text)
	}
}

// HandleToolUse registers a tool call and places it in the block sequence.
// A repeated id updates the existing call.
func (m *Machine) HandleToolUse(ev *event.ToolUse) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.active(ev)
	if rec == nil {
		return
	}
	tc := types.ToolCall{ID: ev.ID, Name: ev.Name, Input: ev.Input, ParentID: ev.ParentID}
	if i, ok := rec.toolCall(ev.ID); ok {
		tc.Output = rec.toolCalls[i].Output
		rec.toolCalls[i] = tc
	} else {
		rec.toolCalls = append(rec.toolCalls, tc)
	}
	if !rec.referencesTool(ev.ID) {
		rec.blocks = append(rec.blocks, types.ContentBlock{Kind: types.BlockTool, ToolCallID: ev.ID})
	}
}

// HandleToolBlock marks the position of a tool call in the block sequence.
func (m *Machine) HandleToolBlock(ev *event.ToolBlock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.active(ev)
	if rec == nil || rec.referencesTool(ev.ToolCallID) {
		return
	}
	rec.blocks = append(rec.blocks, types.ContentBlock{Kind: types.BlockTool, ToolCallID: ev.ToolCallID})
}

// HandleToolResult attaches output to its tool call. Outputs of read tools
// are dropped; only completion is recorded.
func (m *Machine) HandleToolResult(ev *event.ToolResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.active(ev)
	if rec == nil {
		return
	}
	i, ok := rec.toolCall(ev.ToolUseID)
	if !ok {
		log := logging.Session("session", ev.SessionID)
		log.Debug().Str("toolUseID", ev.ToolUseID).
			Msg("Result for unknown tool call")
		return
	}
	out := ev.Output
	if m.settings.isRead(rec.toolCalls[i].Name) {
		out = ""
	}
	rec.toolCalls[i].Output = &out
}

// HandlePermissionDenied records denied tool calls and the context needed to
// re-issue the turn with them allowed.
func (m *Machine) HandlePermissionDenied(ev *event.PermissionDenied) {
	var b batch

	m.mu.Lock()
	rec := m.active(ev)
	if rec == nil {
		m.mu.Unlock()
		return
	}
	rec.denials = append(rec.denials, ev.Denials...)
	resend := &types.ResendContext{Params: rec.params}
	if rec.lastSent != nil {
		resend.Message = rec.lastSent.Text
	}
	rec.resend = resend
	denials := append([]types.Denial(nil), rec.denials...)
	b.add(event.SessionDenied, event.DeniedData{SessionID: rec.id, Denials: denials})
	m.mu.Unlock()

	m.flush(b)
}

// HandleCompacted records a context compaction. It is accepted in any
// status.
func (m *Machine) HandleCompacted(ev *event.Compacted) {
	var b batch

	m.mu.Lock()
	rec, ok := m.sessions[ev.SessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.compaction = &types.Compaction{Trigger: ev.Metadata.Trigger, At: m.now().UnixMilli()}
	b.add(event.SessionCompacted, event.CompactedData{SessionID: rec.id, Trigger: ev.Metadata.Trigger})
	m.mu.Unlock()

	m.flush(b)
}
