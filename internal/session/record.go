package session

import (
	"slices"

	"github.com/opencode-ai/conductor/internal/cache"
	"github.com/opencode-ai/conductor/pkg/types"
)

// record is the state of one session. It is only touched with Machine.mu held.
type record struct {
	id         string
	worktreeID string
	status     types.Status

	// Buffers of the in-flight turn. Cleared once by the terminal handler.
	streaming string
	thinking  string
	blocks    []types.ContentBlock
	toolCalls []types.ToolCall

	denials []types.Denial
	resend  *types.ResendContext

	lastSent *types.QueuedMessage
	params   types.RequestParams

	turnID         string
	turnStarted    int64
	userMsgID      string
	assistantMsgID string
	snapshot       cache.Snapshot

	reviewPending bool
	lastError     string
	digest        *types.Digest
	compaction    *types.Compaction
}

func newRecord(id, worktreeID string, params types.RequestParams) *record {
	return &record{
		id:         id,
		worktreeID: worktreeID,
		status:     types.StatusIdle,
		params:     params,
	}
}

func (r *record) clearBuffers() {
	r.streaming = ""
	r.thinking = ""
	r.blocks = nil
	r.toolCalls = nil
}

func (r *record) toolCall(id string) (int, bool) {
	for i := range r.toolCalls {
		if r.toolCalls[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

func (r *record) toolCallIDs() []string {
	ids := make([]string, len(r.toolCalls))
	for i, tc := range r.toolCalls {
		ids[i] = tc.ID
	}
	return ids
}

// appendText extends the trailing block when it has the same kind so a run
// of chunks renders as one paragraph.
func (r *record) appendText(kind types.BlockKind, text string) {
	if n := len(r.blocks); n > 0 && r.blocks[n-1].Kind == kind {
		r.blocks[n-1].Text += text
		return
	}
	r.blocks = append(r.blocks, types.ContentBlock{Kind: kind, Text: text})
}

func (r *record) referencesTool(id string) bool {
	for _, b := range r.blocks {
		if b.Kind == types.BlockTool && b.ToolCallID == id {
			return true
		}
	}
	return false
}

// streamed reports whether the turn produced text or tool calls.
func (r *record) streamed() bool {
	return r.streaming != "" || len(r.toolCalls) > 0
}

// capture builds the assistant message from the turn buffers. It must be
// called before the buffers are cleared.
func (r *record) capture(created int64) *types.Message {
	if !r.streamed() {
		return nil
	}
	params := r.params
	params.AllowedTools = slices.Clone(params.AllowedTools)

	msg := &types.Message{
		ID:            r.assistantMsgID,
		SessionID:     r.id,
		Role:          types.RoleAssistant,
		Content:       r.streaming,
		ContentBlocks: slices.Clone(r.blocks),
		Params:        &params,
		Optimistic:    true,
		Created:       created,
	}
	msg.ToolCalls = make([]types.ToolCall, len(r.toolCalls))
	copy(msg.ToolCalls, r.toolCalls)
	return msg
}

func (r *record) view(queueLen int) types.SessionView {
	v := types.SessionView{
		ID:             r.id,
		WorktreeID:     r.worktreeID,
		Status:         r.status,
		StreamingText:  r.streaming,
		ThinkingText:   r.thinking,
		ContentBlocks:  slices.Clone(r.blocks),
		ToolCalls:      slices.Clone(r.toolCalls),
		PendingDenials: slices.Clone(r.denials),
		Params:         r.params,
		ReviewPending:  r.reviewPending,
		LastError:      r.lastError,
		QueueLength:    queueLen,
	}
	v.Params.AllowedTools = slices.Clone(r.params.AllowedTools)
	if v.ContentBlocks == nil {
		v.ContentBlocks = []types.ContentBlock{}
	}
	if v.ToolCalls == nil {
		v.ToolCalls = []types.ToolCall{}
	}
	if r.lastSent != nil {
		ls := r.lastSent.Clone()
		v.LastSent = &ls
	}
	if r.digest != nil {
		d := *r.digest
		v.Digest = &d
	}
	if r.compaction != nil {
		c := *r.compaction
		v.Compaction = &c
	}
	return v
}
