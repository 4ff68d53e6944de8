package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencode-ai/conductor/pkg/types"
)

// ErrMalformed is returned by Decode for payloads that cannot be routed.
var ErrMalformed = errors.New("malformed agent event")

// Kind is the tag of an inbound agent event.
type Kind string

const (
	KindChunk            Kind = "chunk"
	KindToolUse          Kind = "tool_use"
	KindToolBlock        Kind = "tool_block"
	KindThinking         Kind = "thinking"
	KindToolResult       Kind = "tool_result"
	KindPermissionDenied Kind = "permission_denied"
	KindDone             Kind = "done"
	KindError            Kind = "error"
	KindCancelled        Kind = "cancelled"
	KindCompacted        Kind = "compacted"
)

// AgentEvent is one event emitted by the external agent process. Every
// event carries the session it belongs to.
type AgentEvent interface {
	Kind() Kind
	Session() string
}

// Header is embedded in every agent event and carries the routing fields.
type Header struct {
	Type      Kind   `json:"type"`
	SessionID string `json:"session_id"`
}

func (h Header) Kind() Kind      { return h.Type }
func (h Header) Session() string { return h.SessionID }

// Chunk is incremental assistant text.
type Chunk struct {
	Header
	Text string `json:"text"`
}

// ToolUse marks the start of a tool invocation.
type ToolUse struct {
	Header
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Input    map[string]any `json:"input,omitempty"`
	ParentID string         `json:"parent_id,omitempty"`
}

// ToolBlock marks the position of a tool call in the content-block sequence.
type ToolBlock struct {
	Header
	ToolCallID string `json:"tool_call_id"`
}

// Thinking is extended-reasoning text.
type Thinking struct {
	Header
	Text string `json:"text"`
}

// ToolResult carries the output of a finished tool call.
type ToolResult struct {
	Header
	ToolUseID string `json:"tool_use_id"`
	Output    string `json:"output"`
}

// PermissionDenied reports tool calls blocked pending approval.
type PermissionDenied struct {
	Header
	Denials []types.Denial `json:"denials"`
}

// Done reports a turn that completed normally.
type Done struct {
	Header
	WorktreeID string `json:"worktree_id,omitempty"`
}

// Failed reports a turn that failed.
type Failed struct {
	Header
	Error string `json:"error"`
}

// Cancelled reports a cancelled turn. UndoSend forces full restoration of the
// user's message.
type Cancelled struct {
	Header
	UndoSend bool `json:"undo_send"`
}

// CompactionMeta describes a context compaction.
type CompactionMeta struct {
	Trigger string `json:"trigger"`
}

// Compacted reports that the backend compacted the context window.
type Compacted struct {
	Header
	Metadata CompactionMeta `json:"metadata"`
}

// Unknown is an event with a tag this version does not understand.
type Unknown struct {
	Header
}

// NewChunk builds a chunk event.
func NewChunk(sessionID, text string) *Chunk {
	return &Chunk{Header: Header{KindChunk, sessionID}, Text: text}
}

// NewToolUse builds a tool_use event.
func NewToolUse(sessionID, id, name string, input map[string]any, parentID string) *ToolUse {
	return &ToolUse{Header: Header{KindToolUse, sessionID}, ID: id, Name: name, Input: input, ParentID: parentID}
}

// NewToolBlock builds a tool_block event.
func NewToolBlock(sessionID, toolCallID string) *ToolBlock {
	return &ToolBlock{Header: Header{KindToolBlock, sessionID}, ToolCallID: toolCallID}
}

// NewThinking builds a thinking event.
func NewThinking(sessionID, text string) *Thinking {
	return &Thinking{Header: Header{KindThinking, sessionID}, Text: text}
}

// NewToolResult builds a tool_result event.
func NewToolResult(sessionID, toolUseID, output string) *ToolResult {
	return &ToolResult{Header: Header{KindToolResult, sessionID}, ToolUseID: toolUseID, Output: output}
}

// NewPermissionDenied builds a permission_denied event.
func NewPermissionDenied(sessionID string, denials ...types.Denial) *PermissionDenied {
	return &PermissionDenied{Header: Header{KindPermissionDenied, sessionID}, Denials: denials}
}

// NewDone builds a done event.
func NewDone(sessionID, worktreeID string) *Done {
	return &Done{Header: Header{KindDone, sessionID}, WorktreeID: worktreeID}
}

// NewFailed builds an error event.
func NewFailed(sessionID, msg string) *Failed {
	return &Failed{Header: Header{KindError, sessionID}, Error: msg}
}

// NewCancelled builds a cancelled event.
func NewCancelled(sessionID string, undoSend bool) *Cancelled {
	return &Cancelled{Header: Header{KindCancelled, sessionID}, UndoSend: undoSend}
}

// NewCompacted builds a compacted event.
func NewCompacted(sessionID, trigger string) *Compacted {
	return &Compacted{Header: Header{KindCompacted, sessionID}, Metadata: CompactionMeta{Trigger: trigger}}
}

// Encode serializes an agent event to its wire form.
func Encode(ev AgentEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// Decode parses the wire form of an agent event. The header is read first so
// the body can be decoded into the concrete type for its tag. Unrecognised
// tags decode to *Unknown. A missing session id is ErrMalformed.
func Decode(data []byte) (AgentEvent, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session_id (type %q)", ErrMalformed, h.Type)
	}

	var ev AgentEvent
	switch h.Type {
	case KindChunk:
		ev = &Chunk{}
	case KindToolUse:
		ev = &ToolUse{}
	case KindToolBlock:
		ev = &ToolBlock{}
	case KindThinking:
		ev = &Thinking{}
	case KindToolResult:
		ev = &ToolResult{}
	case KindPermissionDenied:
		ev = &PermissionDenied{}
	case KindDone:
		ev = &Done{}
	case KindError:
		ev = &Failed{}
	case KindCancelled:
		ev = &Cancelled{}
	case KindCompacted:
		ev = &Compacted{}
	default:
		return &Unknown{Header: h}, nil
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformed, h.Type, err)
	}
	return ev, nil
}
