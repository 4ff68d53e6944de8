package types

// Message is one entry of a session's conversation as seen by the UI.
// Optimistic messages are written locally before the backend confirms them.
type Message struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"sessionID"`
	Role          string         `json:"role"` // "user" | "assistant"
	Content       string         `json:"content"`
	ToolCalls     []ToolCall     `json:"toolCalls,omitempty"`
	ContentBlocks []ContentBlock `json:"contentBlocks,omitempty"`
	Params        *RequestParams `json:"params,omitempty"`
	Cancelled     bool           `json:"cancelled,omitempty"`
	Optimistic    bool           `json:"optimistic,omitempty"`
	Error         string         `json:"error,omitempty"`
	Created       int64          `json:"created"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// BlockKind tags a ContentBlock.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockThinking BlockKind = "thinking"
	BlockTool     BlockKind = "tool"
)

// ContentBlock is one element of the interleaved narration/tool sequence of a turn.
type ContentBlock struct {
	Kind       BlockKind `json:"kind"`
	Text       string    `json:"text,omitempty"`
	ToolCallID string    `json:"toolCallID,omitempty"`
}

// ToolCall is a tool invocation made by the agent during a turn.
type ToolCall struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Input    map[string]any `json:"input,omitempty"`
	Output   *string        `json:"output,omitempty"`
	ParentID string         `json:"parentID,omitempty"` // set for calls made by a sub-agent
}

// Clone returns a copy that shares no slices with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	c.ContentBlocks = append([]ContentBlock(nil), m.ContentBlocks...)
	if m.Params != nil {
		p := *m.Params
		c.Params = &p
	}
	return &c
}
