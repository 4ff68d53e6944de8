// Package types provides the core data types shared by the conductor packages.
package types

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusSending         Status = "sending"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusReviewing       Status = "reviewing"
	StatusErrored         Status = "errored"
)

// Busy reports whether the status excludes dispatching a queued message.
func (s Status) Busy() bool {
	return s == StatusSending || s == StatusWaitingForInput
}

// RequestParams are the per-turn request parameters forwarded to the backend.
type RequestParams struct {
	Model         string   `json:"model,omitempty"`
	ExecutionMode string   `json:"executionMode,omitempty"` // "plan" | "build" | "yolo"
	ThinkingLevel string   `json:"thinkingLevel,omitempty"` // "off" | "think" | "megathink" | "ultrathink"
	AllowedTools  []string `json:"allowedTools,omitempty"`
}

// Denial is a tool call rejected by the backend's permission layer.
type Denial struct {
	ToolCallID string         `json:"toolCallID"`
	ToolName   string         `json:"toolName"`
	Input      map[string]any `json:"input,omitempty"`
}

// ResendContext is captured when tools are denied so the turn can be re-issued
// with those tools allowed.
type ResendContext struct {
	Message string        `json:"message"`
	Params  RequestParams `json:"params"`
}

// Digest is a short generated recap of a session's recent activity.
type Digest struct {
	SessionID string `json:"sessionID"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	Created   int64  `json:"created"`
}

// Compaction records the backend compacting a session's context window.
type Compaction struct {
	Trigger string `json:"trigger"` // "auto" | "manual"
	At      int64  `json:"at"`
}

// SessionView is a read-only snapshot of a session handed to the UI layer.
type SessionView struct {
	ID             string         `json:"id"`
	WorktreeID     string         `json:"worktreeID,omitempty"`
	Status         Status         `json:"status"`
	StreamingText  string         `json:"streamingText"`
	ThinkingText   string         `json:"thinkingText,omitempty"`
	ContentBlocks  []ContentBlock `json:"contentBlocks"`
	ToolCalls      []ToolCall     `json:"toolCalls"`
	PendingDenials []Denial       `json:"pendingDenials,omitempty"`
	LastSent       *QueuedMessage `json:"lastSent,omitempty"`
	Params         RequestParams  `json:"params"`
	ReviewPending  bool           `json:"reviewPending"`
	LastError      string         `json:"lastError,omitempty"`
	Digest         *Digest        `json:"digest,omitempty"`
	Compaction     *Compaction    `json:"compaction,omitempty"`
	QueueLength    int            `json:"queueLength"`
}
