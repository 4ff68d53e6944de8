package session

import (
	"sync"

	"github.com/opencode-ai/conductor/pkg/types"
)

// AnswerRegistry records user responses to blocking tool calls. A blocking
// call is unanswered until a response is recorded under its id.
type AnswerRegistry interface {
	Record(toolCallID, response string)
	Answer(toolCallID string) (string, bool)
	Forget(toolCallIDs ...string)
}

// Answers is an in-memory AnswerRegistry.
type Answers struct {
	mu        sync.RWMutex
	responses map[string]string
}

// NewAnswers creates an empty registry.
func NewAnswers() *Answers {
	return &Answers{responses: make(map[string]string)}
}

func (a *Answers) Record(toolCallID, response string) {
	a.mu.Lock()
	a.responses[toolCallID] = response
	a.mu.Unlock()
}

func (a *Answers) Answer(toolCallID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.responses[toolCallID]
	return r, ok
}

func (a *Answers) Forget(toolCallIDs ...string) {
	a.mu.Lock()
	for _, id := range toolCallIDs {
		delete(a.responses, id)
	}
	a.mu.Unlock()
}

type blockingKind int

const (
	notBlocking blockingKind = iota
	blockingQuestion
	blockingExitPlan
)

func (s Settings) blockingKind(toolName string) blockingKind {
	for _, n := range s.QuestionTools {
		if n == toolName {
			return blockingQuestion
		}
	}
	for _, n := range s.ExitPlanTools {
		if n == toolName {
			return blockingExitPlan
		}
	}
	return notBlocking
}

// unanswered returns the blocking tool calls of rec that have no recorded
// answer, in call order.
func (m *Machine) unanswered(rec *record) []types.ToolCall {
	var out []types.ToolCall
	for _, tc := range rec.toolCalls {
		if m.settings.blockingKind(tc.Name) == notBlocking {
			continue
		}
		if _, ok := m.answers.Answer(tc.ID); ok {
			continue
		}
		out = append(out, tc)
	}
	return out
}

// onlyExitPlan reports whether every call in calls is a plan-approval call.
func (s Settings) onlyExitPlan(calls []types.ToolCall) bool {
	for _, tc := range calls {
		if s.blockingKind(tc.Name) != blockingExitPlan {
			return false
		}
	}
	return len(calls) > 0
}
