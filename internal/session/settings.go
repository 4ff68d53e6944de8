package session

import (
	"slices"

	"github.com/opencode-ai/conductor/pkg/types"
)

// Tool names the state machine treats specially unless configured otherwise.
const (
	DefaultQuestionTool = "AskUserQuestion"
	DefaultExitPlanTool = "ExitPlanMode"
	DefaultReadTool     = "Read"
)

// Settings are the runtime toggles of the state machine. UpdateSettings
// replaces them while sessions are running.
type Settings struct {
	DigestEnabled        bool
	DigestMaxAttempts    int
	NotificationsEnabled bool

	// QuestionTools ask the user a question and block until answered.
	QuestionTools []string
	// ExitPlanTools present a plan and block until it is approved.
	ExitPlanTools []string
	// ReadTools have their outputs discarded when results arrive.
	ReadTools []string

	// Defaults fill request parameters a message leaves empty.
	Defaults types.RequestParams
}

// DefaultSettings returns settings with digests and notifications enabled.
func DefaultSettings() Settings {
	return Settings{
		DigestEnabled:        true,
		DigestMaxAttempts:    3,
		NotificationsEnabled: true,
		QuestionTools:        []string{DefaultQuestionTool},
		ExitPlanTools:        []string{DefaultExitPlanTool},
		ReadTools:            []string{DefaultReadTool},
	}
}

func (s Settings) normalized() Settings {
	if s.DigestMaxAttempts <= 0 {
		s.DigestMaxAttempts = 1
	}
	if len(s.QuestionTools) == 0 {
		s.QuestionTools = []string{DefaultQuestionTool}
	}
	if len(s.ExitPlanTools) == 0 {
		s.ExitPlanTools = []string{DefaultExitPlanTool}
	}
	if len(s.ReadTools) == 0 {
		s.ReadTools = []string{DefaultReadTool}
	}
	return s
}

// withDefaults fills the empty fields of p from the configured defaults.
func (s Settings) withDefaults(p types.RequestParams) types.RequestParams {
	if p.Model == "" {
		p.Model = s.Defaults.Model
	}
	if p.ExecutionMode == "" {
		p.ExecutionMode = s.Defaults.ExecutionMode
	}
	if p.ThinkingLevel == "" {
		p.ThinkingLevel = s.Defaults.ThinkingLevel
	}
	p.AllowedTools = slices.Clone(p.AllowedTools)
	return p
}

func (s Settings) isRead(name string) bool {
	return slices.Contains(s.ReadTools, name)
}
