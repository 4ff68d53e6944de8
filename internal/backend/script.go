package backend

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Step is one scripted agent event. Type is an event tag from the agent
// vocabulary, or "sleep" to pause for Delay.
type Step struct {
	Type     string         `yaml:"type"`
	Text     string         `yaml:"text,omitempty"`
	ID       string         `yaml:"id,omitempty"`
	Name     string         `yaml:"name,omitempty"`
	Input    map[string]any `yaml:"input,omitempty"`
	ParentID string         `yaml:"parent_id,omitempty"`
	Output   string         `yaml:"output,omitempty"`
	Error    string         `yaml:"error,omitempty"`
	Trigger  string         `yaml:"trigger,omitempty"`
	UndoSend bool           `yaml:"undo_send,omitempty"`
	Delay    time.Duration  `yaml:"delay,omitempty"`
}

// Rule selects a reply by substring match on the message. An empty Match
// matches every message.
type Rule struct {
	Match string `yaml:"match"`
	Steps []Step `yaml:"steps"`
}

// Script is the reply table of the Echo backend. Rules are tried in order.
//
//	delay: 20ms
//	rules:
//	  - match: "plan"
//	    steps:
//	      - {type: tool_use, id: p1, name: ExitPlanMode}
//	      - {type: done}
//	  - steps:
//	      - {type: chunk, text: "You said: {{message}}"}
type Script struct {
	Delay time.Duration `yaml:"delay,omitempty"`
	Rules []Rule        `yaml:"rules"`
}

// DefaultScript echoes the message back.
func DefaultScript() *Script {
	return &Script{
		Rules: []Rule{{
			Steps: []Step{
				{Type: "chunk", Text: "You said: {{message}}"},
				{Type: "done"},
			},
		}},
	}
}

// ParseScript parses a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	for i, r := range s.Rules {
		for j, st := range r.Steps {
			if st.Type == "" {
				return nil, fmt.Errorf("parse script: rule %d step %d has no type", i, j)
			}
		}
	}
	return &s, nil
}

// LoadScript reads and parses a YAML script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// Match returns the steps of the first rule matching message, with
// {{message}} placeholders expanded. A message no rule matches gets the
// default echo reply.
func (s *Script) Match(message string) []Step {
	for _, r := range s.Rules {
		if r.Match != "" && !strings.Contains(message, r.Match) {
			continue
		}
		steps := make([]Step, len(r.Steps))
		for i, st := range r.Steps {
			st.Text = strings.ReplaceAll(st.Text, "{{message}}", message)
			steps[i] = st
		}
		return steps
	}
	return DefaultScript().Match(message)
}
