package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/opencode-ai/conductor/pkg/types"
)

// ErrNothingToSummarize is returned for sessions without messages.
var ErrNothingToSummarize = errors.New("nothing to summarize")

const (
	digestTitleLen   = 60
	digestSummaryLen = 240
)

// Summarize builds a digest from the persisted history: the title is the
// first user message, the summary the most recent assistant reply.
func Summarize(sessionID string, msgs []*types.Message, now time.Time) (*types.Digest, error) {
	var first, last *types.Message
	tools := 0
	for _, m := range msgs {
		switch m.Role {
		case types.RoleUser:
			if first == nil {
				first = m
			}
		case types.RoleAssistant:
			last = m
			tools += len(m.ToolCalls)
		}
	}
	if first == nil && last == nil {
		return nil, ErrNothingToSummarize
	}

	d := &types.Digest{SessionID: sessionID, Created: now.UnixMilli()}
	if first != nil {
		d.Title = truncate(firstLine(first.Content), digestTitleLen)
	}
	if last != nil {
		d.Summary = truncate(strings.Join(strings.Fields(last.Content), " "), digestSummaryLen)
		if last.Cancelled {
			d.Summary = "(cancelled) " + d.Summary
		}
	}
	if tools > 0 {
		d.Summary = strings.TrimSpace(fmt.Sprintf("%s [%d tool calls]", d.Summary, tools))
	}
	return d, nil
}

// summarizeHistory loads a session's history and summarizes it.
func summarizeHistory(ctx context.Context, h History, sessionID string) (*types.Digest, error) {
	if h == nil {
		return nil, ErrNothingToSummarize
	}
	msgs, err := h.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return Summarize(sessionID, msgs, time.Now())
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
