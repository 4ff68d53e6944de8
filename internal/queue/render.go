package queue

import (
	"fmt"
	"strings"

	"github.com/opencode-ai/conductor/pkg/types"
)

// RenderMessage returns the text sent to the backend for msg: the message
// text followed by one reference line per attachment.
func RenderMessage(msg types.QueuedMessage) string {
	if len(msg.Attachments) == 0 {
		return msg.Text
	}

	lines := make([]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		lines = append(lines, renderAttachment(a))
	}

	refs := strings.Join(lines, "\n")
	if strings.TrimSpace(msg.Text) == "" {
		return refs
	}
	return msg.Text + "\n\n" + refs
}

func renderAttachment(a types.Attachment) string {
	switch a.Kind {
	case types.AttachSkill:
		name := a.Name
		if name == "" {
			name = a.Path
		}
		return fmt.Sprintf("[Skill: %s] Use this skill; its instructions are at %s", name, a.Path)
	case types.AttachImage:
		return fmt.Sprintf("[Image: %s] Read this image with the Read tool", a.Path)
	case types.AttachTextFile:
		return fmt.Sprintf("[Text: %s] Read this file for the pasted text", a.Path)
	default:
		return fmt.Sprintf("[File: %s] Read this file with the Read tool", a.Path)
	}
}
