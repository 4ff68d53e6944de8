package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opencode-ai/conductor/pkg/types"
)

func TestRenderMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  types.QueuedMessage
		want string
	}{
		{
			name: "plain text",
			msg:  types.QueuedMessage{Text: "hello"},
			want: "hello",
		},
		{
			name: "file",
			msg: types.QueuedMessage{
				Text:        "look",
				Attachments: []types.Attachment{{Kind: types.AttachFile, Path: "/src/main.go"}},
			},
			want: "look\n\n[File: /src/main.go] Read this file with the Read tool",
		},
		{
			name: "skill uses its name",
			msg: types.QueuedMessage{
				Text:        "do it",
				Attachments: []types.Attachment{{Kind: types.AttachSkill, Path: "/skills/pdf/SKILL.md", Name: "pdf"}},
			},
			want: "do it\n\n[Skill: pdf] Use this skill; its instructions are at /skills/pdf/SKILL.md",
		},
		{
			name: "several attachments in order",
			msg: types.QueuedMessage{
				Text: "both",
				Attachments: []types.Attachment{
					{Kind: types.AttachImage, Path: "shot.png"},
					{Kind: types.AttachTextFile, Path: "paste.txt"},
				},
			},
			want: "both\n\n[Image: shot.png] Read this image with the Read tool\n[Text: paste.txt] Read this file for the pasted text",
		},
		{
			name: "attachments only",
			msg: types.QueuedMessage{
				Text:        "  ",
				Attachments: []types.Attachment{{Kind: types.AttachFile, Path: "a.go"}},
			},
			want: "[File: a.go] Read this file with the Read tool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderMessage(tt.msg))
		})
	}
}
