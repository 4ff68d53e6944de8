package types

// AttachmentKind tags an Attachment.
type AttachmentKind string

const (
	AttachFile     AttachmentKind = "file"
	AttachSkill    AttachmentKind = "skill"
	AttachImage    AttachmentKind = "image"
	AttachTextFile AttachmentKind = "text_file"
)

// Attachment references something the agent should read alongside the message.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	Path string         `json:"path"`
	Name string         `json:"name,omitempty"` // skill name or display name
}

// QueuedMessage is a not-yet-sent message together with the request
// parameters to use when it is eventually sent.
type QueuedMessage struct {
	ID          string        `json:"id"`
	Text        string        `json:"text"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Params      RequestParams `json:"params"`
	Queued      int64         `json:"queued"`
}

// Clone returns a deep copy of q.
func (q QueuedMessage) Clone() QueuedMessage {
	q.Attachments = append([]Attachment(nil), q.Attachments...)
	q.Params.AllowedTools = append([]string(nil), q.Params.AllowedTools...)
	return q
}
