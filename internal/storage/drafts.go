package storage

import (
	"context"
	"errors"
)

type draftDoc struct {
	Text string `json:"text"`
}

// Drafts persists compose-box text under draft/<sessionID>.
type Drafts struct {
	s *Storage
}

// NewDrafts returns a draft store backed by s.
func NewDrafts(s *Storage) *Drafts {
	return &Drafts{s: s}
}

// Load returns the saved draft, or "" when none exists.
func (d *Drafts) Load(ctx context.Context, sessionID string) (string, error) {
	var doc draftDoc
	if err := d.s.Get(ctx, []string{"draft", sessionID}, &doc); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return doc.Text, nil
}

// Save stores text as the session's draft. Saving "" deletes it.
func (d *Drafts) Save(ctx context.Context, sessionID, text string) error {
	if text == "" {
		return d.s.Delete(ctx, []string{"draft", sessionID})
	}
	return d.s.Put(ctx, []string{"draft", sessionID}, draftDoc{Text: text})
}
