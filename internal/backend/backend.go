// Package backend is the RPC surface of the external agent process: issuing
// and cancelling turns and generating session digests.
package backend

import (
	"context"
	"errors"

	"github.com/opencode-ai/conductor/pkg/types"
)

// ErrRejected is returned when the backend does not accept a turn.
var ErrRejected = errors.New("turn rejected")

// Turn is one request to the agent.
type Turn struct {
	SessionID  string              `json:"sessionID"`
	TurnID     string              `json:"turnID"`
	MessageID  string              `json:"messageID"`
	ReplyID    string              `json:"replyID,omitempty"`
	WorktreeID string              `json:"worktreeID,omitempty"`
	Message    string              `json:"message"`
	Params     types.RequestParams `json:"params"`
}

// Backend controls the agent process. IssueTurn only confirms acceptance; the
// outcome of the turn arrives later on the event stream.
type Backend interface {
	IssueTurn(ctx context.Context, turn Turn) error
	CancelTurn(ctx context.Context, sessionID string) (bool, error)
	GenerateDigest(ctx context.Context, sessionID string) (*types.Digest, error)
}

// History is read access to persisted conversation messages.
type History interface {
	List(ctx context.Context, sessionID string) ([]*types.Message, error)
}
