package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/conductor/internal/logging"
	"github.com/opencode-ai/conductor/pkg/types"
)

// CommandType tags a Command.
type CommandType string

const (
	CommandIssueTurn  CommandType = "issue_turn"
	CommandCancelTurn CommandType = "cancel_turn"
)

// Command is the wire form of a request to the agent process.
type Command struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"sessionID"`
	Turn      *Turn       `json:"turn,omitempty"`
}

const (
	publishRetries         = 3
	publishInitialInterval = 100 * time.Millisecond
	publishMaxInterval     = 2 * time.Second
	publishMaxElapsedTime  = 10 * time.Second
)

func newPublishBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = publishInitialInterval
	b.MaxInterval = publishMaxInterval
	b.MaxElapsedTime = publishMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, publishRetries), ctx)
}

// Publisher is a Backend for an agent process reachable over a watermill
// topic. Turns and cancellations are published as Commands; digests are
// summarized from the shared message history.
type Publisher struct {
	pub     message.Publisher
	topic   string
	history History
	log     zerolog.Logger
}

// NewPublisher creates a Publisher sending commands to topic.
func NewPublisher(pub message.Publisher, topic string, history History) *Publisher {
	return &Publisher{
		pub:     pub,
		topic:   topic,
		history: history,
		log:     logging.Component("backend"),
	}
}

// IssueTurn publishes an issue_turn command.
func (p *Publisher) IssueTurn(ctx context.Context, turn Turn) error {
	if err := p.send(ctx, Command{Type: CommandIssueTurn, SessionID: turn.SessionID, Turn: &turn}); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return nil
}

// CancelTurn publishes a cancel_turn command. Delivery is all the publisher
// can confirm.
func (p *Publisher) CancelTurn(ctx context.Context, sessionID string) (bool, error) {
	if err := p.send(ctx, Command{Type: CommandCancelTurn, SessionID: sessionID}); err != nil {
		return false, err
	}
	return true, nil
}

// GenerateDigest summarizes the persisted history of a session.
func (p *Publisher) GenerateDigest(ctx context.Context, sessionID string) (*types.Digest, error) {
	return summarizeHistory(ctx, p.history, sessionID)
}

func (p *Publisher) send(ctx context.Context, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	attempt := 0
	op := func() error {
		attempt++
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set("session_id", cmd.SessionID)
		msg.Metadata.Set("type", string(cmd.Type))
		msg.SetContext(ctx)
		return p.pub.Publish(p.topic, msg)
	}

	err = backoff.Retry(op, newPublishBackoff(ctx))
	if err != nil {
		p.log.Error().Err(err).Str("sessionID", cmd.SessionID).Str("type", string(cmd.Type)).
			Int("attempts", attempt).Msg("Failed to publish command")
		return err
	}
	p.log.Debug().Str("sessionID", cmd.SessionID).Str("type", string(cmd.Type)).Msg("Published command")
	return nil
}
