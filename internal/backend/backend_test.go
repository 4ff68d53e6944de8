package backend

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/conductor/internal/event"
	"github.com/opencode-ai/conductor/pkg/types"
)

type memHistory struct {
	mu   sync.Mutex
	msgs map[string][]*types.Message
}

func newMemHistory() *memHistory {
	return &memHistory{msgs: make(map[string][]*types.Message)}
}

func (h *memHistory) Put(ctx context.Context, msg *types.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.msgs[msg.SessionID]
	for i := range list {
		if list[i].ID == msg.ID {
			list[i] = msg.Clone()
			return nil
		}
	}
	h.msgs[msg.SessionID] = append(list, msg.Clone())
	return nil
}

func (h *memHistory) List(ctx context.Context, sessionID string) ([]*types.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*types.Message, len(h.msgs[sessionID]))
	for i, m := range h.msgs[sessionID] {
		out[i] = m.Clone()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Created < out[j].Created })
	return out, nil
}

func newPubSub(t *testing.T) *gochannel.GoChannel {
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NopLogger{})
	t.Cleanup(func() { ps.Close() })
	return ps
}

// collect reads agent events from topic until a terminal event arrives.
func collect(t *testing.T, msgs <-chan *message.Message) []event.AgentEvent {
	t.Helper()
	var out []event.AgentEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-msgs:
			ev, err := event.Decode(m.Payload)
			require.NoError(t, err)
			m.Ack()
			out = append(out, ev)
			switch ev.Kind() {
			case event.KindDone, event.KindError, event.KindCancelled:
				return out
			}
		case <-timeout:
			t.Fatalf("timed out after %d events", len(out))
		}
	}
}

func kinds(evs []event.AgentEvent) []event.Kind {
	out := make([]event.Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind()
	}
	return out
}

func TestEcho_DefaultScriptEchoes(t *testing.T) {
	ps := newPubSub(t)
	msgs, err := ps.Subscribe(context.Background(), "events")
	require.NoError(t, err)

	hist := newMemHistory()
	echo := NewEcho(ps, "events", hist, nil)
	defer echo.Close()

	require.NoError(t, echo.IssueTurn(context.Background(), Turn{
		SessionID: "s1", TurnID: "t1", MessageID: "u1", WorktreeID: "w1", Message: "hello",
	}))

	evs := collect(t, msgs)
	assert.Equal(t, []event.Kind{event.KindChunk, event.KindDone}, kinds(evs))
	assert.Equal(t, "You said: hello", evs[0].(*event.Chunk).Text)
	assert.Equal(t, "w1", evs[1].(*event.Done).WorktreeID)

	persisted, err := hist.List(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, "u1", persisted[0].ID)
	assert.Equal(t, "You said: hello", persisted[1].Content)
}

func TestEcho_PersistsReplyUnderRequestedID(t *testing.T) {
	ps := newPubSub(t)
	msgs, err := ps.Subscribe(context.Background(), "events")
	require.NoError(t, err)

	hist := newMemHistory()
	echo := NewEcho(ps, "events", hist, nil)
	defer echo.Close()

	require.NoError(t, echo.IssueTurn(context.Background(), Turn{
		SessionID: "s1", TurnID: "t1", MessageID: "u1", ReplyID: "a1", Message: "hi",
	}))
	collect(t, msgs)

	persisted, err := hist.List(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, "a1", persisted[1].ID)
	assert.Equal(t, types.RoleAssistant, persisted[1].Role)
}

func TestEcho_ScriptedRule(t *testing.T) {
	script, err := ParseScript([]byte(`
rules:
  - match: "plan"
    steps:
      - {type: thinking, text: "considering"}
      - {type: tool_use, id: p1, name: ExitPlanMode, input: {plan: "do it"}}
      - {type: done}
  - match: "boom"
    steps:
      - {type: error, error: "rate limited"}
`))
	require.NoError(t, err)

	ps := newPubSub(t)
	msgs, err := ps.Subscribe(context.Background(), "events")
	require.NoError(t, err)
	echo := NewEcho(ps, "events", newMemHistory(), script)
	defer echo.Close()

	require.NoError(t, echo.IssueTurn(context.Background(), Turn{SessionID: "s1", Message: "make a plan"}))
	evs := collect(t, msgs)
	assert.Equal(t, []event.Kind{event.KindThinking, event.KindToolUse, event.KindDone}, kinds(evs))
	assert.Equal(t, "do it", evs[1].(*event.ToolUse).Input["plan"])

	require.NoError(t, echo.IssueTurn(context.Background(), Turn{SessionID: "s1", Message: "boom"}))
	evs = collect(t, msgs)
	assert.Equal(t, []event.Kind{event.KindError}, kinds(evs))
	assert.Equal(t, "rate limited", evs[0].(*event.Failed).Error)
}

func TestEcho_CancelRunningTurn(t *testing.T) {
	script, err := ParseScript([]byte(`
rules:
  - steps:
      - {type: chunk, text: "partial"}
      - {type: sleep, delay: 10s}
      - {type: chunk, text: "never"}
`))
	require.NoError(t, err)

	ps := newPubSub(t)
	msgs, err := ps.Subscribe(context.Background(), "events")
	require.NoError(t, err)
	hist := newMemHistory()
	echo := NewEcho(ps, "events", hist, script)
	defer echo.Close()

	require.NoError(t, echo.IssueTurn(context.Background(), Turn{SessionID: "s1", Message: "go"}))

	first := <-msgs
	first.Ack()

	err = echo.IssueTurn(context.Background(), Turn{SessionID: "s1", Message: "again"})
	assert.ErrorIs(t, err, ErrRejected)

	ok, err := echo.CancelTurn(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	evs := collect(t, msgs)
	require.Len(t, evs, 1)
	assert.False(t, evs[0].(*event.Cancelled).UndoSend)

	persisted, _ := hist.List(context.Background(), "s1")
	require.Len(t, persisted, 2)
	assert.True(t, persisted[1].Cancelled)

	ok, _ = echo.CancelTurn(context.Background(), "s1")
	assert.False(t, ok)
}

func TestParseScript_RejectsUntypedStep(t *testing.T) {
	_, err := ParseScript([]byte("rules:\n  - steps:\n      - {text: hi}\n"))
	assert.Error(t, err)
}

func TestPublisher_IssueAndCancel(t *testing.T) {
	ps := newPubSub(t)
	cmds, err := ps.Subscribe(context.Background(), "commands")
	require.NoError(t, err)

	p := NewPublisher(ps, "commands", nil)

	go func() {
		_ = p.IssueTurn(context.Background(), Turn{SessionID: "s1", Message: "hi", Params: types.RequestParams{Model: "m"}})
	}()

	m := <-cmds
	m.Ack()
	var cmd Command
	require.NoError(t, json.Unmarshal(m.Payload, &cmd))
	assert.Equal(t, CommandIssueTurn, cmd.Type)
	assert.Equal(t, "s1", m.Metadata.Get("session_id"))
	require.NotNil(t, cmd.Turn)
	assert.Equal(t, "m", cmd.Turn.Params.Model)

	go func() {
		_, _ = p.CancelTurn(context.Background(), "s1")
	}()
	m = <-cmds
	m.Ack()
	require.NoError(t, json.Unmarshal(m.Payload, &cmd))
	assert.Equal(t, CommandCancelTurn, cmd.Type)
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(topic string, msgs ...*message.Message) error {
	f.calls++
	return errors.New("broker down")
}

func (f *failingPublisher) Close() error { return nil }

func TestPublisher_RetriesThenRejects(t *testing.T) {
	fp := &failingPublisher{}
	p := NewPublisher(fp, "commands", nil)

	err := p.IssueTurn(context.Background(), Turn{SessionID: "s1"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, publishRetries+1, fp.calls)
}

func TestSummarize(t *testing.T) {
	_, err := Summarize("s1", nil, time.Now())
	assert.ErrorIs(t, err, ErrNothingToSummarize)

	d, err := Summarize("s1", []*types.Message{
		{Role: types.RoleUser, Content: "Fix the login bug\nmore detail"},
		{Role: types.RoleAssistant, Content: "Looking", ToolCalls: []types.ToolCall{{ID: "t1"}}},
		{Role: types.RoleUser, Content: "and tests"},
		{Role: types.RoleAssistant, Content: "Done,   all\ngreen"},
	}, time.UnixMilli(42))
	require.NoError(t, err)
	assert.Equal(t, "s1", d.SessionID)
	assert.Equal(t, "Fix the login bug", d.Title)
	assert.Equal(t, "Done, all green [1 tool calls]", d.Summary)
	assert.Equal(t, int64(42), d.Created)
}
