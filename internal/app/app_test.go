package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/conductor/internal/backend"
	"github.com/opencode-ai/conductor/internal/config"
	"github.com/opencode-ai/conductor/internal/event"
	"github.com/opencode-ai/conductor/pkg/types"
)

func startEcho(t *testing.T) *App {
	t.Helper()

	a, err := New(Options{
		Config:      &config.Config{},
		StoragePath: t.TempDir(),
		Echo:        true,
		EchoScript:  backend.DefaultScript(),
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func statusChanges(a *App) (<-chan event.TransitionData, func()) {
	ch := make(chan event.TransitionData, 32)
	unsub := a.Bus.Subscribe(event.SessionStatus, func(e event.Event) {
		ch <- e.Data.(event.TransitionData)
	})
	return ch, unsub
}

func waitFor(t *testing.T, ch <-chan event.TransitionData, sessionID string, to types.Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case tr := <-ch:
			if tr.SessionID == sessionID && tr.To == to {
				return
			}
		case <-deadline:
			t.Fatalf("session %s never reached %s", sessionID, to)
		}
	}
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Options{StoragePath: t.TempDir()})
	assert.Error(t, err)
}

func TestEchoTurnReachesReviewing(t *testing.T) {
	a := startEcho(t)
	changes, unsub := statusChanges(a)
	defer unsub()

	ctx := context.Background()
	_, err := a.Machine.Open(ctx, "s1", "w1")
	require.NoError(t, err)

	require.NoError(t, a.Machine.Send(ctx, "s1", types.QueuedMessage{Text: "hello"}))
	waitFor(t, changes, "s1", types.StatusReviewing)

	view, err := a.Machine.View("s1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReviewing, view.Status)

	require.Eventually(t, func() bool {
		msgs, err := a.Messages.List(ctx, "s1")
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Role == types.RoleAssistant && strings.Contains(m.Content, "You said: hello") {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	// The cached reply is confirmed under the id it was persisted with.
	require.Eventually(t, func() bool {
		cached := a.Cache.Messages("s1")
		return len(cached) == 2 && !cached[1].Optimistic
	}, 5*time.Second, 20*time.Millisecond)
	reply := a.Cache.Messages("s1")[1]
	persisted, err := a.Messages.Get(ctx, "s1", reply.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RoleAssistant, persisted.Role)
	assert.Equal(t, persisted.Content, reply.Content)
}

func TestQueuedMessageIsDispatched(t *testing.T) {
	a := startEcho(t)
	changes, unsub := statusChanges(a)
	defer unsub()

	var lengths []int
	a.Bus.Subscribe(event.QueueChanged, func(e event.Event) {
		lengths = append(lengths, e.Data.(event.QueueData).Length)
	})

	ctx := context.Background()
	_, err := a.Machine.Open(ctx, "s1", "w1")
	require.NoError(t, err)

	a.Queue.Enqueue("s1", types.QueuedMessage{Text: "from the queue"})
	a.Dispatcher.Kick()

	waitFor(t, changes, "s1", types.StatusReviewing)
	assert.Equal(t, 0, a.Queue.Len("s1"))
	a.Dispatcher.Wait()
	assert.Equal(t, []int{1, 0}, lengths)
}

func TestCloseFlushesDrafts(t *testing.T) {
	dir := t.TempDir()
	a, err := New(Options{
		Config:      &config.Config{Draft: &config.DraftConfig{Debounce: 60000}},
		StoragePath: dir,
		Echo:        true,
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	a.Drafts.Set("s1", "half a thought")
	assert.Equal(t, 1, a.Drafts.Pending())
	require.NoError(t, a.Close())

	b, err := New(Options{Config: &config.Config{}, StoragePath: dir, Echo: true})
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Drafts.Load(context.Background(), "s1"))
	assert.Equal(t, "half a thought", b.Drafts.Get("s1"))
}
