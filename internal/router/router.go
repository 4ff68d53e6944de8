// Package router demultiplexes the agent event stream by session and hands
// each event to the state machine.
package router

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/conductor/internal/event"
	"github.com/opencode-ai/conductor/internal/logging"
)

// Handler applies routed events. Handlers must not block; slow work is
// started in the background.
type Handler interface {
	HandleChunk(ev *event.Chunk)
	HandleToolUse(ev *event.ToolUse)
	HandleToolBlock(ev *event.ToolBlock)
	HandleThinking(ev *event.Thinking)
	HandleToolResult(ev *event.ToolResult)
	HandlePermissionDenied(ev *event.PermissionDenied)
	HandleDone(ev *event.Done, viewed bool)
	HandleError(ev *event.Failed, viewed bool)
	HandleCancelled(ev *event.Cancelled, viewed bool)
	HandleCompacted(ev *event.Compacted)
}

// ViewTracker records which session the user is looking at.
type ViewTracker struct {
	mu      sync.RWMutex
	viewing string
}

// SetViewing marks sessionID as the viewed session; "" means none.
func (v *ViewTracker) SetViewing(sessionID string) {
	v.mu.Lock()
	v.viewing = sessionID
	v.mu.Unlock()
}

// Viewing returns the viewed session.
func (v *ViewTracker) Viewing() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.viewing
}

// IsViewed reports whether sessionID is the viewed session.
func (v *ViewTracker) IsViewed(sessionID string) bool {
	return sessionID != "" && v.Viewing() == sessionID
}

// Router dispatches agent events by tag.
type Router struct {
	handler Handler
	views   *ViewTracker
	log     zerolog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a router. A nil tracker treats every session as unviewed.
func New(h Handler, views *ViewTracker) *Router {
	if views == nil {
		views = &ViewTracker{}
	}
	return &Router{
		handler: h,
		views:   views,
		log:     logging.Component("router"),
		ready:   make(chan struct{}),
	}
}

// Route hands ev to the handler for its tag. It reports false for events
// that were ignored.
func (r *Router) Route(ev event.AgentEvent) bool {
	if ev == nil || ev.Session() == "" {
		r.log.Warn().Msg("Dropping event without session")
		return false
	}

	switch e := ev.(type) {
	case *event.Chunk:
		r.handler.HandleChunk(e)
	case *event.ToolUse:
		r.handler.HandleToolUse(e)
	case *event.ToolBlock:
		r.handler.HandleToolBlock(e)
	case *event.Thinking:
		r.handler.HandleThinking(e)
	case *event.ToolResult:
		r.handler.HandleToolResult(e)
	case *event.PermissionDenied:
		r.handler.HandlePermissionDenied(e)
	case *event.Done:
		r.handler.HandleDone(e, r.views.IsViewed(e.SessionID))
	case *event.Failed:
		r.handler.HandleError(e, r.views.IsViewed(e.SessionID))
	case *event.Cancelled:
		r.handler.HandleCancelled(e, r.views.IsViewed(e.SessionID))
	case *event.Compacted:
		r.handler.HandleCompacted(e)
	default:
		r.log.Debug().Str("type", string(ev.Kind())).Str("sessionID", ev.Session()).Msg("Ignoring unknown event")
		return false
	}
	return true
}

// RouteRaw decodes and routes one wire payload. Malformed payloads are
// logged and dropped.
func (r *Router) RouteRaw(data []byte) bool {
	ev, err := event.Decode(data)
	if err != nil {
		r.log.Warn().Err(err).Msg("Dropping malformed event")
		return false
	}
	return r.Route(ev)
}

// Run subscribes to topic and routes every message until ctx is done or the
// subscription closes. Every message is acked, including malformed ones.
func (r *Router) Run(ctx context.Context, sub message.Subscriber, topic string) error {
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.log.Info().Str("topic", topic).Msg("Router subscribed")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("router: subscription closed")
			}
			r.RouteRaw(msg.Payload)
			msg.Ack()
		}
	}
}

// Ready is closed once Run has subscribed.
func (r *Router) Ready() <-chan struct{} {
	return r.ready
}
