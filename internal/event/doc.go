/*
Package event defines the two event vocabularies of the conductor and the bus
that carries them.

# Inbound: agent events

The external agent process emits one stream of events multiplexed by session
id. Each event is a JSON object with a "type" tag and a "session_id":

	{"type":"chunk","session_id":"s1","text":"Hello"}
	{"type":"tool_use","session_id":"s1","id":"t1","name":"Read","input":{"path":"a.go"}}
	{"type":"done","session_id":"s1","worktree_id":"w1"}

Decode reads the header first and then the typed body. Tags this version
does not know decode to *Unknown so newer backends can add events without
breaking older coordinators. Payloads without a session id are rejected with
ErrMalformed.

# Outbound: transition results

The session state machine never calls UI code directly. It publishes typed
results on a Bus instead:

	unsubscribe := bus.Subscribe(event.SessionNotify, func(e event.Event) {
		data := e.Data.(event.NotificationData)
		playSound(data.Kind)
	})
	defer unsubscribe()

Publish delivers each event to every subscriber in its own goroutine.
PublishSync calls subscribers in the caller's goroutine; subscribers used with
PublishSync must return quickly and must not publish themselves.

# Transport

Bus.PubSub exposes the watermill GoChannel used as the in-process transport
for agent events and backend commands. Replacing it with another watermill
Publisher/Subscriber pair moves the agent process out of process without
touching the router.
*/
package event
