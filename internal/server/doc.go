// Package server exposes the session coordinator to the UI layer over HTTP.
//
// # API Endpoints
//
//	GET    /session                              list open sessions
//	POST   /session                              open a session {sessionID?, worktreeID?}
//	GET    /session/{id}                         session snapshot
//	DELETE /session/{id}                         close; queued messages are dropped
//	GET    /session/{id}/message                 cached conversation
//	POST   /session/{id}/message                 send now {text, attachments, params}
//	POST   /session/{id}/queue                   enqueue for later
//	GET    /session/{id}/queue                   queued messages in send order
//	POST   /session/{id}/abort                   request cancellation
//	POST   /session/{id}/retry                   re-send the last message
//	POST   /session/{id}/approve                 re-send with denied tools allowed
//	POST   /session/{id}/answer/{toolCallID}     answer a blocking tool {response}
//	POST   /session/{id}/view                    mark as the viewed session
//	GET    /session/{id}/draft                   compose-box draft
//	PUT    /session/{id}/draft                   update the draft {text}
//	GET    /event                                SSE stream, ?sessionID= to filter
//
// Sending returns 202 once the backend accepted the turn. The turn's output
// and every later state change arrive on /event.
//
// # Errors
//
// Errors use one envelope:
//
//	{"error": {"code": "CONFLICT", "message": "turn already in flight"}}
//
// Unknown sessions map to 404 NOT_FOUND. Commands that do not apply in the
// current state (turn in flight, nothing blocked, nothing to retry) map to
// 409 CONFLICT. A backend that rejects a turn maps to 502 BACKEND_ERROR.
//
// # Event Streaming
//
// Each SSE message carries {"type", "properties"} where type is an outbound
// bus event type such as session.status or message.optimistic. The first
// message is server.connected. A comment heartbeat is written every
// SSEHeartbeatInterval. Events for a client that falls too far behind are
// dropped and logged rather than blocking the state machine.
package server
