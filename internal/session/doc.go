/*
Package session is the per-session lifecycle state machine of the conductor.

A Machine owns one record per open session. Each record tracks the session's
status, the buffers of the turn that is streaming, the pending tool denials
and the context needed to retry or re-send the last message:

	idle ──send──▶ sending ──done──▶ reviewing ──viewed──▶ idle
	                 │  │
	                 │  └──done with unanswered question──▶ waiting_for_input
	                 └──error──▶ errored ──▶ reviewing

Agent events are applied through the Handle* methods. Commands (Send, Cancel,
Retry, ApproveDenials, AnswerBlocking) are validated against the current
status and fail with ErrTurnInFlight, ErrNotBlocked or ErrNothingToRetry when
they do not apply.

# Concurrency

All handlers run under a single mutex. Transition results are collected while
the lock is held and published on the Bus after it is released, in the order
they were produced. Backend calls, digest generation and reconciliation never
run under the lock; the latter two run as background tasks tracked by Wait.

# Terminal events

A terminal event (done, error, cancelled) first captures the streamed buffers
into an assistant message and only then clears them. Done moves the session to
waiting_for_input when a question or plan-approval tool is unanswered, except
that a plan approval alone yields to a non-empty queue. Cancelled either
restores the user's message to the draft (undo, or nothing streamed) or keeps
the partial reply flagged as cancelled.
*/
package session
