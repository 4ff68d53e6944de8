package session_test

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/conductor/internal/backend"
	"github.com/opencode-ai/conductor/internal/cache"
	"github.com/opencode-ai/conductor/internal/event"
	"github.com/opencode-ai/conductor/internal/queue"
	"github.com/opencode-ai/conductor/internal/session"
	"github.com/opencode-ai/conductor/internal/session/sessiontest"
	"github.com/opencode-ai/conductor/pkg/types"
)

var _ = Describe("Session lifecycle", func() {
	var (
		ctx        context.Context
		be         *sessiontest.Backend
		bus        *sessiontest.Bus
		drafts     *sessiontest.Drafts
		q          *queue.Queue
		c          *cache.Cache
		answers    *session.Answers
		m          *session.Machine
		dispatcher *queue.Dispatcher
	)

	status := func(id string) types.Status {
		v, err := m.View(id)
		Expect(err).NotTo(HaveOccurred())
		return v.Status
	}

	BeforeEach(func() {
		ctx = context.Background()
		be = &sessiontest.Backend{}
		bus = &sessiontest.Bus{}
		drafts = &sessiontest.Drafts{}
		q = queue.New()
		c = cache.New(nil)
		answers = session.NewAnswers()
		m = session.New(session.Options{
			Backend:  be,
			Cache:    c,
			Queue:    q,
			Drafts:   drafts,
			Bus:      bus,
			Answers:  answers,
			Render:   queue.RenderMessage,
			Settings: session.DefaultSettings(),
		})
		dispatcher = queue.NewDispatcher(q, m)

		_, err := m.Open(ctx, "s1", "w1")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		dispatcher.Wait()
		m.Shutdown()
	})

	Describe("at most one turn in flight", func() {
		It("does not dequeue again while a send is settling", func() {
			gate := make(chan struct{})
			be.Gate = gate
			q.Enqueue("s1", types.QueuedMessage{Text: "one"})
			q.Enqueue("s1", types.QueuedMessage{Text: "two"})

			Expect(dispatcher.Tick(ctx)).To(Equal(1))
			Eventually(func() bool { return dispatcher.Processing("s1") }).Should(BeTrue())

			// Overlapping eligibility triggers before the first send settles.
			Expect(dispatcher.Tick(ctx)).To(Equal(0))
			Expect(dispatcher.Tick(ctx)).To(Equal(0))
			Expect(q.Len("s1")).To(Equal(1))

			close(gate)
			dispatcher.Wait()
			Expect(dispatcher.Processing("s1")).To(BeFalse())
			Expect(be.TurnMessages()).To(Equal([]string{"one"}))

			// Sending keeps the session ineligible until the turn ends.
			Expect(dispatcher.Tick(ctx)).To(Equal(0))
			m.HandleDone(event.NewDone("s1", ""), true)
			Expect(dispatcher.Tick(ctx)).To(Equal(1))
			dispatcher.Wait()
			Expect(be.TurnMessages()).To(Equal([]string{"one", "two"}))
		})

		It("runs independent sessions in parallel", func() {
			_, err := m.Open(ctx, "s2", "w2")
			Expect(err).NotTo(HaveOccurred())
			q.Enqueue("s1", types.QueuedMessage{Text: "a"})
			q.Enqueue("s2", types.QueuedMessage{Text: "b"})

			Expect(dispatcher.Tick(ctx)).To(Equal(2))
			dispatcher.Wait()
			Expect(be.TurnMessages()).To(ConsistOf("a", "b"))
		})
	})

	Describe("terminal events capture buffers before clearing", func() {
		It("builds the assistant message from the exact pre-clear state", func() {
			Expect(m.Send(ctx, "s1", types.QueuedMessage{Text: "go"})).To(Succeed())
			m.HandleChunk(event.NewChunk("s1", "text "))
			m.HandleToolUse(event.NewToolUse("s1", "t1", "Bash", map[string]any{"cmd": "ls"}, ""))
			m.HandleToolResult(event.NewToolResult("s1", "t1", "a.go"))
			m.HandleChunk(event.NewChunk("s1", "more"))

			before, err := m.View("s1")
			Expect(err).NotTo(HaveOccurred())

			m.HandleDone(event.NewDone("s1", ""), true)

			msgs := c.Messages("s1")
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[1].Content).To(Equal(before.StreamingText))
			Expect(msgs[1].ContentBlocks).To(Equal(before.ContentBlocks))
			Expect(msgs[1].ToolCalls).To(Equal(before.ToolCalls))

			after, _ := m.View("s1")
			Expect(after.StreamingText).To(BeEmpty())
			Expect(after.ToolCalls).To(BeEmpty())
		})
	})

	DescribeTable("blocking-tool detection on done",
		func(tools []string, answered []string, want types.Status) {
			Expect(m.Send(ctx, "s1", types.QueuedMessage{Text: "go"})).To(Succeed())
			for i, name := range tools {
				m.HandleToolUse(event.NewToolUse("s1", fmt.Sprintf("t%d", i), name, nil, ""))
			}
			for _, id := range answered {
				answers.Record(id, "ok")
			}
			m.HandleDone(event.NewDone("s1", ""), true)
			Expect(status("s1")).To(Equal(want))
		},
		Entry("no tools", nil, nil, types.StatusReviewing),
		Entry("ordinary tools only", []string{"Bash", "Edit"}, nil, types.StatusReviewing),
		Entry("unanswered question", []string{"Bash", session.DefaultQuestionTool}, nil, types.StatusWaitingForInput),
		Entry("unanswered plan exit", []string{session.DefaultExitPlanTool}, nil, types.StatusWaitingForInput),
		Entry("answered question", []string{session.DefaultQuestionTool}, []string{"t0"}, types.StatusReviewing),
		Entry("one of two answered", []string{session.DefaultQuestionTool, session.DefaultQuestionTool}, []string{"t1"}, types.StatusWaitingForInput),
		Entry("all answered", []string{session.DefaultExitPlanTool, session.DefaultQuestionTool}, []string{"t0", "t1"}, types.StatusReviewing),
	)

	Describe("queued messages take priority over plan approval", func() {
		It("sends the next queued message instead of waiting", func() {
			Expect(m.Send(ctx, "s1", types.QueuedMessage{Text: "make a plan"})).To(Succeed())
			m.HandleToolUse(event.NewToolUse("s1", "p1", session.DefaultExitPlanTool, nil, ""))
			q.Enqueue("s1", types.QueuedMessage{Text: "actually, do X"})

			m.HandleDone(event.NewDone("s1", ""), false)
			Expect(status("s1")).NotTo(Equal(types.StatusWaitingForInput))

			Expect(dispatcher.Tick(ctx)).To(Equal(1))
			dispatcher.Wait()
			Expect(be.LastTurn().Message).To(Equal("actually, do X"))
			Expect(status("s1")).To(Equal(types.StatusSending))
		})

		It("still waits when a question is also unanswered", func() {
			Expect(m.Send(ctx, "s1", types.QueuedMessage{Text: "go"})).To(Succeed())
			m.HandleToolUse(event.NewToolUse("s1", "p1", session.DefaultExitPlanTool, nil, ""))
			m.HandleToolUse(event.NewToolUse("s1", "q1", session.DefaultQuestionTool, nil, ""))
			q.Enqueue("s1", types.QueuedMessage{Text: "later"})

			m.HandleDone(event.NewDone("s1", ""), false)
			Expect(status("s1")).To(Equal(types.StatusWaitingForInput))
			Expect(dispatcher.Tick(ctx)).To(Equal(0))
		})
	})

	Describe("cancellation", func() {
		BeforeEach(func() {
			Expect(m.Send(ctx, "s1", types.QueuedMessage{Text: "original"})).To(Succeed())
			m.HandleChunk(event.NewChunk("s1", "partial answer"))
		})

		It("restores the message when the send is undone", func() {
			m.HandleCancelled(event.NewCancelled("s1", true), false)

			Expect(c.Messages("s1")).To(BeEmpty())
			Expect(drafts.Get("s1")).To(Equal("original"))
			Expect(status("s1")).To(Equal(types.StatusIdle))
		})

		It("preserves partial output flagged cancelled", func() {
			m.HandleCancelled(event.NewCancelled("s1", false), false)

			msgs := c.Messages("s1")
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[1].Cancelled).To(BeTrue())
			Expect(msgs[1].Content).To(Equal("partial answer"))
			Expect(status("s1")).To(Equal(types.StatusReviewing))
			Expect(drafts.Get("s1")).To(BeEmpty())
		})
	})

	Describe("digest edge trigger", func() {
		It("fires once per unviewed turn entering review", func() {
			for i := 0; i < 3; i++ {
				Expect(m.Send(ctx, "s1", types.QueuedMessage{Text: "go"})).To(Succeed())
				m.HandleChunk(event.NewChunk("s1", "out"))
				m.HandleDone(event.NewDone("s1", ""), false)
				// A duplicate terminal event is stale and ignored.
				m.HandleDone(event.NewDone("s1", ""), false)
				m.Wait()
			}
			Expect(be.DigestCalls()).To(Equal(3))
			Expect(bus.Of(event.SessionNotify)).To(HaveLen(3))
		})
	})

	Describe("FIFO dispatch", func() {
		It("sends queued messages one at a time in order", func() {
			texts := []string{"m1", "m2", "m3", "m4", "m5"}
			for _, t := range texts {
				q.Enqueue("s1", types.QueuedMessage{Text: t})
			}

			for range texts {
				Expect(dispatcher.Tick(ctx)).To(Equal(1))
				dispatcher.Wait()
				// Re-evaluating with no new events dispatches nothing.
				Expect(dispatcher.Tick(ctx)).To(Equal(0))
				m.HandleDone(event.NewDone("s1", ""), true)
			}

			Expect(be.TurnMessages()).To(Equal(texts))
			Expect(q.Len("s1")).To(Equal(0))
		})

		It("keeps messages queued while the workspace is unresolved", func() {
			_, err := m.Open(ctx, "bare", "")
			Expect(err).NotTo(HaveOccurred())
			q.Enqueue("bare", types.QueuedMessage{Text: "wait for me"})

			Expect(dispatcher.Tick(ctx)).To(Equal(0))
			Expect(q.Len("bare")).To(Equal(1))

			_, err = m.Open(ctx, "bare", "w-late")
			Expect(err).NotTo(HaveOccurred())
			Expect(dispatcher.Tick(ctx)).To(Equal(1))
			dispatcher.Wait()
			Expect(be.LastTurn().Message).To(Equal("wait for me"))
		})

		It("renders attachments into the outgoing text", func() {
			q.Enqueue("s1", types.QueuedMessage{
				Text:        "review this",
				Attachments: []types.Attachment{{Kind: types.AttachFile, Path: "main.go"}},
			})
			Expect(dispatcher.Tick(ctx)).To(Equal(1))
			dispatcher.Wait()

			Expect(be.LastTurn().Message).To(ContainSubstring("main.go"))
			Expect(c.Messages("s1")[0].Content).To(Equal("review this"))
		})
	})

	Describe("failed queued sends", func() {
		BeforeEach(func() {
			drafts.Set("s1", "still typing")
			q.Enqueue("s1", types.QueuedMessage{Text: "from the queue"})
		})

		kept := func() *types.Message {
			msgs := c.Messages("s1")
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].Content).To(Equal("from the queue"))
			return msgs[0]
		}

		It("keeps a rejected message in the conversation when the compose box is occupied", func() {
			be.SetReject(backend.ErrRejected)

			Expect(dispatcher.Tick(ctx)).To(Equal(1))
			dispatcher.Wait()

			Expect(kept().Error).To(ContainSubstring("turn rejected"))
			Expect(drafts.Get("s1")).To(Equal("still typing"))
			Expect(q.Len("s1")).To(Equal(0))
			Expect(status("s1")).To(Equal(types.StatusIdle))
			Expect(bus.Of(event.MessageRemoved)).To(BeEmpty())
		})

		It("keeps a failed turn's message when the compose box is occupied", func() {
			Expect(dispatcher.Tick(ctx)).To(Equal(1))
			dispatcher.Wait()
			Expect(status("s1")).To(Equal(types.StatusSending))

			m.HandleError(event.NewFailed("s1", "overloaded"), false)

			Expect(kept().Error).To(Equal("overloaded"))
			Expect(drafts.Get("s1")).To(Equal("still typing"))
			Expect(status("s1")).To(Equal(types.StatusReviewing))
		})
	})

	Describe("closing a session", func() {
		It("drops its queued messages", func() {
			q.Enqueue("s1", types.QueuedMessage{Text: "x"})
			q.Enqueue("s1", types.QueuedMessage{Text: "y"})

			Expect(m.Close("s1")).To(Succeed())
			Expect(q.Len("s1")).To(Equal(0))
			Expect(dispatcher.Tick(ctx)).To(Equal(0))
			Expect(be.TurnCount()).To(Equal(0))
		})
	})
})
