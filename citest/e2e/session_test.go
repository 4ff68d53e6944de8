package e2e_test

import (
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/conductor/citest/testutil"
	"github.com/opencode-ai/conductor/pkg/types"
)

const turnTimeout = 5 * time.Second

var sessionSeq atomic.Int32

func assistantReplies(sessionID string) func() []string {
	return func() []string {
		msgs, err := client.GetMessages(ctx, sessionID)
		if err != nil {
			return nil
		}
		var out []string
		for _, m := range msgs {
			if m.Role == types.RoleAssistant {
				out = append(out, m.Content)
			}
		}
		return out
	}
}

var _ = Describe("Session Workflows", func() {
	var (
		sessionID string
		events    *testutil.SSEClient
	)

	BeforeEach(func() {
		sessionID = fmt.Sprintf("e2e-%d", GinkgoParallelProcess()*1000+int(sessionSeq.Add(1)))
		_, err := client.OpenSession(ctx, sessionID, "wt-"+sessionID)
		Expect(err).NotTo(HaveOccurred())

		events = testServer.SSEClient()
		Expect(events.Connect(ctx, "/event?sessionID="+sessionID)).To(Succeed())
	})

	AfterEach(func() {
		events.Close()
		Expect(client.CloseSession(ctx, sessionID)).To(Succeed())
	})

	It("completes a turn and stores the reply", func() {
		Expect(client.SendMessage(ctx, sessionID, "hello there")).To(Succeed())

		Expect(events.WaitForStatus(sessionID, "sending", turnTimeout)).To(Succeed())
		Expect(events.WaitForStatus(sessionID, "reviewing", turnTimeout)).To(Succeed())

		view, err := client.GetSession(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(view.Status).To(Equal(types.StatusReviewing))
		Expect(view.ReviewPending).To(BeTrue())

		Eventually(assistantReplies(sessionID), turnTimeout).Should(ContainElement("You said: hello there"))
	})

	It("clears the review flag when viewed", func() {
		Expect(client.SendMessage(ctx, sessionID, "look at this")).To(Succeed())
		Expect(events.WaitForStatus(sessionID, "reviewing", turnTimeout)).To(Succeed())

		Expect(client.View(ctx, sessionID)).To(Succeed())

		view, err := client.GetSession(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(view.ReviewPending).To(BeFalse())
	})

	It("dispatches queued messages after the running turn", func() {
		Expect(client.SendMessage(ctx, sessionID, "slow work")).To(Succeed())
		Expect(events.WaitForStatus(sessionID, "sending", turnTimeout)).To(Succeed())

		queued, err := client.Enqueue(ctx, sessionID, "next up")
		Expect(err).NotTo(HaveOccurred())
		Expect(queued.ID).NotTo(BeEmpty())

		items, err := client.GetQueue(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(HaveLen(1))

		Eventually(assistantReplies(sessionID), 2*turnTimeout).Should(ContainElements(
			"finally: slow work",
			"You said: next up",
		))
		Eventually(func() int {
			items, _ := client.GetQueue(ctx, sessionID)
			return len(items)
		}, turnTimeout).Should(BeZero())
	})

	It("waits for an answer to a blocking question", func() {
		Expect(client.SendMessage(ctx, sessionID, "ask me something")).To(Succeed())
		Expect(events.WaitForStatus(sessionID, "waiting_for_input", turnTimeout)).To(Succeed())

		view, err := client.GetSession(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(view.ToolCalls).To(ContainElement(HaveField("ID", "q1")))

		Expect(client.Answer(ctx, sessionID, "q1", "main.go")).To(Succeed())
		Expect(events.WaitForStatus(sessionID, "reviewing", turnTimeout)).To(Succeed())
		Eventually(assistantReplies(sessionID), turnTimeout).Should(ContainElement("You said: main.go"))
	})

	It("restores the draft when a turn fails", func() {
		Expect(client.SendMessage(ctx, sessionID, "please fail")).To(Succeed())

		_, err := events.WaitForEvent("session.error", turnTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(events.WaitForStatus(sessionID, "reviewing", turnTimeout)).To(Succeed())

		view, err := client.GetSession(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(view.LastError).To(Equal("model overloaded"))

		draft, err := client.GetDraft(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(draft).To(Equal("please fail"))
	})
})

var _ = Describe("Unknown sessions", func() {
	It("are reported as not found", func() {
		err := client.SendMessage(ctx, "never-opened", "hi")
		var apiErr *testutil.APIError
		Expect(errors.As(err, &apiErr)).To(BeTrue())
		Expect(apiErr.StatusCode).To(Equal(http.StatusNotFound))
		Expect(apiErr.Code).To(Equal("NOT_FOUND"))
	})
})
