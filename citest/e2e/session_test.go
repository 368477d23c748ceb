package e2e_test

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/agentd/citest/testutil"
	"github.com/opencode-ai/agentd/internal/server"
)

const (
	rememberPrompt = "Please remember the number 42"
	recallPrompt   = "What number did I ask you to remember?"
	storyPrompt    = "Tell me a long story"
)

// waitForDelta reads qs until the first streamed delta.
func waitForDelta(qs *testutil.QueryStream) {
	GinkgoHelper()
	for {
		evt, ok := qs.Next(5 * time.Second)
		Expect(ok).To(BeTrue(), "stream ended before the first delta")
		if evt.Type == "agent.delta" {
			return
		}
	}
}

// drain reads qs to the end and returns its events.
func drain(qs *testutil.QueryStream) []testutil.SSEEvent {
	GinkgoHelper()
	var events []testutil.SSEEvent
	for {
		evt, ok := qs.Next(15 * time.Second)
		if !ok {
			return events
		}
		events = append(events, evt)
	}
}

var _ = Describe("Session Workflows", func() {
	var (
		ts     *testutil.TestServer
		client *testutil.TestClient
	)

	Describe("Conversation memory", func() {
		BeforeEach(func() {
			ts = startServer()
			client = ts.Client()
		})

		It("should assign a UUID session id when none is given", func() {
			res := query(client, "", "hello, world")
			Expect(res.StatusCode).To(Equal(http.StatusOK))
			_, err := uuid.Parse(res.SessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Text()).To(Equal("Hello, World!"))

			completed, ok := res.Completed()
			Expect(ok).To(BeTrue())
			Expect(completed.Data.Success).To(BeTrue())
		})

		It("should keep the conversation across requests on one session", func() {
			first := query(client, "", rememberPrompt)
			Expect(first.Text()).To(Equal("OK"))

			second := query(client, first.SessionID, recallPrompt)
			Expect(second.SessionID).To(Equal(first.SessionID))
			Expect(second.Text()).To(Equal("42"))

			last, ok := ts.MockLLM.LastRequest()
			Expect(ok).To(BeTrue())
			Expect(last.UserMessages()).To(Equal([]string{rememberPrompt, recallPrompt}))

			sessions, err := client.ListSessions(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sessions.Count).To(Equal(1))
			Expect(sessions.Sessions[0].ID).To(Equal(first.SessionID))
		})

		It("should keep separate sessions isolated", func() {
			a := query(client, "", rememberPrompt)
			b := query(client, "", recallPrompt)
			Expect(b.SessionID).NotTo(Equal(a.SessionID))
			Expect(b.Text()).To(Equal("I don't know"))
		})

		It("should serve chat completions on a session", func() {
			sid := uuid.NewString()
			out, resp, err := client.ChatCompletion(ctx, server.ChatCompletionRequest{
				Messages:  []server.Message{{Role: "user", Content: rememberPrompt}},
				SessionID: &sid,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(out.SessionID).To(Equal(sid))

			out, _, err = client.ChatCompletion(ctx, server.ChatCompletionRequest{
				Messages: []server.Message{{Role: "user", Content: recallPrompt}},
			}, testutil.WithSessionID(sid))
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Choices).To(HaveLen(1))
			Expect(out.Choices[0].Message.Content).To(Equal("42"))
			Expect(*out.Choices[0].FinishReason).To(Equal("stop"))
		})
	})

	Describe("Request serialization", func() {
		BeforeEach(func() {
			ts = startServer()
			client = ts.Client()
		})

		It("should run requests on one session one at a time", func() {
			sid := uuid.NewString()
			slow, err := client.OpenQuery(ctx, server.QueryRequest{
				SessionID: &sid,
				Messages:  []server.Message{{Content: storyPrompt}},
			})
			Expect(err).NotTo(HaveOccurred())
			defer slow.Close()
			waitForDelta(slow)

			done := make(chan *testutil.QueryResult, 1)
			go func() {
				defer GinkgoRecover()
				done <- query(client, sid, "hello")
			}()

			Consistently(done, 500*time.Millisecond).ShouldNot(Receive())
			Expect(ts.MockLLM.GetRequests()).To(HaveLen(1))

			resp, err := client.CancelSession(ctx, sid)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			events := drain(slow)
			Expect(events).NotTo(BeEmpty())
			last, err := events[len(events)-1].Agent()
			Expect(err).NotTo(HaveOccurred())
			Expect(last.Type).To(Equal("agent.completed"))
			Expect(last.Data.Success).To(BeFalse())

			var second *testutil.QueryResult
			Eventually(done, 15*time.Second).Should(Receive(&second))
			Expect(second.Text()).To(Equal("Hello! How can I help you today?"))

			// The second turn sees the interrupted one in its history.
			lastReq, ok := ts.MockLLM.LastRequest()
			Expect(ok).To(BeTrue())
			Expect(lastReq.UserMessages()).To(Equal([]string{storyPrompt, "hello"}))
		})

		It("should cancel the turn when the client disconnects", func() {
			sid := uuid.NewString()
			slow, err := client.OpenQuery(ctx, server.QueryRequest{
				SessionID: &sid,
				Messages:  []server.Message{{Content: storyPrompt}},
			})
			Expect(err).NotTo(HaveOccurred())
			waitForDelta(slow)
			slow.Close()

			Eventually(ts.MockLLM.Interrupted, 10*time.Second).Should(BeNumerically(">=", 1))
			Eventually(func() bool {
				sessions, err := client.ListSessions(ctx)
				if err != nil || sessions.Count != 1 {
					return true
				}
				return sessions.Sessions[0].Busy
			}, 10*time.Second).Should(BeFalse())

			res := query(client, sid, "hello, world")
			Expect(res.Text()).To(Equal("Hello, World!"))
		})
	})

	Describe("Capacity and admission", func() {
		BeforeEach(func() {
			ts = startServer(testutil.WithMaxSessions(1))
			client = ts.Client()
		})

		It("should reject new sessions beyond the limit", func() {
			first := query(client, "", "hello")

			res, err := client.Query(ctx, "", "hello")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.StatusCode).To(Equal(http.StatusTooManyRequests))
			Expect(res.Error.ErrorCode()).To(Equal(server.ErrCodeCapacityExceeded))

			// The existing session keeps working.
			again := query(client, first.SessionID, "2+2")
			Expect(again.Text()).To(Equal("4"))
		})

		It("should reject new sessions while creation is disabled", func() {
			first := query(client, "", "hello")

			resp, err := client.SetCreation(ctx, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())

			sessions, err := client.ListSessions(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sessions.AllowCreation).To(BeFalse())

			res, err := client.Query(ctx, uuid.NewString(), "hello")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.StatusCode).To(Equal(http.StatusForbidden))
			Expect(res.Error.ErrorCode()).To(Equal(server.ErrCodeSessionCreationDisabled))

			again := query(client, first.SessionID, "hello, world")
			Expect(again.Text()).To(Equal("Hello, World!"))
		})
	})

	Describe("Lifecycle feed", func() {
		BeforeEach(func() {
			ts = startServer()
			client = ts.Client()
		})

		It("should announce session creation and leases", func() {
			feed := testutil.NewSSEClient(ts.BaseURL)
			Expect(feed.Connect(ctx, "/v1/events")).To(Succeed())
			defer feed.Close()

			_, err := feed.WaitForEvent("server.connected", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())

			res := query(client, "", "hello")

			// Feed order across events is not guaranteed.
			seen := func() []string {
				var types []string
				for _, e := range feed.Events() {
					if strings.Contains(string(e.Data), res.SessionID) {
						types = append(types, e.Type)
					}
				}
				return types
			}
			Eventually(seen, 5*time.Second).Should(ContainElements("session.created", "lease.acquired", "lease.released"))
		})
	})
})
