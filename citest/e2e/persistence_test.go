package e2e_test

import (
	"net/http"
	"time"

	"github.com/cloudwego/eino/schema"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/agentd/citest/testutil"
	"github.com/opencode-ai/agentd/internal/server"
)

var _ = Describe("Session Persistence", func() {
	var (
		folder string
		mock   *testutil.MockLLMServer
	)

	BeforeEach(func() {
		folder = GinkgoT().TempDir()
		mock = testutil.NewMockLLMServerWithConfig(mockConfig)
		DeferCleanup(mock.Close)
	})

	It("should restore a session after a restart", func() {
		first := startServer(testutil.WithMockLLM(mock), testutil.WithPersistence(folder))
		res := query(first.Client(), "", rememberPrompt)
		sid := res.SessionID
		Expect(first.Stop()).To(Succeed())

		second := startServer(testutil.WithMockLLM(mock), testutil.WithPersistence(folder))
		client := second.Client()

		rec, resp, err := client.GetRecord(ctx, sid)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(rec.Trace).To(HaveLen(2))
		Expect(rec.Trace[0].Role).To(Equal(schema.User))
		Expect(rec.Trace[1].Content).To(Equal("OK"))

		again := query(client, sid, recallPrompt)
		Expect(again.Text()).To(Equal("42"))
	})

	It("should restore ephemeral sessions from the store on every request", func() {
		ts := startServer(testutil.WithMockLLM(mock), testutil.WithPersistence(folder), testutil.WithEphemeral())
		client := ts.Client()

		res := query(client, "", rememberPrompt)
		Eventually(ts.Manager.SessionCount, 5*time.Second).Should(BeZero())

		again := query(client, res.SessionID, recallPrompt)
		Expect(again.Text()).To(Equal("42"))
		Eventually(ts.Manager.SessionCount, 5*time.Second).Should(BeZero())

		Eventually(func() int {
			rec, _, err := client.GetRecord(ctx, res.SessionID)
			if err != nil || rec == nil {
				return 0
			}
			return len(rec.Trace)
		}, 5*time.Second).Should(Equal(4))
	})

	It("should forget ephemeral sessions without persistence", func() {
		ts := startServer(testutil.WithMockLLM(mock), testutil.WithEphemeral())
		client := ts.Client()

		res := query(client, "", rememberPrompt)
		Eventually(ts.Manager.SessionCount, 5*time.Second).Should(BeZero())

		again := query(client, res.SessionID, recallPrompt)
		Expect(again.Text()).To(Equal("I don't know"))

		_, resp, err := client.GetRecord(ctx, res.SessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		Expect(resp.ErrorCode()).To(Equal(server.ErrCodePersistenceDisabled))
	})

	It("should delete a persisted record", func() {
		ts := startServer(testutil.WithMockLLM(mock), testutil.WithPersistence(folder))
		client := ts.Client()

		res := query(client, "", "hello")
		Eventually(func() int {
			_, resp, err := client.GetRecord(ctx, res.SessionID)
			if err != nil {
				return 0
			}
			return resp.StatusCode
		}, 5*time.Second).Should(Equal(http.StatusOK))

		resp, err := client.Delete(ctx, "/v1/sessions/"+res.SessionID+"/record")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.IsSuccess()).To(BeTrue())

		_, resp, err = client.GetRecord(ctx, res.SessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})
})
