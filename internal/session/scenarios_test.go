package session

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/agentd/internal/event"
	"github.com/opencode-ai/agentd/internal/storage"
)

var _ = Describe("Session lifecycle scenarios", func() {
	var (
		rt    *fakeRuntime
		store *storage.SessionStore
		m     *Manager
		ctx   context.Context
	)

	// run sends one request and reads its turn to the end.
	run := func(requestID, sessionID string) *RequestSession {
		rs, id, err := m.HandleRequest(ctx, requestID, ptr(sessionID), userInput("hello from "+requestID), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(sessionID))

		s := NewStream(rs)
		defer s.Close()
		for {
			if _, ok := s.Next(ctx); !ok {
				break
			}
		}
		Expect(s.Drained()).To(BeTrue())
		return rs
	}

	BeforeEach(func() {
		ctx = context.Background()
		rt = &fakeRuntime{}
		dir, err := os.MkdirTemp("", "agentd-sessions-")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)
		store = storage.NewSessionStore(storage.Options{Enabled: true, Folder: dir})
	})

	AfterEach(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		Expect(m.Shutdown(shutdownCtx)).To(Succeed())
	})

	Describe("background session s1", func() {
		BeforeEach(func() {
			m = NewManager(rt, DefaultConfig(), WithStore(store), WithEventBus(event.NewBus()))
		})

		It("lets a later request see the trace persisted by an earlier one", func() {
			a := run("A", "s1")
			Eventually(a.Lease.Done()).Should(BeClosed())

			first, err := store.Load(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Trace).To(HaveLen(2))
			Expect(first.Trace[0].Content).To(Equal("hello from A"))

			b := run("B", "s1")
			Eventually(b.Lease.Done()).Should(BeClosed())

			second, err := store.Load(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Trace).To(HaveLen(4))
			Expect(second.Trace[:2]).To(Equal(first.Trace))
			Expect(second.CreatedAt).To(BeTemporally("==", first.CreatedAt))
			Expect(second.UpdatedAt).To(BeTemporally(">=", first.UpdatedAt))

			Expect(rt.starts.Load()).To(Equal(int32(1)))
			Expect(m.SessionCount()).To(Equal(1))
			Expect(rt.agent(0).terminates.Load()).To(BeZero())
		})

		It("restores the persisted trace when the session is created again", func() {
			a := run("A", "s1")
			Eventually(a.Lease.Done()).Should(BeClosed())

			s, ok := m.Session("s1")
			Expect(ok).To(BeTrue())
			Expect(rt.agent(0).Terminate(ctx)).To(Succeed())
			Eventually(s.Done()).Should(BeClosed())

			run("B", "s1")
			Expect(rt.starts.Load()).To(Equal(int32(2)))
			Expect(rt.lastInitial()).To(HaveLen(2))
		})
	})

	Describe("ephemeral session s2", func() {
		BeforeEach(func() {
			m = NewManager(rt, Config{Ephemeral: true}, WithStore(store), WithEventBus(event.NewBus()))
		})

		It("terminates the agent on release and removes the session", func() {
			rs := run("A", "s2")
			Expect(rs.Lease.Kind()).To(Equal(LeaseEphemeral))

			Eventually(rs.Lease.Done()).Should(BeClosed())
			Expect(rt.agent(0).terminates.Load()).To(Equal(int32(1)))
			Eventually(m.SessionCount).Should(BeZero())

			rec, err := store.Load(ctx, "s2")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Trace).To(HaveLen(2))
		})
	})

	Describe("capacity", func() {
		BeforeEach(func() {
			m = NewManager(rt, Config{MaxSessions: ptr(2)}, WithEventBus(event.NewBus()))
		})

		It("rejects the third distinct id and still serves the first two", func() {
			run("A", "one")
			run("B", "two")

			_, _, err := m.HandleRequest(ctx, "C", ptr("three"), userInput("hi"), nil)
			Expect(err).To(MatchError(ErrCapacityExceeded))

			run("D", "one")
			run("E", "two")
			Expect(m.SessionCount()).To(Equal(2))
		})
	})
})
