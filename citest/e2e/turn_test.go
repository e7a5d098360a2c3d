package e2e_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/telnet2/go-practice/agentstream/internal/chat"
	"github.com/telnet2/go-practice/agentstream/internal/event"
	"github.com/telnet2/go-practice/agentstream/internal/protocol"
	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

func send(s *stack, sessionID, text string) *chat.Turn {
	turn, err := s.sender.Send(context.Background(), sessionID, text, types.SendOptions{AgentMode: types.AgentModeFast})
	Expect(err).NotTo(HaveOccurred())
	Eventually(turn.Done()).WithTimeout(5 * time.Second).Should(BeClosed())
	return turn
}

func noPending(msgs []types.Message) bool {
	for _, m := range msgs {
		if types.IsPending(m) {
			return false
		}
	}
	return true
}

var _ = Describe("Streaming turns", func() {
	for _, format := range []string{"sse", "ndjson"} {
		Context("over "+format, func() {
			var s *stack

			BeforeEach(func() {
				s = newStack(0, format)
			})

			It("completes a turn and reconciles the session", func() {
				turn := send(s, "", "What is the remote work policy?")
				Expect(turn.Outcome()).To(Equal(chat.OutcomeCompleted))
				sessionID := turn.SessionID()
				Expect(sessionID).To(HavePrefix("ses_"))

				_, live := turn.LiveTrace()
				Expect(live).To(BeFalse(), "live trace is discarded after the response")

				snap := s.messages.Snapshot(sessionID)
				Expect(snap.Messages).To(HaveLen(2))
				Expect(noPending(snap.Messages)).To(BeTrue())

				user, ok := snap.Messages[0].(*types.ConfirmedMessage)
				Expect(ok).To(BeTrue())
				Expect(user.Role).To(Equal(types.RoleUser))
				assistant, ok := snap.Messages[1].(*types.ConfirmedMessage)
				Expect(ok).To(BeTrue())
				Expect(assistant.Role).To(Equal(types.RoleAssistant))
				Expect(assistant.Stats).NotTo(BeNil())
				Expect(assistant.Stats.TotalTokens).To(Equal(40))
				Expect(assistant.Stats.OrchestratorTokens).To(Equal(25))

				By("resolving known sources to documents")
				Expect(assistant.Sources).To(HaveLen(2))
				Expect(assistant.Sources[0].DocumentID).To(Equal("doc-handbook"))
				Expect(assistant.Sources[1].DocumentID).To(BeEmpty())

				By("matching the ids the backend stored")
				history, err := s.sessions.Messages(context.Background(), sessionID)
				Expect(err).NotTo(HaveOccurred())
				Expect(history).To(HaveLen(2))
				Expect(history[0].MessageID()).To(Equal(user.ID))
				Expect(history[1].MessageID()).To(Equal(assistant.ID))

				Expect(s.types()).To(ContainElements(event.TurnStarted, event.TurnCompleted))
				Expect(s.count(event.TraceUpdated)).To(Equal(4), "start, two orchestrator steps and one worker step")
				Expect(s.sender.Banner(sessionID)).To(BeEmpty())
			})

			It("surfaces an abrupt close as an error and rolls back", func() {
				sess, _, err := s.sessions.Ensure(context.Background(), "", "t")
				Expect(err).NotTo(HaveOccurred())

				turn := send(s, sess.ID, "please close early")
				Expect(turn.Outcome()).To(Equal(chat.OutcomeFailed))
				Expect(turn.Err()).To(Equal(protocol.MsgConnectionClosed))
				Expect(s.sender.Banner(sess.ID)).NotTo(BeEmpty())
				Expect(s.messages.Snapshot(sess.ID).Messages).To(BeEmpty())
				Expect(s.count(event.TurnCompleted)).To(BeZero())
			})

			It("keeps the history intact when a later turn fails", func() {
				first := send(s, "", "hello")
				Expect(first.Outcome()).To(Equal(chat.OutcomeCompleted))
				id := first.SessionID()
				before := s.messages.Snapshot(id).Messages

				second := send(s, id, "this will fail")
				Expect(second.Outcome()).To(Equal(chat.OutcomeFailed))
				Expect(second.Err()).To(Equal("The agent could not complete the request."))
				Expect(s.messages.Snapshot(id).Messages).To(Equal(before))
				Expect(s.sender.Banner(id)).To(Equal("The agent could not complete the request."))

				s.sender.DismissError(id)
				Expect(s.sender.Banner(id)).To(BeEmpty())

				third := send(s, id, "hello again")
				Expect(third.Outcome()).To(Equal(chat.OutcomeCompleted))
				Expect(s.messages.Snapshot(id).Messages).To(HaveLen(4))
			})

			It("reports a rejected stream request", func() {
				turn := send(s, "", "is it unavailable?")
				Expect(turn.Outcome()).To(Equal(chat.OutcomeFailed))
				Expect(turn.Err()).To(ContainSubstring("503"))
				Expect(turn.Err()).To(ContainSubstring("agent is unavailable"))
				Expect(s.messages.Snapshot(turn.SessionID()).Messages).To(BeEmpty())
			})

			It("tolerates a few malformed fragments", func() {
				turn := send(s, "", "a noisy one")
				Expect(turn.Outcome()).To(Equal(chat.OutcomeCompleted))
				_, assistant, ok := turn.Result()
				Expect(ok).To(BeTrue())
				Expect(assistant.Content).To(Equal("Survived the noise."))
			})
		})
	}

	Context("with a slow backend", func() {
		var s *stack

		BeforeEach(func() {
			s = newStack(200, "sse")
		})

		It("aborts a turn without a banner and rolls back", func() {
			sess, _, err := s.sessions.Ensure(context.Background(), "", "t")
			Expect(err).NotTo(HaveOccurred())

			turn, err := s.sender.Send(context.Background(), sess.ID, "a slow question", types.SendOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(s.messages.Snapshot(sess.ID).Pending()).To(HaveLen(2))

			Eventually(func() int { return s.count(event.TurnStarted) }).WithTimeout(3 * time.Second).Should(Equal(1))
			turn.Abort()
			turn.Abort()
			Eventually(turn.Done()).WithTimeout(3 * time.Second).Should(BeClosed())

			Expect(turn.Outcome()).To(Equal(chat.OutcomeAborted))
			Expect(turn.IsLoading()).To(BeFalse())
			Expect(s.sender.Banner(sess.ID)).To(BeEmpty())
			Expect(s.messages.Snapshot(sess.ID).Messages).To(BeEmpty())
			Expect(s.count(event.TurnAborted)).To(Equal(1))
			Consistently(func() int { return s.count(event.TurnCompleted) }).WithDuration(500 * time.Millisecond).Should(BeZero())
		})

		It("rejects a second send while a turn is in flight", func() {
			sess, _, err := s.sessions.Ensure(context.Background(), "", "t")
			Expect(err).NotTo(HaveOccurred())

			turn, err := s.sender.Send(context.Background(), sess.ID, "slow", types.SendOptions{})
			Expect(err).NotTo(HaveOccurred())
			_, err = s.sender.Send(context.Background(), sess.ID, "again", types.SendOptions{})
			Expect(err).To(MatchError(chat.ErrTurnInFlight))

			turn.Abort()
			Eventually(turn.Done()).WithTimeout(3 * time.Second).Should(BeClosed())
			Expect(s.sender.Active(sess.ID)).To(BeNil())
		})
	})
})

var _ = Describe("Drafts", func() {
	It("clears the draft when a send begins and keeps others", func() {
		s := newStack(0, "sse")
		ctx := context.Background()
		sess, _, err := s.sessions.Ensure(ctx, "", "t")
		Expect(err).NotTo(HaveOccurred())

		s.drafts.Save(ctx, sess.ID, "half-written")
		s.drafts.Save(ctx, "other", "keep me")
		Expect(s.drafts.Load(ctx, sess.ID)).To(Equal("half-written"))

		turn := send(s, sess.ID, "the real question")
		Expect(turn.Outcome()).To(Equal(chat.OutcomeCompleted))
		Expect(s.drafts.Load(ctx, sess.ID)).To(BeEmpty())
		Expect(s.drafts.Load(ctx, "other")).To(Equal("keep me"))
		Expect(s.drafts.Degraded()).To(BeFalse())
	})
})
