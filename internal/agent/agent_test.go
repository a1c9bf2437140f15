package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/classify"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/dispatch"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/faults"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/generate"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/llm"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/mail"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/retrieve"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/store"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/store/storetest"
)

type reply struct {
	text string
	err  error
}

// mockLLM answers Generate calls in order.
type mockLLM struct {
	mu       sync.Mutex
	replies  []reply
	requests []llm.Request
}

func (m *mockLLM) Generate(_ context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.replies) == 0 {
		panic("mockLLM: no more responses configured for prompt: " + req.Prompt)
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r.text, r.err
}

type mockSender struct {
	id   string
	err  error
	sent []mail.Reply
}

func (m *mockSender) Send(_ context.Context, r mail.Reply) (string, error) {
	m.sent = append(m.sent, r)
	return m.id, m.err
}

const supportVerdict = `{"category":"Support","tone":"Frustrated","is_spam":false,"needs_reply":true,"priority":4,"draft_reply":"We are on it."}`

func newTestAgent(t *testing.T, gen *mockLLM, sender *mockSender) (*Agent, *store.Store) {
	t.Helper()
	s := storetest.New(t)
	a := New(Deps{
		Store:      s,
		Classifier: classify.New(gen),
		Retriever:  retrieve.New(nil, gen, retrieve.Options{}),
		Generator:  generate.New(gen, 2000),
		Dispatcher: dispatch.New(sender, s),
	})
	return a, s
}

func inbound(id, thread, from, body string) mail.Message {
	return mail.Message{
		Handle:    "1",
		MessageID: id,
		ThreadID:  thread,
		From:      from,
		Subject:   "Refund request",
		Body:      body,
	}
}

func TestTransitions(t *testing.T) {
	fsm := newMachine()
	require.Error(t, fsm.Fire(TriggerSend), "Send is not reachable from Start")

	for _, trigger := range []FSMTrigger{TriggerRead, TriggerAnalyze, TriggerRetrieve, TriggerGenerate, TriggerSend, TriggerFinish} {
		require.NoError(t, fsm.Fire(trigger))
	}
	state, err := fsm.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateEnd, state)

	fsm = newMachine()
	for _, trigger := range []FSMTrigger{TriggerRead, TriggerAnalyze, TriggerIgnore, TriggerFinish} {
		require.NoError(t, fsm.Fire(trigger))
	}
	state, err = fsm.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateEnd, state)

	graph := Graph()
	for _, s := range []FSMState{StateRead, StateAnalyze, StateIgnore, StateRetrieve, StateGenerate, StateSend, StateEnd} {
		assert.Contains(t, graph, string(s))
	}
}

func TestProcess_RepliesAndRecords(t *testing.T) {
	ctx := context.Background()
	gen := &mockLLM{replies: []reply{{text: supportVerdict}, {text: "Refunds take 5 business days."}}}
	sender := &mockSender{id: "sg-1"}
	a, s := newTestAgent(t, gen, sender)

	msg := inbound("m1", "t1", "alice@example.com", "Where is my refund?")
	msg.References = []string{"root@example.com"}
	run, err := a.Process(ctx, msg)
	require.NoError(t, err)

	assert.Equal(t, "SENT:sg-1", run.FinalDecision)
	id, sent := run.Sent()
	assert.True(t, sent)
	assert.Equal(t, "sg-1", id)
	assert.Equal(t, "Support", run.Category)
	assert.Equal(t, "Frustrated", run.Tone)
	assert.Equal(t, 4, run.Priority)
	assert.Equal(t, "Refunds take 5 business days.", run.DraftReply)
	assert.Empty(t, run.RetrievedContext)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "alice@example.com", sender.sent[0].To)
	assert.Equal(t, "Re: Refund request", sender.sent[0].Subject)
	assert.Equal(t, "m1", sender.sent[0].InReplyTo)
	assert.Equal(t, []string{"root@example.com"}, sender.sent[0].References)

	history, err := s.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.RoleUser, history[0].Role)
	assert.Equal(t, "m1", history[0].MessageID)
	assert.Equal(t, store.RoleAssistant, history[1].Role)
	assert.Equal(t, "Refunds take 5 business days.", history[1].Content)

	for _, id := range []string{"m1", "sg-1"} {
		done, err := s.IsProcessed(ctx, id)
		require.NoError(t, err)
		assert.True(t, done, id)
	}

	steps := run.Steps.Steps()
	require.NotEmpty(t, steps)
	assert.True(t, strings.HasPrefix(steps[0], "read:"))
	assert.Contains(t, steps[len(steps)-1], "dispatch: reply sent")
}

func TestProcess_NoReplySenderIsIgnored(t *testing.T) {
	ctx := context.Background()
	gen := &mockLLM{replies: []reply{{text: supportVerdict}}}
	sender := &mockSender{id: "sg-1"}
	a, s := newTestAgent(t, gen, sender)

	run, err := a.Process(ctx, inbound("m1", "t1", "GitHub <noreply@github.com>", "Your build passed."))
	require.NoError(t, err)

	assert.Equal(t, DecisionIgnored, run.FinalDecision)
	assert.False(t, run.NeedsReply)
	assert.Empty(t, sender.sent)

	last, err := s.LastSpeaker(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, store.RoleUser, last.Role)
}

func TestProcess_SpamTakesPrecedence(t *testing.T) {
	ctx := context.Background()
	gen := &mockLLM{replies: []reply{{text: `{"category":"Spam","is_spam":true,"needs_reply":true}`}}}
	sender := &mockSender{id: "sg-1"}
	a, s := newTestAgent(t, gen, sender)

	run, err := a.Process(ctx, inbound("m1", "t1", "promo@deals.example", "WIN A PRIZE"))
	require.NoError(t, err)

	assert.Equal(t, DecisionIgnored, run.FinalDecision)
	assert.True(t, run.IsSpam)
	assert.Empty(t, sender.sent)
	assert.Len(t, gen.requests, 1)

	done, err := s.IsProcessed(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, done)

	history, err := s.History(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestProcess_DuplicateIsSkipped(t *testing.T) {
	ctx := context.Background()
	gen := &mockLLM{}
	sender := &mockSender{}
	a, s := newTestAgent(t, gen, sender)
	require.NoError(t, s.MarkProcessed(ctx, "m1"))

	run, err := a.Process(ctx, inbound("m1", "t1", "alice@example.com", "Where is my refund?"))
	require.NoError(t, err)

	assert.Equal(t, DecisionSkipped, run.FinalDecision)
	assert.Empty(t, gen.requests)
	assert.Empty(t, sender.sent)
}

func TestProcess_AssistantTurnIsIgnored(t *testing.T) {
	ctx := context.Background()
	gen := &mockLLM{}
	sender := &mockSender{}
	a, s := newTestAgent(t, gen, sender)
	require.NoError(t, s.AppendHistory(ctx, "t1", "reply_m0", store.RoleAssistant, "We replied already."))

	run, err := a.Process(ctx, inbound("m1", "t1", "alice@example.com", "Thanks!"))
	require.NoError(t, err)

	assert.Equal(t, DecisionIgnored, run.FinalDecision)
	assert.Empty(t, gen.requests)

	// The inbound turn is recorded so the next message in the thread is not stuck.
	last, err := s.LastSpeaker(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, store.RoleUser, last.Role)
	assert.Equal(t, "m1", last.MessageID)
}

func TestProcess_ClassifierFailureMarksProcessed(t *testing.T) {
	ctx := context.Background()
	gen := &mockLLM{replies: []reply{{text: "I cannot answer in JSON today."}}}
	sender := &mockSender{}
	a, s := newTestAgent(t, gen, sender)

	run, err := a.Process(ctx, inbound("m1", "t1", "alice@example.com", "Where is my refund?"))
	require.NoError(t, err)

	assert.Equal(t, DecisionIgnored, run.FinalDecision)
	assert.Equal(t, string(classify.CategoryUnclassified), run.Category)

	done, err := s.IsProcessed(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestProcess_FatalFaultAborts(t *testing.T) {
	ctx := context.Background()
	gen := &mockLLM{replies: []reply{{err: faults.New(faults.Fatal, "llm.generate", errors.New("invalid api key"))}}}
	sender := &mockSender{}
	a, s := newTestAgent(t, gen, sender)

	run, err := a.Process(ctx, inbound("m1", "t1", "alice@example.com", "Where is my refund?"))
	require.Error(t, err)
	assert.True(t, faults.IsFatal(err))
	assert.Equal(t, DecisionPending, run.FinalDecision)

	done, err := s.IsProcessed(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, done, "an aborted run leaves the message for the next poll")
}

func TestProcess_FatalAfterRecordIsRetried(t *testing.T) {
	fatal := faults.New(faults.Fatal, "llm.generate", errors.New("invalid api key"))
	draft := reply{text: "Refunds take 5 business days."}

	tests := []struct {
		name      string
		replies   []reply
		senderErr error
	}{
		{
			name:    "generation",
			replies: []reply{{text: supportVerdict}, {err: fatal}, {text: supportVerdict}, draft},
		},
		{
			name:      "send",
			replies:   []reply{{text: supportVerdict}, draft, {text: supportVerdict}, draft},
			senderErr: faults.New(faults.Fatal, "mail.sendgrid.send", errors.New("status 401")),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			gen := &mockLLM{replies: tt.replies}
			sender := &mockSender{id: "sg-1", err: tt.senderErr}
			a, s := newTestAgent(t, gen, sender)
			msg := inbound("m1", "t1", "alice@example.com", "Where is my refund?")

			run, err := a.Process(ctx, msg)
			require.Error(t, err)
			assert.True(t, faults.IsFatal(err))
			assert.Equal(t, DecisionPending, run.FinalDecision)

			done, err := s.IsProcessed(ctx, "m1")
			require.NoError(t, err)
			assert.False(t, done, "an aborted run leaves the message for the next poll")
			history, err := s.History(ctx, "t1")
			require.NoError(t, err)
			assert.Empty(t, history)

			// The fault is cleared before the next poll.
			sender.err = nil
			run, err = a.Process(ctx, msg)
			require.NoError(t, err)
			assert.Equal(t, "SENT:sg-1", run.FinalDecision)

			history, err = s.History(ctx, "t1")
			require.NoError(t, err)
			require.Len(t, history, 2)
			assert.Equal(t, store.RoleUser, history[0].Role)
			assert.Equal(t, store.RoleAssistant, history[1].Role)
		})
	}
}

func TestProcess_SendFailureIsIgnored(t *testing.T) {
	ctx := context.Background()
	gen := &mockLLM{replies: []reply{{text: supportVerdict}, {text: "Refunds take 5 business days."}}}
	sender := &mockSender{err: faults.New(faults.Transport, "sendgrid.send", errors.New("status 500"))}
	a, s := newTestAgent(t, gen, sender)

	run, err := a.Process(ctx, inbound("m1", "t1", "alice@example.com", "Where is my refund?"))
	require.NoError(t, err)
	assert.Equal(t, DecisionIgnored, run.FinalDecision)

	history, err := s.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.RoleUser, history[0].Role)
}

func TestProcess_WithheldDraftIsNotSent(t *testing.T) {
	ctx := context.Background()
	gen := &mockLLM{replies: []reply{{text: supportVerdict}, {text: "[NO RESPONSE NEEDED]"}}}
	sender := &mockSender{id: "sg-1"}
	a, _ := newTestAgent(t, gen, sender)

	run, err := a.Process(ctx, inbound("m1", "t1", "alice@example.com", "Where is my refund?"))
	require.NoError(t, err)
	assert.Equal(t, DecisionIgnored, run.FinalDecision)
	assert.Empty(t, sender.sent)
}

func TestProcess_PromptCarriesPriorTurnsOnly(t *testing.T) {
	ctx := context.Background()
	gen := &mockLLM{replies: []reply{{text: supportVerdict}, {text: "Following up on your order."}}}
	a, s := newTestAgent(t, gen, &mockSender{id: "sg-2"})
	require.NoError(t, s.AppendHistory(ctx, "t1", "m0", store.RoleUser, "I ordered a lamp last week."))

	_, err := a.Process(ctx, inbound("m1", "t1", "alice@example.com", "Any news on the lamp?"))
	require.NoError(t, err)

	require.Len(t, gen.requests, 2)
	prompt := gen.requests[1].Prompt
	assert.Contains(t, prompt, "USER: I ordered a lamp last week.")
	assert.NotContains(t, prompt, "USER: Any news on the lamp?")
	assert.Contains(t, prompt, "Body: Any news on the lamp?")
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name     string
		analysis classify.Analysis
		trigger  FSMTrigger
		reason   ignoreReason
	}{
		{"spam first", classify.Analysis{IsSpam: true, NeedsReply: true}, TriggerIgnore, ignoreSpam},
		{"failed", classify.Analysis{Failed: true}, TriggerIgnore, ignoreAnalysisFailed},
		{"no reply", classify.Analysis{}, TriggerIgnore, ignoreNoReply},
		{"reply", classify.Analysis{NeedsReply: true}, TriggerRetrieve, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger, reason := route(tt.analysis)
			assert.Equal(t, tt.trigger, trigger)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestThreadLocks_Release(t *testing.T) {
	l := newThreadLocks()
	unlock := l.lock("t1")
	unlockOther := l.lock("t2")
	unlock()
	unlockOther()
	assert.Empty(t, l.locks)
}
