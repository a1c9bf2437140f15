// Package agent runs one inbound message through the triage and reply
// pipeline as a finite state machine.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/audit"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/classify"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/dispatch"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/faults"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/generate"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/guard"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/logger"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/mail"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/retrieve"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/store"
)

// FSM States
type FSMState string

const (
	StateStart    FSMState = "Start"
	StateRead     FSMState = "Read"
	StateAnalyze  FSMState = "Analyze"
	StateIgnore   FSMState = "Ignore"
	StateRetrieve FSMState = "Retrieve"
	StateGenerate FSMState = "Generate"
	StateSend     FSMState = "Send"
	StateEnd      FSMState = "End" // Terminal
)

// FSM Triggers
type FSMTrigger string

const (
	TriggerRead     FSMTrigger = "Read"
	TriggerAnalyze  FSMTrigger = "Analyze"
	TriggerIgnore   FSMTrigger = "Ignore"
	TriggerRetrieve FSMTrigger = "Retrieve"
	TriggerGenerate FSMTrigger = "Generate"
	TriggerSend     FSMTrigger = "Send"
	TriggerFinish   FSMTrigger = "Finish"
)

type transition struct {
	From    FSMState
	Trigger FSMTrigger
	To      FSMState
}

// transitions is the complete edge list of the pipeline.
var transitions = []transition{
	{StateStart, TriggerRead, StateRead},
	{StateRead, TriggerAnalyze, StateAnalyze},
	{StateAnalyze, TriggerIgnore, StateIgnore},
	{StateAnalyze, TriggerRetrieve, StateRetrieve},
	{StateRetrieve, TriggerGenerate, StateGenerate},
	{StateGenerate, TriggerSend, StateSend},
	{StateSend, TriggerFinish, StateEnd},
	{StateIgnore, TriggerFinish, StateEnd},
}

func newMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateStart)
	for _, t := range transitions {
		fsm.Configure(t.From).Permit(t.Trigger, t.To)
	}
	return fsm
}

// Graph renders the pipeline in DOT format.
func Graph() string {
	return newMachine().ToGraph()
}

// Final decisions
const (
	DecisionPending  = "PENDING"
	DecisionIgnored  = "IGNORED"
	DecisionSkipped  = "SKIPPED_ALREADY_PROCESSED"
	decisionSentPref = "SENT:"
)

// Run is the record of one message's pass through the pipeline.
type Run struct {
	MessageID        string
	ThreadID         string
	SenderAddress    string
	Subject          string
	RawBody          string
	Category         string
	Tone             string
	IsSpam           bool
	NeedsReply       bool
	Priority         int
	DraftReply       string
	RetrievedContext string
	ConfidenceScore  float64
	FinalDecision    string
	Steps            audit.Trail

	references []string
	ignore     ignoreReason
	// inboundRecorded is set once the inbound turn is in the store.
	inboundRecorded bool
}

// Sent reports whether a reply went out, and its transport id.
func (r *Run) Sent() (string, bool) {
	id, ok := strings.CutPrefix(r.FinalDecision, decisionSentPref)
	return id, ok && id != ""
}

type ignoreReason string

const (
	ignoreDuplicate        ignoreReason = "duplicate"
	ignoreAssistantTurn    ignoreReason = "assistant_turn"
	ignoreRepeatedContent  ignoreReason = "repeated_content"
	ignoreStoreUnavailable ignoreReason = "store_unavailable"
	ignoreSpam             ignoreReason = "spam"
	ignoreNoReply          ignoreReason = "no_reply_needed"
	ignoreAnalysisFailed   ignoreReason = "analysis_failed"
)

var guardReasons = map[guard.Reason]ignoreReason{
	guard.ReasonDuplicateID:      ignoreDuplicate,
	guard.ReasonAssistantTurn:    ignoreAssistantTurn,
	guard.ReasonRepeatedContent:  ignoreRepeatedContent,
	guard.ReasonStoreUnavailable: ignoreStoreUnavailable,
}

// Store is the persistent state the agent needs.
type Store interface {
	guard.Reader
	dispatch.Recorder
	History(ctx context.Context, threadID string) ([]store.Entry, error)
	Forget(ctx context.Context, messageID string) error
}

// Classifier judges an inbound message.
type Classifier interface {
	Classify(ctx context.Context, in classify.Input) classify.Analysis
}

// Retriever finds reference material.
type Retriever interface {
	Retrieve(ctx context.Context, subject, body string) retrieve.Result
}

// Generator drafts the reply.
type Generator interface {
	Generate(ctx context.Context, in generate.Input) (generate.Result, error)
}

// Dispatcher sends and records the reply.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error)
}

// Deps are the collaborators of an Agent.
type Deps struct {
	Store      Store
	Classifier Classifier
	Retriever  Retriever
	Generator  Generator
	Dispatcher Dispatcher
}

// Agent is the orchestrator.
type Agent struct {
	deps  Deps
	guard *guard.Guard
	locks *threadLocks
	log   *slog.Logger
}

// New creates a new agent.
func New(deps Deps) *Agent {
	return &Agent{
		deps:  deps,
		guard: guard.New(deps.Store),
		locks: newThreadLocks(),
		log:   logger.For("agent"),
	}
}

// Process runs msg through the pipeline. Messages of the same thread are
// processed one at a time. A non-nil error means the run was aborted by a
// fatal fault or a failed write; the returned Run then stays PENDING.
func (a *Agent) Process(ctx context.Context, msg mail.Message) (*Run, error) {
	unlock := a.locks.lock(msg.ThreadID)
	defer unlock()

	run := &Run{
		MessageID:     msg.MessageID,
		ThreadID:      msg.ThreadID,
		SenderAddress: msg.From,
		Subject:       msg.Subject,
		RawBody:       msg.Body,
		Priority:      3,
		FinalDecision: DecisionPending,
		references:    msg.References,
	}
	log := a.log.With("message_id", run.MessageID, "thread_id", run.ThreadID)

	fsm := newMachine()

	// State: Read
	// Action: record the inbound message on the run.
	fsm.Configure(StateRead).
		OnEntry(func(ctx context.Context, _ ...any) error {
			run.Steps.Add("read: message %s from %s", run.MessageID, run.SenderAddress)
			return fsm.FireCtx(ctx, TriggerAnalyze)
		})

	// State: Analyze
	// Action: guard first so a skipped message costs no model call, then classify and route.
	fsm.Configure(StateAnalyze).
		OnEntry(func(ctx context.Context, _ ...any) error {
			verdict, err := a.guard.Check(ctx, run.MessageID, run.ThreadID, run.RawBody)
			if err != nil {
				log.Error("guard could not read store", "error", err)
			}
			if verdict.Skip {
				run.ignore = guardReasons[verdict.Reason]
				run.Steps.Add("guard: skip (%s)", verdict.Reason)
				return fsm.FireCtx(ctx, TriggerIgnore)
			}

			analysis := a.deps.Classifier.Classify(ctx, classify.Input{
				Sender:  run.SenderAddress,
				Subject: run.Subject,
				Body:    run.RawBody,
			})
			run.Steps.Merge(analysis.Steps)
			run.Category = string(analysis.Category)
			run.Tone = analysis.Tone
			run.IsSpam = analysis.IsSpam
			run.NeedsReply = analysis.NeedsReply
			run.Priority = analysis.Priority
			run.DraftReply = analysis.DraftReply

			if analysis.Failed && faults.IsFatal(analysis.Err) {
				return fmt.Errorf("classifying %s: %w", run.MessageID, analysis.Err)
			}

			next, reason := route(analysis)
			run.ignore = reason
			return fsm.FireCtx(ctx, next)
		})

	// State: Ignore
	// Action: persist what the skip reason requires and close the run.
	fsm.Configure(StateIgnore).
		OnEntry(func(ctx context.Context, _ ...any) error {
			a.recordIgnored(ctx, run, log)
			return fsm.FireCtx(ctx, TriggerFinish)
		})

	// State: Retrieve
	// Action: record the inbound turn, then look up reference material.
	fsm.Configure(StateRetrieve).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if err := a.deps.Store.AppendHistory(ctx, run.ThreadID, run.MessageID, store.RoleUser, run.RawBody); err != nil {
				run.Steps.Add("history: could not record inbound message: %v", err)
				return fmt.Errorf("recording inbound %s: %w", run.MessageID, err)
			}
			run.inboundRecorded = true

			res := a.deps.Retriever.Retrieve(ctx, run.Subject, run.RawBody)
			run.Steps.Merge(res.Steps)
			run.RetrievedContext = res.Context
			run.ConfidenceScore = res.Confidence
			return fsm.FireCtx(ctx, TriggerGenerate)
		})

	// State: Generate
	// Action: draft the reply from history, context and the message.
	fsm.Configure(StateGenerate).
		OnEntry(func(ctx context.Context, _ ...any) error {
			history, err := a.deps.Store.History(ctx, run.ThreadID)
			if err != nil {
				log.Warn("history unavailable, drafting without it", "error", err)
				run.Steps.Add("history: unavailable: %v", err)
			}
			prior := history[:0:0]
			for _, e := range history {
				if e.MessageID != run.MessageID {
					prior = append(prior, e)
				}
			}

			res, err := a.deps.Generator.Generate(ctx, generate.Input{
				Category: run.Category,
				Tone:     run.Tone,
				Subject:  run.Subject,
				Body:     run.RawBody,
				Context:  run.RetrievedContext,
				History:  prior,
			})
			run.Steps.Merge(res.Steps)
			if err != nil {
				return fmt.Errorf("generating reply to %s: %w", run.MessageID, err)
			}
			run.DraftReply = res.Reply
			return fsm.FireCtx(ctx, TriggerSend)
		})

	// State: Send
	// Action: hand the draft to the dispatcher and set the final decision.
	fsm.Configure(StateSend).
		OnEntry(func(ctx context.Context, _ ...any) error {
			out, err := a.deps.Dispatcher.Dispatch(ctx, dispatch.Request{
				MessageID:  run.MessageID,
				ThreadID:   run.ThreadID,
				To:         run.SenderAddress,
				Subject:    run.Subject,
				Draft:      run.DraftReply,
				References: run.references,
			})
			run.Steps.Merge(out.Steps)
			switch {
			case err != nil && faults.IsFatal(err):
				return fmt.Errorf("sending reply to %s: %w", run.MessageID, err)
			case err != nil || !out.Sent:
				run.FinalDecision = DecisionIgnored
			default:
				run.FinalDecision = decisionSentPref + out.SentID
			}
			return fsm.FireCtx(ctx, TriggerFinish)
		})

	if err := fsm.FireCtx(ctx, TriggerRead); err != nil {
		run.FinalDecision = DecisionPending
		run.Steps.Add("aborted: %v", err)
		log.Error("run aborted", "error", err)
		if run.inboundRecorded && faults.IsFatal(err) {
			a.releaseInbound(ctx, run, log)
		}
		return run, err
	}

	state, err := fsm.State(ctx)
	if err != nil {
		return run, fmt.Errorf("FSM internal error: %w", err)
	}
	if state != StateEnd {
		return run, fmt.Errorf("FSM ended in an unexpected state: %v", state)
	}

	log.Info("run finished", "decision", run.FinalDecision, "category", run.Category, "steps", run.Steps.Len())
	return run, nil
}

// route picks the edge out of Analyze. First match wins: spam, then no reply
// needed (including failed analysis), else retrieve.
func route(a classify.Analysis) (FSMTrigger, ignoreReason) {
	switch {
	case a.IsSpam:
		return TriggerIgnore, ignoreSpam
	case a.Failed:
		return TriggerIgnore, ignoreAnalysisFailed
	case !a.NeedsReply:
		return TriggerIgnore, ignoreNoReply
	default:
		return TriggerRetrieve, ""
	}
}

// releaseInbound undoes the inbound record of a run aborted by a Fatal fault,
// so the message is handled again once the fault is cleared.
func (a *Agent) releaseInbound(ctx context.Context, run *Run, log *slog.Logger) {
	if err := a.deps.Store.Forget(context.WithoutCancel(ctx), run.MessageID); err != nil {
		log.Error("could not release inbound message, it will not be retried", "error", err)
		run.Steps.Add("history: could not release %s for retry: %v", run.MessageID, err)
		return
	}
	run.Steps.Add("history: %s released for retry", run.MessageID)
}

// recordIgnored applies the persistence rule of the ignore reason. Write
// failures are logged; the run is still ignored.
//
// On an assistant-turn skip the inbound message is stored as a user turn but
// never answered. This restores alternation so the thread's next message gets
// a reply, at the cost of leaving the skipped message itself unanswered.
func (a *Agent) recordIgnored(ctx context.Context, run *Run, log *slog.Logger) {
	var err error
	switch run.ignore {
	case ignoreDuplicate:
		run.FinalDecision = DecisionSkipped
		run.Steps.Add("ignore: %s already processed", run.MessageID)
		return
	case ignoreStoreUnavailable:
	case ignoreAssistantTurn, ignoreNoReply:
		err = a.deps.Store.AppendHistory(ctx, run.ThreadID, run.MessageID, store.RoleUser, run.RawBody)
	default:
		err = a.deps.Store.MarkProcessed(ctx, run.MessageID)
	}

	run.FinalDecision = DecisionIgnored
	if err != nil {
		log.Error("could not record ignored message", "reason", run.ignore, "error", err)
		run.Steps.Add("ignore: %s (not recorded: %v)", run.ignore, err)
		return
	}
	run.Steps.Add("ignore: %s", run.ignore)
}

// threadLocks serializes runs per thread and forgets idle threads.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

func (t *threadLocks) lock(threadID string) func() {
	t.mu.Lock()
	l, ok := t.locks[threadID]
	if !ok {
		l = &threadLock{}
		t.locks[threadID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, threadID)
		}
		t.mu.Unlock()
	}
}
