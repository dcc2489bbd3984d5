package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu    sync.Mutex
	leads []*Lead
	err   error
}

func (r *recordingSink) SubmitLead(_ context.Context, lead *Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leads = append(r.leads, lead)
	return r.err
}

func newTestAgent(t *testing.T, opts AgentOptions) *AgentService {
	t.Helper()
	if opts.ChatModel == nil {
		opts.ChatModel = &fakeChatModel{reply: "ok"}
	}
	a, err := NewAgentService(context.Background(), opts)
	require.NoError(t, err)
	return a
}

func TestAgentService_RequiresModel(t *testing.T) {
	_, err := NewAgentService(context.Background(), AgentOptions{})
	assert.Error(t, err)
}

func TestAgentService_FirstTurnNotReady(t *testing.T) {
	chat := &fakeChatModel{reply: "Welcome! What are you building?"}
	sink := &recordingSink{}
	a := newTestAgent(t, AgentOptions{ChatModel: chat, Sink: sink, DedupeLeads: true, Instructions: "You are Hadi."})

	state := NewConversationState("u1", "ar")
	state, err := a.Process(context.Background(), state, "Hi, I need a website")
	require.NoError(t, err)

	require.Len(t, state.Messages, 2)
	assert.Equal(t, "Welcome! What are you building?", state.LastResponse())
	assert.Empty(t, state.Email)
	assert.False(t, state.ReadyToSubmit)
	assert.False(t, state.RequestSubmitted)
	assert.Empty(t, sink.leads)

	prompt := chat.lastSystemPrompt()
	assert.True(t, strings.HasPrefix(prompt, "You are Hadi.\n\n"))
	assert.Contains(t, prompt, "- Email collected: No\n")
	assert.Contains(t, prompt, "- Ready to submit: No\n")
	assert.NotContains(t, prompt, "COMPANY INFORMATION CONTEXT")
}

func TestAgentService_EmailOnFirstTurnWaitsForSecond(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAgent(t, AgentOptions{Sink: sink, DedupeLeads: true})

	state, err := a.Process(context.Background(), NewConversationState("u1", "ar"), "I'm x@y.io")
	require.NoError(t, err)
	assert.Equal(t, "x@y.io", state.Email)
	assert.False(t, state.ReadyToSubmit)
	assert.Empty(t, sink.leads)

	state, err = a.Process(context.Background(), state, "I want an app")
	require.NoError(t, err)
	assert.True(t, state.ReadyToSubmit)
	assert.True(t, state.SubmittedThisTurn())
	require.Len(t, sink.leads, 1)
	assert.Equal(t, "I'm x@y.io | I want an app", sink.leads[0].Summary)
}

func TestAgentService_DedupeLeads(t *testing.T) {
	for _, tc := range []struct {
		name   string
		dedupe bool
		want   int
	}{
		{"once per session", true, 1},
		{"every ready turn", false, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sink := &recordingSink{}
			chat := &fakeChatModel{reply: "ok"}
			a := newTestAgent(t, AgentOptions{ChatModel: chat, Sink: sink, DedupeLeads: tc.dedupe})

			state := NewConversationState("u1", "ar")
			state.SessionID = "s1"
			for _, msg := range []string{"Hi, I need a website", "My email is a@b.com, budget $5k", "Thanks"} {
				var err error
				state, err = a.Process(context.Background(), state, msg)
				require.NoError(t, err)
			}
			assert.Len(t, sink.leads, tc.want)
			assert.True(t, state.RequestSubmitted)
			assert.Equal(t, "s1", sink.leads[0].SessionID)
			assert.Equal(t, "a@b.com", sink.leads[0].Email)
			assert.Contains(t, chat.lastSystemPrompt(), "- Email collected: Yes (a@b.com)\n")
			assert.Contains(t, chat.lastSystemPrompt(), "- Ready to submit: Yes\n")
		})
	}
}

func TestAgentService_SummaryUsesFirstThreeTurns(t *testing.T) {
	a := newTestAgent(t, AgentOptions{Sink: &recordingSink{}, DedupeLeads: true})
	state := NewConversationState("u1", "ar")
	for _, msg := range []string{"one a@b.com", "two", "three", "four"} {
		var err error
		state, err = a.Process(context.Background(), state, msg)
		require.NoError(t, err)
	}
	assert.Equal(t, "one a@b.com | two | three", state.RequestSummary)
}

func TestAgentService_CompletionFailureApologizes(t *testing.T) {
	chat := &fakeChatModel{err: errors.New("upstream 503")}
	a := newTestAgent(t, AgentOptions{ChatModel: chat})

	state, err := a.Process(context.Background(), NewConversationState("u1", "ar"), "hello")
	require.NoError(t, err)
	assert.Equal(t, "I apologize, but I encountered an error: upstream 503", state.LastResponse())
	require.Len(t, state.StageErrors, 1)
	assert.Contains(t, state.StageErrors[0], StageGenerate)
}

func TestAgentService_CompletionTimeout(t *testing.T) {
	chat := &fakeChatModel{block: true}
	a := newTestAgent(t, AgentOptions{ChatModel: chat, Timeout: 20 * time.Millisecond})

	state, err := a.Process(context.Background(), NewConversationState("u1", "ar"), "hello")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(state.LastResponse(), apologyPrefix))
	assert.Contains(t, state.LastResponse(), context.DeadlineExceeded.Error())
}

func TestAgentService_RetrievalContext(t *testing.T) {
	chat := &fakeChatModel{reply: "ok"}
	retriever := &fakeRetriever{passages: []string{"INFIRAD builds apps.", "Offices in Riyadh.", "Founded 2015.", "extra"}}
	a := newTestAgent(t, AgentOptions{ChatModel: chat, Retriever: retriever})

	state, err := a.Process(context.Background(), NewConversationState("u1", "ar"), "who are you?")
	require.NoError(t, err)
	assert.Equal(t, "INFIRAD builds apps.\n\nOffices in Riyadh.\n\nFounded 2015.", state.Context)
	assert.Contains(t, chat.lastSystemPrompt(), "COMPANY INFORMATION CONTEXT (from INFIRAD profile documents):\nINFIRAD builds apps.")
}

func TestAgentService_RetrievalFailureFallsBack(t *testing.T) {
	retriever := &fakeRetriever{err: errors.New("index corrupted")}
	a := newTestAgent(t, AgentOptions{Retriever: retriever})

	state, err := a.Process(context.Background(), NewConversationState("u1", "ar"), "hello")
	require.NoError(t, err)
	assert.Empty(t, state.Context)
	assert.Equal(t, "ok", state.LastResponse())
	require.Len(t, state.StageErrors, 1)
	assert.Contains(t, state.StageErrors[0], StageRetrieve)

	unavailable := newTestAgent(t, AgentOptions{Retriever: &fakeRetriever{err: ErrKnowledgeUnavailable}})
	state, err = unavailable.Process(context.Background(), NewConversationState("u1", "ar"), "hello")
	require.NoError(t, err)
	assert.Empty(t, state.StageErrors)
}

func TestAgentService_SinkFailureKeepsResubmitting(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	a := newTestAgent(t, AgentOptions{Sink: sink, DedupeLeads: true})

	state := NewConversationState("u1", "ar")
	for _, msg := range []string{"a@b.com", "need an app", "still there?"} {
		var err error
		state, err = a.Process(context.Background(), state, msg)
		require.NoError(t, err)
	}
	assert.False(t, state.RequestSubmitted)
	assert.Len(t, sink.leads, 2)
}

func TestExtractEmail(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{"My email is a@b.com, budget $5k", "a@b.com"},
		{"contact: first.last+tag@sub.example.org today", "first.last+tag@sub.example.org"},
		{"two: x@y.io and z@w.io", "x@y.io"},
		{"no address here", ""},
		{"broken@nodomain", ""},
		{"مرحباa@b.com", "a@b.com"},
		{"البريد: sales@infirad.com شكرا", "sales@infirad.com"},
	} {
		assert.Equal(t, tc.want, ExtractEmail(tc.in), tc.in)
	}
}
