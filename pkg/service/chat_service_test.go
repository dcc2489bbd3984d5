package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infirad/hadi/pkg/db"
	"github.com/infirad/hadi/pkg/event"
)

type chatFixture struct {
	svc     *ChatService
	store   *ChatStoreService
	chat    *fakeChatModel
	emitter *event.Emitter
	reqDir  string
}

func newChatFixture(t *testing.T, dedupe bool) *chatFixture {
	t.Helper()
	store := newTestStore(t)
	reqDir := t.TempDir()
	chat := &fakeChatModel{reply: "Thanks, noted."}
	agent := newTestAgent(t, AgentOptions{
		ChatModel:   chat,
		Sink:        NewMultiSink(NewStoreSink(store), NewRequestFileSink(reqDir)),
		DedupeLeads: dedupe,
	})
	emitter := event.NewEmitter()
	svc := NewChatService(ChatServiceOptions{
		Agent:    agent,
		Sessions: NewMemorySessionStore("ar"),
		Store:    store,
		Emitter:  emitter,
		MaxAge:   time.Hour,
	})
	return &chatFixture{svc: svc, store: store, chat: chat, emitter: emitter, reqDir: reqDir}
}

func TestChatService_LeadFlowEndToEnd(t *testing.T) {
	f := newChatFixture(t, true)
	ctx := context.Background()

	var events []string
	f.emitter.OnAny(func(ev event.Event) { events = append(events, ev.EventName()) })

	resp, err := f.svc.Chat(ctx, ChatTurn{Message: "Hi, I need a website", ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	sid := resp.SessionID
	require.NotEmpty(t, sid)
	assert.Equal(t, "Thanks, noted.", resp.Response)
	assert.False(t, resp.EmailCollected)
	assert.Nil(t, resp.Email)
	assert.False(t, resp.ReadyToSubmit)
	assert.False(t, resp.RequestSubmitted)

	resp, err = f.svc.Chat(ctx, ChatTurn{Message: "My email is a@b.com, budget $5k", SessionID: sid})
	require.NoError(t, err)
	assert.Equal(t, sid, resp.SessionID)
	assert.True(t, resp.EmailCollected)
	require.NotNil(t, resp.Email)
	assert.Equal(t, "a@b.com", *resp.Email)
	assert.True(t, resp.ReadyToSubmit)
	assert.True(t, resp.RequestSubmitted)

	resp, err = f.svc.Chat(ctx, ChatTurn{Message: "Thank you", SessionID: sid})
	require.NoError(t, err)
	assert.True(t, resp.RequestSubmitted)

	n, err := f.store.CountRequestsForSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	reqs, err := f.store.GetAllRequests(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "a@b.com", db.Deref(reqs[0].Email))
	assert.Equal(t, "Hi, I need a website | My email is a@b.com, budget $5k", db.Deref(reqs[0].ProjectDescription))
	assert.Equal(t, "10.0.0.1", db.Deref(reqs[0].IPAddress))

	files, err := os.ReadDir(f.reqDir)
	require.NoError(t, err)
	assert.Len(t, files, 1)

	history, err := f.store.GetSessionHistory(ctx, sid)
	require.NoError(t, err)
	require.Len(t, history, 6)
	assert.Equal(t, "user", history[0].MessageRole)
	assert.Nil(t, history[0].Email)
	assert.Equal(t, "a@b.com", db.Deref(history[3].Email))

	rec, err := f.store.GetSessionRecord(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, len(history), rec.MessageCount)
	assert.True(t, rec.RequestSubmitted)
	assert.Equal(t, "a@b.com", db.Deref(rec.Email))

	assert.Equal(t, []string{
		event.SessionCreated, event.ChatReplied,
		event.ChatReplied, event.LeadSubmitted,
		event.ChatReplied,
	}, events)
}

func TestChatService_UnknownSessionIDIsProvisioned(t *testing.T) {
	f := newChatFixture(t, true)
	ctx := context.Background()

	resp, err := f.svc.Chat(ctx, ChatTurn{Message: "hello", SessionID: "client-chosen-id"})
	require.NoError(t, err)
	assert.Equal(t, "client-chosen-id", resp.SessionID)

	info, err := f.svc.SessionInfo(ctx, "client-chosen-id")
	require.NoError(t, err)
	assert.Equal(t, 2, info.MessageCount)
	assert.False(t, info.EmailCollected)

	_, err = f.svc.SessionInfo(ctx, "never-seen")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestChatService_EmptyMessage(t *testing.T) {
	f := newChatFixture(t, true)
	_, err := f.svc.Chat(context.Background(), ChatTurn{})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestChatService_NewSessionUsesUserID(t *testing.T) {
	f := newChatFixture(t, true)
	ctx := context.Background()

	sess, err := f.svc.NewSession(ctx, "visitor-42")
	require.NoError(t, err)
	assert.Equal(t, "visitor-42", sess.State.UserID)

	anon, err := f.svc.NewSession(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultUserID(anon.ID), anon.State.UserID)
	assert.Equal(t, 2, f.svc.ActiveSessions(ctx))

	_, err = f.store.GetSessionRecord(ctx, sess.ID)
	assert.NoError(t, err)
}

func TestChatService_SameSessionTurnsSerialize(t *testing.T) {
	f := newChatFixture(t, true)
	ctx := context.Background()

	sess, err := f.svc.NewSession(ctx, "")
	require.NoError(t, err)

	const turns = 8
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Chat(ctx, ChatTurn{Message: fmt.Sprintf("msg %d", i), SessionID: sess.ID})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	info, err := f.svc.SessionInfo(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2*turns, info.MessageCount)
	assert.Equal(t, turns, f.chat.callCount())

	history, err := f.store.GetSessionHistory(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 2*turns)

	rec, err := f.store.GetSessionRecord(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, len(history), rec.MessageCount)
	assert.Equal(t, info.MessageCount, rec.MessageCount)
}

func TestChatService_MessageCountSkipsFailedLogs(t *testing.T) {
	f := newChatFixture(t, true)
	ctx := context.Background()

	resp, err := f.svc.Chat(ctx, ChatTurn{Message: "hello"})
	require.NoError(t, err)

	// Chat history inserts fail from here on; session updates still work.
	require.NoError(t, f.store.DB().Migrator().DropTable(&db.ChatMessage{}))

	_, err = f.svc.Chat(ctx, ChatTurn{Message: "still there?", SessionID: resp.SessionID})
	require.NoError(t, err)

	rec, err := f.store.GetSessionRecord(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.MessageCount)
}

func TestChatService_SessionInfoDoesNotWaitForTurn(t *testing.T) {
	f := newChatFixture(t, true)
	ctx := context.Background()

	resp, err := f.svc.Chat(ctx, ChatTurn{Message: "hello"})
	require.NoError(t, err)

	f.chat.mu.Lock()
	f.chat.block = true
	f.chat.mu.Unlock()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	turnDone := make(chan struct{})
	go func() {
		defer close(turnDone)
		_, _ = f.svc.Chat(turnCtx, ChatTurn{Message: "second", SessionID: resp.SessionID})
	}()
	require.Eventually(t, func() bool { return f.chat.callCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	infoCh := make(chan int, 1)
	go func() {
		info, err := f.svc.SessionInfo(ctx, resp.SessionID)
		if err == nil {
			infoCh <- info.MessageCount
		}
	}()
	select {
	case n := <-infoCh:
		assert.Equal(t, 2, n)
	case <-time.After(2 * time.Second):
		t.Fatal("SessionInfo blocked behind a running turn")
	}

	cancel()
	<-turnDone
}

func TestChatService_RedisConcurrentFirstTurns(t *testing.T) {
	_, sessions := setupMiniredis(t)
	store := newTestStore(t)
	chat := &fakeChatModel{reply: "ok"}
	emitter := event.NewEmitter()
	svc := NewChatService(ChatServiceOptions{
		Agent:    newTestAgent(t, AgentOptions{ChatModel: chat, Sink: NewStoreSink(store), DedupeLeads: true}),
		Sessions: sessions,
		Store:    store,
		Emitter:  emitter,
		MaxAge:   time.Hour,
	})

	var mu sync.Mutex
	created := 0
	emitter.On(event.SessionCreated, func(event.Event) {
		mu.Lock()
		created++
		mu.Unlock()
	})

	ctx := context.Background()
	const turns = 4
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Chat(ctx, ChatTurn{Message: fmt.Sprintf("msg %d", i), SessionID: "widget-id"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sess, err := sessions.Get(ctx, "widget-id")
	require.NoError(t, err)
	assert.Len(t, sess.State.Messages, 2*turns)
	mu.Lock()
	assert.Equal(t, 1, created)
	mu.Unlock()
}

func TestChatService_CleanupSessions(t *testing.T) {
	f := newChatFixture(t, true)
	ctx := context.Background()

	var evicted []string
	f.emitter.On(event.SessionEvicted, func(ev event.Event) {
		evicted = ev.(event.SessionEvictedEvent).SessionIDs
	})

	old, err := f.svc.NewSession(ctx, "")
	require.NoError(t, err)
	_, err = f.svc.NewSession(ctx, "")
	require.NoError(t, err)
	old.LastActivity = time.Now().Add(-2 * time.Hour)

	ids, err := f.svc.CleanupSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, ids)
	assert.Equal(t, ids, evicted)
	assert.Equal(t, 1, f.svc.ActiveSessions(ctx))
}
