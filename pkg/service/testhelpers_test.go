package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *ChatStoreService {
	t.Helper()
	store, err := OpenChatStore(filepath.Join(t.TempDir(), "hadi_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fakeChatModel answers every call with reply, or err when set.
type fakeChatModel struct {
	mu    sync.Mutex
	reply string
	err   error
	// block waits for ctx cancellation before answering.
	block bool
	calls [][]*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, in []*schema.Message, _ ...einoModel.Option) (*schema.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	reply, err, block := f.reply, f.err, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return schema.AssistantMessage(reply, nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, in []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := f.Generate(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (f *fakeChatModel) lastSystemPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1][0].Content
}

func (f *fakeChatModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRetriever struct {
	passages []string
	err      error
}

func (r *fakeRetriever) Search(_ context.Context, _ string, k int) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	if k < len(r.passages) {
		return r.passages[:k], nil
	}
	return r.passages, nil
}
