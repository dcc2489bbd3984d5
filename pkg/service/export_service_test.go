package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/infirad/hadi/pkg/db"
)

func seedStore(t *testing.T, store *ChatStoreService) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, "s1"))
	require.NoError(t, store.UpdateSession(ctx, "s1", SessionUpdate{Email: "a@b.com", IncrementMessages: 2}))
	require.NoError(t, store.CreateSession(ctx, "s2"))
	for _, m := range []struct{ sid, role, text string }{
		{"s1", "user", "Hi, I need a website"},
		{"s1", "assistant", "Sure, tell me more"},
		{"s1", "user", "My email is a@b.com, budget $5k"},
		{"s2", "user", "مرحبا"},
	} {
		_, err := store.SaveChatMessage(ctx, m.sid, m.role, m.text, "", "ar", nil)
		require.NoError(t, err)
	}
	_, err := store.SaveClientRequest(ctx, &db.ClientRequest{
		SessionID:          "s1",
		Email:              db.StrPtr("a@b.com"),
		ProjectDescription: db.StrPtr("Hi, I need a website | My email is a@b.com, budget $5k"),
		Language:           "ar",
	})
	require.NoError(t, err)
}

func TestExportService_Excel(t *testing.T) {
	store := newTestStore(t)
	seedStore(t, store)
	path := filepath.Join(t.TempDir(), "out", "hadi_data.xlsx")

	require.NoError(t, NewExportService(store).ExportExcel(context.Background(), path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetRequests, SheetHistory, SheetSessions, SheetStats}, f.GetSheetList())

	rows, err := f.GetRows(SheetHistory)
	require.NoError(t, err)
	assert.Len(t, rows, 5)

	rows, err = f.GetRows(SheetRequests)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a@b.com", rows[1][2])

	stats, err := f.GetRows(SheetStats)
	require.NoError(t, err)
	assert.Equal(t, []string{"Total Messages", "4"}, stats[2])
}

func TestExportService_CSV(t *testing.T) {
	store := newTestStore(t)
	seedStore(t, store)
	dir := t.TempDir()

	paths, err := NewExportService(store).ExportCSV(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, filepath.Join(dir, "client_requests.csv"), paths[0])

	f, err := os.Open(filepath.Join(dir, "chat_history.csv"))
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 5)
	assert.Equal(t, "Session ID", records[0][1])
}

func TestExportService_JSONRoundTrip(t *testing.T) {
	src := newTestStore(t)
	seedStore(t, src)
	ctx := context.Background()

	var buf bytes.Buffer
	require.NoError(t, NewExportService(src).ExportJSON(ctx, &buf))

	dst := newTestStore(t)
	res, err := NewExportService(dst).ImportJSON(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, ImportResult{ClientRequests: 1, ChatHistory: 4, Sessions: 2}, *res)

	want, err := src.GetStats(ctx)
	require.NoError(t, err)
	got, err := dst.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	rec, err := dst.GetSessionRecord(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.MessageCount)

	// a second import of the same bundle adds nothing
	res, err = NewExportService(dst).ImportJSON(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, ImportResult{}, *res)
}

func TestExportService_ImportRejectsGarbage(t *testing.T) {
	_, err := NewExportService(newTestStore(t)).ImportJSON(context.Background(), bytes.NewReader([]byte("not json")))
	assert.Error(t, err)

	_, err = NewExportService(newTestStore(t)).ImportJSON(context.Background(), bytes.NewReader([]byte(`{"version": 99}`)))
	assert.Error(t, err)
}
