// Export service - spreadsheet, CSV and JSON dumps of the chat store
package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/infirad/hadi/pkg/db"
	"github.com/infirad/hadi/pkg/utils"
)

// Sheet names of the Excel export.
const (
	SheetRequests = "Client Requests"
	SheetHistory  = "Chat History"
	SheetSessions = "Sessions"
	SheetStats    = "Statistics"
)

const bundleVersion = 1

// ExportBundle is the JSON export format.
type ExportBundle struct {
	Version        int                `json:"version"`
	ExportedAt     time.Time          `json:"exported_at"`
	Stats          db.Stats           `json:"stats"`
	ClientRequests []db.ClientRequest `json:"client_requests"`
	ChatHistory    []db.ChatMessage   `json:"chat_history"`
	Sessions       []db.SessionRecord `json:"sessions"`
}

// ImportResult counts rows inserted per family. Rows whose key already
// exists are skipped.
type ImportResult struct {
	ClientRequests int64 `json:"client_requests"`
	ChatHistory    int64 `json:"chat_history"`
	Sessions       int64 `json:"sessions"`
}

// ExportService dumps and restores the chat store.
type ExportService struct {
	store  *ChatStoreService
	logger *slog.Logger
}

func NewExportService(store *ChatStoreService) *ExportService {
	return &ExportService{
		store:  store,
		logger: utils.GetLogger(),
	}
}

// Bundle loads every record family plus current stats.
func (s *ExportService) Bundle(ctx context.Context) (*ExportBundle, error) {
	reqs, err := s.store.GetAllRequests(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load client requests")
	}
	history, err := s.store.GetAllChatHistory(ctx, 0)
	if err != nil {
		return nil, errors.Wrap(err, "load chat history")
	}
	sessions, err := s.store.GetAllSessions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load sessions")
	}
	stats, err := s.store.GetStats(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load stats")
	}
	return &ExportBundle{
		Version:        bundleVersion,
		ExportedAt:     time.Now().UTC(),
		Stats:          *stats,
		ClientRequests: reqs,
		ChatHistory:    history,
		Sessions:       sessions,
	}, nil
}

// ========== Excel ==========

var (
	requestHeader = []any{"ID", "Session ID", "Email", "Name", "Phone", "Company", "Project Type",
		"Project Description", "Budget Range", "Timeline", "Submitted At", "IP Address", "User Agent", "Language", "Status"}
	historyHeader = []any{"ID", "Session ID", "Role", "Content", "Timestamp", "Email", "Language"}
	sessionHeader = []any{"Session ID", "Created At", "Last Activity", "Email", "Message Count", "Request Submitted"}
)

func requestRow(r db.ClientRequest) []string {
	return []string{
		strconv.FormatUint(uint64(r.ID), 10), r.SessionID, db.Deref(r.Email), db.Deref(r.Name), db.Deref(r.Phone),
		db.Deref(r.Company), db.Deref(r.ProjectType), db.Deref(r.ProjectDescription), db.Deref(r.BudgetRange),
		db.Deref(r.Timeline), formatTime(r.SubmittedAt), db.Deref(r.IPAddress), db.Deref(r.UserAgent), r.Language, r.Status,
	}
}

func historyRow(m db.ChatMessage) []string {
	return []string{
		strconv.FormatUint(uint64(m.ID), 10), m.SessionID, m.MessageRole, m.MessageContent,
		formatTime(m.Timestamp), db.Deref(m.Email), m.Language,
	}
}

func sessionRow(r db.SessionRecord) []string {
	return []string{
		r.SessionID, formatTime(r.CreatedAt), formatTime(r.LastActivity), db.Deref(r.Email),
		strconv.Itoa(r.MessageCount), strconv.FormatBool(r.RequestSubmitted),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func toAny(row []string) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = v
	}
	return out
}

func writeSheet(f *excelize.File, sheet string, header []any, rows [][]string) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return errors.Wrapf(err, "write %s header", sheet)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		vals := toAny(row)
		if err := f.SetSheetRow(sheet, cell, &vals); err != nil {
			return errors.Wrapf(err, "write %s row %d", sheet, i+1)
		}
	}
	return nil
}

// WriteExcel renders the workbook to w.
func (s *ExportService) WriteExcel(ctx context.Context, w io.Writer) error {
	b, err := s.Bundle(ctx)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetRequests); err != nil {
		return errors.Wrap(err, "rename default sheet")
	}
	for _, name := range []string{SheetHistory, SheetSessions, SheetStats} {
		if _, err := f.NewSheet(name); err != nil {
			return errors.Wrapf(err, "create sheet %s", name)
		}
	}

	reqRows := make([][]string, 0, len(b.ClientRequests))
	for _, r := range b.ClientRequests {
		reqRows = append(reqRows, requestRow(r))
	}
	histRows := make([][]string, 0, len(b.ChatHistory))
	for _, m := range b.ChatHistory {
		histRows = append(histRows, historyRow(m))
	}
	sessRows := make([][]string, 0, len(b.Sessions))
	for _, r := range b.Sessions {
		sessRows = append(sessRows, sessionRow(r))
	}
	statRows := [][]string{
		{"Total Sessions", strconv.FormatInt(b.Stats.TotalSessions, 10)},
		{"Total Messages", strconv.FormatInt(b.Stats.TotalMessages, 10)},
		{"Total Requests", strconv.FormatInt(b.Stats.TotalRequests, 10)},
		{"Pending Requests", strconv.FormatInt(b.Stats.PendingRequests, 10)},
	}

	if err := writeSheet(f, SheetRequests, requestHeader, reqRows); err != nil {
		return err
	}
	if err := writeSheet(f, SheetHistory, historyHeader, histRows); err != nil {
		return err
	}
	if err := writeSheet(f, SheetSessions, sessionHeader, sessRows); err != nil {
		return err
	}
	if err := writeSheet(f, SheetStats, []any{"Metric", "Value"}, statRows); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return errors.Wrap(err, "write workbook")
	}
	return nil
}

// ExportExcel writes the workbook to path.
func (s *ExportService) ExportExcel(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create export dir")
	}
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create export file")
	}
	if err := s.WriteExcel(ctx, out); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "close export file")
	}
	s.logger.Info("Data exported", "format", "xlsx", "path", path)
	return nil
}

// ========== CSV ==========

func writeCSV(path string, header []any, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	head := make([]string, len(header))
	for i, h := range header {
		head[i] = h.(string)
	}
	if err := w.Write(head); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	if err := w.WriteAll(rows); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return f.Close()
}

// ExportCSV writes client_requests.csv, chat_history.csv and sessions.csv
// into dir and returns their paths.
func (s *ExportService) ExportCSV(ctx context.Context, dir string) ([]string, error) {
	b, err := s.Bundle(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create export dir")
	}

	reqRows := make([][]string, 0, len(b.ClientRequests))
	for _, r := range b.ClientRequests {
		reqRows = append(reqRows, requestRow(r))
	}
	histRows := make([][]string, 0, len(b.ChatHistory))
	for _, m := range b.ChatHistory {
		histRows = append(histRows, historyRow(m))
	}
	sessRows := make([][]string, 0, len(b.Sessions))
	for _, r := range b.Sessions {
		sessRows = append(sessRows, sessionRow(r))
	}

	files := []struct {
		name   string
		header []any
		rows   [][]string
	}{
		{"client_requests.csv", requestHeader, reqRows},
		{"chat_history.csv", historyHeader, histRows},
		{"sessions.csv", sessionHeader, sessRows},
	}
	var paths []string
	for _, file := range files {
		path := filepath.Join(dir, file.name)
		if err := writeCSV(path, file.header, file.rows); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	s.logger.Info("Data exported", "format", "csv", "dir", dir)
	return paths, nil
}

// ========== JSON ==========

// ExportJSON writes the bundle as indented JSON.
func (s *ExportService) ExportJSON(ctx context.Context, w io.Writer) error {
	b, err := s.Bundle(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(b), "encode bundle")
}

// ImportJSON loads a bundle written by ExportJSON in one transaction.
func (s *ExportService) ImportJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var b ExportBundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, errors.Wrap(err, "decode bundle")
	}
	if b.Version > bundleVersion {
		return nil, errors.Errorf("unsupported bundle version %d", b.Version)
	}

	res := &ImportResult{}
	err := s.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		skip := func() *gorm.DB { return tx.Clauses(clause.OnConflict{DoNothing: true}) }
		if len(b.Sessions) > 0 {
			q := skip().Create(&b.Sessions)
			if q.Error != nil {
				return errors.Wrap(q.Error, "import sessions")
			}
			res.Sessions = q.RowsAffected
		}
		if len(b.ChatHistory) > 0 {
			q := skip().CreateInBatches(&b.ChatHistory, 200)
			if q.Error != nil {
				return errors.Wrap(q.Error, "import chat history")
			}
			res.ChatHistory = q.RowsAffected
		}
		if len(b.ClientRequests) > 0 {
			q := skip().Create(&b.ClientRequests)
			if q.Error != nil {
				return errors.Wrap(q.Error, "import client requests")
			}
			res.ClientRequests = q.RowsAffected
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Data imported", "sessions", res.Sessions, "messages", res.ChatHistory, "requests", res.ClientRequests)
	return res, nil
}
