// Lead sinks: where a qualified conversation is handed off for sales follow-up
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/slack-go/slack"

	"github.com/infirad/hadi/pkg/db"
	"github.com/infirad/hadi/pkg/utils"
)

// LeadTurn is one message of the conversation attached to a lead.
type LeadTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Lead is a snapshot of a ready conversation.
type Lead struct {
	SessionID    string     `json:"session_id"`
	UserID       string     `json:"user_id"`
	Email        string     `json:"email"`
	Summary      string     `json:"summary"`
	Language     string     `json:"language"`
	ClientIP     string     `json:"ip_address,omitempty"`
	UserAgent    string     `json:"user_agent,omitempty"`
	Conversation []LeadTurn `json:"conversation"`
	SubmittedAt  time.Time  `json:"timestamp"`

	// RequestID is filled by StoreSink once the row exists.
	RequestID uint `json:"request_id,omitempty"`
}

// NewLead snapshots state for sessionID.
func NewLead(sessionID string, state *ConversationState) *Lead {
	turns := make([]LeadTurn, 0, len(state.Messages))
	for _, m := range state.Messages {
		turns = append(turns, LeadTurn{Role: string(m.Role), Content: m.Content})
	}
	return &Lead{
		SessionID:    sessionID,
		UserID:       state.UserID,
		Email:        state.Email,
		Summary:      state.RequestSummary,
		Language:     state.Language,
		ClientIP:     state.ClientIP,
		UserAgent:    state.UserAgent,
		Conversation: turns,
		SubmittedAt:  time.Now(),
	}
}

// LeadSink receives leads from the submit stage.
type LeadSink interface {
	SubmitLead(ctx context.Context, lead *Lead) error
}

// LeadSinkFunc adapts a function to LeadSink.
type LeadSinkFunc func(ctx context.Context, lead *Lead) error

func (f LeadSinkFunc) SubmitLead(ctx context.Context, lead *Lead) error { return f(ctx, lead) }

// MultiSink fans a lead out to every sink in order. A failing sink does not
// stop the rest; the joined error is returned.
type MultiSink struct {
	sinks  []LeadSink
	logger *slog.Logger
}

// NewMultiSink drops nil entries.
func NewMultiSink(sinks ...LeadSink) *MultiSink {
	m := &MultiSink{logger: utils.GetLogger()}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len reports the number of configured sinks.
func (m *MultiSink) Len() int { return len(m.sinks) }

func (m *MultiSink) SubmitLead(ctx context.Context, lead *Lead) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.SubmitLead(ctx, lead); err != nil {
			m.logger.Warn("Lead sink failed", "sink", fmt.Sprintf("%T", s), "session_id", lead.SessionID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ========== StoreSink ==========

// StoreSink writes the lead to client_requests and flags the session.
type StoreSink struct {
	store *ChatStoreService
}

func NewStoreSink(store *ChatStoreService) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) SubmitLead(ctx context.Context, lead *Lead) error {
	id, err := s.store.SaveClientRequest(ctx, &db.ClientRequest{
		SessionID:          lead.SessionID,
		Email:              db.StrPtr(lead.Email),
		ProjectDescription: db.StrPtr(lead.Summary),
		IPAddress:          db.StrPtr(lead.ClientIP),
		UserAgent:          db.StrPtr(lead.UserAgent),
		Language:           lead.Language,
		SubmittedAt:        lead.SubmittedAt,
	})
	if err != nil {
		return err
	}
	lead.RequestID = id
	return s.store.UpdateSession(ctx, lead.SessionID, SessionUpdate{RequestSubmitted: true})
}

// ========== RequestFileSink ==========

// RequestFileSink writes each lead as a standalone JSON document.
type RequestFileSink struct {
	dir string
}

func NewRequestFileSink(dir string) *RequestFileSink {
	return &RequestFileSink{dir: dir}
}

// requestFile is the on-disk layout of a saved request.
type requestFile struct {
	Timestamp    string     `json:"timestamp"`
	UserID       string     `json:"user_id"`
	SessionID    string     `json:"session_id"`
	Email        string     `json:"email"`
	Summary      string     `json:"summary"`
	Conversation []LeadTurn `json:"conversation"`
}

func (s *RequestFileSink) SubmitLead(_ context.Context, lead *Lead) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create request dir: %w", err)
	}

	userID := lead.UserID
	if userID == "" {
		userID = "unknown"
	}
	b, err := json.MarshalIndent(requestFile{
		Timestamp:    lead.SubmittedAt.Format(time.RFC3339Nano),
		UserID:       userID,
		SessionID:    lead.SessionID,
		Email:        lead.Email,
		Summary:      lead.Summary,
		Conversation: lead.Conversation,
	}, "", "  ")
	if err != nil {
		return err
	}

	// The short suffix keeps two leads in the same second apart.
	name := fmt.Sprintf("request_%s_%s.json", lead.SubmittedAt.Format("20060102_150405"), uuid.New().String()[:8])
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write request file: %w", err)
	}
	utils.GetLogger().Info("Request saved", "path", path)
	return nil
}

// ========== SlackSink ==========

// SlackSink notifies a sales channel through an incoming webhook.
type SlackSink struct {
	webhookURL string
}

func NewSlackSink(webhookURL string) *SlackSink {
	return &SlackSink{webhookURL: webhookURL}
}

func (s *SlackSink) SubmitLead(ctx context.Context, lead *Lead) error {
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "New client request", false, false))
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Email:*\n"+lead.Email, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Language:*\n"+lead.Language, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Session:*\n"+lead.SessionID, false, false),
	}
	summary := lead.Summary
	if summary == "" {
		summary = "_no summary_"
	}
	body := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, summary, false, false), fields, nil)

	msg := &slack.WebhookMessage{
		Text:   fmt.Sprintf("New client request from %s", lead.Email),
		Blocks: &slack.Blocks{BlockSet: []slack.Block{header, body}},
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}

// ========== SQLForwardSink ==========

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLForwardSink inserts each lead into a table of an external database,
// typically the CRM's staging schema.
type SQLForwardSink struct {
	db     *sql.DB
	driver string
	table  string
}

// OpenSQLForwardSink opens driver ("postgres", "mysql") at dsn.
func OpenSQLForwardSink(driver, dsn, table string) (*SQLForwardSink, error) {
	switch driver {
	case "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported forward driver %q", driver)
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return NewSQLForwardSink(sqlDB, driver, table)
}

// NewSQLForwardSink wraps an open handle. The table must already exist with
// columns session_id, email, summary, language, submitted_at.
func NewSQLForwardSink(sqlDB *sql.DB, driver, table string) (*SQLForwardSink, error) {
	if table == "" {
		table = "leads"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid forward table name %q", table)
	}
	return &SQLForwardSink{db: sqlDB, driver: driver, table: table}, nil
}

func (s *SQLForwardSink) placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		if s.driver == "postgres" {
			ph[i] = fmt.Sprintf("$%d", i+1)
		} else {
			ph[i] = "?"
		}
	}
	return strings.Join(ph, ", ")
}

func (s *SQLForwardSink) SubmitLead(ctx context.Context, lead *Lead) error {
	query := fmt.Sprintf("INSERT INTO %s (session_id, email, summary, language, submitted_at) VALUES (%s)",
		s.table, s.placeholders(5))
	_, err := s.db.ExecContext(ctx, query, lead.SessionID, lead.Email, lead.Summary, lead.Language, lead.SubmittedAt.UTC())
	if err != nil {
		return fmt.Errorf("forward lead: %w", err)
	}
	return nil
}

// Close releases the external connection pool.
func (s *SQLForwardSink) Close() error {
	return s.db.Close()
}
