// Chat store: durable chat log, session summaries and client requests
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/infirad/hadi/pkg/db"
	"github.com/infirad/hadi/pkg/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRequestNotFound = errors.New("client request not found")
	ErrInvalidStatus   = errors.New("invalid request status")
)

// ChatStoreService persists the three record families. Every write commits
// on its own; nothing spans families.
type ChatStoreService struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewChatStore wraps an already migrated database.
func NewChatStore(database *gorm.DB) *ChatStoreService {
	return &ChatStoreService{
		db:     database,
		logger: utils.GetLogger(),
	}
}

// OpenChatStore opens the SQLite file at path.
func OpenChatStore(path string) (*ChatStoreService, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	return NewChatStore(database), nil
}

// DB exposes the underlying handle.
func (s *ChatStoreService) DB() *gorm.DB {
	return s.db
}

// AutoMigrate creates database tables
func (s *ChatStoreService) AutoMigrate() error {
	return s.db.AutoMigrate(db.AllModels()...)
}

// Close releases the connection pool.
func (s *ChatStoreService) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ========== Chat history ==========

// SaveChatMessage appends one turn to the log.
func (s *ChatStoreService) SaveChatMessage(ctx context.Context, sessionID, role, content, email, language string, metadata db.JSONMap) (*db.ChatMessage, error) {
	msg := &db.ChatMessage{
		SessionID:      sessionID,
		MessageRole:    role,
		MessageContent: content,
		Timestamp:      time.Now(),
		Email:          db.StrPtr(email),
		Language:       language,
		Metadata:       metadata,
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("save chat message: %w", err)
	}
	return msg, nil
}

// GetSessionHistory returns a session's turns, oldest first.
func (s *ChatStoreService) GetSessionHistory(ctx context.Context, sessionID string) ([]db.ChatMessage, error) {
	var out []db.ChatMessage
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC, id ASC").
		Find(&out).Error
	return out, err
}

// GetAllChatHistory returns the newest turns first; limit <= 0 means all.
func (s *ChatStoreService) GetAllChatHistory(ctx context.Context, limit int) ([]db.ChatMessage, error) {
	var out []db.ChatMessage
	q := s.db.WithContext(ctx).Order("timestamp DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ========== Client requests ==========

// SaveClientRequest inserts a new lead row with status "new".
func (s *ChatStoreService) SaveClientRequest(ctx context.Context, req *db.ClientRequest) (uint, error) {
	if req.Status == "" {
		req.Status = db.RequestStatusNew
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		return 0, fmt.Errorf("save client request: %w", err)
	}
	return req.ID, nil
}

// UpdateClientRequestStatus is the only mutation allowed on a lead.
func (s *ChatStoreService) UpdateClientRequestStatus(ctx context.Context, id uint, status string) error {
	if !db.ValidRequestStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	res := s.db.WithContext(ctx).Model(&db.ClientRequest{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// GetClientRequest loads one lead by id.
func (s *ChatStoreService) GetClientRequest(ctx context.Context, id uint) (*db.ClientRequest, error) {
	var req db.ClientRequest
	err := s.db.WithContext(ctx).First(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// GetAllRequests returns every lead, newest first.
func (s *ChatStoreService) GetAllRequests(ctx context.Context) ([]db.ClientRequest, error) {
	var out []db.ClientRequest
	err := s.db.WithContext(ctx).Order("submitted_at DESC, id DESC").Find(&out).Error
	return out, err
}

// GetPendingRequests returns leads still in status "new".
func (s *ChatStoreService) GetPendingRequests(ctx context.Context) ([]db.ClientRequest, error) {
	return s.GetRequestsByStatus(ctx, db.RequestStatusNew)
}

// GetRequestsByStatus filters leads by status, newest first.
func (s *ChatStoreService) GetRequestsByStatus(ctx context.Context, status string) ([]db.ClientRequest, error) {
	var out []db.ClientRequest
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("submitted_at DESC, id DESC").
		Find(&out).Error
	return out, err
}

// CountRequestsForSession is used to enforce one lead per session.
func (s *ChatStoreService) CountRequestsForSession(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&db.ClientRequest{}).Where("session_id = ?", sessionID).Count(&n).Error
	return n, err
}

// ========== Sessions ==========

// CreateSession inserts a session row unless it already exists.
func (s *ChatStoreService) CreateSession(ctx context.Context, sessionID string) error {
	now := time.Now()
	rec := &db.SessionRecord{SessionID: sessionID, CreatedAt: now, LastActivity: now}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
}

// SessionUpdate describes the optional changes applied by UpdateSession.
type SessionUpdate struct {
	Email             string
	IncrementMessages int
	RequestSubmitted  bool
}

// UpdateSession touches last_activity and applies the given changes. A
// missing row is created first so counters never get lost.
func (s *ChatStoreService) UpdateSession(ctx context.Context, sessionID string, upd SessionUpdate) error {
	if err := s.CreateSession(ctx, sessionID); err != nil {
		return err
	}

	updates := map[string]interface{}{"last_activity": time.Now()}
	if upd.Email != "" {
		updates["email"] = upd.Email
	}
	if upd.IncrementMessages > 0 {
		updates["message_count"] = gorm.Expr("message_count + ?", upd.IncrementMessages)
	}
	if upd.RequestSubmitted {
		updates["request_submitted"] = true
	}
	return s.db.WithContext(ctx).Model(&db.SessionRecord{}).Where("session_id = ?", sessionID).Updates(updates).Error
}

// GetSessionRecord loads one session summary.
func (s *ChatStoreService) GetSessionRecord(ctx context.Context, sessionID string) (*db.SessionRecord, error) {
	var rec db.SessionRecord
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetAllSessions returns session summaries, newest first.
func (s *ChatStoreService) GetAllSessions(ctx context.Context) ([]db.SessionRecord, error) {
	var out []db.SessionRecord
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error
	return out, err
}

// ========== Stats ==========

// GetStats recomputes the aggregate counts.
func (s *ChatStoreService) GetStats(ctx context.Context) (*db.Stats, error) {
	var st db.Stats
	tx := s.db.WithContext(ctx)
	if err := tx.Model(&db.SessionRecord{}).Count(&st.TotalSessions).Error; err != nil {
		return nil, err
	}
	if err := tx.Model(&db.ChatMessage{}).Count(&st.TotalMessages).Error; err != nil {
		return nil, err
	}
	if err := tx.Model(&db.ClientRequest{}).Count(&st.TotalRequests).Error; err != nil {
		return nil, err
	}
	if err := tx.Model(&db.ClientRequest{}).Where("status = ?", db.RequestStatusNew).Count(&st.PendingRequests).Error; err != nil {
		return nil, err
	}
	return &st, nil
}
