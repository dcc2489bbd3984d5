// Database models for chat logs, sessions and client requests
package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ChatMessage is one logged turn. The table is append-only.
type ChatMessage struct {
	ID             uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionID      string    `json:"session_id" gorm:"index;size:64;not null"`
	MessageRole    string    `json:"message_role" gorm:"size:20;not null"` // user, assistant
	MessageContent string    `json:"message_content" gorm:"type:text;not null"`
	Timestamp      time.Time `json:"timestamp" gorm:"autoCreateTime"`
	Email          *string   `json:"email,omitempty" gorm:"size:255"`
	Language       string    `json:"language" gorm:"size:10"`
	Metadata       JSONMap   `json:"metadata,omitempty" gorm:"type:json"`
}

func (ChatMessage) TableName() string {
	return "chat_history"
}

// ClientRequest is a submitted lead. Only Status changes after insert.
type ClientRequest struct {
	ID                 uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionID          string    `json:"session_id" gorm:"index;size:64"`
	Email              *string   `json:"email,omitempty" gorm:"size:255"`
	Name               *string   `json:"name,omitempty" gorm:"size:255"`
	Phone              *string   `json:"phone,omitempty" gorm:"size:64"`
	Company            *string   `json:"company,omitempty" gorm:"size:255"`
	ProjectType        *string   `json:"project_type,omitempty" gorm:"size:100"`
	ProjectDescription *string   `json:"project_description,omitempty" gorm:"type:text"`
	BudgetRange        *string   `json:"budget_range,omitempty" gorm:"size:100"`
	Timeline           *string   `json:"timeline,omitempty" gorm:"size:100"`
	SubmittedAt        time.Time `json:"submitted_at" gorm:"autoCreateTime"`
	IPAddress          *string   `json:"ip_address,omitempty" gorm:"size:64"`
	UserAgent          *string   `json:"user_agent,omitempty" gorm:"size:512"`
	Language           string    `json:"language" gorm:"size:10"`
	Status             string    `json:"status" gorm:"size:20;default:'new';index"`
}

func (ClientRequest) TableName() string {
	return "client_requests"
}

// Client request status
const (
	RequestStatusNew        = "new"
	RequestStatusInProgress = "in_progress"
	RequestStatusHandled    = "handled"
	RequestStatusRejected   = "rejected"
)

// ValidRequestStatus reports whether s is a known client request status.
func ValidRequestStatus(s string) bool {
	switch s {
	case RequestStatusNew, RequestStatusInProgress, RequestStatusHandled, RequestStatusRejected:
		return true
	}
	return false
}

// SessionRecord is the durable summary of a chat session.
type SessionRecord struct {
	SessionID        string    `json:"session_id" gorm:"primaryKey;column:session_id;size:64"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
	Email            *string   `json:"email,omitempty" gorm:"size:255"`
	MessageCount     int       `json:"message_count" gorm:"default:0"`
	RequestSubmitted bool      `json:"request_submitted" gorm:"default:false"`
}

func (SessionRecord) TableName() string {
	return "sessions"
}

// Stats are derived counts, recomputed on every call.
type Stats struct {
	TotalSessions   int64 `json:"total_sessions"`
	TotalMessages   int64 `json:"total_messages"`
	TotalRequests   int64 `json:"total_requests"`
	PendingRequests int64 `json:"pending_requests"`
}

// AllModels lists the tables managed by AutoMigrate.
func AllModels() []any {
	return []any{&ChatMessage{}, &ClientRequest{}, &SessionRecord{}}
}

// ========== Helper Types ==========

// JSONMap is stored as a JSON document column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer for JSONMap
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for JSONMap
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONMap source %T", value)
	}
	if len(bytes) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// StrPtr returns nil for the empty string.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
