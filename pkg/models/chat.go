package models

import "time"

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message   string `json:"message" binding:"required"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// ChatResponse is returned by POST /chat.
type ChatResponse struct {
	Response         string  `json:"response"`
	SessionID        string  `json:"session_id"`
	EmailCollected   bool    `json:"email_collected"`
	Email            *string `json:"email"`
	ReadyToSubmit    bool    `json:"ready_to_submit"`
	RequestSubmitted bool    `json:"request_submitted"`
}

// SessionInfo is returned by GET /session/:id.
type SessionInfo struct {
	SessionID      string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	MessageCount   int       `json:"message_count"`
	EmailCollected bool      `json:"email_collected"`
	Email          *string   `json:"email"`
}

// NewSessionResponse is returned by GET /session/new.
type NewSessionResponse struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status         string    `json:"status"`
	Service        string    `json:"service"`
	Timestamp      time.Time `json:"timestamp"`
	SessionsActive int       `json:"sessions_active"`
}

// UpdateStatusRequest is the body of PUT /admin/requests/:id/status.
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// ServiceName is reported by the health endpoint.
const ServiceName = "hadi-chat-api"
