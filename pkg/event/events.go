package event

// ============================================================================
// Event Names (constants)
// ============================================================================

const (
	SessionCreated    = "session.created"
	SessionEvicted    = "session.evicted"
	ChatReplied       = "chat.replied"
	LeadSubmitted     = "lead.submitted"
	LeadStatusChanged = "lead.statusChanged"
	DataExported      = "data.exported"
)

// SessionScoped is implemented by events that belong to one visitor session.
type SessionScoped interface {
	Event
	Session() string
}

// ============================================================================
// Session Events
// ============================================================================

// SessionCreatedEvent is emitted when a session is provisioned.
type SessionCreatedEvent struct {
	SessionID string `json:"session_id"`
}

func (e SessionCreatedEvent) EventName() string { return SessionCreated }
func (e SessionCreatedEvent) Session() string   { return e.SessionID }

// SessionEvictedEvent is emitted by cleanup for idle sessions.
type SessionEvictedEvent struct {
	SessionIDs []string `json:"session_ids"`
}

func (e SessionEvictedEvent) EventName() string { return SessionEvicted }

// ============================================================================
// Chat Events
// ============================================================================

// ChatRepliedEvent is emitted after an assistant turn is stored.
type ChatRepliedEvent struct {
	SessionID      string `json:"session_id"`
	EmailCollected bool   `json:"email_collected"`
	ReadyToSubmit  bool   `json:"ready_to_submit"`
}

func (e ChatRepliedEvent) EventName() string { return ChatReplied }
func (e ChatRepliedEvent) Session() string   { return e.SessionID }

// ============================================================================
// Lead Events
// ============================================================================

// LeadSubmittedEvent is emitted when a conversation is handed to the sinks.
type LeadSubmittedEvent struct {
	SessionID string `json:"session_id"`
	RequestID uint   `json:"request_id,omitempty"`
}

func (e LeadSubmittedEvent) EventName() string { return LeadSubmitted }
func (e LeadSubmittedEvent) Session() string   { return e.SessionID }

// LeadStatusChangedEvent is emitted when an operator moves a request.
type LeadStatusChangedEvent struct {
	RequestID uint   `json:"request_id"`
	Status    string `json:"status"`
}

func (e LeadStatusChangedEvent) EventName() string { return LeadStatusChanged }

// DataExportedEvent is emitted after a scheduled or manual export.
type DataExportedEvent struct {
	Format string   `json:"format"`
	Files  []string `json:"files"`
}

func (e DataExportedEvent) EventName() string { return DataExported }
