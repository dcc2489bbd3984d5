// Chat Service - runs one /chat turn against the session store, the
// pipeline and the conversation log
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/infirad/hadi/pkg/db"
	"github.com/infirad/hadi/pkg/event"
	"github.com/infirad/hadi/pkg/models"
	"github.com/infirad/hadi/pkg/observability"
	"github.com/infirad/hadi/pkg/utils"
)

var ErrEmptyMessage = errors.New("message is required")

// ChatTurn is one inbound visitor message.
type ChatTurn struct {
	Message   string
	SessionID string
	UserID    string
	ClientIP  string
	UserAgent string
}

// ChatServiceOptions wires a ChatService.
type ChatServiceOptions struct {
	Agent    *AgentService
	Sessions SessionStore
	Store    *ChatStoreService
	Emitter  *event.Emitter
	Metrics  *observability.Metrics
	// MaxAge is the idle time after which Cleanup evicts a session.
	MaxAge time.Duration
}

// ChatService handles visitor chat operations
type ChatService struct {
	agent    *AgentService
	sessions SessionStore
	store    *ChatStoreService
	emitter  *event.Emitter
	metrics  *observability.Metrics
	maxAge   time.Duration
	logger   *slog.Logger
}

func NewChatService(opts ChatServiceOptions) *ChatService {
	if opts.Emitter == nil {
		opts.Emitter = event.Global()
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	return &ChatService{
		agent:    opts.Agent,
		sessions: opts.Sessions,
		store:    opts.Store,
		emitter:  opts.Emitter,
		metrics:  opts.Metrics,
		maxAge:   opts.MaxAge,
		logger:   utils.GetLogger(),
	}
}

// Sessions exposes the live session store.
func (s *ChatService) Sessions() SessionStore {
	return s.sessions
}

// ActiveSessions reports the number of live sessions.
func (s *ChatService) ActiveSessions(ctx context.Context) int {
	n := s.sessions.Count(ctx)
	s.metrics.SetActiveSessions(n)
	return n
}

// NewSession provisions a fresh session and its log row.
func (s *ChatService) NewSession(ctx context.Context, userID string) (*Session, error) {
	sess, err := s.sessions.Create(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.sessionCreated(ctx, sess.ID)
	return sess, nil
}

func (s *ChatService) sessionCreated(ctx context.Context, id string) {
	if err := s.store.CreateSession(ctx, id); err != nil {
		s.logger.Warn("Failed to log session", "session_id", id, "error", err)
	}
	s.logger.Info("Created new session", "session_id", id)
	s.emitter.Emit(event.SessionCreatedEvent{SessionID: id})
}

// Chat runs a full turn: session lookup, user log, pipeline, assistant log
// and session bookkeeping. Turns on the same session are serialized.
func (s *ChatService) Chat(ctx context.Context, turn ChatTurn) (*models.ChatResponse, error) {
	if turn.Message == "" {
		return nil, ErrEmptyMessage
	}

	sess, created, err := s.sessions.GetOrCreate(ctx, turn.SessionID, turn.UserID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if created {
		s.sessionCreated(ctx, sess.ID)
	}

	sess.Lock()
	defer sess.Unlock()

	// A turn that held the lock before us may have advanced the state.
	if fresh, err := s.sessions.Get(ctx, sess.ID); err == nil && fresh != sess {
		sess.setState(fresh.State)
	}

	// The pipeline works on a copy so readers of sess never see a half-run turn.
	state := sess.snapshotState()
	state.SessionID = sess.ID
	state.ClientIP = turn.ClientIP
	state.UserAgent = turn.UserAgent

	logged := 0
	if _, err := s.store.SaveChatMessage(ctx, sess.ID, "user", turn.Message, state.Email, state.Language, nil); err != nil {
		s.logger.Warn("Failed to log user message", "session_id", sess.ID, "error", err)
	} else {
		logged++
	}

	state, err = s.agent.Process(ctx, state, turn.Message)
	if err != nil {
		return nil, fmt.Errorf("process message: %w", err)
	}
	sess.setState(state)
	reply := state.LastResponse()

	var meta db.JSONMap
	if len(state.StageErrors) > 0 {
		meta = db.JSONMap{"stage_errors": state.StageErrors}
	}
	if _, err := s.store.SaveChatMessage(ctx, sess.ID, "assistant", reply, state.Email, state.Language, meta); err != nil {
		s.logger.Warn("Failed to log assistant message", "session_id", sess.ID, "error", err)
	} else {
		logged++
	}
	if err := s.store.UpdateSession(ctx, sess.ID, SessionUpdate{Email: state.Email, IncrementMessages: logged}); err != nil {
		s.logger.Warn("Failed to update session log", "session_id", sess.ID, "error", err)
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	s.emitter.Emit(event.ChatRepliedEvent{
		SessionID:      sess.ID,
		EmailCollected: state.Email != "",
		ReadyToSubmit:  state.ReadyToSubmit,
	})
	if state.SubmittedThisTurn() {
		s.logger.Info("Client request submitted", "session_id", sess.ID)
		s.emitter.Emit(event.LeadSubmittedEvent{SessionID: sess.ID})
	}

	resp := &models.ChatResponse{
		Response:         reply,
		SessionID:        sess.ID,
		EmailCollected:   state.Email != "",
		ReadyToSubmit:    state.ReadyToSubmit,
		RequestSubmitted: state.RequestSubmitted,
	}
	if state.Email != "" {
		email := state.Email
		resp.Email = &email
	}
	return resp, nil
}

// SessionInfo describes a live session, or returns ErrSessionNotFound.
func (s *ChatService) SessionInfo(ctx context.Context, id string) (*models.SessionInfo, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// No turn lock: a running turn would hold this read for a whole completion.
	state, lastActivity := sess.view()

	info := &models.SessionInfo{
		SessionID:      sess.ID,
		CreatedAt:      sess.CreatedAt,
		LastActivity:   lastActivity,
		MessageCount:   len(state.Messages),
		EmailCollected: state.Email != "",
	}
	if state.Email != "" {
		email := state.Email
		info.Email = &email
	}
	return info, nil
}

// CleanupSessions evicts sessions idle longer than the configured max age.
func (s *ChatService) CleanupSessions(ctx context.Context) ([]string, error) {
	evicted, err := s.sessions.Cleanup(ctx, s.maxAge)
	if err != nil {
		return nil, err
	}
	if len(evicted) > 0 {
		s.logger.Info("Cleaned up old sessions", "count", len(evicted))
		s.metrics.RecordEvictions(len(evicted))
		s.emitter.Emit(event.SessionEvictedEvent{SessionIDs: evicted})
	}
	s.metrics.SetActiveSessions(s.sessions.Count(ctx))
	return evicted, nil
}
