package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/infirad/hadi/pkg/observability"
	"github.com/infirad/hadi/pkg/utils"
)

// Pipeline stage names, also used as eino node names and span names.
const (
	StageRetrieve = "retrieve"
	StageExtract  = "extract"
	StageGenerate = "generate"
	StageSubmit   = "submit"
)

// AgentOptions wires the pipeline's collaborators. Only ChatModel is
// required.
type AgentOptions struct {
	Instructions string
	ChatModel    einoModel.BaseChatModel
	Retriever    Retriever
	Sink         LeadSink
	// DedupeLeads submits at most one lead per session.
	DedupeLeads bool
	// Timeout bounds a single completion call; zero means no limit.
	Timeout time.Duration
	Metrics *observability.Metrics
}

// AgentService runs one visitor turn through retrieve, extract, generate and
// submit.
type AgentService struct {
	opts     AgentOptions
	runnable compose.Runnable[*ConversationState, *ConversationState]
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewAgentService compiles the pipeline.
func NewAgentService(ctx context.Context, opts AgentOptions) (*AgentService, error) {
	if opts.ChatModel == nil {
		return nil, errors.New("chat model is required")
	}
	if opts.Instructions == "" {
		utils.GetLogger().Warn("Running without assistant instructions")
	}

	a := &AgentService{
		opts:   opts,
		tracer: observability.Tracer("hadi/agent"),
		logger: utils.GetLogger(),
	}

	chain := compose.NewChain[*ConversationState, *ConversationState]()
	chain.
		AppendLambda(compose.InvokableLambda(a.stage(StageRetrieve, a.retrieve)), compose.WithNodeName(StageRetrieve)).
		AppendLambda(compose.InvokableLambda(a.stage(StageExtract, a.extract)), compose.WithNodeName(StageExtract)).
		AppendLambda(compose.InvokableLambda(a.stage(StageGenerate, a.generate)), compose.WithNodeName(StageGenerate)).
		AppendLambda(compose.InvokableLambda(a.stage(StageSubmit, a.submit)), compose.WithNodeName(StageSubmit))

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile pipeline: %w", err)
	}
	a.runnable = runnable
	return a, nil
}

// Process appends message as a user turn and runs the pipeline. Stage
// failures never surface as errors; they are recorded in StageErrors and the
// turn still completes. The caller must hold the session's turn lock.
func (a *AgentService) Process(ctx context.Context, state *ConversationState, message string) (*ConversationState, error) {
	ctx, span := a.tracer.Start(ctx, "hadi.turn", trace.WithAttributes(
		attribute.String("session.id", state.SessionID),
	))
	defer span.End()

	state.StageErrors = nil
	state.submittedThisTurn = false
	state.Messages = append(state.Messages, schema.UserMessage(message))

	out, err := a.runnable.Invoke(ctx, state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return state, err
	}
	a.opts.Metrics.RecordChatTurn()
	span.SetAttributes(
		attribute.Bool("lead.ready", out.ReadyToSubmit),
		attribute.Bool("lead.submitted", out.RequestSubmitted),
	)
	return out, nil
}

type stageFunc func(ctx context.Context, state *ConversationState) error

// stage wraps fn with a span, timing and fallback accounting.
func (a *AgentService) stage(name string, fn stageFunc) func(context.Context, *ConversationState) (*ConversationState, error) {
	return func(ctx context.Context, state *ConversationState) (*ConversationState, error) {
		ctx, span := a.tracer.Start(ctx, "hadi.stage."+name)
		defer span.End()

		start := time.Now()
		err := fn(ctx, state)
		if err != nil {
			state.recordFallback(name, err)
			span.RecordError(err)
			a.logger.Warn("Pipeline stage fell back", "stage", name, "session_id", state.SessionID, "error", err)
		}
		a.opts.Metrics.RecordStage(name, time.Since(start), err != nil)
		return state, nil
	}
}

// retrieve looks up company passages for the newest user turn.
func (a *AgentService) retrieve(ctx context.Context, state *ConversationState) error {
	state.Context = ""
	if a.opts.Retriever == nil || !state.lastTurnIsUser() {
		return nil
	}
	query := state.Messages[len(state.Messages)-1].Content
	passages, err := a.opts.Retriever.Search(ctx, query, contextPassages)
	if errors.Is(err, ErrKnowledgeUnavailable) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("search knowledge: %w", err)
	}
	state.Context = strings.Join(passages, "\n\n")
	return nil
}

func (a *AgentService) extract(_ context.Context, state *ConversationState) error {
	extractInfo(state)
	return nil
}

// generate asks the model for the next assistant turn. On failure the turn
// is an apology carrying the error text.
func (a *AgentService) generate(ctx context.Context, state *ConversationState) error {
	messages := make([]*schema.Message, 0, len(state.Messages)+1)
	messages = append(messages, schema.SystemMessage(BuildSystemPrompt(a.opts.Instructions, state)))
	messages = append(messages, state.Messages...)

	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := a.opts.ChatModel.Generate(ctx, messages)
	a.opts.Metrics.RecordCompletion(time.Since(start))
	if err == nil && reply == nil {
		err = errors.New("empty completion")
	}
	if err != nil {
		state.Messages = append(state.Messages, schema.AssistantMessage(apology(err), nil))
		return err
	}

	state.Messages = append(state.Messages, schema.AssistantMessage(reply.Content, nil))
	if state.ReadyToSubmit {
		state.RequestSummary = summarize(state)
	}
	return nil
}

// submit hands a ready conversation to the lead sinks.
func (a *AgentService) submit(ctx context.Context, state *ConversationState) error {
	if !state.ReadyToSubmit || state.Email == "" || a.opts.Sink == nil {
		return nil
	}
	if a.opts.DedupeLeads && state.RequestSubmitted {
		return nil
	}
	if state.RequestSummary == "" {
		state.RequestSummary = summarize(state)
	}

	lead := NewLead(state.SessionID, state)
	err := a.opts.Sink.SubmitLead(ctx, lead)
	// A stored row counts as submitted even if a notification sink failed.
	if err == nil || lead.RequestID != 0 {
		state.RequestSubmitted = true
		state.submittedThisTurn = true
		a.logger.Info("Request forwarded", "session_id", state.SessionID, "email", utils.MaskSensitiveString(state.Email))
	}
	if err != nil {
		a.opts.Metrics.RecordLead("error")
		return fmt.Errorf("submit lead: %w", err)
	}
	a.opts.Metrics.RecordLead("ok")
	return nil
}
