package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/infirad/hadi/pkg/config"
	"github.com/infirad/hadi/pkg/event"
	"github.com/infirad/hadi/pkg/observability"
	"github.com/infirad/hadi/pkg/service"
	"github.com/infirad/hadi/pkg/utils"
)

// App holds every long-lived service of a running server.
type App struct {
	cfg     *config.AppConfig
	logger  *slog.Logger
	emitter *event.Emitter
	metrics *observability.Metrics

	store       *service.ChatStoreService
	knowledge   *service.KnowledgeService
	chat        *service.ChatService
	export      *service.ExportService
	maintenance *service.MaintenanceService

	closers []func() error
}

// NewApp builds the service graph from cfg. Optional integrations that fail
// to come up are logged and left out.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	a := &App{
		cfg:     cfg,
		logger:  utils.GetLogger(),
		emitter: event.Global(),
	}
	if cfg.MetricsEnabled() {
		a.metrics = observability.NewMetrics()
	}

	if err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:  cfg.Telemetry.ServiceName,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	}); err != nil {
		a.logger.Warn("Tracing disabled", "error", err)
	}

	store, err := service.OpenChatStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	a.logger.Info("Database initialized", "path", cfg.Database.Path)

	models := service.NewModelService()
	chatModel, err := models.CreateChatModel(ctx, cfg.LLM)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	a.logger.Info("Completion service ready",
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"api_key", utils.MaskSensitiveString(cfg.LLM.APIKey))

	ef, err := models.CreateEmbeddingFunc(ctx, cfg.Embedding)
	if err != nil {
		a.logger.Warn("Embedding provider unavailable, knowledge retrieval disabled", "error", err)
		ef = nil
	}
	a.knowledge, err = service.NewKnowledgeService(cfg.Knowledge, ef)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	if _, err := a.knowledge.Index(ctx); err != nil {
		a.logger.Warn("Failed to index documents", "dir", cfg.Knowledge.DocsDir, "error", err)
	}

	agent, err := service.NewAgentService(ctx, service.AgentOptions{
		Instructions: service.LoadInstructions(cfg.Agent.InstructionsPath),
		ChatModel:    chatModel,
		Retriever:    a.knowledge,
		Sink:         a.buildSinks(),
		DedupeLeads:  cfg.DedupeLeads(),
		Timeout:      cfg.LLM.Timeout,
		Metrics:      a.metrics,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	sessions, err := a.buildSessions()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.chat = service.NewChatService(service.ChatServiceOptions{
		Agent:    agent,
		Sessions: sessions,
		Store:    store,
		Emitter:  a.emitter,
		Metrics:  a.metrics,
		MaxAge:   cfg.Session.MaxAge,
	})
	a.export = service.NewExportService(store)
	a.maintenance = service.NewMaintenanceService(a.chat, a.export, a.emitter, service.MaintenanceConfig{
		CleanupSchedule: cfg.Maintenance.CleanupSchedule,
		ExportSchedule:  cfg.Maintenance.ExportSchedule,
		ExportDir:       cfg.Maintenance.ExportDir,
	})
	return a, nil
}

func (a *App) buildSinks() service.LeadSink {
	cfg := a.cfg.Leads
	sinks := []service.LeadSink{service.NewStoreSink(a.store)}
	if cfg.RequestDir != "" {
		sinks = append(sinks, service.NewRequestFileSink(cfg.RequestDir))
	}
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, service.NewSlackSink(cfg.SlackWebhookURL))
		a.logger.Info("Slack notifications enabled")
	}
	if cfg.Forward.Driver != "" {
		fwd, err := service.OpenSQLForwardSink(cfg.Forward.Driver, cfg.Forward.DSN, cfg.Forward.Table)
		if err != nil {
			a.logger.Warn("Lead forwarding disabled", "driver", cfg.Forward.Driver, "error", err)
		} else {
			sinks = append(sinks, fwd)
			a.closers = append(a.closers, fwd.Close)
			a.logger.Info("Lead forwarding enabled", "driver", cfg.Forward.Driver, "table", cfg.Forward.Table)
		}
	}
	return service.NewMultiSink(sinks...)
}

func (a *App) buildSessions() (service.SessionStore, error) {
	language := a.cfg.Agent.DefaultLanguage
	if a.cfg.Session.Backend != "redis" {
		return service.NewMemorySessionStore(language), nil
	}
	rs, err := service.NewRedisSessionStore(service.RedisSessionConfig{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		Prefix:   a.cfg.Redis.Prefix,
		TTL:      a.cfg.Session.MaxAge,
		Language: language,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis session store: %w", err)
	}
	a.closers = append(a.closers, rs.Close)
	a.logger.Info("Using Redis session store", "addr", a.cfg.Redis.Addr)
	return rs, nil
}

// Close stops background jobs and releases resources in reverse order.
func (a *App) Close(ctx context.Context) {
	if a.maintenance != nil {
		a.maintenance.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Error during shutdown", "error", err)
		}
	}
	a.closers = nil
	if err := observability.ShutdownTracing(ctx); err != nil {
		a.logger.Warn("Failed to flush traces", "error", err)
	}
}
