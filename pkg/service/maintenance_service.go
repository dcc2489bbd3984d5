// Maintenance service - scheduled session cleanup and data exports
package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/infirad/hadi/pkg/event"
	"github.com/infirad/hadi/pkg/utils"
)

// MaintenanceConfig holds the cron schedules. An empty schedule disables
// that job.
type MaintenanceConfig struct {
	CleanupSchedule string
	ExportSchedule  string
	ExportDir       string
}

// MaintenanceService runs background jobs on cron schedules.
type MaintenanceService struct {
	chat    *ChatService
	export  *ExportService
	emitter *event.Emitter
	config  MaintenanceConfig
	logger  *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewMaintenanceService creates the scheduler; call Start to run it.
func NewMaintenanceService(chat *ChatService, export *ExportService, emitter *event.Emitter, config MaintenanceConfig) *MaintenanceService {
	if emitter == nil {
		emitter = event.Global()
	}
	logger := utils.GetLogger()
	cronLog := cronLogger{logger: logger}
	return &MaintenanceService{
		chat:    chat,
		export:  export,
		emitter: emitter,
		config:  config,
		logger:  logger,
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
	}
}

// Start registers the configured jobs and starts the scheduler.
func (s *MaintenanceService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if s.config.CleanupSchedule != "" && s.chat != nil {
		if _, err := s.cron.AddFunc(s.config.CleanupSchedule, s.runCleanup); err != nil {
			return fmt.Errorf("invalid cleanup schedule %q: %w", s.config.CleanupSchedule, err)
		}
		s.logger.Info("Session cleanup scheduled", "schedule", s.config.CleanupSchedule)
	}
	if s.config.ExportSchedule != "" && s.export != nil {
		if _, err := s.cron.AddFunc(s.config.ExportSchedule, s.runExport); err != nil {
			return fmt.Errorf("invalid export schedule %q: %w", s.config.ExportSchedule, err)
		}
		s.logger.Info("Data export scheduled", "schedule", s.config.ExportSchedule, "dir", s.config.ExportDir)
	}

	s.cron.Start()
	s.running = true
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (s *MaintenanceService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}

// Jobs reports the number of registered jobs.
func (s *MaintenanceService) Jobs() int {
	return len(s.cron.Entries())
}

func (s *MaintenanceService) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.RunCleanup(ctx); err != nil {
		s.logger.Error("Session cleanup failed", "error", err)
	}
}

// RunCleanup evicts idle sessions now.
func (s *MaintenanceService) RunCleanup(ctx context.Context) ([]string, error) {
	return s.chat.CleanupSessions(ctx)
}

func (s *MaintenanceService) runExport() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := s.RunExport(ctx); err != nil {
		s.logger.Error("Scheduled export failed", "error", err)
	}
}

// RunExport writes a timestamped workbook into ExportDir now.
func (s *MaintenanceService) RunExport(ctx context.Context) (string, error) {
	dir := s.config.ExportDir
	if dir == "" {
		dir = "exports"
	}
	path := filepath.Join(dir, fmt.Sprintf("hadi_data_%s.xlsx", time.Now().Format("20060102_150405")))
	if err := s.export.ExportExcel(ctx, path); err != nil {
		return "", err
	}
	s.emitter.Emit(event.DataExportedEvent{Format: "xlsx", Files: []string{path}})
	return path, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
