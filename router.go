package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/infirad/hadi/pkg/event"
	"github.com/infirad/hadi/pkg/handler"
	"github.com/infirad/hadi/pkg/utils"
)

type Server struct {
	app       *App
	ginEngine *gin.Engine
	handler   http.Handler
	logger    *slog.Logger
	port      int
}

func NewServer(app *App) *Server {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())
	if app.metrics != nil {
		ginEngine.Use(app.metrics.GinMiddleware())
	}

	server := &Server{
		app:       app,
		ginEngine: ginEngine,
		logger:    utils.GetLogger(),
	}
	server.SetupRoutes()

	// CORS runs in front of gin so preflight requests never reach the router.
	origins := app.cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	server.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
	}).Handler(ginEngine)

	return server
}

// Handler is the full HTTP handler, CORS included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until ctx is done.
// It returns immediately if the listener cannot be opened.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.app.cfg.Host(), s.app.cfg.Port())
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	// Attempt to listen on port first; if occupied return error immediately
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.logger.Info("Starting Hadi Chat API", "addr", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) SetupRoutes() {
	cfg := s.app.cfg

	root := s.ginEngine.Group("")
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter := handler.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		root.Use(limiter.Middleware())
	}

	chatHandler := handler.NewChatHandler(s.app.chat, cfg.Server.PublicURL)
	chatHandler.RegisterRoutes(root)

	adminHandler := handler.NewAdminHandler(s.app.store, s.app.chat, s.app.export, s.app.emitter, cfg.Admin.Token)
	adminHandler.RegisterRoutes(root)

	// Event stream
	// /ws
	wsHandler := event.NewWSHandler(s.app.emitter, cfg.Server.AllowedOrigins)
	s.ginEngine.GET("/ws", wsHandler.Handle)

	// Prometheus
	// /metrics
	if s.app.metrics != nil {
		s.ginEngine.GET("/metrics", gin.WrapH(s.app.metrics.Handler()))
	}

	// Embedded chat widget
	// /widget, /widget.js
	attachStatic(s.ginEngine)
}
