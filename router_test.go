package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infirad/hadi/pkg/config"
	"github.com/infirad/hadi/pkg/db"
	"github.com/infirad/hadi/pkg/event"
	"github.com/infirad/hadi/pkg/observability"
	"github.com/infirad/hadi/pkg/service"
	"github.com/infirad/hadi/pkg/utils"
)

type echoModel struct{}

func (echoModel) Generate(_ context.Context, in []*schema.Message, _ ...einoModel.Option) (*schema.Message, error) {
	return schema.AssistantMessage("You said: "+in[len(in)-1].Content, nil), nil
}

func (m echoModel) Stream(ctx context.Context, in []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func newTestApp(t *testing.T, mutate func(*config.AppConfig)) *App {
	t.Helper()
	gin.SetMode(gin.TestMode)

	c := config.Default()
	c.Database.Path = filepath.Join(t.TempDir(), "hadi.db")
	if mutate != nil {
		mutate(c)
	}

	store, err := service.OpenChatStore(c.Database.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	metrics := observability.NewMetrics()
	agent, err := service.NewAgentService(context.Background(), service.AgentOptions{
		ChatModel:   echoModel{},
		Sink:        service.NewStoreSink(store),
		DedupeLeads: true,
		Metrics:     metrics,
	})
	require.NoError(t, err)

	emitter := event.NewEmitter()
	chat := service.NewChatService(service.ChatServiceOptions{
		Agent:    agent,
		Sessions: service.NewMemorySessionStore(c.Agent.DefaultLanguage),
		Store:    store,
		Emitter:  emitter,
		Metrics:  metrics,
		MaxAge:   time.Hour,
	})
	return &App{
		cfg:     c,
		logger:  utils.GetLogger(),
		emitter: emitter,
		metrics: metrics,
		store:   store,
		chat:    chat,
		export:  service.NewExportService(store),
	}
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_ChatAndMetrics(t *testing.T) {
	s := NewServer(newTestApp(t, nil))

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewBufferString(`{"message":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	w := serve(s.Handler(), req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "You said: hello")

	w = serve(s.Handler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "hadi_chat_turns_total 1")
	assert.Contains(t, body, `hadi_http_requests_total{method="POST",path="/chat",status="200"} 1`)
}

func TestServer_CORS(t *testing.T) {
	s := NewServer(newTestApp(t, func(c *config.AppConfig) {
		c.Server.AllowedOrigins = []string{"https://infirad.com"}
	}))

	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "https://infirad.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := serve(s.Handler(), req)
	assert.Equal(t, "https://infirad.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = serve(s.Handler(), req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_RateLimit(t *testing.T) {
	s := NewServer(newTestApp(t, func(c *config.AppConfig) {
		c.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}
	}))

	w := serve(s.Handler(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	w = serve(s.Handler(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestServer_AdminToken(t *testing.T) {
	s := NewServer(newTestApp(t, func(c *config.AppConfig) {
		c.Admin.Token = "tok"
	}))

	w := serve(s.Handler(), httptest.NewRequest(http.MethodGet, "/admin/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w = serve(s.Handler(), req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatic_Widget(t *testing.T) {
	s := NewServer(newTestApp(t, nil))

	w := serve(s.Handler(), httptest.NewRequest(http.MethodGet, "/widget", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "/widget.js")

	w = serve(s.Handler(), httptest.NewRequest(http.MethodGet, "/widget.js", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "javascript")
	assert.Contains(t, w.Body.String(), "/session/new")
	etag := w.Header().Get("ETag")
	require.True(t, strings.HasPrefix(etag, `W/"`))

	req := httptest.NewRequest(http.MethodGet, "/widget.js", nil)
	req.Header.Set("If-None-Match", etag)
	w = serve(s.Handler(), req)
	assert.Equal(t, http.StatusNotModified, w.Code)
}

func TestServer_StartAndShutdown(t *testing.T) {
	port := 0
	app := newTestApp(t, func(c *config.AppConfig) {
		host := "127.0.0.1"
		c.Server.Host = &host
		c.Server.Port = &port
	})
	s := NewServer(app)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestCLI_StatsAndRequests(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "hadi.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("database:\n  path: "+dbPath+"\n"), 0o600))

	store, err := service.OpenChatStore(dbPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, "s1"))
	email := "lead@example.com"
	_, err = store.SaveClientRequest(ctx, &db.ClientRequest{SessionID: "s1", Email: &email})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		root := newRootCmd()
		root.SetOut(&out)
		root.SetArgs(append([]string{"--config", cfgPath}, args...))
		require.NoError(t, root.Execute())
		return out.String()
	}

	stats := run("stats")
	assert.Contains(t, stats, "Total sessions:")
	assert.Contains(t, stats, "Pending requests:  1")

	list := run("requests", "list", "--pending")
	assert.Contains(t, list, "lead@example.com")

	run("requests", "set-status", "1", "handled")
	list = run("requests", "list", "--pending")
	assert.NotContains(t, list, "lead@example.com")

	out := filepath.Join(dir, "dump.json")
	run("export", "--format", "json", "--out", out)
	_, err = os.Stat(out)
	assert.NoError(t, err)
}
