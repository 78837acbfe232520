package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/octoforge/octogate/internal/agent"
	"github.com/octoforge/octogate/internal/channels"
	"github.com/octoforge/octogate/internal/gateway"
	"github.com/octoforge/octogate/internal/memory"
	"github.com/octoforge/octogate/internal/models"
	"github.com/octoforge/octogate/internal/scheduler"
	"github.com/octoforge/octogate/internal/store"
	"github.com/octoforge/octogate/internal/tools"
	"github.com/octoforge/octogate/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeChat struct{ reply string }

func (f *fakeChat) Complete(ctx context.Context, req models.ChatRequest) (string, error) {
	return f.reply, nil
}

func (f *fakeChat) Stream(ctx context.Context, req models.ChatRequest) (<-chan types.StreamChunk, error) {
	out := make(chan types.StreamChunk)
	go func() {
		defer close(out)
		for _, r := range f.reply {
			out <- types.StreamChunk{Text: string(r)}
		}
	}()
	return out, nil
}

type fakeAdapter struct {
	inbox chan types.IncomingMessage
	errs  chan error
}

func (f *fakeAdapter) Name() string                                        { return "fake" }
func (f *fakeAdapter) Start(ctx context.Context) error                     { return nil }
func (f *fakeAdapter) Stop() error                                         { close(f.inbox); close(f.errs); return nil }
func (f *fakeAdapter) Send(ctx context.Context, m types.OutgoingMessage) error { return nil }
func (f *fakeAdapter) Receive() <-chan types.IncomingMessage               { return f.inbox }
func (f *fakeAdapter) Errors() <-chan error                                { return f.errs }
func (f *fakeAdapter) Status() types.ChannelStatus                         { return types.StatusConnected }

type testEnv struct {
	server *Server
	store  *store.Store
	dir    *agent.Directory
	botID  string
	jobID  string
}

func newTestEnv(t *testing.T, authSecret string) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	factory := models.NewFactory(testLogger())
	factory.Register("fake", func(cfg store.ModelConfig, logger *slog.Logger) (models.ChatClient, error) {
		return &fakeChat{reply: "pong"}, nil
	})
	dir := agent.NewDirectory(s, agent.Options{
		Factory:  factory,
		Registry: tools.NewRegistry(testLogger()),
		Memory:   memory.New(s, testLogger()),
		Logger:   testLogger(),
	})

	registry := channels.NewFactoryRegistry(testLogger())
	registry.Register("fake", func(botID string, settings map[string]string, logger *slog.Logger) (channels.Adapter, error) {
		return &fakeAdapter{
			inbox: make(chan types.IncomingMessage),
			errs:  make(chan error),
		}, nil
	})
	gw := gateway.New(s, dir, registry, testLogger())
	t.Cleanup(gw.StopAll)

	runner := scheduler.New(s, dir, time.Hour, testLogger())

	ctx := context.Background()
	mc, err := s.CreateModelConfig(ctx, store.ModelConfig{Provider: "fake", ModelID: "m"})
	if err != nil {
		t.Fatal(err)
	}
	bot, err := s.CreateBotInstance(ctx, store.BotInstance{Name: "api-bot", ModelConfigID: mc.ID, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetChannelConfig(ctx, store.ChannelConfig{
		BotInstanceID: bot.ID, ChannelType: "fake", Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	job, err := s.CreateScheduledJob(ctx, store.ScheduledJob{
		BotInstanceID: bot.ID, Name: "report", Instructions: "do it", CronExpr: "0 * * * *", Enabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	return &testEnv{
		server: NewServer(":0", authSecret, s, dir, gw, runner, testLogger()),
		store:  s,
		dir:    dir,
		botID:  bot.ID,
		jobID:  job.ID,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestChat(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/api/chat",
		`{"bot_id":"`+env.botID+`","user_id":"u-1","content":"ping"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["reply"]; got != "pong" {
		t.Fatalf("reply %v", got)
	}
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/api/chat", `{"bot_id":"x"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestChatUnknownBot(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/api/chat",
		`{"bot_id":"ghost","user_id":"u-1","content":"hi"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestChatStream(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/api/chat/stream",
		`{"bot_id":"`+env.botID+`","user_id":"u-1","content":"ping"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `data: {"text":"p"}`) {
		t.Fatalf("missing text frames: %q", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Fatalf("missing done event: %q", body)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, "sekrit")

	rec := env.do(t, http.MethodGet, "/api/bots", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d", rec.Code)
	}

	// Health stays open.
	rec = env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("sekrit"))
	if err != nil {
		t.Fatal(err)
	}
	rec = env.do(t, http.MethodGet, "/api/bots", "", http.Header{
		"Authorization": []string{"Bearer " + token},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status %d: %s", rec.Code, rec.Body.String())
	}

	// Wrong key fails.
	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other"))
	rec = env.do(t, http.MethodGet, "/api/bots", "", http.Header{
		"Authorization": []string{"Bearer " + bad},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged token status %d", rec.Code)
	}
}

func TestChannelLifecycle(t *testing.T) {
	env := newTestEnv(t, "")
	body := `{"bot_id":"` + env.botID + `","channel_type":"fake"}`

	rec := env.do(t, http.MethodPost, "/api/channels/start", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start status %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/channels", "", nil)
	list := decode(t, rec)["channels"].([]any)
	if len(list) != 1 {
		t.Fatalf("channels %v", list)
	}

	rec = env.do(t, http.MethodPost, "/api/channels/stop", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/channels", "", nil)
	if list := decode(t, rec)["channels"].([]any); len(list) != 0 {
		t.Fatalf("channels after stop %v", list)
	}
}

func TestStartChannelUnknownType(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	if _, err := env.store.SetChannelConfig(ctx, store.ChannelConfig{
		BotInstanceID: env.botID, ChannelType: "pigeon", Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	rec := env.do(t, http.MethodPost, "/api/channels/start",
		`{"bot_id":"`+env.botID+`","channel_type":"pigeon"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRunJobNow(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/api/jobs/"+env.jobID+"/run", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["output"]; got != "pong" {
		t.Fatalf("output %v", got)
	}

	rec = env.do(t, http.MethodGet, "/api/jobs/"+env.jobID+"/executions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("executions status %d", rec.Code)
	}
	if execs := decode(t, rec)["executions"].([]any); len(execs) != 1 {
		t.Fatalf("executions %v", execs)
	}
}

func TestRunJobUnknown(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/api/jobs/nope/run", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestEvictAgent(t *testing.T) {
	env := newTestEnv(t, "")
	if _, err := env.dir.GetOrCreate(context.Background(), env.botID); err != nil {
		t.Fatal(err)
	}
	if !env.dir.Has(env.botID) {
		t.Fatal("agent not retained")
	}

	rec := env.do(t, http.MethodDelete, "/api/agents/"+env.botID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if env.dir.Has(env.botID) {
		t.Fatal("agent still retained")
	}
}
