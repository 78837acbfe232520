package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/octoforge/octogate/internal/agent"
	"github.com/octoforge/octogate/internal/memory"
	"github.com/octoforge/octogate/internal/models"
	"github.com/octoforge/octogate/internal/store"
	"github.com/octoforge/octogate/internal/tools"
	"github.com/octoforge/octogate/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeChat struct {
	mu       sync.Mutex
	reply    string
	err      error
	prompts  []string
}

func (f *fakeChat) Complete(ctx context.Context, req models.ChatRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(req.Messages); n > 0 {
		f.prompts = append(f.prompts, req.Messages[n-1].Content)
	}
	return f.reply, f.err
}

func (f *fakeChat) Stream(ctx context.Context, req models.ChatRequest) (<-chan types.StreamChunk, error) {
	out := make(chan types.StreamChunk)
	close(out)
	return out, nil
}

type testEnv struct {
	store  *store.Store
	runner *Runner
	chat   *fakeChat
	botID  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	chat := &fakeChat{reply: "report done"}
	factory := models.NewFactory(testLogger())
	factory.Register("fake", func(cfg store.ModelConfig, logger *slog.Logger) (models.ChatClient, error) {
		return chat, nil
	})
	dir := agent.NewDirectory(s, agent.Options{
		Factory:  factory,
		Registry: tools.NewRegistry(testLogger()),
		Memory:   memory.New(s, testLogger()),
		Logger:   testLogger(),
	})

	ctx := context.Background()
	mc, err := s.CreateModelConfig(ctx, store.ModelConfig{Provider: "fake", ModelID: "m"})
	if err != nil {
		t.Fatal(err)
	}
	bot, err := s.CreateBotInstance(ctx, store.BotInstance{Name: "worker", ModelConfigID: mc.ID, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}

	return &testEnv{
		store:  s,
		runner: New(s, dir, 20*time.Millisecond, testLogger()),
		chat:   chat,
		botID:  bot.ID,
	}
}

func (e *testEnv) seedJob(t *testing.T, cronExpr string, due bool) store.ScheduledJob {
	t.Helper()
	var nextRunAt *time.Time
	if due {
		past := time.Now().Add(-time.Minute)
		nextRunAt = &past
	}
	job, err := e.store.CreateScheduledJob(context.Background(), store.ScheduledJob{
		BotInstanceID: e.botID,
		Name:          "daily report",
		Instructions:  "summarize yesterday",
		CronExpr:      cronExpr,
		Enabled:       true,
		NextRunAt:     nextRunAt,
	})
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never satisfied")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNextRun(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next, err := NextRun("0 12 * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}

	_, err = NextRun("not a cron", after)
	if !errors.Is(err, types.ErrCronInvalid) {
		t.Fatalf("expected ErrCronInvalid, got %v", err)
	}
}

func TestDueJobExecutesAndAdvances(t *testing.T) {
	env := newTestEnv(t)
	job := env.seedJob(t, "*/5 * * * *", true)

	env.runner.Start(context.Background())
	defer env.runner.Stop()

	ctx := context.Background()
	waitFor(t, func() bool {
		execs, _ := env.store.JobExecutions(ctx, job.ID, 10)
		return len(execs) >= 1 && execs[0].Status != store.ExecRunning
	})

	execs, err := env.store.JobExecutions(ctx, job.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if execs[0].Status != store.ExecSuccess {
		t.Fatalf("status %s", execs[0].Status)
	}
	if execs[0].Output != "report done" {
		t.Fatalf("output %q", execs[0].Output)
	}
	if execs[0].CompletedAt == nil {
		t.Fatal("completed_at not set")
	}

	updated, err := env.store.GetScheduledJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(time.Now()) {
		t.Fatalf("schedule not advanced: %v", updated.NextRunAt)
	}
	if updated.LastRunStatus != store.ExecSuccess {
		t.Fatalf("last run status %s", updated.LastRunStatus)
	}
	if updated.LastRunAt == nil {
		t.Fatal("last_run_at not set")
	}
}

func TestInstructionsReachTheAgent(t *testing.T) {
	env := newTestEnv(t)
	job := env.seedJob(t, "*/5 * * * *", false)

	out, err := env.runner.RunNow(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if out != "report done" {
		t.Fatalf("output %q", out)
	}

	env.chat.mu.Lock()
	defer env.chat.mu.Unlock()
	if len(env.chat.prompts) != 1 || env.chat.prompts[0] != "summarize yesterday" {
		t.Fatalf("prompts %v", env.chat.prompts)
	}
}

func TestFailedRunRecordsFailure(t *testing.T) {
	env := newTestEnv(t)
	env.chat.err = errors.New("model down")
	job := env.seedJob(t, "*/5 * * * *", false)

	ctx := context.Background()
	if _, err := env.runner.RunNow(ctx, job.ID); err == nil {
		t.Fatal("expected error")
	}

	execs, err := env.store.JobExecutions(ctx, job.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 || execs[0].Status != store.ExecFailed {
		t.Fatalf("executions %+v", execs)
	}
	if execs[0].ErrorMessage == "" {
		t.Fatal("error message not recorded")
	}

	updated, _ := env.store.GetScheduledJob(ctx, job.ID)
	if updated.LastRunStatus != store.ExecFailed {
		t.Fatalf("last run status %s", updated.LastRunStatus)
	}
	// The schedule still advances after a failed run.
	if updated.NextRunAt == nil {
		t.Fatal("schedule not advanced after failure")
	}
}

func TestBadCronPausesJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.seedJob(t, "61 25 * * *", false)

	ctx := context.Background()
	if _, err := env.runner.RunNow(ctx, job.ID); err != nil {
		t.Fatalf("run now: %v", err)
	}

	updated, err := env.store.GetScheduledJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.NextRunAt != nil {
		t.Fatalf("bad cron must clear next run, got %v", updated.NextRunAt)
	}

	// Paused jobs never show up as due.
	due, err := env.store.DueJobs(ctx, time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range due {
		if d.ID == job.ID {
			t.Fatal("paused job reported due")
		}
	}
}

func TestRunNowUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.runner.RunNow(context.Background(), "missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStopDrainsInFlightExecutions(t *testing.T) {
	env := newTestEnv(t)
	job := env.seedJob(t, "*/5 * * * *", true)

	env.runner.Start(context.Background())

	ctx := context.Background()
	waitFor(t, func() bool {
		execs, _ := env.store.JobExecutions(ctx, job.ID, 10)
		return len(execs) >= 1
	})
	env.runner.Stop()

	// After Stop every recorded execution has reached a terminal state.
	execs, err := env.store.JobExecutions(ctx, job.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range execs {
		if e.Status == store.ExecRunning {
			t.Fatalf("execution %s still running after Stop", e.ID)
		}
	}
}
