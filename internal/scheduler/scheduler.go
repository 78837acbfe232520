// Package scheduler runs cron-defined jobs by feeding their instructions
// to the owning bot's agent as synthetic messages.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/octoforge/octogate/internal/agent"
	"github.com/octoforge/octogate/internal/store"
	"github.com/octoforge/octogate/internal/types"
)

// DefaultPollInterval is how often the runner scans for due jobs.
const DefaultPollInterval = 30 * time.Second

// NextRun computes the next fire time of a standard 5-field cron
// expression after the given time. An unparsable expression yields
// types.ErrCronInvalid.
func NextRun(expr string, after time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron %q: %w: %v", expr, types.ErrCronInvalid, err)
	}
	return schedule.Next(after), nil
}

// Runner polls for due jobs and executes each in its own goroutine. In
// flight jobs are tracked so a slow run is never double-fired, and Stop
// waits for all running executions to finish.
type Runner struct {
	store     *store.Store
	directory *agent.Directory
	interval  time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	execWg sync.WaitGroup
}

// New creates a job runner. A non-positive interval falls back to
// DefaultPollInterval.
func New(s *store.Store, dir *agent.Directory, interval time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Runner{
		store:     s,
		directory: dir,
		interval:  interval,
		logger:    logger.With("component", "scheduler"),
		inFlight:  make(map[string]bool),
	}
}

// Start launches the poll loop.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.logger.Info("scheduler started", "interval", r.interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for in-flight executions to drain.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.execWg.Wait()
	r.logger.Info("scheduler stopped")
}

func (r *Runner) tick(ctx context.Context) {
	due, err := r.store.DueJobs(ctx, time.Now())
	if err != nil {
		r.logger.Error("scan for due jobs failed", "error", err)
		return
	}

	for _, job := range due {
		r.launch(ctx, job)
	}
}

// launch starts one job execution unless the job is already running.
func (r *Runner) launch(ctx context.Context, job *store.ScheduledJob) {
	r.mu.Lock()
	if r.inFlight[job.ID] {
		r.mu.Unlock()
		return
	}
	r.inFlight[job.ID] = true
	r.mu.Unlock()

	// Shutdown waits for running jobs instead of cancelling them, so the
	// execution record always reaches a terminal state.
	ctx = context.WithoutCancel(ctx)

	r.execWg.Add(1)
	go func() {
		defer r.execWg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, job.ID)
			r.mu.Unlock()
		}()
		r.execute(ctx, job)
	}()
}

// RunNow executes a job immediately, regardless of its schedule or enabled
// flag, and returns the agent's output. Used by the management API.
func (r *Runner) RunNow(ctx context.Context, jobID string) (string, error) {
	job, err := r.store.GetScheduledJob(ctx, jobID)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.inFlight[job.ID] {
		r.mu.Unlock()
		return "", fmt.Errorf("job %s is already running", job.ID)
	}
	r.inFlight[job.ID] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, job.ID)
		r.mu.Unlock()
	}()

	return r.execute(ctx, job)
}

// execute runs one job end to end: record the execution, feed the
// instructions through the agent, finalize the execution, and advance the
// schedule. An unparsable cron expression leaves the next run time unset,
// pausing the job until its definition is fixed.
func (r *Runner) execute(ctx context.Context, job *store.ScheduledJob) (string, error) {
	logger := r.logger.With("job", job.ID, "bot", job.BotInstanceID)
	logger.Info("job starting", "name", job.Name)

	exec, err := r.store.CreateJobExecution(ctx, job.ID)
	if err != nil {
		logger.Error("record execution failed", "error", err)
		return "", err
	}

	output, runErr := r.runAgent(ctx, job)

	startedAt := exec.StartedAt
	status := store.ExecSuccess
	errMsg := ""
	if runErr != nil {
		status = store.ExecFailed
		errMsg = runErr.Error()
		logger.Error("job failed", "error", runErr)
	} else {
		logger.Info("job completed", "output_length", len(output))
	}

	if err := r.store.CompleteJobExecution(ctx, exec.ID, status, output, errMsg); err != nil {
		logger.Error("finalize execution failed", "error", err)
	}

	var nextRunAt *time.Time
	next, cronErr := NextRun(job.CronExpr, time.Now())
	if cronErr != nil {
		logger.Error("cron expression unparsable, pausing job", "cron", job.CronExpr, "error", cronErr)
	} else {
		nextRunAt = &next
	}
	if err := r.store.UpdateJobRun(ctx, job.ID, startedAt, nextRunAt, status); err != nil {
		logger.Error("advance schedule failed", "error", err)
	}

	return output, runErr
}

func (r *Runner) runAgent(ctx context.Context, job *store.ScheduledJob) (string, error) {
	a, err := r.directory.GetOrCreate(ctx, job.BotInstanceID)
	if err != nil {
		return "", err
	}
	return a.Process(ctx, types.IncomingMessage{
		ChannelType: "scheduled-job",
		ChannelID:   "job-" + job.ID,
		UserID:      "system",
		UserName:    "Scheduled Job",
		Content:     job.Instructions,
		Timestamp:   time.Now(),
	})
}
