package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"miniquant/internal/config"
	"miniquant/internal/logger"
	"miniquant/internal/market"
	"miniquant/internal/monitoring"
)

// JobKind 定时任务类型
type JobKind string

const (
	JobKindSensitivityScan JobKind = "sensitivity_scan"
	JobKindBarSync         JobKind = "bar_sync"
)

// DefaultSyncLookback is the window a bar_sync job refreshes when none is configured
const DefaultSyncLookback = 30 * 24 * time.Hour

// Job is one registered cron job
type Job struct {
	Name        string     `json:"name"`
	Kind        JobKind    `json:"kind"`
	Schedule    string     `json:"schedule"`
	LastRunTime time.Time  `json:"last_run_time"`
	NextRunTime time.Time  `json:"next_run_time"`
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	Runs        int        `json:"runs"`

	entryID cron.EntryID
}

// JobHandler runs one job invocation
type JobHandler interface {
	Handle(ctx context.Context) error
}

// JobHandlerFunc adapts a function to JobHandler
type JobHandlerFunc func(ctx context.Context) error

// Handle calls f
func (f JobHandlerFunc) Handle(ctx context.Context) error {
	return f(ctx)
}

// Scheduler runs jobs on cron schedules (with seconds). An invocation is
// skipped while the previous one of the same job is still running.
type Scheduler struct {
	cron   *cron.Cron
	jobs   map[string]*Job
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger
}

// cronLogger routes robfig/cron's own logging into ours
type cronLogger struct {
	logger logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// NewScheduler creates a new scheduler
func NewScheduler() *Scheduler {
	log := logger.WithField("component", "scheduler")
	cl := cronLogger{logger: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:   make(map[string]*Job),
		ctx:    ctx,
		cancel: cancel,
		logger: log,
	}
}

// AddJob registers a handler under a unique name
func (s *Scheduler) AddJob(name string, kind JobKind, schedule string, handler JobHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}

	job := &Job{
		Name:     name,
		Kind:     kind,
		Schedule: schedule,
		Status:   TaskStatusPending,
	}

	// 添加到cron
	id, err := s.cron.AddFunc(schedule, func() {
		s.runJob(job, handler)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job %q: %w", name, err)
	}
	job.entryID = id
	s.jobs[name] = job

	s.logger.Info("Job registered", "job", name, "kind", kind, "schedule", schedule)
	return nil
}

// JobDeps are the collaborators the configured job kinds need. A nil
// dependency makes jobs of the matching kind fail to register.
type JobDeps struct {
	Tasks   *TaskManager
	Syncer  *market.Syncer
	Metrics *monitoring.Metrics
}

// Configure registers every job of the scheduler config
func (s *Scheduler) Configure(cfg config.SchedulerConfig, deps JobDeps) error {
	for _, jc := range cfg.Jobs {
		var handler JobHandler
		switch JobKind(jc.Kind) {
		case JobKindSensitivityScan:
			if deps.Tasks == nil {
				return fmt.Errorf("job %q: sensitivity_scan needs a task manager", jc.Name)
			}
			handler = NewSensitivityScanJob(deps.Tasks, jc.Strategy, jc.Codes)
		case JobKindBarSync:
			if deps.Syncer == nil {
				return fmt.Errorf("job %q: bar_sync needs a syncer", jc.Name)
			}
			handler = NewBarSyncJob(deps.Syncer, jc.Codes, jc.Lookback, deps.Metrics)
		default:
			return fmt.Errorf("job %q: unknown kind %q", jc.Name, jc.Kind)
		}
		if err := s.AddJob(jc.Name, JobKind(jc.Kind), jc.Spec, handler); err != nil {
			return err
		}
	}
	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels running jobs and waits for them to return
// or ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// RunNow runs a job immediately, outside its schedule
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	job, exists := s.jobs[name]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("job not found: %s", name)
	}
	for _, entry := range s.cron.Entries() {
		if entry.ID == job.entryID {
			entry.WrappedJob.Run()
			return nil
		}
	}
	return fmt.Errorf("job %s has no cron entry", name)
}

// runJob executes one invocation
func (s *Scheduler) runJob(job *Job, handler JobHandler) {
	s.mu.Lock()
	job.Status = TaskStatusRunning
	job.LastRunTime = time.Now()
	s.mu.Unlock()

	log := s.logger.WithField("job", job.Name)
	log.Info("Job started", "kind", job.Kind)

	err := handler.Handle(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	job.Runs++
	if err != nil {
		job.Status = TaskStatusFailed
		job.Error = err.Error()
		log.Error("Job failed", "error", err, "elapsed", time.Since(job.LastRunTime).String())
	} else {
		job.Status = TaskStatusCompleted
		job.Error = ""
		log.Info("Job completed", "elapsed", time.Since(job.LastRunTime).String())
	}
}

// GetJob returns a snapshot of a job
func (s *Scheduler) GetJob(name string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[name]
	if !exists {
		return nil, fmt.Errorf("job not found: %s", name)
	}
	return s.snapshot(job), nil
}

// ListJobs lists all jobs by name
func (s *Scheduler) ListJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, s.snapshot(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

func (s *Scheduler) snapshot(job *Job) *Job {
	out := *job
	out.NextRunTime = s.cron.Entry(job.entryID).Next
	return &out
}

// NewSensitivityScanJob submits the strategy's default grid over codes and
// waits for the sweep to finish
func NewSensitivityScanJob(tasks *TaskManager, strategy string, codes []string) JobHandler {
	return JobHandlerFunc(func(ctx context.Context) error {
		task, err := tasks.Submit(ctx, SubmitRequest{
			Strategy: strategy,
			Codes:    codes,
			Source:   SourceScheduler,
		})
		if err != nil {
			return fmt.Errorf("submit %s scan: %w", strategy, err)
		}

		events, unsubscribe, err := tasks.Subscribe(ctx, task.ID)
		if err != nil {
			return err
		}
		defer unsubscribe()

		var last Event
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					if last.Status == TaskStatusCompleted {
						return nil
					}
					return fmt.Errorf("scan %s ended as %s: %s", task.ID, last.Status, last.Error)
				}
				last = ev
			case <-ctx.Done():
				_ = tasks.Cancel(context.Background(), task.ID)
				return ctx.Err()
			}
		}
	})
}

// NewBarSyncJob refreshes the last lookback of bars for codes
func NewBarSyncJob(syncer *market.Syncer, codes []string, lookback time.Duration, metrics *monitoring.Metrics) JobHandler {
	if lookback <= 0 {
		lookback = DefaultSyncLookback
	}
	return JobHandlerFunc(func(ctx context.Context) error {
		end := market.Day(time.Now())
		start := end.Add(-lookback)
		report, err := syncer.Sync(ctx, codes, start, end)
		if metrics != nil && report != nil {
			metrics.RecordBarSync(report.Codes, len(report.Failed), report.Bars)
		}
		if err != nil {
			return err
		}
		if len(report.Failed) > 0 && report.Codes == 0 {
			return fmt.Errorf("bar sync failed for all %d codes", len(report.Failed))
		}
		return nil
	})
}
