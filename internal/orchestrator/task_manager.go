package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"miniquant/internal/cache"
	"miniquant/internal/config"
	"miniquant/internal/database"
	apperrors "miniquant/internal/errors"
	"miniquant/internal/logger"
	"miniquant/internal/monitoring"
	"miniquant/internal/strategy/sensitivity"
)

// RunStore persists sweeps. *database.RunRepository implements it.
type RunStore interface {
	Create(ctx context.Context, run *database.RunRecord) error
	MarkStarted(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress, total int, message string) error
	Finish(ctx context.Context, run *database.RunRecord) error
	Get(ctx context.Context, id uuid.UUID) (*database.RunRecord, error)
	List(ctx context.Context, status string, limit int) ([]*database.RunRecord, error)
	MarkInterrupted(ctx context.Context) (int64, error)
}

var _ RunStore = (*database.RunRepository)(nil)

// ManagerConfig configures a TaskManager
type ManagerConfig struct {
	MaxCombinations        int
	MaxConsecutiveFailures int
	Workers                int
	MaxConcurrentTasks     int
	ResultTTL              time.Duration
	DefaultCodes           []string
	Start                  time.Time
	End                    time.Time
	// ProgressInterval throttles progress writes to the store
	ProgressInterval time.Duration
	// MaxRetained bounds the finished tasks kept in memory
	MaxRetained int
}

// ManagerConfigFrom derives the manager settings from the application config
func ManagerConfigFrom(cfg *config.Config) (ManagerConfig, error) {
	start, end, err := cfg.Backtest.Period()
	if err != nil {
		return ManagerConfig{}, err
	}
	return ManagerConfig{
		MaxCombinations:        cfg.Sensitivity.MaxCombinations,
		MaxConsecutiveFailures: cfg.Sensitivity.MaxConsecutiveFailures,
		Workers:                cfg.Sensitivity.Workers,
		MaxConcurrentTasks:     cfg.Sensitivity.MaxConcurrentTasks,
		ResultTTL:              cfg.Sensitivity.ResultTTL,
		DefaultCodes:           cfg.Backtest.Codes,
		Start:                  start,
		End:                    end,
	}, nil
}

func (c *ManagerConfig) setDefaults() {
	if c.MaxCombinations <= 0 {
		c.MaxCombinations = sensitivity.DefaultMaxCombinations
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 1
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = 24 * time.Hour
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = time.Second
	}
	if c.MaxRetained <= 0 {
		c.MaxRetained = 100
	}
}

// TaskManager runs sensitivity sweeps asynchronously. Store, cache and
// metrics are optional.
type TaskManager struct {
	runner  sensitivity.Runner
	store   RunStore
	cache   cache.Cacher
	metrics *monitoring.Metrics
	config  ManagerConfig

	mu      sync.RWMutex
	tasks   map[uuid.UUID]*Task
	cancels map[uuid.UUID]context.CancelFunc

	slots *semaphore.Weighted
	hub   *hub
	bus   EventBus
	wg    sync.WaitGroup

	diagnostics *sensitivity.Diagnostics
	logger      logger.Logger
}

// NewTaskManager creates a task manager
func NewTaskManager(runner sensitivity.Runner, store RunStore, c cache.Cacher, metrics *monitoring.Metrics, cfg ManagerConfig) *TaskManager {
	cfg.setDefaults()
	return &TaskManager{
		runner:      runner,
		store:       store,
		cache:       c,
		metrics:     metrics,
		config:      cfg,
		tasks:       make(map[uuid.UUID]*Task),
		cancels:     make(map[uuid.UUID]context.CancelFunc),
		slots:       semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		hub:         newHub(),
		diagnostics: sensitivity.NewDefaultDiagnostics(),
		logger:      logger.WithField("component", "task_manager"),
	}
}

// SetEventBus also publishes every task event on bus. Call before Submit.
func (m *TaskManager) SetEventBus(bus EventBus) {
	m.bus = bus
}

// broadcast delivers an event to local subscribers and the bus
func (m *TaskManager) broadcast(ev Event) {
	m.hub.publish(ev)
	if m.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("Failed to publish task event", "task_id", ev.TaskID, "error", err)
	}
}

// Config returns the effective configuration
func (m *TaskManager) Config() ManagerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetLimits applies hot-reloaded sweep limits to tasks submitted afterwards
func (m *TaskManager) SetLimits(maxCombinations, maxConsecutiveFailures, workers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxCombinations > 0 {
		m.config.MaxCombinations = maxCombinations
	}
	if maxConsecutiveFailures >= 0 {
		m.config.MaxConsecutiveFailures = maxConsecutiveFailures
	}
	if workers > 0 {
		m.config.Workers = workers
	}
}

func cacheKey(id uuid.UUID) string {
	return "sensitivity:run:" + id.String()
}

// Recover marks runs left running by a previous process as failed
func (m *TaskManager) Recover(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	n, err := m.store.MarkInterrupted(ctx)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "failed to recover interrupted runs")
	}
	if n > 0 {
		m.logger.Warn("Marked interrupted runs as failed", "count", n)
	}
	return nil
}

// ResolveGrid resolves the request's axes, falling back to the strategy's
// default grid, and validates them against the strategy's parameters. The
// combination ceiling is not checked.
func (m *TaskManager) ResolveGrid(req SubmitRequest) (sensitivity.ParameterGrid, sensitivity.Params, error) {
	preset, err := sensitivity.Preset(req.Strategy)
	if err != nil {
		return sensitivity.ParameterGrid{}, nil, err
	}

	grid := sensitivity.NewParameterGrid(req.X, req.Y)
	if req.X.Name == "" && req.Y.Name == "" {
		if grid, err = sensitivity.DefaultGrid(req.Strategy); err != nil {
			return sensitivity.ParameterGrid{}, nil, err
		}
	}
	for _, axis := range []sensitivity.ParameterRange{grid.X, grid.Y} {
		if _, ok := preset.Range(axis.Name); !ok {
			return sensitivity.ParameterGrid{}, nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
				"unknown parameter", fmt.Sprintf("strategy %q has no parameter %q", req.Strategy, axis.Name), nil).
				WithContext("parameter", axis.Name)
		}
	}
	if err := grid.Validate(); err != nil {
		return sensitivity.ParameterGrid{}, nil, err
	}
	return grid, preset.Defaults().Merge(req.BaseParams), nil
}

// Plan resolves a request into the grid and base params it would run with,
// refusing grids above the combination ceiling. Nothing is started.
func (m *TaskManager) Plan(req SubmitRequest) (sensitivity.ParameterGrid, sensitivity.Params, error) {
	grid, base, err := m.ResolveGrid(req)
	if err != nil {
		return sensitivity.ParameterGrid{}, nil, err
	}
	if err := sensitivity.CheckScale(grid, m.Config().MaxCombinations); err != nil {
		return sensitivity.ParameterGrid{}, nil, err
	}
	return grid, base, nil
}

func (m *TaskManager) period(req SubmitRequest) (time.Time, time.Time, error) {
	start, end := m.config.Start, m.config.End
	var err error
	if req.StartDate != "" {
		if start, err = time.Parse("2006-01-02", req.StartDate); err != nil {
			return start, end, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput,
				"invalid start_date", err.Error(), err)
		}
	}
	if req.EndDate != "" {
		if end, err = time.Parse("2006-01-02", req.EndDate); err != nil {
			return start, end, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput,
				"invalid end_date", err.Error(), err)
		}
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		return start, end, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput,
			"invalid period", "start_date must be before end_date", nil)
	}
	return start, end, nil
}

// Submit validates a request, persists it and starts the sweep in the
// background. Oversized grids are refused before anything runs.
func (m *TaskManager) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	grid, base, err := m.Plan(req)
	if err != nil {
		return nil, err
	}
	start, end, err := m.period(req)
	if err != nil {
		return nil, err
	}
	if len(req.Codes) == 0 {
		req.Codes = append([]string(nil), m.config.DefaultCodes...)
	}
	if len(req.Codes) == 0 {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput,
			"no codes", "the request names no codes and no default universe is configured", nil)
	}
	if req.Source == "" {
		req.Source = SourceAPI
	}
	req.X, req.Y = grid.X, grid.Y
	req.BaseParams = base

	task := &Task{
		ID:        uuid.New(),
		Strategy:  req.Strategy,
		Status:    TaskStatusPending,
		Source:    req.Source,
		Request:   req,
		Total:     grid.TotalCombinations(),
		Message:   "等待执行",
		CreatedAt: time.Now(),
	}

	if m.store != nil {
		run, err := task.record()
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to encode run")
		}
		if err := m.store.Create(ctx, run); err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "failed to persist run")
		}
	}

	runCtx, cancel := context.WithCancel(context.WithValue(context.Background(), logger.TaskIDKey, task.ID.String()))
	m.mu.Lock()
	m.tasks[task.ID] = task
	m.cancels[task.ID] = cancel
	snapshot := *task
	m.mu.Unlock()

	m.logger.Info("Sweep submitted",
		"task_id", task.ID, "strategy", task.Strategy, "x", grid.X.Name, "y", grid.Y.Name,
		"combinations", task.Total, "codes", len(req.Codes), "source", task.Source)

	m.wg.Add(1)
	go m.run(runCtx, task.ID, grid, base, req.Codes, start, end)

	return &snapshot, nil
}

// run executes one sweep once a concurrency slot is free
func (m *TaskManager) run(ctx context.Context, id uuid.UUID, grid sensitivity.ParameterGrid, base sensitivity.Params, codes []string, start, end time.Time) {
	defer m.wg.Done()
	log := m.logger.WithContext(ctx)

	if err := m.slots.Acquire(ctx, 1); err != nil {
		m.finish(id, nil, apperrors.NewAppError(apperrors.ErrCodeSweepCancelled, "sweep cancelled before start", err))
		return
	}
	defer m.slots.Release(1)

	startedAt := time.Now()
	strategy := m.update(id, func(t *Task) {
		t.Status = TaskStatusRunning
		t.StartedAt = &startedAt
		t.Message = "开始参数扫描"
	})
	if m.store != nil {
		if err := m.store.MarkStarted(ctx, id, startedAt); err != nil {
			log.Warn("Failed to persist run start", "error", err)
		}
	}
	if m.metrics != nil {
		m.metrics.SweepStarted()
	}

	m.mu.RLock()
	searcherConfig := sensitivity.SearcherConfig{
		Strategy:               strategy,
		Codes:                  codes,
		Start:                  start,
		End:                    end,
		MaxCombinations:        m.config.MaxCombinations,
		MaxConsecutiveFailures: m.config.MaxConsecutiveFailures,
		Workers:                m.config.Workers,
	}
	m.mu.RUnlock()
	searcher := sensitivity.NewGridSearcher(m.runner, searcherConfig)

	var lastPersist time.Time
	progress := func(current, total int, message string) {
		m.update(id, func(t *Task) {
			t.Progress, t.Total, t.Message = current, total, message
		})
		if m.store == nil || (current < total && time.Since(lastPersist) < m.config.ProgressInterval) {
			return
		}
		lastPersist = time.Now()
		if err := m.store.UpdateProgress(ctx, id, current, total, message); err != nil && ctx.Err() == nil {
			log.Warn("Failed to persist progress", "error", err)
		}
	}

	result, err := searcher.Run(ctx, grid, base, progress)
	m.finish(id, result, err)
}

// update mutates a task under the lock, publishes the new state and returns
// the task's strategy
func (m *TaskManager) update(id uuid.UUID, fn func(t *Task)) string {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ""
	}
	fn(t)
	ev := eventFor(t)
	strategy := t.Strategy
	m.mu.Unlock()

	m.broadcast(ev)
	return strategy
}

// finish records the terminal state, persists and caches it
func (m *TaskManager) finish(id uuid.UUID, result *sensitivity.GridSearchResult, runErr error) {
	var diagnosis *sensitivity.DiagnosisResult
	if result != nil {
		d := m.diagnostics.Diagnose(result)
		diagnosis = &d
	}

	status := TaskStatusCompleted
	switch {
	case runErr == nil:
	case apperrors.HasCode(runErr, apperrors.ErrCodeSweepCancelled), errors.Is(runErr, context.Canceled):
		status = TaskStatusCancelled
	default:
		status = TaskStatusFailed
	}

	finishedAt := time.Now()
	var snapshot Task
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasRunning := t.Status == TaskStatusRunning
	t.Status = status
	t.FinishedAt = &finishedAt
	t.Result = result
	t.Diagnosis = diagnosis
	if runErr != nil {
		t.Error = runErr.Error()
	}
	switch status {
	case TaskStatusCompleted:
		t.Message = diagnosis.Message
	case TaskStatusCancelled:
		t.Message = "扫描已取消"
	default:
		t.Message = "扫描失败"
	}
	if result != nil {
		t.Progress = result.SuccessCount + result.FailureCount
	}
	if cancel, ok := m.cancels[id]; ok {
		cancel()
		delete(m.cancels, id)
	}
	snapshot = *t
	m.mu.Unlock()

	log := m.logger.WithField("task_id", id.String())
	if runErr != nil {
		log.Warn("Sweep finished with error", "status", status, "error", runErr)
	} else {
		log.Info("Sweep completed", "score", diagnosis.Score, "level", diagnosis.Level)
	}

	if m.metrics != nil {
		if wasRunning {
			elapsed := time.Duration(0)
			if snapshot.StartedAt != nil {
				elapsed = finishedAt.Sub(*snapshot.StartedAt)
			}
			m.metrics.SweepFinished(snapshot.Strategy, string(status), elapsed)
		}
		if result != nil {
			for _, row := range result.Cells {
				for _, c := range row {
					if c.Status != sensitivity.CellNotRun {
						m.metrics.RecordCell(snapshot.Strategy, string(c.Status))
					}
				}
			}
		}
		if diagnosis != nil && diagnosis.Diagnosable {
			m.metrics.SetRobustnessScore(snapshot.Strategy, diagnosis.Score)
		}
	}

	// 任务上下文已取消, 持久化使用独立的超时上下文
	ctx, cancel := context.WithTimeout(context.WithValue(context.Background(), logger.TaskIDKey, id.String()), 10*time.Second)
	defer cancel()

	if m.store != nil {
		run, err := snapshot.record()
		if err == nil {
			err = m.store.Finish(ctx, run)
		}
		if err != nil {
			log.Error("Failed to persist finished run", "error", err)
		}
	}
	if m.cache != nil {
		if err := m.cache.Set(ctx, cacheKey(id), &snapshot, m.config.ResultTTL); err != nil {
			log.Warn("Failed to cache finished run", "error", err)
		}
	}

	m.prune()
	m.broadcast(eventFor(&snapshot))
}

// prune drops the oldest finished tasks beyond MaxRetained from memory.
// They remain reachable through the cache and the store.
func (m *TaskManager) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var finished []*Task
	for _, t := range m.tasks {
		if t.Status.Terminal() {
			finished = append(finished, t)
		}
	}
	if len(finished) <= m.config.MaxRetained {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].FinishedAt.Before(*finished[j].FinishedAt)
	})
	for _, t := range finished[:len(finished)-m.config.MaxRetained] {
		delete(m.tasks, t.ID)
	}
}

// Get returns a task snapshot from memory, then the cache, then the store
func (m *TaskManager) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	m.mu.RLock()
	if t, ok := m.tasks[id]; ok {
		snapshot := *t
		m.mu.RUnlock()
		return &snapshot, nil
	}
	m.mu.RUnlock()

	if m.cache != nil {
		var cached Task
		err := m.cache.Get(ctx, cacheKey(id), &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			m.logger.Warn("Cache lookup failed", "task_id", id, "error", err)
		}
	}

	if m.store != nil {
		run, err := m.store.Get(ctx, id)
		if err == nil {
			t, err := taskFromRecord(run)
			if err != nil {
				return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "failed to decode run")
			}
			if t.Status.Terminal() && m.cache != nil {
				if err := m.cache.Set(ctx, cacheKey(id), t, m.config.ResultTTL); err != nil {
					m.logger.Warn("Failed to cache run", "task_id", id, "error", err)
				}
			}
			return t, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "failed to load run")
		}
	}

	return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeTaskNotFound,
		"task not found", fmt.Sprintf("no task with id %s", id), nil).WithContext("task_id", id.String())
}

// Result returns the sweep matrix of a task. A cancelled or aborted sweep
// still has its partial matrix.
func (m *TaskManager) Result(ctx context.Context, id uuid.UUID) (*sensitivity.GridSearchResult, error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Result == nil {
		return nil, m.noResult(t)
	}
	return t.Result, nil
}

// Diagnosis returns the robustness verdict of a task
func (m *TaskManager) Diagnosis(ctx context.Context, id uuid.UUID) (*sensitivity.DiagnosisResult, error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Diagnosis == nil {
		return nil, m.noResult(t)
	}
	return t.Diagnosis, nil
}

func (m *TaskManager) noResult(t *Task) error {
	if !t.Status.Terminal() {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeTaskNotFinished,
			"task not finished", fmt.Sprintf("task %s is %s (%d/%d)", t.ID, t.Status, t.Progress, t.Total), nil).
			WithContext("task_id", t.ID.String())
	}
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeNotFound,
		"no result", fmt.Sprintf("task %s ended as %s without a result: %s", t.ID, t.Status, t.Error), nil).
		WithContext("task_id", t.ID.String())
}

// List returns task summaries, newest first. Live progress from memory
// overrides the stored rows.
func (m *TaskManager) List(ctx context.Context, status TaskStatus, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}

	byID := make(map[uuid.UUID]*Task)
	if m.store != nil {
		runs, err := m.store.List(ctx, string(status), limit)
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "failed to list runs")
		}
		for _, run := range runs {
			t, err := taskFromRecord(run)
			if err != nil {
				m.logger.Warn("Skipping undecodable run", "task_id", run.ID, "error", err)
				continue
			}
			byID[t.ID] = t.Summary()
		}
	}

	m.mu.RLock()
	for id, t := range m.tasks {
		if status == "" || t.Status == status {
			byID[id] = t.Summary()
		}
	}
	m.mu.RUnlock()

	out := make([]*Task, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Cancel stops a pending or running sweep. Cells already evaluated are kept.
func (m *TaskManager) Cancel(ctx context.Context, id uuid.UUID) error {
	m.mu.RLock()
	t, ok := m.tasks[id]
	var status TaskStatus
	if ok {
		status = t.Status
	}
	cancel, running := m.cancels[id]
	m.mu.RUnlock()

	if !ok {
		existing, err := m.Get(ctx, id)
		if err != nil {
			return err
		}
		status = existing.Status
	}
	if !running || status.Terminal() {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput,
			"task already finished", fmt.Sprintf("task %s is %s", id, status), nil).
			WithContext("task_id", id.String())
	}

	m.logger.Info("Cancelling sweep", "task_id", id)
	cancel()
	return nil
}

// Subscribe streams events of one task. The channel closes after the
// terminal event or when the returned func is called. Subscribing to a
// finished task yields its terminal event and a closed channel.
func (m *TaskManager) Subscribe(ctx context.Context, id uuid.UUID) (<-chan Event, func(), error) {
	m.mu.RLock()
	t, ok := m.tasks[id]
	var current Event
	if ok {
		current = eventFor(t)
	}
	m.mu.RUnlock()

	if !ok {
		existing, err := m.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		current = eventFor(existing)
	}

	if current.Status.Terminal() {
		ch := make(chan Event, 1)
		ch <- current
		close(ch)
		return ch, func() {}, nil
	}

	ch, unsubscribe := m.hub.subscribe(id)
	// 订阅前任务可能已结束
	m.mu.RLock()
	t, ok = m.tasks[id]
	if ok && t.Status.Terminal() {
		current = eventFor(t)
	}
	m.mu.RUnlock()
	if current.Status.Terminal() {
		unsubscribe()
		done := make(chan Event, 1)
		done <- current
		close(done)
		return done, func() {}, nil
	}
	return ch, unsubscribe, nil
}

// Subscribers returns the number of live event subscribers
func (m *TaskManager) Subscribers() int {
	return m.hub.count()
}

// Active returns the number of pending or running tasks
func (m *TaskManager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cancels)
}

// Shutdown cancels every sweep and waits for them to be persisted
func (m *TaskManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Task manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task manager shutdown: %w", ctx.Err())
	}
}
