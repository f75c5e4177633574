package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miniquant/internal/config"
	"miniquant/internal/market"
	"miniquant/internal/monitoring"
)

func TestAddJobValidation(t *testing.T) {
	s := NewScheduler()
	noop := JobHandlerFunc(func(ctx context.Context) error { return nil })

	require.NoError(t, s.AddJob("nightly", JobKindBarSync, "0 30 17 * * 1-5", noop))
	assert.Error(t, s.AddJob("nightly", JobKindBarSync, "0 0 18 * * *", noop), "duplicate name")
	assert.Error(t, s.AddJob("broken", JobKindBarSync, "every day", noop), "bad spec")

	jobs := s.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, TaskStatusPending, jobs[0].Status)

	_, err := s.GetJob("missing")
	assert.Error(t, err)
	assert.Error(t, s.RunNow("missing"))
}

func TestRunNowRecordsOutcome(t *testing.T) {
	s := NewScheduler()
	var calls int32
	require.NoError(t, s.AddJob("flaky", JobKindBarSync, "0 0 0 1 1 *", JobHandlerFunc(func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("upstream timeout")
		}
		return nil
	})))

	require.NoError(t, s.RunNow("flaky"))
	job, err := s.GetJob("flaky")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, job.Status)
	assert.Equal(t, "upstream timeout", job.Error)

	require.NoError(t, s.RunNow("flaky"))
	job, err = s.GetJob("flaky")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, job.Status)
	assert.Empty(t, job.Error)
	assert.Equal(t, 2, job.Runs)
	assert.False(t, job.LastRunTime.IsZero())
}

func TestScheduledJobFires(t *testing.T) {
	s := NewScheduler()
	var calls int32
	require.NoError(t, s.AddJob("tick", JobKindBarSync, "* * * * * *", JobHandlerFunc(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})))

	s.Start()
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) > 0 }, 3*time.Second, 50*time.Millisecond)

	job, err := s.GetJob("tick")
	require.NoError(t, err)
	assert.False(t, job.NextRunTime.IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestConfigureSensitivityScan(t *testing.T) {
	tasks := NewTaskManager(linearRunner(), nil, nil, nil, testManagerConfig())
	s := NewScheduler()

	err := s.Configure(config.SchedulerConfig{
		Enabled: true,
		Jobs: []config.JobConfig{
			{Name: "rsrs-weekly", Kind: "sensitivity_scan", Spec: "0 0 20 * * 5", Strategy: "rsrs", Codes: []string{"600519"}},
		},
	}, JobDeps{Tasks: tasks})
	require.NoError(t, err)

	require.NoError(t, s.RunNow("rsrs-weekly"))

	job, err := s.GetJob("rsrs-weekly")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, job.Status, job.Error)

	runs, err := tasks.List(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, SourceScheduler, runs[0].Source)
	assert.Equal(t, "rsrs", runs[0].Strategy)
	assert.Equal(t, []string{"600519"}, runs[0].Request.Codes)
	assert.Equal(t, TaskStatusCompleted, runs[0].Status)
}

func TestConfigureBarSync(t *testing.T) {
	today := market.Day(time.Now())
	source := market.NewMemoryFeed()
	source.Add("600519", market.SyntheticBars("600519", today.AddDate(0, 0, -20), 5, 1)...)
	target := market.NewMemoryFeed()
	metrics := monitoring.NewMetrics()

	s := NewScheduler()
	err := s.Configure(config.SchedulerConfig{
		Jobs: []config.JobConfig{
			{Name: "daily-bars", Kind: "bar_sync", Spec: "0 30 17 * * 1-5", Codes: []string{"600519", "000001"}},
		},
	}, JobDeps{Syncer: market.NewSyncer(source, target), Metrics: metrics})
	require.NoError(t, err)

	require.NoError(t, s.RunNow("daily-bars"))
	job, err := s.GetJob("daily-bars")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, job.Status, job.Error)

	bars, err := target.Bars(context.Background(), "600519", today.AddDate(0, 0, -30), today)
	require.NoError(t, err)
	assert.Len(t, bars, 5)

	assert.Equal(t, 1.0, counterValue(t, metrics, "miniquant_bar_sync_codes_total", map[string]string{"status": "synced"}))
	assert.Equal(t, 5.0, counterValue(t, metrics, "miniquant_bars_synced_total", nil))
}

func TestConfigureRejectsUnusableJobs(t *testing.T) {
	tests := []struct {
		name string
		job  config.JobConfig
		deps JobDeps
	}{
		{"unknown kind", config.JobConfig{Name: "x", Kind: "rebalance", Spec: "0 0 * * * *"}, JobDeps{}},
		{"scan without manager", config.JobConfig{Name: "x", Kind: "sensitivity_scan", Spec: "0 0 * * * *", Strategy: "rsrs"}, JobDeps{}},
		{"sync without syncer", config.JobConfig{Name: "x", Kind: "bar_sync", Spec: "0 0 * * * *"}, JobDeps{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewScheduler().Configure(config.SchedulerConfig{Jobs: []config.JobConfig{tt.job}}, tt.deps)
			assert.Error(t, err)
		})
	}
}

func TestSensitivityScanJobReportsFailure(t *testing.T) {
	cfg := testManagerConfig()
	cfg.MaxCombinations = 4
	tasks := NewTaskManager(linearRunner(), nil, nil, nil, cfg)

	err := NewSensitivityScanJob(tasks, "rsrs", nil).Handle(context.Background())
	assert.Error(t, err)
}
