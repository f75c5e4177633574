package sensitivity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "miniquant/internal/errors"
	"miniquant/internal/logger"
)

// ErrDataUnavailable marks a runner error that affects every cell, such as
// the market data source being unreachable. It aborts the sweep immediately.
var ErrDataUnavailable = errors.New("sensitivity: data source unavailable")

// ErrNoResult marks a cell whose parameters produced nothing to measure, such
// as no trades on any code. The cell fails but it does not count toward the
// consecutive failure limit.
var ErrNoResult = errors.New("no valid backtest results")

var errInvalidMetrics = errors.New("backtest returned invalid metrics")

// Request is one single-run backtest invocation
type Request struct {
	Strategy string
	Params   Params
	Codes    []string
	Start    time.Time
	End      time.Time
}

// Metrics is what a single backtest reports
type Metrics struct {
	TotalReturn float64 `json:"total_return"`
	WinRate     float64 `json:"win_rate"`
	MaxDrawdown float64 `json:"max_drawdown"`
	TradeCount  int     `json:"trade_count"`
}

func (m Metrics) finite() bool {
	for _, v := range []float64{m.TotalReturn, m.WinRate, m.MaxDrawdown} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Runner runs one backtest with a full parameter set
type Runner interface {
	Run(ctx context.Context, req Request) (Metrics, error)
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, req Request) (Metrics, error)

// Run calls f
func (f RunnerFunc) Run(ctx context.Context, req Request) (Metrics, error) {
	return f(ctx, req)
}

// ProgressFunc is called after each cell completes. Calls are serialized.
type ProgressFunc func(current, total int, message string)

// SearcherConfig binds a searcher to a strategy, universe and period
type SearcherConfig struct {
	Strategy               string
	Codes                  []string
	Start                  time.Time
	End                    time.Time
	MaxCombinations        int
	MaxConsecutiveFailures int
	Workers                int
}

// DefaultMaxCombinations is the default combination ceiling
const DefaultMaxCombinations = 200

// DefaultMaxConsecutiveFailures aborts a sweep after this many failed cells in a row
const DefaultMaxConsecutiveFailures = 10

// GridSearcher runs one backtest per grid point
type GridSearcher struct {
	runner Runner
	config SearcherConfig
	logger logger.Logger
}

// DefaultSearcherConfig returns the default limits for a strategy
func DefaultSearcherConfig(strategy string) SearcherConfig {
	return SearcherConfig{
		Strategy:               strategy,
		MaxCombinations:        DefaultMaxCombinations,
		MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		Workers:                1,
	}
}

// NewGridSearcher creates a searcher. A zero MaxCombinations or Workers takes
// the default. A zero MaxConsecutiveFailures disables the early abort.
func NewGridSearcher(runner Runner, config SearcherConfig) *GridSearcher {
	if config.MaxCombinations <= 0 {
		config.MaxCombinations = DefaultMaxCombinations
	}
	if config.MaxConsecutiveFailures < 0 {
		config.MaxConsecutiveFailures = 0
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	return &GridSearcher{
		runner: runner,
		config: config,
		logger: logger.WithField("component", "grid_searcher").WithField("strategy", config.Strategy),
	}
}

// Config returns the effective configuration
func (s *GridSearcher) Config() SearcherConfig {
	return s.config
}

// CheckScale refuses grids larger than the combination ceiling
func (s *GridSearcher) CheckScale(grid ParameterGrid) error {
	return CheckScale(grid, s.config.MaxCombinations)
}

// CheckScale refuses grids with more than limit combinations
func CheckScale(grid ParameterGrid, limit int) error {
	total := grid.TotalCombinations()
	if limit > 0 && total > limit {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeTooManyCombinations,
			"too many combinations",
			fmt.Sprintf("%d combinations exceed the limit of %d, narrow the ranges or increase the steps", total, limit),
			nil).
			WithContext("total", total).
			WithContext("limit", limit)
	}
	return nil
}

// Run sweeps every grid point in row-major order and returns the filled
// matrix. Per-cell failures are recorded and the sweep continues. A
// cancelled context or a systemic failure stops the sweep: the partial result
// is returned together with a SWEEP_CANCELLED or SYSTEMIC_FAILURE error, and
// cells that never ran keep status not_run.
func (s *GridSearcher) Run(ctx context.Context, grid ParameterGrid, base Params, progress ProgressFunc) (*GridSearchResult, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	if err := s.CheckScale(grid); err != nil {
		return nil, err
	}

	result := newResult(s.config.Strategy, grid, base)
	result.StartedAt = time.Now()
	points := grid.Points()

	s.logger.Info("Grid search started",
		"x", grid.X.Name, "y", grid.Y.Name, "combinations", len(points), "workers", s.config.Workers)

	sw := &sweep{searcher: s, grid: grid, base: base, result: result, progress: progress, total: len(points)}

	var err error
	if s.config.Workers == 1 {
		err = sw.runSequential(ctx, points)
	} else {
		err = sw.runParallel(ctx, points)
	}

	result.Elapsed = time.Since(result.StartedAt)
	result.recount()
	if err == nil && result.NotRunCount > 0 && ctx.Err() != nil {
		err = sw.cancelled(ctx.Err())
	}
	result.Completed = err == nil

	fields := []interface{}{
		"success", result.SuccessCount, "failed", result.FailureCount,
		"not_run", result.NotRunCount, "elapsed", result.Elapsed.String(),
	}
	if err != nil {
		s.logger.Warn("Grid search stopped", append(fields, "error", err)...)
	} else {
		s.logger.Info("Grid search finished", fields...)
	}
	return result, err
}

// sweep holds the mutable state of one Run
type sweep struct {
	searcher    *GridSearcher
	grid        ParameterGrid
	base        Params
	result      *GridSearchResult
	progress    ProgressFunc
	total       int
	mu          sync.Mutex
	completed   int
	consecutive int
}

func (sw *sweep) runSequential(ctx context.Context, points []Point) error {
	for _, p := range points {
		if err := ctx.Err(); err != nil {
			return sw.cancelled(err)
		}
		cell, err := sw.searcher.runCell(ctx, sw.grid, p, sw.base)
		if stop := sw.record(ctx, p, cell, err); stop != nil {
			return stop
		}
	}
	return nil
}

func (sw *sweep) runParallel(ctx context.Context, points []Point) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sw.searcher.config.Workers)

	for _, p := range points {
		if gctx.Err() != nil {
			break
		}
		p := p
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			cell, err := sw.searcher.runCell(gctx, sw.grid, p, sw.base)
			return sw.record(gctx, p, cell, err)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return sw.cancelled(err)
	}
	return nil
}

// record stores a finished cell at its precomputed index and reports
// progress. A non-nil return stops the sweep.
func (sw *sweep) record(ctx context.Context, p Point, cell CellResult, err error) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	// 取消导致的中断不算失败，保持 not_run
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}

	sw.result.Cells[p.Row][p.Col] = cell
	sw.completed++
	if sw.progress != nil {
		sw.progress(sw.completed, sw.total, sw.describe(cell))
	}

	if err == nil {
		sw.consecutive = 0
		return nil
	}

	sw.searcher.logger.Debug("Grid cell failed", "x", cell.X, "y", cell.Y, "error", err)
	if errors.Is(err, ErrDataUnavailable) {
		return sw.systemic(fmt.Sprintf("data source unavailable at %s", sw.coordinates(cell)), err)
	}
	if errors.Is(err, ErrNoResult) {
		return nil
	}
	sw.consecutive++
	limit := sw.searcher.config.MaxConsecutiveFailures
	if limit > 0 && sw.consecutive >= limit {
		return sw.systemic(fmt.Sprintf("%d consecutive cells failed, last error: %v", sw.consecutive, err), err)
	}
	return nil
}

func (sw *sweep) coordinates(cell CellResult) string {
	return fmt.Sprintf("%s=%g, %s=%g", sw.grid.X.Name, cell.X, sw.grid.Y.Name, cell.Y)
}

func (sw *sweep) describe(cell CellResult) string {
	if cell.Success() {
		return fmt.Sprintf("%s: return %.2f%%", sw.coordinates(cell), cell.TotalReturn*100)
	}
	return fmt.Sprintf("%s: failed: %s", sw.coordinates(cell), cell.Error)
}

func (sw *sweep) cancelled(cause error) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeSweepCancelled, "grid search cancelled",
		fmt.Sprintf("%d of %d cells completed", sw.completed, sw.total), cause)
}

func (sw *sweep) systemic(details string, cause error) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeSystemicFailure, "grid search aborted", details, cause)
}

// runCell executes one backtest. A panic in the runner is recovered and
// recorded as a failed cell.
func (s *GridSearcher) runCell(ctx context.Context, grid ParameterGrid, p Point, base Params) (cell CellResult, err error) {
	cell = CellResult{Row: p.Row, Col: p.Col, X: p.X, Y: p.Y}
	started := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("backtest panicked: %v", rec)
		}
		cell.Duration = time.Since(started)
		if err != nil {
			cell = CellResult{Row: p.Row, Col: p.Col, X: p.X, Y: p.Y, Status: CellFailed,
				Error: err.Error(), Duration: cell.Duration}
		}
	}()

	params := base.Merge(Params{grid.X.Name: p.X, grid.Y.Name: p.Y})
	metrics, err := s.runner.Run(ctx, Request{
		Strategy: s.config.Strategy,
		Params:   params,
		Codes:    s.config.Codes,
		Start:    s.config.Start,
		End:      s.config.End,
	})
	if err != nil {
		return cell, err
	}
	if !metrics.finite() {
		return cell, errInvalidMetrics
	}

	cell.Status = CellSuccess
	cell.TotalReturn = metrics.TotalReturn
	cell.WinRate = metrics.WinRate
	cell.MaxDrawdown = metrics.MaxDrawdown
	cell.TradeCount = metrics.TradeCount
	return cell, nil
}
