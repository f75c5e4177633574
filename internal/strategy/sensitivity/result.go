package sensitivity

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/samber/lo"
)

// ErrNoOptimalCell is returned when no cell succeeded
var ErrNoOptimalCell = errors.New("sensitivity: no successful cell, optimal cell unavailable")

// CellStatus is the outcome of one grid point
type CellStatus string

const (
	CellSuccess CellStatus = "success"
	CellFailed  CellStatus = "failed"
	CellNotRun  CellStatus = "not_run"
)

// Metric selects a per-cell value
type Metric string

const (
	MetricTotalReturn Metric = "total_return"
	MetricWinRate     Metric = "win_rate"
	MetricMaxDrawdown Metric = "max_drawdown"
)

// ParseMetric validates a metric name. An empty name means total_return.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", MetricTotalReturn:
		return MetricTotalReturn, nil
	case MetricWinRate:
		return MetricWinRate, nil
	case MetricMaxDrawdown:
		return MetricMaxDrawdown, nil
	}
	return "", fmt.Errorf("unknown metric %q, expected total_return, win_rate or max_drawdown", s)
}

// CellResult is the outcome of one backtest at one grid point. Metric fields
// are meaningful only when Status is CellSuccess.
type CellResult struct {
	Row         int           `json:"row"`
	Col         int           `json:"col"`
	X           float64       `json:"x"`
	Y           float64       `json:"y"`
	Status      CellStatus    `json:"status"`
	TotalReturn float64       `json:"total_return"`
	WinRate     float64       `json:"win_rate"`
	MaxDrawdown float64       `json:"max_drawdown"`
	TradeCount  int           `json:"trade_count"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Success reports whether the cell's metrics may be used
func (c CellResult) Success() bool {
	return c.Status == CellSuccess
}

// Value returns the selected metric, or NaN for a non-successful cell
func (c CellResult) Value(metric Metric) float64 {
	if !c.Success() {
		return math.NaN()
	}
	switch metric {
	case MetricWinRate:
		return c.WinRate
	case MetricMaxDrawdown:
		return c.MaxDrawdown
	default:
		return c.TotalReturn
	}
}

// GridSearchResult is the complete outcome of a sweep. Cells is shaped
// [len(YValues)][len(XValues)] and is not modified after Run returns.
type GridSearchResult struct {
	Strategy     string         `json:"strategy"`
	Grid         ParameterGrid  `json:"grid"`
	BaseParams   Params         `json:"base_params"`
	Cells        [][]CellResult `json:"cells"`
	StartedAt    time.Time      `json:"started_at"`
	Elapsed      time.Duration  `json:"elapsed"`
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	NotRunCount  int            `json:"not_run_count"`
	Completed    bool           `json:"completed"`
}

// newResult allocates every cell as not_run at its coordinate
func newResult(strategy string, grid ParameterGrid, base Params) *GridSearchResult {
	xs, ys := grid.XValues(), grid.YValues()
	cells := make([][]CellResult, len(ys))
	for row := range ys {
		cells[row] = make([]CellResult, len(xs))
		for col := range xs {
			cells[row][col] = CellResult{Row: row, Col: col, X: xs[col], Y: ys[row], Status: CellNotRun}
		}
	}
	return &GridSearchResult{
		Strategy:    strategy,
		Grid:        grid,
		BaseParams:  base.Clone(),
		Cells:       cells,
		NotRunCount: len(xs) * len(ys),
	}
}

// recount derives the status counters from the matrix
func (r *GridSearchResult) recount() {
	r.SuccessCount, r.FailureCount, r.NotRunCount = 0, 0, 0
	for _, row := range r.Cells {
		for _, c := range row {
			switch c.Status {
			case CellSuccess:
				r.SuccessCount++
			case CellFailed:
				r.FailureCount++
			default:
				r.NotRunCount++
			}
		}
	}
}

// Rows returns the number of matrix rows (y values)
func (r *GridSearchResult) Rows() int { return len(r.Cells) }

// Cols returns the number of matrix columns (x values)
func (r *GridSearchResult) Cols() int {
	if len(r.Cells) == 0 {
		return 0
	}
	return len(r.Cells[0])
}

// Total returns the number of cells
func (r *GridSearchResult) Total() int { return r.Rows() * r.Cols() }

// Cell returns the cell at (row, col)
func (r *GridSearchResult) Cell(row, col int) (CellResult, bool) {
	if row < 0 || row >= r.Rows() || col < 0 || col >= r.Cols() {
		return CellResult{}, false
	}
	return r.Cells[row][col], true
}

// MetricMatrix returns the metric per cell with NaN for cells that did not
// succeed
func (r *GridSearchResult) MetricMatrix(metric Metric) ([][]float64, error) {
	if _, err := ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	out := make([][]float64, len(r.Cells))
	for i, row := range r.Cells {
		out[i] = lo.Map(row, func(c CellResult, _ int) float64 { return c.Value(metric) })
	}
	return out, nil
}

func (r *GridSearchResult) mustMatrix(metric Metric) [][]float64 {
	m, _ := r.MetricMatrix(metric)
	return m
}

// ReturnMatrix returns total_return per cell, NaN where the cell did not succeed
func (r *GridSearchResult) ReturnMatrix() [][]float64 { return r.mustMatrix(MetricTotalReturn) }

// WinRateMatrix returns win_rate per cell, NaN where the cell did not succeed
func (r *GridSearchResult) WinRateMatrix() [][]float64 { return r.mustMatrix(MetricWinRate) }

// DrawdownMatrix returns max_drawdown per cell, NaN where the cell did not succeed
func (r *GridSearchResult) DrawdownMatrix() [][]float64 { return r.mustMatrix(MetricMaxDrawdown) }

// NullableMatrix is MetricMatrix with nil in place of NaN, for JSON
func (r *GridSearchResult) NullableMatrix(metric Metric) ([][]*float64, error) {
	m, err := r.MetricMatrix(metric)
	if err != nil {
		return nil, err
	}
	out := make([][]*float64, len(m))
	for i, row := range m {
		out[i] = make([]*float64, len(row))
		for j, v := range row {
			if !math.IsNaN(v) {
				v := v
				out[i][j] = &v
			}
		}
	}
	return out, nil
}

// Successful returns the successful cells in row-major order
func (r *GridSearchResult) Successful() []CellResult {
	return lo.Filter(lo.Flatten(r.Cells), func(c CellResult, _ int) bool { return c.Success() })
}

// OptimalCell returns the successful cell with the highest total_return.
// Ties go to the first cell in row-major order.
func (r *GridSearchResult) OptimalCell() (CellResult, error) {
	var best CellResult
	found := false
	for _, row := range r.Cells {
		for _, c := range row {
			if !c.Success() {
				continue
			}
			if !found || c.TotalReturn > best.TotalReturn {
				best = c
				found = true
			}
		}
	}
	if !found {
		return CellResult{}, ErrNoOptimalCell
	}
	return best, nil
}

// NearestIndex returns the (row, col) whose coordinates are closest to (x, y).
// Ties go to the lower index.
func (r *GridSearchResult) NearestIndex(x, y float64) (int, int) {
	return nearest(r.Grid.YValues(), y), nearest(r.Grid.XValues(), x)
}

func nearest(values []float64, target float64) int {
	best := 0
	for i, v := range values {
		if math.Abs(v-target) < math.Abs(values[best]-target) {
			best = i
		}
	}
	return best
}
