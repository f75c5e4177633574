package sensitivity

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nan = math.NaN()

// matrixResult builds a completed result from a return matrix. NaN entries
// become failed cells.
func matrixResult(t *testing.T, returns [][]float64) *GridSearchResult {
	t.Helper()
	require.NotEmpty(t, returns)

	rows, cols := len(returns), len(returns[0])
	grid := NewParameterGrid(
		ParameterRange{Name: "x", Min: 1, Max: float64(cols), Step: 1},
		ParameterRange{Name: "y", Min: 1, Max: float64(rows), Step: 1},
	)

	result := newResult("test", grid, nil)
	for row := range returns {
		require.Len(t, returns[row], cols)
		for col, v := range returns[row] {
			cell := &result.Cells[row][col]
			if math.IsNaN(v) {
				cell.Status = CellFailed
				cell.Error = "boom"
				continue
			}
			cell.Status = CellSuccess
			cell.TotalReturn = v
			cell.WinRate = 0.5
			cell.MaxDrawdown = 0.1
			cell.TradeCount = 4
		}
	}
	result.recount()
	result.Completed = true
	return result
}

func TestNewResultShape(t *testing.T) {
	grid := NewParameterGrid(
		ParameterRange{Name: "buy_threshold", Min: 20, Max: 40, Step: 5},
		ParameterRange{Name: "sell_threshold", Min: 60, Max: 70, Step: 5},
	)

	result := newResult("rsi_reversal", grid, Params{"stop_loss": 0.05})

	assert.Equal(t, 3, result.Rows())
	assert.Equal(t, 5, result.Cols())
	assert.Equal(t, grid.TotalCombinations(), result.Total())
	assert.Equal(t, 15, result.NotRunCount)
	for row, y := range grid.YValues() {
		for col, x := range grid.XValues() {
			cell := result.Cells[row][col]
			assert.Equal(t, x, cell.X)
			assert.Equal(t, y, cell.Y)
			assert.Equal(t, CellNotRun, cell.Status)
		}
	}
}

func TestReturnMatrixUsesNaNForFailures(t *testing.T) {
	result := matrixResult(t, [][]float64{
		{0.1, nan},
		{0, -0.2},
	})

	m := result.ReturnMatrix()

	assert.Equal(t, 0.1, m[0][0])
	assert.True(t, math.IsNaN(m[0][1]))
	assert.Equal(t, 0.0, m[1][0])
	assert.Equal(t, -0.2, m[1][1])
	assert.Equal(t, 3, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
	assert.Equal(t, result.Total(), result.SuccessCount+result.FailureCount)
}

func TestNullableMatrix(t *testing.T) {
	result := matrixResult(t, [][]float64{{0.1, nan}})

	m, err := result.NullableMatrix(MetricTotalReturn)
	require.NoError(t, err)
	require.NotNil(t, m[0][0])
	assert.Equal(t, 0.1, *m[0][0])
	assert.Nil(t, m[0][1])

	_, err = result.NullableMatrix("sharpe")
	assert.Error(t, err)
}

func TestOptimalCell(t *testing.T) {
	result := matrixResult(t, [][]float64{
		{0.1, 0.3, nan},
		{0.3, -0.1, 0.2},
	})

	best, err := result.OptimalCell()

	require.NoError(t, err)
	assert.Equal(t, 0, best.Row)
	assert.Equal(t, 1, best.Col)
	assert.Equal(t, 0.3, best.TotalReturn)
}

func TestOptimalCellEmpty(t *testing.T) {
	result := matrixResult(t, [][]float64{{nan, nan}})

	_, err := result.OptimalCell()

	assert.ErrorIs(t, err, ErrNoOptimalCell)
	assert.Empty(t, result.Successful())
}

func TestNearestIndex(t *testing.T) {
	result := matrixResult(t, [][]float64{
		{0, 0, 0},
		{0, 0, 0},
	})

	row, col := result.NearestIndex(2.4, 9)
	assert.Equal(t, 1, row)
	assert.Equal(t, 1, col)

	row, col = result.NearestIndex(-5, 1.5)
	assert.Equal(t, 0, row)
	assert.Equal(t, 0, col)
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("")
	require.NoError(t, err)
	assert.Equal(t, MetricTotalReturn, m)

	m, err = ParseMetric("max_drawdown")
	require.NoError(t, err)
	assert.Equal(t, MetricMaxDrawdown, m)

	_, err = ParseMetric("sharpe")
	assert.Error(t, err)
}
