package sensitivity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelForScore(t *testing.T) {
	tests := []struct {
		score float64
		level Level
	}{
		{100, LevelRobust},
		{85, LevelRobust},
		{70, LevelRobust},
		{69.9, LevelSensitive},
		{55, LevelSensitive},
		{40, LevelSensitive},
		{39.9, LevelOverfitting},
		{10, LevelOverfitting},
		{0, LevelOverfitting},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.level, LevelForScore(tt.score), "score %v", tt.score)
	}
}

func TestDiagnoseComponents(t *testing.T) {
	result := matrixResult(t, [][]float64{
		{0.1, 0.2},
		{0.3, 0.4},
	})

	d := NewDefaultDiagnostics().Diagnose(result)

	// 40 + (1 - 0.1118/0.25)*30 + (0.2/0.4)*30
	assert.Equal(t, 1.0, d.PositiveRatio)
	assert.Equal(t, 0.1118, d.ReturnStd)
	assert.Equal(t, 0.5, d.NeighborConsistency)
	assert.Equal(t, 71.6, d.Score)
	assert.Equal(t, LevelRobust, d.Level)
	assert.Equal(t, MessageRobust, d.Message)
	assert.Equal(t, 4, d.SuccessCount)
	assert.True(t, d.Diagnosable)
}

func TestDiagnosePlateauIsRobust(t *testing.T) {
	returns := make([][]float64, 5)
	for row := range returns {
		returns[row] = make([]float64, 5)
		for col := range returns[row] {
			returns[row][col] = 0.10 + 0.002*float64(row+col)
		}
	}

	d := NewDefaultDiagnostics().Diagnose(matrixResult(t, returns))

	assert.GreaterOrEqual(t, d.Score, 70.0)
	assert.LessOrEqual(t, d.Score, 100.0)
	assert.Equal(t, LevelRobust, d.Level)
}

func TestDiagnoseIsolatedSpikeIsOverfitting(t *testing.T) {
	returns := make([][]float64, 5)
	for row := range returns {
		returns[row] = make([]float64, 5)
		for col := range returns[row] {
			returns[row][col] = -0.05
		}
	}
	returns[2][2] = 0.5

	d := NewDefaultDiagnostics().Diagnose(matrixResult(t, returns))

	assert.Less(t, d.Score, 40.0)
	assert.Equal(t, LevelOverfitting, d.Level)
	assert.Equal(t, MessageOverfitting, d.Message)
	assert.Equal(t, 0.04, d.PositiveRatio)
	// neighbours average below zero, reported consistency floors at 0
	assert.Equal(t, 0.0, d.NeighborConsistency)
}

func TestDiagnoseNoSuccess(t *testing.T) {
	d := NewDefaultDiagnostics().Diagnose(matrixResult(t, [][]float64{{nan, nan}, {nan, nan}}))

	assert.Equal(t, 0.0, d.Score)
	assert.Equal(t, LevelOverfitting, d.Level)
	assert.Equal(t, MessageNoSuccess, d.Message)
	assert.False(t, d.Diagnosable)
}

func TestDiagnoseSingleCellHasNoNeighbors(t *testing.T) {
	d := NewDefaultDiagnostics().Diagnose(matrixResult(t, [][]float64{{0.2}}))

	assert.Equal(t, 0.0, d.NeighborConsistency)
	assert.Equal(t, 0.0, d.ReturnStd)
	// 40 (all positive) + 30 (zero spread), no neighbour component
	assert.Equal(t, 70.0, d.Score)
}

func TestDiagnoseIgnoresFailedNeighbors(t *testing.T) {
	result := matrixResult(t, [][]float64{
		{nan, 0.1, nan},
		{nan, 0.4, nan},
		{nan, 0.3, nan},
	})

	d := NewDefaultDiagnostics().Diagnose(result)

	assert.Equal(t, 0.5, d.NeighborConsistency)
}

func TestDiagnoseNonPositiveOptimum(t *testing.T) {
	d := NewDefaultDiagnostics().Diagnose(matrixResult(t, [][]float64{{-0.1, -0.2}}))

	assert.Equal(t, 0.0, d.NeighborConsistency)
	assert.Equal(t, 0.0, d.PositiveRatio)
	assert.GreaterOrEqual(t, d.Score, 0.0)
	assert.Equal(t, LevelOverfitting, d.Level)
}

func TestDiagnoseNearZeroMeanDropsStability(t *testing.T) {
	d := NewDefaultDiagnostics().Diagnose(matrixResult(t, [][]float64{{0.1, -0.1}}))

	// 0.5*40 + 0 stability + neighbour -0.1/0.1 clamped to 0
	assert.Equal(t, 20.0, d.Score)
	assert.Equal(t, LevelOverfitting, d.Level)
}
