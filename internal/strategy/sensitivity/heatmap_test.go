package sensitivity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeatmapReturnColors(t *testing.T) {
	result := matrixResult(t, [][]float64{
		{0.1, -0.2},
		{nan, 0.2},
	})

	hm, err := NewHeatmapRenderer().Render(result, MetricTotalReturn, nil)
	require.NoError(t, err)

	assert.Equal(t, "#FAA19B", hm.Cells[0][0].Color)
	assert.Equal(t, ColorLoss, hm.Cells[0][1].Color)
	assert.Equal(t, ColorProfit, hm.Cells[1][1].Color)
	assert.Equal(t, "10.0%", hm.Cells[0][0].Label)
	assert.Equal(t, "-20.0%", hm.Cells[0][1].Label)

	require.NotNil(t, hm.Min)
	require.NotNil(t, hm.Max)
	assert.Equal(t, -0.2, *hm.Min)
	assert.Equal(t, 0.2, *hm.Max)
}

func TestHeatmapMissingCells(t *testing.T) {
	result := matrixResult(t, [][]float64{{nan, 0.1}})
	result.Cells[0][0].Error = "no bars"

	hm, err := NewHeatmapRenderer().Render(result, MetricTotalReturn, nil)
	require.NoError(t, err)

	missing := hm.Cells[0][0]
	assert.Equal(t, ColorMissing, missing.Color)
	assert.Equal(t, MarkerMissing, missing.Marker)
	assert.Nil(t, missing.Value)
	assert.Contains(t, missing.Hover, "no bars")
	assert.NotEqual(t, ColorNeutral, missing.Color)
}

func TestHeatmapZeroIsNeutral(t *testing.T) {
	assert.Equal(t, ColorNeutral, ColorFor(MetricTotalReturn, 0, -0.1, 0.1))
	assert.Equal(t, ColorNeutral, ColorFor(MetricTotalReturn, 0, 0, 0))
	assert.Equal(t, ColorMissing, ColorFor(MetricTotalReturn, nan, -0.1, 0.1))
}

func TestHeatmapHighlights(t *testing.T) {
	result := matrixResult(t, [][]float64{
		{0.1, 0.05},
		{0.0, 0.3},
	})

	hm, err := NewHeatmapRenderer().Render(result, MetricTotalReturn, &Point{X: 1.2, Y: 1.1})
	require.NoError(t, err)

	require.NotNil(t, hm.Current)
	assert.Equal(t, 0, hm.Current.Row)
	assert.Equal(t, 0, hm.Current.Col)
	assert.True(t, hm.Cells[0][0].Current)
	assert.Equal(t, MarkerCurrent, hm.Cells[0][0].Marker)

	require.NotNil(t, hm.Optimal)
	assert.Equal(t, 1, hm.Optimal.Row)
	assert.Equal(t, 1, hm.Optimal.Col)
	assert.True(t, hm.Cells[1][1].Optimal)
	assert.False(t, hm.Cells[0][0].Optimal)
}

func TestHeatmapDrawdownScale(t *testing.T) {
	result := matrixResult(t, [][]float64{{0.1, 0.1, 0.1}})
	result.Cells[0][0].MaxDrawdown = 0.05
	result.Cells[0][1].MaxDrawdown = 0.10
	result.Cells[0][2].MaxDrawdown = 0.15

	hm, err := NewHeatmapRenderer().Render(result, MetricMaxDrawdown, nil)
	require.NoError(t, err)

	assert.Equal(t, ColorLoss, hm.Cells[0][0].Color)
	assert.Equal(t, ColorMiddle, hm.Cells[0][1].Color)
	assert.Equal(t, ColorProfit, hm.Cells[0][2].Color)
	assert.Equal(t, "Max drawdown heatmap", hm.Title)
}

func TestHeatmapUnknownMetric(t *testing.T) {
	_, err := NewHeatmapRenderer().Render(matrixResult(t, [][]float64{{0.1}}), "sharpe", nil)
	assert.Error(t, err)
}

func TestRenderDiagnosisCard(t *testing.T) {
	renderer := NewHeatmapRenderer()

	html, err := renderer.RenderDiagnosisCard(DiagnosisResult{
		Score: 71.6, Level: LevelRobust, Message: MessageRobust,
		PositiveRatio: 1, ReturnStd: 0.1118, NeighborConsistency: 0.5,
	})
	require.NoError(t, err)
	assert.Contains(t, html, "#E8F5E9")
	assert.Contains(t, html, "#4CAF50")
	assert.Contains(t, html, "71.6/100")
	assert.Contains(t, html, MessageRobust)
	assert.Contains(t, html, "100.0%")

	html, err = renderer.RenderDiagnosisCard(DiagnosisResult{Level: LevelSensitive, Message: MessageSensitive})
	require.NoError(t, err)
	assert.Contains(t, html, "#FFF8E1")
	assert.Contains(t, html, "#FFC107")

	html, err = renderer.RenderDiagnosisCard(DiagnosisResult{Level: LevelOverfitting, Message: MessageOverfitting})
	require.NoError(t, err)
	assert.Contains(t, html, "#FFEBEE")
}
