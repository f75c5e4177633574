package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miniquant/internal/strategy/sensitivity"
)

func rsiPreset(t *testing.T) sensitivity.StrategyParams {
	t.Helper()
	preset, err := sensitivity.Preset("rsi_reversal")
	require.NoError(t, err)
	return preset
}

func TestParseAxis(t *testing.T) {
	preset := rsiPreset(t)

	r, err := parseAxis(preset, "buy_threshold:10:30:10")
	require.NoError(t, err)
	assert.Equal(t, "buy_threshold", r.Name)
	assert.Equal(t, "买入阈值", r.DisplayName)
	assert.Equal(t, []float64{10, 20, 30}, r.Values())

	for _, bad := range []string{"buy_threshold:10:30", "macd:1:2:1", "buy_threshold:a:30:10"} {
		_, err := parseAxis(preset, bad)
		assert.Error(t, err, bad)
	}
}

func TestResolveGrid(t *testing.T) {
	preset := rsiPreset(t)

	grid, err := resolveGrid(preset, "", "")
	require.NoError(t, err)
	assert.Equal(t, 25, grid.TotalCombinations())

	grid, err = resolveGrid(preset, "stop_loss:0.03:0.09:0.02", "")
	require.NoError(t, err)
	assert.Equal(t, "stop_loss", grid.X.Name)
	assert.Equal(t, "sell_threshold", grid.Y.Name)
	assert.Equal(t, 20, grid.TotalCombinations())

	_, err = resolveGrid(preset, "sell_threshold:60:80:5", "")
	assert.Error(t, err, "both axes name the same parameter")
}

func TestParseParams(t *testing.T) {
	params, err := parseParams("stop_loss=0.04, take_profit = 0.2")
	require.NoError(t, err)
	assert.Equal(t, sensitivity.Params{"stop_loss": 0.04, "take_profit": 0.2}, params)

	params, err = parseParams("")
	require.NoError(t, err)
	assert.Empty(t, params)

	_, err = parseParams("stop_loss")
	assert.Error(t, err)
	_, err = parseParams("stop_loss=x")
	assert.Error(t, err)
}

func TestPrintHeatmapMarksCells(t *testing.T) {
	grid, err := sensitivity.DefaultGrid("rsi_reversal")
	require.NoError(t, err)

	searcher := sensitivity.NewGridSearcher(sensitivity.RunnerFunc(
		func(ctx context.Context, req sensitivity.Request) (sensitivity.Metrics, error) {
			return sensitivity.Metrics{TotalReturn: req.Params["buy_threshold"] / 100, WinRate: 0.5}, nil
		}), sensitivity.DefaultSearcherConfig("rsi_reversal"))
	result, err := searcher.Run(context.Background(), grid, nil, nil)
	require.NoError(t, err)

	hm, err := sensitivity.NewHeatmapRenderer().Render(result, sensitivity.MetricTotalReturn, &sensitivity.Point{X: 30, Y: 70})
	require.NoError(t, err)

	var out bytes.Buffer
	printHeatmap(&out, hm)
	text := out.String()
	assert.Contains(t, text, "★30.0%")
	assert.Contains(t, text, "[40.0%]")
	assert.Equal(t, 1, strings.Count(text, "["))

	out.Reset()
	printSummary(&out, result, sensitivity.NewDefaultDiagnostics().Diagnose(result))
	assert.Contains(t, out.String(), "Robustness score")
	assert.Contains(t, out.String(), "buy_threshold=40")
}

func TestRunWritesReports(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "result.json")
	htmlPath := filepath.Join(dir, "card.html")

	err := run(options{
		strategy: "rsi_reversal",
		xAxis:    "buy_threshold:25:35:5",
		yAxis:    "sell_threshold:65:75:5",
		codes:    "600519,000001",
		start:    "2023-01-01",
		end:      "2023-12-29",
		source:   "memory",
		metric:   "win_rate",
		workers:  2,
		jsonOut:  jsonPath,
		htmlOut:  htmlPath,
		quiet:    true,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var doc struct {
		Result struct {
			SuccessCount int  `json:"success_count"`
			FailureCount int  `json:"failure_count"`
			Completed    bool `json:"completed"`
		} `json:"result"`
		Diagnosis sensitivity.DiagnosisResult `json:"diagnosis"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.True(t, doc.Result.Completed)
	// 无成交的格子记为失败，总数不变
	assert.Equal(t, 9, doc.Result.SuccessCount+doc.Result.FailureCount)

	card, err := os.ReadFile(htmlPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(card), `<div class="diagnosis-card`))
}

func TestRunRejectsBadInput(t *testing.T) {
	assert.Error(t, run(options{strategy: "macd", source: "memory", metric: "total_return", quiet: true}))
	assert.Error(t, run(options{strategy: "rsi_reversal", source: "memory", metric: "sharpe", quiet: true}))
	assert.Error(t, run(options{strategy: "rsi_reversal", source: "postgres", metric: "total_return", quiet: true}))
	assert.Error(t, run(options{strategy: "rsi_reversal", source: "memory", metric: "total_return", maxComb: 10, quiet: true}))
}
