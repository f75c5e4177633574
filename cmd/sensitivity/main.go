package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/cheggaaa/pb"

	"miniquant/internal/cache"
	"miniquant/internal/config"
	"miniquant/internal/logger"
	"miniquant/internal/market"
	"miniquant/internal/strategy/backtest"
	"miniquant/internal/strategy/sensitivity"
)

// options are the parsed command line flags
type options struct {
	configFile string
	strategy   string
	xAxis      string
	yAxis      string
	set        string
	codes      string
	start      string
	end        string
	source     string
	metric     string
	workers    int
	maxComb    int
	jsonOut    string
	htmlOut    string
	quiet      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configFile, "config", "", "Configuration file (optional)")
	flag.StringVar(&opts.strategy, "strategy", "rsi_reversal", "Strategy to sweep ("+strings.Join(sensitivity.PresetIDs(), ", ")+")")
	flag.StringVar(&opts.xAxis, "x", "", "X axis as name:min:max:step, empty for the strategy default")
	flag.StringVar(&opts.yAxis, "y", "", "Y axis as name:min:max:step, empty for the strategy default")
	flag.StringVar(&opts.set, "set", "", "Fixed parameters, e.g. stop_loss=0.05,take_profit=0.2")
	flag.StringVar(&opts.codes, "codes", "", "Comma separated stock codes, defaults to backtest.codes")
	flag.StringVar(&opts.start, "start", "", "Start date YYYY-MM-DD")
	flag.StringVar(&opts.end, "end", "", "End date YYYY-MM-DD")
	flag.StringVar(&opts.source, "source", "", "Market data source: memory or eastmoney")
	flag.StringVar(&opts.metric, "metric", string(sensitivity.MetricTotalReturn), "Heatmap metric: total_return, win_rate, max_drawdown")
	flag.IntVar(&opts.workers, "workers", 0, "Parallel backtests, 0 uses the configured value")
	flag.IntVar(&opts.maxComb, "max-combinations", 0, "Combination ceiling, 0 uses the configured value")
	flag.StringVar(&opts.jsonOut, "json", "", "Write the result and diagnosis as JSON to this file")
	flag.StringVar(&opts.htmlOut, "html", "", "Write the diagnosis card HTML to this file")
	flag.BoolVar(&opts.quiet, "quiet", false, "Hide the progress bar")
	flag.Parse()

	logger.Init(logger.Config{Level: logger.LevelWarn, Format: logger.FormatText, Output: "stderr"})

	if err := run(opts); err != nil {
		log.Fatalf("sensitivity: %v", err)
	}
}

func run(opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	preset, err := sensitivity.Preset(opts.strategy)
	if err != nil {
		return err
	}
	grid, err := resolveGrid(preset, opts.xAxis, opts.yAxis)
	if err != nil {
		return err
	}
	overrides, err := parseParams(opts.set)
	if err != nil {
		return err
	}
	base := preset.Defaults().Merge(overrides)

	metric, err := sensitivity.ParseMetric(opts.metric)
	if err != nil {
		return err
	}

	btConfig, err := backtest.ConfigFrom(cfg.Backtest)
	if err != nil {
		return err
	}
	codes := cfg.Backtest.Codes
	if len(codes) == 0 {
		return fmt.Errorf("no stock codes, pass -codes or set backtest.codes")
	}

	memCache := cache.NewMemoryCache(1000)
	defer memCache.Close()
	setup, err := market.NewSetup(cfg.Market, market.Sources{
		Cache: memCache,
		Codes: codes,
		Start: btConfig.Start,
		End:   btConfig.End,
	})
	if err != nil {
		return err
	}

	searcher := sensitivity.NewGridSearcher(backtest.NewPoolRunner(setup.Feed, btConfig), sensitivity.SearcherConfig{
		Strategy:               opts.strategy,
		Codes:                  codes,
		Start:                  btConfig.Start,
		End:                    btConfig.End,
		MaxCombinations:        cfg.Sensitivity.MaxCombinations,
		MaxConsecutiveFailures: cfg.Sensitivity.MaxConsecutiveFailures,
		Workers:                cfg.Sensitivity.Workers,
	})
	if err := searcher.CheckScale(grid); err != nil {
		return err
	}

	// Ctrl+C 停止扫描，已完成的格子照常输出
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bar *pb.ProgressBar
	if !opts.quiet {
		bar = pb.New(grid.TotalCombinations())
		bar.Output = os.Stderr
		bar.Prefix(opts.strategy + " ")
		bar.Start()
	}
	result, runErr := searcher.Run(ctx, grid, base, func(current, total int, message string) {
		if bar != nil {
			bar.Set(current)
		}
	})
	if bar != nil {
		bar.Finish()
	}
	if result == nil {
		return runErr
	}

	renderer := sensitivity.NewHeatmapRenderer()
	current := &sensitivity.Point{X: base[grid.X.Name], Y: base[grid.Y.Name]}
	heatmap, err := renderer.Render(result, metric, current)
	if err != nil {
		return err
	}
	diagnosis := sensitivity.NewDefaultDiagnostics().Diagnose(result)

	printHeatmap(os.Stdout, heatmap)
	printSummary(os.Stdout, result, diagnosis)

	if opts.jsonOut != "" {
		if err := writeJSON(opts.jsonOut, result, diagnosis); err != nil {
			return err
		}
	}
	if opts.htmlOut != "" {
		card, err := renderer.RenderDiagnosisCard(diagnosis)
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.htmlOut, []byte(card), 0644); err != nil {
			return fmt.Errorf("write %s: %w", opts.htmlOut, err)
		}
	}
	return runErr
}

// loadConfig starts from the file (or defaults) and applies flag overrides
func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Default()
	cfg.Market.Source = "memory"
	if opts.configFile != "" {
		loaded, err := config.Load(opts.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.source != "" {
		cfg.Market.Source = opts.source
	}
	if opts.codes != "" {
		cfg.Backtest.Codes = splitList(opts.codes)
	}
	if len(cfg.Backtest.Codes) == 0 {
		cfg.Backtest.Codes = []string{"600519", "000001", "300750"}
	}
	if opts.start != "" {
		cfg.Backtest.StartDate = opts.start
	}
	if opts.end != "" {
		cfg.Backtest.EndDate = opts.end
	}
	if opts.workers > 0 {
		cfg.Sensitivity.Workers = opts.workers
	}
	if opts.maxComb > 0 {
		cfg.Sensitivity.MaxCombinations = opts.maxComb
	}
	if cfg.Market.Source != "memory" && cfg.Market.Source != "eastmoney" {
		return nil, fmt.Errorf("source %q is not supported on the command line, use memory or eastmoney", cfg.Market.Source)
	}
	return cfg, cfg.Validate()
}

// resolveGrid takes each axis from the flag or the strategy default grid.
// Display names and defaults come from the strategy catalogue.
func resolveGrid(preset sensitivity.StrategyParams, xFlag, yFlag string) (sensitivity.ParameterGrid, error) {
	grid, err := sensitivity.DefaultGrid(preset.ID)
	if err != nil {
		return sensitivity.ParameterGrid{}, err
	}
	if xFlag != "" {
		if grid.X, err = parseAxis(preset, xFlag); err != nil {
			return sensitivity.ParameterGrid{}, err
		}
	}
	if yFlag != "" {
		if grid.Y, err = parseAxis(preset, yFlag); err != nil {
			return sensitivity.ParameterGrid{}, err
		}
	}
	return grid, grid.Validate()
}

// parseAxis parses name:min:max:step
func parseAxis(preset sensitivity.StrategyParams, s string) (sensitivity.ParameterRange, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return sensitivity.ParameterRange{}, fmt.Errorf("axis %q: want name:min:max:step", s)
	}
	r, ok := preset.Range(parts[0])
	if !ok {
		return sensitivity.ParameterRange{}, fmt.Errorf("axis %q: strategy %s has no parameter %q", s, preset.ID, parts[0])
	}

	var values [3]float64
	for i, raw := range parts[1:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return sensitivity.ParameterRange{}, fmt.Errorf("axis %q: %w", s, err)
		}
		values[i] = v
	}
	r.Min, r.Max, r.Step = values[0], values[1], values[2]
	return r, nil
}

// parseParams parses k=v pairs separated by commas
func parseParams(s string) (sensitivity.Params, error) {
	out := sensitivity.Params{}
	for _, pair := range splitList(s) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("parameter %q: want name=value", pair)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", pair, err)
		}
		out[strings.TrimSpace(k)] = f
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeJSON(path string, result *sensitivity.GridSearchResult, diagnosis sensitivity.DiagnosisResult) error {
	data, err := json.MarshalIndent(struct {
		Result    *sensitivity.GridSearchResult `json:"result"`
		Diagnosis sensitivity.DiagnosisResult   `json:"diagnosis"`
	}{result, diagnosis}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
