package backtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"miniquant/internal/logger"
	"miniquant/internal/market"
	"miniquant/internal/strategy/sensitivity"
)

// ErrNoValidResults is returned when no code in the pool produced a trade
var ErrNoValidResults = sensitivity.ErrNoResult

// PoolRunner backtests a parameter set over a pool of codes and averages the
// per-code metrics. It implements sensitivity.Runner.
type PoolRunner struct {
	feed   market.Feed
	config Config

	mu   sync.Mutex
	bars map[string][]market.Bar
}

// NewPoolRunner creates a runner loading bars from feed
func NewPoolRunner(feed market.Feed, config Config) *PoolRunner {
	return &PoolRunner{
		feed:   feed,
		config: config,
		bars:   make(map[string][]market.Bar),
	}
}

// Config returns the engine configuration
func (r *PoolRunner) Config() Config {
	return r.config
}

// Run implements sensitivity.Runner
func (r *PoolRunner) Run(ctx context.Context, req sensitivity.Request) (sensitivity.Metrics, error) {
	start, end := req.Start, req.End
	if start.IsZero() {
		start = r.config.Start
	}
	if end.IsZero() {
		end = r.config.End
	}

	var (
		returns, winRates, drawdowns []float64
		trades                       int
		unavailable                  int
		lastErr                      error
	)
	for _, code := range req.Codes {
		if err := ctx.Err(); err != nil {
			return sensitivity.Metrics{}, err
		}

		bars, err := r.load(ctx, code, start, end)
		if err != nil {
			if errors.Is(err, market.ErrUnavailable) {
				unavailable++
				lastErr = err
			} else if !errors.Is(err, market.ErrNoData) {
				logger.Warn("Failed to load bars", "code", code, "error", err)
			}
			continue
		}
		if len(bars) < r.config.MinBars {
			continue
		}

		strategy, err := NewStrategy(req.Strategy, req.Params)
		if err != nil {
			return sensitivity.Metrics{}, err
		}
		result, err := NewEngine(strategy, r.config).Run(ctx, code, bars)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return sensitivity.Metrics{}, err
			}
			if !errors.Is(err, ErrInsufficientBars) {
				logger.Warn("Backtest failed", "code", code, "error", err)
			}
			continue
		}
		if result.TradeCount == 0 {
			continue
		}

		returns = append(returns, result.TotalReturn)
		winRates = append(winRates, result.WinRate)
		drawdowns = append(drawdowns, result.MaxDrawdown)
		trades += result.TradeCount
	}

	if len(returns) == 0 {
		if len(req.Codes) > 0 && unavailable == len(req.Codes) {
			return sensitivity.Metrics{}, fmt.Errorf("%w: %w", sensitivity.ErrDataUnavailable, lastErr)
		}
		return sensitivity.Metrics{}, ErrNoValidResults
	}

	return sensitivity.Metrics{
		TotalReturn: stat.Mean(returns, nil),
		WinRate:     stat.Mean(winRates, nil),
		MaxDrawdown: stat.Mean(drawdowns, nil),
		TradeCount:  trades,
	}, nil
}

// load memoizes bars per code and range for the lifetime of the runner, so
// every cell of a sweep reads the feed once per code.
func (r *PoolRunner) load(ctx context.Context, code string, start, end time.Time) ([]market.Bar, error) {
	key := code + "|" + start.Format(market.DateLayout) + "|" + end.Format(market.DateLayout)
	r.mu.Lock()
	bars, ok := r.bars[key]
	r.mu.Unlock()
	if ok {
		return bars, nil
	}

	bars, err := r.feed.Bars(ctx, code, start, end)
	if err != nil {
		return nil, err
	}
	bars = market.Normalize(bars)

	r.mu.Lock()
	r.bars[key] = bars
	r.mu.Unlock()
	return bars, nil
}
