package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miniquant/internal/config"
	apperrors "miniquant/internal/errors"
	"miniquant/internal/market"
	"miniquant/internal/strategy/sensitivity"
)

var day0 = time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

// flatBars returns n bars at price 10 with a tradable intraday range
func flatBars(code string, n int) []market.Bar {
	bars := make([]market.Bar, n)
	for i := range bars {
		bars[i] = market.Bar{Code: code, Date: day0.AddDate(0, 0, i), Open: 10, High: 10.2, Low: 9.8, Close: 10, PreClose: 10}
	}
	return bars
}

// sawtooth falls 2% a day for 15 days then rises 2% a day for 15 days
func sawtooth(code string, n int) []market.Bar {
	bars := make([]market.Bar, n)
	prev := 10.0
	for i := range bars {
		c := prev
		if i > 0 {
			if phase := i % 30; phase >= 1 && phase <= 15 {
				c = prev * 0.98
			} else {
				c = prev * 1.02
			}
		}
		bars[i] = market.Bar{
			Code: code, Date: day0.AddDate(0, 0, i),
			Open: prev, Close: c, PreClose: prev,
			High: math.Max(prev, c) * 1.01, Low: math.Min(prev, c) * 0.99,
		}
		prev = c
	}
	return bars
}

type scripted struct {
	actions map[int]Action
}

func (s *scripted) Name() string          { return "scripted" }
func (s *scripted) Warmup() int           { return 1 }
func (s *scripted) Init(bars []market.Bar) {}
func (s *scripted) Decide(bars []market.Bar, i int, pos Position) Action {
	return s.actions[i]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinBars = 20
	return cfg
}

func TestConfigFee(t *testing.T) {
	cfg := DefaultConfig()

	assert.InDelta(t, 5.0, cfg.Fee(10000, false), 1e-9, "minimum commission applies")
	assert.InDelta(t, 15.0, cfg.Fee(10000, true), 1e-9, "stamp duty on sells")
	assert.InDelta(t, 30.0, cfg.Fee(100000, false), 1e-9)
	assert.InDelta(t, 130.0, cfg.Fee(100000, true), 1e-9)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.LotSize = 0
	var cfgErr ErrInvalidConfig
	require.ErrorAs(t, cfg.Validate(), &cfgErr)
	assert.Equal(t, "lot_size", cfgErr.Field)

	cfg = DefaultConfig()
	cfg.Start, cfg.End = cfg.End, cfg.Start
	assert.Error(t, cfg.Validate())
}

func TestConfigFrom(t *testing.T) {
	app := config.Default().Backtest
	app.InitialCash = 100000
	app.MinBars = 0

	cfg, err := ConfigFrom(app)
	require.NoError(t, err)
	assert.Equal(t, 100000.0, cfg.InitialCash)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), cfg.Start)
	assert.Equal(t, DefaultConfig().MinBars, cfg.MinBars)
	assert.Equal(t, DefaultConfig().LimitTolerance, cfg.LimitTolerance)

	app.EndDate = "2024-13-01"
	_, err = ConfigFrom(app)
	assert.Error(t, err)
}

func TestRSI(t *testing.T) {
	rising := make([]float64, 30)
	flat := make([]float64, 30)
	for i := range rising {
		rising[i] = 10 + float64(i)
		flat[i] = 10
	}

	r := RSI(rising, 14)
	assert.True(t, math.IsNaN(r[13]))
	assert.Equal(t, 100.0, r[14])
	assert.Equal(t, 100.0, r[29])

	f := RSI(flat, 14)
	assert.Equal(t, 50.0, f[20])

	falling := RSI(closes(sawtooth("x", 16)), 14)
	assert.Equal(t, 0.0, falling[14])
}

func TestRSRSZScore(t *testing.T) {
	bars := market.SyntheticBars("600000", day0, 200, 7)

	z := RSRSZScore(bars, 18, 600, 50)
	require.Len(t, z, 200)
	// 第一个斜率在 17，满 50 个斜率在 66
	assert.True(t, math.IsNaN(z[65]))
	assert.False(t, math.IsNaN(z[66]))
	for _, v := range z[66:] {
		assert.False(t, math.IsInf(v, 0))
	}

	short := RSRSZScore(bars[:10], 18, 600, 50)
	for _, v := range short {
		assert.True(t, math.IsNaN(v))
	}
}

func TestNewStrategy(t *testing.T) {
	s, err := NewStrategy("rsi_reversal", nil)
	require.NoError(t, err)
	rsi := s.(*RSIReversal)
	assert.Equal(t, 30.0, rsi.BuyThreshold)
	assert.Equal(t, 70.0, rsi.SellThreshold)

	s, err = NewStrategy("rsrs", sensitivity.Params{"n_period": 20})
	require.NoError(t, err)
	assert.Equal(t, 20, s.(*RSRS).NPeriod)
	assert.Equal(t, 69, s.Warmup())

	_, err = NewStrategy("rsi_reversal", sensitivity.Params{"buy_threshold": 70, "sell_threshold": 60})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeParameterInvalid))

	_, err = NewStrategy("macd", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStrategyNotFound))
}

func TestEngineRoundTrip(t *testing.T) {
	bars := flatBars("600000", 30)
	bars[11].Open = 11

	cfg := testConfig()
	engine := NewEngine(&scripted{actions: map[int]Action{5: Buy, 10: Sell}}, cfg)
	result, err := engine.Run(context.Background(), "600000", bars)
	require.NoError(t, err)
	require.Equal(t, 1, result.TradeCount)

	trade := result.Trades[0]
	entry := 10 * (1 + cfg.Slippage)
	exit := 11 * (1 - cfg.Slippage)
	assert.Equal(t, 5400, trade.Shares)
	assert.InDelta(t, entry, trade.EntryPrice, 1e-9)
	assert.InDelta(t, exit, trade.ExitPrice, 1e-9)
	assert.Equal(t, bars[6].Date, trade.EntryDate)
	assert.Equal(t, bars[11].Date, trade.ExitDate)
	assert.Equal(t, ExitSignal, trade.ExitReason)

	buyValue := 5400 * entry
	sellValue := 5400 * exit
	pnl := sellValue - cfg.Fee(sellValue, true) - buyValue - cfg.Fee(buyValue, false)
	assert.InDelta(t, pnl, trade.PnL, 1e-6)
	assert.InDelta(t, cfg.InitialCash+pnl, result.FinalValue, 1e-6)
	assert.InDelta(t, pnl/cfg.InitialCash, result.TotalReturn, 1e-9)
	assert.Equal(t, 1.0, result.WinRate)
	assert.Len(t, result.Equity, len(bars))
}

func TestEngineSkipsOnePriceFill(t *testing.T) {
	bars := flatBars("600000", 30)
	bars[6] = market.Bar{Code: "600000", Date: bars[6].Date, Open: 11, High: 11, Low: 11, Close: 11}

	result, err := NewEngine(&scripted{actions: map[int]Action{5: Buy}}, testConfig()).
		Run(context.Background(), "600000", bars)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SkippedFills)
	assert.Equal(t, 0, result.TradeCount)
	assert.Equal(t, testConfig().InitialCash, result.FinalValue)
}

func TestEngineClosesAtEndOfData(t *testing.T) {
	bars := flatBars("600000", 30)

	result, err := NewEngine(&scripted{actions: map[int]Action{5: Buy}}, testConfig()).
		Run(context.Background(), "600000", bars)
	require.NoError(t, err)
	require.Equal(t, 1, result.TradeCount)
	assert.Equal(t, ExitEndOfData, result.Trades[0].ExitReason)
	assert.Less(t, result.TotalReturn, 0.0, "fees and slippage on a flat market")
	assert.Equal(t, 0.0, result.WinRate)
}

func TestEngineInsufficientBars(t *testing.T) {
	_, err := NewEngine(&scripted{}, testConfig()).Run(context.Background(), "600000", flatBars("600000", 5))
	assert.ErrorIs(t, err, ErrInsufficientBars)
}

func TestEngineCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(&scripted{}, testConfig()).Run(ctx, "600000", flatBars("600000", 30))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngineStrategiesOnSyntheticBars(t *testing.T) {
	bars := market.SyntheticBars("000001", day0, 400, 42)

	for _, id := range sensitivity.PresetIDs() {
		t.Run(id, func(t *testing.T) {
			s, err := NewStrategy(id, nil)
			require.NoError(t, err)

			result, err := NewEngine(s, testConfig()).Run(context.Background(), "000001", bars)
			require.NoError(t, err)
			assert.Len(t, result.Equity, len(bars))
			assert.GreaterOrEqual(t, result.MaxDrawdown, 0.0)
			assert.Less(t, result.MaxDrawdown, 1.0)
			assert.False(t, math.IsNaN(result.SharpeRatio))
			for _, tr := range result.Trades {
				assert.Zero(t, tr.Shares%100)
			}
		})
	}
}

func TestStatsDrawdown(t *testing.T) {
	stats := NewStatsManager()
	for i, eq := range []float64{100, 120, 90, 130} {
		stats.Update(day0.AddDate(0, 0, i), eq)
	}
	result := stats.Result("x", 100)
	assert.InDelta(t, 0.25, result.MaxDrawdown, 1e-12)
	assert.InDelta(t, 0.3, result.TotalReturn, 1e-12)
	assert.Equal(t, 0.0, result.Equity[3].Drawdown)
}

func TestPoolRunnerAverages(t *testing.T) {
	feed := market.NewMemoryFeed()
	feed.Add("600000", sawtooth("600000", 120)...)
	feed.Add("000001", sawtooth("000001", 120)...)

	runner := NewPoolRunner(feed, testConfig())
	single, err := runner.Run(context.Background(), sensitivity.Request{Strategy: "rsi_reversal", Codes: []string{"600000"}})
	require.NoError(t, err)
	require.Greater(t, single.TradeCount, 0)

	pooled, err := runner.Run(context.Background(), sensitivity.Request{
		Strategy: "rsi_reversal",
		Codes:    []string{"600000", "000001", "300750"},
	})
	require.NoError(t, err)
	assert.InDelta(t, single.TotalReturn, pooled.TotalReturn, 1e-12)
	assert.InDelta(t, single.WinRate, pooled.WinRate, 1e-12)
	assert.InDelta(t, single.MaxDrawdown, pooled.MaxDrawdown, 1e-12)
	assert.Equal(t, 2*single.TradeCount, pooled.TradeCount)
}

func TestPoolRunnerNoValidResults(t *testing.T) {
	feed := market.NewMemoryFeed()
	feed.Add("600000", flatBars("600000", 10)...)

	_, err := NewPoolRunner(feed, testConfig()).Run(context.Background(), sensitivity.Request{
		Strategy: "rsi_reversal",
		Codes:    []string{"600000", "000001"},
	})
	assert.ErrorIs(t, err, ErrNoValidResults)
	assert.ErrorIs(t, err, sensitivity.ErrNoResult)
	assert.False(t, errors.Is(err, sensitivity.ErrDataUnavailable))
}

func TestPoolRunnerSweepWithoutTradesCompletes(t *testing.T) {
	feed := market.NewMemoryFeed()
	feed.Add("600000", flatBars("600000", 10)...)

	grid, err := sensitivity.DefaultGrid("rsi_reversal")
	require.NoError(t, err)
	searcher := sensitivity.NewGridSearcher(NewPoolRunner(feed, testConfig()), sensitivity.SearcherConfig{
		Strategy:               "rsi_reversal",
		Codes:                  []string{"600000"},
		MaxCombinations:        200,
		MaxConsecutiveFailures: 10,
		Workers:                1,
	})

	result, err := searcher.Run(context.Background(), grid, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, 25, result.FailureCount)
	assert.Equal(t, 0, result.SuccessCount)
}

func TestPoolRunnerDataUnavailable(t *testing.T) {
	feed := market.FeedFunc(func(ctx context.Context, code string, start, end time.Time) ([]market.Bar, error) {
		return nil, fmt.Errorf("dial tcp: %w", market.ErrUnavailable)
	})

	_, err := NewPoolRunner(feed, testConfig()).Run(context.Background(), sensitivity.Request{
		Strategy: "rsi_reversal",
		Codes:    []string{"600000", "000001"},
	})
	assert.ErrorIs(t, err, sensitivity.ErrDataUnavailable)
	assert.ErrorIs(t, err, market.ErrUnavailable)
}

func TestPoolRunnerInvalidParams(t *testing.T) {
	feed := market.NewMemoryFeed()
	feed.Add("600000", sawtooth("600000", 120)...)

	_, err := NewPoolRunner(feed, testConfig()).Run(context.Background(), sensitivity.Request{
		Strategy: "rsi_reversal",
		Params:   sensitivity.Params{"buy_threshold": 80},
		Codes:    []string{"600000"},
	})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeParameterInvalid))
}

func TestPoolRunnerDrivesGridSearch(t *testing.T) {
	feed := market.NewMemoryFeed()
	feed.Add("600000", sawtooth("600000", 150)...)

	grid, err := sensitivity.DefaultGrid("rsi_reversal")
	require.NoError(t, err)

	cfg := sensitivity.DefaultSearcherConfig("rsi_reversal")
	cfg.Codes = []string{"600000"}
	searcher := sensitivity.NewGridSearcher(NewPoolRunner(feed, testConfig()), cfg)

	result, err := searcher.Run(context.Background(), grid, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, grid.TotalCombinations(), result.SuccessCount+result.FailureCount)
	assert.Greater(t, result.SuccessCount, 0)
}
