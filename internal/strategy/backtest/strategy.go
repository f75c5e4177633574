package backtest

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	apperrors "miniquant/internal/errors"
	"miniquant/internal/market"
	"miniquant/internal/strategy/sensitivity"
)

// Action is a strategy decision taken at a bar close
type Action int

const (
	Hold Action = iota
	Buy
	Sell
)

func (a Action) String() string {
	switch a {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "hold"
	}
}

// Position is the open long position seen by a strategy
type Position struct {
	Shares     int
	EntryPrice float64
}

// Open reports whether shares are held
func (p Position) Open() bool {
	return p.Shares > 0
}

// Return is the unrealized return of the position at price
func (p Position) Return(price float64) float64 {
	if !p.Open() || p.EntryPrice <= 0 {
		return 0
	}
	return price/p.EntryPrice - 1
}

// Strategy decides on the close of bar i. Init is called once per code
// before the first Decide.
type Strategy interface {
	Name() string
	Warmup() int
	Init(bars []market.Bar)
	Decide(bars []market.Bar, i int, pos Position) Action
}

// NewStrategy builds a built-in strategy. Missing params fall back to the
// preset defaults.
func NewStrategy(id string, params sensitivity.Params) (Strategy, error) {
	preset, err := sensitivity.Preset(id)
	if err != nil {
		return nil, err
	}
	p := preset.Defaults().Merge(params)

	switch id {
	case "rsi_reversal":
		s := &RSIReversal{
			Period:        14,
			BuyThreshold:  p["buy_threshold"],
			SellThreshold: p["sell_threshold"],
			StopLoss:      p["stop_loss"],
			TakeProfit:    p["take_profit"],
		}
		return s, s.validate()
	case "rsrs":
		s := &RSRS{
			NPeriod:       int(math.Round(p["n_period"])),
			ZWindow:       600,
			MinHistory:    50,
			BuyThreshold:  p["buy_threshold"],
			SellThreshold: p["sell_threshold"],
			HardStopLoss:  p["hard_stop_loss"],
		}
		return s, s.validate()
	}
	return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeStrategyNotFound,
		"strategy not found", fmt.Sprintf("no engine implementation for %q", id), nil)
}

func invalidParams(strategy, details string) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
		"invalid strategy parameters", details, nil).WithContext("strategy", strategy)
}

// RSIReversal buys oversold and sells overbought, with stop loss and take profit
type RSIReversal struct {
	Period        int
	BuyThreshold  float64
	SellThreshold float64
	StopLoss      float64
	TakeProfit    float64

	rsi []float64
}

func (s *RSIReversal) validate() error {
	if s.Period < 2 {
		return invalidParams("rsi_reversal", "period must be at least 2")
	}
	if s.BuyThreshold >= s.SellThreshold {
		return invalidParams("rsi_reversal", fmt.Sprintf("buy_threshold %g must be below sell_threshold %g", s.BuyThreshold, s.SellThreshold))
	}
	if s.StopLoss <= 0 || s.TakeProfit <= 0 {
		return invalidParams("rsi_reversal", "stop_loss and take_profit must be positive")
	}
	return nil
}

func (s *RSIReversal) Name() string { return "rsi_reversal" }
func (s *RSIReversal) Warmup() int  { return s.Period + 1 }

func (s *RSIReversal) Init(bars []market.Bar) {
	s.rsi = RSI(closes(bars), s.Period)
}

func (s *RSIReversal) Decide(bars []market.Bar, i int, pos Position) Action {
	if i >= len(s.rsi) || math.IsNaN(s.rsi[i]) {
		return Hold
	}
	r := s.rsi[i]
	if !pos.Open() {
		if r < s.BuyThreshold {
			return Buy
		}
		return Hold
	}
	ret := pos.Return(bars[i].Close)
	if r > s.SellThreshold || ret <= -s.StopLoss || ret >= s.TakeProfit {
		return Sell
	}
	return Hold
}

// RSRS trades the z-score of the rolling high/low regression slope
type RSRS struct {
	NPeriod       int
	ZWindow       int
	MinHistory    int
	BuyThreshold  float64
	SellThreshold float64
	HardStopLoss  float64 // 负数，如 -0.06

	z []float64
}

func (s *RSRS) validate() error {
	if s.NPeriod < 3 {
		return invalidParams("rsrs", "n_period must be at least 3")
	}
	if s.SellThreshold >= s.BuyThreshold {
		return invalidParams("rsrs", fmt.Sprintf("sell_threshold %g must be below buy_threshold %g", s.SellThreshold, s.BuyThreshold))
	}
	if s.HardStopLoss >= 0 {
		return invalidParams("rsrs", "hard_stop_loss must be negative")
	}
	return nil
}

func (s *RSRS) Name() string { return "rsrs" }
func (s *RSRS) Warmup() int  { return s.NPeriod + s.MinHistory - 1 }

func (s *RSRS) Init(bars []market.Bar) {
	s.z = RSRSZScore(bars, s.NPeriod, s.ZWindow, s.MinHistory)
}

func (s *RSRS) Decide(bars []market.Bar, i int, pos Position) Action {
	if i >= len(s.z) || math.IsNaN(s.z[i]) {
		return Hold
	}
	z := s.z[i]
	if !pos.Open() {
		if z > s.BuyThreshold {
			return Buy
		}
		return Hold
	}
	if z < s.SellThreshold || pos.Return(bars[i].Close) <= s.HardStopLoss {
		return Sell
	}
	return Hold
}

func closes(bars []market.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// RSI computes Wilder's relative strength index. Entries before index
// period are NaN.
func RSI(prices []float64, period int) []float64 {
	out := make([]float64, len(prices))
	for i := range out {
		out[i] = math.NaN()
	}
	if period < 1 || len(prices) <= period {
		return out
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(period)
	loss /= float64(period)
	out[period] = rsiValue(gain, loss)

	for i := period + 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		gain = (gain*float64(period-1) + up) / float64(period)
		loss = (loss*float64(period-1) + down) / float64(period)
		out[i] = rsiValue(gain, loss)
	}
	return out
}

func rsiValue(gain, loss float64) float64 {
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	return 100 - 100/(1+gain/loss)
}

// RSRSZScore regresses high on low over n bars and z-scores the slope
// against up to window previous slopes. Entries without minHistory slopes
// are NaN.
func RSRSZScore(bars []market.Bar, n, window, minHistory int) []float64 {
	out := make([]float64, len(bars))
	for i := range out {
		out[i] = math.NaN()
	}
	if n < 2 || len(bars) < n {
		return out
	}

	lows := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	for i, b := range bars {
		lows[i] = b.Low
		highs[i] = b.High
	}

	betas := make([]float64, 0, len(bars)-n+1)
	for i := n - 1; i < len(bars); i++ {
		_, beta := stat.LinearRegression(lows[i-n+1:i+1], highs[i-n+1:i+1], nil, false)
		if math.IsNaN(beta) || math.IsInf(beta, 0) {
			beta = 0
		}
		betas = append(betas, beta)
		if len(betas) < minHistory {
			continue
		}
		hist := betas
		if window > 0 && len(hist) > window {
			hist = hist[len(hist)-window:]
		}
		mean, std := stat.PopMeanStdDev(hist, nil)
		if std == 0 {
			out[i] = 0
			continue
		}
		out[i] = (beta - mean) / std
	}
	return out
}
