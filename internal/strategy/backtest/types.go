package backtest

import (
	"errors"
	"fmt"
	"math"
	"time"

	"miniquant/internal/config"
)

// ErrInsufficientBars is returned when a code has fewer bars than MinBars
var ErrInsufficientBars = errors.New("backtest: insufficient bars")

// Config represents the A-share backtest configuration
type Config struct {
	InitialCash   float64   `yaml:"initial_cash" json:"initial_cash"`
	Commission    float64   `yaml:"commission" json:"commission"`         // 手续费率（万三）
	MinCommission float64   `yaml:"min_commission" json:"min_commission"` // 最低手续费（5元低消）
	StampDuty     float64   `yaml:"stamp_duty" json:"stamp_duty"`         // 印花税（千一，卖出收取）
	Slippage      float64   `yaml:"slippage" json:"slippage"`
	LotSize       int       `yaml:"lot_size" json:"lot_size"`
	Benchmark     string    `yaml:"benchmark" json:"benchmark"`
	Start         time.Time `yaml:"start" json:"start"`
	End           time.Time `yaml:"end" json:"end"`
	MinBars       int       `yaml:"min_bars" json:"min_bars"`
	// LimitTolerance is the price tolerance for one-price limit boards
	LimitTolerance float64 `yaml:"limit_tolerance" json:"limit_tolerance"`
}

// DefaultConfig returns the A-share retail defaults
func DefaultConfig() Config {
	return Config{
		InitialCash:    55000,
		Commission:     0.0003,
		MinCommission:  5,
		StampDuty:      0.001,
		Slippage:       0.001,
		LotSize:        100,
		Benchmark:      "000300",
		Start:          time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC),
		MinBars:        60,
		LimitTolerance: 0.001,
	}
}

// ConfigFrom builds the engine configuration from the application's
// backtest section
func ConfigFrom(cfg config.BacktestConfig) (Config, error) {
	start, end, err := cfg.Period()
	if err != nil {
		return Config{}, err
	}
	c := DefaultConfig()
	c.InitialCash = cfg.InitialCash
	c.Commission = cfg.Commission
	c.MinCommission = cfg.MinCommission
	c.StampDuty = cfg.StampDuty
	c.Slippage = cfg.Slippage
	c.LotSize = cfg.LotSize
	c.Benchmark = cfg.Benchmark
	c.Start, c.End = start, end
	if cfg.MinBars > 0 {
		c.MinBars = cfg.MinBars
	}
	return c, c.Validate()
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.InitialCash <= 0 {
		return ErrInvalidConfig{Field: "initial_cash", Message: "must be positive"}
	}
	if c.Commission < 0 || c.StampDuty < 0 || c.Slippage < 0 || c.MinCommission < 0 {
		return ErrInvalidConfig{Field: "fees", Message: "must not be negative"}
	}
	if c.LotSize <= 0 {
		return ErrInvalidConfig{Field: "lot_size", Message: "must be positive"}
	}
	if !c.Start.IsZero() && !c.End.IsZero() && !c.Start.Before(c.End) {
		return ErrInvalidConfig{Field: "start", Message: "must be before end"}
	}
	return nil
}

// Fee returns commission plus stamp duty for a fill of the given value:
// max(value*rate, min) and value*stamp on sells
func (c Config) Fee(value float64, sell bool) float64 {
	fee := math.Max(value*c.Commission, c.MinCommission)
	if sell {
		fee += value * c.StampDuty
	}
	return fee
}

// Trade represents a closed round trip
type Trade struct {
	Code       string    `json:"code"`
	EntryDate  time.Time `json:"entry_date"`
	ExitDate   time.Time `json:"exit_date"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Shares     int       `json:"shares"`
	Fee        float64   `json:"fee"`
	PnL        float64   `json:"pnl"`
	PnLPercent float64   `json:"pnl_percent"`
	ExitReason string    `json:"exit_reason"`
}

// EquityPoint represents a point in the equity curve
type EquityPoint struct {
	Date     time.Time `json:"date"`
	Equity   float64   `json:"equity"`
	Drawdown float64   `json:"drawdown"`
}

// Result represents backtest results for one code
type Result struct {
	Code         string        `json:"code"`
	InitialValue float64       `json:"initial_value"`
	FinalValue   float64       `json:"final_value"`
	TotalReturn  float64       `json:"total_return"`
	AnnualReturn float64       `json:"annual_return"`
	MaxDrawdown  float64       `json:"max_drawdown"`
	SharpeRatio  float64       `json:"sharpe_ratio"`
	WinRate      float64       `json:"win_rate"`
	ProfitFactor float64       `json:"profit_factor"`
	TradeCount   int           `json:"trade_count"`
	SkippedFills int           `json:"skipped_fills"`
	Trades       []Trade       `json:"trades"`
	Equity       []EquityPoint `json:"equity"`
}

// Error types
type ErrInvalidConfig struct {
	Field   string
	Message string
}

func (e ErrInvalidConfig) Error() string {
	return "invalid config: " + e.Field + " - " + e.Message
}

type ErrBacktest struct {
	Code    string
	Message string
	Err     error
}

func (e ErrBacktest) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backtest error: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("backtest error: %s: %s", e.Code, e.Message)
}

func (e ErrBacktest) Unwrap() error {
	return e.Err
}
