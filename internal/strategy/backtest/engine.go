package backtest

import (
	"context"
	"fmt"
	"math"

	"miniquant/internal/logger"
	"miniquant/internal/market"
)

// Exit reasons recorded on trades
const (
	ExitSignal    = "signal"
	ExitEndOfData = "end_of_data"
)

// Engine runs one strategy over the daily bars of one code. Signals are taken
// at the close and filled at the next open; positions are long-only, all-in,
// in whole lots.
type Engine struct {
	config   Config
	strategy Strategy
}

// NewEngine creates a new backtesting engine
func NewEngine(strategy Strategy, config Config) *Engine {
	return &Engine{config: config, strategy: strategy}
}

type account struct {
	cash      float64
	pos       Position
	entryDate int
	entryFee  float64
}

// Run runs the backtest
func (e *Engine) Run(ctx context.Context, code string, bars []market.Bar) (*Result, error) {
	if err := e.config.Validate(); err != nil {
		return nil, err
	}
	if len(bars) < e.config.MinBars || len(bars) < 2 {
		return nil, ErrBacktest{Code: code, Message: fmt.Sprintf("%d bars, need %d", len(bars), e.config.MinBars), Err: ErrInsufficientBars}
	}

	e.strategy.Init(bars)
	stats := NewStatsManager()
	acct := &account{cash: e.config.InitialCash}
	pending := Hold
	skipped := 0
	last := len(bars) - 1

	for i, bar := range bars {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		// 次日开盘成交，一字板无法成交
		if pending != Hold {
			if bar.IsOnePrice(e.config.LimitTolerance) {
				skipped++
			} else if pending == Buy {
				e.buy(acct, i, bar)
			} else {
				stats.AddTrade(e.sell(acct, code, bars, i, bar.Open*(1-e.config.Slippage), ExitSignal))
			}
			pending = Hold
		}

		if i == last {
			if acct.pos.Open() {
				stats.AddTrade(e.sell(acct, code, bars, i, bar.Close*(1-e.config.Slippage), ExitEndOfData))
			}
		} else if i >= e.strategy.Warmup()-1 {
			switch action := e.strategy.Decide(bars, i, acct.pos); {
			case action == Buy && !acct.pos.Open():
				pending = Buy
			case action == Sell && acct.pos.Open():
				pending = Sell
			}
		}

		stats.Update(bar.Date, acct.cash+float64(acct.pos.Shares)*bar.Close)
	}

	result := stats.Result(code, e.config.InitialCash)
	result.SkippedFills = skipped
	logger.Debug("Backtest finished", "code", code, "strategy", e.strategy.Name(),
		"trades", result.TradeCount, "total_return", result.TotalReturn)
	return result, nil
}

func (e *Engine) buy(acct *account, i int, bar market.Bar) {
	price := bar.Open * (1 + e.config.Slippage)
	lot := float64(e.config.LotSize)
	lots := math.Floor(acct.cash / (price * lot * (1 + e.config.Commission)))
	for ; lots > 0; lots-- {
		value := lots * lot * price
		if value+e.config.Fee(value, false) <= acct.cash {
			break
		}
	}
	if lots <= 0 {
		return
	}

	shares := int(lots) * e.config.LotSize
	value := float64(shares) * price
	fee := e.config.Fee(value, false)
	acct.cash -= value + fee
	acct.pos = Position{Shares: shares, EntryPrice: price}
	acct.entryDate = i
	acct.entryFee = fee
}

func (e *Engine) sell(acct *account, code string, bars []market.Bar, i int, price float64, reason string) Trade {
	shares := acct.pos.Shares
	value := float64(shares) * price
	fee := e.config.Fee(value, true)
	acct.cash += value - fee

	cost := float64(shares)*acct.pos.EntryPrice + acct.entryFee
	pnl := value - fee - cost
	trade := Trade{
		Code:       code,
		EntryDate:  bars[acct.entryDate].Date,
		ExitDate:   bars[i].Date,
		EntryPrice: acct.pos.EntryPrice,
		ExitPrice:  price,
		Shares:     shares,
		Fee:        acct.entryFee + fee,
		PnL:        pnl,
		PnLPercent: pnl / cost,
		ExitReason: reason,
	}
	acct.pos = Position{}
	acct.entryFee = 0
	return trade
}
