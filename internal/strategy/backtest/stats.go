package backtest

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// StatsManager manages performance statistics
type StatsManager struct {
	returns []float64
	curve   []EquityPoint
	trades  []Trade
	peak    float64
}

// NewStatsManager creates a new stats manager
func NewStatsManager() *StatsManager {
	return &StatsManager{
		returns: make([]float64, 0),
		curve:   make([]EquityPoint, 0),
		trades:  make([]Trade, 0),
	}
}

// Update records the equity marked at a bar close
func (m *StatsManager) Update(date time.Time, equity float64) {
	if n := len(m.curve); n > 0 {
		prev := m.curve[n-1].Equity
		if prev > 0 {
			m.returns = append(m.returns, (equity-prev)/prev)
		}
	}

	// 计算回撤
	if equity > m.peak {
		m.peak = equity
	}
	drawdown := 0.0
	if m.peak > 0 {
		drawdown = (m.peak - equity) / m.peak
	}
	m.curve = append(m.curve, EquityPoint{Date: date, Equity: equity, Drawdown: drawdown})
}

// AddTrade adds a closed round trip
func (m *StatsManager) AddTrade(trade Trade) {
	m.trades = append(m.trades, trade)
}

// Result fills the performance fields of a result
func (m *StatsManager) Result(code string, initial float64) *Result {
	final := initial
	if n := len(m.curve); n > 0 {
		final = m.curve[n-1].Equity
	}
	total := 0.0
	if initial > 0 {
		total = final/initial - 1
	}

	return &Result{
		Code:         code,
		InitialValue: initial,
		FinalValue:   final,
		TotalReturn:  total,
		AnnualReturn: m.annualReturn(total),
		MaxDrawdown:  m.maxDrawdown(),
		SharpeRatio:  m.sharpeRatio(),
		WinRate:      m.winRate(),
		ProfitFactor: m.profitFactor(),
		TradeCount:   len(m.trades),
		Trades:       m.trades,
		Equity:       m.curve,
	}
}

func (m *StatsManager) annualReturn(total float64) float64 {
	if len(m.curve) < 2 || total <= -1 {
		return 0
	}
	years := m.curve[len(m.curve)-1].Date.Sub(m.curve[0].Date).Hours() / (24 * 365)
	if years <= 0 {
		return 0
	}
	return math.Pow(1+total, 1/years) - 1
}

func (m *StatsManager) sharpeRatio() float64 {
	if len(m.returns) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(m.returns, nil)
	if std == 0 {
		return 0
	}
	// 假设无风险利率为0
	return mean / std * math.Sqrt(252) // 年化
}

func (m *StatsManager) maxDrawdown() float64 {
	maxDrawdown := 0.0
	for _, p := range m.curve {
		if p.Drawdown > maxDrawdown {
			maxDrawdown = p.Drawdown
		}
	}
	return maxDrawdown
}

func (m *StatsManager) winRate() float64 {
	if len(m.trades) == 0 {
		return 0
	}
	wins := 0
	for _, t := range m.trades {
		if t.PnL > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(m.trades))
}

func (m *StatsManager) profitFactor() float64 {
	var grossProfit, grossLoss float64
	for _, t := range m.trades {
		if t.PnL > 0 {
			grossProfit += t.PnL
		} else {
			grossLoss -= t.PnL
		}
	}
	if grossLoss == 0 {
		return 0
	}
	return grossProfit / grossLoss
}
