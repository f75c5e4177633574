package sensitivity

import (
	"fmt"
	"sort"

	apperrors "miniquant/internal/errors"
)

// StrategyParams describes the tunable parameters of a built-in strategy.
// The first two primary params form the default grid.
type StrategyParams struct {
	ID        string           `json:"id" yaml:"id"`
	Name      string           `json:"name" yaml:"name"`
	Primary   []ParameterRange `json:"primary_params" yaml:"primary_params"`
	Secondary []ParameterRange `json:"secondary_params" yaml:"secondary_params"`
}

// Defaults returns every parameter at its default value
func (s StrategyParams) Defaults() Params {
	out := make(Params, len(s.Primary)+len(s.Secondary))
	for _, r := range append(append([]ParameterRange{}, s.Primary...), s.Secondary...) {
		out[r.Name] = r.Default
	}
	return out
}

// Range looks up a parameter by name across primary and secondary
func (s StrategyParams) Range(name string) (ParameterRange, bool) {
	for _, r := range s.Primary {
		if r.Name == name {
			return r, true
		}
	}
	for _, r := range s.Secondary {
		if r.Name == name {
			return r, true
		}
	}
	return ParameterRange{}, false
}

// 内置策略参数表
var presets = map[string]StrategyParams{
	"rsrs": {
		ID:   "rsrs",
		Name: "RSRS 阻力支撑策略",
		Primary: []ParameterRange{
			{Name: "n_period", DisplayName: "斜率窗口(N)", Min: 14, Max: 24, Step: 2, Default: 18},
			{Name: "buy_threshold", DisplayName: "买入阈值", Min: 0.5, Max: 1.0, Step: 0.1, Default: 0.7},
		},
		Secondary: []ParameterRange{
			{Name: "sell_threshold", DisplayName: "卖出阈值", Min: -1.0, Max: -0.5, Step: 0.1, Default: -0.7},
			{Name: "hard_stop_loss", DisplayName: "硬止损", Min: -0.10, Max: -0.04, Step: 0.02, Default: -0.06},
		},
	},
	"rsi_reversal": {
		ID:   "rsi_reversal",
		Name: "RSI 超卖反弹策略",
		Primary: []ParameterRange{
			{Name: "buy_threshold", DisplayName: "买入阈值", Min: 20, Max: 40, Step: 5, Default: 30},
			{Name: "sell_threshold", DisplayName: "卖出阈值", Min: 60, Max: 80, Step: 5, Default: 70},
		},
		Secondary: []ParameterRange{
			{Name: "stop_loss", DisplayName: "止损比例", Min: 0.03, Max: 0.10, Step: 0.01, Default: 0.05},
			{Name: "take_profit", DisplayName: "止盈比例", Min: 0.10, Max: 0.30, Step: 0.05, Default: 0.15},
		},
	},
}

// Preset returns the parameter catalogue of a built-in strategy
func Preset(id string) (StrategyParams, error) {
	p, ok := presets[id]
	if !ok {
		return StrategyParams{}, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeStrategyNotFound,
			"strategy not found", fmt.Sprintf("unknown strategy %q", id), nil).
			WithContext("strategy", id)
	}
	p.Primary = append([]ParameterRange(nil), p.Primary...)
	p.Secondary = append([]ParameterRange(nil), p.Secondary...)
	return p, nil
}

// PresetIDs lists the built-in strategies in sorted order
func PresetIDs() []string {
	ids := make([]string, 0, len(presets))
	for id := range presets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultGrid sweeps the first two primary parameters of a strategy
func DefaultGrid(id string) (ParameterGrid, error) {
	p, err := Preset(id)
	if err != nil {
		return ParameterGrid{}, err
	}
	if len(p.Primary) < 2 {
		return ParameterGrid{}, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
			"no default grid", fmt.Sprintf("strategy %q has fewer than two primary parameters", id), nil)
	}
	return NewParameterGrid(p.Primary[0], p.Primary[1]), nil
}
