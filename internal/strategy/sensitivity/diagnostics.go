package sensitivity

import (
	"math"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"
)

// Level is the categorical robustness verdict
type Level string

const (
	LevelRobust      Level = "robust"
	LevelSensitive   Level = "sensitive"
	LevelOverfitting Level = "overfitting"
)

// Verdict messages per level
const (
	MessageRobust      = "parameter plateau: stable across parameter perturbation"
	MessageSensitive   = "parameter sensitive: performance depends on parameter choice, use with caution"
	MessageOverfitting = "overfitting risk: performance concentrated in an isolated parameter point, high risk of curve-fitting"
	MessageNoSuccess   = "no successful runs: all backtests failed, cannot diagnose"
)

// DiagnosticsConfig holds the score weights and level thresholds
type DiagnosticsConfig struct {
	RobustThreshold    float64 `yaml:"robust_threshold" json:"robust_threshold"`
	SensitiveThreshold float64 `yaml:"sensitive_threshold" json:"sensitive_threshold"`
	PositiveWeight     float64 `yaml:"positive_weight" json:"positive_weight"`
	StabilityWeight    float64 `yaml:"stability_weight" json:"stability_weight"`
	NeighborWeight     float64 `yaml:"neighbor_weight" json:"neighbor_weight"`
	MeanEpsilon        float64 `yaml:"mean_epsilon" json:"mean_epsilon"`
}

// DefaultDiagnosticsConfig returns 40/30/30 weights with 70/40 thresholds
func DefaultDiagnosticsConfig() DiagnosticsConfig {
	return DiagnosticsConfig{
		RobustThreshold:    70,
		SensitiveThreshold: 40,
		PositiveWeight:     40,
		StabilityWeight:    30,
		NeighborWeight:     30,
		MeanEpsilon:        1e-9,
	}
}

// DiagnosisResult is the robustness verdict for one sweep
type DiagnosisResult struct {
	Score               float64 `json:"score"`
	Level               Level   `json:"level"`
	Message             string  `json:"message"`
	PositiveRatio       float64 `json:"positive_ratio"`
	ReturnStd           float64 `json:"return_std"`
	NeighborConsistency float64 `json:"neighbor_consistency"`
	MeanReturn          float64 `json:"mean_return"`
	SuccessCount        int     `json:"success_count"`
	Diagnosable         bool    `json:"diagnosable"`
}

// Diagnostics scores a GridSearchResult. It holds no state between calls.
type Diagnostics struct {
	config DiagnosticsConfig
}

// NewDiagnostics creates a scorer with the given config
func NewDiagnostics(config DiagnosticsConfig) *Diagnostics {
	return &Diagnostics{config: config}
}

// NewDefaultDiagnostics creates a scorer with DefaultDiagnosticsConfig
func NewDefaultDiagnostics() *Diagnostics {
	return NewDiagnostics(DefaultDiagnosticsConfig())
}

// LevelForScore maps a score onto a level with the default thresholds
func LevelForScore(score float64) Level {
	return NewDefaultDiagnostics().LevelForScore(score)
}

// LevelForScore maps a score onto a level
func (d *Diagnostics) LevelForScore(score float64) Level {
	switch {
	case score >= d.config.RobustThreshold:
		return LevelRobust
	case score >= d.config.SensitiveThreshold:
		return LevelSensitive
	default:
		return LevelOverfitting
	}
}

// Diagnose computes the composite score:
//
//	positive_ratio * 40
//	+ (1 - min(std/|mean|, 1)) * 30
//	+ clamp(neighbor_avg/optimal, 0, 1) * 30
//
// clamped to [0, 100]. Only successful cells take part.
func (d *Diagnostics) Diagnose(result *GridSearchResult) DiagnosisResult {
	successful := result.Successful()
	if len(successful) == 0 {
		return DiagnosisResult{Score: 0, Level: LevelOverfitting, Message: MessageNoSuccess}
	}

	returns := lo.Map(successful, func(c CellResult, _ int) float64 { return c.TotalReturn })

	// 1. share of profitable cells
	positives := lo.CountBy(returns, func(r float64) bool { return r > 0 })
	positiveRatio := float64(positives) / float64(len(returns))
	positiveScore := positiveRatio * d.config.PositiveWeight

	// 2. return stability (population std)
	mean, std := stat.PopMeanStdDev(returns, nil)
	stabilityScore := 0.0
	if math.Abs(mean) > d.config.MeanEpsilon {
		cv := math.Min(std/math.Abs(mean), 1)
		stabilityScore = (1 - cv) * d.config.StabilityWeight
	}

	// 3. consistency around the optimum
	consistency := clamp(d.neighborConsistency(result), 0, 1)
	neighborScore := consistency * d.config.NeighborWeight

	score := clamp(positiveScore+stabilityScore+neighborScore, 0, 100)
	level := d.LevelForScore(score)

	return DiagnosisResult{
		Score:               roundTo(score, 1),
		Level:               level,
		Message:             messageFor(level),
		PositiveRatio:       roundTo(positiveRatio, 3),
		ReturnStd:           roundTo(std, 4),
		NeighborConsistency: roundTo(consistency, 3),
		MeanReturn:          roundTo(mean, 4),
		SuccessCount:        len(successful),
		Diagnosable:         true,
	}
}

// neighborConsistency returns avg(successful 8-neighbours)/optimal, or 0 when
// there are no successful neighbours or the optimum is not positive.
func (d *Diagnostics) neighborConsistency(result *GridSearchResult) float64 {
	best, err := result.OptimalCell()
	if err != nil || best.TotalReturn <= 0 {
		return 0
	}

	var neighbors []float64
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			if dr == 0 && dc == 0 {
				continue
			}
			cell, ok := result.Cell(best.Row+dr, best.Col+dc)
			if ok && cell.Success() {
				neighbors = append(neighbors, cell.TotalReturn)
			}
		}
	}
	if len(neighbors) == 0 {
		return 0
	}
	return stat.Mean(neighbors, nil) / best.TotalReturn
}

func messageFor(level Level) string {
	switch level {
	case LevelRobust:
		return MessageRobust
	case LevelSensitive:
		return MessageSensitive
	default:
		return MessageOverfitting
	}
}

func clamp(v, low, high float64) float64 {
	return math.Max(low, math.Min(high, v))
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
