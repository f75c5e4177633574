package sensitivity

import (
	"fmt"
	"math"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	apperrors "miniquant/internal/errors"
)

const (
	// stepTolerance is the relative tolerance for landing on Max
	stepTolerance = 1e-9
	// maxAxisValues bounds a single axis independent of the grid ceiling
	maxAxisValues = 10000
)

// ParameterRange is one axis of the search space
type ParameterRange struct {
	Name        string  `json:"name" yaml:"name"`
	DisplayName string  `json:"display_name" yaml:"display_name"`
	Min         float64 `json:"min" yaml:"min"`
	Max         float64 `json:"max" yaml:"max"`
	Step        float64 `json:"step" yaml:"step"`
	Default     float64 `json:"default" yaml:"default"`
}

// Label returns the display name, falling back to the identifier
func (r ParameterRange) Label() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.Name
}

// Validate requires Min < Max, Step > 0 and Max reachable from Min in whole
// steps within relative tolerance.
func (r ParameterRange) Validate() error {
	if reason := r.reason(false); reason != "" {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
			"invalid parameter range", reason, nil).WithContext("parameter", r.Name)
	}
	return nil
}

// Check is Validate in (ok, reason) form
func (r ParameterRange) Check() (bool, string) {
	reason := r.reason(false)
	return reason == "", reason
}

// IsSinglePoint reports a trivial axis pinned at one value
func (r ParameterRange) IsSinglePoint() bool {
	return r.Min == r.Max && r.Step > 0 && !math.IsNaN(r.Min) && !math.IsInf(r.Min, 0)
}

func (r ParameterRange) reason(allowSinglePoint bool) string {
	label := r.Label()
	if r.Name == "" {
		return "parameter name is required"
	}
	for _, v := range []float64{r.Min, r.Max, r.Step} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Sprintf("%s: min, max and step must be finite", label)
		}
	}
	if r.Step <= 0 {
		return fmt.Sprintf("%s: step must be greater than 0", label)
	}
	if allowSinglePoint && r.IsSinglePoint() {
		return ""
	}
	if r.Min >= r.Max {
		return fmt.Sprintf("%s: min (%g) must be less than max (%g)", label, r.Min, r.Max)
	}

	steps := math.Round((r.Max - r.Min) / r.Step)
	if steps+1 > maxAxisValues {
		return fmt.Sprintf("%s: %.0f values exceed the per-axis limit of %d", label, steps+1, maxAxisValues)
	}
	reconstructed := r.Min + steps*r.Step
	scale := math.Max(1, math.Max(math.Abs(r.Min), math.Abs(r.Max)))
	if math.Abs(reconstructed-r.Max) > stepTolerance*scale {
		return fmt.Sprintf("%s: range %g..%g is not a whole number of steps of %g", label, r.Min, r.Max, r.Step)
	}
	return ""
}

// steps returns the number of whole steps between Min and Max, or -1 when the
// axis cannot be enumerated.
func (r ParameterRange) steps() int {
	if r.Step <= 0 || r.Max < r.Min || math.IsNaN(r.Min) || math.IsNaN(r.Max) || math.IsNaN(r.Step) {
		return -1
	}
	n := math.Floor((r.Max-r.Min)/r.Step + stepTolerance)
	if n+1 > maxAxisValues {
		return -1
	}
	return int(n)
}

// Values returns Min + i*Step for i in 0..steps inclusive, ascending.
// Decimal arithmetic keeps every value free of accumulated float error.
func (r ParameterRange) Values() []float64 {
	n := r.steps()
	if n < 0 {
		return nil
	}

	start := decimal.NewFromFloat(r.Min)
	step := decimal.NewFromFloat(r.Step)
	values := make([]float64, 0, n+1)
	for i := 0; i <= n; i++ {
		v := start.Add(step.Mul(decimal.NewFromInt(int64(i))))
		values = append(values, v.InexactFloat64())
	}
	return values
}

// Count returns len(Values()) without allocating
func (r ParameterRange) Count() int {
	return r.steps() + 1
}

// Point is one grid coordinate
type Point struct {
	Row int     `json:"row"`
	Col int     `json:"col"`
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
}

// ParameterGrid is the cross product of two axes. X indexes columns and Y
// indexes rows.
type ParameterGrid struct {
	X ParameterRange `json:"x" yaml:"x"`
	Y ParameterRange `json:"y" yaml:"y"`
}

// NewParameterGrid builds a grid from two ranges
func NewParameterGrid(x, y ParameterRange) ParameterGrid {
	return ParameterGrid{X: x, Y: y}
}

// Validate checks both axes and that they name different parameters. An
// axis pinned at a single value is accepted here.
func (g ParameterGrid) Validate() error {
	for _, axis := range []struct {
		label string
		r     ParameterRange
	}{{"x", g.X}, {"y", g.Y}} {
		if reason := axis.r.reason(true); reason != "" {
			return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
				fmt.Sprintf("invalid %s axis", axis.label), reason, nil).
				WithContext("axis", axis.label).
				WithContext("parameter", axis.r.Name)
		}
	}
	if g.X.Name == g.Y.Name {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
			"invalid grid", fmt.Sprintf("both axes sweep %q", g.X.Name), nil)
	}
	return nil
}

// XValues returns the column coordinates
func (g ParameterGrid) XValues() []float64 { return g.X.Values() }

// YValues returns the row coordinates
func (g ParameterGrid) YValues() []float64 { return g.Y.Values() }

// TotalCombinations is len(XValues()) * len(YValues())
func (g ParameterGrid) TotalCombinations() int {
	nx, ny := g.X.Count(), g.Y.Count()
	if nx <= 0 || ny <= 0 {
		return 0
	}
	return nx * ny
}

// Points enumerates every coordinate in row-major order, y outer and x inner
func (g ParameterGrid) Points() []Point {
	xs, ys := g.XValues(), g.YValues()
	return lo.CrossJoinBy2(lo.Range(len(ys)), lo.Range(len(xs)), func(row, col int) Point {
		return Point{Row: row, Col: col, X: xs[col], Y: ys[row]}
	})
}

// Params is a named set of strategy parameter values
type Params map[string]float64

// Clone returns an independent copy
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a copy of p with overrides applied. p is not modified.
func (p Params) Merge(overrides Params) Params {
	out := p.Clone()
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
