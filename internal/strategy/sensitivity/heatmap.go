package sensitivity

import (
	"bytes"
	"fmt"
	"html/template"
	"math"
	"strings"
)

// Heatmap palette, A-share convention: red for gains, green for losses
const (
	ColorProfit  = "#F44336"
	ColorLoss    = "#4CAF50"
	ColorNeutral = "#FFFFFF"
	ColorMiddle  = "#FFEB3B"
	ColorMissing = "#BDBDBD"

	MarkerMissing = "✕"
	MarkerCurrent = "★"
)

// HeatmapCell is one rendered grid point
type HeatmapCell struct {
	Row     int        `json:"row"`
	Col     int        `json:"col"`
	X       float64    `json:"x"`
	Y       float64    `json:"y"`
	Status  CellStatus `json:"status"`
	Value   *float64   `json:"value"`
	Color   string     `json:"color"`
	Label   string     `json:"label"`
	Hover   string     `json:"hover"`
	Marker  string     `json:"marker,omitempty"`
	Current bool       `json:"current"`
	Optimal bool       `json:"optimal"`
}

// Heatmap is a color-annotated view of one metric
type Heatmap struct {
	Metric        Metric          `json:"metric"`
	Title         string          `json:"title"`
	ColorbarTitle string          `json:"colorbar_title"`
	XLabel        string          `json:"x_label"`
	YLabel        string          `json:"y_label"`
	XValues       []float64       `json:"x_values"`
	YValues       []float64       `json:"y_values"`
	Cells         [][]HeatmapCell `json:"cells"`
	Min           *float64        `json:"min"`
	Max           *float64        `json:"max"`
	Current       *Point          `json:"current,omitempty"`
	Optimal       *Point          `json:"optimal,omitempty"`
}

// HeatmapRenderer maps a result onto colors
type HeatmapRenderer struct{}

// NewHeatmapRenderer creates a renderer
func NewHeatmapRenderer() *HeatmapRenderer {
	return &HeatmapRenderer{}
}

var metricTitles = map[Metric][2]string{
	MetricTotalReturn: {"Total return heatmap", "Total return"},
	MetricWinRate:     {"Win rate heatmap", "Win rate"},
	MetricMaxDrawdown: {"Max drawdown heatmap", "Max drawdown"},
}

// Render colors every cell for the metric. current, when non-nil, marks the
// grid point nearest to its X and Y.
func (h *HeatmapRenderer) Render(result *GridSearchResult, metric Metric, current *Point) (*Heatmap, error) {
	if result == nil {
		return nil, fmt.Errorf("nil grid search result")
	}
	metric, err := ParseMetric(string(metric))
	if err != nil {
		return nil, err
	}
	matrix, err := result.MetricMatrix(metric)
	if err != nil {
		return nil, err
	}

	xs, ys := result.Grid.XValues(), result.Grid.YValues()
	hm := &Heatmap{
		Metric:        metric,
		Title:         metricTitles[metric][0],
		ColorbarTitle: metricTitles[metric][1],
		XLabel:        result.Grid.X.Label(),
		YLabel:        result.Grid.Y.Label(),
		XValues:       xs,
		YValues:       ys,
		Cells:         make([][]HeatmapCell, len(matrix)),
	}

	low, high, ok := bounds(matrix)
	if ok {
		hm.Min, hm.Max = &low, &high
	}

	for row, values := range matrix {
		hm.Cells[row] = make([]HeatmapCell, len(values))
		for col, v := range values {
			cell := result.Cells[row][col]
			hc := HeatmapCell{Row: row, Col: col, X: cell.X, Y: cell.Y, Status: cell.Status}
			if math.IsNaN(v) {
				hc.Color = ColorMissing
				hc.Marker = MarkerMissing
				hc.Label = MarkerMissing
			} else {
				value := v
				hc.Value = &value
				hc.Color = colorFor(metric, v, low, high)
				hc.Label = formatPercent(v, 1)
			}
			hc.Hover = hoverText(result.Grid, cell)
			hm.Cells[row][col] = hc
		}
	}

	if current != nil && len(ys) > 0 && len(xs) > 0 {
		row, col := result.NearestIndex(current.X, current.Y)
		hm.Cells[row][col].Current = true
		hm.Cells[row][col].Marker = MarkerCurrent
		hm.Current = &Point{Row: row, Col: col, X: xs[col], Y: ys[row]}
	}

	if best, err := result.OptimalCell(); err == nil {
		hm.Cells[best.Row][best.Col].Optimal = true
		hm.Optimal = &Point{Row: best.Row, Col: best.Col, X: best.X, Y: best.Y}
	}
	return hm, nil
}

// ColorFor exposes the value-to-color rule for a metric over [low, high]
func ColorFor(metric Metric, v, low, high float64) string {
	if math.IsNaN(v) {
		return ColorMissing
	}
	return colorFor(metric, v, low, high)
}

func colorFor(metric Metric, v, low, high float64) string {
	if metric == MetricMaxDrawdown {
		t := 0.0
		if high > low {
			t = (v - low) / (high - low)
		}
		if t <= 0.5 {
			return blend(ColorLoss, ColorMiddle, t*2)
		}
		return blend(ColorMiddle, ColorProfit, (t-0.5)*2)
	}

	scale := math.Max(math.Abs(low), math.Abs(high))
	if scale == 0 || v == 0 {
		return ColorNeutral
	}
	intensity := math.Min(math.Abs(v)/scale, 1)
	if v > 0 {
		return blend(ColorNeutral, ColorProfit, intensity)
	}
	return blend(ColorNeutral, ColorLoss, intensity)
}

// bounds returns min and max over the non-NaN values
func bounds(matrix [][]float64) (float64, float64, bool) {
	low, high := math.Inf(1), math.Inf(-1)
	for _, row := range matrix {
		for _, v := range row {
			if math.IsNaN(v) {
				continue
			}
			low = math.Min(low, v)
			high = math.Max(high, v)
		}
	}
	if math.IsInf(low, 1) {
		return 0, 0, false
	}
	return low, high, true
}

// blend linearly interpolates between two #RRGGBB colors
func blend(from, to string, t float64) string {
	t = clamp(t, 0, 1)
	a, b := parseHex(from), parseHex(to)
	var out [3]int
	for i := range out {
		out[i] = int(math.Round(float64(a[i]) + (float64(b[i])-float64(a[i]))*t))
	}
	return fmt.Sprintf("#%02X%02X%02X", out[0], out[1], out[2])
}

func parseHex(color string) [3]int {
	var rgb [3]int
	fmt.Sscanf(strings.TrimPrefix(color, "#"), "%02x%02x%02x", &rgb[0], &rgb[1], &rgb[2])
	return rgb
}

func formatPercent(v float64, places int) string {
	return fmt.Sprintf("%.*f%%", places, v*100)
}

func hoverText(grid ParameterGrid, cell CellResult) string {
	switch cell.Status {
	case CellSuccess:
		return fmt.Sprintf("%s: %g\n%s: %g\nreturn: %s\nwin rate: %s\nmax drawdown: %s\ntrades: %d",
			grid.X.Label(), cell.X, grid.Y.Label(), cell.Y,
			formatPercent(cell.TotalReturn, 2), formatPercent(cell.WinRate, 1),
			formatPercent(cell.MaxDrawdown, 1), cell.TradeCount)
	case CellFailed:
		return "backtest failed: " + cell.Error
	default:
		return "not run"
	}
}

var cardStyles = map[Level][2]string{
	LevelRobust:      {"#E8F5E9", "#4CAF50"},
	LevelSensitive:   {"#FFF8E1", "#FFC107"},
	LevelOverfitting: {"#FFEBEE", "#f44336"},
}

var cardTemplate = template.Must(template.New("diagnosis").Parse(
	`<div class="diagnosis-card diagnosis-{{.Level}}" style="{{.Style}}">
  <h4 style="margin: 0 0 10px 0;">Robustness score: {{.Score}}/100</h4>
  <p style="margin: 0; font-size: 16px;">{{.Message}}</p>
  <hr style="margin: 10px 0; border: none; border-top: 1px solid #ddd;">
  <div style="font-size: 12px; color: #666;">
    <span>Positive ratio: {{.PositiveRatio}}</span> |
    <span>Return std: {{.ReturnStd}}</span> |
    <span>Neighbor consistency: {{.NeighborConsistency}}</span>
  </div>
</div>
`))

// RenderDiagnosisCard renders the verdict as an HTML fragment
func (h *HeatmapRenderer) RenderDiagnosisCard(d DiagnosisResult) (string, error) {
	colors, ok := cardStyles[d.Level]
	if !ok {
		colors = cardStyles[LevelOverfitting]
	}
	style := fmt.Sprintf("background-color: %s; border-left: 4px solid %s; padding: 15px; border-radius: 4px; margin: 10px 0;",
		colors[0], colors[1])

	var buf bytes.Buffer
	err := cardTemplate.Execute(&buf, struct {
		Level               Level
		Style               template.CSS
		Score               string
		Message             string
		PositiveRatio       string
		ReturnStd           string
		NeighborConsistency string
	}{
		Level:               d.Level,
		Style:               template.CSS(style),
		Score:               fmt.Sprintf("%.1f", d.Score),
		Message:             d.Message,
		PositiveRatio:       formatPercent(d.PositiveRatio, 1),
		ReturnStd:           formatPercent(d.ReturnStd, 2),
		NeighborConsistency: formatPercent(d.NeighborConsistency, 1),
	})
	if err != nil {
		return "", fmt.Errorf("render diagnosis card: %w", err)
	}
	return buf.String(), nil
}
