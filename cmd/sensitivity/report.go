package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"miniquant/internal/strategy/sensitivity"
)

// printHeatmap writes the metric matrix with rows as Y values. The current
// parameters carry ★ and the best cell is bracketed.
func printHeatmap(w io.Writer, hm *sensitivity.Heatmap) {
	fmt.Fprintf(w, "%s (rows: %s, columns: %s)\n", hm.Title, hm.YLabel, hm.XLabel)

	table := tablewriter.NewWriter(w)
	header := []string{hm.YLabel + " \\ " + hm.XLabel}
	for _, x := range hm.XValues {
		header = append(header, formatValue(x))
	}
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	for row, cells := range hm.Cells {
		line := []string{formatValue(hm.YValues[row])}
		for _, cell := range cells {
			line = append(line, cellText(cell))
		}
		table.Append(line)
	}
	table.Render()
}

func cellText(cell sensitivity.HeatmapCell) string {
	text := cell.Label
	if cell.Current {
		text = sensitivity.MarkerCurrent + text
	}
	if cell.Optimal {
		text = "[" + text + "]"
	}
	return text
}

// printSummary writes the cell counts, the best cell and the diagnosis
func printSummary(w io.Writer, result *sensitivity.GridSearchResult, d sensitivity.DiagnosisResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Item", "Value"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	table.Append([]string{"Combinations", strconv.Itoa(result.Total())})
	table.Append([]string{"Succeeded", strconv.Itoa(result.SuccessCount)})
	table.Append([]string{"Failed", strconv.Itoa(result.FailureCount)})
	if result.NotRunCount > 0 {
		table.Append([]string{"Not run", strconv.Itoa(result.NotRunCount)})
	}
	table.Append([]string{"Elapsed", result.Elapsed.Round(time.Millisecond).String()})

	if best, err := result.OptimalCell(); err == nil {
		table.Append([]string{"Optimal",
			fmt.Sprintf("%s=%s %s=%s return %.2f%%", result.Grid.X.Name, formatValue(best.X),
				result.Grid.Y.Name, formatValue(best.Y), best.TotalReturn*100)})
	}

	if d.Diagnosable {
		table.Append([]string{"Robustness score", fmt.Sprintf("%.1f", d.Score)})
		table.Append([]string{"Positive ratio", fmt.Sprintf("%.1f%%", d.PositiveRatio*100)})
		table.Append([]string{"Return std", fmt.Sprintf("%.2f%%", d.ReturnStd*100)})
		table.Append([]string{"Neighbor consistency", fmt.Sprintf("%.2f", d.NeighborConsistency)})
	}
	table.Append([]string{"Level", string(d.Level)})
	table.Append([]string{"Verdict", d.Message})
	table.Render()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
