package report

import (
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/lemon07r/aweval/internal/result"
)

// MeanScore averages the non-nil scores and scales the result to a
// percentage. It returns nil when nothing was scored.
func MeanScore(outcomes []result.Outcome) *float64 {
	var sum float64
	n := 0
	for _, o := range outcomes {
		if o.Score == nil {
			continue
		}
		sum += *o.Score
		n++
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n) * 100
	return &mean
}

// Table renders outcomes as a plain text table with one row per outcome, in
// the given order.
func Table(outcomes []result.Outcome) string {
	rows := [][]string{{"Env ID", "Task ID", "Task Type", "Score"}}
	for _, o := range outcomes {
		rows = append(rows, []string{
			strconv.Itoa(o.Worker),
			strconv.Itoa(o.TaskID),
			o.TaskType,
			result.FormatScore(o.Score),
		})
	}
	return renderTable(rows)
}

// renderTable aligns columns by display width, so wide runes in task names
// or goals do not break the layout. The first row is the header.
func renderTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var sb strings.Builder
	writeRow := func(row []string) {
		for i, cell := range row {
			if i > 0 {
				sb.WriteString("  ")
			}
			if i == len(row)-1 {
				sb.WriteString(cell)
			} else {
				sb.WriteString(runewidth.FillRight(cell, widths[i]))
			}
		}
		sb.WriteString("\n")
	}

	writeRow(rows[0])
	rule := make([]string, len(widths))
	for i, w := range widths {
		rule[i] = strings.Repeat("-", w)
	}
	writeRow(rule)
	for _, row := range rows[1:] {
		writeRow(row)
	}
	return sb.String()
}

// Truncate shortens s to at most width display columns, marking the cut.
func Truncate(s string, width int) string {
	return runewidth.Truncate(s, width, "…")
}
