package report

import (
	"fmt"
	"sort"

	"github.com/lemon07r/aweval/internal/result"
)

// Compare renders runs side by side: one row per task type seen in any run,
// one score column per run, and a closing row with each run's mean score.
// A task a run did not score shows "-".
func Compare(names []string, runs []*result.Summary) string {
	scores := make([]map[string]*float64, len(runs))
	typeSet := make(map[string]bool)
	for i, s := range runs {
		scores[i] = make(map[string]*float64, len(s.Outcomes))
		for _, o := range s.Outcomes {
			scores[i][o.TaskType] = o.Score
			typeSet[o.TaskType] = true
		}
	}
	types := make([]string, 0, len(typeSet))
	for t := range typeSet {
		types = append(types, t)
	}
	sort.Strings(types)

	header := append([]string{"Task Type"}, names...)
	rows := [][]string{header}
	for _, t := range types {
		row := []string{t}
		for i := range runs {
			score, ok := scores[i][t]
			if !ok {
				row = append(row, "-")
				continue
			}
			row = append(row, result.FormatScore(score))
		}
		rows = append(rows, row)
	}

	mean := []string{"Mean"}
	for _, s := range runs {
		m := MeanScore(s.Outcomes)
		if m == nil {
			mean = append(mean, "n/a")
			continue
		}
		mean = append(mean, fmt.Sprintf("%.2f%%", *m))
	}
	rows = append(rows, mean)

	return renderTable(rows)
}
