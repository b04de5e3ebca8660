package report

import (
	"fmt"

	"github.com/lemon07r/aweval/internal/result"
)

// DirStats aggregates the score files of one results directory.
type DirStats struct {
	Tasks    int      `json:"tasks"`
	Scored   int      `json:"scored"`
	Total    float64  `json:"total_score"`
	Unscored []string `json:"unscored,omitempty"`
}

// SuccessRate is the total score over all task directories, in [0, 1].
func (d DirStats) SuccessRate() float64 {
	if d.Tasks == 0 {
		return 0
	}
	return d.Total / float64(d.Tasks)
}

// String formats the one-line summary printed by `aweval stats`.
func (d DirStats) String() string {
	return fmt.Sprintf("Total tasks: %d, Total score: %g, Success rate: %.2f%%", d.Tasks, d.Total, d.SuccessRate()*100)
}

// Stat reads score.txt in every task directory under dir. Directories
// without a score count as tasks with no score.
func Stat(dir string) (DirStats, error) {
	var st DirStats
	store := result.NewStore(dir)
	types, err := store.TaskTypes()
	if err != nil {
		return st, err
	}
	for _, tt := range types {
		st.Tasks++
		score, err := store.ReadScore(tt)
		if err != nil {
			return st, fmt.Errorf("task %s: %w", tt, err)
		}
		if score == nil {
			st.Unscored = append(st.Unscored, tt)
			continue
		}
		st.Scored++
		if *score > 0 {
			st.Total += *score
		}
	}
	return st, nil
}
