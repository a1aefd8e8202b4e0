package repository

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"AirCast/internal/domain/models"
)

const defaultHistoryLimit = 100

// filterTrainingJobs applies f to jobs already ordered newest first.
func filterTrainingJobs(jobs []*models.TrainingJob, f models.ListFilter) []*models.TrainingJob {
	out := jobs[:0]
	for _, j := range jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.TuningJob != "" && j.TuningJobName != f.TuningJob {
			continue
		}
		out = append(out, j)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func filterTuningJobs(jobs []*models.TuningJob, f models.ListFilter) []*models.TuningJob {
	out := jobs[:0]
	for _, j := range jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, j)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// newestFirst orders by creation time descending, then name descending.
func newestFirst[T any](items []T, created func(T) int64, name func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		ci, cj := created(items[i]), created(items[j])
		if ci != cj {
			return ci > cj
		}
		return name(items[i]) > name(items[j])
	})
}

// historyQuery renders q against table with positional placeholders. Both SQLite and
// ClickHouse accept the same dialect here.
func historyQuery(table string, q models.HistoryQuery) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.Name != "" {
		where = append(where, "name = ?")
		args = append(args, q.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT id, kind, name, type, status, message, metrics, occurred_at FROM %s", table)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY occurred_at DESC, id DESC LIMIT ?")

	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	args = append(args, limit)
	return b.String(), args
}

func decodeDoc[T any](body []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &v, nil
}
