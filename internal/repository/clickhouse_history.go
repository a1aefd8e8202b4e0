package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"AirCast/internal/domain/models"
	domrepo "AirCast/internal/domain/repository"
	pkgch "AirCast/pkg/clickhouse"
	applogger "AirCast/pkg/logger"
)

const historyTable = "job_history"

// ClickHouseHistorySchema returns the DDL for the job history table in database.
func ClickHouseHistorySchema(database string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s.%s (
            id          String,
            kind        LowCardinality(String),
            name        String,
            type        LowCardinality(String),
            status      LowCardinality(String),
            message     String,
            metrics     Map(String, Float64),
            occurred_at DateTime64(3, 'UTC')
        )
        ENGINE = ReplacingMergeTree
        PARTITION BY toYYYYMM(occurred_at)
        ORDER BY (kind, name, occurred_at, id)`, database, historyTable),
	}
}

// CHHistoryStore implements HistoryStore backed by ClickHouse.
type CHHistoryStore struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

var _ domrepo.HistoryStore = (*CHHistoryStore)(nil)

func NewCHHistoryStore(ch *pkgch.Client, l *applogger.Logger) *CHHistoryStore {
	if l == nil {
		l = applogger.NewNop()
	}
	return &CHHistoryStore{
		db:    ch.DB(),
		table: ch.Database() + "." + historyTable,
		l:     l.Component("clickhouse_history"),
	}
}

// Insert writes events in multi-row batches.
func (s *CHHistoryStore) Insert(ctx context.Context, events ...models.JobEvent) error {
	const chunkSize = 1000
	start := time.Now()
	for lo := 0; lo < len(events); lo += chunkSize {
		hi := lo + chunkSize
		if hi > len(events) {
			hi = len(events)
		}

		values := make([]string, 0, hi-lo)
		args := make([]interface{}, 0, (hi-lo)*8)
		for _, e := range events[lo:hi] {
			if e.ID == "" || e.Name == "" {
				continue
			}
			metrics := map[string]float64(e.Metrics)
			if metrics == nil {
				metrics = map[string]float64{}
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, e.ID, string(e.Kind), e.Name, e.Type, e.Status, e.Message, metrics, e.OccurredAt.UTC())
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (id, kind, name, type, status, message, metrics, occurred_at) VALUES %s",
			s.table, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			s.l.Error("clickhouse insert history error",
				applogger.String("table", s.table),
				applogger.Int("rows", len(values)),
				applogger.Error(err),
			)
			return fmt.Errorf("insert history: %w", err)
		}
	}
	s.l.Debug("clickhouse insert history ok",
		applogger.Int("rows", len(events)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return nil
}

func (s *CHHistoryStore) List(ctx context.Context, q models.HistoryQuery) ([]models.JobEvent, error) {
	query, args := historyQuery(s.table+" FINAL", q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.l.Error("clickhouse list history query error",
			applogger.String("kind", string(q.Kind)),
			applogger.String("name", q.Name),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []models.JobEvent
	for rows.Next() {
		var (
			e       models.JobEvent
			kind    string
			metrics map[string]float64
		)
		if err := rows.Scan(&e.ID, &kind, &e.Name, &e.Type, &e.Status, &e.Message, &metrics, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = models.ResourceKind(kind)
		if len(metrics) > 0 {
			e.Metrics = models.Metrics(metrics)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}
