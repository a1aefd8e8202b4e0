package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"AirCast/internal/domain/models"
	domrepo "AirCast/internal/domain/repository"
	applogger "AirCast/pkg/logger"
	"AirCast/pkg/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteSchema returns the DDL statements for the local-mode database.
func SQLiteSchema() []string {
	var out []string
	for _, stmt := range strings.Split(sqliteSchema, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SQLiteJobStore keeps jobs and endpoints as JSON documents with a few indexed columns.
type SQLiteJobStore struct {
	db *sql.DB
	l  *applogger.Logger
}

var _ domrepo.JobStore = (*SQLiteJobStore)(nil)

// NewSQLiteJobStore migrates db and returns a store over it.
func NewSQLiteJobStore(ctx context.Context, db *sql.DB, l *applogger.Logger) (*SQLiteJobStore, error) {
	if err := sqlite.Migrate(ctx, db, SQLiteSchema()...); err != nil {
		return nil, err
	}
	if l == nil {
		l = applogger.NewNop()
	}
	return &SQLiteJobStore{db: db, l: l.Component("sqlite_store")}, nil
}

func (s *SQLiteJobStore) Close() error { return s.db.Close() }

func (s *SQLiteJobStore) CreateTrainingJob(ctx context.Context, job *models.TrainingJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode training job: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO training_jobs (name, tuning_job, status, body, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (name) DO NOTHING`,
		job.Name, job.TuningJobName, string(job.Status), string(body), job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert training job: %w", err)
	}
	return conflictIfNone(res, "training job", job.Name)
}

func (s *SQLiteJobStore) UpdateTrainingJob(ctx context.Context, job *models.TrainingJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode training job: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE training_jobs SET status = ?, body = ?, updated_at = ? WHERE name = ? AND `+statusGuard,
		string(job.Status), string(body), job.UpdatedAt.UnixNano(), job.Name, string(job.Status))
	if err != nil {
		return fmt.Errorf("update training job: %w", err)
	}
	return s.guardedUpdate(ctx, res, "training_jobs", "training job", job.Name)
}

func (s *SQLiteJobStore) GetTrainingJob(ctx context.Context, name string) (*models.TrainingJob, error) {
	body, err := s.getBody(ctx, "training_jobs", name)
	if err != nil {
		return nil, fmt.Errorf("training job %q: %w", name, err)
	}
	return decodeDoc[models.TrainingJob](body)
}

func (s *SQLiteJobStore) ListTrainingJobs(ctx context.Context, f models.ListFilter) ([]*models.TrainingJob, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.TuningJob != "" {
		where = append(where, "tuning_job = ?")
		args = append(args, f.TuningJob)
	}
	return listDocs[models.TrainingJob](ctx, s.db, "training_jobs", where, args, f.Limit)
}

func (s *SQLiteJobStore) CreateTuningJob(ctx context.Context, job *models.TuningJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode tuning job: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO tuning_jobs (name, status, body, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (name) DO NOTHING`,
		job.Name, string(job.Status), string(body), job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert tuning job: %w", err)
	}
	return conflictIfNone(res, "tuning job", job.Name)
}

func (s *SQLiteJobStore) UpdateTuningJob(ctx context.Context, job *models.TuningJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode tuning job: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tuning_jobs SET status = ?, body = ?, updated_at = ? WHERE name = ? AND `+statusGuard,
		string(job.Status), string(body), job.UpdatedAt.UnixNano(), job.Name, string(job.Status))
	if err != nil {
		return fmt.Errorf("update tuning job: %w", err)
	}
	return s.guardedUpdate(ctx, res, "tuning_jobs", "tuning job", job.Name)
}

func (s *SQLiteJobStore) GetTuningJob(ctx context.Context, name string) (*models.TuningJob, error) {
	body, err := s.getBody(ctx, "tuning_jobs", name)
	if err != nil {
		return nil, fmt.Errorf("tuning job %q: %w", name, err)
	}
	return decodeDoc[models.TuningJob](body)
}

func (s *SQLiteJobStore) ListTuningJobs(ctx context.Context, f models.ListFilter) ([]*models.TuningJob, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	return listDocs[models.TuningJob](ctx, s.db, "tuning_jobs", where, args, f.Limit)
}

// SaveEndpoint inserts or replaces the endpoint, keeping the original creation time.
func (s *SQLiteJobStore) SaveEndpoint(ctx context.Context, ep *models.Endpoint) error {
	body, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("encode endpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO endpoints (name, status, body, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (name) DO UPDATE SET
            status = excluded.status,
            body = excluded.body,
            updated_at = excluded.updated_at`,
		ep.Name, string(ep.Status), string(body), ep.CreatedAt.UnixNano(), ep.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save endpoint: %w", err)
	}
	return nil
}

func (s *SQLiteJobStore) UpdateEndpoint(ctx context.Context, ep *models.Endpoint) error {
	body, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("encode endpoint: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE endpoints SET status = ?, body = ?, updated_at = ? WHERE name = ?`,
		string(ep.Status), string(body), ep.UpdatedAt.UnixNano(), ep.Name)
	if err != nil {
		return fmt.Errorf("update endpoint: %w", err)
	}
	return notFoundIfNone(res, "endpoint", ep.Name)
}

func (s *SQLiteJobStore) GetEndpoint(ctx context.Context, name string) (*models.Endpoint, error) {
	body, err := s.getBody(ctx, "endpoints", name)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", name, err)
	}
	return decodeDoc[models.Endpoint](body)
}

func (s *SQLiteJobStore) ListEndpoints(ctx context.Context) ([]*models.Endpoint, error) {
	return listDocs[models.Endpoint](ctx, s.db, "endpoints", nil, nil, 0)
}

func (s *SQLiteJobStore) DeleteEndpoint(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	return notFoundIfNone(res, "endpoint", name)
}

func (s *SQLiteJobStore) getBody(ctx context.Context, table, name string) ([]byte, error) {
	var body string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT body FROM %s WHERE name = ?", table), name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		s.l.Error("sqlite get error", applogger.String("table", table), applogger.String("name", name), applogger.Error(err))
		return nil, err
	}
	return []byte(body), nil
}

func listDocs[T any](ctx context.Context, db *sql.DB, table string, where []string, args []interface{}, limit int) ([]*T, error) {
	q := fmt.Sprintf("SELECT body FROM %s", table)
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, name DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	out := make([]*T, 0, 16)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		v, err := decodeDoc[T]([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// statusGuard is the SQL form of JobStatus.CanBecome; its one parameter is the new status.
const statusGuard = `status NOT IN ('Completed', 'Failed', 'Stopped')
        AND (status <> 'Stopping' OR ? IN ('Stopping', 'Completed', 'Failed', 'Stopped'))`

// guardedUpdate tells a missing row from one whose status refused the update.
func (s *SQLiteJobStore) guardedUpdate(ctx context.Context, res sql.Result, table, what, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT status FROM %s WHERE name = ?", table), name).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", what, name, models.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %q is %s: %w", what, name, status, models.ErrConflict)
}

func conflictIfNone(res sql.Result, what, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", what, name, models.ErrConflict)
	}
	return nil
}

func notFoundIfNone(res sql.Result, what, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", what, name, models.ErrNotFound)
	}
	return nil
}

// SQLiteHistoryStore stores job events in the local database.
type SQLiteHistoryStore struct {
	db *sql.DB
}

var _ domrepo.HistoryStore = (*SQLiteHistoryStore)(nil)

// NewSQLiteHistoryStore expects db to be migrated with SQLiteSchema.
func NewSQLiteHistoryStore(db *sql.DB) *SQLiteHistoryStore {
	return &SQLiteHistoryStore{db: db}
}

// Insert ignores events whose ID is already stored so redelivered messages are harmless.
func (s *SQLiteHistoryStore) Insert(ctx context.Context, events ...models.JobEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT OR IGNORE INTO job_history (id, kind, name, type, status, message, metrics, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		metrics, err := json.Marshal(e.Metrics)
		if err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, string(e.Kind), e.Name, e.Type, e.Status, e.Message, string(metrics), e.OccurredAt.UnixNano()); err != nil {
			return fmt.Errorf("insert event %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteHistoryStore) List(ctx context.Context, q models.HistoryQuery) ([]models.JobEvent, error) {
	query, args := historyQuery("job_history", q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []models.JobEvent
	for rows.Next() {
		var (
			e       models.JobEvent
			kind    string
			metrics string
			at      int64
		)
		if err := rows.Scan(&e.ID, &kind, &e.Name, &e.Type, &e.Status, &e.Message, &metrics, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = models.ResourceKind(kind)
		e.OccurredAt = time.Unix(0, at).UTC()
		if metrics != "" && metrics != "null" {
			if err := json.Unmarshal([]byte(metrics), &e.Metrics); err != nil {
				return nil, fmt.Errorf("decode metrics: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
