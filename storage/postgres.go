package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"build-earn/domain"
)

// PostgresStore persists tasks in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and initializes the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  description TEXT NOT NULL,
  reward TEXT NOT NULL,
  token_address TEXT NOT NULL,
  status TEXT NOT NULL,
  assigned_to TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ,
  verified_at TIMESTAMPTZ,
  paid_at TIMESTAMPTZ,
  payout_hash TEXT NOT NULL DEFAULT '',
  payout_state TEXT NOT NULL DEFAULT '',
  payout JSONB
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_payout ON tasks(status, payout_state);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const taskColumns = `id, title, description, reward, token_address, status, assigned_to,
  created_at, completed_at, verified_at, paid_at, payout_hash, payout_state, payout`

func (s *PostgresStore) Insert(ctx context.Context, task domain.Task) error {
	rec, err := toRecord(task)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`, rec.ID, rec.Title, rec.Description, rec.Reward, rec.TokenAddress, rec.Status, rec.AssignedTo,
		rec.CreatedAt, rec.CompletedAt, rec.VerifiedAt, rec.PaidAt, rec.PayoutHash, rec.PayoutState, nullJSON(rec.Payout))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (domain.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return task, err
}

// List returns matching tasks ordered by creation time.
func (s *PostgresStore) List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	query, args := listQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func listQuery(f domain.TaskFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if f.PayoutState != "" {
		args = append(args, string(f.PayoutState))
		where = append(where, "payout_state = $"+strconv.Itoa(len(args)))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += " LIMIT $" + strconv.Itoa(len(args))
	}
	return q, args
}

// Update writes task only while the stored row still matches expected.
func (s *PostgresStore) Update(ctx context.Context, task domain.Task, expected domain.TaskState) error {
	rec, err := toRecord(task)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE tasks SET
  status = $2, assigned_to = $3, completed_at = $4, verified_at = $5, paid_at = $6,
  payout_hash = $7, payout_state = $8, payout = $9
WHERE id = $1 AND status = $10 AND payout_hash = $11 AND payout_state = $12
`, rec.ID, rec.Status, rec.AssignedTo, rec.CompletedAt, rec.VerifiedAt, rec.PaidAt,
		rec.PayoutHash, rec.PayoutState, nullJSON(rec.Payout),
		string(expected.Status), expected.PayoutHash, string(expected.PayoutState))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, task.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, task.ID)
	}
	return fmt.Errorf("%w: task %s changed", domain.ErrConcurrencyConflict, task.ID)
}

func scanTask(row pgx.Row) (domain.Task, error) {
	var rec taskRecord
	if err := row.Scan(&rec.ID, &rec.Title, &rec.Description, &rec.Reward, &rec.TokenAddress, &rec.Status, &rec.AssignedTo,
		&rec.CreatedAt, &rec.CompletedAt, &rec.VerifiedAt, &rec.PaidAt, &rec.PayoutHash, &rec.PayoutState, &rec.Payout); err != nil {
		return domain.Task{}, err
	}
	return rec.task()
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
