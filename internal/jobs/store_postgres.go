package jobs

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/yourusername/fippo/internal/convert"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate は conversion_jobs テーブルのマイグレーションを適用します。
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return err
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// PostgresStore はジョブ状態を PostgreSQL に保存します。
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore は接続プールを作成します。
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close は接続プールを閉じます。
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const jobColumns = `id, user_id, type, status, progress, input_ref, input_names, output_ref,
	credits_used, attempts, error, last_error, meta, created_at, started_at, completed_at, updated_at,
	estimated_completion`

func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO conversion_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`, args...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM conversion_jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM conversion_jobs
		WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Update は SELECT ... FOR UPDATE で行をロックしてから patch を適用します。
func (s *PostgresStore) Update(ctx context.Context, jobID string, patch Patch) (*Job, error) {
	var updated *Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM conversion_jobs WHERE id = $1 FOR UPDATE`, jobID)
		job, err := scanJob(row)
		if err != nil {
			return err
		}
		if err := patch.Apply(job, s.now()); err != nil {
			return err
		}
		args, err := jobArgs(job)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE conversion_jobs SET
			user_id = $2, type = $3, status = $4, progress = $5, input_ref = $6, input_names = $7,
			output_ref = $8, credits_used = $9, attempts = $10, error = $11, last_error = $12,
			meta = $13, created_at = $14, started_at = $15, completed_at = $16, updated_at = $17,
			estimated_completion = $18
			WHERE id = $1`, args...)
		if err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func jobArgs(job *Job) ([]any, error) {
	inputRef, err := json.Marshal([]string(job.InputRef))
	if err != nil {
		return nil, err
	}
	inputNames, err := nullableJSON(job.InputNames, len(job.InputNames) == 0)
	if err != nil {
		return nil, err
	}
	errInfo, err := nullableJSON(job.Error, job.Error == nil)
	if err != nil {
		return nil, err
	}
	lastErr, err := nullableJSON(job.LastError, job.LastError == nil)
	if err != nil {
		return nil, err
	}
	meta, err := nullableJSON(job.Meta, job.Meta == nil)
	if err != nil {
		return nil, err
	}
	var outputRef *string
	if job.OutputRef != "" {
		outputRef = &job.OutputRef
	}
	return []any{
		job.ID, job.UserID, string(job.Type), string(job.Status), job.Progress,
		inputRef, inputNames, outputRef, job.CreditsUsed, job.Attempts,
		errInfo, lastErr, meta, job.CreatedAt, job.StartedAt, job.CompletedAt, job.UpdatedAt,
		job.EstimatedCompletion,
	}, nil
}

func nullableJSON(v any, isNull bool) ([]byte, error) {
	if isNull {
		return nil, nil
	}
	return json.Marshal(v)
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		job                                    Job
		typ, status                            string
		inputRef, inputNames, errInfo, lastErr []byte
		meta                                   []byte
		outputRef                              *string
	)
	err := row.Scan(
		&job.ID, &job.UserID, &typ, &status, &job.Progress, &inputRef, &inputNames, &outputRef,
		&job.CreditsUsed, &job.Attempts, &errInfo, &lastErr, &meta,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt,
		&job.EstimatedCompletion,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	job.Type = convert.Type(typ)
	job.Status = Status(status)
	if outputRef != nil {
		job.OutputRef = *outputRef
	}

	var refs []string
	if err := json.Unmarshal(inputRef, &refs); err != nil {
		return nil, fmt.Errorf("decode input_ref: %w", err)
	}
	job.InputRef = refs
	for _, field := range []struct {
		raw  []byte
		dest any
	}{
		{inputNames, &job.InputNames},
		{errInfo, &job.Error},
		{lastErr, &job.LastError},
		{meta, &job.Meta},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return nil, err
		}
	}
	return &job, nil
}
