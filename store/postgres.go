package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/taskpoll/logging"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres stores records in the task_states table.
type Postgres struct {
	db  *sql.DB
	log logging.Logger
}

// OpenPostgres connects to url, applies the embedded migrations and returns the store.
func OpenPostgres(ctx context.Context, url string, l logging.Logger) (*Postgres, error) {
	l = logging.OrNop(l)
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	l.Infof("postgres store ready")
	return &Postgres{db: db, log: l}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetTableName("taskpoll_schema_migrations")
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

const selectColumns = `id, name, job_id, progress, completed, task_data, task_results,
	lifespan_ms, route, expires_at, created_at, updated_at`

func (s *Postgres) Create(ctx context.Context, r *Record) (*Record, error) {
	prepareNew(r, uuid.NewString(), time.Now())
	data, results, err := encodeMaps(r)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_states (id, name, job_id, progress, completed, task_data, task_results,
			lifespan_ms, route, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10, $11, $12)
	`, r.ID, r.Name, r.JobID, r.Progress, r.Completed, data, results,
		r.Lifespan, r.Route, r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save task state: %w", err)
	}
	return r, nil
}

func (s *Postgres) FindOne(ctx context.Context, id string) (*Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM task_states WHERE id = $1`, id)
	return scanRecord(row)
}

// Update locks the row with SELECT ... FOR UPDATE for the duration of fn.
func (s *Postgres) Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM task_states WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	r.ID = id
	r.Touch(time.Now())
	data, results, err := encodeMaps(r)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE task_states
		SET job_id = $2, progress = $3, completed = $4, task_data = $5::jsonb, task_results = $6::jsonb,
			lifespan_ms = $7, route = $8, expires_at = $9, updated_at = $10
		WHERE id = $1
	`, id, r.JobID, r.Progress, r.Completed, data, results, r.Lifespan, r.Route, r.ExpiresAt, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update task state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Postgres) DestroyExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM task_states WHERE expires_at > 0 AND expires_at < $1 RETURNING id`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Postgres) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r             Record
		data, results sql.NullString
	)
	err := row.Scan(&r.ID, &r.Name, &r.JobID, &r.Progress, &r.Completed, &data, &results,
		&r.Lifespan, &r.Route, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if data.Valid {
		if err := sonic.UnmarshalString(data.String, &r.TaskData); err != nil {
			return nil, err
		}
	}
	if results.Valid {
		if err := sonic.UnmarshalString(results.String, &r.TaskResults); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func encodeMaps(r *Record) (data, results sql.NullString, err error) {
	if r.TaskData != nil {
		s, err := sonic.MarshalString(r.TaskData)
		if err != nil {
			return data, results, err
		}
		data = sql.NullString{String: s, Valid: true}
	}
	if r.TaskResults != nil {
		s, err := sonic.MarshalString(r.TaskResults)
		if err != nil {
			return data, results, err
		}
		results = sql.NullString{String: s, Valid: true}
	}
	return data, results, nil
}
