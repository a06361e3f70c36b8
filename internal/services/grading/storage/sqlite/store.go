// Package sqlite stores the pass journal in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/louisbranch/gradeloop/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/gradeloop/internal/services/grading/storage"
	"github.com/louisbranch/gradeloop/internal/services/grading/storage/sqlite/migrations"
)

const defaultListLimit = 100

// Store provides SQLite-backed pass journal persistence.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens a journal store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendPass records one finished loop pass.
func (s *Store) AppendPass(ctx context.Context, pass storage.PassRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	pass.RunID = strings.TrimSpace(pass.RunID)
	pass.Loop = strings.TrimSpace(pass.Loop)
	pass.Group = strings.TrimSpace(pass.Group)
	pass.Outcome = strings.TrimSpace(pass.Outcome)
	switch {
	case pass.RunID == "":
		return fmt.Errorf("run id is required")
	case pass.Loop == "":
		return fmt.Errorf("loop is required")
	case pass.Group == "":
		return fmt.Errorf("group is required")
	case pass.Outcome == "":
		return fmt.Errorf("outcome is required")
	}
	if pass.FinishedAt.IsZero() {
		pass.FinishedAt = s.now().UTC()
	}
	if pass.StartedAt.IsZero() {
		pass.StartedAt = pass.FinishedAt
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO passes (
	run_id,
	loop,
	course_group,
	outcome,
	detail,
	last_error,
	started_at,
	finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		pass.RunID,
		pass.Loop,
		pass.Group,
		pass.Outcome,
		pass.Detail,
		pass.LastError,
		pass.StartedAt.UTC().UnixMilli(),
		pass.FinishedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append pass: %w", err)
	}
	return nil
}

// ListPasses lists newest-first pass records matching filter.
func (s *Store) ListPasses(ctx context.Context, filter storage.Filter) ([]storage.PassRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var where []string
	var args []any
	if filter.Loop != "" {
		where = append(where, "loop = ?")
		args = append(args, filter.Loop)
	}
	if filter.Group != "" {
		where = append(where, "course_group = ?")
		args = append(args, filter.Group)
	}
	query := `
SELECT
	id,
	run_id,
	loop,
	course_group,
	outcome,
	detail,
	last_error,
	started_at,
	finished_at
FROM passes`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY finished_at DESC, id DESC\nLIMIT ?"
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list passes: %w", err)
	}
	defer rows.Close()

	var records []storage.PassRecord
	for rows.Next() {
		var record storage.PassRecord
		var startedAt, finishedAt int64
		if err := rows.Scan(
			&record.ID,
			&record.RunID,
			&record.Loop,
			&record.Group,
			&record.Outcome,
			&record.Detail,
			&record.LastError,
			&startedAt,
			&finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan pass: %w", err)
		}
		record.StartedAt = time.UnixMilli(startedAt).UTC()
		record.FinishedAt = time.UnixMilli(finishedAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passes: %w", err)
	}
	return records, nil
}

var _ storage.Journal = (*Store)(nil)
