package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/me/gpusched/internal/logging"
	"github.com/me/gpusched/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// A :memory: database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logging.Component(logger, "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// SaveSnapshot replaces the stored snapshot in one transaction.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap model.Snapshot) error {
	s.logger.Debug("sql", "op", "save_snapshot", "tasks", len(snap.Tasks))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tasks
		(id, seq, priority, task_type, status, dependencies, data, created_at, completed_at, producing_provider)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range snap.Tasks {
		t := &snap.Tasks[i]
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal task %s: %w", t.ID, err)
		}
		deps, err := json.Marshal(t.Dependencies)
		if err != nil {
			return fmt.Errorf("marshal dependencies %s: %w", t.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			t.ID, t.Seq, t.Priority, string(t.TaskType), string(t.Status), string(deps),
			string(data), formatTime(t.CreatedAt), formatTimePtr(t.CompletedAt), t.ProducingProvider,
		); err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}

	saved := snap.SavedAt
	if saved.IsZero() {
		saved = time.Now().UTC()
	}
	meta := map[string]string{
		"next_seq": strconv.FormatUint(snap.NextSeq, 10),
		"saved_at": formatTime(saved),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scheduler_meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return fmt.Errorf("write meta %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// LoadSnapshot reads the stored snapshot ordered by submission sequence.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (model.Snapshot, error) {
	s.logger.Debug("sql", "op", "load_snapshot")
	var snap model.Snapshot

	rows, err := s.db.QueryContext(ctx, `SELECT data FROM tasks ORDER BY seq`)
	if err != nil {
		return snap, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return snap, fmt.Errorf("scan task: %w", err)
		}
		var t model.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return snap, fmt.Errorf("unmarshal task: %w", err)
		}
		snap.Tasks = append(snap.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	var v string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM scheduler_meta WHERE key = 'next_seq'`).Scan(&v)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return snap, fmt.Errorf("read next_seq: %w", err)
	default:
		if snap.NextSeq, err = strconv.ParseUint(v, 10, 64); err != nil {
			return snap, fmt.Errorf("parse next_seq: %w", err)
		}
	}
	err = s.db.QueryRowContext(ctx, `SELECT value FROM scheduler_meta WHERE key = 'saved_at'`).Scan(&v)
	if err == nil {
		snap.SavedAt = parseTime(v)
	} else if err != sql.ErrNoRows {
		return snap, fmt.Errorf("read saved_at: %w", err)
	}
	return snap, nil
}

// CountByStatus reports how many stored tasks are in each status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[model.TaskStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.TaskStatus(status)] = n
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
