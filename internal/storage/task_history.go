package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/taskfabric/internal/model"
)

// MemoryDB keeps history in process memory only
const MemoryDB = ":memory:"

// TaskHistory is the record of a single submission and where it ran
type TaskHistory struct {
	ID          string           `json:"id"`
	Function    string           `json:"function"`
	Target      string           `json:"target"`
	Status      model.TaskStatus `json:"status"`
	Args        json.RawMessage  `json:"args,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Duration    time.Duration    `json:"duration,omitempty"`
}

// TaskHistoryStorage defines the interface for submission history storage
type TaskHistoryStorage interface {
	// Store stores a new submission record
	Store(ctx context.Context, history *TaskHistory) error

	// Update records the outcome of a submission
	Update(ctx context.Context, history *TaskHistory) error

	// Get retrieves a record by ID, or nil when absent
	Get(ctx context.Context, id string) (*TaskHistory, error)

	// List retrieves records newest first with pagination and equality filters
	List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*TaskHistory, error)

	// Count returns the total number of records matching the filters
	Count(ctx context.Context, filters map[string]interface{}) (int, error)

	// DeleteBefore deletes records submitted before the specified time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// filterColumns are the columns List and Count accept as filter keys
var filterColumns = map[string]bool{
	"id":       true,
	"function": true,
	"target":   true,
	"status":   true,
}

// SQLiteTaskHistory implements TaskHistoryStorage using SQLite
type SQLiteTaskHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteTaskHistory opens the history database. A file database is recreated on every start.
func NewSQLiteTaskHistory(logger *zap.Logger, dbPath string) (*SQLiteTaskHistory, error) {
	if dbPath == "" {
		dbPath = MemoryDB
	}
	if dbPath != MemoryDB {
		if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove old database: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every connection to :memory: would otherwise see its own empty database
	db.SetMaxOpenConns(1)

	storage := &SQLiteTaskHistory{
		logger: logger.Named("task-history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

func (s *SQLiteTaskHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			function TEXT NOT NULL,
			target TEXT NOT NULL,
			status TEXT NOT NULL,
			args TEXT,
			result TEXT,
			error TEXT,
			submitted_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_function ON task_history(function);
		CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);
		CREATE INDEX IF NOT EXISTS idx_task_history_submitted_at ON task_history(submitted_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements TaskHistoryStorage.Store
func (s *SQLiteTaskHistory) Store(ctx context.Context, history *TaskHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (
			id, function, target, status, args, submitted_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		history.ID,
		history.Function,
		history.Target,
		history.Status,
		sql.NullString{String: string(history.Args), Valid: len(history.Args) > 0},
		history.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store task history: %w", err)
	}
	return nil
}

// Update implements TaskHistoryStorage.Update
func (s *SQLiteTaskHistory) Update(ctx context.Context, history *TaskHistory) error {
	var completedAt sql.NullTime
	if history.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *history.CompletedAt, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE task_history SET
			target = ?,
			status = ?,
			result = ?,
			error = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		history.Target,
		history.Status,
		sql.NullString{String: string(history.Result), Valid: len(history.Result) > 0},
		sql.NullString{String: history.Error, Valid: history.Error != ""},
		completedAt,
		sql.NullInt64{Int64: int64(history.Duration), Valid: history.Duration != 0},
		history.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task history: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task history %s not found", history.ID)
	}
	return nil
}

// Get implements TaskHistoryStorage.Get
func (s *SQLiteTaskHistory) Get(ctx context.Context, id string) (*TaskHistory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, function, target, status, args, result, error,
			submitted_at, completed_at, duration
		FROM task_history
		WHERE id = ?`, id)

	history, err := scanHistory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan task history: %w", err)
	}
	return history, nil
}

// List implements TaskHistoryStorage.List
func (s *SQLiteTaskHistory) List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*TaskHistory, error) {
	where, args, err := buildWhere(filters)
	if err != nil {
		return nil, err
	}

	query := "SELECT id, function, target, status, args, result, error, submitted_at, completed_at, duration FROM task_history" +
		where + " ORDER BY submitted_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task history: %w", err)
	}
	defer rows.Close()

	var histories []*TaskHistory
	for rows.Next() {
		history, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task history: %w", err)
		}
		histories = append(histories, history)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return histories, nil
}

// Count implements TaskHistoryStorage.Count
func (s *SQLiteTaskHistory) Count(ctx context.Context, filters map[string]interface{}) (int, error) {
	where, args, err := buildWhere(filters)
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count task history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements TaskHistoryStorage.DeleteBefore
func (s *SQLiteTaskHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM task_history WHERE submitted_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete task history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old task history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteTaskHistory) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHistory(row rowScanner) (*TaskHistory, error) {
	history := &TaskHistory{}
	var args, result, errorStr sql.NullString
	var completedAt sql.NullTime
	var durationNanos sql.NullInt64

	err := row.Scan(
		&history.ID,
		&history.Function,
		&history.Target,
		&history.Status,
		&args,
		&result,
		&errorStr,
		&history.SubmittedAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		return nil, err
	}

	if args.Valid && args.String != "" {
		history.Args = json.RawMessage(args.String)
	}
	if result.Valid && result.String != "" {
		history.Result = json.RawMessage(result.String)
	}
	if errorStr.Valid {
		history.Error = errorStr.String
	}
	if completedAt.Valid {
		history.CompletedAt = &completedAt.Time
	}
	if durationNanos.Valid {
		history.Duration = time.Duration(durationNanos.Int64)
	}
	return history, nil
}

func buildWhere(filters map[string]interface{}) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	clauses := make([]string, 0, len(filters))
	args := make([]interface{}, 0, len(filters))
	for key, value := range filters {
		if !filterColumns[key] {
			return "", nil, fmt.Errorf("unsupported task history filter %q", key)
		}
		clauses = append(clauses, key+" = ?")
		args = append(args, value)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}
