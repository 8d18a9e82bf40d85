// Package journal keeps a SQLite history of scaling operations.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/elastic/internal/logging"
	"github.com/tOgg1/elastic/internal/models"
	"github.com/tOgg1/elastic/internal/opstatus"
	"github.com/tOgg1/elastic/internal/scaling"

	_ "modernc.org/sqlite"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 50 * time.Millisecond
	defaultListLimit     = 50
	observeTimeout       = 5 * time.Second
)

var (
	ErrStoreUnavailable = errors.New("journal store unavailable")
	ErrInvalidRecord    = errors.New("invalid operation record")
)

// Store persists operation records.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the journal database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	return open(ctx, dsn)
}

// OpenInMemory opens a private in-memory journal.
func OpenInMemory(ctx context.Context) (*Store, error) {
	return open(ctx, ":memory:")
}

func open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers on disk.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to journal database: %w", err)
	}

	s := &Store{db: db, logger: logging.Component("journal")}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS operations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			action TEXT NOT NULL,
			cluster_id TEXT NOT NULL,
			requested TEXT NOT NULL,
			target INTEGER NOT NULL,
			adjusted_target INTEGER NOT NULL,
			result TEXT,
			completed INTEGER NOT NULL DEFAULT 0,
			steps TEXT NOT NULL,
			started_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS operations_cluster_idx ON operations(cluster_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS operations_id_idx ON operations(id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize journal schema: %w", err)
		}
	}
	return nil
}

// Append stores a record. Operation ids need not be unique: a retried
// request reuses its id and is journaled again. Busy database errors are
// retried with backoff.
func (s *Store) Append(ctx context.Context, rec scaling.Record) error {
	if s == nil || s.db == nil {
		return ErrStoreUnavailable
	}
	if strings.TrimSpace(rec.OperationID) == "" || !rec.Action.Valid() {
		return ErrInvalidRecord
	}

	requested, err := json.Marshal(nonNil(rec.Requested))
	if err != nil {
		return fmt.Errorf("failed to encode requested vms: %w", err)
	}
	var result any
	if rec.Result != nil {
		encoded, err := json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		result = string(encoded)
	}
	steps, err := json.Marshal(nonNilSteps(rec.Steps))
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}

	return withRetry(ctx, defaultRetryAttempts, defaultRetryBackoff, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO operations (id, action, cluster_id, requested, target, adjusted_target, result, completed, steps, started_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rec.OperationID,
			string(rec.Action),
			rec.ClusterID,
			string(requested),
			rec.Target,
			rec.AdjustedTarget,
			result,
			boolToInt(rec.Completed),
			string(steps),
			rec.StartedAt.UTC().Format(time.RFC3339Nano),
			rec.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to store operation %s: %w", rec.OperationID, err)
		}
		return nil
	})
}

// List returns the most recent records, newest first. An empty clusterID
// lists every cluster; limit <= 0 uses a default.
func (s *Store) List(ctx context.Context, clusterID string, limit int) ([]scaling.Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreUnavailable
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, action, cluster_id, requested, target, adjusted_target, result, completed, steps, started_at, duration_ms
		FROM operations`
	args := []any{}
	if clusterID != "" {
		query += ` WHERE cluster_id = ?`
		args = append(args, clusterID)
	}
	query += ` ORDER BY started_at DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	records := make([]scaling.Record, 0)
	for rows.Next() {
		var (
			rec        scaling.Record
			action     string
			requested  string
			result     sql.NullString
			completed  int
			steps      string
			startedAt  string
			durationMS int64
		)
		if err := rows.Scan(&rec.OperationID, &action, &rec.ClusterID, &requested, &rec.Target,
			&rec.AdjustedTarget, &result, &completed, &steps, &startedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}

		rec.Action = models.Action(action)
		rec.Completed = completed != 0
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("failed to parse start time of %s: %w", rec.OperationID, err)
		}
		if err := json.Unmarshal([]byte(requested), &rec.Requested); err != nil {
			return nil, fmt.Errorf("failed to decode requested vms of %s: %w", rec.OperationID, err)
		}
		if result.Valid {
			if err := json.Unmarshal([]byte(result.String), &rec.Result); err != nil {
				return nil, fmt.Errorf("failed to decode result of %s: %w", rec.OperationID, err)
			}
		}
		var decoded []opstatus.Step
		if err := json.Unmarshal([]byte(steps), &decoded); err != nil {
			return nil, fmt.Errorf("failed to decode steps of %s: %w", rec.OperationID, err)
		}
		if len(decoded) > 0 {
			rec.Steps = decoded
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read operations: %w", err)
	}
	return records, nil
}

// ObserveOperation appends rec, logging instead of returning failures.
// The append outlives cancellation of ctx but is bounded by observeTimeout.
func (s *Store) ObserveOperation(ctx context.Context, rec scaling.Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), observeTimeout)
	defer cancel()
	if err := s.Append(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Str("op_id", rec.OperationID).Msg("failed to journal scaling operation")
	}
}

var _ scaling.Observer = (*Store)(nil)

func withRetry(ctx context.Context, maxAttempts int, baseBackoff time.Duration, fn func() error) error {
	attempt := 0
	backoff := baseBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn()
		if err == nil {
			return nil
		}

		attempt++
		if !isBusyError(err) || attempt >= maxAttempts {
			return err
		}

		if err := sleepWithContext(ctx, backoff); err != nil {
			return err
		}

		backoff *= 2
	}
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database is busy") ||
		strings.Contains(message, "sqlite_busy")
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func nonNilSteps(steps []opstatus.Step) []opstatus.Step {
	if steps == nil {
		return []opstatus.Step{}
	}
	return steps
}
