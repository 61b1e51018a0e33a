package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

var migrationFiles = []string{
	"0001_init",
	"0002_retry_backoff",
}

// SQLiteStore implements Store on a single SQLite database file
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path and applies migrations.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, logger *zap.Logger, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "ensure database dir")
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// One writer at a time; a single connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := newSQLiteStore(logger, db)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("Opened database", zap.String("path", path))
	return s, nil
}

func newSQLiteStore(logger *zap.Logger, db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		logger: logger.Named("store"),
		db:     db,
	}
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	for _, version := range migrationFiles {
		var count int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, version).Scan(&count); err != nil {
			return errors.Wrapf(err, "check migration %s", version)
		}
		if count > 0 {
			continue
		}

		data, err := migrations.ReadFile("migrations/" + version + ".sql")
		if err != nil {
			return errors.Wrapf(err, "read migration %s", version)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return errors.Wrapf(err, "apply migration %s", version)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`,
			version, time.Now().UTC().UnixNano()); err != nil {
			return errors.Wrapf(err, "record migration %s", version)
		}
		s.logger.Info("Applied migration", zap.String("version", version))
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateDefinition implements Store.CreateDefinition
func (s *SQLiteStore) CreateDefinition(ctx context.Context, def *model.TaskDefinition) error {
	params, err := encodeJSON(def.DefaultParams)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_definitions (
			name, runner, description, category, lane, default_params,
			max_retries, timeout, slow_threshold, created_at, retry_base_delay, retry_max_delay
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.Name, def.Runner, def.Description, def.Category, def.Lane, params,
		def.MaxRetries, int64(def.Timeout), int64(def.SlowThreshold), nanos(def.CreatedAt),
		int64(def.RetryBaseDelay), int64(def.RetryMaxDelay),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(ErrAlreadyExists, "definition %s", def.Name)
		}
		return errors.Wrap(err, "failed to store definition")
	}
	return nil
}

const definitionColumns = `name, runner, description, category, lane, default_params,
	max_retries, timeout, slow_threshold, created_at, retry_base_delay, retry_max_delay`

func scanDefinition(row scanner) (*model.TaskDefinition, error) {
	var (
		def                    model.TaskDefinition
		params                 sql.NullString
		timeout, slow, created int64
		baseDelay, maxDelay    int64
	)
	if err := row.Scan(&def.Name, &def.Runner, &def.Description, &def.Category, &def.Lane, &params,
		&def.MaxRetries, &timeout, &slow, &created, &baseDelay, &maxDelay); err != nil {
		return nil, err
	}
	def.Timeout = time.Duration(timeout)
	def.SlowThreshold = time.Duration(slow)
	def.RetryBaseDelay = time.Duration(baseDelay)
	def.RetryMaxDelay = time.Duration(maxDelay)
	def.CreatedAt = fromNanos(created)
	if err := decodeJSON(params, &def.DefaultParams); err != nil {
		return nil, err
	}
	return &def, nil
}

// GetDefinition implements Store.GetDefinition
func (s *SQLiteStore) GetDefinition(ctx context.Context, name string) (*model.TaskDefinition, error) {
	def, err := scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM task_definitions WHERE name = ?`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "definition %s", name)
		}
		return nil, errors.Wrap(err, "failed to scan definition")
	}
	return def, nil
}

// ListDefinitions implements Store.ListDefinitions
func (s *SQLiteStore) ListDefinitions(ctx context.Context) ([]*model.TaskDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+definitionColumns+` FROM task_definitions ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list definitions")
	}
	defer rows.Close()

	var defs []*model.TaskDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan definition")
		}
		defs = append(defs, def)
	}
	return defs, errors.Wrap(rows.Err(), "error during row iteration")
}

const scheduleColumns = `id, name, definition_name, kind, payload, timezone, priority, enabled,
	max_concurrent, param_overrides, timeout, max_retries, last_fire_at, next_fire_at,
	reevaluate, skip_count, version, created_at, updated_at, retry_base_delay, retry_max_delay`

func scanSchedule(row scanner) (*model.ScheduledTask, error) {
	var (
		st                  model.ScheduledTask
		overrides           sql.NullString
		timeout, retries    sql.NullInt64
		lastFire, nextFire  sql.NullInt64
		baseDelay, maxDelay sql.NullInt64
		created, updated    int64
	)
	if err := row.Scan(&st.ID, &st.Name, &st.DefinitionName, &st.Kind, &st.Payload, &st.Timezone,
		&st.Priority, &st.Enabled, &st.MaxConcurrentExecutions, &overrides, &timeout, &retries,
		&lastFire, &nextFire, &st.Reevaluate, &st.SkipCount, &st.Version, &created, &updated,
		&baseDelay, &maxDelay); err != nil {
		return nil, err
	}
	st.RetryBaseDelay = durationPtr(baseDelay)
	st.RetryMaxDelay = durationPtr(maxDelay)
	if err := decodeJSON(overrides, &st.ParamOverrides); err != nil {
		return nil, err
	}
	if timeout.Valid {
		d := time.Duration(timeout.Int64)
		st.Timeout = &d
	}
	if retries.Valid {
		n := int(retries.Int64)
		st.MaxRetries = &n
	}
	st.LastFireAt = timePtr(lastFire)
	st.NextFireAt = timePtr(nextFire)
	st.CreatedAt = fromNanos(created)
	st.UpdatedAt = fromNanos(updated)
	return &st, nil
}

// CreateSchedule implements Store.CreateSchedule
func (s *SQLiteStore) CreateSchedule(ctx context.Context, st *model.ScheduledTask) error {
	overrides, err := encodeJSON(st.ParamOverrides)
	if err != nil {
		return err
	}

	var timeout, retries sql.NullInt64
	if st.Timeout != nil {
		timeout = sql.NullInt64{Int64: int64(*st.Timeout), Valid: true}
	}
	if st.MaxRetries != nil {
		retries = sql.NullInt64{Int64: int64(*st.MaxRetries), Valid: true}
	}

	st.Version = 1
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.Name, st.DefinitionName, st.Kind, st.Payload, st.Timezone, st.Priority, st.Enabled,
		st.MaxConcurrentExecutions, overrides, timeout, retries,
		nullNanos(st.LastFireAt), nullNanos(st.NextFireAt), st.Reevaluate, st.SkipCount,
		st.Version, nanos(st.CreatedAt), nanos(st.UpdatedAt),
		nullDuration(st.RetryBaseDelay), nullDuration(st.RetryMaxDelay),
	)
	if err != nil {
		st.Version = 0
		if isUniqueViolation(err) {
			return errors.Wrapf(ErrAlreadyExists, "schedule %s", st.Name)
		}
		if isForeignKeyViolation(err) {
			return errors.Wrapf(ErrNotFound, "definition %s", st.DefinitionName)
		}
		return errors.Wrap(err, "failed to store schedule")
	}
	return nil
}

// GetSchedule implements Store.GetSchedule
func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*model.ScheduledTask, error) {
	st, err := scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "schedule %s", id)
		}
		return nil, errors.Wrap(err, "failed to scan schedule")
	}
	return st, nil
}

// ListSchedules implements Store.ListSchedules
func (s *SQLiteStore) ListSchedules(ctx context.Context) ([]*model.ScheduledTask, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM scheduled_tasks ORDER BY priority, name`)
}

// ListDueSchedules implements Store.ListDueSchedules
func (s *SQLiteStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*model.ScheduledTask, error) {
	return s.querySchedules(ctx, `
		SELECT `+scheduleColumns+` FROM scheduled_tasks
		WHERE enabled = 1 AND ((next_fire_at IS NOT NULL AND next_fire_at <= ?) OR reevaluate = 1)
		ORDER BY priority, name`, nanos(now))
}

func (s *SQLiteStore) querySchedules(ctx context.Context, query string, args ...any) ([]*model.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	defer rows.Close()

	var out []*model.ScheduledTask
	for rows.Next() {
		st, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		out = append(out, st)
	}
	return out, errors.Wrap(rows.Err(), "error during row iteration")
}

// UpdateSchedule implements Store.UpdateSchedule
func (s *SQLiteStore) UpdateSchedule(ctx context.Context, st *model.ScheduledTask) error {
	return s.updateSchedule(ctx, s.db, st)
}

func (s *SQLiteStore) updateSchedule(ctx context.Context, q querier, st *model.ScheduledTask) error {
	overrides, err := encodeJSON(st.ParamOverrides)
	if err != nil {
		return err
	}
	var timeout, retries sql.NullInt64
	if st.Timeout != nil {
		timeout = sql.NullInt64{Int64: int64(*st.Timeout), Valid: true}
	}
	if st.MaxRetries != nil {
		retries = sql.NullInt64{Int64: int64(*st.MaxRetries), Valid: true}
	}

	res, err := q.ExecContext(ctx, `
		UPDATE scheduled_tasks SET
			name = ?, kind = ?, payload = ?, timezone = ?, priority = ?, enabled = ?,
			max_concurrent = ?, param_overrides = ?, timeout = ?, max_retries = ?,
			last_fire_at = ?, next_fire_at = ?, reevaluate = ?, skip_count = ?,
			retry_base_delay = ?, retry_max_delay = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		st.Name, st.Kind, st.Payload, st.Timezone, st.Priority, st.Enabled,
		st.MaxConcurrentExecutions, overrides, timeout, retries,
		nullNanos(st.LastFireAt), nullNanos(st.NextFireAt), st.Reevaluate, st.SkipCount,
		nullDuration(st.RetryBaseDelay), nullDuration(st.RetryMaxDelay),
		nanos(st.UpdatedAt), st.ID, st.Version,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update schedule")
	}
	if err := checkVersioned(ctx, q, res, "scheduled_tasks", st.ID); err != nil {
		return errors.Wrapf(err, "schedule %s", st.ID)
	}
	st.Version++
	return nil
}

// ConsumeFire implements Store.ConsumeFire
func (s *SQLiteStore) ConsumeFire(ctx context.Context, st *model.ScheduledTask, e *model.TaskExecution) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	active, err := countActive(ctx, tx, st.ID)
	if err != nil {
		return false, err
	}

	next := *st
	inserted := active < st.ConcurrencyLimit()
	if inserted {
		if err := insertExecution(ctx, tx, e); err != nil {
			return false, err
		}
		next.LastFireAt = copyTime(e.ScheduledFor)
	} else {
		next.SkipCount++
	}

	if err := s.updateSchedule(ctx, tx, &next); err != nil {
		if inserted {
			e.Version = 0
		}
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit fire")
	}

	*st = next
	return inserted, nil
}

// isUniqueViolation reports whether err is a SQLite unique or primary key violation
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

type scanner interface {
	Scan(dest ...any) error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// checkVersioned turns a zero-row versioned update into ErrNotFound or
// ErrConcurrencyConflict.
func checkVersioned(ctx context.Context, q querier, res sql.Result, table, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get affected rows")
	}
	if affected > 0 {
		return nil
	}
	var count int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+table+` WHERE id = ?`, id).Scan(&count); err != nil {
		return errors.Wrap(err, "failed to check existence")
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrConcurrencyConflict
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func nullDuration(d *time.Duration) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*d), Valid: true}
}

func durationPtr(n sql.NullInt64) *time.Duration {
	if !n.Valid {
		return nil
	}
	d := time.Duration(n.Int64)
	return &d
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func encodeJSON(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return sql.NullString{}, nil
		}
	case model.Params:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *model.ExecutionError:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "encode json column")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return errors.Wrap(json.Unmarshal([]byte(col.String), dst), "decode json column")
}
