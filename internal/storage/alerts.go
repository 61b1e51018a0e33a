package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/t77yq/taskscheduler/internal/model"
)

const alertColumns = `id, kind, severity, subject_type, subject_id, message, state, data,
	opened_at, acknowledged_at, resolved_at, resolved_by, version`

func scanAlert(row scanner) (*model.TaskAlert, error) {
	var (
		a               model.TaskAlert
		data            sql.NullString
		opened          int64
		acked, resolved sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.Kind, &a.Severity, &a.SubjectType, &a.SubjectID, &a.Message, &a.State,
		&data, &opened, &acked, &resolved, &a.ResolvedBy, &a.Version); err != nil {
		return nil, err
	}
	if err := decodeJSON(data, &a.Data); err != nil {
		return nil, err
	}
	a.OpenedAt = fromNanos(opened)
	a.AcknowledgedAt = timePtr(acked)
	a.ResolvedAt = timePtr(resolved)
	return &a, nil
}

// CreateAlert implements Store.CreateAlert
func (s *SQLiteStore) CreateAlert(ctx context.Context, a *model.TaskAlert) error {
	data, err := encodeJSON(a.Data)
	if err != nil {
		return err
	}

	a.Version = 1
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Kind, a.Severity, a.SubjectType, a.SubjectID, a.Message, a.State, data,
		nanos(a.OpenedAt), nullNanos(a.AcknowledgedAt), nullNanos(a.ResolvedAt), a.ResolvedBy, a.Version,
	)
	if err != nil {
		a.Version = 0
		if isUniqueViolation(err) {
			return errors.Wrapf(ErrDuplicateAlert, "%s for %s", a.Kind, a.SubjectID)
		}
		return errors.Wrap(err, "failed to store alert")
	}
	return nil
}

// GetAlert implements Store.GetAlert
func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*model.TaskAlert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM task_alerts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "alert %s", id)
		}
		return nil, errors.Wrap(err, "failed to scan alert")
	}
	return a, nil
}

// UpdateAlert implements Store.UpdateAlert
func (s *SQLiteStore) UpdateAlert(ctx context.Context, a *model.TaskAlert) error {
	data, err := encodeJSON(a.Data)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE task_alerts SET
			severity = ?, message = ?, state = ?, data = ?,
			acknowledged_at = ?, resolved_at = ?, resolved_by = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		a.Severity, a.Message, a.State, data,
		nullNanos(a.AcknowledgedAt), nullNanos(a.ResolvedAt), a.ResolvedBy, a.ID, a.Version,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update alert")
	}
	if err := checkVersioned(ctx, s.db, res, "task_alerts", a.ID); err != nil {
		return errors.Wrapf(err, "alert %s", a.ID)
	}
	a.Version++
	return nil
}

// ListAlerts implements Store.ListAlerts
func (s *SQLiteStore) ListAlerts(ctx context.Context, f AlertFilter) ([]*model.TaskAlert, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, f.SubjectID)
	}

	query := `SELECT ` + alertColumns + ` FROM task_alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY opened_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list alerts")
	}
	defer rows.Close()

	var out []*model.TaskAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan alert")
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "error during row iteration")
}

// FindActiveAlert implements Store.FindActiveAlert
func (s *SQLiteStore) FindActiveAlert(ctx context.Context, kind model.AlertKind, subjectID string) (*model.TaskAlert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+` FROM task_alerts
		WHERE kind = ? AND subject_id = ? AND state <> 'resolved'`, kind, subjectID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "active %s alert for %s", kind, subjectID)
		}
		return nil, errors.Wrap(err, "failed to scan alert")
	}
	return a, nil
}
