package store

import (
	"context"
	"database/sql"
	"time"

	"org-backup-engine/internal/backup"
)

const restoreColumns = `id, org_id, restore_code, backup_id, safety_backup_id, categories, conflict_strategy,
	create_safety, status, report, error_message, created_by, created_at, updated_at, started_at,
	completed_at, rollback_expires_at, rolled_back_by`

// RestoreRepository persists backup_restores rows
type RestoreRepository struct {
	repo
}

// Create inserts a new restore record
func (r *RestoreRepository) Create(ctx context.Context, rs *backup.Restore) error {
	categories, err := encodeJSON(rs.Categories, len(rs.Categories) > 0)
	if err != nil {
		return err
	}
	report, err := encodeJSON(rs.Report, rs.Report != nil)
	if err != nil {
		return err
	}

	_, err = r.exec(ctx, `INSERT INTO backup_restores (`+restoreColumns+`) VALUES (
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rs.ID, rs.OrgID, rs.Code, rs.BackupID, nullString(rs.SafetyBackupID), categories,
		string(rs.Strategy), rs.CreateSafetyBackup, string(rs.Status), report,
		nullString(rs.ErrorMessage), nullString(rs.CreatedBy), rs.CreatedAt.UTC(), rs.UpdatedAt.UTC(),
		nullTime(rs.StartedAt), nullTime(rs.CompletedAt), nullTime(rs.RollbackExpiresAt),
		nullString(rs.RolledBackBy))
	return err
}

// Get loads a restore by id
func (r *RestoreRepository) Get(ctx context.Context, id string) (*backup.Restore, error) {
	rs, err := scanRestore(r.queryRow(ctx, `SELECT `+restoreColumns+` FROM backup_restores WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("restore", id, err)
	}
	return rs, nil
}

// ListForOrg returns the restores of an organization, newest first
func (r *RestoreRepository) ListForOrg(ctx context.Context, orgID string, limit int) ([]*backup.Restore, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `SELECT `+restoreColumns+` FROM backup_restores
		WHERE org_id = ? ORDER BY created_at DESC, id LIMIT ?`, orgID, limit)
}

// InFlightForBackup returns the pending or processing restores of a backup
// into org
func (r *RestoreRepository) InFlightForBackup(ctx context.Context, orgID, backupID string) ([]*backup.Restore, error) {
	return r.list(ctx, `SELECT `+restoreColumns+` FROM backup_restores
		WHERE org_id = ? AND backup_id = ? AND status IN (?, ?) ORDER BY created_at, id`,
		orgID, backupID, string(backup.RestoreStatusPending), string(backup.RestoreStatusProcessing))
}

// Claim moves a pending restore to processing
func (r *RestoreRepository) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := r.exec(ctx, `UPDATE backup_restores SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(backup.RestoreStatusProcessing), now.UTC(), now.UTC(), id, string(backup.RestoreStatusPending))
	return n == 1, err
}

// SetSafetyBackup links the pre-restore backup to a processing restore
func (r *RestoreRepository) SetSafetyBackup(ctx context.Context, id, backupID string, now time.Time) error {
	_, err := r.exec(ctx, `UPDATE backup_restores SET safety_backup_id = ?, updated_at = ? WHERE id = ?`,
		backupID, now.UTC(), id)
	return err
}

// Complete records the report of a processing restore
func (r *RestoreRepository) Complete(ctx context.Context, rs *backup.Restore) (bool, error) {
	report, err := encodeJSON(rs.Report, rs.Report != nil)
	if err != nil {
		return false, err
	}
	n, err := r.exec(ctx, `UPDATE backup_restores
		SET status = ?, report = ?, completed_at = ?, rollback_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(backup.RestoreStatusCompleted), report, nullTime(rs.CompletedAt), nullTime(rs.RollbackExpiresAt),
		rs.UpdatedAt.UTC(), rs.ID, string(backup.RestoreStatusProcessing))
	return n == 1, err
}

// Fail marks a processing restore failed
func (r *RestoreRepository) Fail(ctx context.Context, id, message string, now time.Time) (bool, error) {
	n, err := r.exec(ctx, `UPDATE backup_restores SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(backup.RestoreStatusFailed), message, now.UTC(), id, string(backup.RestoreStatusProcessing))
	return n == 1, err
}

// MarkRolledBack claims a completed restore for rollback while its window is
// open and links the restore that undoes it
func (r *RestoreRepository) MarkRolledBack(ctx context.Context, id, rollbackID string, now time.Time) (bool, error) {
	n, err := r.exec(ctx, `UPDATE backup_restores SET status = ?, rolled_back_by = ?, updated_at = ?
		WHERE id = ? AND status = ? AND rollback_expires_at IS NOT NULL AND rollback_expires_at >= ?`,
		string(backup.RestoreStatusRolledBack), rollbackID, now.UTC(), id,
		string(backup.RestoreStatusCompleted), now.UTC())
	return n == 1, err
}

// UnmarkRolledBack returns a rolled back restore to completed
func (r *RestoreRepository) UnmarkRolledBack(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := r.exec(ctx, `UPDATE backup_restores SET status = ?, rolled_back_by = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(backup.RestoreStatusCompleted), now.UTC(), id, string(backup.RestoreStatusRolledBack))
	return n == 1, err
}

func (r *RestoreRepository) list(ctx context.Context, query string, args ...interface{}) ([]*backup.Restore, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var restores []*backup.Restore
	for rows.Next() {
		rs, err := scanRestore(rows)
		if err != nil {
			return nil, backup.NewDatabaseError("failed to scan restore", err)
		}
		restores = append(restores, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, backup.NewDatabaseError("failed to read restores", err)
	}
	return restores, nil
}

func scanRestore(row rowScanner) (*backup.Restore, error) {
	var (
		rs                                  backup.Restore
		strategy, status                    string
		safety, categories, report, errMsg  sql.NullString
		actor, rolledBackBy                 sql.NullString
		started, completed, rollbackExpires sql.NullTime
	)

	err := row.Scan(&rs.ID, &rs.OrgID, &rs.Code, &rs.BackupID, &safety, &categories, &strategy,
		&rs.CreateSafetyBackup, &status, &report, &errMsg, &actor, &rs.CreatedAt, &rs.UpdatedAt,
		&started, &completed, &rollbackExpires, &rolledBackBy)
	if err != nil {
		return nil, err
	}

	rs.SafetyBackupID = safety.String
	rs.Strategy = backup.ConflictStrategy(strategy)
	rs.Status = backup.RestoreStatus(status)
	rs.ErrorMessage = errMsg.String
	rs.CreatedBy = actor.String
	rs.CreatedAt = rs.CreatedAt.UTC()
	rs.UpdatedAt = rs.UpdatedAt.UTC()
	rs.StartedAt = timePtr(started)
	rs.CompletedAt = timePtr(completed)
	rs.RollbackExpiresAt = timePtr(rollbackExpires)
	rs.RolledBackBy = rolledBackBy.String

	if err := decodeJSON(categories, &rs.Categories); err != nil {
		return nil, err
	}
	if report.Valid {
		rs.Report = &backup.RestoreReport{}
		if err := decodeJSON(report, rs.Report); err != nil {
			return nil, err
		}
	}
	return &rs, nil
}
