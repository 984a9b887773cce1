package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"org-backup-engine/internal/backup"
)

const backupColumns = `id, org_id, backup_code, name, description, type, status, deletion_state,
	storage_disk, file_path, file_size, checksum, is_encrypted, encryption_key_id, categories,
	summary, schema_snapshot, error_message, attempts, schedule_id, created_by, created_at,
	updated_at, started_at, completed_at, expires_at, soft_deleted_at, hard_delete_after`

// BackupFilter narrows a backup listing
type BackupFilter struct {
	OrgID          string
	Status         backup.BackupStatus
	DeletionState  backup.DeletionState
	ScheduleID     string
	IncludeDeleted bool
	Limit          int
}

// BackupRepository persists org_backups rows
type BackupRepository struct {
	repo
}

// Create inserts a new backup record
func (r *BackupRepository) Create(ctx context.Context, b *backup.Backup) error {
	categories, err := encodeJSON(b.Categories, len(b.Categories) > 0)
	if err != nil {
		return err
	}
	summary, err := encodeJSON(b.Summary, b.Summary != nil)
	if err != nil {
		return err
	}
	snapshot, err := encodeJSON(b.SchemaSnapshot, b.SchemaSnapshot != nil)
	if err != nil {
		return err
	}

	_, err = r.exec(ctx, `INSERT INTO org_backups (`+backupColumns+`) VALUES (
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.OrgID, b.Code, b.Name, nullString(b.Description), string(b.Type), string(b.Status),
		string(b.DeletionState), b.StorageDisk, nullString(b.FilePath), nullSize(b.FileSize),
		nullString(b.Checksum), b.Encrypted, nullString(b.EncryptionKeyID), categories, summary,
		snapshot, nullString(b.ErrorMessage), b.Attempts, nullString(b.ScheduleID),
		nullString(b.CreatedBy), b.CreatedAt.UTC(), b.UpdatedAt.UTC(), nullTime(b.StartedAt),
		nullTime(b.CompletedAt), nullTime(b.ExpiresAt), nullTime(b.SoftDeletedAt),
		nullTime(b.HardDeleteAfter))
	return err
}

// Get loads a backup by id
func (r *BackupRepository) Get(ctx context.Context, id string) (*backup.Backup, error) {
	b, err := scanBackup(r.queryRow(ctx, `SELECT `+backupColumns+` FROM org_backups WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("backup", id, err)
	}
	return b, nil
}

// List returns backups matching filter, newest first. Soft-deleted backups
// are excluded unless requested.
func (r *BackupRepository) List(ctx context.Context, filter BackupFilter) ([]*backup.Backup, error) {
	var where []string
	var args []interface{}
	if filter.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	switch {
	case filter.DeletionState != "":
		where = append(where, "deletion_state = ?")
		args = append(args, string(filter.DeletionState))
	case !filter.IncludeDeleted:
		where = append(where, "deletion_state = ?")
		args = append(args, string(backup.DeletionActive))
	}

	query := `SELECT ` + backupColumns + ` FROM org_backups`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return r.list(ctx, query, args...)
}

// ListExpired returns a page of active completed backups whose expiry has
// passed, ordered by id and starting after afterID
func (r *BackupRepository) ListExpired(ctx context.Context, now time.Time, afterID string, limit int) ([]*backup.Backup, error) {
	return r.list(ctx, `SELECT `+backupColumns+` FROM org_backups
		WHERE status = ? AND deletion_state = ? AND expires_at IS NOT NULL AND expires_at <= ? AND id > ?
		ORDER BY id LIMIT ?`,
		string(backup.BackupStatusCompleted), string(backup.DeletionActive), now.UTC(), afterID, limit)
}

// ListHardDeleteDue returns a page of soft-deleted backups whose grace period
// is over, plus backups whose hard delete was claimed but never finished
func (r *BackupRepository) ListHardDeleteDue(ctx context.Context, now time.Time, afterID string, limit int) ([]*backup.Backup, error) {
	return r.list(ctx, `SELECT `+backupColumns+` FROM org_backups
		WHERE (deletion_state = ? OR (deletion_state = ? AND hard_delete_after IS NOT NULL AND hard_delete_after <= ?))
			AND id > ?
		ORDER BY id LIMIT ?`,
		string(backup.DeletionHardDeleting), string(backup.DeletionSoftDeleted), now.UTC(), afterID, limit)
}

// StoredPaths returns every file path recorded for disk
func (r *BackupRepository) StoredPaths(ctx context.Context, disk string) (map[string]bool, error) {
	rows, err := r.query(ctx, `SELECT file_path FROM org_backups WHERE storage_disk = ? AND file_path IS NOT NULL`, disk)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paths := make(map[string]bool)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, backup.NewDatabaseError("failed to scan file path", err)
		}
		paths[path] = true
	}
	if err := rows.Err(); err != nil {
		return nil, backup.NewDatabaseError("failed to read file paths", err)
	}
	return paths, nil
}

// Claim moves an active backup from the given status to processing and
// counts the attempt
func (r *BackupRepository) Claim(ctx context.Context, id string, from backup.BackupStatus, now time.Time) (bool, error) {
	n, err := r.exec(ctx, `UPDATE org_backups
		SET status = ?, started_at = ?, updated_at = ?, attempts = attempts + 1, error_message = NULL
		WHERE id = ? AND status = ? AND deletion_state = ?`,
		string(backup.BackupStatusProcessing), now.UTC(), now.UTC(), id, string(from), string(backup.DeletionActive))
	return n == 1, err
}

// Complete records the result of a processing backup
func (r *BackupRepository) Complete(ctx context.Context, b *backup.Backup) (bool, error) {
	summary, err := encodeJSON(b.Summary, b.Summary != nil)
	if err != nil {
		return false, err
	}
	snapshot, err := encodeJSON(b.SchemaSnapshot, b.SchemaSnapshot != nil)
	if err != nil {
		return false, err
	}

	n, err := r.exec(ctx, `UPDATE org_backups
		SET status = ?, file_path = ?, file_size = ?, checksum = ?, is_encrypted = ?, encryption_key_id = ?,
			summary = ?, schema_snapshot = ?, completed_at = ?, expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(backup.BackupStatusCompleted), nullString(b.FilePath), nullSize(b.FileSize), nullString(b.Checksum),
		b.Encrypted, nullString(b.EncryptionKeyID), summary, snapshot, nullTime(b.CompletedAt),
		nullTime(b.ExpiresAt), b.UpdatedAt.UTC(), b.ID, string(backup.BackupStatusProcessing))
	return n == 1, err
}

// Fail marks a processing backup failed and clears its file fields
func (r *BackupRepository) Fail(ctx context.Context, id, message string, now time.Time) (bool, error) {
	n, err := r.exec(ctx, `UPDATE org_backups
		SET status = ?, error_message = ?, file_path = NULL, file_size = NULL, checksum = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(backup.BackupStatusFailed), message, now.UTC(), id, string(backup.BackupStatusProcessing))
	return n == 1, err
}

// Expire marks a completed backup expired and clears its file fields
func (r *BackupRepository) Expire(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := r.exec(ctx, `UPDATE org_backups
		SET status = ?, file_path = NULL, file_size = NULL, checksum = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(backup.BackupStatusExpired), now.UTC(), id, string(backup.BackupStatusCompleted))
	return n == 1, err
}

// SoftDelete starts the two-phase delete of a backup that is not processing
func (r *BackupRepository) SoftDelete(ctx context.Context, id string, now, hardDeleteAfter time.Time) (bool, error) {
	n, err := r.exec(ctx, `UPDATE org_backups
		SET deletion_state = ?, soft_deleted_at = ?, hard_delete_after = ?, updated_at = ?
		WHERE id = ? AND deletion_state = ? AND status <> ?`,
		string(backup.DeletionSoftDeleted), now.UTC(), hardDeleteAfter.UTC(), now.UTC(),
		id, string(backup.DeletionActive), string(backup.BackupStatusProcessing))
	return n == 1, err
}

// Undelete cancels a pending hard delete
func (r *BackupRepository) Undelete(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := r.exec(ctx, `UPDATE org_backups
		SET deletion_state = ?, soft_deleted_at = NULL, hard_delete_after = NULL, updated_at = ?
		WHERE id = ? AND deletion_state = ?`,
		string(backup.DeletionActive), now.UTC(), id, string(backup.DeletionSoftDeleted))
	return n == 1, err
}

// ClaimHardDelete moves a soft-deleted backup whose grace period is over to
// hard_deleting. A claimed backup can no longer be undeleted.
func (r *BackupRepository) ClaimHardDelete(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := r.exec(ctx, `UPDATE org_backups
		SET deletion_state = ?, updated_at = ?
		WHERE id = ? AND deletion_state = ? AND hard_delete_after IS NOT NULL AND hard_delete_after <= ?`,
		string(backup.DeletionHardDeleting), now.UTC(), id, string(backup.DeletionSoftDeleted), now.UTC())
	return n == 1, err
}

// ReleaseHardDelete returns a claimed backup to soft_deleted
func (r *BackupRepository) ReleaseHardDelete(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := r.exec(ctx, `UPDATE org_backups
		SET deletion_state = ?, updated_at = ?
		WHERE id = ? AND deletion_state = ?`,
		string(backup.DeletionSoftDeleted), now.UTC(), id, string(backup.DeletionHardDeleting))
	return n == 1, err
}

// HardDelete removes a backup whose hard delete was claimed
func (r *BackupRepository) HardDelete(ctx context.Context, id string) (bool, error) {
	n, err := r.exec(ctx, `DELETE FROM org_backups WHERE id = ? AND deletion_state = ?`,
		id, string(backup.DeletionHardDeleting))
	return n == 1, err
}

func (r *BackupRepository) list(ctx context.Context, query string, args ...interface{}) ([]*backup.Backup, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var backups []*backup.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, backup.NewDatabaseError("failed to scan backup", err)
		}
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, backup.NewDatabaseError("failed to read backups", err)
	}
	return backups, nil
}

func scanBackup(row rowScanner) (*backup.Backup, error) {
	var (
		b                                                      backup.Backup
		backupType, status, deletion                           string
		description, filePath, checksum, keyID                 sql.NullString
		categories, summary, snapshot, errMsg, schedule, actor sql.NullString
		fileSize                                               sql.NullInt64
		started, completed, expires, softDeleted, hardDelete   sql.NullTime
	)

	err := row.Scan(&b.ID, &b.OrgID, &b.Code, &b.Name, &description, &backupType, &status, &deletion,
		&b.StorageDisk, &filePath, &fileSize, &checksum, &b.Encrypted, &keyID, &categories,
		&summary, &snapshot, &errMsg, &b.Attempts, &schedule, &actor, &b.CreatedAt,
		&b.UpdatedAt, &started, &completed, &expires, &softDeleted, &hardDelete)
	if err != nil {
		return nil, err
	}

	b.Description = description.String
	b.Type = backup.BackupType(backupType)
	b.Status = backup.BackupStatus(status)
	b.DeletionState = backup.DeletionState(deletion)
	b.FilePath = filePath.String
	b.FileSize = fileSize.Int64
	b.Checksum = checksum.String
	b.EncryptionKeyID = keyID.String
	b.ErrorMessage = errMsg.String
	b.ScheduleID = schedule.String
	b.CreatedBy = actor.String
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	b.StartedAt = timePtr(started)
	b.CompletedAt = timePtr(completed)
	b.ExpiresAt = timePtr(expires)
	b.SoftDeletedAt = timePtr(softDeleted)
	b.HardDeleteAfter = timePtr(hardDelete)

	if err := decodeJSON(categories, &b.Categories); err != nil {
		return nil, err
	}
	if summary.Valid {
		b.Summary = &backup.Summary{}
		if err := decodeJSON(summary, b.Summary); err != nil {
			return nil, err
		}
	}
	if snapshot.Valid {
		if err := decodeJSON(snapshot, &b.SchemaSnapshot); err != nil {
			return nil, err
		}
	}
	return &b, nil
}

func nullSize(size int64) sql.NullInt64 {
	return sql.NullInt64{Int64: size, Valid: size > 0}
}
