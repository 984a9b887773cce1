package store

import (
	"context"
	"database/sql"
	"time"

	"org-backup-engine/internal/backup"
)

const scheduleColumns = `id, org_id, name, frequency, time_of_day, timezone, day_of_week, day_of_month,
	categories, storage_disk, retention_days, max_backups, encrypt, encryption_key_id, is_active,
	last_run_at, next_run_at, last_backup_id, consecutive_failures, last_error, created_at, updated_at`

// ScheduleRepository persists backup_schedules rows
type ScheduleRepository struct {
	repo
}

// Create inserts a new schedule
func (r *ScheduleRepository) Create(ctx context.Context, s *backup.Schedule) error {
	categories, err := encodeJSON(s.Categories, len(s.Categories) > 0)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, `INSERT INTO backup_schedules (`+scheduleColumns+`) VALUES (
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.OrgID, s.Name, string(s.Frequency), s.TimeOfDay, s.Timezone, nullInt(s.DayOfWeek),
		nullInt(s.DayOfMonth), categories, s.StorageDisk, s.RetentionDays, s.MaxBackups, s.Encrypt,
		nullString(s.EncryptionKeyID), s.Active, nullTime(s.LastRunAt), nullTime(s.NextRunAt),
		nullString(s.LastBackupID), s.ConsecutiveFailures, nullString(s.LastError),
		s.CreatedAt.UTC(), s.UpdatedAt.UTC())
	return err
}

// Get loads a schedule by id
func (r *ScheduleRepository) Get(ctx context.Context, id string) (*backup.Schedule, error) {
	s, err := scanSchedule(r.queryRow(ctx, `SELECT `+scheduleColumns+` FROM backup_schedules WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("schedule", id, err)
	}
	return s, nil
}

// ListForOrg returns the schedules of an organization
func (r *ScheduleRepository) ListForOrg(ctx context.Context, orgID string) ([]*backup.Schedule, error) {
	return r.list(ctx, `SELECT `+scheduleColumns+` FROM backup_schedules WHERE org_id = ? ORDER BY created_at, id`, orgID)
}

// ListDue returns active schedules that never ran or whose next run has come
func (r *ScheduleRepository) ListDue(ctx context.Context, now time.Time) ([]*backup.Schedule, error) {
	return r.list(ctx, `SELECT `+scheduleColumns+` FROM backup_schedules
		WHERE is_active = ? AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY next_run_at, id`, true, now.UTC())
}

// Advance records a triggered run. It only applies when next_run_at still
// holds the value the caller saw, so two scheduler passes cannot trigger the
// same slot twice.
func (r *ScheduleRepository) Advance(ctx context.Context, s *backup.Schedule, seen *time.Time, backupID string, now, next time.Time) (bool, error) {
	query := `UPDATE backup_schedules SET last_run_at = ?, next_run_at = ?, last_backup_id = ?, updated_at = ?
		WHERE id = ? AND `
	args := []interface{}{now.UTC(), next.UTC(), nullString(backupID), now.UTC(), s.ID}
	if seen == nil {
		query += "next_run_at IS NULL"
	} else {
		query += "next_run_at = ?"
		args = append(args, seen.UTC())
	}
	n, err := r.exec(ctx, query, args...)
	return n == 1, err
}

// RecordResult updates the failure bookkeeping after a scheduled backup ends
func (r *ScheduleRepository) RecordResult(ctx context.Context, id string, runErr string, now time.Time) error {
	if runErr == "" {
		_, err := r.exec(ctx, `UPDATE backup_schedules SET consecutive_failures = 0, last_error = NULL, updated_at = ?
			WHERE id = ?`, now.UTC(), id)
		return err
	}
	_, err := r.exec(ctx, `UPDATE backup_schedules
		SET consecutive_failures = consecutive_failures + 1, last_error = ?, updated_at = ?
		WHERE id = ?`, runErr, now.UTC(), id)
	return err
}

// SetActive enables or disables a schedule
func (r *ScheduleRepository) SetActive(ctx context.Context, id string, active bool, now time.Time) (bool, error) {
	n, err := r.exec(ctx, `UPDATE backup_schedules SET is_active = ?, updated_at = ? WHERE id = ?`, active, now.UTC(), id)
	return n == 1, err
}

func (r *ScheduleRepository) list(ctx context.Context, query string, args ...interface{}) ([]*backup.Schedule, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*backup.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, backup.NewDatabaseError("failed to scan schedule", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, backup.NewDatabaseError("failed to read schedules", err)
	}
	return schedules, nil
}

func scanSchedule(row rowScanner) (*backup.Schedule, error) {
	var (
		s                                        backup.Schedule
		frequency                                string
		dayOfWeek, dayOfMonth                    sql.NullInt64
		categories, keyID, lastBackup, lastError sql.NullString
		lastRun, nextRun                         sql.NullTime
	)

	err := row.Scan(&s.ID, &s.OrgID, &s.Name, &frequency, &s.TimeOfDay, &s.Timezone, &dayOfWeek,
		&dayOfMonth, &categories, &s.StorageDisk, &s.RetentionDays, &s.MaxBackups, &s.Encrypt,
		&keyID, &s.Active, &lastRun, &nextRun, &lastBackup, &s.ConsecutiveFailures, &lastError,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	s.Frequency = backup.Frequency(frequency)
	s.DayOfWeek = intPtr(dayOfWeek)
	s.DayOfMonth = intPtr(dayOfMonth)
	s.EncryptionKeyID = keyID.String
	s.LastBackupID = lastBackup.String
	s.LastError = lastError.String
	s.LastRunAt = timePtr(lastRun)
	s.NextRunAt = timePtr(nextRun)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()

	if err := decodeJSON(categories, &s.Categories); err != nil {
		return nil, err
	}
	return &s, nil
}
