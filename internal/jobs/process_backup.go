package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/metrics"
	"org-backup-engine/internal/notify"
	"org-backup-engine/internal/queue"
)

// ProcessBackup runs one attempt of a backup. The first attempt claims a
// pending backup, a retry claims it back from failed. A backup found in any
// other state, or soft-deleted before pickup, is left alone.
func (r *Runner) ProcessBackup(ctx context.Context, id string, attempt int) error {
	from := backup.BackupStatusPending
	if attempt > 1 {
		from = backup.BackupStatusFailed
	}

	claimed, err := r.store.Backups.Claim(ctx, id, from, r.now())
	if err != nil {
		return err
	}
	if !claimed {
		r.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"backup_id": id,
			"attempt":   attempt,
			"expected":  string(from),
		}).Info("Backup is not in the expected state, skipping")
		r.metrics.ObserveJob(string(queue.KindProcessBackup), metrics.StatusSkipped, 0)
		return nil
	}

	b, err := r.store.Backups.Get(ctx, id)
	if err != nil {
		return err
	}
	r.logger.LogJobTransition(ctx, "backup", id, string(from), string(backup.BackupStatusProcessing), nil)
	r.audit(ctx, b.OrgID, backup.AuditBackupStarted, backup.EntityBackup, id, map[string]interface{}{
		"attempt": attempt,
	})

	start := time.Now()
	if err := r.runBackup(ctx, b); err != nil {
		return r.failBackup(ctx, b, err, time.Since(start))
	}

	r.logger.LogJobTransition(ctx, "backup", id, string(backup.BackupStatusProcessing), string(backup.BackupStatusCompleted), nil)
	r.audit(ctx, b.OrgID, backup.AuditBackupCompleted, backup.EntityBackup, id, map[string]interface{}{
		"file_size":     b.FileSize,
		"checksum":      b.Checksum,
		"total_records": b.Summary.TotalRecords,
		"total_files":   b.Summary.TotalFiles,
		"encrypted":     b.Encrypted,
	})
	if b.ScheduleID != "" {
		if err := r.store.Schedules.RecordResult(ctx, b.ScheduleID, "", r.now()); err != nil {
			r.logger.WithContext(ctx).WithField("schedule_id", b.ScheduleID).Warnf("Failed to record schedule result: %v", err)
		}
	}

	r.metrics.ObserveBackup(b.FileSize, b.Summary.TotalRecords, b.Summary.TotalFiles, len(b.Summary.SkippedTables))
	r.metrics.ObserveJob(string(queue.KindProcessBackup), metrics.StatusCompleted, time.Since(start))
	r.recordBreakerStates()
	r.notifier.Notify(ctx, notify.BackupCompleted(b, r.now()))
	return nil
}

// runBackup produces the archive of b, moves it to storage and completes the
// record. Staged files are removed on every exit path; an archive already
// uploaded is removed again when the record cannot be completed.
func (r *Runner) runBackup(ctx context.Context, b *backup.Backup) (err error) {
	org, err := backup.NewOrgID(b.OrgID)
	if err != nil {
		return err
	}

	defer func() {
		if cleanupErr := r.collector.Cleanup(b.ID); cleanupErr != nil {
			r.logger.WithContext(ctx).WithField("backup_id", b.ID).Warnf("Failed to remove staged files: %v", cleanupErr)
		}
	}()

	snapshot, err := r.discoverer.Discover(ctx)
	if err != nil {
		return err
	}
	plan, err := r.resolver.Resolve(snapshot, snapshot.TablesIn(b.Categories))
	if err != nil {
		return err
	}

	extraction, err := r.extractor.Extract(ctx, org, snapshot, b.Categories, func(category, table string, rows int) {
		r.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"backup_id": b.ID,
			"category":  category,
			"table":     table,
			"rows":      rows,
		}).Debug("Table extracted")
	})
	if err != nil {
		return err
	}

	files, err := r.collector.Collect(ctx, b.ID, extraction.Categories, nil)
	if err != nil {
		return err
	}

	pkg, err := r.packager.CreatePackage(ctx, backup.PackageInput{
		BackupID:        b.ID,
		BackupCode:      b.Code,
		Org:             org,
		Extraction:      extraction,
		Files:           files,
		Snapshot:        snapshot,
		Plan:            plan,
		TimestampColumn: r.config.TimestampColumn,
		OutputDir:       r.collector.RunDir(b.ID),
	})
	if err != nil {
		return err
	}

	localPath, size := pkg.Path, pkg.Size
	if b.Encrypted {
		if b.EncryptionKeyID == "" {
			return backup.NewEncryptionError("encrypted backup has no key id", nil)
		}
		sealed, err := r.encryption.Encrypt(ctx, localPath, b.EncryptionKeyID)
		if err != nil {
			return err
		}
		if err := os.Remove(localPath); err != nil {
			return backup.NewStorageError("failed to remove unencrypted archive", err)
		}
		localPath, size = sealed.OutputPath, sealed.Size
	}

	disk, err := r.disks.Disk(b.StorageDisk)
	if err != nil {
		return err
	}
	target := r.storagePath(b, filepath.Base(localPath))
	if err := backup.MoveToStorage(ctx, localPath, disk, target); err != nil {
		return err
	}
	defer func() {
		if err == nil {
			return
		}
		if deleteErr := disk.Delete(context.WithoutCancel(ctx), target); deleteErr != nil {
			r.logger.WithContext(ctx).WithField("path", target).Warnf("Failed to remove uploaded archive: %v", deleteErr)
		}
	}()

	retention, err := r.retentionDays(ctx, b)
	if err != nil {
		return err
	}

	now := r.now().UTC()
	b.Status = backup.BackupStatusCompleted
	b.FilePath = target
	b.FileSize = size
	b.Checksum = pkg.Checksum
	b.SchemaSnapshot = snapshot
	b.Summary = summarize(extraction, files, time.Since(extraction.ExportedAt))
	b.CompletedAt = &now
	b.ExpiresAt = backup.ExpiresAt(now, retention)
	b.UpdatedAt = now

	completed, err := r.store.Backups.Complete(ctx, b)
	if err != nil {
		return err
	}
	if !completed {
		return backup.NewConflictError(fmt.Sprintf("backup %s left the processing state", b.ID), nil)
	}
	return nil
}

// failBackup records a failed attempt and returns cause so the queue can
// retry. Bookkeeping outlives the job context so a timed out job still
// leaves a failed record.
func (r *Runner) failBackup(ctx context.Context, b *backup.Backup, cause error, elapsed time.Duration) error {
	ctx = context.WithoutCancel(ctx)
	now := r.now()

	if _, err := r.store.Backups.Fail(ctx, b.ID, cause.Error(), now); err != nil {
		r.logger.WithContext(ctx).WithField("backup_id", b.ID).Errorf("Failed to mark backup failed: %v", err)
	}
	b.Status = backup.BackupStatusFailed
	b.ErrorMessage = cause.Error()
	b.FilePath, b.FileSize, b.Checksum = "", 0, ""

	r.logger.LogJobTransition(ctx, "backup", b.ID, string(backup.BackupStatusProcessing), string(backup.BackupStatusFailed), cause)
	r.audit(ctx, b.OrgID, backup.AuditBackupFailed, backup.EntityBackup, b.ID, map[string]interface{}{
		"error":      cause.Error(),
		"error_type": string(backup.ErrorType(cause)),
		"attempt":    b.Attempts,
	})
	if b.ScheduleID != "" {
		if err := r.store.Schedules.RecordResult(ctx, b.ScheduleID, cause.Error(), now); err != nil {
			r.logger.WithContext(ctx).WithField("schedule_id", b.ScheduleID).Warnf("Failed to record schedule result: %v", err)
		}
	}

	r.metrics.ObserveJob(string(queue.KindProcessBackup), metrics.StatusFailed, elapsed)
	r.recordBreakerStates()
	r.notifier.Notify(ctx, notify.BackupFailed(b, cause, now))
	return cause
}

// retentionDays returns the retention of the schedule that produced b, or
// the default retention for manual and pre-restore backups
func (r *Runner) retentionDays(ctx context.Context, b *backup.Backup) (int, error) {
	if b.ScheduleID == "" {
		return r.config.DefaultRetentionDays, nil
	}
	s, err := r.store.Schedules.Get(ctx, b.ScheduleID)
	if err != nil {
		if backup.ErrorType(err) == backup.BackupErrorTypeNotFound {
			return r.config.DefaultRetentionDays, nil
		}
		return 0, err
	}
	return s.RetentionDays, nil
}

func summarize(extraction *backup.ExtractionResult, files *backup.CollectResult, elapsed time.Duration) *backup.Summary {
	summary := &backup.Summary{
		TotalRecords:  extraction.TotalRecords,
		Categories:    make(map[string]*backup.CategorySummary, len(extraction.Counts)),
		SkippedTables: extraction.Skipped,
		DurationMS:    elapsed.Milliseconds(),
	}
	for category, tables := range extraction.Counts {
		cs := &backup.CategorySummary{Tables: tables}
		for _, n := range tables {
			cs.Records += n
		}
		summary.Categories[category] = cs
	}
	if files != nil {
		summary.TotalFiles = len(files.Files)
		summary.TotalFileSize = files.TotalSize
		summary.MissingFiles = files.Missing
	}
	return summary
}
