package jobs

import (
	"context"
	"time"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/metrics"
	"org-backup-engine/internal/queue"
)

// CleanupResult reports one retention sweep
type CleanupResult struct {
	Expired           int `json:"expired"`
	StagingRemoved    int `json:"staging_removed"`
	OrphansRemoved    int `json:"orphans_removed"`
	HardDeletesQueued int `json:"hard_deletes_queued"`
	Errors            int `json:"errors"`
}

// CleanupExpired runs the retention sweep: expired backups lose their file,
// stale staging runs and orphaned storage files are removed, and
// soft-deleted backups past their grace period are queued for hard delete.
// A failing item is logged and left for the next sweep.
func (r *Runner) CleanupExpired(ctx context.Context) (*CleanupResult, error) {
	start := time.Now()
	now := r.now().UTC()
	result := &CleanupResult{}

	steps := []func(context.Context, time.Time, *CleanupResult) error{
		r.expireBackups,
		r.removeStaleStaging,
		r.removeOrphans,
		r.queueHardDeletes,
	}
	for _, step := range steps {
		if err := step(ctx, now, result); err != nil {
			r.metrics.ObserveJob(string(queue.KindCleanupExpired), metrics.StatusFailed, time.Since(start))
			return result, err
		}
	}

	r.metrics.CleanupAction("expired", result.Expired)
	r.metrics.CleanupAction("staging", result.StagingRemoved)
	r.metrics.CleanupAction("orphaned", result.OrphansRemoved)
	r.metrics.CleanupAction("hard_delete_queued", result.HardDeletesQueued)
	r.recordBreakerStates()

	r.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"expired":             result.Expired,
		"staging_removed":     result.StagingRemoved,
		"orphans_removed":     result.OrphansRemoved,
		"hard_deletes_queued": result.HardDeletesQueued,
		"errors":              result.Errors,
	}).Info("Backup cleanup finished")
	r.metrics.ObserveJob(string(queue.KindCleanupExpired), metrics.StatusCompleted, time.Since(start))
	return result, nil
}

// expireBackups walks every expired backup page by page, so a sweep never
// leaves a due backup behind
func (r *Runner) expireBackups(ctx context.Context, now time.Time, result *CleanupResult) error {
	afterID := ""
	for {
		page, err := r.store.Backups.ListExpired(ctx, now, afterID, r.config.CleanupBatchSize)
		if err != nil {
			return err
		}
		for _, b := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.expireBackup(ctx, b, now, result); err != nil {
				return err
			}
		}
		if len(page) < r.config.CleanupBatchSize {
			return nil
		}
		afterID = page[len(page)-1].ID
	}
}

func (r *Runner) expireBackup(ctx context.Context, b *backup.Backup, now time.Time, result *CleanupResult) error {
	if err := r.deleteArchive(ctx, b); err != nil {
		result.Errors++
		r.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"backup_id": b.ID,
			"path":      b.FilePath,
			"error":     err.Error(),
		}).Warn("Failed to delete expired backup file")
		return nil
	}

	ok, err := r.store.Backups.Expire(ctx, b.ID, now)
	if err != nil || !ok {
		return err
	}
	result.Expired++
	r.logger.LogJobTransition(ctx, "backup", b.ID, string(backup.BackupStatusCompleted), string(backup.BackupStatusExpired), nil)
	r.audit(ctx, b.OrgID, backup.AuditBackupExpired, backup.EntityBackup, b.ID, map[string]interface{}{
		"expires_at": b.ExpiresAt,
		"path":       b.FilePath,
	})
	return nil
}

func (r *Runner) removeStaleStaging(ctx context.Context, now time.Time, result *CleanupResult) error {
	removed, err := r.collector.CleanupStale(r.config.StagingMaxAge, now)
	if err != nil {
		result.Errors++
		r.logger.WithContext(ctx).Warnf("Failed to clean staging directory: %v", err)
		return nil
	}
	result.StagingRemoved = removed
	return nil
}

// removeOrphans deletes archives no backup record points at. Young files are
// kept since a running backup uploads before it records its path.
func (r *Runner) removeOrphans(ctx context.Context, now time.Time, result *CleanupResult) error {
	for _, name := range r.disks.Names() {
		if err := ctx.Err(); err != nil {
			return err
		}
		disk, err := r.disks.Disk(name)
		if err != nil {
			result.Errors++
			r.logger.WithContext(ctx).WithField("disk", name).Warnf("Disk unavailable for orphan scan: %v", err)
			continue
		}

		known, err := r.store.Backups.StoredPaths(ctx, name)
		if err != nil {
			return err
		}
		files, err := disk.List(ctx, r.config.StoragePrefix+"/")
		if err != nil {
			result.Errors++
			r.logger.WithContext(ctx).WithField("disk", name).Warnf("Failed to list disk: %v", err)
			continue
		}

		for _, f := range files {
			if known[f.Path] || now.Sub(f.ModTime) < r.config.OrphanMinAge {
				continue
			}
			if err := disk.Delete(ctx, f.Path); err != nil {
				result.Errors++
				r.logger.WithContext(ctx).WithFields(map[string]interface{}{
					"disk":  name,
					"path":  f.Path,
					"error": err.Error(),
				}).Warn("Failed to delete orphaned file")
				continue
			}
			result.OrphansRemoved++
			r.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"disk": name,
				"path": f.Path,
				"size": f.Size,
			}).Info("Orphaned backup file removed")
		}
	}
	return nil
}

func (r *Runner) queueHardDeletes(ctx context.Context, now time.Time, result *CleanupResult) error {
	afterID := ""
	for {
		page, err := r.store.Backups.ListHardDeleteDue(ctx, now, afterID, r.config.CleanupBatchSize)
		if err != nil {
			return err
		}
		for _, b := range page {
			if err := r.dispatch(ctx, queue.KindDeleteFiles, b.ID); err != nil {
				result.Errors++
				r.logger.WithContext(ctx).WithField("backup_id", b.ID).Warnf("Failed to queue hard delete: %v", err)
				continue
			}
			result.HardDeletesQueued++
		}
		if len(page) < r.config.CleanupBatchSize {
			return nil
		}
		afterID = page[len(page)-1].ID
	}
}

// DeleteFiles is the second phase of a backup delete. The record is claimed
// first, so an undelete racing the job either wins and the job skips, or
// loses and is refused. A claim left by a crashed attempt is resumed.
func (r *Runner) DeleteFiles(ctx context.Context, id string) error {
	b, err := r.store.Backups.Get(ctx, id)
	if err != nil {
		if backup.ErrorType(err) == backup.BackupErrorTypeNotFound {
			return nil
		}
		return err
	}

	now := r.now().UTC()
	if b.DeletionState != backup.DeletionHardDeleting {
		claimed, err := r.store.Backups.ClaimHardDelete(ctx, id, now)
		if err != nil {
			return err
		}
		if !claimed {
			r.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"backup_id":      id,
				"deletion_state": string(b.DeletionState),
			}).Info("Backup is not due for hard delete, skipping")
			r.metrics.ObserveJob(string(queue.KindDeleteFiles), metrics.StatusSkipped, 0)
			return nil
		}
	}

	start := time.Now()
	if err := r.deleteArchive(ctx, b); err != nil {
		if _, releaseErr := r.store.Backups.ReleaseHardDelete(context.WithoutCancel(ctx), id, r.now()); releaseErr != nil {
			r.logger.WithContext(ctx).WithField("backup_id", id).Errorf("Failed to release hard delete claim: %v", releaseErr)
		}
		r.metrics.ObserveJob(string(queue.KindDeleteFiles), metrics.StatusFailed, time.Since(start))
		return err
	}

	deleted, err := r.store.Backups.HardDelete(ctx, id)
	if err != nil {
		r.metrics.ObserveJob(string(queue.KindDeleteFiles), metrics.StatusFailed, time.Since(start))
		return err
	}
	if !deleted {
		// a concurrent attempt finished first
		r.metrics.ObserveJob(string(queue.KindDeleteFiles), metrics.StatusSkipped, time.Since(start))
		return nil
	}

	r.logger.LogJobTransition(ctx, "backup", id, string(backup.DeletionHardDeleting), string(backup.DeletionHardDeleted), nil)
	r.audit(ctx, b.OrgID, backup.AuditBackupHardDeleted, backup.EntityBackup, id, map[string]interface{}{
		"backup_code": b.Code,
		"path":        b.FilePath,
	})
	r.metrics.CleanupAction("hard_deleted", 1)
	r.metrics.ObserveJob(string(queue.KindDeleteFiles), metrics.StatusCompleted, time.Since(start))
	return nil
}

// deleteArchive removes the stored file of b; a backup without a file is a
// no-op
func (r *Runner) deleteArchive(ctx context.Context, b *backup.Backup) error {
	if b.FilePath == "" {
		return nil
	}
	disk, err := r.disks.Disk(b.StorageDisk)
	if err != nil {
		return err
	}
	return disk.Delete(ctx, b.FilePath)
}
