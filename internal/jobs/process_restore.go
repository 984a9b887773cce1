package jobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/metrics"
	"org-backup-engine/internal/notify"
	"org-backup-engine/internal/queue"
)

// ProcessRestore runs a restore. It is attempted once: a safety backup is
// taken first when requested, and nothing is written unless it completes.
func (r *Runner) ProcessRestore(ctx context.Context, id string) error {
	claimed, err := r.store.Restores.Claim(ctx, id, r.now())
	if err != nil {
		return err
	}
	if !claimed {
		r.logger.WithContext(ctx).WithField("restore_id", id).Info("Restore is not pending, skipping")
		r.metrics.ObserveJob(string(queue.KindProcessRestore), metrics.StatusSkipped, 0)
		return nil
	}

	rs, err := r.store.Restores.Get(ctx, id)
	if err != nil {
		return err
	}
	r.logger.LogJobTransition(ctx, "restore", id, string(backup.RestoreStatusPending), string(backup.RestoreStatusProcessing), nil)
	r.audit(ctx, rs.OrgID, backup.AuditRestoreStarted, backup.EntityRestore, id, map[string]interface{}{
		"backup_id":  rs.BackupID,
		"strategy":   string(rs.Strategy),
		"categories": rs.Categories,
	})

	start := time.Now()
	report, err := r.runRestore(ctx, rs)
	if err != nil {
		return r.failRestore(ctx, rs, err, time.Since(start))
	}

	now := r.now().UTC()
	rollbackUntil := now.Add(r.config.RollbackWindow)
	rs.Status = backup.RestoreStatusCompleted
	rs.Report = report
	rs.CompletedAt = &now
	rs.RollbackExpiresAt = &rollbackUntil
	rs.UpdatedAt = now

	completed, err := r.store.Restores.Complete(ctx, rs)
	if err != nil {
		return err
	}
	if !completed {
		return backup.NewConflictError(fmt.Sprintf("restore %s left the processing state", id), nil)
	}

	r.logger.LogJobTransition(ctx, "restore", id, string(backup.RestoreStatusProcessing), string(backup.RestoreStatusCompleted), nil)
	r.audit(ctx, rs.OrgID, backup.AuditRestoreCompleted, backup.EntityRestore, id, map[string]interface{}{
		"restored":         report.Restored,
		"updated":          report.Updated,
		"skipped":          report.Skipped,
		"error_count":      report.ErrorCount,
		"safety_backup_id": rs.SafetyBackupID,
	})
	r.metrics.ObserveRestore(report.Restored, report.Updated, report.Skipped)
	r.metrics.ObserveJob(string(queue.KindProcessRestore), metrics.StatusCompleted, time.Since(start))
	r.notifier.Notify(ctx, notify.RestoreCompleted(rs, r.now()))
	return nil
}

func (r *Runner) runRestore(ctx context.Context, rs *backup.Restore) (*backup.RestoreReport, error) {
	org, err := backup.NewOrgID(rs.OrgID)
	if err != nil {
		return nil, err
	}

	source, err := r.store.Backups.Get(ctx, rs.BackupID)
	if err != nil {
		return nil, err
	}
	if err := restorable(source, rs.OrgID, r.now()); err != nil {
		return nil, err
	}

	if rs.CreateSafetyBackup {
		safetyID, err := r.runSafetyBackup(ctx, org, rs, source)
		if err != nil {
			return nil, backup.NewSafetyBackupError("safety backup did not complete, restore aborted before any write", err)
		}
		rs.SafetyBackupID = safetyID
	}

	scratch := r.scratchDir("restore", rs.ID)
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			r.logger.WithContext(ctx).WithField("path", scratch).Warnf("Failed to remove restore scratch directory: %v", err)
		}
	}()

	extracted, err := r.openArchive(ctx, source, scratch)
	if err != nil {
		return nil, err
	}

	current, err := r.discoverer.Discover(ctx)
	if err != nil {
		return nil, err
	}

	report, err := r.restorer.Execute(ctx, extracted.Dir, extracted.Manifest, current, backup.RestoreOptions{
		Org:        org,
		Categories: rs.Categories,
		Strategy:   rs.Strategy,
	})
	if err != nil {
		return nil, err
	}

	r.restoreFiles(ctx, extracted)
	return report, nil
}

// restorable checks that source can be restored into org. A backup past its
// expiry is refused even before the sweep removes its file.
func restorable(source *backup.Backup, orgID string, now time.Time) error {
	if source.OrgID != orgID {
		return backup.NewBackupError(backup.BackupErrorTypeTenantScope,
			fmt.Sprintf("backup %s belongs to another organization", source.ID), nil)
	}
	if source.Status != backup.BackupStatusCompleted || source.DeletionState != backup.DeletionActive || source.FilePath == "" {
		return backup.NewValidationError(fmt.Sprintf("backup %s is not available for restore (status %s, %s)",
			source.ID, source.Status, source.DeletionState), nil)
	}
	if source.IsExpired(now) {
		return backup.NewValidationError(fmt.Sprintf("backup %s expired at %s", source.ID,
			source.ExpiresAt.Format(time.RFC3339)), nil)
	}
	return nil
}

// runSafetyBackup takes a pre-restore backup of the categories about to be
// restored and runs it to completion in the calling job
func (r *Runner) runSafetyBackup(ctx context.Context, org backup.OrgID, rs *backup.Restore, source *backup.Backup) (string, error) {
	safety := backup.NewBackup(org, backup.BackupTypePreRestore, source.StorageDisk, rs.Categories, r.now())
	safety.Name = fmt.Sprintf("Safety backup before %s", rs.Code)
	safety.CreatedBy = rs.CreatedBy
	safety.Encrypted = source.Encrypted
	safety.EncryptionKeyID = source.EncryptionKeyID

	if err := r.store.Backups.Create(ctx, safety); err != nil {
		return "", err
	}
	r.audit(ctx, safety.OrgID, backup.AuditBackupCreated, backup.EntityBackup, safety.ID, map[string]interface{}{
		"type":       string(safety.Type),
		"restore_id": rs.ID,
	})
	if err := r.store.Restores.SetSafetyBackup(ctx, rs.ID, safety.ID, r.now()); err != nil {
		return "", err
	}

	if err := r.ProcessBackup(ctx, safety.ID, 1); err != nil {
		return safety.ID, err
	}
	done, err := r.store.Backups.Get(ctx, safety.ID)
	if err != nil {
		return safety.ID, err
	}
	if done.Status != backup.BackupStatusCompleted {
		return safety.ID, fmt.Errorf("safety backup %s ended in status %s", safety.ID, done.Status)
	}
	return safety.ID, nil
}

// openArchive downloads, decrypts and unpacks the archive of b into dir. The
// unpacked archive is verified against its manifest and recorded checksum.
func (r *Runner) openArchive(ctx context.Context, b *backup.Backup, dir string) (*backup.ExtractResult, error) {
	local, err := r.fetchArchive(ctx, b, dir)
	if err != nil {
		return nil, err
	}

	extracted, err := r.packager.ExtractPackage(ctx, local, filepath.Join(dir, "content"), b.Checksum)
	if err != nil {
		return nil, err
	}
	if !extracted.Success {
		problems := make([]string, 0, len(extracted.VerificationErrors))
		for _, v := range extracted.VerificationErrors {
			problems = append(problems, fmt.Sprintf("%s: %s", v.File, v.Message))
		}
		return nil, backup.NewCorruptionError("archive verification failed: "+strings.Join(problems, "; "), nil).
			WithContext("verification_errors", extracted.VerificationErrors)
	}
	return extracted, nil
}

// fetchArchive downloads the archive of b into dir and returns the path of
// the plaintext archive
func (r *Runner) fetchArchive(ctx context.Context, b *backup.Backup, dir string) (string, error) {
	disk, err := r.disks.Disk(b.StorageDisk)
	if err != nil {
		return "", err
	}

	local := filepath.Join(dir, path.Base(b.FilePath))
	if _, err := backup.FetchFromStorage(ctx, disk, b.FilePath, local); err != nil {
		return "", err
	}
	if !b.Encrypted {
		return local, nil
	}

	plain, err := r.encryption.Decrypt(ctx, local, b.EncryptionKeyID)
	if err != nil {
		return "", err
	}
	if err := os.Remove(local); err != nil {
		return "", backup.NewStorageError("failed to remove encrypted download", err)
	}
	return plain.OutputPath, nil
}

// restoreFiles copies archived files back below the file source root. Files
// that already exist are left untouched. Errors are logged only.
func (r *Runner) restoreFiles(ctx context.Context, extracted *backup.ExtractResult) {
	if r.files.SourceRoot == "" || len(extracted.Manifest.Files) == 0 {
		return
	}

	restored := 0
	for _, f := range extracted.Manifest.Files {
		if ctx.Err() != nil {
			return
		}
		target := filepath.Join(r.files.SourceRoot, filepath.FromSlash(f.Path))
		if _, err := os.Stat(target); err == nil {
			continue
		}
		src := filepath.Join(extracted.Dir, "files", filepath.FromSlash(f.Path))
		if err := copyFile(src, target); err != nil {
			r.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"path":  f.Path,
				"error": err.Error(),
			}).Warn("Failed to restore file")
			continue
		}
		restored++
	}

	r.logger.WithContext(ctx).WithField("files", restored).Debug("Archived files restored")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// failRestore records a failed restore and returns cause
func (r *Runner) failRestore(ctx context.Context, rs *backup.Restore, cause error, elapsed time.Duration) error {
	ctx = context.WithoutCancel(ctx)
	now := r.now()

	if _, err := r.store.Restores.Fail(ctx, rs.ID, cause.Error(), now); err != nil {
		r.logger.WithContext(ctx).WithField("restore_id", rs.ID).Errorf("Failed to mark restore failed: %v", err)
	}
	rs.Status = backup.RestoreStatusFailed
	rs.ErrorMessage = cause.Error()

	r.logger.LogJobTransition(ctx, "restore", rs.ID, string(backup.RestoreStatusProcessing), string(backup.RestoreStatusFailed), cause)
	r.audit(ctx, rs.OrgID, backup.AuditRestoreFailed, backup.EntityRestore, rs.ID, map[string]interface{}{
		"error":            cause.Error(),
		"error_type":       string(backup.ErrorType(cause)),
		"safety_backup_id": rs.SafetyBackupID,
	})
	r.metrics.ObserveJob(string(queue.KindProcessRestore), metrics.StatusFailed, elapsed)
	r.notifier.Notify(ctx, notify.RestoreFailed(rs, cause, now))
	return cause
}
