package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/queue"

	"github.com/google/uuid"
)

// CreateBackup records a pending manual backup and queues it
func (r *Runner) CreateBackup(ctx context.Context, req CreateBackupRequest) (*backup.Backup, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	org, err := backup.NewOrgID(req.OrgID)
	if err != nil {
		return nil, err
	}

	disk := req.Disk
	if disk == "" {
		disk = r.disks.DefaultDisk()
	}
	if _, err := r.disks.Disk(disk); err != nil {
		return nil, err
	}

	b := backup.NewBackup(org, backup.BackupTypeManual, disk, req.Categories, r.now())
	if req.Name != "" {
		b.Name = req.Name
	}
	b.Description = req.Description
	b.CreatedBy = req.CreatedBy
	if req.Encrypt {
		b.Encrypted = true
		b.EncryptionKeyID = req.KeyID
		if b.EncryptionKeyID == "" {
			b.EncryptionKeyID = r.keyID
		}
		if b.EncryptionKeyID == "" {
			return nil, backup.NewValidationError("encryption requested but no key id is configured", nil)
		}
	}

	if err := r.store.Backups.Create(ctx, b); err != nil {
		return nil, err
	}
	r.audit(ctx, b.OrgID, backup.AuditBackupCreated, backup.EntityBackup, b.ID, map[string]interface{}{
		"type":       string(b.Type),
		"categories": b.Categories,
		"disk":       b.StorageDisk,
		"encrypted":  b.Encrypted,
		"created_by": b.CreatedBy,
	})

	if err := r.dispatch(ctx, queue.KindProcessBackup, b.ID); err != nil {
		return b, err
	}
	return r.reloadBackup(ctx, b)
}

// CreateRestore records a pending restore of a completed backup and queues it
func (r *Runner) CreateRestore(ctx context.Context, req CreateRestoreRequest) (*backup.Restore, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	source, err := r.store.Backups.Get(ctx, req.BackupID)
	if err != nil {
		return nil, err
	}
	orgID := req.OrgID
	if orgID == "" {
		orgID = source.OrgID
	}
	org, err := backup.NewOrgID(orgID)
	if err != nil {
		return nil, err
	}
	if err := restorable(source, org.String(), r.now()); err != nil {
		return nil, err
	}
	if err := r.ensureNoRestoreInFlight(ctx, org.String(), source.ID); err != nil {
		return nil, err
	}

	strategy := r.config.DefaultStrategy
	if req.Strategy != "" {
		if strategy, err = backup.ParseConflictStrategy(req.Strategy); err != nil {
			return nil, err
		}
	}

	rs := backup.NewRestore(org, source.ID, req.Categories, strategy, req.CreateSafetyBackup, r.now())
	rs.CreatedBy = req.CreatedBy
	if err := r.store.Restores.Create(ctx, rs); err != nil {
		return nil, err
	}
	r.audit(ctx, rs.OrgID, backup.AuditRestoreCreated, backup.EntityRestore, rs.ID, map[string]interface{}{
		"backup_id":     source.ID,
		"backup_code":   source.Code,
		"strategy":      string(rs.Strategy),
		"categories":    rs.Categories,
		"safety_backup": rs.CreateSafetyBackup,
		"created_by":    rs.CreatedBy,
	})

	if err := r.dispatch(ctx, queue.KindProcessRestore, rs.ID); err != nil {
		return rs, err
	}
	if reloaded, err := r.store.Restores.Get(ctx, rs.ID); err == nil {
		return reloaded, nil
	}
	return rs, nil
}

// ensureNoRestoreInFlight refuses a second restore of a backup while one is
// pending or processing
func (r *Runner) ensureNoRestoreInFlight(ctx context.Context, orgID, backupID string) error {
	running, err := r.store.Restores.InFlightForBackup(ctx, orgID, backupID)
	if err != nil {
		return err
	}
	if len(running) > 0 {
		return backup.NewConflictError(fmt.Sprintf("restore %s of backup %s is already %s",
			running[0].Code, backupID, running[0].Status), nil).WithContext("restore_id", running[0].ID)
	}
	return nil
}

// CreateSchedule stores an active schedule with its first run computed
func (r *Runner) CreateSchedule(ctx context.Context, req CreateScheduleRequest) (*backup.Schedule, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if _, err := backup.NewOrgID(req.OrgID); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	s := &backup.Schedule{
		ID:            uuid.New().String(),
		OrgID:         req.OrgID,
		Name:          req.Name,
		Frequency:     backup.Frequency(req.Frequency),
		TimeOfDay:     req.TimeOfDay,
		Timezone:      req.Timezone,
		DayOfWeek:     req.DayOfWeek,
		DayOfMonth:    req.DayOfMonth,
		Categories:    req.Categories,
		StorageDisk:   req.Disk,
		RetentionDays: backup.DefaultRetentionDays,
		MaxBackups:    backup.DefaultMaxBackups,
		Encrypt:       req.Encrypt,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if s.Name == "" {
		s.Name = fmt.Sprintf("%s backup", s.Frequency)
	}
	if s.TimeOfDay == "" {
		s.TimeOfDay = backup.DefaultTimeOfDay
	}
	if s.Timezone == "" {
		s.Timezone = backup.DefaultTimezone
	}
	if s.StorageDisk == "" {
		s.StorageDisk = r.disks.DefaultDisk()
	}
	if req.RetentionDays != nil {
		s.RetentionDays = *req.RetentionDays
	}
	if req.MaxBackups != nil {
		s.MaxBackups = *req.MaxBackups
	}
	if s.Encrypt {
		s.EncryptionKeyID = req.KeyID
		if s.EncryptionKeyID == "" {
			s.EncryptionKeyID = r.keyID
		}
		if s.EncryptionKeyID == "" {
			return nil, backup.NewValidationError("encryption requested but no key id is configured", nil)
		}
	}
	if _, err := r.disks.Disk(s.StorageDisk); err != nil {
		return nil, err
	}
	if err := backup.ValidateSchedule(s); err != nil {
		return nil, err
	}

	next, err := backup.NextRun(s, now)
	if err != nil {
		return nil, err
	}
	s.NextRunAt = &next

	if err := r.store.Schedules.Create(ctx, s); err != nil {
		return nil, err
	}
	r.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"schedule_id": s.ID,
		"org_id":      s.OrgID,
		"frequency":   string(s.Frequency),
		"next_run_at": next,
	}).Info("Backup schedule created")
	return s, nil
}

// SoftDeleteBackup starts the two-phase delete of a backup. The file stays
// on its disk until the grace period is over.
func (r *Runner) SoftDeleteBackup(ctx context.Context, id, actor string) (*backup.Backup, error) {
	b, err := r.store.Backups.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	hardDeleteAfter := now.Add(r.config.SoftDeleteGrace)
	deleted, err := r.store.Backups.SoftDelete(ctx, id, now, hardDeleteAfter)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, backup.NewConflictError(fmt.Sprintf("backup %s cannot be deleted (status %s, %s)",
			id, b.Status, b.DeletionState), nil)
	}

	r.logger.LogJobTransition(ctx, "backup", id, string(backup.DeletionActive), string(backup.DeletionSoftDeleted), nil)
	r.audit(ctx, b.OrgID, backup.AuditBackupSoftDeleted, backup.EntityBackup, id, map[string]interface{}{
		"reason":            "requested",
		"actor":             actor,
		"hard_delete_after": hardDeleteAfter,
	})
	return r.reloadBackup(ctx, b)
}

// UndeleteBackup cancels a pending hard delete
func (r *Runner) UndeleteBackup(ctx context.Context, id, actor string) (*backup.Backup, error) {
	b, err := r.store.Backups.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	restored, err := r.store.Backups.Undelete(ctx, id, r.now())
	if err != nil {
		return nil, err
	}
	if !restored {
		return nil, backup.NewConflictError(fmt.Sprintf("backup %s is not soft-deleted", id), nil)
	}

	r.logger.LogJobTransition(ctx, "backup", id, string(backup.DeletionSoftDeleted), string(backup.DeletionActive), nil)
	r.audit(ctx, b.OrgID, backup.AuditBackupUndeleted, backup.EntityBackup, id, map[string]interface{}{
		"actor": actor,
	})
	return r.reloadBackup(ctx, b)
}

// VerifyResult reports the integrity of a stored archive
type VerifyResult struct {
	BackupID           string                     `json:"backup_id"`
	Valid              bool                       `json:"valid"`
	Categories         []string                   `json:"categories,omitempty"`
	Tables             int                        `json:"tables"`
	Files              int                        `json:"files"`
	VerificationErrors []backup.VerificationError `json:"verification_errors,omitempty"`
}

// VerifyBackup downloads, decrypts and unpacks the archive of a completed
// backup and checks it against its manifest without restoring anything
func (r *Runner) VerifyBackup(ctx context.Context, id string) (*VerifyResult, error) {
	b, err := r.store.Backups.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != backup.BackupStatusCompleted || b.FilePath == "" {
		return nil, backup.NewValidationError(fmt.Sprintf("backup %s has no stored archive (status %s)", id, b.Status), nil)
	}

	scratch := r.scratchDir("verify", id+"-"+uuid.New().String()[:8])
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			r.logger.WithContext(ctx).WithField("path", scratch).Warnf("Failed to remove verify scratch directory: %v", err)
		}
	}()

	local, err := r.fetchArchive(ctx, b, scratch)
	if err != nil {
		return nil, err
	}
	extracted, err := r.packager.ExtractPackage(ctx, local, filepath.Join(scratch, "content"), b.Checksum)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{
		BackupID:           id,
		Valid:              extracted.Success,
		VerificationErrors: extracted.VerificationErrors,
	}
	if m := extracted.Manifest; m != nil {
		result.Files = len(m.Files)
		result.Categories = m.CategoryNames()
		for _, c := range m.Categories {
			result.Tables += len(c.Tables)
		}
	}

	r.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"backup_id": id,
		"valid":     result.Valid,
		"problems":  len(result.VerificationErrors),
	}).Info("Backup archive verified")
	return result, nil
}

func (r *Runner) reloadBackup(ctx context.Context, b *backup.Backup) (*backup.Backup, error) {
	reloaded, err := r.store.Backups.Get(ctx, b.ID)
	if err != nil {
		return b, nil
	}
	return reloaded, nil
}
