package jobs

import (
	"context"
	"fmt"
	"time"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/metrics"
	"org-backup-engine/internal/queue"
	"org-backup-engine/internal/store"
)

// ScheduleRunResult reports one scheduler pass
type ScheduleRunResult struct {
	Due       int      `json:"due"`
	Triggered []string `json:"triggered"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Pruned    int      `json:"pruned"`
}

// RunScheduledBackups triggers a backup for every active schedule that is
// due and moves the schedule to its next slot. A schedule advanced by a
// concurrent pass is skipped.
func (r *Runner) RunScheduledBackups(ctx context.Context) (*ScheduleRunResult, error) {
	start := time.Now()
	now := r.now().UTC()

	due, err := r.store.Schedules.ListDue(ctx, now)
	if err != nil {
		r.metrics.ObserveJob(string(queue.KindScheduledBackup), metrics.StatusFailed, time.Since(start))
		return nil, err
	}
	r.metrics.SetSchedulesDue(len(due))

	result := &ScheduleRunResult{Due: len(due)}
	for _, s := range due {
		if err := ctx.Err(); err != nil {
			r.metrics.ObserveJob(string(queue.KindScheduledBackup), metrics.StatusFailed, time.Since(start))
			return result, err
		}

		backupID, err := r.triggerSchedule(ctx, s, now)
		if err != nil {
			result.Failed++
			r.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"schedule_id": s.ID,
				"org_id":      s.OrgID,
				"error":       err.Error(),
			}).Error("Scheduled backup could not be triggered")
			if recordErr := r.store.Schedules.RecordResult(ctx, s.ID, err.Error(), now); recordErr != nil {
				r.logger.WithContext(ctx).WithField("schedule_id", s.ID).Warnf("Failed to record schedule result: %v", recordErr)
			}
			continue
		}
		if backupID == "" {
			result.Skipped++
			continue
		}
		result.Triggered = append(result.Triggered, backupID)

		pruned, err := r.pruneSchedule(ctx, s, now)
		if err != nil {
			r.logger.WithContext(ctx).WithField("schedule_id", s.ID).Warnf("Failed to prune scheduled backups: %v", err)
		}
		result.Pruned += pruned
	}

	r.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"due":       result.Due,
		"triggered": len(result.Triggered),
		"skipped":   result.Skipped,
		"failed":    result.Failed,
		"pruned":    result.Pruned,
	}).Info("Scheduler pass finished")
	r.metrics.SetSchedulesDue(0)
	r.metrics.ObserveJob(string(queue.KindScheduledBackup), metrics.StatusCompleted, time.Since(start))
	return result, nil
}

// triggerSchedule claims the current slot of s and creates its backup. It
// returns an empty id when another pass claimed the slot first.
func (r *Runner) triggerSchedule(ctx context.Context, s *backup.Schedule, now time.Time) (string, error) {
	org, err := backup.NewOrgID(s.OrgID)
	if err != nil {
		return "", err
	}
	next, err := backup.NextRun(s, now)
	if err != nil {
		return "", err
	}

	disk := s.StorageDisk
	if disk == "" {
		disk = r.disks.DefaultDisk()
	}
	b := backup.NewBackup(org, backup.BackupTypeScheduled, disk, s.Categories, now)
	b.Name = fmt.Sprintf("%s %s", s.Name, now.Format("2006-01-02 15:04"))
	b.ScheduleID = s.ID
	if s.Encrypt {
		b.Encrypted = true
		b.EncryptionKeyID = s.EncryptionKeyID
		if b.EncryptionKeyID == "" {
			b.EncryptionKeyID = r.keyID
		}
	}

	advanced, err := r.store.Schedules.Advance(ctx, s, s.NextRunAt, b.ID, now, next)
	if err != nil {
		return "", err
	}
	if !advanced {
		r.logger.WithContext(ctx).WithField("schedule_id", s.ID).Debug("Schedule slot already claimed")
		return "", nil
	}

	if err := r.store.Backups.Create(ctx, b); err != nil {
		return "", err
	}
	r.audit(ctx, s.OrgID, backup.AuditScheduleTriggered, backup.EntitySchedule, s.ID, map[string]interface{}{
		"backup_id":   b.ID,
		"next_run_at": next,
	})
	r.audit(ctx, b.OrgID, backup.AuditBackupCreated, backup.EntityBackup, b.ID, map[string]interface{}{
		"type":        string(b.Type),
		"schedule_id": s.ID,
		"categories":  b.Categories,
	})

	if err := r.dispatch(ctx, queue.KindProcessBackup, b.ID); err != nil {
		// an inline run has already recorded its failure on the backup
		if r.dispatcher != nil {
			return "", err
		}
		r.logger.WithContext(ctx).WithField("backup_id", b.ID).Warnf("Scheduled backup failed: %v", err)
	}
	return b.ID, nil
}

// pruneSchedule soft-deletes the completed backups of s beyond its
// max_backups, oldest first
func (r *Runner) pruneSchedule(ctx context.Context, s *backup.Schedule, now time.Time) (int, error) {
	if s.MaxBackups <= 0 {
		return 0, nil
	}

	backups, err := r.store.Backups.List(ctx, store.BackupFilter{
		ScheduleID: s.ID,
		Status:     backup.BackupStatusCompleted,
	})
	if err != nil {
		return 0, err
	}
	if len(backups) <= s.MaxBackups {
		return 0, nil
	}

	pruned := 0
	for _, old := range backups[s.MaxBackups:] {
		deleted, err := r.store.Backups.SoftDelete(ctx, old.ID, now, now.Add(r.config.SoftDeleteGrace))
		if err != nil {
			return pruned, err
		}
		if !deleted {
			continue
		}
		pruned++
		r.audit(ctx, old.OrgID, backup.AuditBackupSoftDeleted, backup.EntityBackup, old.ID, map[string]interface{}{
			"reason":      "max_backups",
			"schedule_id": s.ID,
		})
	}
	r.metrics.CleanupAction("pruned", pruned)
	return pruned, nil
}
