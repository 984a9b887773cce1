package jobs

import (
	"context"
	"fmt"
	"time"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/queue"
)

// RollbackRestore undoes a completed restore by restoring its safety backup
// with the replace strategy. The rollback is itself a restore record and is
// processed like any other. Only available while the rollback window of the
// restore is open.
func (r *Runner) RollbackRestore(ctx context.Context, req RollbackRestoreRequest) (rollback *backup.Restore, err error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	done := r.logger.LogOperationStart(ctx, "rollback_restore", map[string]interface{}{
		"restore_id": req.RestoreID,
	})
	defer func() { done(err) }()

	rs, err := r.store.Restores.Get(ctx, req.RestoreID)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	if err := rollbackable(rs, now); err != nil {
		return nil, err
	}

	safety, err := r.store.Backups.Get(ctx, rs.SafetyBackupID)
	if err != nil {
		return nil, err
	}
	if err := restorable(safety, rs.OrgID, now); err != nil {
		return nil, err
	}
	org, err := backup.NewOrgID(rs.OrgID)
	if err != nil {
		return nil, err
	}

	rollback = backup.NewRestore(org, safety.ID, rs.Categories, backup.ConflictReplace, false, now)
	rollback.CreatedBy = req.CreatedBy

	marked, err := r.store.Restores.MarkRolledBack(ctx, rs.ID, rollback.ID, now)
	if err != nil {
		return nil, err
	}
	if !marked {
		return nil, backup.NewConflictError(fmt.Sprintf("restore %s can no longer be rolled back", rs.ID), nil)
	}
	if err := r.store.Restores.Create(ctx, rollback); err != nil {
		if _, uerr := r.store.Restores.UnmarkRolledBack(context.WithoutCancel(ctx), rs.ID, r.now()); uerr != nil {
			r.logger.WithContext(ctx).WithField("restore_id", rs.ID).Errorf("Failed to reopen restore for rollback: %v", uerr)
		}
		return nil, err
	}

	r.logger.LogJobTransition(ctx, "restore", rs.ID, string(backup.RestoreStatusCompleted), string(backup.RestoreStatusRolledBack), nil)
	r.audit(ctx, rs.OrgID, backup.AuditRestoreRolledBack, backup.EntityRestore, rs.ID, map[string]interface{}{
		"rollback_restore_id": rollback.ID,
		"safety_backup_id":    safety.ID,
		"created_by":          rollback.CreatedBy,
	})
	r.audit(ctx, rollback.OrgID, backup.AuditRestoreCreated, backup.EntityRestore, rollback.ID, map[string]interface{}{
		"backup_id":   safety.ID,
		"backup_code": safety.Code,
		"strategy":    string(rollback.Strategy),
		"categories":  rollback.Categories,
		"rollback_of": rs.ID,
		"created_by":  rollback.CreatedBy,
	})

	if err := r.dispatch(ctx, queue.KindProcessRestore, rollback.ID); err != nil {
		return rollback, err
	}
	if reloaded, err := r.store.Restores.Get(ctx, rollback.ID); err == nil {
		return reloaded, nil
	}
	return rollback, nil
}

// rollbackable checks that rs completed with a safety backup and that its
// rollback window is still open at now
func rollbackable(rs *backup.Restore, now time.Time) error {
	switch {
	case rs.InFlight():
		return backup.NewConflictError(fmt.Sprintf("restore %s has not finished (status %s)", rs.ID, rs.Status), nil)
	case rs.Status == backup.RestoreStatusRolledBack:
		return backup.NewConflictError(fmt.Sprintf("restore %s was already rolled back by %s", rs.ID, rs.RolledBackBy), nil)
	case rs.Status != backup.RestoreStatusCompleted:
		return backup.NewConflictError(fmt.Sprintf("restore %s cannot be rolled back (status %s)", rs.ID, rs.Status), nil)
	case rs.SafetyBackupID == "":
		return backup.NewValidationError(fmt.Sprintf("restore %s has no safety backup to roll back to", rs.ID), nil)
	case rs.RollbackExpiresAt == nil || now.After(*rs.RollbackExpiresAt):
		return backup.NewConflictError(fmt.Sprintf("rollback window of restore %s has closed", rs.ID), nil)
	}
	return nil
}
