package jobs

import (
	"context"
	"os"

	"org-backup-engine/internal/backup"

	"github.com/google/uuid"
)

// AnalyzeResult previews a restore of a backup into an organization
type AnalyzeResult struct {
	BackupID   string `json:"backup_id"`
	BackupCode string `json:"backup_code"`
	OrgID      string `json:"org_id"`
	// InFlightRestoreID is set when a restore of the backup is already
	// pending or processing
	InFlightRestoreID string                  `json:"in_flight_restore_id,omitempty"`
	Analysis          *backup.RestoreAnalysis `json:"analysis"`
}

// AnalyzeRestore opens the archive of a backup and counts which of its
// records are new, unchanged or conflicting in the organization. Nothing is
// written.
func (r *Runner) AnalyzeRestore(ctx context.Context, req AnalyzeRestoreRequest) (result *AnalyzeResult, err error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	done := r.logger.LogOperationStart(ctx, "analyze_restore", map[string]interface{}{
		"backup_id":  req.BackupID,
		"categories": req.Categories,
	})
	defer func() { done(err) }()

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

	result = &AnalyzeResult{BackupID: source.ID, BackupCode: source.Code, OrgID: org.String()}
	running, err := r.store.Restores.InFlightForBackup(ctx, org.String(), source.ID)
	if err != nil {
		return nil, err
	}
	if len(running) > 0 {
		result.InFlightRestoreID = running[0].ID
	}

	scratch := r.scratchDir("analyze", source.ID+"-"+uuid.New().String()[:8])
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			r.logger.WithContext(ctx).WithField("path", scratch).Warnf("Failed to remove analyze scratch directory: %v", err)
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

	result.Analysis, err = r.restorer.Analyze(ctx, extracted.Dir, extracted.Manifest, current, backup.RestoreOptions{
		Org:        org,
		Categories: req.Categories,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
