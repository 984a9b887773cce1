package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/metrics"
	"org-backup-engine/internal/notify"
	"org-backup-engine/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessRestore_RoundTrip(t *testing.T) {
	for _, encrypt := range []bool{false, true} {
		name := "plain"
		if encrypt {
			name = "encrypted"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()

			source := h.createBackup(t, CreateBackupRequest{Encrypt: encrypt})
			require.Equal(t, backup.BackupStatusCompleted, source.Status)

			h.exec(t,
				`DELETE FROM ad_sets WHERE org_id = 'org-1'`,
				`DELETE FROM campaigns WHERE org_id = 'org-1'`,
				`UPDATE audience_segments SET name = 'Renamed' WHERE id = 20`,
			)
			require.NoError(t, os.Remove(filepath.Join(h.sourceRoot, "campaigns", "1.png")))

			rs, err := h.runner.CreateRestore(ctx, CreateRestoreRequest{
				BackupID: source.ID,
				Strategy: "replace",
			})
			require.NoError(t, err)

			assert.Equal(t, backup.RestoreStatusCompleted, rs.Status)
			require.NotNil(t, rs.Report)
			assert.Equal(t, 3, rs.Report.Restored)
			assert.Equal(t, 1, rs.Report.Updated)
			assert.Zero(t, rs.Report.ErrorCount)
			require.NotNil(t, rs.CompletedAt)
			require.NotNil(t, rs.RollbackExpiresAt)
			assert.Equal(t, 24*time.Hour, rs.RollbackExpiresAt.Sub(*rs.CompletedAt))

			assert.Equal(t, 2, h.count(t, `SELECT COUNT(*) FROM campaigns WHERE org_id = 'org-1'`))
			assert.Equal(t, 1, h.count(t, `SELECT COUNT(*) FROM ad_sets WHERE org_id = 'org-1'`))
			assert.Equal(t, 1, h.count(t, `SELECT COUNT(*) FROM audience_segments WHERE name = 'Lookalikes'`))
			assert.Equal(t, 1, h.count(t, `SELECT COUNT(*) FROM campaigns WHERE org_id = 'org-2'`), "other tenants are untouched")

			restored, err := os.ReadFile(filepath.Join(h.sourceRoot, "campaigns", "1.png"))
			require.NoError(t, err)
			assert.Equal(t, "png-bytes", string(restored))

			assert.ElementsMatch(t, []string{backup.AuditRestoreCreated, backup.AuditRestoreStarted, backup.AuditRestoreCompleted},
				h.auditActions(t, backup.EntityRestore, rs.ID))
			assert.Contains(t, h.notifier.kinds(), notify.KindRestoreCompleted)
			assert.Equal(t, 1.0, jobCount(t, h.metrics, string(queue.KindProcessRestore), metrics.StatusCompleted))

			_, err = os.Stat(h.runner.scratchDir("restore", rs.ID))
			assert.True(t, os.IsNotExist(err), "scratch directory is removed")
		})
	}
}

func TestProcessRestore_DefaultStrategySkipsExisting(t *testing.T) {
	h := newHarness(t)

	source := h.createBackup(t, CreateBackupRequest{})
	h.exec(t, `UPDATE campaigns SET name = 'Changed' WHERE id = 2`)

	rs, err := h.runner.CreateRestore(context.Background(), CreateRestoreRequest{BackupID: source.ID})
	require.NoError(t, err)

	assert.Equal(t, backup.ConflictSkip, rs.Strategy)
	assert.Equal(t, backup.RestoreStatusCompleted, rs.Status)
	assert.Equal(t, 0, rs.Report.Restored)
	assert.Equal(t, 4, rs.Report.Skipped)
	assert.Equal(t, 1, h.count(t, `SELECT COUNT(*) FROM campaigns WHERE name = 'Changed'`))
}

func TestProcessRestore_SafetyBackupRunsFirst(t *testing.T) {
	h := newHarness(t)

	source := h.createBackup(t, CreateBackupRequest{Encrypt: true})
	h.exec(t, `INSERT INTO audience_segments VALUES (21, 'org-1', 'Added later', '2024-04-01 00:00:00')`)

	rs, err := h.runner.CreateRestore(context.Background(), CreateRestoreRequest{
		BackupID:           source.ID,
		Categories:         []string{"audiences"},
		CreateSafetyBackup: true,
	})
	require.NoError(t, err)
	require.Equal(t, backup.RestoreStatusCompleted, rs.Status)
	require.NotEmpty(t, rs.SafetyBackupID)

	safety := h.backup(t, rs.SafetyBackupID)
	assert.Equal(t, backup.BackupTypePreRestore, safety.Type)
	assert.Equal(t, backup.BackupStatusCompleted, safety.Status)
	assert.Equal(t, []string{"audiences"}, safety.Categories)
	assert.True(t, safety.Encrypted, "the safety backup keeps the encryption of its source")
	assert.Equal(t, int64(2), safety.Summary.TotalRecords, "the safety backup sees the current data")
}

func TestProcessRestore_SafetyBackupFailureAbortsBeforeWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	source := h.createBackup(t, CreateBackupRequest{Encrypt: true})
	h.exec(t, `DELETE FROM ad_sets WHERE org_id = 'org-1'`)

	// the key is gone by the time the restore runs
	h.runner.encryption = backup.NewEncryptionService(backup.StaticKeyResolver{}, 0)

	rs, err := h.runner.CreateRestore(ctx, CreateRestoreRequest{BackupID: source.ID, CreateSafetyBackup: true})
	require.Error(t, err)
	assert.Equal(t, backup.BackupErrorTypeSafetyBackup, backup.ErrorType(err))

	stored, getErr := h.store.Restores.Get(ctx, rs.ID)
	require.NoError(t, getErr)
	assert.Equal(t, backup.RestoreStatusFailed, stored.Status)
	assert.NotEmpty(t, stored.SafetyBackupID)
	assert.Equal(t, backup.BackupStatusFailed, h.backup(t, stored.SafetyBackupID).Status)
	assert.Equal(t, 0, h.count(t, `SELECT COUNT(*) FROM ad_sets WHERE org_id = 'org-1'`), "nothing was restored")
	assert.Contains(t, h.notifier.kinds(), notify.KindRestoreFailed)
}

func TestProcessRestore_CorruptedArchive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	source := h.createBackup(t, CreateBackupRequest{})
	require.NoError(t, os.WriteFile(h.storedFile(source), []byte("not an archive"), 0640))
	h.exec(t, `DELETE FROM ad_sets WHERE org_id = 'org-1'`)

	rs, err := h.runner.CreateRestore(ctx, CreateRestoreRequest{BackupID: source.ID})
	require.Error(t, err)
	assert.True(t, backup.IsCorrupted(err))

	stored, getErr := h.store.Restores.Get(ctx, rs.ID)
	require.NoError(t, getErr)
	assert.Equal(t, backup.RestoreStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "checksum")
	assert.Equal(t, 0, h.count(t, `SELECT COUNT(*) FROM ad_sets WHERE org_id = 'org-1'`))
}

func TestCreateRestore_RejectsOtherOrganization(t *testing.T) {
	h := newHarness(t)

	source := h.createBackup(t, CreateBackupRequest{})

	_, err := h.runner.CreateRestore(context.Background(), CreateRestoreRequest{
		OrgID:    "org-2",
		BackupID: source.ID,
	})
	require.Error(t, err)
	assert.Equal(t, backup.BackupErrorTypeTenantScope, backup.ErrorType(err))
}

func TestCreateRestore_RequiresCompletedBackup(t *testing.T) {
	h := newHarness(t, withDispatcher(&recordingDispatcher{}))

	pending, err := h.runner.CreateBackup(context.Background(), CreateBackupRequest{OrgID: "org-1"})
	require.NoError(t, err)

	_, err = h.runner.CreateRestore(context.Background(), CreateRestoreRequest{BackupID: pending.ID})
	require.Error(t, err)
	assert.Equal(t, backup.BackupErrorTypeValidation, backup.ErrorType(err))
}

func TestProcessRestore_NotPendingIsSkipped(t *testing.T) {
	h := newHarness(t)

	source := h.createBackup(t, CreateBackupRequest{})
	rs, err := h.runner.CreateRestore(context.Background(), CreateRestoreRequest{BackupID: source.ID})
	require.NoError(t, err)

	require.NoError(t, h.runner.ProcessRestore(context.Background(), rs.ID))
	assert.Equal(t, 1.0, jobCount(t, h.metrics, string(queue.KindProcessRestore), metrics.StatusSkipped))
}

func TestVerifyBackup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := h.createBackup(t, CreateBackupRequest{Encrypt: true})

	result, err := h.runner.VerifyBackup(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, []string{"audiences", "campaigns"}, result.Categories)
	assert.Equal(t, 3, result.Tables)
	assert.Equal(t, 1, result.Files)

	plain := h.createBackup(t, CreateBackupRequest{})
	require.NoError(t, os.WriteFile(h.storedFile(plain), []byte("tampered"), 0640))

	result, err = h.runner.VerifyBackup(ctx, plain.ID)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.Len(t, result.VerificationErrors, 1)
	assert.Equal(t, "archive checksum mismatch", result.VerificationErrors[0].Message)
}
