package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupExpired_ExpiresBackups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := h.createBackup(t, CreateBackupRequest{})
	stored := h.storedFile(b)
	require.FileExists(t, stored)

	result, err := h.runner.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Expired, "retention has not passed yet")

	h.clock.Advance(31 * 24 * time.Hour)
	result, err = h.runner.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Zero(t, result.Errors)

	expired := h.backup(t, b.ID)
	assert.Equal(t, backup.BackupStatusExpired, expired.Status)
	assert.Empty(t, expired.FilePath)
	assert.Zero(t, expired.FileSize)
	assert.NoFileExists(t, stored)
	assert.Contains(t, h.auditActions(t, backup.EntityBackup, b.ID), backup.AuditBackupExpired)
}

func TestCleanupExpired_SweepsEveryPage(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.CleanupBatchSize = 2 }))
	ctx := context.Background()
	org, err := backup.NewOrgID("org-1")
	require.NoError(t, err)

	past := h.clock.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		b := backup.NewBackup(org, backup.BackupTypeManual, "local", nil, h.clock.Now())
		b.Status = backup.BackupStatusCompleted
		b.ExpiresAt = &past
		require.NoError(t, h.store.Backups.Create(ctx, b))
	}
	graceOver := h.clock.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		b := backup.NewBackup(org, backup.BackupTypeManual, "local", nil, h.clock.Now())
		require.NoError(t, h.store.Backups.Create(ctx, b))
		_, err := h.store.Backups.SoftDelete(ctx, b.ID, h.clock.Now(), graceOver)
		require.NoError(t, err)
	}

	result, err := h.runner.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Expired)
	assert.Equal(t, 3, result.HardDeletesQueued)
	assert.Zero(t, result.Errors)

	assert.Zero(t, h.count(t, `SELECT COUNT(*) FROM org_backups WHERE status = 'completed'`))
	assert.Equal(t, 5, h.count(t, `SELECT COUNT(*) FROM org_backups`), "hard-deleted records are gone")
}

func TestCleanupExpired_RemovesOldOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	kept := h.createBackup(t, CreateBackupRequest{})
	orphan := filepath.Join(h.diskRoot, "backups", "org-9", "BKUP-20240101-000000-ABCDEF.tar.zst")
	require.NoError(t, os.MkdirAll(filepath.Dir(orphan), 0750))
	require.NoError(t, os.WriteFile(orphan, []byte("left behind"), 0640))
	unrelated := filepath.Join(h.diskRoot, "exports", "report.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(unrelated), 0750))
	require.NoError(t, os.WriteFile(unrelated, []byte("a,b"), 0640))

	result, err := h.runner.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.OrphansRemoved, "young files may belong to a running backup")
	assert.FileExists(t, orphan)

	h.clock.Advance(72 * time.Hour)
	result, err = h.runner.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrphansRemoved)
	assert.NoFileExists(t, orphan)
	assert.FileExists(t, h.storedFile(kept))
	assert.FileExists(t, unrelated, "only the archive prefix is scanned")
}

func TestCleanupExpired_RemovesStaleStaging(t *testing.T) {
	h := newHarness(t)

	stale := filepath.Join(h.runner.Config().StagingDir, "crashed-run")
	require.NoError(t, os.MkdirAll(stale, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "data.json"), []byte("{}"), 0640))

	h.clock.Advance(25 * time.Hour)
	result, err := h.runner.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.StagingRemoved)
	assert.NoDirExists(t, stale)
}

func TestCleanupExpired_HardDeletesAfterGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := h.createBackup(t, CreateBackupRequest{})
	stored := h.storedFile(b)

	deleted, err := h.runner.SoftDeleteBackup(ctx, b.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, backup.DeletionSoftDeleted, deleted.DeletionState)
	assert.FileExists(t, stored, "the file survives the grace period")

	result, err := h.runner.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.HardDeletesQueued)

	h.clock.Advance(8 * 24 * time.Hour)
	result, err = h.runner.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.HardDeletesQueued)

	_, err = h.store.Backups.Get(ctx, b.ID)
	assert.Equal(t, backup.BackupErrorTypeNotFound, backup.ErrorType(err))
	assert.NoFileExists(t, stored)
}

func TestCleanupExpired_QueuesHardDeletes(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	h := newHarness(t, withDispatcher(dispatcher))
	ctx := context.Background()

	org, err := backup.NewOrgID("org-1")
	require.NoError(t, err)
	b := backup.NewBackup(org, backup.BackupTypeManual, "local", nil, h.clock.Now())
	require.NoError(t, h.store.Backups.Create(ctx, b))
	_, err = h.runner.SoftDeleteBackup(ctx, b.ID, "user-1")
	require.NoError(t, err)

	h.clock.Advance(8 * 24 * time.Hour)
	result, err := h.runner.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.HardDeletesQueued)
	assert.Equal(t, []dispatched{{kind: queue.KindDeleteFiles, recordID: b.ID}}, dispatcher.jobs)
}

func TestDeleteFiles_UndeletedBackupIsKept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := h.createBackup(t, CreateBackupRequest{})
	_, err := h.runner.SoftDeleteBackup(ctx, b.ID, "user-1")
	require.NoError(t, err)
	restored, err := h.runner.UndeleteBackup(ctx, b.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, backup.DeletionActive, restored.DeletionState)
	assert.Nil(t, restored.HardDeleteAfter)

	h.clock.Advance(8 * 24 * time.Hour)
	require.NoError(t, h.runner.DeleteFiles(ctx, b.ID))

	kept := h.backup(t, b.ID)
	assert.Equal(t, backup.DeletionActive, kept.DeletionState)
	assert.FileExists(t, h.storedFile(kept))
	assert.ElementsMatch(t, []string{
		backup.AuditBackupCreated, backup.AuditBackupStarted, backup.AuditBackupCompleted,
		backup.AuditBackupSoftDeleted, backup.AuditBackupUndeleted,
	}, h.auditActions(t, backup.EntityBackup, b.ID))
}

func TestDeleteFiles_UndeleteDuringFileDeleteIsRefused(t *testing.T) {
	hooks := &hookedDisks{}
	h := newHarness(t, withDisks(func(d Disks) Disks {
		hooks.Disks = d
		return hooks
	}))
	ctx := context.Background()

	b := h.createBackup(t, CreateBackupRequest{})
	_, err := h.runner.SoftDeleteBackup(ctx, b.ID, "user-1")
	require.NoError(t, err)
	h.clock.Advance(8 * 24 * time.Hour)

	var undeleteErr error
	hooks.beforeDelete = func(string) {
		_, undeleteErr = h.runner.UndeleteBackup(ctx, b.ID, "user-2")
	}
	require.NoError(t, h.runner.DeleteFiles(ctx, b.ID))

	require.Error(t, undeleteErr)
	assert.Equal(t, backup.BackupErrorTypeConflict, backup.ErrorType(undeleteErr))
	_, err = h.store.Backups.Get(ctx, b.ID)
	assert.Equal(t, backup.BackupErrorTypeNotFound, backup.ErrorType(err))
	assert.NoFileExists(t, h.storedFile(b))
}

func TestDeleteFiles_ResumesClaimedDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := h.createBackup(t, CreateBackupRequest{})
	_, err := h.runner.SoftDeleteBackup(ctx, b.ID, "")
	require.NoError(t, err)
	h.clock.Advance(8 * 24 * time.Hour)
	claimed, err := h.store.Backups.ClaimHardDelete(ctx, b.ID, h.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	result, err := h.runner.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.HardDeletesQueued)

	_, err = h.store.Backups.Get(ctx, b.ID)
	assert.Equal(t, backup.BackupErrorTypeNotFound, backup.ErrorType(err))
	assert.NoFileExists(t, h.storedFile(b))
}

func TestDeleteFiles_NotDueYet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := h.createBackup(t, CreateBackupRequest{})
	_, err := h.runner.SoftDeleteBackup(ctx, b.ID, "")
	require.NoError(t, err)

	require.NoError(t, h.runner.DeleteFiles(ctx, b.ID))
	assert.Equal(t, backup.DeletionSoftDeleted, h.backup(t, b.ID).DeletionState)
	assert.FileExists(t, h.storedFile(b))
}

func TestDeleteFiles_MissingBackup(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.runner.DeleteFiles(context.Background(), "5b0e7a4e-8b1d-4d4e-9d43-1f4bcb1e1f00"))
}

func TestSoftDeleteBackup_Conflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := h.createBackup(t, CreateBackupRequest{})
	_, err := h.runner.SoftDeleteBackup(ctx, b.ID, "")
	require.NoError(t, err)

	_, err = h.runner.SoftDeleteBackup(ctx, b.ID, "")
	assert.Equal(t, backup.BackupErrorTypeConflict, backup.ErrorType(err))

	_, err = h.runner.UndeleteBackup(ctx, b.ID, "")
	require.NoError(t, err)
	_, err = h.runner.UndeleteBackup(ctx, b.ID, "")
	assert.Equal(t, backup.BackupErrorTypeConflict, backup.ErrorType(err))
}
