package jobs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/metrics"
	"org-backup-engine/internal/notify"
	"org-backup-engine/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessBackup_CompletesAndStoresArchive(t *testing.T) {
	h := newHarness(t)

	b := h.createBackup(t, CreateBackupRequest{Name: "Before migration", CreatedBy: "user-7"})

	assert.Equal(t, backup.BackupStatusCompleted, b.Status)
	assert.Equal(t, "Before migration", b.Name)
	assert.Equal(t, 1, b.Attempts)
	assert.True(t, strings.HasPrefix(b.FilePath, "backups/org-1/"+b.Code+".tar"), b.FilePath)
	assert.NotEmpty(t, b.Checksum)
	assert.False(t, b.Encrypted)
	require.NotNil(t, b.CompletedAt)
	require.NotNil(t, b.ExpiresAt)
	assert.Equal(t, 30*24*time.Hour, b.ExpiresAt.Sub(*b.CompletedAt))
	require.NotNil(t, b.SchemaSnapshot)

	info, err := os.Stat(h.storedFile(b))
	require.NoError(t, err)
	assert.Equal(t, info.Size(), b.FileSize)

	require.NotNil(t, b.Summary)
	assert.Equal(t, int64(4), b.Summary.TotalRecords, "org-2 rows are never exported")
	assert.Equal(t, 1, b.Summary.TotalFiles)
	assert.Equal(t, int64(2), b.Summary.Categories["campaigns"].Tables["campaigns"])
	assert.Equal(t, int64(1), b.Summary.Categories["campaigns"].Tables["ad_sets"])
	assert.Equal(t, int64(1), b.Summary.Categories["audiences"].Records)

	assert.ElementsMatch(t, []string{backup.AuditBackupCreated, backup.AuditBackupStarted, backup.AuditBackupCompleted},
		h.auditActions(t, backup.EntityBackup, b.ID))
	assert.Equal(t, []notify.Kind{notify.KindBackupCompleted}, h.notifier.kinds())
	assert.Equal(t, 1.0, jobCount(t, h.metrics, string(queue.KindProcessBackup), metrics.StatusCompleted))

	entries, err := os.ReadDir(h.runner.Config().StagingDir)
	if err == nil {
		assert.Empty(t, entries, "staged files are removed after the upload")
	}
}

func TestProcessBackup_SelectedCategoriesOnly(t *testing.T) {
	h := newHarness(t)

	b := h.createBackup(t, CreateBackupRequest{Categories: []string{"audiences"}})

	require.Equal(t, backup.BackupStatusCompleted, b.Status)
	assert.Equal(t, int64(1), b.Summary.TotalRecords)
	assert.Contains(t, b.Summary.Categories, "audiences")
	assert.NotContains(t, b.Summary.Categories, "campaigns")
	assert.Equal(t, 0, b.Summary.TotalFiles)
}

func TestProcessBackup_EncryptedArchive(t *testing.T) {
	h := newHarness(t)

	b := h.createBackup(t, CreateBackupRequest{Encrypt: true})

	require.Equal(t, backup.BackupStatusCompleted, b.Status)
	assert.True(t, b.Encrypted)
	assert.Equal(t, testKeyID, b.EncryptionKeyID)
	assert.True(t, strings.HasSuffix(b.FilePath, ".enc"), b.FilePath)

	header := make([]byte, 16)
	f, err := os.Open(h.storedFile(b))
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Read(header)
	require.NoError(t, err)
	assert.True(t, backup.IsEncrypted(header))

	files, err := os.ReadDir(filepath.Dir(h.storedFile(b)))
	require.NoError(t, err)
	assert.Len(t, files, 1, "only the encrypted archive is stored")
}

func TestProcessBackup_FailureIsRecorded(t *testing.T) {
	h := newHarness(t)

	_, err := h.runner.CreateBackup(context.Background(), CreateBackupRequest{
		OrgID:   "org-1",
		Encrypt: true,
		KeyID:   "missing",
	})
	require.Error(t, err)
	assert.True(t, backup.IsKeyNotFound(err))

	backups, err := h.store.Backups.List(context.Background(), storeFilter("org-1"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	b := backups[0]

	assert.Equal(t, backup.BackupStatusFailed, b.Status)
	assert.NotEmpty(t, b.ErrorMessage)
	assert.Empty(t, b.FilePath)
	assert.Zero(t, b.FileSize)
	assert.ElementsMatch(t, []string{backup.AuditBackupCreated, backup.AuditBackupStarted, backup.AuditBackupFailed},
		h.auditActions(t, backup.EntityBackup, b.ID))
	assert.Equal(t, []notify.Kind{notify.KindBackupFailed}, h.notifier.kinds())
	assert.Equal(t, 1.0, jobCount(t, h.metrics, string(queue.KindProcessBackup), metrics.StatusFailed))

	_, statErr := os.Stat(filepath.Join(h.diskRoot, "backups"))
	assert.True(t, os.IsNotExist(statErr), "nothing reaches the disk")
}

func TestProcessBackup_RetryClaimsFailedBackup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.runner.CreateBackup(ctx, CreateBackupRequest{OrgID: "org-1", Encrypt: true, KeyID: "rotating"})
	require.Error(t, err)
	backups, err := h.store.Backups.List(ctx, storeFilter("org-1"))
	require.NoError(t, err)
	id := backups[0].ID

	key, err := backup.GenerateKey()
	require.NoError(t, err)
	h.runner.encryption = backup.NewEncryptionService(backup.StaticKeyResolver{"rotating": key}, 0)

	require.NoError(t, h.runner.ProcessBackup(ctx, id, 2))

	b := h.backup(t, id)
	assert.Equal(t, backup.BackupStatusCompleted, b.Status)
	assert.Equal(t, 2, b.Attempts)
	assert.Empty(t, b.ErrorMessage)
}

func TestProcessBackup_NotPendingIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := h.createBackup(t, CreateBackupRequest{})
	require.Equal(t, backup.BackupStatusCompleted, b.Status)

	require.NoError(t, h.runner.ProcessBackup(ctx, b.ID, 1))
	assert.Equal(t, b.Attempts, h.backup(t, b.ID).Attempts)
	assert.Equal(t, 1.0, jobCount(t, h.metrics, string(queue.KindProcessBackup), metrics.StatusSkipped))
}

func TestProcessBackup_SoftDeletedBeforePickup(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	h := newHarness(t, withDispatcher(dispatcher))
	ctx := context.Background()

	b, err := h.runner.CreateBackup(ctx, CreateBackupRequest{OrgID: "org-1"})
	require.NoError(t, err)
	assert.Equal(t, backup.BackupStatusPending, b.Status)
	require.Len(t, dispatcher.jobs, 1)
	assert.Equal(t, dispatched{kind: queue.KindProcessBackup, recordID: b.ID}, dispatcher.jobs[0])

	_, err = h.runner.SoftDeleteBackup(ctx, b.ID, "user-1")
	require.NoError(t, err)

	require.NoError(t, h.runner.ProcessBackup(ctx, b.ID, 1))
	stored := h.backup(t, b.ID)
	assert.Equal(t, backup.BackupStatusPending, stored.Status)
	assert.Zero(t, stored.Attempts)
}

func TestProcessBackup_ScheduleRetention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	retention := 3
	s, err := h.runner.CreateSchedule(ctx, CreateScheduleRequest{
		OrgID:         "org-1",
		Frequency:     "daily",
		RetentionDays: &retention,
	})
	require.NoError(t, err)

	org, err := backup.NewOrgID("org-1")
	require.NoError(t, err)
	b := backup.NewBackup(org, backup.BackupTypeScheduled, "local", nil, h.clock.Now())
	b.ScheduleID = s.ID
	require.NoError(t, h.store.Backups.Create(ctx, b))

	require.NoError(t, h.runner.ProcessBackup(ctx, b.ID, 1))

	stored := h.backup(t, b.ID)
	require.NotNil(t, stored.ExpiresAt)
	assert.Equal(t, 3*24*time.Hour, stored.ExpiresAt.Sub(*stored.CompletedAt))
}

func TestSummarize(t *testing.T) {
	extraction := &backup.ExtractionResult{
		TotalRecords: 5,
		Counts: map[string]map[string]int64{
			"campaigns": {"campaigns": 2, "ad_sets": 3},
		},
		Skipped: []backup.TableError{{Table: "broken", Error: "boom"}},
	}
	files := &backup.CollectResult{
		Files:     []backup.CollectedFile{{Path: "a.png"}, {Path: "b.png"}},
		Missing:   []string{"c.png"},
		TotalSize: 42,
	}

	summary := summarize(extraction, files, 1500*time.Millisecond)

	assert.Equal(t, int64(5), summary.TotalRecords)
	assert.Equal(t, int64(5), summary.Categories["campaigns"].Records)
	assert.Equal(t, 2, summary.TotalFiles)
	assert.Equal(t, int64(42), summary.TotalFileSize)
	assert.Equal(t, []string{"c.png"}, summary.MissingFiles)
	assert.Len(t, summary.SkippedTables, 1)
	assert.Equal(t, int64(1500), summary.DurationMS)
}
