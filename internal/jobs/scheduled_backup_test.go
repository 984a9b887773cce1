package jobs

import (
	"context"
	"testing"
	"time"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/queue"
	"org-backup-engine/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func TestRunScheduledBackups_TriggersDueSchedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.runner.CreateSchedule(ctx, CreateScheduleRequest{
		OrgID:      "org-1",
		Name:       "Nightly",
		Frequency:  "daily",
		TimeOfDay:  "02:30",
		Categories: []string{"campaigns"},
	})
	require.NoError(t, err)
	require.NotNil(t, s.NextRunAt)
	firstSlot := *s.NextRunAt

	result, err := h.runner.RunScheduledBackups(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Due, "the first slot is still ahead")

	h.clock.Set(firstSlot.Add(time.Minute))
	result, err = h.runner.RunScheduledBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Due)
	require.Len(t, result.Triggered, 1)

	b := h.backup(t, result.Triggered[0])
	assert.Equal(t, backup.BackupTypeScheduled, b.Type)
	assert.Equal(t, backup.BackupStatusCompleted, b.Status)
	assert.Equal(t, s.ID, b.ScheduleID)
	assert.Equal(t, []string{"campaigns"}, b.Categories)
	assert.Equal(t, "local", b.StorageDisk)

	stored, err := h.store.Schedules.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextRunAt)
	assert.WithinDuration(t, firstSlot.Add(24*time.Hour), *stored.NextRunAt, 0)
	assert.Equal(t, b.ID, stored.LastBackupID)
	assert.Zero(t, stored.ConsecutiveFailures)

	result, err = h.runner.RunScheduledBackups(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Due, "a slot triggers once")

	assert.Contains(t, h.auditActions(t, backup.EntitySchedule, s.ID), backup.AuditScheduleTriggered)
}

func TestRunScheduledBackups_DispatchesThroughQueue(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	h := newHarness(t, withDispatcher(dispatcher))
	ctx := context.Background()

	s, err := h.runner.CreateSchedule(ctx, CreateScheduleRequest{OrgID: "org-1", Frequency: "hourly"})
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	result, err := h.runner.RunScheduledBackups(ctx)
	require.NoError(t, err)
	require.Len(t, result.Triggered, 1)

	require.Len(t, dispatcher.jobs, 1)
	assert.Equal(t, dispatched{kind: queue.KindProcessBackup, recordID: result.Triggered[0]}, dispatcher.jobs[0])
	assert.Equal(t, backup.BackupStatusPending, h.backup(t, result.Triggered[0]).Status)

	stored, err := h.store.Schedules.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, stored.NextRunAt.After(h.clock.Now()))
}

func TestRunScheduledBackups_LostSlotIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.runner.CreateSchedule(ctx, CreateScheduleRequest{OrgID: "org-1", Frequency: "hourly"})
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	// another worker claims the slot after this pass listed it
	due, err := h.store.Schedules.ListDue(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	claimed, err := h.store.Schedules.Advance(ctx, s, s.NextRunAt, "", h.clock.Now(), h.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	id, err := h.runner.triggerSchedule(ctx, due[0], h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, id)

	backups, err := h.store.Backups.List(ctx, store.BackupFilter{OrgID: "org-1"})
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestRunScheduledBackups_PrunesBeyondMaxBackups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.runner.CreateSchedule(ctx, CreateScheduleRequest{
		OrgID:      "org-1",
		Frequency:  "hourly",
		MaxBackups: intPtr(1),
	})
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	first, err := h.runner.RunScheduledBackups(ctx)
	require.NoError(t, err)
	require.Len(t, first.Triggered, 1)
	assert.Zero(t, first.Pruned)

	h.clock.Advance(time.Hour)
	second, err := h.runner.RunScheduledBackups(ctx)
	require.NoError(t, err)
	require.Len(t, second.Triggered, 1)
	assert.Equal(t, 1, second.Pruned)

	old := h.backup(t, first.Triggered[0])
	assert.Equal(t, backup.DeletionSoftDeleted, old.DeletionState)
	require.NotNil(t, old.HardDeleteAfter)
	assert.WithinDuration(t, h.clock.Now().Add(7*24*time.Hour), *old.HardDeleteAfter, time.Second)
	assert.Equal(t, backup.DeletionActive, h.backup(t, second.Triggered[0]).DeletionState)

	kept, err := h.store.Backups.List(ctx, store.BackupFilter{ScheduleID: s.ID})
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestRunScheduledBackups_RecordsFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.runner.CreateSchedule(ctx, CreateScheduleRequest{
		OrgID:     "org-1",
		Frequency: "hourly",
		Encrypt:   true,
		KeyID:     "retired",
	})
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	result, err := h.runner.RunScheduledBackups(ctx)
	require.NoError(t, err)
	require.Len(t, result.Triggered, 1, "the backup was created even though it failed")
	assert.Equal(t, backup.BackupStatusFailed, h.backup(t, result.Triggered[0]).Status)

	stored, err := h.store.Schedules.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ConsecutiveFailures)
	assert.NotEmpty(t, stored.LastError)
}

func TestCreateSchedule_Defaults(t *testing.T) {
	h := newHarness(t)

	s, err := h.runner.CreateSchedule(context.Background(), CreateScheduleRequest{
		OrgID:     "org-1",
		Frequency: "weekly",
		DayOfWeek: intPtr(int(time.Friday)),
		Timezone:  "Europe/Istanbul",
	})
	require.NoError(t, err)

	assert.Equal(t, "weekly backup", s.Name)
	assert.Equal(t, backup.DefaultTimeOfDay, s.TimeOfDay)
	assert.Equal(t, backup.DefaultRetentionDays, s.RetentionDays)
	assert.Equal(t, backup.DefaultMaxBackups, s.MaxBackups)
	assert.Equal(t, "local", s.StorageDisk)
	assert.True(t, s.Active)

	loc, err := time.LoadLocation("Europe/Istanbul")
	require.NoError(t, err)
	next := s.NextRunAt.In(loc)
	assert.Equal(t, time.Friday, next.Weekday())
	assert.Equal(t, 3, next.Hour())
	assert.True(t, next.After(h.clock.Now()))
}
