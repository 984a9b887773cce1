package jobs

import (
	"context"
	"testing"

	"org-backup-engine/internal/backup"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fields(t *testing.T, err error) []string {
	t.Helper()
	var validationErrs backup.ValidationErrors
	require.ErrorAs(t, err, &validationErrs)
	names := make([]string, 0, len(validationErrs))
	for _, ve := range validationErrs {
		names = append(names, ve.Field)
	}
	return names
}

func TestValidateRequest_Backup(t *testing.T) {
	tests := []struct {
		name   string
		req    CreateBackupRequest
		fields []string
	}{
		{
			name: "minimal",
			req:  CreateBackupRequest{OrgID: "org-1"},
		},
		{
			name: "with categories",
			req:  CreateBackupRequest{OrgID: "org-1", Categories: []string{"campaigns", "social_posts"}},
		},
		{
			name:   "missing org",
			req:    CreateBackupRequest{},
			fields: []string{"org_id"},
		},
		{
			name:   "bad category",
			req:    CreateBackupRequest{OrgID: "org-1", Categories: []string{"Campaigns; DROP"}},
			fields: []string{"categories[0]"},
		},
		{
			name:   "duplicate categories",
			req:    CreateBackupRequest{OrgID: "org-1", Categories: []string{"campaigns", "campaigns"}},
			fields: []string{"categories"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRequest(tt.req)
			if len(tt.fields) == 0 {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.fields, fields(t, err))
		})
	}
}

func TestValidateRequest_Restore(t *testing.T) {
	err := validateRequest(CreateRestoreRequest{BackupID: "not-a-uuid", Strategy: "overwrite"})
	assert.ElementsMatch(t, []string{"backup_id", "conflict_strategy"}, fields(t, err))

	err = validateRequest(CreateRestoreRequest{BackupID: "5b0e7a4e-8b1d-4d4e-9d43-1f4bcb1e1f00", Strategy: "merge"})
	assert.NoError(t, err)
}

func TestValidateRequest_Schedule(t *testing.T) {
	err := validateRequest(CreateScheduleRequest{
		OrgID:      "org-1",
		Frequency:  "yearly",
		TimeOfDay:  "25:00",
		Timezone:   "Mars/Olympus",
		DayOfWeek:  intPtr(7),
		DayOfMonth: intPtr(0),
	})
	assert.ElementsMatch(t, []string{"frequency", "time_of_day", "timezone", "day_of_week", "day_of_month"}, fields(t, err))

	err = validateRequest(CreateScheduleRequest{
		OrgID:      "org-1",
		Frequency:  "monthly",
		TimeOfDay:  "23:59",
		Timezone:   "America/New_York",
		DayOfMonth: intPtr(31),
	})
	assert.NoError(t, err)
}

func TestCreateBackup_RejectsInvalidRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.runner.CreateBackup(ctx, CreateBackupRequest{})
	assert.Equal(t, []string{"org_id"}, fields(t, err))

	_, err = h.runner.CreateBackup(ctx, CreateBackupRequest{OrgID: "org-1", Disk: "archive"})
	assert.Equal(t, backup.BackupErrorTypeNotFound, backup.ErrorType(err))

	backups, err := h.store.Backups.List(ctx, storeFilter("org-1"))
	require.NoError(t, err)
	assert.Empty(t, backups, "nothing is recorded for a rejected request")
}

func TestCreateBackup_EncryptionNeedsKey(t *testing.T) {
	h := newHarness(t)
	h.runner.keyID = ""

	_, err := h.runner.CreateBackup(context.Background(), CreateBackupRequest{OrgID: "org-1", Encrypt: true})
	assert.Equal(t, backup.BackupErrorTypeValidation, backup.ErrorType(err))
}
