package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func utc(value string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", value)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNextRun(t *testing.T) {
	tests := []struct {
		name     string
		schedule Schedule
		from     string
		want     string
	}{
		{
			name:     "hourly goes to the start of the next hour",
			schedule: Schedule{Frequency: FrequencyHourly},
			from:     "2024-03-01 10:20",
			want:     "2024-03-01 11:00",
		},
		{
			name:     "daily before the slot runs today",
			schedule: Schedule{Frequency: FrequencyDaily, TimeOfDay: "03:00"},
			from:     "2024-03-01 02:59",
			want:     "2024-03-01 03:00",
		},
		{
			name:     "daily at the slot runs tomorrow",
			schedule: Schedule{Frequency: FrequencyDaily, TimeOfDay: "03:00"},
			from:     "2024-03-01 03:00",
			want:     "2024-03-02 03:00",
		},
		{
			name:     "daily honours the timezone",
			schedule: Schedule{Frequency: FrequencyDaily, TimeOfDay: "03:00", Timezone: "America/New_York"},
			from:     "2024-03-01 12:00",
			want:     "2024-03-02 08:00",
		},
		{
			name:     "weekly later this week",
			schedule: Schedule{Frequency: FrequencyWeekly, TimeOfDay: "09:30", DayOfWeek: intPtr(int(time.Friday))},
			from:     "2024-03-05 12:00", // Tuesday
			want:     "2024-03-08 09:30",
		},
		{
			name:     "weekly slot passed today moves a full week",
			schedule: Schedule{Frequency: FrequencyWeekly, TimeOfDay: "09:30", DayOfWeek: intPtr(int(time.Tuesday))},
			from:     "2024-03-05 12:00",
			want:     "2024-03-12 09:30",
		},
		{
			name:     "weekly defaults to monday",
			schedule: Schedule{Frequency: FrequencyWeekly},
			from:     "2024-03-05 12:00",
			want:     "2024-03-11 03:00",
		},
		{
			name:     "monthly clamps to february in a leap year",
			schedule: Schedule{Frequency: FrequencyMonthly, DayOfMonth: intPtr(31)},
			from:     "2024-02-10 00:00",
			want:     "2024-02-29 03:00",
		},
		{
			name:     "monthly clamps to february",
			schedule: Schedule{Frequency: FrequencyMonthly, DayOfMonth: intPtr(31)},
			from:     "2023-01-31 04:00",
			want:     "2023-02-28 03:00",
		},
		{
			name:     "monthly wraps the year",
			schedule: Schedule{Frequency: FrequencyMonthly, DayOfMonth: intPtr(15)},
			from:     "2024-12-20 00:00",
			want:     "2025-01-15 03:00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(&tt.schedule, utc(tt.from))
			require.NoError(t, err)
			assert.True(t, utc(tt.want).Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestNextRun_InvalidSchedule(t *testing.T) {
	_, err := NextRun(&Schedule{Frequency: FrequencyDaily, Timezone: "Mars/Olympus"}, time.Now())
	assert.Equal(t, BackupErrorTypeValidation, ErrorType(err))

	_, err = NextRun(&Schedule{Frequency: "yearly"}, time.Now())
	assert.Equal(t, BackupErrorTypeValidation, ErrorType(err))
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule(&Schedule{Frequency: FrequencyDaily, TimeOfDay: "23:15", Timezone: "Europe/Istanbul"}))

	err := ValidateSchedule(&Schedule{
		Frequency:     "yearly",
		TimeOfDay:     "25:00",
		DayOfWeek:     intPtr(7),
		DayOfMonth:    intPtr(0),
		RetentionDays: -1,
	})
	require.Error(t, err)
	errs, ok := err.(ValidationErrors)
	require.True(t, ok)
	assert.Len(t, errs, 5)
}

func TestExpiresAt(t *testing.T) {
	now := utc("2024-03-01 10:00")
	assert.Nil(t, ExpiresAt(now, 0))
	assert.Nil(t, ExpiresAt(now, -5))
	assert.True(t, utc("2024-03-31 10:00").Equal(*ExpiresAt(now, 30)))
}
