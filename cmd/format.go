package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/display"
)

// formatBytes formats byte count as human readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func categoriesLabel(categories []string) string {
	if len(categories) == 0 {
		return "all"
	}
	return strings.Join(categories, ",")
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func backupTable(p *display.Printer, backups []*backup.Backup) *display.Table {
	t := p.NewTable("ID", "CODE", "ORG", "TYPE", "STATUS", "DELETION", "SIZE", "CATEGORIES", "CREATED")
	t.SetColumnAlignment(6, display.AlignRight)
	t.SetCellColor(statusCells(p, 4, 5))
	for _, b := range backups {
		size := "-"
		if b.FileSize > 0 {
			size = formatBytes(b.FileSize)
		}
		t.AddRow(b.ID, b.Code, b.OrgID, string(b.Type), string(b.Status), string(b.DeletionState),
			size, categoriesLabel(b.Categories), b.CreatedAt.UTC().Format("2006-01-02 15:04"))
	}
	return t
}

// statusCells colors the given columns by their status value
func statusCells(p *display.Printer, columns ...int) func(int, string) (display.Color, bool) {
	return func(col int, value string) (display.Color, bool) {
		for _, c := range columns {
			if c == col {
				return p.Colors().StatusColor(value), true
			}
		}
		return 0, false
	}
}

func backupFields(p *display.Printer, b *backup.Backup) []display.Field {
	fields := []display.Field{
		{Label: "ID", Value: b.ID},
		{Label: "Code", Value: b.Code},
		{Label: "Name", Value: b.Name},
		{Label: "Organization", Value: b.OrgID},
		{Label: "Type", Value: string(b.Type)},
		{Label: "Status", Value: p.Status(string(b.Status))},
		{Label: "Deletion", Value: p.Status(string(b.DeletionState))},
		{Label: "Disk", Value: b.StorageDisk},
		{Label: "Path", Value: orDash(b.FilePath)},
		{Label: "Checksum", Value: orDash(b.Checksum)},
		{Label: "Categories", Value: categoriesLabel(b.Categories)},
		{Label: "Attempts", Value: strconv.Itoa(b.Attempts)},
		{Label: "Created", Value: formatTime(&b.CreatedAt)},
		{Label: "Completed", Value: formatTime(b.CompletedAt)},
		{Label: "Expires", Value: formatTime(b.ExpiresAt)},
	}
	if b.FileSize > 0 {
		fields = append(fields, display.Field{Label: "Size", Value: formatBytes(b.FileSize)})
	}
	if b.Encrypted {
		fields = append(fields, display.Field{Label: "Encryption key", Value: b.EncryptionKeyID})
	}
	if b.ScheduleID != "" {
		fields = append(fields, display.Field{Label: "Schedule", Value: b.ScheduleID})
	}
	if b.HardDeleteAfter != nil {
		fields = append(fields, display.Field{Label: "Hard delete after", Value: formatTime(b.HardDeleteAfter)})
	}
	if b.ErrorMessage != "" {
		fields = append(fields, display.Field{Label: "Error", Value: b.ErrorMessage})
	}
	if s := b.Summary; s != nil {
		fields = append(fields,
			display.Field{Label: "Records", Value: strconv.FormatInt(s.TotalRecords, 10)},
			display.Field{Label: "Files", Value: fmt.Sprintf("%d (%s)", s.TotalFiles, formatBytes(s.TotalFileSize))},
			display.Field{Label: "Duration", Value: (time.Duration(s.DurationMS) * time.Millisecond).String()},
		)
		for _, skipped := range s.SkippedTables {
			fields = append(fields, display.Field{Label: "Skipped table", Value: skipped.Table + ": " + skipped.Error})
		}
	}
	return fields
}

func restoreFields(p *display.Printer, rs *backup.Restore) []display.Field {
	fields := []display.Field{
		{Label: "ID", Value: rs.ID},
		{Label: "Code", Value: rs.Code},
		{Label: "Organization", Value: rs.OrgID},
		{Label: "Backup", Value: rs.BackupID},
		{Label: "Safety backup", Value: orDash(rs.SafetyBackupID)},
		{Label: "Strategy", Value: string(rs.Strategy)},
		{Label: "Categories", Value: categoriesLabel(rs.Categories)},
		{Label: "Status", Value: p.Status(string(rs.Status))},
		{Label: "Created", Value: formatTime(&rs.CreatedAt)},
		{Label: "Completed", Value: formatTime(rs.CompletedAt)},
		{Label: "Rollback until", Value: formatTime(rs.RollbackExpiresAt)},
	}
	if rs.ErrorMessage != "" {
		fields = append(fields, display.Field{Label: "Error", Value: rs.ErrorMessage})
	}
	return fields
}

func restoreReportTable(p *display.Printer, report *backup.RestoreReport) *display.Table {
	t := p.NewTable("CATEGORY", "RESTORED", "UPDATED", "SKIPPED")
	for col := 1; col <= 3; col++ {
		t.SetColumnAlignment(col, display.AlignRight)
	}
	categories := make([]string, 0, len(report.Categories))
	for category := range report.Categories {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		c := report.Categories[category]
		t.AddRow(category, strconv.Itoa(c.Restored), strconv.Itoa(c.Updated), strconv.Itoa(c.Skipped))
	}
	t.AddRow("total", strconv.Itoa(report.Restored), strconv.Itoa(report.Updated), strconv.Itoa(report.Skipped))
	return t
}

// auditTable lists an audit trail oldest first with its details as
// sorted key=value pairs
func auditTable(p *display.Printer, entries []*backup.AuditLogEntry) *display.Table {
	t := p.NewTable("TIME", "ACTION", "DETAILS")
	for _, e := range entries {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%v", k, e.Details[k]))
		}
		t.AddRow(formatTime(&e.CreatedAt), e.Action, orDash(strings.Join(pairs, " ")))
	}
	return t
}

func analysisTable(p *display.Printer, a *backup.RestoreAnalysis) *display.Table {
	t := p.NewTable("CATEGORY", "TABLE", "NEW", "EXISTING", "CONFLICTS", "NOTE")
	for col := 2; col <= 4; col++ {
		t.SetColumnAlignment(col, display.AlignRight)
	}
	categories := make([]string, 0, len(a.Categories))
	for category := range a.Categories {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		c := a.Categories[category]
		tables := make([]string, 0, len(c.Tables))
		for table := range c.Tables {
			tables = append(tables, table)
		}
		sort.Strings(tables)
		for _, table := range tables {
			ta := c.Tables[table]
			var notes []string
			if ta.NoPrimaryKey {
				notes = append(notes, "no primary key, not compared")
			}
			if ta.Invalid > 0 {
				notes = append(notes, fmt.Sprintf("%d records without a key", ta.Invalid))
			}
			if len(ta.ConflictSamples) > 0 {
				notes = append(notes, "e.g. "+strings.Join(ta.ConflictSamples, ","))
			}
			t.AddRow(category, table, strconv.Itoa(ta.New), strconv.Itoa(ta.Existing), strconv.Itoa(ta.Conflicts),
				orDash(strings.Join(notes, "; ")))
		}
	}
	return t
}

func scheduleTable(p *display.Printer, schedules []*backup.Schedule) *display.Table {
	t := p.NewTable("ID", "NAME", "FREQUENCY", "TIME", "TIMEZONE", "ACTIVE", "NEXT RUN", "LAST RUN", "FAILURES")
	t.SetColumnAlignment(8, display.AlignRight)
	for _, s := range schedules {
		t.AddRow(s.ID, s.Name, string(s.Frequency), s.TimeOfDay, s.Timezone, strconv.FormatBool(s.Active),
			formatTime(s.NextRunAt), formatTime(s.LastRunAt), strconv.Itoa(s.ConsecutiveFailures))
	}
	return t
}
