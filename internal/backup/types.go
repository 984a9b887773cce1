package backup

import (
	"fmt"
	"strings"
	"time"

	"org-backup-engine/internal/schema"

	"github.com/google/uuid"
)

// OrgID identifies the organization every tenant-scoped query is bound to.
// It can only be built through NewOrgID; the zero value is rejected by every
// query builder with ErrMissingTenant.
type OrgID struct {
	value string
}

// NewOrgID validates and wraps an organization id
func NewOrgID(id string) (OrgID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return OrgID{}, ErrMissingTenant
	}
	return OrgID{value: id}, nil
}

// String returns the raw organization id
func (o OrgID) String() string {
	return o.value
}

// IsZero reports whether the id was never set
func (o OrgID) IsZero() bool {
	return o.value == ""
}

// BackupType records why a backup was taken
type BackupType string

const (
	BackupTypeManual     BackupType = "manual"
	BackupTypeScheduled  BackupType = "scheduled"
	BackupTypePreRestore BackupType = "pre_restore"
)

// BackupStatus represents the processing status of a backup
type BackupStatus string

const (
	BackupStatusPending    BackupStatus = "pending"
	BackupStatusProcessing BackupStatus = "processing"
	BackupStatusCompleted  BackupStatus = "completed"
	BackupStatusFailed     BackupStatus = "failed"
	BackupStatusExpired    BackupStatus = "expired"
)

// DeletionState is the two-phase delete lifecycle of a backup
type DeletionState string

const (
	DeletionActive       DeletionState = "active"
	DeletionSoftDeleted  DeletionState = "soft_deleted"
	DeletionHardDeleting DeletionState = "hard_deleting"
	DeletionHardDeleted  DeletionState = "hard_deleted"
)

// RestoreStatus represents the processing status of a restore
type RestoreStatus string

const (
	RestoreStatusPending    RestoreStatus = "pending"
	RestoreStatusProcessing RestoreStatus = "processing"
	RestoreStatusCompleted  RestoreStatus = "completed"
	RestoreStatusFailed     RestoreStatus = "failed"
	// RestoreStatusRolledBack marks a completed restore undone from its
	// safety backup
	RestoreStatusRolledBack RestoreStatus = "rolled_back"
)

// ConflictStrategy decides what happens when a restored record already exists
type ConflictStrategy string

const (
	ConflictSkip    ConflictStrategy = "skip"
	ConflictReplace ConflictStrategy = "replace"
	ConflictMerge   ConflictStrategy = "merge"
)

// ParseConflictStrategy parses a strategy name; empty means skip
func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	switch ConflictStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ConflictSkip:
		return ConflictSkip, nil
	case ConflictReplace:
		return ConflictReplace, nil
	case ConflictMerge:
		return ConflictMerge, nil
	}
	return "", NewValidationError(fmt.Sprintf("unknown conflict strategy %q", s), nil)
}

// Frequency of a backup schedule
type Frequency string

const (
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Backup is one organization backup record
type Backup struct {
	ID              string            `json:"id"`
	OrgID           string            `json:"org_id"`
	Code            string            `json:"backup_code"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	Type            BackupType        `json:"type"`
	Status          BackupStatus      `json:"status"`
	DeletionState   DeletionState     `json:"deletion_state"`
	StorageDisk     string            `json:"storage_disk"`
	FilePath        string            `json:"file_path,omitempty"`
	FileSize        int64             `json:"file_size,omitempty"`
	Checksum        string            `json:"checksum,omitempty"`
	Encrypted       bool              `json:"is_encrypted"`
	EncryptionKeyID string            `json:"encryption_key_id,omitempty"`
	Categories      []string          `json:"categories,omitempty"`
	Summary         *Summary          `json:"summary,omitempty"`
	SchemaSnapshot  *schema.Snapshot  `json:"schema_snapshot,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Attempts        int               `json:"attempts"`
	ScheduleID      string            `json:"schedule_id,omitempty"`
	CreatedBy       string            `json:"created_by,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	SoftDeletedAt   *time.Time        `json:"soft_deleted_at,omitempty"`
	HardDeleteAfter *time.Time        `json:"hard_delete_after,omitempty"`
}

// NewBackup creates a pending backup record
func NewBackup(org OrgID, backupType BackupType, disk string, categories []string, now time.Time) *Backup {
	now = now.UTC()
	return &Backup{
		ID:            uuid.New().String(),
		OrgID:         org.String(),
		Code:          GenerateBackupCode(now),
		Name:          fmt.Sprintf("%s backup %s", backupType, now.Format("2006-01-02 15:04")),
		Type:          backupType,
		Status:        BackupStatusPending,
		DeletionState: DeletionActive,
		StorageDisk:   disk,
		Categories:    categories,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsExpired reports whether a completed backup is past its expiry
func (b *Backup) IsExpired(now time.Time) bool {
	return b.Status == BackupStatusCompleted && b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// Summary describes the content of a completed backup
type Summary struct {
	TotalRecords  int64                       `json:"total_records"`
	TotalFiles    int                         `json:"total_files"`
	TotalFileSize int64                       `json:"total_file_size"`
	Categories    map[string]*CategorySummary `json:"categories"`
	SkippedTables []TableError                `json:"skipped_tables,omitempty"`
	MissingFiles  []string                    `json:"missing_files,omitempty"`
	DurationMS    int64                       `json:"duration_ms"`
}

// CategorySummary holds per-table record counts of one category
type CategorySummary struct {
	Records int64            `json:"records"`
	Tables  map[string]int64 `json:"tables"`
}

// TableError records a table that could not be extracted
type TableError struct {
	Table string `json:"table"`
	Error string `json:"error"`
}

// Restore is one restore request and its outcome
type Restore struct {
	ID                 string           `json:"id"`
	OrgID              string           `json:"org_id"`
	Code               string           `json:"restore_code"`
	BackupID           string           `json:"backup_id"`
	SafetyBackupID     string           `json:"safety_backup_id,omitempty"`
	Categories         []string         `json:"categories,omitempty"`
	Strategy           ConflictStrategy `json:"conflict_strategy"`
	CreateSafetyBackup bool             `json:"create_safety_backup"`
	Status             RestoreStatus    `json:"status"`
	Report             *RestoreReport   `json:"report,omitempty"`
	ErrorMessage       string           `json:"error_message,omitempty"`
	CreatedBy          string           `json:"created_by,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	RollbackExpiresAt  *time.Time       `json:"rollback_expires_at,omitempty"`
	// RolledBackBy is the restore that undid this one
	RolledBackBy string `json:"rolled_back_by,omitempty"`
}

// InFlight reports whether the restore has not finished yet
func (r *Restore) InFlight() bool {
	return r.Status == RestoreStatusPending || r.Status == RestoreStatusProcessing
}

// NewRestore creates a pending restore record
func NewRestore(org OrgID, backupID string, categories []string, strategy ConflictStrategy, safety bool, now time.Time) *Restore {
	now = now.UTC()
	return &Restore{
		ID:                 uuid.New().String(),
		OrgID:              org.String(),
		Code:               GenerateRestoreCode(now),
		BackupID:           backupID,
		Categories:         categories,
		Strategy:           strategy,
		CreateSafetyBackup: safety,
		Status:             RestoreStatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Schedule is a recurring backup definition
type Schedule struct {
	ID                  string     `json:"id"`
	OrgID               string     `json:"org_id"`
	Name                string     `json:"name"`
	Frequency           Frequency  `json:"frequency"`
	TimeOfDay           string     `json:"time_of_day"`
	Timezone            string     `json:"timezone"`
	DayOfWeek           *int       `json:"day_of_week,omitempty"`
	DayOfMonth          *int       `json:"day_of_month,omitempty"`
	Categories          []string   `json:"categories,omitempty"`
	StorageDisk         string     `json:"storage_disk"`
	RetentionDays       int        `json:"retention_days"`
	MaxBackups          int        `json:"max_backups"`
	Encrypt             bool       `json:"encrypt"`
	EncryptionKeyID     string     `json:"encryption_key_id,omitempty"`
	Active              bool       `json:"is_active"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
	LastBackupID        string     `json:"last_backup_id,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Audit entity types
const (
	EntityBackup   = "backup"
	EntityRestore  = "restore"
	EntitySchedule = "schedule"
)

// Audit actions
const (
	AuditBackupCreated     = "backup_created"
	AuditBackupStarted     = "backup_started"
	AuditBackupCompleted   = "backup_completed"
	AuditBackupFailed      = "backup_failed"
	AuditBackupExpired     = "backup_expired"
	AuditBackupSoftDeleted = "backup_soft_deleted"
	AuditBackupUndeleted   = "backup_undeleted"
	AuditBackupHardDeleted = "backup_hard_deleted"
	AuditRestoreCreated    = "restore_created"
	AuditRestoreStarted    = "restore_started"
	AuditRestoreCompleted  = "restore_completed"
	AuditRestoreFailed     = "restore_failed"
	AuditRestoreRolledBack = "restore_rolled_back"
	AuditScheduleTriggered = "schedule_triggered"
)

// AuditLogEntry is an append-only record of a state transition
type AuditLogEntry struct {
	ID         string                 `json:"id"`
	OrgID      string                 `json:"org_id"`
	Action     string                 `json:"action"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	ActorID    string                 `json:"actor_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// NewAuditEntry builds an audit entry stamped with a fresh id
func NewAuditEntry(orgID, action, entityType, entityID string, details map[string]interface{}, now time.Time) *AuditLogEntry {
	return &AuditLogEntry{
		ID:         uuid.New().String(),
		OrgID:      orgID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
		CreatedAt:  now.UTC(),
	}
}

// GenerateBackupCode returns a sortable human readable backup code
func GenerateBackupCode(now time.Time) string {
	return generateCode("BKUP", now)
}

// GenerateRestoreCode returns a sortable human readable restore code
func GenerateRestoreCode(now time.Time) string {
	return generateCode("RST", now)
}

func generateCode(prefix string, now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:6])
	return fmt.Sprintf("%s-%s-%s", prefix, now.UTC().Format("20060102-150405"), suffix)
}
