package jobs

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"org-backup-engine/internal/backup"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var (
	categoryRegex  = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)
	timeOfDayRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
)

func init() {
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	validate.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		return categoryRegex.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		return timeOfDayRegex.MatchString(fl.Field().String())
	})
}

// CreateBackupRequest asks for a manual backup
type CreateBackupRequest struct {
	OrgID       string   `json:"org_id" validate:"required,max=64"`
	Name        string   `json:"name" validate:"max=255"`
	Description string   `json:"description" validate:"max=2000"`
	Categories  []string `json:"categories" validate:"omitempty,unique,dive,category"`
	Disk        string   `json:"storage_disk" validate:"max=64"`
	Encrypt     bool     `json:"encrypt"`
	KeyID       string   `json:"encryption_key_id" validate:"omitempty,max=128"`
	CreatedBy   string   `json:"created_by" validate:"max=64"`
}

// CreateRestoreRequest asks for a restore of a completed backup
type CreateRestoreRequest struct {
	// OrgID, when set, must own the backup
	OrgID              string   `json:"org_id" validate:"max=64"`
	BackupID           string   `json:"backup_id" validate:"required,uuid"`
	Categories         []string `json:"categories" validate:"omitempty,unique,dive,category"`
	Strategy           string   `json:"conflict_strategy" validate:"omitempty,oneof=skip replace merge"`
	CreateSafetyBackup bool     `json:"create_safety_backup"`
	CreatedBy          string   `json:"created_by" validate:"max=64"`
}

// AnalyzeRestoreRequest asks for a preview of a restore
type AnalyzeRestoreRequest struct {
	OrgID      string   `json:"org_id" validate:"max=64"`
	BackupID   string   `json:"backup_id" validate:"required,uuid"`
	Categories []string `json:"categories" validate:"omitempty,unique,dive,category"`
}

// RollbackRestoreRequest asks to undo a completed restore from its safety
// backup
type RollbackRestoreRequest struct {
	RestoreID string `json:"restore_id" validate:"required,uuid"`
	CreatedBy string `json:"created_by" validate:"max=64"`
}

// CreateScheduleRequest defines a recurring backup
type CreateScheduleRequest struct {
	OrgID         string   `json:"org_id" validate:"required,max=64"`
	Name          string   `json:"name" validate:"max=255"`
	Frequency     string   `json:"frequency" validate:"required,oneof=hourly daily weekly monthly"`
	TimeOfDay     string   `json:"time_of_day" validate:"omitempty,hhmm"`
	Timezone      string   `json:"timezone" validate:"omitempty,timezone"`
	DayOfWeek     *int     `json:"day_of_week" validate:"omitempty,min=0,max=6"`
	DayOfMonth    *int     `json:"day_of_month" validate:"omitempty,min=1,max=31"`
	Categories    []string `json:"categories" validate:"omitempty,unique,dive,category"`
	Disk          string   `json:"storage_disk" validate:"max=64"`
	RetentionDays *int     `json:"retention_days" validate:"omitempty,min=0,max=3650"`
	MaxBackups    *int     `json:"max_backups" validate:"omitempty,min=0,max=1000"`
	Encrypt       bool     `json:"encrypt"`
	KeyID         string   `json:"encryption_key_id" validate:"omitempty,max=128"`
}

// validateRequest runs the struct tags of req and reports every failing
// field
func validateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return backup.NewValidationError("invalid request", err)
	}

	var result backup.ValidationErrors
	for _, fe := range fieldErrors {
		result.Add(fe.Field(), describeTag(fe), fe.Value())
	}
	return result
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "uuid":
		return "must be a UUID"
	case "unique":
		return "must not contain duplicates"
	case "category":
		return "must be a lower-case category name"
	case "hhmm":
		return "must be a time of day in HH:MM format"
	case "timezone":
		return "must be an IANA timezone"
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}
