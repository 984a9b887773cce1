package backup

import (
	"errors"
	"fmt"

	appErrors "org-backup-engine/internal/errors"
)

// BackupError represents errors that occur during backup and restore operations
type BackupError struct {
	Type    BackupErrorType        `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *BackupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error
func (e *BackupError) Unwrap() error {
	return e.Cause
}

// BackupErrorType represents different types of backup errors
type BackupErrorType string

const (
	BackupErrorTypeStorage       BackupErrorType = "STORAGE_ERROR"
	BackupErrorTypeValidation    BackupErrorType = "VALIDATION_ERROR"
	BackupErrorTypeCompression   BackupErrorType = "COMPRESSION_ERROR"
	BackupErrorTypeEncryption    BackupErrorType = "ENCRYPTION_ERROR"
	BackupErrorTypeKeyNotFound   BackupErrorType = "KEY_NOT_FOUND_ERROR"
	BackupErrorTypeWrongKey      BackupErrorType = "WRONG_KEY_ERROR"
	BackupErrorTypeCorruption    BackupErrorType = "CORRUPTION_ERROR"
	BackupErrorTypePermission    BackupErrorType = "PERMISSION_ERROR"
	BackupErrorTypeNetwork       BackupErrorType = "NETWORK_ERROR"
	BackupErrorTypeDatabase      BackupErrorType = "DATABASE_ERROR"
	BackupErrorTypeConfiguration BackupErrorType = "CONFIGURATION_ERROR"
	BackupErrorTypeNotFound      BackupErrorType = "NOT_FOUND_ERROR"
	BackupErrorTypeConflict      BackupErrorType = "CONFLICT_ERROR"
	BackupErrorTypeCompatibility BackupErrorType = "COMPATIBILITY_ERROR"
	BackupErrorTypeTenantScope   BackupErrorType = "TENANT_SCOPE_ERROR"
	BackupErrorTypeSafetyBackup  BackupErrorType = "SAFETY_BACKUP_ERROR"
)

// ErrMissingTenant is returned when a tenant-scoped query is built without
// an organization. It is a programming error, never a runtime condition.
var ErrMissingTenant = NewBackupError(BackupErrorTypeTenantScope, "organization id is required for tenant-scoped queries", nil)

// NewBackupError creates a new BackupError
func NewBackupError(errorType BackupErrorType, message string, cause error) *BackupError {
	return &BackupError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *BackupError) WithContext(key string, value interface{}) *BackupError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Common error constructors
func NewStorageError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeStorage, message, cause)
}

func NewValidationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeValidation, message, cause)
}

func NewCompressionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCompression, message, cause)
}

func NewEncryptionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeEncryption, message, cause)
}

func NewKeyNotFoundError(keyID string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeKeyNotFound, fmt.Sprintf("encryption key %q not found", keyID), cause).
		WithContext("key_id", keyID)
}

func NewWrongKeyError(keyID string) *BackupError {
	return NewBackupError(BackupErrorTypeWrongKey, fmt.Sprintf("archive was not encrypted with key %q", keyID), nil).
		WithContext("key_id", keyID)
}

func NewCorruptionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCorruption, message, cause)
}

func NewNetworkError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNetwork, message, cause)
}

// newRemoteError wraps a failed cloud disk call. Dropped connections and
// timeouts become network errors, everything else a storage error.
func newRemoteError(message string, cause error) *BackupError {
	switch appErrors.GetErrorType(cause) {
	case appErrors.ErrorTypeConnection, appErrors.ErrorTypeTimeout:
		return NewNetworkError(message, cause)
	}
	return NewStorageError(message, cause)
}

func NewDatabaseError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeDatabase, message, cause)
}

func NewConfigurationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConfiguration, message, cause)
}

func NewNotFoundError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConflict, message, cause)
}

func NewCompatibilityError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCompatibility, message, cause)
}

func NewSafetyBackupError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeSafetyBackup, message, cause)
}

// ValidationError represents validation-specific errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors represents a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// ErrorType returns the BackupErrorType of err, or "" when err is not a BackupError
func ErrorType(err error) BackupErrorType {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Type
	}
	return ""
}

// IsPermanent determines if an error is permanent and should not be retried
func IsPermanent(err error) bool {
	switch ErrorType(err) {
	case BackupErrorTypeValidation, BackupErrorTypeCorruption, BackupErrorTypePermission,
		BackupErrorTypeConfiguration, BackupErrorTypeKeyNotFound, BackupErrorTypeWrongKey,
		BackupErrorTypeCompatibility, BackupErrorTypeTenantScope:
		return true
	}
	return false
}

// IsKeyNotFound reports whether err means the requested key id is unknown
func IsKeyNotFound(err error) bool {
	return ErrorType(err) == BackupErrorTypeKeyNotFound
}

// IsWrongKey reports whether err means the archive was sealed with another key
func IsWrongKey(err error) bool {
	return ErrorType(err) == BackupErrorTypeWrongKey
}

// IsCorrupted reports whether err means the archive bytes are damaged
func IsCorrupted(err error) bool {
	return ErrorType(err) == BackupErrorTypeCorruption
}
