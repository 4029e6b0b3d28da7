package backup

import (
	"errors"
	"fmt"
)

// BackupError represents errors that occur during backup, restore and verification pipelines
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

// BackupErrorType is the stable error kind surfaced to callers
type BackupErrorType string

const (
	BackupErrorTypeCapture             BackupErrorType = "CAPTURE_ERROR"
	BackupErrorTypeTransform           BackupErrorType = "TRANSFORM_ERROR"
	BackupErrorTypeUpload              BackupErrorType = "UPLOAD_ERROR"
	BackupErrorTypeDownload            BackupErrorType = "DOWNLOAD_ERROR"
	BackupErrorTypeIntegrityViolation  BackupErrorType = "INTEGRITY_VIOLATION"
	BackupErrorTypeApprovalRequired    BackupErrorType = "APPROVAL_REQUIRED"
	BackupErrorTypeNotFound            BackupErrorType = "NOT_FOUND"
	BackupErrorTypeConcurrencyConflict BackupErrorType = "CONCURRENCY_CONFLICT"
	BackupErrorTypeValidation          BackupErrorType = "VALIDATION_ERROR"
	BackupErrorTypeConfiguration       BackupErrorType = "CONFIGURATION_ERROR"
	BackupErrorTypeRestore             BackupErrorType = "RESTORE_ERROR"
	BackupErrorTypePersistence         BackupErrorType = "PERSISTENCE_ERROR"
	BackupErrorTypeCanceled            BackupErrorType = "CANCELED"
)

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
func NewCaptureError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCapture, message, cause)
}

func NewTransformError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeTransform, message, cause)
}

func NewUploadError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeUpload, message, cause)
}

func NewDownloadError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeDownload, message, cause)
}

func NewIntegrityViolation(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeIntegrityViolation, message, cause)
}

func NewApprovalRequired(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeApprovalRequired, message, cause)
}

func NewNotFoundError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNotFound, message, cause)
}

func NewConcurrencyConflict(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConcurrencyConflict, message, cause)
}

func NewValidationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeValidation, message, cause)
}

func NewConfigurationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConfiguration, message, cause)
}

func NewRestoreError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeRestore, message, cause)
}

func NewPersistenceError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypePersistence, message, cause)
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

// GetErrorType returns the kind of the first BackupError in err's chain, or "" if none.
func GetErrorType(err error) BackupErrorType {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Type
	}
	return ""
}

// IsErrorType reports whether err carries the given kind.
func IsErrorType(err error, errorType BackupErrorType) bool {
	return GetErrorType(err) == errorType
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return IsErrorType(err, BackupErrorTypeNotFound)
}

// IsFatal reports whether err must stop all further data movement into a target system.
func IsFatal(err error) bool {
	switch GetErrorType(err) {
	case BackupErrorTypeIntegrityViolation, BackupErrorTypeApprovalRequired:
		return true
	default:
		return false
	}
}

// asPipelineError keeps an existing typed error, otherwise wraps err with the given kind.
// Context cancellation is reported as CANCELED regardless of the step.
func asPipelineError(errorType BackupErrorType, message string, err error) *BackupError {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr
	}
	if isCanceled(err) {
		return NewBackupError(BackupErrorTypeCanceled, message, err)
	}
	return NewBackupError(errorType, message, err)
}
