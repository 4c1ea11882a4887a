package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents internal error codes for storage operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalid  ErrorCode = 1000
	ErrCodeNotFound ErrorCode = 1001
	ErrCodeBusy     ErrorCode = 1002
	ErrCodeShutdown ErrorCode = 1003

	// Resource and storage errors
	ErrCodeNoMem   ErrorCode = 2000
	ErrCodeIO      ErrorCode = 2001
	ErrCodeCorrupt ErrorCode = 2002
	ErrCodeQuota   ErrorCode = 2003
	ErrCodeFull    ErrorCode = 2004
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:       "OK",
	ErrCodeInvalid:  "INVALID",
	ErrCodeNotFound: "NOTFOUND",
	ErrCodeBusy:     "BUSY",
	ErrCodeShutdown: "SHUTDOWN",
	ErrCodeNoMem:    "NOMEM",
	ErrCodeIO:       "IO",
	ErrCodeCorrupt:  "CORRUPT",
	ErrCodeQuota:    "QUOTA",
	ErrCodeFull:     "FULL",
}

// String returns the short name used in logs and metric labels.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// Sentinels for errors.Is comparisons. Matching is by code, so
// errors.Is(NoMem("pool"), ErrNoMem) holds.
var (
	ErrInvalid  = &StorageError{Code: ErrCodeInvalid, Message: "invalid argument"}
	ErrNotFound = &StorageError{Code: ErrCodeNotFound, Message: "not found"}
	ErrBusy     = &StorageError{Code: ErrCodeBusy, Message: "resource busy"}
	ErrShutdown = &StorageError{Code: ErrCodeShutdown, Message: "shutdown in progress"}
	ErrNoMem    = &StorageError{Code: ErrCodeNoMem, Message: "no free sectors"}
	ErrIO       = &StorageError{Code: ErrCodeIO, Message: "i/o error"}
	ErrCorrupt  = &StorageError{Code: ErrCodeCorrupt, Message: "data corrupt"}
	ErrQuota    = &StorageError{Code: ErrCodeQuota, Message: "quota exceeded"}
	ErrFull     = &StorageError{Code: ErrCodeFull, Message: "storage full"}
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a StorageError carrying the same code.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func Invalid(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalid, message, cause)
}

func NotFound(message string) *StorageError {
	return NewStorageError(ErrCodeNotFound, message, nil)
}

func Busy(resource string) *StorageError {
	return NewStorageError(ErrCodeBusy, fmt.Sprintf("%s is busy", resource), nil).
		WithDetail("resource", resource)
}

func Shutdown() *StorageError {
	return NewStorageError(ErrCodeShutdown, "shutdown in progress", nil)
}

func NoMem(resource string, used, total int) *StorageError {
	return NewStorageError(ErrCodeNoMem, fmt.Sprintf("%s exhausted: %d/%d sectors in use", resource, used, total), nil).
		WithDetail("resource", resource).
		WithDetail("used", used).
		WithDetail("total", total)
}

func IO(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeIO, message, cause)
}

func Corrupt(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorrupt, message, cause)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeCorrupt, fmt.Sprintf("checksum validation failed: expected %08x, got %08x", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func QuotaExceeded(sensorID uint32, quota, needed int64) *StorageError {
	return NewStorageError(ErrCodeQuota, fmt.Sprintf("sensor %d: quota %d bytes cannot hold %d bytes", sensorID, quota, needed), nil).
		WithDetail("sensor_id", sensorID).
		WithDetail("quota_bytes", quota).
		WithDetail("needed_bytes", needed)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeIO
}
