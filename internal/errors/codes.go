package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/devrev/pairdb/backlog/internal/model"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for backlog operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeOutOfOrder      ErrorCode = 1001
	ErrCodeSequenceGap     ErrorCode = 1002
	ErrCodeMalformedFrame  ErrorCode = 1003
	ErrCodeUnknownChannel  ErrorCode = 1004
	ErrCodeChecksumFailed  ErrorCode = 1005

	// Server errors (5xx equivalent)
	ErrCodeInternal      ErrorCode = 2000
	ErrCodeUnavailable   ErrorCode = 2001
	ErrCodeStorageFull   ErrorCode = 2002
	ErrCodeStorageIO     ErrorCode = 2003
	ErrCodeCorruptedData ErrorCode = 2004
	ErrCodeClosed        ErrorCode = 2005
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

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(codeToGRPC(e.Code), e.Error())
}

func codeToGRPC(code ErrorCode) codes.Code {
	switch code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeMalformedFrame:
		return codes.InvalidArgument
	case ErrCodeOutOfOrder, ErrCodeSequenceGap:
		return codes.FailedPrecondition
	case ErrCodeUnknownChannel:
		return codes.NotFound
	case ErrCodeStorageFull:
		return codes.ResourceExhausted
	case ErrCodeChecksumFailed, ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeUnavailable, ErrCodeClosed:
		return codes.Unavailable
	default:
		return codes.Internal
	}
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
	e.Details[key] = value
	return e
}

// StorageFullError is the backpressure signal of a saturated backing store.
// Denied holds the packets that were not accepted, oldest first. It is not
// fatal: the caller decides whether to retry, throttle or escalate.
type StorageFullError struct {
	Denied []model.Packet
	Cause  error
}

// Error implements the error interface
func (e *StorageFullError) Error() string {
	msg := fmt.Sprintf("storage full: %d packet(s) denied", len(e.Denied))
	if len(e.Denied) > 0 {
		msg = fmt.Sprintf("%s (keys %d..%d)", msg, e.Denied[0].Key, e.Denied[len(e.Denied)-1].EndKey)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *StorageFullError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StorageFullError to gRPC status
func (e *StorageFullError) ToGRPCStatus() *status.Status {
	return status.New(codes.ResourceExhausted, e.Error())
}

// Convenience constructors for common errors

func StorageFull(denied []model.Packet, cause error) *StorageFullError {
	return &StorageFullError{Denied: denied, Cause: cause}
}

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func OutOfOrder(previous, key uint64) *StorageError {
	return NewStorageError(ErrCodeOutOfOrder, fmt.Sprintf("packet key %d does not follow key %d", key, previous), nil).
		WithDetail("previous_key", previous).
		WithDetail("key", key)
}

func SequenceGap(expected, actual uint64) *StorageError {
	return NewStorageError(ErrCodeSequenceGap, fmt.Sprintf("sequence gap: expected key %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func MalformedFrame(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeMalformedFrame, message, cause)
}

func UnknownChannel(name string) *StorageError {
	return NewStorageError(ErrCodeUnknownChannel, fmt.Sprintf("unknown replication channel '%s'", name), nil).
		WithDetail("channel", name)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func StorageIO(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeStorageIO, message, cause)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

func Closed(resource string) *StorageError {
	return NewStorageError(ErrCodeClosed, fmt.Sprintf("%s is closed", resource), nil).
		WithDetail("resource", resource)
}

// AsStorageFull extracts a StorageFullError from an error chain
func AsStorageFull(err error) (*StorageFullError, bool) {
	var full *StorageFullError
	if stderrors.As(err, &full) {
		return full, true
	}
	return nil, false
}

// IsStorageError checks if an error chain contains a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// IsCorrupted checks if an error chain reports corrupted data
func IsCorrupted(err error) bool {
	code := GetCode(err)
	return code == ErrCodeCorruptedData || code == ErrCodeChecksumFailed
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	if _, ok := AsStorageFull(err); ok {
		return ErrCodeStorageFull
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// ToGRPCStatus converts any error into a gRPC status
func ToGRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	if full, ok := AsStorageFull(err); ok {
		return full.ToGRPCStatus()
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.ToGRPCStatus()
	}
	return status.New(codes.Internal, err.Error())
}

// FromGRPCCode maps a gRPC status code back to an internal code
func FromGRPCCode(code codes.Code) ErrorCode {
	switch code {
	case codes.OK:
		return ErrCodeOK
	case codes.InvalidArgument:
		return ErrCodeMalformedFrame
	case codes.FailedPrecondition:
		return ErrCodeSequenceGap
	case codes.NotFound:
		return ErrCodeUnknownChannel
	case codes.ResourceExhausted:
		return ErrCodeStorageFull
	case codes.DataLoss:
		return ErrCodeCorruptedData
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return ErrCodeUnavailable
	default:
		return ErrCodeInternal
	}
}
