package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for cache, checkpoint and MMR operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors, fail fast and never retried
	ErrCodeInvalidArgument     ErrorCode = 1000
	ErrCodeInvalidValue        ErrorCode = 1001
	ErrCodeUnsupportedOperator ErrorCode = 1002
	ErrCodeMissingInput        ErrorCode = 1003
	ErrCodeNotFound            ErrorCode = 1004

	// Consistency errors, fatal for the pipeline
	ErrCodeOutOfOrder   ErrorCode = 1500
	ErrCodeRootMismatch ErrorCode = 1501

	// Server errors
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeStoreFailed       ErrorCode = 2001
	ErrCodeTransactionFailed ErrorCode = 2002
	ErrCodeFlushInProgress   ErrorCode = 2003
)

// IndexError represents a structured error with code and context
type IndexError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *IndexError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// Is matches another IndexError by code so errors.Is works against the
// sentinel values below
func (e *IndexError) Is(target error) bool {
	t, ok := target.(*IndexError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToGRPCStatus converts IndexError to gRPC status
func (e *IndexError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *IndexError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidValue, ErrCodeUnsupportedOperator, ErrCodeMissingInput:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeOutOfOrder:
		return codes.FailedPrecondition
	case ErrCodeRootMismatch:
		return codes.DataLoss
	case ErrCodeFlushInProgress:
		return codes.Aborted
	case ErrCodeStoreFailed, ErrCodeTransactionFailed:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// FromGRPCStatus rebuilds an IndexError from a status produced by ToGRPCStatus
func FromGRPCStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}
	var code ErrorCode
	switch st.Code() {
	case codes.InvalidArgument:
		code = ErrCodeInvalidArgument
	case codes.NotFound:
		code = ErrCodeNotFound
	case codes.FailedPrecondition:
		code = ErrCodeOutOfOrder
	case codes.DataLoss:
		code = ErrCodeRootMismatch
	case codes.Aborted:
		code = ErrCodeFlushInProgress
	case codes.Unavailable:
		code = ErrCodeStoreFailed
	default:
		code = ErrCodeInternal
	}
	return NewIndexError(code, st.Message(), nil)
}

// NewIndexError creates a new IndexError
func NewIndexError(code ErrorCode, message string, cause error) *IndexError {
	return &IndexError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *IndexError) WithDetail(key string, value interface{}) *IndexError {
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is checks
var (
	ErrInvalidValue        = &IndexError{Code: ErrCodeInvalidValue, Message: "invalid value"}
	ErrUnsupportedOperator = &IndexError{Code: ErrCodeUnsupportedOperator, Message: "unsupported operator"}
	ErrMissingInput        = &IndexError{Code: ErrCodeMissingInput, Message: "missing input"}
	ErrNotFound            = &IndexError{Code: ErrCodeNotFound, Message: "not found"}
	ErrOutOfOrder          = &IndexError{Code: ErrCodeOutOfOrder, Message: "out of order"}
	ErrRootMismatch        = &IndexError{Code: ErrCodeRootMismatch, Message: "root mismatch"}
	ErrTransactionFailed   = &IndexError{Code: ErrCodeTransactionFailed, Message: "transaction failed"}
	ErrFlushInProgress     = &IndexError{Code: ErrCodeFlushInProgress, Message: "flush in progress"}
)

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *IndexError {
	return NewIndexError(ErrCodeInvalidArgument, message, cause)
}

func InvalidValue(entity, id string) *IndexError {
	return NewIndexError(ErrCodeInvalidValue, fmt.Sprintf("cannot set nil value for %s %q, use remove", entity, id), nil).
		WithDetail("entity", entity).
		WithDetail("id", id)
}

func UnsupportedOperator(field string, op string) *IndexError {
	return NewIndexError(ErrCodeUnsupportedOperator, fmt.Sprintf("unsupported operator %q on field %q", op, field), nil).
		WithDetail("field", field).
		WithDetail("operator", op)
}

func MissingInput(field string) *IndexError {
	return NewIndexError(ErrCodeMissingInput, fmt.Sprintf("missing required input %q", field), nil).
		WithDetail("field", field)
}

func NotFound(what string) *IndexError {
	return NewIndexError(ErrCodeNotFound, fmt.Sprintf("%s not found", what), nil)
}

func OutOfOrder(what string, expected, actual uint64) *IndexError {
	return NewIndexError(ErrCodeOutOfOrder, fmt.Sprintf("%s out of order: expected %d, got %d", what, expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func RootMismatch(height uint64, stored, computed []byte) *IndexError {
	return NewIndexError(ErrCodeRootMismatch,
		fmt.Sprintf("mmr root mismatch at height %d: stored 0x%x, computed 0x%x", height, stored, computed), nil).
		WithDetail("height", height).
		WithDetail("stored_root", fmt.Sprintf("0x%x", stored)).
		WithDetail("computed_root", fmt.Sprintf("0x%x", computed))
}

func InternalError(message string, cause error) *IndexError {
	return NewIndexError(ErrCodeInternal, message, cause)
}

func StoreFailed(message string, cause error) *IndexError {
	return NewIndexError(ErrCodeStoreFailed, message, cause)
}

func TransactionFailed(message string, cause error) *IndexError {
	return NewIndexError(ErrCodeTransactionFailed, message, cause)
}

func FlushInProgress(entity string) *IndexError {
	return NewIndexError(ErrCodeFlushInProgress, fmt.Sprintf("flush already in progress for %s", entity), nil).
		WithDetail("entity", entity)
}

// IsIndexError checks if an error is an IndexError
func IsIndexError(err error) bool {
	var ie *IndexError
	return stderrors.As(err, &ie)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var ie *IndexError
	if stderrors.As(err, &ie) {
		return ie.Code
	}
	return ErrCodeInternal
}

// IsFatal reports whether the error must halt the indexing pipeline
func IsFatal(err error) bool {
	switch GetCode(err) {
	case ErrCodeOutOfOrder, ErrCodeRootMismatch:
		return true
	}
	return false
}
