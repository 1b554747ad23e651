// Package kverrors defines the stable error taxonomy shared by every layer
// of the store: the bucket catalog, the schema-evolution engine, the filter
// compiler and the object pipeline all fail through these types so callers
// can switch on Code() rather than parse messages.
package kverrors

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Code identifies one of the stable error kinds a caller can match on.
type Code string

const (
	CodeBucketNotFound      Code = "BucketNotFound"
	CodeBucketVersion       Code = "BucketVersion"
	CodeInvalidBucketName   Code = "InvalidBucketName"
	CodeInvalidBucketConfig Code = "InvalidBucketConfig"
	CodeNotFunction         Code = "NotFunction"
	CodeInvalidIndexType    Code = "InvalidIndexType"
	CodeInvalidQuery        Code = "InvalidQuery"
	CodeNotIndexed          Code = "NotIndexed"
	CodeEtagConflict        Code = "EtagConflict"
	CodeObjectNotFound      Code = "ObjectNotFound"
	CodeUniqueAttribute     Code = "UniqueAttributeError"
	CodeTransient           Code = "Transient"
	CodeInternal            Code = "Internal"
)

// Error is the concrete type every handler and compiler in this module
// returns. It never wraps itself in fmt.Errorf("%w") chains that hide the
// Code - callers always get a typed, matchable error.
type Error struct {
	code    Code
	message string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{code: code, message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the stable error kind.
func (e *Error) Code() Code { return e.code }

// Temporary reports whether the caller should retry the whole request
// (outside the pipeline, never by rebuilding partial state).
func (e *Error) Temporary() bool { return e.code == CodeTransient }

// Is lets errors.Is(err, kverrors.BucketNotFound) match on code alone,
// independent of message or wrapped cause.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == other.code
}

// Sentinels usable with errors.Is; message text is irrelevant for matching.
var (
	BucketNotFound      = New(CodeBucketNotFound, "bucket not found")
	BucketVersion       = New(CodeBucketVersion, "bucket version conflict")
	InvalidBucketName   = New(CodeInvalidBucketName, "invalid bucket name")
	InvalidBucketConfig = New(CodeInvalidBucketConfig, "invalid bucket config")
	NotFunction         = New(CodeNotFunction, "trigger does not resolve to a registered callback")
	InvalidIndexType    = New(CodeInvalidIndexType, "value does not match indexed field type")
	InvalidQuery        = New(CodeInvalidQuery, "invalid filter query")
	NotIndexed          = New(CodeNotIndexed, "filter references an unindexed or reindexing field")
	EtagConflict        = New(CodeEtagConflict, "etag precondition failed")
	ObjectNotFound      = New(CodeObjectNotFound, "object not found")
	UniqueAttributeError = New(CodeUniqueAttribute, "unique index violation")
	Transient           = New(CodeTransient, "transient database error")
	Internal            = New(CodeInternal, "internal error")
)

// postgres error codes FromPostgres classifies: the lock, serialization,
// deadlock and connection codes as Transient (Temporary() reports true, so a
// caller may retry the whole request; the pipeline executor itself does not
// retry), and unique_violation as UniqueAttributeError. Named after
// internal/testutils/error_codes.go's pattern of naming pq codes rather than
// scattering string literals.
const (
	pqLockNotAvailable      pq.ErrorCode = "55P03"
	pqSerializationFailure  pq.ErrorCode = "40001"
	pqDeadlockDetected      pq.ErrorCode = "40P01"
	pqConnectionException   pq.ErrorCode = "08000"
	pqConnectionDoesNotExist pq.ErrorCode = "08003"
	pqConnectionFailure     pq.ErrorCode = "08006"
	pqUniqueViolation       pq.ErrorCode = "23505"
)

// FromPostgres classifies a raw database/sql/lib-pq error into the
// taxonomy. Non-pq errors (context cancellation, driver-level failures)
// fall through to Internal unless they are a context error, in which case
// they're Transient (the caller's deadline expired, not a logic bug).
//
// Returns error, not *Error: callers write terminal `return
// kverrors.FromPostgres(err)` statements unguarded by an `if err != nil`,
// and a nil *Error boxed into an error interface is non-nil - returning the
// narrower type here would make every such success path report a failure.
func FromPostgres(err error) error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqLockNotAvailable, pqSerializationFailure, pqDeadlockDetected,
			pqConnectionException, pqConnectionDoesNotExist, pqConnectionFailure:
			return Wrap(CodeTransient, "transient postgres error", err)
		case pqUniqueViolation:
			return Wrap(CodeUniqueAttribute, pqErr.Constraint, err)
		default:
			return Wrap(CodeInternal, string(pqErr.Code), err)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeTransient, "request deadline exceeded", err)
	}

	return Wrap(CodeInternal, "unclassified database error", err)
}
