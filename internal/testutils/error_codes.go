// SPDX-License-Identifier: Apache-2.0

package testutils

const (
	UniqueViolationErrorCode      string = "unique_violation"
	NotNullViolationErrorCode     string = "not_null_violation"
	LockNotAvailableErrorCode     string = "lock_not_available"
	SerializationFailureErrorCode string = "serialization_failure"
)
