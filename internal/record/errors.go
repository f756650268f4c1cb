package record

import (
	"errors"
	"fmt"
)

// Code categorizes engine errors for targeted remediation. The CLI
// surfaces the code name plus the affected exchange_id/hash.
type Code string

const (
	// CodeManifestInvalid indicates a required manifest field is missing
	// for the requested operation. Raised before any storage I/O.
	CodeManifestInvalid Code = "MANIFEST_INVALID"

	// CodeHashMismatch indicates a record's declared content_sha256
	// disagrees with the recomputed hash on read.
	CodeHashMismatch Code = "HASH_MISMATCH"

	// CodeConflictUnresolved indicates the fail conflict strategy hit a
	// natural-key conflict.
	CodeConflictUnresolved Code = "CONFLICT_UNRESOLVED"

	// CodeStorageIO indicates a file or database failure. Surfaced to the
	// caller, never retried internally.
	CodeStorageIO Code = "STORAGE_IO"

	// CodeDecryptionFailed indicates an authentication tag mismatch while
	// unpacking an encrypted archive.
	CodeDecryptionFailed Code = "DECRYPTION_FAILED"
)

// Error is a structured engine error with enough context to pinpoint the
// affected record.
type Error struct {
	Code       Code
	Message    string
	ExchangeID string
	Hash       string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.ExchangeID != "" && e.Hash != "":
		return fmt.Sprintf("%s: %s (exchange_id=%s, hash=%s)", e.Code, e.Message, e.ExchangeID, e.Hash)
	case e.ExchangeID != "":
		return fmt.Sprintf("%s: %s (exchange_id=%s)", e.Code, e.Message, e.ExchangeID)
	case e.Hash != "":
		return fmt.Sprintf("%s: %s (hash=%s)", e.Code, e.Message, e.Hash)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the taxonomy code from an error chain. Returns "" when
// the error carries no code.
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsManifestInvalid reports whether err is a manifest validation error.
func IsManifestInvalid(err error) bool { return CodeOf(err) == CodeManifestInvalid }

// IsHashMismatch reports whether err is a data-integrity error.
func IsHashMismatch(err error) bool { return CodeOf(err) == CodeHashMismatch }

// IsConflictUnresolved reports whether err is an unresolved sync conflict.
func IsConflictUnresolved(err error) bool { return CodeOf(err) == CodeConflictUnresolved }

// IsDecryptionFailed reports whether err is an archive authentication failure.
func IsDecryptionFailed(err error) bool { return CodeOf(err) == CodeDecryptionFailed }

// NewManifestInvalid creates a manifest validation error.
func NewManifestInvalid(msg string) *Error {
	return &Error{Code: CodeManifestInvalid, Message: msg}
}

// NewHashMismatch creates a data-integrity error for a record whose
// declared hash disagrees with the recomputed one.
func NewHashMismatch(exchangeID, declared, computed string) *Error {
	return &Error{
		Code:       CodeHashMismatch,
		Message:    fmt.Sprintf("declared hash %s, recomputed %s", declared, computed),
		ExchangeID: exchangeID,
		Hash:       declared,
	}
}

// NewConflictUnresolved creates an error for a conflict hit under the
// fail strategy.
func NewConflictUnresolved(naturalKey, packID, sqlID string) *Error {
	return &Error{
		Code:    CodeConflictUnresolved,
		Message: fmt.Sprintf("natural key %q differs between pack (%s) and sql (%s)", naturalKey, packID, sqlID),
	}
}

// WrapStorageIO wraps a file or database failure.
func WrapStorageIO(msg string, err error) *Error {
	return &Error{Code: CodeStorageIO, Message: msg, Err: err}
}

// NewDecryptionFailed creates an archive authentication error.
func NewDecryptionFailed(err error) *Error {
	return &Error{Code: CodeDecryptionFailed, Message: "archive authentication failed", Err: err}
}
