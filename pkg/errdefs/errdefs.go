package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the error kinds surfaced by the tenant runtime.
// Components wrap these with fmt.Errorf("...: %w", ...) so callers can
// classify failures with errors.Is without parsing messages.
var (
	// ErrNotFound indicates a store, hostname, token, or job does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a unique constraint violation (slug, hostname, dedupe key)
	ErrConflict = errors.New("conflict")

	// ErrNoDatabaseConfigured indicates a store has no active primary database record
	ErrNoDatabaseConfigured = errors.New("no database configured")

	// ErrUnreachable indicates the tenant database did not answer a health probe
	ErrUnreachable = errors.New("database unreachable")

	// ErrEmptySchema indicates the tenant database is reachable but missing canonical tables
	ErrEmptySchema = errors.New("empty schema")

	// ErrCipher indicates credential decryption failed authentication
	ErrCipher = errors.New("cipher error")

	// ErrMissingKey indicates the vault was configured without a usable key
	ErrMissingKey = errors.New("encryption key missing")

	// ErrRefreshFailed indicates a token refresh attempt failed
	ErrRefreshFailed = errors.New("refresh failed")

	// ErrRevoked indicates the provider reported the token as revoked
	ErrRevoked = errors.New("token revoked")

	// ErrCancelled indicates a job was cancelled; terminal but not a failure
	ErrCancelled = errors.New("cancelled")

	// ErrTimeout indicates an outbound call exceeded its deadline
	ErrTimeout = errors.New("timeout")

	// ErrRepairFailed indicates tenant database repair aborted; see RepairError for the step
	ErrRepairFailed = errors.New("repair failed")
)

// NotFoundf returns an ErrNotFound wrapped with a formatted description
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Conflictf returns an ErrConflict wrapped with a formatted description
func Conflictf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// RepairError reports which provisioning step failed. The store is left
// in pending_database whenever one of these is returned.
type RepairError struct {
	Step string
	Err  error
}

func (e *RepairError) Error() string {
	return fmt.Sprintf("repair failed at step %q: %v", e.Step, e.Err)
}

func (e *RepairError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRepairFailed) match any RepairError
func (e *RepairError) Is(target error) bool { return target == ErrRepairFailed }

// IsNotFound reports whether err is of kind ErrNotFound
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is of kind ErrConflict
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
