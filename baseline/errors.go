package baseline

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreCorrupt marks persisted data that cannot be trusted: unparseable,
	// unknown version, invalid records or a seal that does not verify.
	ErrStoreCorrupt = errors.New("baseline store corrupt")
	// ErrStoreWrite marks a failure to persist the store.
	ErrStoreWrite = errors.New("baseline store write failed")
	// ErrLayoutMismatch is returned when the file on disk was written with a
	// different layout than the one configured.
	ErrLayoutMismatch = errors.New("baseline store layout mismatch")
	// ErrTenantNotAllowed is returned by flat stores for any tenant other
	// than DefaultTenant.
	ErrTenantNotAllowed = errors.New("tenant not allowed by store layout")
	ErrInvalidTenant    = errors.New("invalid tenant")
	ErrUnknownBackend   = errors.New("unknown store backend")
)

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStoreCorrupt, fmt.Sprintf(format, args...))
}

func writeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreWrite, op, err)
}
