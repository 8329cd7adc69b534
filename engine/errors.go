package engine

import (
	"context"
	"errors"

	"fimcheck/baseline"
	"fimcheck/hasher"
)

// Error kinds reported by ErrorKind.
const (
	KindFileNotFound         = "file_not_found"
	KindIO                   = "io"
	KindUnsupportedAlgorithm = "unsupported_algorithm"
	KindStoreCorrupt         = "store_corrupt"
	KindStoreWrite           = "store_write"
	KindLayoutMismatch       = "layout_mismatch"
	KindTenant               = "tenant"
	KindCanceled             = "canceled"
	KindUnknown              = "unknown"
)

// ErrorKind classifies err for reports and exit handling.
func ErrorKind(err error) string {
	var readErr *hasher.ReadError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrFileNotFound):
		return KindFileNotFound
	case errors.Is(err, hasher.ErrUnsupportedAlgorithm), errors.Is(err, hasher.ErrNoAlgorithms):
		return KindUnsupportedAlgorithm
	case errors.Is(err, baseline.ErrStoreCorrupt):
		return KindStoreCorrupt
	case errors.Is(err, baseline.ErrStoreWrite):
		return KindStoreWrite
	case errors.Is(err, baseline.ErrLayoutMismatch):
		return KindLayoutMismatch
	case errors.Is(err, baseline.ErrTenantNotAllowed), errors.Is(err, baseline.ErrInvalidTenant):
		return KindTenant
	case errors.As(err, &readErr), errors.Is(err, ErrNotRegularFile):
		return KindIO
	default:
		return KindUnknown
	}
}
