package pause

import "errors"

var (
	// ErrUnknownReason is returned when the selected reason is not in the catalog
	ErrUnknownReason = errors.New("unknown pause reason")

	// ErrStartFailed wraps a failed session start
	ErrStartFailed = errors.New("could not start pause")

	// ErrRequestFailed wraps a failed approval request
	ErrRequestFailed = errors.New("could not request pause approval")

	// ErrEndFailed wraps a failed session end; the session stays active
	ErrEndFailed = errors.New("could not end pause")

	// ErrCatalogUnavailable is returned when reasons cannot be loaded
	ErrCatalogUnavailable = errors.New("pause reasons unavailable")
)
