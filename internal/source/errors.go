package source

import (
	"errors"
	"fmt"
	"time"
)

// ErrInputValidation marks caller mistakes. These are never retried.
var ErrInputValidation = errors.New("input validation failed")

var (
	// ErrInvalidDate is returned when a seed date is not formatted yyyy-mm-dd.
	ErrInvalidDate = fmt.Errorf("%w: date must be formatted yyyy-mm-dd", ErrInputValidation)

	// ErrInvalidCursor is returned for a negative change id or one the
	// provider rejects.
	ErrInvalidCursor = fmt.Errorf("%w: invalid change cursor", ErrInputValidation)
)

var (
	// ErrUpstreamUnavailable covers timeouts, 5xx, throttling and network
	// failures. Callers retry it with backoff.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrNotFound is returned when the provider no longer has an offer.
	ErrNotFound = errors.New("offer not found")

	// ErrUnsupported is returned by optional capabilities a source lacks.
	ErrUnsupported = errors.New("operation not supported by source")
)

// DateLayout is the only accepted seed date format.
const DateLayout = "2006-01-02"

// ValidateDate checks that date parses under DateLayout and round-trips
// exactly, rejecting forms like "2024-1-5".
func ValidateDate(date string) error {
	t, err := time.Parse(DateLayout, date)
	if err != nil || t.Format(DateLayout) != date {
		return fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return nil
}

// ValidateCursor rejects negative change ids.
func ValidateCursor(since int64) error {
	if since < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCursor, since)
	}
	return nil
}
