package report

import (
	"errors"
	"fmt"
	"time"
)

// EndpointUnavailableError means no browser control endpoint could be
// reached or started. Fatal to the run.
type EndpointUnavailableError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *EndpointUnavailableError) Error() string {
	msg := fmt.Sprintf("endpoint unavailable: %s after %d attempts", e.Endpoint, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EndpointUnavailableError) Unwrap() error { return e.Err }

// LoginTimeoutError means nobody completed login in the live browser in time.
type LoginTimeoutError struct {
	Waited time.Duration
	URL    string
}

func (e *LoginTimeoutError) Error() string {
	return fmt.Sprintf("login timeout: still unauthenticated after %s (url %s)", e.Waited, e.URL)
}

// SurfaceNotFoundError means the report surface or one of its roles could
// not be located.
type SurfaceNotFoundError struct {
	Report   Type
	Pattern  string
	Role     Role
	Attempts int
	Err      error
}

func (e *SurfaceNotFoundError) Error() string {
	msg := fmt.Sprintf("surface not found: %s", e.Report)
	if e.Role != "" {
		msg += " role=" + string(e.Role)
	}
	if e.Pattern != "" {
		msg += " pattern=" + e.Pattern
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SurfaceNotFoundError) Unwrap() error { return e.Err }

// UnsupportedDateRangeError is returned before any browser work when a
// multi-day range is requested for a report that aggregates server-side.
type UnsupportedDateRangeError struct {
	Report Type
	Start  time.Time
	End    time.Time
}

func (e *UnsupportedDateRangeError) Error() string {
	return fmt.Sprintf("unsupported date range: %s accepts single days only, got %s..%s",
		e.Report, FormatDate(e.Start), FormatDate(e.End))
}

// QueryTimeoutError means the result surface never signalled loaded.
type QueryTimeoutError struct {
	Report  Type
	Page    int
	Timeout time.Duration
	Err     error
}

func (e *QueryTimeoutError) Error() string {
	msg := fmt.Sprintf("query timeout: %s page %d not loaded within %s", e.Report, e.Page, e.Timeout)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *QueryTimeoutError) Unwrap() error { return e.Err }

// PaginationOverrunError means the next-page control stayed enabled past the
// page cap.
type PaginationOverrunError struct {
	Report   Type
	MaxPages int
}

func (e *PaginationOverrunError) Error() string {
	return fmt.Sprintf("pagination overrun: %s still has a next page after %d pages", e.Report, e.MaxPages)
}

// Fatal reports whether err ends the whole run.
func Fatal(err error) bool {
	var eu *EndpointUnavailableError
	return errors.As(err, &eu)
}

// PassFatal reports whether err ends the current report-type pass.
func PassFatal(err error) bool {
	var lt *LoginTimeoutError
	var sn *SurfaceNotFoundError
	return errors.As(err, &lt) || errors.As(err, &sn)
}

// IsConfig reports whether err is a caller configuration error.
func IsConfig(err error) bool {
	var ur *UnsupportedDateRangeError
	return errors.As(err, &ur)
}
