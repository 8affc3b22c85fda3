package dragonfly

import (
	"errors"
	"strings"
)

// Error is the dragonfly error domain type.
//
// Errors coming out of dragonfly components should be inspectable as
// ([errors.As]) an *Error somewhere in the error chain. Components create an
// Error at the system boundary (an HTTP exchange, a rule compile, an archive
// open) and intermediate layers wrap with [fmt.Errorf] and the "%w" verb
// instead of creating a containing Error.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Message string
	Op      string
	// URL is the resource the failure concerns: a distribution, or a server
	// endpoint. Credentials are never included.
	URL string
}

var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
//
// The result is the non-empty parts of "op: kind: url: message: inner", so a
// failure report names the resource it's about.
func (e *Error) Error() string {
	parts := make([]string, 0, 5)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Kind.known() {
		parts = append(parts, string(e.Kind))
	} else {
		parts = append(parts, "unknown error")
	}
	if e.URL != "" {
		parts = append(parts, e.URL)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Inner != nil {
		parts = append(parts, e.Inner.Error())
	}
	return strings.Join(parts, ": ")
}

// Is enables [errors.Is].
//
// It compares the error kind. Callers should compare against a declared
// [ErrorKind] over a specific error.
func (e *Error) Is(kind error) bool {
	switch kind {
	case ErrJobFailure:
		// Job-level failures are reported to the server instead of aborting
		// the cycle.
		switch e.Kind {
		case ErrDownloadTooLarge, ErrArchiveFormat, ErrScan:
			return true
		}
		return false
	default:
	}
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error {
	return e.Inner
}

// ErrorKind represents classes of errors to be checked against.
//
// If an error is unsure which kind to use, ErrInternal should be used.
type ErrorKind string

// Defined error kinds.
var (
	ErrNetwork          = ErrorKind("network")            // transport failure or unexpected HTTP status
	ErrAuthorization    = ErrorKind("authorization")      // server rejected the credential (401/403)
	ErrAuthentication   = ErrorKind("authentication")     // credential exchange failed
	ErrRuleCompilation  = ErrorKind("rule compilation")   // malformed ruleset fragment
	ErrDownloadTooLarge = ErrorKind("download too large") // size ceiling tripped
	ErrArchiveFormat    = ErrorKind("archive format")     // buffered bytes are not a container
	ErrScan             = ErrorKind("scan")               // scanning engine failure
	ErrInvalid          = ErrorKind("invalid")            // invalid input
	ErrInternal         = ErrorKind("internal")           // non-specific internal error

	// ErrJobFailure should only be used for an [Is] comparison.
	// It's true for any error that should resolve a job as a submitted
	// failure rather than end the current cycle.
	ErrJobFailure = ErrorKind("job failure")
)

func (e ErrorKind) known() bool {
	switch e {
	case ErrNetwork,
		ErrAuthorization,
		ErrAuthentication,
		ErrRuleCompilation,
		ErrDownloadTooLarge,
		ErrArchiveFormat,
		ErrScan,
		ErrInvalid,
		ErrInternal:
		return true
	}
	return false
}

// Error implements error.
func (e ErrorKind) Error() string {
	return string(e)
}
