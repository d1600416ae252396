package error

import "errors"

// ErrorNotFound indicates that requested object wasn't found
var (
	ErrorNotFound       = errors.New("not found")
	ErrorEmptyParameter = errors.New("empty parameter")
	ErrorFailedParsing  = errors.New("failed to parse")

	// ErrorSafetyViolation indicates that the target device is the OS drive,
	// or that the OS drive could not be determined at all. It must never be
	// downgraded to a softer failure by callers.
	ErrorSafetyViolation = errors.New("operation rejected: target is the OS drive or OS drive is unknown")

	// ErrorToolUnavailable indicates that a required system utility is missing or not executable
	ErrorToolUnavailable = errors.New("system utility is not available")

	// ErrorToolFailure indicates that a system utility ran but reported a failing status or a defect finding
	ErrorToolFailure = errors.New("system utility reported failure")

	// ErrorTimeout indicates that a monitored long-running operation exceeded its bound
	ErrorTimeout = errors.New("operation timed out")
)
