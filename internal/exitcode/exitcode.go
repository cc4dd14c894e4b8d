// Package exitcode lists the process exit codes of billctl.
package exitcode

import "errors"

const (
	Success         = 0
	UsageError      = 1
	ValidationError = 2
	DBConnError     = 3
	BrokerError     = 4
	// Rejected means the quote ran but the claim was not approved
	Rejected = 5
)

// Error carries the exit code a command wants main to exit with
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches code to err. A nil err stays nil.
func Wrap(code int, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// From returns the exit code for err: Success for nil, the wrapped code
// when there is one, UsageError otherwise.
func From(err error) int {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return UsageError
}
