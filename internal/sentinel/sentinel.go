// Package sentinel defines a string-backed error type so failure kinds can be
// declared as constants and still match through wrapped chains with errors.Is.
package sentinel

import "fmt"

var _ error = Error("")

// Error is an immutable error kind. Values compare by their text, so two
// constants with the same message are the same kind.
type Error string

// Error implements the error interface.
func (e Error) Error() string {
	return string(e)
}

// With returns an error of kind e carrying a formatted detail message.
// errors.Is(e.With(...), e) reports true.
func (e Error) With(format string, args ...any) error {
	return fmt.Errorf("%w: %s", e, fmt.Sprintf(format, args...))
}
