// README: Cross-module error classification.
package types

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks a transient backend failure (timeout, network, store down).
// Callers may retry; nothing was applied.
var ErrUnavailable = errors.New("backend unavailable")

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *unavailableError) Unwrap() []error { return []error{ErrUnavailable, e.err} }

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds while the
// original cause stays reachable. A nil err stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &unavailableError{op: op, err: err}
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
