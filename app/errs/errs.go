// Package errs contains declarations of domain-level errors
// wrappers and methods to map them for client identification of the error.
package errs

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	ErrNotFound = errors.New("resource not found")
	ErrExists   = errors.New("resource already exists")
)

// ErrMalformedJob indicates that a record pulled from the delivery queue
// does not describe a valid delivery job; such records are dead-lettered.
var ErrMalformedJob = errors.New("malformed delivery job")

// ErrSubscriptionGone indicates that the subscription referred by a delivery
// job is not present in the store anymore; the delivery chain terminates
// without retries.
type ErrSubscriptionGone string

// Error returns the string representation of the error.
func (e ErrSubscriptionGone) Error() string {
	return fmt.Sprintf("subscription %q is not available", string(e))
}

// ErrUnexpectedStatus describes a non-2xx response from the subscriber's
// endpoint.
type ErrUnexpectedStatus int

// Error returns the string representation of the error.
func (e ErrUnexpectedStatus) Error() string {
	return fmt.Sprintf("endpoint responded with status %d", int(e))
}
