// Package errors provides error wrapping helpers shared across services.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound - resource not found
	ErrNotFound = errors.New("not found")
	// ErrInternalServerError internal server error
	ErrInternalServerError = errors.New("server encountered an internal error and was unable to complete the request")
	// ErrBadRequest bad request error
	ErrBadRequest = errors.New("error bad request")
	// ErrFailedClientRequest - failed to perform client request
	ErrFailedClientRequest = errors.New("failed to perform api request")
	// ErrFailedBodyRead - failed to read body
	ErrFailedBodyRead = errors.New("failed to read the response body")
	// ErrFailedBodyUnmarshal - failed to decode body
	ErrFailedBodyUnmarshal = errors.New("failed to unmarshal the response body")
)

// ErrorBundle creates a new response error
type ErrorBundle struct {
	cause   error
	message string
	data    interface{}
}

// New creates a new response error
func New(cause error, message string, data interface{}) error {
	return &ErrorBundle{
		cause,
		message,
		data,
	}
}

// Data from error origin
func (e ErrorBundle) Data() interface{} {
	return e.data
}

// Cause returns the associated cause
func (e ErrorBundle) Cause() error {
	return e.cause
}

// Unwrap returns the associated cause
func (e ErrorBundle) Unwrap() error {
	return e.cause
}

// Error turns into an error
func (e ErrorBundle) Error() string {
	return e.message
}

// DataToString returns string representation of data
func (e ErrorBundle) DataToString() string {
	if e.data == nil {
		return "no error bundle data"
	}
	b, err := json.Marshal(e.data)
	if err != nil {
		return fmt.Sprintf("error retrieving error bundle data %s", err.Error())
	}
	return string(b)
}

// Wrap wraps an error
func Wrap(cause error, message string) error {
	return &ErrorBundle{
		cause:   cause,
		message: message,
		data:    nil,
	}
}

// MultiError - allows for multiple errors, not necessarily chained
type MultiError struct {
	Errs []error
}

// Append - append new errors to this multierror
func (me *MultiError) Append(err ...error) {
	if me.Errs == nil {
		me.Errs = []error{}
	}
	me.Errs = append(me.Errs, err...)
}

// Count - returns the number of errors contained herein
func (me *MultiError) Count() int {
	return len(me.Errs)
}

// Error - implement Error interface
func (me *MultiError) Error() string {
	var errText string
	for _, err := range me.Errs {
		if errText == "" {
			errText = err.Error()
		} else {
			errText += fmt.Sprintf("; %s", err.Error())
		}
	}
	return errText
}

// Unwrap - implement unwrap interface, takes the first error
func (me *MultiError) Unwrap() error {
	if len(me.Errs) > 0 {
		return me.Errs[0]
	}
	return nil
}

// As - implement As interface for errors.As
func (me *MultiError) As(target interface{}) bool {
	for _, candidate := range me.Errs {
		if errors.As(candidate, target) {
			return true
		}
	}
	return false
}

// Is - implement Is interface for errors.Is
func (me *MultiError) Is(target error) bool {
	for _, candidate := range me.Errs {
		if errors.Is(candidate, target) {
			return true
		}
	}
	return false
}

// Contains - tells if the multierror contains an error with matching text
func (me *MultiError) Contains(text string) bool {
	for _, candidate := range me.Errs {
		if strings.Contains(candidate.Error(), text) {
			return true
		}
	}
	return false
}
