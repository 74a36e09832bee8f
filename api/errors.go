// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error values. Dispatcher invariant violations are not errors; they
// panic. These values cover configuration and lifecycle requests only.

package api

import "github.com/cockroachdb/errors"

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNotSupported      = errors.New("operation not supported")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrNotFound          = errors.New("resource not found")
	ErrBusy              = errors.New("resource busy")
)
