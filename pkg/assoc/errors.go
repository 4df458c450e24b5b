// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"errors"
	"fmt"

	"github.com/dtn7/assoc-go/pkg/transport"
)

// The error kinds of this package. Every returned error wraps exactly one of
// them and can be checked with errors.Is.
var (
	// ErrValidation indicates bad arguments: a duplicate or unknown name, a port
	// out of range, an address collision or a channel type mismatch.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is an ErrValidation for an unknown server or association.
	ErrNotFound = fmt.Errorf("%w: not found", ErrValidation)

	// ErrInvalidState indicates an operation not allowed in the current state,
	// e.g., a stopped Management or a started association being removed.
	ErrInvalidState = errors.New("invalid state")

	// ErrResourceBusy indicates a dependency still in use, e.g., a server
	// referenced by associations.
	ErrResourceBusy = errors.New("resource busy")

	// ErrNotConnected is returned when sending without an established channel.
	ErrNotConnected = errors.New("not connected")

	// ErrUnsupportedOperation is returned for operations not valid for an
	// association's kind.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrInvalidStreamID is returned when sending on a stream outside the
	// negotiated outbound streams.
	ErrInvalidStreamID = transport.ErrInvalidStreamID
)

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func invalidStateErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

func busyErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrResourceBusy, fmt.Sprintf(format, args...))
}
