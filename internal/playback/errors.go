/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks data problems upstream of playback: a style
	// without a mix source, or a malformed schedule rule.
	ErrConfiguration = errors.New("configuration error")

	// ErrSinkUnavailable is returned when the device refuses or fails a request.
	ErrSinkUnavailable = errors.New("sink unavailable")

	// ErrStaleNotification marks a notification for a superseded load.
	ErrStaleNotification = errors.New("stale notification ignored")
)

// ConfigurationError describes which field is misconfigured.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrConfiguration, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrConfiguration.
func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// Misconfigured builds a ConfigurationError.
func Misconfigured(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

// SinkFailure wraps a transport error as ErrSinkUnavailable.
func SinkFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrSinkUnavailable, op, err)
}
