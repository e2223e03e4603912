package dispatch

import (
	"errors"
	"fmt"
)

// Kind classifies why a dispatch failed.
type Kind string

const (
	ConfigNotFound       Kind = "config_not_found"
	ConfigMalformed      Kind = "config_malformed"
	ConfigDecryptFailure Kind = "config_decrypt_failure"
	SessionVerifyFailure Kind = "session_verify_failure"
	SendFailure          Kind = "send_failure"
)

// Error is returned alongside Failed. The caller on the wire only ever sees
// the outcome; Kind is kept for logs, metrics and tests.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind carried by err, or "" when err is not a dispatch
// error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
