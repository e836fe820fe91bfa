package resolver

import (
	"errors"
	"fmt"
)

var ErrVersionMismatch = errors.New("version mismatch")

// VersionMismatchError reports a runtime or package version that differs from
// what the lock and pin require. The resolver never falls back to a nearby
// version.
type VersionMismatchError struct {
	Subject string
	Want    string
	Got     string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s: want %s, got %s", e.Subject, e.Want, e.Got)
}

func (e *VersionMismatchError) Unwrap() error { return ErrVersionMismatch }

func mismatch(subject, want, got string) error {
	return &VersionMismatchError{Subject: subject, Want: want, Got: got}
}
