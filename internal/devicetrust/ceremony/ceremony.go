// Package ceremony abstracts a single physical-key WebAuthn operation.
//
// The engine only sees enroll/authenticate with typed failure codes; the
// browser or hardware interaction hides behind a Prompter the host supplies.
package ceremony

import (
	"context"
	"fmt"
	"time"
)

// Code classifies why a ceremony failed.
type Code string

const (
	CodeUserCancelled         Code = "user-cancelled"
	CodeInsecureContext       Code = "insecure-context"
	CodeDuplicateRegistration Code = "duplicate-registration"
	CodeNoCredentialEnrolled  Code = "no-credential-enrolled"
	CodeOther                 Code = "other"
)

// Error is a ceremony failure with a machine-readable code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Errf builds a ceremony error with a formatted message.
func Errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a ceremony error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the ceremony code from an error, or CodeOther.
func CodeOf(err error) Code {
	for err != nil {
		if typed, ok := err.(*Error); ok {
			return typed.Code
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return CodeOther
		}
		err = unwrapper.Unwrap()
	}
	return CodeOther
}

// CredentialHandle is the opaque result of a successful enrollment. The
// engine persists it; the ceremony never touches storage.
type CredentialHandle struct {
	ID             string
	CredentialJSON string
	CreatedAt      time.Time
}

// AssertionProof is the result of a successful authentication ceremony.
type AssertionProof struct {
	CredentialID string
	SignCount    uint32
}

// Ceremony performs physical-key enroll and authenticate operations.
//
// Enroll succeeds at most once per user per device; a second attempt yields
// CodeDuplicateRegistration without prompting. Authenticate requires a prior
// successful enrollment; absence yields CodeNoCredentialEnrolled without
// prompting.
type Ceremony interface {
	Enroll(ctx context.Context, user string) (CredentialHandle, error)
	Authenticate(ctx context.Context, user string) (AssertionProof, error)
}
