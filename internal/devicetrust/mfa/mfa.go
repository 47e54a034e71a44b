// Package mfa wraps the multi-party-computation vendor client behind tagged
// outcomes so the engine never inspects raw response shapes.
package mfa

import (
	"context"

	"github.com/louisbranch/devicetrust/internal/devicetrust"
	"github.com/louisbranch/devicetrust/internal/platform/errors"
)

// ErrUnavailable reports that the remote enrollment status could not be
// fetched. It is the only failure CheckStatus surfaces.
var ErrUnavailable = errors.New(errors.CodeRemoteUnavailable, "remote enrollment status unavailable")

// ErrNotBound reports a call made before Initialize bound the client to the
// requesting user. This is a usage error, not a runtime condition.
var ErrNotBound = errors.New(errors.CodeClientNotBound, "mfa client is not bound to this user")

// EnrollKind tags the result of a vendor enrollment.
type EnrollKind int

const (
	EnrollSuccess EnrollKind = iota
	EnrollAlreadyEnrolled
	EnrollFailure
)

// EnrollOutcome is the tagged result of Enroll.
type EnrollOutcome struct {
	Kind       EnrollKind
	Credential string
	Reason     string
}

// AuthKind tags the result of a vendor authentication.
type AuthKind int

const (
	AuthSuccess AuthKind = iota
	AuthNotEnrolled
	// AuthCryptoFailure means the vendor returned a well-formed but empty
	// payload. Treated as authentication failure, logged distinctly.
	AuthCryptoFailure
	AuthFailure
)

// AuthOutcome is the tagged result of Authenticate.
type AuthOutcome struct {
	Kind       AuthKind
	Credential string
	Evidence   *devicetrust.ChallengeEvidence
	Reason     string
}

// Client is the vendor MPC+passkey boundary.
//
// A client is bound 1:1 to a user: Initialize with the same user is a no-op,
// Initialize with a different user discards the previous binding (last wins).
// Two concurrent flows for different users are a usage error, not a handled
// case.
type Client interface {
	Initialize(ctx context.Context, user string) error
	// Reset discards the current binding, forcing reinitialization on the
	// next use. Logout calls this.
	Reset()
	CheckStatus(ctx context.Context, user string) (devicetrust.RemoteEnrollmentStatus, error)
	Enroll(ctx context.Context, user string, includePasskey bool) (EnrollOutcome, error)
	Authenticate(ctx context.Context, user string, includePasskey bool) (AuthOutcome, error)
}
