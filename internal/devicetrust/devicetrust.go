package devicetrust

import (
	"strings"

	apperrors "github.com/louisbranch/devicetrust/internal/platform/errors"
)

// UserIdentity is the opaque, case-normalized key joining local device state,
// vendor enrollment, and token validation for one user.
type UserIdentity string

// NormalizeIdentity canonicalizes a raw identity string.
//
// Identities are compared case-insensitively across every collaborator, so a
// single normalization point keeps "Alice" and "alice " from diverging into
// two device records.
func NormalizeIdentity(raw string) (UserIdentity, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return "", apperrors.New(apperrors.CodeIdentityRequired, "user identity is required")
	}
	return UserIdentity(trimmed), nil
}

// RemoteEnrollmentStatus reports server-side enrollment for a user. It is
// fetched live from the MFA vendor on every derivation and never persisted;
// it may disagree with local flags after a storage purge on one device.
type RemoteEnrollmentStatus struct {
	HasMPCShare      bool
	HasRemotePasskey bool
}

// FullyEnrolled reports whether the remote side holds both factors.
func (s RemoteEnrollmentStatus) FullyEnrolled() bool {
	return s.HasMPCShare && s.HasRemotePasskey
}

// State is the derived trust state of a user on this device. It is computed
// on demand from stored flags plus a live enrollment check, never cached.
type State int

const (
	// StateUntrusted means no physical key is registered locally, or the
	// remote side is not fully enrolled.
	StateUntrusted State = iota
	// StateTrustedLoggedOut means fully trusted with no active session.
	StateTrustedLoggedOut
	// StateTrustedLoggedIn means fully trusted with an active session.
	StateTrustedLoggedIn
	// StateSuspended means fully trusted but blocked from passkey login
	// until a physical-key ceremony succeeds.
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateUntrusted:
		return "untrusted"
	case StateTrustedLoggedOut:
		return "trusted-logged-out"
	case StateTrustedLoggedIn:
		return "trusted-logged-in"
	case StateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Outcome classifies the user-visible result of a trust transition.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeUserCancelled   Outcome = "user-cancelled"
	OutcomeAlreadyEnrolled Outcome = "already-enrolled"
	OutcomeNotEnrolled     Outcome = "not-enrolled"
	OutcomeCryptoFailure   Outcome = "crypto-failure"
	OutcomeSuspended       Outcome = "suspended"
	OutcomeNoSession       Outcome = "no-session"
	OutcomeNotConfirmed    Outcome = "not-confirmed"
	OutcomeFailure         Outcome = "failure"
)

// Result is the outcome a transition reports back to its caller.
type Result struct {
	Outcome Outcome
	// Message carries human-facing detail for failure outcomes.
	Message string
	// Evidence is display-only challenge material from the vendor
	// ceremony. It never affects control flow.
	Evidence *ChallengeEvidence
	// Token is the credential issued by the vendor on success.
	Token string
}

// Succeeded reports whether the transition completed.
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// ChallengeEvidence is an opaque pair of strings surfaced for human-facing
// display: a fingerprint of the ceremony's client data and a serialized
// signature.
type ChallengeEvidence struct {
	ClientDataFingerprint string
	Signature             string
}
