// Package engine implements the device-trust state machine.
//
// The engine is an explicit instance owning its collaborators: the device
// store, the physical-key ceremony, the MFA vendor client, and the token
// validator. It derives trust state on demand and executes the trust, login,
// step-up, suspend, reactivate, and purge transitions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/devicetrust/internal/devicetrust"
	"github.com/louisbranch/devicetrust/internal/devicetrust/ceremony"
	"github.com/louisbranch/devicetrust/internal/devicetrust/mfa"
	"github.com/louisbranch/devicetrust/internal/devicetrust/storage"
	apperrors "github.com/louisbranch/devicetrust/internal/platform/errors"
)

// TokenValidator reports whether the remote endpoint accepted a credential.
type TokenValidator interface {
	Validate(ctx context.Context, user string, credential string) bool
}

// ConfirmFunc asks the user to confirm a sensitive step. Returning false
// aborts the transition with OutcomeNotConfirmed.
type ConfirmFunc func(ctx context.Context, prompt string) bool

// Engine is the device-trust state machine.
//
// One engine serves one device. Transitions are serialized: a host calling
// from multiple goroutines cannot interleave store mutations, matching the
// single-active-flow assumption of the collaborators.
type Engine struct {
	mu sync.Mutex

	store     storage.DeviceStore
	ceremony  ceremony.Ceremony
	mfa       mfa.Client
	validator TokenValidator

	confirm           ConfirmFunc
	requireValidation bool
	clock             func() time.Time
	tracer            trace.Tracer

	sessionUser devicetrust.UserIdentity
	evidence    *devicetrust.ChallengeEvidence
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithConfirm installs the user-confirmation callback. Without one, every
// confirmation step auto-approves.
func WithConfirm(confirm ConfirmFunc) Option {
	return func(e *Engine) { e.confirm = confirm }
}

// WithValidationGating makes a rejected token validation fail the enclosing
// transition instead of only being logged.
func WithValidationGating(gate bool) Option {
	return func(e *Engine) { e.requireValidation = gate }
}

// WithClock overrides the engine clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// New builds an engine from its collaborators.
func New(store storage.DeviceStore, cer ceremony.Ceremony, client mfa.Client, validator TokenValidator, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if cer == nil {
		return nil, fmt.Errorf("ceremony is required")
	}
	if client == nil {
		return nil, fmt.Errorf("mfa client is required")
	}
	if validator == nil {
		return nil, fmt.Errorf("token validator is required")
	}

	e := &Engine{
		store:     store,
		ceremony:  cer,
		mfa:       client,
		validator: validator,
		clock:     time.Now,
		tracer:    otel.Tracer("devicetrust/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Session returns the active login identity, if any.
func (e *Engine) Session() (devicetrust.UserIdentity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionUser, e.sessionUser != ""
}

// Evidence returns the most recent challenge evidence for display.
func (e *Engine) Evidence() *devicetrust.ChallengeEvidence {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evidence
}

// DeriveState computes the trust state for a user by combining stored flags
// with a live enrollment check. The result is never cached.
func (e *Engine) DeriveState(ctx context.Context, rawUser string) (devicetrust.State, error) {
	user, err := devicetrust.NormalizeIdentity(rawUser)
	if err != nil {
		return devicetrust.StateUntrusted, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deriveStateLocked(ctx, user)
}

func (e *Engine) deriveStateLocked(ctx context.Context, user devicetrust.UserIdentity) (devicetrust.State, error) {
	record, err := e.loadRecord(ctx, user)
	if err != nil {
		return devicetrust.StateUntrusted, err
	}

	if err := e.mfa.Initialize(ctx, string(user)); err != nil {
		return devicetrust.StateUntrusted, fmt.Errorf("initialize mfa client: %w", err)
	}
	status, err := e.mfa.CheckStatus(ctx, string(user))
	if err != nil {
		return devicetrust.StateUntrusted, apperrors.Wrap(apperrors.CodeRemoteUnavailable, "derive state", err)
	}

	if !record.HasPhysicalKey() || !status.FullyEnrolled() {
		return devicetrust.StateUntrusted, nil
	}
	if record.Suspended {
		return devicetrust.StateSuspended, nil
	}
	if e.sessionUser == user {
		return devicetrust.StateTrustedLoggedIn, nil
	}
	return devicetrust.StateTrustedLoggedOut, nil
}

// TrustDevice enrolls this device for a user: physical-key ceremony, user
// confirmation, then vendor enrollment with the passkey factor forced on.
//
// The physical-key flag persists as soon as the ceremony succeeds, so a
// failed vendor enrollment can be retried without repeating the ceremony.
// The flag is never rolled back on vendor failure.
func (e *Engine) TrustDevice(ctx context.Context, rawUser string) (devicetrust.Result, error) {
	user, err := devicetrust.NormalizeIdentity(rawUser)
	if err != nil {
		return devicetrust.Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.TrustDevice")
	defer span.End()

	record, err := e.loadRecord(ctx, user)
	if err != nil {
		return devicetrust.Result{}, err
	}

	if !record.HasPhysicalKey() {
		handle, err := e.ceremony.Enroll(ctx, string(user))
		if err != nil {
			return e.finish(span, ceremonyResult(err)), nil
		}
		record.CredentialID = handle.ID
		record.CredentialJSON = handle.CredentialJSON
		record.CredentialCreatedAt = handle.CreatedAt
		if err := e.putRecord(ctx, record); err != nil {
			return devicetrust.Result{}, err
		}
	}

	if !e.confirmed(ctx, fmt.Sprintf("Register %s with the authentication service?", user)) {
		return e.finish(span, devicetrust.Result{Outcome: devicetrust.OutcomeNotConfirmed}), nil
	}

	if err := e.mfa.Initialize(ctx, string(user)); err != nil {
		return devicetrust.Result{}, fmt.Errorf("initialize mfa client: %w", err)
	}
	// Trusting a device always requests the passkey factor.
	outcome, err := e.mfa.Enroll(ctx, string(user), true)
	if err != nil {
		return devicetrust.Result{}, fmt.Errorf("vendor enroll: %w", err)
	}

	switch outcome.Kind {
	case mfa.EnrollAlreadyEnrolled:
		return e.finish(span, devicetrust.Result{Outcome: devicetrust.OutcomeAlreadyEnrolled}), nil
	case mfa.EnrollFailure:
		return e.finish(span, devicetrust.Result{Outcome: devicetrust.OutcomeFailure, Message: outcome.Reason}), nil
	}

	if result, gated := e.validateToken(ctx, user, outcome.Credential); gated {
		return e.finish(span, result), nil
	}
	e.openSession(ctx, user)
	return e.finish(span, devicetrust.Result{Outcome: devicetrust.OutcomeSuccess, Token: outcome.Credential}), nil
}

// Login authenticates a trusted user with the vendor, honoring the stored
// passkey preference. It is unavailable while the device is suspended: no
// vendor call happens in that case.
func (e *Engine) Login(ctx context.Context, rawUser string) (devicetrust.Result, error) {
	user, err := devicetrust.NormalizeIdentity(rawUser)
	if err != nil {
		return devicetrust.Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.Login")
	defer span.End()

	record, err := e.loadRecord(ctx, user)
	if err != nil {
		return devicetrust.Result{}, err
	}
	if record.Suspended {
		return e.finish(span, devicetrust.Result{
			Outcome: devicetrust.OutcomeSuspended,
			Message: "device is suspended; reactivate with the physical key first",
		}), nil
	}

	if err := e.mfa.Initialize(ctx, string(user)); err != nil {
		return devicetrust.Result{}, fmt.Errorf("initialize mfa client: %w", err)
	}
	outcome, err := e.mfa.Authenticate(ctx, string(user), record.PasskeyPreference)
	if err != nil {
		return devicetrust.Result{}, fmt.Errorf("vendor authenticate: %w", err)
	}

	if result, done := e.authResult(outcome); done {
		return e.finish(span, result), nil
	}
	e.evidence = outcome.Evidence

	if result, gated := e.validateToken(ctx, user, outcome.Credential); gated {
		return e.finish(span, result), nil
	}
	e.openSession(ctx, user)
	return e.finish(span, devicetrust.Result{
		Outcome:  devicetrust.OutcomeSuccess,
		Evidence: outcome.Evidence,
		Token:    outcome.Credential,
	}), nil
}

// Reactivate clears a suspension. The physical-key ceremony must succeed
// first; only then is the vendor consulted, with the passkey factor forced
// on so the account leaves suspension fully re-verified.
func (e *Engine) Reactivate(ctx context.Context, rawUser string) (devicetrust.Result, error) {
	user, err := devicetrust.NormalizeIdentity(rawUser)
	if err != nil {
		return devicetrust.Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.Reactivate")
	defer span.End()

	record, err := e.loadRecord(ctx, user)
	if err != nil {
		return devicetrust.Result{}, err
	}
	if !record.Suspended {
		return e.finish(span, devicetrust.Result{
			Outcome: devicetrust.OutcomeFailure,
			Message: "device is not suspended",
		}), nil
	}

	// Ceremony first: the vendor must not be called until the physical
	// key proves presence.
	if _, err := e.ceremony.Authenticate(ctx, string(user)); err != nil {
		return e.finish(span, ceremonyResult(err)), nil
	}

	if err := e.mfa.Initialize(ctx, string(user)); err != nil {
		return devicetrust.Result{}, fmt.Errorf("initialize mfa client: %w", err)
	}
	outcome, err := e.mfa.Authenticate(ctx, string(user), true)
	if err != nil {
		return devicetrust.Result{}, fmt.Errorf("vendor authenticate: %w", err)
	}

	if result, done := e.authResult(outcome); done {
		return e.finish(span, result), nil
	}
	e.evidence = outcome.Evidence

	record.Suspended = false
	record.PasskeyPreference = true
	if err := e.putRecord(ctx, record); err != nil {
		return devicetrust.Result{}, err
	}

	if result, gated := e.validateToken(ctx, user, outcome.Credential); gated {
		return e.finish(span, result), nil
	}
	e.openSession(ctx, user)
	return e.finish(span, devicetrust.Result{
		Outcome:  devicetrust.OutcomeSuccess,
		Evidence: outcome.Evidence,
		Token:    outcome.Credential,
	}), nil
}

// StepUp re-authenticates the session user to authorize a single action. It
// never changes the engine's state.
func (e *Engine) StepUp(ctx context.Context, action string) (devicetrust.Result, error) {
	if action == "" {
		return devicetrust.Result{}, apperrors.New(apperrors.CodeActionRequired, "action identifier is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sessionUser == "" {
		// No collaborator call may happen without a session.
		return devicetrust.Result{
			Outcome: devicetrust.OutcomeNoSession,
			Message: fmt.Sprintf("no active session to authorize %q", action),
		}, nil
	}

	ctx, span := e.tracer.Start(ctx, "engine.StepUp",
		trace.WithAttributes(attribute.String("devicetrust.action", action)))
	defer span.End()

	user := e.sessionUser
	record, err := e.loadRecord(ctx, user)
	if err != nil {
		return devicetrust.Result{}, err
	}

	if err := e.mfa.Initialize(ctx, string(user)); err != nil {
		return devicetrust.Result{}, fmt.Errorf("initialize mfa client: %w", err)
	}
	outcome, err := e.mfa.Authenticate(ctx, string(user), record.PasskeyPreference)
	if err != nil {
		return devicetrust.Result{}, fmt.Errorf("vendor authenticate: %w", err)
	}

	if result, done := e.authResult(outcome); done {
		return e.finish(span, result), nil
	}
	e.evidence = outcome.Evidence

	log.Printf("engine: step-up authorized action %q for user %s", action, user)
	return e.finish(span, devicetrust.Result{
		Outcome:  devicetrust.OutcomeSuccess,
		Evidence: outcome.Evidence,
		Token:    outcome.Credential,
	}), nil
}

// Logout discards the vendor client instance, the session, and any displayed
// challenge evidence. It cannot fail.
func (e *Engine) Logout(ctx context.Context) devicetrust.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, span := e.tracer.Start(ctx, "engine.Logout")
	defer span.End()

	e.logoutLocked()
	return devicetrust.Result{Outcome: devicetrust.OutcomeSuccess}
}

func (e *Engine) logoutLocked() {
	e.mfa.Reset()
	e.sessionUser = ""
	e.evidence = nil
}

// Suspend blocks passkey login for a fully trusted user on this device,
// then logs out. Suspending an untrusted device is a no-op.
func (e *Engine) Suspend(ctx context.Context, rawUser string) (devicetrust.Result, error) {
	user, err := devicetrust.NormalizeIdentity(rawUser)
	if err != nil {
		return devicetrust.Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.Suspend")
	defer span.End()

	record, err := e.loadRecord(ctx, user)
	if err != nil {
		return devicetrust.Result{}, err
	}
	if record.Suspended {
		return e.finish(span, devicetrust.Result{
			Outcome: devicetrust.OutcomeFailure,
			Message: "device is already suspended",
		}), nil
	}

	if err := e.mfa.Initialize(ctx, string(user)); err != nil {
		return devicetrust.Result{}, fmt.Errorf("initialize mfa client: %w", err)
	}
	status, err := e.mfa.CheckStatus(ctx, string(user))
	if err != nil {
		return devicetrust.Result{}, apperrors.Wrap(apperrors.CodeRemoteUnavailable, "suspend", err)
	}
	if !record.HasPhysicalKey() || !status.FullyEnrolled() {
		return e.finish(span, devicetrust.Result{
			Outcome: devicetrust.OutcomeFailure,
			Message: "suspension requires a fully trusted device",
		}), nil
	}

	if !e.confirmed(ctx, fmt.Sprintf("Suspend passkey login for %s on this device?", user)) {
		return e.finish(span, devicetrust.Result{Outcome: devicetrust.OutcomeNotConfirmed}), nil
	}

	record.Suspended = true
	if err := e.putRecord(ctx, record); err != nil {
		return devicetrust.Result{}, err
	}

	e.logoutLocked()
	return e.finish(span, devicetrust.Result{Outcome: devicetrust.OutcomeSuccess}), nil
}

// Purge clears all device trust state, keeping the remembered identity for
// convenience. Suspension is device-local, so a purge clears it too; hosts
// that treat suspension as a security control must mirror it server-side.
func (e *Engine) Purge(ctx context.Context) (devicetrust.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.Purge")
	defer span.End()

	if err := e.store.Purge(ctx, true); err != nil {
		return devicetrust.Result{}, apperrors.Wrap(apperrors.CodeStorageFailure, "purge device state", err)
	}
	e.logoutLocked()
	return e.finish(span, devicetrust.Result{Outcome: devicetrust.OutcomeSuccess}), nil
}

// SetPasskeyPreference records the user's toggle for the secondary passkey
// factor, honored by Login and StepUp.
func (e *Engine) SetPasskeyPreference(ctx context.Context, rawUser string, enabled bool) error {
	user, err := devicetrust.NormalizeIdentity(rawUser)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadRecord(ctx, user)
	if err != nil {
		return err
	}
	record.PasskeyPreference = enabled
	return e.putRecord(ctx, record)
}

// RememberedUser returns the identity remembered across purges, if any.
func (e *Engine) RememberedUser(ctx context.Context) (string, bool) {
	user, err := e.store.GetRememberedUser(ctx)
	if err != nil {
		return "", false
	}
	return user, true
}

// loadRecord fetches the record for a user, mapping absence to defaults.
func (e *Engine) loadRecord(ctx context.Context, user devicetrust.UserIdentity) (storage.DeviceRecord, error) {
	record, err := e.store.GetDeviceRecord(ctx, string(user))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.NewDeviceRecord(string(user)), nil
		}
		return storage.DeviceRecord{}, apperrors.Wrap(apperrors.CodeStorageFailure, "load device record", err)
	}
	return record, nil
}

func (e *Engine) putRecord(ctx context.Context, record storage.DeviceRecord) error {
	record.UpdatedAt = e.clock().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}
	if err := e.store.PutDeviceRecord(ctx, record); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "put device record", err)
	}
	return nil
}

func (e *Engine) openSession(ctx context.Context, user devicetrust.UserIdentity) {
	e.sessionUser = user
	if err := e.store.SetRememberedUser(ctx, string(user)); err != nil {
		log.Printf("engine: remember user %s: %v", user, err)
	}
}

func (e *Engine) confirmed(ctx context.Context, prompt string) bool {
	if e.confirm == nil {
		return true
	}
	return e.confirm(ctx, prompt)
}

// validateToken posts the credential to the validation endpoint. The result
// is always logged; it fails the transition only under validation gating.
func (e *Engine) validateToken(ctx context.Context, user devicetrust.UserIdentity, credential string) (devicetrust.Result, bool) {
	accepted := e.validator.Validate(ctx, string(user), credential)
	if !accepted {
		log.Printf("engine: token validation rejected for user %s (gating=%t)", user, e.requireValidation)
	}
	if e.requireValidation && !accepted {
		return devicetrust.Result{
			Outcome: devicetrust.OutcomeFailure,
			Message: "token validation rejected",
		}, true
	}
	return devicetrust.Result{}, false
}

// authResult maps non-success vendor authentication outcomes to results.
// The second return is false when the outcome is a success.
func (e *Engine) authResult(outcome mfa.AuthOutcome) (devicetrust.Result, bool) {
	switch outcome.Kind {
	case mfa.AuthNotEnrolled:
		return devicetrust.Result{Outcome: devicetrust.OutcomeNotEnrolled}, true
	case mfa.AuthCryptoFailure:
		log.Printf("engine: vendor returned an empty signing payload")
		return devicetrust.Result{Outcome: devicetrust.OutcomeCryptoFailure}, true
	case mfa.AuthFailure:
		return devicetrust.Result{Outcome: devicetrust.OutcomeFailure, Message: outcome.Reason}, true
	}
	return devicetrust.Result{}, false
}

// ceremonyResult maps a ceremony error to a transition result.
func ceremonyResult(err error) devicetrust.Result {
	switch ceremony.CodeOf(err) {
	case ceremony.CodeUserCancelled:
		return devicetrust.Result{Outcome: devicetrust.OutcomeUserCancelled}
	case ceremony.CodeDuplicateRegistration:
		return devicetrust.Result{Outcome: devicetrust.OutcomeAlreadyEnrolled, Message: err.Error()}
	default:
		return devicetrust.Result{Outcome: devicetrust.OutcomeFailure, Message: err.Error()}
	}
}

// finish records the outcome on the span and returns the result.
func (e *Engine) finish(span trace.Span, result devicetrust.Result) devicetrust.Result {
	span.SetAttributes(attribute.String("devicetrust.outcome", string(result.Outcome)))
	return result
}
