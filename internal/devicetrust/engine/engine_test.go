package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/devicetrust/internal/devicetrust"
	"github.com/louisbranch/devicetrust/internal/devicetrust/ceremony"
	"github.com/louisbranch/devicetrust/internal/devicetrust/mfa"
	"github.com/louisbranch/devicetrust/internal/devicetrust/storage"
	apperrors "github.com/louisbranch/devicetrust/internal/platform/errors"
)

type fakeStore struct {
	records    map[string]storage.DeviceRecord
	remembered string
	putErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]storage.DeviceRecord)}
}

func (s *fakeStore) GetDeviceRecord(_ context.Context, userID string) (storage.DeviceRecord, error) {
	record, ok := s.records[userID]
	if !ok {
		return storage.DeviceRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *fakeStore) PutDeviceRecord(_ context.Context, record storage.DeviceRecord) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.records[record.UserID] = record
	return nil
}

func (s *fakeStore) DeleteDeviceRecord(_ context.Context, userID string) error {
	delete(s.records, userID)
	return nil
}

func (s *fakeStore) GetRememberedUser(_ context.Context) (string, error) {
	if s.remembered == "" {
		return "", storage.ErrNotFound
	}
	return s.remembered, nil
}

func (s *fakeStore) SetRememberedUser(_ context.Context, userID string) error {
	s.remembered = userID
	return nil
}

func (s *fakeStore) Purge(_ context.Context, keepIdentity bool) error {
	s.records = make(map[string]storage.DeviceRecord)
	if !keepIdentity {
		s.remembered = ""
	}
	return nil
}

type fakeCeremony struct {
	calls *[]string

	enrollHandle ceremony.CredentialHandle
	enrollErr    error
	authProof    ceremony.AssertionProof
	authErr      error
}

func (c *fakeCeremony) Enroll(_ context.Context, user string) (ceremony.CredentialHandle, error) {
	*c.calls = append(*c.calls, "ceremony.enroll")
	if c.enrollErr != nil {
		return ceremony.CredentialHandle{}, c.enrollErr
	}
	return c.enrollHandle, nil
}

func (c *fakeCeremony) Authenticate(_ context.Context, user string) (ceremony.AssertionProof, error) {
	*c.calls = append(*c.calls, "ceremony.authenticate")
	if c.authErr != nil {
		return ceremony.AssertionProof{}, c.authErr
	}
	return c.authProof, nil
}

type fakeMfa struct {
	calls *[]string

	status      devicetrust.RemoteEnrollmentStatus
	statusErr   error
	enrollOut   mfa.EnrollOutcome
	authOut     mfa.AuthOutcome
	lastPasskey *bool

	boundUser  string
	resetCount int
}

func (m *fakeMfa) Initialize(_ context.Context, user string) error {
	*m.calls = append(*m.calls, "mfa.initialize")
	m.boundUser = user
	return nil
}

func (m *fakeMfa) Reset() {
	m.resetCount++
	m.boundUser = ""
}

func (m *fakeMfa) CheckStatus(_ context.Context, _ string) (devicetrust.RemoteEnrollmentStatus, error) {
	*m.calls = append(*m.calls, "mfa.checkstatus")
	if m.statusErr != nil {
		return devicetrust.RemoteEnrollmentStatus{}, m.statusErr
	}
	return m.status, nil
}

func (m *fakeMfa) Enroll(_ context.Context, _ string, includePasskey bool) (mfa.EnrollOutcome, error) {
	*m.calls = append(*m.calls, "mfa.enroll")
	m.lastPasskey = &includePasskey
	return m.enrollOut, nil
}

func (m *fakeMfa) Authenticate(_ context.Context, _ string, includePasskey bool) (mfa.AuthOutcome, error) {
	*m.calls = append(*m.calls, "mfa.authenticate")
	m.lastPasskey = &includePasskey
	return m.authOut, nil
}

type fakeValidator struct {
	calls  *[]string
	accept bool
}

func (v *fakeValidator) Validate(_ context.Context, _ string, _ string) bool {
	*v.calls = append(*v.calls, "validator.validate")
	return v.accept
}

type harness struct {
	engine    *Engine
	store     *fakeStore
	ceremony  *fakeCeremony
	mfa       *fakeMfa
	validator *fakeValidator
	calls     []string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{store: newFakeStore()}
	h.ceremony = &fakeCeremony{
		calls: &h.calls,
		enrollHandle: ceremony.CredentialHandle{
			ID:             "cred-1",
			CredentialJSON: `{"id":"cred-1"}`,
			CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		authProof: ceremony.AssertionProof{CredentialID: "cred-1", SignCount: 2},
	}
	h.mfa = &fakeMfa{
		calls:     &h.calls,
		status:    devicetrust.RemoteEnrollmentStatus{HasMPCShare: true, HasRemotePasskey: true},
		enrollOut: mfa.EnrollOutcome{Kind: mfa.EnrollSuccess, Credential: "token-1"},
		authOut:   mfa.AuthOutcome{Kind: mfa.AuthSuccess, Credential: "token-1"},
	}
	h.validator = &fakeValidator{calls: &h.calls, accept: true}

	engine, err := New(h.store, h.ceremony, h.mfa, h.validator, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = engine
	return h
}

// trust brings a user to the fully-trusted, logged-in state.
func (h *harness) trust(t *testing.T, user string) {
	t.Helper()
	result, err := h.engine.TrustDevice(context.Background(), user)
	if err != nil {
		t.Fatalf("trust device: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("trust device outcome = %s (%s)", result.Outcome, result.Message)
	}
	h.calls = nil
}

func TestNewRequiresCollaborators(t *testing.T) {
	h := newHarness(t)
	if _, err := New(nil, h.ceremony, h.mfa, h.validator); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := New(h.store, nil, h.mfa, h.validator); err == nil {
		t.Fatal("expected error for nil ceremony")
	}
	if _, err := New(h.store, h.ceremony, nil, h.validator); err == nil {
		t.Fatal("expected error for nil mfa client")
	}
	if _, err := New(h.store, h.ceremony, h.mfa, nil); err == nil {
		t.Fatal("expected error for nil validator")
	}
}

func TestTrustDeviceFreshUser(t *testing.T) {
	// Scenario A: fresh user, ceremony and vendor enrollment succeed.
	h := newHarness(t)
	ctx := context.Background()

	state, err := h.engine.DeriveState(ctx, "Alice")
	if err != nil {
		t.Fatalf("derive state: %v", err)
	}
	h.mfa.status = devicetrust.RemoteEnrollmentStatus{}
	state, err = h.engine.DeriveState(ctx, "Alice")
	if err != nil {
		t.Fatalf("derive state: %v", err)
	}
	if state != devicetrust.StateUntrusted {
		t.Fatalf("state = %s, want untrusted", state)
	}

	h.mfa.status = devicetrust.RemoteEnrollmentStatus{HasMPCShare: true, HasRemotePasskey: true}
	result, err := h.engine.TrustDevice(ctx, "Alice")
	if err != nil {
		t.Fatalf("trust device: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("outcome = %s, want success", result.Outcome)
	}
	if result.Token != "token-1" {
		t.Fatalf("token = %q, want token-1", result.Token)
	}

	record := h.store.records["alice"]
	if !record.HasPhysicalKey() {
		t.Fatal("expected physical key credential persisted")
	}
	if h.mfa.lastPasskey == nil || !*h.mfa.lastPasskey {
		t.Fatal("trust device must always request the passkey factor")
	}

	state, err = h.engine.DeriveState(ctx, "alice")
	if err != nil {
		t.Fatalf("derive state after trust: %v", err)
	}
	if state != devicetrust.StateTrustedLoggedIn {
		t.Fatalf("state = %s, want trusted-logged-in", state)
	}
	if h.store.remembered != "alice" {
		t.Fatalf("remembered user = %q, want alice", h.store.remembered)
	}
}

func TestTrustDeviceCeremonyFailureLeavesNoCredential(t *testing.T) {
	h := newHarness(t)
	h.ceremony.enrollErr = ceremony.Errf(ceremony.CodeUserCancelled, "rejected")

	result, err := h.engine.TrustDevice(context.Background(), "alice")
	if err != nil {
		t.Fatalf("trust device: %v", err)
	}
	if result.Outcome != devicetrust.OutcomeUserCancelled {
		t.Fatalf("outcome = %s, want user-cancelled", result.Outcome)
	}
	if _, ok := h.store.records["alice"]; ok {
		t.Fatal("ceremony failure must not persist a credential")
	}
	for _, call := range h.calls {
		if call == "mfa.enroll" {
			t.Fatal("vendor enrollment must not run after ceremony failure")
		}
	}
}

func TestTrustDeviceVendorFailureKeepsPhysicalKey(t *testing.T) {
	h := newHarness(t)
	h.mfa.enrollOut = mfa.EnrollOutcome{Kind: mfa.EnrollFailure, Reason: "boom"}

	result, err := h.engine.TrustDevice(context.Background(), "alice")
	if err != nil {
		t.Fatalf("trust device: %v", err)
	}
	if result.Outcome != devicetrust.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", result.Outcome)
	}
	if !h.store.records["alice"].HasPhysicalKey() {
		t.Fatal("physical key flag must survive vendor failure")
	}

	// Retry skips the ceremony: the credential is already on this device.
	h.calls = nil
	h.mfa.enrollOut = mfa.EnrollOutcome{Kind: mfa.EnrollSuccess, Credential: "token-2"}
	result, err = h.engine.TrustDevice(context.Background(), "alice")
	if err != nil {
		t.Fatalf("retry trust device: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("retry outcome = %s, want success", result.Outcome)
	}
	for _, call := range h.calls {
		if call == "ceremony.enroll" {
			t.Fatal("retry must not repeat the ceremony")
		}
	}
}

func TestTrustDeviceAlreadyEnrolled(t *testing.T) {
	h := newHarness(t)
	h.mfa.enrollOut = mfa.EnrollOutcome{Kind: mfa.EnrollAlreadyEnrolled}

	result, err := h.engine.TrustDevice(context.Background(), "alice")
	if err != nil {
		t.Fatalf("trust device: %v", err)
	}
	if result.Outcome != devicetrust.OutcomeAlreadyEnrolled {
		t.Fatalf("outcome = %s, want already-enrolled", result.Outcome)
	}
	if _, ok := h.engine.Session(); ok {
		t.Fatal("expected no session on already-enrolled")
	}
}

func TestTrustDeviceNotConfirmed(t *testing.T) {
	h := newHarness(t, WithConfirm(func(_ context.Context, _ string) bool { return false }))

	result, err := h.engine.TrustDevice(context.Background(), "alice")
	if err != nil {
		t.Fatalf("trust device: %v", err)
	}
	if result.Outcome != devicetrust.OutcomeNotConfirmed {
		t.Fatalf("outcome = %s, want not-confirmed", result.Outcome)
	}
	for _, call := range h.calls {
		if call == "mfa.enroll" {
			t.Fatal("vendor enrollment must not run without confirmation")
		}
	}
	// The ceremony result is still kept so a confirmed retry skips it.
	if !h.store.records["alice"].HasPhysicalKey() {
		t.Fatal("expected ceremony credential persisted before confirmation")
	}
}

func TestLoginHonorsPasskeyPreference(t *testing.T) {
	h := newHarness(t)
	h.trust(t, "alice")
	h.engine.Logout(context.Background())

	if err := h.engine.SetPasskeyPreference(context.Background(), "alice", false); err != nil {
		t.Fatalf("set passkey preference: %v", err)
	}

	result, err := h.engine.Login(context.Background(), "alice")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("outcome = %s, want success", result.Outcome)
	}
	if h.mfa.lastPasskey == nil || *h.mfa.lastPasskey {
		t.Fatal("login must honor the stored passkey preference")
	}
}

func TestLoginNotEnrolled(t *testing.T) {
	// Scenario B: vendor reports not enrolled, state stays logged out.
	h := newHarness(t)
	h.trust(t, "alice")
	h.engine.Logout(context.Background())

	h.mfa.authOut = mfa.AuthOutcome{Kind: mfa.AuthNotEnrolled}
	result, err := h.engine.Login(context.Background(), "alice")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.Outcome != devicetrust.OutcomeNotEnrolled {
		t.Fatalf("outcome = %s, want not-enrolled", result.Outcome)
	}

	h.mfa.authOut = mfa.AuthOutcome{Kind: mfa.AuthSuccess, Credential: "token-1"}
	state, err := h.engine.DeriveState(context.Background(), "alice")
	if err != nil {
		t.Fatalf("derive state: %v", err)
	}
	if state != devicetrust.StateTrustedLoggedOut {
		t.Fatalf("state = %s, want trusted-logged-out", state)
	}
}

func TestLoginCryptoFailure(t *testing.T) {
	h := newHarness(t)
	h.trust(t, "alice")
	h.engine.Logout(context.Background())

	h.mfa.authOut = mfa.AuthOutcome{Kind: mfa.AuthCryptoFailure}
	result, err := h.engine.Login(context.Background(), "alice")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.Outcome != devicetrust.OutcomeCryptoFailure {
		t.Fatalf("outcome = %s, want crypto-failure", result.Outcome)
	}
	if _, ok := h.engine.Session(); ok {
		t.Fatal("crypto failure must not open a session")
	}
}

func TestSuspendThenLoginFailsWithoutVendorCall(t *testing.T) {
	h := newHarness(t)
	h.trust(t, "alice")

	result, err := h.engine.Suspend(context.Background(), "alice")
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("suspend outcome = %s (%s)", result.Outcome, result.Message)
	}
	if _, ok := h.engine.Session(); ok {
		t.Fatal("suspend must log out")
	}

	h.calls = nil
	result, err = h.engine.Login(context.Background(), "alice")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.Outcome != devicetrust.OutcomeSuspended {
		t.Fatalf("outcome = %s, want suspended", result.Outcome)
	}
	for _, call := range h.calls {
		if call == "mfa.authenticate" {
			t.Fatal("login while suspended must not reach the vendor")
		}
	}
}

func TestSuspendUntrustedIsNoop(t *testing.T) {
	h := newHarness(t)
	h.mfa.status = devicetrust.RemoteEnrollmentStatus{}

	result, err := h.engine.Suspend(context.Background(), "alice")
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if result.Outcome != devicetrust.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", result.Outcome)
	}
	if h.store.records["alice"].Suspended {
		t.Fatal("suspending an untrusted device must not set the flag")
	}
}

func TestReactivateRunsCeremonyBeforeVendor(t *testing.T) {
	// Scenario C: suspended user reactivates with ceremony then vendor.
	h := newHarness(t)
	h.trust(t, "alice")
	if _, err := h.engine.Suspend(context.Background(), "alice"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := h.engine.SetPasskeyPreference(context.Background(), "alice", false); err != nil {
		t.Fatalf("set passkey preference: %v", err)
	}

	h.calls = nil
	result, err := h.engine.Reactivate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("outcome = %s (%s)", result.Outcome, result.Message)
	}

	ceremonyIdx, vendorIdx := -1, -1
	for i, call := range h.calls {
		switch call {
		case "ceremony.authenticate":
			ceremonyIdx = i
		case "mfa.authenticate":
			vendorIdx = i
		}
	}
	if ceremonyIdx == -1 || vendorIdx == -1 || ceremonyIdx > vendorIdx {
		t.Fatalf("expected ceremony before vendor, calls = %v", h.calls)
	}

	record := h.store.records["alice"]
	if record.Suspended {
		t.Fatal("reactivate must clear suspension")
	}
	if !record.PasskeyPreference {
		t.Fatal("reactivate must restore the passkey preference")
	}
	if h.mfa.lastPasskey == nil || !*h.mfa.lastPasskey {
		t.Fatal("reactivate must force the passkey factor on")
	}

	state, err := h.engine.DeriveState(context.Background(), "alice")
	if err != nil {
		t.Fatalf("derive state: %v", err)
	}
	if state != devicetrust.StateTrustedLoggedIn {
		t.Fatalf("state = %s, want trusted-logged-in", state)
	}
}

func TestReactivateCeremonyFailureSkipsVendor(t *testing.T) {
	h := newHarness(t)
	h.trust(t, "alice")
	if _, err := h.engine.Suspend(context.Background(), "alice"); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	h.ceremony.authErr = ceremony.Errf(ceremony.CodeUserCancelled, "rejected")
	h.calls = nil
	result, err := h.engine.Reactivate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if result.Outcome != devicetrust.OutcomeUserCancelled {
		t.Fatalf("outcome = %s, want user-cancelled", result.Outcome)
	}
	for _, call := range h.calls {
		if call == "mfa.authenticate" || call == "mfa.initialize" {
			t.Fatalf("vendor must not be touched after ceremony failure, calls = %v", h.calls)
		}
	}
	if !h.store.records["alice"].Suspended {
		t.Fatal("failed reactivation must keep the device suspended")
	}
}

func TestReactivateVendorFailureKeepsSuspension(t *testing.T) {
	h := newHarness(t)
	h.trust(t, "alice")
	if _, err := h.engine.Suspend(context.Background(), "alice"); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	h.mfa.authOut = mfa.AuthOutcome{Kind: mfa.AuthFailure, Reason: "boom"}
	result, err := h.engine.Reactivate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if result.Outcome != devicetrust.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", result.Outcome)
	}
	if !h.store.records["alice"].Suspended {
		t.Fatal("vendor failure must leave the device suspended")
	}
}

func TestReactivateNotSuspended(t *testing.T) {
	h := newHarness(t)
	h.trust(t, "alice")

	result, err := h.engine.Reactivate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if result.Outcome != devicetrust.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", result.Outcome)
	}
}

func TestStepUpWithoutSession(t *testing.T) {
	// Scenario D: no active session means no collaborator calls.
	h := newHarness(t)

	result, err := h.engine.StepUp(context.Background(), "make-payment")
	if err != nil {
		t.Fatalf("step up: %v", err)
	}
	if result.Outcome != devicetrust.OutcomeNoSession {
		t.Fatalf("outcome = %s, want no-session", result.Outcome)
	}
	if len(h.calls) != 0 {
		t.Fatalf("expected no collaborator calls, got %v", h.calls)
	}
}

func TestStepUpAuthorizesActionWithoutStateChange(t *testing.T) {
	h := newHarness(t)
	h.trust(t, "alice")

	result, err := h.engine.StepUp(context.Background(), "make-payment")
	if err != nil {
		t.Fatalf("step up: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("outcome = %s, want success", result.Outcome)
	}
	user, ok := h.engine.Session()
	if !ok || user != "alice" {
		t.Fatalf("session = %q %t, want alice true", user, ok)
	}

	// A failed step-up leaves the session alone too.
	h.mfa.authOut = mfa.AuthOutcome{Kind: mfa.AuthFailure, Reason: "boom"}
	result, err = h.engine.StepUp(context.Background(), "close-account")
	if err != nil {
		t.Fatalf("step up: %v", err)
	}
	if result.Outcome != devicetrust.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", result.Outcome)
	}
	if _, ok := h.engine.Session(); !ok {
		t.Fatal("failed step-up must not close the session")
	}
}

func TestStepUpRequiresAction(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.StepUp(context.Background(), ""); apperrors.GetCode(err) != apperrors.CodeActionRequired {
		t.Fatalf("expected action-required error, got %v", err)
	}
}

func TestLogoutResetsVendorClient(t *testing.T) {
	h := newHarness(t)
	h.trust(t, "alice")

	result := h.engine.Logout(context.Background())
	if !result.Succeeded() {
		t.Fatalf("outcome = %s, want success", result.Outcome)
	}
	if _, ok := h.engine.Session(); ok {
		t.Fatal("logout must clear the session")
	}
	if h.engine.Evidence() != nil {
		t.Fatal("logout must clear displayed evidence")
	}
	if h.mfa.resetCount == 0 {
		t.Fatal("logout must reset the vendor client")
	}
}

func TestPurgeThenRetrustMatchesFreshUser(t *testing.T) {
	h := newHarness(t)
	h.trust(t, "alice")
	if _, err := h.engine.Suspend(context.Background(), "alice"); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	result, err := h.engine.Purge(context.Background())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("outcome = %s, want success", result.Outcome)
	}
	if h.store.remembered != "alice" {
		t.Fatal("purge must keep the remembered identity")
	}

	// Remote says enrolled but the local credential is gone: untrusted,
	// and the purge silently cleared the suspension (device-local flag).
	state, err := h.engine.DeriveState(context.Background(), "alice")
	if err != nil {
		t.Fatalf("derive state: %v", err)
	}
	if state != devicetrust.StateUntrusted {
		t.Fatalf("state = %s, want untrusted", state)
	}

	h.mfa.enrollOut = mfa.EnrollOutcome{Kind: mfa.EnrollAlreadyEnrolled}
	h.mfa.authOut = mfa.AuthOutcome{Kind: mfa.AuthSuccess, Credential: "token-3"}
	h.calls = nil
	trustResult, err := h.engine.TrustDevice(context.Background(), "alice")
	if err != nil {
		t.Fatalf("re-trust: %v", err)
	}
	// The vendor still knows this user, so re-trust reports it.
	if trustResult.Outcome != devicetrust.OutcomeAlreadyEnrolled {
		t.Fatalf("outcome = %s, want already-enrolled", trustResult.Outcome)
	}
	if !h.store.records["alice"].HasPhysicalKey() {
		t.Fatal("re-trust must re-register the physical key")
	}
}

func TestDeriveStateRemoteUnavailable(t *testing.T) {
	h := newHarness(t)
	h.mfa.statusErr = mfa.ErrUnavailable

	_, err := h.engine.DeriveState(context.Background(), "alice")
	if apperrors.GetCode(err) != apperrors.CodeRemoteUnavailable {
		t.Fatalf("expected remote-unavailable error, got %v", err)
	}
}

func TestIdentityNormalization(t *testing.T) {
	h := newHarness(t)
	h.trust(t, "  ALICE ")

	if _, ok := h.store.records["alice"]; !ok {
		t.Fatalf("expected normalized record key, got %v", h.store.records)
	}

	if _, err := h.engine.TrustDevice(context.Background(), "   "); apperrors.GetCode(err) != apperrors.CodeIdentityRequired {
		t.Fatalf("expected identity-required error, got %v", err)
	}
}

func TestValidationGating(t *testing.T) {
	h := newHarness(t, WithValidationGating(true))
	h.validator.accept = false

	result, err := h.engine.TrustDevice(context.Background(), "alice")
	if err != nil {
		t.Fatalf("trust device: %v", err)
	}
	if result.Outcome != devicetrust.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure under gating", result.Outcome)
	}
	if _, ok := h.engine.Session(); ok {
		t.Fatal("rejected validation must not open a session under gating")
	}
}

func TestValidationNotGatingByDefault(t *testing.T) {
	h := newHarness(t)
	h.validator.accept = false

	result, err := h.engine.TrustDevice(context.Background(), "alice")
	if err != nil {
		t.Fatalf("trust device: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("outcome = %s, want success without gating", result.Outcome)
	}
	validated := false
	for _, call := range h.calls {
		if call == "validator.validate" {
			validated = true
		}
	}
	if !validated {
		t.Fatal("validator must still be invoked when not gating")
	}
}

func TestLoginSurfacesEvidence(t *testing.T) {
	h := newHarness(t)
	h.trust(t, "alice")
	h.engine.Logout(context.Background())

	evidence := &devicetrust.ChallengeEvidence{ClientDataFingerprint: "fp", Signature: "sig"}
	h.mfa.authOut = mfa.AuthOutcome{Kind: mfa.AuthSuccess, Credential: "token-1", Evidence: evidence}

	result, err := h.engine.Login(context.Background(), "alice")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.Evidence == nil || result.Evidence.ClientDataFingerprint != "fp" {
		t.Fatalf("expected evidence in result, got %+v", result.Evidence)
	}
	if h.engine.Evidence() == nil {
		t.Fatal("expected evidence retained for display")
	}
}

func TestRememberedUser(t *testing.T) {
	h := newHarness(t)
	if _, ok := h.engine.RememberedUser(context.Background()); ok {
		t.Fatal("expected no remembered user initially")
	}
	h.trust(t, "alice")
	user, ok := h.engine.RememberedUser(context.Background())
	if !ok || user != "alice" {
		t.Fatalf("remembered = %q %t, want alice true", user, ok)
	}
}

func TestStorageFailureSurfacesAsError(t *testing.T) {
	h := newHarness(t)
	h.store.putErr = errors.New("disk full")

	_, err := h.engine.TrustDevice(context.Background(), "alice")
	if apperrors.GetCode(err) != apperrors.CodeStorageFailure {
		t.Fatalf("expected storage-failure error, got %v", err)
	}
}
