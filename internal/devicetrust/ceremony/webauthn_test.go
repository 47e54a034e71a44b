package ceremony

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

type fakeRelyingParty struct {
	beginRegistrationErr error
	createCredential     *webauthn.Credential
	createCredentialErr  error
	beginLoginErr        error
	validateCredential   *webauthn.Credential
	validateErr          error

	beginLoginCalls int
}

func (f *fakeRelyingParty) BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	if f.beginRegistrationErr != nil {
		return nil, nil, f.beginRegistrationErr
	}
	return &protocol.CredentialCreation{}, &webauthn.SessionData{UserID: user.WebAuthnID()}, nil
}

func (f *fakeRelyingParty) CreateCredential(_ webauthn.User, _ webauthn.SessionData, _ *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	if f.createCredentialErr != nil {
		return nil, f.createCredentialErr
	}
	return f.createCredential, nil
}

func (f *fakeRelyingParty) BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	f.beginLoginCalls++
	if f.beginLoginErr != nil {
		return nil, nil, f.beginLoginErr
	}
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{UserID: user.WebAuthnID()}, nil
}

func (f *fakeRelyingParty) ValidateLogin(_ webauthn.User, _ webauthn.SessionData, _ *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return f.validateCredential, nil
}

type fakeParser struct{}

func (fakeParser) ParseCredentialCreationResponseBytes(_ []byte) (*protocol.ParsedCredentialCreationData, error) {
	return &protocol.ParsedCredentialCreationData{}, nil
}

func (fakeParser) ParseCredentialRequestResponseBytes(_ []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return &protocol.ParsedCredentialAssertionData{}, nil
}

type fakePrompter struct {
	createResponse []byte
	createErr      error
	getResponse    []byte
	getErr         error

	createCalls int
	getCalls    int
}

func (f *fakePrompter) PromptCreate(_ context.Context, _ *protocol.CredentialCreation) ([]byte, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createResponse, nil
}

func (f *fakePrompter) PromptGet(_ context.Context, _ *protocol.CredentialAssertion) ([]byte, error) {
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.getResponse, nil
}

type fakeSource struct {
	credentials map[string]string
	err         error
}

func (f *fakeSource) StoredCredential(_ context.Context, user string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.credentials[user], nil
}

func newTestCeremony(rp *fakeRelyingParty, prompter *fakePrompter, source *fakeSource) *WebAuthnCeremony {
	return &WebAuthnCeremony{
		rp:       rp,
		parser:   fakeParser{},
		prompter: prompter,
		source:   source,
		config: Config{
			RPDisplayName: "Device Trust",
			RPID:          "localhost",
			RPOrigins:     []string{"http://localhost:8095"},
			PromptTimeout: time.Second,
		},
		clock: func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func TestEnrollSuccess(t *testing.T) {
	rp := &fakeRelyingParty{
		createCredential: &webauthn.Credential{ID: []byte("credential-1")},
	}
	prompter := &fakePrompter{createResponse: []byte(`{}`)}
	source := &fakeSource{credentials: map[string]string{}}

	handle, err := newTestCeremony(rp, prompter, source).Enroll(context.Background(), "alice")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if handle.ID == "" {
		t.Fatal("expected credential handle id")
	}
	var decoded webauthn.Credential
	if err := json.Unmarshal([]byte(handle.CredentialJSON), &decoded); err != nil {
		t.Fatalf("decode handle json: %v", err)
	}
	if string(decoded.ID) != "credential-1" {
		t.Fatalf("decoded credential id = %q, want %q", decoded.ID, "credential-1")
	}
	if handle.CreatedAt.IsZero() {
		t.Fatal("expected created-at timestamp")
	}
}

func TestEnrollDuplicateSkipsPrompt(t *testing.T) {
	rp := &fakeRelyingParty{}
	prompter := &fakePrompter{}
	source := &fakeSource{credentials: map[string]string{"alice": `{"id":"existing"}`}}

	_, err := newTestCeremony(rp, prompter, source).Enroll(context.Background(), "alice")
	if CodeOf(err) != CodeDuplicateRegistration {
		t.Fatalf("expected duplicate registration, got %v", err)
	}
	if prompter.createCalls != 0 {
		t.Fatalf("expected no prompt, got %d calls", prompter.createCalls)
	}
}

func TestEnrollUserCancelled(t *testing.T) {
	rp := &fakeRelyingParty{}
	prompter := &fakePrompter{createErr: ErrPromptCancelled}
	source := &fakeSource{credentials: map[string]string{}}

	_, err := newTestCeremony(rp, prompter, source).Enroll(context.Background(), "alice")
	if CodeOf(err) != CodeUserCancelled {
		t.Fatalf("expected user cancelled, got %v", err)
	}
}

func TestAuthenticateWithoutCredentialSkipsPrompt(t *testing.T) {
	rp := &fakeRelyingParty{}
	prompter := &fakePrompter{}
	source := &fakeSource{credentials: map[string]string{}}

	_, err := newTestCeremony(rp, prompter, source).Authenticate(context.Background(), "alice")
	if CodeOf(err) != CodeNoCredentialEnrolled {
		t.Fatalf("expected no credential enrolled, got %v", err)
	}
	if prompter.getCalls != 0 {
		t.Fatalf("expected no prompt, got %d calls", prompter.getCalls)
	}
	if rp.beginLoginCalls != 0 {
		t.Fatalf("expected no begin login, got %d calls", rp.beginLoginCalls)
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	stored, err := json.Marshal(webauthn.Credential{ID: []byte("credential-1")})
	if err != nil {
		t.Fatalf("encode stored credential: %v", err)
	}
	rp := &fakeRelyingParty{
		validateCredential: &webauthn.Credential{
			ID:            []byte("credential-1"),
			Authenticator: webauthn.Authenticator{SignCount: 7},
		},
	}
	prompter := &fakePrompter{getResponse: []byte(`{}`)}
	source := &fakeSource{credentials: map[string]string{"alice": string(stored)}}

	proof, err := newTestCeremony(rp, prompter, source).Authenticate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if proof.CredentialID == "" {
		t.Fatal("expected credential id in proof")
	}
	if proof.SignCount != 7 {
		t.Fatalf("sign count = %d, want 7", proof.SignCount)
	}
}

func TestInsecureOriginRejected(t *testing.T) {
	err := checkSecureOrigins([]string{"http://example.com"})
	if CodeOf(err) != CodeInsecureContext {
		t.Fatalf("expected insecure context, got %v", err)
	}
	if err := checkSecureOrigins([]string{"https://example.com", "http://localhost:8095"}); err != nil {
		t.Fatalf("expected secure origins to pass, got %v", err)
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != CodeOther {
		t.Fatalf("nil code = %q, want %q", got, CodeOther)
	}
	wrapped := Wrap(CodeUserCancelled, "rejected", errors.New("inner"))
	if got := CodeOf(wrapped); got != CodeUserCancelled {
		t.Fatalf("code = %q, want %q", got, CodeUserCancelled)
	}
}
