package ceremony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// Config controls WebAuthn relying party settings for the physical-key
// ceremony.
type Config struct {
	RPDisplayName string        `env:"DEVICETRUST_WEBAUTHN_RP_DISPLAY_NAME" envDefault:"Device Trust"`
	RPID          string        `env:"DEVICETRUST_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string      `env:"DEVICETRUST_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	PromptTimeout time.Duration `env:"DEVICETRUST_WEBAUTHN_PROMPT_TIMEOUT"  envDefault:"60s"`
}

// LoadConfigFromEnv returns ceremony configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			RPDisplayName: "Device Trust",
			RPID:          "localhost",
			RPOrigins:     []string{"http://localhost:8095"},
			PromptTimeout: 60 * time.Second,
		}
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8095"}
	}
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = 60 * time.Second
	}
	return cfg
}

// ErrPromptCancelled is returned by a Prompter when the user rejects the
// browser or authenticator prompt.
var ErrPromptCancelled = errors.New("prompt cancelled by user")

// Prompter bridges WebAuthn options to an authenticator and returns the raw
// credential response JSON. Hosts implement it per front end.
type Prompter interface {
	PromptCreate(ctx context.Context, options *protocol.CredentialCreation) ([]byte, error)
	PromptGet(ctx context.Context, options *protocol.CredentialAssertion) ([]byte, error)
}

// CredentialSource exposes the stored physical-key credential for a user.
// An empty string means no credential is enrolled on this device.
type CredentialSource interface {
	StoredCredential(ctx context.Context, user string) (string, error)
}

type relyingParty interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

type credentialParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// WebAuthnCeremony implements Ceremony against a hardware security key via
// the go-webauthn relying party.
type WebAuthnCeremony struct {
	rp       relyingParty
	initErr  error
	parser   credentialParser
	prompter Prompter
	source   CredentialSource
	config   Config
	clock    func() time.Time
}

// NewWebAuthnCeremony builds a ceremony bound to a prompter and a stored
// credential source.
func NewWebAuthnCeremony(config Config, prompter Prompter, source CredentialSource) *WebAuthnCeremony {
	rp, err := webauthn.New(&webauthn.Config{
		RPDisplayName: config.RPDisplayName,
		RPID:          config.RPID,
		RPOrigins:     config.RPOrigins,
	})
	if err == nil {
		err = checkSecureOrigins(config.RPOrigins)
	}
	return &WebAuthnCeremony{
		rp:       rp,
		initErr:  err,
		parser:   defaultParser{},
		prompter: prompter,
		source:   source,
		config:   config,
		clock:    time.Now,
	}
}

// checkSecureOrigins rejects origins WebAuthn itself would refuse: anything
// that is neither https nor localhost.
func checkSecureOrigins(origins []string) error {
	for _, origin := range origins {
		parsed, err := url.Parse(origin)
		if err != nil {
			return Wrap(CodeInsecureContext, fmt.Sprintf("invalid origin %q", origin), err)
		}
		if parsed.Scheme == "https" {
			continue
		}
		host := parsed.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			continue
		}
		return Errf(CodeInsecureContext, "origin %q is not a secure context", origin)
	}
	return nil
}

func (c *WebAuthnCeremony) Enroll(ctx context.Context, user string) (CredentialHandle, error) {
	if err := c.ready(user); err != nil {
		return CredentialHandle{}, err
	}

	stored, err := c.source.StoredCredential(ctx, user)
	if err != nil {
		return CredentialHandle{}, Wrap(CodeOther, "load stored credential", err)
	}
	if stored != "" {
		return CredentialHandle{}, Errf(CodeDuplicateRegistration, "a physical key is already registered for %s on this device", user)
	}

	waUser := &ceremonyUser{id: user}
	creation, session, err := c.rp.BeginRegistration(waUser,
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementDiscouraged),
	)
	if err != nil {
		return CredentialHandle{}, Wrap(CodeOther, "begin registration", err)
	}

	response, err := c.prompt(ctx, func(promptCtx context.Context) ([]byte, error) {
		return c.prompter.PromptCreate(promptCtx, creation)
	})
	if err != nil {
		return CredentialHandle{}, err
	}

	parsed, err := c.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return CredentialHandle{}, Wrap(CodeOther, "parse credential response", err)
	}
	credential, err := c.rp.CreateCredential(waUser, *session, parsed)
	if err != nil {
		return CredentialHandle{}, Wrap(CodeOther, "validate credential response", err)
	}

	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return CredentialHandle{}, Wrap(CodeOther, "encode credential", err)
	}
	return CredentialHandle{
		ID:             encodeCredentialID(credential.ID),
		CredentialJSON: string(credentialJSON),
		CreatedAt:      c.clock().UTC(),
	}, nil
}

func (c *WebAuthnCeremony) Authenticate(ctx context.Context, user string) (AssertionProof, error) {
	if err := c.ready(user); err != nil {
		return AssertionProof{}, err
	}

	stored, err := c.source.StoredCredential(ctx, user)
	if err != nil {
		return AssertionProof{}, Wrap(CodeOther, "load stored credential", err)
	}
	if stored == "" {
		// No browser prompt may fire when nothing is enrolled.
		return AssertionProof{}, Errf(CodeNoCredentialEnrolled, "no physical key is enrolled for %s on this device", user)
	}

	var credential webauthn.Credential
	if err := json.Unmarshal([]byte(stored), &credential); err != nil {
		return AssertionProof{}, Wrap(CodeOther, "decode stored credential", err)
	}

	waUser := &ceremonyUser{id: user, credentials: []webauthn.Credential{credential}}
	assertion, session, err := c.rp.BeginLogin(waUser)
	if err != nil {
		return AssertionProof{}, Wrap(CodeOther, "begin login", err)
	}

	response, err := c.prompt(ctx, func(promptCtx context.Context) ([]byte, error) {
		return c.prompter.PromptGet(promptCtx, assertion)
	})
	if err != nil {
		return AssertionProof{}, err
	}

	parsed, err := c.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return AssertionProof{}, Wrap(CodeOther, "parse assertion response", err)
	}
	validated, err := c.rp.ValidateLogin(waUser, *session, parsed)
	if err != nil {
		return AssertionProof{}, Wrap(CodeOther, "validate assertion", err)
	}

	return AssertionProof{
		CredentialID: encodeCredentialID(validated.ID),
		SignCount:    validated.Authenticator.SignCount,
	}, nil
}

// prompt runs a prompter call under the configured timeout and maps
// cancellation to the ceremony taxonomy.
func (c *WebAuthnCeremony) prompt(ctx context.Context, call func(context.Context) ([]byte, error)) ([]byte, error) {
	promptCtx, cancel := context.WithTimeout(ctx, c.config.PromptTimeout)
	defer cancel()

	response, err := call(promptCtx)
	if err != nil {
		if errors.Is(err, ErrPromptCancelled) {
			return nil, Wrap(CodeUserCancelled, "ceremony rejected by user", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, Wrap(CodeOther, "ceremony timed out", err)
		}
		return nil, Wrap(CodeOther, "ceremony prompt failed", err)
	}
	return response, nil
}

func (c *WebAuthnCeremony) ready(user string) error {
	if c.initErr != nil {
		if CodeOf(c.initErr) == CodeInsecureContext {
			return c.initErr
		}
		return Wrap(CodeInsecureContext, "relying party is not available", c.initErr)
	}
	if c.prompter == nil {
		return Errf(CodeOther, "ceremony prompter is not configured")
	}
	if c.source == nil {
		return Errf(CodeOther, "credential source is not configured")
	}
	if strings.TrimSpace(user) == "" {
		return Errf(CodeOther, "user identity is required")
	}
	return nil
}

type ceremonyUser struct {
	id          string
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.id)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.id
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.id
}

func (u *ceremonyUser) WebAuthnIcon() string {
	return ""
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
