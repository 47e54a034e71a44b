package mfa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/louisbranch/devicetrust/internal/devicetrust"
)

// VendorConfig configures the HTTP adapter for the vendor MPC service.
type VendorConfig struct {
	BaseURL       string
	APIKey        string
	ApplicationID string
	Environment   string
	Timeout       time.Duration
}

// VendorClient implements Client against the vendor's HTTP API.
//
// All response-shape interpretation lives here: status codes and payload
// shapes collapse into the tagged outcomes the engine consumes.
type VendorClient struct {
	config     VendorConfig
	httpClient *http.Client

	mu         sync.Mutex
	boundUser  string
	instanceID string
}

// NewVendorClient builds an unbound vendor client.
func NewVendorClient(config VendorConfig) (*VendorClient, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, fmt.Errorf("vendor base url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &VendorClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Initialize binds the client to a user. Rebinding to a different user
// discards the previous instance; rebinding to the same user is a no-op.
func (c *VendorClient) Initialize(_ context.Context, user string) error {
	user = strings.TrimSpace(user)
	if user == "" {
		return fmt.Errorf("user identity is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.boundUser == user {
		return nil
	}
	c.boundUser = user
	c.instanceID = uuid.NewString()
	return nil
}

// Reset discards the current binding.
func (c *VendorClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boundUser = ""
	c.instanceID = ""
}

func (c *VendorClient) binding(user string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.boundUser == "" || c.boundUser != strings.TrimSpace(user) {
		return "", ErrNotBound
	}
	return c.instanceID, nil
}

type vendorRequest struct {
	ApplicationID string `json:"applicationId"`
	UserID        string `json:"userId"`
	Environment   string `json:"environment"`
	RequestID     string `json:"requestId"`
	InstanceID    string `json:"instanceId"`
	Passkey       *bool  `json:"passkey,omitempty"`
}

type vendorResponse struct {
	MPCShare              bool   `json:"mpcShare"`
	Passkey               bool   `json:"passkey"`
	Credential            string `json:"credential"`
	ClientDataFingerprint string `json:"clientDataFingerprint"`
	Signature             string `json:"signature"`
	Message               string `json:"message"`
}

// CheckStatus fetches remote enrollment for the bound user. Every internal
// failure collapses to ErrUnavailable.
func (c *VendorClient) CheckStatus(ctx context.Context, user string) (devicetrust.RemoteEnrollmentStatus, error) {
	instanceID, err := c.binding(user)
	if err != nil {
		return devicetrust.RemoteEnrollmentStatus{}, err
	}

	status, body, err := c.post(ctx, "/v1/enrollments/status", vendorRequest{
		ApplicationID: c.config.ApplicationID,
		UserID:        user,
		Environment:   c.config.Environment,
		RequestID:     uuid.NewString(),
		InstanceID:    instanceID,
	})
	if err != nil || status < 200 || status >= 300 {
		return devicetrust.RemoteEnrollmentStatus{}, ErrUnavailable
	}

	var parsed vendorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return devicetrust.RemoteEnrollmentStatus{}, ErrUnavailable
	}
	return devicetrust.RemoteEnrollmentStatus{
		HasMPCShare:      parsed.MPCShare,
		HasRemotePasskey: parsed.Passkey,
	}, nil
}

// Enroll registers the bound user with the vendor.
func (c *VendorClient) Enroll(ctx context.Context, user string, includePasskey bool) (EnrollOutcome, error) {
	instanceID, err := c.binding(user)
	if err != nil {
		return EnrollOutcome{}, err
	}

	status, body, err := c.post(ctx, "/v1/enroll", vendorRequest{
		ApplicationID: c.config.ApplicationID,
		UserID:        user,
		Environment:   c.config.Environment,
		RequestID:     uuid.NewString(),
		InstanceID:    instanceID,
		Passkey:       &includePasskey,
	})
	if err != nil {
		return EnrollOutcome{Kind: EnrollFailure, Reason: err.Error()}, nil
	}

	switch {
	case status == http.StatusConflict:
		return EnrollOutcome{Kind: EnrollAlreadyEnrolled}, nil
	case status < 200 || status >= 300:
		return EnrollOutcome{Kind: EnrollFailure, Reason: fmt.Sprintf("vendor responded %d", status)}, nil
	}

	var parsed vendorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return EnrollOutcome{Kind: EnrollFailure, Reason: "malformed enrollment payload"}, nil
	}
	if parsed.Credential == "" {
		return EnrollOutcome{Kind: EnrollFailure, Reason: "empty enrollment payload"}, nil
	}
	return EnrollOutcome{Kind: EnrollSuccess, Credential: parsed.Credential}, nil
}

// Authenticate runs a vendor authentication for the bound user.
func (c *VendorClient) Authenticate(ctx context.Context, user string, includePasskey bool) (AuthOutcome, error) {
	instanceID, err := c.binding(user)
	if err != nil {
		return AuthOutcome{}, err
	}

	status, body, err := c.post(ctx, "/v1/authenticate", vendorRequest{
		ApplicationID: c.config.ApplicationID,
		UserID:        user,
		Environment:   c.config.Environment,
		RequestID:     uuid.NewString(),
		InstanceID:    instanceID,
		Passkey:       &includePasskey,
	})
	if err != nil {
		return AuthOutcome{Kind: AuthFailure, Reason: err.Error()}, nil
	}

	switch {
	case status == http.StatusNotFound:
		return AuthOutcome{Kind: AuthNotEnrolled}, nil
	case status < 200 || status >= 300:
		return AuthOutcome{Kind: AuthFailure, Reason: fmt.Sprintf("vendor responded %d", status)}, nil
	}

	var parsed vendorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return AuthOutcome{Kind: AuthFailure, Reason: "malformed authentication payload"}, nil
	}
	if parsed.Credential == "" {
		// Well-formed but empty: the MPC signing round produced nothing.
		log.Printf("mfa: crypto failure for user %s (empty payload)", user)
		return AuthOutcome{Kind: AuthCryptoFailure}, nil
	}

	outcome := AuthOutcome{Kind: AuthSuccess, Credential: parsed.Credential}
	if parsed.ClientDataFingerprint != "" || parsed.Signature != "" {
		outcome.Evidence = &devicetrust.ChallengeEvidence{
			ClientDataFingerprint: parsed.ClientDataFingerprint,
			Signature:             parsed.Signature,
		}
	}
	return outcome, nil
}

func (c *VendorClient) post(ctx context.Context, path string, payload vendorRequest) (int, []byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode vendor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.config.BaseURL, "/")+path, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, fmt.Errorf("build vendor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("call vendor: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read vendor response: %w", err)
	}
	return resp.StatusCode, body, nil
}
