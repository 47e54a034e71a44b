// Package token posts vendor-issued credentials to the remote validation
// endpoint.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config configures the remote validation endpoint.
type Config struct {
	ValidationURL    string
	ServerSigningKey string
	ApplicationID    string
	Environment      string
	Timeout          time.Duration
}

// Validator posts credentials to the validation endpoint and reports
// accept/reject. Failures never escalate past the boolean: network errors,
// non-2xx responses, and malformed bodies all report false.
type Validator struct {
	config     Config
	httpClient *http.Client
	logf       func(format string, args ...any)
}

// NewValidator builds a validator for the configured endpoint.
func NewValidator(config Config) (*Validator, error) {
	if strings.TrimSpace(config.ValidationURL) == "" {
		return nil, fmt.Errorf("validation url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Validator{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logf:       log.Printf,
	}, nil
}

type validationRequest struct {
	ApplicationID string `json:"applicationId"`
	UserID        string `json:"userId"`
	Token         string `json:"token"`
	Environment   string `json:"environment"`
}

type validationResponse struct {
	Token string `json:"token"`
}

// Validate reports whether the remote endpoint accepted the token.
func (v *Validator) Validate(ctx context.Context, user string, credential string) bool {
	payload, err := json.Marshal(validationRequest{
		ApplicationID: v.config.ApplicationID,
		UserID:        user,
		Token:         credential,
		Environment:   v.config.Environment,
	})
	if err != nil {
		v.logf("token: encode validation request: %v", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.config.ValidationURL, bytes.NewReader(payload))
	if err != nil {
		v.logf("token: build validation request: %v", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.config.ServerSigningKey)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		v.logf("token: call validation endpoint: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		v.logf("token: validation rejected with status %d for user %s", resp.StatusCode, user)
		return false
	}

	// The response may carry a validated session token. It is logged and
	// forwarded for display, never required for the decision.
	var parsed validationResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err == nil && parsed.Token != "" {
		v.logSessionToken(user, parsed.Token)
	}
	return true
}

// logSessionToken extracts display claims from a returned session token.
// The parse is unverified: the token is evidence for operators, not input to
// any decision.
func (v *Validator) logSessionToken(user string, sessionToken string) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(sessionToken, claims); err != nil {
		v.logf("token: validated session token for user %s (opaque)", user)
		return
	}

	expiry := "none"
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiry = exp.UTC().Format(time.RFC3339)
	}
	subject, _ := claims.GetSubject()
	v.logf("token: validated session token for user %s (sub=%s exp=%s)", user, subject, expiry)
}
