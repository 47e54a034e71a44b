package ceremony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
)

// HTTPPrompter forwards WebAuthn options to a companion authenticator
// endpoint (typically a local browser agent) and returns the credential
// response it produces.
//
// The agent answers 200 with the raw credential response JSON, or
// 204 No Content when the user rejected the prompt.
type HTTPPrompter struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPPrompter builds a prompter for the given agent endpoint.
func NewHTTPPrompter(endpoint string) *HTTPPrompter {
	return &HTTPPrompter{
		endpoint: endpoint,
		// The prompt timeout is enforced by the ceremony via context;
		// this client timeout is a backstop for hung connections.
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (p *HTTPPrompter) PromptCreate(ctx context.Context, options *protocol.CredentialCreation) ([]byte, error) {
	return p.post(ctx, p.endpoint+"/create", options)
}

func (p *HTTPPrompter) PromptGet(ctx context.Context, options *protocol.CredentialAssertion) ([]byte, error) {
	return p.post(ctx, p.endpoint+"/get", options)
}

func (p *HTTPPrompter) post(ctx context.Context, url string, options any) ([]byte, error) {
	payload, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("encode prompt options: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prompt authenticator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, ErrPromptCancelled
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("authenticator responded %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read prompt response: %w", err)
	}
	return body, nil
}
