// Package config loads the bootstrap document the trust service needs before
// any engine can be constructed.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	platformconfig "github.com/louisbranch/devicetrust/internal/platform/config"
	"github.com/louisbranch/devicetrust/internal/platform/errors"
)

// Document is the bootstrap configuration. It is fetched once at startup from
// a file or URL; construction of the vendor client and validator waits on it.
type Document struct {
	ApplicationID    string `json:"applicationId" env:"DEVICETRUST_APPLICATION_ID"`
	APIKey           string `json:"apiKey" env:"DEVICETRUST_API_KEY"`
	ServerSigningKey string `json:"serverSigningKey" env:"DEVICETRUST_SERVER_SIGNING_KEY"`
	ValidationURL    string `json:"validationUrl" env:"DEVICETRUST_VALIDATION_URL"`
	Environment      string `json:"environment" env:"DEVICETRUST_ENVIRONMENT"`
}

const fetchTimeout = 10 * time.Second

// Load reads the bootstrap document from a local file path or an http(s)
// URL, applies DEVICETRUST_* environment overrides, and validates it.
//
// Documents served from a non-production origin (plain http, or a loopback
// host) have their secrets zeroed and the environment forced to "test", so a
// local fixture can never carry production credentials into a running
// service.
func Load(ctx context.Context, source string) (Document, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return Document{}, errors.New(errors.CodeConfigInvalid, "config source is required")
	}

	raw, fromNonProduction, err := read(ctx, source)
	if err != nil {
		return Document{}, err
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, errors.Wrap(errors.CodeConfigInvalid, "decode config document", err)
	}
	if err := platformconfig.ParseEnv(&doc); err != nil {
		return Document{}, errors.Wrap(errors.CodeConfigInvalid, "apply env overrides", err)
	}

	if fromNonProduction {
		doc.Redact()
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// read fetches the raw document bytes and reports whether the source counts
// as a non-production origin.
func read(ctx context.Context, source string) ([]byte, bool, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		raw, err := os.ReadFile(source)
		if err != nil {
			return nil, false, errors.Wrap(errors.CodeConfigInvalid, "read config file", err)
		}
		// Local files are development fixtures.
		return raw, true, nil
	}

	parsed, err := url.Parse(source)
	if err != nil {
		return nil, false, errors.Wrap(errors.CodeConfigInvalid, "parse config url", err)
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, false, errors.Wrap(errors.CodeConfigInvalid, "build config request", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, false, errors.Wrap(errors.CodeConfigInvalid, "fetch config document", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, errors.New(errors.CodeConfigInvalid, fmt.Sprintf("fetch config document: status %d", resp.StatusCode))
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, errors.Wrap(errors.CodeConfigInvalid, "read config response", err)
	}
	return raw, nonProductionOrigin(parsed), nil
}

func nonProductionOrigin(u *url.URL) bool {
	if u.Scheme != "https" {
		return true
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// Redact zeroes the sensitive fields and forces the test environment.
func (d *Document) Redact() {
	d.APIKey = ""
	d.ServerSigningKey = ""
	d.Environment = "test"
}

// Validate checks the fields every downstream component depends on.
func (d Document) Validate() error {
	if strings.TrimSpace(d.ApplicationID) == "" {
		return errors.New(errors.CodeConfigInvalid, "applicationId is required")
	}
	if strings.TrimSpace(d.ValidationURL) == "" {
		return errors.New(errors.CodeConfigInvalid, "validationUrl is required")
	}
	if strings.TrimSpace(d.Environment) == "" {
		return errors.New(errors.CodeConfigInvalid, "environment is required")
	}
	return nil
}

// IsProduction reports whether the document targets the production
// environment. Redacted documents never do.
func (d Document) IsProduction() bool {
	return d.Environment == "production"
}
