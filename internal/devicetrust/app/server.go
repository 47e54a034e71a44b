// Package server wires the device-trust service: bootstrap config, storage,
// the ceremony and vendor collaborators, the engine, and the HTTP bridge.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/devicetrust/internal/devicetrust/api"
	"github.com/louisbranch/devicetrust/internal/devicetrust/ceremony"
	bootstrap "github.com/louisbranch/devicetrust/internal/devicetrust/config"
	"github.com/louisbranch/devicetrust/internal/devicetrust/engine"
	"github.com/louisbranch/devicetrust/internal/devicetrust/mfa"
	"github.com/louisbranch/devicetrust/internal/devicetrust/storage"
	pgstore "github.com/louisbranch/devicetrust/internal/devicetrust/storage/pg"
	sqlitestore "github.com/louisbranch/devicetrust/internal/devicetrust/storage/sqlite"
	"github.com/louisbranch/devicetrust/internal/devicetrust/token"
	platformconfig "github.com/louisbranch/devicetrust/internal/platform/config"
	platformotel "github.com/louisbranch/devicetrust/internal/platform/otel"
)

// envConfig holds the service-level settings read from the environment.
type envConfig struct {
	VendorBaseURL     string        `env:"DEVICETRUST_VENDOR_BASE_URL"`
	PrompterURL       string        `env:"DEVICETRUST_PROMPTER_URL" envDefault:"http://localhost:8096/webauthn"`
	DBPath            string        `env:"DEVICETRUST_DB_PATH"`
	PostgresDSN       string        `env:"DEVICETRUST_POSTGRES_DSN"`
	DeviceID          string        `env:"DEVICETRUST_DEVICE_ID"`
	RequireValidation bool          `env:"DEVICETRUST_REQUIRE_VALIDATION" envDefault:"false"`
	VendorTimeout     time.Duration `env:"DEVICETRUST_VENDOR_TIMEOUT" envDefault:"10s"`
}

// Server hosts the device-trust HTTP bridge.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	closeStore func()
	shutdown   func(context.Context) error
}

// New creates a configured server listening on addr, loading the bootstrap
// document from configSource (file path or URL).
func New(ctx context.Context, addr string, configSource string) (*Server, error) {
	var env envConfig
	if err := platformconfig.ParseEnv(&env); err != nil {
		return nil, err
	}

	doc, err := bootstrap.Load(ctx, configSource)
	if err != nil {
		return nil, fmt.Errorf("load bootstrap config: %w", err)
	}

	store, closeStore, err := openStore(ctx, env)
	if err != nil {
		return nil, err
	}

	vendorBase := strings.TrimSpace(env.VendorBaseURL)
	if vendorBase == "" {
		closeStore()
		return nil, fmt.Errorf("DEVICETRUST_VENDOR_BASE_URL is required")
	}
	vendor, err := mfa.NewVendorClient(mfa.VendorConfig{
		BaseURL:       vendorBase,
		APIKey:        doc.APIKey,
		ApplicationID: doc.ApplicationID,
		Environment:   doc.Environment,
		Timeout:       env.VendorTimeout,
	})
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("build vendor client: %w", err)
	}

	validator, err := token.NewValidator(token.Config{
		ValidationURL:    doc.ValidationURL,
		ServerSigningKey: doc.ServerSigningKey,
		ApplicationID:    doc.ApplicationID,
		Environment:      doc.Environment,
	})
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("build token validator: %w", err)
	}

	prompter := ceremony.NewHTTPPrompter(env.PrompterURL)
	cer := ceremony.NewWebAuthnCeremony(ceremony.LoadConfigFromEnv(), prompter, storeCredentialSource{store: store})

	eng, err := engine.New(store, cer, vendor, validator,
		engine.WithValidationGating(env.RequireValidation))
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("build engine: %w", err)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	shutdown, err := platformotel.Setup(ctx, "devicetrust")
	if err != nil {
		_ = listener.Close()
		closeStore()
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	handler := api.NewHandler(eng)
	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: handler.Router()},
		closeStore: closeStore,
		shutdown:   shutdown,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, addr string, configSource string) error {
	srv, err := New(ctx, addr, configSource)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// Serve blocks until the server stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.closeStore()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}()

	log.Printf("device trust bridge listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown HTTP: %w", err)
		}
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// openStore picks postgres when a DSN is configured and sqlite otherwise.
func openStore(ctx context.Context, env envConfig) (storage.DeviceStore, func(), error) {
	if dsn := strings.TrimSpace(env.PostgresDSN); dsn != "" {
		pool, err := pgstore.NewPool(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres pool: %w", err)
		}
		store, err := pgstore.NewStore(pool, deviceID(env))
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, store.Close, nil
	}

	path := strings.TrimSpace(env.DBPath)
	if path == "" {
		path = filepath.Join("data", "devicetrust.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlitestore.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, func() {
		if err := store.Close(); err != nil {
			log.Printf("close device store: %v", err)
		}
	}, nil
}

// deviceID scopes postgres rows to this device. Falls back to the hostname.
func deviceID(env envConfig) string {
	if id := strings.TrimSpace(env.DeviceID); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown-device"
}

// storeCredentialSource exposes the persisted physical-key credential to the
// ceremony's duplicate and presence checks.
type storeCredentialSource struct {
	store storage.DeviceStore
}

func (s storeCredentialSource) StoredCredential(ctx context.Context, user string) (string, error) {
	record, err := s.store.GetDeviceRecord(ctx, user)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return record.CredentialJSON, nil
}
