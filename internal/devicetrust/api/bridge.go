// Package api exposes the device-trust engine over HTTP so any front end
// (web, CLI, desktop shell) can drive transitions without linking the engine.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/louisbranch/devicetrust/internal/devicetrust"
	"github.com/louisbranch/devicetrust/internal/platform/errors"
	"github.com/louisbranch/devicetrust/internal/platform/id"
)

// Engine is the transition surface the bridge drives.
type Engine interface {
	DeriveState(ctx context.Context, user string) (devicetrust.State, error)
	TrustDevice(ctx context.Context, user string) (devicetrust.Result, error)
	Login(ctx context.Context, user string) (devicetrust.Result, error)
	Reactivate(ctx context.Context, user string) (devicetrust.Result, error)
	StepUp(ctx context.Context, action string) (devicetrust.Result, error)
	Logout(ctx context.Context) devicetrust.Result
	Suspend(ctx context.Context, user string) (devicetrust.Result, error)
	Purge(ctx context.Context) (devicetrust.Result, error)
	SetPasskeyPreference(ctx context.Context, user string, enabled bool) error
	RememberedUser(ctx context.Context) (string, bool)
}

// stateDebounceWindow coalesces repeated state lookups while the user is
// still typing an identity. Within the window the previous answer for the
// same user is reused instead of re-running the remote enrollment check.
const stateDebounceWindow = 800 * time.Millisecond

// Handler serves the bridge routes.
type Handler struct {
	engine Engine
	clock  func() time.Time

	mu        sync.Mutex
	lastUser  string
	lastState devicetrust.State
	lastAt    time.Time
}

// NewHandler builds the bridge around an engine.
func NewHandler(engine Engine) *Handler {
	return &Handler{engine: engine, clock: time.Now}
}

// Router wires the bridge routes.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID)

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/state", h.handleState).Methods(http.MethodGet)
	r.HandleFunc("/v1/trust-device", h.transition(h.engine.TrustDevice)).Methods(http.MethodPost)
	r.HandleFunc("/v1/login", h.transition(h.engine.Login)).Methods(http.MethodPost)
	r.HandleFunc("/v1/reactivate", h.transition(h.engine.Reactivate)).Methods(http.MethodPost)
	r.HandleFunc("/v1/suspend", h.transition(h.engine.Suspend)).Methods(http.MethodPost)
	r.HandleFunc("/v1/step-up", h.handleStepUp).Methods(http.MethodPost)
	r.HandleFunc("/v1/logout", h.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/v1/purge", h.handlePurge).Methods(http.MethodPost)
	r.HandleFunc("/v1/passkey-preference", h.handlePasskeyPreference).Methods(http.MethodPost)
	return r
}

// requestID stamps every request with a correlation id for log lines.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			if generated, err := id.NewID(); err == nil {
				rid = generated
			}
		}
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r)
	})
}

type userRequest struct {
	User string `json:"user"`
}

type actionRequest struct {
	Action string `json:"action"`
}

type preferenceRequest struct {
	User    string `json:"user"`
	Enabled bool   `json:"enabled"`
}

type evidencePayload struct {
	ClientDataFingerprint string `json:"clientDataFingerprint"`
	Signature             string `json:"signature"`
}

type resultPayload struct {
	Outcome  string           `json:"outcome"`
	Message  string           `json:"message,omitempty"`
	Token    string           `json:"token,omitempty"`
	Evidence *evidencePayload `json:"evidence,omitempty"`
}

type statePayload struct {
	User           string `json:"user"`
	State          string `json:"state"`
	RememberedUser string `json:"rememberedUser,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// transition adapts the common user-keyed engine transitions to a handler.
func (h *Handler) transition(op func(context.Context, string) (devicetrust.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req userRequest
		if !decode(w, r, &req) {
			return
		}
		result, err := op(r.Context(), req.User)
		if err != nil {
			writeError(w, err)
			return
		}
		h.invalidateState()
		writeResult(w, result)
	}
}

func (h *Handler) handleStepUp(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.engine.StepUp(r.Context(), req.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, result)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	result := h.engine.Logout(r.Context())
	h.invalidateState()
	writeResult(w, result)
}

func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Purge(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	h.invalidateState()
	writeResult(w, result)
}

func (h *Handler) handlePasskeyPreference(w http.ResponseWriter, r *http.Request) {
	var req preferenceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.SetPasskeyPreference(r.Context(), req.User, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")

	state, cached := h.cachedState(user)
	if !cached {
		var err error
		state, err = h.engine.DeriveState(r.Context(), user)
		if err != nil {
			writeError(w, err)
			return
		}
		h.rememberState(user, state)
	}

	payload := statePayload{User: user, State: state.String()}
	if remembered, ok := h.engine.RememberedUser(r.Context()); ok {
		payload.RememberedUser = remembered
	}
	writeJSON(w, http.StatusOK, payload)
}

// cachedState reuses a recent answer for the same user within the debounce
// window.
func (h *Handler) cachedState(user string) (devicetrust.State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastUser != user || h.lastAt.IsZero() {
		return 0, false
	}
	if h.clock().Sub(h.lastAt) > stateDebounceWindow {
		return 0, false
	}
	return h.lastState, true
}

func (h *Handler) rememberState(user string, state devicetrust.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastUser = user
	h.lastState = state
	h.lastAt = h.clock()
}

// invalidateState drops the debounce cache after any transition so the next
// lookup reflects the new state immediately.
func (h *Handler) invalidateState() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastAt = time.Time{}
}

func decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{
			Code:    string(errors.CodeUnknown),
			Message: "invalid request body",
		})
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, result devicetrust.Result) {
	payload := resultPayload{
		Outcome: string(result.Outcome),
		Message: result.Message,
		Token:   result.Token,
	}
	if result.Evidence != nil {
		payload.Evidence = &evidencePayload{
			ClientDataFingerprint: result.Evidence.ClientDataFingerprint,
			Signature:             result.Evidence.Signature,
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)
	log.Printf("api: request failed with %s: %v", code, err)
	writeJSON(w, code.HTTPStatus(), errorPayload{
		Code:    string(code),
		Message: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}
