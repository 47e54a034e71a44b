package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeDeviceSuspended, "device is suspended")
	target := New(CodeDeviceSuspended, "different message")

	if !stderrors.Is(err, target) {
		t.Fatal("expected errors with the same code to match")
	}
	if stderrors.Is(err, New(CodeNotFound, "missing")) {
		t.Fatal("expected errors with different codes not to match")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(CodeStorageFailure, "put device record", cause)

	if !stderrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable")
	}
	if err.Error() != "put device record" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestGetCode(t *testing.T) {
	err := New(CodeIdentityRequired, "identity is required")
	if got := GetCode(err); got != CodeIdentityRequired {
		t.Fatalf("code = %q, want %q", got, CodeIdentityRequired)
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if got := GetCode(wrapped); got != CodeIdentityRequired {
		t.Fatalf("wrapped code = %q, want %q", got, CodeIdentityRequired)
	}

	if got := GetCode(fmt.Errorf("plain")); got != CodeUnknown {
		t.Fatalf("plain code = %q, want %q", got, CodeUnknown)
	}
	if got := GetCode(nil); got != CodeUnknown {
		t.Fatalf("nil code = %q, want %q", got, CodeUnknown)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeIdentityRequired, http.StatusBadRequest},
		{CodeNoActiveSession, http.StatusUnauthorized},
		{CodeDeviceSuspended, http.StatusConflict},
		{CodeNotFound, http.StatusNotFound},
		{CodeRemoteUnavailable, http.StatusServiceUnavailable},
		{CodeUnknown, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := tc.code.HTTPStatus(); got != tc.want {
			t.Fatalf("%s status = %d, want %d", tc.code, got, tc.want)
		}
	}
}
