// Package errors provides structured error handling with machine codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Identity errors
	CodeIdentityRequired Code = "IDENTITY_REQUIRED"

	// Engine precondition errors
	CodeDeviceSuspended  Code = "DEVICE_SUSPENDED"
	CodeDeviceNotTrusted Code = "DEVICE_NOT_TRUSTED"
	CodeNoActiveSession  Code = "NO_ACTIVE_SESSION"
	CodeActionRequired   Code = "ACTION_IDENTIFIER_REQUIRED"

	// Collaborator errors
	CodeRemoteUnavailable Code = "REMOTE_UNAVAILABLE"
	CodeClientNotBound    Code = "CLIENT_NOT_BOUND"

	// Storage errors
	CodeNotFound       Code = "NOT_FOUND"
	CodeStorageFailure Code = "STORAGE_FAILURE"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
)

// HTTPStatus maps domain codes to HTTP status codes for the bridge surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeIdentityRequired, CodeActionRequired, CodeConfigInvalid:
		return http.StatusBadRequest
	case CodeNoActiveSession:
		return http.StatusUnauthorized
	case CodeDeviceSuspended, CodeDeviceNotTrusted:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRemoteUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
