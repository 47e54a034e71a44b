// Package storage defines persistence contracts for per-device trust state.
package storage

import (
	"context"
	"time"

	"github.com/louisbranch/devicetrust/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// DeviceRecord is the per-user trust state persisted on this device.
//
// Suspension is device-local only: there is no server-side record of it, so
// purging the store clears suspension as well. Callers that need a stronger
// guarantee must mirror the flag remotely.
type DeviceRecord struct {
	UserID string

	// CredentialID and CredentialJSON hold the physical-key credential
	// registered on this device. An empty CredentialID means no ceremony
	// has succeeded yet.
	CredentialID        string
	CredentialJSON      string
	CredentialCreatedAt time.Time

	// Suspended blocks passkey login until a physical-key ceremony
	// succeeds again.
	Suspended bool

	// PasskeyPreference is the last user-chosen toggle for the secondary
	// passkey factor. Defaults to true for new records.
	PasskeyPreference bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPhysicalKey reports whether a physical-key credential is registered.
func (r DeviceRecord) HasPhysicalKey() bool {
	return r.CredentialID != ""
}

// NewDeviceRecord returns the default record for a user with no stored state.
func NewDeviceRecord(userID string) DeviceRecord {
	return DeviceRecord{
		UserID:            userID,
		PasskeyPreference: true,
	}
}

// DeviceStore persists device trust records and the remembered identity.
//
// The remembered identity lives in its own namespace so purging trust state
// can keep it for UX convenience.
type DeviceStore interface {
	GetDeviceRecord(ctx context.Context, userID string) (DeviceRecord, error)
	PutDeviceRecord(ctx context.Context, record DeviceRecord) error
	DeleteDeviceRecord(ctx context.Context, userID string) error

	GetRememberedUser(ctx context.Context) (string, error)
	SetRememberedUser(ctx context.Context, userID string) error

	// Purge clears all device trust records. When keepIdentity is true the
	// remembered identity survives.
	Purge(ctx context.Context, keepIdentity bool) error
}
