// Package sqlite implements the device store over a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/devicetrust/internal/devicetrust/storage"
	"github.com/louisbranch/devicetrust/internal/devicetrust/storage/sqlite/migrations"
	"github.com/louisbranch/devicetrust/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements device trust persistence over SQLite.
//
// A single SQLite file backs all per-device trust state so trust flags and
// the remembered identity share the same transaction and visibility
// boundaries.
type Store struct {
	sqlDB *sql.DB
}

// DB returns the raw database handle for maintenance tooling.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// Open opens a device trust SQLite store and applies bundled migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}

	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// GetDeviceRecord fetches the trust record for a user.
func (s *Store) GetDeviceRecord(ctx context.Context, userID string) (storage.DeviceRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.DeviceRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.DeviceRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return storage.DeviceRecord{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT user_id, credential_id, credential_json, credential_created_at,
       suspended, passkey_preference, created_at, updated_at
FROM device_records
WHERE user_id = ?`, userID)

	var record storage.DeviceRecord
	var credentialCreated sql.NullInt64
	var suspended, preference int64
	var createdAt, updatedAt int64
	err := row.Scan(
		&record.UserID,
		&record.CredentialID,
		&record.CredentialJSON,
		&credentialCreated,
		&suspended,
		&preference,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.DeviceRecord{}, storage.ErrNotFound
		}
		return storage.DeviceRecord{}, fmt.Errorf("get device record: %w", err)
	}

	if credentialCreated.Valid {
		record.CredentialCreatedAt = fromMillis(credentialCreated.Int64)
	}
	record.Suspended = suspended != 0
	record.PasskeyPreference = preference != 0
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// PutDeviceRecord inserts or replaces the trust record for a user.
func (s *Store) PutDeviceRecord(ctx context.Context, record storage.DeviceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.UserID) == "" {
		return fmt.Errorf("user id is required")
	}

	credentialCreated := sql.NullInt64{}
	if !record.CredentialCreatedAt.IsZero() {
		credentialCreated = sql.NullInt64{Int64: toMillis(record.CredentialCreatedAt), Valid: true}
	}

	now := time.Now()
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO device_records (
    user_id, credential_id, credential_json, credential_created_at,
    suspended, passkey_preference, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
    credential_id = excluded.credential_id,
    credential_json = excluded.credential_json,
    credential_created_at = excluded.credential_created_at,
    suspended = excluded.suspended,
    passkey_preference = excluded.passkey_preference,
    updated_at = excluded.updated_at`,
		record.UserID,
		record.CredentialID,
		record.CredentialJSON,
		credentialCreated,
		boolToInt(record.Suspended),
		boolToInt(record.PasskeyPreference),
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("put device record: %w", err)
	}
	return nil
}

// DeleteDeviceRecord removes the trust record for a user.
func (s *Store) DeleteDeviceRecord(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM device_records WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("delete device record: %w", err)
	}
	return nil
}

// GetRememberedUser returns the remembered identity, or ErrNotFound.
func (s *Store) GetRememberedUser(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.sqlDB == nil {
		return "", fmt.Errorf("storage is not configured")
	}

	var userID string
	row := s.sqlDB.QueryRowContext(ctx, "SELECT user_id FROM remembered_user WHERE id = 1")
	if err := row.Scan(&userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("get remembered user: %w", err)
	}
	return userID, nil
}

// SetRememberedUser stores the remembered identity for UX convenience.
func (s *Store) SetRememberedUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO remembered_user (id, user_id, updated_at) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, updated_at = excluded.updated_at`,
		userID, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("set remembered user: %w", err)
	}
	return nil
}

// Purge clears all device trust records. When keepIdentity is true the
// remembered identity survives the purge.
func (s *Store) Purge(ctx context.Context, keepIdentity bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM device_records"); err != nil {
		return fmt.Errorf("purge device records: %w", err)
	}
	if !keepIdentity {
		if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM remembered_user"); err != nil {
			return fmt.Errorf("purge remembered user: %w", err)
		}
	}
	return nil
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}
