// Package pg implements the device store over PostgreSQL for deployments
// where trust state is kept off-device.
package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/louisbranch/devicetrust/internal/devicetrust/storage"
)

// NewPool creates a PostgreSQL connection pool with conservative limits.
func NewPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(dialCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}

// Store implements storage.DeviceStore over a pgx pool.
//
// The remembered identity is keyed by device so multiple devices can share
// one database.
type Store struct {
	db       *pgxpool.Pool
	deviceID string
}

// NewStore wraps a pool with a device-scoped store.
func NewStore(db *pgxpool.Pool, deviceID string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db pool is required")
	}
	if strings.TrimSpace(deviceID) == "" {
		return nil, fmt.Errorf("device id is required")
	}
	return &Store{db: db, deviceID: deviceID}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s != nil && s.db != nil {
		s.db.Close()
	}
}

func (s *Store) GetDeviceRecord(ctx context.Context, userID string) (storage.DeviceRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return storage.DeviceRecord{}, fmt.Errorf("user id is required")
	}

	row := s.db.QueryRow(ctx,
		`SELECT user_id, credential_id, credential_json, credential_created_at,
		        suspended, passkey_preference, created_at, updated_at
		 FROM devicetrust.device_records
		 WHERE device_id = $1 AND user_id = $2`,
		s.deviceID, userID)

	var record storage.DeviceRecord
	var credentialCreated *time.Time
	err := row.Scan(
		&record.UserID,
		&record.CredentialID,
		&record.CredentialJSON,
		&credentialCreated,
		&record.Suspended,
		&record.PasskeyPreference,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.DeviceRecord{}, storage.ErrNotFound
		}
		return storage.DeviceRecord{}, fmt.Errorf("get device record: %w", err)
	}
	if credentialCreated != nil {
		record.CredentialCreatedAt = credentialCreated.UTC()
	}
	return record, nil
}

func (s *Store) PutDeviceRecord(ctx context.Context, record storage.DeviceRecord) error {
	if strings.TrimSpace(record.UserID) == "" {
		return fmt.Errorf("user id is required")
	}

	var credentialCreated *time.Time
	if !record.CredentialCreatedAt.IsZero() {
		value := record.CredentialCreatedAt.UTC()
		credentialCreated = &value
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO devicetrust.device_records (
		     device_id, user_id, credential_id, credential_json,
		     credential_created_at, suspended, passkey_preference,
		     created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		 ON CONFLICT (device_id, user_id) DO UPDATE SET
		     credential_id = EXCLUDED.credential_id,
		     credential_json = EXCLUDED.credential_json,
		     credential_created_at = EXCLUDED.credential_created_at,
		     suspended = EXCLUDED.suspended,
		     passkey_preference = EXCLUDED.passkey_preference,
		     updated_at = NOW()`,
		s.deviceID, record.UserID, record.CredentialID, record.CredentialJSON,
		credentialCreated, record.Suspended, record.PasskeyPreference,
	)
	if err != nil {
		return fmt.Errorf("put device record: %w", err)
	}
	return nil
}

func (s *Store) DeleteDeviceRecord(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := s.db.Exec(ctx,
		"DELETE FROM devicetrust.device_records WHERE device_id = $1 AND user_id = $2",
		s.deviceID, userID)
	if err != nil {
		return fmt.Errorf("delete device record: %w", err)
	}
	return nil
}

func (s *Store) GetRememberedUser(ctx context.Context) (string, error) {
	row := s.db.QueryRow(ctx,
		"SELECT user_id FROM devicetrust.remembered_users WHERE device_id = $1",
		s.deviceID)

	var userID string
	if err := row.Scan(&userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("get remembered user: %w", err)
	}
	return userID, nil
}

func (s *Store) SetRememberedUser(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO devicetrust.remembered_users (device_id, user_id, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (device_id) DO UPDATE SET
		     user_id = EXCLUDED.user_id, updated_at = NOW()`,
		s.deviceID, userID)
	if err != nil {
		return fmt.Errorf("set remembered user: %w", err)
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, keepIdentity bool) error {
	_, err := s.db.Exec(ctx,
		"DELETE FROM devicetrust.device_records WHERE device_id = $1", s.deviceID)
	if err != nil {
		return fmt.Errorf("purge device records: %w", err)
	}
	if !keepIdentity {
		_, err := s.db.Exec(ctx,
			"DELETE FROM devicetrust.remembered_users WHERE device_id = $1", s.deviceID)
		if err != nil {
			return fmt.Errorf("purge remembered user: %w", err)
		}
	}
	return nil
}
