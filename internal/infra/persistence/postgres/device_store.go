package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pushbeam/beam/internal/domain/devicestore"
)

// DeviceStore persists device/session state as keyed blobs.
type DeviceStore struct {
	pool *pgxpool.Pool
}

// NewDeviceStore constructs a DeviceStore backed by the provided pool.
func NewDeviceStore(pool *pgxpool.Pool) *DeviceStore {
	return &DeviceStore{pool: pool}
}

const (
	stateKeyDevice       = "device"
	stateKeyLegacyDevice = "device_legacy"
	stateKeyCredentials  = "credentials"
	stateKeyLanguage     = "preferred_language"
	stateKeyRegion       = "preferred_region"
)

const (
	stateGetSQL = `
SELECT payload
FROM device_state
WHERE state_key = $1;
`

	stateUpsertSQL = `
INSERT INTO device_state (state_key, payload, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (state_key)
DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW();
`

	stateDeleteSQL = `
DELETE FROM device_state
WHERE state_key = $1;
`
)

// Device returns the persisted device record. An undecodable blob is deleted
// and reported as absent rather than surfaced as a decode error. A legacy
// blob found while the current key is empty is migrated and cleared.
func (s *DeviceStore) Device(ctx context.Context) (*devicestore.DeviceRecord, error) {
	raw, found, err := s.get(ctx, stateKeyDevice)
	if err != nil {
		return nil, err
	}
	if found {
		var record devicestore.DeviceRecord
		if err := json.Unmarshal(raw, &record); err != nil || record.ID == "" {
			if delErr := s.delete(ctx, stateKeyDevice); delErr != nil {
				return nil, delErr
			}
			return nil, nil
		}
		return &record, nil
	}
	return s.migrateLegacy(ctx)
}

func (s *DeviceStore) migrateLegacy(ctx context.Context) (*devicestore.DeviceRecord, error) {
	raw, found, err := s.get(ctx, stateKeyLegacyDevice)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	record, decodeErr := devicestore.DecodeLegacy(raw)
	if delErr := s.delete(ctx, stateKeyLegacyDevice); delErr != nil {
		return nil, delErr
	}
	if decodeErr != nil {
		return nil, nil
	}
	if err := s.PutDevice(ctx, *record); err != nil {
		return nil, err
	}
	return record, nil
}

// PutDevice overwrites the device record in place.
func (s *DeviceStore) PutDevice(ctx context.Context, record devicestore.DeviceRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("device store: encode device: %w", err)
	}
	return s.put(ctx, stateKeyDevice, raw)
}

// DeleteDevice clears the persisted device record.
func (s *DeviceStore) DeleteDevice(ctx context.Context) error {
	return s.delete(ctx, stateKeyDevice)
}

// Credentials returns the persisted bearer credentials, healing corrupt blobs.
func (s *DeviceStore) Credentials(ctx context.Context) (*devicestore.Credentials, error) {
	raw, found, err := s.get(ctx, stateKeyCredentials)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var creds devicestore.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil || creds.AccessToken == "" {
		if delErr := s.delete(ctx, stateKeyCredentials); delErr != nil {
			return nil, delErr
		}
		return nil, nil
	}
	return &creds, nil
}

// PutCredentials atomically replaces the persisted credentials.
func (s *DeviceStore) PutCredentials(ctx context.Context, creds devicestore.Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("device store: encode credentials: %w", err)
	}
	return s.put(ctx, stateKeyCredentials, raw)
}

// PreferredLanguage returns the override language, empty when unset.
func (s *DeviceStore) PreferredLanguage(ctx context.Context) (string, error) {
	raw, _, err := s.get(ctx, stateKeyLanguage)
	return string(raw), err
}

// SetPreferredLanguage stores the override language; empty clears it.
func (s *DeviceStore) SetPreferredLanguage(ctx context.Context, language string) error {
	if language == "" {
		return s.delete(ctx, stateKeyLanguage)
	}
	return s.put(ctx, stateKeyLanguage, []byte(language))
}

// PreferredRegion returns the override region, empty when unset.
func (s *DeviceStore) PreferredRegion(ctx context.Context) (string, error) {
	raw, _, err := s.get(ctx, stateKeyRegion)
	return string(raw), err
}

// SetPreferredRegion stores the override region; empty clears it.
func (s *DeviceStore) SetPreferredRegion(ctx context.Context, region string) error {
	if region == "" {
		return s.delete(ctx, stateKeyRegion)
	}
	return s.put(ctx, stateKeyRegion, []byte(region))
}

func (s *DeviceStore) get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.pool == nil {
		return nil, false, fmt.Errorf("device store: nil pool")
	}
	var payload []byte
	err := s.pool.QueryRow(ctx, stateGetSQL, key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("device store: get %s: %w", key, err)
	}
	return payload, true, nil
}

func (s *DeviceStore) put(ctx context.Context, key string, payload []byte) error {
	if s.pool == nil {
		return fmt.Errorf("device store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, stateUpsertSQL, key, payload); err != nil {
		return fmt.Errorf("device store: put %s: %w", key, err)
	}
	return nil
}

func (s *DeviceStore) delete(ctx context.Context, key string) error {
	if s.pool == nil {
		return fmt.Errorf("device store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, stateDeleteSQL, key); err != nil {
		return fmt.Errorf("device store: delete %s: %w", key, err)
	}
	return nil
}

var _ devicestore.Store = (*DeviceStore)(nil)
