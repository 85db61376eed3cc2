package memory

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/pushbeam/beam/internal/domain/devicestore"
)

const (
	keyDevice       = "device"
	keyLegacyDevice = "device_legacy"
	keyCredentials  = "credentials"
	keyLanguage     = "preferred_language"
	keyRegion       = "preferred_region"
)

// DeviceStore keeps device/session state as keyed JSON blobs, mirroring the
// durable keyed storage used in production.
type DeviceStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewDeviceStore constructs an empty in-memory device store.
func NewDeviceStore() *DeviceStore {
	return &DeviceStore{blobs: make(map[string][]byte)}
}

// Device returns the persisted device record. An undecodable blob is deleted
// and reported as absent. A legacy-format blob found while the current key is
// empty is migrated in place and the legacy entry cleared.
func (s *DeviceStore) Device(ctx context.Context) (*devicestore.DeviceRecord, error) {
	s.mu.Lock()
	raw, ok := s.blobs[keyDevice]
	s.mu.Unlock()
	if ok {
		var record devicestore.DeviceRecord
		if err := json.Unmarshal(raw, &record); err != nil || record.ID == "" {
			s.delete(keyDevice)
			return nil, nil
		}
		return &record, nil
	}
	return s.migrateLegacy(ctx)
}

func (s *DeviceStore) migrateLegacy(ctx context.Context) (*devicestore.DeviceRecord, error) {
	s.mu.Lock()
	raw, ok := s.blobs[keyLegacyDevice]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	defer s.delete(keyLegacyDevice)
	record, err := devicestore.DecodeLegacy(raw)
	if err != nil {
		return nil, nil
	}
	if err := s.PutDevice(ctx, *record); err != nil {
		return nil, err
	}
	return record, nil
}

// PutDevice overwrites the device record in place.
func (s *DeviceStore) PutDevice(_ context.Context, record devicestore.DeviceRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	s.put(keyDevice, raw)
	return nil
}

// DeleteDevice clears the persisted device record.
func (s *DeviceStore) DeleteDevice(context.Context) error {
	s.delete(keyDevice)
	return nil
}

// Credentials returns the persisted bearer credentials, healing corrupt blobs.
func (s *DeviceStore) Credentials(context.Context) (*devicestore.Credentials, error) {
	s.mu.Lock()
	raw, ok := s.blobs[keyCredentials]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var creds devicestore.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil || creds.AccessToken == "" {
		s.delete(keyCredentials)
		return nil, nil
	}
	return &creds, nil
}

// PutCredentials atomically replaces the persisted credentials.
func (s *DeviceStore) PutCredentials(_ context.Context, creds devicestore.Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	s.put(keyCredentials, raw)
	return nil
}

// PreferredLanguage returns the override language, empty when unset.
func (s *DeviceStore) PreferredLanguage(context.Context) (string, error) {
	return s.getString(keyLanguage), nil
}

// SetPreferredLanguage stores the override language; empty clears it.
func (s *DeviceStore) SetPreferredLanguage(_ context.Context, language string) error {
	s.putString(keyLanguage, language)
	return nil
}

// PreferredRegion returns the override region, empty when unset.
func (s *DeviceStore) PreferredRegion(context.Context) (string, error) {
	return s.getString(keyRegion), nil
}

// SetPreferredRegion stores the override region; empty clears it.
func (s *DeviceStore) SetPreferredRegion(_ context.Context, region string) error {
	s.putString(keyRegion, region)
	return nil
}

func (s *DeviceStore) put(key string, raw []byte) {
	s.mu.Lock()
	s.blobs[key] = raw
	s.mu.Unlock()
}

func (s *DeviceStore) delete(key string) {
	s.mu.Lock()
	delete(s.blobs, key)
	s.mu.Unlock()
}

func (s *DeviceStore) getString(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.blobs[key])
}

func (s *DeviceStore) putString(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.blobs, key)
		return
	}
	s.blobs[key] = []byte(value)
}

var _ devicestore.Store = (*DeviceStore)(nil)
