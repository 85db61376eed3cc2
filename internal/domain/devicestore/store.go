// Package devicestore defines persistence contracts for the local device identity,
// user association and credential state.
package devicestore

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Transport names the push-delivery channel associated with a device.
type Transport string

const (
	// TransportFCM delivers through Firebase Cloud Messaging.
	TransportFCM Transport = "GCM"
	// TransportHMS delivers through Huawei Mobile Services.
	TransportHMS Transport = "HMS"
	// TransportGeneric delivers through the backend's own socket channel.
	TransportGeneric Transport = "Notificare"
)

// TimeRange bounds a do-not-disturb window using HH:mm wall-clock strings.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// DeviceRecord is the persisted identity of this installation. Exactly one
// record exists at a time. ID changes only when a transport token rebinds the
// identity; the registration call then carries the prior id as oldDeviceID.
// LongLived holds while no transport token is registered.
type DeviceRecord struct {
	ID             string            `json:"id"`
	UserID         *string           `json:"userId,omitempty"`
	UserName       *string           `json:"userName,omitempty"`
	Transport      Transport         `json:"transport"`
	TimeZoneOffset float64           `json:"timeZoneOffset"`
	Language       *string           `json:"language,omitempty"`
	Region         *string           `json:"region,omitempty"`
	DoNotDisturb   *TimeRange        `json:"dnd,omitempty"`
	UserData       map[string]string `json:"userData,omitempty"`
	LongLived      bool              `json:"longLived"`
}

// Credentials holds the bearer-token state for authenticated endpoints. At
// most one value is persisted; it is replaced atomically on renewal.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// Store abstracts the durable keyed storage backing device/session state.
// Implementations treat an undecodable persisted blob as absent: the bad
// entry is deleted and a nil record returned instead of a decode error.
type Store interface {
	Device(ctx context.Context) (*DeviceRecord, error)
	PutDevice(ctx context.Context, record DeviceRecord) error
	DeleteDevice(ctx context.Context) error

	Credentials(ctx context.Context) (*Credentials, error)
	PutCredentials(ctx context.Context, creds Credentials) error

	PreferredLanguage(ctx context.Context) (string, error)
	SetPreferredLanguage(ctx context.Context, language string) error
	PreferredRegion(ctx context.Context) (string, error)
	SetPreferredRegion(ctx context.Context, region string) error
}

// legacyDevice mirrors the flat storage layout written by pre-3.x releases.
type legacyDevice struct {
	DeviceID       string  `json:"deviceID"`
	UserID         string  `json:"userID"`
	UserName       string  `json:"userName"`
	Transport      string  `json:"transport"`
	TimeZoneOffset float64 `json:"timeZoneOffset"`
	Language       string  `json:"preferredLanguage"`
	Region         string  `json:"preferredRegion"`
	DNDStart       string  `json:"dndStart"`
	DNDEnd         string  `json:"dndEnd"`
	Registered     bool    `json:"registeredForNotifications"`
}

// DecodeLegacy parses a legacy-format device blob field-by-field, defaulting
// every missing optional field, so upgraded installations keep their identity.
func DecodeLegacy(raw []byte) (*DeviceRecord, error) {
	var legacy legacyDevice
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("decode legacy device: %w", err)
	}
	id := strings.TrimSpace(legacy.DeviceID)
	if id == "" {
		return nil, fmt.Errorf("decode legacy device: missing deviceID")
	}
	record := DeviceRecord{
		ID:             id,
		Transport:      TransportGeneric,
		TimeZoneOffset: legacy.TimeZoneOffset,
		LongLived:      !legacy.Registered,
	}
	if t := strings.TrimSpace(legacy.Transport); t != "" {
		record.Transport = Transport(t)
	}
	if v := strings.TrimSpace(legacy.UserID); v != "" {
		record.UserID = &v
	}
	if v := strings.TrimSpace(legacy.UserName); v != "" {
		record.UserName = &v
	}
	if v := strings.TrimSpace(legacy.Language); v != "" {
		record.Language = &v
	}
	if v := strings.TrimSpace(legacy.Region); v != "" {
		record.Region = &v
	}
	if legacy.DNDStart != "" && legacy.DNDEnd != "" {
		record.DoNotDisturb = &TimeRange{Start: legacy.DNDStart, End: legacy.DNDEnd}
	}
	return &record, nil
}
