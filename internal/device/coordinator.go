// Package device coordinates the registration state machine: a freshly
// configured installation registers a long-lived identity, upgrades it to a
// transport-bound one when a push token arrives, and keeps the backend's view
// of locale, timezone and user association current.
package device

import (
	"context"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pushbeam/beam/config"
	"github.com/pushbeam/beam/errs"
	"github.com/pushbeam/beam/internal/domain/devicestore"
	"github.com/pushbeam/beam/internal/observability"
	"github.com/pushbeam/beam/internal/rest"
)

// registrationPayload is the wire shape of device create/update calls.
type registrationPayload struct {
	DeviceID                   string  `json:"deviceID"`
	OldDeviceID                *string `json:"oldDeviceID,omitempty"`
	UserID                     *string `json:"userID,omitempty"`
	UserName                   *string `json:"userName,omitempty"`
	Country                    *string `json:"country,omitempty"`
	Language                   string  `json:"language"`
	Region                     string  `json:"region"`
	Platform                   string  `json:"platform"`
	Transport                  string  `json:"transport"`
	OSVersion                  string  `json:"osVersion"`
	SDKVersion                 string  `json:"sdkVersion"`
	AppVersion                 string  `json:"appVersion"`
	DeviceString               string  `json:"deviceString"`
	TimeZoneOffset             float64 `json:"timeZoneOffset"`
	AllowedUI                  bool    `json:"allowedUI"`
	LocationServicesAuthStatus string  `json:"locationServicesAuthStatus"`
	BluetoothEnabled           bool    `json:"bluetoothEnabled"`
}

type languagePayload struct {
	Language string `json:"language"`
	Region   string `json:"region"`
}

type timeZonePayload struct {
	Language       string  `json:"language"`
	TimeZoneOffset float64 `json:"timeZoneOffset"`
}

type userPayload struct {
	UserID   *string `json:"userID"`
	UserName *string `json:"userName"`
}

// Coordinator drives device registration and keeps the persisted record in
// step with the backend. Updates are last-write-wins; the mutex serializes
// calls from independent triggers so a slow network call cannot interleave
// its local write with another trigger's.
type Coordinator struct {
	mu     sync.Mutex
	client *rest.Client
	state  devicestore.Store
	app    config.AppInfo
	clock  func() time.Time
}

// NewCoordinator binds the registration flow to the request pipeline and
// device state store.
func NewCoordinator(client *rest.Client, state devicestore.Store, app config.AppInfo) *Coordinator {
	return &Coordinator{
		client: client,
		state:  state,
		app:    app,
		clock:  time.Now,
	}
}

// WithClock overrides the coordinator's clock, primarily for testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	if clock != nil {
		c.clock = clock
	}
	return c
}

// Current returns the persisted device record, or nil when the installation
// has never registered.
func (c *Coordinator) Current(ctx context.Context) (*devicestore.DeviceRecord, error) {
	return c.state.Device(ctx)
}

// Register ensures the installation has a registered identity. Without a
// transport token it creates a long-lived device under a generated id;
// calling it again is a no-op returning the existing record.
func (c *Coordinator) Register(ctx context.Context) (devicestore.DeviceRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.state.Device(ctx)
	if err != nil {
		return devicestore.DeviceRecord{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	record := devicestore.DeviceRecord{
		ID:             uuid.NewString(),
		Transport:      devicestore.TransportGeneric,
		TimeZoneOffset: c.timeZoneOffsetHours(),
		LongLived:      true,
	}
	if language, region := c.locale(ctx); language != "" {
		record.Language = &language
		if region != "" {
			record.Region = &region
		}
	}
	if err := c.postRegistration(ctx, record, nil); err != nil {
		return devicestore.DeviceRecord{}, err
	}
	if err := c.state.PutDevice(ctx, record); err != nil {
		return devicestore.DeviceRecord{}, err
	}
	observability.Log().Info("registered long-lived device",
		observability.F("deviceID", record.ID))
	return record, nil
}

// RegisterTransportToken rebinds the device to a push transport. The token
// becomes the device identity on the wire; the previous id travels as
// oldDeviceID so the backend migrates rather than duplicates the device.
// User association survives the transition. Re-registering an unchanged
// transport/token pair short-circuits without a network call.
func (c *Coordinator) RegisterTransportToken(ctx context.Context, transport devicestore.Transport, token string) (devicestore.DeviceRecord, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return devicestore.DeviceRecord{}, errs.New("/device", errs.CodeInvalid,
			errs.WithMessage("transport token required"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.state.Device(ctx)
	if err != nil {
		return devicestore.DeviceRecord{}, err
	}
	if existing == nil {
		return devicestore.DeviceRecord{}, errs.New("/device", errs.CodeNotReady,
			errs.WithMessage("no registered device to bind a transport to"))
	}
	if !existing.LongLived && existing.Transport == transport && existing.ID == token {
		return *existing, nil
	}

	record := *existing
	var oldID *string
	if existing.ID != token {
		prior := existing.ID
		oldID = &prior
	}
	record.ID = token
	record.Transport = transport
	record.LongLived = false
	record.TimeZoneOffset = c.timeZoneOffsetHours()

	if err := c.postRegistration(ctx, record, oldID); err != nil {
		return devicestore.DeviceRecord{}, err
	}
	if err := c.state.PutDevice(ctx, record); err != nil {
		return devicestore.DeviceRecord{}, err
	}
	observability.Log().Info("registered transport-bound device",
		observability.F("transport", string(transport)))
	return record, nil
}

// OnLocaleChanged reacts to a system locale broadcast. Failures are logged
// and swallowed; the local record is only touched after the backend accepts
// the change.
func (c *Coordinator) OnLocaleChanged(ctx context.Context, language, region string) {
	if err := c.UpdateLocale(ctx, language, region); err != nil {
		observability.Log().Warn("locale sync failed",
			observability.F("language", language),
			observability.F("error", err.Error()))
	}
}

// OnTimeZoneChanged reacts to a system timezone broadcast, best-effort like
// OnLocaleChanged.
func (c *Coordinator) OnTimeZoneChanged(ctx context.Context) {
	if err := c.UpdateTimeZone(ctx); err != nil {
		observability.Log().Warn("timezone sync failed",
			observability.F("error", err.Error()))
	}
}

// UpdateLocale pushes a new preferred language/region to the backend, then
// persists it locally.
func (c *Coordinator) UpdateLocale(ctx context.Context, language, region string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, err := c.state.Device(ctx)
	if err != nil {
		return err
	}
	if record == nil {
		return errs.New("/device", errs.CodeNotReady,
			errs.WithMessage("no registered device"))
	}

	payload := languagePayload{Language: language, Region: region}
	_, err = c.client.NewRequest(http.MethodPut, "/device/"+record.ID).
		Body(payload).
		ExecuteRaw(ctx)
	if err != nil {
		return err
	}

	updated := *record
	updated.Language = &language
	if region != "" {
		updated.Region = &region
	} else {
		updated.Region = nil
	}
	if err := c.state.PutDevice(ctx, updated); err != nil {
		return err
	}
	if err := c.state.SetPreferredLanguage(ctx, language); err != nil {
		return err
	}
	return c.state.SetPreferredRegion(ctx, region)
}

// UpdateTimeZone pushes the current timezone offset to the backend, then
// persists it locally.
func (c *Coordinator) UpdateTimeZone(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, err := c.state.Device(ctx)
	if err != nil {
		return err
	}
	if record == nil {
		return errs.New("/device", errs.CodeNotReady,
			errs.WithMessage("no registered device"))
	}

	offset := c.timeZoneOffsetHours()
	payload := timeZonePayload{
		Language:       stringOr(record.Language, "en"),
		TimeZoneOffset: offset,
	}
	_, err = c.client.NewRequest(http.MethodPut, "/device/"+record.ID).
		Body(payload).
		ExecuteRaw(ctx)
	if err != nil {
		return err
	}

	updated := *record
	updated.TimeZoneOffset = offset
	return c.state.PutDevice(ctx, updated)
}

// Login associates a user with the device, write-through: the local record
// keeps its prior value until the backend acknowledges.
func (c *Coordinator) Login(ctx context.Context, userID, userName string) error {
	id := &userID
	var name *string
	if strings.TrimSpace(userName) != "" {
		name = &userName
	}
	return c.updateUser(ctx, id, name)
}

// Logout clears the user association, write-through like Login.
func (c *Coordinator) Logout(ctx context.Context) error {
	return c.updateUser(ctx, nil, nil)
}

func (c *Coordinator) updateUser(ctx context.Context, userID, userName *string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, err := c.state.Device(ctx)
	if err != nil {
		return err
	}
	if record == nil {
		return errs.New("/device", errs.CodeNotReady,
			errs.WithMessage("no registered device"))
	}

	payload := userPayload{UserID: userID, UserName: userName}
	_, err = c.client.NewRequest(http.MethodPut, "/device/"+record.ID).
		Body(payload).
		ExecuteRaw(ctx)
	if err != nil {
		return err
	}

	updated := *record
	updated.UserID = userID
	updated.UserName = userName
	return c.state.PutDevice(ctx, updated)
}

// UpdateUserData replaces the device's custom user data, write-through.
func (c *Coordinator) UpdateUserData(ctx context.Context, data map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, err := c.state.Device(ctx)
	if err != nil {
		return err
	}
	if record == nil {
		return errs.New("/device", errs.CodeNotReady,
			errs.WithMessage("no registered device"))
	}

	_, err = c.client.NewRequest(http.MethodPut, "/device/"+record.ID+"/userdata").
		Body(data).
		ExecuteRaw(ctx)
	if err != nil {
		return err
	}

	updated := *record
	updated.UserData = data
	return c.state.PutDevice(ctx, updated)
}

// Unregister deletes the device on the backend and clears the local record.
func (c *Coordinator) Unregister(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, err := c.state.Device(ctx)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	_, err = c.client.NewRequest(http.MethodDelete, "/device/"+record.ID).
		ExecuteRaw(ctx)
	if err != nil {
		return err
	}
	return c.state.DeleteDevice(ctx)
}

func (c *Coordinator) postRegistration(ctx context.Context, record devicestore.DeviceRecord, oldID *string) error {
	payload := registrationPayload{
		DeviceID:                   record.ID,
		OldDeviceID:                oldID,
		UserID:                     record.UserID,
		UserName:                   record.UserName,
		Language:                   stringOr(record.Language, "en"),
		Region:                     stringOr(record.Region, ""),
		Platform:                   "Go",
		Transport:                  string(record.Transport),
		OSVersion:                  runtime.GOOS,
		SDKVersion:                 rest.SDKVersion,
		AppVersion:                 c.app.Version,
		DeviceString:               runtime.GOOS + "/" + runtime.GOARCH,
		TimeZoneOffset:             record.TimeZoneOffset,
		AllowedUI:                  !record.LongLived,
		LocationServicesAuthStatus: "none",
		BluetoothEnabled:           false,
	}
	_, err := c.client.NewRequest(http.MethodPost, "/device").
		Body(payload).
		ExecuteRaw(ctx)
	return err
}

func (c *Coordinator) timeZoneOffsetHours() float64 {
	_, offsetSeconds := c.clock().Zone()
	return float64(offsetSeconds) / 3600
}

func (c *Coordinator) locale(ctx context.Context) (string, string) {
	language, err := c.state.PreferredLanguage(ctx)
	if err == nil && language != "" {
		region, _ := c.state.PreferredRegion(ctx)
		return language, region
	}
	return "", ""
}

func stringOr(v *string, fallback string) string {
	if v != nil && *v != "" {
		return *v
	}
	return fallback
}
