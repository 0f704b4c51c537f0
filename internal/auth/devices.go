package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/obs"
)

// DevicePolicy decides what happens when a user is at the device cap.
type DevicePolicy string

const (
	DeviceLimitReject DevicePolicy = "reject"
	DeviceLimitEvict  DevicePolicy = "evict"

	defaultMaxDevices = 5
)

// ParseDevicePolicy accepts "reject" or "evict".
func ParseDevicePolicy(s string) (DevicePolicy, error) {
	switch DevicePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceLimitReject, "":
		return DeviceLimitReject, nil
	case DeviceLimitEvict:
		return DeviceLimitEvict, nil
	default:
		return "", fmt.Errorf("%w: unknown device limit policy %q", ErrInvalidInput, s)
	}
}

// DeviceRegistry tracks active devices per user and enforces the cap.
type DeviceRegistry struct {
	repo    DeviceRepository
	refresh *RefreshTokens
	ledger  *RevocationLedger
	max     int
	policy  DevicePolicy
	now     func() time.Time
}

// DeviceOption configures DeviceRegistry behavior.
type DeviceOption func(*DeviceRegistry)

// WithMaxDevices sets the per-user active device cap.
func WithMaxDevices(n int) DeviceOption {
	return func(d *DeviceRegistry) {
		if n > 0 {
			d.max = n
		}
	}
}

// WithDevicePolicy sets the over-cap behavior.
func WithDevicePolicy(p DevicePolicy) DeviceOption {
	return func(d *DeviceRegistry) {
		if p != "" {
			d.policy = p
		}
	}
}

// WithDeviceClock overrides time source (useful for tests).
func WithDeviceClock(fn func() time.Time) DeviceOption {
	return func(d *DeviceRegistry) {
		if fn != nil {
			d.now = fn
		}
	}
}

// NewDeviceRegistry wires the registry. Evicted or deactivated devices lose
// their refresh tokens and get a device-scoped revocation entry.
func NewDeviceRegistry(repo DeviceRepository, refresh *RefreshTokens, ledger *RevocationLedger, opts ...DeviceOption) (*DeviceRegistry, error) {
	if repo == nil || refresh == nil || ledger == nil {
		return nil, errors.New("auth: device repository, refresh tokens and ledger are required")
	}
	d := &DeviceRegistry{
		repo:    repo,
		refresh: refresh,
		ledger:  ledger,
		max:     defaultMaxDevices,
		policy:  DeviceLimitReject,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Fingerprint derives a stable device id from user agent and client IP.
func Fingerprint(userAgent, ip string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(userAgent) + "\x00" + strings.TrimSpace(ip)))
	return hex.EncodeToString(sum[:16])
}

// RegisterOrTouch activates deviceID for the user, or refreshes its
// last-seen time when it is already active.
func (d *DeviceRegistry) RegisterOrTouch(ctx context.Context, userID, tenantID, deviceID string, meta DeviceMetadata) (Device, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(deviceID) == "" {
		return Device{}, fmt.Errorf("%w: user id and device id are required", ErrInvalidInput)
	}
	now := d.now().UTC()
	dev := Device{
		ID:         deviceID,
		UserID:     userID,
		TenantID:   tenantID,
		Metadata:   meta,
		Active:     true,
		LastSeenAt: now,
		CreatedAt:  now,
	}
	saved, evicted, err := d.repo.ActivateDevice(ctx, dev, d.max, d.policy == DeviceLimitEvict)
	if err != nil {
		if errors.Is(err, ErrMaxDevicesExceeded) {
			obs.Info("device limit reached", map[string]any{"user_id": userID, "limit": d.max})
		}
		return Device{}, err
	}
	for _, old := range evicted {
		audit.LogEvent(ctx, "auth.device.evicted", map[string]any{"user_id": userID, "device_id": old.ID})
		if err := d.revoke(ctx, userID, old.ID); err != nil {
			return Device{}, err
		}
	}
	return saved, nil
}

// Deactivate removes deviceID from the active set and invalidates its sessions.
func (d *DeviceRegistry) Deactivate(ctx context.Context, userID, deviceID string) error {
	if err := d.repo.DeactivateDevice(ctx, userID, deviceID); err != nil {
		return err
	}
	return d.revoke(ctx, userID, deviceID)
}

// DeactivateAll removes every device of userID from the active set.
func (d *DeviceRegistry) DeactivateAll(ctx context.Context, userID string) error {
	return d.repo.DeactivateAllDevices(ctx, userID)
}

// List returns every known device of userID, active first.
func (d *DeviceRegistry) List(ctx context.Context, userID string) ([]Device, error) {
	return d.repo.ListDevices(ctx, userID)
}

// IsActive reports whether deviceID is active for userID.
func (d *DeviceRegistry) IsActive(ctx context.Context, userID, deviceID string) (bool, error) {
	dev, err := d.repo.FindDevice(ctx, userID, deviceID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return dev.Active, nil
}

// PurgeInactive deletes inactive devices not seen within olderThan.
func (d *DeviceRegistry) PurgeInactive(ctx context.Context, olderThan time.Duration) (int64, error) {
	return d.repo.DeleteInactiveDevices(ctx, d.now().Add(-olderThan))
}

func (d *DeviceRegistry) revoke(ctx context.Context, userID, deviceID string) error {
	return errors.Join(
		d.refresh.RevokeAllForDevice(ctx, userID, deviceID),
		d.ledger.RevokeDevice(ctx, userID, deviceID, 0),
	)
}

// ParseUserAgent extracts coarse device metadata from a User-Agent header.
func ParseUserAgent(userAgent, ip string) DeviceMetadata {
	ua := strings.ToLower(userAgent)
	meta := DeviceMetadata{Type: "unknown", Browser: "unknown", OS: "unknown", UserAgent: userAgent, IP: ip}

	switch {
	case strings.Contains(ua, "bot"), strings.Contains(ua, "spider"), strings.Contains(ua, "crawl"):
		meta.Type = "bot"
	case strings.Contains(ua, "ipad"), strings.Contains(ua, "tablet"):
		meta.Type = "tablet"
	case strings.Contains(ua, "mobi"), strings.Contains(ua, "iphone"), strings.Contains(ua, "android"):
		meta.Type = "mobile"
	case ua != "":
		meta.Type = "desktop"
	}

	switch {
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"):
		meta.OS = "iOS"
	case strings.Contains(ua, "android"):
		meta.OS = "Android"
	case strings.Contains(ua, "windows"):
		meta.OS = "Windows"
	case strings.Contains(ua, "mac os"), strings.Contains(ua, "macintosh"):
		meta.OS = "macOS"
	case strings.Contains(ua, "linux"):
		meta.OS = "Linux"
	}

	// Order matters: Edge and Opera embed "chrome", Chrome embeds "safari".
	switch {
	case strings.Contains(ua, "edg/"):
		meta.Browser = "Edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		meta.Browser = "Opera"
	case strings.Contains(ua, "firefox"):
		meta.Browser = "Firefox"
	case strings.Contains(ua, "chrome"), strings.Contains(ua, "crios"):
		meta.Browser = "Chrome"
	case strings.Contains(ua, "safari"):
		meta.Browser = "Safari"
	case strings.Contains(ua, "curl"):
		meta.Browser = "curl"
	}
	return meta
}
