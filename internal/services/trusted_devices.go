package services

import (
	"context"
	"errors"

	"github.com/castellan-io/castellan/internal/auth"
	"github.com/castellan-io/castellan/internal/models"
)

// TrustDevice records the requesting device as MFA-exempt for the configured
// trust window. Re-trusting an already known device refreshes the window.
// Oldest-by-use devices are evicted once the per-user cap is exceeded.
func (s *MFAService) TrustDevice(ctx context.Context, user *models.User, meta models.RequestMeta) (*models.TrustedDevice, error) {
	info := ParseDevice(meta.UserAgent)
	now := s.clock.Now().UTC()

	device, err := s.trusted.Upsert(ctx, &models.TrustedDevice{
		UserID:       user.ID,
		Fingerprint:  auth.DeviceFingerprint(meta.UserAgent, meta.AcceptLanguage),
		Name:         info.Label(),
		Browser:      info.Browser,
		OS:           info.OS,
		DeviceType:   info.DeviceType,
		TrustedUntil: now.Add(s.cfg.TrustWindow),
		LastUsedAt:   now,
	})
	if err != nil {
		return nil, err
	}

	evicted, err := s.trusted.EvictBeyondCap(ctx, user.ID, s.cfg.TrustedDeviceMax)
	if err != nil {
		s.logger.Error("failed to evict trusted devices", "user_id", user.ID, "error", err)
	} else if evicted > 0 {
		s.logger.Info("evicted trusted devices beyond cap",
			"user_id", user.ID,
			"evicted", evicted,
		)
	}

	s.audit.LogAccountAction("device_trusted", user.ID, meta.IPAddress, map[string]string{
		"device": device.Name,
	})
	return device, nil
}

// IsTrustedDevice reports whether the requesting device holds a live trust
// grant. A hit refreshes the device's last-used timestamp.
func (s *MFAService) IsTrustedDevice(ctx context.Context, userID string, meta models.RequestMeta) (bool, error) {
	fingerprint := auth.DeviceFingerprint(meta.UserAgent, meta.AcceptLanguage)

	device, err := s.trusted.GetByFingerprint(ctx, userID, fingerprint)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !device.Trusted(s.clock.Now().UTC()) {
		return false, nil
	}

	if err := s.trusted.TouchLastUsed(ctx, device.ID); err != nil {
		s.logger.Warn("failed to touch trusted device", "device_id", device.ID, "error", err)
	}
	return true, nil
}

// ListTrustedDevices returns the user's trust grants, newest first.
func (s *MFAService) ListTrustedDevices(ctx context.Context, userID string) ([]*models.TrustedDevice, error) {
	return s.trusted.ListByUser(ctx, userID)
}

// RevokeTrustedDevice removes a single trust grant.
func (s *MFAService) RevokeTrustedDevice(ctx context.Context, userID, deviceID string) error {
	if err := s.trusted.Delete(ctx, userID, deviceID); err != nil {
		return err
	}
	s.audit.LogAccountAction("device_trust_revoked", userID, "", map[string]string{
		"device_id": deviceID,
	})
	return nil
}

// RevokeAllTrustedDevices removes every trust grant for the user, forcing MFA
// on every device at the next login.
func (s *MFAService) RevokeAllTrustedDevices(ctx context.Context, userID string) error {
	if err := s.trusted.DeleteAll(ctx, userID); err != nil {
		return err
	}
	s.audit.LogAccountAction("all_device_trust_revoked", userID, "", nil)
	return nil
}
