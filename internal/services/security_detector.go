package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/castellan-io/castellan/internal/config"
	"github.com/castellan-io/castellan/internal/models"
)

const detectorTimeout = 5 * time.Second

// SecurityDetector inspects login outcomes after the authentication decision
// is made and emits security events. It observes only: no detector finding
// ever blocks or fails a login.
type SecurityDetector struct {
	events   SecurityEventRepository
	attempts LoginAttemptRepository
	sessions SessionRepository
	cfg      config.SecurityConfig
	clock    clockwork.Clock
	logger   *slog.Logger
}

func NewSecurityDetector(
	events SecurityEventRepository,
	attempts LoginAttemptRepository,
	sessions SessionRepository,
	cfg config.SecurityConfig,
	clock clockwork.Clock,
	log *slog.Logger,
) *SecurityDetector {
	return &SecurityDetector{
		events:   events,
		attempts: attempts,
		sessions: sessions,
		cfg:      cfg,
		clock:    clock,
		logger:   log,
	}
}

// HandleLogin runs all detections for one recorded login attempt. Callers
// invoke it in a goroutine after the attempt is persisted; it carries its own
// deadline so a slow detector cannot hold anything up.
func (d *SecurityDetector) HandleLogin(attempt *models.LoginAttempt, location *models.Location) {
	ctx, cancel := context.WithTimeout(context.Background(), detectorTimeout)
	defer cancel()

	if !attempt.Success {
		d.detectBruteForce(ctx, attempt)
		return
	}
	if attempt.UserID == nil {
		return
	}
	d.detectNewDevice(ctx, attempt)
	d.detectNewLocation(ctx, attempt, location)
}

// detectBruteForce fires when failures against one account cross the
// threshold inside the rolling window. The attempt being inspected is already
// persisted, so the count includes it.
func (d *SecurityDetector) detectBruteForce(ctx context.Context, attempt *models.LoginAttempt) {
	if attempt.UserID == nil {
		// Unknown accounts have no event feed to notify.
		return
	}

	since := d.clock.Now().UTC().Add(-d.cfg.BruteForceWindow)
	failures, err := d.attempts.CountRecentFailures(ctx, attempt.Email, since)
	if err != nil {
		d.logger.Error("brute force detection failed", "error", err)
		return
	}
	if failures < d.cfg.BruteForceThreshold {
		return
	}

	d.emit(ctx, &models.SecurityEvent{
		UserID:      *attempt.UserID,
		EventType:   models.EventBruteForceAttempt,
		Severity:    models.SeverityCritical,
		Description: fmt.Sprintf("%d failed login attempts in the last %s", failures, d.cfg.BruteForceWindow),
		Metadata: map[string]string{
			"failure_count": strconv.Itoa(failures),
			"window":        d.cfg.BruteForceWindow.String(),
		},
		IPAddress: attempt.IPAddress,
	}, d.cfg.BruteForceDedupeWindow)
}

// detectNewDevice fires on a successful login from a (browser, OS, device
// type) combination absent from the user's session history. First-ever logins
// are exempt: with no history every device would be new.
func (d *SecurityDetector) detectNewDevice(ctx context.Context, attempt *models.LoginAttempt) {
	userID := *attempt.UserID

	successes, err := d.attempts.CountSuccesses(ctx, userID)
	if err != nil {
		d.logger.Error("new device detection failed", "error", err)
		return
	}
	if successes <= d.cfg.MinHistoricalSessions {
		return
	}

	info := ParseDevice(attempt.UserAgent)
	// Bounded by the attempt's timestamp so the session this login just
	// opened does not count as prior history.
	known, err := d.sessions.HasDevice(ctx, userID, info.Browser, info.OS, info.DeviceType, attempt.CreatedAt)
	if err != nil {
		d.logger.Error("new device detection failed", "error", err)
		return
	}
	if known {
		return
	}

	d.emit(ctx, &models.SecurityEvent{
		UserID:      userID,
		EventType:   models.EventLoginFromNewDevice,
		Severity:    models.SeverityInfo,
		Description: fmt.Sprintf("Login from a new device: %s", info.Label()),
		Metadata: map[string]string{
			"browser":     info.Browser,
			"os":          info.OS,
			"device_type": info.DeviceType,
		},
		IPAddress: attempt.IPAddress,
	}, d.cfg.DedupeWindow)
}

// detectNewLocation fires on a successful login whose country differs from
// every recent successful login. Unresolvable locations are skipped rather
// than guessed at.
func (d *SecurityDetector) detectNewLocation(ctx context.Context, attempt *models.LoginAttempt, location *models.Location) {
	if location == nil || location.Country == "" {
		return
	}
	userID := *attempt.UserID

	// The attempt under inspection is already persisted; the cutoff keeps it
	// out of its own history.
	history, err := d.attempts.RecentSuccessLocations(ctx, userID, attempt.CreatedAt, d.cfg.LocationHistoryDepth)
	if err != nil {
		d.logger.Error("new location detection failed", "error", err)
		return
	}
	if len(history) < d.cfg.MinHistoricalSessions {
		// With little history every country looks new.
		return
	}
	for _, past := range history {
		if past.Country == location.Country {
			return
		}
	}

	label := location.Country
	if location.City != "" {
		label = location.City + ", " + location.Country
	}
	d.emit(ctx, &models.SecurityEvent{
		UserID:      userID,
		EventType:   models.EventLoginFromNewLocation,
		Severity:    models.SeverityWarning,
		Description: fmt.Sprintf("Login from a new location: %s", label),
		Metadata: map[string]string{
			"country": location.Country,
			"region":  location.Region,
			"city":    location.City,
		},
		IPAddress: attempt.IPAddress,
	}, d.cfg.DedupeWindow)
}

// emit persists the event unless an event of the same (user, type) already
// exists inside the dedupe window.
func (d *SecurityDetector) emit(ctx context.Context, event *models.SecurityEvent, dedupe time.Duration) {
	exists, err := d.events.ExistsRecent(ctx, event.UserID, event.EventType, dedupe)
	if err != nil {
		d.logger.Error("security event dedupe check failed", "event_type", event.EventType, "error", err)
		return
	}
	if exists {
		return
	}

	if err := d.events.Create(ctx, event); err != nil {
		d.logger.Error("failed to record security event", "event_type", event.EventType, "error", err)
		return
	}
	d.logger.Warn("security event",
		"event_type", event.EventType,
		"severity", event.Severity,
		"user_id", event.UserID,
		"ip_address", event.IPAddress,
	)
}

// ListEvents returns the user's security events, newest first.
func (d *SecurityDetector) ListEvents(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error) {
	return d.events.ListByUser(ctx, userID, limit, offset)
}

// AcknowledgeEvent marks one of the user's events as seen.
func (d *SecurityDetector) AcknowledgeEvent(ctx context.Context, userID, eventID string) error {
	return d.events.Acknowledge(ctx, userID, eventID)
}
