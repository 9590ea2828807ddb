package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/castellan-io/castellan/internal/auth"
	"github.com/castellan-io/castellan/internal/models"
	"github.com/castellan-io/castellan/pkg/logger"
)

// IssueEmailCode mints a one-time email code for the user and dispatches it.
// Any prior live code is superseded in the same transaction, so at most one
// code can ever verify. If the email cannot be sent the fresh code is
// invalidated too: a code the user never received must not stay verifiable.
func (s *MFAService) IssueEmailCode(ctx context.Context, user *models.User) error {
	if err := s.checkLockout(user); err != nil {
		return err
	}
	return s.issueAndSend(ctx, user, 0)
}

// ResendEmailCode re-delivers the challenge. Only the hash of a code is
// stored, so a resend issues a replacement code that inherits the resend
// tally; cooldown and cap are judged against the live code first.
func (s *MFAService) ResendEmailCode(ctx context.Context, user *models.User) error {
	if err := s.checkLockout(user); err != nil {
		return err
	}

	current, err := s.emailCodes.GetActive(ctx, user.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrMFACodeExpired
		}
		return err
	}

	now := s.clock.Now().UTC()
	if !now.Before(current.ExpiresAt) {
		return models.ErrMFACodeExpired
	}
	if readyAt := current.LastSentAt.Add(s.cfg.EmailResendCooldown); now.Before(readyAt) {
		return &models.MFARateLimitedError{RetryAfter: readyAt.Sub(now)}
	}
	if current.ResendCount >= s.cfg.EmailMaxResend {
		return models.ErrMFAResendCapExceeded
	}

	return s.issueAndSend(ctx, user, current.ResendCount+1)
}

func (s *MFAService) issueAndSend(ctx context.Context, user *models.User, resendCount int) error {
	plaintext, err := auth.GenerateEmailCode(s.cfg.EmailCodeFormat)
	if err != nil {
		return fmt.Errorf("failed to generate email code: %w", err)
	}

	code := &models.EmailMFACode{
		UserID:      user.ID,
		CodeHash:    auth.HashCode("", auth.NormalizeCode(plaintext)),
		ExpiresAt:   s.clock.Now().UTC().Add(s.cfg.EmailCodeTTL),
		ResendCount: resendCount,
	}
	if err := s.emailCodes.Issue(ctx, code); err != nil {
		return err
	}

	msg := RenderMFACodeEmail(user.Email, plaintext, s.cfg.EmailCodeTTL)
	if _, err := s.mailer.Send(ctx, msg); err != nil {
		s.logger.Error("failed to send mfa code email",
			"user_id", user.ID,
			"email", logger.SanitizedEmail(user.Email),
			"error", err,
		)
		if invErr := s.emailCodes.Invalidate(ctx, code.ID); invErr != nil {
			s.logger.Error("failed to invalidate undelivered code", "user_id", user.ID, "error", invErr)
		}
		return models.ErrEmailSendFailed
	}

	s.audit.LogMFAEvent("mfa_code_sent", user.ID, models.MFAMethodEmail, true)
	return nil
}

func (s *MFAService) verifyEmailCode(ctx context.Context, user *models.User, code string, meta models.RequestMeta) error {
	current, err := s.emailCodes.GetActive(ctx, user.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrMFACodeExpired
		}
		return err
	}

	now := s.clock.Now().UTC()
	if !now.Before(current.ExpiresAt) {
		return models.ErrMFACodeExpired
	}

	submitted := auth.HashCode("", auth.NormalizeCode(code))
	if !auth.CodesEqual(current.CodeHash, submitted) {
		attempts, cntErr := s.emailCodes.IncrementAttempts(ctx, current.ID)
		if cntErr != nil {
			s.logger.Error("failed to bump email code attempts", "user_id", user.ID, "error", cntErr)
		} else if attempts >= s.cfg.MaxAttempts {
			// The code itself is burned; lockout accounting below decides
			// whether the user is locked as well.
			if invErr := s.emailCodes.Invalidate(ctx, current.ID); invErr != nil {
				s.logger.Error("failed to invalidate exhausted code", "user_id", user.ID, "error", invErr)
			}
		}
		return s.recordFailure(ctx, user, models.MFAMethodEmail, "code_mismatch", meta)
	}

	consumed, err := s.emailCodes.MarkUsed(ctx, current.ID)
	if err != nil {
		return err
	}
	if !consumed {
		// Lost the race to a concurrent verification or supersession.
		return models.ErrMFACodeExpired
	}

	return s.recordSuccess(ctx, user, models.MFAMethodEmail, meta)
}
