package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// EmailMessage is a fully rendered email, ready for dispatch.
type EmailMessage struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// EmailDispatcher sends rendered emails. Implementations return the provider
// message id on success.
type EmailDispatcher interface {
	Send(ctx context.Context, msg EmailMessage) (string, error)
}

// AWSSESDispatcher sends emails using AWS SES
type AWSSESDispatcher struct {
	sesClient   *ses.Client
	fromAddress string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewAWSSESDispatcher creates a new AWS SES email dispatcher
func NewAWSSESDispatcher(region, fromAddress string, timeout time.Duration, logger *slog.Logger) (*AWSSESDispatcher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESDispatcher{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		timeout:     timeout,
		logger:      logger,
	}, nil
}

func (s *AWSSESDispatcher) Send(ctx context.Context, msg EmailMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(msg.Subject),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data: aws.String(msg.HTML),
				},
				Text: &types.Content{
					Data: aws.String(msg.Text),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send email via SES", slog.Any("error", err))
		return "", fmt.Errorf("failed to send email: %w", err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}

	s.logger.Info("email sent", slog.String("message_id", messageID))
	return messageID, nil
}

// RenderMFACodeEmail produces the one-time code email. Content is rendered
// here so the dispatcher stays a dumb pipe.
func RenderMFACodeEmail(to, code string, ttl time.Duration) EmailMessage {
	minutes := int(ttl.Minutes())

	text := fmt.Sprintf(`Your verification code

Use this code to finish signing in:

    %s

The code expires in %d minutes. If you did not try to sign in, change your password now.
`, code, minutes)

	html := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; color: #333;">
	<div style="max-width: 480px; margin: 0 auto; padding: 24px;">
		<h2>Your verification code</h2>
		<p>Use this code to finish signing in:</p>
		<p style="font-size: 32px; letter-spacing: 6px; font-weight: bold;">%s</p>
		<p>The code expires in %d minutes.</p>
		<p style="color: #666; font-size: 12px;">If you did not try to sign in, change your password now.</p>
	</div>
</body>
</html>`, code, minutes)

	return EmailMessage{
		To:      to,
		Subject: "Your verification code",
		Text:    text,
		HTML:    html,
	}
}
