package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/perimeter/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"golang.org/x/time/rate"
)

// Notifier receives HIGH and CRITICAL events for out-of-band alerting.
type Notifier interface {
	Notify(ctx context.Context, event models.AuditEvent) error
}

// LogNotifier writes alerts to the service log. It is the default when no
// external channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, e models.AuditEvent) error {
	n.logger.LogAttrs(ctx, slog.LevelWarn, "security alert",
		slog.String("event_id", e.ID),
		slog.String("event_type", e.EventType.String()),
		slog.String("risk_level", e.RiskLevel.String()),
		slog.String("source_ip", e.SourceIP),
		slog.String("message", e.Message),
	)
	return nil
}

type sesSender interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESNotifier e-mails alerts through AWS SES. Alerts beyond the configured
// rate are logged and skipped so an attack cannot turn into a mail flood.
type SESNotifier struct {
	client  sesSender
	from    string
	to      []string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewSESNotifier loads the default AWS configuration for region.
func NewSESNotifier(ctx context.Context, region, from string, to []string, perMinute int, logger *slog.Logger) (*SESNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newSESNotifier(ses.NewFromConfig(cfg), from, to, perMinute, logger), nil
}

func newSESNotifier(client sesSender, from string, to []string, perMinute int, logger *slog.Logger) *SESNotifier {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &SESNotifier{
		client:  client,
		from:    from,
		to:      to,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		logger:  logger,
	}
}

func (n *SESNotifier) Notify(ctx context.Context, e models.AuditEvent) error {
	if !n.limiter.Allow() {
		n.logger.Warn("security alert suppressed by rate limit",
			slog.String("event_id", e.ID),
			slog.String("event_type", e.EventType.String()))
		return nil
	}

	subject := fmt.Sprintf("[%s] %s from %s", e.RiskLevel, e.EventType, orDash(e.SourceIP))
	input := &ses.SendEmailInput{
		Source: aws.String(n.from),
		Destination: &types.Destination{
			ToAddresses: n.to,
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(alertBody(e))},
			},
		},
	}

	result, err := n.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}

	n.logger.Info("security alert sent",
		slog.String("event_id", e.ID),
		slog.String("message_id", aws.ToString(result.MessageId)))
	return nil
}

func alertBody(e models.AuditEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event:    %s\n", e.EventType)
	fmt.Fprintf(&b, "Risk:     %s\n", e.RiskLevel)
	fmt.Fprintf(&b, "Time:     %s\n", e.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Actor:    %s\n", orDash(e.Actor))
	fmt.Fprintf(&b, "Source:   %s\n", orDash(e.SourceIP))
	fmt.Fprintf(&b, "Endpoint: %s %s\n", e.Method, e.Endpoint)
	fmt.Fprintf(&b, "Message:  %s\n", e.Message)
	fmt.Fprintf(&b, "Event ID: %s\n", e.ID)
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
