package mail

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// ErrHeaderInjection indicates a recipient or subject containing line breaks.
var ErrHeaderInjection = errors.New("mail: header value contains a line break")

// Mailer delivers one HTML message.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// LogMailer records messages in the log instead of delivering them. It is used when no SMTP
// relay is configured.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

// Send logs the message.
func (m *LogMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkHeader(to, subject); err != nil {
		return err
	}
	m.logger.Info("notification mail (not delivered)",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("body", htmlBody))
	return nil
}

func checkHeader(values ...string) error {
	for _, value := range values {
		if strings.ContainsAny(value, "\r\n") {
			return ErrHeaderInjection
		}
	}
	return nil
}
