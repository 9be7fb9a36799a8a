package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"
)

const (
	defaultSMTPPort = 587
	implicitTLSPort = 465
	dialTimeout     = 30 * time.Second
)

var errMissingHost = errors.New("mail: smtp host is required")

// SMTPConfig describes an SMTP relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// XMailer is sent as the X-Mailer header when set.
	XMailer string
	Clock   func() time.Time
}

// SMTPMailer delivers mail through an SMTP relay, upgrading to TLS when the relay offers
// STARTTLS and authenticating when a username is configured. Port 465 uses implicit TLS.
type SMTPMailer struct {
	cfg     SMTPConfig
	options []gomail.Option
	clock   func() time.Time
}

// NewSMTPMailer constructs an SMTPMailer.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		return nil, errMissingHost
	}
	if cfg.Port == 0 {
		cfg.Port = defaultSMTPPort
	}
	if err := checkHeader(cfg.From, cfg.XMailer); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	options := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTimeout(dialTimeout),
	}
	if cfg.Port == implicitTLSPort {
		options = append(options, gomail.WithSSL())
	} else {
		options = append(options, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}
	if cfg.Username != "" {
		options = append(options,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password))
	}
	return &SMTPMailer{cfg: cfg, options: options, clock: clock}, nil
}

// Send delivers one HTML message. The context bounds dialing and the whole SMTP exchange.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := checkHeader(to, subject); err != nil {
		return err
	}
	message, err := m.compose(to, subject, htmlBody)
	if err != nil {
		return err
	}
	client, err := gomail.NewClient(m.cfg.Host, m.options...)
	if err != nil {
		return fmt.Errorf("mail: client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, message); err != nil {
		return fmt.Errorf("mail: deliver to %s:%d: %w", m.cfg.Host, m.cfg.Port, err)
	}
	return nil
}

func (m *SMTPMailer) compose(to, subject, htmlBody string) (*gomail.Msg, error) {
	message := gomail.NewMsg()
	if err := message.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("mail: sender: %w", err)
	}
	if err := message.To(to); err != nil {
		return nil, fmt.Errorf("mail: recipient: %w", err)
	}
	message.Subject(subject)
	message.SetDateWithValue(m.clock())
	if m.cfg.XMailer != "" {
		message.SetUserAgent(m.cfg.XMailer)
	}
	message.SetBodyString(gomail.TypeTextHTML, htmlBody)
	return message, nil
}
