package notification

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/stillwatch/internal/config"
)

const defaultSMTPTimeout = 30 * time.Second

// SMTPTransport submits messages over a single SMTP connection per send
type SMTPTransport struct {
	cfg     config.SMTPConfig
	timeout time.Duration
	logger  *zap.Logger
}

// NewSMTPTransport creates an SMTP transport
func NewSMTPTransport(cfg config.SMTPConfig, timeout time.Duration, logger *zap.Logger) (*SMTPTransport, error) {
	if cfg.Server == "" {
		return nil, &config.ConfigError{Field: "notification.smtp.server", Value: cfg.Server, Reason: "must not be empty"}
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, &config.ConfigError{Field: "notification.smtp.port", Value: cfg.Port, Reason: "must be between 1 and 65535"}
	}
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPTransport{cfg: cfg, timeout: timeout, logger: logger}, nil
}

func (t *SMTPTransport) String() string {
	return "smtp://" + t.addr()
}

func (t *SMTPTransport) addr() string {
	return net.JoinHostPort(t.cfg.Server, strconv.Itoa(t.cfg.Port))
}

// Send delivers env. Recipients the server refuses are skipped; the call fails
// only when none is accepted.
func (t *SMTPTransport) Send(ctx context.Context, env Envelope) (int, error) {
	if len(env.To) == 0 {
		return 0, ErrNoRecipients
	}

	c, err := t.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	if err := c.Mail(env.From); err != nil {
		return 0, classify("MAIL FROM", err)
	}

	accepted := 0
	var lastErr error
	for _, rcpt := range env.To {
		if err := c.Rcpt(rcpt); err != nil {
			t.logger.Warn("Recipient rejected", zap.String("recipient", rcpt), zap.Error(err))
			lastErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return 0, classify("RCPT TO", lastErr)
	}

	w, err := c.Data()
	if err != nil {
		return 0, classify("DATA", err)
	}
	if _, err := w.Write(env.Data); err != nil {
		return 0, classify("DATA", err)
	}
	if err := w.Close(); err != nil {
		return 0, classify("DATA", err)
	}

	if err := c.Quit(); err != nil {
		t.logger.Debug("QUIT failed after delivery", zap.Error(err))
	}
	return accepted, nil
}

// Noop opens a session, issues NOOP and closes it
func (t *SMTPTransport) Noop(ctx context.Context) error {
	c, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Noop(); err != nil {
		return classify("NOOP", err)
	}
	return c.Quit()
}

func (t *SMTPTransport) dial(ctx context.Context) (*smtp.Client, error) {
	d := net.Dialer{Timeout: t.timeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr())
	if err != nil {
		return nil, classify("dial", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, classify("dial", err)
	}

	c, err := smtp.NewClient(conn, t.cfg.Server)
	if err != nil {
		conn.Close()
		return nil, classify("greeting", err)
	}

	if err := t.handshake(c); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (t *SMTPTransport) handshake(c *smtp.Client) error {
	if t.cfg.HeloName != "" {
		if err := c.Hello(t.cfg.HeloName); err != nil {
			return classify("HELO", err)
		}
	}

	if t.cfg.StartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return &TransportError{Op: "STARTTLS", Err: errors.New("server does not advertise STARTTLS")}
		}
		if err := c.StartTLS(&tls.Config{ServerName: t.cfg.Server, MinVersion: tls.VersionTLS12}); err != nil {
			return classify("STARTTLS", err)
		}
	}

	if t.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return &TransportError{Op: "AUTH", Err: fmt.Errorf("server %s does not support AUTH", t.cfg.Server)}
		}
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Server)
		if err := c.Auth(auth); err != nil {
			return classify("AUTH", err)
		}
	}
	return nil
}
