// Package transport is OutBox's SMTP collaborator (spec.md §6): an
// injectable Send contract backed by a pooled, circuit-broken SMTP client,
// adapted from the teacher's email package.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/outboxhq/outbox/config"
	"github.com/outboxhq/outbox/internal/idgen"
)

// Message is the outbound content the Worker Pool hands to Send.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Result carries what the transport generated for a successful send.
type Result struct {
	MessageID string
}

// Sender is the SMTP collaborator contract the Worker Pool depends on. Any
// error is treated as a transport failure eligible for queue-level retry.
type Sender interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// SMTPSender sends mail over a pooled, circuit-broken SMTP connection.
type SMTPSender struct {
	cfg     config.SMTPConfig
	pool    *Pool
	breaker *CircuitBreaker
}

// NewSMTPSender builds a Sender for the server in cfg, backed by a
// connection pool with default sizing and a circuit breaker that opens
// after 5 failures for one minute.
func NewSMTPSender(cfg config.SMTPConfig) (*SMTPSender, error) {
	pool, err := NewPool(cfg, PoolConfig{})
	if err != nil {
		return nil, err
	}
	return &SMTPSender{
		cfg:     cfg,
		pool:    pool,
		breaker: NewCircuitBreaker(5, time.Minute),
	}, nil
}

// Close releases pooled connections.
func (s *SMTPSender) Close() error {
	return s.pool.Close()
}

// Send delivers one message, formatting a minimal RFC 5322 envelope with no
// CC/BCC/attachments since OutBox jobs carry a single recipient.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (Result, error) {
	var messageID string
	err := s.breaker.Call(ctx, func() error {
		client, gerr := s.pool.Get(ctx)
		if gerr != nil {
			return gerr
		}

		id, serr := sendWithClient(client, s.cfg, msg)
		if serr != nil {
			_ = client.Close()
			return serr
		}

		messageID = id
		return s.pool.Put(client)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{MessageID: messageID}, nil
}

func sendWithClient(client *smtp.Client, cfg config.SMTPConfig, msg Message) (string, error) {
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		return "", fmt.Errorf("SMTP sender 'from' field in config is empty")
	}
	to := strings.TrimSpace(msg.To)
	if to == "" {
		return "", fmt.Errorf("recipient email is empty")
	}

	if err := client.Mail(from); err != nil {
		return "", fmt.Errorf("MAIL FROM error: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return "", fmt.Errorf("RCPT TO error for %s: %w", to, err)
	}

	w, err := client.Data()
	if err != nil {
		return "", fmt.Errorf("DATA command error: %w", err)
	}

	messageID := idgen.New() + "@outbox"
	headers := map[string]string{
		"From":         fmt.Sprintf("OutBox <%s>", from),
		"To":           to,
		"Subject":      msg.Subject,
		"Message-ID":   "<" + messageID + ">",
		"MIME-Version": "1.0",
		"Content-Type": `text/html; charset="UTF-8"`,
	}

	for _, k := range []string{"From", "To", "Subject", "Message-ID", "MIME-Version", "Content-Type"} {
		if _, werr := w.Write([]byte(k + ": " + strings.TrimSpace(headers[k]) + "\r\n")); werr != nil {
			_ = w.Close()
			return "", fmt.Errorf("write header: %w", werr)
		}
	}
	if _, err = w.Write([]byte("\r\n")); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write header/body separator: %w", err)
	}
	if _, err = w.Write([]byte(strings.TrimSpace(msg.Body))); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write body: %w", err)
	}
	if err = w.Close(); err != nil {
		return "", fmt.Errorf("close DATA writer: %w", err)
	}

	return messageID, nil
}

// ConnectSMTP establishes a persistent, authenticated SMTP client with
// STARTTLS and context-aware dial and cancellation support.
func ConnectSMTP(ctx context.Context, cfg config.SMTPConfig) (*smtp.Client, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	dialer := &net.Dialer{Timeout: cfg.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SMTP dial error: %w", err)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("SMTP client init error: %w", err)
	}

	if ctx.Err() != nil {
		_ = client.Close()
		return nil, ctx.Err()
	}

	if cfg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsConfig := &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
			if err = client.StartTLS(tlsConfig); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("STARTTLS error: %w", err)
			}
		}
	}

	if ctx.Err() != nil {
		_ = client.Close()
		return nil, ctx.Err()
	}

	if cfg.Username != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err = client.Auth(auth); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("SMTP auth error: %w", err)
		}
	}

	return client, nil
}
