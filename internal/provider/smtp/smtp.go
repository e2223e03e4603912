// Package smtp implements a Provider that relays mail over SMTP submission
// with wneessen/go-mail.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/shineum/socket-mail-relay/internal/credentials"
	"github.com/shineum/socket-mail-relay/internal/email"
	"github.com/shineum/socket-mail-relay/internal/provider"
)

// TLS policies accepted by Options.TLSPolicy.
const (
	TLSOpportunistic = "opportunistic"
	TLSMandatory     = "mandatory"
	TLSNone          = "none"
)

// Auth mechanisms accepted by Options.Auth.
const (
	AuthPlain = "plain"
	AuthLogin = "login"
)

// ErrClosed is returned by Send after the session was closed.
var ErrClosed = errors.New("smtp session closed")

// Options configures every session the provider opens.
type Options struct {
	TLSPolicy          string
	Auth               string
	Timeout            time.Duration
	InsecureSkipVerify bool
	// RootCAs overrides the system pool, for relays with private certificates.
	RootCAs *x509.CertPool
}

// Provider opens go-mail client sessions.
type Provider struct {
	tlsPolicy gomail.TLSPolicy
	auth      gomail.SMTPAuthType
	opts      Options
}

// New validates opts and returns a Provider. Empty fields take the
// opportunistic TLS policy and PLAIN auth.
func New(opts Options) (*Provider, error) {
	policy, err := parseTLSPolicy(opts.TLSPolicy)
	if err != nil {
		return nil, err
	}
	auth, err := parseAuth(opts.Auth)
	if err != nil {
		return nil, err
	}
	return &Provider{tlsPolicy: policy, auth: auth, opts: opts}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Open builds a client for relay without dialing it.
func (p *Provider) Open(_ context.Context, relay credentials.Relay) (provider.Session, error) {
	s := &session{from: relay.FromMail}
	options := []gomail.Option{
		gomail.WithDialContextFunc(s.dialContext),
		gomail.WithPort(relay.Port),
		gomail.WithTLSPolicy(p.tlsPolicy),
		gomail.WithTLSConfig(&tls.Config{
			ServerName:         relay.Host,
			RootCAs:            p.opts.RootCAs,
			InsecureSkipVerify: p.opts.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}),
	}
	if p.opts.Timeout > 0 {
		options = append(options, gomail.WithTimeout(p.opts.Timeout))
	}
	if relay.Username != "" {
		options = append(options,
			gomail.WithSMTPAuth(p.auth),
			gomail.WithUsername(relay.Username),
			gomail.WithPassword(relay.Password),
		)
	}

	client, err := gomail.NewClient(relay.Host, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}
	s.client = client
	return s, nil
}

type session struct {
	client *gomail.Client
	from   string

	mu     sync.Mutex
	conn   net.Conn
	dialed bool
	closed bool
}

// dialContext records the raw connection so a handshake that fails after
// connect can still be torn down. It runs with s.mu held by dialLocked.
func (s *session) dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

// Verify dials the relay, runs STARTTLS according to the policy and
// authenticates.
func (s *session) Verify(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.dialLocked(ctx)
}

// Send submits msg on the verified connection, dialing first if Verify was
// skipped. The relay identity replaces an empty msg.From.
func (s *session) Send(ctx context.Context, msg *email.Email) error {
	m, err := BuildMessage(s.from, msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.dialLocked(ctx); err != nil {
		return err
	}
	if err := s.client.Send(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// Close sends QUIT when connected and releases the socket. Later calls are
// no-ops.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if !s.dialed {
		s.dropConnLocked()
		return nil
	}
	err := s.client.Close()
	s.dropConnLocked()
	if err != nil {
		return fmt.Errorf("failed to close SMTP connection: %w", err)
	}
	return nil
}

func (s *session) dialLocked(ctx context.Context) error {
	if s.dialed {
		return nil
	}
	if err := s.client.DialWithContext(ctx); err != nil {
		// EHLO and STARTTLS failures leave the socket open.
		s.dropConnLocked()
		return fmt.Errorf("SMTP connection failed: %w", err)
	}
	s.dialed = true
	return nil
}

func (s *session) dropConnLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// BuildMessage converts msg into a go-mail message. from is used when
// msg.From is empty. A message with both bodies becomes multipart/alternative.
func BuildMessage(from string, msg *email.Email) (*gomail.Msg, error) {
	if msg.From != "" {
		from = msg.From
	}

	m := gomail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("failed to set from: %w", err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("failed to set to: %w", err)
	}
	if len(msg.Cc) > 0 {
		if err := m.Cc(msg.Cc...); err != nil {
			return nil, fmt.Errorf("failed to set cc: %w", err)
		}
	}
	if len(msg.Bcc) > 0 {
		if err := m.Bcc(msg.Bcc...); err != nil {
			return nil, fmt.Errorf("failed to set bcc: %w", err)
		}
	}

	m.Subject(msg.Subject)
	m.SetMessageID()
	m.SetDate()

	switch {
	case msg.HTMLBody != "" && msg.TextBody != "":
		m.SetBodyString(gomail.TypeTextPlain, msg.TextBody)
		m.AddAlternativeString(gomail.TypeTextHTML, msg.HTMLBody)
	case msg.HTMLBody != "":
		m.SetBodyString(gomail.TypeTextHTML, msg.HTMLBody)
	default:
		m.SetBodyString(gomail.TypeTextPlain, msg.TextBody)
	}

	for _, att := range msg.Attachments {
		opts := []gomail.FileOption{}
		if att.ContentType != "" {
			opts = append(opts, gomail.WithFileContentType(gomail.ContentType(att.ContentType)))
		}
		if err := m.AttachReader(att.Filename, bytes.NewReader(att.Content), opts...); err != nil {
			return nil, fmt.Errorf("failed to attach %s: %w", att.Filename, err)
		}
	}
	return m, nil
}

func parseTLSPolicy(v string) (gomail.TLSPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", TLSOpportunistic:
		return gomail.TLSOpportunistic, nil
	case TLSMandatory:
		return gomail.TLSMandatory, nil
	case TLSNone:
		return gomail.NoTLS, nil
	default:
		return 0, fmt.Errorf("unknown TLS policy %q (want %s, %s or %s)", v, TLSOpportunistic, TLSMandatory, TLSNone)
	}
}

func parseAuth(v string) (gomail.SMTPAuthType, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", AuthPlain:
		return gomail.SMTPAuthPlain, nil
	case AuthLogin:
		return gomail.SMTPAuthLogin, nil
	default:
		return "", fmt.Errorf("unknown SMTP auth mechanism %q (want %s or %s)", v, AuthPlain, AuthLogin)
	}
}
