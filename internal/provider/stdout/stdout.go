// Package stdout implements a dry-run Provider that prints messages instead
// of relaying them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/socket-mail-relay/internal/credentials"
	"github.com/shineum/socket-mail-relay/internal/email"
	"github.com/shineum/socket-mail-relay/internal/provider"
)

const separator = "========================================\n"

// Provider prints email messages in a human-readable block.
type Provider struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a Provider that writes to w.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// Open returns a session that prints on behalf of relay. Nothing is dialed.
func (p *Provider) Open(_ context.Context, relay credentials.Relay) (provider.Session, error) {
	return &session{p: p, from: relay.FromMail}, nil
}

// write serializes output from concurrent sessions.
func (p *Provider) write(s string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := io.WriteString(p.writer, s)
	return err
}

type session struct {
	p    *Provider
	from string
}

func (s *session) Verify(ctx context.Context) error {
	return ctx.Err()
}

func (s *session) Send(_ context.Context, msg *email.Email) error {
	out := *msg
	if out.From == "" {
		out.From = s.from
	}
	if err := s.p.write(Format(&out)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *session) Close() error {
	return nil
}

// Format renders msg as a separator-delimited block.
func Format(msg *email.Email) string {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")
	b.WriteString(msg.Body() + "\n")

	if len(msg.Attachments) > 0 {
		names := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			names = append(names, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(names, ", "))
	}
	b.WriteString(separator)
	return b.String()
}

func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
