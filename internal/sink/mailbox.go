package sink

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/shineum/socket-mail-relay/internal/provider/stdout"
)

// Mailbox receives accepted messages. Returning an error rejects the
// transaction; an *smtp.SMTPError is passed to the client unchanged.
type Mailbox interface {
	Deliver(ctx context.Context, env Envelope) error
}

// MailboxFunc adapts a function to Mailbox.
type MailboxFunc func(ctx context.Context, env Envelope) error

// Deliver calls f.
func (f MailboxFunc) Deliver(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// Recorder keeps every delivered envelope in memory.
type Recorder struct {
	mu        sync.Mutex
	envelopes []Envelope
	notify    chan struct{}
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{})}
}

// Deliver records env.
func (r *Recorder) Deliver(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
	close(r.notify)
	r.notify = make(chan struct{})
	return nil
}

// Envelopes returns a copy of everything recorded so far.
func (r *Recorder) Envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.envelopes...)
}

// WaitFor blocks until at least n envelopes were recorded or ctx is done.
func (r *Recorder) WaitFor(ctx context.Context, n int) ([]Envelope, error) {
	for {
		r.mu.Lock()
		if len(r.envelopes) >= n {
			out := append([]Envelope(nil), r.envelopes...)
			r.mu.Unlock()
			return out, nil
		}
		notify := r.notify
		r.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Printer writes each message to w in the stdout provider's format, preceded
// by the SMTP envelope.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Deliver prints env.
func (p *Printer) Deliver(_ context.Context, env Envelope) error {
	var b strings.Builder
	fmt.Fprintf(&b, "MAIL FROM:<%s>\n", env.From)
	for _, rcpt := range env.To {
		fmt.Fprintf(&b, "RCPT TO:<%s>\n", rcpt)
	}
	if env.Username != "" {
		fmt.Fprintf(&b, "AUTH: %s\n", env.Username)
	}
	b.WriteString(stdout.Format(env.Message))

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.w, b.String()); err != nil {
		return fmt.Errorf("failed to print message: %w", err)
	}
	return nil
}

// Tee delivers to every mailbox in order and stops at the first error.
func Tee(boxes ...Mailbox) Mailbox {
	return MailboxFunc(func(ctx context.Context, env Envelope) error {
		for _, b := range boxes {
			if err := b.Deliver(ctx, env); err != nil {
				return err
			}
		}
		return nil
	})
}
