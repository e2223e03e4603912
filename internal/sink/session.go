package sink

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/socket-mail-relay/internal/email"
	"github.com/shineum/socket-mail-relay/internal/parser"
)

// session is one SMTP conversation. go-smtp drives it from a single
// goroutine, so it needs no locking.
type session struct {
	server *Server
	remote string

	username string
	authed   bool
	from     string
	to       []string
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, smtp.ErrAuthUnsupported
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		if !s.server.checkCredentials(username, password) {
			s.server.log.Warnw("authentication failed",
				"remote", s.remote,
				"username", username,
			)
			return smtp.ErrAuthFailed
		}
		s.username = username
		s.authed = true
		return nil
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.server.authRequired() && !s.authed {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		if errors.Is(err, smtp.ErrDataTooLarge) {
			return err
		}
		return fmt.Errorf("failed to read message: %w", err)
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		s.server.log.Warnw("rejecting unparseable message",
			"remote", s.remote,
			"error", err,
		)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message could not be parsed",
		}
	}

	env := Envelope{
		From:     s.from,
		To:       append([]string(nil), s.to...),
		Username: s.username,
		Message:  msg,
		Raw:      bytes.Clone(raw),
	}

	if err := s.server.cfg.Mailbox.Deliver(s.server.context(), env); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			return smtpErr
		}
		s.server.log.Errorw("mailbox rejected message", "error", err)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 3, 0},
			Message:      "Message rejected",
		}
	}

	s.server.log.Infow("message accepted",
		"remote", s.remote,
		"from", env.From,
		"recipients", len(env.To),
		"subject", msg.Subject,
	)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// Envelope is one accepted SMTP transaction.
type Envelope struct {
	// From and To are the SMTP envelope addresses, not the header fields.
	From     string
	To       []string
	Username string
	Message  *email.Email
	Raw      []byte
}
