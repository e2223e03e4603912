// Package dispatch sends one message per request through a freshly opened
// relay session.
//
// Every call re-reads the credentials, opens a session, verifies it, sends,
// and closes the session once the send has returned. Send always settles with
// a single outcome; failures are logged here and never propagate to the
// requester beyond Failed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shineum/socket-mail-relay/internal/credentials"
	"github.com/shineum/socket-mail-relay/internal/email"
	"github.com/shineum/socket-mail-relay/internal/metrics"
	"github.com/shineum/socket-mail-relay/internal/provider"
)

// DefaultTimeout bounds verify and send when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Outcome is the result reported to the requester.
type Outcome int

const (
	// Failed means the message was not handed to the relay.
	Failed Outcome = iota
	// Sent means the relay accepted the message.
	Sent
)

func (o Outcome) String() string {
	if o == Sent {
		return metrics.OutcomeSent
	}
	return metrics.OutcomeFailed
}

// Request is one send request.
type Request struct {
	To      []string `validate:"min=1,dive,required"`
	Subject string
	Body    string
}

// CredentialSource yields the current relay credentials. *credentials.Store
// implements it.
type CredentialSource interface {
	Load(ctx context.Context) (credentials.Relay, error)
	Path() string
}

// Config configures a Dispatcher.
type Config struct {
	Credentials CredentialSource
	Provider    provider.Provider
	// Timeout bounds verify and send. Negative disables it.
	Timeout time.Duration
	Logger  *zap.SugaredLogger
}

// Dispatcher relays requests. It holds no per-request state and is safe for
// concurrent use.
type Dispatcher struct {
	creds    CredentialSource
	provider provider.Provider
	timeout  time.Duration
	log      *zap.SugaredLogger
	validate *validator.Validate
}

// New returns a Dispatcher.
func New(cfg Config) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		creds:    cfg.Credentials,
		provider: cfg.Provider,
		timeout:  timeout,
		log:      log.Named("dispatch"),
		validate: validator.New(),
	}
}

// Send loads the credentials and relays req. The returned error is a *Error
// whenever the outcome is Failed.
func (d *Dispatcher) Send(ctx context.Context, req Request) (outcome Outcome, err error) {
	log := d.log.With("dispatch_id", uuid.NewString())
	start := time.Now()
	defer func() {
		d.observe(outcome, err, time.Since(start))
		if outcome == Sent {
			log.Infow("mail sent", "recipients", len(req.To), "duration", time.Since(start))
		}
	}()

	relay, err := d.creds.Load(ctx)
	if err != nil {
		return Failed, d.loadFailed(log, err)
	}

	req.To = email.CleanAddresses(req.To)
	if err := d.validate.Struct(req); err != nil {
		log.Warnw("rejected request without recipients", "error", err)
		return Failed, &Error{Kind: SendFailure, Err: fmt.Errorf("invalid request: %w", err)}
	}

	msg := email.New(relay.FromMail, req.To, req.Subject, req.Body)
	return d.relay(ctx, log, relay, msg)
}

// relay runs open, verify and send, closing the session on every path once
// the step in progress has returned.
func (d *Dispatcher) relay(ctx context.Context, log *zap.SugaredLogger, relay credentials.Relay, msg *email.Email) (outcome Outcome, err error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	stage := SessionVerifyFailure
	var sess provider.Session

	defer func() {
		if r := recover(); r != nil {
			metrics.DispatchPanics.Inc()
			log.Errorw("relay session panicked", "stage", stage, "panic", r)
			outcome, err = Failed, &Error{Kind: stage, Err: fmt.Errorf("panic: %v", r)}
		}
		if sess != nil {
			if cerr := closeSession(sess); cerr != nil {
				log.Warnw("failed to close relay session", "error", cerr)
			}
		}
	}()

	sess, err = d.provider.Open(ctx, relay)
	if err != nil {
		log.Errorw("failed to open relay session", "host", relay.Host, "port", relay.Port, "error", err)
		return Failed, &Error{Kind: SessionVerifyFailure, Err: err}
	}

	if err := sess.Verify(ctx); err != nil {
		log.Errorw("relay session verification failed", "host", relay.Host, "port", relay.Port, "error", err)
		return Failed, &Error{Kind: SessionVerifyFailure, Err: err}
	}

	stage = SendFailure
	if err := sess.Send(ctx, msg); err != nil {
		log.Errorw("failed to send mail", "host", relay.Host, "recipients", len(msg.To), "error", err)
		return Failed, &Error{Kind: SendFailure, Err: err}
	}
	return Sent, nil
}

func closeSession(sess provider.Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during close: %v", r)
		}
	}()
	return sess.Close()
}

func (d *Dispatcher) loadFailed(log *zap.SugaredLogger, err error) error {
	path := d.creds.Path()
	switch {
	case errors.Is(err, credentials.ErrNotFound):
		dir := filepath.Dir(path)
		if abs, aerr := filepath.Abs(dir); aerr == nil {
			dir = abs
		}
		log.Errorw("credentials file not found", "file", filepath.Base(path), "dir", dir)
		return &Error{Kind: ConfigNotFound, Err: err}
	case errors.Is(err, credentials.ErrDecrypt):
		log.Errorw("failed to decrypt credentials", "path", path, "error", err)
		return &Error{Kind: ConfigDecryptFailure, Err: err}
	default:
		log.Errorw("failed to load credentials", "path", path, "error", err)
		return &Error{Kind: ConfigMalformed, Err: err}
	}
}

func (d *Dispatcher) observe(outcome Outcome, err error, elapsed time.Duration) {
	name := d.provider.Name()
	metrics.DispatchTotal.WithLabelValues(name, outcome.String()).Inc()
	metrics.DispatchDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if kind := KindOf(err); kind != "" {
		metrics.DispatchFailures.WithLabelValues(string(kind)).Inc()
	}
}
