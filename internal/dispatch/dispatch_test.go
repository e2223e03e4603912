package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shineum/socket-mail-relay/internal/credentials"
	"github.com/shineum/socket-mail-relay/internal/email"
	"github.com/shineum/socket-mail-relay/internal/provider"
)

type fakeCreds struct {
	relay credentials.Relay
	err   error
	path  string
}

func (f *fakeCreds) Load(context.Context) (credentials.Relay, error) {
	if f.err != nil {
		return credentials.Relay{}, &credentials.LoadError{Path: f.path, Err: f.err}
	}
	return f.relay, nil
}

func (f *fakeCreds) Path() string {
	return f.path
}

// fakeProvider records every session call in order.
type fakeProvider struct {
	mu        sync.Mutex
	calls     []string
	openErr   error
	verifyErr error
	sendErr   error
	closeErr  error
	panicAt   string
	sendDelay time.Duration
	sent      []*email.Email
	deadline  bool
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakeProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProvider) Open(_ context.Context, _ credentials.Relay) (provider.Session, error) {
	p.record("open")
	if p.panicAt == "open" {
		panic("boom")
	}
	if p.openErr != nil {
		return nil, p.openErr
	}
	return &fakeSession{p: p}, nil
}

type fakeSession struct {
	p *fakeProvider
}

func (s *fakeSession) Verify(context.Context) error {
	s.p.record("verify")
	if s.p.panicAt == "verify" {
		panic("boom")
	}
	return s.p.verifyErr
}

func (s *fakeSession) Send(ctx context.Context, msg *email.Email) error {
	_, hasDeadline := ctx.Deadline()
	s.p.mu.Lock()
	s.p.deadline = hasDeadline
	s.p.mu.Unlock()

	if s.p.sendDelay > 0 {
		select {
		case <-time.After(s.p.sendDelay):
		case <-ctx.Done():
			s.p.record("send")
			return ctx.Err()
		}
	}
	s.p.record("send")
	if s.p.panicAt == "send" {
		panic("boom")
	}
	if s.p.sendErr != nil {
		return s.p.sendErr
	}
	s.p.mu.Lock()
	s.p.sent = append(s.p.sent, msg)
	s.p.mu.Unlock()
	return nil
}

func (s *fakeSession) Close() error {
	s.p.record("close")
	if s.p.panicAt == "close" {
		panic("boom")
	}
	return s.p.closeErr
}

var testRelay = credentials.Relay{
	Host:     "smtp.example.com",
	Port:     587,
	Username: "u",
	Password: "p",
	FromMail: "a@example.com",
}

func newDispatcher(creds CredentialSource, p provider.Provider) *Dispatcher {
	return New(Config{Credentials: creds, Provider: p, Logger: zap.NewNop().Sugar()})
}

func request() Request {
	return Request{To: []string{"b@example.com"}, Subject: "hi", Body: "hello"}
}

func TestSend_Success(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	outcome, err := newDispatcher(&fakeCreds{relay: testRelay}, p).Send(context.Background(), request())

	require.NoError(t, err)
	assert.Equal(t, Sent, outcome)
	assert.Equal(t, []string{"open", "verify", "send", "close"}, p.Calls())

	require.Len(t, p.sent, 1)
	msg := p.sent[0]
	assert.Equal(t, "a@example.com", msg.From)
	assert.Equal(t, []string{"b@example.com"}, msg.To)
	assert.Equal(t, "hi", msg.Subject)
	assert.Equal(t, "hello", msg.TextBody)
}

func TestSend_ClosesOnlyAfterSendReturns(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{sendDelay: 50 * time.Millisecond}
	outcome, err := newDispatcher(&fakeCreds{relay: testRelay}, p).Send(context.Background(), request())

	require.NoError(t, err)
	assert.Equal(t, Sent, outcome)
	assert.Equal(t, []string{"open", "verify", "send", "close"}, p.Calls())
}

func TestSend_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		creds     *fakeCreds
		provider  *fakeProvider
		req       Request
		wantKind  Kind
		wantCalls []string
	}{
		{
			name:      "credentials not found",
			creds:     &fakeCreds{err: credentials.ErrNotFound, path: "mail.config.json"},
			provider:  &fakeProvider{},
			req:       request(),
			wantKind:  ConfigNotFound,
			wantCalls: nil,
		},
		{
			name:      "credentials malformed",
			creds:     &fakeCreds{err: credentials.ErrMalformed},
			provider:  &fakeProvider{},
			req:       request(),
			wantKind:  ConfigMalformed,
			wantCalls: nil,
		},
		{
			name:      "credentials decrypt failure",
			creds:     &fakeCreds{err: credentials.ErrDecrypt},
			provider:  &fakeProvider{},
			req:       request(),
			wantKind:  ConfigDecryptFailure,
			wantCalls: nil,
		},
		{
			name:      "other read error",
			creds:     &fakeCreds{err: errors.New("permission denied")},
			provider:  &fakeProvider{},
			req:       request(),
			wantKind:  ConfigMalformed,
			wantCalls: nil,
		},
		{
			name:      "no recipients",
			creds:     &fakeCreds{relay: testRelay},
			provider:  &fakeProvider{},
			req:       Request{Subject: "hi", Body: "hello"},
			wantKind:  SendFailure,
			wantCalls: nil,
		},
		{
			name:      "blank recipients",
			creds:     &fakeCreds{relay: testRelay},
			provider:  &fakeProvider{},
			req:       Request{To: []string{"", "  "}, Subject: "hi"},
			wantKind:  SendFailure,
			wantCalls: nil,
		},
		{
			name:      "open fails",
			creds:     &fakeCreds{relay: testRelay},
			provider:  &fakeProvider{openErr: errors.New("bad options")},
			req:       request(),
			wantKind:  SessionVerifyFailure,
			wantCalls: []string{"open"},
		},
		{
			name:      "verify fails",
			creds:     &fakeCreds{relay: testRelay},
			provider:  &fakeProvider{verifyErr: errors.New("535 authentication failed")},
			req:       request(),
			wantKind:  SessionVerifyFailure,
			wantCalls: []string{"open", "verify", "close"},
		},
		{
			name:      "send fails",
			creds:     &fakeCreds{relay: testRelay},
			provider:  &fakeProvider{sendErr: errors.New("550 mailbox unavailable")},
			req:       request(),
			wantKind:  SendFailure,
			wantCalls: []string{"open", "verify", "send", "close"},
		},
		{
			name:      "panic in open",
			creds:     &fakeCreds{relay: testRelay},
			provider:  &fakeProvider{panicAt: "open"},
			req:       request(),
			wantKind:  SessionVerifyFailure,
			wantCalls: []string{"open"},
		},
		{
			name:      "panic in verify",
			creds:     &fakeCreds{relay: testRelay},
			provider:  &fakeProvider{panicAt: "verify"},
			req:       request(),
			wantKind:  SessionVerifyFailure,
			wantCalls: []string{"open", "verify", "close"},
		},
		{
			name:      "panic in send",
			creds:     &fakeCreds{relay: testRelay},
			provider:  &fakeProvider{panicAt: "send"},
			req:       request(),
			wantKind:  SendFailure,
			wantCalls: []string{"open", "verify", "send", "close"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			outcome, err := newDispatcher(tt.creds, tt.provider).Send(context.Background(), tt.req)

			assert.Equal(t, Failed, outcome)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err))
			assert.Equal(t, tt.wantCalls, tt.provider.Calls())
			assert.Empty(t, tt.provider.sent)
		})
	}
}

func TestSend_CloseErrorDoesNotChangeOutcome(t *testing.T) {
	t.Parallel()

	for _, p := range []*fakeProvider{{closeErr: errors.New("quit failed")}, {panicAt: "close"}} {
		outcome, err := newDispatcher(&fakeCreds{relay: testRelay}, p).Send(context.Background(), request())
		require.NoError(t, err)
		assert.Equal(t, Sent, outcome)
		assert.Equal(t, []string{"open", "verify", "send", "close"}, p.Calls())
	}
}

func TestSend_TimeoutStillClosesSession(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{sendDelay: 5 * time.Second}
	d := New(Config{
		Credentials: &fakeCreds{relay: testRelay},
		Provider:    p,
		Timeout:     20 * time.Millisecond,
	})

	outcome, err := d.Send(context.Background(), request())
	assert.Equal(t, Failed, outcome)
	assert.Equal(t, SendFailure, KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"open", "verify", "send", "close"}, p.Calls())
}

func TestSend_TimeoutSetting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		timeout      time.Duration
		wantDeadline bool
	}{
		{name: "zero uses default", timeout: 0, wantDeadline: true},
		{name: "positive", timeout: time.Minute, wantDeadline: true},
		{name: "negative disables", timeout: -1, wantDeadline: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := &fakeProvider{}
			d := New(Config{
				Credentials: &fakeCreds{relay: testRelay},
				Provider:    p,
				Timeout:     tt.timeout,
			})

			outcome, err := d.Send(context.Background(), request())
			require.NoError(t, err)
			assert.Equal(t, Sent, outcome)
			assert.Equal(t, tt.wantDeadline, p.deadline)
		})
	}
}

func TestSend_CleansRecipients(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	req := Request{To: []string{" b@example.com ", "", "c@example.com"}, Subject: "s"}
	outcome, err := newDispatcher(&fakeCreds{relay: testRelay}, p).Send(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, Sent, outcome)
	require.Len(t, p.sent, 1)
	assert.Equal(t, []string{"b@example.com", "c@example.com"}, p.sent[0].To)
}

func TestSend_NotFoundLogNamesFileAndDirectory(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	dir := t.TempDir()
	path := filepath.Join(dir, "mail.config.json")

	d := New(Config{
		Credentials: credentials.NewStore(path),
		Provider:    &fakeProvider{},
		Logger:      zap.New(core).Sugar(),
	})
	outcome, err := d.Send(context.Background(), request())
	assert.Equal(t, Failed, outcome)
	assert.Equal(t, ConfigNotFound, KindOf(err))

	entries := logs.FilterMessage("credentials file not found").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "mail.config.json", fields["file"])
	assert.Equal(t, dir, fields["dir"])
}

func TestSend_ConcurrentRequestsSettleIndependently(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	d := newDispatcher(&fakeCreds{relay: testRelay}, p)

	const n = 20
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := Request{To: []string{fmt.Sprintf("r%d@example.com", i)}, Subject: "s"}
			outcomes[i], _ = d.Send(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i, o := range outcomes {
		assert.Equal(t, Sent, o, "request %d", i)
	}
	assert.Len(t, p.sent, n)
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	wrapped := fmt.Errorf("outer: %w", &Error{Kind: SendFailure, Err: errors.New("inner")})
	assert.Equal(t, SendFailure, KindOf(wrapped))
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "sent", Sent.String())
	assert.Equal(t, "failed", Failed.String())
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
