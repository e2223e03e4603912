// Package ses implements a Provider that relays mail through the AWS SES v2
// API. The credentials file supplies the region (as the relay host) and an
// access key pair (as username and password).
package ses

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/socket-mail-relay/internal/credentials"
	"github.com/shineum/socket-mail-relay/internal/email"
	"github.com/shineum/socket-mail-relay/internal/provider"
	smtpprovider "github.com/shineum/socket-mail-relay/internal/provider/smtp"
)

// ErrSendingDisabled is returned by Verify when the account may not send.
var ErrSendingDisabled = errors.New("SES sending is disabled for this account")

// API is the subset of the SES v2 client used here. Tests substitute a mock.
type API interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, params *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// ClientFactory builds an API client for one relay configuration.
type ClientFactory func(ctx context.Context, region, accessKeyID, secretAccessKey string) (API, error)

// Options configures the provider.
type Options struct {
	// Endpoint overrides the SES endpoint, e.g. for a local emulator.
	Endpoint string
}

// Provider opens SES sessions.
type Provider struct {
	newClient ClientFactory
}

// New returns a Provider that builds real SES clients.
func New(opts Options) *Provider {
	return &Provider{newClient: defaultClientFactory(opts)}
}

// NewWithClientFactory returns a Provider using f, used for testing.
func NewWithClientFactory(f ClientFactory) *Provider {
	return &Provider{newClient: f}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

// Open builds an SES client for relay. No request is made until Verify.
func (p *Provider) Open(ctx context.Context, relay credentials.Relay) (provider.Session, error) {
	client, err := p.newClient(ctx, RegionFromHost(relay.Host), relay.Username, relay.Password)
	if err != nil {
		return nil, err
	}
	return &session{client: client, sender: relay.FromMail}, nil
}

func defaultClientFactory(opts Options) ClientFactory {
	return func(ctx context.Context, region, accessKeyID, secretAccessKey string) (API, error) {
		loadOpts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(region),
			// One attempt per dispatch; the relay never retries on its own.
			awsconfig.WithRetryMaxAttempts(1),
		}
		if accessKeyID != "" && secretAccessKey != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				awscredentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
			))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		return sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
			if opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.Endpoint)
			}
		}), nil
	}
}

var regionHost = regexp.MustCompile(`^email(?:-smtp)?(?:-fips)?\.([a-z0-9-]+)\.amazonaws\.com$`)

// RegionFromHost extracts the region from an SES endpoint host name such as
// email-smtp.eu-west-1.amazonaws.com. Any other value is taken to be the
// region itself.
func RegionFromHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if m := regionHost.FindStringSubmatch(host); m != nil {
		return m[1]
	}
	return host
}

type session struct {
	client API
	sender string
}

// Verify checks the key pair is valid and the account may send.
func (s *session) Verify(ctx context.Context) error {
	out, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return fmt.Errorf("SES account check failed: %w", err)
	}
	if !out.SendingEnabled {
		return ErrSendingDisabled
	}
	return nil
}

// Send delivers msg. Messages with attachments go out as raw MIME, the rest
// use the SES simple format.
func (s *session) Send(ctx context.Context, msg *email.Email) error {
	sender := s.sender
	if msg.From != "" {
		sender = msg.From
	}

	var input *sesv2.SendEmailInput
	if len(msg.Attachments) > 0 {
		raw, err := buildRawMessage(sender, msg)
		if err != nil {
			return fmt.Errorf("failed to build raw message: %w", err)
		}
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(sender),
			Destination:      destination(msg),
			Content:          &types.EmailContent{Raw: &types.RawMessage{Data: raw}},
		}
	} else {
		input = buildSimpleInput(sender, msg)
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("SES API request failed: %w", err)
	}
	return nil
}

// Close is a no-op; SES clients hold no connection of their own.
func (s *session) Close() error {
	return nil
}

func destination(msg *email.Email) *types.Destination {
	return &types.Destination{
		ToAddresses:  msg.To,
		CcAddresses:  msg.Cc,
		BccAddresses: msg.Bcc,
	}
}

func buildSimpleInput(sender string, msg *email.Email) *sesv2.SendEmailInput {
	body := &types.Body{}
	if msg.HTMLBody != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")}
	}
	if msg.TextBody != "" || msg.HTMLBody == "" {
		body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      destination(msg),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}
}

// buildRawMessage renders msg as MIME with the same builder the SMTP
// provider submits.
func buildRawMessage(sender string, msg *email.Email) ([]byte, error) {
	m, err := smtpprovider.BuildMessage(sender, msg)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
