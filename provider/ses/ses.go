// Package ses sends email through Amazon SES (API v2).
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/rbaliyan/relay/internal/awsconfig"
	"github.com/rbaliyan/relay/provider"
)

const providerName = "ses"

// API is the subset of the SES v2 client used by the sender.
type API interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// options holds SES configuration.
type options struct {
	aws              awsconfig.Settings
	endpoint         string
	configurationSet string
	client           API
	logger           *slog.Logger
}

// Option configures the SES sender.
type Option func(*options)

// WithRegion sets the AWS region (default us-east-1).
func WithRegion(region string) Option {
	return func(o *options) {
		o.aws.Region = region
	}
}

// WithCredentials sets static credentials.
func WithCredentials(accessKey, secretKey, sessionToken string) Option {
	return func(o *options) {
		o.aws.AccessKey = accessKey
		o.aws.SecretKey = secretKey
		o.aws.SessionToken = sessionToken
	}
}

// WithRole assumes an IAM role through STS.
func WithRole(roleARN, sessionName, externalID string) Option {
	return func(o *options) {
		o.aws.RoleARN = roleARN
		o.aws.RoleSessionName = sessionName
		o.aws.ExternalID = externalID
	}
}

// WithEndpoint overrides the SES endpoint (local emulators).
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithConfigurationSet tags sends with an SES configuration set, which is how
// SES routes delivery and bounce notifications back.
func WithConfigurationSet(name string) Option {
	return func(o *options) {
		o.configurationSet = name
	}
}

// WithClient uses an existing client instead of building one.
func WithClient(c API) Option {
	return func(o *options) {
		o.client = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Sender implements provider.Sender on SES.
type Sender struct {
	client           API
	configurationSet string
	logger           *slog.Logger
}

var _ provider.Sender = (*Sender)(nil)

// New creates an SES sender.
func New(ctx context.Context, opts ...Option) (*Sender, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	client := o.client
	if client == nil {
		cfg, err := awsconfig.Load(ctx, o.aws)
		if err != nil {
			return nil, fmt.Errorf("ses: build aws config: %w", err)
		}
		client = sesv2.NewFromConfig(cfg, func(so *sesv2.Options) {
			if o.endpoint != "" {
				so.BaseEndpoint = aws.String(o.endpoint)
			}
		})
	}
	return &Sender{client: client, configurationSet: o.configurationSet, logger: o.logger}, nil
}

// Send submits the email. SES has no idempotency key; duplicate suppression
// relies on the caller not resending a message that already has a provider id.
func (s *Sender) Send(ctx context.Context, email provider.OutboundEmail) (provider.SendResult, error) {
	body := &types.Body{}
	if email.Text != "" {
		body.Text = &types.Content{Data: aws.String(email.Text)}
	}
	if email.HTML != "" {
		body.Html = &types.Content{Data: aws.String(email.HTML)}
	}

	msg := &types.Message{
		Subject: &types.Content{Data: aws.String(email.Subject)},
		Body:    body,
		Headers: messageHeaders(email.Headers),
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(email.From),
		Destination: &types.Destination{
			ToAddresses: []string{email.To},
		},
		Content: &types.EmailContent{Simple: msg},
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return provider.SendResult{}, classify(err)
	}
	id := aws.ToString(out.MessageId)
	if id == "" {
		return provider.SendResult{}, provider.NewTransient(providerName, errors.New("empty message id in response"))
	}
	s.logger.Debug("ses accepted email", "provider_message_id", id, "to", email.To)
	return provider.SendResult{ProviderMessageID: id}, nil
}

func messageHeaders(h map[string]string) []types.MessageHeader {
	if len(h) == 0 {
		return nil
	}
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]types.MessageHeader, 0, len(names))
	for _, k := range names {
		out = append(out, types.MessageHeader{Name: aws.String(k), Value: aws.String(h[k])})
	}
	return out
}

var permanentCodes = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"BadRequestException":                true,
	"NotFoundException":                  true,
	"AccountSuspendedException":          true,
	"SendingPausedException":             true,
	"ValidationException":                true,
}

var transientCodes = map[string]bool{
	"TooManyRequestsException": true,
	"LimitExceededException":    true,
	"Throttling":                true,
	"ThrottlingException":       true,
	"InternalFailure":           true,
	"ServiceUnavailable":        true,
}

// classify maps an SES failure to a provider error. Known codes decide first,
// then the smithy fault side; transport errors are transient.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return provider.NewTransient(providerName, err)
	}
	code := apiErr.ErrorCode()
	kind := provider.Transient
	switch {
	case permanentCodes[code]:
		kind = provider.Permanent
	case transientCodes[code]:
		kind = provider.Transient
	case apiErr.ErrorFault() == smithy.FaultClient:
		kind = provider.Permanent
	}
	return &provider.Error{Kind: kind, Provider: providerName, Code: code, Err: err}
}
