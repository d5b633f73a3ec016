package ses

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"

	"github.com/rbaliyan/relay/provider"
)

type fakeAPI struct {
	input *sesv2.SendEmailInput
	out   *sesv2.SendEmailOutput
	err   error
}

func (f *fakeAPI) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = params
	return f.out, f.err
}

func newSender(t *testing.T, api *fakeAPI) *Sender {
	t.Helper()
	s, err := New(context.Background(), WithClient(api), WithConfigurationSet("relay"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSendBuildsInput(t *testing.T) {
	api := &fakeAPI{out: &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}}
	s := newSender(t, api)

	res, err := s.Send(context.Background(), provider.OutboundEmail{
		From:    "agent@relay.dev",
		To:      "user@example.com",
		Subject: "hi",
		Text:    "plain",
		HTML:    "<p>html</p>",
		Headers: map[string]string{"X-B": "2", "X-A": "1"},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.ProviderMessageID != "ses-1" {
		t.Errorf("ProviderMessageID = %q", res.ProviderMessageID)
	}

	in := api.input
	if aws.ToString(in.FromEmailAddress) != "agent@relay.dev" {
		t.Errorf("From = %q", aws.ToString(in.FromEmailAddress))
	}
	if got := in.Destination.ToAddresses; len(got) != 1 || got[0] != "user@example.com" {
		t.Errorf("To = %v", got)
	}
	if aws.ToString(in.ConfigurationSetName) != "relay" {
		t.Errorf("ConfigurationSetName = %q", aws.ToString(in.ConfigurationSetName))
	}
	msg := in.Content.Simple
	if aws.ToString(msg.Body.Text.Data) != "plain" || aws.ToString(msg.Body.Html.Data) != "<p>html</p>" {
		t.Error("body not set")
	}
	if len(msg.Headers) != 2 || aws.ToString(msg.Headers[0].Name) != "X-A" {
		t.Errorf("headers = %+v", msg.Headers)
	}
}

func TestSendClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"rejected", &smithy.GenericAPIError{Code: "MessageRejected", Fault: smithy.FaultClient}, true},
		{"unverified domain", &smithy.GenericAPIError{Code: "MailFromDomainNotVerifiedException", Fault: smithy.FaultClient}, true},
		{"throttled", &smithy.GenericAPIError{Code: "TooManyRequestsException", Fault: smithy.FaultClient}, false},
		{"unknown client fault", &smithy.GenericAPIError{Code: "Weird", Fault: smithy.FaultClient}, true},
		{"server fault", &smithy.GenericAPIError{Code: "InternalFailure", Fault: smithy.FaultServer}, false},
		{"transport", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSender(t, &fakeAPI{err: tt.err})
			_, err := s.Send(context.Background(), provider.OutboundEmail{To: "x@y.z"})
			if err == nil {
				t.Fatal("expected error")
			}
			if provider.IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", provider.IsPermanent(err), tt.permanent)
			}
			if !errors.Is(err, tt.err) {
				t.Error("cause must be preserved")
			}
		})
	}
}

func TestSendEmptyMessageID(t *testing.T) {
	s := newSender(t, &fakeAPI{out: &sesv2.SendEmailOutput{}})
	if _, err := s.Send(context.Background(), provider.OutboundEmail{To: "x@y.z"}); !provider.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}
