package parser

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"testing"
)

func TestParseCodeAndLink(t *testing.T) {
	md, err := Parse(Input{Text: "Your code is 482913, click http://x.co/y"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !reflect.DeepEqual(md.OTPCodes, []string{"482913"}) {
		t.Errorf("OTPCodes = %v, want [482913]", md.OTPCodes)
	}
	if !reflect.DeepEqual(md.Links, []string{"http://x.co/y"}) {
		t.Errorf("Links = %v, want [http://x.co/y]", md.Links)
	}
	if md.LinkTypes["http://x.co/y"] != LinkGeneric {
		t.Errorf("LinkTypes = %v", md.LinkTypes)
	}
	if md.SenderIntent != IntentAuthentication || !md.RequiresAction {
		t.Errorf("SenderIntent = %s, RequiresAction = %v", md.SenderIntent, md.RequiresAction)
	}
	if want := "Found 1 OTP code(s): 482913. Found 1 action link(s). Intent: authentication"; md.Summary != want {
		t.Errorf("Summary = %q, want %q", md.Summary, want)
	}
}

func TestParseIntentAndLinkText(t *testing.T) {
	tests := []struct {
		name     string
		in       Input
		intent   Intent
		action   bool
		summary  string
		linkText map[string]string
	}{
		{
			name:     "verification anchor",
			in:       Input{HTML: `<p>Welcome! <a class="btn" href="https://app.io/verify?t=1">Verify my <b>email</b></a></p>`},
			intent:   IntentVerification,
			action:   true,
			summary:  "Found 1 action link(s). Intent: verification",
			linkText: map[string]string{"https://app.io/verify?t=1": "Verify my email"},
		},
		{
			name:     "reset with call to action",
			in:       Input{Text: "Click here to reset: https://app.io/reset/abc"},
			intent:   IntentPasswordReset,
			action:   true,
			summary:  "Found 1 action link(s). Intent: password reset",
			linkText: map[string]string{"https://app.io/reset/abc": "Click here"},
		},
		{
			name:     "code for a password reset",
			in:       Input{Text: "Your code is 482913 to reset your password"},
			intent:   IntentPasswordReset,
			action:   true,
			summary:  "Found 1 OTP code(s): 482913. Intent: password reset",
			linkText: map[string]string{},
		},
		{
			name:     "unsubscribe only",
			in:       Input{Text: "To stop these emails visit https://news.io/unsubscribe"},
			intent:   IntentUnknown,
			action:   false,
			summary:  "No actionable items found",
			linkText: map[string]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if md.SenderIntent != tt.intent {
				t.Errorf("SenderIntent = %s, want %s", md.SenderIntent, tt.intent)
			}
			if md.RequiresAction != tt.action {
				t.Errorf("RequiresAction = %v, want %v", md.RequiresAction, tt.action)
			}
			if md.Summary != tt.summary {
				t.Errorf("Summary = %q, want %q", md.Summary, tt.summary)
			}
			if !reflect.DeepEqual(md.LinkTexts, tt.linkText) {
				t.Errorf("LinkTexts = %v, want %v", md.LinkTexts, tt.linkText)
			}
		})
	}
}

func TestParseOTPs(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want []string
	}{
		{
			name: "code label",
			in:   Input{Text: "Verification code: 771204"},
			want: []string{"771204"},
		},
		{
			name: "code before phrase",
			in:   Input{Text: "551230 is your verification code."},
			want: []string{"551230"},
		},
		{
			name: "first seen order and dedup",
			in:   Input{Text: "Use 839201 to sign in. Backup passcode: 104857. Again, your code is 839201."},
			want: []string{"839201", "104857"},
		},
		{
			name: "alphanumeric with label",
			in:   Input{Text: "Your security code is AB12CD"},
			want: []string{"AB12CD"},
		},
		{
			name: "order number is not a code",
			in:   Input{Text: "Thanks for your order #123456, tracking will follow."},
			want: []string{},
		},
		{
			name: "year is not a code",
			in:   Input{Text: "Copyright 2024 Example Inc."},
			want: []string{},
		},
		{
			name: "digits inside urls are ignored",
			in:   Input{Text: "See https://example.com/orders/987654 for details"},
			want: []string{},
		},
		{
			name: "repeated digits are suspicious",
			in:   Input{Text: "Reference 111111"},
			want: []string{},
		},
		{
			name: "html emphasis",
			in:   Input{HTML: `<p>Sign in with</p><strong>6042</strong><p>to verify your email</p>`},
			want: []string{"6042"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if !reflect.DeepEqual(md.OTPCodes, tt.want) {
				t.Errorf("OTPCodes = %v, want %v", md.OTPCodes, tt.want)
			}
		})
	}
}

func TestParseLinks(t *testing.T) {
	in := Input{
		Text: "Confirm here: https://app.example.com/confirm?t=abc. Or reset: https://app.example.com/reset-password).",
		HTML: `<a href="https://app.example.com/verify?u=1&amp;t=2">Verify</a> <a href='https://news.example.com/unsubscribe'>x</a>`,
	}
	md, err := Parse(in)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]LinkType{
		"https://app.example.com/confirm?t=abc":  LinkConfirmation,
		"https://app.example.com/reset-password": LinkResetPassword,
		"https://app.example.com/verify?u=1&t=2": LinkVerification,
		"https://news.example.com/unsubscribe":   LinkUnsubscribe,
	}
	if len(md.Links) != len(want) {
		t.Fatalf("Links = %v", md.Links)
	}
	for i := 1; i < len(md.Links); i++ {
		if md.Links[i-1] >= md.Links[i] {
			t.Errorf("links not sorted: %v", md.Links)
		}
	}
	for u, typ := range want {
		if md.LinkTypes[u] != typ {
			t.Errorf("LinkTypes[%s] = %q, want %q", u, md.LinkTypes[u], typ)
		}
	}
}

func TestParseSenderAndHeaders(t *testing.T) {
	headers := map[string]string{"X-Mailer": "acme", "List-Id": "<news.example.com>"}
	md, err := Parse(Input{Text: "hello", From: `"Acme Support" <support@acme.io>`, Headers: headers})
	if err != nil {
		t.Fatal(err)
	}
	if md.SenderDisplayName != "Acme Support" {
		t.Errorf("SenderDisplayName = %q", md.SenderDisplayName)
	}
	if !reflect.DeepEqual(md.Headers, headers) {
		t.Errorf("Headers = %v", md.Headers)
	}
	headers["X-Mailer"] = "changed"
	if md.Headers["X-Mailer"] != "acme" {
		t.Error("headers must be copied")
	}

	md, _ = Parse(Input{Text: "hello", From: "not an address"})
	if md.SenderDisplayName != "" {
		t.Errorf("SenderDisplayName = %q, want empty", md.SenderDisplayName)
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse(Input{Text: "  \n"}); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("expected ErrEmptyContent, got %v", err)
	}
}

func TestParseTooLarge(t *testing.T) {
	p := New(WithMaxBodySize(10))
	if _, err := p.Parse(Input{Text: strings.Repeat("a", 11)}); !errors.Is(err, ErrContentTooLarge) {
		t.Errorf("expected ErrContentTooLarge, got %v", err)
	}
}

func TestParseRawMIME(t *testing.T) {
	raw := strings.Join([]string{
		`From: "Login Bot" <bot@service.io>`,
		"To: agent@relay.dev",
		"Subject: Your login code",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Your code is 204918. Open https://service.io/magic?token=9f",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>Your code is <b>204918</b></p>",
		"--b1--",
		"",
	}, "\r\n")

	md, err := Parse(Input{Raw: []byte(raw)})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !reflect.DeepEqual(md.OTPCodes, []string{"204918"}) {
		t.Errorf("OTPCodes = %v", md.OTPCodes)
	}
	if md.SenderDisplayName != "Login Bot" {
		t.Errorf("SenderDisplayName = %q", md.SenderDisplayName)
	}
	if md.LinkTypes["https://service.io/magic?token=9f"] != LinkMagicLink {
		t.Errorf("LinkTypes = %v", md.LinkTypes)
	}
}

func TestCustomPatterns(t *testing.T) {
	p := New(WithOTPPatterns(OTPPattern{Regexp: regexp.MustCompile(`PIN-([0-9]{3})`), Confidence: 1}))
	md, err := p.Parse(Input{Text: "Door PIN-042 and code 123456"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(md.OTPCodes, []string{"042"}) {
		t.Errorf("OTPCodes = %v, want [042]", md.OTPCodes)
	}
}

func TestMetadataMap(t *testing.T) {
	md, _ := Parse(Input{Text: "Your code is 482913, click http://x.co/y"})
	m := md.Map()
	if got := m[KeyOTPCodes].([]string); !reflect.DeepEqual(got, []string{"482913"}) {
		t.Errorf("otp_codes = %v", got)
	}
	if got := m[KeyLinks].([]string); !reflect.DeepEqual(got, []string{"http://x.co/y"}) {
		t.Errorf("links = %v", got)
	}
	if _, ok := m[KeyHeaders].(map[string]string); !ok {
		t.Errorf("headers = %T", m[KeyHeaders])
	}
	if m[KeySenderIntent] != "authentication" || m[KeyRequiresAction] != true {
		t.Errorf("sender_intent = %v, requires_action = %v", m[KeySenderIntent], m[KeyRequiresAction])
	}
	if m[KeySummary] == "" {
		t.Error("summary is empty")
	}
}
