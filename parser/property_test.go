package parser

import (
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var vocab = []string{
	"Your", "code", "is", "482913", "use", "739104", "to", "verify", "order", "#123456",
	"https://a.io/verify?t=1", "http://b.io/x", "https://a.io/verify?t=1.", "passcode:", "5521",
	"2024", "reset", "https://c.io/reset", "sign in", "\n", "<b>", "</b>", "OTP", "111111",
}

func sentence(idx []int) string {
	words := make([]string, len(idx))
	for i, n := range idx {
		words[i] = vocab[n]
	}
	return strings.Join(words, " ")
}

func TestProperty_ParseDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same content yields the same metadata", prop.ForAll(
		func(idx []int) bool {
			in := Input{Text: sentence(idx), HTML: "<p>" + sentence(idx) + "</p>", From: "Bot <b@x.io>"}
			a, errA := Parse(in)
			b, errB := Parse(in)
			if (errA == nil) != (errB == nil) {
				return false
			}
			return reflect.DeepEqual(a, b)
		},
		gen.SliceOf(gen.IntRange(0, len(vocab)-1)),
	))

	properties.Property("otp codes are unique and links are a sorted set", prop.ForAll(
		func(idx []int) bool {
			md, err := Parse(Input{Text: sentence(idx)})
			if err != nil {
				return err == ErrEmptyContent
			}
			seen := make(map[string]bool)
			for _, c := range md.OTPCodes {
				if seen[c] {
					return false
				}
				seen[c] = true
			}
			for i := 1; i < len(md.Links); i++ {
				if md.Links[i-1] >= md.Links[i] {
					return false
				}
			}
			for _, u := range md.Links {
				if _, ok := md.LinkTypes[u]; !ok {
					return false
				}
			}
			return len(md.LinkTypes) == len(md.Links)
		},
		gen.SliceOf(gen.IntRange(0, len(vocab)-1)),
	))

	properties.Property("intent and action follow codes and links", prop.ForAll(
		func(idx []int) bool {
			md, err := Parse(Input{Text: sentence(idx)})
			if err != nil {
				return err == ErrEmptyContent
			}
			action := len(md.OTPCodes) > 0
			for _, u := range md.Links {
				if md.LinkTypes[u] != LinkUnsubscribe {
					action = true
				}
			}
			if md.RequiresAction != action || md.Summary == "" {
				return false
			}
			if len(md.OTPCodes) == 0 && len(md.Links) == 0 {
				return md.SenderIntent == IntentUnknown
			}
			return md.SenderIntent != ""
		},
		gen.SliceOf(gen.IntRange(0, len(vocab)-1)),
	))

	properties.TestingRun(t)
}
