package parser

import (
	"fmt"
	"strings"
)

// Intent is what the sender most likely wants the recipient to do.
type Intent string

const (
	IntentAuthentication Intent = "authentication"
	IntentVerification   Intent = "verification"
	IntentPasswordReset  Intent = "password_reset"
	IntentConfirmation   Intent = "confirmation"
	IntentMagicLink      Intent = "magic_link_auth"
	IntentUnknown        Intent = "unknown"
)

// linkIntents maps the link types that imply an intent, in the order they
// win when several are present.
var linkIntents = []struct {
	typ    LinkType
	intent Intent
}{
	{LinkVerification, IntentVerification},
	{LinkResetPassword, IntentPasswordReset},
	{LinkConfirmation, IntentConfirmation},
	{LinkMagicLink, IntentMagicLink},
}

// senderIntent derives the intent from the codes, the link types and
// keywords in the body. Codes take precedence over links.
func senderIntent(text string, otps []string, links []string, types map[string]LinkType) Intent {
	if len(otps) > 0 {
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, "login"), strings.Contains(lower, "sign in"):
			return IntentAuthentication
		case strings.Contains(lower, "verify"), strings.Contains(lower, "confirm"):
			return IntentVerification
		case strings.Contains(lower, "reset"), strings.Contains(lower, "password"):
			return IntentPasswordReset
		}
		return IntentAuthentication
	}
	for _, li := range linkIntents {
		for _, u := range links {
			if types[u] == li.typ {
				return li.intent
			}
		}
	}
	return IntentUnknown
}

// actionLinks counts links other than unsubscribe links.
func actionLinks(links []string, types map[string]LinkType) int {
	n := 0
	for _, u := range links {
		if types[u] != LinkUnsubscribe {
			n++
		}
	}
	return n
}

// summarize renders a one-line description of what was found.
func summarize(otps []string, nActions int, intent Intent) string {
	var parts []string
	if len(otps) > 0 {
		shown := otps[:min(3, len(otps))]
		parts = append(parts, fmt.Sprintf("Found %d OTP code(s): %s", len(otps), strings.Join(shown, ", ")))
	}
	if nActions > 0 {
		parts = append(parts, fmt.Sprintf("Found %d action link(s)", nActions))
	}
	if intent != "" && intent != IntentUnknown {
		parts = append(parts, "Intent: "+strings.ReplaceAll(string(intent), "_", " "))
	}
	if len(parts) == 0 {
		return "No actionable items found"
	}
	return strings.Join(parts, ". ")
}
