package parser

import (
	"regexp"
	"sort"
	"strings"
)

// OTPPattern is a regular expression whose first capture group is a code
// candidate, with the base confidence of a match.
type OTPPattern struct {
	Regexp     *regexp.Regexp
	Confidence float64
}

// DefaultOTPPatterns returns the built-in patterns, most specific first.
func DefaultOTPPatterns() []OTPPattern {
	return []OTPPattern{
		// Explicit mentions: "code: 123456", "passcode 1234"
		{regexp.MustCompile(`(?i)\b(?:otp|code|verification code|passcode|pin)[\s:]+([0-9]{4,8})\b`), 0.95},
		{regexp.MustCompile(`(?i)\byour (?:otp|code|verification code|one-time code|passcode|pin) is[\s:]+([0-9]{4,8})\b`), 0.95},
		{regexp.MustCompile(`(?i)\b([0-9]{4,8})\s+is your (?:otp|code|verification code|one-time code|passcode)`), 0.95},
		// Alphanumeric codes need an explicit label
		{regexp.MustCompile(`(?i)\b(?:verification|security|confirmation|login)\s+code(?:\s+is)?[\s:]+([A-Z0-9]{4,8})\b`), 0.90},
		{regexp.MustCompile(`(?i)\b(?:use|enter|type)\s+(?:the\s+)?(?:code|otp)?[\s:]*([0-9]{4,8})\b`), 0.90},
		{regexp.MustCompile(`(?i)\b([0-9]{6})\s+to (?:verify|confirm|complete|sign in|log in)`), 0.90},
		// Bare codes, scored by context
		{regexp.MustCompile(`\b([0-9]{6})\b`), 0.60},
		{regexp.MustCompile(`\b([0-9]{4})\b`), 0.40},
	}
}

var (
	strongIndicators = []string{
		"verification", "verify", "otp", "one-time", "passcode", "authentication",
		"two-factor", "2fa", "security code", "confirmation code", "login", "sign in",
	}
	weakIndicators = []string{"invoice", "order", "reference", "tracking", "phone", "call"}

	// urlPattern masks URLs so digits in paths and query strings are not read as codes.
	urlPattern = regexp.MustCompile(`(?i)https?://[^\s<>"]+`)
)

type otpCandidate struct {
	code     string
	position int
}

// extractOTPs scores every pattern match and returns the accepted codes in
// order of first appearance.
func (p *Parser) extractOTPs(doc document) []string {
	text := maskURLs(doc.text)

	first := make(map[string]int)
	for _, pat := range p.otpPatterns {
		for _, m := range pat.Regexp.FindAllStringSubmatchIndex(text, -1) {
			if len(m) < 4 || m[2] < 0 {
				continue
			}
			code := text[m[2]:m[3]]
			if !hasDigit(code) {
				continue
			}
			base := pat.Confidence
			if doc.emphasized[code] && base < 0.85 {
				base = 0.85
			}
			if scoreOTP(code, strings.ToLower(contextWindow(text, m[0], m[1], 50)), base) < p.minConfidence {
				continue
			}
			if pos, seen := first[code]; !seen || m[2] < pos {
				first[code] = m[2]
			}
		}
	}

	candidates := make([]otpCandidate, 0, len(first))
	for code, pos := range first {
		candidates = append(candidates, otpCandidate{code: code, position: pos})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].position != candidates[j].position {
			return candidates[i].position < candidates[j].position
		}
		return candidates[i].code < candidates[j].code
	})

	codes := make([]string, 0, len(candidates))
	for _, c := range candidates {
		codes = append(codes, c.code)
	}
	return codes
}

// scoreOTP adjusts the base confidence of a match by its surroundings and shape.
func scoreOTP(code, context string, base float64) float64 {
	score := base
	for _, ind := range strongIndicators {
		if strings.Contains(context, ind) {
			score = min(1.0, score+0.1)
			break
		}
	}
	for _, ind := range weakIndicators {
		if strings.Contains(context, ind) {
			score *= 0.7
			break
		}
	}
	switch len(code) {
	case 6:
		score = min(1.0, score+0.05)
	case 4:
		score *= 0.6
	}
	if distinctRunes(code) <= 2 {
		score *= 0.5
	}
	return score
}

func contextWindow(s string, start, end, radius int) string {
	from := max(0, start-radius)
	to := min(len(s), end+radius)
	return s[from:to]
}

func maskURLs(s string) string {
	return urlPattern.ReplaceAllStringFunc(s, func(u string) string {
		return strings.Repeat(" ", len(u))
	})
}

func hasDigit(s string) bool {
	for _, c := range s {
		if c >= '0' && c <= '9' {
			return true
		}
	}
	return false
}

func distinctRunes(s string) int {
	seen := make(map[rune]struct{}, len(s))
	for _, c := range s {
		seen[c] = struct{}{}
	}
	return len(seen)
}
