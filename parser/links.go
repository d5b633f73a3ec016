package parser

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// LinkType classifies what a link is for.
type LinkType string

const (
	LinkVerification  LinkType = "verification"
	LinkResetPassword LinkType = "reset_password"
	LinkConfirmation  LinkType = "confirmation"
	LinkUnsubscribe   LinkType = "unsubscribe"
	LinkMagicLink     LinkType = "magic_link"
	LinkGeneric       LinkType = "generic"
)

var (
	linkPattern   = regexp.MustCompile(`(?i)https?://[^\s<>"']+`)
	trailingPunct = regexp.MustCompile(`[.,;!?)\]}>]+$`)
)

// nearbyTextPattern finds a call to action just before a bare URL.
var nearbyTextPattern = regexp.MustCompile(`(?i)(verify|confirm|click here|activate|reset|complete|continue|get started)`)

const nearbyTextWindow = 30

var linkClassifiers = []struct {
	pattern *regexp.Regexp
	typ     LinkType
}{
	{regexp.MustCompile(`(?i)/verify`), LinkVerification},
	{regexp.MustCompile(`(?i)/confirm`), LinkConfirmation},
	{regexp.MustCompile(`(?i)/activate`), LinkVerification},
	{regexp.MustCompile(`(?i)/validation`), LinkVerification},
	{regexp.MustCompile(`(?i)/reset`), LinkResetPassword},
	{regexp.MustCompile(`(?i)/password`), LinkResetPassword},
	{regexp.MustCompile(`(?i)/auth[^\s]*token`), LinkMagicLink},
	{regexp.MustCompile(`(?i)/magic`), LinkMagicLink},
	{regexp.MustCompile(`(?i)/unsubscribe`), LinkUnsubscribe},
}

// extractLinks returns the sorted unique URLs found in sources, their types
// and the text that labels them. Anchor text wins over a call to action
// found just before a bare URL.
func extractLinks(sources []string, anchors map[string]string) ([]string, map[string]LinkType, map[string]string) {
	set := make(map[string]LinkType)
	texts := make(map[string]string)
	for _, src := range sources {
		for _, loc := range linkPattern.FindAllStringIndex(src, -1) {
			u := trailingPunct.ReplaceAllString(src[loc[0]:loc[1]], "")
			if !validURL(u) {
				continue
			}
			if _, seen := set[u]; !seen {
				set[u] = classifyLink(u)
			}
			if _, ok := texts[u]; ok {
				continue
			}
			if t := anchors[u]; t != "" {
				texts[u] = t
			} else if m := nearbyTextPattern.FindString(src[max(0, loc[0]-nearbyTextWindow):loc[0]]); m != "" {
				texts[u] = m
			}
		}
	}
	links := make([]string, 0, len(set))
	for u := range set {
		links = append(links, u)
	}
	sort.Strings(links)
	return links, set, texts
}

func validURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" && !strings.ContainsAny(u.Host, " \t")
}

// classifyLink returns the first matching link type, generic otherwise.
func classifyLink(u string) LinkType {
	for _, c := range linkClassifiers {
		if c.pattern.MatchString(u) {
			return c.typ
		}
	}
	return LinkGeneric
}
