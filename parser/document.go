package parser

import (
	"html"
	"regexp"
	"strings"
)

var (
	styleBlockPattern = regexp.MustCompile(`(?is)<(style|script|head)[^>]*>.*?</(style|script|head)>`)
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	emphasisPattern   = regexp.MustCompile(`(?i)<(?:h[1-3]|strong|b)(?:\s[^>]*)?>\s*([A-Za-z0-9]{4,8})\s*</`)
	hrefPattern       = regexp.MustCompile(`(?i)href\s*=\s*["']([^"']+)["']`)
	anchorPattern     = regexp.MustCompile(`(?is)<a\s[^>]*?href\s*=\s*["']([^"']+)["'][^>]*>(.*?)</a>`)
	spacePattern      = regexp.MustCompile(`[ \t\f\v]+`)
)

// document is the normalized view of an email body used for extraction.
type document struct {
	// text is the plain text followed by the visible text of the HTML part.
	text string
	// emphasized holds short tokens the HTML renders prominently.
	emphasized map[string]bool
	// links holds the raw URL sources: text plus HTML hrefs.
	links []string
	// anchors maps an href to the visible text of its first non-empty anchor.
	anchors map[string]string
}

func newDocument(text, htmlBody string) document {
	doc := document{emphasized: make(map[string]bool), anchors: make(map[string]string)}
	var parts []string
	if text != "" {
		parts = append(parts, text)
		doc.links = append(doc.links, text)
	}
	if htmlBody != "" {
		for _, m := range emphasisPattern.FindAllStringSubmatch(htmlBody, -1) {
			doc.emphasized[m[1]] = true
		}
		for _, m := range hrefPattern.FindAllStringSubmatch(htmlBody, -1) {
			doc.links = append(doc.links, html.UnescapeString(m[1]))
		}
		for _, m := range anchorPattern.FindAllStringSubmatch(htmlBody, -1) {
			href := trailingPunct.ReplaceAllString(html.UnescapeString(m[1]), "")
			text := linkText(strings.ReplaceAll(htmlToText(m[2]), "\n", " "))
			if _, seen := doc.anchors[href]; !seen && text != "" {
				doc.anchors[href] = text
			}
		}
		visible := htmlToText(htmlBody)
		doc.links = append(doc.links, visible)
		// The HTML part usually repeats the text part; only add it when the
		// text part is missing so codes keep their text-part positions.
		if text == "" {
			parts = append(parts, visible)
		}
	}
	doc.text = strings.Join(parts, "\n")
	return doc
}

const maxLinkText = 200

// linkText trims s and caps it at maxLinkText runes.
func linkText(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxLinkText {
		s = string(r[:maxLinkText])
	}
	return s
}

// htmlToText strips markup and decodes entities.
func htmlToText(s string) string {
	s = styleBlockPattern.ReplaceAllString(s, " ")
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(spacePattern.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
