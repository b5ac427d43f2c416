package parser

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// LinkKind classifies an unsubscribe target
type LinkKind string

const (
	KindHeaderLink LinkKind = "header-link"
	KindMailto     LinkKind = "mailto"
	KindHTTPLink   LinkKind = "http-link"
)

// Link origins, in ranking order
const (
	OriginHeader = "list-unsubscribe-header"
	OriginAnchor = "anchor"
	OriginText   = "text"
)

// Candidate is one possible unsubscribe target
type Candidate struct {
	URL    string   `json:"url"`
	Kind   LinkKind `json:"kind"`
	Origin string   `json:"origin"`
	Label  string   `json:"label,omitempty"`
}

// IsHTTP reports whether the candidate can be opened in a browser
func (c Candidate) IsHTTP() bool {
	return c.Kind != KindMailto
}

// LinkExtractor finds unsubscribe targets in a message
type LinkExtractor struct {
	keywords   *PhraseMatcher
	hrefRegex  *regexp.Regexp
	urlRegex   *regexp.Regexp
	htmlParser *HTMLParser
}

// NewLinkExtractor creates an extractor for the given keyword list
func NewLinkExtractor(keywords []string) *LinkExtractor {
	return &LinkExtractor{
		keywords:   NewPhraseMatcher(keywords),
		hrefRegex:  regexp.MustCompile(`(?i)(unsubscribe|unsub|opt[-_]?out|optout|remove|preferences|subscription|suppress)`),
		urlRegex:   regexp.MustCompile(`https?://[^\s<>"'()\[\]{}]+`),
		htmlParser: NewHTMLParser(),
	}
}

// Extract returns ranked candidates, highest priority first. An empty result is not an error.
func (e *LinkExtractor) Extract(msg *Message) []Candidate {
	var out []Candidate
	seen := make(map[string]bool)
	add := func(c Candidate) {
		key := strings.TrimRight(c.URL, "/")
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, c)
	}

	for _, c := range ParseListUnsubscribe(msg.ListUnsubscribe) {
		add(c)
	}
	for _, c := range e.fromAnchors(msg.HTML) {
		add(c)
	}

	text := msg.Text
	if text == "" {
		text = e.htmlParser.BodyText(msg)
	}
	for _, c := range e.fromText(text) {
		add(c)
	}

	return out
}

// ParseListUnsubscribe splits a List-Unsubscribe header into candidates,
// http(s) URIs before mailto URIs.
func ParseListUnsubscribe(header string) []Candidate {
	if strings.TrimSpace(header) == "" {
		return nil
	}

	var httpLinks, mailtoLinks []Candidate
	for _, uri := range headerURIs(header) {
		switch {
		case isMailto(uri):
			mailtoLinks = append(mailtoLinks, Candidate{URL: uri, Kind: KindMailto, Origin: OriginHeader})
		case IsHTTPURL(uri):
			httpLinks = append(httpLinks, Candidate{URL: uri, Kind: KindHeaderLink, Origin: OriginHeader})
		}
	}

	return append(httpLinks, mailtoLinks...)
}

// headerURIs returns the angle-bracketed URIs of a List-Unsubscribe value,
// so commas inside a URI do not split it. Values without brackets are split
// on commas.
func headerURIs(header string) []string {
	var uris []string
	if !strings.Contains(header, "<") {
		for _, part := range strings.Split(header, ",") {
			if uri := strings.TrimSpace(part); uri != "" {
				uris = append(uris, uri)
			}
		}
		return uris
	}

	rest := header
	for {
		start := strings.IndexByte(rest, '<')
		if start < 0 {
			return uris
		}
		end := strings.IndexByte(rest[start:], '>')
		if end < 0 {
			return uris
		}
		if uri := strings.TrimSpace(rest[start+1 : start+end]); uri != "" {
			uris = append(uris, uri)
		}
		rest = rest[start+end+1:]
	}
}

// fromAnchors ranks anchors whose text or title matches a keyword ahead of
// anchors whose href alone looks like an unsubscribe endpoint.
func (e *LinkExtractor) fromAnchors(html string) []Candidate {
	if html == "" {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var byText, byHref []Candidate
	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		label := strings.Join(strings.Fields(s.Text()), " ")
		title := s.AttrOr("title", "")
		if label == "" {
			label = s.Find("img").AttrOr("alt", "")
		}

		c := Candidate{URL: href, Kind: KindHTTPLink, Origin: OriginAnchor, Label: label}
		switch {
		case isMailto(href):
			c.Kind = KindMailto
		case !IsHTTPURL(href):
			return
		}

		if _, ok := e.keywords.Match(label + "\n" + title); ok {
			byText = append(byText, c)
			return
		}
		if c.Kind == KindHTTPLink && e.hrefRegex.MatchString(href) {
			byHref = append(byHref, c)
		}
	})

	return append(byText, byHref...)
}

// fromText picks URLs on the same line as an unsubscribe phrase or on the line after it
func (e *LinkExtractor) fromText(text string) []Candidate {
	if text == "" {
		return nil
	}

	var out []Candidate
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if _, ok := e.keywords.Match(line); !ok {
			continue
		}

		window := line
		if i+1 < len(lines) {
			window += "\n" + lines[i+1]
		}
		for _, raw := range e.urlRegex.FindAllString(window, -1) {
			link := strings.TrimRight(raw, ".,;:!?")
			if IsHTTPURL(link) {
				out = append(out, Candidate{URL: link, Kind: KindHTTPLink, Origin: OriginText, Label: strings.TrimSpace(line)})
			}
		}
	}
	return out
}

// IsHTTPURL reports whether s is an absolute http or https URL with a host
func IsHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isMailto(s string) bool {
	return strings.HasPrefix(strings.ToLower(s), "mailto:")
}
