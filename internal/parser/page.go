package parser

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// RefAttr is the attribute a browser session stamps on interactive elements
const RefAttr = "data-sweep-ref"

const (
	maxElements  = 10
	maxTextRunes = 3000
)

// Element is an interactive element the planner may act on
type Element struct {
	Ref         string   `json:"ref"`
	Tag         string   `json:"tag"`
	Type        string   `json:"type,omitempty"`
	Text        string   `json:"text,omitempty"`
	Name        string   `json:"name,omitempty"`
	Href        string   `json:"href,omitempty"`
	Value       string   `json:"value,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Checked     bool     `json:"checked,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// Form describes a form element
type Form struct {
	Ref    string `json:"ref"`
	Action string `json:"action,omitempty"`
	Method string `json:"method,omitempty"`
}

// PageDescription is the structural view of a loaded page
type PageDescription struct {
	URL     string    `json:"url"`
	Title   string    `json:"title"`
	Text    string    `json:"text"`
	Links   []Element `json:"links,omitempty"`
	Buttons []Element `json:"buttons,omitempty"`
	Inputs  []Element `json:"inputs,omitempty"`
	Selects []Element `json:"selects,omitempty"`
	Forms   []Form    `json:"forms,omitempty"`
}

// RefSelector returns the CSS selector addressing an element reference
func RefSelector(ref string) string {
	return fmt.Sprintf(`[%s="%s"]`, RefAttr, strings.ReplaceAll(ref, `"`, ``))
}

// PageDescriber builds page descriptions from rendered HTML
type PageDescriber struct {
	htmlParser *HTMLParser
	keywords   *PhraseMatcher
}

// NewPageDescriber creates a describer; elements matching keywords are listed first
func NewPageDescriber(keywords []string) *PageDescriber {
	return &PageDescriber{
		htmlParser: NewHTMLParser(),
		keywords:   NewPhraseMatcher(keywords),
	}
}

// Describe parses rendered HTML. Only elements carrying RefAttr are listed.
func (d *PageDescriber) Describe(pageURL, title, html string) (*PageDescription, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	page := &PageDescription{URL: pageURL, Title: strings.TrimSpace(title)}

	doc.Find("a[" + RefAttr + "]").Each(func(i int, s *goquery.Selection) {
		page.Links = append(page.Links, d.element(s, "a"))
	})
	doc.Find("button[" + RefAttr + "], input[" + RefAttr + "], [role=button][" + RefAttr + "]").Each(func(i int, s *goquery.Selection) {
		tag := goquery.NodeName(s)
		typ := strings.ToLower(s.AttrOr("type", ""))
		if tag == "input" {
			switch typ {
			case "submit", "button", "image", "reset":
				page.Buttons = append(page.Buttons, d.element(s, tag))
			case "hidden":
			default:
				page.Inputs = append(page.Inputs, d.element(s, tag))
			}
			return
		}
		page.Buttons = append(page.Buttons, d.element(s, tag))
	})
	doc.Find("textarea[" + RefAttr + "]").Each(func(i int, s *goquery.Selection) {
		page.Inputs = append(page.Inputs, d.element(s, "textarea"))
	})
	doc.Find("select[" + RefAttr + "]").Each(func(i int, s *goquery.Selection) {
		el := d.element(s, "select")
		s.Find("option").Each(func(i int, o *goquery.Selection) {
			el.Options = append(el.Options, strings.TrimSpace(o.AttrOr("value", o.Text())))
		})
		page.Selects = append(page.Selects, el)
	})
	doc.Find("form[" + RefAttr + "]").Each(func(i int, s *goquery.Selection) {
		if len(page.Forms) >= maxElements {
			return
		}
		page.Forms = append(page.Forms, Form{
			Ref:    s.AttrOr(RefAttr, ""),
			Action: s.AttrOr("action", ""),
			Method: strings.ToUpper(s.AttrOr("method", "GET")),
		})
	})

	page.Links = d.rank(page.Links)
	page.Buttons = d.rank(page.Buttons)
	page.Inputs = d.rank(page.Inputs)
	page.Selects = d.rank(page.Selects)

	// Text flattening mutates the document, so it runs last
	page.Text = Truncate(d.htmlParser.Text(doc), maxTextRunes)
	return page, nil
}

func (d *PageDescriber) element(s *goquery.Selection, tag string) Element {
	text := strings.Join(strings.Fields(s.Text()), " ")
	if text == "" {
		text = s.AttrOr("aria-label", s.AttrOr("title", ""))
	}
	if text == "" && tag == "input" {
		text = s.AttrOr("value", "")
	}

	_, checked := s.Attr("checked")
	return Element{
		Ref:         s.AttrOr(RefAttr, ""),
		Tag:         tag,
		Type:        strings.ToLower(s.AttrOr("type", "")),
		Text:        Truncate(text, 120),
		Name:        s.AttrOr("name", s.AttrOr("id", "")),
		Href:        s.AttrOr("href", ""),
		Value:       Truncate(s.AttrOr("value", ""), 120),
		Placeholder: s.AttrOr("placeholder", ""),
		Checked:     checked,
	}
}

// rank moves keyword-matching elements to the front and caps the list
func (d *PageDescriber) rank(elements []Element) []Element {
	sort.SliceStable(elements, func(i, j int) bool {
		return d.matches(elements[i]) && !d.matches(elements[j])
	})
	if len(elements) > maxElements {
		elements = elements[:maxElements]
	}
	return elements
}

func (d *PageDescriber) matches(el Element) bool {
	_, ok := d.keywords.Match(el.Text + "\n" + el.Name + "\n" + el.Href)
	return ok
}
