package snapshot

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// htmlHintRE decides whether a body without an html content type should be
// treated as HTML. Plain text stays plain text unless it carries a common
// markup tag.
var htmlHintRE = regexp.MustCompile(
	`(?i)<\s*(?:p|div|br|span|a|ul|ol|li|pre|code|blockquote|table|tr|td|th|strong|em|b|i|u)\b`)

func hasHTMLHint(contentType, body string) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	return htmlHintRE.MatchString(body)
}

// newSanitizerPolicy builds the allowlist used for article bodies. Active
// content (script, iframe, event handlers, style) is dropped and hrefs are
// restricted to http, https and mailto.
func newSanitizerPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"a", "b", "blockquote", "br", "code", "div", "em",
		"h1", "h2", "h3", "h4", "h5", "h6", "hr", "i", "li", "ol",
		"p", "pre", "span", "strong",
		"table", "tbody", "td", "th", "thead", "tr", "u", "ul",
	)
	p.AllowAttrs("href", "title").OnElements("a")
	p.AllowAttrs("colspan", "rowspan").OnElements("td", "th")
	p.AllowURLSchemes("http", "https", "mailto")
	p.RequireParseableURLs(true)
	p.AllowRelativeURLs(true)
	return p
}

var blockBreakTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
}

var skipContentTags = map[string]bool{
	"script": true, "style": true,
}

// htmlToText derives the plain-text form used by the minimal template:
// newlines around block elements, script/style content dropped, blank lines
// collapsed. A parse failure yields "" so callers can fall back to the raw
// body.
func htmlToText(fragment string) string {
	nodes, err := html.ParseFragment(strings.NewReader(fragment), &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
	})
	if err != nil {
		return ""
	}

	var b strings.Builder
	for _, n := range nodes {
		collectText(n, &b)
	}
	return normalizeLines(b.String())
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode {
		if skipContentTags[n.Data] {
			return
		}
		if blockBreakTags[n.Data] {
			b.WriteByte('\n')
		}
	}
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
	if n.Type == html.ElementNode && n.Data != "br" && blockBreakTags[n.Data] {
		b.WriteByte('\n')
	}
}

func normalizeLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
