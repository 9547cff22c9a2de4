// Package synth builds the minimal HTML pages that make a browser issue one
// specific outbound request. Every function is pure.
package synth

import (
	"encoding/base64"
	"net/url"
	"strings"
)

const (
	headMarker = "{{HEAD}}"
	bodyMarker = "{{BODY}}"
)

// pageTemplate is the fixed skeleton every synthetic page is rendered into.
// The inline icon stops the browser from requesting /favicon.ico.
const pageTemplate = `
<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<link rel="icon" href="data:;base64,iVBORw0KGgo=">
` + headMarker + `
</head>
<body>
` + bodyMarker + `
</body>
</html>
`

// Page is a synthesized document plus how it must be delivered.
type Page struct {
	HTML string
	// ServeBasePage is true when the document is substituted for the first
	// request to a real hosting URL, false when it is loaded as a data document.
	ServeBasePage bool
}

// Template renders head and body content into the page skeleton.
func Template(head, body string) string {
	return strings.Replace(strings.Replace(pageTemplate, bodyMarker, body, 1), headMarker, head, 1)
}

// Blank returns the neutral page substituted for captured responses.
func Blank() string {
	return Template("", "")
}

// DataURL returns an inline data document URL carrying html.
func DataURL(html string) string {
	return "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(html))
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	`"`, "&quot;",
	"'", "&#39;",
	"<", "&lt;",
	">", "&gt;",
)

// EscapeHTML escapes text for use in element content and quoted attributes.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

// AppendQueryParam appends k=v to rawURL without touching the order or
// encoding of the existing query. The fragment is preserved.
func AppendQueryParam(rawURL, key, value string) string {
	base, query, fragment := splitURL(rawURL)
	param := escapeComponent(key) + "=" + escapeComponent(value)

	out := base + "?"
	if query != "" {
		out += query + "&"
	}
	out += param
	return out + fragment
}

// RemoveQueryParam drops every pair named key, keeping the remaining pairs
// in their original order and encoding.
func RemoveQueryParam(rawURL, key string) string {
	base, query, fragment := splitURL(rawURL)
	if query == "" {
		return rawURL
	}

	kept := make([]string, 0, strings.Count(query, "&")+1)
	for _, pair := range strings.Split(query, "&") {
		name, _, _ := strings.Cut(pair, "=")
		if decoded, err := url.QueryUnescape(name); err == nil {
			name = decoded
		}
		if name == key {
			continue
		}
		kept = append(kept, pair)
	}

	out := base
	if len(kept) > 0 {
		out += "?" + strings.Join(kept, "&")
	}
	return out + fragment
}

// escapeComponent percent-encodes s the way browsers encode a URI component,
// with spaces as %20 rather than '+'.
func escapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// splitURL splits at the first '?' and the first '#' without decoding.
// The fragment keeps its leading '#'.
func splitURL(rawURL string) (base, query, fragment string) {
	rest := rawURL
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		fragment = rest[i:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		query = rest[i+1:]
		rest = rest[:i]
	}
	return rest, query, fragment
}
