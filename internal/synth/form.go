package synth

import (
	"net/url"
	"strings"

	"github.com/Rorqualx/mimicproxy/internal/types"
)

const submitButton = `<button id="clickme" type="submit">Click me!</button>`

// submitNormalizer makes an empty GET submission navigate to the bare action
// instead of "action?", matching what a browser sends for a parameterless
// link.
const submitNormalizer = `<script>
function submitForm(event) {
  const form = document.querySelector('form');
  const formData = new FormData(form);
  const hasParams = [...formData.keys()].length > 0;

  if (!hasParams) {
    event.preventDefault();
    window.location.href = form.action;
  }
}
</script>`

// requestSubmit goes through the submit event so the normalizer runs.
const autosubmitScript = `
<script>
document.querySelector('form').requestSubmit();
</script>
`

var formContentTypes = map[string]struct{}{
	"application/x-www-form-urlencoded": {},
	"multipart/form-data":               {},
	"text/plain":                        {},
}

type pair struct {
	key, value string
}

// FormPage returns a page with a single form reproducing a simple request.
// contentType may be empty for bodyless submissions.
func FormPage(targetURL, method, contentType string, body []byte, autosubmit bool) (string, error) {
	mediaType := ""
	if contentType != "" {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
		if _, ok := formContentTypes[mediaType]; !ok {
			return "", types.Errorf(types.KindUnknown, "form_page", "unsupported content-type for form: %s", contentType)
		}
	}

	formMethod := strings.ToUpper(method)
	if formMethod != "GET" && formMethod != "POST" {
		formMethod = "POST"
	}

	var fields []pair
	switch mediaType {
	case "application/x-www-form-urlencoded":
		fields = parseURLEncoded(string(body))
	case "text/plain":
		fields = parsePlainText(string(body))
	case "multipart/form-data":
		parsed, err := ParseMultipart(body, contentType)
		if err != nil {
			return "", err
		}
		for _, f := range parsed {
			if !f.File {
				fields = append(fields, pair{f.Name, string(f.Value)})
			}
		}
	}

	action := targetURL
	if formMethod == "GET" {
		base, query, _ := splitURL(targetURL)
		fields = mergeFields(parseURLEncoded(query), fields)
		// Browsers drop the fragment and replace the query on GET submission.
		action = base
	}

	var inputs strings.Builder
	for i, f := range fields {
		if i > 0 {
			inputs.WriteString("\n    ")
		}
		inputs.WriteString(`<input type="hidden" name="`)
		inputs.WriteString(EscapeHTML(f.key))
		inputs.WriteString(`" value="`)
		inputs.WriteString(EscapeHTML(f.value))
		inputs.WriteString(`">`)
	}

	enctype := ""
	if mediaType != "" {
		enctype = ` enctype="` + mediaType + `"`
	}

	var b strings.Builder
	b.WriteString(`<form action="`)
	b.WriteString(EscapeHTML(action))
	b.WriteString(`" method="`)
	b.WriteString(formMethod)
	b.WriteString(`"`)
	b.WriteString(enctype)
	b.WriteString(` onsubmit="submitForm(event)">`)
	b.WriteString("\n    ")
	b.WriteString(inputs.String())
	b.WriteString("\n    ")
	b.WriteString(submitButton)
	b.WriteString("\n  </form>\n")
	b.WriteString(submitNormalizer)
	if autosubmit {
		b.WriteString(autosubmitScript)
	}

	return Template("", b.String()), nil
}

// FileFormPage returns a multipart POST form whose file inputs are left
// empty for the automation layer to populate.
func FileFormPage(targetURL string, fields []FormField) string {
	elements := make([]string, 0, len(fields))
	for _, f := range fields {
		name := `name="` + EscapeHTML(f.Name) + `"`
		if f.File {
			elements = append(elements, `<input type="file" `+name+`>`)
			continue
		}
		elements = append(elements, `<input type="text" `+name+` value="`+EscapeHTML(string(f.Value))+`">`)
	}

	body := `<form method="POST" action="` + EscapeHTML(targetURL) + `" enctype="multipart/form-data">` +
		"\n  " + strings.Join(elements, "\n  ") + "\n" + submitButton + `</form>`
	return Template("", body)
}

// parseURLEncoded splits an application/x-www-form-urlencoded string into
// pairs, keeping duplicates and their order. Undecodable escapes are kept
// verbatim.
func parseURLEncoded(s string) []pair {
	var out []pair
	for _, segment := range strings.Split(s, "&") {
		if segment == "" {
			continue
		}
		key, value, _ := strings.Cut(segment, "=")
		out = append(out, pair{unescapeLoose(key), unescapeLoose(value)})
	}
	return out
}

func unescapeLoose(s string) string {
	if decoded, err := url.QueryUnescape(s); err == nil {
		return decoded
	}
	return strings.ReplaceAll(s, "+", " ")
}

// parsePlainText reads the newline-delimited key=value encoding browsers
// use for enctype="text/plain".
func parsePlainText(s string) []pair {
	var out []pair
	for _, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, _ := strings.Cut(line, "=")
		out = append(out, pair{key, value})
	}
	return out
}

// mergeFields collapses query pairs to one per key (last value wins), then
// overlays body pairs in place or appends them.
func mergeFields(query, body []pair) []pair {
	var merged []pair
	index := make(map[string]int)
	set := func(p pair) {
		if i, ok := index[p.key]; ok {
			merged[i].value = p.value
			return
		}
		index[p.key] = len(merged)
		merged = append(merged, p)
	}
	for _, p := range query {
		set(p)
	}
	for _, p := range body {
		set(p)
	}
	return merged
}
