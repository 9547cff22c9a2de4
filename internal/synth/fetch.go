package synth

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/Rorqualx/mimicproxy/internal/types"
)

// byteBufferSnippet rebuilds the exact request bytes inside the page.
const byteBufferSnippet = `const binaryString = atob(%s);
const len = binaryString.length;
const bytes = new Uint8Array(len);
for (let i = 0; i < len; i++) {
  bytes[i] = binaryString.charCodeAt(i);
}
const body = bytes.buffer;`

// FetchPage returns a page whose script calls fetch() with the given method,
// headers, and body. The caller is expected to have removed headers the
// browser sets on its own.
func FetchPage(targetURL, method string, headers types.HeaderList, body []byte) string {
	contentType := strings.ToLower(headers.Get("Content-Type"))
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])

	snippet := ""
	if len(body) > 0 {
		switch {
		case mediaType == "application/json" && json.Valid(body):
			snippet = "const body = JSON.stringify(" + scriptSafeJSON(body) + ");"
		case (mediaType == "application/x-www-form-urlencoded" || mediaType == "text/plain" || mediaType == "application/json") &&
			utf8.Valid(body):
			snippet = "const body = " + jsString(string(body)) + ";"
		case mediaType == "multipart/form-data":
			// The browser must generate the header itself so the boundary matches.
			headers = headers.Without(map[string]struct{}{"content-type": {}})
			snippet = strings.Replace(byteBufferSnippet, "%s", jsString(base64.StdEncoding.EncodeToString(body)), 1)
		default:
			snippet = strings.Replace(byteBufferSnippet, "%s", jsString(base64.StdEncoding.EncodeToString(body)), 1)
		}
	}

	var script strings.Builder
	script.WriteString("\n<script>\n")
	if snippet != "" {
		script.WriteString(snippet)
		script.WriteString("\n")
	}
	script.WriteString("fetch(")
	script.WriteString(jsString(targetURL))
	script.WriteString(", ")
	script.WriteString(fetchOptions(method, headers, snippet != ""))
	script.WriteString(")\n  .then(res => console.log(res));\n</script>")

	return Template("", script.String())
}

// fetchOptions renders the RequestInit literal. Header order follows the
// request; a repeated name keeps its first position and its last value.
func fetchOptions(method string, headers types.HeaderList, hasBody bool) string {
	var b strings.Builder
	b.WriteString(`{"method":`)
	b.WriteString(jsString(method))

	if len(headers) > 0 {
		order := make([]string, 0, len(headers))
		values := make(map[string]string, len(headers))
		for _, h := range headers {
			if _, seen := values[h.Key]; !seen {
				order = append(order, h.Key)
			}
			values[h.Key] = h.Value
		}

		b.WriteString(`,"headers":{`)
		for i, key := range order {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(jsString(key))
			b.WriteString(":")
			b.WriteString(jsString(values[key]))
		}
		b.WriteString("}")
	}

	if hasBody {
		b.WriteString(`,"body":body`)
	}
	b.WriteString("}")
	return b.String()
}

// jsString encodes s as a JavaScript string literal that is safe inside a
// <script> element.
func jsString(s string) string {
	out, _ := json.Marshal(s)
	return string(out)
}

// scriptSafeJSON compacts a valid JSON document and escapes <, >, and & so
// it cannot terminate the surrounding <script> element.
func scriptSafeJSON(doc []byte) string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, doc); err != nil {
		compact.Reset()
		compact.Write(doc)
	}
	var escaped bytes.Buffer
	json.HTMLEscape(&escaped, compact.Bytes())
	return escaped.String()
}
