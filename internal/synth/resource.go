package synth

import (
	"fmt"
	"strings"

	"github.com/Rorqualx/mimicproxy/internal/types"
)

// resourceTags maps a Sec-Fetch-Dest value to the construct that makes the
// browser fetch the resource with that destination. The URL is substituted
// per context: %[1]s is an HTML attribute value, %[2]s a quoted JS string
// literal and %[3]s a quoted CSS string. Each construct is chosen so the
// included resource cannot run script in the hosting page: sandboxed frames,
// preloads instead of <script src>, octet-stream typed embeds.
var resourceTags = map[string]string{
	"audio": `<audio src="%[1]s" autoplay></audio>`,
	"audioworklet": `<script>
  (async () => {
    const audio_context = new (window.AudioContext || window.webkitAudioContext)();
    await audio_context.audioWorklet.addModule(%[2]s);
  })();
  </script>`,
	"embed":       `<embed src="%[1]s" type="application/octet-stream">`,
	"fencedframe": `<iframe src="%[1]s" sandbox></iframe>`,
	"font": `<style>
  @font-face {
    font-family: 'LoadFont';
    src: url(%[3]s);
  }
  body { font-family: 'LoadFont'; }
  </style>
  <p>Font</p>`,
	"frame":    `<frameset><frame src="%[1]s" sandbox></frameset>`,
	"iframe":   `<iframe sandbox src="%[1]s"></iframe>`,
	"image":    `<img src="%[1]s" alt="image">`,
	"manifest": `<link rel="manifest" href="%[1]s">`,
	"object":   `<object data="%[1]s" type="application/octet-stream"></object>`,
	"paintworklet": `<script>
  if ('paintWorklet' in CSS) {
    CSS.paintWorklet.addModule(%[2]s);
  }
  </script>`,
	"script": `<link rel="preload" href="%[1]s" as="script">`,
	"serviceworker": `<script>
  navigator.serviceWorker.register(%[2]s);
  </script>`,
	"sharedworker": `<script>new SharedWorker(%[2]s);</script>`,
	"style":        `<link rel="stylesheet" href="%[1]s">`,
	"track": `<video controls>
    <source src="video.mp4" type="video/mp4">
    <track src="%[1]s" kind="subtitles" srclang="en" label="English">
  </video>`,
	"video":  `<video src="%[1]s" autoplay></video>`,
	"worker": `<script>new Worker(%[2]s);</script>`,
	"xslt": `<?xml version="1.0"?>
  <?xml-stylesheet type="text/xsl" href="%[1]s"?>
  <root><item>Load</item></root>`,
}

// ResourcePage returns a page that includes resourceURL as destination dest.
// Destinations without a safe construct (report, webidentity, anything
// unknown) fail with types.ErrUnsupportedDestination.
func ResourcePage(dest, resourceURL string) (string, error) {
	tag, ok := resourceTags[strings.ToLower(dest)]
	if !ok {
		return "", types.Errorf(types.KindUnsupportedDestination, "resource_page",
			"unknown or unsupported Sec-Fetch-Dest: %s", dest)
	}
	body := strings.NewReplacer(
		"%[1]s", EscapeHTML(resourceURL),
		"%[2]s", jsString(resourceURL),
		"%[3]s", cssString(resourceURL),
	).Replace(tag)
	return Template("", body), nil
}

// cssString quotes s as a CSS string. Quotes, backslashes, line breaks and
// angle brackets become hex escapes so the value cannot close the rule or
// the surrounding <style> element.
func cssString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\', '\n', '\r', '\f', '<', '>':
			fmt.Fprintf(&b, "\\%x ", r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
