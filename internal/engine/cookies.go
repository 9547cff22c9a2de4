package engine

import (
	"strings"

	"github.com/go-rod/rod/lib/proto"
)

// Cookie is one name=value pair from a Cookie request header.
type Cookie struct {
	Name  string
	Value string
}

// ParseCookies splits a Cookie header into pairs in the order they appear.
// Values are kept raw: no unquoting or percent-decoding. A pair without "="
// is a name with an empty value; empty segments are skipped.
func ParseCookies(header string) []Cookie {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	var out []Cookie
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, Cookie{Name: name, Value: strings.TrimSpace(value)})
	}
	return out
}

// cookieParams scopes cookies to targetURL for Storage.setCookies.
func cookieParams(cookies []Cookie, targetURL string) []*proto.NetworkCookieParam {
	if len(cookies) == 0 {
		return nil
	}
	out := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &proto.NetworkCookieParam{
			Name:  c.Name,
			Value: c.Value,
			URL:   targetURL,
		})
	}
	return out
}
