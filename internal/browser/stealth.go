package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

// ApplyStealth registers the go-rod/stealth evasions to run before any
// document script on page. It must be called before the first navigation.
func ApplyStealth(page *rod.Page) error {
	log.Debug().Msg("Applying stealth patches to page")

	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		return fmt.Errorf("register stealth script: %w", err)
	}
	return nil
}

// SetCookies stores cookies in the browser's default context through
// Storage.setCookies, so the next request to their URL carries them.
func (s *Session) SetCookies(ctx context.Context, cookies []*proto.NetworkCookieParam) error {
	if len(cookies) == 0 {
		return nil
	}
	if err := (proto.StorageSetCookies{Cookies: cookies}).Call(s.browser.Context(ctx)); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}
