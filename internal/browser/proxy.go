package browser

import (
	"net/url"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// ProxyCredentials authenticate a launched browser against its upstream proxy.
// Chrome cannot take credentials in --proxy-server, so challenges are answered
// over the Fetch domain.
type ProxyCredentials struct {
	Username string
	Password string
}

// parseProxyCredentials returns the userinfo of proxyURL, or nil.
func parseProxyCredentials(proxyURL string) *ProxyCredentials {
	if proxyURL == "" {
		return nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil || u.User == nil || u.User.Username() == "" {
		return nil
	}
	password, _ := u.User.Password()
	return &ProxyCredentials{Username: u.User.Username(), Password: password}
}

// proxyServer returns proxyURL without credentials, as --proxy-server expects.
func proxyServer(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return proxyURL
	}
	u.User = nil
	return u.String()
}

// AnswerAuth responds to an auth challenge paused on page. Proxy challenges
// get the credentials; origin challenges are left to the browser's default.
func (c *ProxyCredentials) AnswerAuth(page *rod.Page, e *proto.FetchAuthRequired) error {
	resp := &proto.FetchAuthChallengeResponse{
		Response: proto.FetchAuthChallengeResponseResponseDefault,
	}
	if c != nil && e.AuthChallenge != nil && e.AuthChallenge.Source == proto.FetchAuthChallengeSourceProxy {
		log.Debug().Msg("Proxy authentication required, providing credentials")
		resp = &proto.FetchAuthChallengeResponse{
			Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
			Username: c.Username,
			Password: c.Password,
		}
	}
	return proto.FetchContinueWithAuth{
		RequestID:             e.RequestID,
		AuthChallengeResponse: resp,
	}.Call(page)
}
