package collab

import (
	"encoding/json"
	"net"
	"net/url"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/exp/maps"
)

// AuthToken is the server's answer to an auth request. Fields this package
// does not interpret are kept in `Extra` and survive a JSON round trip.
type AuthToken struct {
	Url     string
	BaseUrl string
	Token   string
	Extra   map[string]json.RawMessage
}

func (self *AuthToken) UnmarshalJSON(b []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	take := func(name string, value *string) error {
		raw, ok := fields[name]
		if !ok {
			return nil
		}
		delete(fields, name)
		return json.Unmarshal(raw, value)
	}
	if err := take("url", &self.Url); err != nil {
		return err
	}
	if err := take("baseUrl", &self.BaseUrl); err != nil {
		return err
	}
	if err := take("token", &self.Token); err != nil {
		return err
	}
	self.Extra = fields
	return nil
}

func (self *AuthToken) MarshalJSON() ([]byte, error) {
	fields := map[string]any{}
	for name, raw := range self.Extra {
		fields[name] = raw
	}
	fields["url"] = self.Url
	fields["baseUrl"] = self.BaseUrl
	if self.Token != "" {
		fields["token"] = self.Token
	}
	return json.Marshal(fields)
}

// Rewrite returns a copy of the token with its urls adjusted for `page`:
// a loopback host is replaced with the page's host when the page is also on
// loopback, and ws/http are upgraded to wss/https when the page is secure.
func (self *AuthToken) Rewrite(page *url.URL) (*AuthToken, error) {
	rewriteUrl, err := rewriteTokenUrl(self.Url, page)
	if err != nil {
		return nil, err
	}
	rewriteBaseUrl, err := rewriteTokenUrl(self.BaseUrl, page)
	if err != nil {
		return nil, err
	}
	return &AuthToken{
		Url:     rewriteUrl,
		BaseUrl: rewriteBaseUrl,
		Token:   self.Token,
		Extra:   maps.Clone(self.Extra),
	}, nil
}

func rewriteTokenUrl(rawUrl string, page *url.URL) (string, error) {
	if rawUrl == "" {
		return rawUrl, nil
	}
	u, err := url.Parse(rawUrl)
	if err != nil {
		return "", err
	}

	pageHostname := page.Hostname()
	if isLoopbackHostname(u.Hostname()) && isLoopbackHostname(pageHostname) && u.Hostname() != pageHostname {
		if port := u.Port(); port != "" {
			u.Host = net.JoinHostPort(pageHostname, port)
		} else if strings.Contains(pageHostname, ":") {
			u.Host = "[" + pageHostname + "]"
		} else {
			u.Host = pageHostname
		}
	}

	if page.Scheme == "https" {
		switch u.Scheme {
		case "ws":
			u.Scheme = "wss"
		case "http":
			u.Scheme = "https"
		}
	}

	return u.String(), nil
}

func isLoopbackHostname(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	return false
}

type TokenClaims struct {
	DocId     string
	ExpiresAt time.Time
}

// the claims are read without verification. The server verifies the token on dial.
func (self *AuthToken) Claims() (*TokenClaims, error) {
	parser := gojwt.NewParser()
	claims := gojwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(self.Token, claims); err != nil {
		return nil, err
	}

	tokenClaims := &TokenClaims{}
	if docId, ok := claims["doc_id"].(string); ok {
		tokenClaims.DocId = docId
	}
	expiresAt, err := claims.GetExpirationTime()
	if err != nil {
		return nil, err
	}
	if expiresAt != nil {
		tokenClaims.ExpiresAt = expiresAt.Time
	}
	return tokenClaims, nil
}
