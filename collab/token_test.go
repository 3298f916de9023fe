package collab

import (
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func mustParseUrl(t *testing.T, rawUrl string) *url.URL {
	u, err := url.Parse(rawUrl)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestAuthTokenJsonKeepsExtra(t *testing.T) {
	var token AuthToken
	err := json.Unmarshal([]byte(`{"url":"ws://a/ws","baseUrl":"ws://a","token":"x","region":"eu","ttl":60}`), &token)
	assert.Equal(t, err, nil)
	assert.Equal(t, token.Url, "ws://a/ws")
	assert.Equal(t, token.BaseUrl, "ws://a")
	assert.Equal(t, token.Token, "x")
	assert.Equal(t, len(token.Extra), 2)

	b, err := json.Marshal(&token)
	assert.Equal(t, err, nil)
	fields := map[string]any{}
	err = json.Unmarshal(b, &fields)
	assert.Equal(t, err, nil)
	assert.Equal(t, fields["region"], "eu")
	assert.Equal(t, fields["ttl"], float64(60))
	assert.Equal(t, fields["url"], "ws://a/ws")
}

func TestAuthTokenRewriteLoopback(t *testing.T) {
	token := &AuthToken{
		Url:     "ws://127.0.0.1:8080/doc/a/ws",
		BaseUrl: "ws://127.0.0.1:8080",
		Token:   "x",
	}

	rewritten, err := token.Rewrite(mustParseUrl(t, "http://localhost:3000/editor"))
	assert.Equal(t, err, nil)
	assert.Equal(t, rewritten.Url, "ws://localhost:8080/doc/a/ws")
	assert.Equal(t, rewritten.BaseUrl, "ws://localhost:8080")
	assert.Equal(t, rewritten.Token, "x")

	// the original is shared and must not change
	assert.Equal(t, token.Url, "ws://127.0.0.1:8080/doc/a/ws")

	rewritten, err = token.Rewrite(mustParseUrl(t, "http://[::1]:3000/"))
	assert.Equal(t, err, nil)
	assert.Equal(t, rewritten.Url, "ws://[::1]:8080/doc/a/ws")

	token = &AuthToken{
		Url: "ws://0.0.0.0/doc/a/ws",
	}
	rewritten, err = token.Rewrite(mustParseUrl(t, "http://localhost:3000/"))
	assert.Equal(t, err, nil)
	assert.Equal(t, rewritten.Url, "ws://localhost/doc/a/ws")
}

func TestAuthTokenRewriteKeepsRemoteHost(t *testing.T) {
	token := &AuthToken{
		Url: "ws://127.0.0.1:8080/doc/a/ws",
	}
	rewritten, err := token.Rewrite(mustParseUrl(t, "http://editor.example.com/"))
	assert.Equal(t, err, nil)
	assert.Equal(t, rewritten.Url, "ws://127.0.0.1:8080/doc/a/ws")

	token = &AuthToken{
		Url: "ws://collab.example.com/doc/a/ws",
	}
	rewritten, err = token.Rewrite(mustParseUrl(t, "http://localhost:3000/"))
	assert.Equal(t, err, nil)
	assert.Equal(t, rewritten.Url, "ws://collab.example.com/doc/a/ws")
}

func TestAuthTokenRewriteSecurePage(t *testing.T) {
	token := &AuthToken{
		Url:     "ws://collab.example.com/doc/a/ws",
		BaseUrl: "http://collab.example.com",
	}
	rewritten, err := token.Rewrite(mustParseUrl(t, "https://editor.example.com/"))
	assert.Equal(t, err, nil)
	assert.Equal(t, rewritten.Url, "wss://collab.example.com/doc/a/ws")
	assert.Equal(t, rewritten.BaseUrl, "https://collab.example.com")

	token = &AuthToken{
		Url: "wss://collab.example.com/doc/a/ws",
	}
	rewritten, err = token.Rewrite(mustParseUrl(t, "http://editor.example.com/"))
	assert.Equal(t, err, nil)
	assert.Equal(t, rewritten.Url, "wss://collab.example.com/doc/a/ws")
}

func TestAuthTokenClaims(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"doc_id": "doc-a",
		"exp":    expiresAt.Unix(),
	}).SignedString([]byte("secret"))
	assert.Equal(t, err, nil)

	token := &AuthToken{
		Token: signed,
	}
	claims, err := token.Claims()
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.DocId, "doc-a")
	assert.Equal(t, claims.ExpiresAt.Equal(expiresAt), true)

	token = &AuthToken{
		Token: "not a jwt",
	}
	_, err = token.Claims()
	assert.NotEqual(t, err, nil)
}
