// Package auth validates the websocket handshake and resolves the user
// identity behind a connection. The engine treats the identity as opaque.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrRejected = errors.New("auth rejected")

// Authenticator checks a handshake request and returns the user id it
// belongs to.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// StaticTokens maps bearer tokens to user ids, loaded from configuration.
// Tokens come from the Authorization header or, for browser websocket
// clients that cannot set headers, the token query parameter.
type StaticTokens struct {
	tokens map[string]string
}

func NewStaticTokens(tokens map[string]string) *StaticTokens {
	return &StaticTokens{tokens: tokens}
}

func (s *StaticTokens) Authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		return "", ErrRejected
	}
	user, ok := s.tokens[token]
	if !ok {
		return "", ErrRejected
	}
	return user, nil
}

// AllowAll accepts every handshake and derives the user id from the user
// query parameter. Dev mode only.
type AllowAll struct{}

func (AllowAll) Authenticate(r *http.Request) (string, error) {
	user := r.URL.Query().Get("user")
	if user == "" {
		user = "anonymous"
	}
	return user, nil
}

// ParseTokenMap parses "token1=alice,token2=bob" from the environment.
func ParseTokenMap(s string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
