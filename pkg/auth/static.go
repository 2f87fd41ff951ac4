package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// StaticTokenProvider maps bearer tokens from config to user IDs.
// Used for service accounts and local dev.
type StaticTokenProvider struct {
	tokens map[string]string // token -> user
}

// NewStaticTokenProvider creates a provider over a token table.
func NewStaticTokenProvider(tokens map[string]string) *StaticTokenProvider {
	t := make(map[string]string, len(tokens))
	for k, v := range tokens {
		t[k] = v
	}
	return &StaticTokenProvider{tokens: t}
}

func (p *StaticTokenProvider) Name() string { return "static" }

func (p *StaticTokenProvider) Authenticate(r *http.Request) (string, bool, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false, nil
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false, nil
	}
	token = strings.TrimSpace(token)
	for known, user := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return user, true, nil
		}
	}
	return "", false, errors.New("unknown bearer token")
}

// HeaderProvider trusts a user header set by an upstream gateway, e.g.
// X-Forwarded-User. Only enable it behind a proxy that strips the header
// from client requests.
type HeaderProvider struct {
	header string
}

// NewHeaderProvider creates a provider reading the named header.
func NewHeaderProvider(header string) *HeaderProvider {
	return &HeaderProvider{header: header}
}

func (p *HeaderProvider) Name() string { return "header" }

func (p *HeaderProvider) Authenticate(r *http.Request) (string, bool, error) {
	user := strings.TrimSpace(r.Header.Get(p.header))
	if user == "" {
		return "", false, nil
	}
	if len(user) > 256 || strings.ContainsAny(user, "\r\n\t") {
		return "", false, errors.New("malformed user header")
	}
	return user, true, nil
}
