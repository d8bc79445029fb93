// Package auth authenticates API bearer tokens and checks their scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the API.
const (
	ScopeAll      = "*"
	ScopeRunsRead = "runs:ro"
	ScopeRunsRW   = "runs:rw"
	ScopeEvents   = "events:ro"
)

// implied lists the scopes a scope grants on top of itself.
var implied = map[string][]string{
	ScopeRunsRW: {ScopeRunsRead},
}

// ValidScope reports whether s is a recognised scope.
func ValidScope(s string) bool {
	switch strings.TrimSpace(s) {
	case ScopeAll, ScopeRunsRead, ScopeRunsRW, ScopeEvents:
		return true
	}
	return false
}

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// ScopeSet is the expanded set of scopes held by a principal.
type ScopeSet map[string]struct{}

// NewScopeSet trims, drops blanks and adds implied scopes.
func NewScopeSet(scopes ...string) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		set[s] = struct{}{}
		for _, extra := range implied[s] {
			set[extra] = struct{}{}
		}
	}
	return set
}

// Allows reports whether the set holds any of required. An empty
// requirement always passes; "*" passes everything.
func (s ScopeSet) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := s[ScopeAll]; ok {
		return true
	}
	for _, r := range required {
		if _, ok := s[r]; ok {
			return true
		}
	}
	return false
}

// Principal is an authenticated caller.
type Principal struct {
	Token  string
	Scopes ScopeSet
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken reads the token from the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errors.New("invalid Authorization header format")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

type credential struct {
	token  []byte
	scopes ScopeSet
}

// Authenticator matches bearer tokens against the configured credentials.
type Authenticator struct {
	creds []credential
}

// NewAuthenticator builds an Authenticator. A non-empty legacyAPIKey grants
// every scope. Tokens with an empty value are ignored.
func NewAuthenticator(legacyAPIKey string, tokens []TokenConfig) *Authenticator {
	a := &Authenticator{}
	if legacyAPIKey != "" {
		a.creds = append(a.creds, credential{token: []byte(legacyAPIKey), scopes: NewScopeSet(ScopeAll)})
	}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		a.creds = append(a.creds, credential{token: []byte(t.Token), scopes: NewScopeSet(t.Scopes...)})
	}
	return a
}

// Authenticate returns the principal owning presented. Comparison is
// constant time per credential.
func (a *Authenticator) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	p := []byte(presented)
	for _, c := range a.creds {
		if subtle.ConstantTimeCompare(p, c.token) == 1 {
			return Principal{Token: presented, Scopes: c.scopes}, true
		}
	}
	return Principal{}, false
}

// Middleware rejects requests without a known bearer token and stores the
// principal in the request context. deny writes the error response.
func (a *Authenticator) Middleware(deny func(w http.ResponseWriter, status int, msg string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ExtractBearerToken(r)
			if err != nil {
				deny(w, http.StatusUnauthorized, err.Error())
				return
			}
			principal, ok := a.Authenticate(token)
			if !ok {
				deny(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireScopes lets a request through when its principal holds any of
// scopes.
func RequireScopes(deny func(w http.ResponseWriter, status int, msg string), scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := PrincipalFromContext(r.Context())
			if !principal.Scopes.Allows(scopes...) {
				deny(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
