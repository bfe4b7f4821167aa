package bridge

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token scopes. A content relay only needs ScopeContent; the extension's
// own pages get ScopePopup and ScopeAdmin.
const (
	ScopeContent = "content"
	ScopePopup   = "popup"
	ScopeAdmin   = "admin"
)

// BearerProtocol is the websocket subprotocol that carries a bearer token
// from browsers, which cannot set headers on a websocket handshake:
// new WebSocket(url, [BearerProtocol, token]).
const BearerProtocol = "weavemask.bearer"

const tokenIssuer = "weavemask"

// Claims are the JWT claims the bridge accepts.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// Has reports whether the token carries scope.
func (c *Claims) Has(scope string) bool { return slices.Contains(c.Scopes, scope) }

// TokenAuth issues and checks the HS256 tokens extension contexts present to
// the bridge. The signing key lives only in this process unless one is
// supplied, so a restart invalidates every token issued before it.
type TokenAuth struct {
	key      []byte
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenAuth creates an authenticator with a fresh random key. Tokens are
// bound to audience (the extension tag); ttl 0 means they never expire.
func NewTokenAuth(audience string, ttl time.Duration) *TokenAuth {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return NewTokenAuthWithKey(key, audience, ttl)
}

// NewTokenAuthWithKey creates an authenticator over a caller-provided key.
func NewTokenAuthWithKey(key []byte, audience string, ttl time.Duration) *TokenAuth {
	return &TokenAuth{key: key, audience: audience, ttl: ttl, now: time.Now}
}

// Issue signs a token for subject with the given scopes.
func (a *TokenAuth) Issue(subject string, scopes ...string) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			Subject:  subject,
			Audience: jwt.ClaimStrings{a.audience},
			IssuedAt: jwt.NewNumericDate(now),
		},
		Scopes: scopes,
	}
	if a.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
}

// Validate parses and checks a token string.
func (a *TokenAuth) Validate(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(a.audience),
		jwt.WithTimeFunc(a.now),
	}
	if a.ttl > 0 {
		opts = append(opts, jwt.WithExpirationRequired())
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) { return a.key, nil }, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	return claims, nil
}

// bearerToken extracts the token from the Authorization header or, on a
// websocket handshake, from the subprotocol list.
func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || scheme != "Bearer" || token == "" {
			return "", false
		}
		return token, true
	}
	protos := websocketProtocols(r)
	for i, p := range protos {
		if p == BearerProtocol && i+1 < len(protos) {
			return protos[i+1], true
		}
	}
	return "", false
}

func websocketProtocols(r *http.Request) []string {
	var out []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Require wraps next so it only runs for requests bearing a valid token
// with scope. A nil authenticator rejects everything.
func (a *TokenAuth) Require(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearerToken(r)
		if !ok {
			WriteUnauthorized(w, r, "Missing or malformed bearer token")
			return
		}
		if a == nil {
			WriteUnauthorized(w, r, "Authentication not configured")
			return
		}
		claims, err := a.Validate(tokenStr)
		if err != nil {
			WriteUnauthorized(w, r, "Invalid or expired token")
			return
		}
		if !claims.Has(scope) {
			WriteForbidden(w, r, fmt.Sprintf("token lacks the %q scope", scope))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extensionOrigin admits websocket handshakes from extension pages and from
// non-browser clients, which send no Origin header.
func extensionOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "chrome-extension", "moz-extension":
		return u.Host != ""
	default:
		return false
	}
}
