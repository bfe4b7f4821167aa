package bridge

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenAuth_IssueValidate(t *testing.T) {
	a := NewTokenAuthWithKey([]byte("0123456789abcdef0123456789abcdef"), "weavemask_test", 0)

	token, err := a.Issue("extension", ScopeContent, ScopeAdmin)
	require.NoError(t, err)

	claims, err := a.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "extension", claims.Subject)
	assert.True(t, claims.Has(ScopeContent))
	assert.True(t, claims.Has(ScopeAdmin))
	assert.False(t, claims.Has(ScopePopup))
	assert.Nil(t, claims.ExpiresAt)
}

func TestTokenAuth_RejectsForeignTokens(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	a := NewTokenAuthWithKey(key, "weavemask_test", 0)

	otherKey, err := NewTokenAuthWithKey([]byte("fedcba9876543210fedcba9876543210"), "weavemask_test", 0).Issue("extension", ScopeAdmin)
	require.NoError(t, err)
	_, err = a.Validate(otherKey)
	assert.Error(t, err)

	otherTag, err := NewTokenAuthWithKey(key, "someone_else", 0).Issue("extension", ScopeAdmin)
	require.NoError(t, err)
	_, err = a.Validate(otherTag)
	assert.Error(t, err)

	noSubject, err := a.Issue("", ScopeAdmin)
	require.NoError(t, err)
	_, err = a.Validate(noSubject)
	assert.Error(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer, Subject: "extension", Audience: jwt.ClaimStrings{"weavemask_test"}},
		Scopes:           []string{ScopeAdmin},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.Validate(unsigned)
	assert.Error(t, err)
}

func TestTokenAuth_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewTokenAuthWithKey([]byte("0123456789abcdef0123456789abcdef"), "weavemask_test", time.Hour)
	a.now = func() time.Time { return now }

	token, err := a.Issue("extension", ScopeContent)
	require.NoError(t, err)
	_, err = a.Validate(token)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = a.Validate(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/content", nil)
	_, ok := bearerToken(r)
	assert.False(t, ok)

	r.Header.Set("Authorization", "Bearer abc")
	tok, ok := bearerToken(r)
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	r.Header.Set("Authorization", "Token abc")
	_, ok = bearerToken(r)
	assert.False(t, ok)

	r = httptest.NewRequest(http.MethodGet, "/content", nil)
	r.Header.Set("Sec-WebSocket-Protocol", BearerProtocol+", xyz")
	tok, ok = bearerToken(r)
	assert.True(t, ok)
	assert.Equal(t, "xyz", tok)

	r.Header.Set("Sec-WebSocket-Protocol", BearerProtocol)
	_, ok = bearerToken(r)
	assert.False(t, ok)
}

func TestExtensionOrigin(t *testing.T) {
	for origin, want := range map[string]bool{
		"":                                    true,
		"chrome-extension://abcdefghijklmnop": true,
		"moz-extension://0f1e2d3c-aaaa":       true,
		"chrome-extension://":                 false,
		"https://evil.example":                false,
		"http://localhost:7420":               false,
		"null":                                false,
	} {
		r := httptest.NewRequest(http.MethodGet, "/content", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		assert.Equal(t, want, extensionOrigin(r), origin)
	}
}
