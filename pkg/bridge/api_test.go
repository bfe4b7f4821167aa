package bridge_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airyland/ArConnect/pkg/audit"
	"github.com/airyland/ArConnect/pkg/bridge"
	"github.com/airyland/ArConnect/pkg/codec"
	"github.com/airyland/ArConnect/pkg/contracts"
	"github.com/airyland/ArConnect/pkg/kv"
	"github.com/airyland/ArConnect/pkg/router"
)

type resetCall struct {
	origin contracts.Origin
	limit  *string
}

type fakeBroker struct {
	resets       []resetCall
	enabled      map[contracts.Origin]bool
	disconnected []contracts.Origin
	err          error
}

func (f *fakeBroker) ResetOrRaise(_ context.Context, o contracts.Origin, limit *string) error {
	f.resets = append(f.resets, resetCall{o, limit})
	return f.err
}

func (f *fakeBroker) SetAllowanceEnabled(_ context.Context, o contracts.Origin, enabled bool) error {
	if f.enabled == nil {
		f.enabled = map[contracts.Origin]bool{}
	}
	f.enabled[o] = enabled
	return f.err
}

func (f *fakeBroker) Disconnect(_ context.Context, o contracts.Origin) error {
	if err := o.Validate(); err != nil {
		return err
	}
	f.disconnected = append(f.disconnected, o)
	return f.err
}

func (f *fakeBroker) Pending() []contracts.AuthRequest {
	return []contracts.AuthRequest{{CorrelationID: "c-1", Kind: contracts.AuthKindConnect, Origin: origin}}
}

type closer struct{ open bool }

func (c *closer) CloseCurrent() (string, bool) {
	if !c.open {
		return "", false
	}
	c.open = false
	return "c-1", true
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+bearer(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func problem(t *testing.T, rec *httptest.ResponseRecorder) bridge.ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p bridge.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestAllowanceEndpoint(t *testing.T) {
	fb := &fakeBroker{}
	h := newServer(router.New(tag), fb).Handler()

	rec := do(t, h, http.MethodPost, "/v1/allowance", map[string]any{"origin": origin, "limit": "2.5"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodPost, "/v1/allowance", map[string]any{"origin": origin})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	require.Len(t, fb.resets, 2)
	require.NotNil(t, fb.resets[0].limit)
	assert.Equal(t, "2.5", *fb.resets[0].limit)
	assert.Nil(t, fb.resets[1].limit)

	rec = do(t, h, http.MethodGet, "/v1/allowance", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/allowance", map[string]any{"limit": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_auth_call", problem(t, rec).Code)

	fb.err = fmt.Errorf("wrapped: %w", contracts.ErrStorageCorrupt)
	rec = do(t, h, http.MethodPost, "/v1/allowance", map[string]any{"origin": origin})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "storage_corrupt", problem(t, rec).Code)
}

func TestAllowanceEnabledEndpoint(t *testing.T) {
	fb := &fakeBroker{}
	h := newServer(router.New(tag), fb).Handler()

	rec := do(t, h, http.MethodPost, "/v1/allowance/enabled", map[string]any{"origin": origin, "enabled": false})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, map[contracts.Origin]bool{origin: false}, fb.enabled)

	rec = do(t, h, http.MethodPost, "/v1/allowance/enabled", map[string]any{"origin": origin})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPermissionsEndpoint(t *testing.T) {
	fb := &fakeBroker{}
	h := newServer(router.New(tag), fb).Handler()

	rec := do(t, h, http.MethodDelete, "/v1/permissions?origin=https://a.example", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []contracts.Origin{origin}, fb.disconnected)

	rec = do(t, h, http.MethodDelete, "/v1/permissions", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	p := problem(t, rec)
	assert.Equal(t, "/v1/permissions", p.Instance)
	assert.Equal(t, http.StatusBadRequest, p.Status)
}

func TestPendingAndCloseCurrent(t *testing.T) {
	c := &closer{open: true}
	h := newServer(router.New(tag), &fakeBroker{}, bridge.WithSurfaceCloser(c)).Handler()

	rec := do(t, h, http.MethodGet, "/v1/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending []contracts.AuthRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "c-1", pending[0].CorrelationID)

	rec = do(t, h, http.MethodDelete, "/v1/consent/current", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodDelete, "/v1/consent/current", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuditExportEndpoint(t *testing.T) {
	ctx := context.Background()
	log := audit.NewLog(kv.NewMemoryStore(), codec.JSON{})
	_, err := log.Record(ctx, contracts.AuthKindConnect, origin, contracts.Granted("c-1", contracts.ReasonGranted), 1)
	require.NoError(t, err)
	h := newServer(router.New(tag), &fakeBroker{}, bridge.WithExporter(log)).Handler()

	rec := do(t, h, http.MethodGet, "/v1/audit/export?origin=https://a.example", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Len(t, rec.Header().Get("X-Content-SHA256"), 64)

	now := time.Now().UTC()
	rec = do(t, h, http.MethodGet, fmt.Sprintf("/v1/audit/export?start=%s&end=%s",
		now.Format(time.RFC3339), now.Add(-time.Hour).Format(time.RFC3339)), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/audit/export?start=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPRateLimit(t *testing.T) {
	h := newServer(router.New(tag), &fakeBroker{}, bridge.WithLimiter(bridge.NewOriginLimiter(1, 1))).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/pending", nil).Code)
	rec := do(t, h, http.MethodGet, "/v1/pending", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestAPIRequiresAdminToken(t *testing.T) {
	fb := &fakeBroker{}
	h := newServer(router.New(tag), fb).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/pending", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer realm="weavemask"`, rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, http.StatusUnauthorized, problem(t, rec).Status)

	req = httptest.NewRequest(http.MethodGet, "/v1/pending", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/pending", nil)
	req.Header.Set("Authorization", "Bearer "+bearer(t, bridge.ScopeContent))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAllowanceRejectsSimpleCrossSiteForm(t *testing.T) {
	fb := &fakeBroker{}
	h := newServer(router.New(tag), fb).Handler()
	body := `{"origin":"https://evil.example","limit":"1000000"}`

	// What a web page can send without a preflight: no token, text/plain.
	req := httptest.NewRequest(http.MethodPost, "/v1/allowance", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Even with a token the body has to be declared as JSON.
	req = httptest.NewRequest(http.MethodPost, "/v1/allowance", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+bearer(t))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	assert.Empty(t, fb.resets)

	req = httptest.NewRequest(http.MethodPost, "/v1/allowance", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+bearer(t))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, fb.resets, 1)
}
