package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	claims map[string]any
}

func (f fakeToken) Claims(v interface{}) error {
	b, err := json.Marshal(f.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

type fakeVerifier struct {
	token VerifiedToken
	err   error
}

func (f fakeVerifier) Verify(ctx context.Context, rawIDToken string) (VerifiedToken, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func TestTenantMiddlewareMissingHeader(t *testing.T) {
	mw := TenantMiddleware(fakeVerifier{}, "", "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Missing or invalid Authorization header", body["error"])
}

func TestTenantMiddlewareInvalidToken(t *testing.T) {
	mw := TenantMiddleware(fakeVerifier{err: assert.AnError}, "", "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
	req.Header.Set("Authorization", "Bearer bad-token")
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTenantMiddlewareAttachesIdentity(t *testing.T) {
	mw := TenantMiddleware(fakeVerifier{token: fakeToken{claims: map[string]any{
		"tenant": "acme",
		"admin":  true,
	}}}, "", "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
	req.Header.Set("Authorization", "Bearer good-token")

	var gotIdentity Identity
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		require.True(t, ok)
		gotIdentity = id
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Identity{Tenant: "acme", Admin: true}, gotIdentity)
}

func TestTenantMiddlewareFallsBackToSub(t *testing.T) {
	mw := TenantMiddleware(fakeVerifier{token: fakeToken{claims: map[string]any{
		"sub": "user-123",
	}}}, "", "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
	req.Header.Set("Authorization", "Bearer good-token")

	var gotIdentity Identity
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFromContext(r.Context())
		gotIdentity = id
	})).ServeHTTP(rec, req)

	assert.Equal(t, Identity{Tenant: "user-123", Admin: false}, gotIdentity)
}

func TestTenantMiddlewareNoTenantClaim(t *testing.T) {
	mw := TenantMiddleware(fakeVerifier{token: fakeToken{claims: map[string]any{}}}, "", "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
