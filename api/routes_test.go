package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoutedServer(t *testing.T) (*echo.Echo, *publishRig) {
	t.Helper()
	rig := newPublishRig(t)
	h := &Handlers{
		Auth:      rig.auth,
		Records:   rig.idx,
		Templates: rig.reg,
		Publisher: rig.pub,
		Health:    &Health{},
		DepthMax:  3,
	}
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler
	SetupRoutes(e, h)
	return e, rig
}

func do(e *echo.Echo, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestRoutesOptionalAuth(t *testing.T) {
	e, rig := newRoutedServer(t)

	// anonymous reads work
	rec := do(e, http.MethodGet, "/records", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rig.idx.lastQuery.OwnerKey)

	// a garbage token is rejected, never downgraded to anonymous
	rec = do(e, http.MethodGet, "/records", "", bearer("not-a-token"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthorized")

	// a real session widens visibility to the caller's own records
	reg, err := rig.auth.Register(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	rec = do(e, http.MethodGet, "/records", "", bearer(reg.AccessToken))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reg.User.PublicKey, rig.idx.lastQuery.OwnerKey)
}

func TestRoutesRequiredAuth(t *testing.T) {
	e, rig := newRoutedServer(t)

	// the middleware rejects the request before the handler runs
	rec := do(e, http.MethodPost, "/user/mnemonic", `{"password":"`+testPassword+`"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing or malformed jwt")

	reg, err := rig.auth.Register(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	rec = do(e, http.MethodPost, "/user/mnemonic", `{"password":"`+testPassword+`"}`,
		bearer(reg.AccessToken))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), reg.Mnemonic)
}

func TestRoutesPublishRoundTrip(t *testing.T) {
	e, rig := newRoutedServer(t)
	reg, err := rig.auth.Register(context.Background(), testEmail, testPassword)
	require.NoError(t, err)

	body := `{"data":{"post":{"title":"routed"}},"localId":"r1","password":"` + testPassword + `"}`
	rec := do(e, http.MethodPost, "/records", body, bearer(reg.AccessToken))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "did:gun:")

	// refusals come back in the error envelope with their taxonomy code
	rec = do(e, http.MethodPost, "/records", `{"data":{"mystery":{"x":1}}}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "template_missing")
}

func TestRoutesHealth(t *testing.T) {
	e, _ := newRoutedServer(t)

	rec := do(e, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRoutesRecordLookup(t *testing.T) {
	e, rig := newRoutedServer(t)
	rig.idx.add(publicRecord("did:gun:r:1"))

	rec := do(e, http.MethodGet, "/records/did:gun:r:1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "did:gun:r:1")

	rec = do(e, http.MethodGet, "/records/did:gun:r:2", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}
