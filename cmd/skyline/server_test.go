package main

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylinehq/skyline/auth"
	"github.com/skylinehq/skyline/identity"
	"github.com/skylinehq/skyline/oauth"
	"github.com/skylinehq/skyline/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	oauthClient, err := oauth.NewClient(oauth.ClientArgs{
		ClientId:    "http://localhost?redirect_uri=http%3A%2F%2F127.0.0.1%3A8080%2Foauth%2Fcallback",
		RedirectUri: "http://127.0.0.1:8080/oauth/callback",
	})
	require.NoError(t, err)

	resolver := identity.NewResolver(identity.ResolverArgs{})

	svc, err := auth.NewService(auth.ServiceArgs{
		Client:   oauthClient,
		Resolver: resolver,
		States:   store.NewStateStore(db),
		Sessions: store.NewSessionStore(db),
	})
	require.NoError(t, err)

	return &Server{
		e:         echo.New(),
		svc:       svc,
		resolver:  resolver,
		publicUrl: "http://127.0.0.1:8080",
		clientId:  "http://localhost?redirect_uri=http%3A%2F%2F127.0.0.1%3A8080%2Foauth%2Fcallback",
	}
}

func doRequest(s *Server, req *http.Request, handler echo.HandlerFunc) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	c := s.e.NewContext(req, rec)

	// wrap with the session middleware so cookie handling works
	h := session.Middleware(sessions.NewCookieStore([]byte("test-secret")))(handler)
	_ = h(c)

	return rec
}

func TestIndexAnonymous(t *testing.T) {
	assert := assert.New(t)
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := doRequest(s, req, s.handleIndex)

	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), `"loggedIn":false`)
}

func TestLoginSubmitEmptyHandle(t *testing.T) {
	assert := assert.New(t)
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := doRequest(s, req, s.handleLoginSubmit)

	assert.Equal(http.StatusFound, rec.Code)
	assert.Equal("/login?e=handle-empty", rec.Header().Get("Location"))
}

func TestOauthLoginMissingHandle(t *testing.T) {
	assert := assert.New(t)
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth/login", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := doRequest(s, req, s.handleOauthLogin)

	assert.Equal(http.StatusBadRequest, rec.Code)
	assert.Contains(rec.Body.String(), "no handle provided")
}

func TestCallbackMissingParamsRedirectsToLogin(t *testing.T) {
	assert := assert.New(t)
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback", nil)
	rec := doRequest(s, req, s.handleCallback)

	assert.Equal(http.StatusFound, rec.Code)
	assert.Equal("/login?e=callback-params", rec.Header().Get("Location"))
}

func TestCallbackUnknownStateRedirectsToLogin(t *testing.T) {
	assert := assert.New(t)
	s := newTestServer(t)

	q := url.Values{"code": {"code-1"}, "state": {"never-issued"}}
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?"+q.Encode(), nil)
	rec := doRequest(s, req, s.handleCallback)

	assert.Equal(http.StatusFound, rec.Code)
	assert.Equal("/login?e=callback-failed", rec.Header().Get("Location"))
}

func TestLogout(t *testing.T) {
	assert := assert.New(t)
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth/logout", nil)
	rec := doRequest(s, req, s.handleLogout)

	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), `"success":true`)

	// the cookie must be expired on the response
	var cleared bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == cookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(cleared)
}

func TestClientMetadataDevMode(t *testing.T) {
	assert := assert.New(t)
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/client-metadata.json", nil)
	rec := doRequest(s, req, s.handleClientMetadata)

	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), `"token_endpoint_auth_method":"none"`)
	assert.Contains(rec.Body.String(), `"dpop_bound_access_tokens":true`)

	// no key configured means no jwks document
	req = httptest.NewRequest(http.MethodGet, "/jwks.json", nil)
	rec = doRequest(s, req, s.handleJwks)
	assert.Equal(http.StatusNotFound, rec.Code)
}

func TestDashboardAnonymousRedirects(t *testing.T) {
	assert := assert.New(t)
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec := doRequest(s, req, s.handleDashboard)

	assert.Equal(http.StatusFound, rec.Code)
	assert.Equal("/login", rec.Header().Get("Location"))
}
