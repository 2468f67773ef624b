package main

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
)

type loginRequest struct {
	Handle string `json:"handle"`
}

// handleLoginSubmit is the form variant: posts a handle, gets redirected to
// the authorization server.
func (s *Server) handleLoginSubmit(e echo.Context) error {
	handle := e.FormValue("handle")
	if handle == "" {
		return e.Redirect(302, "/login?e=handle-empty")
	}

	authUrl, err := s.svc.Authorize(e.Request().Context(), handle)
	if err != nil {
		slog.Error("could not authorize handle", "handle", handle, "err", err)
		return e.Redirect(302, "/login?e=handle-invalid")
	}

	return e.Redirect(302, authUrl)
}

// handleOauthLogin is the json variant: `{"handle": ...}` in,
// `{"redirectUrl": ...}` out.
func (s *Server) handleOauthLogin(e echo.Context) error {
	var req loginRequest
	if err := e.Bind(&req); err != nil {
		return e.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if req.Handle == "" {
		return e.JSON(http.StatusBadRequest, map[string]string{"error": "no handle provided"})
	}

	authUrl, err := s.svc.Authorize(e.Request().Context(), req.Handle)
	if err != nil {
		slog.Error("could not authorize handle", "handle", req.Handle, "err", err)
		return e.JSON(http.StatusBadRequest, map[string]string{"error": "could not resolve handle to an authorization server"})
	}

	return e.JSON(http.StatusOK, map[string]string{"redirectUrl": authUrl})
}

func (s *Server) handleCallback(e echo.Context) error {
	code := e.QueryParam("code")
	state := e.QueryParam("state")
	iss := e.QueryParam("iss")

	if code == "" || state == "" {
		return e.Redirect(302, "/login?e=callback-params")
	}

	did, err := s.svc.Callback(e.Request().Context(), code, state, iss)
	if err != nil {
		slog.Error("oauth callback failed", "err", err)
		return e.Redirect(302, "/login?e=callback-failed")
	}

	if err := saveSessionDid(e, did); err != nil {
		return err
	}

	return e.Redirect(302, "/dashboard")
}

func (s *Server) handleLogout(e echo.Context) error {
	// the persisted oauth session stays; only the cookie goes
	if err := destroySession(e); err != nil {
		return err
	}

	return e.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleLoginPage(e echo.Context) error {
	return e.HTML(http.StatusOK, `<form action="/login" method="post">
	<input name="handle" placeholder="handle.example.com">
	<button type="submit">Log in</button>
</form>`)
}

func (s *Server) handleIndex(e echo.Context) error {
	_, did, err := s.getSessionAgent(e)
	if err != nil {
		return err
	}

	if did == "" {
		return e.JSON(http.StatusOK, map[string]any{"loggedIn": false})
	}

	handle := s.resolver.ResolveDIDToHandle(e.Request().Context(), did)

	return e.JSON(http.StatusOK, map[string]any{
		"loggedIn": true,
		"did":      did,
		"handle":   handle,
	})
}

// handleDashboard is the authenticated landing page. It is deliberately
// thin: fetch the user's profile through the agent to prove the session
// works, and leave the rest to the frontend.
func (s *Server) handleDashboard(e echo.Context) error {
	agent, did, err := s.getSessionAgent(e)
	if err != nil {
		return err
	}

	if agent == nil {
		return e.Redirect(302, "/login")
	}

	var profile map[string]any
	params := url.Values{"actor": {did}}
	if err := agent.Query(e.Request().Context(), "app.bsky.actor.getProfile", params, &profile); err != nil {
		slog.Error("could not fetch profile", "did", did, "err", err)
		return e.JSON(http.StatusOK, map[string]any{"did": did})
	}

	return e.JSON(http.StatusOK, map[string]any{
		"did":     did,
		"profile": profile,
	})
}
