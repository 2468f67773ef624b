package main

import (
	"errors"
	"log/slog"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"

	"github.com/skylinehq/skyline/auth"
	"github.com/skylinehq/skyline/oauth"
)

// sessionDid reads the did out of the encrypted cookie. An anonymous visitor
// gets ("", nil): no cookie is not an error.
func sessionDid(e echo.Context) (string, error) {
	sess, err := session.Get(cookieName, e)
	if err != nil {
		return "", err
	}

	did, ok := sess.Values["did"].(string)
	if !ok {
		return "", nil
	}

	return did, nil
}

func saveSessionDid(e echo.Context, did string) error {
	sess, err := session.Get(cookieName, e)
	if err != nil {
		return err
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
	}

	// make sure the session is empty
	sess.Values = map[interface{}]interface{}{}
	sess.Values["did"] = did

	return sess.Save(e.Request(), e.Response())
}

func destroySession(e echo.Context) error {
	sess, err := session.Get(cookieName, e)
	if err != nil {
		return err
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	}

	return sess.Save(e.Request(), e.Response())
}

// getSessionAgent bridges the cookie to the oauth session. No cookie means
// (nil, "", nil) with no store or network access. A failed restore destroys
// the cookie so the next request starts clean.
func (s *Server) getSessionAgent(e echo.Context) (*oauth.Agent, string, error) {
	did, err := sessionDid(e)
	if err != nil || did == "" {
		return nil, "", nil
	}

	agent, err := s.svc.Agent(e.Request().Context(), did)
	if err != nil {
		if !errors.Is(err, auth.ErrSessionNotFound) && !errors.Is(err, auth.ErrSessionExpired) {
			slog.Error("could not restore oauth session", "did", did, "err", err)
		}
		if derr := destroySession(e); derr != nil {
			return nil, "", derr
		}
		return nil, "", nil
	}

	return agent, did, nil
}
