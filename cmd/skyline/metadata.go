package main

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/skylinehq/skyline/oauth"
)

func (s *Server) handleClientMetadata(e echo.Context) error {
	metadata := map[string]any{
		"client_id":                s.clientId,
		"client_name":              "Skyline Dashboard",
		"client_uri":               s.publicUrl,
		"redirect_uris":            []string{s.publicUrl + "/oauth/callback"},
		"scope":                    s.svc.Scope(),
		"grant_types":              []string{"authorization_code", "refresh_token"},
		"response_types":           []string{"code"},
		"application_type":         "web",
		"dpop_bound_access_tokens": true,
	}

	if s.clientJwk != nil {
		metadata["token_endpoint_auth_method"] = "private_key_jwt"
		metadata["token_endpoint_auth_signing_alg"] = "ES256"
		metadata["jwks_uri"] = s.publicUrl + "/jwks.json"
	} else {
		metadata["token_endpoint_auth_method"] = "none"
	}

	return e.JSON(http.StatusOK, metadata)
}

func (s *Server) handleJwks(e echo.Context) error {
	if s.clientJwk == nil {
		return e.JSON(http.StatusNotFound, map[string]string{"error": "no client key configured"})
	}

	pub, err := s.clientJwk.PublicKey()
	if err != nil {
		return err
	}

	return e.JSON(http.StatusOK, oauth.CreateJwksResponseObject(pub))
}
