package oauth

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/skylinehq/skyline/internal/helpers"
)

const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Client speaks the atproto flavor of OAuth: per-user authorization servers
// discovered from the PDS, pushed authorization requests, private_key_jwt
// client auth, and DPoP-bound tokens.
type Client struct {
	h                *http.Client
	clientPrivateKey *ecdsa.PrivateKey
	clientKid        string
	clientId         string
	redirectUri      string
}

type ClientArgs struct {
	H           *http.Client
	ClientJwk   jwk.Key
	ClientId    string
	RedirectUri string
}

func NewClient(args ClientArgs) (*Client, error) {
	if args.ClientId == "" {
		return nil, fmt.Errorf("no client id provided")
	}

	if args.RedirectUri == "" {
		return nil, fmt.Errorf("no redirect uri provided")
	}

	if args.H == nil {
		args.H = &http.Client{
			Timeout: 10 * time.Second,
		}
	}

	var (
		pkey *ecdsa.PrivateKey
		kid  string
	)
	if args.ClientJwk != nil {
		var err error
		pkey, err = privateKeyFromJwk(args.ClientJwk)
		if err != nil {
			return nil, fmt.Errorf("could not load private key from provided client jwk: %w", err)
		}
		kid = args.ClientJwk.KeyID()
	}

	return &Client{
		h:                args.H,
		clientKid:        kid,
		clientPrivateKey: pkey,
		clientId:         args.ClientId,
		redirectUri:      args.RedirectUri,
	}, nil
}

// ResolvePDSAuthServer discovers the authorization server responsible for a
// PDS from its oauth-protected-resource document.
func (c *Client) ResolvePDSAuthServer(ctx context.Context, ustr string) (string, error) {
	u, err := isSafeAndParsed(ustr)
	if err != nil {
		return "", err
	}

	u.Path = "/.well-known/oauth-protected-resource"

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("error creating request for oauth protected resource: %w", err)
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return "", fmt.Errorf("could not get response from server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("received non-200 response from pds. code was %d", resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("could not read body: %w", err)
	}

	var resource ProtectedResource
	if err := json.Unmarshal(b, &resource); err != nil {
		return "", fmt.Errorf("could not unmarshal json: %w", err)
	}

	if len(resource.AuthorizationServers) == 0 {
		return "", fmt.Errorf("oauth protected resource contained no authorization servers")
	}

	return resource.AuthorizationServers[0], nil
}

// FetchAuthServerMetadata fetches and validates an authorization server's
// metadata document.
func (c *Client) FetchAuthServerMetadata(ctx context.Context, ustr string) (*AuthServerMetadata, error) {
	u, err := isSafeAndParsed(ustr)
	if err != nil {
		return nil, err
	}

	u.Path = "/.well-known/oauth-authorization-server"

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request to fetch auth metadata: %w", err)
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error getting response for auth metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf(
			"received non-200 response from auth server. status code was %d",
			resp.StatusCode,
		)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read body for metadata response: %w", err)
	}

	var metadata AuthServerMetadata
	if err := json.Unmarshal(b, &metadata); err != nil {
		return nil, fmt.Errorf("could not unmarshal metadata: %w", err)
	}

	if err := metadata.Validate(u); err != nil {
		return nil, fmt.Errorf("could not validate metadata: %w", err)
	}

	return &metadata, nil
}

func (c *Client) ClientAssertionJwt(authServerUrl string) (string, error) {
	if c.clientPrivateKey == nil {
		return "", fmt.Errorf("client has no signing key")
	}

	claims := jwt.MapClaims{
		"iss": c.clientId,
		"sub": c.clientId,
		"aud": authServerUrl,
		"jti": uuid.NewString(),
		"iat": time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.clientKid

	tokenString, err := token.SignedString(c.clientPrivateKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// DpopJwt creates a DPoP proof for a single request against the given
// method and url. An empty nonce omits the claim.
func DpopJwt(method, url, nonce, accessToken string, privateJwk jwk.Key) (string, error) {
	pubJwk, err := privateJwk.PublicKey()
	if err != nil {
		return "", err
	}

	b, err := json.Marshal(pubJwk)
	if err != nil {
		return "", err
	}

	var pubMap map[string]any
	if err := json.Unmarshal(b, &pubMap); err != nil {
		return "", err
	}

	now := time.Now().Unix()

	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"htm": method,
		"htu": url,
		"iat": now,
		"exp": now + 30,
	}

	if nonce != "" {
		claims["nonce"] = nonce
	}

	if accessToken != "" {
		claims["ath"] = helpers.GenerateCodeChallenge(accessToken)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["alg"] = "ES256"
	token.Header["jwk"] = pubMap

	var rawKey any
	if err := privateJwk.Raw(&rawKey); err != nil {
		return "", err
	}

	tokenString, err := token.SignedString(rawKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func (c *Client) authServerDpopJwt(method, url, nonce string, privateJwk jwk.Key) (string, error) {
	return DpopJwt(method, url, nonce, "", privateJwk)
}

// SendPARAuthRequest pushes an authorization request to the auth server and
// returns the generated state, PKCE verifier, and request uri needed to
// redirect the user and later complete the exchange.
func (c *Client) SendPARAuthRequest(ctx context.Context, authServerUrl string, authServerMeta *AuthServerMetadata, loginHint, scope string, dpopPrivateKey jwk.Key) (*PARAuthResponse, error) {
	if authServerMeta == nil {
		return nil, fmt.Errorf("nil metadata provided")
	}

	parUrl := authServerMeta.PushedAuthorizationRequestEndpoint
	if _, err := isSafeAndParsed(parUrl); err != nil {
		return nil, err
	}

	state, err := helpers.GenerateToken(16)
	if err != nil {
		return nil, fmt.Errorf("could not generate state token: %w", err)
	}

	pkceVerifier, err := helpers.GenerateToken(48)
	if err != nil {
		return nil, fmt.Errorf("could not generate pkce verifier: %w", err)
	}

	codeChallenge := helpers.GenerateCodeChallenge(pkceVerifier)

	params := url.Values{
		"response_type":         {"code"},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
		"client_id":             {c.clientId},
		"state":                 {state},
		"redirect_uri":          {c.redirectUri},
		"scope":                 {scope},
	}

	if c.clientPrivateKey != nil {
		clientAssertion, err := c.ClientAssertionJwt(authServerUrl)
		if err != nil {
			return nil, err
		}
		params.Set("client_assertion_type", ClientAssertionType)
		params.Set("client_assertion", clientAssertion)
	}

	if loginHint != "" {
		params.Set("login_hint", loginHint)
	}

	dpopAuthserverNonce := ""

	// the first attempt usually bounces with use_dpop_nonce
	for range 2 {
		dpopProof, err := c.authServerDpopJwt("POST", parUrl, dpopAuthserverNonce, dpopPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("error getting dpop proof: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", parUrl, strings.NewReader(params.Encode()))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("DPoP", dpopProof)

		resp, err := c.h.Do(req)
		if err != nil {
			return nil, err
		}

		var rmap map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&rmap); err != nil {
			resp.Body.Close()
			return nil, err
		}
		resp.Body.Close()

		if resp.StatusCode == 400 && rmap["error"] == "use_dpop_nonce" {
			dpopAuthserverNonce = resp.Header.Get("DPoP-Nonce")
			continue
		}

		if resp.StatusCode != 200 && resp.StatusCode != 201 {
			return nil, fmt.Errorf("par request failed: %v", rmap["error"])
		}

		requestUri, ok := rmap["request_uri"].(string)
		if !ok || requestUri == "" {
			return nil, fmt.Errorf("par response did not include a request_uri")
		}

		return &PARAuthResponse{
			PkceVerifier:        pkceVerifier,
			State:               state,
			DpopAuthserverNonce: dpopAuthserverNonce,
			RequestUri:          requestUri,
		}, nil
	}

	return nil, fmt.Errorf("auth server kept requesting new dpop nonces")
}

// AuthorizeURL builds the browser redirect for a pushed request.
func (c *Client) AuthorizeURL(authServerMeta *AuthServerMetadata, requestUri string) (string, error) {
	u, err := url.Parse(authServerMeta.AuthorizationEndpoint)
	if err != nil {
		return "", err
	}

	params := url.Values{
		"client_id":   {c.clientId},
		"request_uri": {requestUri},
	}
	u.RawQuery = params.Encode()

	return u.String(), nil
}

// InitialTokenRequest exchanges an authorization code for the first set of
// DPoP-bound tokens.
func (c *Client) InitialTokenRequest(
	ctx context.Context,
	code,
	authserverIss,
	pkceVerifier,
	dpopAuthserverNonce string,
	dpopPrivateJwk jwk.Key,
) (*TokenResponse, error) {
	authserverMeta, err := c.FetchAuthServerMetadata(ctx, authserverIss)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"client_id":     {c.clientId},
		"redirect_uri":  {c.redirectUri},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {pkceVerifier},
	}

	if c.clientPrivateKey != nil {
		clientAssertion, err := c.ClientAssertionJwt(authserverIss)
		if err != nil {
			return nil, err
		}
		params.Set("client_assertion_type", ClientAssertionType)
		params.Set("client_assertion", clientAssertion)
	}

	for range 2 {
		dpopProof, err := c.authServerDpopJwt("POST", authserverMeta.TokenEndpoint, dpopAuthserverNonce, dpopPrivateJwk)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, "POST", authserverMeta.TokenEndpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("DPoP", dpopProof)

		resp, err := c.h.Do(req)
		if err != nil {
			return nil, err
		}

		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != 200 && resp.StatusCode != 201 {
			var respMap map[string]any
			if err := json.Unmarshal(b, &respMap); err != nil {
				return nil, err
			}

			if resp.StatusCode == 400 && respMap["error"] == "use_dpop_nonce" {
				dpopAuthserverNonce = resp.Header.Get("DPoP-Nonce")
				continue
			}

			return nil, &TokenError{Code: fmt.Sprintf("%v", respMap["error"])}
		}

		var tokenResponse TokenResponse
		if err := json.Unmarshal(b, &tokenResponse); err != nil {
			return nil, err
		}

		tokenResponse.DpopAuthserverNonce = dpopAuthserverNonce

		return &tokenResponse, nil
	}

	return nil, fmt.Errorf("auth server kept requesting new dpop nonces")
}

// RefreshTokenRequest trades a refresh token for a fresh token pair.
func (c *Client) RefreshTokenRequest(
	ctx context.Context,
	refreshToken,
	authserverIss,
	dpopAuthserverNonce string,
	dpopPrivateJwk jwk.Key,
) (*TokenResponse, error) {
	// we may need to update the dpop nonce
	for range 2 {
		authserverMeta, err := c.FetchAuthServerMetadata(ctx, authserverIss)
		if err != nil {
			return nil, err
		}

		params := url.Values{
			"client_id":     {c.clientId},
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
		}

		if c.clientPrivateKey != nil {
			clientAssertion, err := c.ClientAssertionJwt(authserverIss)
			if err != nil {
				return nil, err
			}
			params.Set("client_assertion_type", ClientAssertionType)
			params.Set("client_assertion", clientAssertion)
		}

		dpopProof, err := c.authServerDpopJwt("POST", authserverMeta.TokenEndpoint, dpopAuthserverNonce, dpopPrivateJwk)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, "POST", authserverMeta.TokenEndpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("DPoP", dpopProof)

		resp, err := c.h.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != 200 && resp.StatusCode != 201 {
			var respMap map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&respMap); err != nil {
				return nil, err
			}

			if resp.StatusCode == 400 && respMap["error"] == "use_dpop_nonce" {
				dpopAuthserverNonce = resp.Header.Get("DPoP-Nonce")
				continue
			}

			return nil, &TokenError{Code: respMap["error"]}
		}

		var tokenResponse TokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tokenResponse); err != nil {
			return nil, err
		}

		// set the nonce so that updates are reflected in response
		tokenResponse.DpopAuthserverNonce = dpopAuthserverNonce

		return &tokenResponse, nil
	}

	return nil, fmt.Errorf("auth server kept requesting new dpop nonces")
}
