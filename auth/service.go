// Package auth drives the authorization-code flow end to end: handle in,
// authorize URL out; callback in, persisted session out; DID in, live agent
// out.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/skylinehq/skyline/oauth"
	"github.com/skylinehq/skyline/store"
)

// OAuthClient is the protocol surface the service needs. *oauth.Client
// implements it.
type OAuthClient interface {
	ResolvePDSAuthServer(ctx context.Context, pdsUrl string) (string, error)
	FetchAuthServerMetadata(ctx context.Context, issuer string) (*oauth.AuthServerMetadata, error)
	SendPARAuthRequest(ctx context.Context, authServerUrl string, meta *oauth.AuthServerMetadata, loginHint, scope string, dpopPrivateKey jwk.Key) (*oauth.PARAuthResponse, error)
	AuthorizeURL(meta *oauth.AuthServerMetadata, requestUri string) (string, error)
	InitialTokenRequest(ctx context.Context, code, authserverIss, pkceVerifier, dpopAuthserverNonce string, dpopPrivateJwk jwk.Key) (*oauth.TokenResponse, error)
	RefreshTokenRequest(ctx context.Context, refreshToken, authserverIss, dpopAuthserverNonce string, dpopPrivateJwk jwk.Key) (*oauth.TokenResponse, error)
}

// IdentityResolver is the resolution surface the service needs.
// *identity.Resolver implements it.
type IdentityResolver interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)
	ResolveService(ctx context.Context, did string) (string, error)
}

var (
	// ErrInvalidState is returned when a callback arrives with a state
	// token that was never issued or has already been consumed.
	ErrInvalidState = errors.New("invalid authorization state")

	// ErrStateExpired is returned when the state token is known but the
	// authorization attempt is too old to complete.
	ErrStateExpired = errors.New("authorization state expired")

	// ErrSessionNotFound is returned by Restore when no session exists for
	// the DID.
	ErrSessionNotFound = errors.New("no session for did")

	// ErrSessionExpired is returned by Restore when the refresh token was
	// rejected; the stored session has been deleted and the user must log
	// in again.
	ErrSessionExpired = errors.New("session expired")
)

// StateMaxAge bounds how long an authorization attempt may sit between
// authorize and callback.
const StateMaxAge = 10 * time.Minute

// refreshWindow is how close to expiry an access token gets refreshed.
const refreshWindow = 5 * time.Minute

type Service struct {
	client   OAuthClient
	resolver IdentityResolver
	states   *store.StateStore
	sessions *store.SessionStore
	scope    string
}

type ServiceArgs struct {
	Client   OAuthClient
	Resolver IdentityResolver
	States   *store.StateStore
	Sessions *store.SessionStore
	Scope    string
}

func NewService(args ServiceArgs) (*Service, error) {
	if args.Client == nil {
		return nil, fmt.Errorf("no oauth client provided")
	}
	if args.Resolver == nil {
		return nil, fmt.Errorf("no resolver provided")
	}
	if args.States == nil || args.Sessions == nil {
		return nil, fmt.Errorf("no stores provided")
	}
	if args.Scope == "" {
		args.Scope = "atproto transition:generic"
	}

	return &Service{
		client:   args.Client,
		resolver: args.Resolver,
		states:   args.States,
		sessions: args.Sessions,
		scope:    args.Scope,
	}, nil
}

func (s *Service) Scope() string {
	return s.scope
}

// Authorize starts a login for a handle or DID. It discovers the identity's
// authorization server, pushes the authorization request, persists the
// attempt keyed by its state token, and returns the URL to redirect the user
// to. The state row is durably written before the URL is returned, so a fast
// callback can never outrun it.
func (s *Service) Authorize(ctx context.Context, input string) (string, error) {
	input = strings.ToLower(strings.TrimSpace(input))

	_, herr := syntax.ParseHandle(input)
	_, derr := syntax.ParseDID(input)

	if herr != nil && derr != nil {
		return "", fmt.Errorf("input was neither a valid handle nor a valid did")
	}

	var did string
	var loginHint string

	if derr == nil {
		did = input
	} else {
		maybeDid, err := s.resolver.ResolveHandle(ctx, input)
		if err != nil {
			return "", fmt.Errorf("could not resolve handle to a did: %w", err)
		}
		did = maybeDid
		loginHint = input
	}

	service, err := s.resolver.ResolveService(ctx, did)
	if err != nil {
		return "", fmt.Errorf("could not resolve did to a pds: %w", err)
	}

	authserver, err := s.client.ResolvePDSAuthServer(ctx, service)
	if err != nil {
		return "", fmt.Errorf("could not resolve pds to an auth server: %w", err)
	}

	meta, err := s.client.FetchAuthServerMetadata(ctx, authserver)
	if err != nil {
		return "", err
	}

	dpopPrivateKey, err := oauth.GenerateKey(nil)
	if err != nil {
		return "", err
	}

	dpopPrivateKeyJson, err := json.Marshal(dpopPrivateKey)
	if err != nil {
		return "", err
	}

	parResp, err := s.client.SendPARAuthRequest(ctx, authserver, meta, loginHint, s.scope, dpopPrivateKey)
	if err != nil {
		return "", err
	}

	stateJson, err := encodeStateData(&StateData{
		AuthserverIss:       meta.Issuer,
		Did:                 did,
		PdsUrl:              service,
		PkceVerifier:        parResp.PkceVerifier,
		DpopAuthserverNonce: parResp.DpopAuthserverNonce,
		DpopPrivateJwk:      string(dpopPrivateKeyJson),
	})
	if err != nil {
		return "", err
	}

	if err := s.states.Set(ctx, parResp.State, stateJson); err != nil {
		return "", fmt.Errorf("could not persist authorization state: %w", err)
	}

	return s.client.AuthorizeURL(meta, parResp.RequestUri)
}

// Callback completes a login. The state row is claimed exactly once; a
// second callback with the same state, or one with a state we never issued,
// fails with ErrInvalidState and writes nothing.
func (s *Service) Callback(ctx context.Context, code, state, iss string) (string, error) {
	if code == "" || state == "" {
		return "", ErrInvalidState
	}

	row, err := s.states.Claim(ctx, state)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrInvalidState
	}
	if err != nil {
		return "", err
	}

	if time.Since(row.CreatedAt) > StateMaxAge {
		return "", ErrStateExpired
	}

	data, err := decodeStateData(row.StateJSON)
	if err != nil {
		return "", err
	}

	if iss != "" && iss != data.AuthserverIss {
		return "", fmt.Errorf("incoming iss did not match authserver iss")
	}

	privateJwk, err := oauth.ParseJWKFromBytes([]byte(data.DpopPrivateJwk))
	if err != nil {
		return "", err
	}

	tokenResp, err := s.client.InitialTokenRequest(
		ctx,
		code,
		data.AuthserverIss,
		data.PkceVerifier,
		data.DpopAuthserverNonce,
		privateJwk,
	)
	if err != nil {
		return "", err
	}

	if tokenResp.Scope != s.scope {
		return "", fmt.Errorf("did not receive correct scopes from token request")
	}

	// a login started from a bare pds url has no did until the token
	// response names one
	did := data.Did
	if did == "" {
		did = tokenResp.Sub
	}
	if did == "" {
		return "", fmt.Errorf("token response did not identify a subject")
	}

	sessionJson, err := encodeSessionData(&SessionData{
		Did:                 did,
		PdsUrl:              data.PdsUrl,
		AuthserverIss:       data.AuthserverIss,
		AccessToken:         tokenResp.AccessToken,
		RefreshToken:        tokenResp.RefreshToken,
		DpopAuthserverNonce: tokenResp.DpopAuthserverNonce,
		DpopPrivateJwk:      data.DpopPrivateJwk,
		Expiration:          time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).Unix(),
	})
	if err != nil {
		return "", err
	}

	if err := s.sessions.Set(ctx, did, sessionJson); err != nil {
		return "", fmt.Errorf("could not persist session: %w", err)
	}

	return did, nil
}

// Restore loads the persisted session for a DID. When the access token is at
// or near expiry it refreshes first and rewrites the stored session, so a
// subsequent read never sees pre-refresh tokens. A rejected refresh token
// deletes the session and returns ErrSessionExpired; transport failures
// leave the session in place.
func (s *Service) Restore(ctx context.Context, did string) (*SessionData, error) {
	raw, err := s.sessions.Get(ctx, did)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	data, err := decodeSessionData(raw)
	if err != nil {
		return nil, err
	}

	if time.Until(time.Unix(data.Expiration, 0)) > refreshWindow {
		return data, nil
	}

	privateJwk, err := oauth.ParseJWKFromBytes([]byte(data.DpopPrivateJwk))
	if err != nil {
		return nil, err
	}

	resp, err := s.client.RefreshTokenRequest(ctx, data.RefreshToken, data.AuthserverIss, data.DpopAuthserverNonce, privateJwk)
	if err != nil {
		var te *oauth.TokenError
		if errors.As(err, &te) {
			// refresh token is dead; the session is unrecoverable
			if derr := s.sessions.Delete(ctx, did); derr != nil {
				return nil, derr
			}
			return nil, fmt.Errorf("%w: %s", ErrSessionExpired, te.Code)
		}
		return nil, err
	}

	data.AccessToken = resp.AccessToken
	data.RefreshToken = resp.RefreshToken
	data.DpopAuthserverNonce = resp.DpopAuthserverNonce
	data.Expiration = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).Unix()

	sessionJson, err := encodeSessionData(data)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Set(ctx, did, sessionJson); err != nil {
		return nil, fmt.Errorf("could not persist refreshed session: %w", err)
	}

	return data, nil
}

// Agent restores the session for a DID and wraps it in a PDS client. PDS
// DPoP nonce rotations are written back to the stored session.
func (s *Service) Agent(ctx context.Context, did string) (*oauth.Agent, error) {
	data, err := s.Restore(ctx, did)
	if err != nil {
		return nil, err
	}

	privateJwk, err := oauth.ParseJWKFromBytes([]byte(data.DpopPrivateJwk))
	if err != nil {
		return nil, err
	}

	agent := oauth.NewAgent(oauth.AgentArgs{
		Did:            data.Did,
		AccessToken:    data.AccessToken,
		PdsUrl:         data.PdsUrl,
		Issuer:         data.AuthserverIss,
		DpopPdsNonce:   data.DpopPdsNonce,
		DpopPrivateJwk: privateJwk,
	})

	agent.OnDpopPdsNonceChanged = func(did, newNonce string) {
		// advisory write; losing it only costs one extra round trip
		raw, err := s.sessions.Get(context.Background(), did)
		if err != nil {
			return
		}
		cur, err := decodeSessionData(raw)
		if err != nil {
			return
		}
		cur.DpopPdsNonce = newNonce
		if sessionJson, err := encodeSessionData(cur); err == nil {
			_ = s.sessions.Set(context.Background(), did, sessionJson)
		}
	}

	return agent, nil
}

// DeleteSession removes the persisted session for a DID. Logout does not
// call this; the refresh token stays valid until it expires upstream.
func (s *Service) DeleteSession(ctx context.Context, did string) error {
	return s.sessions.Delete(ctx, did)
}
