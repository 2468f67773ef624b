package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Agent makes authenticated XRPC calls against a user's PDS with the
// DPoP-bound access token from a restored OAuth session. It is the handle the
// rest of the application uses to act on behalf of a logged-in identity.
type Agent struct {
	h              *http.Client
	Did            string
	AccessToken    string
	PdsUrl         string
	Issuer         string
	DpopPdsNonce   string
	DpopPrivateJwk jwk.Key

	// OnDpopPdsNonceChanged is called whenever the PDS rotates the DPoP
	// nonce, so the caller can persist it for the next request.
	OnDpopPdsNonceChanged func(did, newNonce string)
}

type AgentArgs struct {
	H              *http.Client
	Did            string
	AccessToken    string
	PdsUrl         string
	Issuer         string
	DpopPdsNonce   string
	DpopPrivateJwk jwk.Key
}

func NewAgent(args AgentArgs) *Agent {
	h := args.H
	if h == nil {
		h = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &Agent{
		h:              h,
		Did:            args.Did,
		AccessToken:    args.AccessToken,
		PdsUrl:         args.PdsUrl,
		Issuer:         args.Issuer,
		DpopPdsNonce:   args.DpopPdsNonce,
		DpopPrivateJwk: args.DpopPrivateJwk,
	}
}

// Query performs an authenticated XRPC query (HTTP GET).
func (a *Agent) Query(ctx context.Context, nsid string, params url.Values, out any) error {
	return a.do(ctx, "GET", nsid, params, nil, out)
}

// Procedure performs an authenticated XRPC procedure (HTTP POST) with a JSON
// body.
func (a *Agent) Procedure(ctx context.Context, nsid string, params url.Values, body, out any) error {
	return a.do(ctx, "POST", nsid, params, body, out)
}

func (a *Agent) do(ctx context.Context, method, nsid string, params url.Values, body, out any) error {
	u, err := url.Parse(a.PdsUrl)
	if err != nil {
		return err
	}

	u.Path = "/xrpc/" + nsid
	if params != nil {
		u.RawQuery = params.Encode()
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	// the pds can rotate the dpop nonce on any response
	for range 2 {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
		if err != nil {
			return err
		}

		dpopProof, err := DpopJwt(method, u.String(), a.DpopPdsNonce, a.AccessToken, a.DpopPrivateJwk)
		if err != nil {
			return fmt.Errorf("could not create dpop proof for pds request: %w", err)
		}

		req.Header.Set("Authorization", "DPoP "+a.AccessToken)
		req.Header.Set("DPoP", dpopProof)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.h.Do(req)
		if err != nil {
			return err
		}

		if newNonce := resp.Header.Get("DPoP-Nonce"); newNonce != "" && newNonce != a.DpopPdsNonce {
			a.DpopPdsNonce = newNonce
			if a.OnDpopPdsNonceChanged != nil {
				a.OnDpopPdsNonceChanged(a.Did, newNonce)
			}
		}

		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}

		if resp.StatusCode == 401 {
			var emap map[string]any
			if err := json.Unmarshal(b, &emap); err == nil && emap["error"] == "use_dpop_nonce" {
				continue
			}
		}

		if resp.StatusCode != 200 && resp.StatusCode != 201 {
			return fmt.Errorf("received non-200 response from pds for %s. code was %d", nsid, resp.StatusCode)
		}

		if out != nil {
			if err := json.Unmarshal(b, out); err != nil {
				return fmt.Errorf("could not unmarshal xrpc response: %w", err)
			}
		}

		return nil
	}

	return fmt.Errorf("pds kept requesting new dpop nonces")
}
