package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentQuery(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKey(nil)
	require.NoError(t, err)

	var gotAuth, gotDpop string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		gotDpop = req.Header.Get("DPoP")
		require.Equal(t, "/xrpc/app.bsky.actor.getProfile", req.URL.Path)
		require.Equal(t, "did:plc:alice", req.URL.Query().Get("actor"))
		json.NewEncoder(w).Encode(map[string]string{"handle": "alice.example"})
	}))
	defer ts.Close()

	agent := NewAgent(AgentArgs{
		H:              ts.Client(),
		Did:            "did:plc:alice",
		AccessToken:    "access-token",
		PdsUrl:         ts.URL,
		DpopPrivateJwk: key,
	})

	var out map[string]string
	params := url.Values{"actor": {"did:plc:alice"}}
	err = agent.Query(context.Background(), "app.bsky.actor.getProfile", params, &out)
	require.NoError(t, err)

	assert.Equal("alice.example", out["handle"])
	assert.Equal("DPoP access-token", gotAuth)
	assert.True(strings.Count(gotDpop, ".") == 2, "dpop header should be a jwt")
}

func TestAgentDpopNonceRetry(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKey(nil)
	require.NoError(t, err)

	var requests int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requests++
		if requests == 1 {
			w.Header().Set("DPoP-Nonce", "fresh-nonce")
			w.WriteHeader(401)
			json.NewEncoder(w).Encode(map[string]string{"error": "use_dpop_nonce"})
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer ts.Close()

	agent := NewAgent(AgentArgs{
		H:              ts.Client(),
		Did:            "did:plc:alice",
		AccessToken:    "access-token",
		PdsUrl:         ts.URL,
		DpopPrivateJwk: key,
	})

	var persistedNonce string
	agent.OnDpopPdsNonceChanged = func(did, newNonce string) {
		persistedNonce = newNonce
	}

	var out map[string]bool
	err = agent.Procedure(context.Background(), "com.atproto.repo.createRecord", nil, map[string]string{"repo": "did:plc:alice"}, &out)
	require.NoError(t, err)

	assert.Equal(2, requests)
	assert.True(out["ok"])
	assert.Equal("fresh-nonce", persistedNonce)
	assert.Equal("fresh-nonce", agent.DpopPdsNonce)
}

func TestAgentErrorStatus(t *testing.T) {
	key, err := GenerateKey(nil)
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(500)
		json.NewEncoder(w).Encode(map[string]string{"error": "InternalServerError"})
	}))
	defer ts.Close()

	agent := NewAgent(AgentArgs{
		H:              ts.Client(),
		Did:            "did:plc:alice",
		AccessToken:    "access-token",
		PdsUrl:         ts.URL,
		DpopPrivateJwk: key,
	})

	err = agent.Query(context.Background(), "app.bsky.actor.getProfile", nil, nil)
	assert.Error(t, err)
}
