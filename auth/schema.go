package auth

import (
	"encoding/json"
	"fmt"
)

// The stored blobs carry an explicit version so their shape can evolve
// without guessing at deserialization time.
const schemaVersion = 1

// StateData is what gets serialized into the auth_state table for one
// in-flight authorization attempt.
type StateData struct {
	Version             int    `json:"version"`
	AuthserverIss       string `json:"authserver_iss"`
	Did                 string `json:"did"`
	PdsUrl              string `json:"pds_url"`
	PkceVerifier        string `json:"pkce_verifier"`
	DpopAuthserverNonce string `json:"dpop_authserver_nonce"`
	DpopPrivateJwk      string `json:"dpop_private_jwk"`
}

// SessionData is what gets serialized into the auth_session table for one
// authenticated DID.
type SessionData struct {
	Version             int    `json:"version"`
	Did                 string `json:"did"`
	PdsUrl              string `json:"pds_url"`
	AuthserverIss       string `json:"authserver_iss"`
	AccessToken         string `json:"access_token"`
	RefreshToken        string `json:"refresh_token"`
	DpopPdsNonce        string `json:"dpop_pds_nonce"`
	DpopAuthserverNonce string `json:"dpop_authserver_nonce"`
	DpopPrivateJwk      string `json:"dpop_private_jwk"`
	Expiration          int64  `json:"expiration"`
}

func encodeStateData(d *StateData) (string, error) {
	d.Version = schemaVersion
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStateData(raw string) (*StateData, error) {
	var d StateData
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("could not decode stored state: %w", err)
	}
	if d.Version != schemaVersion {
		return nil, fmt.Errorf("unsupported stored state version %d", d.Version)
	}
	return &d, nil
}

func encodeSessionData(d *SessionData) (string, error) {
	d.Version = schemaVersion
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeSessionData(raw string) (*SessionData, error) {
	var d SessionData
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("could not decode stored session: %w", err)
	}
	if d.Version != schemaVersion {
		return nil, fmt.Errorf("unsupported stored session version %d", d.Version)
	}
	return &d, nil
}
