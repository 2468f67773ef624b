// Package identity resolves atproto handles and DIDs in both directions,
// with an in-memory TTL cache over DID documents and handle lookups.
//
// Handles are never trusted as claimed: a handle pulled out of a DID document
// is only returned to callers after it has been resolved back to the same
// DID. Anything that fails that round trip degrades to the raw DID.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const DefaultPLCURL = "https://plc.directory"

var ErrDIDNotSupported = fmt.Errorf("did was not a supported did type")

type DIDDocument struct {
	ID          string       `json:"id"`
	AlsoKnownAs []string     `json:"alsoKnownAs"`
	Service     []DIDService `json:"service"`
}

type DIDService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// Handle returns the handle the document claims for itself, without
// verification.
func (d *DIDDocument) Handle() string {
	for _, aka := range d.AlsoKnownAs {
		if strings.HasPrefix(aka, "at://") {
			return strings.TrimPrefix(aka, "at://")
		}
	}
	return ""
}

// PDSEndpoint returns the document's atproto PDS service endpoint, or an
// empty string when none is declared.
func (d *DIDDocument) PDSEndpoint() string {
	for _, svc := range d.Service {
		if svc.ID == "#atproto_pds" {
			return svc.ServiceEndpoint
		}
	}
	return ""
}

type didEntry struct {
	updated time.Time
	doc     *DIDDocument
}

type handleEntry struct {
	updated time.Time
	did     string
}

type Resolver struct {
	h        *http.Client
	plcUrl   string
	freshTTL time.Duration

	mu          sync.Mutex
	didCache    *expirable.LRU[string, didEntry]
	handleCache *expirable.LRU[string, handleEntry]

	// indirection over the raw lookups so they can be faked in tests
	lookupHandleFn func(ctx context.Context, handle string) (string, error)
	lookupDIDFn    func(ctx context.Context, did string) (*DIDDocument, error)
}

type ResolverArgs struct {
	H      *http.Client
	PLCURL string
	// FreshTTL is how long a cached entry is served without hitting the
	// network. StaleTTL bounds how long an entry may still be used when a
	// re-resolve fails. Zero values get the 1h/24h defaults.
	FreshTTL time.Duration
	StaleTTL time.Duration
	Capacity int
}

func NewResolver(args ResolverArgs) *Resolver {
	if args.H == nil {
		args.H = &http.Client{
			Timeout: 10 * time.Second,
		}
	}
	if args.PLCURL == "" {
		args.PLCURL = DefaultPLCURL
	}
	if args.FreshTTL == 0 {
		args.FreshTTL = time.Hour
	}
	if args.StaleTTL == 0 {
		args.StaleTTL = 24 * time.Hour
	}
	if args.Capacity == 0 {
		args.Capacity = 10_000
	}

	r := &Resolver{
		h:           args.H,
		plcUrl:      args.PLCURL,
		freshTTL:    args.FreshTTL,
		didCache:    expirable.NewLRU[string, didEntry](args.Capacity, nil, args.StaleTTL),
		handleCache: expirable.NewLRU[string, handleEntry](args.Capacity, nil, args.StaleTTL),
	}
	r.lookupHandleFn = r.lookupHandle
	r.lookupDIDFn = r.lookupDID
	return r
}

// ResolveHandle resolves a handle to a DID, trying an _atproto DNS TXT
// record first and falling back to the https well-known endpoint.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	if _, err := syntax.ParseHandle(handle); err != nil {
		return "", err
	}

	r.mu.Lock()
	entry, ok := r.handleCache.Get(handle)
	r.mu.Unlock()
	if ok && time.Since(entry.updated) < r.freshTTL {
		return entry.did, nil
	}

	did, err := r.lookupHandleFn(ctx, handle)
	if err != nil {
		// tolerate a resolution outage if we still hold a stale entry
		if ok {
			return entry.did, nil
		}
		return "", err
	}

	r.mu.Lock()
	r.handleCache.Add(handle, handleEntry{updated: time.Now(), did: did})
	r.mu.Unlock()

	return did, nil
}

func (r *Resolver) lookupHandle(ctx context.Context, handle string) (string, error) {
	recs, err := net.LookupTXT(fmt.Sprintf("_atproto.%s", handle))
	if err == nil {
		for _, rec := range recs {
			if strings.HasPrefix(rec, "did=") {
				return strings.TrimPrefix(rec, "did="), nil
			}
		}
	}

	req, err := http.NewRequestWithContext(
		ctx,
		"GET",
		fmt.Sprintf("https://%s/.well-known/atproto-did", handle),
		nil,
	)
	if err != nil {
		return "", err
	}

	resp, err := r.h.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("unable to resolve handle")
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	maybeDid := strings.TrimSpace(string(b))

	if _, err := syntax.ParseDID(maybeDid); err != nil {
		return "", fmt.Errorf("unable to resolve handle")
	}

	return maybeDid, nil
}

// ResolveDID fetches the DID document for a did:plc or did:web identifier.
func (r *Resolver) ResolveDID(ctx context.Context, did string) (*DIDDocument, error) {
	if _, err := syntax.ParseDID(did); err != nil {
		return nil, err
	}

	r.mu.Lock()
	entry, ok := r.didCache.Get(did)
	r.mu.Unlock()
	if ok && time.Since(entry.updated) < r.freshTTL {
		return entry.doc, nil
	}

	doc, err := r.lookupDIDFn(ctx, did)
	if err != nil {
		if ok {
			return entry.doc, nil
		}
		return nil, err
	}

	r.mu.Lock()
	r.didCache.Add(did, didEntry{updated: time.Now(), doc: doc})
	r.mu.Unlock()

	return doc, nil
}

func (r *Resolver) lookupDID(ctx context.Context, did string) (*DIDDocument, error) {
	var ustr string
	if strings.HasPrefix(did, "did:plc:") {
		ustr = fmt.Sprintf("%s/%s", r.plcUrl, did)
	} else if strings.HasPrefix(did, "did:web:") {
		ustr = fmt.Sprintf("https://%s/.well-known/did.json", strings.TrimPrefix(did, "did:web:"))
	} else {
		return nil, ErrDIDNotSupported
	}

	req, err := http.NewRequestWithContext(ctx, "GET", ustr, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.h.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("could not resolve did document")
	}

	var doc DIDDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}

	return &doc, nil
}

// ResolveService resolves a DID to its PDS service endpoint.
func (r *Resolver) ResolveService(ctx context.Context, did string) (string, error) {
	doc, err := r.ResolveDID(ctx, did)
	if err != nil {
		return "", err
	}

	service := doc.PDSEndpoint()
	if service == "" {
		return "", fmt.Errorf("could not find atproto_pds service in did document")
	}

	return service, nil
}

// ResolveDIDToHandle resolves a DID to its handle, verifying the claimed
// handle by resolving it back to a DID. When the round trip does not land on
// the same DID, or resolution fails anywhere along the way, the DID itself
// is returned so callers never display an unverified handle.
func (r *Resolver) ResolveDIDToHandle(ctx context.Context, did string) string {
	doc, err := r.ResolveDID(ctx, did)
	if err != nil {
		return did
	}

	claimed := doc.Handle()
	if claimed == "" {
		return did
	}

	resolved, err := r.ResolveHandle(ctx, claimed)
	if err != nil || resolved != did {
		return did
	}

	return claimed
}

// ResolveDIDsToHandles resolves a batch of DIDs in parallel. Entries that
// fail to resolve or verify map to their own DID.
func (r *Resolver) ResolveDIDsToHandles(ctx context.Context, dids []string) map[string]string {
	handles := make([]string, len(dids))

	var wg sync.WaitGroup
	for i, did := range dids {
		wg.Add(1)
		go func(i int, did string) {
			defer wg.Done()
			handles[i] = r.ResolveDIDToHandle(ctx, did)
		}(i, did)
	}
	wg.Wait()

	out := make(map[string]string, len(dids))
	for i, did := range dids {
		out[did] = handles[i]
	}
	return out
}
