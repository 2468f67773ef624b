package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

const (
	aliceDid = "did:plc:alice111111111111111111"
	bobDid   = "did:plc:bob2222222222222222222"
)

func fakeDoc(did, handle, pds string) *DIDDocument {
	return &DIDDocument{
		ID:          did,
		AlsoKnownAs: []string{"at://" + handle},
		Service: []DIDService{
			{ID: "#atproto_pds", Type: "AtprotoPersonalDataServer", ServiceEndpoint: pds},
		},
	}
}

func newFakeResolver(docs map[string]*DIDDocument, handles map[string]string) *Resolver {
	r := NewResolver(ResolverArgs{})
	r.lookupDIDFn = func(ctx context.Context, did string) (*DIDDocument, error) {
		doc, ok := docs[did]
		if !ok {
			return nil, fmt.Errorf("could not resolve did document")
		}
		return doc, nil
	}
	r.lookupHandleFn = func(ctx context.Context, handle string) (string, error) {
		did, ok := handles[handle]
		if !ok {
			return "", fmt.Errorf("unable to resolve handle")
		}
		return did, nil
	}
	return r
}

func TestResolveDIDToHandleVerified(t *testing.T) {
	r := newFakeResolver(
		map[string]*DIDDocument{aliceDid: fakeDoc(aliceDid, "alice.example", "https://pds.example")},
		map[string]string{"alice.example": aliceDid},
	)

	assert.Equal(t, "alice.example", r.ResolveDIDToHandle(ctx, aliceDid))
}

func TestResolveDIDToHandleSpoofFallback(t *testing.T) {
	// bob's document claims a handle that resolves to alice
	r := newFakeResolver(
		map[string]*DIDDocument{bobDid: fakeDoc(bobDid, "alice.example", "https://pds.example")},
		map[string]string{"alice.example": aliceDid},
	)

	assert.Equal(t, bobDid, r.ResolveDIDToHandle(ctx, bobDid))
}

func TestResolveDIDToHandleResolutionFailureFallback(t *testing.T) {
	r := newFakeResolver(
		map[string]*DIDDocument{bobDid: fakeDoc(bobDid, "bob.example", "https://pds.example")},
		map[string]string{},
	)

	// handle does not resolve at all: degrade to the did, no error
	assert.Equal(t, bobDid, r.ResolveDIDToHandle(ctx, bobDid))

	// unknown did degrades the same way
	assert.Equal(t, aliceDid, r.ResolveDIDToHandle(ctx, aliceDid))
}

func TestResolveDIDsToHandlesPartialFailure(t *testing.T) {
	r := newFakeResolver(
		map[string]*DIDDocument{
			aliceDid: fakeDoc(aliceDid, "alice.example", "https://pds.example"),
			bobDid:   fakeDoc(bobDid, "alice.example", "https://pds.example"),
		},
		map[string]string{"alice.example": aliceDid},
	)

	unknownDid := "did:plc:unknown0000000000000000"
	got := r.ResolveDIDsToHandles(ctx, []string{aliceDid, bobDid, unknownDid})

	assert.Len(t, got, 3)
	assert.Equal(t, "alice.example", got[aliceDid])
	assert.Equal(t, bobDid, got[bobDid])
	assert.Equal(t, unknownDid, got[unknownDid])
}

func TestResolveDIDCaching(t *testing.T) {
	assert := assert.New(t)

	var calls int
	r := NewResolver(ResolverArgs{})
	r.lookupDIDFn = func(ctx context.Context, did string) (*DIDDocument, error) {
		calls++
		return fakeDoc(did, "alice.example", "https://pds.example"), nil
	}

	_, err := r.ResolveDID(ctx, aliceDid)
	assert.NoError(err)
	_, err = r.ResolveDID(ctx, aliceDid)
	assert.NoError(err)

	assert.Equal(1, calls)
}

func TestResolveDIDStaleTolerated(t *testing.T) {
	assert := assert.New(t)

	var calls int
	r := NewResolver(ResolverArgs{FreshTTL: time.Nanosecond})
	r.lookupDIDFn = func(ctx context.Context, did string) (*DIDDocument, error) {
		calls++
		if calls > 1 {
			return nil, fmt.Errorf("resolution outage")
		}
		return fakeDoc(did, "alice.example", "https://pds.example"), nil
	}

	doc, err := r.ResolveDID(ctx, aliceDid)
	assert.NoError(err)

	time.Sleep(time.Millisecond)

	// fresh window elapsed, re-resolve fails, stale doc still served
	doc2, err := r.ResolveDID(ctx, aliceDid)
	assert.NoError(err)
	assert.Equal(doc, doc2)
	assert.Equal(2, calls)
}

func TestResolveServicePlcDirectory(t *testing.T) {
	assert := assert.New(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/"+aliceDid, req.URL.Path)
		json.NewEncoder(w).Encode(fakeDoc(aliceDid, "alice.example", "https://pds.example"))
	}))
	defer ts.Close()

	r := NewResolver(ResolverArgs{H: ts.Client(), PLCURL: ts.URL})

	svc, err := r.ResolveService(ctx, aliceDid)
	assert.NoError(err)
	assert.Equal("https://pds.example", svc)
}

func TestResolveServiceNoPDS(t *testing.T) {
	r := newFakeResolver(
		map[string]*DIDDocument{aliceDid: {ID: aliceDid}},
		nil,
	)

	_, err := r.ResolveService(ctx, aliceDid)
	assert.Error(t, err)
}

func TestResolveDIDUnsupportedMethod(t *testing.T) {
	r := NewResolver(ResolverArgs{})

	_, err := r.lookupDID(ctx, "did:key:zQ3shunexample")
	assert.ErrorIs(t, err, ErrDIDNotSupported)
}

func TestDocumentAccessors(t *testing.T) {
	assert := assert.New(t)

	doc := fakeDoc(aliceDid, "alice.example", "https://pds.example")
	assert.Equal("alice.example", doc.Handle())
	assert.Equal("https://pds.example", doc.PDSEndpoint())

	empty := &DIDDocument{ID: aliceDid}
	assert.Equal("", empty.Handle())
	assert.Equal("", empty.PDSEndpoint())
}
