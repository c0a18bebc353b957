package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedbridge/bridgehub/internal/protocol"
	"github.com/fedbridge/bridgehub/internal/store"
)

const testPubkey = "82341f882b6eabcd2ba7f1ef90aad961cf074af15b9ef44a09f9d2a8fbfbe6a2"

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })
	return New(st, "8000", "https://bridge.example.com"), st
}

func get(s *Server, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthcheck(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(s, "/api/healthcheck")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNIP05ServesBridgedUsers(t *testing.T) {
	s, st := newTestServer(t)

	npub, err := nip19.EncodePublicKey(testPubkey)
	require.NoError(t, err)

	user := &store.User{
		Protocol:         protocol.ATProto,
		ID:               "did:plc:alice",
		Handle:           "alice.bsky.social",
		EnabledProtocols: []string{protocol.Nostr},
	}
	user.AddCopy(store.Target{URI: "nostr:" + npub, Protocol: protocol.Nostr})
	require.NoError(t, st.PutUser(user))

	rec := get(s, "/.well-known/nostr.json?name=alice.bsky.social")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var body struct {
		Names map[string]string `json:"names"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, testPubkey, body.Names["alice.bsky.social"])
}

func TestNIP05NeverServesNativeNostrUsers(t *testing.T) {
	s, st := newTestServer(t)

	require.NoError(t, st.PutUser(&store.User{
		Protocol: protocol.Nostr,
		ID:       "nostr:npub1alice",
		Handle:   "alice@example.com",
	}))

	rec := get(s, "/.well-known/nostr.json?name=alice@example.com")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNIP05MissingAndUnhealthy(t *testing.T) {
	s, st := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, get(s, "/.well-known/nostr.json").Code)
	assert.Equal(t, http.StatusNotFound, get(s, "/.well-known/nostr.json?name=ghost").Code)

	// Unhealthy users are not discoverable.
	npub, err := nip19.EncodePublicKey(testPubkey)
	require.NoError(t, err)
	user := &store.User{
		Protocol:         protocol.ATProto,
		ID:               "did:plc:bob",
		Handle:           "bob.bsky.social",
		EnabledProtocols: []string{protocol.Nostr},
		Status:           "blocked",
	}
	user.AddCopy(store.Target{URI: "nostr:" + npub, Protocol: protocol.Nostr})
	require.NoError(t, st.PutUser(user))

	assert.Equal(t, http.StatusNotFound, get(s, "/.well-known/nostr.json?name=bob.bsky.social").Code)
}

func TestATProtoDIDAttestation(t *testing.T) {
	s, st := newTestServer(t)

	user := &store.User{
		Protocol:         protocol.Nostr,
		ID:               "nostr:npub1alice",
		Handle:           "alice@example.com",
		EnabledProtocols: []string{protocol.ATProto},
	}
	user.AddCopy(store.Target{URI: "did:plc:shadow", Protocol: protocol.ATProto})
	require.NoError(t, st.PutUser(user))

	rec := get(s, "/.well-known/atproto-did?protocol=nostr&id=alice@example.com")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "did:plc:shadow", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestATProtoDIDRejectsNativeProtocol(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(s, "/.well-known/atproto-did?protocol=atproto&id=alice.bsky.social")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClientMetadata(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(s, "/oauth/client-metadata.json")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "https://bridge.example.com/oauth/client-metadata.json", doc["client_id"])
}
