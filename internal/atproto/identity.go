package atproto

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fedbridge/bridgehub/internal/protocol"
	"github.com/fedbridge/bridgehub/internal/store"
)

// Identity is the ATProto identity adapter: syntactic ownership tests,
// handle↔DID resolution, and DID-doc/record loading with a local-first
// policy.
type Identity struct {
	Store *store.Store
	PLC   *PLCClient
	DNS   *DNSManager
	// Resolver is the recursive DNS server for handle TXT lookups, host:port.
	Resolver string

	http *http.Client
}

// NewIdentity builds the adapter with the process-wide HTTP timeout.
func NewIdentity(st *store.Store, plc *PLCClient, dns *DNSManager, resolver string) *Identity {
	return &Identity{
		Store:    st,
		PLC:      plc,
		DNS:      dns,
		Resolver: resolver,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// OwnsID classifies an id string.
func (i *Identity) OwnsID(id string) protocol.Owns {
	switch {
	case strings.HasPrefix(id, "did:plc:"), strings.HasPrefix(id, "did:web:"),
		strings.HasPrefix(id, "at://"):
		return protocol.OwnsYes
	case strings.HasPrefix(id, "did:"), strings.HasPrefix(id, "nostr:"),
		strings.HasPrefix(id, "npub1"), strings.Contains(id, "://"):
		return protocol.OwnsNo
	}
	return protocol.OwnsNo
}

// OwnsHandle classifies a handle string. A bare domain is only maybe ours:
// the same shape is a valid NIP-05 identifier.
func (i *Identity) OwnsHandle(handle string) protocol.Owns {
	if handle == "" || strings.ContainsAny(handle, "@:/ ") {
		return protocol.OwnsNo
	}
	if strings.Contains(handle, ".") {
		return protocol.OwnsMaybe
	}
	return protocol.OwnsNo
}

// HandleToID resolves a handle to its DID: local datastore first, then the
// DNS TXT attestation, then the HTTPS well-known fallback. localOnly forbids
// network.
func (i *Identity) HandleToID(ctx context.Context, handle string, localOnly bool) (string, error) {
	user, err := i.Store.GetUserByHandle(protocol.ATProto, handle)
	if err != nil {
		return "", err
	}
	if user != nil {
		return user.ID, nil
	}
	if localOnly {
		return "", nil
	}

	if i.DNS != nil && i.Resolver != "" {
		did, err := i.DNS.ResolveHandle(handle, i.Resolver)
		if err != nil {
			slog.Debug("dns handle resolution failed", "handle", handle, "error", err)
		} else if did != "" {
			return did, nil
		}
	}

	return i.wellKnownDID(ctx, handle)
}

// IDToHandle returns the handle attested by the DID doc's alsoKnownAs, from
// the cached doc if present.
func (i *Identity) IDToHandle(ctx context.Context, did string) (string, error) {
	obj, err := i.Load(ctx, did, LoadOpts{})
	if err != nil || obj == nil {
		return "", err
	}
	var doc DIDDoc
	if err := json.Unmarshal(obj.Raw, &doc); err != nil {
		return "", fmt.Errorf("did doc %s: %w", did, err)
	}
	return doc.Handle(), nil
}

// LoadOpts tunes Load's fetch policy.
type LoadOpts struct {
	// LocalOnly forbids network; a cache miss returns (nil, nil).
	LocalOnly bool
	// Refresh forces a remote fetch even on cache hit.
	Refresh bool
}

// Load returns the Object for an ATProto id (DID or at:// uri), fetching and
// caching it if allowed by opts.
func (i *Identity) Load(ctx context.Context, id string, opts LoadOpts) (*store.Object, error) {
	obj, err := i.Store.GetObject(id)
	if err != nil {
		return nil, err
	}
	if obj != nil && !opts.Refresh {
		return obj, nil
	}
	if opts.LocalOnly {
		return obj, nil
	}

	if obj == nil {
		obj = &store.Object{ID: id, SourceProtocol: protocol.ATProto}
	}
	ok, err := i.Fetch(ctx, obj)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if err := i.Store.PutObject(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Fetch populates obj from the authoritative source: the PLC directory (or
// did:web well-known) for DIDs, the owning PDS for at:// record uris.
func (i *Identity) Fetch(ctx context.Context, obj *store.Object) (bool, error) {
	switch {
	case strings.HasPrefix(obj.ID, "did:plc:"):
		doc, raw, err := i.PLC.Resolve(ctx, obj.ID)
		if err != nil {
			return false, err
		}
		if doc == nil {
			return false, nil
		}
		obj.Raw = raw
		return true, nil

	case strings.HasPrefix(obj.ID, "did:web:"):
		raw, err := i.fetchDIDWeb(ctx, obj.ID)
		if err != nil || raw == nil {
			return false, err
		}
		obj.Raw = raw
		return true, nil

	case strings.HasPrefix(obj.ID, "at://"):
		return i.fetchRecord(ctx, obj)
	}
	return false, fmt.Errorf("fetch: not an atproto id: %s", obj.ID)
}

// ─── Fetch internals ──────────────────────────────────────────────────────────

// wellKnownDID resolves a handle via GET https://<handle>/.well-known/atproto-did.
func (i *Identity) wellKnownDID(ctx context.Context, handle string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://"+handle+"/.well-known/atproto-did", nil)
	if err != nil {
		return "", err
	}
	resp, err := i.http.Do(req)
	if err != nil {
		return "", nil // unresolvable handle, not an error
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", err
	}
	did := strings.TrimSpace(string(body))
	if !strings.HasPrefix(did, "did:") {
		return "", nil
	}
	return did, nil
}

func (i *Identity) fetchDIDWeb(ctx context.Context, did string) (json.RawMessage, error) {
	domain := strings.TrimPrefix(did, "did:web:")
	if decoded, err := url.PathUnescape(domain); err == nil {
		domain = decoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://"+domain+"/.well-known/did.json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := i.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("did:web resolve %s: %w", did, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	return io.ReadAll(resp.Body)
}

// fetchRecord loads an at://did/collection/rkey record from its repo's PDS.
func (i *Identity) fetchRecord(ctx context.Context, obj *store.Object) (bool, error) {
	rest := strings.TrimPrefix(obj.ID, "at://")
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 {
		return false, fmt.Errorf("fetch: malformed at-uri %s", obj.ID)
	}
	did, collection, rkey := parts[0], parts[1], parts[2]

	docObj, err := i.Load(ctx, did, LoadOpts{})
	if err != nil || docObj == nil {
		return false, err
	}
	var doc DIDDoc
	if err := json.Unmarshal(docObj.Raw, &doc); err != nil {
		return false, fmt.Errorf("did doc %s: %w", did, err)
	}
	pds := doc.PDS()
	if pds == "" {
		return false, nil
	}

	params := url.Values{}
	params.Set("repo", did)
	params.Set("collection", collection)
	params.Set("rkey", rkey)
	var out struct {
		Value json.RawMessage `json:"value"`
	}
	client := NewXRPCClient(pds)
	if err := client.Query(ctx, "com.atproto.repo.getRecord", "", params, &out); err != nil {
		slog.Info("record fetch failed", "uri", obj.ID, "error", err)
		return false, nil
	}
	obj.Bsky = out.Value
	return true, nil
}
