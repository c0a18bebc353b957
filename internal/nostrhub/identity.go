// Package nostrhub implements the Nostr side of the bridge: identity and
// profile resolution, the relay firehose subscribers, and the publish path
// for shadow events.
package nostrhub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip05"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/fedbridge/bridgehub/internal/protocol"
	"github.com/fedbridge/bridgehub/internal/store"
)

// Statuses set on users whose NIP-05 checks fail.
const (
	StatusNoProfile = "no-profile"
	StatusNoNIP05   = "no-nip05"
)

// Identity is the Nostr identity adapter.
type Identity struct {
	Store *store.Store
	// QueryRelays are the relays profile lookups go through.
	QueryRelays []string
}

// OwnsID classifies an id string.
func (i *Identity) OwnsID(id string) protocol.Owns {
	bare := strings.TrimPrefix(id, "nostr:")
	switch {
	case strings.HasPrefix(bare, "npub1"), strings.HasPrefix(bare, "note1"),
		strings.HasPrefix(bare, "nevent1"), strings.HasPrefix(bare, "nprofile1"),
		strings.HasPrefix(bare, "naddr1"):
		return protocol.OwnsYes
	case isHexID(bare):
		return protocol.OwnsMaybe
	}
	return protocol.OwnsNo
}

// OwnsHandle classifies a handle. NIP-05 identifiers are user@domain or a
// bare domain, the latter shared with ATProto handles.
func (i *Identity) OwnsHandle(handle string) protocol.Owns {
	if handle == "" || strings.ContainsAny(handle, ":/ ") {
		return protocol.OwnsNo
	}
	if strings.Count(handle, "@") == 1 {
		return protocol.OwnsYes
	}
	if strings.Contains(handle, ".") {
		return protocol.OwnsMaybe
	}
	return protocol.OwnsNo
}

// HandleToID resolves a NIP-05 identifier to a nostr:npub id: local datastore
// first, then the .well-known/nostr.json oracle. localOnly forbids network.
func (i *Identity) HandleToID(ctx context.Context, handle string, localOnly bool) (string, error) {
	user, err := i.Store.GetUserByHandle(protocol.Nostr, handle)
	if err != nil {
		return "", err
	}
	if user != nil {
		return user.ID, nil
	}
	if localOnly {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	pointer, err := nip05.QueryIdentifier(ctx, handle)
	if err != nil || pointer == nil {
		slog.Debug("nip05 lookup failed", "handle", handle, "error", err)
		return "", nil
	}
	npub, err := nip19.EncodePublicKey(pointer.PublicKey)
	if err != nil {
		return "", err
	}
	return "nostr:" + npub, nil
}

// IDToHandle returns the nip05 field of the user's cached profile event.
func (i *Identity) IDToHandle(ctx context.Context, id string) (string, error) {
	obj, err := i.Load(ctx, id, false)
	if err != nil || obj == nil {
		return "", err
	}
	profile := profileContent(obj.Nostr)
	if profile == nil {
		return "", nil
	}
	nip05Name, _ := profile["nip05"].(string)
	return nip05Name, nil
}

// Load returns the profile Object for a nostr id, fetching from the query
// relays on cache miss unless localOnly.
func (i *Identity) Load(ctx context.Context, id string, localOnly bool) (*store.Object, error) {
	obj, err := i.Store.GetObject(id)
	if err != nil {
		return nil, err
	}
	if obj != nil {
		return obj, nil
	}
	if localOnly {
		return nil, nil
	}

	obj = &store.Object{ID: id, SourceProtocol: protocol.Nostr}
	ok, err := i.Fetch(ctx, obj)
	if err != nil || !ok {
		return nil, err
	}
	if err := i.Store.PutObject(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Fetch populates obj.Nostr from the query relays: the kind-0 profile for
// npub ids, the event itself for note/nevent ids.
func (i *Identity) Fetch(ctx context.Context, obj *store.Object) (bool, error) {
	filter, err := filterForID(obj.ID)
	if err != nil {
		return false, err
	}
	ev := i.querySync(ctx, *filter)
	if ev == nil {
		return false, nil
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return false, err
	}
	obj.Nostr = raw
	return true, nil
}

// ReloadProfile refreshes a native Nostr user's kind-0 profile and kind-10002
// relay list, then cross-checks the profile's nip05 claim. A failed check
// flags the user so the loader excludes them; a later success reactivates.
func (i *Identity) ReloadProfile(ctx context.Context, user *store.User) error {
	pubkey, err := PubkeyOf(user.ID)
	if err != nil {
		return err
	}

	profileEv := i.querySync(ctx, nostr.Filter{Kinds: []int{nostr.KindProfileMetadata},
		Authors: []string{pubkey}, Limit: 1})
	if profileEv == nil {
		user.Status = StatusNoProfile
		return i.Store.PutUser(user)
	}

	raw, err := json.Marshal(profileEv)
	if err != nil {
		return err
	}
	obj := &store.Object{ID: user.ID, SourceProtocol: protocol.Nostr, Nostr: raw, Type: "person"}
	if err := i.Store.PutObject(obj); err != nil {
		return err
	}
	user.ObjID = obj.ID

	if relayEv := i.querySync(ctx, nostr.Filter{Kinds: []int{nostr.KindRelayListMetadata},
		Authors: []string{pubkey}, Limit: 1}); relayEv != nil {
		for _, url := range relayURLs(relayEv) {
			if err := i.Store.PutRelay(&store.Relay{URL: url}); err != nil {
				slog.Warn("relay persist failed", "url", url, "error", err)
			}
		}
	}

	profile := profileContent(raw)
	claimed, _ := profile["nip05"].(string)
	if claimed == "" {
		user.Status = StatusNoNIP05
		user.ValidNIP05 = ""
		return i.Store.PutUser(user)
	}

	nip05Ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	pointer, err := nip05.QueryIdentifier(nip05Ctx, claimed)
	if err != nil || pointer == nil || pointer.PublicKey != pubkey {
		slog.Info("nip05 check failed", "user", user.Key(), "claimed", claimed)
		user.Status = StatusNoNIP05
		user.ValidNIP05 = ""
		return i.Store.PutUser(user)
	}

	user.Status = ""
	user.ValidNIP05 = claimed
	user.Handle = claimed
	return i.Store.PutUser(user)
}

// querySync fetches the newest matching event from the query relays.
func (i *Identity) querySync(ctx context.Context, filter nostr.Filter) *nostr.Event {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var newest *nostr.Event
	for _, url := range i.QueryRelays {
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			slog.Debug("query relay connect failed", "relay", url, "error", err)
			continue
		}
		events, err := relay.QuerySync(ctx, filter)
		relay.Close()
		if err != nil {
			continue
		}
		for _, ev := range events {
			if newest == nil || ev.CreatedAt > newest.CreatedAt {
				newest = ev
			}
		}
	}
	return newest
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// PubkeyOf converts a nostr user id (nostr:npub…, bare npub, or hex) to its
// hex pubkey.
func PubkeyOf(id string) (string, error) {
	bare := strings.TrimPrefix(id, "nostr:")
	if isHexID(bare) {
		return bare, nil
	}
	prefix, value, err := nip19.Decode(bare)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", id, err)
	}
	switch prefix {
	case "npub":
		return value.(string), nil
	case "nprofile":
		return value.(nostr.ProfilePointer).PublicKey, nil
	}
	return "", fmt.Errorf("not a pubkey id: %s", id)
}

// UserID converts a hex pubkey to the canonical nostr:npub… user id.
func UserID(pubkey string) (string, error) {
	npub, err := nip19.EncodePublicKey(pubkey)
	if err != nil {
		return "", err
	}
	return "nostr:" + npub, nil
}

// EventID converts a hex event id to the canonical nostr:note… object id.
func EventID(id string) (string, error) {
	note, err := nip19.EncodeNote(id)
	if err != nil {
		return "", err
	}
	return "nostr:" + note, nil
}

// filterForID builds the query filter matching one nostr id.
func filterForID(id string) (*nostr.Filter, error) {
	bare := strings.TrimPrefix(id, "nostr:")
	if isHexID(bare) {
		return &nostr.Filter{IDs: []string{bare}, Limit: 1}, nil
	}
	prefix, value, err := nip19.Decode(bare)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	switch prefix {
	case "npub":
		return &nostr.Filter{Kinds: []int{nostr.KindProfileMetadata},
			Authors: []string{value.(string)}, Limit: 1}, nil
	case "nprofile":
		return &nostr.Filter{Kinds: []int{nostr.KindProfileMetadata},
			Authors: []string{value.(nostr.ProfilePointer).PublicKey}, Limit: 1}, nil
	case "note":
		return &nostr.Filter{IDs: []string{value.(string)}, Limit: 1}, nil
	case "nevent":
		return &nostr.Filter{IDs: []string{value.(nostr.EventPointer).ID}, Limit: 1}, nil
	}
	return nil, fmt.Errorf("unsupported id shape: %s", id)
}

// profileContent parses the JSON content of a cached kind-0 event.
func profileContent(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var ev nostr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil
	}
	var profile map[string]any
	if err := json.Unmarshal([]byte(ev.Content), &profile); err != nil {
		return nil
	}
	return profile
}

// relayURLs extracts the r-tag relay URLs of a kind-10002 event.
func relayURLs(ev *nostr.Event) []string {
	var urls []string
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		url := tag[1]
		if strings.HasPrefix(url, "wss://") || strings.HasPrefix(url, "ws://") {
			urls = append(urls, url)
		}
	}
	return urls
}

func isHexID(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
