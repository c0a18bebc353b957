package convert

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedbridge/bridgehub/internal/protocol"
	"github.com/fedbridge/bridgehub/internal/store"
)

const (
	testEventID = "43d59c3e082843b3980774bb5b3f3cf8b9ce1c2ca3189f29468f9970d88a5f39"
	testPubkey  = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	testPubkey2 = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
)

func npubURI(t *testing.T, pubkey string) string {
	t.Helper()
	npub, err := nip19.EncodePublicKey(pubkey)
	require.NoError(t, err)
	return "nostr:" + npub
}

func noteURI(t *testing.T, eventID string) string {
	t.Helper()
	note, err := nip19.EncodeNote(eventID)
	require.NoError(t, err)
	return "nostr:" + note
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })
	return st
}

func newBasic(t *testing.T) *Basic {
	return &Basic{IDs: &IDTranslator{Store: newTestStore(t)}}
}

func bskyObject(t *testing.T, id string, record map[string]any) *store.Object {
	t.Helper()
	raw, err := json.Marshal(record)
	require.NoError(t, err)
	return &store.Object{ID: id, SourceProtocol: protocol.ATProto, Bsky: raw}
}

func nostrObject(t *testing.T, id string, ev map[string]any) *store.Object {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return &store.Object{ID: id, SourceProtocol: protocol.Nostr, Nostr: raw}
}

func TestBskyPostToAS1(t *testing.T) {
	b := newBasic(t)
	obj := bskyObject(t, "at://did:plc:alice/app.bsky.feed.post/3kabc", map[string]any{
		"$type":     typePost,
		"text":      "hello world",
		"createdAt": "2025-06-01T12:00:00Z",
	})

	as1, err := b.ToAS1(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, "note", as1["objectType"])
	assert.Equal(t, "hello world", as1["content"])
	assert.Equal(t, "did:plc:alice", as1["author"])
}

func TestBskyReplyToAS1(t *testing.T) {
	b := newBasic(t)
	obj := bskyObject(t, "at://did:plc:alice/app.bsky.feed.post/3kabc", map[string]any{
		"$type": typePost,
		"text":  "re",
		"reply": map[string]any{
			"parent": map[string]any{"uri": "at://did:plc:bob/app.bsky.feed.post/3kxyz"},
		},
	})

	as1, err := b.ToAS1(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, "comment", as1["objectType"])
	refs := as1["inReplyTo"].([]any)
	assert.Equal(t, "at://did:plc:bob/app.bsky.feed.post/3kxyz",
		refs[0].(map[string]any)["id"])
}

func TestBskyFollowToAS1(t *testing.T) {
	b := newBasic(t)
	obj := bskyObject(t, "at://did:plc:alice/app.bsky.graph.follow/3kabc", map[string]any{
		"$type":   typeFollow,
		"subject": "did:plc:bob",
	})

	as1, err := b.ToAS1(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, "follow", as1["verb"])
	assert.Equal(t, "did:plc:alice", as1["actor"])
	assert.Equal(t, "did:plc:bob", as1["object"])
}

func TestNostrNoteToAS1(t *testing.T) {
	b := newBasic(t)
	obj := nostrObject(t, "nostr:note1abc", map[string]any{
		"kind":       1,
		"pubkey":     testPubkey,
		"content":    "gm",
		"created_at": 1700000000,
	})

	as1, err := b.ToAS1(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, "note", as1["objectType"])
	assert.Equal(t, "gm", as1["content"])
	assert.Equal(t, npubURI(t, testPubkey), as1["author"])
	assert.Equal(t, "2023-11-14T22:13:20Z", as1["published"])
}

func TestNostrReplyToAS1UsesBech32Reference(t *testing.T) {
	b := newBasic(t)
	obj := nostrObject(t, "nostr:note1re", map[string]any{
		"kind":       1,
		"pubkey":     testPubkey,
		"content":    "re",
		"created_at": 1700000000,
		"tags":       []any{[]any{"e", testEventID}},
	})

	as1, err := b.ToAS1(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, "comment", as1["objectType"])
	refs := as1["inReplyTo"].([]any)
	assert.Equal(t, noteURI(t, testEventID), refs[0].(map[string]any)["id"])
}

func TestNostrProfileToAS1(t *testing.T) {
	b := newBasic(t)
	obj := nostrObject(t, "nostr:note1meta", map[string]any{
		"kind":    0,
		"pubkey":  testPubkey,
		"content": `{"name":"Alice","about":"hi","picture":"https://x/p.jpg"}`,
	})

	as1, err := b.ToAS1(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, "person", as1["objectType"])
	assert.Equal(t, "Alice", as1["displayName"])
	images := as1["image"].([]any)
	assert.Equal(t, "https://x/p.jpg", images[0].(map[string]any)["url"])
}

func TestNostrFollowListToAS1UsesNewestEdge(t *testing.T) {
	b := newBasic(t)
	obj := nostrObject(t, "nostr:note1follows", map[string]any{
		"kind":   3,
		"pubkey": testPubkey,
		"tags":   []any{[]any{"p", testPubkey2}, []any{"p", testPubkey}},
	})

	as1, err := b.ToAS1(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, "follow", as1["verb"])
	assert.Equal(t, npubURI(t, testPubkey), as1["object"])
}

func TestNostrReactionToAS1(t *testing.T) {
	b := newBasic(t)
	obj := nostrObject(t, "nostr:note1react", map[string]any{
		"kind":    7,
		"pubkey":  testPubkey,
		"content": "+",
		"tags":    []any{[]any{"e", testEventID}},
	})

	as1, err := b.ToAS1(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, "like", as1["verb"])
	assert.Equal(t, noteURI(t, testEventID), as1["object"])
}

func TestConvertNoteToBsky(t *testing.T) {
	b := newBasic(t)
	as1, _ := json.Marshal(map[string]any{
		"objectType": "note",
		"id":         "nostr:note1abc",
		"content":    "gm",
		"published":  "2025-06-01T12:00:00Z",
	})
	obj := &store.Object{ID: "nostr:note1abc", SourceProtocol: protocol.Nostr, AS1: as1}

	record, err := b.Convert(context.Background(), protocol.ATProto, obj, Opts{})
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, typePost, record["$type"])
	assert.Equal(t, "gm", record["text"])
	assert.Equal(t, "2025-06-01T12:00:00Z", record["createdAt"])
}

func TestConvertReplyToUnbridgedPostDropped(t *testing.T) {
	b := newBasic(t)
	as1, _ := json.Marshal(map[string]any{
		"objectType": "comment",
		"id":         "nostr:note1re",
		"content":    "re",
		"inReplyTo":  []any{map[string]any{"id": "nostr:note1gone"}},
	})
	obj := &store.Object{ID: "nostr:note1re", SourceProtocol: protocol.Nostr, AS1: as1}

	record, err := b.Convert(context.Background(), protocol.ATProto, obj, Opts{})
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestConvertReplyToBridgedPostResolvesRawHexReference(t *testing.T) {
	st := newTestStore(t)
	b := &Basic{IDs: &IDTranslator{Store: st}}

	// A bsky post bridged into nostr earlier, its copy keyed on the bech32
	// note uri.
	target := &store.Object{
		ID:             "at://did:plc:bob/app.bsky.feed.post/3kabc",
		SourceProtocol: protocol.ATProto,
	}
	target.AddCopy(store.Target{URI: noteURI(t, testEventID), Protocol: protocol.Nostr})
	require.NoError(t, st.PutObject(target))

	// A native nostr reply references the copy by raw hex event id.
	as1, _ := json.Marshal(map[string]any{
		"objectType": "comment",
		"id":         "nostr:note1re",
		"content":    "re",
		"inReplyTo":  []any{map[string]any{"id": "nostr:" + testEventID}},
	})
	obj := &store.Object{ID: "nostr:note1re", SourceProtocol: protocol.Nostr, AS1: as1}

	record, err := b.Convert(context.Background(), protocol.ATProto, obj, Opts{})
	require.NoError(t, err)
	require.NotNil(t, record, "reply to a bridged post must convert")
	reply := record["reply"].(map[string]any)
	parent := reply["parent"].(map[string]any)
	assert.Equal(t, "at://did:plc:bob/app.bsky.feed.post/3kabc", parent["uri"])
}

func TestConvertNoteToBskyStampsProvenance(t *testing.T) {
	b := newBasic(t)
	as1, _ := json.Marshal(map[string]any{
		"objectType": "note",
		"id":         "nostr:note1abc",
		"content":    "gm",
		"published":  "2025-06-01T12:00:00Z",
	})
	obj := &store.Object{ID: "nostr:note1abc", SourceProtocol: protocol.Nostr, AS1: as1}

	record, err := b.Convert(context.Background(), protocol.ATProto, obj, Opts{})
	require.NoError(t, err)
	require.NotNil(t, record)

	labels := record["labels"].(map[string]any)
	assert.Equal(t, "com.atproto.label.defs#selfLabels", labels["$type"])
	values := labels["values"].([]any)
	assert.Equal(t, "bridged-from-bridgy-fed-nostr", values[0].(map[string]any)["val"])
	assert.Equal(t, "nostr:note1abc", record["bridgyOriginalUrl"])
}

func TestConvertProfileToBskyStampsProvenance(t *testing.T) {
	b := newBasic(t)
	as1, _ := json.Marshal(map[string]any{
		"objectType":  "person",
		"id":          "nostr:npub1alice",
		"displayName": "Alice",
		"summary":     "hi from nostr",
		"url":         "https://njump.me/npub1alice",
	})
	obj := &store.Object{ID: "nostr:npub1alice", SourceProtocol: protocol.Nostr, AS1: as1}

	record, err := b.Convert(context.Background(), protocol.ATProto, obj, Opts{})
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "hi from nostr", record["bridgyOriginalDescription"])
	assert.Equal(t, "https://njump.me/npub1alice", record["bridgyOriginalUrl"])
	labels := record["labels"].(map[string]any)
	values := labels["values"].([]any)
	assert.Equal(t, "bridged-from-bridgy-fed-nostr", values[0].(map[string]any)["val"])
}

func TestConvertBskyNativeRecordsNotStamped(t *testing.T) {
	b := newBasic(t)
	as1, _ := json.Marshal(map[string]any{
		"objectType": "note",
		"id":         "at://did:plc:alice/app.bsky.feed.post/3k",
		"content":    "hi",
	})
	obj := &store.Object{
		ID:             "at://did:plc:alice/app.bsky.feed.post/3k",
		SourceProtocol: protocol.ATProto,
		AS1:            as1,
	}

	record, err := b.Convert(context.Background(), protocol.ATProto, obj, Opts{})
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.NotContains(t, record, "labels")
	assert.NotContains(t, record, "bridgyOriginalUrl")
}

func TestConvertFollowToBsky(t *testing.T) {
	b := newBasic(t)
	as1, _ := json.Marshal(map[string]any{
		"objectType": "activity",
		"verb":       "follow",
		"id":         "nostr:note1f",
		"actor":      "nostr:aa",
		"object":     "did:plc:bob",
	})
	obj := &store.Object{ID: "nostr:note1f", SourceProtocol: protocol.Nostr, AS1: as1}

	record, err := b.Convert(context.Background(), protocol.ATProto, obj, Opts{})
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, typeFollow, record["$type"])
	assert.Equal(t, "did:plc:bob", record["subject"])
}

func TestConvertProfileToNostr(t *testing.T) {
	b := newBasic(t)
	as1, _ := json.Marshal(map[string]any{
		"objectType":  "person",
		"id":          "did:plc:alice",
		"displayName": "Alice",
		"summary":     "hi",
	})
	obj := &store.Object{ID: "did:plc:alice", SourceProtocol: protocol.ATProto, AS1: as1}

	record, err := b.Convert(context.Background(), protocol.Nostr, obj, Opts{
		FromUser: &store.User{Protocol: protocol.ATProto, ID: "did:plc:alice", Handle: "alice.bsky.social"},
	})
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 0, record["kind"])

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(record["content"].(string)), &meta))
	assert.Equal(t, "Alice", meta["name"])
	assert.Equal(t, "alice.bsky.social", meta["nip05"])
}

func TestConvertLikeToNostrTranslatesTarget(t *testing.T) {
	st := newTestStore(t)
	b := &Basic{IDs: &IDTranslator{Store: st}}

	note, err := nip19.EncodeNote(testEventID)
	require.NoError(t, err)

	// The liked post was bridged into nostr earlier; its copy is recorded.
	target := &store.Object{
		ID:             "at://did:plc:bob/app.bsky.feed.post/3kabc",
		SourceProtocol: protocol.ATProto,
	}
	target.AddCopy(store.Target{URI: "nostr:" + note, Protocol: protocol.Nostr})
	require.NoError(t, st.PutObject(target))

	as1, _ := json.Marshal(map[string]any{
		"objectType": "activity",
		"verb":       "like",
		"id":         "at://did:plc:alice/app.bsky.feed.like/3k",
		"actor":      "did:plc:alice",
		"object":     "at://did:plc:bob/app.bsky.feed.post/3kabc",
	})
	obj := &store.Object{
		ID:             "at://did:plc:alice/app.bsky.feed.like/3k",
		SourceProtocol: protocol.ATProto,
		AS1:            as1,
	}

	record, err := b.Convert(context.Background(), protocol.Nostr, obj, Opts{})
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 7, record["kind"])
	assert.Equal(t, "+", record["content"])
	tags := record["tags"].([]any)
	assert.Equal(t, []any{"e", testEventID}, tags[0])
}

func TestIDTranslatorUserRoundTrip(t *testing.T) {
	st := newTestStore(t)
	tr := &IDTranslator{Store: st}

	user := &store.User{Protocol: protocol.Nostr, ID: "nostr:npub1alice"}
	user.AddCopy(store.Target{URI: "did:plc:shadow", Protocol: protocol.ATProto})
	require.NoError(t, st.PutUser(user))

	did, err := tr.TranslateUserID("nostr:npub1alice", protocol.Nostr, protocol.ATProto)
	require.NoError(t, err)
	assert.Equal(t, "did:plc:shadow", did)

	proto, id, err := tr.TranslateBack("did:plc:shadow")
	require.NoError(t, err)
	assert.Equal(t, protocol.Nostr, proto)
	assert.Equal(t, "nostr:npub1alice", id)
}
