package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestType(t *testing.T) {
	assert.Equal(t, "note", Type(map[string]any{"objectType": "note"}))
	assert.Equal(t, "follow", Type(map[string]any{"objectType": "activity", "verb": "follow"}))
	assert.Equal(t, "delete", Type(map[string]any{"verb": "delete"}))
	assert.Empty(t, Type(nil))
}

func TestCapabilityVerb(t *testing.T) {
	assert.Equal(t, "post", CapabilityVerb(map[string]any{"objectType": "note"}))
	assert.Equal(t, "post", CapabilityVerb(map[string]any{"objectType": "comment"}))
	assert.Equal(t, "update", CapabilityVerb(map[string]any{"objectType": "person"}))
	assert.Equal(t, "follow", CapabilityVerb(map[string]any{"objectType": "activity", "verb": "follow"}))
}

func TestInner(t *testing.T) {
	assert.Equal(t, map[string]any{"id": "x"}, Inner(map[string]any{"object": "x"}))
	assert.Equal(t, map[string]any{"id": "x", "content": "hi"},
		Inner(map[string]any{"object": map[string]any{"id": "x", "content": "hi"}}))
	assert.Nil(t, Inner(map[string]any{}))
	assert.Nil(t, Inner(map[string]any{"object": ""}))
}

func TestActorAndOwner(t *testing.T) {
	assert.Equal(t, "did:plc:x", Actor(map[string]any{"actor": "did:plc:x"}))
	assert.Equal(t, "did:plc:x", Actor(map[string]any{"author": map[string]any{"id": "did:plc:x"}}))
	assert.Empty(t, Actor(map[string]any{}))

	assert.Equal(t, "did:plc:x", Owner(map[string]any{"objectType": "person", "id": "did:plc:x"}))
	assert.Empty(t, Owner(map[string]any{"objectType": "note", "id": "at://x"}))
}

func TestRecipientIfDM(t *testing.T) {
	dm := map[string]any{
		"objectType": "note",
		"to":         []any{map[string]any{"id": "did:plc:bob"}},
	}
	assert.Equal(t, "did:plc:bob", RecipientIfDM(dm))

	public := map[string]any{
		"objectType": "note",
		"to":         []any{"@public"},
	}
	assert.Empty(t, RecipientIfDM(public))

	wrapped := map[string]any{
		"objectType": "activity",
		"verb":       "post",
		"object":     dm,
	}
	assert.Equal(t, "did:plc:bob", RecipientIfDM(wrapped))

	assert.Empty(t, RecipientIfDM(map[string]any{"objectType": "note"}))
}

func TestSourceProtocolFor(t *testing.T) {
	assert.Equal(t, "atproto", SourceProtocolFor("did:plc:x"))
	assert.Equal(t, "atproto", SourceProtocolFor("at://did:plc:x/app.bsky.feed.post/y"))
	assert.Equal(t, "nostr", SourceProtocolFor("nostr:npub1x"))
	assert.Equal(t, "nostr", SourceProtocolFor("note1x"))
	assert.Empty(t, SourceProtocolFor("https://example.com"))
}
