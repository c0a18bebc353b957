package nostrhub

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventFromRecord(t *testing.T) {
	ev, err := eventFromRecord(map[string]any{
		"kind":       1,
		"content":    "hello",
		"created_at": 1700000000,
		"tags":       []any{[]any{"e", pkBridged, "", "reply"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Kind)
	assert.Equal(t, "hello", ev.Content)
	assert.Equal(t, nostr.Timestamp(1700000000), ev.CreatedAt)
	require.Len(t, ev.Tags, 1)
	assert.Equal(t, "e", ev.Tags[0][0])
}

func TestEventFromRecordDefaults(t *testing.T) {
	ev, err := eventFromRecord(map[string]any{"kind": 0, "content": "{}"})
	require.NoError(t, err)
	assert.NotZero(t, ev.CreatedAt)
	assert.NotNil(t, ev.Tags)
	assert.Empty(t, ev.Tags)
}

func TestRelayTags(t *testing.T) {
	tags := relayTags([]string{"wss://nos.lol", "wss://relay.damus.io"})
	require.Len(t, tags, 2)
	assert.Equal(t, []string{"r", "wss://nos.lol"}, tags[0])
}
