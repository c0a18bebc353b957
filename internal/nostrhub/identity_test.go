package nostrhub

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedbridge/bridgehub/internal/protocol"
)

func TestOwnsID(t *testing.T) {
	i := &Identity{}

	assert.Equal(t, protocol.OwnsYes, i.OwnsID("npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6"))
	assert.Equal(t, protocol.OwnsYes, i.OwnsID("nostr:npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6"))
	assert.Equal(t, protocol.OwnsYes, i.OwnsID("note1fntxtkcy9pjwucqwa9mddn7v03wwwsu9j330jj350nvhpky2tuaspk6nqc"))
	assert.Equal(t, protocol.OwnsMaybe, i.OwnsID(pkNative))
	assert.Equal(t, protocol.OwnsNo, i.OwnsID("did:plc:abc"))
	assert.Equal(t, protocol.OwnsNo, i.OwnsID("alice@example.com"))
}

func TestOwnsHandle(t *testing.T) {
	i := &Identity{}

	assert.Equal(t, protocol.OwnsYes, i.OwnsHandle("alice@example.com"))
	assert.Equal(t, protocol.OwnsMaybe, i.OwnsHandle("example.com"))
	assert.Equal(t, protocol.OwnsNo, i.OwnsHandle("a@b@c"))
	assert.Equal(t, protocol.OwnsNo, i.OwnsHandle("https://example.com"))
	assert.Equal(t, protocol.OwnsNo, i.OwnsHandle(""))
}

func TestUserIDRoundTrip(t *testing.T) {
	id, err := UserID(pkNative)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "nostr:npub1"), id)

	pk, err := PubkeyOf(id)
	require.NoError(t, err)
	assert.Equal(t, pkNative, pk)
}

func TestPubkeyOfHexPassthrough(t *testing.T) {
	pk, err := PubkeyOf(pkNative)
	require.NoError(t, err)
	assert.Equal(t, pkNative, pk)
}

func TestEventID(t *testing.T) {
	id, err := EventID(pkBridged)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "nostr:note1"), id)
}

func TestIsHexID(t *testing.T) {
	assert.True(t, isHexID(pkNative))
	assert.False(t, isHexID(pkNative[:63]))
	assert.False(t, isHexID(strings.ToUpper(pkNative)))
	assert.False(t, isHexID(strings.Repeat("g", 64)))
}
