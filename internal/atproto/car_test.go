package atproto

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putUvarint(v uint64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, v)
	return buf[:n]
}

// cidV1For builds the CIDv1 dag-cbor sha-256 bytes for data.
func cidV1For(data []byte) []byte {
	sum := sha256.Sum256(data)
	return append([]byte{0x01, 0x71, 0x12, 0x20}, sum[:]...)
}

func buildCAR(t *testing.T, blocks map[string][]byte) []byte {
	t.Helper()
	header, err := cbor.Marshal(map[string]any{"version": 1, "roots": []any{}})
	require.NoError(t, err)

	out := append(putUvarint(uint64(len(header))), header...)
	for cid, data := range blocks {
		block := append([]byte(cid), data...)
		out = append(out, putUvarint(uint64(len(block)))...)
		out = append(out, block...)
	}
	return out
}

func TestReadCARBlocks(t *testing.T) {
	record, err := cbor.Marshal(map[string]any{"$type": "app.bsky.feed.post", "text": "hi"})
	require.NoError(t, err)
	cid := cidV1For(record)

	blocks, err := ReadCARBlocks(buildCAR(t, map[string][]byte{string(cid): record}))
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, record, blocks[string(cid)])
}

func TestReadCARBlocksCIDv0(t *testing.T) {
	data := []byte("block data")
	sum := sha256.Sum256(data)
	cid := append([]byte{0x12, 0x20}, sum[:]...)

	blocks, err := ReadCARBlocks(buildCAR(t, map[string][]byte{string(cid): data}))
	require.NoError(t, err)
	assert.Equal(t, data, blocks[string(cid)])
}

func TestReadCARBlocksTruncated(t *testing.T) {
	car := buildCAR(t, map[string][]byte{string(cidV1For([]byte("x"))): []byte("x")})
	_, err := ReadCARBlocks(car[:len(car)-5])
	assert.Error(t, err)
}

func TestReadCARBlocksBadVersion(t *testing.T) {
	header, err := cbor.Marshal(map[string]any{"version": 2})
	require.NoError(t, err)
	car := append(putUvarint(uint64(len(header))), header...)
	_, err = ReadCARBlocks(car)
	assert.Error(t, err)
}

func TestCIDKey(t *testing.T) {
	cid := cidV1For([]byte("record"))

	// Ops carry CIDs tagged 42 with a multibase identity prefix.
	tagged := cbor.Tag{Number: 42, Content: append([]byte{0x00}, cid...)}
	assert.Equal(t, string(cid), CIDKey(tagged))

	// No identity prefix.
	assert.Equal(t, string(cid), CIDKey(cbor.Tag{Number: 42, Content: cid}))

	// Not a CID.
	assert.Empty(t, CIDKey("at://did:plc:x/app.bsky.feed.post/y"))
	assert.Empty(t, CIDKey(cbor.Tag{Number: 1, Content: cid}))
	assert.Empty(t, CIDKey(nil))
}
