package atproto

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CAR v1 decoding, just enough to pull records out of firehose commits: a
// varint-prefixed dag-cbor header followed by varint-prefixed (CID || data)
// blocks. We never need to interpret the CIDs beyond using their raw bytes as
// map keys, so there is no multihash verification here.

// ReadCARBlocks decodes the blocks of a CAR v1 byte stream into a map keyed
// by the raw CID bytes.
func ReadCARBlocks(data []byte) (map[string][]byte, error) {
	// Header: varint length + dag-cbor {version, roots}.
	hdrLen, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < hdrLen {
		return nil, fmt.Errorf("car: truncated header")
	}
	var hdr struct {
		Version int `cbor:"version"`
	}
	if err := cbor.Unmarshal(data[n:n+int(hdrLen)], &hdr); err != nil {
		return nil, fmt.Errorf("car: decode header: %w", err)
	}
	if hdr.Version != 1 {
		return nil, fmt.Errorf("car: unsupported version %d", hdr.Version)
	}

	blocks := make(map[string][]byte)
	rest := data[n+int(hdrLen):]
	for len(rest) > 0 {
		blockLen, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest)-n) < blockLen {
			return nil, fmt.Errorf("car: truncated block")
		}
		block := rest[n : n+int(blockLen)]
		rest = rest[n+int(blockLen):]

		cidLen, err := cidByteLen(block)
		if err != nil {
			return nil, err
		}
		blocks[string(block[:cidLen])] = block[cidLen:]
	}
	return blocks, nil
}

// cidByteLen returns the length of the CID at the start of block. CIDv0 is a
// fixed 34-byte sha256 multihash; CIDv1 is version + codec varints followed
// by a multihash.
func cidByteLen(block []byte) (int, error) {
	if len(block) >= 2 && block[0] == 0x12 && block[1] == 0x20 {
		if len(block) < 34 {
			return 0, fmt.Errorf("car: truncated cidv0")
		}
		return 34, nil
	}

	off := 0
	for i := 0; i < 2; i++ { // version, codec
		_, n := binary.Uvarint(block[off:])
		if n <= 0 {
			return 0, fmt.Errorf("car: bad cid varint")
		}
		off += n
	}
	// multihash: code, digest length, digest
	_, n := binary.Uvarint(block[off:])
	if n <= 0 {
		return 0, fmt.Errorf("car: bad multihash code")
	}
	off += n
	size, n := binary.Uvarint(block[off:])
	if n <= 0 {
		return 0, fmt.Errorf("car: bad multihash length")
	}
	off += n + int(size)
	if off > len(block) {
		return 0, fmt.Errorf("car: truncated cid")
	}
	return off, nil
}

// CIDKey extracts the raw CID bytes from a decoded dag-cbor value. Commit ops
// carry CIDs as CBOR tag 42 wrapping a multibase byte string with a leading
// 0x00 identity prefix; the prefix is stripped so the result matches
// ReadCARBlocks keys. Returns "" if v isn't a CID.
func CIDKey(v any) string {
	tag, ok := v.(cbor.Tag)
	if !ok || tag.Number != 42 {
		return ""
	}
	raw, ok := tag.Content.([]byte)
	if !ok || len(raw) == 0 {
		return ""
	}
	if raw[0] == 0x00 {
		raw = raw[1:]
	}
	return string(raw)
}
