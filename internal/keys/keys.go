// Package keys provides custody of the shadow-identity key material the
// bridge signs with: ATProto repo signing keys, PLC rotation keys, and Nostr
// event keys, one set per bridged user.
//
// Keys are derived deterministically from a single root secret via
// HKDF-SHA256 with a domain-separated info label, so the bridge never has to
// persist raw private keys for the common case. A Vault-backed keystore is
// available for deployments that want externally managed key material.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/hkdf"
)

// Key kinds, used as HKDF domain-separation labels.
const (
	KindSigning  = "signing"  // ATProto repo signing key
	KindRotation = "rotation" // PLC rotation key
	KindNostr    = "nostr"    // Nostr Schnorr event key
)

// Keystore returns per-user private keys by kind.
type Keystore interface {
	// Key returns the secp256k1 private key for (userKey, kind).
	Key(userKey, kind string) (*secp256k1.PrivateKey, error)
	// NostrSecretKey returns the hex-encoded Nostr private key for userKey,
	// in the form go-nostr's Event.Sign expects.
	NostrSecretKey(userKey string) (string, error)
}

// Derived is the default Keystore: deterministic per-user keys derived from a
// 32-byte root secret.
//
// Derivation: HKDF-SHA256(ikm=root, salt=nil, info="bridgehub:"+kind+":"+userKey).
// The domain-separated info label prevents an attacker-controlled user id from
// colliding with another user's seed string. salt=nil is safe because the IKM
// already carries 256 bits of entropy. Results are cached.
type Derived struct {
	root []byte

	mu    sync.RWMutex
	cache map[string]*secp256k1.PrivateKey
}

// NewDerived creates a Derived keystore from a hex-encoded 32-byte root secret.
func NewDerived(rootHex string) (*Derived, error) {
	root, err := hex.DecodeString(rootHex)
	if err != nil || len(root) != 32 {
		return nil, fmt.Errorf("keys: root secret must be 32 hex-encoded bytes")
	}
	return &Derived{root: root, cache: make(map[string]*secp256k1.PrivateKey)}, nil
}

// Key derives (or returns the cached) private key for (userKey, kind).
func (d *Derived) Key(userKey, kind string) (*secp256k1.PrivateKey, error) {
	cacheKey := kind + ":" + userKey

	d.mu.RLock()
	if key, ok := d.cache[cacheKey]; ok {
		d.mu.RUnlock()
		return key, nil
	}
	d.mu.RUnlock()

	r := hkdf.New(sha256.New, d.root, nil, []byte("bridgehub:"+cacheKey))
	// Rejection-sample until the candidate is a valid scalar. Overflow odds
	// are ~2^-128 per draw, so this effectively never loops.
	var buf [32]byte
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("keys: hkdf read: %w", err)
		}
		if key := secp256k1.PrivKeyFromBytes(buf[:]); !key.Key.IsZero() {
			d.mu.Lock()
			d.cache[cacheKey] = key
			d.mu.Unlock()
			return key, nil
		}
	}
}

// NostrSecretKey returns the hex private key used to sign Nostr events for
// userKey.
func (d *Derived) NostrSecretKey(userKey string) (string, error) {
	key, err := d.Key(userKey, KindNostr)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key.Serialize()), nil
}

// NostrPublicKey returns the hex-encoded x-only Schnorr public key for
// userKey, the form used in Nostr event pubkey fields and "#p" filters.
func NostrPublicKey(ks Keystore, userKey string) (string, error) {
	key, err := ks.Key(userKey, KindNostr)
	if err != nil {
		return "", err
	}
	// x-only: drop the 0x02/0x03 prefix byte of the compressed form.
	return hex.EncodeToString(key.PubKey().SerializeCompressed()[1:]), nil
}
