package keys

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	vault "github.com/hashicorp/vault/api"
)

// Vault is a Keystore backed by a Vault KV v2 mount. Each user's keys live at
// <mount>/data/<prefix>/<userKey> with one hex-encoded field per kind.
// Missing keys are generated, written back, and cached.
type Vault struct {
	client *vault.Client
	mount  string
	prefix string

	mu    sync.Mutex
	cache map[string]*secp256k1.PrivateKey
}

// NewVault creates a Vault keystore. addr and token configure the client;
// mount is the KV v2 mount name (eg "secret").
func NewVault(addr, token, mount, prefix string) (*Vault, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = addr
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(token)
	return &Vault{
		client: client,
		mount:  mount,
		prefix: prefix,
		cache:  make(map[string]*secp256k1.PrivateKey),
	}, nil
}

// Key loads the private key for (userKey, kind) from Vault, generating and
// storing a fresh one if the field doesn't exist yet.
func (v *Vault) Key(userKey, kind string) (*secp256k1.PrivateKey, error) {
	cacheKey := kind + ":" + userKey
	v.mu.Lock()
	defer v.mu.Unlock()
	if key, ok := v.cache[cacheKey]; ok {
		return key, nil
	}

	ctx := context.Background()
	path := v.prefix + "/" + userKey
	kv := v.client.KVv2(v.mount)

	secret, err := kv.Get(ctx, path)
	if err != nil && !isVaultNotFound(err) {
		return nil, fmt.Errorf("vault read %s: %w", path, err)
	}

	data := map[string]any{}
	if secret != nil && secret.Data != nil {
		data = secret.Data
	}
	if raw, ok := data[kind].(string); ok {
		keyBytes, err := hex.DecodeString(raw)
		if err != nil || len(keyBytes) != 32 {
			return nil, fmt.Errorf("vault: corrupt %s key for %s", kind, userKey)
		}
		key := secp256k1.PrivKeyFromBytes(keyBytes)
		v.cache[cacheKey] = key
		return key, nil
	}

	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	data[kind] = hex.EncodeToString(key.Serialize())
	if _, err := kv.Put(ctx, path, data); err != nil {
		return nil, fmt.Errorf("vault write %s: %w", path, err)
	}
	v.cache[cacheKey] = key
	return key, nil
}

// NostrSecretKey returns the hex private key used to sign Nostr events for
// userKey.
func (v *Vault) NostrSecretKey(userKey string) (string, error) {
	key, err := v.Key(userKey, KindNostr)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key.Serialize()), nil
}

func isVaultNotFound(err error) bool {
	if errors.Is(err, vault.ErrSecretNotFound) {
		return true
	}
	var respErr *vault.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
