package atproto

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/fxamacker/cbor/v2"
	"github.com/mr-tron/base58"
)

// PLCClient talks to the DID-PLC directory.
type PLCClient struct {
	Host string // eg "https://plc.directory"
	http *http.Client
}

// NewPLCClient creates a client for the given PLC directory host.
func NewPLCClient(host string) *PLCClient {
	return &PLCClient{
		Host: strings.TrimSuffix(host, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// PLCOp is a PLC directory operation. Sig is base64url (unpadded) over the
// dag-cbor serialization of the operation without the sig field.
type PLCOp struct {
	Type                string            `json:"type" cbor:"type"`
	RotationKeys        []string          `json:"rotationKeys" cbor:"rotationKeys"`
	VerificationMethods map[string]string `json:"verificationMethods" cbor:"verificationMethods"`
	AlsoKnownAs         []string          `json:"alsoKnownAs" cbor:"alsoKnownAs"`
	Services            map[string]PLCService `json:"services" cbor:"services"`
	Prev                *string           `json:"prev" cbor:"prev"`
	Sig                 string            `json:"sig,omitempty" cbor:"sig,omitempty"`
}

// PLCService is one service entry in a PLC operation.
type PLCService struct {
	Type     string `json:"type" cbor:"type"`
	Endpoint string `json:"endpoint" cbor:"endpoint"`
}

// DIDDoc is the resolved DID document, trimmed to the fields the bridge reads.
type DIDDoc struct {
	ID          string   `json:"id"`
	AlsoKnownAs []string `json:"alsoKnownAs"`
	Service     []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// Handle returns the bare handle from the doc's at:// alsoKnownAs entry.
func (d *DIDDoc) Handle() string {
	for _, aka := range d.AlsoKnownAs {
		if h, ok := strings.CutPrefix(aka, "at://"); ok {
			return h
		}
	}
	return ""
}

// PDS returns the atproto_pds service endpoint, or empty.
func (d *DIDDoc) PDS() string {
	for _, s := range d.Service {
		if s.ID == "#atproto_pds" || s.Type == "AtprotoPersonalDataServer" {
			return s.ServiceEndpoint
		}
	}
	return ""
}

// Resolve fetches the DID document for did. Returns the raw JSON alongside
// the parsed doc so callers can cache it verbatim.
func (c *PLCClient) Resolve(ctx context.Context, did string) (*DIDDoc, json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Host+"/"+did, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("plc resolve %s: %w", did, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil, nil
	}
	if resp.StatusCode >= 400 {
		return nil, nil, fmt.Errorf("plc resolve %s: HTTP %d: %s", did, resp.StatusCode,
			strings.TrimSpace(string(body)))
	}

	var doc DIDDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, nil, fmt.Errorf("plc resolve %s: decode: %w", did, err)
	}
	return &doc, body, nil
}

// Submit posts a signed operation for did to the directory.
func (c *PLCClient) Submit(ctx context.Context, did string, op *PLCOp) error {
	body, err := json.Marshal(op)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Host+"/"+did, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("plc submit %s: %w", did, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("plc submit %s: HTTP %d: %s", did, resp.StatusCode,
			strings.TrimSpace(string(respBody)))
	}
	return nil
}

// CreateDID builds, signs, and submits a genesis operation, returning the new
// did:plc identifier.
func (c *PLCClient) CreateDID(ctx context.Context, handle, pdsURL string,
	signingKey, rotationKey *secp256k1.PrivateKey) (string, error) {

	op := &PLCOp{
		Type:                "plc_operation",
		RotationKeys:        []string{DIDKey(rotationKey.PubKey())},
		VerificationMethods: map[string]string{"atproto": DIDKey(signingKey.PubKey())},
		AlsoKnownAs:         []string{"at://" + handle},
		Services: map[string]PLCService{
			"atproto_pds": {Type: "AtprotoPersonalDataServer", Endpoint: pdsURL},
		},
	}
	if err := SignOp(op, rotationKey); err != nil {
		return "", err
	}

	did, err := didForGenesisOp(op)
	if err != nil {
		return "", err
	}
	if err := c.Submit(ctx, did, op); err != nil {
		return "", err
	}
	return did, nil
}

// LastOp fetches the most recent operation in did's audit log.
func (c *PLCClient) LastOp(ctx context.Context, did string) (*PLCOp, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Host+"/"+did+"/log/last", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("plc log %s: %w", did, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("plc log %s: HTTP %d", did, resp.StatusCode)
	}
	var op PLCOp
	if err := json.Unmarshal(body, &op); err != nil {
		return nil, fmt.Errorf("plc log %s: decode: %w", did, err)
	}
	return &op, nil
}

// UpdateHandle submits an operation replacing did's at:// alsoKnownAs entry,
// chained onto the current last op and signed with the rotation key.
func (c *PLCClient) UpdateHandle(ctx context.Context, did, newHandle string,
	rotationKey *secp256k1.PrivateKey) error {

	last, err := c.LastOp(ctx, did)
	if err != nil {
		return err
	}
	prev, err := CIDForOp(last)
	if err != nil {
		return err
	}

	op := *last
	op.Prev = &prev
	var aka []string
	for _, a := range op.AlsoKnownAs {
		if !strings.HasPrefix(a, "at://") {
			aka = append(aka, a)
		}
	}
	op.AlsoKnownAs = append([]string{"at://" + newHandle}, aka...)

	if err := SignOp(&op, rotationKey); err != nil {
		return err
	}
	return c.Submit(ctx, did, &op)
}

// ─── Key and operation encoding ───────────────────────────────────────────────

// didKeyPrefix is the multicodec varint for secp256k1-pub (0xe7), followed by
// the compressed public key.
var didKeyPrefix = []byte{0xe7, 0x01}

// DIDKey encodes a secp256k1 public key as a did:key string.
func DIDKey(pub *secp256k1.PublicKey) string {
	raw := append(append([]byte{}, didKeyPrefix...), pub.SerializeCompressed()...)
	return "did:key:z" + base58.Encode(raw)
}

// SignOp signs the operation in place: low-S ES256K over sha256 of the
// dag-cbor form without sig, encoded base64url unpadded.
func SignOp(op *PLCOp, key *secp256k1.PrivateKey) error {
	op.Sig = ""
	unsigned, err := opCBOR(op)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(unsigned)
	sig := secpecdsa.Sign(key, digest[:])

	r, s := sig.R(), sig.S()
	var compact [64]byte
	r.PutBytesUnchecked(compact[:32])
	s.PutBytesUnchecked(compact[32:])
	op.Sig = base64.RawURLEncoding.EncodeToString(compact[:])
	return nil
}

// plcBase32 is the lowercase unpadded alphabet PLC uses for did suffixes.
var plcBase32 = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// didForGenesisOp derives the did:plc identifier from the signed genesis op:
// the first 24 chars of base32(sha256(dag-cbor(op))).
func didForGenesisOp(op *PLCOp) (string, error) {
	signed, err := opCBOR(op)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(signed)
	return "did:plc:" + plcBase32.EncodeToString(digest[:])[:24], nil
}

// CIDForOp computes the dag-cbor CIDv1 string of a signed operation, the
// value the next op's prev field carries.
func CIDForOp(op *PLCOp) (string, error) {
	data, err := opCBOR(op)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(data)
	// CIDv1, dag-cbor codec, sha2-256 multihash, multibase base32.
	raw := append([]byte{0x01, 0x71, 0x12, 0x20}, digest[:]...)
	return "b" + plcBase32.EncodeToString(raw), nil
}

// opCBOR serializes an op deterministically, close enough to dag-cbor for PLC
// (canonical map ordering, no floats in these structures).
func opCBOR(op *PLCOp) ([]byte, error) {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return mode.Marshal(op)
}
