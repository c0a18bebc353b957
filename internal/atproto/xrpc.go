package atproto

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// XRPCClient is a thin XRPC HTTP client. Auth is a per-request service JWT
// signed with the shadow user's repo signing key, so there is no session
// state to refresh.
type XRPCClient struct {
	Host string
	http *http.Client
}

// NewXRPCClient creates a client for the given service host.
func NewXRPCClient(host string) *XRPCClient {
	return &XRPCClient{
		Host: strings.TrimSuffix(host, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// ServiceJWT mints a short-lived ES256K inter-service token: iss is the
// acting DID, aud the destination service DID, lxm the XRPC method.
func ServiceJWT(iss, aud, lxm string, key *secp256k1.PrivateKey) (string, error) {
	header := map[string]string{"typ": "JWT", "alg": "ES256K"}
	var jti [8]byte
	if _, err := rand.Read(jti[:]); err != nil {
		return "", err
	}
	payload := map[string]any{
		"iss": iss,
		"aud": aud,
		"lxm": lxm,
		"exp": time.Now().Add(time.Minute).Unix(),
		"jti": hex.EncodeToString(jti[:]),
	}

	hdrJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(hdrJSON) + "." +
		base64.RawURLEncoding.EncodeToString(payloadJSON)

	digest := sha256.Sum256([]byte(signing))
	sig := secpecdsa.Sign(key, digest[:])
	r, s := sig.R(), sig.S()
	var compact [64]byte
	r.PutBytesUnchecked(compact[:32])
	s.PutBytesUnchecked(compact[32:])

	return signing + "." + base64.RawURLEncoding.EncodeToString(compact[:]), nil
}

// Procedure POSTs an XRPC procedure with a JSON body. jwt may be empty for
// unauthenticated calls.
func (c *XRPCClient) Procedure(ctx context.Context, method, jwt string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.Host+"/xrpc/"+method, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
	return c.do(req, out)
}

// Query GETs an XRPC query.
func (c *XRPCClient) Query(ctx context.Context, method, jwt string, params url.Values, out any) error {
	rawURL := c.Host + "/xrpc/" + method
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
	return c.do(req, out)
}

func (c *XRPCClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ─── Side-path helpers ────────────────────────────────────────────────────────

// CreateReport files a moderation report with the mod service, acting as the
// reporting shadow user.
func (c *XRPCClient) CreateReport(ctx context.Context, asDID, modServiceDID string,
	key *secp256k1.PrivateKey, reasonType, reason, subjectDID string) error {

	jwt, err := ServiceJWT(asDID, modServiceDID, "com.atproto.moderation.createReport", key)
	if err != nil {
		return err
	}
	input := map[string]any{
		"reasonType": reasonType,
		"reason":     reason,
		"subject": map[string]any{
			"$type": "com.atproto.admin.defs#repoRef",
			"did":   subjectDID,
		},
	}
	if err := c.Procedure(ctx, "com.atproto.moderation.createReport", jwt, input, nil); err != nil {
		return fmt.Errorf("createReport for %s: %w", subjectDID, err)
	}
	return nil
}

// SendChatMessage delivers a DM through the chat service on behalf of asDID.
func (c *XRPCClient) SendChatMessage(ctx context.Context, asDID, chatServiceDID string,
	key *secp256k1.PrivateKey, toDID, text string) error {

	jwt, err := ServiceJWT(asDID, chatServiceDID, "chat.bsky.convo.getConvoForMembers", key)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("members", toDID)
	var convo struct {
		Convo struct {
			ID string `json:"id"`
		} `json:"convo"`
	}
	if err := c.Query(ctx, "chat.bsky.convo.getConvoForMembers", jwt, params, &convo); err != nil {
		return fmt.Errorf("getConvoForMembers %s: %w", toDID, err)
	}

	jwt, err = ServiceJWT(asDID, chatServiceDID, "chat.bsky.convo.sendMessage", key)
	if err != nil {
		return err
	}
	input := map[string]any{
		"convoId": convo.Convo.ID,
		"message": map[string]any{"text": text},
	}
	if err := c.Procedure(ctx, "chat.bsky.convo.sendMessage", jwt, input, nil); err != nil {
		return fmt.Errorf("sendMessage to %s: %w", toDID, err)
	}
	return nil
}

// DeactivateAccount deactivates asDID's account on this client's host. Used
// against the old PDS during account migration.
func (c *XRPCClient) DeactivateAccount(ctx context.Context, asDID, hostDID string,
	key *secp256k1.PrivateKey) error {

	jwt, err := ServiceJWT(asDID, hostDID, "com.atproto.server.deactivateAccount", key)
	if err != nil {
		return err
	}
	if err := c.Procedure(ctx, "com.atproto.server.deactivateAccount", jwt,
		map[string]any{}, nil); err != nil {
		return fmt.Errorf("deactivateAccount %s: %w", asDID, err)
	}
	return nil
}
