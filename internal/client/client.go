// Package client is a small JSON-RPC client for the sealchat daemon. It seals
// and opens envelopes locally; private keys never leave the caller.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"sealchat/go-backend/internal/crypto"
	"sealchat/go-backend/pkg/models"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8787"
	TokenHeader    = "X-Seal-Token"
)

// RPCError is an error object returned by the daemon.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	nextID  atomic.Int64
}

// New returns a client for baseURL. A nil httpClient uses a 30s timeout for
// calls; streams use a client without a timeout.
func New(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, token: strings.TrimSpace(token), http: httpClient}
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call invokes method and decodes the result into out when out is not nil.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: http %d: %s", method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(decoded.Result, out)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) Health(ctx context.Context) (models.HealthStatus, error) {
	var out models.HealthStatus
	err := c.Call(ctx, "health_check", nil, &out)
	return out, err
}

func (c *Client) RegisterKey(ctx context.Context, pub crypto.PublicKey) (models.Identity, error) {
	var out models.Identity
	err := c.Call(ctx, "keys.register", models.RegisterKeyRequest{PublicKey: pub.Bytes()}, &out)
	return out, err
}

func (c *Client) LookupKey(ctx context.Context, identityID string) (models.Identity, error) {
	var out models.Identity
	err := c.Call(ctx, "keys.lookup", models.LookupKeyRequest{IdentityID: identityID}, &out)
	return out, err
}

// SendText looks up the recipient's current key, seals text to it and sends
// the envelope.
func (c *Client) SendText(ctx context.Context, kp crypto.KeyPair, recipientID, text string) (models.SendResult, error) {
	recipient, err := c.LookupKey(ctx, recipientID)
	if err != nil {
		return models.SendResult{}, err
	}
	pk, err := crypto.ParsePublicKey(recipient.PublicKey)
	if err != nil {
		return models.SendResult{}, err
	}
	ct, nonce, err := crypto.Encrypt([]byte(text), pk, kp.Private)
	if err != nil {
		return models.SendResult{}, err
	}
	return c.Send(ctx, models.SendRequest{
		RecipientID:     recipientID,
		Ciphertext:      ct,
		Nonce:           nonce.Bytes(),
		SenderPublicKey: kp.Public.Bytes(),
	})
}

func (c *Client) Send(ctx context.Context, req models.SendRequest) (models.SendResult, error) {
	var out models.SendResult
	err := c.Call(ctx, "message.send", req, &out)
	return out, err
}

func (c *Client) Conversation(ctx context.Context, q models.ConversationQuery) ([]models.Envelope, error) {
	var out models.ConversationResult
	if err := c.Call(ctx, "message.conversation", q, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) MarkDelivered(ctx context.Context, envelopeID string) (models.Envelope, error) {
	var out models.Envelope
	err := c.Call(ctx, "message.delivered", models.AckRequest{EnvelopeID: envelopeID}, &out)
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, envelopeID string) (models.Envelope, error) {
	var out models.Envelope
	err := c.Call(ctx, "message.read", models.AckRequest{EnvelopeID: envelopeID}, &out)
	return out, err
}

// Open decrypts an envelope addressed to kp using the sender key recorded in
// the envelope itself.
func Open(kp crypto.KeyPair, ciphertext, nonce, senderPublicKey []byte) (string, error) {
	plain, err := crypto.DecryptBytes(ciphertext, nonce, senderPublicKey, kp.Private.Bytes())
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
