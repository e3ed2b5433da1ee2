// Package pathwell is the client SDK for agent developers: key generation,
// registration against the identity registry, and signed requests through
// the proxy gateway.
package pathwell

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pathwell/fabric/pkg/api"
	"github.com/pathwell/fabric/pkg/contracts"
)

const (
	headerSignature = "X-Pathwell-Signature"
	headerTimestamp = "X-Pathwell-Timestamp"
	headerAgentID   = "X-Pathwell-Agent-Id"

	rsaKeyBits = 2048
)

// Client talks to a Pathwell deployment on behalf of one agent.
type Client struct {
	registryURL string
	gatewayURL  string
	agentID     string
	key         *rsa.PrivateKey
	http        *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithPrivateKey supplies an existing key instead of generating one.
func WithPrivateKey(key *rsa.PrivateKey) Option {
	return func(c *Client) { c.key = key }
}

// New builds a client for the given agent. A fresh RSA key pair is
// generated unless one is supplied.
func New(registryURL, gatewayURL, agentID string, opts ...Option) (*Client, error) {
	c := &Client{
		registryURL: registryURL,
		gatewayURL:  gatewayURL,
		agentID:     agentID,
		http:        &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.key == nil {
		key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return nil, fmt.Errorf("generate key pair: %w", err)
		}
		c.key = key
	}
	return c, nil
}

// PublicKeyPEM returns the agent's public key in PKIX PEM form, as the
// registration endpoints expect it.
func (c *Client) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&c.key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// RegisterDeveloper registers the owning developer.
func (c *Client) RegisterDeveloper(ctx context.Context, developerID string, enterpriseID *string) error {
	publicKey, err := c.PublicKeyPEM()
	if err != nil {
		return err
	}
	var resp contracts.RegisterDeveloperResponse
	return c.postJSON(ctx, c.registryURL+"/v1/developers/register", &contracts.RegisterDeveloperRequest{
		DeveloperID:  developerID,
		EnterpriseID: enterpriseID,
		PublicKeyPEM: publicKey,
	}, &resp)
}

// RegisterAgent registers this client's agent under the developer and
// returns the issued certificate chain.
func (c *Client) RegisterAgent(ctx context.Context, developerID string) (string, error) {
	publicKey, err := c.PublicKeyPEM()
	if err != nil {
		return "", err
	}
	var resp contracts.RegisterAgentResponse
	err = c.postJSON(ctx, c.registryURL+"/v1/agents/register", &contracts.RegisterAgentRequest{
		AgentID:      c.agentID,
		DeveloperID:  developerID,
		PublicKeyPEM: publicKey,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.CertificateChain, nil
}

// Do sends a signed request through the gateway. The body is buffered so
// it can be hashed into the signature.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.gatewayURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Unix()
	signature, err := c.sign(method, path, body, now)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	req.Header.Set(headerAgentID, c.agentID)
	req.Header.Set(headerTimestamp, strconv.FormatInt(now, 10))
	req.Header.Set(headerSignature, signature)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.http.Do(req)
}

// sign produces an RSA-PSS SHA-256 signature over the request envelope:
// timestamp, method, path and the hex body hash, newline-joined.
func (c *Client) sign(method, path string, body []byte, timestamp int64) (string, error) {
	bodySum := sha256.Sum256(body)
	message := fmt.Sprintf("%d\n%s\n%s\n%s", timestamp, method, path, hex.EncodeToString(bodySum[:]))
	digest := sha256.Sum256([]byte(message))

	sig, err := rsa.SignPSS(rand.Reader, c.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a signature produced by sign, for services that enforce
// request signing at the edge.
func Verify(publicKey *rsa.PublicKey, method, path string, body []byte, timestamp int64, signature string) error {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	bodySum := sha256.Sum256(body)
	message := fmt.Sprintf("%d\n%s\n%s\n%s", timestamp, method, path, hex.EncodeToString(bodySum[:]))
	digest := sha256.Sum256([]byte(message))
	return rsa.VerifyPSS(publicKey, crypto.SHA256, digest[:], raw, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
}

func (c *Client) postJSON(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr api.ErrorBody
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Code != "" {
			return &apiErr
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
