// Package offchain provides the client for the content-addressed report store.
package offchain

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"certmint/certerr"
	"certmint/logger"
	"certmint/models"
)

// Gateway persists certificate payloads off-chain.
type Gateway interface {
	// Store uploads the payload and returns its permanent locator.
	Store(ctx context.Context, payload models.CertificatePayload) (*Receipt, error)
}

// Receipt locates a stored payload.
type Receipt struct {
	Hash string `json:"hash"`
	URL  string `json:"url"`
	// Digest is the CIDv1 of the uploaded bytes, computed locally.
	Digest string `json:"digest"`
}

type uploadResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	IPFS    struct {
		Hash string `json:"hash"`
		URL  string `json:"url"`
	} `json:"ipfs"`
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithTimeout bounds each upload.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// Client is the HTTP implementation of Gateway. It never retries.
type Client struct {
	url    string
	apiKey string
	http   *http.Client
}

// NewClient creates a client posting to url.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:  url,
		http: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Digest returns the CIDv1 (raw, sha2-256) of data.
func Digest(data []byte) (string, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

func (c *Client) Store(ctx context.Context, payload models.CertificatePayload) (*Receipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, certerr.New(certerr.StorageUnavailable, eris.Wrap(err, "offchain: encode payload"))
	}
	digest, err := Digest(body)
	if err != nil {
		return nil, certerr.New(certerr.StorageUnavailable, eris.Wrap(err, "offchain: digest payload"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, certerr.New(certerr.StorageUnavailable, eris.Wrap(err, "offchain: create request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", digest)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, certerr.New(certerr.StorageUnavailable, eris.Wrap(err, "offchain: request failed"))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, certerr.New(certerr.StorageUnavailable, eris.Wrap(err, "offchain: read response body"))
	}

	var out uploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, certerr.New(certerr.StorageUnavailable,
			eris.Wrapf(err, "offchain: decode response (status %d)", resp.StatusCode))
	}
	if resp.StatusCode/100 != 2 || !out.Success {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, certerr.New(certerr.StorageUnavailable,
			eris.Errorf("offchain: upload rejected (status %d): %s", resp.StatusCode, msg))
	}
	if out.IPFS.Hash == "" {
		return nil, certerr.New(certerr.StorageUnavailable, eris.New("offchain: response carries no hash"))
	}

	logger.Logger.Debug("Stored certificate payload",
		zap.String("hash", out.IPFS.Hash),
		zap.String("digest", digest),
		zap.String("contract", payload.ContractAddress))

	return &Receipt{Hash: out.IPFS.Hash, URL: out.IPFS.URL, Digest: digest}, nil
}
