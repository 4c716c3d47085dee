package arweave

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
)

// Publisher submits prepared OIP transactions through an external publishing
// service that holds the chain wallet and pays for the upload. The node never
// touches chain keys; it hands over tags and payload and gets a txid back.
type Publisher struct {
	base  string
	httpc *http.Client
	log   *logrus.Entry
}

// PublisherOption adjusts publisher construction.
type PublisherOption func(*Publisher)

// WithPublisherHTTPClient swaps the underlying HTTP client for tests.
func WithPublisherHTTPClient(httpc *http.Client) PublisherOption {
	return func(p *Publisher) { p.httpc = httpc }
}

// NewPublisher creates a client for the publishing service at baseURL.
func NewPublisher(baseURL string, opts ...PublisherOption) (*Publisher, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("no publisher url configured")
	}
	p := &Publisher{
		base:  strings.TrimRight(baseURL, "/"),
		httpc: &http.Client{Timeout: 60 * time.Second},
		log:   common.ComponentLogger("arweave-publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type submitRequest struct {
	Tags Tags   `json:"tags"`
	Data string `json:"data"` // base64
}

type submitResponse struct {
	ID string `json:"id"`
}

// Submit posts one transaction and returns its id. The record becomes
// visible to sync loops once the network mines it; nothing is projected
// locally here.
func (p *Publisher) Submit(ctx context.Context, tags Tags, payload []byte) (string, error) {
	body, err := json.Marshal(submitRequest{
		Tags: tags,
		Data: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return "", common.Failf(common.FailureDecode, "encode submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/tx", bytes.NewReader(body))
	if err != nil {
		return "", common.Failf(common.FailureTransient, "build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return "", common.Failf(common.FailureTransient, "submit tx: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return "", common.Failf(common.FailureTransient, "publisher returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", common.Failf(common.FailurePolicy, "publisher rejected tx: %d", resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", common.Failf(common.FailureDecode, "decode submit response: %w", err)
	}
	if out.ID == "" {
		return "", common.Failf(common.FailureDecode, "publisher returned no tx id")
	}
	p.log.WithFields(logrus.Fields{
		"txid": out.ID,
		"type": tags.Get(TagType),
	}).Info("transaction submitted")
	return out.ID, nil
}
