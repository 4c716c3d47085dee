// Package arweave reads the append-only log through public gateways: tip
// height, tag-filtered block ranges over GraphQL, and transaction payloads.
package arweave

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/config"
)

const (
	// tipCacheTTL is how long a fetched tip height is trusted.
	tipCacheTTL = 30 * time.Second
	// tipStaleWarn is the age past which serving a cached tip is worth a
	// warning; gateways flaking for this long usually means an outage.
	tipStaleWarn = 10 * time.Minute
	// maxPayloadBytes caps a transaction body read.
	maxPayloadBytes = 16 << 20
)

// IndexMethod is the tag value marking OIP transactions on chain.
const IndexMethod = "OIP"

// TxHeader is the part of a transaction the sync loop plans work from.
type TxHeader struct {
	ID        string
	Height    int64
	Timestamp int64
	Tags      Tags
}

// Tags is the transaction tag set with whitespace-tolerant access. Wallets
// are known to wrap long base64 tag values with newlines.
type Tags map[string]string

// Get returns a tag value as written.
func (t Tags) Get(name string) string { return t[name] }

// GetPacked returns a tag value with all whitespace removed, for base64
// payloads like signatures.
func (t Tags) GetPacked(name string) string {
	return strings.Join(strings.Fields(t[name]), "")
}

// Client talks to one or more Arweave gateways, first configured wins and
// the rest are fallbacks.
type Client struct {
	gateways []string
	httpc    *http.Client
	log      *logrus.Entry

	mu        sync.Mutex
	tipHeight int64
	tipAt     time.Time
}

// Option adjusts client construction.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client, which tests use to serve
// canned gateway responses.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

func NewClient(cfg config.ArweaveConfig, opts ...Option) (*Client, error) {
	configured := cfg.Gateways()
	if len(configured) == 0 || configured[0] == "" {
		return nil, fmt.Errorf("no arweave gateways configured")
	}
	gateways := make([]string, len(configured))
	for i, gw := range configured {
		gateways[i] = strings.TrimRight(gw, "/")
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		gateways: gateways,
		httpc:    &http.Client{Timeout: timeout},
		log:      common.ComponentLogger("arweave"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TipHeight returns the network tip, served from cache while fresh. When
// every gateway fails a stale cached tip is better than halting the loop,
// so it is returned with a warning.
func (c *Client) TipHeight(ctx context.Context) (int64, error) {
	c.mu.Lock()
	if c.tipHeight > 0 && time.Since(c.tipAt) < tipCacheTTL {
		height := c.tipHeight
		c.mu.Unlock()
		return height, nil
	}
	c.mu.Unlock()

	body, err := c.getFirst(ctx, "/info")
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.tipHeight > 0 {
			age := time.Since(c.tipAt)
			entry := c.log.WithField("age", age.String())
			if age > tipStaleWarn {
				entry.Warn("all gateways failed; serving stale tip height")
			} else {
				entry.Debug("serving cached tip height after gateway failure")
			}
			return c.tipHeight, nil
		}
		return 0, err
	}

	var info struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, common.Failf(common.FailureDecode, "decode /info: %w", err)
	}
	c.mu.Lock()
	c.tipHeight = info.Height
	c.tipAt = time.Now()
	c.mu.Unlock()
	return info.Height, nil
}

const blockRangeQuery = `query($min: Int!, $max: Int!, $cursor: String) {
  transactions(
    block: {min: $min, max: $max}
    tags: [{name: "` + TagIndexMethod + `", values: ["` + IndexMethod + `"]}]
    sort: HEIGHT_ASC
    first: 100
    after: $cursor
  ) {
    pageInfo { hasNextPage }
    edges {
      cursor
      node {
        id
        block { height timestamp }
        tags { name value }
      }
    }
  }
}`

// BlockRange lists OIP-tagged transactions in [min, max], ordered by height.
// Pagination is followed to the end before returning.
func (c *Client) BlockRange(ctx context.Context, min, max int64) ([]TxHeader, error) {
	var out []TxHeader
	cursor := ""
	for {
		page, next, err := c.blockRangePage(ctx, min, max, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

func (c *Client) blockRangePage(ctx context.Context, min, max int64, cursor string) ([]TxHeader, string, error) {
	variables := map[string]interface{}{"min": min, "max": max}
	if cursor != "" {
		variables["cursor"] = cursor
	}
	reqBody, err := json.Marshal(map[string]interface{}{
		"query":     blockRangeQuery,
		"variables": variables,
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode graphql request: %w", err)
	}

	body, err := c.postFirst(ctx, "/graphql", reqBody)
	if err != nil {
		return nil, "", err
	}

	var envelope struct {
		Data struct {
			Transactions struct {
				PageInfo struct {
					HasNextPage bool `json:"hasNextPage"`
				} `json:"pageInfo"`
				Edges []struct {
					Cursor string `json:"cursor"`
					Node   struct {
						ID    string `json:"id"`
						Block *struct {
							Height    int64 `json:"height"`
							Timestamp int64 `json:"timestamp"`
						} `json:"block"`
						Tags []struct {
							Name  string `json:"name"`
							Value string `json:"value"`
						} `json:"tags"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"transactions"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", common.Failf(common.FailureDecode, "decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return nil, "", common.Failf(common.FailureTransient, "graphql: %s", envelope.Errors[0].Message)
	}

	edges := envelope.Data.Transactions.Edges
	headers := make([]TxHeader, 0, len(edges))
	lastCursor := ""
	for _, edge := range edges {
		lastCursor = edge.Cursor
		if edge.Node.Block == nil {
			// Unconfirmed transactions have no block yet; the next pass
			// picks them up once mined.
			continue
		}
		tags := make(Tags, len(edge.Node.Tags))
		for _, tag := range edge.Node.Tags {
			tags[tag.Name] = tag.Value
		}
		headers = append(headers, TxHeader{
			ID:        edge.Node.ID,
			Height:    edge.Node.Block.Height,
			Timestamp: edge.Node.Block.Timestamp,
			Tags:      tags,
		})
	}
	if envelope.Data.Transactions.PageInfo.HasNextPage && lastCursor != "" {
		return headers, lastCursor, nil
	}
	return headers, "", nil
}

// FetchData returns a transaction payload, trying /raw first and the
// encoded /tx/<id>/data endpoint when a gateway lacks the raw route. When
// every gateway fails and the transaction is one of the embedded
// bootstrap-critical registrations, the embedded payload is served instead.
func (c *Client) FetchData(ctx context.Context, txid string) ([]byte, error) {
	var lastErr error
	for _, gw := range c.gateways {
		body, err := c.get(ctx, gw, "/raw/"+txid)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if common.KindOf(err) == common.FailureNotFound {
			encoded, encErr := c.get(ctx, gw, "/tx/"+txid+"/data")
			if encErr == nil {
				decoded, decErr := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(encoded)))
				if decErr != nil {
					return nil, common.Failf(common.FailureDecode, "decode tx %s data: %w", txid, decErr)
				}
				return decoded, nil
			}
			lastErr = encErr
		}
	}
	if tx, ok := fallback(txid); ok {
		c.log.WithField("txid", txid).Warn("gateways cannot serve bootstrap transaction; using embedded payload")
		return tx.Payload, nil
	}
	return nil, lastErr
}

// getFirst walks the gateway list for a GET until one answers.
func (c *Client) getFirst(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	for _, gw := range c.gateways {
		body, err := c.get(ctx, gw, path)
		if err == nil {
			return body, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// postFirst walks the gateway list for a JSON POST until one answers.
func (c *Client) postFirst(ctx context.Context, path string, body []byte) ([]byte, error) {
	var lastErr error
	for _, gw := range c.gateways {
		respBody, err := c.post(ctx, gw, path, body)
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		c.log.WithError(err).WithField("gateway", gw).Debug("gateway failed, trying next")
	}
	return nil, lastErr
}

func (c *Client) get(ctx context.Context, gateway, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gateway+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.do(req, gateway+path)
}

func (c *Client) post(ctx context.Context, gateway, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gateway+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, gateway+path)
}

func (c *Client) do(req *http.Request, target string) ([]byte, error) {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, common.Failf(common.FailureTransient, "%s: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, common.Failf(common.FailureTransient, "read %s: %w", target, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound ||
		resp.StatusCode == http.StatusAccepted ||
		resp.StatusCode == http.StatusGone:
		// 202 means the transaction is known but not yet seeded.
		return nil, common.Failf(common.FailureNotFound, "%s: %s", target, resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, common.Failf(common.FailureTransient, "%s: %s", target, resp.Status)
	default:
		return nil, common.Failf(common.FailureDecode, "%s: %s", target, resp.Status)
	}
}
