// Package es projects records, templates, users and sync state into
// Elasticsearch and serves the queries the HTTP surface exposes.
package es

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/config"
)

// Client wraps the Elasticsearch connection plus the index names derived
// from the configured prefix.
type Client struct {
	es     *elasticsearch.Client
	prefix string
	log    *logrus.Entry

	fieldsMu     sync.Mutex
	mappedFields int
}

// Option adjusts client construction.
type Option func(*elasticsearch.Config)

// WithTransport swaps the HTTP round tripper, which unit tests use to serve
// canned responses without a cluster.
func WithTransport(rt http.RoundTripper) Option {
	return func(cfg *elasticsearch.Config) {
		cfg.Transport = rt
	}
}

// NewClient connects to the configured cluster. The connection is lazy; the
// first request surfaces reachability problems.
func NewClient(cfg config.ElasticsearchConfig, opts ...Option) (*Client, error) {
	esCfg := elasticsearch.Config{
		Addresses: []string{cfg.Host},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	for _, opt := range opts {
		opt(&esCfg)
	}
	conn, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	prefix := cfg.IndexPrefix
	if prefix == "" {
		prefix = "oip"
	}
	return &Client{
		es:     conn,
		prefix: prefix,
		log:    common.ComponentLogger("es"),
	}, nil
}

func (c *Client) RecordsIndex() string   { return c.prefix + "-records" }
func (c *Client) TemplatesIndex() string { return c.prefix + "-templates" }
func (c *Client) UsersIndex() string     { return c.prefix + "-users" }
func (c *Client) StateIndex() string     { return c.prefix + "-state" }

// Ping reports cluster reachability for the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return common.Failf(common.FailureTransient, "elasticsearch ping: %w", err)
	}
	defer drain(resp)
	if resp.IsError() {
		return statusFailure("ping", resp)
	}
	return nil
}

// EnsureIndices creates the daemon's indices when missing. Existing indices
// are left untouched; mapping drift on an existing cluster is a corruption
// signal handled at startup, not here.
func (c *Client) EnsureIndices(ctx context.Context) error {
	for index, body := range map[string]string{
		c.RecordsIndex():   recordsIndexBody,
		c.TemplatesIndex(): templatesIndexBody,
		c.UsersIndex():     usersIndexBody,
		c.StateIndex():     stateIndexBody,
	} {
		exists, err := c.indexExists(ctx, index)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := c.createIndex(ctx, index, body); err != nil {
			return err
		}
		c.log.WithField("index", index).Info("created index")
	}
	// Field pressure survives restarts in the mapping itself; seed the
	// counter from the live index so the warning fires on old clusters too.
	if n, err := c.MappedFieldCount(ctx); err == nil {
		c.seedMappedFields(n)
	} else {
		c.log.WithError(err).Debug("could not count mapped fields")
	}
	return nil
}

func (c *Client) indexExists(ctx context.Context, index string) (bool, error) {
	resp, err := c.es.Indices.Exists([]string{index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, common.Failf(common.FailureTransient, "check index %s: %w", index, err)
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusFailure("index exists", resp)
	}
}

func (c *Client) createIndex(ctx context.Context, index, body string) error {
	resp, err := c.es.Indices.Create(index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(strings.NewReader(body)),
	)
	if err != nil {
		return common.Failf(common.FailureTransient, "create index %s: %w", index, err)
	}
	defer drain(resp)
	if resp.IsError() {
		// A concurrent creator winning the race is fine.
		if strings.Contains(resp.String(), "resource_already_exists_exception") {
			return nil
		}
		return statusFailure("create index "+index, resp)
	}
	return nil
}

// drain finishes a response so the connection can be reused.
func drain(resp *esapi.Response) {
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
}

// statusFailure converts an error response into the failure taxonomy: 404 is
// NotFound, throttling and server errors are Transient, the rest are Decode
// problems the caller sent.
func statusFailure(op string, resp *esapi.Response) error {
	msg := responseReason(resp)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return common.Failf(common.FailureNotFound, "%s: %s", op, msg)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return common.Failf(common.FailureTransient, "%s: %s", op, msg)
	default:
		return common.Failf(common.FailureDecode, "%s: %s", op, msg)
	}
}

// responseReason digs the first reason string out of an error body.
func responseReason(resp *esapi.Response) string {
	if resp.Body == nil {
		return resp.Status()
	}
	var envelope struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Reason == "" {
		return resp.Status()
	}
	return envelope.Error.Type + ": " + envelope.Error.Reason
}
