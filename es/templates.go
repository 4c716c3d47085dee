package es

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/template"
)

// IndexTemplate persists a template document keyed by template ID.
func (c *Client) IndexTemplate(ctx context.Context, tmpl *template.Template) error {
	body, err := json.Marshal(tmpl)
	if err != nil {
		return common.Failf(common.FailureDecode, "encode template %s: %w", tmpl.Name, err)
	}
	resp, err := c.es.Index(
		c.TemplatesIndex(),
		bytes.NewReader(body),
		c.es.Index.WithContext(ctx),
		c.es.Index.WithDocumentID(tmpl.ID),
	)
	if err != nil {
		return common.Failf(common.FailureTransient, "index template %s: %w", tmpl.Name, err)
	}
	defer drain(resp)
	if resp.IsError() {
		return statusFailure("index template "+tmpl.Name, resp)
	}
	return nil
}

// AllTemplates loads every stored template for the registry rebuild.
func (c *Client) AllTemplates(ctx context.Context) ([]*template.Template, error) {
	body := `{"query": {"match_all": {}}, "sort": [{"blockHeight": "asc"}, {"indexedAt": "asc"}]}`
	resp, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.TemplatesIndex()),
		c.es.Search.WithBody(bytes.NewReader([]byte(body))),
		c.es.Search.WithSize(10000),
	)
	if err != nil {
		return nil, common.Failf(common.FailureTransient, "load templates: %w", err)
	}
	defer drain(resp)
	if resp.IsError() {
		return nil, statusFailure("load templates", resp)
	}
	var envelope struct {
		Hits struct {
			Hits []struct {
				Source template.Template `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, common.Failf(common.FailureDecode, "decode templates: %w", err)
	}
	out := make([]*template.Template, 0, len(envelope.Hits.Hits))
	for i := range envelope.Hits.Hits {
		tmpl := envelope.Hits.Hits[i].Source
		out = append(out, &tmpl)
	}
	return out, nil
}

// DeleteTemplate removes a template document. Absent documents are fine;
// the cleanup procedure may retry after a partial failure.
func (c *Client) DeleteTemplate(ctx context.Context, id string) error {
	resp, err := c.es.Delete(
		c.TemplatesIndex(),
		id,
		c.es.Delete.WithContext(ctx),
	)
	if err != nil {
		return common.Failf(common.FailureTransient, "delete template %s: %w", id, err)
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.IsError() {
		return statusFailure("delete template "+id, resp)
	}
	return nil
}

// CountRecordsUsing counts indexed records that carry data under the
// template's name. The registry refuses template deletion while this is
// nonzero.
func (c *Client) CountRecordsUsing(ctx context.Context, name string) (int64, error) {
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"exists": map[string]interface{}{"field": "data." + name},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	resp, err := c.es.Count(
		c.es.Count.WithContext(ctx),
		c.es.Count.WithIndex(c.RecordsIndex()),
		c.es.Count.WithBody(bytes.NewReader(raw)),
	)
	if err != nil {
		return 0, common.Failf(common.FailureTransient, "count records using %s: %w", name, err)
	}
	defer drain(resp)
	if resp.IsError() {
		return 0, statusFailure("count records using "+name, resp)
	}
	var envelope struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return 0, common.Failf(common.FailureDecode, "decode count: %w", err)
	}
	return envelope.Count, nil
}
