package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/record"
)

// RecordQuery carries the filters the search surface accepts.
type RecordQuery struct {
	RecordType string
	Creator    string
	// Template filters to records carrying data under this template name.
	Template string
	// Search is a free-text query across the data section.
	Search string
	// DIDs restricts to an explicit set.
	DIDs []string
	// Source filters by origin backend, "arweave" or "gun".
	Source string
	// MinBlock/MaxBlock bound oip.blockHeight. Zero means unbounded.
	MinBlock int64
	MaxBlock int64
	// OwnerKey widens visibility to private records owned by this public
	// key. Set from the authenticated caller's claims.
	OwnerKey string
	// IncludePrivate lifts the public-only filter entirely, regardless of
	// owner. Reserved for trusted internal callers.
	IncludePrivate bool
	// SortBy is "blockHeight" or "indexedAt"; Order "asc" or "desc".
	SortBy string
	Order  string
	Limit  int
	Offset int
}

// RecordPage is one page of search results.
type RecordPage struct {
	Total   int64            `json:"total"`
	Records []*record.Record `json:"records"`
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// PageSize clamps a requested page size to the service bounds. Zero and
// negative values take the default.
func PageSize(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}

// IndexRecord projects a record keyed by DID. Re-indexing the same DID
// overwrites in place, which is what makes replayed blocks idempotent.
func (c *Client) IndexRecord(ctx context.Context, rec *record.Record) error {
	if rec.OIP.DID == "" {
		return common.Failf(common.FailureDecode, "record has no did")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return common.Failf(common.FailureDecode, "encode record %s: %w", rec.OIP.DID, err)
	}
	resp, err := c.es.Index(
		c.RecordsIndex(),
		bytes.NewReader(body),
		c.es.Index.WithContext(ctx),
		c.es.Index.WithDocumentID(rec.OIP.DID),
	)
	if err != nil {
		return common.Failf(common.FailureTransient, "index record %s: %w", rec.OIP.DID, err)
	}
	defer drain(resp)
	if resp.IsError() {
		return statusFailure("index record "+rec.OIP.DID, resp)
	}
	return nil
}

// GetRecord fetches one record by DID.
func (c *Client) GetRecord(ctx context.Context, did string) (*record.Record, error) {
	resp, err := c.es.Get(
		c.RecordsIndex(),
		did,
		c.es.Get.WithContext(ctx),
	)
	if err != nil {
		return nil, common.Failf(common.FailureTransient, "get record %s: %w", did, err)
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotFound {
		return nil, common.Failf(common.FailureNotFound, "record %s not indexed", did)
	}
	if resp.IsError() {
		return nil, statusFailure("get record "+did, resp)
	}
	var envelope struct {
		Source record.Record `json:"_source"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, common.Failf(common.FailureDecode, "decode record %s: %w", did, err)
	}
	return &envelope.Source, nil
}

// FetchRecord satisfies the resolver's source contract.
func (c *Client) FetchRecord(ctx context.Context, did string) (*record.Record, error) {
	return c.GetRecord(ctx, did)
}

// DeleteRecord removes a record's projection. Deleting an absent record is
// a no-op so deletion replays stay idempotent.
func (c *Client) DeleteRecord(ctx context.Context, did string) error {
	resp, err := c.es.Delete(
		c.RecordsIndex(),
		did,
		c.es.Delete.WithContext(ctx),
	)
	if err != nil {
		return common.Failf(common.FailureTransient, "delete record %s: %w", did, err)
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.IsError() {
		return statusFailure("delete record "+did, resp)
	}
	return nil
}

// SearchRecords runs a filtered query over the records index.
func (c *Client) SearchRecords(ctx context.Context, q RecordQuery) (*RecordPage, error) {
	body, err := json.Marshal(buildRecordQuery(q))
	if err != nil {
		return nil, fmt.Errorf("encode search: %w", err)
	}
	size := PageSize(q.Limit)
	resp, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.RecordsIndex()),
		c.es.Search.WithBody(bytes.NewReader(body)),
		c.es.Search.WithSize(size),
		c.es.Search.WithFrom(q.Offset),
		c.es.Search.WithSort(sortClauses(q)...),
		c.es.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, common.Failf(common.FailureTransient, "search records: %w", err)
	}
	defer drain(resp)
	if resp.IsError() {
		return nil, statusFailure("search records", resp)
	}

	var envelope struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source record.Record `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, common.Failf(common.FailureDecode, "decode search response: %w", err)
	}
	page := &RecordPage{Total: envelope.Hits.Total.Value}
	for i := range envelope.Hits.Hits {
		rec := envelope.Hits.Hits[i].Source
		page.Records = append(page.Records, &rec)
	}
	return page, nil
}

// buildRecordQuery assembles the bool query for a search. Exported behavior
// is covered through SearchRecords; the builder is split out so tests can
// check the JSON shape without a cluster.
func buildRecordQuery(q RecordQuery) map[string]interface{} {
	var filter []interface{}
	var mustNot []interface{}

	if q.RecordType != "" {
		filter = append(filter, term("oip.recordType", q.RecordType))
	}
	if q.Creator != "" {
		filter = append(filter, term("oip.creator.did", q.Creator))
	}
	if q.Template != "" {
		filter = append(filter, map[string]interface{}{
			"exists": map[string]interface{}{"field": "data." + q.Template},
		})
	}
	if len(q.DIDs) > 0 {
		filter = append(filter, map[string]interface{}{
			"terms": map[string]interface{}{"oip.did": q.DIDs},
		})
	}
	if q.Source != "" {
		filter = append(filter, term("oip.storage", q.Source))
	}
	if q.MinBlock > 0 || q.MaxBlock > 0 {
		bounds := map[string]interface{}{}
		if q.MinBlock > 0 {
			bounds["gte"] = q.MinBlock
		}
		if q.MaxBlock > 0 {
			bounds["lte"] = q.MaxBlock
		}
		filter = append(filter, map[string]interface{}{
			"range": map[string]interface{}{"oip.blockHeight": bounds},
		})
	}
	switch {
	case q.IncludePrivate:
		// no visibility clause
	case q.OwnerKey != "":
		// Public records plus private ones the caller owns. Encrypted
		// records have an opaque data section, so ownership there falls
		// back to the creator key.
		filter = append(filter, map[string]interface{}{
			"bool": map[string]interface{}{
				"should": []interface{}{
					map[string]interface{}{
						"bool": map[string]interface{}{"must_not": privateMarkers()},
					},
					term("data.accessControl.owner_public_key", q.OwnerKey),
					term("data.conversationSession.owner_public_key", q.OwnerKey),
					term("oip.creator.publicKey", q.OwnerKey),
				},
				"minimum_should_match": 1,
			},
		})
	default:
		mustNot = append(mustNot, privateMarkers()...)
	}

	boolQuery := map[string]interface{}{}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}
	if len(mustNot) > 0 {
		boolQuery["must_not"] = mustNot
	}
	if q.Search != "" {
		boolQuery["must"] = []interface{}{
			map[string]interface{}{
				"query_string": map[string]interface{}{
					"query":  q.Search,
					"fields": []string{"data.*"},
				},
			},
		}
	}
	if len(boolQuery) == 0 {
		return map[string]interface{}{
			"query": map[string]interface{}{"match_all": map[string]interface{}{}},
		}
	}
	return map[string]interface{}{
		"query": map[string]interface{}{"bool": boolQuery},
	}
}

// privateMarkers lists the clauses that mark a record non-public.
func privateMarkers() []interface{} {
	return []interface{}{
		term("oip.encrypted", true),
		map[string]interface{}{
			"terms": map[string]interface{}{
				"data.accessControl.access_level": []string{
					record.AccessPrivate, record.AccessOrganization,
				},
			},
		},
	}
}

func term(field string, value interface{}) map[string]interface{} {
	return map[string]interface{}{
		"term": map[string]interface{}{field: value},
	}
}

func sortClauses(q RecordQuery) []string {
	order := q.Order
	if order != "asc" {
		order = "desc"
	}
	switch q.SortBy {
	case "indexedAt":
		return []string{"oip.indexedAt:" + order}
	case "blockHeight":
		return []string{"oip.blockHeight:" + order}
	default:
		return []string{"oip.blockHeight:" + order, "oip.indexedAt:" + order}
	}
}
