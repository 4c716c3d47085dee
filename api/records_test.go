package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/es"
	"github.com/oipwg/oipd/record"
	"github.com/oipwg/oipd/resolver"
)

func TestSearchRecordsBuildsQuery(t *testing.T) {
	idx := newFakeIndex()
	idx.page = &es.RecordPage{
		Total:   2,
		Records: []*record.Record{publicRecord("did:gun:a:1"), publicRecord("did:gun:a:2")},
	}
	h := &Handlers{Records: idx}

	c, rec := jsonCtx(http.MethodGet,
		"/records?recordType=post&creator=did:gun:c&template=post&search=hello"+
			"&source=arweave&sortBy=oip.blockHeight&order=asc&limit=5&offset=10"+
			"&minBlock=100&maxBlock=200&did=did:arweave:t1&did=did:arweave:t2", "")
	require.NoError(t, h.SearchRecords(c))

	q := idx.lastQuery
	assert.Equal(t, "post", q.RecordType)
	assert.Equal(t, "did:gun:c", q.Creator)
	assert.Equal(t, "post", q.Template)
	assert.Equal(t, "hello", q.Search)
	assert.Equal(t, "arweave", q.Source)
	assert.Equal(t, "oip.blockHeight", q.SortBy)
	assert.Equal(t, "asc", q.Order)
	assert.Equal(t, []string{"did:arweave:t1", "did:arweave:t2"}, q.DIDs)
	assert.Equal(t, 5, q.Limit)
	assert.Equal(t, 10, q.Offset)
	assert.Equal(t, int64(100), q.MinBlock)
	assert.Equal(t, int64(200), q.MaxBlock)
	assert.Empty(t, q.OwnerKey, "anonymous searches carry no owner key")

	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Total)
	assert.Len(t, resp.Records, 2)
	assert.Equal(t, 5, resp.Limit)
	assert.Equal(t, 10, resp.Offset)
}

func TestSearchRecordsEchoesEffectiveLimit(t *testing.T) {
	h := &Handlers{Records: newFakeIndex()}

	c, rec := jsonCtx(http.MethodGet, "/records?limit=1000", "")
	require.NoError(t, h.SearchRecords(c))
	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 100, resp.Limit)

	c, rec = jsonCtx(http.MethodGet, "/records", "")
	require.NoError(t, h.SearchRecords(c))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 20, resp.Limit)
}

func TestSearchRecordsTokenWidensVisibility(t *testing.T) {
	idx := newFakeIndex()
	h := &Handlers{Records: idx}

	c, _ := jsonCtx(http.MethodGet, "/records", "")
	asUser(c, "02abc", testEmail)
	require.NoError(t, h.SearchRecords(c))
	assert.Equal(t, "02abc", idx.lastQuery.OwnerKey)
}

func TestSearchRecordsRejectsUnknownSource(t *testing.T) {
	h := &Handlers{Records: newFakeIndex()}

	c, _ := jsonCtx(http.MethodGet, "/records?source=floppy", "")
	err := h.SearchRecords(c)
	require.Error(t, err)
	assert.Equal(t, common.FailureDecode, common.KindOf(err))
}

func TestGetRecordRequiresWellFormedDID(t *testing.T) {
	h := &Handlers{Records: newFakeIndex()}

	c, _ := jsonCtx(http.MethodGet, "/records/oops", "")
	c.SetParamNames("did")
	c.SetParamValues("oops")
	err := h.GetRecord(c)
	require.Error(t, err)
	assert.Equal(t, common.FailureDecode, common.KindOf(err))
}

func TestGetRecordPrivacy(t *testing.T) {
	idx := newFakeIndex(privateRecord("did:gun:o:1", "02owner"))
	h := &Handlers{Records: idx}

	get := func(pub string) (*httptest.ResponseRecorder, error) {
		c, rec := jsonCtx(http.MethodGet, "/records/did:gun:o:1", "")
		c.SetParamNames("did")
		c.SetParamValues("did:gun:o:1")
		if pub != "" {
			asUser(c, pub, testEmail)
		}
		return rec, h.GetRecord(c)
	}

	// the endpoint must not confirm the record exists to non-owners
	_, err := get("")
	assert.Equal(t, common.FailureNotFound, common.KindOf(err))
	_, err = get("02stranger")
	assert.Equal(t, common.FailureNotFound, common.KindOf(err))

	rec, err := get("02owner")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "did:gun:o:1")
}

func TestGetRecordEncryptedFallsBackToCreatorKey(t *testing.T) {
	enc := publicRecord("did:gun:e:1")
	enc.OIP.Encrypted = true
	h := &Handlers{Records: newFakeIndex(enc)}

	c, _ := jsonCtx(http.MethodGet, "/records/did:gun:e:1", "")
	c.SetParamNames("did")
	c.SetParamValues("did:gun:e:1")
	err := h.GetRecord(c)
	assert.Equal(t, common.FailureNotFound, common.KindOf(err))

	c, rec := jsonCtx(http.MethodGet, "/records/did:gun:e:1", "")
	c.SetParamNames("did")
	c.SetParamValues("did:gun:e:1")
	asUser(c, enc.OIP.Creator.PublicKey, testEmail)
	require.NoError(t, h.GetRecord(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResolveDepthClamp(t *testing.T) {
	res := resolver.New(indexSource{newFakeIndex()}, newTestRegistry(t, "post"), nil,
		resolver.Options{MaxDepth: 8})
	h := &Handlers{Resolver: res, DepthMax: 2}

	c, _ := jsonCtx(http.MethodGet, "/records?resolveDepth=9", "")
	assert.Equal(t, 2, h.resolveDepth(c))

	c, _ = jsonCtx(http.MethodGet, "/records?resolveDepth=-3", "")
	assert.Equal(t, 0, h.resolveDepth(c))

	c, _ = jsonCtx(http.MethodGet, "/records", "")
	assert.Equal(t, 0, h.resolveDepth(c))

	h.DepthMax = 0
	c, _ = jsonCtx(http.MethodGet, "/records?resolveDepth=1", "")
	assert.Equal(t, 0, h.resolveDepth(c))

	// without a resolver wired, expansion is off regardless
	bare := &Handlers{DepthMax: 2}
	c, _ = jsonCtx(http.MethodGet, "/records?resolveDepth=1", "")
	assert.Equal(t, 0, bare.resolveDepth(c))
}

// indexSource adapts the fake index to the resolver's fetch interface.
type indexSource struct{ idx *fakeIndex }

func (s indexSource) FetchRecord(ctx context.Context, did string) (*record.Record, error) {
	return s.idx.GetRecord(ctx, did)
}

func TestGetRecordExpandsReferences(t *testing.T) {
	author := publicRecord("did:gun:a:author")
	post := publicRecord("did:gun:a:post")
	post.Data["post"]["author"] = "did:gun:a:author"
	idx := newFakeIndex(author, post)

	reg := newTestRegistry(t, "post")
	res := resolver.New(indexSource{idx}, reg, nil, resolver.Options{MaxDepth: 3})
	h := &Handlers{Records: idx, Resolver: res, DepthMax: 3}

	c, rec := jsonCtx(http.MethodGet, "/records/did:gun:a:post?resolveDepth=1", "")
	c.SetParamNames("did")
	c.SetParamValues("did:gun:a:post")
	require.NoError(t, h.GetRecord(c))

	var got record.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	view, ok := got.Data["post"]["author"].(map[string]interface{})
	require.True(t, ok, "author reference should be expanded inline")
	assert.Equal(t, "did:gun:a:author", view["did"])
	assert.Equal(t, "did:gun:a:author", got.Data["post"]["authorDid"])
}

func TestGetRecordExpansionDegradesOnMissingReference(t *testing.T) {
	post := publicRecord("did:gun:a:post")
	post.Data["post"]["author"] = "did:gun:a:gone"
	idx := newFakeIndex(post)

	reg := newTestRegistry(t, "post")
	res := resolver.New(indexSource{idx}, reg, nil, resolver.Options{MaxDepth: 3})
	h := &Handlers{Records: idx, Resolver: res, DepthMax: 3}

	c, rec := jsonCtx(http.MethodGet, "/records/did:gun:a:post?resolveDepth=1", "")
	c.SetParamNames("did")
	c.SetParamValues("did:gun:a:post")
	require.NoError(t, h.GetRecord(c))

	var got record.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "did:gun:a:gone", got.Data["post"]["author"],
		"missing references stay bare DIDs")
}
