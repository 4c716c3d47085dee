package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/oipwg/oipd/auth"
	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/es"
	"github.com/oipwg/oipd/record"
)

// RecordIndex is the slice of the search backend the read handlers use.
// Implemented by es.Client.
type RecordIndex interface {
	SearchRecords(ctx context.Context, q es.RecordQuery) (*es.RecordPage, error)
	GetRecord(ctx context.Context, did string) (*record.Record, error)
}

type searchResponse struct {
	Total   int64            `json:"total"`
	Records []*record.Record `json:"records"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// SearchRecords serves GET /records. Anonymous callers see public records
// only; a valid token widens the result to private records the caller's
// key owns. resolveDepth expands reference fields inline, capped by the
// configured maximum.
func (h *Handlers) SearchRecords(c echo.Context) error {
	ctx := c.Request().Context()

	q := es.RecordQuery{
		RecordType: c.QueryParam("recordType"),
		Creator:    c.QueryParam("creator"),
		Template:   c.QueryParam("template"),
		Search:     c.QueryParam("search"),
		Source:     c.QueryParam("source"),
		SortBy:     c.QueryParam("sortBy"),
		Order:      c.QueryParam("order"),
		DIDs:       c.QueryParams()["did"],
		Limit:      intParam(c, "limit", 0),
		Offset:     intParam(c, "offset", 0),
		MinBlock:   int64Param(c, "minBlock"),
		MaxBlock:   int64Param(c, "maxBlock"),
	}
	if q.Source != "" && !record.Backend(q.Source).Valid() {
		return common.Failf(common.FailureDecode, "unknown source %q", q.Source)
	}
	if cl := claims(c); cl != nil {
		q.OwnerKey = cl.PublicKey
	}

	page, err := h.Records.SearchRecords(ctx, q)
	if err != nil {
		return err
	}

	if depth := h.resolveDepth(c); depth > 0 {
		for i, rec := range page.Records {
			page.Records[i] = h.expanded(ctx, rec, depth)
		}
	}

	return c.JSON(http.StatusOK, searchResponse{
		Total:   page.Total,
		Records: page.Records,
		Limit:   es.PageSize(q.Limit),
		Offset:  q.Offset,
	})
}

// GetRecord serves GET /records/:did. Private records answer 404 to
// non-owners so the endpoint does not confirm their existence.
func (h *Handlers) GetRecord(c echo.Context) error {
	ctx := c.Request().Context()
	did := c.Param("did")
	if !record.IsDID(did) {
		return common.Failf(common.FailureDecode, "malformed did %q", did)
	}

	rec, err := h.Records.GetRecord(ctx, did)
	if err != nil {
		return err
	}
	if !visibleTo(rec, claims(c)) {
		return common.Failf(common.FailureNotFound, "record %s not indexed", did)
	}

	if depth := h.resolveDepth(c); depth > 0 {
		rec = h.expanded(ctx, rec, depth)
	}
	return c.JSON(http.StatusOK, rec)
}

// expanded returns a copy of rec with reference fields resolved. Expansion
// trouble degrades to the unexpanded record; reads never fail because a
// referenced record is missing.
func (h *Handlers) expanded(ctx context.Context, rec *record.Record, depth int) *record.Record {
	data, err := h.Resolver.ExpandRecord(ctx, rec, depth)
	if err != nil {
		return rec
	}
	return &record.Record{Data: data, OIP: rec.OIP}
}

func (h *Handlers) resolveDepth(c echo.Context) int {
	if h.Resolver == nil {
		return 0
	}
	depth := intParam(c, "resolveDepth", 0)
	if depth < 0 {
		depth = 0
	}
	if depth > h.DepthMax {
		depth = h.DepthMax
	}
	return depth
}

// visibleTo applies the read-side privacy rule: public records for
// everyone, private and organization records for their owner.
func visibleTo(rec *record.Record, cl *auth.Claims) bool {
	if !rec.OIP.Encrypted && rec.AccessLevel() == record.AccessPublic {
		return true
	}
	return cl != nil && cl.PublicKey != "" && rec.OwnerPublicKey() == cl.PublicKey
}

func intParam(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func int64Param(c echo.Context, name string) int64 {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
