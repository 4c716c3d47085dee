// Package resolver expands dref fields into the records they point at,
// bounded by depth and guarded against cycles, with positive and negative
// caches in front of the fetch path.
package resolver

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/record"
	"github.com/oipwg/oipd/template"
)

// Source fetches one record by DID from wherever it lives. The daemon wires
// an index-backed source here; tests use fakes.
type Source interface {
	FetchRecord(ctx context.Context, did string) (*record.Record, error)
}

// TemplateSource tells the resolver which fields hold references.
type TemplateSource interface {
	LookupByName(name string) (*template.Template, bool)
}

// FailedSet reports DIDs the sync layer has given up on. Referenced records
// in the set are left unexpanded without a fetch.
type FailedSet interface {
	Failed(did string) bool
}

// Options bound the resolver's work.
type Options struct {
	// MaxDepth caps how deep expansion may recurse regardless of what the
	// caller asks for.
	MaxDepth int
	// CacheEntries and CacheTTL size the positive record cache.
	CacheEntries int
	CacheTTL     time.Duration
	// NotFoundEntries and NotFoundTTL size the negative cache. Reads use
	// Peek so entries age out oldest-first.
	NotFoundEntries int
	NotFoundTTL     time.Duration
	// RetryBase is the first retry delay for transient fetch failures; each
	// further attempt doubles it. RetryAttempts is the number of retries
	// after the initial attempt; zero means the default of 2, negative
	// disables retries.
	RetryBase     time.Duration
	RetryAttempts int
	// HopTimeout bounds each fetch attempt. Zero leaves the request context
	// as the only bound.
	HopTimeout time.Duration
}

func (o *Options) normalize() {
	if o.MaxDepth <= 0 {
		o.MaxDepth = 3
	}
	if o.CacheEntries <= 0 {
		o.CacheEntries = 2000
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if o.NotFoundEntries <= 0 {
		o.NotFoundEntries = 10000
	}
	if o.NotFoundTTL <= 0 {
		o.NotFoundTTL = time.Hour
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 200 * time.Millisecond
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 2
	}
	if o.RetryAttempts < 0 {
		o.RetryAttempts = 0
	}
}

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	NotFoundHits uint64  `json:"notFoundHits"`
	HitRate      float64 `json:"hitRate"`
}

// Resolver expands references on decompressed records.
type Resolver struct {
	src       Source
	templates TemplateSource
	failed    FailedSet
	opts      Options

	cache    *expirable.LRU[string, *record.Record]
	notFound *expirable.LRU[string, time.Time]

	hits    atomic.Uint64
	misses  atomic.Uint64
	negHits atomic.Uint64

	log *logrus.Entry
}

func New(src Source, templates TemplateSource, failed FailedSet, opts Options) *Resolver {
	opts.normalize()
	return &Resolver{
		src:       src,
		templates: templates,
		failed:    failed,
		opts:      opts,
		cache:     expirable.NewLRU[string, *record.Record](opts.CacheEntries, nil, opts.CacheTTL),
		notFound:  expirable.NewLRU[string, time.Time](opts.NotFoundEntries, nil, opts.NotFoundTTL),
		log:       common.ComponentLogger("resolver"),
	}
}

// Put primes the positive cache, typically right after indexing.
func (r *Resolver) Put(rec *record.Record) {
	if rec != nil && rec.OIP.DID != "" {
		r.cache.Add(rec.OIP.DID, rec)
	}
}

// Invalidate drops a DID from both caches, used when a record is deleted.
func (r *Resolver) Invalidate(did string) {
	r.cache.Remove(did)
	r.notFound.Remove(did)
}

// Stats reports cache counters since startup.
func (r *Resolver) Stats() Stats {
	s := Stats{
		Hits:         r.hits.Load(),
		Misses:       r.misses.Load(),
		NotFoundHits: r.negHits.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// expandMemo tracks per-request expansion state so a DID referenced twice is
// expanded once, and a reference back into an in-progress expansion (a true
// cycle) stays a bare DID.
type expandMemo struct {
	inProgress map[string]bool
	done       map[string]interface{}
}

func newExpandMemo() *expandMemo {
	return &expandMemo{
		inProgress: make(map[string]bool),
		done:       make(map[string]interface{}),
	}
}

// ExpandRecord returns a copy of the record's data with dref fields expanded
// up to depth levels. The original DID is kept beside each expansion under
// "<field>Did" ("<field>Dids" for repeated fields). Depth is clamped to
// MaxDepth; zero or negative depth returns the data untouched.
func (r *Resolver) ExpandRecord(ctx context.Context, rec *record.Record, depth int) (map[string]map[string]interface{}, error) {
	if depth > r.opts.MaxDepth {
		depth = r.opts.MaxDepth
	}
	memo := newExpandMemo()
	memo.inProgress[rec.OIP.DID] = true
	return r.expandSections(ctx, rec.Data, depth, memo), nil
}

func (r *Resolver) expandSections(ctx context.Context, data map[string]map[string]interface{}, depth int, memo *expandMemo) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(data))
	for section, fields := range data {
		tmpl, ok := r.templates.LookupByName(section)
		copied := make(map[string]interface{}, len(fields))
		for name, value := range fields {
			copied[name] = value
			if !ok || depth <= 0 {
				continue
			}
			field, found := tmpl.FieldByName(name)
			if !found || field.Type.Base() != template.TypeDref {
				continue
			}
			if field.Type.Repeated() {
				dids, ok := value.([]interface{})
				if !ok {
					continue
				}
				expanded := make([]interface{}, len(dids))
				any := false
				for i, v := range dids {
					did, _ := v.(string)
					if view := r.expandOne(ctx, did, depth, memo); view != nil {
						expanded[i] = view
						any = true
					} else {
						expanded[i] = v
					}
				}
				if any {
					copied[name] = expanded
					copied[name+"Dids"] = dids
				}
				continue
			}
			did, _ := value.(string)
			if view := r.expandOne(ctx, did, depth, memo); view != nil {
				copied[name] = view
				copied[name+"Did"] = did
			}
		}
		out[section] = copied
	}
	return out
}

// expandOne resolves a single reference. A nil return means the caller keeps
// the bare DID, which is how every failure mode degrades.
func (r *Resolver) expandOne(ctx context.Context, did string, depth int, memo *expandMemo) interface{} {
	if did == "" || !record.IsDID(did) {
		return nil
	}
	if view, ok := memo.done[did]; ok {
		return view
	}
	if memo.inProgress[did] {
		return nil
	}
	if r.failed != nil && r.failed.Failed(did) {
		return nil
	}
	if _, ok := r.notFound.Peek(did); ok {
		r.negHits.Add(1)
		return nil
	}

	rec, err := r.fetchCached(ctx, did)
	if err != nil {
		if common.KindOf(err) != common.FailureNotFound {
			r.log.WithError(err).WithField("did", did).Debug("reference left unexpanded")
		}
		return nil
	}

	memo.inProgress[did] = true
	view := map[string]interface{}{
		"did":        did,
		"recordType": rec.OIP.RecordType,
		"data":       r.expandSections(ctx, rec.Data, depth-1, memo),
	}
	delete(memo.inProgress, did)
	memo.done[did] = view
	return view
}

func (r *Resolver) fetchCached(ctx context.Context, did string) (*record.Record, error) {
	if rec, ok := r.cache.Get(did); ok {
		r.hits.Add(1)
		return rec, nil
	}
	r.misses.Add(1)

	var lastErr error
	for attempt := 0; attempt <= r.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := r.opts.RetryBase * (1 << uint(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		attemptCtx := ctx
		cancel := func() {}
		if r.opts.HopTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.opts.HopTimeout)
		}
		rec, err := r.src.FetchRecord(attemptCtx, did)
		cancel()
		if err == nil {
			r.cache.Add(did, rec)
			return rec, nil
		}
		lastErr = err
		// A hop that ran out its own budget is retried as long as the
		// request context still has time.
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			continue
		}
		switch common.KindOf(err) {
		case common.FailureNotFound:
			r.notFound.Add(did, time.Now())
			return nil, err
		case common.FailureTransient:
			continue
		default:
			return nil, err
		}
	}
	return nil, lastErr
}
