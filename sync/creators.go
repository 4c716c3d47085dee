package sync

import (
	"context"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/record"
	"github.com/oipwg/oipd/sig"
)

const (
	creatorCacheSize = 2048
	creatorCacheTTL  = 0 // no expiry; Put and Invalidate keep it fresh
)

// recordGetter is the slice of the index the directory needs.
type recordGetter interface {
	GetRecord(ctx context.Context, did string) (*record.Record, error)
}

// CreatorDirectory resolves creator DIDs to their registrations, backed by
// the index with an in-memory cache in front. Registrations are immutable
// once indexed (re-registration writes a new record under the same DID and
// goes through Put), so the cache never goes stale silently.
type CreatorDirectory struct {
	index recordGetter
	cache *expirable.LRU[string, *sig.Registration]
}

// NewCreatorDirectory builds a directory over the given index.
func NewCreatorDirectory(index recordGetter) *CreatorDirectory {
	return &CreatorDirectory{
		index: index,
		cache: expirable.NewLRU[string, *sig.Registration](creatorCacheSize, nil, creatorCacheTTL),
	}
}

// Creator looks up a registration by creator DID. An unknown creator is
// (nil, nil): the caller defers the record until the registration lands.
func (d *CreatorDirectory) Creator(ctx context.Context, did string) (*sig.Registration, error) {
	if reg, ok := d.cache.Get(did); ok {
		return reg, nil
	}
	rec, err := d.index.GetRecord(ctx, did)
	if err != nil {
		if common.KindOf(err) == common.FailureNotFound {
			return nil, nil
		}
		return nil, err
	}
	reg, err := sig.RegistrationFromRecord(rec)
	if err != nil {
		// The DID resolves to a record that is not a registration. The
		// reference can never verify, so surface the decode failure.
		return nil, err
	}
	d.cache.Add(did, reg)
	return reg, nil
}

// Put caches a registration extracted from a freshly indexed record, keyed
// by the record's own DID so self-referencing creators resolve immediately.
func (d *CreatorDirectory) Put(recordDID string, reg *sig.Registration) {
	if reg == nil {
		return
	}
	d.cache.Add(recordDID, reg)
	if reg.DID != "" && reg.DID != recordDID {
		d.cache.Add(reg.DID, reg)
	}
}

// Invalidate drops a cached registration, used when its record is deleted.
func (d *CreatorDirectory) Invalidate(did string) {
	d.cache.Remove(did)
}
