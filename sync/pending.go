package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/record"
)

// Pending kinds, selecting the replay path.
const (
	KindRecord   = "record"   // compressed tuple payload
	KindData     = "data"     // semantic payload, the GUN wire form
	KindTemplate = "template" // template definition
	KindDelete   = "delete"   // deletion intent
)

// PendingRecord is a record parked because it referenced something the node
// did not hold yet, usually a template or a creator registration. It keeps
// everything needed to replay the record through the pipeline.
type PendingRecord struct {
	Kind       string          `json:"kind"`
	DID        string          `json:"did"`
	Payload    json.RawMessage `json:"payload"`
	Envelope   record.Envelope `json:"envelope"`
	Reason     string          `json:"reason"`
	DeferredAt time.Time       `json:"deferredAt"`
}

// PendingQueue holds deferred records between passes. The memory
// implementation is the default; the Redis one survives restarts.
type PendingQueue interface {
	Defer(ctx context.Context, rec PendingRecord) error
	DrainAll(ctx context.Context) ([]PendingRecord, error)
	Len(ctx context.Context) (int, error)
}

// MemoryPending is a bounded in-process pending queue. When full, the
// oldest entry is dropped with a warning; an Arweave record dropped here
// is only recovered by a reindex, so the bound should be generous.
type MemoryPending struct {
	mu   stdsync.Mutex
	recs []PendingRecord
	max  int
	log  *logrus.Entry
}

// NewMemoryPending creates a queue holding at most max records.
func NewMemoryPending(max int) *MemoryPending {
	if max <= 0 {
		max = 10000
	}
	return &MemoryPending{
		max: max,
		log: common.ComponentLogger("pending"),
	}
}

func (m *MemoryPending) Defer(_ context.Context, rec PendingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recs) >= m.max {
		dropped := m.recs[0]
		m.recs = m.recs[1:]
		m.log.Warnf("pending queue full, dropping oldest record %s", dropped.DID)
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *MemoryPending) DrainAll(_ context.Context) ([]PendingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.recs
	m.recs = nil
	return out, nil
}

func (m *MemoryPending) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs), nil
}
