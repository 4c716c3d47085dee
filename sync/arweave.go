package sync

import (
	"context"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/arweave"
	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/config"
	"github.com/oipwg/oipd/es"
)

// ArweaveComponent keys the chain loop's progress document.
const ArweaveComponent = "arweave"

const (
	fetchRetries    = 2
	fetchRetryDelay = 200 * time.Millisecond
)

// ChainSource is the slice of the gateway client the loop plans work from.
type ChainSource interface {
	TipHeight(ctx context.Context) (int64, error)
	BlockRange(ctx context.Context, min, max int64) ([]arweave.TxHeader, error)
	FetchData(ctx context.Context, txid string) ([]byte, error)
}

// StateStore persists per-loop progress.
type StateStore interface {
	ReadState(ctx context.Context, component string) (*es.SyncState, error)
	WriteState(ctx context.Context, state *es.SyncState) error
}

// ArweaveLoop walks the chain from the stored high-water mark to the tip,
// one block at a time. Payload fetches inside a block run concurrently, but
// the block's transactions are processed in gateway order and the mark only
// advances once every transaction in the block is settled. A transient
// failure leaves the mark where it was so the block is observed again.
type ArweaveLoop struct {
	chain    ChainSource
	state    StateStore
	pipeline *Pipeline
	writer   *Writer
	cfg      config.ArweaveConfig
	log      *logrus.Entry

	// read by the health endpoint while the loop runs
	high atomic.Int64
	tip  atomic.Int64
}

// NewArweaveLoop wires the chain loop.
func NewArweaveLoop(chain ChainSource, state StateStore, pipeline *Pipeline, writer *Writer, cfg config.ArweaveConfig) *ArweaveLoop {
	return &ArweaveLoop{
		chain:    chain,
		state:    state,
		pipeline: pipeline,
		writer:   writer,
		cfg:      cfg,
		log:      common.ComponentLogger("arweave-sync"),
	}
}

// Run executes passes until the context ends. The first pass starts
// immediately; later ones follow the poll interval.
func (l *ArweaveLoop) Run(ctx context.Context) error {
	interval := l.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	state, err := l.state.ReadState(ctx, ArweaveComponent)
	if err != nil {
		return err
	}
	l.high.Store(state.HighWater)
	firstRun := state.UpdatedAt.IsZero()
	if firstRun && l.cfg.StartBlock > 0 && state.HighWater < l.cfg.StartBlock-1 {
		l.high.Store(l.cfg.StartBlock - 1)
	}
	if firstRun {
		l.seedBootstrap(ctx)
	}
	l.log.WithField("from", l.high.Load()+1).Info("chain sync starting")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := l.pass(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.WithError(err).Warn("sync pass incomplete")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// seedBootstrap runs the embedded bootstrap transactions through the
// pipeline so the base creators exist before the first real block, even on
// nodes that start syncing far past the heights those transactions live at.
func (l *ArweaveLoop) seedBootstrap(ctx context.Context) {
	for _, h := range arweave.FallbackHeaders(time.Now().UTC()) {
		payload, err := l.fetchPayload(ctx, h.ID)
		if err != nil {
			l.log.WithError(err).WithField("tx", h.ID).Warn("bootstrap transaction unavailable")
			continue
		}
		if err := l.dispatch(ctx, h, payload); err != nil {
			l.log.WithError(err).WithField("tx", h.ID).Warn("bootstrap transaction not settled")
		}
	}
}

// pass syncs from the high-water mark to the current tip.
func (l *ArweaveLoop) pass(ctx context.Context) error {
	tip, err := l.chain.TipHeight(ctx)
	if err != nil {
		return err
	}
	l.tip.Store(tip)
	high := l.high.Load()
	if tip <= high {
		return nil
	}

	headers, err := l.chain.BlockRange(ctx, high+1, tip)
	if err != nil {
		return err
	}

	for _, block := range groupByHeight(headers) {
		if err := l.processBlock(ctx, block); err != nil {
			return err
		}
		if err := l.advance(ctx, block[0].Height); err != nil {
			return err
		}
	}
	// Heights past the last tagged transaction were still scanned; skipping
	// them on the next pass is what keeps quiet chains cheap.
	return l.advance(ctx, tip)
}

// groupByHeight splits headers into per-block slices, preserving the
// gateway's ascending order.
func groupByHeight(headers []arweave.TxHeader) [][]arweave.TxHeader {
	var blocks [][]arweave.TxHeader
	for _, h := range headers {
		if n := len(blocks); n > 0 && blocks[n-1][0].Height == h.Height {
			blocks[n-1] = append(blocks[n-1], h)
			continue
		}
		blocks = append(blocks, []arweave.TxHeader{h})
	}
	return blocks
}

type fetchedTx struct {
	header  arweave.TxHeader
	payload []byte
	err     error
}

// processBlock fetches every payload in the block concurrently, then runs
// the transactions through the pipeline in order. Any unresolved
// transaction aborts the block so it is observed again next pass.
func (l *ArweaveLoop) processBlock(ctx context.Context, txs []arweave.TxHeader) error {
	maxInFlight := l.cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	sem := make(chan struct{}, maxInFlight)
	fetched := make([]fetchedTx, len(txs))

	var wg stdsync.WaitGroup
	for i, h := range txs {
		wg.Add(1)
		go func(i int, h arweave.TxHeader) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			payload, err := l.fetchPayload(ctx, h.ID)
			fetched[i] = fetchedTx{header: h, payload: payload, err: err}
		}(i, h)
	}
	wg.Wait()

	for _, f := range fetched {
		if f.err != nil {
			if common.KindOf(f.err) == common.FailureNotFound {
				// No gateway and no embedded fallback holds the body. It
				// will not appear later at this height, so the block can
				// still complete.
				did := "did:arweave:" + f.header.ID
				l.pipeline.MarkFailed(did, "payload unavailable: "+f.err.Error())
				continue
			}
			return f.err
		}
		if err := l.dispatch(ctx, f.header, f.payload); err != nil {
			return err
		}
	}
	return nil
}

// fetchPayload retries transient gateway failures with a short backoff.
func (l *ArweaveLoop) fetchPayload(ctx context.Context, txid string) ([]byte, error) {
	delay := fetchRetryDelay
	var lastErr error
	for attempt := 0; attempt <= fetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		payload, err := l.chain.FetchData(ctx, txid)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if common.KindOf(err) != common.FailureTransient {
			return nil, err
		}
	}
	return nil, lastErr
}

// dispatch routes one transaction by its Type tag. Unknown types are
// skipped; newer publishers may tag kinds this node does not speak yet.
func (l *ArweaveLoop) dispatch(ctx context.Context, h arweave.TxHeader, payload []byte) error {
	env := h.Envelope(time.Now().UTC())
	switch h.Kind() {
	case arweave.TypeRecord:
		return l.pipeline.ProcessRecord(ctx, payload, env)
	case arweave.TypeTemplate:
		return l.pipeline.ProcessTemplate(ctx, payload, env)
	case arweave.TypeDeleteMessage:
		return l.pipeline.ProcessDelete(ctx, payload, env)
	default:
		l.log.WithFields(logrus.Fields{
			"tx":   h.ID,
			"type": h.Kind(),
		}).Debug("skipping transaction of unknown type")
		return nil
	}
}

// advance moves the high-water mark through the writer so the progress
// write lands strictly after the block's projections.
func (l *ArweaveLoop) advance(ctx context.Context, height int64) error {
	if height <= l.high.Load() {
		return nil
	}
	err := l.writer.Do(ctx, "state:"+ArweaveComponent, func(ctx context.Context) error {
		return l.state.WriteState(ctx, &es.SyncState{
			Component: ArweaveComponent,
			HighWater: height,
			Detail:    map[string]interface{}{"tip": l.tip.Load()},
		})
	})
	if err != nil {
		return err
	}
	l.high.Store(height)
	return nil
}

// Progress reports the loop's last written mark and observed tip, for the
// health endpoint.
func (l *ArweaveLoop) Progress() (high, tip int64) { return l.high.Load(), l.tip.Load() }
