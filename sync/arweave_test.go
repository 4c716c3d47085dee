package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/arweave"
	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/config"
	"github.com/oipwg/oipd/es"
	"github.com/oipwg/oipd/template"
)

// fakeChain serves headers and payloads from memory, with per-transaction
// error injection.
type fakeChain struct {
	mu       stdsync.Mutex
	tip      int64
	headers  []arweave.TxHeader
	payloads map[string][]byte
	errs     map[string]error
}

func newFakeChain(tip int64) *fakeChain {
	return &fakeChain{
		tip:      tip,
		payloads: make(map[string][]byte),
		errs:     make(map[string]error),
	}
}

func (c *fakeChain) addTx(hdr arweave.TxHeader, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers = append(c.headers, hdr)
	if payload != nil {
		c.payloads[hdr.ID] = payload
	}
}

func (c *fakeChain) TipHeight(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip, nil
}

func (c *fakeChain) BlockRange(_ context.Context, min, max int64) ([]arweave.TxHeader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []arweave.TxHeader
	for _, h := range c.headers {
		if h.Height >= min && h.Height <= max {
			out = append(out, h)
		}
	}
	return out, nil
}

func (c *fakeChain) FetchData(_ context.Context, txid string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs[txid]; err != nil {
		return nil, err
	}
	if p, ok := c.payloads[txid]; ok {
		return p, nil
	}
	return nil, common.Failf(common.FailureNotFound, "transaction %s has no payload", txid)
}

// fakeState keeps sync states in memory and records every high-water write.
type fakeState struct {
	mu     stdsync.Mutex
	states map[string]*es.SyncState
	marks  []int64
}

func newFakeState() *fakeState {
	return &fakeState{states: make(map[string]*es.SyncState)}
}

func (s *fakeState) ReadState(_ context.Context, component string) (*es.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[component]; ok {
		return st, nil
	}
	return &es.SyncState{Component: component}, nil
}

func (s *fakeState) WriteState(_ context.Context, st *es.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = time.Now().UTC()
	s.states[st.Component] = st
	s.marks = append(s.marks, st.HighWater)
	return nil
}

func (s *fakeState) highWater(component string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[component]; ok {
		return st.HighWater
	}
	return 0
}

// recordTx builds a signed on-chain record transaction via the harness
// wallet.
func recordTx(t *testing.T, h *pipelineHarness, txid string, height int64, data map[string]map[string]interface{}) (arweave.TxHeader, []byte) {
	t.Helper()
	payload, signature := h.signedTuples(t, data)
	hdr := arweave.TxHeader{
		ID:     txid,
		Height: height,
		Tags: arweave.Tags{
			arweave.TagType:       arweave.TypeRecord,
			arweave.TagRecordType: "post",
			arweave.TagCreator:    h.creatorDID,
			arweave.TagCreatorSig: signature,
			arweave.TagVer:        "0.9",
		},
	}
	return hdr, payload
}

func newChainLoop(h *pipelineHarness, chain *fakeChain, state *fakeState, from int64) *ArweaveLoop {
	loop := NewArweaveLoop(chain, state, h.pipeline, h.writer, config.ArweaveConfig{})
	loop.high.Store(from)
	return loop
}

func TestArweaveLoop_PassIndexesAndAdvancesPerBlock(t *testing.T) {
	h := newPipelineHarness(t)
	h.registerCreator(t, "did:arweave:creator1")
	h.addTemplate(t, false, "post", template.Field{Name: "title", Type: template.TypeString})

	chain := newFakeChain(205)
	for _, tx := range []struct {
		id     string
		height int64
		title  string
	}{
		{"tx-a", 201, "first"},
		{"tx-b", 201, "second"},
		{"tx-c", 203, "third"},
	} {
		hdr, payload := recordTx(t, h, tx.id, tx.height, map[string]map[string]interface{}{
			"post": {"title": tx.title},
		})
		chain.addTx(hdr, payload)
	}

	state := newFakeState()
	loop := newChainLoop(h, chain, state, 200)

	require.NoError(t, loop.pass(context.Background()))

	for _, did := range []string{"did:arweave:tx-a", "did:arweave:tx-b", "did:arweave:tx-c"} {
		assert.True(t, h.idx.has(did), did)
	}
	// One mark per completed block, then the scanned-to-tip mark.
	assert.Equal(t, []int64{201, 203, 205}, state.marks)
	high, tip := loop.Progress()
	assert.Equal(t, int64(205), high)
	assert.Equal(t, int64(205), tip)
}

func TestArweaveLoop_MissingPayloadPoisonsAndBlockCompletes(t *testing.T) {
	h := newPipelineHarness(t)
	h.registerCreator(t, "did:arweave:creator1")
	h.addTemplate(t, false, "post", template.Field{Name: "title", Type: template.TypeString})

	chain := newFakeChain(201)
	hdrA, payloadA := recordTx(t, h, "tx-a", 201, map[string]map[string]interface{}{
		"post": {"title": "served"},
	})
	chain.addTx(hdrA, payloadA)
	hdrB, _ := recordTx(t, h, "tx-b", 201, map[string]map[string]interface{}{
		"post": {"title": "vanished"},
	})
	chain.addTx(hdrB, nil) // header visible, body gone everywhere

	state := newFakeState()
	loop := newChainLoop(h, chain, state, 200)

	require.NoError(t, loop.pass(context.Background()))

	assert.True(t, h.idx.has("did:arweave:tx-a"))
	assert.True(t, h.failed.Failed("did:arweave:tx-b"), "lost body is poisoned, not retried forever")
	assert.Equal(t, int64(201), state.highWater(ArweaveComponent))
}

func TestArweaveLoop_TransientFetchAbortsBlock(t *testing.T) {
	h := newPipelineHarness(t)
	h.registerCreator(t, "did:arweave:creator1")
	h.addTemplate(t, false, "post", template.Field{Name: "title", Type: template.TypeString})

	chain := newFakeChain(202)
	hdrA, payloadA := recordTx(t, h, "tx-a", 201, map[string]map[string]interface{}{
		"post": {"title": "fine"},
	})
	chain.addTx(hdrA, payloadA)
	hdrB, payloadB := recordTx(t, h, "tx-b", 202, map[string]map[string]interface{}{
		"post": {"title": "gateway hiccup"},
	})
	chain.addTx(hdrB, payloadB)
	chain.errs["tx-b"] = common.Failf(common.FailureTransient, "gateway 502")

	state := newFakeState()
	loop := newChainLoop(h, chain, state, 200)

	err := loop.pass(context.Background())
	require.Error(t, err)
	assert.Equal(t, common.FailureTransient, common.KindOf(err))

	assert.True(t, h.idx.has("did:arweave:tx-a"))
	assert.False(t, h.idx.has("did:arweave:tx-b"))
	assert.False(t, h.failed.Failed("did:arweave:tx-b"), "transient trouble is not poison")
	assert.Equal(t, int64(201), state.highWater(ArweaveComponent),
		"mark stops before the aborted block so it is observed again")
}

func TestArweaveLoop_QuietChainIsNoop(t *testing.T) {
	h := newPipelineHarness(t)
	chain := newFakeChain(100)
	state := newFakeState()
	loop := newChainLoop(h, chain, state, 200)

	require.NoError(t, loop.pass(context.Background()))
	assert.Empty(t, state.marks)
}

func TestArweaveLoop_UnknownTypeIsSkipped(t *testing.T) {
	h := newPipelineHarness(t)
	chain := newFakeChain(201)
	chain.addTx(arweave.TxHeader{
		ID:     "tx-x",
		Height: 201,
		Tags:   arweave.Tags{arweave.TagType: "Poll"},
	}, []byte(`{}`))

	state := newFakeState()
	loop := newChainLoop(h, chain, state, 200)

	require.NoError(t, loop.pass(context.Background()))
	assert.False(t, h.idx.has("did:arweave:tx-x"))
	assert.False(t, h.failed.Failed("did:arweave:tx-x"))
	assert.Equal(t, int64(201), state.highWater(ArweaveComponent))
}

func TestArweaveLoop_DeleteMessageOnChain(t *testing.T) {
	h := newPipelineHarness(t)
	h.registerCreator(t, "did:arweave:creator1")
	h.addTemplate(t, false, "post", template.Field{Name: "title", Type: template.TypeString})

	chain := newFakeChain(202)
	hdr, payload := recordTx(t, h, "tx-post", 201, map[string]map[string]interface{}{
		"post": {"title": "deleted later"},
	})
	chain.addTx(hdr, payload)

	deletePayload, err := json.Marshal(map[string]interface{}{
		"delete": map[string]string{"did": "did:arweave:tx-post"},
	})
	require.NoError(t, err)
	deleteSig, _, err := h.signer.Sign(deletePayload)
	require.NoError(t, err)
	chain.addTx(arweave.TxHeader{
		ID:     "tx-del",
		Height: 202,
		Tags: arweave.Tags{
			arweave.TagType:       arweave.TypeDeleteMessage,
			arweave.TagCreator:    h.creatorDID,
			arweave.TagCreatorSig: deleteSig,
		},
	}, deletePayload)

	state := newFakeState()
	loop := newChainLoop(h, chain, state, 200)

	require.NoError(t, loop.pass(context.Background()))
	assert.False(t, h.idx.has("did:arweave:tx-post"), "chain delete lands in the same pass")
	assert.Equal(t, int64(202), state.highWater(ArweaveComponent))
}

func TestArweaveLoop_TemplateOnChain(t *testing.T) {
	h := newPipelineHarness(t)
	h.registerCreator(t, "did:arweave:creator1")

	body, err := json.Marshal(map[string]interface{}{
		"name": "artwork",
		"fields": []map[string]interface{}{
			{"name": "medium", "type": "string"},
		},
	})
	require.NoError(t, err)
	signature, _, err := h.signer.Sign(body)
	require.NoError(t, err)

	chain := newFakeChain(201)
	chain.addTx(arweave.TxHeader{
		ID:     "tx-tmpl",
		Height: 201,
		Tags: arweave.Tags{
			arweave.TagType:       arweave.TypeTemplate,
			arweave.TagCreator:    h.creatorDID,
			arweave.TagCreatorSig: signature,
		},
	}, body)

	state := newFakeState()
	loop := newChainLoop(h, chain, state, 200)

	require.NoError(t, loop.pass(context.Background()))
	tmpl, ok := h.registry.LookupByName("artwork")
	require.True(t, ok)
	assert.Equal(t, "tx-tmpl", tmpl.ID)
}

func TestGroupByHeight(t *testing.T) {
	headers := []arweave.TxHeader{
		{ID: "a", Height: 5},
		{ID: "b", Height: 5},
		{ID: "c", Height: 6},
		{ID: "d", Height: 9},
		{ID: "e", Height: 9},
	}
	blocks := groupByHeight(headers)
	require.Len(t, blocks, 3)
	assert.Len(t, blocks[0], 2)
	assert.Len(t, blocks[1], 1)
	assert.Len(t, blocks[2], 2)
	assert.Equal(t, "a", blocks[0][0].ID, "gateway order survives grouping")
}
