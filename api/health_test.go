package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePing struct{ err error }

func (f fakePing) Ping(context.Context) error { return f.err }

type fakeProgress struct{ high, tip int64 }

func (f fakeProgress) Progress() (int64, int64) { return f.high, f.tip }

type fakeMesh struct{ peers []string }

func (f fakeMesh) ConnectedPeers() []string { return f.peers }
func (f fakeMesh) PeerCount() int           { return len(f.peers) }

type fakeQueue struct{ depth int }

func (f fakeQueue) Depth() int { return f.depth }

type fakePending struct{ n int }

func (f fakePending) PendingLen(context.Context) int { return f.n }

type fakeApplied struct{ n int }

func (f fakeApplied) AppliedIntents() int { return f.n }

func healthBody(t *testing.T, rec interface{ Bytes() []byte }) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Bytes(), &body))
	return body
}

func TestHealthSummaryHealthy(t *testing.T) {
	h := &Handlers{Health: &Health{
		Index:           fakePing{},
		Chain:           fakeProgress{high: 100, tip: 100},
		Mesh:            fakeMesh{peers: []string{"ws://peer-one:8765/gun"}},
		Graph:           fakeApplied{n: 3},
		Queue:           fakeQueue{depth: 2},
		Pending:         fakePending{n: 5},
		ConfiguredPeers: 1,
	}}

	c, rec := jsonCtx(http.MethodGet, "/health", "")
	require.NoError(t, h.HealthSummary(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	body := healthBody(t, rec.Body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["index"])

	queue := body["queue"].(map[string]interface{})
	assert.Equal(t, float64(2), queue["writerDepth"])
	assert.Equal(t, float64(5), queue["pendingRecords"])

	gateway := body["gateway"].(map[string]interface{})
	assert.Equal(t, "ok", gateway["status"])

	gunBody := body["gun"].(map[string]interface{})
	assert.Equal(t, float64(3), gunBody["appliedIntents"])

	build := body["build"].(map[string]interface{})
	assert.NotEmpty(t, build["goVersion"])
}

func TestHealthSummaryDegradedWhenIndexDown(t *testing.T) {
	h := &Handlers{Health: &Health{
		Index: fakePing{err: errors.New("no route to host")},
	}}

	c, rec := jsonCtx(http.MethodGet, "/health", "")
	require.NoError(t, h.HealthSummary(c))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := healthBody(t, rec.Body)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unreachable", body["index"])
}

func TestHealthIndexEndpoint(t *testing.T) {
	h := &Handlers{Health: &Health{
		Index:   fakePing{},
		Queue:   fakeQueue{depth: 1},
		Pending: fakePending{n: 4},
	}}

	c, rec := jsonCtx(http.MethodGet, "/health/index", "")
	require.NoError(t, h.HealthIndex(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	body := healthBody(t, rec.Body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["writerDepth"])
	assert.Equal(t, float64(4), body["pendingRecords"])
}

func TestHealthGunDegradedWithoutPeers(t *testing.T) {
	// peers configured, none connected
	h := &Handlers{Health: &Health{Mesh: fakeMesh{}, ConfiguredPeers: 2}}
	c, rec := jsonCtx(http.MethodGet, "/health/gun", "")
	require.NoError(t, h.HealthGun(c))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", healthBody(t, rec.Body)["status"])

	// a standalone node with no peers configured is healthy
	h = &Handlers{Health: &Health{Mesh: fakeMesh{}}}
	c, rec = jsonCtx(http.MethodGet, "/health/gun", "")
	require.NoError(t, h.HealthGun(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthGateway(t *testing.T) {
	// no chain source configured at all
	h := &Handlers{Health: &Health{}}
	c, rec := jsonCtx(http.MethodGet, "/health/gateway", "")
	require.NoError(t, h.HealthGateway(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disabled", healthBody(t, rec.Body)["status"])

	// a zero tip means no round trip has ever completed
	h = &Handlers{Health: &Health{Chain: fakeProgress{}}}
	c, rec = jsonCtx(http.MethodGet, "/health/gateway", "")
	require.NoError(t, h.HealthGateway(c))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unreachable", healthBody(t, rec.Body)["status"])

	// catching up reports the lag but stays healthy
	h = &Handlers{Health: &Health{Chain: fakeProgress{high: 90, tip: 100}}}
	c, rec = jsonCtx(http.MethodGet, "/health/gateway", "")
	require.NoError(t, h.HealthGateway(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := healthBody(t, rec.Body)
	assert.Equal(t, float64(10), body["lag"])
	assert.Equal(t, float64(90), body["height"])
}
