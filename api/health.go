package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/oipwg/oipd/resolver"
	"github.com/oipwg/oipd/version"
)

// The health sources are consumer-side slices of the daemon's moving
// parts, so the endpoints stay testable without a running daemon.
type (
	// IndexHealth is the liveness slice of the index client.
	IndexHealth interface {
		Ping(ctx context.Context) error
	}

	// ChainProgress reports the Arweave loop position: the confirmed
	// high-water mark and the last observed tip.
	ChainProgress interface {
		Progress() (high, tip int64)
	}

	// GraphProgress reports deletion-registry routing activity.
	GraphProgress interface {
		AppliedIntents() int
	}

	// MeshStatus reports GUN peer connectivity.
	MeshStatus interface {
		ConnectedPeers() []string
		PeerCount() int
	}

	// WriteQueue reports writer backlog.
	WriteQueue interface {
		Depth() int
	}

	// PendingGauge reports deferred records awaiting their template.
	PendingGauge interface {
		PendingLen(ctx context.Context) int
	}
)

// Health aggregates the daemon's subsystems for the health endpoints. Nil
// sources report as absent rather than failing.
type Health struct {
	Index    IndexHealth
	Chain    ChainProgress
	Graph    GraphProgress
	Mesh     MeshStatus
	Queue    WriteQueue
	Pending  PendingGauge
	Resolver *resolver.Resolver

	// ConfiguredPeers is the size of the peer whitelist, used to tell
	// "no peers configured" apart from "all peers down".
	ConfiguredPeers int
}

type buildSummary struct {
	GoVersion string `json:"goVersion"`
	Module    string `json:"module"`
	Version   string `json:"version"`
}

func buildInfo() buildSummary {
	info := version.GetBuildInfo()
	return buildSummary{
		GoVersion: info.GoVersion,
		Module:    info.MainModule,
		Version:   info.MainVersion,
	}
}

// HealthSummary serves GET /health. The status code tracks the index: a
// node that cannot reach its index cannot serve reads, everything else is
// reported but non-fatal.
func (h *Handlers) HealthSummary(c echo.Context) error {
	ctx := c.Request().Context()
	hl := h.Health

	body := map[string]interface{}{
		"status": "ok",
		"build":  buildInfo(),
	}
	status := http.StatusOK

	if hl.Index != nil {
		if err := hl.Index.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["index"] = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			body["index"] = "ok"
		}
	}
	if hl.Chain != nil {
		high, tip := hl.Chain.Progress()
		body["gateway"] = gatewayStatus(high, tip)
	}
	if hl.Mesh != nil || hl.Graph != nil {
		body["gun"] = h.gunStatus()
	}
	if hl.Queue != nil || hl.Pending != nil {
		q := map[string]interface{}{}
		if hl.Queue != nil {
			q["writerDepth"] = hl.Queue.Depth()
		}
		if hl.Pending != nil {
			q["pendingRecords"] = hl.Pending.PendingLen(ctx)
		}
		body["queue"] = q
	}
	if hl.Resolver != nil {
		body["resolver"] = hl.Resolver.Stats()
	}

	return c.JSON(status, body)
}

// HealthIndex serves GET /health/index.
func (h *Handlers) HealthIndex(c echo.Context) error {
	ctx := c.Request().Context()
	hl := h.Health

	body := map[string]interface{}{"status": "ok"}
	status := http.StatusOK
	if hl.Index != nil {
		if err := hl.Index.Ping(ctx); err != nil {
			body["status"] = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	if hl.Queue != nil {
		body["writerDepth"] = hl.Queue.Depth()
	}
	if hl.Pending != nil {
		body["pendingRecords"] = hl.Pending.PendingLen(ctx)
	}
	return c.JSON(status, body)
}

// HealthGun serves GET /health/gun. A node with peers configured but none
// connected reports degraded.
func (h *Handlers) HealthGun(c echo.Context) error {
	body := h.gunStatus()
	status := http.StatusOK
	if body["status"] == "degraded" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, body)
}

func (h *Handlers) gunStatus() map[string]interface{} {
	hl := h.Health
	body := map[string]interface{}{"status": "ok"}
	if hl.Mesh != nil {
		peers := hl.Mesh.ConnectedPeers()
		body["peers"] = peers
		body["peerCount"] = hl.Mesh.PeerCount()
		if hl.ConfiguredPeers > 0 && len(peers) == 0 {
			body["status"] = "degraded"
		}
	}
	if hl.Graph != nil {
		body["appliedIntents"] = hl.Graph.AppliedIntents()
	}
	return body
}

// HealthGateway serves GET /health/gateway. A zero tip means the loop has
// never completed a gateway round trip.
func (h *Handlers) HealthGateway(c echo.Context) error {
	hl := h.Health
	if hl.Chain == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"status": "disabled"})
	}
	high, tip := hl.Chain.Progress()
	body := gatewayStatus(high, tip)
	status := http.StatusOK
	if body["status"] == "unreachable" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, body)
}

func gatewayStatus(high, tip int64) map[string]interface{} {
	body := map[string]interface{}{
		"status": "ok",
		"height": high,
		"tip":    tip,
	}
	if tip == 0 {
		body["status"] = "unreachable"
		return body
	}
	if lag := tip - high; lag > 0 {
		body["lag"] = lag
	}
	return body
}
