package es

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/oipwg/oipd/common"
)

// SyncState is the per-component progress document. One exists per sync
// loop, keyed by component name.
type SyncState struct {
	Component string                 `json:"component"`
	HighWater int64                  `json:"highWater"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// ReadState loads a component's sync state. A missing document comes back
// as a zero state, not an error; first run starts from nothing.
func (c *Client) ReadState(ctx context.Context, component string) (*SyncState, error) {
	resp, err := c.es.Get(
		c.StateIndex(),
		component,
		c.es.Get.WithContext(ctx),
	)
	if err != nil {
		return nil, common.Failf(common.FailureTransient, "read state %s: %w", component, err)
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotFound {
		return &SyncState{Component: component}, nil
	}
	if resp.IsError() {
		return nil, statusFailure("read state "+component, resp)
	}
	var envelope struct {
		Source SyncState `json:"_source"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, common.Failf(common.FailureDecode, "decode state %s: %w", component, err)
	}
	return &envelope.Source, nil
}

// WriteState persists a component's progress. The high-water mark never
// moves backwards; a stale write is dropped with a warning since it points
// at a second writer, which the single-writer design rules out.
func (c *Client) WriteState(ctx context.Context, state *SyncState) error {
	current, err := c.ReadState(ctx, state.Component)
	if err != nil {
		return err
	}
	if state.HighWater < current.HighWater {
		c.log.WithField("component", state.Component).
			WithField("current", current.HighWater).
			WithField("proposed", state.HighWater).
			Warn("refusing to move high-water mark backwards")
		return nil
	}
	state.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(state)
	if err != nil {
		return common.Failf(common.FailureDecode, "encode state %s: %w", state.Component, err)
	}
	resp, err := c.es.Index(
		c.StateIndex(),
		bytes.NewReader(body),
		c.es.Index.WithContext(ctx),
		c.es.Index.WithDocumentID(state.Component),
	)
	if err != nil {
		return common.Failf(common.FailureTransient, "write state %s: %w", state.Component, err)
	}
	defer drain(resp)
	if resp.IsError() {
		return statusFailure("write state "+state.Component, resp)
	}
	return nil
}
