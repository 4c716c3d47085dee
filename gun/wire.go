// Package gun speaks the GUN mesh protocol: a local bbolt-backed graph,
// websocket peers, and HAM-ordered node merges. Only the subset the indexer
// needs is implemented; this is a sync client, not a relay.
package gun

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message is one frame on the wire. GUN frames are JSON objects whose keys
// double as the protocol: "#" carries the message id, "@" acknowledges
// another message, "get" asks for a node and "put" ships node state.
type Message struct {
	ID  string           `json:"#,omitempty"`
	Ack string           `json:"@,omitempty"`
	Get *GetRequest      `json:"get,omitempty"`
	Put map[string]*Node `json:"put,omitempty"`
	Err interface{}      `json:"err,omitempty"`
	OK  interface{}      `json:"ok,omitempty"`
	// DAM carries mesh-level messages (hi, bye, pings) which are ignored
	// beyond dedup.
	DAM string `json:"dam,omitempty"`
}

// GetRequest addresses a node, optionally narrowed to one field.
type GetRequest struct {
	Soul  string `json:"#,omitempty"`
	Field string `json:".,omitempty"`
}

// NewMessageID mints a wire message id.
func NewMessageID() string {
	return uuid.New().String()
}

// GetMessage builds a node request.
func GetMessage(soul string) *Message {
	return &Message{ID: NewMessageID(), Get: &GetRequest{Soul: soul}}
}

// PutMessage builds a state announcement for one node.
func PutMessage(node *Node) *Message {
	return &Message{ID: NewMessageID(), Put: map[string]*Node{node.Soul(): node}}
}

// AckMessage builds a reply to the given message id.
func AckMessage(inReplyTo string) *Message {
	return &Message{ID: NewMessageID(), Ack: inReplyTo}
}

// IsAck reports whether the frame answers an earlier message.
func (m *Message) IsAck() bool { return m.Ack != "" }

// Meta is a node's bookkeeping: its soul and the HAM state clock per field.
type Meta struct {
	Soul  string             `json:"#"`
	State map[string]float64 `json:">"`
}

// Node is one graph node: metadata plus fields. Field values are JSON
// scalars, objects, or {"#": soul} links.
type Node struct {
	Meta   Meta
	Fields map[string]interface{}
}

// NewNode builds a node with every field stamped at the given HAM state,
// typically the current wall clock in milliseconds.
func NewNode(soul string, fields map[string]interface{}, state float64) *Node {
	meta := Meta{Soul: soul, State: make(map[string]float64, len(fields))}
	copied := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		meta.State[k] = state
		copied[k] = v
	}
	return &Node{Meta: meta, Fields: copied}
}

// Soul returns the node's graph identifier.
func (n *Node) Soul() string { return n.Meta.Soul }

// StateOf returns the HAM state of one field, zero when unstamped.
func (n *Node) StateOf(field string) float64 {
	return n.Meta.State[field]
}

// MarshalJSON renders the node in wire form, fields beside the "_" meta key.
func (n *Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(n.Fields)+1)
	out["_"] = n.Meta
	for k, v := range n.Fields {
		if k == "_" {
			continue
		}
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses wire form. Frames missing the meta key are rejected;
// a node without a soul cannot be merged.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	metaRaw, ok := raw["_"]
	if !ok {
		return fmt.Errorf("node frame has no meta")
	}
	if err := json.Unmarshal(metaRaw, &n.Meta); err != nil {
		return fmt.Errorf("decode node meta: %w", err)
	}
	if n.Meta.Soul == "" {
		return fmt.Errorf("node frame has no soul")
	}
	if n.Meta.State == nil {
		n.Meta.State = make(map[string]float64)
	}
	n.Fields = make(map[string]interface{}, len(raw)-1)
	for k, v := range raw {
		if k == "_" {
			continue
		}
		var value interface{}
		if err := json.Unmarshal(v, &value); err != nil {
			return fmt.Errorf("decode field %s: %w", k, err)
		}
		n.Fields[k] = value
	}
	return nil
}

// Merge folds other into n under HAM rules: a field moves only when the
// incoming state is newer, or equal with a lexicographically larger encoded
// value so replicas converge on ties. Returns true when anything changed.
func (n *Node) Merge(other *Node) bool {
	changed := false
	for field, incoming := range other.Fields {
		incomingState := other.StateOf(field)
		currentState, exists := n.Meta.State[field]
		if exists {
			if incomingState < currentState {
				continue
			}
			if incomingState == currentState && !wins(incoming, n.Fields[field]) {
				continue
			}
		}
		n.Fields[field] = incoming
		n.Meta.State[field] = incomingState
		changed = true
	}
	return changed
}

// wins is the HAM tiebreak for equal states: compare encoded forms.
func wins(incoming, current interface{}) bool {
	a, errA := json.Marshal(incoming)
	b, errB := json.Marshal(current)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) > string(b)
}

// Link renders a graph edge value pointing at another soul.
func Link(soul string) map[string]interface{} {
	return map[string]interface{}{"#": soul}
}

// LinkSoul extracts the target soul from a link value, empty when v is not
// a link.
func LinkSoul(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) != 1 {
		return ""
	}
	soul, _ := m["#"].(string)
	return soul
}
