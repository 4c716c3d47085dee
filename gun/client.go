package gun

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
)

// Mesh is what the client needs from the peer layer. Manager implements it;
// tests substitute a loopback.
type Mesh interface {
	Broadcast(msg *Message) int
	SendTo(url string, msg *Message) bool
	PeerCount() int
	ConnectedPeers() []string
}

const (
	defaultAckTimeout = 10 * time.Second
	dedupEntries      = 4096
	dedupTTL          = 5 * time.Minute
)

// Client implements get and put over the mesh with the local store as both
// cache and fallback. Frames from every source, outbound peer connections
// and the inbound websocket endpoint alike, funnel through HandleFrame.
type Client struct {
	store *Store
	mesh  Mesh
	log   *logrus.Entry

	ackTimeout time.Duration

	pendingMu sync.Mutex
	pending   map[string]chan *Message

	seen *expirable.LRU[string, struct{}]

	subMu sync.Mutex
	subs  []func(*Node)
}

// ClientOption adjusts client construction.
type ClientOption func(*Client)

// WithAckTimeout bounds how long Get and Put wait for a peer ack.
func WithAckTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.ackTimeout = d }
}

func NewClient(store *Store, mesh Mesh, opts ...ClientOption) *Client {
	c := &Client{
		store:      store,
		mesh:       mesh,
		log:        common.ComponentLogger("gun"),
		ackTimeout: defaultAckTimeout,
		pending:    make(map[string]chan *Message),
		seen:       expirable.NewLRU[string, struct{}](dedupEntries, nil, dedupTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store exposes the local replica for callers that only read.
func (c *Client) Store() *Store { return c.store }

// Subscribe registers a callback for every node whose state moved, whether
// from a peer put or a local one.
func (c *Client) Subscribe(fn func(*Node)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs = append(c.subs, fn)
}

func (c *Client) notify(node *Node) {
	c.subMu.Lock()
	subs := make([]func(*Node), len(c.subs))
	copy(subs, c.subs)
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(node)
	}
}

// HandleFrame processes one inbound frame. Duplicate message ids are
// dropped; GUN floods the mesh so every frame may arrive several times.
func (c *Client) HandleFrame(from string, msg *Message) {
	if msg.DAM != "" {
		return
	}
	if msg.ID != "" {
		if _, dup := c.seen.Peek(msg.ID); dup {
			return
		}
		c.seen.Add(msg.ID, struct{}{})
	}

	if msg.IsAck() {
		c.routeAck(msg)
		// An ack can also carry node state, merged below.
	}
	if msg.Put != nil {
		c.handlePut(from, msg)
		return
	}
	if msg.Get != nil {
		c.handleGet(from, msg)
	}
}

func (c *Client) routeAck(msg *Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.Ack]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (c *Client) handlePut(from string, msg *Message) {
	for _, node := range msg.Put {
		if node == nil || node.Soul() == "" {
			continue
		}
		merged, changed, err := c.store.Merge(node)
		if err != nil {
			c.log.WithError(err).WithField("soul", node.Soul()).Warn("merge failed")
			continue
		}
		if changed {
			c.notify(merged)
		}
	}
	if !msg.IsAck() && msg.ID != "" && from != "" {
		ack := AckMessage(msg.ID)
		ack.OK = map[string]interface{}{"": 1}
		c.mesh.SendTo(from, ack)
	}
}

func (c *Client) handleGet(from string, msg *Message) {
	if msg.Get.Soul == "" || from == "" {
		return
	}
	ack := AckMessage(msg.ID)
	node, err := c.store.Get(msg.Get.Soul)
	if err == nil {
		ack.Put = map[string]*Node{node.Soul(): node}
	}
	c.mesh.SendTo(from, ack)
}

// Get asks the mesh for a node. An ack carrying the node wins; an ack
// without it is definitive absence. With no peers, or when every peer stays
// silent past the timeout, the local replica answers.
func (c *Client) Get(ctx context.Context, soul string) (*Node, error) {
	if c.mesh.PeerCount() == 0 {
		return c.store.Get(soul)
	}

	msg := GetMessage(soul)
	ch := c.register(msg.ID)
	defer c.unregister(msg.ID)

	if c.mesh.Broadcast(msg) == 0 {
		return c.store.Get(soul)
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ack := <-ch:
			if node, ok := ack.Put[soul]; ok && node != nil {
				merged, _, err := c.store.Merge(node)
				if err != nil {
					return nil, err
				}
				return merged, nil
			}
			return nil, common.Failf(common.FailureNotFound, "peer reports no node %s", soul)
		case <-timer.C:
			node, err := c.store.Get(soul)
			if err == nil {
				c.log.WithField("soul", soul).Debug("no ack, serving local replica")
				return node, nil
			}
			return nil, common.Failf(common.FailureTransient, "no ack for %s", soul)
		}
	}
}

// GetFrom asks one peer for a node. Used by the per-peer sync tasks, which
// diff each whitelisted peer independently. Semantics match Get: an ack with
// the node merges and wins, an ack without it is definitive absence, silence
// past the timeout is transient.
func (c *Client) GetFrom(ctx context.Context, peer, soul string) (*Node, error) {
	msg := GetMessage(soul)
	ch := c.register(msg.ID)
	defer c.unregister(msg.ID)

	if !c.mesh.SendTo(peer, msg) {
		return nil, common.Failf(common.FailureTransient, "peer %s not connected", peer)
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ack := <-ch:
		if node, ok := ack.Put[soul]; ok && node != nil {
			merged, _, err := c.store.Merge(node)
			if err != nil {
				return nil, err
			}
			return merged, nil
		}
		return nil, common.Failf(common.FailureNotFound, "peer %s reports no node %s", peer, soul)
	case <-timer.C:
		return nil, common.Failf(common.FailureTransient, "no ack from %s for %s", peer, soul)
	}
}

// Put writes fields to a soul: merged locally first, then announced to the
// mesh. With peers configured, at least one must ack within the timeout.
func (c *Client) Put(ctx context.Context, soul string, fields map[string]interface{}) (*Node, error) {
	node := NewNode(soul, fields, float64(time.Now().UnixMilli()))
	merged, changed, err := c.store.Merge(node)
	if err != nil {
		return nil, err
	}
	if changed {
		c.notify(merged)
	}

	if c.mesh.PeerCount() == 0 {
		return merged, nil
	}

	msg := PutMessage(merged)
	ch := c.register(msg.ID)
	defer c.unregister(msg.ID)

	if c.mesh.Broadcast(msg) == 0 {
		c.log.WithField("soul", soul).Warn("no connected peers took the put")
		return merged, nil
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ack := <-ch:
		if ack.Err != nil {
			return nil, common.Failf(common.FailureTransient, "peer rejected put %s: %v", soul, ack.Err)
		}
		return merged, nil
	case <-timer.C:
		return nil, common.Failf(common.FailureTransient, "no peer acknowledged put %s", soul)
	}
}

func (c *Client) register(msgID string) chan *Message {
	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Client) unregister(msgID string) {
	c.pendingMu.Lock()
	delete(c.pending, msgID)
	c.pendingMu.Unlock()
}
