package gun

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
)

// PeerConfig tunes the outbound mesh connections.
type PeerConfig struct {
	URLs []string

	DialTimeout           time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	BackoffFactor         float64
	PingInterval          time.Duration
	SendQueueDepth        int
}

// DefaultPeerConfig returns the reconnect shape used in production: one
// second growing to thirty, doubling each failure.
func DefaultPeerConfig(urls []string) PeerConfig {
	return PeerConfig{
		URLs:                  urls,
		DialTimeout:           10 * time.Second,
		ReconnectInitialDelay: time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		BackoffFactor:         2.0,
		PingInterval:          30 * time.Second,
		SendQueueDepth:        100,
	}
}

func (c *PeerConfig) normalize() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReconnectInitialDelay <= 0 {
		c.ReconnectInitialDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2.0
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.SendQueueDepth <= 0 {
		c.SendQueueDepth = 100
	}
}

// Handler receives every decoded inbound frame with the peer it came from.
type Handler func(from string, msg *Message)

// Manager supervises one outbound connection per configured peer, each with
// its own reconnect loop, plus any inbound sessions accepted by the HTTP
// endpoint.
type Manager struct {
	cfg     PeerConfig
	handler Handler
	log     *logrus.Entry

	peers map[string]*peer

	inboundMu sync.Mutex
	inbound   map[string]*inboundSession

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg PeerConfig, handler Handler) *Manager {
	cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		handler: handler,
		log:     common.ComponentLogger("gun-peers"),
		peers:   make(map[string]*peer, len(cfg.URLs)),
		inbound: make(map[string]*inboundSession),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, url := range cfg.URLs {
		m.peers[url] = &peer{
			url:  url,
			mgr:  m,
			send: make(chan []byte, cfg.SendQueueDepth),
		}
	}
	return m
}

// Start launches the per-peer connection loops.
func (m *Manager) Start() {
	for _, p := range m.peers {
		m.wg.Add(1)
		go p.connectionLoop()
	}
}

// Close tears down every connection and waits for the loops to exit.
func (m *Manager) Close() error {
	m.cancel()
	for _, p := range m.peers {
		p.closeConn()
	}
	m.wg.Wait()
	return nil
}

// Broadcast sends a frame to every connected peer, outbound and inbound,
// and reports how many accepted it. A full send queue drops the frame for
// that peer; GUN state re-converges on the next exchange.
func (m *Manager) Broadcast(msg *Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		m.log.WithError(err).Error("encode outbound frame")
		return 0
	}
	sent := 0
	for _, p := range m.peers {
		if p.enqueue(data) {
			sent++
		}
	}
	m.inboundMu.Lock()
	sessions := make([]*inboundSession, 0, len(m.inbound))
	for _, s := range m.inbound {
		sessions = append(sessions, s)
	}
	m.inboundMu.Unlock()
	for _, s := range sessions {
		if s.enqueue(data) {
			sent++
		}
	}
	return sent
}

// SendTo sends a frame to one peer by its url (outbound) or session id
// (inbound).
func (m *Manager) SendTo(id string, msg *Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	if p, ok := m.peers[id]; ok {
		return p.enqueue(data)
	}
	m.inboundMu.Lock()
	s, ok := m.inbound[id]
	m.inboundMu.Unlock()
	if ok {
		return s.enqueue(data)
	}
	return false
}

// ConnectedPeers lists peers with a live connection, for the health surface.
func (m *Manager) ConnectedPeers() []string {
	var out []string
	for url, p := range m.peers {
		if p.isConnected() {
			out = append(out, url)
		}
	}
	m.inboundMu.Lock()
	for id := range m.inbound {
		out = append(out, id)
	}
	m.inboundMu.Unlock()
	return out
}

// PeerCount counts configured outbound peers plus live inbound sessions.
func (m *Manager) PeerCount() int {
	m.inboundMu.Lock()
	inbound := len(m.inbound)
	m.inboundMu.Unlock()
	return len(m.peers) + inbound
}

type peer struct {
	url string
	mgr *Manager

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool

	send chan []byte
}

func (p *peer) isConnected() bool {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	return p.connected
}

func (p *peer) enqueue(data []byte) bool {
	if !p.isConnected() {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		p.mgr.log.WithField("peer", p.url).Warn("send queue full, dropping frame")
		return false
	}
}

func (p *peer) closeConn() {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.connected = false
}

// connectionLoop dials the peer forever, backing off exponentially on
// failure and resetting the delay after a successful session.
func (p *peer) connectionLoop() {
	defer p.mgr.wg.Done()

	cfg := p.mgr.cfg
	delay := cfg.ReconnectInitialDelay

	for {
		select {
		case <-p.mgr.ctx.Done():
			return
		default:
		}

		if err := p.connect(); err != nil {
			p.mgr.log.WithError(err).WithField("peer", p.url).Warn("peer dial failed")
			select {
			case <-p.mgr.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if delay > cfg.ReconnectMaxDelay {
				delay = cfg.ReconnectMaxDelay
			}
			continue
		}

		delay = cfg.ReconnectInitialDelay

		if err := p.runConnection(); err != nil {
			p.mgr.log.WithError(err).WithField("peer", p.url).Warn("peer connection lost")
		}

		p.connMu.Lock()
		p.connected = false
		p.connMu.Unlock()
	}
}

func (p *peer) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: p.mgr.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(p.mgr.ctx, p.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.url, err)
	}

	p.connMu.Lock()
	p.conn = conn
	p.connected = true
	p.connMu.Unlock()

	p.mgr.log.WithField("peer", p.url).Info("peer connected")
	return nil
}

func (p *peer) runConnection() error {
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		p.writeLoop()
	}()

	err := p.readLoop()

	p.closeConn()
	<-senderDone
	return err
}

func (p *peer) readLoop() error {
	for {
		p.connMu.RLock()
		conn := p.conn
		p.connMu.RUnlock()
		if conn == nil {
			return nil
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg := &Message{}
		if err := json.Unmarshal(data, msg); err != nil {
			p.mgr.log.WithError(err).WithField("peer", p.url).Debug("undecodable frame")
			continue
		}
		p.mgr.handler(p.url, msg)
	}
}

func (p *peer) writeLoop() {
	ticker := time.NewTicker(p.mgr.cfg.PingInterval)
	defer ticker.Stop()

	for {
		p.connMu.RLock()
		conn := p.conn
		connected := p.connected
		p.connMu.RUnlock()
		if conn == nil || !connected {
			return
		}

		select {
		case <-p.mgr.ctx.Done():
			return
		case data, ok := <-p.send:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.mgr.log.WithError(err).WithField("peer", p.url).Debug("write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// inboundSession is an accepted connection from a remote peer. Unlike
// outbound peers there is no reconnect; the remote redials.
type inboundSession struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	mgr  *Manager
	once sync.Once
	done chan struct{}
}

func (s *inboundSession) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		s.mgr.log.WithField("peer", s.id).Warn("inbound send queue full, dropping frame")
		return false
	}
}

func (s *inboundSession) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// AttachInbound serves an accepted websocket connection until it drops,
// routing its frames through the manager's handler. Blocks; the HTTP
// endpoint calls it from the request goroutine.
func (m *Manager) AttachInbound(id string, conn *websocket.Conn) {
	s := &inboundSession{
		id:   id,
		conn: conn,
		send: make(chan []byte, m.cfg.SendQueueDepth),
		mgr:  m,
		done: make(chan struct{}),
	}
	m.inboundMu.Lock()
	m.inbound[id] = s
	m.inboundMu.Unlock()
	m.log.WithField("peer", id).Info("inbound peer attached")

	defer func() {
		m.inboundMu.Lock()
		delete(m.inbound, id)
		m.inboundMu.Unlock()
		s.close()
		m.log.WithField("peer", id).Info("inbound peer detached")
	}()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case <-m.ctx.Done():
				s.close()
				return
			case data, ok := <-s.send:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					s.close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg := &Message{}
		if err := json.Unmarshal(data, msg); err != nil {
			m.log.WithError(err).WithField("peer", id).Debug("undecodable inbound frame")
			continue
		}
		m.handler(id, msg)
	}
}
