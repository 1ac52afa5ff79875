// Package ws is the websocket sync transport: a relay Hub that fans frames
// out between peers, and a Client that connects a Synchronizer to a hub.
package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/cacheline/internal/platform/timeouts"
)

const (
	// DefaultBacklog caps frames buffered for one disconnected peer.
	DefaultBacklog = 1024
	// DefaultPeerTTL is how long a disconnected peer keeps its backlog.
	DefaultPeerTTL = 10 * time.Minute
	// DefaultMaxFrameBytes caps one inbound frame.
	DefaultMaxFrameBytes = 1 << 20
)

// HubOptions configures a Hub.
type HubOptions struct {
	Backlog       int
	PeerTTL       time.Duration
	MaxFrameBytes int
	// WriteTimeout caps one write to a peer. A peer that does not drain its
	// socket in time is disconnected and buffered for.
	WriteTimeout time.Duration
	Logf         func(string, ...any)
}

// Hub relays every frame received from one peer to all other known peers.
// Peers are identified by the "peer" query parameter; frames for a known
// peer that is disconnected are buffered until it reconnects or expires.
type Hub struct {
	backlog       int
	peerTTL       time.Duration
	maxFrameBytes int
	writeTimeout  time.Duration
	logf          func(string, ...any)
	now           func() time.Time

	mu    sync.Mutex
	peers map[string]*hubPeer
}

// NewHub creates a hub.
func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		backlog:       opts.Backlog,
		peerTTL:       opts.PeerTTL,
		maxFrameBytes: opts.MaxFrameBytes,
		writeTimeout:  opts.WriteTimeout,
		logf:          opts.Logf,
		now:           time.Now,
		peers:         make(map[string]*hubPeer),
	}
	if h.backlog <= 0 {
		h.backlog = DefaultBacklog
	}
	if h.peerTTL <= 0 {
		h.peerTTL = DefaultPeerTTL
	}
	if h.maxFrameBytes <= 0 {
		h.maxFrameBytes = DefaultMaxFrameBytes
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = timeouts.Write
	}
	if h.logf == nil {
		h.logf = log.Printf
	}
	return h
}

// Handler serves /sync for peers and /up for liveness checks.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(h.serveConn)
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if strings.TrimSpace(r.URL.Query().Get("peer")) == "" {
			http.Error(w, "peer is required", http.StatusBadRequest)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
	return mux
}

// Peers lists known peer ids, connected or not.
func (h *Hub) Peers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connected reports whether peerID currently has a live connection.
func (h *Hub) Connected(peerID string) bool {
	h.mu.Lock()
	p, ok := h.peers[peerID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Disconnect drops peerID's connection but keeps buffering for it.
func (h *Hub) Disconnect(peerID string) {
	h.mu.Lock()
	p, ok := h.peers[peerID]
	h.mu.Unlock()
	if ok {
		p.detach(nil, h.now())
	}
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]*hubPeer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.detach(nil, h.now())
	}
}

func (h *Hub) serveConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	conn.MaxPayloadBytes = h.maxFrameBytes

	peerID := strings.TrimSpace(conn.Request().URL.Query().Get("peer"))
	peer := h.peer(peerID)
	link := newLink(conn, h.writeTimeout)
	if err := peer.attach(link); err != nil {
		h.logf("synchub: flush backlog to %s: %v", peerID, err)
		return
	}
	defer peer.detach(link, h.now())

	decoder := json.NewDecoder(conn)
	for {
		var frame json.RawMessage
		if err := decoder.Decode(&frame); err != nil {
			if !errors.Is(err, io.EOF) {
				h.logf("synchub: read from %s: %v", peerID, err)
			}
			return
		}
		h.relay(peerID, frame)
	}
}

// peer returns the record for id, creating it and forgetting peers that have
// been disconnected longer than the TTL.
func (h *Hub) peer(id string) *hubPeer {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for otherID, other := range h.peers {
		if otherID != id && other.expired(now, h.peerTTL) {
			delete(h.peers, otherID)
		}
	}
	if p, ok := h.peers[id]; ok {
		return p
	}
	p := &hubPeer{id: id, backlog: h.backlog, lastSeen: now}
	h.peers[id] = p
	return p
}

func (h *Hub) relay(from string, frame json.RawMessage) {
	h.mu.Lock()
	targets := make([]*hubPeer, 0, len(h.peers))
	for id, p := range h.peers {
		if id != from {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	now := h.now()
	for _, p := range targets {
		if err := p.deliver(frame, now); err != nil {
			h.logf("synchub: write to %s: %v", p.id, err)
		}
	}
}

// wsLink is one live connection. Callers serialize writes.
type wsLink struct {
	conn         net.Conn
	encoder      *json.Encoder
	writeTimeout time.Duration
}

func newLink(conn net.Conn, writeTimeout time.Duration) *wsLink {
	return &wsLink{conn: conn, encoder: json.NewEncoder(conn), writeTimeout: writeTimeout}
}

// write encodes v as one frame, failing once the write deadline passes.
func (l *wsLink) write(v any) error {
	if l.writeTimeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
			return err
		}
	}
	return l.encoder.Encode(v)
}

type hubPeer struct {
	id      string
	backlog int

	// mu serializes writes so buffered frames precede live ones.
	mu       sync.Mutex
	conn     *wsLink
	pending  []json.RawMessage
	lastSeen time.Time
	dropped  int
}

func (p *hubPeer) attach(link *wsLink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.conn.Close()
	}
	for len(p.pending) > 0 {
		if err := link.write(p.pending[0]); err != nil {
			p.conn = nil
			return err
		}
		p.pending = p.pending[1:]
	}
	p.pending = nil
	p.conn = link
	return nil
}

// detach forgets link, or the current link when link is nil.
func (p *hubPeer) detach(link *wsLink, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || (link != nil && p.conn != link) {
		return
	}
	_ = p.conn.conn.Close()
	p.conn = nil
	p.lastSeen = now
}

func (p *hubPeer) deliver(frame json.RawMessage, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		err := p.conn.write(frame)
		if err == nil {
			return nil
		}
		_ = p.conn.conn.Close()
		p.conn = nil
		p.lastSeen = now
		p.buffer(frame)
		return err
	}
	p.buffer(frame)
	return nil
}

func (p *hubPeer) buffer(frame json.RawMessage) {
	if len(p.pending) >= p.backlog {
		p.pending = p.pending[1:]
		p.dropped++
	}
	p.pending = append(p.pending, frame)
}

func (p *hubPeer) expired(now time.Time, ttl time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn == nil && now.Sub(p.lastSeen) > ttl
}
