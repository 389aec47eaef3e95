package transport

import (
	"net/http"
	"sync"
)

// Hub tracks every connected Peer, the multi-peer generalization of the
// teacher's single dashboard-client map: instead of one set of
// write-only clients fed by a shared broadcast channel, each entry is a
// full duplex Peer that internal/sync.Engine drives independently.
type Hub struct {
	mu    sync.Mutex
	peers map[string]*Peer
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{peers: make(map[string]*Peer)}
}

// Accept upgrades an incoming connection from peerID and registers it.
// Any previous connection registered under the same ID is closed first,
// since a reconnect always supersedes a stale peer.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, peerID string) (*Peer, error) {
	peer, err := Upgrade(w, r, peerID)
	if err != nil {
		return nil, err
	}
	h.register(peer)
	return peer, nil
}

// Connect dials an outbound connection to peerID at url and registers it.
func (h *Hub) Connect(url, peerID string) (*Peer, error) {
	peer, err := Dial(url, peerID)
	if err != nil {
		return nil, err
	}
	h.register(peer)
	return peer, nil
}

func (h *Hub) register(peer *Peer) {
	h.mu.Lock()
	if old, ok := h.peers[peer.ID]; ok {
		old.Close()
	}
	h.peers[peer.ID] = peer
	h.mu.Unlock()

	go func() {
		<-peer.Done()
		h.mu.Lock()
		if h.peers[peer.ID] == peer {
			delete(h.peers, peer.ID)
		}
		h.mu.Unlock()
	}()
}

// Peers returns a snapshot of every currently registered peer.
func (h *Hub) Peers() []*Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	return out
}

// Peer returns the registered peer for id, if connected.
func (h *Hub) Peer(id string) (*Peer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[id]
	return p, ok
}

// Close closes every registered peer connection.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.peers = make(map[string]*Peer)
	h.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}
