package signaling

import "sync"

// Registry maps peer IDs to their live connections. It is the single
// source of truth for "where do I send a message for this peer" and is
// shared by every connection goroutine, so all map access goes through
// its lock.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Client
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Client)}
}

// Register binds a peer ID to a connection. If the peer is already bound
// to a different connection the old one is superseded, not merged: its
// send channel is closed so its write pump exits, and the new connection
// takes over the ID. The client reuses peer IDs across reconnect attempts
// within one session, so this is the expected reconnect path.
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	old := r.peers[c.PeerID]
	r.peers[c.PeerID] = c
	r.mu.Unlock()

	if old != nil && old != c {
		old.closeSend()
	}
}

// Unregister removes the binding for a client and reports whether it was
// still the current one. A stale connection that was already superseded
// by a reconnect does not tear down the new binding.
func (r *Registry) Unregister(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.peers[c.PeerID]
	if !ok || current != c {
		return false
	}
	delete(r.peers, c.PeerID)
	return true
}

// Lookup returns the current connection for a peer ID.
func (r *Registry) Lookup(peerID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.peers[peerID]
	return c, ok
}

// Send delivers a message to one peer, best-effort. Unknown peer IDs and
// full buffers are no-ops: client connections are assumed possibly-stale
// and a send must never block or crash.
func (r *Registry) Send(peerID string, msg *Message) bool {
	c, ok := r.Lookup(peerID)
	if !ok {
		return false
	}
	return c.trySend(msg)
}

// Broadcast delivers a message to every listed peer except the excluded
// one. Peers that unregistered since the list was built are skipped.
func (r *Registry) Broadcast(peerIDs []string, msg *Message, except string) {
	for _, id := range peerIDs {
		if id == except {
			continue
		}
		r.Send(id, msg)
	}
}
