// Package enginetest provides in-memory test doubles for
// api.Transport, api.Persister, and a minimal api.FSM, used to
// exercise the engine end to end without a real network or
// filesystem. The application state machine itself stays out of
// scope as a product (spec §1); this KV store exists only to give
// tests something deterministic to apply into.
package enginetest

import (
	"context"
	"errors"
	"sync"

	"github.com/rabia-rs/rabia/api"
)

// Network simulates the peer-to-peer fabric a cluster of in-memory
// MemTransports exchange frames over, grounded on
// tests/sim_transport.go's intent (a mock transport every node shares)
// though not its simrpc machinery, which the retrieved pack does not
// include. Supports partition simulation for the lagging-replica sync
// scenario (spec §8 end-to-end scenario 4).
type Network struct {
	mu    sync.Mutex
	nodes map[api.NodeId]*MemTransport
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[api.NodeId]*MemTransport)}
}

// NewTransport registers self on the network and returns its
// api.Transport handle.
func (n *Network) NewTransport(self api.NodeId) *MemTransport {
	t := &MemTransport{
		net:       n,
		self:      self,
		inbound:   make(chan api.InboundFrame, 4096),
		partition: make(map[api.NodeId]bool),
	}
	n.mu.Lock()
	n.nodes[self] = t
	n.mu.Unlock()
	return t
}

func (n *Network) lookup(id api.NodeId) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[id]
}

// Transport returns the registered MemTransport for id, for tests that
// need to drive Partition/Heal/Inject from outside the node itself.
func (n *Network) Transport(id api.NodeId) *MemTransport {
	return n.lookup(id)
}

func (n *Network) peerIds(exclude api.NodeId) []api.NodeId {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]api.NodeId, 0, len(n.nodes))
	for id := range n.nodes {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

// MemTransport is the in-memory api.Transport implementation: Send
// and Broadcast deliver directly into the target's inbound channel,
// dropping (not blocking) when that channel is full, matching the
// real transport's "treat transient failures as drops" contract
// (spec §6).
type MemTransport struct {
	net     *Network
	self    api.NodeId
	inbound chan api.InboundFrame

	mu        sync.Mutex
	partition map[api.NodeId]bool // true = this peer is unreachable
	closed    bool
}

var _ api.Transport = (*MemTransport)(nil)

func (t *MemTransport) Send(ctx context.Context, to api.NodeId, frame []byte) error {
	if t.isPartitioned(to) {
		return errors.New("enginetest: peer unreachable (partitioned)")
	}
	peer := t.net.lookup(to)
	if peer == nil {
		return errors.New("enginetest: unknown peer")
	}
	return peer.deliver(t.self, frame)
}

func (t *MemTransport) Broadcast(ctx context.Context, frame []byte, exclude ...api.NodeId) error {
	excluded := make(map[api.NodeId]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}
	var errs error
	for _, id := range t.net.peerIds(t.self) {
		if _, skip := excluded[id]; skip {
			continue
		}
		if err := t.Send(context.Background(), id, frame); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (t *MemTransport) deliver(from api.NodeId, frame []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errors.New("enginetest: transport closed")
	}
	// A copy protects against the sender mutating/reusing frame.
	cp := append([]byte(nil), frame...)
	select {
	case t.inbound <- api.InboundFrame{From: from, Frame: cp}:
	default:
		// inbound queue full: drop, matching the real transport's
		// non-fatal transient-failure handling.
	}
	return nil
}

func (t *MemTransport) Inbound() <-chan api.InboundFrame { return t.inbound }

// Inject delivers frame into this transport's inbound queue as if it
// arrived from peer, bypassing Send/Broadcast. Tests use this to feed
// a deliberately corrupted frame straight past the network, the way a
// bit flip in flight would surface to the receiving engine.
func (t *MemTransport) Inject(from api.NodeId, frame []byte) {
	t.deliver(from, frame)
}

func (t *MemTransport) ConnectedPeers() []api.NodeId {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]api.NodeId, 0)
	for _, id := range t.net.peerIds(t.self) {
		if !t.partition[id] {
			out = append(out, id)
		}
	}
	return out
}

// Partition marks peer as unreachable from this node, in both
// directions, simulating the disconnect in spec §8 scenario 4.
func (t *MemTransport) Partition(peer api.NodeId) {
	t.mu.Lock()
	t.partition[peer] = true
	t.mu.Unlock()
	if other := t.net.lookup(peer); other != nil {
		other.mu.Lock()
		other.partition[t.self] = true
		other.mu.Unlock()
	}
}

// Heal reverses Partition.
func (t *MemTransport) Heal(peer api.NodeId) {
	t.mu.Lock()
	delete(t.partition, peer)
	t.mu.Unlock()
	if other := t.net.lookup(peer); other != nil {
		other.mu.Lock()
		delete(other.partition, t.self)
		other.mu.Unlock()
	}
}

func (t *MemTransport) isPartitioned(peer api.NodeId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.partition[peer]
}

func (t *MemTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.inbound)
	return nil
}
