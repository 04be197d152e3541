package api

import "context"

// Transport defines how a replica exchanges protocol messages with its
// peers. Implementations may fail any method with a transient error;
// the engine treats transient failures as drops and relies on retry
// via subsequent protocol activity (votes, heartbeats, sync).
type Transport interface {
	// Send delivers msg to a single peer. msg is the already-encoded
	// wire frame (see wire.Encode).
	Send(ctx context.Context, to NodeId, frame []byte) error

	// Broadcast delivers msg to every peer except those in exclude.
	Broadcast(ctx context.Context, frame []byte, exclude ...NodeId) error

	// Inbound returns the channel the transport delivers received
	// frames on, paired with the sender's NodeId. The engine is the
	// sole consumer.
	Inbound() <-chan InboundFrame

	// ConnectedPeers returns the set of peers currently believed
	// reachable.
	ConnectedPeers() []NodeId

	// Close releases transport resources (listeners, connections).
	Close() error
}

// InboundFrame pairs a received wire frame with the peer that sent it.
type InboundFrame struct {
	From  NodeId
	Frame []byte
}
