// Package transport provides the default gRPC-based api.Transport.
//
// No .proto/generated stubs are available for this protocol (see
// DESIGN.md's dropped-dependency note on protobuf), so the service is
// registered by hand: a single bidirectional-streaming RPC whose
// payload is a frame already encoded by wire.Encode, passed through a raw-byte
// grpc.Codec instead of a generated message type.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rabia-rs/rabia/api"
	"github.com/rabia-rs/rabia/internal/cbreaker"
	"github.com/rabia-rs/rabia/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

const codecName = "rabia-raw"

// frameMsg is the sole message type exchanged over the transport
// stream: an opaque, already-framed byte slice.
type frameMsg struct {
	data []byte
}

// rawCodec passes bytes through unchanged, standing in for the
// generated message codec protoc would otherwise produce.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(*frameMsg)
	if !ok {
		return nil, fmt.Errorf("transport: unexpected message type %T", v)
	}
	return m.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*frameMsg)
	if !ok {
		return fmt.Errorf("transport: unexpected message type %T", v)
	}
	m.data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

var streamServiceDesc = grpc.ServiceDesc{
	ServiceName: "rabia.Transport",
	HandlerType: (*streamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "rabia/transport.proto",
}

type streamServer interface {
	Stream(grpc.ServerStream) error
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(streamServer).Stream(stream)
}

// peerConn tracks the outbound stream this node keeps open to one
// peer, protected by a circuit breaker so a wedged connection cannot
// stall broadcast's fan-out (SPEC_FULL.md item 5).
type peerConn struct {
	addr    string
	id      api.NodeId
	breaker *cbreaker.CircuitBreaker

	mu     sync.Mutex
	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

// GRPCTransport is the default api.Transport implementation.
type GRPCTransport struct {
	self           api.NodeId
	logger         *slog.Logger
	requestTimeout time.Duration

	mu    sync.RWMutex
	peers map[api.NodeId]*peerConn

	inboundCh chan api.InboundFrame

	listenAddr string
	server     *grpc.Server
	wg         sync.WaitGroup
}

var _ api.Transport = (*GRPCTransport)(nil)

// PeerAddr pairs a cluster member with its dial address.
type PeerAddr struct {
	Id   api.NodeId
	Addr string
}

// NewGRPCTransport dials every peer and starts a server accepting
// inbound streams on listenAddr, mirroring
// pkg/transport/connections.go's SetupConnections plus
// raft/grpc_server.go's server lifecycle, generalized from Raft's
// request/response RPCs to Rabia's fire-and-forget frame streams.
func NewGRPCTransport(self api.NodeId, listenAddr string, peerAddrs []PeerAddr, cfg api.CircuitBreakerCfg, requestTimeout time.Duration, log *slog.Logger) (*GRPCTransport, error) {
	t := &GRPCTransport{
		self:           self,
		logger:         log,
		requestTimeout: requestTimeout,
		peers:          make(map[api.NodeId]*peerConn, len(peerAddrs)),
		inboundCh:      make(chan api.InboundFrame, 4096),
		listenAddr:     listenAddr,
	}

	for _, pa := range peerAddrs {
		t.peers[pa.Id] = &peerConn{
			addr:    pa.Addr,
			id:      pa.Id,
			breaker: cbreaker.NewCircuitBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.ResetTimeout),
		}
	}

	if err := t.listen(); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *GRPCTransport) listen() error {
	if t.listenAddr == "" {
		return nil
	}
	l, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("transport: failed to listen on %s: %w", t.listenAddr, err)
	}

	t.server = grpc.NewServer()
	t.server.RegisterService(&streamServiceDesc, t)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Error("transport server failed", logger.ErrAttr(err))
		}
	}()
	return nil
}

// Stream implements streamServer: it reads the handshake frame (the
// sender's raw 16-byte NodeId) then forwards every subsequent frame
// to Inbound().
func (t *GRPCTransport) Stream(stream grpc.ServerStream) error {
	var handshake frameMsg
	if err := stream.RecvMsg(&handshake); err != nil {
		return fmt.Errorf("transport: handshake read failed: %w", err)
	}
	var from api.NodeId
	if len(handshake.data) != 16 {
		return errors.New("transport: malformed handshake")
	}
	copy(from[:], handshake.data)

	for {
		var msg frameMsg
		if err := stream.RecvMsg(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		select {
		case t.inboundCh <- api.InboundFrame{From: from, Frame: msg.data}:
		default:
			t.logger.Warn("dropped inbound frame: inbound queue full", "from", from.String())
		}
	}
}

func (t *GRPCTransport) Inbound() <-chan api.InboundFrame { return t.inboundCh }

func (t *GRPCTransport) ConnectedPeers() []api.NodeId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]api.NodeId, 0, len(t.peers))
	for id, p := range t.peers {
		if p.breaker.IsClosed() {
			out = append(out, id)
		}
	}
	return out
}

func (t *GRPCTransport) peerStream(ctx context.Context, p *peerConn) (grpc.ClientStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return p.stream, nil
	}

	if p.conn == nil {
		conn, err := grpc.NewClient(p.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("transport: failed to dial %s: %w", p.addr, err)
		}
		p.conn = conn
	}

	stream, err := p.conn.NewStream(ctx, &streamServiceDesc.Streams[0], "/rabia.Transport/Stream", grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, fmt.Errorf("transport: failed to open stream to %s: %w", p.addr, err)
	}

	selfId := t.self
	if err := stream.SendMsg(&frameMsg{data: selfId[:]}); err != nil {
		return nil, fmt.Errorf("transport: handshake send failed: %w", err)
	}

	p.stream = stream
	return stream, nil
}

func (t *GRPCTransport) sendTo(ctx context.Context, p *peerConn, frame []byte) error {
	_, err := cbreaker.Do(ctx, p.breaker, func(ctx context.Context) (struct{}, error) {
		stream, err := t.peerStream(ctx, p)
		if err != nil {
			return struct{}{}, err
		}
		if err := stream.SendMsg(&frameMsg{data: frame}); err != nil {
			p.mu.Lock()
			p.stream = nil // force redial on next attempt
			p.mu.Unlock()
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return err
}

// Send delivers frame to a single peer.
func (t *GRPCTransport) Send(ctx context.Context, to api.NodeId, frame []byte) error {
	t.mu.RLock()
	p, ok := t.peers[to]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %s", to.String())
	}
	tctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()
	return t.sendTo(tctx, p, frame)
}

// Broadcast delivers frame to every peer except those in exclude.
func (t *GRPCTransport) Broadcast(ctx context.Context, frame []byte, exclude ...api.NodeId) error {
	excluded := make(map[api.NodeId]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	t.mu.RLock()
	targets := make([]*peerConn, 0, len(t.peers))
	for id, p := range t.peers {
		if _, skip := excluded[id]; !skip {
			targets = append(targets, p)
		}
	}
	t.mu.RUnlock()

	var errs error
	for _, p := range targets {
		tctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
		if err := t.sendTo(tctx, p, frame); err != nil {
			errs = errors.Join(errs, fmt.Errorf("peer %s: %w", p.id.String(), err))
		}
		cancel()
	}
	return errs
}

// Close shuts down the server and every outbound connection.
func (t *GRPCTransport) Close() error {
	var errs error
	if t.server != nil {
		t.server.GracefulStop()
	}
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.peers {
		p.mu.Lock()
		if p.conn != nil {
			if err := p.conn.Close(); err != nil {
				errs = errors.Join(errs, fmt.Errorf("peer %s: %w", id.String(), err))
			}
		}
		p.mu.Unlock()
	}
	close(t.inboundCh)
	return errs
}
